package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	goredis "github.com/redis/go-redis/v9"

	"github.com/gamenight/scheduler/internal/config"
	"github.com/gamenight/scheduler/internal/events"
	"github.com/gamenight/scheduler/internal/idempotency"
	"github.com/gamenight/scheduler/internal/infrastructure/postgres"
	"github.com/gamenight/scheduler/internal/infrastructure/rabbitmq"
	"github.com/gamenight/scheduler/internal/pkg/logger"
	"github.com/gamenight/scheduler/internal/retry"
	"github.com/gamenight/scheduler/internal/schedule"
	"github.com/gamenight/scheduler/internal/scheduler"
	"github.com/gamenight/scheduler/internal/transport/rest"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		_ = os.Setenv("LOG_LEVEL", cfg.LogLevel)
	}

	logger.Init()
	log := logger.Logger.With().
		Str("service", "schedulerd").
		Str("env", cfg.AppEnv).
		Logger()

	// Root ctx with signal cancellation
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Postgres ----
	dbPool, err := pgxpool.New(rootCtx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres pool create failed")
	}
	defer dbPool.Close()

	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		defer cancel()

		if err := dbPool.Ping(pingCtx); err != nil {
			log.Fatal().Err(err).Msg("postgres ping failed")
		}
		log.Info().Msg("postgres connected")
	}

	if err := postgres.Migrate(rootCtx, dbPool); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	// ---- RabbitMQ topology ----
	mqConn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbitmq dial failed")
	}
	defer mqConn.Close()

	{
		ch, err := mqConn.Channel()
		if err != nil {
			log.Fatal().Err(err).Msg("rabbitmq channel failed")
		}
		topo := rabbitmq.Topology{
			Exchange:   cfg.Exchange,
			DLX:        cfg.DLXExchange,
			MessageTTL: cfg.MessageTTL,
			Queues:     queueSpecs(cfg.Queues),
		}
		if err := topo.Declare(ch); err != nil {
			log.Fatal().Err(err).Msg("topology declare failed")
		}
		_ = ch.Close()
		log.Info().Str("exchange", cfg.Exchange).Msg("broker topology declared")
	}

	publisher, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.Exchange, cfg.ConfirmWait, cfg.MessageTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("publisher connect failed")
	}
	defer publisher.Close()

	backoff := schedule.Backoff{Initial: cfg.RetryInitialDelay, Max: cfg.RetryMaxDelay}

	// ---- Scheduler daemons ----
	errCh := make(chan error, 8)

	startDaemon := func(table, channel string, build events.Builder) {
		store, err := postgres.NewStore(dbPool, table, cfg.ClaimTolerance)
		if err != nil {
			log.Fatal().Err(err).Str("table", table).Msg("store create failed")
		}

		listener := postgres.NewListener(cfg.DBDSN, channel)
		if err := listener.Start(rootCtx); err != nil {
			log.Fatal().Err(err).Str("channel", channel).Msg("listener start failed")
		}

		d, err := scheduler.New(scheduler.Table{
			Name:            table,
			Store:           store,
			Waker:           listener,
			Publisher:       publisher,
			Build:           build,
			Backoff:         backoff,
			AttemptCap:      cfg.AttemptCap,
			StaleClaimAfter: cfg.StaleClaimAfter,
			FallbackPeek:    cfg.FallbackPeek,
		})
		if err != nil {
			log.Fatal().Err(err).Str("table", table).Msg("scheduler create failed")
		}

		go func() {
			if err := d.Run(rootCtx); err != nil {
				errCh <- fmt.Errorf("%s scheduler: %w", table, err)
			}
		}()
	}

	startDaemon("reminder_schedule", cfg.ReminderChannel, events.BuildReminder)
	startDaemon("status_schedule", cfg.StatusChannel, events.BuildStatus)

	// ---- Retry daemon ----
	{
		retryStore, err := postgres.NewStore(dbPool, "reminder_schedule", cfg.ClaimTolerance)
		if err != nil {
			log.Fatal().Err(err).Msg("retry store create failed")
		}

		// Each source dials its own connection and redials after broker
		// errors, so a dropped broker only costs the affected drain tick.
		sources := make([]retry.Source, 0, len(cfg.Queues))
		for _, q := range cfg.Queues {
			src := rabbitmq.NewDLQSource(cfg.RabbitURL, rabbitmq.DLQName(q))
			defer src.Close()
			sources = append(sources, retry.NewAMQPSource(src))
		}

		rd, err := retry.New(retry.Config{
			Sources:          sources,
			Store:            retryStore,
			Backoff:          backoff,
			AbandonThreshold: cfg.AbandonThreshold,
			Interval:         cfg.DrainInterval,
			Batch:            cfg.DrainBatch,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("retry daemon create failed")
		}

		go func() {
			if err := rd.Run(rootCtx); err != nil {
				errCh <- fmt.Errorf("retry daemon: %w", err)
			}
		}()
	}

	// ---- Example consumer (demo wiring; the real bot owns the queue in prod) ----
	if cfg.ConsumerEnabled {
		var checker idempotency.Checker
		if cfg.RedisAddr != "" {
			rdb := goredis.NewClient(&goredis.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPass,
				DB:       cfg.RedisDB,
			})
			pingCtx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
			if err := rdb.Ping(pingCtx).Err(); err != nil {
				log.Warn().Err(err).Msg("redis ping failed; falling back to db dedupe")
				checker = nil
			} else {
				log.Info().Msg("redis connected")
				checker = idempotency.NewRedisChecker(rdb)
			}
			cancel()
		}
		if checker == nil {
			fence, err := postgres.NewStore(dbPool, "reminder_schedule", cfg.ClaimTolerance)
			if err != nil {
				log.Fatal().Err(err).Msg("dedupe store create failed")
			}
			checker = idempotency.NewDBChecker(fence)
		}

		handler := rabbitmq.WithDedupe(checker, "demo_consumer", func(_ context.Context, d amqp.Delivery) error {
			if !json.Valid(d.Body) {
				return fmt.Errorf("undecodable body on %s", d.RoutingKey)
			}
			log.Info().
				Str("routing_key", d.RoutingKey).
				Str("message_id", d.MessageId).
				Msg("event consumed")
			return nil
		})

		consumer := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.ConsumerQueue, "demo_consumer", cfg.ConsumerPrefetch, handler)
		if err := consumer.Start(rootCtx); err != nil {
			log.Fatal().Err(err).Str("queue", cfg.ConsumerQueue).Msg("consumer start failed")
		}
	}

	// ---- HTTP server ----
	health := rest.NewHealthHandler(map[string]rest.Pinger{
		"postgres": rest.PingerFunc(dbPool.Ping),
		"rabbitmq": rest.PingerFunc(func(context.Context) error {
			if mqConn.IsClosed() {
				return fmt.Errorf("connection closed")
			}
			return nil
		}),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           rest.NewRouter(rest.RouterDeps{Health: health}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.Port).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	// Wait for shutdown signal or component crash
	exitCode := 0
	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("component failed")
		exitCode = 1
	}
	stop()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info().Msg("shutdown complete")

	if exitCode != 0 {
		dbPool.Close()
		_ = mqConn.Close()
		os.Exit(exitCode)
	}
}

// queueSpecs maps the configured queue names onto their topic bindings.
// bot_events mirrors everything; other queues get the reminder traffic
// they exist to deliver.
func queueSpecs(queues []string) []rabbitmq.QueueSpec {
	specs := make([]rabbitmq.QueueSpec, 0, len(queues))
	for _, q := range queues {
		keys := []string{"game.#"}
		if q != "bot_events" {
			keys = []string{events.RKReminderDue, events.RKRetry}
		}
		specs = append(specs, rabbitmq.QueueSpec{Name: q, BindKeys: keys})
	}
	return specs
}
