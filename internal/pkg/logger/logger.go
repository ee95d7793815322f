package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/gamenight/scheduler/internal/pkg/reqctx"
)

var Logger zerolog.Logger

func Init() {
	InitWithWriter(os.Stdout)
}

func InitWithWriter(w io.Writer) {
	// ---- level ----
	logLevel := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if logLevel == "" {
		logLevel = "info"
	}
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	// ---- format ----
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT")) // "json" or "console"
	if format == "" {
		format = "console"
	}

	timeFormat := strings.TrimSpace(os.Getenv("LOG_TIME_FORMAT"))
	if timeFormat == "" {
		timeFormat = time.RFC3339
	}

	var base zerolog.Logger
	if format == "json" {
		base = zerolog.New(w)
	} else {
		cw := zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: timeFormat,
		}
		if strings.TrimSpace(os.Getenv("LOG_COLOR")) == "0" {
			cw.NoColor = true
		}
		base = zerolog.New(cw)
	}

	l := base.With().Timestamp().Logger().Level(level)

	if strings.TrimSpace(os.Getenv("LOG_CALLER")) == "1" {
		l = l.With().Caller().Logger()
	}

	Logger = l
	zlog.Logger = Logger
}

// WithCtx returns the global logger enriched with the request id when
// the context carries one.
func WithCtx(ctx context.Context) *zerolog.Logger {
	if rid := reqctx.From(ctx); rid != "" {
		l := Logger.With().Str("request_id", rid).Logger()
		return &l
	}
	return &Logger
}
