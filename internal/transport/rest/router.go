package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gamenight/scheduler/internal/metrics"
)

type RouterDeps struct {
	Health *HealthHandler
}

func NewRouter(d RouterDeps) http.Handler {
	if d.Health == nil {
		panic("rest.NewRouter: nil health handler")
	}

	r := chi.NewRouter()

	// Request ID + structured access log
	r.Use(RequestID)
	r.Use(AccessLog)

	// Panic recovery
	r.Use(middleware.Recoverer)

	r.Get("/healthz", d.Health.Healthz)
	r.Get("/readyz", d.Health.Readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return r
}
