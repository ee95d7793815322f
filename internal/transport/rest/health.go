package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/render"
)

// Pinger checks one dependency. Implemented by the pgx pool and the
// broker publisher.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a plain function to Pinger.
type PingerFunc func(ctx context.Context) error

func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type HealthHandler struct {
	deps map[string]Pinger
}

func NewHealthHandler(deps map[string]Pinger) *HealthHandler {
	return &HealthHandler{deps: deps}
}

// Healthz reports process liveness only.
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"status": "ok"})
}

// Readyz pings every dependency and reports 503 while any is down.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.deps))
	for name, p := range h.deps {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]any{"checks": checks}
	if status == http.StatusOK {
		body["status"] = "ready"
	} else {
		body["status"] = "degraded"
	}
	render.Status(r, status)
	render.JSON(w, r, body)
}
