package rest

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/gamenight/scheduler/internal/pkg/logger"
	"github.com/gamenight/scheduler/internal/pkg/reqctx"
)

const requestIDHeader = "X-Request-Id"

// RequestID reuses the caller's X-Request-Id when present, mints one
// otherwise, and echoes it on the response so log lines across services
// correlate.
func RequestID(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, rid)
		next.ServeHTTP(w, r.WithContext(reqctx.With(r.Context(), rid)))
	}
	return http.HandlerFunc(fn)
}

// AccessLog writes one structured line per request.
func AccessLog(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		remote := r.RemoteAddr
		if host, _, err := net.SplitHostPort(remote); err == nil {
			remote = host
		}

		logger.WithCtx(r.Context()).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", remote).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Msg("request completed")
	}
	return http.HandlerFunc(fn)
}
