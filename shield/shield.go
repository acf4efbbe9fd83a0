// Package shield holds the HTTP middleware in front of the guardxp admin
// surface (JSON API and MCP endpoint).
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.AdminStack(user, hash, logger) {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/guardxp/kit"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// AdminStack returns the middleware for the admin listener, ordered:
// RequestID → Recoverer → SecurityHeaders → MaxBody → RequestContext → BasicAuth.
func AdminStack(user, passwordHash string, logger *slog.Logger) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		middleware.RequestID,
		middleware.Recoverer,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(64 * 1024),
		RequestContext(logger),
		BasicAuth(user, passwordHash),
	}
}

// RequestContext copies the chi request ID and the remote address into the
// kit context keys and attaches a per-request logger.
func RequestContext(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := middleware.GetReqID(r.Context())
			ctx := kit.WithRequestID(r.Context(), reqID)
			ctx = kit.WithRemoteAddr(ctx, r.RemoteAddr)
			l := logger.With(
				"request_id", reqID,
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			ctx = context.WithValue(ctx, LoggerKey, l)
			l.Debug("admin: request")
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
