package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// NewRequestLogger emits one line per request after the handler finishes, so
// the line carries whatever identity the later middlewares resolved onto the
// shared RequestMetadata.
func NewRequestLogger(logger *slog.Logger) Middleware {
	logger = logger.With(slog.String("component", "http"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)

			attrs := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Duration("elapsed", time.Since(start)),
			}
			if reqMeta, ok := ReqMetadataFrom(r.Context()); ok {
				attrs = append(attrs, slog.String("ip", reqMeta.IP))
				if reqMeta.UserID != "" {
					attrs = append(attrs, slog.String("userID", reqMeta.UserID))
				}
			}
			logger.Info("HTTP request", attrs...)
		})
	}
}
