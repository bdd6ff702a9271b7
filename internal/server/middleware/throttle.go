package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bailedk/mile-quest-realtime/pkg/config"
)

// how long an idle IP's limiter survives before pruning
const visitorTTL = 3 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPThrottle limits how fast a single IP may open new connections. This is
// an ingress guard in front of the upgrade handler, separate from the per-user
// domain rate limiter.
func NewIPThrottle(logger *slog.Logger, cfg config.ThrottleConfig) Middleware {
	var mu sync.Mutex
	visitors := make(map[string]*visitor)

	lookup := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()

		now := time.Now()
		v, ok := visitors[ip]
		if !ok {
			for addr, old := range visitors {
				if now.Sub(old.lastSeen) > visitorTTL {
					delete(visitors, addr)
				}
			}
			v = &visitor{limiter: rate.NewLimiter(rate.Limit(cfg.PerSecond), cfg.Burst)}
			visitors[ip] = v
		}
		v.lastSeen = now
		return v.limiter
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.PerSecond <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				logger.Error("IP throttle could not find request metadata in context. Check middleware order.")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			if !lookup(reqMeta.IP).Allow() {
				logger.Warn("IP connection throttle tripped", slog.String("ip", reqMeta.IP))
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
