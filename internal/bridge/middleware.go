package bridge

import (
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/seemantic/engine/pkg/httpext"
)

// rateLimit bounds query submissions per remote address.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.rateCfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		// Use X-Forwarded-For if behind a proxy, otherwise remote address
		ip := r.Header.Get("X-Forwarded-For")
		if ip == "" {
			ip = r.RemoteAddr
		}

		if !s.limiter.Allow(ip) {
			log.Warn().Str("ip", ip).Msg("Query rate limit exceeded")
			w.Header().Set("X-RateLimit-Remaining", "0")
			httpext.JsonError(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(s.limiter.Remaining(ip)))
		next.ServeHTTP(w, r)
	})
}
