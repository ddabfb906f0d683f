package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// APIKeyAuth rejects requests whose X-API-Key header does not match key.
// An empty key disables the check.
func APIKeyAuth(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Throttle answers 429 once the token bucket of rps and burst is empty.
// A non-positive rps disables throttling.
func Throttle(rps float64, burst int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rps <= 0 {
			return next
		}
		if burst < 1 {
			burst = 1
		}
		lim := rate.NewLimiter(rate.Limit(rps), burst)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := lim.Reserve()
			if d := res.Delay(); d > 0 {
				res.Cancel()
				secs := int(d.Round(time.Second) / time.Second)
				w.Header().Set("Retry-After", strconv.Itoa(max(1, secs)))
				httpError(w, http.StatusTooManyRequests, "rate_limit_error", "too many submissions, retry later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
