package middleware

import (
	"net/http"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
	"github.com/go-chi/httprate"
)

// RateLimitConfig holds coarse HTTP throttling configuration. It sits in front of
// the registration decision pipeline and only protects the process itself.
type RateLimitConfig struct {
	RequestsPerMinute int
	IPConfig          *pkghttp.IPConfig
}

// DefaultAvailabilityRateLimit limits the email availability probe (20 requests per minute)
func DefaultAvailabilityRateLimit(ipConfig *pkghttp.IPConfig) RateLimitConfig {
	return RateLimitConfig{RequestsPerMinute: 20, IPConfig: ipConfig}
}

// DefaultAdminRateLimit limits operator calls (120 requests per minute)
func DefaultAdminRateLimit(ipConfig *pkghttp.IPConfig) RateLimitConfig {
	return RateLimitConfig{RequestsPerMinute: 120, IPConfig: ipConfig}
}

func limitHandler(w http.ResponseWriter, r *http.Request) {
	pkghttp.WriteTooManyRequests(w, "rate limit exceeded", time.Minute)
}

// RateLimitByIP rate limits requests by client IP, honoring forwarded headers
// only from trusted proxies
func RateLimitByIP(config RateLimitConfig) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.RequestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return pkghttp.ExtractClientIP(r, config.IPConfig), nil
		}),
		httprate.WithLimitHandler(limitHandler),
	)
}

// RateLimitByOperator rate limits authenticated operator requests by operator id,
// falling back to client IP. Must be mounted after auth.OperatorAuthMiddleware.
func RateLimitByOperator(config RateLimitConfig) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.RequestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if claims := auth.GetOperatorFromContext(r); claims != nil {
				return "operator:" + claims.Operator, nil
			}
			return "ip:" + pkghttp.ExtractClientIP(r, config.IPConfig), nil
		}),
		httprate.WithLimitHandler(limitHandler),
	)
}
