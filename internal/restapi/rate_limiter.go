package restapi

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// EndpointType groups API calls that share a rate budget.
type EndpointType string

const (
	EndpointRead   EndpointType = "read"
	EndpointUpload EndpointType = "upload"
	EndpointAuth   EndpointType = "auth"
)

// SafeRateLimiter keeps client traffic under a fraction of the configured
// budget so bursts of scroll-triggered page loads never trip the server's
// throttling.
type SafeRateLimiter struct {
	limiters map[EndpointType]*rate.Limiter
	perMin   int
}

const safetyFactor = 0.8

// NewSafeRateLimiter budgets reads at 80% of requestsPerMinute; uploads and
// logins get a tenth of that. A non-positive budget disables limiting.
func NewSafeRateLimiter(requestsPerMinute int) *SafeRateLimiter {
	if requestsPerMinute <= 0 {
		return &SafeRateLimiter{
			limiters: map[EndpointType]*rate.Limiter{
				EndpointRead:   rate.NewLimiter(rate.Inf, 1),
				EndpointUpload: rate.NewLimiter(rate.Inf, 1),
				EndpointAuth:   rate.NewLimiter(rate.Inf, 1),
			},
		}
	}

	reads := float64(requestsPerMinute) * safetyFactor
	writes := reads / 10
	if writes < 1 {
		writes = 1
	}

	return &SafeRateLimiter{
		perMin: requestsPerMinute,
		limiters: map[EndpointType]*rate.Limiter{
			// page loads arrive in short bursts when scrolling quickly
			EndpointRead:   rate.NewLimiter(rate.Every(time.Duration(float64(time.Minute)/reads)), 5),
			EndpointUpload: rate.NewLimiter(rate.Every(time.Duration(float64(time.Minute)/writes)), 1),
			EndpointAuth:   rate.NewLimiter(rate.Every(time.Duration(float64(time.Minute)/writes)), 1),
		},
	}
}

// Wait blocks until endpoint has budget. Unknown endpoints share the
// upload budget.
func (s *SafeRateLimiter) Wait(ctx context.Context, endpoint EndpointType) error {
	limiter, ok := s.limiters[endpoint]
	if !ok {
		limiter = s.limiters[EndpointUpload]
	}
	return limiter.Wait(ctx)
}

// GetLimitInfo describes the effective budget of endpoint.
func (s *SafeRateLimiter) GetLimitInfo(endpoint EndpointType) string {
	if s.perMin <= 0 {
		return "unlimited"
	}
	limiter, ok := s.limiters[endpoint]
	if !ok {
		return "Unknown endpoint"
	}
	perMin := float64(limiter.Limit()) * 60
	return fmt.Sprintf("%.0f req/min (%d req/min with 20%% buffer)", perMin, s.perMin)
}
