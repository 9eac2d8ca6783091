package generator

import (
	"context"
	"fmt"

	"github.com/arturoeanton/strategy-pipeline/internal/domain"
	"github.com/arturoeanton/strategy-pipeline/internal/port"
	"golang.org/x/time/rate"
)

// rateLimited throttles calls to an underlying generator.
type rateLimited struct {
	next    port.Generator
	limiter *rate.Limiter
}

// RateLimited wraps g with a token bucket. A non-positive rate returns g as is.
func RateLimited(g port.Generator, perSecond float64, burst int) port.Generator {
	if perSecond <= 0 {
		return g
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimited{next: g, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *rateLimited) Kind() domain.GeneratorKind { return r.next.Kind() }

func (r *rateLimited) Generate(ctx context.Context, in port.GeneratorInput) (domain.Payload, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		// Wait fails early when the deadline cannot accommodate the reservation.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("rate limit: %w", context.DeadlineExceeded)
	}
	return r.next.Generate(ctx, in)
}
