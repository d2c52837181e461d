package anthropic

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// rateLimited throttles CreateMessage calls to a steady request rate.
type rateLimited struct {
	next    Client
	limiter *rate.Limiter
}

// NewRateLimited wraps c so that at most rps requests per second (with the
// given burst) reach the API. A non-positive rps disables limiting.
func NewRateLimited(c Client, rps float64, burst int) Client {
	if rps <= 0 {
		return c
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimited{next: c, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *rateLimited) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "anthropic: rate limit wait")
	}
	return r.next.CreateMessage(ctx, req)
}
