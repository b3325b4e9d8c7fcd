package generation

import (
	"context"

	"golang.org/x/time/rate"
)

// Router sends turns of agents with an endpoint to the remote client and
// everything else to the default backend. All calls share one rate limiter.
type Router struct {
	backend Service
	remote  *RemoteClient
	limiter *rate.Limiter
}

// NewRouter creates a router. A nil limiter disables rate limiting and a nil
// remote client sends every turn to backend.
func NewRouter(backend Service, remote *RemoteClient, limiter *rate.Limiter) *Router {
	return &Router{backend: backend, remote: remote, limiter: limiter}
}

// NewLimiter builds a limiter from requests per second; rps <= 0 means unlimited.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

var _ Service = (*Router)(nil)

// GenerateTurn routes a turn request.
func (r *Router) GenerateTurn(ctx context.Context, req TurnRequest) (TurnResponse, error) {
	if err := r.wait(ctx); err != nil {
		return TurnResponse{}, err
	}
	if req.Agent.Endpoint != "" && r.remote != nil {
		return r.remote.GenerateTurn(ctx, req)
	}
	return r.backend.GenerateTurn(ctx, req)
}

// GenerateNarrative always uses the default backend.
func (r *Router) GenerateNarrative(ctx context.Context, req NarrativeRequest) (NarrativeResponse, error) {
	if err := r.wait(ctx); err != nil {
		return NarrativeResponse{}, err
	}
	return r.backend.GenerateNarrative(ctx, req)
}

func (r *Router) wait(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return classifyContextErr(ctx.Err())
		}
		return NewError(KindRateLimited, "local generation budget exhausted", err)
	}
	return nil
}
