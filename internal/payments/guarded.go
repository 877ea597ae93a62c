package payments

import (
	"context"

	"github.com/jogardn/sticker-storefront/internal/circuitbreaker"
)

// Guarded routes processor calls through a circuit breaker so a struggling
// processor fails checkouts fast instead of holding requests open.
type Guarded struct {
	next    Gateway
	breaker *circuitbreaker.CircuitBreaker
}

func NewGuarded(next Gateway, manager *circuitbreaker.Manager) *Guarded {
	return &Guarded{
		next:    next,
		breaker: manager.GetOrCreate("payments", IsUpstreamFailure),
	}
}

func (g *Guarded) CreateAuthorization(ctx context.Context, req CreateRequest) (Authorization, error) {
	var auth Authorization
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		auth, err = g.next.CreateAuthorization(ctx, req)
		return err
	})
	return auth, err
}

func (g *Guarded) RetrieveAuthorization(ctx context.Context, id string) (Authorization, error) {
	var auth Authorization
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		auth, err = g.next.RetrieveAuthorization(ctx, id)
		return err
	})
	return auth, err
}

func (g *Guarded) CancelAuthorization(ctx context.Context, id string) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.next.CancelAuthorization(ctx, id)
	})
}

// ParseWebhook is local signature verification and bypasses the breaker.
func (g *Guarded) ParseWebhook(payload []byte, signature string) (Notification, error) {
	return g.next.ParseWebhook(payload, signature)
}
