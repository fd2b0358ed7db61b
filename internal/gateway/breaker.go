package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/overdrive-yt/sportsdevil/domain"
	"github.com/overdrive-yt/sportsdevil/pkg/circuitbreaker"
)

// Breaker stops calling the processor after repeated transient failures.
// Declines are the processor working normally and never trip it.
type Breaker struct {
	next    Gateway
	intents *circuitbreaker.Breaker[domain.PaymentIntentHandle]
	status  *circuitbreaker.Breaker[domain.IntentStatus]
}

func NewBreaker(next Gateway, failures uint32, openTimeout time.Duration, logger *slog.Logger) *Breaker {
	settings := circuitbreaker.Settings{
		Name:                "payment-gateway",
		ConsecutiveFailures: failures,
		OpenTimeout:         openTimeout,
		IsSuccessful: func(err error) bool {
			return err == nil || KindOf(err) == KindDeclined || errors.Is(err, context.Canceled)
		},
	}
	return &Breaker{
		next:    next,
		intents: circuitbreaker.New[domain.PaymentIntentHandle](settings, logger),
		status:  circuitbreaker.New[domain.IntentStatus](settings, logger),
	}
}

func (b *Breaker) CreateIntent(ctx context.Context, amountMinor int64, currency string, metadata map[string]string) (domain.PaymentIntentHandle, error) {
	h, err := b.intents.Execute(func() (domain.PaymentIntentHandle, error) {
		return b.next.CreateIntent(ctx, amountMinor, currency, metadata)
	})
	return h, openAsTransient(err)
}

func (b *Breaker) Confirm(ctx context.Context, handle domain.PaymentIntentHandle, billing domain.BillingDetails, idempotencyKey string) (domain.IntentStatus, error) {
	s, err := b.status.Execute(func() (domain.IntentStatus, error) {
		return b.next.Confirm(ctx, handle, billing, idempotencyKey)
	})
	return s, openAsTransient(err)
}

func (b *Breaker) Retrieve(ctx context.Context, intentID string) (domain.IntentStatus, error) {
	s, err := b.status.Execute(func() (domain.IntentStatus, error) {
		return b.next.Retrieve(ctx, intentID)
	})
	return s, openAsTransient(err)
}

func openAsTransient(err error) error {
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return &Error{Kind: KindTransient, Code: "circuit_open", Message: "payment provider temporarily unavailable", Err: err}
	}
	return err
}
