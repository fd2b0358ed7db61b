// Package gateway talks to the payment processor.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/overdrive-yt/sportsdevil/domain"
)

type Kind int

const (
	// KindDeclined means the processor refused the payment. Retrying will not help.
	KindDeclined Kind = iota + 1
	// KindTransient covers network failures, timeouts, rate limits and processor outages.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindDeclined:
		return "declined"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error is returned by every Gateway implementation for failed calls.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway %s error (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway %s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf classifies any error. Errors that are not *Error are transient.
func KindOf(err error) Kind {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return KindTransient
}

type Gateway interface {
	CreateIntent(ctx context.Context, amountMinor int64, currency string, metadata map[string]string) (domain.PaymentIntentHandle, error)
	// Confirm submits the payment method for the intent. idempotencyKey must be
	// unique per logical confirmation attempt.
	Confirm(ctx context.Context, handle domain.PaymentIntentHandle, billing domain.BillingDetails, idempotencyKey string) (domain.IntentStatus, error)
	Retrieve(ctx context.Context, intentID string) (domain.IntentStatus, error)
}
