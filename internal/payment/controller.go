// Package payment drives the processor-facing confirmation call and classifies its outcome.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/overdrive-yt/sportsdevil/domain"
	"github.com/overdrive-yt/sportsdevil/internal/gateway"
)

const DefaultConfirmTimeout = 30 * time.Second

type Outcome int

const (
	// Succeeded means the processor confirmed the charge completed.
	Succeeded Outcome = iota + 1
	// Pending means the processor accepted the payment but settles it asynchronously.
	Pending
	// Rejected is terminal for the attempt: the customer has to choose another payment method.
	Rejected
	// TransientFailure means the processor could not be reached or timed out. The step may be retried.
	TransientFailure
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Pending:
		return "pending"
	case Rejected:
		return "rejected"
	case TransientFailure:
		return "transient_failure"
	default:
		return "unknown"
	}
}

type ConfirmationResult struct {
	Outcome  Outcome
	IntentID string
	// Reason is a processor code or a short technical description. It is never shown to customers.
	Reason string
}

type Controller struct {
	gateway gateway.Gateway
	timeout time.Duration
	logger  *slog.Logger
}

func NewController(gw gateway.Gateway, timeout time.Duration, logger *slog.Logger) *Controller {
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{gateway: gw, timeout: timeout, logger: logger}
}

// CreateIntent opens a payment intent for the snapshot total. On failure the
// returned result is Rejected or TransientFailure and the handle is empty.
func (c *Controller) CreateIntent(ctx context.Context, snapshot domain.CartSnapshot, metadata map[string]string) (domain.PaymentIntentHandle, *ConfirmationResult) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	handle, err := c.gateway.CreateIntent(ctx, snapshot.Totals.TotalMinor, snapshot.Currency, metadata)
	if err != nil {
		res := c.classifyError(ctx, "", err)
		c.logger.WarnContext(ctx, "payment intent creation failed",
			slog.String("outcome", res.Outcome.String()),
			slog.String("reason", res.Reason))
		return domain.PaymentIntentHandle{}, &res
	}
	return handle, nil
}

// Confirm submits the payment method for handle. attempt numbers confirmation
// tries for the same intent, starting at 1, and keys the processor call.
func (c *Controller) Confirm(ctx context.Context, handle domain.PaymentIntentHandle, billing domain.BillingDetails, attempt int) ConfirmationResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	key := fmt.Sprintf("confirm:%s:%d", handle.IntentID, attempt)
	status, err := c.gateway.Confirm(ctx, handle, billing, key)
	if err != nil {
		res := c.classifyError(ctx, handle.IntentID, err)
		c.logger.WarnContext(ctx, "payment confirmation failed",
			slog.String("intent_id", handle.IntentID),
			slog.Int("attempt", attempt),
			slog.String("outcome", res.Outcome.String()),
			slog.String("reason", res.Reason))
		return res
	}

	res := classifyStatus(handle.IntentID, status)
	c.logger.InfoContext(ctx, "payment confirmation classified",
		slog.String("intent_id", handle.IntentID),
		slog.Int("attempt", attempt),
		slog.String("status", string(status)),
		slog.String("outcome", res.Outcome.String()))
	return res
}

func classifyStatus(intentID string, status domain.IntentStatus) ConfirmationResult {
	switch status {
	case domain.IntentSucceeded:
		return ConfirmationResult{Outcome: Succeeded, IntentID: intentID}
	case domain.IntentProcessing, domain.IntentRequiresAction:
		return ConfirmationResult{Outcome: Pending, IntentID: intentID}
	default:
		return ConfirmationResult{Outcome: Rejected, IntentID: intentID, Reason: "payment_failed"}
	}
}

func (c *Controller) classifyError(ctx context.Context, intentID string, err error) ConfirmationResult {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ConfirmationResult{Outcome: TransientFailure, IntentID: intentID, Reason: "timeout"}
	}
	if errors.Is(err, context.Canceled) {
		return ConfirmationResult{Outcome: TransientFailure, IntentID: intentID, Reason: "canceled"}
	}

	reason := err.Error()
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) && gwErr.Code != "" {
		reason = gwErr.Code
	}
	if gateway.KindOf(err) == gateway.KindDeclined {
		return ConfirmationResult{Outcome: Rejected, IntentID: intentID, Reason: reason}
	}
	return ConfirmationResult{Outcome: TransientFailure, IntentID: intentID, Reason: reason}
}
