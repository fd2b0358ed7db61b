package orchestrator

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/overdrive-yt/sportsdevil/domain"
	"github.com/overdrive-yt/sportsdevil/internal/payment"
)

// run drives an attempt whose cart is locked to a terminal state.
func (o *Orchestrator) run(ctx, stageCtx context.Context, sess *session) {
	res := o.confirmPayment(ctx, stageCtx, sess)
	switch res.Outcome {
	case payment.Succeeded, payment.Pending:
		if o.wasAborted() {
			o.logger(sess).WarnContext(ctx, "abort arrived after the payment was claimed, continuing to reconcile",
				slog.String("outcome", res.Outcome.String()))
		}
		ev := EventPaymentSucceeded
		if res.Outcome == payment.Pending {
			ev = EventPaymentPending
		}
		o.advance(ctx, sess, Event{Kind: ev}, false)
	case payment.Rejected:
		o.advance(ctx, sess, Event{Kind: EventPaymentRejected}, true)
	default:
		o.advance(ctx, sess, Event{Kind: EventPaymentUnavailable}, true)
	}

	if o.State() == domain.StatePolling {
		o.pollSettlement(ctx, sess)
	}
	if o.State() == domain.StateCreatingOrder {
		o.createOrder(ctx, sess)
	}
}

func (o *Orchestrator) confirmPayment(ctx, stageCtx context.Context, sess *session) payment.ConfirmationResult {
	ctx, span := o.tracer.Start(ctx, "checkout.confirm_payment")
	defer span.End()

	policy := o.cfg.ConfirmPolicy
	meta := map[string]string{"attempt_id": sess.id, "user_id": o.userID}

	var handle domain.PaymentIntentHandle
	for attempt := 1; ; attempt++ {
		h, failure := o.deps.Payments.CreateIntent(stageCtx, sess.snapshot, meta)
		if failure == nil {
			handle = h
			break
		}
		if failure.Outcome != payment.TransientFailure || attempt >= policy.MaxAttempts {
			return *failure
		}
		if err := o.backoff(stageCtx, "confirm", policy.Delay(attempt)); err != nil {
			return *failure
		}
	}

	o.mu.Lock()
	sess.intent = &handle
	rec := o.recordLocked(sess, o.state, o.failure)
	o.mu.Unlock()
	// the intent id is what support reconciles against, store it before any charge
	o.record(ctx, rec)
	span.SetAttributes(attribute.String("intent_id", handle.IntentID))

	// A confirmation the processor may already be charging is never cut off:
	// neither abort nor shutdown cancels it, the controller's timeout bounds it.
	// Both only stop further retries.
	confirmCtx := context.WithoutCancel(ctx)
	for attempt := 1; ; attempt++ {
		if stageCtx.Err() != nil {
			return payment.ConfirmationResult{Outcome: payment.TransientFailure, IntentID: handle.IntentID, Reason: "aborted"}
		}
		res := o.deps.Payments.Confirm(confirmCtx, handle, sess.billing, attempt)
		o.mu.Lock()
		sess.confirmAttempts = attempt
		o.mu.Unlock()

		if res.Outcome != payment.TransientFailure || attempt >= policy.MaxAttempts {
			return res
		}
		if err := o.backoff(stageCtx, "confirm", policy.Delay(attempt)); err != nil {
			return res
		}
	}
}

func (o *Orchestrator) wasAborted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.aborted
}
