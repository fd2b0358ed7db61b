package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/overdrive-yt/sportsdevil/domain"
)

func (o *Orchestrator) createOrder(ctx context.Context, sess *session) {
	if sess.order != nil && sess.order.Status == domain.OrderStatusConfirmed {
		// created server side while we were polling, nothing to submit
		o.logger(sess).InfoContext(ctx, "order already exists for intent", slog.String("order_number", sess.order.OrderNumber))
		o.advance(ctx, sess, Event{Kind: EventOrderRecorded}, false)
		return
	}

	res := o.deps.Orders.CreateOrder(ctx, sess.intent.IntentID, sess.snapshot, sess.shippingMethod, sess.couponCode)

	o.mu.Lock()
	sess.orderAttempts = res.Attempts
	if res.Succeeded() {
		sess.order = res.Order
	}
	o.mu.Unlock()

	if res.Succeeded() {
		o.advance(ctx, sess, Event{Kind: EventOrderRecorded}, false)
		return
	}
	o.advance(ctx, sess, Event{Kind: EventOrderFailed, Failure: res.Failure}, false)
}

// advance applies ev to the state machine for sess. When abortable is set and
// an abort was requested, the abort takes the place of ev. It reports whether
// a transition happened.
//
// The cart write-back and the attempt record run before the new state is
// published. Until then Start and Reset see the attempt as in flight.
func (o *Orchestrator) advance(ctx context.Context, sess *session, ev Event, abortable bool) bool {
	o.mu.Lock()
	if abortable && o.aborted {
		ev = Event{Kind: EventAborted}
	}
	tr, err := Next(o.state, ev)
	if err != nil {
		o.mu.Unlock()
		o.logger(sess).ErrorContext(ctx, "checkout state machine rejected event", slog.Any("error", err))
		return false
	}
	token := sess.lockToken
	rec := o.recordLocked(sess, tr.To, tr.Failure)
	o.mu.Unlock()

	o.applyEffect(ctx, sess, tr.Effect, token)
	o.record(ctx, rec)
	o.logTransition(ctx, sess, tr, ev)

	o.mu.Lock()
	o.commitLocked(sess, tr)
	o.mu.Unlock()
	return true
}

// commitLocked publishes tr. A terminal transition also settles the result of
// sess and ends it.
func (o *Orchestrator) commitLocked(sess *session, tr Transition) {
	o.state = tr.To
	o.failure = tr.Failure
	o.history = append(o.history, tr.To)
	o.changedAt = time.Now()

	change := StateChange{AttemptID: sess.id, From: tr.From, To: tr.To, Failure: tr.Failure, At: o.changedAt.UTC()}
	if tr.To.IsTerminal() {
		res := sess.resultOf(tr)
		o.result = &res
		change.Result = &res
		o.finish(sess, res)
	}
	o.broadcastLocked(change)
}

func (s *session) resultOf(tr Transition) domain.Result {
	switch tr.To {
	case domain.StateCompleted:
		order := domain.OrderRecord{IntentID: s.intent.IntentID, Status: domain.OrderStatusPending}
		if s.order != nil {
			order = *s.order
		}
		return domain.Completed(order)
	case domain.StateAwaitingSupport:
		return domain.AwaitingSupport(tr.Failure, s.intent.IntentID)
	default:
		res := domain.Failed(tr.Failure)
		if s.intent != nil {
			res.PaymentReference = s.intent.IntentID
		}
		return res
	}
}

func (o *Orchestrator) finish(sess *session, res domain.Result) {
	o.deps.Metrics.AttemptFinished(string(res.Kind))
	if res.Kind == domain.ResultCompleted {
		sess.span.SetStatus(codes.Ok, "")
	} else {
		sess.span.SetStatus(codes.Error, string(res.Failure))
	}
	sess.span.End()
	sess.cancelStage()
	sess.cancelAttempt()
	sess.result = &res
	close(sess.done)
}

func (o *Orchestrator) applyEffect(ctx context.Context, sess *session, effect Effect, token domain.LockToken) {
	if effect == EffectNone || token.IsZero() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ReleaseTimeout)
	defer cancel()

	log := o.logger(sess).With(slog.String("effect", effect.String()))
	if effect == EffectClearAndRelease {
		err := o.deps.Lock.ClearAndRelease(ctx, token)
		if err == nil {
			return
		}
		log.ErrorContext(ctx, "clearing cart failed, releasing lock only", slog.Any("error", err))
	}
	if err := o.deps.Lock.Release(ctx, token); err != nil {
		log.ErrorContext(ctx, "releasing cart lock failed", slog.Any("error", err))
	}
}

func (o *Orchestrator) logTransition(ctx context.Context, sess *session, tr Transition, ev Event) {
	o.deps.Metrics.Transition(tr.To.String())

	log := o.logger(sess).With(
		slog.String("from", tr.From.String()),
		slog.String("state", tr.To.String()),
		slog.String("event", ev.Kind.String()))
	if tr.Failure != domain.FailureNone {
		log = log.With(slog.String("failure", string(tr.Failure)))
	}
	log.InfoContext(ctx, "checkout state changed")
}

func (o *Orchestrator) recordLocked(sess *session, state domain.CheckoutState, failure domain.FailureKind) domain.AttemptRecord {
	rec := domain.AttemptRecord{
		ID:        sess.id,
		UserID:    o.userID,
		State:     state,
		Failure:   failure,
		Snapshot:  sess.snapshot,
		Order:     sess.order,
		UpdatedAt: time.Now().UTC(),
	}
	if sess.intent != nil {
		rec.IntentID = sess.intent.IntentID
	}
	return rec
}

func (o *Orchestrator) record(ctx context.Context, rec domain.AttemptRecord) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ReleaseTimeout)
	defer cancel()
	if err := o.deps.Recorder.Record(ctx, rec); err != nil {
		o.deps.Logger.ErrorContext(ctx, "recording checkout attempt failed",
			slog.String("attempt_id", rec.ID),
			slog.String("state", rec.State.String()),
			slog.Any("error", err))
	}
}
