package orchestrator

import (
	"context"

	"github.com/overdrive-yt/sportsdevil/internal/poller"
)

// pollSettlement waits for a pending payment to settle. A timeout is not a
// decline: the attempt goes to support with the intent id.
func (o *Orchestrator) pollSettlement(ctx context.Context, sess *session) {
	ctx, span := o.tracer.Start(ctx, "checkout.poll_settlement")
	defer span.End()

	res := o.deps.Poller.Poll(ctx, sess.intent.IntentID, o.cfg.PollAttempts, o.cfg.PollMaxElapsed)

	o.mu.Lock()
	sess.pollAttempts = res.Attempts
	if res.Order != nil {
		sess.order = res.Order
	}
	o.mu.Unlock()

	switch res.Kind {
	case poller.ResolvedSucceeded:
		o.advance(ctx, sess, Event{Kind: EventPollSucceeded}, false)
	case poller.ResolvedFailed:
		o.advance(ctx, sess, Event{Kind: EventPollFailed}, false)
	default:
		o.advance(ctx, sess, Event{Kind: EventPollTimedOut}, false)
	}
}
