package orchestrator

import (
	"fmt"

	"github.com/overdrive-yt/sportsdevil/domain"
)

type EventKind int

const (
	EventStart EventKind = iota + 1
	EventLockAcquired
	EventLockBusy
	EventLockError
	EventAborted
	EventPaymentSucceeded
	EventPaymentPending
	EventPaymentRejected
	EventPaymentUnavailable
	EventPollSucceeded
	EventPollFailed
	EventPollTimedOut
	EventOrderRecorded
	EventOrderFailed
	EventReset
)

var eventNames = map[EventKind]string{
	EventStart:              "start",
	EventLockAcquired:       "lock_acquired",
	EventLockBusy:           "lock_busy",
	EventLockError:          "lock_error",
	EventAborted:            "aborted",
	EventPaymentSucceeded:   "payment_succeeded",
	EventPaymentPending:     "payment_pending",
	EventPaymentRejected:    "payment_rejected",
	EventPaymentUnavailable: "payment_unavailable",
	EventPollSucceeded:      "poll_succeeded",
	EventPollFailed:         "poll_failed",
	EventPollTimedOut:       "poll_timed_out",
	EventOrderRecorded:      "order_recorded",
	EventOrderFailed:        "order_failed",
	EventReset:              "reset",
}

func (k EventKind) String() string {
	if s, ok := eventNames[k]; ok {
		return s
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is a classified collaborator result fed into the state machine.
// Failure, when set, overrides the failure kind the table assigns.
type Event struct {
	Kind    EventKind
	Failure domain.FailureKind
}

// Effect is the write-back into the shared cart a transition requires.
type Effect int

const (
	EffectNone Effect = iota
	EffectRelease
	EffectClearAndRelease
)

func (e Effect) String() string {
	switch e {
	case EffectRelease:
		return "release"
	case EffectClearAndRelease:
		return "clear_and_release"
	default:
		return "none"
	}
}

type Transition struct {
	From    domain.CheckoutState
	To      domain.CheckoutState
	Failure domain.FailureKind
	Effect  Effect
}

var reset = map[EventKind]Transition{EventReset: {To: domain.StateIdle}}

var table = map[domain.CheckoutState]map[EventKind]Transition{
	domain.StateIdle: {
		EventStart: {To: domain.StateLockingCart},
	},
	domain.StateLockingCart: {
		EventLockAcquired: {To: domain.StateConfirmingPayment},
		EventLockBusy:     {To: domain.StateFailed, Failure: domain.FailureConcurrentCheckout},
		EventLockError:    {To: domain.StateFailed, Failure: domain.FailureCartUnavailable},
		EventAborted:      {To: domain.StateFailed, Failure: domain.FailureAborted, Effect: EffectRelease},
	},
	domain.StateConfirmingPayment: {
		EventPaymentSucceeded:   {To: domain.StateCreatingOrder},
		EventPaymentPending:     {To: domain.StatePolling},
		EventPaymentRejected:    {To: domain.StateFailed, Failure: domain.FailurePaymentDeclined, Effect: EffectRelease},
		EventPaymentUnavailable: {To: domain.StateFailed, Failure: domain.FailurePaymentUnavailable, Effect: EffectRelease},
		EventAborted:            {To: domain.StateFailed, Failure: domain.FailureAborted, Effect: EffectRelease},
	},
	domain.StatePolling: {
		EventPollSucceeded: {To: domain.StateCreatingOrder},
		EventPollFailed:    {To: domain.StateFailed, Failure: domain.FailurePaymentDeclined, Effect: EffectRelease},
		// the payment may still settle: keep the cart for support
		EventPollTimedOut: {To: domain.StateAwaitingSupport, Failure: domain.FailurePollTimedOut, Effect: EffectRelease},
	},
	domain.StateCreatingOrder: {
		EventOrderRecorded: {To: domain.StateCompleted, Effect: EffectClearAndRelease},
		EventOrderFailed:   {To: domain.StateAwaitingSupport, Failure: domain.FailureOrderCreationExhausted, Effect: EffectRelease},
	},
	domain.StateCompleted:       reset,
	domain.StateAwaitingSupport: reset,
	domain.StateFailed:          reset,
}

// Next is the checkout state machine. It has no side effects: the caller
// applies the returned Effect.
func Next(from domain.CheckoutState, ev Event) (Transition, error) {
	t, ok := table[from][ev.Kind]
	if !ok || !domain.CanTransitionTo(from, t.To) {
		return Transition{}, fmt.Errorf("%w: %s in state %s", domain.ErrIllegalTransition, ev.Kind, from)
	}
	t.From = from
	if ev.Failure != domain.FailureNone && t.Failure != domain.FailureNone {
		t.Failure = ev.Failure
	}
	return t, nil
}
