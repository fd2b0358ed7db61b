package domain

type CheckoutState string

const (
	StateIdle              CheckoutState = "IDLE"
	StateLockingCart       CheckoutState = "LOCKING_CART"
	StateConfirmingPayment CheckoutState = "CONFIRMING_PAYMENT"
	StateCreatingOrder     CheckoutState = "CREATING_ORDER"
	StatePolling           CheckoutState = "POLLING"
	StateCompleted         CheckoutState = "COMPLETED"
	StateAwaitingSupport   CheckoutState = "AWAITING_SUPPORT"
	StateFailed            CheckoutState = "FAILED"
)

func (s CheckoutState) IsTerminal() bool {
	return s == StateCompleted || s == StateAwaitingSupport || s == StateFailed
}

// IsCharged reports whether money may already have moved in this state.
func (s CheckoutState) IsCharged() bool {
	return s == StateCreatingOrder || s == StatePolling
}

// String representation (for logging)
func (s CheckoutState) String() string {
	return string(s)
}

var transitions = map[CheckoutState][]CheckoutState{
	StateIdle:              {StateLockingCart},
	StateLockingCart:       {StateConfirmingPayment, StateFailed},
	StateConfirmingPayment: {StateCreatingOrder, StatePolling, StateFailed},
	StatePolling:           {StateCreatingOrder, StateFailed, StateAwaitingSupport},
	StateCreatingOrder:     {StateCompleted, StateAwaitingSupport},
	StateCompleted:         {StateIdle},
	StateAwaitingSupport:   {StateIdle},
	StateFailed:            {StateIdle},
}

// CanTransitionTo reports whether the checkout state machine allows from -> to.
// Terminal states only lead back to Idle, an attempt is never resumed mid-flight.
func CanTransitionTo(from, to CheckoutState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
