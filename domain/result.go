package domain

import "time"

// FailureKind classifies why an attempt did not complete.
type FailureKind string

const (
	FailureNone                   FailureKind = ""
	FailureConcurrentCheckout     FailureKind = "CONCURRENT_CHECKOUT"
	FailurePaymentDeclined        FailureKind = "PAYMENT_DECLINED"
	FailurePaymentUnavailable     FailureKind = "PAYMENT_UNAVAILABLE"
	FailureOrderCreationExhausted FailureKind = "ORDER_CREATION_EXHAUSTED"
	FailureOrderRejected          FailureKind = "ORDER_REJECTED"
	FailureSessionExpired         FailureKind = "SESSION_EXPIRED"
	FailurePollTimedOut           FailureKind = "POLL_TIMED_OUT"
	FailureAborted                FailureKind = "ABORTED"
	FailureCartUnavailable        FailureKind = "CART_UNAVAILABLE"
)

// UserGuidance maps a failure to what the customer should be told. Technical detail stays in logs.
func (k FailureKind) UserGuidance() string {
	switch k {
	case FailureConcurrentCheckout:
		return "Another checkout is already in progress for this cart."
	case FailurePaymentDeclined:
		return "Your payment was declined. Please try a different payment method."
	case FailurePaymentUnavailable:
		return "We could not reach the payment provider. Please try again in a few minutes."
	case FailureOrderCreationExhausted, FailureOrderRejected, FailureSessionExpired:
		return "Your payment was received but we could not record your order. Do not pay again; contact support with your payment reference."
	case FailurePollTimedOut:
		return "Your payment is still being processed and may complete. Check your email or bank records before trying again."
	case FailureAborted:
		return "Checkout was cancelled. You have not been charged."
	case FailureCartUnavailable:
		return "Your cart could not be reserved for checkout. Please try again."
	default:
		return ""
	}
}

type ResultKind string

const (
	ResultCompleted       ResultKind = "COMPLETED"
	ResultFailed          ResultKind = "FAILED"
	ResultAwaitingSupport ResultKind = "AWAITING_SUPPORT"
)

// Result is the final value of one checkout attempt.
type Result struct {
	Kind             ResultKind   `json:"kind"`
	Order            *OrderRecord `json:"order,omitempty"`
	Failure          FailureKind  `json:"failure,omitempty"`
	PaymentReference string       `json:"payment_reference,omitempty"`
}

func Completed(order OrderRecord) Result {
	return Result{Kind: ResultCompleted, Order: &order}
}

func Failed(kind FailureKind) Result {
	return Result{Kind: ResultFailed, Failure: kind}
}

func AwaitingSupport(kind FailureKind, paymentReference string) Result {
	return Result{Kind: ResultAwaitingSupport, Failure: kind, PaymentReference: paymentReference}
}

// AttemptRecord is what gets persisted about an attempt on every state change.
type AttemptRecord struct {
	ID        string
	UserID    string
	IntentID  string
	State     CheckoutState
	Failure   FailureKind
	Snapshot  CartSnapshot
	Order     *OrderRecord
	UpdatedAt time.Time
}
