package domain

type IntentStatus string

const (
	IntentRequiresAction IntentStatus = "requires_action"
	IntentProcessing     IntentStatus = "processing"
	IntentSucceeded      IntentStatus = "succeeded"
	IntentFailed         IntentStatus = "failed"
)

func (s IntentStatus) IsTerminal() bool {
	return s == IntentSucceeded || s == IntentFailed
}

// PaymentIntentHandle is the gateway's authorization object for one checkout attempt.
type PaymentIntentHandle struct {
	IntentID        string       `json:"intent_id"`
	ClientAuthToken string       `json:"-"`
	AmountMinor     int64        `json:"amount_minor"`
	Currency        string       `json:"currency"`
	Status          IntentStatus `json:"status"`
}

// BillingDetails carries what the customer entered in the payment form.
// PaymentMethodID is the tokenized method, card data never reaches this service.
type BillingDetails struct {
	PaymentMethodID string `json:"payment_method_id" validate:"required"`
	Name            string `json:"name" validate:"required"`
	Email           string `json:"email" validate:"required,email"`
	Line1           string `json:"line1,omitempty"`
	City            string `json:"city,omitempty"`
	PostalCode      string `json:"postal_code,omitempty"`
	Country         string `json:"country,omitempty" validate:"omitempty,len=2"`
}
