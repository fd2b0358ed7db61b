package gateway

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/overdrive-yt/sportsdevil/domain"
)

// Sandbox payment methods, named after Stripe's test payment methods.
const (
	SandboxCardOK         = "pm_card_visa"
	SandboxCardDeclined   = "pm_card_chargeDeclined"
	SandboxCardProcessing = "pm_card_processing"
)

// Sandbox is an in-process Gateway for local runs without processor credentials.
// Intents confirmed with SandboxCardProcessing report processing once more on
// Retrieve and succeeded after that.
type Sandbox struct {
	mu      sync.Mutex
	intents map[string]domain.IntentStatus
}

func NewSandbox() *Sandbox {
	return &Sandbox{intents: make(map[string]domain.IntentStatus)}
}

func (s *Sandbox) CreateIntent(_ context.Context, amountMinor int64, currency string, _ map[string]string) (domain.PaymentIntentHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := "pi_sandbox_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	s.intents[id] = domain.IntentRequiresAction
	return domain.PaymentIntentHandle{
		IntentID:        id,
		ClientAuthToken: id + "_secret",
		AmountMinor:     amountMinor,
		Currency:        currency,
		Status:          domain.IntentRequiresAction,
	}, nil
}

func (s *Sandbox) Confirm(_ context.Context, handle domain.PaymentIntentHandle, billing domain.BillingDetails, _ string) (domain.IntentStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.intents[handle.IntentID]
	if !ok {
		return "", &Error{Kind: KindDeclined, Code: "resource_missing", Message: "no such payment intent"}
	}
	if cur.IsTerminal() || cur == domain.IntentProcessing {
		return cur, nil
	}

	switch billing.PaymentMethodID {
	case SandboxCardDeclined:
		s.intents[handle.IntentID] = domain.IntentFailed
		return "", &Error{Kind: KindDeclined, Code: "card_declined", Message: "Your card was declined."}
	case SandboxCardProcessing:
		s.intents[handle.IntentID] = domain.IntentProcessing
	default:
		s.intents[handle.IntentID] = domain.IntentSucceeded
	}
	return s.intents[handle.IntentID], nil
}

func (s *Sandbox) Retrieve(_ context.Context, intentID string) (domain.IntentStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.intents[intentID]
	if !ok {
		return "", &Error{Kind: KindDeclined, Code: "resource_missing", Message: "no such payment intent"}
	}
	if cur == domain.IntentProcessing {
		s.intents[intentID] = domain.IntentSucceeded
	}
	return cur, nil
}
