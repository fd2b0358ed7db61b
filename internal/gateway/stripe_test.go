package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v74"

	"github.com/overdrive-yt/sportsdevil/domain"
)

type stripeCall struct {
	method         string
	path           string
	form           url.Values
	idempotencyKey string
}

func newStripeServer(t *testing.T, handler func(w http.ResponseWriter, call stripeCall)) (*StripeGateway, *[]stripeCall) {
	var calls []stripeCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(body))
		call := stripeCall{method: r.Method, path: r.URL.Path, form: form, idempotencyKey: r.Header.Get("Idempotency-Key")}
		calls = append(calls, call)
		w.Header().Set("Content-Type", "application/json")
		handler(w, call)
	}))
	t.Cleanup(srv.Close)

	gw := NewStripeGateway(StripeConfig{SecretKey: "sk_test_123", BaseURL: srv.URL, HTTPClient: srv.Client()})
	return gw, &calls
}

func writeIntent(w http.ResponseWriter, id, status string) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":            id,
		"object":        "payment_intent",
		"amount":        5000,
		"currency":      "usd",
		"client_secret": id + "_secret_abc",
		"status":        status,
	})
}

func writeStripeError(w http.ResponseWriter, code int, errType, errCode, declineCode string) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"type":         errType,
			"code":         errCode,
			"decline_code": declineCode,
			"message":      "stripe says no",
		},
	})
}

func TestStripeGateway_CreateIntent(t *testing.T) {
	gw, calls := newStripeServer(t, func(w http.ResponseWriter, _ stripeCall) {
		writeIntent(w, "pi_123", "requires_payment_method")
	})

	h, err := gw.CreateIntent(context.Background(), 5000, "USD", map[string]string{"attempt_id": "a1"})
	require.NoError(t, err)

	assert.Equal(t, "pi_123", h.IntentID)
	assert.Equal(t, "pi_123_secret_abc", h.ClientAuthToken)
	assert.Equal(t, int64(5000), h.AmountMinor)
	assert.Equal(t, "USD", h.Currency)

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, "/v1/payment_intents", call.path)
	assert.Equal(t, "5000", call.form.Get("amount"))
	assert.Equal(t, "usd", call.form.Get("currency"))
	assert.Equal(t, "a1", call.form.Get("metadata[attempt_id]"))
	assert.Equal(t, "intent:a1", call.idempotencyKey)
}

func TestStripeGateway_ConfirmMapsStatus(t *testing.T) {
	tests := []struct {
		stripeStatus string
		want         domain.IntentStatus
	}{
		{"succeeded", domain.IntentSucceeded},
		{"processing", domain.IntentProcessing},
		{"requires_action", domain.IntentRequiresAction},
		{"requires_capture", domain.IntentRequiresAction},
		{"requires_payment_method", domain.IntentFailed},
		{"canceled", domain.IntentFailed},
	}

	for _, tt := range tests {
		t.Run(tt.stripeStatus, func(t *testing.T) {
			gw, calls := newStripeServer(t, func(w http.ResponseWriter, _ stripeCall) {
				writeIntent(w, "pi_1", tt.stripeStatus)
			})

			status, err := gw.Confirm(context.Background(),
				domain.PaymentIntentHandle{IntentID: "pi_1"},
				domain.BillingDetails{PaymentMethodID: "pm_card_visa", Email: "a@b.co"},
				"confirm:pi_1:1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)

			call := (*calls)[0]
			assert.Equal(t, "/v1/payment_intents/pi_1/confirm", call.path)
			assert.Equal(t, "pm_card_visa", call.form.Get("payment_method"))
			assert.Equal(t, "confirm:pi_1:1", call.idempotencyKey)
		})
	}
}

func TestStripeGateway_ConfirmClassifiesErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		errType  string
		errCode  string
		decline  string
		wantKind Kind
		wantCode string
	}{
		{"card declined", 402, "card_error", "card_declined", "insufficient_funds", KindDeclined, "insufficient_funds"},
		{"rate limited", 429, "invalid_request_error", "rate_limit", "", KindTransient, "rate_limit"},
		{"server error", 500, "api_error", "", "", KindTransient, ""},
		{"bad request", 400, "invalid_request_error", "parameter_missing", "", KindDeclined, "parameter_missing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, _ := newStripeServer(t, func(w http.ResponseWriter, _ stripeCall) {
				writeStripeError(w, tt.status, tt.errType, tt.errCode, tt.decline)
			})

			_, err := gw.Confirm(context.Background(), domain.PaymentIntentHandle{IntentID: "pi_1"}, domain.BillingDetails{PaymentMethodID: "pm"}, "k")
			require.Error(t, err)

			var gwErr *Error
			require.ErrorAs(t, err, &gwErr)
			assert.Equal(t, tt.wantKind, gwErr.Kind)
			assert.Equal(t, tt.wantCode, gwErr.Code)
		})
	}
}

func TestStripeGateway_ConfirmAfterUnexpectedStateRetrieves(t *testing.T) {
	gw, calls := newStripeServer(t, func(w http.ResponseWriter, call stripeCall) {
		if call.method == http.MethodPost {
			writeStripeError(w, 400, "invalid_request_error", string(stripe.ErrorCodePaymentIntentUnexpectedState), "")
			return
		}
		writeIntent(w, "pi_1", "succeeded")
	})

	status, err := gw.Confirm(context.Background(), domain.PaymentIntentHandle{IntentID: "pi_1"}, domain.BillingDetails{PaymentMethodID: "pm"}, "confirm:pi_1:2")
	require.NoError(t, err)
	assert.Equal(t, domain.IntentSucceeded, status)
	require.Len(t, *calls, 2)
	assert.Equal(t, "/v1/payment_intents/pi_1", (*calls)[1].path)
}

func TestStripeGateway_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	gw := NewStripeGateway(StripeConfig{SecretKey: "sk_test_123", BaseURL: srv.URL})
	_, err := gw.Retrieve(context.Background(), "pi_1")
	assert.Equal(t, KindTransient, KindOf(err))
}
