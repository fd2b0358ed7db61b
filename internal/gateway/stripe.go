package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/overdrive-yt/sportsdevil/domain"
)

type StripeConfig struct {
	SecretKey string
	// BaseURL overrides the Stripe API endpoint, used for stripe-mock and tests.
	BaseURL    string
	HTTPClient *http.Client
}

type StripeGateway struct {
	api *client.API
}

func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient: httpClient,
		// retries are owned by the payment controller
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(strings.TrimRight(cfg.BaseURL, "/"))
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	return &StripeGateway{
		api: client.New(cfg.SecretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend}),
	}
}

func (g *StripeGateway) CreateIntent(ctx context.Context, amountMinor int64, currency string, metadata map[string]string) (domain.PaymentIntentHandle, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountMinor),
		Currency: stripe.String(strings.ToLower(currency)),
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	if key, ok := metadata["attempt_id"]; ok {
		params.SetIdempotencyKey("intent:" + key)
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return domain.PaymentIntentHandle{}, classifyStripeError(err)
	}

	return domain.PaymentIntentHandle{
		IntentID:        pi.ID,
		ClientAuthToken: pi.ClientSecret,
		AmountMinor:     pi.Amount,
		Currency:        strings.ToUpper(string(pi.Currency)),
		Status:          MapStripeStatus(pi.Status),
	}, nil
}

func (g *StripeGateway) Confirm(ctx context.Context, handle domain.PaymentIntentHandle, billing domain.BillingDetails, idempotencyKey string) (domain.IntentStatus, error) {
	params := &stripe.PaymentIntentConfirmParams{
		PaymentMethod: stripe.String(billing.PaymentMethodID),
	}
	if billing.Email != "" {
		params.ReceiptEmail = stripe.String(billing.Email)
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	pi, err := g.api.PaymentIntents.Confirm(handle.IntentID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodePaymentIntentUnexpectedState {
			// an earlier attempt already moved the intent on, report where it is now
			return g.Retrieve(ctx, handle.IntentID)
		}
		return "", classifyStripeError(err)
	}
	return MapStripeStatus(pi.Status), nil
}

func (g *StripeGateway) Retrieve(ctx context.Context, intentID string) (domain.IntentStatus, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := g.api.PaymentIntents.Get(intentID, params)
	if err != nil {
		return "", classifyStripeError(err)
	}
	return MapStripeStatus(pi.Status), nil
}

// MapStripeStatus folds Stripe's intent states into the four this service reasons about.
// States where the processor still holds the charge count as requires_action.
func MapStripeStatus(s stripe.PaymentIntentStatus) domain.IntentStatus {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return domain.IntentSucceeded
	case stripe.PaymentIntentStatusProcessing:
		return domain.IntentProcessing
	case stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresCapture:
		return domain.IntentRequiresAction
	default:
		return domain.IntentFailed
	}
}

func classifyStripeError(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return &Error{Kind: KindTransient, Message: err.Error(), Err: err}
	}

	out := &Error{Code: string(stripeErr.Code), Message: stripeErr.Msg, Err: err}
	switch {
	case stripeErr.Type == stripe.ErrorTypeCard:
		out.Kind = KindDeclined
		if stripeErr.DeclineCode != "" {
			out.Code = string(stripeErr.DeclineCode)
		}
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
		stripeErr.HTTPStatusCode >= 500,
		stripeErr.HTTPStatusCode == 0,
		stripeErr.Type == stripe.ErrorTypeAPI:
		out.Kind = KindTransient
	default:
		out.Kind = KindDeclined
	}
	return out
}
