// Package reconciler turns a confirmed payment into exactly one order.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/overdrive-yt/sportsdevil/domain"
	"github.com/overdrive-yt/sportsdevil/internal/backend"
	"github.com/overdrive-yt/sportsdevil/internal/backoff"
	"github.com/overdrive-yt/sportsdevil/pkg/metrics"
)

var DefaultPolicy = backoff.Linear{Base: time.Second, Cap: 10 * time.Second, MaxAttempts: 3}

type Backend interface {
	Session(ctx context.Context) (backend.Session, error)
	RefreshSession(ctx context.Context) error
	CreateOrder(ctx context.Context, req backend.CreateOrderRequest) (backend.CreateOrderResponse, error)
}

type Kind int

const (
	Created Kind = iota + 1
	// Conflict means an order for the intent already existed. It is a success.
	Conflict
	Failed
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Conflict:
		return "conflict"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type OrderResult struct {
	Kind     Kind
	Order    *domain.OrderRecord
	Failure  domain.FailureKind
	Attempts int
}

func (r OrderResult) Succeeded() bool {
	return r.Kind == Created || r.Kind == Conflict
}

type Reconciler struct {
	backend Backend
	policy  backoff.Linear
	sleep   backoff.Sleeper
	metrics *metrics.Checkout
	logger  *slog.Logger
}

type Option func(*Reconciler)

func WithSleeper(s backoff.Sleeper) Option {
	return func(r *Reconciler) { r.sleep = s }
}

func WithMetrics(m *metrics.Checkout) Option {
	return func(r *Reconciler) { r.metrics = m }
}

func New(b Backend, policy backoff.Linear, logger *slog.Logger, opts ...Option) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{backend: b, policy: policy, sleep: backoff.Sleep, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateOrder submits the order for intentID until the backend accepts it, the
// request is rejected, or the attempt budget runs out. Every attempt carries
// the same intentID so the backend's uniqueness constraint deduplicates retries.
func (r *Reconciler) CreateOrder(ctx context.Context, intentID string, snapshot domain.CartSnapshot, shippingMethod, couponCode string) OrderResult {
	ctx, span := otel.Tracer("reconciler").Start(ctx, "reconciler.CreateOrder")
	defer span.End()
	span.SetAttributes(attribute.String("intent_id", intentID))

	log := r.logger.With(slog.String("intent_id", intentID))

	if failure, ok := r.ensureSession(ctx, log); !ok {
		return OrderResult{Kind: Failed, Failure: failure}
	}

	req := backend.CreateOrderRequest{
		IntentID:       intentID,
		CartSnapshot:   snapshot,
		ShippingMethod: shippingMethod,
		CouponCode:     couponCode,
	}

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		resp, err := r.backend.CreateOrder(ctx, req)

		switch {
		case err != nil:
			r.metrics.OrderCreate("transport_error")
			log.WarnContext(ctx, "order creation request failed", slog.Int("attempt", attempt), slog.Any("error", err))

		case resp.StatusCode == http.StatusConflict, resp.StatusCode >= 200 && resp.StatusCode < 300:
			res := classifySuccess(intentID, resp, attempt)
			r.metrics.OrderCreate(res.Kind.String())
			span.SetAttributes(attribute.Int("attempts", attempt), attribute.String("outcome", res.Kind.String()))
			log.InfoContext(ctx, "order recorded",
				slog.Int("attempt", attempt),
				slog.String("outcome", res.Kind.String()),
				slog.String("order_number", res.Order.OrderNumber))
			return res

		case resp.StatusCode == http.StatusUnauthorized:
			r.metrics.OrderCreate("unauthorized")
			log.WarnContext(ctx, "order creation unauthorized, refreshing session", slog.Int("attempt", attempt))
			if err := r.backend.RefreshSession(ctx); err != nil {
				log.ErrorContext(ctx, "session refresh failed", slog.Any("error", err))
				return OrderResult{Kind: Failed, Failure: domain.FailureSessionExpired, Attempts: attempt}
			}
			// resubmit right away, the failure was ours
			continue

		case resp.StatusCode >= 500:
			r.metrics.OrderCreate("server_error")
			log.WarnContext(ctx, "order creation server error", slog.Int("attempt", attempt), slog.Int("status_code", resp.StatusCode))

		default:
			r.metrics.OrderCreate("rejected")
			log.ErrorContext(ctx, "order creation rejected", slog.Int("attempt", attempt), slog.Int("status_code", resp.StatusCode))
			return OrderResult{Kind: Failed, Failure: domain.FailureOrderRejected, Attempts: attempt}
		}

		if attempt == r.policy.MaxAttempts {
			break
		}
		delay := r.policy.Delay(attempt)
		r.metrics.Backoff("reconciler", float64(delay.Milliseconds()))
		log.DebugContext(ctx, "backing off before next order attempt", slog.Int("attempt", attempt), slog.Int64("delay_ms", delay.Milliseconds()))
		if err := r.sleep(ctx, delay); err != nil {
			log.WarnContext(ctx, "order creation interrupted", slog.Any("error", err))
			return OrderResult{Kind: Failed, Failure: domain.FailureOrderCreationExhausted, Attempts: attempt}
		}
	}

	log.ErrorContext(ctx, "order creation attempts exhausted", slog.Int("attempts", r.policy.MaxAttempts))
	return OrderResult{Kind: Failed, Failure: domain.FailureOrderCreationExhausted, Attempts: r.policy.MaxAttempts}
}

// ensureSession verifies the session and tries one refresh when it is gone.
// A session lookup that fails for other reasons is not fatal: the order
// request itself will surface a 401 if the session is really gone.
func (r *Reconciler) ensureSession(ctx context.Context, log *slog.Logger) (domain.FailureKind, bool) {
	_, err := r.backend.Session(ctx)
	if err == nil {
		return domain.FailureNone, true
	}
	if !errors.Is(err, backend.ErrNoSession) {
		log.WarnContext(ctx, "session check failed, continuing", slog.Any("error", err))
		return domain.FailureNone, true
	}

	log.InfoContext(ctx, "no active session, refreshing once")
	if err := r.backend.RefreshSession(ctx); err != nil {
		log.ErrorContext(ctx, "session refresh failed", slog.Any("error", err))
		return domain.FailureSessionExpired, false
	}
	return domain.FailureNone, true
}

func classifySuccess(intentID string, resp backend.CreateOrderResponse, attempt int) OrderResult {
	order := resp.Order
	if order == nil {
		order = &domain.OrderRecord{IntentID: intentID, Status: domain.OrderStatusPending}
	}
	if order.IntentID == "" {
		order.IntentID = intentID
	}

	kind := Created
	if resp.StatusCode == http.StatusConflict || resp.Replayed {
		kind = Conflict
	}
	return OrderResult{Kind: kind, Order: order, Attempts: attempt}
}
