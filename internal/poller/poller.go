// Package poller waits out asynchronous payment settlement.
package poller

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/overdrive-yt/sportsdevil/domain"
	"github.com/overdrive-yt/sportsdevil/internal/backend"
	"github.com/overdrive-yt/sportsdevil/internal/backoff"
	"github.com/overdrive-yt/sportsdevil/pkg/metrics"
)

var DefaultPolicy = backoff.Exponential{Initial: 2 * time.Second, Factor: 1.5, Cap: 30 * time.Second, MaxAttempts: 10}

// DefaultMaxElapsed covers the whole DefaultPolicy schedule, about 154s.
const DefaultMaxElapsed = 160 * time.Second

type StatusSource interface {
	PaymentStatus(ctx context.Context, intentID string) (backend.PaymentStatus, error)
}

type Kind int

const (
	ResolvedSucceeded Kind = iota + 1
	ResolvedFailed
	// TimedOut is not a failure: the payment may still settle.
	TimedOut
)

func (k Kind) String() string {
	switch k {
	case ResolvedSucceeded:
		return "succeeded"
	case ResolvedFailed:
		return "failed"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

type PollResult struct {
	Kind Kind
	// Order is set when the backend already holds an order for the intent,
	// typically created by the processor's webhook.
	Order    *domain.OrderRecord
	Attempts int
}

type Poller struct {
	source  StatusSource
	policy  backoff.Exponential
	sleep   backoff.Sleeper
	now     func() time.Time
	metrics *metrics.Checkout
	logger  *slog.Logger
}

type Option func(*Poller)

func WithSleeper(s backoff.Sleeper) Option {
	return func(p *Poller) { p.sleep = s }
}

func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

func WithMetrics(m *metrics.Checkout) Option {
	return func(p *Poller) { p.metrics = m }
}

func New(source StatusSource, policy backoff.Exponential, logger *slog.Logger, opts ...Option) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{source: source, policy: policy, sleep: backoff.Sleep, now: time.Now, logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Poll waits the backoff delay before each status query. It stops on the first
// terminal status, after maxAttempts queries, or when the next delay would
// push past maxElapsed. Non-positive limits fall back to the policy defaults.
func (p *Poller) Poll(ctx context.Context, intentID string, maxAttempts int, maxElapsed time.Duration) PollResult {
	ctx, span := otel.Tracer("poller").Start(ctx, "poller.Poll")
	defer span.End()
	span.SetAttributes(attribute.String("intent_id", intentID))

	if maxAttempts <= 0 {
		maxAttempts = p.policy.MaxAttempts
	}
	if maxElapsed <= 0 {
		maxElapsed = DefaultMaxElapsed
	}
	log := p.logger.With(slog.String("intent_id", intentID))
	start := p.now()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		delay := p.policy.Delay(attempt)
		if p.now().Sub(start)+delay > maxElapsed {
			log.WarnContext(ctx, "payment status polling exceeded time budget",
				slog.Int("attempt", attempt), slog.Duration("max_elapsed", maxElapsed))
			return p.timedOut(attempt - 1)
		}

		p.metrics.Backoff("poller", float64(delay.Milliseconds()))
		if err := p.sleep(ctx, delay); err != nil {
			log.WarnContext(ctx, "payment status polling interrupted", slog.Any("error", err))
			return p.timedOut(attempt - 1)
		}

		status, err := p.source.PaymentStatus(ctx, intentID)
		if err != nil {
			p.metrics.Poll("error")
			log.WarnContext(ctx, "payment status query failed", slog.Int("attempt", attempt), slog.Any("error", err))
			continue
		}

		res, done := classify(status)
		if !done {
			p.metrics.Poll("pending")
			log.DebugContext(ctx, "payment still pending", slog.Int("attempt", attempt), slog.String("status", string(status.PaymentStatus)))
			continue
		}

		res.Attempts = attempt
		p.metrics.Poll(res.Kind.String())
		span.SetAttributes(attribute.Int("attempts", attempt), attribute.String("outcome", res.Kind.String()))
		log.InfoContext(ctx, "payment status resolved", slog.Int("attempt", attempt), slog.String("outcome", res.Kind.String()))
		return res
	}

	log.WarnContext(ctx, "payment status polling attempts exhausted", slog.Int("attempts", maxAttempts))
	return p.timedOut(maxAttempts)
}

func (p *Poller) timedOut(attempts int) PollResult {
	p.metrics.Poll(TimedOut.String())
	return PollResult{Kind: TimedOut, Attempts: attempts}
}

func classify(s backend.PaymentStatus) (PollResult, bool) {
	if s.Order != nil {
		switch s.Order.Status {
		case domain.OrderStatusConfirmed:
			return PollResult{Kind: ResolvedSucceeded, Order: s.Order}, true
		case domain.OrderStatusFailed:
			return PollResult{Kind: ResolvedFailed}, true
		}
	}

	switch s.PaymentStatus {
	case domain.IntentSucceeded:
		return PollResult{Kind: ResolvedSucceeded, Order: s.Order}, true
	case domain.IntentFailed:
		return PollResult{Kind: ResolvedFailed}, true
	default:
		return PollResult{}, false
	}
}
