// Package orchestrator runs one checkout attempt at a time for a user: it locks
// the cart, confirms the payment, waits out asynchronous settlement and records
// exactly one order, releasing or clearing the cart on every exit path.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/overdrive-yt/sportsdevil/domain"
	"github.com/overdrive-yt/sportsdevil/internal/backoff"
	"github.com/overdrive-yt/sportsdevil/internal/cart"
	"github.com/overdrive-yt/sportsdevil/internal/payment"
	"github.com/overdrive-yt/sportsdevil/internal/poller"
	"github.com/overdrive-yt/sportsdevil/internal/reconciler"
	"github.com/overdrive-yt/sportsdevil/pkg/metrics"
)

var (
	ErrConcurrentCheckout     = errors.New("another checkout attempt holds the cart")
	ErrCannotAbortAfterCharge = errors.New("checkout cannot be aborted after the payment was claimed")
	ErrNothingToAbort         = errors.New("no checkout attempt in progress")
	ErrAttemptInProgress      = errors.New("checkout attempt is still in progress")
	ErrNoAttempt              = errors.New("no checkout attempt was started")
	ErrClosed                 = errors.New("checkout orchestrator is closed")
)

// PaymentController is the payment confirmation step.
type PaymentController interface {
	CreateIntent(ctx context.Context, snapshot domain.CartSnapshot, metadata map[string]string) (domain.PaymentIntentHandle, *payment.ConfirmationResult)
	Confirm(ctx context.Context, handle domain.PaymentIntentHandle, billing domain.BillingDetails, attempt int) payment.ConfirmationResult
}

type OrderCreator interface {
	CreateOrder(ctx context.Context, intentID string, snapshot domain.CartSnapshot, shippingMethod, couponCode string) reconciler.OrderResult
}

type StatusPoller interface {
	Poll(ctx context.Context, intentID string, maxAttempts int, maxElapsed time.Duration) poller.PollResult
}

// Recorder persists attempt progress for support tooling. Failures are logged
// and never change the outcome of an attempt.
type Recorder interface {
	Record(ctx context.Context, rec domain.AttemptRecord) error
}

type Config struct {
	// ConfirmPolicy bounds inline retries of a transiently failing confirmation.
	ConfirmPolicy  backoff.Linear
	PollAttempts   int
	PollMaxElapsed time.Duration
	// ReleaseTimeout bounds cart write-backs, which run even after cancellation.
	ReleaseTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ConfirmPolicy:  backoff.Linear{Base: 500 * time.Millisecond, Cap: 2 * time.Second, MaxAttempts: 3},
		PollAttempts:   poller.DefaultPolicy.MaxAttempts,
		PollMaxElapsed: poller.DefaultMaxElapsed,
		ReleaseTimeout: 5 * time.Second,
	}
}

type Deps struct {
	Lock     cart.Lock
	Payments PaymentController
	Orders   OrderCreator
	Poller   StatusPoller
	Recorder Recorder
	Metrics  *metrics.Checkout
	Logger   *slog.Logger
	Sleep    backoff.Sleeper
}

type StartRequest struct {
	Snapshot       domain.CartSnapshot
	ShippingMethod string
	CouponCode     string
	Billing        domain.BillingDetails
}

// StateChange is published to subscribers on every transition.
type StateChange struct {
	AttemptID string               `json:"attempt_id"`
	From      domain.CheckoutState `json:"from"`
	To        domain.CheckoutState `json:"to"`
	Failure   domain.FailureKind   `json:"failure,omitempty"`
	Result    *domain.Result       `json:"result,omitempty"`
	At        time.Time            `json:"at"`
}

type Status struct {
	AttemptID string               `json:"attempt_id,omitempty"`
	State     domain.CheckoutState `json:"state"`
	Failure   domain.FailureKind   `json:"failure,omitempty"`
	IntentID  string               `json:"intent_id,omitempty"`
	Result    *domain.Result       `json:"result,omitempty"`
	Guidance  string               `json:"guidance,omitempty"`
}

// session is the working state of one attempt. Only the driver writes it.
type session struct {
	id             string
	snapshot       domain.CartSnapshot
	shippingMethod string
	couponCode     string
	billing        domain.BillingDetails
	lockToken      domain.LockToken
	intent         *domain.PaymentIntentHandle
	order          *domain.OrderRecord

	confirmAttempts int
	orderAttempts   int
	pollAttempts    int

	// result is set before done is closed.
	result        *domain.Result
	done          chan struct{}
	cancelStage   context.CancelFunc
	cancelAttempt context.CancelFunc
	span          trace.Span
}

type Orchestrator struct {
	userID string
	deps   Deps
	cfg    Config
	tracer trace.Tracer

	mu        sync.Mutex
	state     domain.CheckoutState
	failure   domain.FailureKind
	result    *domain.Result
	sess      *session
	history   []domain.CheckoutState
	aborted   bool
	changedAt time.Time
	subs      map[int]chan StateChange
	nextSub   int
	closed    bool
}

func New(userID string, deps Deps, cfg Config) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Sleep == nil {
		deps.Sleep = backoff.Sleep
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if cfg.ConfirmPolicy.MaxAttempts < 1 {
		cfg.ConfirmPolicy = DefaultConfig().ConfirmPolicy
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = DefaultConfig().ReleaseTimeout
	}
	return &Orchestrator{
		userID:    userID,
		deps:      deps,
		cfg:       cfg,
		tracer:    otel.Tracer("orchestrator"),
		state:     domain.StateIdle,
		history:   []domain.CheckoutState{domain.StateIdle},
		changedAt: time.Now(),
		subs:      make(map[int]chan StateChange),
	}
}

// Start locks the cart and launches the attempt. The lock stage runs before
// Start returns, so a cart held by another attempt is reported as
// ErrConcurrentCheckout. A call while this orchestrator has an attempt in
// flight also returns ErrConcurrentCheckout and leaves that attempt untouched.
// Starting from a terminal state resets to Idle first.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (string, error) {
	if len(req.Snapshot.Lines) == 0 {
		return "", domain.ErrEmptyCart
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrClosed
	}
	if o.state != domain.StateIdle && !o.state.IsTerminal() {
		o.mu.Unlock()
		return "", ErrConcurrentCheckout
	}
	if o.state.IsTerminal() {
		o.resetLocked()
	}

	tr, err := Next(o.state, Event{Kind: EventStart})
	if err != nil {
		o.mu.Unlock()
		return "", err
	}

	id := uuid.NewString()
	attemptCtx, cancelAttempt := context.WithCancel(context.WithoutCancel(ctx))
	attemptCtx, span := o.tracer.Start(attemptCtx, "checkout.attempt",
		trace.WithAttributes(attribute.String("attempt_id", id)))
	stageCtx, cancelStage := context.WithCancel(attemptCtx)
	sess := &session{
		id:             id,
		snapshot:       req.Snapshot,
		shippingMethod: req.ShippingMethod,
		couponCode:     req.CouponCode,
		billing:        req.Billing,
		done:           make(chan struct{}),
		cancelStage:    cancelStage,
		cancelAttempt:  cancelAttempt,
		span:           span,
	}

	o.sess = sess
	o.result = nil
	o.failure = domain.FailureNone
	o.aborted = false
	o.history = []domain.CheckoutState{o.state}
	// the start transition is taken under the same lock as the busy check
	rec := o.recordLocked(sess, tr.To, tr.Failure)
	o.commitLocked(sess, tr)
	o.mu.Unlock()

	o.logger(sess).InfoContext(attemptCtx, "checkout started",
		slog.Int64("total_minor", req.Snapshot.Totals.TotalMinor),
		slog.String("currency", req.Snapshot.Currency),
		slog.Int("lines", len(req.Snapshot.Lines)))
	o.record(attemptCtx, rec)
	o.logTransition(attemptCtx, sess, tr, Event{Kind: EventStart})

	token, err := o.deps.Lock.Acquire(stageCtx, o.userID)
	switch {
	case err == nil:
		o.mu.Lock()
		sess.lockToken = token
		o.mu.Unlock()
		o.advance(attemptCtx, sess, Event{Kind: EventLockAcquired}, true)
	case errors.Is(err, cart.ErrAlreadyLocked):
		o.advance(attemptCtx, sess, Event{Kind: EventLockBusy}, false)
		return sess.id, ErrConcurrentCheckout
	default:
		o.logger(sess).ErrorContext(attemptCtx, "cart lock failed", slog.Any("error", err))
		o.advance(attemptCtx, sess, Event{Kind: EventLockError}, true)
	}

	if o.State() == domain.StateConfirmingPayment {
		go o.run(attemptCtx, stageCtx, sess)
	}
	return sess.id, nil
}

func (o *Orchestrator) backoff(ctx context.Context, component string, d time.Duration) error {
	o.deps.Metrics.Backoff(component, float64(d.Milliseconds()))
	return o.deps.Sleep(ctx, d)
}

func (o *Orchestrator) logger(sess *session) *slog.Logger {
	l := o.deps.Logger.With(slog.String("user_id", o.userID))
	if sess != nil {
		l = l.With(slog.String("attempt_id", sess.id))
	}
	return l
}

// Abort cancels the attempt while no charge has been claimed. It returns
// ErrCannotAbortAfterCharge once the attempt is creating the order or polling.
func (o *Orchestrator) Abort() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.state {
	case domain.StateLockingCart, domain.StateConfirmingPayment:
		if !o.aborted {
			o.aborted = true
			o.sess.cancelStage()
		}
		return nil
	case domain.StateCreatingOrder, domain.StatePolling:
		return ErrCannotAbortAfterCharge
	default:
		return ErrNothingToAbort
	}
}

// Reset returns a finished orchestrator to Idle. An attempt is never resumed.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == domain.StateIdle {
		return nil
	}
	if !o.state.IsTerminal() {
		return ErrAttemptInProgress
	}
	o.resetLocked()
	return nil
}

func (o *Orchestrator) resetLocked() {
	tr, err := Next(o.state, Event{Kind: EventReset})
	if err != nil {
		return
	}
	attemptID := ""
	if o.sess != nil {
		attemptID = o.sess.id
	}
	o.state = tr.To
	o.failure = domain.FailureNone
	o.result = nil
	o.history = []domain.CheckoutState{tr.To}
	o.changedAt = time.Now()
	o.deps.Metrics.Transition(tr.To.String())
	o.broadcastLocked(StateChange{AttemptID: attemptID, From: tr.From, To: tr.To, At: time.Now().UTC()})
}

// Wait blocks until the current attempt reaches a terminal state and returns
// its result, even if a reset or a new attempt followed.
func (o *Orchestrator) Wait(ctx context.Context) (domain.Result, error) {
	o.mu.Lock()
	sess := o.sess
	o.mu.Unlock()
	if sess == nil {
		return domain.Result{}, ErrNoAttempt
	}

	select {
	case <-sess.done:
	case <-ctx.Done():
		return domain.Result{}, ctx.Err()
	}
	return *sess.result, nil
}

func (o *Orchestrator) State() domain.CheckoutState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := Status{State: o.state, Failure: o.failure}
	if o.sess != nil && o.state != domain.StateIdle {
		st.AttemptID = o.sess.id
		if o.sess.intent != nil {
			st.IntentID = o.sess.intent.IntentID
		}
	}
	if o.result != nil {
		res := *o.result
		st.Result = &res
		st.Guidance = res.Failure.UserGuidance()
	}
	return st
}

// History lists the states of the current attempt, starting with the state it started from.
func (o *Orchestrator) History() []domain.CheckoutState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.CheckoutState(nil), o.history...)
}

// Attempts reports how many confirmation, order creation and poll calls the current attempt made.
func (o *Orchestrator) Attempts() (confirm, order, poll int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess == nil {
		return 0, 0, 0
	}
	return o.sess.confirmAttempts, o.sess.orderAttempts, o.sess.pollAttempts
}

// evictable reports whether the orchestrator holds nothing worth keeping: no
// attempt in flight, no subscriber and no change since cutoff.
func (o *Orchestrator) evictable(cutoff time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return true
	}
	if o.state != domain.StateIdle && !o.state.IsTerminal() {
		return false
	}
	return len(o.subs) == 0 && !o.changedAt.After(cutoff)
}

// Subscribe streams state changes. Slow subscribers miss changes rather than
// blocking the attempt. The returned func unsubscribes and closes the channel.
func (o *Orchestrator) Subscribe() (<-chan StateChange, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.nextSub
	o.nextSub++
	ch := make(chan StateChange, 16)
	o.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if c, ok := o.subs[id]; ok {
				delete(o.subs, id)
				close(c)
			}
		})
	}
}

func (o *Orchestrator) broadcastLocked(change StateChange) {
	for _, ch := range o.subs {
		select {
		case ch <- change:
		default:
			o.deps.Logger.Warn("dropping checkout state change for slow subscriber",
				slog.String("attempt_id", change.AttemptID),
				slog.String("state", change.To.String()))
		}
	}
}

// Close stops pending timers and in-flight calls of the current attempt. A
// payment confirmation already sent is left to finish, and a charged attempt
// then ends in AwaitingSupport.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	if o.sess != nil {
		o.sess.cancelAttempt()
	}
	for id, ch := range o.subs {
		delete(o.subs, id)
		close(ch)
	}
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, domain.AttemptRecord) error { return nil }
