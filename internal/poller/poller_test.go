package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overdrive-yt/sportsdevil/domain"
	"github.com/overdrive-yt/sportsdevil/internal/backend"
	"github.com/overdrive-yt/sportsdevil/internal/backoff"
	"github.com/overdrive-yt/sportsdevil/pkg/logger"
)

type MockStatusSource struct {
	// Statuses are returned in order, the last one repeats.
	Statuses []backend.PaymentStatus
	Errs     []error
	Calls    int
}

func (m *MockStatusSource) PaymentStatus(context.Context, string) (backend.PaymentStatus, error) {
	i := m.Calls
	m.Calls++
	if i < len(m.Errs) && m.Errs[i] != nil {
		return backend.PaymentStatus{}, m.Errs[i]
	}
	if len(m.Statuses) == 0 {
		return backend.PaymentStatus{PaymentStatus: domain.IntentProcessing}, nil
	}
	if i >= len(m.Statuses) {
		i = len(m.Statuses) - 1
	}
	return m.Statuses[i], nil
}

type fakeClock struct {
	now    time.Time
	delays []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.delays = append(c.delays, d)
	c.now = c.now.Add(d)
	return nil
}

func newPoller(src StatusSource) (*Poller, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	return New(src, DefaultPolicy, logger.Nop(), WithSleeper(clock.Sleep), WithClock(clock.Now)), clock
}

func pending() backend.PaymentStatus {
	return backend.PaymentStatus{PaymentStatus: domain.IntentProcessing}
}

func TestPoll_ResolvesSucceededOnFourthAttempt(t *testing.T) {
	src := &MockStatusSource{Statuses: []backend.PaymentStatus{
		pending(), pending(), pending(),
		{PaymentStatus: domain.IntentSucceeded},
	}}
	p, clock := newPoller(src)

	res := p.Poll(context.Background(), "pi_1", 10, 0)
	assert.Equal(t, ResolvedSucceeded, res.Kind)
	assert.Equal(t, 4, res.Attempts)
	assert.Nil(t, res.Order)
	assert.Equal(t, []time.Duration{2000 * time.Millisecond, 3000 * time.Millisecond, 4500 * time.Millisecond, 6750 * time.Millisecond}, clock.delays)
}

func TestPoll_ConfirmedOrderResolvesWithOrder(t *testing.T) {
	order := &domain.OrderRecord{OrderID: "o1", OrderNumber: "SD-1", Status: domain.OrderStatusConfirmed}
	src := &MockStatusSource{Statuses: []backend.PaymentStatus{{PaymentStatus: domain.IntentProcessing, Order: order}}}
	p, _ := newPoller(src)

	res := p.Poll(context.Background(), "pi_1", 10, 0)
	assert.Equal(t, ResolvedSucceeded, res.Kind)
	require.NotNil(t, res.Order)
	assert.Equal(t, "SD-1", res.Order.OrderNumber)
}

func TestPoll_ResolvesFailed(t *testing.T) {
	src := &MockStatusSource{Statuses: []backend.PaymentStatus{pending(), {PaymentStatus: domain.IntentFailed}}}
	p, _ := newPoller(src)

	res := p.Poll(context.Background(), "pi_1", 10, 0)
	assert.Equal(t, ResolvedFailed, res.Kind)
	assert.Equal(t, 2, res.Attempts)
}

func TestPoll_TimesOutAfterMaxAttempts(t *testing.T) {
	src := &MockStatusSource{}
	p, clock := newPoller(src)

	res := p.Poll(context.Background(), "pi_1", 10, 3*time.Minute)
	assert.Equal(t, TimedOut, res.Kind)
	assert.Equal(t, 10, src.Calls)

	want := []int64{2000, 3000, 4500, 6750, 10125, 15187, 22781, 30000, 30000, 30000}
	require.Len(t, clock.delays, 10)
	for i, d := range clock.delays {
		assert.Equal(t, want[i], d.Milliseconds())
		assert.LessOrEqual(t, d, 30*time.Second)
	}
}

func TestPoll_DefaultsRunTheWholeSchedule(t *testing.T) {
	src := &MockStatusSource{}
	p, _ := newPoller(src)

	require.LessOrEqual(t, backoff.Total(DefaultPolicy), DefaultMaxElapsed)
	res := p.Poll(context.Background(), "pi_1", 0, 0)
	assert.Equal(t, TimedOut, res.Kind)
	assert.Equal(t, DefaultPolicy.MaxAttempts, res.Attempts)
	assert.Equal(t, DefaultPolicy.MaxAttempts, src.Calls)
}

func TestPoll_TimesOutOnElapsedBudget(t *testing.T) {
	src := &MockStatusSource{}
	p, _ := newPoller(src)

	// 2+3+4.5+6.75+10.125 = 26.375s fits in 30s, the sixth delay does not
	res := p.Poll(context.Background(), "pi_1", 10, 30*time.Second)
	assert.Equal(t, TimedOut, res.Kind)
	assert.Equal(t, 5, res.Attempts)
	assert.Equal(t, 5, src.Calls)
}

func TestPoll_QueryErrorsKeepPolling(t *testing.T) {
	src := &MockStatusSource{
		Errs:     []error{errors.New("502 bad gateway"), errors.New("timeout")},
		Statuses: []backend.PaymentStatus{{}, {}, {PaymentStatus: domain.IntentSucceeded}},
	}
	p, _ := newPoller(src)

	res := p.Poll(context.Background(), "pi_1", 10, 0)
	assert.Equal(t, ResolvedSucceeded, res.Kind)
	assert.Equal(t, 3, res.Attempts)
}

func TestPoll_CancelStopsPolling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &MockStatusSource{}
	p, _ := newPoller(src)

	res := p.Poll(ctx, "pi_1", 10, 0)
	assert.Equal(t, TimedOut, res.Kind)
	assert.Equal(t, 0, src.Calls)
}
