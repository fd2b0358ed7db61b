package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overdrive-yt/sportsdevil/domain"
	"github.com/overdrive-yt/sportsdevil/internal/backend"
	"github.com/overdrive-yt/sportsdevil/pkg/logger"
)

type MockBackend struct {
	SessionErr  error
	RefreshErr  error
	Responses   []backend.CreateOrderResponse
	Errors      []error
	Requests    []backend.CreateOrderRequest
	Refreshes   int
	SessionHits int
}

func (m *MockBackend) Session(context.Context) (backend.Session, error) {
	m.SessionHits++
	return backend.Session{UserID: "u1"}, m.SessionErr
}

func (m *MockBackend) RefreshSession(context.Context) error {
	m.Refreshes++
	return m.RefreshErr
}

func (m *MockBackend) CreateOrder(_ context.Context, req backend.CreateOrderRequest) (backend.CreateOrderResponse, error) {
	i := len(m.Requests)
	m.Requests = append(m.Requests, req)
	if i < len(m.Errors) && m.Errors[i] != nil {
		return backend.CreateOrderResponse{}, m.Errors[i]
	}
	if i < len(m.Responses) {
		return m.Responses[i], nil
	}
	return backend.CreateOrderResponse{StatusCode: http.StatusInternalServerError}, nil
}

type recordingSleeper struct {
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func created(number string) backend.CreateOrderResponse {
	return backend.CreateOrderResponse{
		StatusCode: http.StatusCreated,
		Order:      &domain.OrderRecord{OrderID: "o-" + number, OrderNumber: number, Status: domain.OrderStatusConfirmed},
	}
}

func serverError() backend.CreateOrderResponse {
	return backend.CreateOrderResponse{StatusCode: http.StatusInternalServerError}
}

var snapshot = domain.CartSnapshot{
	Lines:  []domain.CartLine{{ProductID: "p1", Quantity: 1, UnitPriceMinor: 5000}},
	Totals: domain.Totals{SubtotalMinor: 5000, TotalMinor: 5000},
}

func newReconciler(b Backend) (*Reconciler, *recordingSleeper) {
	s := &recordingSleeper{}
	return New(b, DefaultPolicy, logger.Nop(), WithSleeper(s.Sleep)), s
}

func TestCreateOrder_FirstAttemptSucceeds(t *testing.T) {
	b := &MockBackend{Responses: []backend.CreateOrderResponse{created("SD-1")}}
	r, sleeper := newReconciler(b)

	res := r.CreateOrder(context.Background(), "pi_1", snapshot, "standard", "")
	assert.Equal(t, Created, res.Kind)
	assert.Equal(t, "SD-1", res.Order.OrderNumber)
	assert.Equal(t, "pi_1", res.Order.IntentID)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, sleeper.delays)
}

func TestCreateOrder_RetriesServerErrorsWithSameIntent(t *testing.T) {
	b := &MockBackend{Responses: []backend.CreateOrderResponse{serverError(), serverError(), created("SD-2")}}
	r, sleeper := newReconciler(b)

	res := r.CreateOrder(context.Background(), "pi_2", snapshot, "", "")
	require.True(t, res.Succeeded())
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.delays)

	require.Len(t, b.Requests, 3)
	for _, req := range b.Requests {
		assert.Equal(t, "pi_2", req.IntentID)
	}
}

func TestCreateOrder_TransportErrorsAreRetried(t *testing.T) {
	b := &MockBackend{
		Errors:    []error{errors.New("connection refused")},
		Responses: []backend.CreateOrderResponse{{}, created("SD-3")},
	}
	r, _ := newReconciler(b)

	res := r.CreateOrder(context.Background(), "pi_3", snapshot, "", "")
	assert.Equal(t, Created, res.Kind)
	assert.Equal(t, 2, res.Attempts)
}

func TestCreateOrder_Exhausted(t *testing.T) {
	b := &MockBackend{}
	r, sleeper := newReconciler(b)

	res := r.CreateOrder(context.Background(), "pi_4", snapshot, "", "")
	assert.Equal(t, Failed, res.Kind)
	assert.Equal(t, domain.FailureOrderCreationExhausted, res.Failure)
	assert.Len(t, b.Requests, 3)
	// no sleep after the final attempt
	assert.Len(t, sleeper.delays, 2)
}

func TestCreateOrder_ClientErrorFailsImmediately(t *testing.T) {
	b := &MockBackend{Responses: []backend.CreateOrderResponse{{StatusCode: http.StatusUnprocessableEntity}}}
	r, sleeper := newReconciler(b)

	res := r.CreateOrder(context.Background(), "pi_5", snapshot, "", "")
	assert.Equal(t, Failed, res.Kind)
	assert.Equal(t, domain.FailureOrderRejected, res.Failure)
	assert.Len(t, b.Requests, 1)
	assert.Empty(t, sleeper.delays)
}

func TestCreateOrder_UnauthorizedRefreshesAndResubmits(t *testing.T) {
	b := &MockBackend{Responses: []backend.CreateOrderResponse{{StatusCode: http.StatusUnauthorized}, created("SD-6")}}
	r, sleeper := newReconciler(b)

	res := r.CreateOrder(context.Background(), "pi_6", snapshot, "", "")
	assert.Equal(t, Created, res.Kind)
	assert.Equal(t, 1, b.Refreshes)
	assert.Empty(t, sleeper.delays)
}

func TestCreateOrder_UnauthorizedAndRefreshFails(t *testing.T) {
	b := &MockBackend{
		RefreshErr: backend.ErrNoSession,
		Responses:  []backend.CreateOrderResponse{{StatusCode: http.StatusUnauthorized}},
	}
	r, _ := newReconciler(b)

	res := r.CreateOrder(context.Background(), "pi_7", snapshot, "", "")
	assert.Equal(t, domain.FailureSessionExpired, res.Failure)
}

func TestCreateOrder_MissingSessionIsRefreshedOnce(t *testing.T) {
	b := &MockBackend{SessionErr: backend.ErrNoSession, Responses: []backend.CreateOrderResponse{created("SD-8")}}
	r, _ := newReconciler(b)

	res := r.CreateOrder(context.Background(), "pi_8", snapshot, "", "")
	assert.Equal(t, Created, res.Kind)
	assert.Equal(t, 1, b.Refreshes)

	b = &MockBackend{SessionErr: backend.ErrNoSession, RefreshErr: errors.New("refresh token revoked")}
	r, _ = newReconciler(b)
	res = r.CreateOrder(context.Background(), "pi_8", snapshot, "", "")
	assert.Equal(t, domain.FailureSessionExpired, res.Failure)
	assert.Empty(t, b.Requests)
}

func TestCreateOrder_ConflictIsSuccess(t *testing.T) {
	existing := &domain.OrderRecord{OrderID: "o9", OrderNumber: "SD-9", IntentID: "pi_9"}
	b := &MockBackend{Responses: []backend.CreateOrderResponse{{StatusCode: http.StatusConflict, Order: existing}}}
	r, _ := newReconciler(b)

	res := r.CreateOrder(context.Background(), "pi_9", snapshot, "", "")
	assert.Equal(t, Conflict, res.Kind)
	assert.True(t, res.Succeeded())
	assert.Equal(t, "SD-9", res.Order.OrderNumber)
}

func TestCreateOrder_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := New(&MockBackend{}, DefaultPolicy, logger.Nop())

	res := r.CreateOrder(ctx, "pi_10", snapshot, "", "")
	assert.Equal(t, domain.FailureOrderCreationExhausted, res.Failure)
}

// orderServer is a backend that enforces one order per intent, the way the real one does.
func orderServer(t *testing.T, failFirst int) (*httptest.Server, func() int) {
	var mu sync.Mutex
	orders := map[string]string{}
	calls := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		if r.URL.Path == "/session" {
			_ = json.NewEncoder(w).Encode(backend.Session{UserID: "u1"})
			return
		}

		calls++
		intent := r.Header.Get(backend.IdempotencyHeader)
		if _, ok := orders[intent]; !ok {
			orders[intent] = "SD-100"
		}
		if calls <= failFirst {
			// the order was stored but the response got lost
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if calls > 1 {
			w.WriteHeader(http.StatusConflict)
		} else {
			w.WriteHeader(http.StatusCreated)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"orderId": "o100", "orderNumber": orders[intent], "intentId": intent})
	}))
	t.Cleanup(srv.Close)

	return srv, func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(orders)
	}
}

func TestCreateOrder_TwiceWithSameIntentYieldsOneOrder(t *testing.T) {
	srv, orderCount := orderServer(t, 0)
	client := backend.NewClient(srv.URL, backend.NewTokenSource("tok"), time.Second, logger.Nop())
	r, _ := newReconciler(client)

	first := r.CreateOrder(context.Background(), "pi_dup", snapshot, "", "")
	second := r.CreateOrder(context.Background(), "pi_dup", snapshot, "", "")

	assert.Equal(t, Created, first.Kind)
	assert.Equal(t, Conflict, second.Kind)
	assert.Equal(t, first.Order.OrderNumber, second.Order.OrderNumber)
	assert.Equal(t, 1, orderCount())
}

func TestCreateOrder_RetryAfterLostResponseLandsOnConflict(t *testing.T) {
	srv, orderCount := orderServer(t, 1)
	client := backend.NewClient(srv.URL, backend.NewTokenSource("tok"), time.Second, logger.Nop())
	r, _ := newReconciler(client)

	res := r.CreateOrder(context.Background(), "pi_lost", snapshot, "", "")
	assert.Equal(t, Conflict, res.Kind)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, orderCount())
}
