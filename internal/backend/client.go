// Package backend is the client for the storefront backend: order creation,
// payment status and the customer session.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/overdrive-yt/sportsdevil/domain"
	"github.com/overdrive-yt/sportsdevil/pkg/circuitbreaker"
)

const IdempotencyHeader = "Idempotency-Key"

var (
	ErrNoSession = errors.New("no active session")
	errServer    = errors.New("backend server error")
)

type CreateOrderRequest struct {
	IntentID       string              `json:"intentId"`
	CartSnapshot   domain.CartSnapshot `json:"cartSnapshot"`
	ShippingMethod string              `json:"shippingMethod,omitempty"`
	CouponCode     string              `json:"couponCode,omitempty"`
}

// CreateOrderResponse is returned for every HTTP answer. Classifying the
// status code is left to the caller.
type CreateOrderResponse struct {
	StatusCode int
	Order      *domain.OrderRecord
	// Replayed is set when the backend answered from its idempotency record.
	Replayed bool
}

type PaymentStatus struct {
	PaymentStatus domain.IntentStatus
	Order         *domain.OrderRecord
}

type Session struct {
	UserID string `json:"userId"`
}

type orderBody struct {
	OrderID     string             `json:"orderId"`
	OrderNumber string             `json:"orderNumber"`
	IntentID    string             `json:"intentId"`
	Status      domain.OrderStatus `json:"status"`
	SnapshotRef string             `json:"cartSnapshotRef"`
	Totals      domain.Totals      `json:"totals"`
	Replayed    bool               `json:"replayed"`
}

func (b orderBody) record() *domain.OrderRecord {
	if b.OrderID == "" && b.OrderNumber == "" {
		return nil
	}
	status := b.Status
	if status == "" {
		status = domain.OrderStatusPending
	}
	return &domain.OrderRecord{
		OrderID:         b.OrderID,
		OrderNumber:     b.OrderNumber,
		IntentID:        b.IntentID,
		Status:          status,
		CartSnapshotRef: b.SnapshotRef,
		Totals:          b.Totals,
	}
}

type Client struct {
	baseURL string
	http    *http.Client
	tokens  *TokenSource
	breaker *circuitbreaker.Breaker[*http.Response]
	logger  *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithBreaker(failures uint32, openTimeout time.Duration) Option {
	return func(c *Client) {
		c.breaker = circuitbreaker.New[*http.Response](circuitbreaker.Settings{
			Name:                "backend",
			ConsecutiveFailures: failures,
			OpenTimeout:         openTimeout,
		}, c.logger)
	}
}

func NewClient(baseURL string, tokens *TokenSource, timeout time.Duration, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		tokens: tokens,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Tokens() *TokenSource { return c.tokens }

// CreateOrder posts the order with the intent id as idempotency key. An error
// is only returned when no HTTP answer was received.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (CreateOrderResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return CreateOrderResponse{}, fmt.Errorf("marshal order request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/orders", bytes.NewReader(data))
	if err != nil {
		return CreateOrderResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(IdempotencyHeader, req.IntentID)

	resp, err := c.do(httpReq)
	if err != nil {
		return CreateOrderResponse{}, err
	}
	defer resp.Body.Close()

	out := CreateOrderResponse{StatusCode: resp.StatusCode}
	var body orderBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err == nil {
		out.Order = body.record()
		out.Replayed = body.Replayed
	}
	return out, nil
}

func (c *Client) PaymentStatus(ctx context.Context, intentID string) (PaymentStatus, error) {
	u := c.baseURL + "/payments/status?intentId=" + url.QueryEscape(intentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return PaymentStatus{}, err
	}

	resp, err := c.do(req)
	if err != nil {
		return PaymentStatus{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return PaymentStatus{}, fmt.Errorf("payment status: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		PaymentStatus domain.IntentStatus `json:"paymentStatus"`
		Order         *orderBody          `json:"order"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return PaymentStatus{}, fmt.Errorf("decode payment status: %w", err)
	}

	out := PaymentStatus{PaymentStatus: body.PaymentStatus}
	if body.Order != nil {
		out.Order = body.Order.record()
	}
	return out, nil
}

// Session returns ErrNoSession when the customer is not authenticated.
func (c *Client) Session(ctx context.Context) (Session, error) {
	if !c.tokens.Active() {
		return Session{}, ErrNoSession
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/session", nil)
	if err != nil {
		return Session{}, err
	}
	resp, err := c.do(req)
	if err != nil {
		return Session{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusNoContent:
		return Session{}, ErrNoSession
	case resp.StatusCode != http.StatusOK:
		return Session{}, fmt.Errorf("session: unexpected status %d", resp.StatusCode)
	}

	var s Session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	if s.UserID == "" {
		return Session{}, ErrNoSession
	}
	return s, nil
}

// RefreshSession exchanges the current credentials for a new bearer token.
func (c *Client) RefreshSession(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/session/refresh", nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrNoSession
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("session refresh: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode session refresh: %w", err)
	}
	if body.Token == "" {
		return ErrNoSession
	}
	c.tokens.Set(body.Token)
	return nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if tok := c.tokens.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	req.Header.Set("Accept", "application/json")

	if c.breaker == nil {
		return c.http.Do(req)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		resp, err := c.http.Do(req)
		if err == nil && resp.StatusCode >= 500 {
			return resp, errServer
		}
		return resp, err
	})
	if errors.Is(err, errServer) {
		return resp, nil
	}
	if err != nil {
		c.logger.DebugContext(req.Context(), "backend request failed", slog.String("path", req.URL.Path), slog.Any("error", err))
	}
	return resp, err
}
