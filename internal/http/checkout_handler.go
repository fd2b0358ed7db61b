package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/overdrive-yt/sportsdevil/domain"
	"github.com/overdrive-yt/sportsdevil/internal/cart"
	"github.com/overdrive-yt/sportsdevil/internal/orchestrator"
)

// Orchestrators hands out the per-user checkout orchestrator.
type Orchestrators interface {
	Get(userID string) (*orchestrator.Orchestrator, error)
}

type CheckoutHandler struct {
	orchestrators Orchestrators
	carts         cart.Store
	validate      *validator.Validate
	timeout       time.Duration
	logger        *slog.Logger
}

func NewCheckoutHandler(orchestrators Orchestrators, carts cart.Store, validate *validator.Validate, timeout time.Duration, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		orchestrators: orchestrators,
		carts:         carts,
		validate:      validate,
		timeout:       timeout,
		logger:        logger,
	}
}

type BillingDTO struct {
	Name       string `json:"name" validate:"required"`
	Email      string `json:"email" validate:"required,email"`
	Line1      string `json:"line1"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country" validate:"omitempty,len=2"`
}

// StartCheckoutRequestDTO starts an attempt. Without lines the user's stored
// cart is checked out.
type StartCheckoutRequestDTO struct {
	Lines          []domain.CartLine `json:"lines" validate:"omitempty,dive"`
	ShippingMethod string            `json:"shipping_method" validate:"required"`
	ShippingMinor  int64             `json:"shipping_minor" validate:"gte=0"`
	DiscountMinor  int64             `json:"discount_minor" validate:"gte=0"`
	CouponCode     string            `json:"coupon_code"`
	Currency       string            `json:"currency" validate:"omitempty,len=3"`
	PaymentMethod  string            `json:"payment_method" validate:"required"`
	Billing        BillingDTO        `json:"billing" validate:"required"`
}

type StartCheckoutResponseDTO struct {
	AttemptID string               `json:"attempt_id"`
	State     domain.CheckoutState `json:"state"`
	Total     string               `json:"total"`
	Currency  string               `json:"currency"`
}

// POST /api/v1/checkout
func (h *CheckoutHandler) Start(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	userID := getUserIDFromContext(ctx)

	var req StartCheckoutRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondValidationError(w, err)
		return
	}

	lines := req.Lines
	if len(lines) == 0 {
		c, err := h.carts.Get(ctx, userID)
		if err != nil && !errors.Is(err, cart.ErrCartNotFound) {
			h.logger.ErrorContext(ctx, "failed to load cart for checkout", slog.String("user_id", userID), slog.Any("error", err))
			respondError(w, http.StatusServiceUnavailable, "cart_unavailable", "cart could not be loaded")
			return
		}
		if c != nil {
			lines = c.Items
		}
	}
	snapshot, err := domain.NewCartSnapshot(lines, req.ShippingMinor, req.DiscountMinor, req.Currency)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_cart", err.Error())
		return
	}

	o, err := h.orchestrators.Get(userID)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "shutting_down", "checkout is not available")
		return
	}

	attemptID, err := o.Start(ctx, orchestrator.StartRequest{
		Snapshot:       snapshot,
		ShippingMethod: req.ShippingMethod,
		CouponCode:     req.CouponCode,
		Billing: domain.BillingDetails{
			PaymentMethodID: req.PaymentMethod,
			Name:            req.Billing.Name,
			Email:           req.Billing.Email,
			Line1:           req.Billing.Line1,
			City:            req.Billing.City,
			PostalCode:      req.Billing.PostalCode,
			Country:         req.Billing.Country,
		},
	})
	switch {
	case errors.Is(err, orchestrator.ErrConcurrentCheckout):
		respondJSON(w, http.StatusConflict, ErrorResponse{
			Error:   domain.FailureConcurrentCheckout.UserGuidance(),
			Code:    "concurrent_checkout",
			Details: attemptID,
		})
		return
	case errors.Is(err, domain.ErrEmptyCart):
		respondError(w, http.StatusBadRequest, "invalid_cart", err.Error())
		return
	case errors.Is(err, orchestrator.ErrClosed):
		respondError(w, http.StatusServiceUnavailable, "shutting_down", "checkout is not available")
		return
	case err != nil:
		h.logger.ErrorContext(ctx, "failed to start checkout", slog.String("user_id", userID), slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	respondJSON(w, http.StatusAccepted, StartCheckoutResponseDTO{
		AttemptID: attemptID,
		State:     o.State(),
		Total:     domain.MajorUnits(snapshot.Totals.TotalMinor),
		Currency:  snapshot.Currency,
	})
}

// POST /api/v1/checkout/abort
func (h *CheckoutHandler) Abort(w http.ResponseWriter, r *http.Request) {
	o, ok := h.orchestrator(w, r)
	if !ok {
		return
	}

	switch err := o.Abort(); {
	case errors.Is(err, orchestrator.ErrCannotAbortAfterCharge):
		respondError(w, http.StatusConflict, "cannot_abort_after_charge", "payment was already taken, the order is being completed")
	case errors.Is(err, orchestrator.ErrNothingToAbort):
		respondError(w, http.StatusConflict, "nothing_to_abort", err.Error())
	case err != nil:
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	default:
		respondJSON(w, http.StatusOK, o.Status())
	}
}

// POST /api/v1/checkout/reset
func (h *CheckoutHandler) Reset(w http.ResponseWriter, r *http.Request) {
	o, ok := h.orchestrator(w, r)
	if !ok {
		return
	}

	if err := o.Reset(); err != nil {
		respondError(w, http.StatusConflict, "attempt_in_progress", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, o.Status())
}

// GET /api/v1/checkout
func (h *CheckoutHandler) Status(w http.ResponseWriter, r *http.Request) {
	o, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, o.Status())
}

// GET /api/v1/checkout/events streams state changes as server-sent events,
// starting with the current status.
func (h *CheckoutHandler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming is not supported")
		return
	}
	o, ok := h.orchestrator(w, r)
	if !ok {
		return
	}

	changes, unsubscribe := o.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "status", o.Status()); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()
	for {
		select {
		case change, open := <-changes:
			if !open {
				return
			}
			if err := writeEvent(w, "state", change); err != nil {
				h.logger.DebugContext(r.Context(), "event stream closed", slog.Any("error", err))
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, body)
	return err
}

func (h *CheckoutHandler) orchestrator(w http.ResponseWriter, r *http.Request) (*orchestrator.Orchestrator, bool) {
	o, err := h.orchestrators.Get(getUserIDFromContext(r.Context()))
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "shutting_down", "checkout is not available")
		return nil, false
	}
	return o, true
}
