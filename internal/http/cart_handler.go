package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/overdrive-yt/sportsdevil/domain"
	"github.com/overdrive-yt/sportsdevil/internal/cart"
)

// CartStore is what the cart endpoints need: contents plus the lock state the
// UI uses to disable cart mutation during checkout.
type CartStore interface {
	cart.Store
	IsLocked(ctx context.Context, userID string) (bool, error)
}

type CartHandler struct {
	store    CartStore
	validate *validator.Validate
	timeout  time.Duration
	logger   *slog.Logger
}

func NewCartHandler(store CartStore, validate *validator.Validate, timeout time.Duration, logger *slog.Logger) *CartHandler {
	return &CartHandler{store: store, validate: validate, timeout: timeout, logger: logger}
}

type UpdateQuantityRequestDTO struct {
	ProductID     string `json:"product_id" validate:"required"`
	SelectedColor string `json:"selected_color"`
	SelectedSize  string `json:"selected_size"`
	Quantity      int    `json:"quantity" validate:"gt=0,lte=99"`
}

type RemoveItemRequestDTO struct {
	ProductID     string `json:"product_id" validate:"required"`
	SelectedColor string `json:"selected_color"`
	SelectedSize  string `json:"selected_size"`
}

type CartResponseDTO struct {
	UserID        string            `json:"user_id"`
	Items         []domain.CartLine `json:"items"`
	SubtotalMinor int64             `json:"subtotal_minor"`
	Subtotal      string            `json:"subtotal"`
	Locked        bool              `json:"locked"`
}

type LockedResponseDTO struct {
	Locked bool `json:"locked"`
}

// GET /api/v1/cart
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	userID := getUserIDFromContext(ctx)

	c, err := h.store.Get(ctx, userID)
	if errors.Is(err, cart.ErrCartNotFound) {
		c = &domain.Cart{UserID: userID}
	} else if err != nil {
		h.handleCartError(w, r, err)
		return
	}
	locked, err := h.store.IsLocked(ctx, userID)
	if err != nil {
		h.handleCartError(w, r, err)
		return
	}

	subtotal, err := domain.Subtotal(c.Items)
	if err != nil {
		h.handleCartError(w, r, err)
		return
	}
	items := c.Items
	if items == nil {
		items = []domain.CartLine{}
	}
	respondJSON(w, http.StatusOK, CartResponseDTO{
		UserID:        userID,
		Items:         items,
		SubtotalMinor: subtotal,
		Subtotal:      domain.MajorUnits(subtotal),
		Locked:        locked,
	})
}

// POST /api/v1/cart/items
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req domain.CartLine
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.store.AddItem(ctx, getUserIDFromContext(ctx), req); err != nil {
		h.handleCartError(w, r, err)
		return
	}
	h.GetCart(w, r)
}

// PUT /api/v1/cart/items
func (h *CartHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req UpdateQuantityRequestDTO
	if !h.decode(w, r, &req) {
		return
	}
	key := domain.LineKey{ProductID: req.ProductID, SelectedColor: req.SelectedColor, SelectedSize: req.SelectedSize}
	if err := h.store.UpdateQuantity(ctx, getUserIDFromContext(ctx), key, req.Quantity); err != nil {
		h.handleCartError(w, r, err)
		return
	}
	h.GetCart(w, r)
}

// DELETE /api/v1/cart/items
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req RemoveItemRequestDTO
	if !h.decode(w, r, &req) {
		return
	}
	key := domain.LineKey{ProductID: req.ProductID, SelectedColor: req.SelectedColor, SelectedSize: req.SelectedSize}
	if err := h.store.RemoveItem(ctx, getUserIDFromContext(ctx), key); err != nil {
		h.handleCartError(w, r, err)
		return
	}
	h.GetCart(w, r)
}

// GET /api/v1/cart/locked
func (h *CartHandler) Locked(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	locked, err := h.store.IsLocked(ctx, getUserIDFromContext(ctx))
	if err != nil {
		h.handleCartError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, LockedResponseDTO{Locked: locked})
}

func (h *CartHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		respondValidationError(w, err)
		return false
	}
	return true
}

func (h *CartHandler) handleCartError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, cart.ErrCartLocked):
		respondError(w, http.StatusConflict, "cart_locked", "cart cannot change while checkout is in progress")
	case errors.Is(err, cart.ErrCartNotFound), errors.Is(err, cart.ErrItemNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrInvalidQuantity):
		respondError(w, http.StatusBadRequest, "invalid_quantity", err.Error())
	case errors.Is(err, domain.ErrInvalidAmount):
		respondError(w, http.StatusUnprocessableEntity, "invalid_amount", err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "cart request failed", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
