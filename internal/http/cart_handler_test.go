package http

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overdrive-yt/sportsdevil/domain"
	"github.com/overdrive-yt/sportsdevil/internal/cart"
	"github.com/overdrive-yt/sportsdevil/pkg/logger"
)

func TestGetCart_Empty(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/cart", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp CartResponseDTO
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, testUser, resp.UserID)
	assert.Empty(t, resp.Items)
	assert.Equal(t, "0.00", resp.Subtotal)
	assert.False(t, resp.Locked)
}

func TestCartItems_AddUpdateRemove(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/cart/items", ball)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp CartResponseDTO
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Items, 1)
	assert.Equal(t, int64(3998), resp.SubtotalMinor)

	rec = ts.do(t, http.MethodPut, "/api/v1/cart/items", UpdateQuantityRequestDTO{ProductID: "ball", Quantity: 5})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp = CartResponseDTO{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 5, resp.Items[0].Quantity)
	assert.Equal(t, "99.95", resp.Subtotal)

	rec = ts.do(t, http.MethodDelete, "/api/v1/cart/items", RemoveItemRequestDTO{ProductID: "ball"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp = CartResponseDTO{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Empty(t, resp.Items)
}

func TestCartItems_Errors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		body   any
		status int
		code   string
	}{
		{name: "add without product", method: http.MethodPost, body: domain.CartLine{Quantity: 1}, status: http.StatusBadRequest, code: "validation_failed"},
		{name: "add zero quantity", method: http.MethodPost, body: domain.CartLine{ProductID: "ball"}, status: http.StatusBadRequest, code: "validation_failed"},
		{name: "update out of range", method: http.MethodPut, body: UpdateQuantityRequestDTO{ProductID: "ball", Quantity: 100}, status: http.StatusBadRequest, code: "validation_failed"},
		{name: "update unknown cart", method: http.MethodPut, body: UpdateQuantityRequestDTO{ProductID: "ball", Quantity: 1}, status: http.StatusNotFound, code: "not_found"},
		{name: "remove unknown cart", method: http.MethodDelete, body: RemoveItemRequestDTO{ProductID: "ball"}, status: http.StatusNotFound, code: "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)

			rec := ts.do(t, tt.method, "/api/v1/cart/items", tt.body)

			assert.Equal(t, tt.status, rec.Code)
			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.code, resp.Code)
		})
	}
}

func TestGetCart_OverflowingSubtotal(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.store.AddItem(context.Background(), testUser,
		domain.CartLine{ProductID: "ball", Quantity: 2, UnitPriceMinor: math.MaxInt64/2 + 1}))

	rec := ts.do(t, http.MethodGet, "/api/v1/cart", nil)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_amount")
}

type failingStore struct {
	*cart.MemoryStore
}

func (failingStore) IsLocked(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestCartLocked_StoreFailure(t *testing.T) {
	h := NewCartHandler(failingStore{cart.NewMemoryStore(time.Minute)}, validator.New(), time.Second, logger.Nop())
	r := chi.NewRouter()
	r.With(UserIDMiddleware).Get("/api/v1/cart/locked", h.Locked)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart/locked", nil)
	req.Header.Set(UserIDHeader, testUser)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal_error")
}
