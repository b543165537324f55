package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fjod/go_pos/domain"
	"github.com/fjod/go_pos/internal/carts"
	"github.com/fjod/go_pos/pkg/logger"
)

// CartService is implemented by carts.Service.
type CartService interface {
	GetCart(ctx context.Context, cartID string) (*domain.Cart, error)
	ListCarts(ctx context.Context, locationID string) ([]*domain.Cart, error)
	AddItem(ctx context.Context, cartID string, req carts.AddItemRequest) (*domain.Cart, error)
	UpdateQuantity(ctx context.Context, cartID string, productID int64, quantity int32) (*domain.Cart, error)
	RemoveItem(ctx context.Context, cartID string, productID int64) (*domain.Cart, error)
	ApplyDiscount(ctx context.Context, cartID, code string) (*domain.Cart, error)
	ClearCart(ctx context.Context, cartID string) error
}

type CartHandler struct {
	carts   CartService
	timeout time.Duration
	log     *logger.Logger
}

func NewCartHandler(carts CartService, timeout time.Duration, log *logger.Logger) *CartHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &CartHandler{carts: carts, timeout: timeout, log: log.WithComponent("cart-handler")}
}

type UpdateQuantityRequestDTO struct {
	Quantity int32 `json:"quantity"`
}

type DiscountRequestDTO struct {
	Code string `json:"code"`
}

// GET /api/v1/carts/{id}
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	c, err := h.carts.GetCart(ctx, chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// GET /api/v1/carts?location_id=...
func (h *CartHandler) ListCarts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	locationID := r.URL.Query().Get("location_id")
	if locationID == "" {
		respondError(w, http.StatusBadRequest, CodeValidation, "location_id is required")
		return
	}
	list, err := h.carts.ListCarts(ctx, locationID)
	if err != nil {
		handleError(w, r, h.log, err)
		return
	}
	if list == nil {
		list = []*domain.Cart{}
	}
	respondJSON(w, http.StatusOK, list)
}

// POST /api/v1/carts/{id}/items
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req carts.AddItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.ProductID <= 0 {
		respondError(w, http.StatusBadRequest, CodeValidation, "product_id must be positive")
		return
	}

	c, err := h.carts.AddItem(ctx, chi.URLParam(r, "id"), req)
	if err != nil {
		handleError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusCreated, c)
}

// PUT /api/v1/carts/{id}/items/{product_id}
func (h *CartHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	productID, ok := parseProductID(w, r)
	if !ok {
		return
	}
	var req UpdateQuantityRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid JSON body")
		return
	}

	c, err := h.carts.UpdateQuantity(ctx, chi.URLParam(r, "id"), productID, req.Quantity)
	if err != nil {
		handleError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// DELETE /api/v1/carts/{id}/items/{product_id}
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	productID, ok := parseProductID(w, r)
	if !ok {
		return
	}
	c, err := h.carts.RemoveItem(ctx, chi.URLParam(r, "id"), productID)
	if err != nil {
		handleError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// POST /api/v1/carts/{id}/discount
func (h *CartHandler) ApplyDiscount(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req DiscountRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid JSON body")
		return
	}
	c, err := h.carts.ApplyDiscount(ctx, chi.URLParam(r, "id"), req.Code)
	if err != nil {
		handleError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// DELETE /api/v1/carts/{id}
func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.carts.ClearCart(ctx, chi.URLParam(r, "id")); err != nil {
		handleError(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseProductID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "product_id"), 10, 64)
	if err != nil || productID <= 0 {
		respondError(w, http.StatusBadRequest, CodeInvalidRequest, "product_id must be a positive integer")
		return 0, false
	}
	return productID, true
}
