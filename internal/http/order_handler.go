package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fjod/go_pos/domain"
	"github.com/fjod/go_pos/pkg/logger"
)

type OrderReader interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
}

type TerminalConfigReader interface {
	GetTerminalConfig(ctx context.Context, registerID string) (*domain.TerminalConfig, error)
}

type OrderHandler struct {
	orders    OrderReader
	terminals TerminalConfigReader
	timeout   time.Duration
	log       *logger.Logger
}

func NewOrderHandler(orders OrderReader, terminals TerminalConfigReader, timeout time.Duration, log *logger.Logger) *OrderHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &OrderHandler{orders: orders, terminals: terminals, timeout: timeout, log: log.WithComponent("order-handler")}
}

// GET /api/v1/orders/{id}
// Realtime order rows carry no items, so clients re-fetch the joined order here.
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	o, err := h.orders.GetOrder(ctx, id)
	if err != nil {
		handleError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

// GET /api/v1/registers/{id}/terminal
func (h *OrderHandler) GetTerminalConfig(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	registerID := strings.TrimSpace(chi.URLParam(r, "id"))
	if registerID == "" {
		respondError(w, http.StatusBadRequest, CodeInvalidRequest, "register id is required")
		return
	}
	cfg, err := h.terminals.GetTerminalConfig(ctx, registerID)
	if err != nil {
		handleError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}
