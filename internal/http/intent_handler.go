package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fjod/go_pos/domain"
	"github.com/fjod/go_pos/pkg/logger"
)

// IntentService is implemented by service.Machine.
type IntentService interface {
	Create(ctx context.Context, req *domain.CreateIntentRequest) (*domain.CreateIntentResponse, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error)
	Cancel(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error)
	ReportTerminalResult(ctx context.Context, rep *domain.TerminalReport) (*domain.PaymentIntent, error)
}

type IntentHandler struct {
	intents IntentService
	timeout time.Duration
	log     *logger.Logger
}

func NewIntentHandler(intents IntentService, timeout time.Duration, log *logger.Logger) *IntentHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &IntentHandler{intents: intents, timeout: timeout, log: log.WithComponent("intent-handler")}
}

// POST /api/v1/payment-intents
func (h *IntentHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req domain.CreateIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid JSON body")
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		respondError(w, http.StatusBadRequest, CodeValidation, "idempotency_key is required")
		return
	}

	resp, err := h.intents.Create(ctx, &req)
	if err != nil {
		handleError(w, r, h.log, err)
		return
	}

	status := http.StatusCreated
	if resp.Idempotent {
		status = http.StatusOK
	}
	respondJSON(w, status, resp)
}

// GET /api/v1/payment-intents/{id}
func (h *IntentHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	p, err := h.intents.Get(ctx, id)
	if err != nil {
		handleError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// POST /api/v1/payment-intents/{id}/cancel
func (h *IntentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	p, err := h.intents.Cancel(ctx, id)
	if err != nil {
		handleError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// POST /api/v1/payment-intents/{id}/terminal-result
func (h *IntentHandler) ReportTerminalResult(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	var rep domain.TerminalReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		respondError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid JSON body")
		return
	}
	rep.IntentID = id

	p, err := h.intents.ReportTerminalResult(ctx, &rep)
	if err != nil {
		handleError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		respondError(w, http.StatusBadRequest, CodeInvalidRequest, name+" must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}
