package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fjod/go_pos/domain"
	"github.com/fjod/go_pos/internal/carts"
	"github.com/fjod/go_pos/internal/realtime"
	"github.com/fjod/go_pos/internal/repository"
	"github.com/fjod/go_pos/internal/service"
)

type testAPI struct {
	intents *MockIntentService
	orders  *MockOrders
	carts   *MockCarts
	handler http.Handler
}

func newTestAPI() *testAPI {
	api := &testAPI{
		intents: &MockIntentService{Intent: &domain.PaymentIntent{Status: domain.IntentStatusProcessing}},
		orders:  &MockOrders{},
		carts:   &MockCarts{Cart: &domain.Cart{ID: "cart-1"}},
	}
	api.handler = NewRouter(RouterConfig{
		Intents:        NewIntentHandler(api.intents, 5*time.Second, nil),
		Orders:         NewOrderHandler(api.orders, api.orders, 5*time.Second, nil),
		Carts:          NewCartHandler(api.carts, 5*time.Second, nil),
		RequestTimeout: 5 * time.Second,
	})
	return api
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&e))
	return e
}

func TestHealth(t *testing.T) {
	rec := newTestAPI().do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCreateIntent(t *testing.T) {
	api := newTestAPI()
	id := uuid.New()
	api.intents.CreateResp = &domain.CreateIntentResponse{IntentID: id, Status: domain.IntentStatusValidating}

	rec := api.do(t, http.MethodPost, "/api/v1/payment-intents", map[string]any{
		"idempotency_key": "key-1",
		"method":          "cash",
		"total":           "19.99",
		"cash_tendered":   "20.00",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp domain.CreateIntentResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, id, resp.IntentID)
	assert.False(t, resp.Idempotent)

	require.NotNil(t, api.intents.LastCreate)
	assert.Equal(t, domain.PaymentMethodCash, api.intents.LastCreate.Method)
	assert.True(t, decimal.RequireFromString("20.00").Equal(*api.intents.LastCreate.CashTendered))
}

func TestCreateIntent_IdempotentReplay(t *testing.T) {
	api := newTestAPI()
	api.intents.CreateResp = &domain.CreateIntentResponse{IntentID: uuid.New(), Status: domain.IntentStatusCompleted, Idempotent: true}

	rec := api.do(t, http.MethodPost, "/api/v1/payment-intents", map[string]any{"idempotency_key": "key-1", "method": "cash"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateIntent_IdempotencyKeyFromHeader(t *testing.T) {
	api := newTestAPI()
	api.intents.CreateResp = &domain.CreateIntentResponse{IntentID: uuid.New()}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payment-intents", bytes.NewBufferString(`{"method":"card"}`))
	req.Header.Set("Idempotency-Key", "header-key")
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "header-key", api.intents.LastCreate.IdempotencyKey)
}

func TestCreateIntent_BadRequests(t *testing.T) {
	tests := []struct {
		name     string
		body     any
		err      error
		wantCode int
		wantErr  string
	}{
		{name: "invalid json", body: "{", wantCode: http.StatusBadRequest, wantErr: CodeInvalidRequest},
		{name: "missing key", body: map[string]any{"method": "cash"}, wantCode: http.StatusBadRequest, wantErr: CodeValidation},
		{
			name:     "validation",
			body:     map[string]any{"idempotency_key": "k", "method": "split"},
			err:      fmt.Errorf("%w: split amounts do not add up", service.ErrValidation),
			wantCode: http.StatusBadRequest,
			wantErr:  CodeValidation,
		},
		{
			name:     "shutting down",
			body:     map[string]any{"idempotency_key": "k", "method": "cash"},
			err:      service.ErrMachineClosed,
			wantCode: http.StatusServiceUnavailable,
			wantErr:  CodeServiceUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI()
			api.intents.Err = tt.err
			rec := api.do(t, http.MethodPost, "/api/v1/payment-intents", tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantErr, decodeError(t, rec).Code)
		})
	}
}

func TestGetIntent(t *testing.T) {
	api := newTestAPI()
	id := uuid.New()

	rec := api.do(t, http.MethodGet, "/api/v1/payment-intents/"+id.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var p domain.PaymentIntent
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&p))
	assert.Equal(t, id, p.ID)

	rec = api.do(t, http.MethodGet, "/api/v1/payment-intents/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	api.intents.Err = fmt.Errorf("load intent: %w", service.ErrIntentNotFound)
	rec = api.do(t, http.MethodGet, "/api/v1/payment-intents/"+id.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, decodeError(t, rec).Code)
}

func TestCancelIntent(t *testing.T) {
	api := newTestAPI()
	id := uuid.New()

	rec := api.do(t, http.MethodPost, "/api/v1/payment-intents/"+id.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []uuid.UUID{id}, api.intents.Cancelled)
}

func TestReportTerminalResult(t *testing.T) {
	api := newTestAPI()
	id := uuid.New()

	rec := api.do(t, http.MethodPost, "/api/v1/payment-intents/"+id.String()+"/terminal-result", map[string]any{
		"approved":     true,
		"auth_code":    "A123",
		"reference_id": "ref-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, api.intents.LastReport)
	assert.Equal(t, id, api.intents.LastReport.IntentID, "intent id comes from the path")
	assert.Equal(t, "A123", api.intents.LastReport.AuthCode)
	assert.True(t, api.intents.LastReport.Approved)
}

func TestReportTerminalResult_Stale(t *testing.T) {
	api := newTestAPI()
	api.intents.Err = fmt.Errorf("%w: reference ref-old", service.ErrStaleReport)

	rec := api.do(t, http.MethodPost, "/api/v1/payment-intents/"+uuid.NewString()+"/terminal-result", map[string]any{"approved": true})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeStaleReport, decodeError(t, rec).Code)
}

func TestInternalErrorsAreHidden(t *testing.T) {
	api := newTestAPI()
	api.intents.Err = errors.New("pq: connection refused to 10.0.0.3")

	rec := api.do(t, http.MethodGet, "/api/v1/payment-intents/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	e := decodeError(t, rec)
	assert.Equal(t, CodeInternal, e.Code)
	assert.NotContains(t, e.Error, "10.0.0.3")
}

func TestGetOrder(t *testing.T) {
	api := newTestAPI()
	id := uuid.New()
	api.orders.Order = &domain.Order{ID: id, OrderNumber: "POS-000001"}

	rec := api.do(t, http.MethodGet, "/api/v1/orders/"+id.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var o domain.Order
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&o))
	assert.Equal(t, "POS-000001", o.OrderNumber)

	api.orders.Err = repository.ErrOrderNotFound
	rec = api.do(t, http.MethodGet, "/api/v1/orders/"+id.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetTerminalConfig(t *testing.T) {
	api := newTestAPI()
	api.orders.Terminal = &domain.TerminalConfig{RegisterID: "reg-1", TerminalID: "T-1", Vendor: "mock", Active: true}

	rec := api.do(t, http.MethodGet, "/api/v1/registers/reg-1/terminal", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg domain.TerminalConfig
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&cfg))
	assert.Equal(t, "T-1", cfg.TerminalID)

	api.orders.Err = repository.ErrTerminalConfigNotFound
	rec = api.do(t, http.MethodGet, "/api/v1/registers/reg-2/terminal", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCartRoutes(t *testing.T) {
	api := newTestAPI()

	rec := api.do(t, http.MethodGet, "/api/v1/carts/cart-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cart-1", api.carts.LastCartID)

	rec = api.do(t, http.MethodGet, "/api/v1/carts?location_id=loc-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "loc-1", api.carts.LastLocation)

	rec = api.do(t, http.MethodGet, "/api/v1/carts", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/carts/cart-1/items", map[string]any{"product_id": 7, "quantity": 2, "location_id": "loc-1"})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, carts.AddItemRequest{LocationID: "loc-1", ProductID: 7, Quantity: 2}, api.carts.LastAdd)

	rec = api.do(t, http.MethodPut, "/api/v1/carts/cart-1/items/7", map[string]any{"quantity": 5})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(7), api.carts.LastProduct)
	assert.Equal(t, int32(5), api.carts.LastQuantity)

	rec = api.do(t, http.MethodDelete, "/api/v1/carts/cart-1/items/7", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/carts/cart-1/discount", map[string]any{"code": "save10"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "save10", api.carts.LastCode)

	rec = api.do(t, http.MethodDelete, "/api/v1/carts/cart-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, api.carts.Cleared)
}

func TestCartRoutes_Errors(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		path     string
		body     any
		err      error
		wantCode int
	}{
		{name: "bad product id", method: http.MethodPut, path: "/api/v1/carts/c/items/abc", body: map[string]any{"quantity": 1}, wantCode: http.StatusBadRequest},
		{name: "non positive product", method: http.MethodPost, path: "/api/v1/carts/c/items", body: map[string]any{"product_id": 0, "quantity": 1}, wantCode: http.StatusBadRequest},
		{name: "invalid quantity", method: http.MethodPut, path: "/api/v1/carts/c/items/1", body: map[string]any{"quantity": 5000}, err: carts.ErrInvalidQuantity, wantCode: http.StatusBadRequest},
		{name: "unknown discount", method: http.MethodPost, path: "/api/v1/carts/c/discount", body: map[string]any{"code": "nope"}, err: carts.ErrInvalidDiscount, wantCode: http.StatusBadRequest},
		{name: "missing cart", method: http.MethodGet, path: "/api/v1/carts/c", err: carts.ErrCartNotFound, wantCode: http.StatusNotFound},
		{name: "missing item", method: http.MethodDelete, path: "/api/v1/carts/c/items/9", err: carts.ErrItemNotFound, wantCode: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI()
			api.carts.Err = tt.err
			rec := api.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestHandleError_Timeout(t *testing.T) {
	api := newTestAPI()
	api.intents.Err = fmt.Errorf("load intent: %w", context.DeadlineExceeded)

	rec := api.do(t, http.MethodGet, "/api/v1/payment-intents/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestRealtimeStreamOutlivesRequestTimeout(t *testing.T) {
	hub := realtime.NewHub(nil)
	defer hub.Close()

	srv := httptest.NewServer(NewRouter(RouterConfig{
		Realtime:       realtime.NewSSEHandler(hub, nil),
		RequestTimeout: 50 * time.Millisecond,
	}))
	defer srv.Close()

	client := realtime.NewSSEClient(srv.URL+"/api/v1/realtime", srv.Client(), realtime.DefaultBackoff(), nil)
	stream, err := client.Subscribe(context.Background(), realtime.Filter{Table: realtime.TableOrders})
	require.NoError(t, err)
	defer stream.Close()
	first := stream.ID()

	time.Sleep(200 * time.Millisecond)
	hub.Publish(realtime.Event{Table: realtime.TableOrders, Type: realtime.EventInsert, Record: []byte(`{"id":"` + uuid.NewString() + `"}`)})

	select {
	case e := <-stream.Events():
		assert.Equal(t, realtime.EventInsert, e.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no event on the realtime stream")
	}
	assert.Equal(t, first, stream.ID(), "stream must not have reconnected")
}
