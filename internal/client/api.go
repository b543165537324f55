// Package client runs payments from a register: it creates intents on the backend, follows
// them over the realtime channel and drives the local card terminal when asked to.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fjod/go_pos/domain"
)

// error codes returned by the payment service
const (
	codeInvalidRequest = "invalid_request"
	codeValidation     = "validation_error"
	codeNotFound       = "not_found"
	codeStaleReport    = "stale_report"
)

// APIError is a non-2xx answer from the payment service.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error (%d): %s", e.Status, e.Message)
}

func (e *APIError) StatusCode() int { return e.Status }

func IsStaleReport(err error) bool {
	apiErr, ok := asAPIError(err)
	return ok && apiErr.Code == codeStaleReport
}

func IsNotFound(err error) bool {
	apiErr, ok := asAPIError(err)
	return ok && (apiErr.Code == codeNotFound || apiErr.Status == http.StatusNotFound)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// NewHTTPClient returns a traced client. A zero timeout leaves requests unbounded, which the
// realtime stream needs.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// API talks to the payment service over HTTP.
type API struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewAPI(baseURL, token string, client *http.Client) *API {
	if client == nil {
		client = NewHTTPClient(15 * time.Second)
	}
	return &API{baseURL: baseURL, token: token, client: client}
}

func (a *API) CreateIntent(ctx context.Context, req *domain.CreateIntentRequest) (*domain.CreateIntentResponse, error) {
	var resp domain.CreateIntentResponse
	err := a.do(ctx, http.MethodPost, "/api/v1/payment-intents", req, &resp, func(h http.Header) {
		h.Set("Idempotency-Key", req.IdempotencyKey)
	})
	if err != nil {
		return nil, fmt.Errorf("create intent: %w", err)
	}
	return &resp, nil
}

func (a *API) GetIntent(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error) {
	var p domain.PaymentIntent
	if err := a.do(ctx, http.MethodGet, "/api/v1/payment-intents/"+id.String(), nil, &p, nil); err != nil {
		return nil, fmt.Errorf("get intent %s: %w", id, err)
	}
	return &p, nil
}

func (a *API) CancelIntent(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error) {
	var p domain.PaymentIntent
	if err := a.do(ctx, http.MethodPost, "/api/v1/payment-intents/"+id.String()+"/cancel", nil, &p, nil); err != nil {
		return nil, fmt.Errorf("cancel intent %s: %w", id, err)
	}
	return &p, nil
}

func (a *API) ReportTerminalResult(ctx context.Context, rep *domain.TerminalReport) (*domain.PaymentIntent, error) {
	var p domain.PaymentIntent
	path := "/api/v1/payment-intents/" + rep.IntentID.String() + "/terminal-result"
	if err := a.do(ctx, http.MethodPost, path, rep, &p, nil); err != nil {
		return nil, fmt.Errorf("report terminal result for %s: %w", rep.IntentID, err)
	}
	return &p, nil
}

func (a *API) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	var o domain.Order
	if err := a.do(ctx, http.MethodGet, "/api/v1/orders/"+id.String(), nil, &o, nil); err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return &o, nil
}

func (a *API) GetTerminalConfig(ctx context.Context, registerID string) (*domain.TerminalConfig, error) {
	var cfg domain.TerminalConfig
	path := "/api/v1/registers/" + url.PathEscape(registerID) + "/terminal"
	if err := a.do(ctx, http.MethodGet, path, nil, &cfg, nil); err != nil {
		return nil, fmt.Errorf("get terminal config for %s: %w", registerID, err)
	}
	return &cfg, nil
}

func (a *API) do(ctx context.Context, method, path string, in, out any, header func(http.Header)) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	if header != nil {
		header(req.Header)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var eb errorBody
		if json.Unmarshal(respBody, &eb) == nil && eb.Error != "" {
			apiErr.Code, apiErr.Message = eb.Code, eb.Error
		}
		return apiErr
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func asAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}
