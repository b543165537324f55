package client

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/fjod/go_pos/internal/usererr"
)

var ErrPaymentInProgress = errors.New("a payment is already in progress")

type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindNetwork           ErrorKind = "network"
	KindTerminalTransient ErrorKind = "terminal_transient"
	KindTerminalDeclined  ErrorKind = "terminal_declined"
	KindConfiguration     ErrorKind = "configuration"
	KindServerFailure     ErrorKind = "server_failure"
	KindCancelled         ErrorKind = "cancelled"
	KindStaleReport       ErrorKind = "stale_report"
)

// PaymentError is what Submit returns when a payment does not complete. Message is safe to
// show; Err keeps the cause for logs.
type PaymentError struct {
	Kind     ErrorKind
	IntentID uuid.UUID
	Message  string
	Err      error
}

func (e *PaymentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payment %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("payment %s: %s", e.Kind, e.Message)
}

func (e *PaymentError) Unwrap() error { return e.Err }

// Category maps the error onto the fixed set shown to the cashier.
func (e *PaymentError) Category() usererr.Category {
	switch e.Kind {
	case KindValidation, KindTerminalDeclined, KindConfiguration:
		return usererr.ContentRejected
	case KindTerminalTransient:
		return usererr.ServiceUnavailable
	case KindNetwork:
		if c := usererr.Categorize(e.Err); c != "" && c != usererr.Failed {
			return c
		}
		return usererr.NoConnection
	}
	return usererr.Failed
}

// IsCancelled is true for payments stopped by the operator or by the backend. Those are not
// shown as failures.
func (e *PaymentError) IsCancelled() bool {
	return e.Kind == KindCancelled
}

func newPaymentError(kind ErrorKind, id uuid.UUID, msg string, err error) *PaymentError {
	return &PaymentError{Kind: kind, IntentID: id, Message: msg, Err: err}
}

// classifyAPIError turns a failed backend call into a payment error.
func classifyAPIError(id uuid.UUID, op string, err error) *PaymentError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == codeValidation || apiErr.Code == codeInvalidRequest:
			return newPaymentError(KindValidation, id, apiErr.Message, err)
		case apiErr.Code == codeStaleReport:
			return newPaymentError(KindStaleReport, id, apiErr.Message, err)
		case apiErr.Status >= 500 && apiErr.Status != 503 && apiErr.Status != 504:
			return newPaymentError(KindServerFailure, id, op+" failed", err)
		}
	}
	return newPaymentError(KindNetwork, id, op+" failed", err)
}
