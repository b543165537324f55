// Package terminal abstracts a physical or mocked card terminal behind sale/void/refund
// capabilities and carries the retry and timeout policy for talking to it.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/shopspring/decimal"
)

var (
	// transient: the same request may succeed if retried
	ErrBusy    = errors.New("terminal busy")
	ErrTimeout = errors.New("terminal timeout")
	ErrNetwork = errors.New("terminal unreachable")

	// permanent
	ErrDeclined      = errors.New("card declined")
	ErrInvalidConfig = errors.New("invalid terminal configuration")
)

type SaleRequest struct {
	Amount      decimal.Decimal
	Currency    string
	ReferenceID string
}

type RefundRequest struct {
	TransactionID string
	Amount        decimal.Decimal
	ReferenceID   string
}

type Result struct {
	TransactionID string
	AuthCode      string
	CardType      string
	Last4         string
}

// Client is implemented per vendor. Declines are returned as errors wrapping ErrDeclined.
type Client interface {
	Sale(ctx context.Context, req SaleRequest) (*Result, error)
	Void(ctx context.Context, transactionID string) error
	Refund(ctx context.Context, req RefundRequest) (*Result, error)
}

// DeclineError carries the processor's decline reason.
type DeclineError struct {
	Reason string
}

func (e *DeclineError) Error() string {
	return fmt.Sprintf("card declined: %s", e.Reason)
}

func (e *DeclineError) Unwrap() error {
	return ErrDeclined
}

// IsTransient reports whether a terminal error is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBusy) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrNetwork) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
