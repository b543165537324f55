// Package usererr turns arbitrary errors into the handful of categories the register shows to
// a cashier, each with a short message and whether trying again makes sense.
package usererr

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/fjod/go_pos/internal/terminal"
)

type Category string

const (
	Timeout            Category = "timeout"
	NoConnection       Category = "no_connection"
	RateLimited        Category = "rate_limited"
	AuthExpired        Category = "auth_expired"
	ServiceUnavailable Category = "service_unavailable"
	ContentRejected    Category = "content_rejected"
	TooLong            Category = "too_long"
	Failed             Category = "failed"
)

// Retryable reports whether the same action may succeed if repeated unchanged.
func (c Category) Retryable() bool {
	switch c {
	case Timeout, NoConnection, RateLimited, ServiceUnavailable:
		return true
	}
	return false
}

func (c Category) Message() string {
	switch c {
	case Timeout:
		return "The request took too long. Please try again."
	case NoConnection:
		return "No connection. Check the network and try again."
	case RateLimited:
		return "Too many requests. Wait a moment and try again."
	case AuthExpired:
		return "Your session has expired. Please sign in again."
	case ServiceUnavailable:
		return "The service is temporarily unavailable. Please try again shortly."
	case ContentRejected:
		return "The request was rejected. Check the details and try again."
	case TooLong:
		return "The request is too large."
	default:
		return "Something went wrong."
	}
}

// StatusCoder is implemented by errors that carry an HTTP status, e.g. API client errors.
type StatusCoder interface {
	StatusCode() int
}

func Categorize(err error) Category {
	if err == nil {
		return ""
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		if c, ok := fromStatus(sc.StatusCode()); ok {
			return c
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, terminal.ErrTimeout):
		return Timeout
	case errors.Is(err, terminal.ErrNetwork),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ENETUNREACH):
		return NoConnection
	case errors.Is(err, terminal.ErrBusy):
		return ServiceUnavailable
	case errors.Is(err, terminal.ErrDeclined), errors.Is(err, terminal.ErrInvalidConfig):
		return ContentRejected
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NoConnection
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Timeout
		}
		return NoConnection
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "too long"), strings.Contains(msg, "too large"):
		return TooLong
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return Timeout
	}
	return Failed
}

func fromStatus(code int) (Category, bool) {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return Timeout, true
	case code == http.StatusTooManyRequests:
		return RateLimited, true
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return AuthExpired, true
	case code == http.StatusRequestEntityTooLarge:
		return TooLong, true
	case code == http.StatusBadGateway, code == http.StatusServiceUnavailable:
		return ServiceUnavailable, true
	case code >= 400 && code < 500:
		return ContentRejected, true
	case code >= 500:
		return Failed, true
	}
	return "", false
}
