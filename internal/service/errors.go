package service

import "errors"

var (
	ErrValidation        = errors.New("invalid payment request")
	ErrIntentNotFound    = errors.New("payment intent not found")
	ErrStaleReport       = errors.New("terminal report does not match the awaited leg")
	ErrIllegalTransition = errors.New("illegal transition of payment intent status")
	ErrConcurrentUpdate  = errors.New("payment intent was updated concurrently, retry")
	ErrMachineClosed     = errors.New("payment machine is shut down")
)
