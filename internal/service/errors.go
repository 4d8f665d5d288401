package service

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientQuota   = errors.New("no generations left, purchase required")
	ErrTemplateNotFound    = errors.New("template not found")
	ErrTemplateUnavailable = errors.New("template is not available yet")
	ErrGenerationTimeout   = errors.New("video generation timeout")
	ErrGenerationNotFound  = errors.New("generation not found")
	ErrOrderNotFound       = errors.New("order not found")
	ErrUnknownPackage      = errors.New("unknown package")
	ErrUnexpectedInput     = errors.New("input does not match the current step")
	ErrUserNotFound        = errors.New("user not found")
	ErrPaymentUnavailable  = errors.New("payment method is not configured")
)

// ValidationError reports a rejected user input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PaymentProviderError wraps a failure of an external payment rail.
type PaymentProviderError struct {
	Provider string
	Err      error
}

func (e *PaymentProviderError) Error() string {
	return fmt.Sprintf("payment provider %s: %v", e.Provider, e.Err)
}

func (e *PaymentProviderError) Unwrap() error {
	return e.Err
}
