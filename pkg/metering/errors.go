package metering

import (
	"context"
	"errors"
	"fmt"
)

// Domain-level error values surfaced by the metering core.
var (
	ErrNotEntitled         = errors.New("not entitled")
	ErrLimitExceeded       = errors.New("usage limit exceeded")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrExternalOperation   = errors.New("external operation failed")
	ErrCommitFailed        = errors.New("charge commit failed")
	ErrAccountDisabled     = errors.New("account disabled")
	ErrUnknownAccount      = errors.New("unknown account")
	ErrEntitlementExists   = errors.New("entitlement already active")

	ErrInvalidAccountID         = errors.New("invalid account id")
	ErrInvalidOperationName     = errors.New("invalid operation name")
	ErrInvalidCredits           = errors.New("invalid credits")
	ErrInvalidTransactionKind   = errors.New("invalid transaction kind")
	ErrInvalidTransactionReason = errors.New("invalid transaction reason")
	ErrInvalidEntitlementStatus = errors.New("invalid entitlement status")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
	ErrInvalidSortOrder         = errors.New("invalid sort order")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
	ErrInvalidRetryPolicy       = errors.New("invalid retry policy")
)

// InsufficientCreditsError reports how many credits the rejected call required
// so callers can display the shortfall.
type InsufficientCreditsError struct {
	Required Credits
	Balance  Credits
}

// Error returns the formatted error message.
func (insufficientError InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, balance %d", insufficientError.Required, insufficientError.Balance)
}

// Unwrap ties the typed error to the ErrInsufficientCredits sentinel.
func (insufficientError InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

// ExternalError preserves the upstream status and message of a failed
// document-processing call.
type ExternalError struct {
	StatusCode int
	Message    string
}

// Error returns the formatted error message.
func (externalError ExternalError) Error() string {
	return fmt.Sprintf("external operation failed: status %d: %s", externalError.StatusCode, externalError.Message)
}

// Unwrap ties the typed error to the ErrExternalOperation sentinel.
func (externalError ExternalError) Unwrap() error {
	return ErrExternalOperation
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// TransientError marks a storage failure as eligible for bounded retry.
type TransientError struct {
	err error
}

// MarkTransient tags err as transient; nil stays nil.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return TransientError{err: err}
}

// Error returns the underlying message.
func (transientError TransientError) Error() string {
	return transientError.err.Error()
}

// Unwrap returns the underlying error.
func (transientError TransientError) Unwrap() error {
	return transientError.err
}

// IsTransient reports whether err was marked transient by the store or is a
// deadline expiry, the two classes the ledger commit retries.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var transientError TransientError
	if errors.As(err, &transientError) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
