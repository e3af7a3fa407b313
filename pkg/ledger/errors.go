package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrAccountNotFound      = errors.New("account not found")
	ErrAccountRoleMismatch  = errors.New("account role mismatch")
	ErrDuplicateCorrelation = errors.New("duplicate correlation id")
	ErrConcurrencyConflict  = errors.New("concurrency conflict")
	ErrInvariantViolation   = errors.New("ledger invariant violation")
	ErrInvalidAccountID     = errors.New("invalid account id")
	ErrInvalidAccountRole   = errors.New("invalid account role")
	ErrInvalidEntryID       = errors.New("invalid entry id")
	ErrInvalidCorrelationID = errors.New("invalid correlation id")
	ErrInvalidAmountCents   = errors.New("invalid amount cents")
	ErrInvalidDirection     = errors.New("invalid direction")
	ErrInvalidCategory      = errors.New("invalid category")
	ErrInvalidMetadataJSON  = errors.New("invalid metadata json")
	ErrInvalidServiceConfig = errors.New("invalid service config")
	ErrInvalidBalance       = errors.New("invalid balance")
	ErrInvalidTransfer      = errors.New("invalid transfer")
)

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
