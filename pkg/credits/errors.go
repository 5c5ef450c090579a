package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credit ledger service.
var (
	ErrInsufficientBalance      = errors.New("insufficient balance")
	ErrDuplicateReservation     = errors.New("duplicate reservation")
	ErrUnknownReservation       = errors.New("unknown reservation")
	ErrTransientConflict        = errors.New("transient storage conflict")
	ErrUnknownModelRate         = errors.New("unknown model rate")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidTraceID           = errors.New("invalid trace id")
	ErrInvalidCreditAmount      = errors.New("invalid credit amount")
	ErrInvalidUsageUnits        = errors.New("invalid usage units")
	ErrInvalidReservationStatus = errors.New("invalid reservation status")
	ErrInvalidAdjustmentKind    = errors.New("invalid adjustment kind")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
	ErrInvalidPricingConfig     = errors.New("invalid pricing config")
	ErrInvalidAggregatorConfig  = errors.New("invalid aggregator config")
)

// InsufficientBalanceError carries the balance and shortfall observed when a
// conditional deduction refused. It unwraps to ErrInsufficientBalance.
type InsufficientBalanceError struct {
	Requested int64
	Balance   int64
}

// Error returns the formatted error message.
func (insufficientError InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: requested %d, have %d (short %d)",
		insufficientError.Requested, insufficientError.Balance, insufficientError.Shortfall())
}

// Unwrap returns the matching sentinel.
func (insufficientError InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// Shortfall returns how many credits were missing.
func (insufficientError InsufficientBalanceError) Shortfall() int64 {
	return insufficientError.Requested - insufficientError.Balance
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
