package credits

import (
	"context"
	"fmt"
)

// DeductCredits charges the user immediately, outside the two-phase protocol.
func (service *Service) DeductCredits(requestContext context.Context, userID UserID, amount CreditAmount) error {
	operationError := withConflictRetry(requestContext, retryBudgetDirect, func() error {
		deducted, err := service.store.TryDeduct(requestContext, userID, amount.Int64())
		if err != nil {
			return err
		}
		if !deducted {
			account, accountErr := service.store.GetAccount(requestContext, userID)
			if accountErr != nil {
				return accountErr
			}
			return InsufficientBalanceError{Requested: amount.Int64(), Balance: account.CreditBalance}
		}
		return nil
	})
	service.logOperation(requestContext, OperationLog{
		Operation: operationDeduct,
		UserID:    userID,
		Amount:    amount.Int64(),
		Error:     operationError,
	})
	return operationError
}

// AddCredits grants the user credits immediately. A zero amount is a no-op
// success; negative amounts are rejected.
func (service *Service) AddCredits(requestContext context.Context, userID UserID, amount int64, reason string) error {
	var operationError error
	switch {
	case amount < 0:
		operationError = fmt.Errorf("%w: must not be negative", ErrInvalidCreditAmount)
	case amount == 0:
		operationError = nil
	default:
		operationError = withConflictRetry(requestContext, retryBudgetDirect, func() error {
			return service.store.Add(requestContext, userID, amount)
		})
	}
	service.logOperation(requestContext, OperationLog{
		Operation: operationAdd,
		UserID:    userID,
		Amount:    amount,
		Reason:    reason,
		Error:     operationError,
	})
	return operationError
}

// GetBalance returns the user's account record. An account that has never
// been granted or charged reads as a zero balance.
func (service *Service) GetBalance(requestContext context.Context, userID UserID) (Account, error) {
	return service.store.GetAccount(requestContext, userID)
}

// GetReservation returns the reservation record for auditing a single
// pre-deduction's lifecycle.
func (service *Service) GetReservation(requestContext context.Context, traceID TraceID) (ReservationRecord, error) {
	return service.store.GetReservation(requestContext, traceID)
}
