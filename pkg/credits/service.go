package credits

import (
	"context"
	"fmt"
)

// Service orchestrates pre-deduction, adjustment, and refund over a Store.
// TryDeduct is the only way a balance decreases, so concurrent callers can
// never drive an account negative.
type Service struct {
	store   Store
	pricing Pricing
	nowFn   func() int64
	logger  OperationLogger
}

// NewService wires a Service.
func NewService(store Store, pricing Pricing, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if pricing == nil {
		return nil, fmt.Errorf("%w: pricing dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, pricing: pricing, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// PreDeduct reserves estimatedCost against the user's balance before the
// metered operation runs. The idempotency check, conditional deduction, and
// reservation insert execute as one transactional unit; no reader can observe
// a deducted balance without its matching record.
func (service *Service) PreDeduct(ctx context.Context, traceID TraceID, userID UserID, estimatedCost CreditAmount, provider string, modelID string, featureType string, metadata MetadataJSON) (PreDeductResult, error) {
	var result PreDeductResult
	operationError := withConflictRetry(ctx, retryBudgetReservation, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			exists, err := transactionStore.ReservationExists(ctx, traceID)
			if err != nil {
				return err
			}
			if exists {
				return fmt.Errorf("%w: trace %s", ErrDuplicateReservation, traceID.String())
			}
			deducted, err := transactionStore.TryDeduct(ctx, userID, estimatedCost.Int64())
			if err != nil {
				return err
			}
			if !deducted {
				account, accountErr := transactionStore.GetAccount(ctx, userID)
				if accountErr != nil {
					return accountErr
				}
				return InsufficientBalanceError{Requested: estimatedCost.Int64(), Balance: account.CreditBalance}
			}
			record := ReservationRecord{
				TraceID:        traceID.String(),
				UserID:         userID.String(),
				ReservedAmount: estimatedCost.Int64(),
				Provider:       provider,
				ModelID:        modelID,
				FeatureType:    featureType,
				Status:         ReservationStatusPending,
				MetadataJSON:   metadata.String(),
				CreatedUnixUTC: service.nowFn(),
			}
			if err := transactionStore.CreateReservation(ctx, record); err != nil {
				return err
			}
			account, err := transactionStore.GetAccount(ctx, userID)
			if err != nil {
				return err
			}
			result = PreDeductResult{TraceID: traceID.String(), RemainingBalance: account.CreditBalance}
			return nil
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationPreDeduct,
		UserID:    userID,
		TraceID:   traceID,
		Amount:    estimatedCost.Int64(),
		Error:     operationError,
	})
	return result, operationError
}

// Adjust reconciles a pending reservation against actual usage. The settled
// cost comes from the injected Pricing collaborator; the delta against the
// reserved amount is charged or refunded and the record becomes SETTLED.
// Re-invocation on a settled or refunded record is a no-op success.
func (service *Service) Adjust(ctx context.Context, traceID TraceID, actualInputUnits int64, actualOutputUnits int64) (AdjustResult, error) {
	var result AdjustResult
	if actualInputUnits < 0 || actualOutputUnits < 0 {
		operationError := fmt.Errorf("%w: input %d, output %d", ErrInvalidUsageUnits, actualInputUnits, actualOutputUnits)
		service.logOperation(ctx, OperationLog{
			Operation: operationAdjust,
			TraceID:   traceID,
			Error:     operationError,
		})
		return result, operationError
	}
	var adjustedUser UserID
	operationError := withConflictRetry(ctx, retryBudgetReservation, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			record, err := transactionStore.GetReservation(ctx, traceID)
			if err != nil {
				return err
			}
			userID, err := NewUserID(record.UserID)
			if err != nil {
				return err
			}
			adjustedUser = userID
			if record.Status != ReservationStatusPending {
				result = settledResultFor(record)
				return nil
			}
			settledCost, err := service.settledCost(record, actualInputUnits, actualOutputUnits)
			if err != nil {
				return err
			}
			settlement := Settlement{
				SettledCost:      settledCost,
				AdjustmentAmount: settledCost - record.ReservedAmount,
				SettledUnixUTC:   service.nowFn(),
			}
			switch {
			case settlement.AdjustmentAmount > 0:
				settlement.Kind = AdjustmentAdditionalCharge
				charged, err := transactionStore.TryDeduct(ctx, userID, settlement.AdjustmentAmount)
				if err != nil {
					return err
				}
				if !charged {
					// Insufficient balance for the extra charge: settle
					// anyway and carry the uncollected remainder as debt
					// rather than stranding the record in PENDING.
					settlement.OutstandingDebt = settlement.AdjustmentAmount
				}
			case settlement.AdjustmentAmount < 0:
				settlement.Kind = AdjustmentRefund
				if err := transactionStore.Add(ctx, userID, -settlement.AdjustmentAmount); err != nil {
					return err
				}
			default:
				settlement.Kind = AdjustmentNone
			}
			if err := transactionStore.SettleReservation(ctx, traceID, settlement); err != nil {
				return err
			}
			result = AdjustResult{
				Kind:             settlement.Kind,
				ReservedAmount:   record.ReservedAmount,
				SettledCost:      settlement.SettledCost,
				AdjustmentAmount: settlement.AdjustmentAmount,
				OutstandingDebt:  settlement.OutstandingDebt,
			}
			return nil
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationAdjust,
		UserID:    adjustedUser,
		TraceID:   traceID,
		Amount:    result.AdjustmentAmount,
		Error:     operationError,
	})
	return result, operationError
}

// Refund returns the full reserved amount when the funded operation failed
// before producing any billable result. Terminal records are a no-op success.
func (service *Service) Refund(ctx context.Context, traceID TraceID) error {
	var refundedAmount int64
	var refundedUser UserID
	operationError := withConflictRetry(ctx, retryBudgetReservation, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			record, err := transactionStore.GetReservation(ctx, traceID)
			if err != nil {
				return err
			}
			if record.Status != ReservationStatusPending {
				return nil
			}
			userID, err := NewUserID(record.UserID)
			if err != nil {
				return err
			}
			if err := transactionStore.Add(ctx, userID, record.ReservedAmount); err != nil {
				return err
			}
			if err := transactionStore.MarkRefunded(ctx, traceID, service.nowFn()); err != nil {
				return err
			}
			refundedAmount = record.ReservedAmount
			refundedUser = userID
			return nil
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRefund,
		UserID:    refundedUser,
		TraceID:   traceID,
		Amount:    refundedAmount,
		Error:     operationError,
	})
	return operationError
}

func (service *Service) settledCost(record ReservationRecord, inputUnits int64, outputUnits int64) (int64, error) {
	costUSD, err := service.pricing.CostUSD(record.Provider, record.ModelID, record.FeatureType, inputUnits, outputUnits)
	if err != nil {
		return 0, err
	}
	return creditsForCost(costUSD, service.pricing.CreditsPerUSD()), nil
}

func settledResultFor(record ReservationRecord) AdjustResult {
	result := AdjustResult{
		Kind:            AdjustmentNone,
		ReservedAmount:  record.ReservedAmount,
		OutstandingDebt: record.OutstandingDebt,
	}
	if record.SettledCost != nil {
		result.SettledCost = *record.SettledCost
	}
	if record.AdjustmentAmount != nil {
		result.AdjustmentAmount = *record.AdjustmentAmount
	}
	return result
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
