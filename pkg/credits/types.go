package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// CreditAmount is a strictly positive quantity of credits.
type CreditAmount int64

// UserID identifies an account owner.
type UserID struct {
	value string
}

// TraceID is the caller-supplied idempotency key for one unit of metered work.
type TraceID struct {
	value string
}

// MetadataJSON stores arbitrary request metadata attached to a reservation.
type MetadataJSON struct {
	value string
}

// ReservationStatus defines the reservation lifecycle.
type ReservationStatus string

const (
	ReservationStatusPending  ReservationStatus = "pending"
	ReservationStatusSettled  ReservationStatus = "settled"
	ReservationStatusRefunded ReservationStatus = "refunded"
)

// String returns the stored status value.
func (status ReservationStatus) String() string {
	return string(status)
}

// Terminal reports whether the status permits no further transition.
func (status ReservationStatus) Terminal() bool {
	return status == ReservationStatusSettled || status == ReservationStatusRefunded
}

// ParseReservationStatus validates a stored status value.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	switch ReservationStatus(raw) {
	case ReservationStatusPending, ReservationStatusSettled, ReservationStatusRefunded:
		return ReservationStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReservationStatus, raw)
}

// AdjustmentKind classifies the settlement delta of a reservation.
type AdjustmentKind string

const (
	AdjustmentAdditionalCharge AdjustmentKind = "additional_charge"
	AdjustmentRefund           AdjustmentKind = "refund"
	AdjustmentNone             AdjustmentKind = "no_adjustment"
)

// String returns the stored kind value.
func (kind AdjustmentKind) String() string {
	return string(kind)
}

// ParseAdjustmentKind validates a stored adjustment kind.
func ParseAdjustmentKind(raw string) (AdjustmentKind, error) {
	switch AdjustmentKind(raw) {
	case AdjustmentAdditionalCharge, AdjustmentRefund, AdjustmentNone:
		return AdjustmentKind(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAdjustmentKind, raw)
}

// Account is the per-user balance record.
type Account struct {
	UserID               string
	CreditBalance        int64
	TotalCreditsConsumed int64
}

// ReservationRecord is one pre-deduction keyed by its trace id.
type ReservationRecord struct {
	TraceID          string
	UserID           string
	ReservedAmount   int64
	Provider         string
	ModelID          string
	FeatureType      string
	Status           ReservationStatus
	SettledCost      *int64
	AdjustmentAmount *int64
	AdjustmentKind   *AdjustmentKind
	OutstandingDebt  int64
	MetadataJSON     string
	CreatedUnixUTC   int64
	SettledUnixUTC   int64
}

// Settlement carries the terminal outcome applied to a pending reservation.
type Settlement struct {
	SettledCost      int64
	AdjustmentAmount int64
	Kind             AdjustmentKind
	OutstandingDebt  int64
	SettledUnixUTC   int64
}

// CreditEvent is one best-effort credit addition awaiting batch merge.
type CreditEvent struct {
	UserID UserID
	Amount int64
	Reason string
}

// PreDeductResult reports a successful reservation.
type PreDeductResult struct {
	TraceID          string
	RemainingBalance int64
}

// AdjustResult reports the settlement outcome of a reservation.
type AdjustResult struct {
	Kind             AdjustmentKind
	ReservedAmount   int64
	SettledCost      int64
	AdjustmentAmount int64
	OutstandingDebt  int64
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewTraceID validates and normalizes a trace id.
func NewTraceID(raw string) (TraceID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TraceID{}, fmt.Errorf("%w: empty value", ErrInvalidTraceID)
	}
	return TraceID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TraceID) String() string {
	return id.value
}

// NewCreditAmount validates an amount and ensures it is strictly positive.
func NewCreditAmount(raw int64) (CreditAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCreditAmount)
	}
	return CreditAmount(raw), nil
}

// Int64 returns the raw credit quantity.
func (amount CreditAmount) Int64() int64 {
	return int64(amount)
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// Store is the persistence contract used by Service. TryDeduct and Add are the
// only balance mutations; TryDeduct must be a single conditional write so two
// concurrent callers cannot both observe sufficient balance and both succeed.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetAccount(ctx context.Context, userID UserID) (Account, error)
	TryDeduct(ctx context.Context, userID UserID, amount int64) (bool, error)
	Add(ctx context.Context, userID UserID, amount int64) error
	ReservationExists(ctx context.Context, traceID TraceID) (bool, error)
	CreateReservation(ctx context.Context, record ReservationRecord) error
	GetReservation(ctx context.Context, traceID TraceID) (ReservationRecord, error)
	SettleReservation(ctx context.Context, traceID TraceID, settlement Settlement) error
	MarkRefunded(ctx context.Context, traceID TraceID, refundedUnixUTC int64) error
}

// BalanceAdder is the narrow increment contract the batch aggregator applies
// merged credit totals through. It bypasses the reservation machinery.
type BalanceAdder interface {
	Add(ctx context.Context, userID UserID, amount int64) error
}
