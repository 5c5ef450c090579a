package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/aicredit/pkg/credits"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON        = "{}"
	pgUniqueViolationCode      = "23505"
	pgSerializationFailureCode = "40001"
	pgDeadlockDetectedCode     = "40P01"
	sqliteConstraintCode       = 19
	sqliteBusyCode             = 5
	sqliteLockedCode           = 6
	errorOperationStore        = "store"
	errorSubjectAccount        = "account"
	errorSubjectReservation    = "reservation"
	errorCodeAdd               = "add"
	errorCodeCreate            = "create"
	errorCodeDeduct            = "deduct"
	errorCodeDuplicate         = "duplicate"
	errorCodeExists            = "exists"
	errorCodeGet               = "get"
	errorCodeInvalid           = "invalid"
	errorCodeRefund            = "refund"
	errorCodeRetry             = "retry"
	errorCodeSettle            = "settle"
)

// Store implements credits.Store using GORM against sqlite or postgres.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate prepares the schema. Used for sqlite; postgres deployments migrate
// out of band.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &Reservation{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// GetAccount reads the balance record. An unknown user reads as an empty
// account with a zero balance.
func (store *Store) GetAccount(ctx context.Context, userID credits.UserID) (credits.Account, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Account{UserID: userID.String()}, nil
	}
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, classifyConflict(err))
	}
	return credits.Account{
		UserID:               account.UserID,
		CreditBalance:        account.CreditBalance,
		TotalCreditsConsumed: account.TotalCreditsConsumed,
	}, nil
}

// TryDeduct decrements the balance by amount only if the current balance
// covers it, as a single conditional write. It reports whether the decrement
// happened. A non-positive amount is a no-op success.
func (store *Store) TryDeduct(ctx context.Context, userID credits.UserID, amount int64) (bool, error) {
	if amount <= 0 {
		return true, nil
	}
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ? AND credit_balance >= ?", userID.String(), amount).
		Updates(map[string]interface{}{
			"credit_balance":         gorm.Expr("credit_balance - ?", amount),
			"total_credits_consumed": gorm.Expr("total_credits_consumed + ?", amount),
			"updated_at":             time.Now().UTC(),
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeDeduct, classifyConflict(result.Error))
	}
	return result.RowsAffected > 0, nil
}

// Add increments the balance unconditionally, creating the account row on
// first use. A zero amount is a no-op success.
func (store *Store) Add(ctx context.Context, userID credits.UserID, amount int64) error {
	if amount == 0 {
		return nil
	}
	account := Account{UserID: userID.String(), CreditBalance: amount}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"credit_balance": gorm.Expr("accounts.credit_balance + ?", amount),
				"updated_at":     time.Now().UTC(),
			}),
		}).
		Create(&account).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeAdd, classifyConflict(err))
	}
	return nil
}

// ReservationExists reports whether a record exists for the trace id.
func (store *Store) ReservationExists(ctx context.Context, traceID credits.TraceID) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("trace_id = ?", traceID.String()).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectReservation, errorCodeExists, classifyConflict(err))
	}
	return count > 0, nil
}

// CreateReservation inserts a new record; the primary key enforces
// per-trace-id uniqueness.
func (store *Store) CreateReservation(ctx context.Context, record credits.ReservationRecord) error {
	model := Reservation{
		TraceID:         record.TraceID,
		UserID:          record.UserID,
		ReservedAmount:  record.ReservedAmount,
		Provider:        record.Provider,
		ModelID:         record.ModelID,
		FeatureType:     record.FeatureType,
		Status:          record.Status.String(),
		OutstandingDebt: record.OutstandingDebt,
		Metadata:        datatypesJSON(record.MetadataJSON),
		CreatedAt:       time.Unix(record.CreatedUnixUTC, 0).UTC(),
	}
	if record.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, credits.ErrDuplicateReservation)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, classifyConflict(err))
	}
	return nil
}

// GetReservation loads the record for a trace id.
func (store *Store) GetReservation(ctx context.Context, traceID credits.TraceID) (credits.ReservationRecord, error) {
	var model Reservation
	err := store.db.WithContext(ctx).
		Where("trace_id = ?", traceID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.ReservationRecord{}, wrapStoreError(errorSubjectReservation, errorCodeGet, credits.ErrUnknownReservation)
	}
	if err != nil {
		return credits.ReservationRecord{}, wrapStoreError(errorSubjectReservation, errorCodeGet, classifyConflict(err))
	}
	return mapReservation(model)
}

// SettleReservation moves a pending record to SETTLED with the settlement
// columns. The from-status predicate guarantees terminal states are written
// at most once.
func (store *Store) SettleReservation(ctx context.Context, traceID credits.TraceID, settlement credits.Settlement) error {
	kind := settlement.Kind.String()
	settledAt := time.Unix(settlement.SettledUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("trace_id = ? AND status = ?", traceID.String(), credits.ReservationStatusPending.String()).
		Updates(map[string]interface{}{
			"status":            credits.ReservationStatusSettled.String(),
			"settled_cost":      settlement.SettledCost,
			"adjustment_amount": settlement.AdjustmentAmount,
			"adjustment_kind":   kind,
			"outstanding_debt":  settlement.OutstandingDebt,
			"settled_at":        settledAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeSettle, classifyConflict(result.Error))
	}
	if result.RowsAffected == 0 {
		return store.guardedUpdateMiss(ctx, traceID, errorCodeSettle)
	}
	return nil
}

// MarkRefunded moves a pending record to REFUNDED.
func (store *Store) MarkRefunded(ctx context.Context, traceID credits.TraceID, refundedUnixUTC int64) error {
	refundedAt := time.Unix(refundedUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("trace_id = ? AND status = ?", traceID.String(), credits.ReservationStatusPending.String()).
		Updates(map[string]interface{}{
			"status":     credits.ReservationStatusRefunded.String(),
			"settled_at": refundedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeRefund, classifyConflict(result.Error))
	}
	if result.RowsAffected == 0 {
		return store.guardedUpdateMiss(ctx, traceID, errorCodeRefund)
	}
	return nil
}

// guardedUpdateMiss distinguishes "record gone" from "record already
// terminal". The latter is surfaced as a transient conflict so the service's
// retry re-reads the record and lands on the idempotent no-op path.
func (store *Store) guardedUpdateMiss(ctx context.Context, traceID credits.TraceID, code string) error {
	exists, err := store.ReservationExists(ctx, traceID)
	if err != nil {
		return err
	}
	if !exists {
		return wrapStoreError(errorSubjectReservation, code, credits.ErrUnknownReservation)
	}
	return wrapStoreError(errorSubjectReservation, errorCodeRetry, credits.ErrTransientConflict)
}

func mapReservation(model Reservation) (credits.ReservationRecord, error) {
	status, err := credits.ParseReservationStatus(model.Status)
	if err != nil {
		return credits.ReservationRecord{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	record := credits.ReservationRecord{
		TraceID:          model.TraceID,
		UserID:           model.UserID,
		ReservedAmount:   model.ReservedAmount,
		Provider:         model.Provider,
		ModelID:          model.ModelID,
		FeatureType:      model.FeatureType,
		Status:           status,
		SettledCost:      model.SettledCost,
		AdjustmentAmount: model.AdjustmentAmount,
		OutstandingDebt:  model.OutstandingDebt,
		MetadataJSON:     string(model.Metadata),
		CreatedUnixUTC:   model.CreatedAt.Unix(),
	}
	if model.AdjustmentKind != nil {
		kind, err := credits.ParseAdjustmentKind(*model.AdjustmentKind)
		if err != nil {
			return credits.ReservationRecord{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		record.AdjustmentKind = &kind
	}
	if model.SettledAt != nil {
		record.SettledUnixUTC = model.SettledAt.Unix()
	}
	return record, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

// classifyConflict tags optimistic-concurrency collisions so the service's
// bounded retry can tell them apart from terminal failures.
func classifyConflict(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgSerializationFailureCode || pgErr.Code == pgDeadlockDetectedCode {
			return credits.ErrTransientConflict
		}
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		primary := sqliteErr.Code() & 0xFF
		if primary == sqliteBusyCode || primary == sqliteLockedCode {
			return credits.ErrTransientConflict
		}
	}
	return err
}
