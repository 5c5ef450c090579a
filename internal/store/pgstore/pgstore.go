package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/aicredit/pkg/credits"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode      = "23505"
	pgSerializationFailureCode = "40001"
	pgDeadlockDetectedCode     = "40P01"
	errorOperationStore        = "store"
	errorSubjectAccount        = "account"
	errorSubjectReservation    = "reservation"
	errorSubjectTransaction    = "transaction"
	errorCodeAdd               = "add"
	errorCodeBegin             = "begin"
	errorCodeCommit            = "commit"
	errorCodeCreate            = "create"
	errorCodeDeduct            = "deduct"
	errorCodeDuplicate         = "duplicate"
	errorCodeExists            = "exists"
	errorCodeGet               = "get"
	errorCodeInvalid           = "invalid"
	errorCodeRefund            = "refund"
	errorCodeRetry             = "retry"
	errorCodeSettle            = "settle"

	sqlGetAccount = `
		select user_id, credit_balance, total_credits_consumed
		from accounts
		where user_id = $1
	`

	sqlTryDeduct = `
		update accounts
		set credit_balance = credit_balance - $2,
		    total_credits_consumed = total_credits_consumed + $2,
		    updated_at = now()
		where user_id = $1 and credit_balance >= $2
	`

	sqlAddCredits = `
		insert into accounts(user_id, credit_balance)
		values ($1, $2)
		on conflict (user_id) do update
		set credit_balance = accounts.credit_balance + excluded.credit_balance,
		    updated_at = now()
	`

	sqlReservationExists = `
		select exists(select 1 from reservations where trace_id = $1)
	`

	sqlInsertReservation = `
		insert into reservations(
			trace_id, user_id, reserved_amount, provider, model_id, feature_type,
			status, outstanding_debt, metadata, created_at
		)
		values (
			$1, $2, $3, $4, $5, $6, $7, 0,
			coalesce(nullif($8,''),'{}')::jsonb,
			to_timestamp($9)
		)
	`

	sqlSelectReservation = `
		select
			trace_id, user_id, reserved_amount, provider, model_id, feature_type,
			status, settled_cost, adjustment_amount, adjustment_kind,
			outstanding_debt, metadata::text,
			extract(epoch from created_at)::bigint,
			coalesce(extract(epoch from settled_at)::bigint, 0)
		from reservations
		where trace_id = $1
		for update
	`

	sqlSettleReservation = `
		update reservations
		set status = $2, settled_cost = $3, adjustment_amount = $4,
		    adjustment_kind = $5, outstanding_debt = $6, settled_at = to_timestamp($7)
		where trace_id = $1 and status = $8
	`

	sqlMarkRefunded = `
		update reservations
		set status = $2, settled_at = to_timestamp($3)
		where trace_id = $1 and status = $4
	`
)

// querier is the subset of pgx shared by pools and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements credits.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// TxStore implements credits.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, classifyConflict(err))
	}
	transactionStore := &TxStore{tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, classifyConflict(err))
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, userID credits.UserID) (credits.Account, error) {
	return getAccount(ctx, store.pool, userID)
}

func (store *Store) TryDeduct(ctx context.Context, userID credits.UserID, amount int64) (bool, error) {
	return tryDeduct(ctx, store.pool, userID, amount)
}

func (store *Store) Add(ctx context.Context, userID credits.UserID, amount int64) error {
	return addCredits(ctx, store.pool, userID, amount)
}

func (store *Store) ReservationExists(ctx context.Context, traceID credits.TraceID) (bool, error) {
	return reservationExists(ctx, store.pool, traceID)
}

func (store *Store) CreateReservation(ctx context.Context, record credits.ReservationRecord) error {
	return createReservation(ctx, store.pool, record)
}

func (store *Store) GetReservation(ctx context.Context, traceID credits.TraceID) (credits.ReservationRecord, error) {
	return getReservation(ctx, store.pool, traceID)
}

func (store *Store) SettleReservation(ctx context.Context, traceID credits.TraceID, settlement credits.Settlement) error {
	return settleReservation(ctx, store.pool, traceID, settlement)
}

func (store *Store) MarkRefunded(ctx context.Context, traceID credits.TraceID, refundedUnixUTC int64) error {
	return markRefunded(ctx, store.pool, traceID, refundedUnixUTC)
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) GetAccount(ctx context.Context, userID credits.UserID) (credits.Account, error) {
	return getAccount(ctx, store.tx, userID)
}

func (store *TxStore) TryDeduct(ctx context.Context, userID credits.UserID, amount int64) (bool, error) {
	return tryDeduct(ctx, store.tx, userID, amount)
}

func (store *TxStore) Add(ctx context.Context, userID credits.UserID, amount int64) error {
	return addCredits(ctx, store.tx, userID, amount)
}

func (store *TxStore) ReservationExists(ctx context.Context, traceID credits.TraceID) (bool, error) {
	return reservationExists(ctx, store.tx, traceID)
}

func (store *TxStore) CreateReservation(ctx context.Context, record credits.ReservationRecord) error {
	return createReservation(ctx, store.tx, record)
}

func (store *TxStore) GetReservation(ctx context.Context, traceID credits.TraceID) (credits.ReservationRecord, error) {
	return getReservation(ctx, store.tx, traceID)
}

func (store *TxStore) SettleReservation(ctx context.Context, traceID credits.TraceID, settlement credits.Settlement) error {
	return settleReservation(ctx, store.tx, traceID, settlement)
}

func (store *TxStore) MarkRefunded(ctx context.Context, traceID credits.TraceID, refundedUnixUTC int64) error {
	return markRefunded(ctx, store.tx, traceID, refundedUnixUTC)
}

func getAccount(ctx context.Context, runner querier, userID credits.UserID) (credits.Account, error) {
	var account credits.Account
	err := runner.QueryRow(ctx, sqlGetAccount, userID.String()).Scan(
		&account.UserID,
		&account.CreditBalance,
		&account.TotalCreditsConsumed,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Account{UserID: userID.String()}, nil
	}
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, classifyConflict(err))
	}
	return account, nil
}

func tryDeduct(ctx context.Context, runner querier, userID credits.UserID, amount int64) (bool, error) {
	if amount <= 0 {
		return true, nil
	}
	tag, err := runner.Exec(ctx, sqlTryDeduct, userID.String(), amount)
	if err != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeDeduct, classifyConflict(err))
	}
	return tag.RowsAffected() > 0, nil
}

func addCredits(ctx context.Context, runner querier, userID credits.UserID, amount int64) error {
	if amount == 0 {
		return nil
	}
	_, err := runner.Exec(ctx, sqlAddCredits, userID.String(), amount)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeAdd, classifyConflict(err))
	}
	return nil
}

func reservationExists(ctx context.Context, runner querier, traceID credits.TraceID) (bool, error) {
	var exists bool
	err := runner.QueryRow(ctx, sqlReservationExists, traceID.String()).Scan(&exists)
	if err != nil {
		return false, wrapStoreError(errorSubjectReservation, errorCodeExists, classifyConflict(err))
	}
	return exists, nil
}

func createReservation(ctx context.Context, runner querier, record credits.ReservationRecord) error {
	_, err := runner.Exec(ctx, sqlInsertReservation,
		record.TraceID,
		record.UserID,
		record.ReservedAmount,
		record.Provider,
		record.ModelID,
		record.FeatureType,
		record.Status.String(),
		record.MetadataJSON,
		record.CreatedUnixUTC,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, credits.ErrDuplicateReservation)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, classifyConflict(err))
	}
	return nil
}

func getReservation(ctx context.Context, runner querier, traceID credits.TraceID) (credits.ReservationRecord, error) {
	var (
		record      credits.ReservationRecord
		statusValue string
		kindValue   *string
	)
	err := runner.QueryRow(ctx, sqlSelectReservation, traceID.String()).Scan(
		&record.TraceID,
		&record.UserID,
		&record.ReservedAmount,
		&record.Provider,
		&record.ModelID,
		&record.FeatureType,
		&statusValue,
		&record.SettledCost,
		&record.AdjustmentAmount,
		&kindValue,
		&record.OutstandingDebt,
		&record.MetadataJSON,
		&record.CreatedUnixUTC,
		&record.SettledUnixUTC,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.ReservationRecord{}, wrapStoreError(errorSubjectReservation, errorCodeGet, credits.ErrUnknownReservation)
	}
	if err != nil {
		return credits.ReservationRecord{}, wrapStoreError(errorSubjectReservation, errorCodeGet, classifyConflict(err))
	}
	status, err := credits.ParseReservationStatus(statusValue)
	if err != nil {
		return credits.ReservationRecord{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	record.Status = status
	if kindValue != nil {
		kind, err := credits.ParseAdjustmentKind(*kindValue)
		if err != nil {
			return credits.ReservationRecord{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		record.AdjustmentKind = &kind
	}
	return record, nil
}

func settleReservation(ctx context.Context, runner querier, traceID credits.TraceID, settlement credits.Settlement) error {
	tag, err := runner.Exec(ctx, sqlSettleReservation,
		traceID.String(),
		credits.ReservationStatusSettled.String(),
		settlement.SettledCost,
		settlement.AdjustmentAmount,
		settlement.Kind.String(),
		settlement.OutstandingDebt,
		settlement.SettledUnixUTC,
		credits.ReservationStatusPending.String(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeSettle, classifyConflict(err))
	}
	if tag.RowsAffected() == 0 {
		return guardedUpdateMiss(ctx, runner, traceID)
	}
	return nil
}

func markRefunded(ctx context.Context, runner querier, traceID credits.TraceID, refundedUnixUTC int64) error {
	tag, err := runner.Exec(ctx, sqlMarkRefunded,
		traceID.String(),
		credits.ReservationStatusRefunded.String(),
		refundedUnixUTC,
		credits.ReservationStatusPending.String(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeRefund, classifyConflict(err))
	}
	if tag.RowsAffected() == 0 {
		return guardedUpdateMiss(ctx, runner, traceID)
	}
	return nil
}

// guardedUpdateMiss turns "row already terminal" into a transient conflict so
// the service retry re-reads the record and takes its idempotent no-op path.
func guardedUpdateMiss(ctx context.Context, runner querier, traceID credits.TraceID) error {
	exists, err := reservationExists(ctx, runner, traceID)
	if err != nil {
		return err
	}
	if !exists {
		return wrapStoreError(errorSubjectReservation, errorCodeGet, credits.ErrUnknownReservation)
	}
	return wrapStoreError(errorSubjectReservation, errorCodeRetry, credits.ErrTransientConflict)
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}

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
	return err
}
