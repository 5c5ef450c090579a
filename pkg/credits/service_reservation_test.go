package credits

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestPreDeductReservesAndDeducts(t *testing.T) {
	t.Parallel()
	store := newStubStore(map[string]int64{"user-1": 100})
	service := mustNewService(t, store)
	traceID := mustTraceID(t, "trace-1")
	userID := mustUserID(t, "user-1")
	metadata := mustMetadata(t, `{"request":"r-1"}`)

	result, err := service.PreDeduct(context.Background(), traceID, userID, mustAmount(t, 40), "openai", "gpt-5", "chat", metadata)
	if err != nil {
		t.Fatalf("pre-deduct: %v", err)
	}
	if result.TraceID != "trace-1" || result.RemainingBalance != 60 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := store.balances["user-1"]; got != 60 {
		t.Fatalf("expected balance 60, got %d", got)
	}
	if got := store.consumed["user-1"]; got != 40 {
		t.Fatalf("expected consumed 40, got %d", got)
	}
	record := store.mustReservation(t, "trace-1")
	if record.Status != ReservationStatusPending {
		t.Fatalf("expected pending reservation, got %s", record.Status)
	}
	if record.ReservedAmount != 40 || record.Provider != "openai" || record.ModelID != "gpt-5" || record.FeatureType != "chat" {
		t.Fatalf("unexpected reservation: %+v", record)
	}
	if record.MetadataJSON != `{"request":"r-1"}` {
		t.Fatalf("unexpected metadata: %s", record.MetadataJSON)
	}
}

func TestPreDeductInsufficientBalance(t *testing.T) {
	t.Parallel()
	store := newStubStore(map[string]int64{"user-2": 10})
	service := mustNewService(t, store)

	_, err := service.PreDeduct(context.Background(), mustTraceID(t, "trace-low"), mustUserID(t, "user-2"), mustAmount(t, 50), "openai", "gpt-5", "chat", mustMetadata(t, "{}"))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	var insufficientError InsufficientBalanceError
	if !errors.As(err, &insufficientError) {
		t.Fatalf("expected InsufficientBalanceError, got %T", err)
	}
	if insufficientError.Balance != 10 || insufficientError.Shortfall() != 40 {
		t.Fatalf("unexpected shortfall detail: %+v", insufficientError)
	}
	if got := store.balances["user-2"]; got != 10 {
		t.Fatalf("balance must stay 10, got %d", got)
	}
	if _, exists := store.reservations["trace-low"]; exists {
		t.Fatalf("no reservation must be created on refusal")
	}
}

func TestPreDeductDuplicateTrace(t *testing.T) {
	t.Parallel()
	store := newStubStore(map[string]int64{"user-3": 100})
	store.reservations["trace-dup"] = ReservationRecord{
		TraceID: "trace-dup",
		UserID:  "user-3",
		Status:  ReservationStatusPending,
	}
	service := mustNewService(t, store)

	_, err := service.PreDeduct(context.Background(), mustTraceID(t, "trace-dup"), mustUserID(t, "user-3"), mustAmount(t, 40), "openai", "gpt-5", "chat", mustMetadata(t, "{}"))
	if !errors.Is(err, ErrDuplicateReservation) {
		t.Fatalf("expected ErrDuplicateReservation, got %v", err)
	}
	if got := store.balances["user-3"]; got != 100 {
		t.Fatalf("balance must stay 100, got %d", got)
	}
}

func TestAdjustChargesUnderestimate(t *testing.T) {
	t.Parallel()
	store := newStubStore(map[string]int64{"user-4": 100})
	service := mustNewService(t, store)
	traceID := mustTraceID(t, "trace-over")
	mustPreDeduct(t, service, traceID, "user-4", 10)

	result, err := service.Adjust(context.Background(), traceID, 13, 0)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if result.Kind != AdjustmentAdditionalCharge {
		t.Fatalf("expected additional_charge, got %s", result.Kind)
	}
	if result.SettledCost != 13 || result.AdjustmentAmount != 3 || result.ReservedAmount != 10 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := store.balances["user-4"]; got != 87 {
		t.Fatalf("expected balance 87 after reserving 10 and charging 3 more, got %d", got)
	}
	record := store.mustReservation(t, "trace-over")
	if record.Status != ReservationStatusSettled {
		t.Fatalf("expected settled reservation, got %s", record.Status)
	}
	if record.SettledCost == nil || *record.SettledCost != 13 {
		t.Fatalf("unexpected settled cost: %+v", record.SettledCost)
	}
}

func TestAdjustRefundsOverestimate(t *testing.T) {
	t.Parallel()
	store := newStubStore(map[string]int64{"user-5": 100})
	service := mustNewService(t, store)
	traceID := mustTraceID(t, "trace-under")
	mustPreDeduct(t, service, traceID, "user-5", 10)

	result, err := service.Adjust(context.Background(), traceID, 6, 0)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if result.Kind != AdjustmentRefund {
		t.Fatalf("expected refund, got %s", result.Kind)
	}
	if result.SettledCost != 6 || result.AdjustmentAmount != -4 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := store.balances["user-5"]; got != 94 {
		t.Fatalf("expected balance 94 after returning 4, got %d", got)
	}
}

func TestAdjustExactEstimate(t *testing.T) {
	t.Parallel()
	store := newStubStore(map[string]int64{"user-6": 100})
	service := mustNewService(t, store)
	traceID := mustTraceID(t, "trace-exact")
	mustPreDeduct(t, service, traceID, "user-6", 10)

	result, err := service.Adjust(context.Background(), traceID, 10, 0)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if result.Kind != AdjustmentNone || result.AdjustmentAmount != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := store.balances["user-6"]; got != 90 {
		t.Fatalf("expected balance 90, got %d", got)
	}
}

func TestAdjustIsIdempotentAfterSettle(t *testing.T) {
	t.Parallel()
	store := newStubStore(map[string]int64{"user-7": 100})
	service := mustNewService(t, store)
	traceID := mustTraceID(t, "trace-twice")
	mustPreDeduct(t, service, traceID, "user-7", 10)

	first, err := service.Adjust(context.Background(), traceID, 13, 0)
	if err != nil {
		t.Fatalf("first adjust: %v", err)
	}
	second, err := service.Adjust(context.Background(), traceID, 999, 999)
	if err != nil {
		t.Fatalf("second adjust: %v", err)
	}
	if second.SettledCost != first.SettledCost || second.AdjustmentAmount != first.AdjustmentAmount {
		t.Fatalf("second adjust must report the stored settlement, got %+v", second)
	}
	if got := store.balances["user-7"]; got != 87 {
		t.Fatalf("balance must not move on re-adjust, got %d", got)
	}
}

func TestAdjustAfterRefundIsNoOp(t *testing.T) {
	t.Parallel()
	store := newStubStore(map[string]int64{"user-8": 100})
	service := mustNewService(t, store)
	traceID := mustTraceID(t, "trace-refunded")
	mustPreDeduct(t, service, traceID, "user-8", 10)
	if err := service.Refund(context.Background(), traceID); err != nil {
		t.Fatalf("refund: %v", err)
	}

	if _, err := service.Adjust(context.Background(), traceID, 13, 0); err != nil {
		t.Fatalf("adjust on refunded: %v", err)
	}
	if got := store.balances["user-8"]; got != 100 {
		t.Fatalf("balance must stay restored, got %d", got)
	}
	record := store.mustReservation(t, "trace-refunded")
	if record.Status != ReservationStatusRefunded {
		t.Fatalf("expected refunded reservation, got %s", record.Status)
	}
}

func TestAdjustRejectsNegativeUsageUnits(t *testing.T) {
	t.Parallel()
	store := newStubStore(map[string]int64{"user-neg": 100})
	service := mustNewService(t, store)
	traceID := mustTraceID(t, "trace-neg")
	mustPreDeduct(t, service, traceID, "user-neg", 10)

	_, err := service.Adjust(context.Background(), traceID, -50, 0)
	if !errors.Is(err, ErrInvalidUsageUnits) {
		t.Fatalf("expected ErrInvalidUsageUnits, got %v", err)
	}
	_, err = service.Adjust(context.Background(), traceID, 0, -1)
	if !errors.Is(err, ErrInvalidUsageUnits) {
		t.Fatalf("expected ErrInvalidUsageUnits, got %v", err)
	}
	if got := store.balances["user-neg"]; got != 90 {
		t.Fatalf("balance must stay 90, got %d", got)
	}
	record := store.mustReservation(t, "trace-neg")
	if record.Status != ReservationStatusPending {
		t.Fatalf("reservation must stay pending, got %s", record.Status)
	}
}

func TestAdjustLogsReservationUser(t *testing.T) {
	t.Parallel()
	store := newStubStore(map[string]int64{"user-log": 100})
	recorder := &recordingLogger{}
	service, err := NewService(store, unitPricing{}, func() int64 { return 0 }, WithOperationLogger(recorder))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	traceID := mustTraceID(t, "trace-log")
	mustPreDeduct(t, service, traceID, "user-log", 10)

	if _, err := service.Adjust(context.Background(), traceID, 13, 0); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	last := recorder.entries[len(recorder.entries)-1]
	if last.Operation != operationAdjust {
		t.Fatalf("expected adjust entry, got %s", last.Operation)
	}
	if last.UserID.String() != "user-log" {
		t.Fatalf("expected user id on adjust log, got %q", last.UserID.String())
	}
}

func TestAdjustUnknownTrace(t *testing.T) {
	t.Parallel()
	store := newStubStore(nil)
	service := mustNewService(t, store)

	_, err := service.Adjust(context.Background(), mustTraceID(t, "trace-missing"), 10, 0)
	if !errors.Is(err, ErrUnknownReservation) {
		t.Fatalf("expected ErrUnknownReservation, got %v", err)
	}
}

func TestAdjustRecordsOutstandingDebt(t *testing.T) {
	t.Parallel()
	store := newStubStore(map[string]int64{"user-9": 10})
	service := mustNewService(t, store)
	traceID := mustTraceID(t, "trace-debt")
	mustPreDeduct(t, service, traceID, "user-9", 10)

	result, err := service.Adjust(context.Background(), traceID, 15, 0)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if result.Kind != AdjustmentAdditionalCharge || result.OutstandingDebt != 5 {
		t.Fatalf("expected debt of 5, got %+v", result)
	}
	if got := store.balances["user-9"]; got != 0 {
		t.Fatalf("balance must never go negative, got %d", got)
	}
	record := store.mustReservation(t, "trace-debt")
	if record.Status != ReservationStatusSettled || record.OutstandingDebt != 5 {
		t.Fatalf("expected settled record with outstanding debt 5, got %+v", record)
	}
}

func TestRefundReturnsReservedAmount(t *testing.T) {
	t.Parallel()
	store := newStubStore(map[string]int64{"user-10": 100})
	service := mustNewService(t, store)
	traceID := mustTraceID(t, "trace-refund")
	mustPreDeduct(t, service, traceID, "user-10", 40)

	if err := service.Refund(context.Background(), traceID); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if got := store.balances["user-10"]; got != 100 {
		t.Fatalf("expected full restoration to 100, got %d", got)
	}
	record := store.mustReservation(t, "trace-refund")
	if record.Status != ReservationStatusRefunded {
		t.Fatalf("expected refunded reservation, got %s", record.Status)
	}
}

func TestRefundAfterSettleIsNoOp(t *testing.T) {
	t.Parallel()
	store := newStubStore(map[string]int64{"user-14": 100})
	service := mustNewService(t, store)
	traceID := mustTraceID(t, "trace-settled-refund")
	mustPreDeduct(t, service, traceID, "user-14", 30)
	if _, err := service.Adjust(context.Background(), traceID, 45, 0); err != nil {
		t.Fatalf("adjust: %v", err)
	}

	if err := service.Refund(context.Background(), traceID); err != nil {
		t.Fatalf("refund on settled: %v", err)
	}
	if got := store.balances["user-14"]; got != 55 {
		t.Fatalf("settled charge must stand after refund attempt, got %d", got)
	}
	record := store.mustReservation(t, "trace-settled-refund")
	if record.Status != ReservationStatusSettled {
		t.Fatalf("record must stay settled, got %s", record.Status)
	}
}

func TestRefundIsIdempotent(t *testing.T) {
	t.Parallel()
	store := newStubStore(map[string]int64{"user-11": 100})
	service := mustNewService(t, store)
	traceID := mustTraceID(t, "trace-refund-twice")
	mustPreDeduct(t, service, traceID, "user-11", 40)

	if err := service.Refund(context.Background(), traceID); err != nil {
		t.Fatalf("first refund: %v", err)
	}
	if err := service.Refund(context.Background(), traceID); err != nil {
		t.Fatalf("second refund: %v", err)
	}
	if got := store.balances["user-11"]; got != 100 {
		t.Fatalf("refund must apply once, got balance %d", got)
	}
}

func TestRefundUnknownTrace(t *testing.T) {
	t.Parallel()
	store := newStubStore(nil)
	service := mustNewService(t, store)

	err := service.Refund(context.Background(), mustTraceID(t, "trace-gone"))
	if !errors.Is(err, ErrUnknownReservation) {
		t.Fatalf("expected ErrUnknownReservation, got %v", err)
	}
}

func TestPreDeductRetriesTransientConflicts(t *testing.T) {
	t.Parallel()
	store := newStubStore(map[string]int64{"user-12": 100})
	flaky := &conflictStore{stubStore: store, failures: 2}
	service := mustNewService(t, flaky)

	_, err := service.PreDeduct(context.Background(), mustTraceID(t, "trace-flaky"), mustUserID(t, "user-12"), mustAmount(t, 10), "openai", "gpt-5", "chat", mustMetadata(t, "{}"))
	if err != nil {
		t.Fatalf("pre-deduct after retries: %v", err)
	}
	if flaky.attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", flaky.attempts)
	}
}

func TestPreDeductStopsAfterRetryBudget(t *testing.T) {
	t.Parallel()
	store := newStubStore(map[string]int64{"user-13": 100})
	flaky := &conflictStore{stubStore: store, failures: 1000}
	service := mustNewService(t, flaky)

	_, err := service.PreDeduct(context.Background(), mustTraceID(t, "trace-doomed"), mustUserID(t, "user-13"), mustAmount(t, 10), "openai", "gpt-5", "chat", mustMetadata(t, "{}"))
	if !errors.Is(err, ErrTransientConflict) {
		t.Fatalf("expected ErrTransientConflict, got %v", err)
	}
	if flaky.attempts != retryBudgetReservation {
		t.Fatalf("expected %d attempts, got %d", retryBudgetReservation, flaky.attempts)
	}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	t.Parallel()
	clock := func() int64 { return 0 }
	if _, err := NewService(nil, unitPricing{}, clock); !errors.Is(err, ErrInvalidServiceConfig) {
		t.Fatalf("expected invalid service config for nil store, got %v", err)
	}
	if _, err := NewService(newStubStore(nil), nil, clock); !errors.Is(err, ErrInvalidServiceConfig) {
		t.Fatalf("expected invalid service config for nil pricing, got %v", err)
	}
	if _, err := NewService(newStubStore(nil), unitPricing{}, nil); !errors.Is(err, ErrInvalidServiceConfig) {
		t.Fatalf("expected invalid service config for nil clock, got %v", err)
	}
}

// --- helpers ---

// unitPricing prices every unit at one credit so settled costs equal
// inputUnits + outputUnits.
type unitPricing struct{}

func (unitPricing) CostUSD(_ string, _ string, _ string, inputUnits int64, outputUnits int64) (decimal.Decimal, error) {
	return decimal.NewFromInt(inputUnits + outputUnits), nil
}

func (unitPricing) CreditsPerUSD() decimal.Decimal {
	return decimal.NewFromInt(1)
}

type stubStore struct {
	balances     map[string]int64
	consumed     map[string]int64
	reservations map[string]ReservationRecord
}

func newStubStore(initialBalances map[string]int64) *stubStore {
	balances := make(map[string]int64, len(initialBalances))
	for userID, balance := range initialBalances {
		balances[userID] = balance
	}
	return &stubStore{
		balances:     balances,
		consumed:     make(map[string]int64),
		reservations: make(map[string]ReservationRecord),
	}
}

func (s *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, s)
}

func (s *stubStore) GetAccount(ctx context.Context, userID UserID) (Account, error) {
	return Account{
		UserID:               userID.String(),
		CreditBalance:        s.balances[userID.String()],
		TotalCreditsConsumed: s.consumed[userID.String()],
	}, nil
}

func (s *stubStore) TryDeduct(ctx context.Context, userID UserID, amount int64) (bool, error) {
	if amount <= 0 {
		return true, nil
	}
	if s.balances[userID.String()] < amount {
		return false, nil
	}
	s.balances[userID.String()] -= amount
	s.consumed[userID.String()] += amount
	return true, nil
}

func (s *stubStore) Add(ctx context.Context, userID UserID, amount int64) error {
	s.balances[userID.String()] += amount
	return nil
}

func (s *stubStore) ReservationExists(ctx context.Context, traceID TraceID) (bool, error) {
	_, exists := s.reservations[traceID.String()]
	return exists, nil
}

func (s *stubStore) CreateReservation(ctx context.Context, record ReservationRecord) error {
	if _, exists := s.reservations[record.TraceID]; exists {
		return ErrDuplicateReservation
	}
	s.reservations[record.TraceID] = record
	return nil
}

func (s *stubStore) GetReservation(ctx context.Context, traceID TraceID) (ReservationRecord, error) {
	record, exists := s.reservations[traceID.String()]
	if !exists {
		return ReservationRecord{}, ErrUnknownReservation
	}
	return record, nil
}

func (s *stubStore) SettleReservation(ctx context.Context, traceID TraceID, settlement Settlement) error {
	record, exists := s.reservations[traceID.String()]
	if !exists {
		return ErrUnknownReservation
	}
	if record.Status != ReservationStatusPending {
		return ErrTransientConflict
	}
	record.Status = ReservationStatusSettled
	settledCost := settlement.SettledCost
	adjustmentAmount := settlement.AdjustmentAmount
	kind := settlement.Kind
	record.SettledCost = &settledCost
	record.AdjustmentAmount = &adjustmentAmount
	record.AdjustmentKind = &kind
	record.OutstandingDebt = settlement.OutstandingDebt
	record.SettledUnixUTC = settlement.SettledUnixUTC
	s.reservations[traceID.String()] = record
	return nil
}

func (s *stubStore) MarkRefunded(ctx context.Context, traceID TraceID, refundedUnixUTC int64) error {
	record, exists := s.reservations[traceID.String()]
	if !exists {
		return ErrUnknownReservation
	}
	if record.Status != ReservationStatusPending {
		return ErrTransientConflict
	}
	record.Status = ReservationStatusRefunded
	record.SettledUnixUTC = refundedUnixUTC
	s.reservations[traceID.String()] = record
	return nil
}

func (s *stubStore) mustReservation(t *testing.T, traceID string) ReservationRecord {
	t.Helper()
	record, exists := s.reservations[traceID]
	if !exists {
		t.Fatalf("reservation %s not found", traceID)
	}
	return record
}

// conflictStore fails the first N transactions with a transient conflict.
type conflictStore struct {
	*stubStore
	failures int
	attempts int
}

func (s *conflictStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	s.attempts++
	if s.attempts <= s.failures {
		return ErrTransientConflict
	}
	return s.stubStore.WithTx(ctx, fn)
}

func mustNewService(t *testing.T, store Store) *Service {
	t.Helper()
	service, err := NewService(store, unitPricing{}, func() int64 { return 1_700_000_000 })
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

func mustPreDeduct(t *testing.T, service *Service, traceID TraceID, rawUserID string, amount int64) {
	t.Helper()
	_, err := service.PreDeduct(context.Background(), traceID, mustUserID(t, rawUserID), mustAmount(t, amount), "openai", "gpt-5", "chat", mustMetadata(t, "{}"))
	if err != nil {
		t.Fatalf("pre-deduct %s: %v", traceID.String(), err)
	}
}

func mustUserID(t *testing.T, raw string) UserID {
	t.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	return value
}

func mustTraceID(t *testing.T, raw string) TraceID {
	t.Helper()
	value, err := NewTraceID(raw)
	if err != nil {
		t.Fatalf("trace id: %v", err)
	}
	return value
}

func mustAmount(t *testing.T, raw int64) CreditAmount {
	t.Helper()
	value, err := NewCreditAmount(raw)
	if err != nil {
		t.Fatalf("credit amount: %v", err)
	}
	return value
}

func mustMetadata(t *testing.T, raw string) MetadataJSON {
	t.Helper()
	value, err := NewMetadataJSON(raw)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	return value
}
