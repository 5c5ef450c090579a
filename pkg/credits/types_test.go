package credits

import (
	"errors"
	"testing"
)

func TestNewUserIDTrimsAndRejectsEmpty(t *testing.T) {
	t.Parallel()
	userID, err := NewUserID("  user-42  ")
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	if userID.String() != "user-42" {
		t.Fatalf("expected trimmed id, got %q", userID.String())
	}
	if _, err := NewUserID("   "); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
}

func TestNewTraceIDRejectsEmpty(t *testing.T) {
	t.Parallel()
	if _, err := NewTraceID(""); !errors.Is(err, ErrInvalidTraceID) {
		t.Fatalf("expected ErrInvalidTraceID, got %v", err)
	}
}

func TestNewCreditAmountRequiresPositive(t *testing.T) {
	t.Parallel()
	amount, err := NewCreditAmount(7)
	if err != nil {
		t.Fatalf("credit amount: %v", err)
	}
	if amount.Int64() != 7 {
		t.Fatalf("expected 7, got %d", amount.Int64())
	}
	if _, err := NewCreditAmount(0); !errors.Is(err, ErrInvalidCreditAmount) {
		t.Fatalf("expected ErrInvalidCreditAmount for zero, got %v", err)
	}
	if _, err := NewCreditAmount(-3); !errors.Is(err, ErrInvalidCreditAmount) {
		t.Fatalf("expected ErrInvalidCreditAmount for negative, got %v", err)
	}
}

func TestNewMetadataJSONDefaultsAndValidates(t *testing.T) {
	t.Parallel()
	empty, err := NewMetadataJSON("  ")
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if empty.String() != "{}" {
		t.Fatalf("expected empty object default, got %q", empty.String())
	}
	if _, err := NewMetadataJSON("{not json"); !errors.Is(err, ErrInvalidMetadataJSON) {
		t.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
}

func TestParseReservationStatus(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"pending", "settled", "refunded"} {
		status, err := ParseReservationStatus(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if status.String() != raw {
			t.Fatalf("round trip mismatch for %q", raw)
		}
	}
	if _, err := ParseReservationStatus("cancelled"); !errors.Is(err, ErrInvalidReservationStatus) {
		t.Fatalf("expected ErrInvalidReservationStatus, got %v", err)
	}
}

func TestReservationStatusTerminal(t *testing.T) {
	t.Parallel()
	if ReservationStatusPending.Terminal() {
		t.Fatalf("pending must not be terminal")
	}
	if !ReservationStatusSettled.Terminal() || !ReservationStatusRefunded.Terminal() {
		t.Fatalf("settled and refunded must be terminal")
	}
}

func TestParseAdjustmentKind(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"additional_charge", "refund", "no_adjustment"} {
		kind, err := ParseAdjustmentKind(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if kind.String() != raw {
			t.Fatalf("round trip mismatch for %q", raw)
		}
	}
	if _, err := ParseAdjustmentKind("surcharge"); !errors.Is(err, ErrInvalidAdjustmentKind) {
		t.Fatalf("expected ErrInvalidAdjustmentKind, got %v", err)
	}
}

func TestOperationErrorCarriesSegments(t *testing.T) {
	t.Parallel()
	wrapped := WrapError("store", "reservation", "settle", ErrUnknownReservation)
	var operationError OperationError
	if !errors.As(wrapped, &operationError) {
		t.Fatalf("expected OperationError, got %T", wrapped)
	}
	if operationError.Operation() != "store" || operationError.Subject() != "reservation" || operationError.Code() != "settle" {
		t.Fatalf("unexpected segments: %+v", operationError)
	}
	if !errors.Is(wrapped, ErrUnknownReservation) {
		t.Fatalf("wrapped error must unwrap to the sentinel")
	}
	if WrapError("store", "reservation", "settle", nil) != nil {
		t.Fatalf("wrapping nil must stay nil")
	}
}
