package credits

import (
	"errors"
	"testing"
)

func TestOperationErrorFormatting(test *testing.T) {
	test.Parallel()
	baseError := errors.New("base error")
	wrappedError := WrapError("store", "balance", "debit", baseError)
	if wrappedError == nil {
		test.Fatalf("expected wrapped error")
	}
	expected := "store.balance.debit: base error"
	if wrappedError.Error() != expected {
		test.Fatalf("expected %q, got %q", expected, wrappedError.Error())
	}
	if !errors.Is(wrappedError, baseError) {
		test.Fatalf("expected wrapped error to unwrap to the base error")
	}
}

func TestWrapErrorNil(test *testing.T) {
	test.Parallel()
	if WrapError("store", "balance", "debit", nil) != nil {
		test.Fatalf("expected nil wrapped error")
	}
}

func TestWrapErrorPreservesSentinels(test *testing.T) {
	test.Parallel()
	wrappedError := WrapError("store", "transaction", "duplicate", ErrDuplicateReference)
	if !errors.Is(wrappedError, ErrDuplicateReference) {
		test.Fatalf("expected ErrDuplicateReference to survive wrapping")
	}
	var operationError OperationError
	if !errors.As(wrappedError, &operationError) {
		test.Fatalf("expected OperationError")
	}
	if operationError.Code() != "duplicate" {
		test.Fatalf("expected duplicate code, got %q", operationError.Code())
	}
}
