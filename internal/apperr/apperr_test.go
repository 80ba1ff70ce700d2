package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAsFindsWrappedError(t *testing.T) {
	cause := errors.New("tx aborted")
	err := fmt.Errorf("checkout: %w", Wrap(CodeCheckoutFailed, cause, "checkout failed"))

	typed := As(err)
	if typed == nil || typed.Code() != CodeCheckoutFailed {
		t.Fatalf("expected CHECKOUT_FAILED, got %v", typed)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to stay reachable")
	}
	if !IsCode(err, CodeCheckoutFailed) || IsCode(err, CodeEmptyCart) {
		t.Fatalf("IsCode mismatch")
	}
}

func TestMetadataFor(t *testing.T) {
	if MetadataFor(CodeInsufficientStock).HTTPStatus != http.StatusBadRequest {
		t.Fatalf("insufficient stock must map to 400")
	}
	if MetadataFor(Code("unknown")).HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("unknown codes fall back to internal")
	}
	if MetadataFor(CodeCheckoutFailed).DetailsAllowed {
		t.Fatalf("checkout failures must stay generic")
	}
}

func TestWithDetails(t *testing.T) {
	err := New(CodeInsufficientStock, "short").WithDetails([]string{"Vainilla"})
	details, ok := err.Details().([]string)
	if !ok || len(details) != 1 {
		t.Fatalf("unexpected details %v", err.Details())
	}
	var nilErr *Error
	if nilErr.Code() != CodeInternal || nilErr.WithDetails(1) != nil {
		t.Fatalf("nil receiver must be safe")
	}
}
