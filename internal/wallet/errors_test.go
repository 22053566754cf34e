package wallet

import (
	"errors"
	"fmt"
	"testing"
)

func TestHasCode(t *testing.T) {
	direct := &RequestError{Code: CodeUnrecognizedChain, Message: "unrecognized chain"}
	if !HasCode(fmt.Errorf("switch: %w", direct), CodeUnrecognizedChain) {
		t.Fatalf("expected wrapped code to be found")
	}

	nested := &RequestError{
		Code:    -32603,
		Message: "internal error",
		Data: map[string]interface{}{
			"originalError": map[string]interface{}{"code": float64(CodeUnrecognizedChain)},
		},
	}
	if !HasCode(nested, CodeUnrecognizedChain) {
		t.Fatalf("expected nested code to be found")
	}
	if HasCode(nested, CodeUserRejected) {
		t.Fatalf("unexpected match for a different code")
	}
	if HasCode(errors.New("plain"), CodeUnrecognizedChain) {
		t.Fatalf("plain errors carry no code")
	}
}

func TestRequestErrorMessage(t *testing.T) {
	if got := (&RequestError{Code: 4001}).Error(); got != "provider error 4001" {
		t.Fatalf("unexpected message %q", got)
	}
	code, ok := ErrorCode(&RequestError{Code: CodeUserRejected, Message: "User rejected"})
	if !ok || code != CodeUserRejected {
		t.Fatalf("unexpected code %d %v", code, ok)
	}
}
