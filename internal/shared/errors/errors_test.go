package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapLeavesOriginalUntouched(t *testing.T) {
	sentinel := Unavailable("object store unreachable", nil)
	original := sentinel.Message

	wrapped := Wrap(sentinel, "storing minutes file")
	if wrapped == sentinel {
		t.Fatal("Wrap must return a copy, not the received error")
	}
	if sentinel.Message != original {
		t.Errorf("Wrap mutated the original message: %q", sentinel.Message)
	}
	if wrapped.Message != "storing minutes file: "+original {
		t.Errorf("unexpected wrapped message %q", wrapped.Message)
	}
	if wrapped.Code != "UNAVAILABLE" || wrapped.HTTPStatus != sentinel.HTTPStatus {
		t.Error("Wrap must preserve the original's code and status")
	}
}

func TestWrapRepeatedlyDoesNotAccumulateOnSentinel(t *testing.T) {
	sentinel := Unavailable("ledger peer down", nil)
	original := sentinel.Message

	for i := 0; i < 3; i++ {
		Wrap(sentinel, fmt.Sprintf("call %d", i))
	}
	if sentinel.Message != original {
		t.Errorf("shared sentinel accumulated wrapping: %q", sentinel.Message)
	}
}

func TestWrapPlainError(t *testing.T) {
	cause := errors.New("connection reset")
	wrapped := Wrap(cause, "failed to save job")

	if !errors.Is(wrapped, cause) {
		t.Error("wrapped error must unwrap to its cause")
	}
	if wrapped.Code != "INTERNAL_ERROR" {
		t.Errorf("unexpected code %q", wrapped.Code)
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(Unavailable("down", nil)) {
		t.Error("Unavailable errors are transient")
	}
	if IsTransient(Conflict("already approved")) {
		t.Error("Conflict errors are not transient")
	}
	if !IsTransient(Wrap(Unavailable("down", nil), "outer")) {
		t.Error("wrapping must preserve transience")
	}
}
