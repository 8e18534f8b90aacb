package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestNewUsesRegistryDefaults(t *testing.T) {
	err := New(CodeCapabilityTimeout, "")
	if err.Message() == "" {
		t.Fatal("expected default message from registry")
	}
	if !err.Retryable() {
		t.Fatal("timeout errors default to retryable")
	}

	permanent := New(CodeValidationFailed, "bad input")
	if permanent.Retryable() {
		t.Fatal("validation errors must not be retryable")
	}
}

func TestWithRetryableOverridesDefault(t *testing.T) {
	err := New(CodeCapabilityFailure, "upstream 502", WithRetryable(true))
	if !err.Retryable() {
		t.Fatal("expected override to win over registry default")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stdErrors.New("connection refused")
	err := Wrap(CodeCapabilityFailure, cause, "invoke failed")

	if !stdErrors.Is(err, cause) {
		t.Fatal("wrapped cause must be reachable via errors.Is")
	}
	if CodeOf(err) != CodeCapabilityFailure {
		t.Fatalf("unexpected code %s", CodeOf(err))
	}
}

func TestCodeOfThroughWrapping(t *testing.T) {
	inner := New(CodeTokenExpired, "")
	outer := fmt.Errorf("resolve: %w", inner)

	if CodeOf(outer) != CodeTokenExpired {
		t.Fatalf("expected code to survive fmt wrapping, got %s", CodeOf(outer))
	}
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatal("plain errors map to unknown code")
	}
}

func TestIsMatchesByCode(t *testing.T) {
	a := New(CodeConflict, "first")
	b := New(CodeConflict, "second")
	if !stdErrors.Is(a, b) {
		t.Fatal("errors with the same code must match")
	}
	c := New(CodeUnknown, "other")
	if stdErrors.Is(a, c) {
		t.Fatal("different codes must not match")
	}
}

func TestMessageFallbacks(t *testing.T) {
	if got := Message(New(CodeStorageFailure, "write failed")); got != "write failed" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := Message(stdErrors.New("plain failure")); got != "plain failure" {
		t.Fatalf("unexpected fallback %q", got)
	}
	if got := Message(nil); got != "" {
		t.Fatalf("expected empty message for nil, got %q", got)
	}
}

func TestWithMetadata(t *testing.T) {
	err := New(CodeCapabilityFailure, "boom", WithMetadata("capability", "market-analysis"))
	meta := err.Metadata()
	if meta["capability"] != "market-analysis" {
		t.Fatalf("unexpected metadata %v", meta)
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom failure", Severity: SeverityWarning, Retryable: true})

	if !RetryableError(New(code, "")) {
		t.Fatal("registered attributes must apply")
	}
	if AttributesOf(code).Message != "custom failure" {
		t.Fatal("registered message lost")
	}
}
