package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCodeAndCause(t *testing.T) {
	cause := stdErrors.New("disk full")
	err := Wrap(CodeStorageFailure, cause, "写入失败", WithMetadata("table", "tasks"))

	if err.Error() != "[STORAGE_FAILURE] 写入失败: disk full" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("cause not reachable through errors.Is")
	}
	if !stdErrors.Is(err, New(CodeStorageFailure, "")) {
		t.Fatalf("errors.Is should match by code")
	}
	if got := err.Metadata()["table"]; got != "tasks" {
		t.Fatalf("metadata = %q", got)
	}
	if !err.Retryable() || !err.ShouldAlert() || err.Severity() != SeverityCritical {
		t.Fatalf("storage defaults not applied: %+v", err)
	}
}

func TestOverridesAndNestedCodes(t *testing.T) {
	inner := New(CodeExecutorTimeout, "", WithAlert(false), WithSeverity(SeverityInfo))
	if inner.ShouldAlert() || inner.Severity() != SeverityInfo {
		t.Fatalf("overrides ignored")
	}
	if inner.Message() != "agent execution timed out" {
		t.Fatalf("default message = %q", inner.Message())
	}

	outer := fmt.Errorf("tick: %w", Wrap(CodeExecutorFailure, inner, "代理执行失败"))
	if CodeOf(outer) != CodeExecutorFailure {
		t.Fatalf("CodeOf = %s", CodeOf(outer))
	}
	if !HasCode(outer, CodeExecutorTimeout) || HasCode(outer, CodeStorageFailure) {
		t.Fatalf("HasCode did not walk the chain")
	}
	if CodeOf(stdErrors.New("plain")) != CodeUnknown || ShouldAlert(nil) || RetryableError(nil) {
		t.Fatalf("plain errors should map to UNKNOWN without flags")
	}
}

func TestRegister(t *testing.T) {
	Register("TEST_REGISTERED", Attributes{Message: "registered", Alert: true})
	attrs := AttributesOf("TEST_REGISTERED")
	if attrs.Message != "registered" || attrs.Severity != SeverityWarning || !attrs.Alert {
		t.Fatalf("unexpected attributes %+v", attrs)
	}
	if AttributesOf("NEVER_REGISTERED").Message != AttributesOf(CodeUnknown).Message {
		t.Fatalf("unregistered code should fall back to UNKNOWN")
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for malformed code")
		}
	}()
	Register("bad-code", Attributes{})
}
