package apperrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"unsupported tool sentinel", ErrUnsupportedTool, KindNotFound},
		{"invalid input sentinel", ErrInvalidToolInput, KindInvalidInput},
		{"command timeout sentinel", ErrCommandTimeout, KindTimeout},
		{"session died sentinel", ErrSessionDied, KindExecution},
		{"wrapped timeout sentinel", fmt.Errorf("running: %w", ErrCommandTimeout), KindTimeout},
		{"message says timeout", errors.New("context deadline exceeded"), KindTimeout},
		{"message says connection refused", errors.New("dial tcp: connection refused"), KindNetwork},
		{"message says rate limited", errors.New("429 too many requests"), KindRateLimit},
		{"message says forbidden", errors.New("403 forbidden"), KindPermission},
		{"message says canceled", errors.New("operation canceled"), KindCanceled},
		{"message says invalid", errors.New("invalid argument: foo is required"), KindInvalidInput},
		{"unrecognized message", errors.New("exit status 1"), KindExecution},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got != tt.want {
				t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestKindIsRetryable(t *testing.T) {
	retryable := []Kind{KindTimeout, KindNetwork, KindRateLimit}
	notRetryable := []Kind{KindNotFound, KindInvalidInput, KindPermission, KindExecution, KindCanceled, KindUnknown}
	for _, k := range retryable {
		if !k.IsRetryable() {
			t.Errorf("Kind %q should be retryable", k)
		}
	}
	for _, k := range notRetryable {
		if k.IsRetryable() {
			t.Errorf("Kind %q should not be retryable", k)
		}
	}
}

func TestNewToolErrorClassifiesAndWraps(t *testing.T) {
	cause := ErrCommandTimeout
	te := NewToolError("bash", cause).WithToolCallID("call_1").WithAttempts(3)

	if te.Kind != KindTimeout {
		t.Errorf("Kind = %q, want %q", te.Kind, KindTimeout)
	}
	if !te.Retryable {
		t.Error("expected Retryable true for timeout kind")
	}
	if te.ToolCallID != "call_1" {
		t.Errorf("ToolCallID = %q, want call_1", te.ToolCallID)
	}
	if te.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", te.Attempts)
	}
	if !errors.Is(te, ErrCommandTimeout) {
		t.Error("expected errors.Is to find wrapped ErrCommandTimeout")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(NewToolError("bash", ErrCommandTimeout)) {
		t.Error("expected timeout ToolError to be retryable")
	}
	if IsRetryable(NewToolError("bash", ErrUnsupportedTool)) {
		t.Error("expected not-found ToolError to not be retryable")
	}
	if !IsRetryable(errors.New("connection refused")) {
		t.Error("expected bare network-ish error to be retryable via Classify fallback")
	}
}

func TestPromptErrorUnwrapAndMessage(t *testing.T) {
	cause := errors.New("stream closed unexpectedly")
	pe := &PromptError{Phase: PhaseStream, Iteration: 2, Cause: cause}

	if !errors.Is(pe, cause) {
		t.Error("expected errors.Is to find wrapped cause via Unwrap")
	}
	want := "prompt error at stream (iteration 2): stream closed unexpectedly"
	if pe.Error() != want {
		t.Errorf("Error() = %q, want %q", pe.Error(), want)
	}

	withMsg := &PromptError{Phase: PhaseExecuteTools, Iteration: 0, Message: "no tools registered"}
	wantMsg := "prompt error at execute_tools (iteration 0): no tools registered"
	if withMsg.Error() != wantMsg {
		t.Errorf("Error() = %q, want %q", withMsg.Error(), wantMsg)
	}
}

func TestToolErrorAsMatchesConcreteType(t *testing.T) {
	wrapped := fmt.Errorf("executing: %w", NewToolError("bash", ErrSessionDied))
	var te *ToolError
	if !errors.As(wrapped, &te) {
		t.Fatal("expected errors.As to unwrap to *ToolError")
	}
	if te.ToolName != "bash" {
		t.Errorf("ToolName = %q, want bash", te.ToolName)
	}
}
