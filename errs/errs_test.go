package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesMetadataAndCause(t *testing.T) {
	err := New(
		"chain",
		CodeRateLimited,
		WithRPCCode(-32005),
		WithMessage("eth_call throttled"),
		WithField("method", "orders"),
		WithField("endpoint", "wss://node"),
		WithRemediation("lower scheduler concurrency"),
		WithCause(errors.New("limit exceeded")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=chain") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=rate_limited") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "rpc=-32005") {
		t.Fatalf("expected rpc code in error string: %s", out)
	}
	expectedMeta := "meta=endpoint=\"wss://node\",method=\"orders\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "cause=\"limit exceeded\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestCodeOfWalksWrappedChain(t *testing.T) {
	inner := New("scheduler", CodeTimeout)
	wrapped := fmt.Errorf("fetch batch: %w", inner)

	if got := CodeOf(wrapped); got != CodeTimeout {
		t.Fatalf("expected timeout code, got %q", got)
	}
	if !Is(wrapped, CodeTimeout) {
		t.Fatal("expected Is to match wrapped code")
	}
	if CodeOf(errors.New("plain")) != CodeUnknown {
		t.Fatal("expected plain errors to be unknown")
	}
	if CodeOf(nil) != "" {
		t.Fatal("expected empty code for nil error")
	}
}

func TestRetryable(t *testing.T) {
	cases := map[Code]bool{
		CodeRateLimited: true,
		CodeNetwork:     true,
		CodeTimeout:     true,
		CodeUnavailable: true,
		CodeDecode:      false,
		CodeReverted:    false,
		CodeInvalid:     false,
	}
	for code, want := range cases {
		if got := Retryable(New("x", code)); got != want {
			t.Errorf("Retryable(%s) = %v, want %v", code, got, want)
		}
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}

func TestTransport(t *testing.T) {
	cases := map[Code]bool{
		CodeNetwork:     true,
		CodeClosed:      true,
		CodeTimeout:     true,
		CodeUnavailable: true,
		CodeRateLimited: false,
		CodeReverted:    false,
		CodeDecode:      false,
		CodeUnknown:     false,
	}
	for code, want := range cases {
		if got := Transport(fmt.Errorf("wrapped: %w", New("x", code))); got != want {
			t.Errorf("Transport(%s) = %v, want %v", code, got, want)
		}
	}
	if Transport(nil) {
		t.Error("Transport(nil) = true")
	}
}
