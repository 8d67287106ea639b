package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesFieldsAndCause(t *testing.T) {
	err := New(
		"oms",
		CodeInvalid,
		WithMessage("quantity not a lot multiple"),
		WithField("instrument", "NIFTY24DECFUT"),
		WithField("order_id", "ord-1"),
		WithCause(errors.New("lot size 50")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=oms") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=invalid_request") {
		t.Fatalf("expected code in error string: %s", out)
	}
	expectedFields := "fields=instrument=\"NIFTY24DECFUT\",order_id=\"ord-1\""
	if !strings.Contains(out, expectedFields) {
		t.Fatalf("expected fields %q in error string: %s", expectedFields, out)
	}
	if !strings.Contains(out, "cause=\"lot size 50\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestCodeOfWalksWrappedChain(t *testing.T) {
	inner := New("gateway", CodeNetwork, WithMessage("dial timeout"))
	wrapped := fmt.Errorf("place order: %w", inner)
	if got := CodeOf(wrapped); got != CodeNetwork {
		t.Fatalf("expected network code, got %q", got)
	}
	if !IsTransient(wrapped) {
		t.Fatalf("expected network error to be transient")
	}
	if IsCorrupt(wrapped) {
		t.Fatalf("network error must not be corrupt")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatalf("plain errors carry no code")
	}
}

func TestCorruptHelper(t *testing.T) {
	err := Corrupt("candles", "unknown instrument", WithField("instrument", "XYZ"))
	if !IsCorrupt(err) {
		t.Fatalf("expected corrupt classification")
	}
	if err.Fields["instrument"] != "XYZ" {
		t.Fatalf("expected instrument field, got %v", err.Fields)
	}
}

func TestUnavailableWrapsCause(t *testing.T) {
	cause := errors.New("database is locked")
	err := Unavailable("eventlog", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable through Unwrap")
	}
	if !IsTransient(err) {
		t.Fatalf("expected unavailable error to be transient")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
