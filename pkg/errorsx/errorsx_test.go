package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	base := errors.New("dial tcp: refused")
	err := Wrap(base, ReasonSTTConnect)
	if Reason(err) != ReasonSTTConnect {
		t.Fatalf("expected stt_connect, got %q", Reason(err))
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to unwrap to base")
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(nil, ReasonPersistence); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestWrapKeepsFirstReason(t *testing.T) {
	err := Wrap(New(ReasonCredentialFetch, "token fetch timed out"), ReasonSTTConnect)
	if Reason(err) != ReasonCredentialFetch {
		t.Fatalf("expected original reason to survive, got %q", Reason(err))
	}
}

func TestReasonSurvivesFmtWrapping(t *testing.T) {
	err := fmt.Errorf("connect upstream: %w", New(ReasonSTTConnect, "handshake timeout"))
	if !HasReason(err, ReasonSTTConnect) {
		t.Fatalf("expected reason to survive fmt wrapping")
	}
}

func TestReasonOfPlainError(t *testing.T) {
	if Reason(errors.New("plain")) != ReasonUnknown {
		t.Fatalf("expected unknown reason for plain error")
	}
	if Reason(nil) != ReasonUnknown {
		t.Fatalf("expected unknown reason for nil")
	}
}
