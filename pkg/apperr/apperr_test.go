package apperr

import (
	"fmt"
	"io"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "plain error", err: io.EOF, want: Internal},
		{name: "kinded", err: New(NotFound, "instruction %d not found", 7), want: NotFound},
		{name: "wrapped by fmt", err: fmt.Errorf("settle: %w", New(NotTradable, "paused")), want: NotTradable},
		{name: "wrap keeps outer kind", err: Wrap(Busy, New(ConcurrentModification, "stale"), "gave up"), want: Busy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(UpstreamCustodyFailure, io.ErrUnexpectedEOF, "freeze %s", "tok")
	if err.Error() != "freeze tok: unexpected EOF" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !Is(err, UpstreamCustodyFailure) {
		t.Errorf("expected UpstreamCustodyFailure kind")
	}
	if Is(nil, Internal) {
		t.Errorf("nil error must not match any kind")
	}
}

func TestRetryable(t *testing.T) {
	for _, k := range []Kind{ConcurrentModification, InsufficientQuantity, InvalidInstruction, Busy} {
		if !Retryable(New(k, "x")) {
			t.Errorf("%s should be retryable", k)
		}
	}
	for _, k := range []Kind{Validation, NotFound, NotCancellable, NotTradable, UpstreamCustodyFailure, Internal} {
		if Retryable(New(k, "x")) {
			t.Errorf("%s should not be retryable", k)
		}
	}
	if Retryable(nil) {
		t.Error("nil should not be retryable")
	}
}
