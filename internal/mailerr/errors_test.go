package mailerr

import (
	"errors"
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
		{"nil", nil, KindInternal},
		{"plain", errors.New("boom"), KindInternal},
		{"direct", NotFound("account %q", "work"), KindNotFound},
		{"wrapped", fmt.Errorf("listing: %w", Wrap(KindConnection, "connect", io.EOF, "connection lost")), KindConnection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorsIsSentinel(t *testing.T) {
	err := fmt.Errorf("outer: %w", Conflict("account %q already exists", "work"))

	if !errors.Is(err, ErrConflict) {
		t.Error("expected errors.Is to match ErrConflict")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("expected errors.Is not to match ErrNotFound")
	}
}

func TestErrorsIsCause(t *testing.T) {
	err := Wrap(KindConnection, "imap.fetch", io.EOF, "connection lost")
	if !errors.Is(err, io.EOF) {
		t.Error("expected cause to be reachable through Unwrap")
	}
}

func TestCode(t *testing.T) {
	tests := map[Kind]string{
		KindInternal:        "internal",
		KindInvalidArgument: "invalid_argument",
		KindConflict:        "conflict",
		KindNotFound:        "not_found",
		KindAuthentication:  "authentication_failed",
		KindConnection:      "connection_error",
		KindUnauthorized:    "unauthorized",
		KindStaleReference:  "uid_validity_changed",
	}

	for kind, want := range tests {
		if got := Code(&Error{Kind: kind}); got != want {
			t.Errorf("Code(%d) = %q, want %q", kind, got, want)
		}
	}
}

func TestMessageHidesInternalDetail(t *testing.T) {
	if got := Message(errors.New("sql: database is locked")); got != "internal error" {
		t.Errorf("Message() = %q, want generic message", got)
	}

	err := Wrap(KindAuthentication, "connect", errors.New("NO [AUTHENTICATIONFAILED] bad password for bob"), "authentication rejected by server")
	if got := Message(err); got != "authentication rejected by server" {
		t.Errorf("Message() = %q", got)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(Wrap(KindConnection, "connect", io.EOF, "")) {
		t.Error("connection errors should be retryable")
	}
	for _, k := range []Kind{KindInvalidArgument, KindNotFound, KindAuthentication, KindConflict, KindStaleReference} {
		if IsRetryable(&Error{Kind: k}) {
			t.Errorf("kind %v should not be retryable", k)
		}
	}
}

func TestErrorString(t *testing.T) {
	err := Wrap(KindConnection, "connect", io.EOF, "dial failed")
	if got, want := err.Error(), "connect: dial failed: EOF"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
