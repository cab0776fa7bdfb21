package transport

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessageFormat(t *testing.T) {
	cause := errors.New("adapter powered off")
	err := NewSetupError(ErrCodeAdapterUnavailable, "Start", cause)

	want := "Start: transport setup failed: adapter powered off"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("link lost")
	err := NewSendError("Send", cause)

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the underlying cause")
	}
}

func TestErrorIsMatchesOnCode(t *testing.T) {
	a := NewSendError("Send", errors.New("a"))
	b := NewSendError("SendChunks", errors.New("b"))
	if !errors.Is(a, b) {
		t.Error("errors with the same code should match")
	}

	c := NewNotConnectedError("Send")
	if errors.Is(a, c) {
		t.Error("errors with different codes should not match")
	}
}

func TestIsSetupError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{NewSetupError(ErrCodeAdapterUnavailable, "Start", nil), true},
		{NewSetupError(ErrCodeAdvertiseFailed, "Start", nil), true},
		{NewSetupError(ErrCodeIdentMismatch, "Connect", nil), true},
		{NewSendError("Send", errors.New("x")), false},
		{NewNotConnectedError("Send"), false},
		{errors.New("plain"), false},
		{fmt.Errorf("wrapped: %w", NewSetupError(ErrCodeConnectFailed, "Connect", nil)), true},
	}

	for _, tt := range tests {
		if got := IsSetupError(tt.err); got != tt.want {
			t.Errorf("IsSetupError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestGetErrorCode(t *testing.T) {
	if got := GetErrorCode(NewNotConnectedError("Send")); got != ErrCodeNotConnected {
		t.Errorf("GetErrorCode = %d, want %d", got, ErrCodeNotConnected)
	}
	if got := GetErrorCode(errors.New("plain")); got != 0 {
		t.Errorf("GetErrorCode for plain error = %d, want 0", got)
	}
}

func TestNewServiceIdentity(t *testing.T) {
	a, err := NewServiceIdentity(RolePeripheral)
	if err != nil {
		t.Fatalf("NewServiceIdentity: %v", err)
	}
	if len(a.Ident) != IdentLength {
		t.Errorf("ident length = %d, want %d", len(a.Ident), IdentLength)
	}
	if a.Role != RolePeripheral {
		t.Errorf("role = %s, want peripheral", a.Role)
	}

	b, err := NewServiceIdentity(RolePeripheral)
	if err != nil {
		t.Fatalf("NewServiceIdentity: %v", err)
	}
	if a.ServiceUUID == b.ServiceUUID {
		t.Error("consecutive identities must not share a service UUID")
	}
}
