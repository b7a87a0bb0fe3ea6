package role

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateNameRequired(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr error
	}{
		{"valid", "moderator", "moderator", nil},
		{"trimmed", "  admin  ", "admin", nil},
		{"empty", "", "", ErrNameLength},
		{"whitespace only", "   ", "", ErrNameLength},
		{"max length", strings.Repeat("a", 100), strings.Repeat("a", 100), nil},
		{"too long", strings.Repeat("a", 101), "", ErrNameLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ValidateNameRequired(tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ValidateNameRequired(%q) error = %v, want %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ValidateNameRequired(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestValidateScope(t *testing.T) {
	t.Parallel()

	for _, scope := range []string{ScopeServer, ScopeRealtimeChannel, ScopeSignalChannel} {
		if err := ValidateScope(scope); err != nil {
			t.Errorf("ValidateScope(%q) = %v", scope, err)
		}
	}
	if err := ValidateScope("global"); !errors.Is(err, ErrInvalidScope) {
		t.Errorf("ValidateScope(global) = %v, want ErrInvalidScope", err)
	}
}

func TestScopeForChannelKind(t *testing.T) {
	t.Parallel()

	if got := ScopeForChannelKind("realtime"); got != ScopeRealtimeChannel {
		t.Errorf("ScopeForChannelKind(realtime) = %q", got)
	}
	if got := ScopeForChannelKind("signal"); got != ScopeSignalChannel {
		t.Errorf("ScopeForChannelKind(signal) = %q", got)
	}
}
