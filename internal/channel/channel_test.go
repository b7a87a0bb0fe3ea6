package channel

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr error
	}{
		{"valid", "general", "general", nil},
		{"trimmed", "  ops room  ", "ops room", nil},
		{"empty", "", "", ErrNameLength},
		{"whitespace only", "   ", "", ErrNameLength},
		{"max length", strings.Repeat("a", 100), strings.Repeat("a", 100), nil},
		{"too long", strings.Repeat("a", 101), "", ErrNameLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ValidateName(tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ValidateName(%q) error = %v, want %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ValidateName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestValidateKind(t *testing.T) {
	t.Parallel()

	if err := ValidateKind(KindRealtime); err != nil {
		t.Errorf("ValidateKind(realtime) = %v", err)
	}
	if err := ValidateKind(KindSignal); err != nil {
		t.Errorf("ValidateKind(signal) = %v", err)
	}
	if err := ValidateKind("text"); !errors.Is(err, ErrInvalidKind) {
		t.Errorf("ValidateKind(text) = %v, want ErrInvalidKind", err)
	}
}
