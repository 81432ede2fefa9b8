package profile

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "main", false},
		{"valid with numbers", "work123", false},
		{"valid with hyphen", "my-profile", false},
		{"valid with underscore", "my_profile", false},
		{"valid single char", "a", false},
		{"valid leading digit", "2nd", false},
		{"valid max length", strings.Repeat("a", 64), false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"space", "my profile", true},
		{"dot", "my.profile", true},
		{"parent dir", "..", true},
		{"leading hyphen", "-profile", true},
		{"leading underscore", "_profile", true},
		{"too long", strings.Repeat("a", 65), true},
		{"special chars", "my@profile", true},
		{"slash", "my/profile", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidName) {
				t.Errorf("ValidateName(%q) error = %v, want ErrInvalidName", tt.input, err)
			}
		})
	}
}

func TestCheckSocketPath(t *testing.T) {
	t.Setenv("SWOON_HOME", "/tmp/sw")
	if err := CheckSocketPath("main"); err != nil {
		t.Errorf("CheckSocketPath(main) error = %v", err)
	}

	t.Setenv("SWOON_HOME", "/tmp/"+strings.Repeat("d", 80))
	if err := CheckSocketPath("main"); err == nil {
		t.Error("CheckSocketPath accepted a socket path over the unix limit")
	}
}
