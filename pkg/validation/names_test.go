package validation

import (
	"errors"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		// Valid names
		{"simple", "app", false},
		{"with digits", "module-0042", false},
		{"dotted", "org.example.core", false},
		{"underscore start", "_generated", false},
		{"max length", string(make255()), false},

		// Invalid names
		{"empty", "", true},
		{"leading dot", ".hidden", true},
		{"leading hyphen", "-flag", true},
		{"slash", "a/b", true},
		{"space", "my module", true},
		{"colon", "module:app", true},
		{"too long", string(make255()) + "x", true},
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

func make255() []byte {
	b := make([]byte, 255)
	for i := range b {
		b[i] = 'a'
	}
	return b
}

func TestValidateNames(t *testing.T) {
	if err := ValidateNames([]string{"app", "core"}); err != nil {
		t.Errorf("ValidateNames() unexpected error = %v", err)
	}
	err := ValidateNames([]string{"app", "bad name", "core", ""})
	if err == nil {
		t.Fatal("ValidateNames() expected error")
	}
	if !errors.Is(err, ErrInvalidName) {
		t.Errorf("ValidateNames() error = %v, want ErrInvalidName", err)
	}
}

func TestValidateRootURL(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"file", "file:///ws/app", false},
		{"jar", "jar:///libs/core.jar", false},
		{"http", "http://example.com/app", true},
		{"no scheme", "/ws/app", true},
		{"no path", "file://", true},
		{"traversal", "file:///ws/../etc", true},
		{"malformed", "file://%zz", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRootURL(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRootURL(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidURL) {
				t.Errorf("ValidateRootURL(%q) error = %v, want ErrInvalidURL", tt.input, err)
			}
		})
	}
}

func TestSanitizeName(t *testing.T) {
	got, err := SanitizeName("  app  ")
	if err != nil {
		t.Fatalf("SanitizeName() unexpected error = %v", err)
	}
	if got != "app" {
		t.Errorf("SanitizeName() = %q, want %q", got, "app")
	}
	if _, err := SanitizeName("   "); err == nil {
		t.Error("SanitizeName() expected error for blank input")
	}
}
