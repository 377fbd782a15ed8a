// Package uuid provides unit tests for UUID generation and validation.
package uuid

import (
	"strings"
	"testing"
	"time"
)

// TestNew tests that New() generates valid UUID v4 strings.
func TestNew(t *testing.T) {
	id := New()
	if !IsValid(id) {
		t.Errorf("Generated UUID does not match v4 format: %s", id)
	}
}

// TestNewUniqueness tests that New() generates unique IDs.
func TestNewUniqueness(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if ids[id] {
			t.Errorf("Duplicate UUID generated: %s", id)
		}
		ids[id] = true
	}
}

// TestIsValid tests valid and invalid UUID v4 strings.
func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		uuid string
		want bool
	}{
		{"valid UUID v4", "f47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"valid UUID v4 uppercase", "6BA7B810-9DAD-41D1-80B4-00C04FD430C8", true},
		{"empty string", "", false},
		{"UUID v1", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", false},
		{"no dashes", "f47ac10b58cc4372a5670e02b2c3d479", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.uuid); got != tt.want {
				t.Errorf("IsValid(%q) = %v, want %v", tt.uuid, got, tt.want)
			}
		})
	}
}

// TestValidate tests the error form of IsValid.
func TestValidate(t *testing.T) {
	if err := Validate(New()); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
	if err := Validate("nope"); err == nil {
		t.Error("Validate() should reject malformed ids")
	}
}

// TestNewBillNumber tests offline bill number formatting.
func TestNewBillNumber(t *testing.T) {
	at := time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)
	localID := "f47ac10b-58cc-4372-a567-0e02b2c3d479"

	got := NewBillNumber(localID, at)
	if got != "OFF-20261014-C3D479" {
		t.Errorf("NewBillNumber() = %q", got)
	}
	if !IsOfflineBillNumber(got) {
		t.Errorf("IsOfflineBillNumber(%q) = false", got)
	}
	if !strings.HasPrefix(got, OfflineBillPrefix) {
		t.Errorf("bill number %q lacks offline prefix", got)
	}
}

// TestNewBillNumber_shortID falls back to a random suffix.
func TestNewBillNumber_shortID(t *testing.T) {
	got := NewBillNumber("ab", time.Now())
	if !IsOfflineBillNumber(got) {
		t.Errorf("NewBillNumber() with short id = %q", got)
	}
}

// TestIsOfflineBillNumber rejects server-issued numbers.
func TestIsOfflineBillNumber(t *testing.T) {
	for _, n := range []string{"INV-0001", "1042", "OFF-2026-ABCDEF", ""} {
		if IsOfflineBillNumber(n) {
			t.Errorf("IsOfflineBillNumber(%q) = true", n)
		}
	}
}
