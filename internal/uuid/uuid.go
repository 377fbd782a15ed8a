// Package uuid provides identifier generation for locally originated records.
package uuid

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// OfflineBillPrefix marks bill numbers issued by the edge rather than the server.
const OfflineBillPrefix = "OFF-"

var billNumberRegex = regexp.MustCompile(`^OFF-\d{8}-[0-9A-F]{6}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}

// NewBillNumber derives a human-displayable offline bill number from a
// local id, e.g. OFF-20261014-9F3A1C.
func NewBillNumber(localID string, at time.Time) string {
	hex := strings.ToUpper(strings.ReplaceAll(localID, "-", ""))
	if len(hex) < 6 {
		hex = strings.ToUpper(strings.ReplaceAll(New(), "-", ""))
	}
	return OfflineBillPrefix + at.Format("20060102") + "-" + hex[len(hex)-6:]
}

// IsOfflineBillNumber reports whether n was issued by NewBillNumber.
func IsOfflineBillNumber(n string) bool {
	return billNumberRegex.MatchString(n)
}
