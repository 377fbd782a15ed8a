// Package models provides data model definitions for the KadaiGPT edge store.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

func init() {
	// The REST API exchanges money as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true
}

// RemoteID is an identifier issued by the server. The API uses integer ids
// on some resources and strings on others; RemoteID accepts both and writes
// numeric ids back as numbers.
type RemoteID string

// UnmarshalJSON accepts a JSON string or number.
func (r *RemoteID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*r = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = RemoteID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("remote id must be a string or number: %w", err)
	}
	*r = RemoteID(n.String())
	return nil
}

// MarshalJSON writes integer-looking ids as numbers.
func (r RemoteID) MarshalJSON() ([]byte, error) {
	if r.IsNumeric() {
		return []byte(r), nil
	}
	return json.Marshal(string(r))
}

// IsNumeric reports whether the id is a base-10 integer.
func (r RemoteID) IsNumeric() bool {
	if r == "" {
		return false
	}
	_, err := strconv.ParseInt(string(r), 10, 64)
	return err == nil
}

// String returns the id as text.
func (r RemoteID) String() string {
	return string(r)
}
