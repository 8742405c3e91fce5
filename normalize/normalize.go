// Package normalize holds every silent coercion applied to form data: stored
// select options, submitted checkbox and number values, and blank detection.
// Malformed input never produces an error here, it degrades to a default.
package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Kind is the storage shape a submitted value is coerced to.
type Kind int

const (
	KindString Kind = iota
	KindBool
	KindNumber
)

// Value is a submitted value after type coercion.
type Value struct {
	Kind   Kind
	String string
	Bool   bool
	Number float64
}

// ParseOptions decodes a JSON array of strings. Empty input, invalid JSON and
// non-array documents all yield nil.
func ParseOptions(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var opts []string
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		return nil
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

// FormatOptions is the inverse of ParseOptions. A nil or empty list encodes
// to the empty string.
func FormatOptions(opts []string) string {
	if len(opts) == 0 {
		return ""
	}
	b, err := json.Marshal(opts)
	if err != nil {
		return ""
	}
	return string(b)
}

// IsBlank reports whether a submitted value counts as missing.
func IsBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// Bool is true only for "true" and "1".
func Bool(raw string) bool {
	switch strings.TrimSpace(raw) {
	case "true", "1":
		return true
	}
	return false
}

// Number parses a finite float, returning 0 when the input is not one.
func Number(raw string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// Coerce converts raw according to the field type name. Unknown types are
// passed through as strings.
func Coerce(fieldType, raw string) Value {
	switch fieldType {
	case "checkbox":
		return Value{Kind: KindBool, Bool: Bool(raw)}
	case "number":
		return Value{Kind: KindNumber, Number: Number(raw)}
	default:
		return Value{Kind: KindString, String: raw}
	}
}

// Text renders the value in its canonical stored form.
func (v Value) Text() string {
	switch v.Kind {
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindNumber:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	default:
		return v.String
	}
}

// Any returns the value as a JSON-friendly Go value.
func (v Value) Any() any {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindNumber:
		return v.Number
	default:
		return v.String
	}
}

// Storable reports whether a value row should be written for it. Blank strings
// and unchecked checkboxes are not stored.
func (v Value) Storable() bool {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindNumber:
		return true
	default:
		return !IsBlank(v.String)
	}
}

// FromJSON renders a decoded JSON value as submitted text: booleans as
// "true"/"false", numbers in shortest form and composite values as JSON.
func FromJSON(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
