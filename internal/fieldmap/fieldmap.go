// Package fieldmap translates opaque worksheet field identifiers into named
// business attributes.
//
// The worksheet service encodes single and multi-select fields as {key, value}
// option objects or arrays thereof; the mapper decodes them to plain scalars
// and slices. It is deliberately permissive: the upstream schema is not
// contractually guaranteed, so absence and shape surprises map to nil rather
// than errors.
package fieldmap

import (
	"time"

	"github.com/zhukan/fastlane-agent/internal/worksheet"
)

// Record is a named-field projection of a worksheet row.
type Record map[string]any

// MapRow projects a raw worksheet row onto named attributes.
//
// fields maps attribute names to worksheet field identifiers. Attributes whose
// field is absent or blank come out as nil, never as an error: the source
// legitimately leaves fields empty depending on record state.
func MapRow(row worksheet.Row, fields map[string]string) Record {
	record := make(Record, len(fields))
	for name, fieldID := range fields {
		record[name] = DecodeValue(row[fieldID])
	}
	return record
}

// DecodeValue decodes a single raw field value.
//
// Arrays are multi-select fields and decode to a slice of the option values.
// A single option object decodes to its scalar value. Everything else passes
// through unchanged.
func DecodeValue(v any) any {
	switch value := v.(type) {
	case nil:
		return nil
	case []any:
		decoded := make([]any, 0, len(value))
		for _, element := range value {
			decoded = append(decoded, decodeOption(element))
		}
		return decoded
	case map[string]any:
		return decodeOption(value)
	case string:
		if value == "" {
			return nil
		}
		return value
	default:
		return value
	}
}

// decodeOption extracts the value of a {key, value} option object, tolerating
// the observed ".Value" case variant. Non-option inputs pass through.
func decodeOption(v any) any {
	obj, ok := v.(map[string]any)
	if !ok {
		return v
	}
	if value, ok := obj["value"]; ok {
		return value
	}
	if value, ok := obj["Value"]; ok {
		return value
	}
	return v
}

// timeLayouts are the timestamp layouts observed in worksheet system fields.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime parses a worksheet timestamp value.
// Returns the zero time when the value is absent or unparseable.
func ParseTime(v any) time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}
	}

	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// String coerces a decoded value to a string, with "" for absence.
func String(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
