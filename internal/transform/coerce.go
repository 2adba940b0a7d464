package transform

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/solardome/vuln-importer/internal/model"
)

// datetimeLayouts are tried in order. Zone-less values are read as UTC.
var datetimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.ANSIC,
	"2006/01/02",
	"2006-01-02",
}

var trueTokens = map[string]bool{"true": true, "1": true, "yes": true, "on": true}

// Coerce converts v to the Go type of fieldType:
//
//	string   -> string ([]string for lists)
//	integer  -> int64, truncated from a float parse
//	decimal  -> float64, never rounded
//	boolean  -> bool
//	json     -> decoded value
//	datetime -> time.Time
//
// It returns nil when v is empty or cannot be converted. Lists feed their
// first element to every type except string.
func Coerce(v any, fieldType string) any {
	fieldType = strings.TrimSpace(fieldType)
	switch x := v.(type) {
	case nil:
		return nil
	case []string:
		if fieldType == "" || fieldType == model.FieldString {
			if len(x) == 0 {
				return nil
			}
			return append([]string(nil), x...)
		}
		if len(x) == 0 {
			return nil
		}
		return Coerce(x[0], fieldType)
	case int64:
		return coerceInt(x, fieldType)
	case string:
		return coerceString(x, fieldType)
	}
	return v
}

func coerceInt(n int64, fieldType string) any {
	switch fieldType {
	case model.FieldInteger, model.FieldJSON:
		return n
	case model.FieldDecimal:
		return float64(n)
	case model.FieldBoolean:
		return n != 0
	case model.FieldDatetime:
		return nil
	}
	return formatInt(n)
}

func coerceString(s, fieldType string) any {
	if s == "" {
		return nil
	}
	trimmed := strings.TrimSpace(s)
	switch fieldType {
	case model.FieldInteger:
		f, ok := parseFloat(trimmed)
		if !ok {
			return nil
		}
		return int64(f)
	case model.FieldDecimal:
		f, ok := parseFloat(trimmed)
		if !ok {
			return nil
		}
		return f
	case model.FieldBoolean:
		return trueTokens[strings.ToLower(trimmed)]
	case model.FieldJSON:
		var out any
		if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
			return nil
		}
		return out
	case model.FieldDatetime:
		t, ok := ParseTime(trimmed)
		if !ok {
			return nil
		}
		return t
	}
	return s
}

func parseFloat(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// ParseTime accepts the datetime layouts scanners emit.
func ParseTime(s string) (time.Time, bool) {
	for _, layout := range datetimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
