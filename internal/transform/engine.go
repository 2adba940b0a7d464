package transform

import (
	"errors"
	"fmt"
	"strings"

	"github.com/solardome/vuln-importer/internal/model"
)

// ErrUnknownRule marks a mapping whose rule is outside the closed set.
var ErrUnknownRule = errors.New("unknown transformation rule")

// Error reports a rule that could not be applied. The value it accompanies is
// the raw value, coerced, so callers log it and carry on.
type Error struct {
	Rule    string
	Mapping string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transform %s with rule %q: %v", e.Mapping, e.Rule, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Raw is a value read from the document: absent, a single string, or the
// ordered texts of a repeated element.
type Raw struct {
	values []string
	list   bool
}

func Absent() Raw {
	return Raw{}
}

func String(s string) Raw {
	if s == "" {
		return Raw{}
	}
	return Raw{values: []string{s}}
}

// List keeps non-empty items in order. An empty list is absent.
func List(items []string) Raw {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return Raw{}
	}
	return Raw{values: out, list: true}
}

func (r Raw) Present() bool {
	return len(r.values) > 0
}

func (r Raw) IsList() bool {
	return r.list && len(r.values) > 0
}

// First returns the single value or the first list element.
func (r Raw) First() string {
	if len(r.values) == 0 {
		return ""
	}
	return r.values[0]
}

func (r Raw) value() any {
	switch {
	case len(r.values) == 0:
		return nil
	case r.list:
		return append([]string(nil), r.values...)
	default:
		return r.values[0]
	}
}

func (r Raw) mapStrings(fn func(string) string) any {
	if !r.Present() {
		return nil
	}
	if !r.list {
		return fn(r.values[0])
	}
	out := make([]string, len(r.values))
	for i, v := range r.values {
		out[i] = fn(v)
	}
	return out
}

// Tables carries the lookup data named rules consult.
type Tables struct {
	// SubtypeIDs maps subtype names under the baseline category to ids.
	SubtypeIDs map[string]int64
	// DefaultCategoryID is the integration default, else the baseline category.
	DefaultCategoryID int64
	// Severities is keyed by external severity code.
	Severities map[string]model.SeverityMapping
}

// Engine evaluates field mappings against raw values. It holds no per-run
// state and is safe for concurrent use.
type Engine struct {
	tables Tables
}

func New(tables Tables) *Engine {
	if tables.SubtypeIDs == nil {
		tables.SubtypeIDs = map[string]int64{}
	}
	if tables.Severities == nil {
		tables.Severities = map[string]model.SeverityMapping{}
	}
	return &Engine{tables: tables}
}

// Result is the outcome of one mapping.
type Result struct {
	// Value is nil when the raw value was absent with no default, or when
	// coercion failed.
	Value any
	// DefaultSeverity is set when severity_map fell back to Medium/5.
	DefaultSeverity bool
}

// Apply runs the mapping's rule, falls back to its default value when the
// result is empty, then coerces to the declared field type. A returned *Error
// is informational; Result still holds the raw value coerced.
func (e *Engine) Apply(raw Raw, m model.FieldMapping) (Result, error) {
	var (
		res Result
		err error
		val = raw.value()
	)
	rule, known := ParseRule(m.TransformationRule)
	switch {
	case !known:
		err = &Error{Rule: m.TransformationRule, Mapping: m.String(), Err: ErrUnknownRule}
	case rule != RuleNone && (raw.Present() || !rule.needsInput()):
		val, res.DefaultSeverity = e.applyRule(rule, raw)
	}
	if isEmpty(val) {
		if strings.TrimSpace(m.DefaultValue) == "" {
			return res, err
		}
		val = m.DefaultValue
	}
	res.Value = Coerce(val, m.FieldType)
	return res, err
}

// Severity resolves a raw severity code. ok is false when the code has no
// active mapping and the Medium/5 default was used.
func (e *Engine) Severity(code string) (label string, level int, ok bool) {
	if sm, found := e.tables.Severities[strings.TrimSpace(code)]; found {
		return sm.InternalLabel, sm.InternalLevel, true
	}
	return model.DefaultSeverity, model.DefaultSeverityLvl, false
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []string:
		return len(x) == 0
	}
	return false
}
