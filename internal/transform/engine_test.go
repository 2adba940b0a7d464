package transform

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solardome/vuln-importer/internal/model"
)

func testEngine() *Engine {
	return New(Tables{
		SubtypeIDs:        map[string]int64{"Server": 11, "Router": 12, "Workstation": 13, "Storage Device": 14},
		DefaultCategoryID: 3,
		Severities: map[string]model.SeverityMapping{
			"0": {ExternalSeverity: "0", InternalLabel: "Info", InternalLevel: 1},
			"4": {ExternalSeverity: "4", InternalLabel: "Critical", InternalLevel: 10},
		},
	})
}

func mapping(rule, fieldType string) model.FieldMapping {
	return model.FieldMapping{SourceField: "src", TargetModel: model.TargetAsset, TargetField: "name",
		TransformationRule: rule, FieldType: fieldType}
}

func TestApply_NamedRules(t *testing.T) {
	e := testEngine()
	tests := []struct {
		name      string
		raw       Raw
		rule      string
		fieldType string
		want      any
	}{
		{"system type exact", String("router"), "nessus_system_type_map", "integer", int64(12)},
		{"system type substring", String("NAS appliance"), "nessus_system_type_map", "integer", int64(14)},
		{"system type unknown defaults to server", String("mystery"), "nessus_system_type_map", "integer", int64(11)},
		{"system type multiline takes first", String("general-purpose\nrouter"), "nessus_system_type_map", "integer", int64(11)},
		{"system type as string column", String("Windows"), "nessus_system_type_map", "string", "13"},
		{"default category without input", Absent(), "default_scanner_category", "integer", int64(3)},
		{"severity mapped", String("4"), "severity_map", "integer", int64(10)},
		{"first of list", List([]string{"CVE-1", "CVE-2"}), "first", "string", "CVE-1"},
		{"first of comma string", String("a, b"), "first", "string", "a"},
		{"last of list", List([]string{"x", "y"}), "last", "string", "y"},
		{"lower", String("HTTP"), "lower", "string", "http"},
		{"upper list", List([]string{"a", "b"}), "upper", "string", []string{"A", "B"}},
		{"strip", String("  padded "), "strip", "string", "padded"},
		{"join", List([]string{"a", "b", "c"}), "join", "string", "a,b,c"},
		{"count list", List([]string{"a", "b", "c"}), "count", "integer", int64(3)},
		{"count comma string", String("a,,b"), "count", "integer", int64(2)},
		{"no rule passes value", String("plain"), "", "string", "plain"},
		{"absent stays nil", Absent(), "lower", "string", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Apply(tt.raw, mapping(tt.rule, tt.fieldType))
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Value)
		})
	}
}

func TestApply_SeverityDefaultIsFlagged(t *testing.T) {
	res, err := testEngine().Apply(String("9"), mapping("severity_map", "integer"))
	require.NoError(t, err)
	assert.Equal(t, int64(model.DefaultSeverityLvl), res.Value)
	assert.True(t, res.DefaultSeverity)

	label, level, ok := testEngine().Severity("9")
	assert.False(t, ok)
	assert.Equal(t, model.DefaultSeverity, label)
	assert.Equal(t, 5, level)

	label, level, ok = testEngine().Severity("4")
	assert.True(t, ok)
	assert.Equal(t, "Critical", label)
	assert.Equal(t, 10, level)
}

func TestApply_UnknownRuleReturnsRawValue(t *testing.T) {
	res, err := testEngine().Apply(String("value.upper()"), mapping("value.upper()", "string"))
	require.Error(t, err)

	var terr *Error
	require.True(t, errors.As(err, &terr))
	assert.ErrorIs(t, err, ErrUnknownRule)
	assert.Equal(t, "value.upper()", res.Value)
}

func TestApply_DefaultValue(t *testing.T) {
	m := mapping("", "integer")
	m.DefaultValue = "443"
	res, err := testEngine().Apply(Absent(), m)
	require.NoError(t, err)
	assert.Equal(t, int64(443), res.Value)

	res, err = testEngine().Apply(String("80"), m)
	require.NoError(t, err)
	assert.Equal(t, int64(80), res.Value)
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		name      string
		in        any
		fieldType string
		want      any
	}{
		{"integer truncates", "7.9", model.FieldInteger, int64(7)},
		{"integer negative truncates toward zero", "-2.5", model.FieldInteger, int64(-2)},
		{"integer failure", "abc", model.FieldInteger, nil},
		{"decimal keeps precision", "9.8765", model.FieldDecimal, 9.8765},
		{"decimal failure", "n/a", model.FieldDecimal, nil},
		{"boolean yes", "YES", model.FieldBoolean, true},
		{"boolean on", "On", model.FieldBoolean, true},
		{"boolean other", "nope", model.FieldBoolean, false},
		{"json object", `{"a":1}`, model.FieldJSON, map[string]any{"a": float64(1)}},
		{"json failure", `{bad`, model.FieldJSON, nil},
		{"empty string", "", model.FieldString, nil},
		{"default type is string", "x", "", "x"},
		{"list to integer uses first", []string{"3", "4"}, model.FieldInteger, int64(3)},
		{"int to decimal", int64(4), model.FieldDecimal, float64(4)},
		{"datetime failure", "31/31/2020", model.FieldDatetime, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Coerce(tt.in, tt.fieldType))
		})
	}
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-03-01T10:11:12Z", time.Date(2024, 3, 1, 10, 11, 12, 0, time.UTC)},
		{"2024-03-01T10:11:12+02:00", time.Date(2024, 3, 1, 8, 11, 12, 0, time.UTC)},
		{"2024-03-01T10:11:12", time.Date(2024, 3, 1, 10, 11, 12, 0, time.UTC)},
		{"2024-03-01 10:11:12", time.Date(2024, 3, 1, 10, 11, 12, 0, time.UTC)},
		{"Fri Mar  1 10:11:12 2024", time.Date(2024, 3, 1, 10, 11, 12, 0, time.UTC)},
		{"2024/03/01", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"2024-03-01", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseTime(tt.in)
			require.True(t, ok)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}

	_, ok := ParseTime("not a date")
	assert.False(t, ok)
}

func TestParseRule(t *testing.T) {
	r, ok := ParseRule(" first ")
	assert.True(t, ok)
	assert.Equal(t, RuleFirst, r)

	_, ok = ParseRule("eval(value)")
	assert.False(t, ok)
}
