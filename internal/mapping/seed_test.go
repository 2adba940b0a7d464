package mapping

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solardome/vuln-importer/internal/model"
	"github.com/solardome/vuln-importer/internal/store"
)

func TestDefaultSeed_IsValid(t *testing.T) {
	seed, err := DefaultSeed()
	require.NoError(t, err)
	assert.Equal(t, "Nessus", seed.Integration.Name)
	assert.Equal(t, "Host", seed.Integration.DefaultCategory)
	assert.Len(t, seed.Severities, 5)
	assert.NotEmpty(t, seed.Fields)
}

func TestParseSeed_SchemaErrors(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		contains []string
	}{
		{
			name: "unknown field",
			doc: `schema_version: "1.0"
integration: {name: X}
field_mappings: []
colour: blue
`,
			contains: []string{"line 4", "seed.colour", "unknown field"},
		},
		{
			name: "duplicate key",
			doc: `schema_version: "1.0"
integration: {name: X}
integration: {name: Y}
field_mappings: []
`,
			contains: []string{"seed.integration", "duplicate key (already defined at line 2)"},
		},
		{
			name: "missing required",
			doc: `schema_version: "1.0"
integration: {name: X}
field_mappings:
  - {source_field: host-ip, target_model: asset}
`,
			contains: []string{"seed.field_mappings[0].target_field", "missing required field"},
		},
		{
			name: "wrong kind",
			doc: `schema_version: "1.0"
integration: {name: X}
field_mappings: {source_field: a}
`,
			contains: []string{"seed.field_mappings", "must be a sequence/array"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSeed("test.yaml", []byte(tt.doc))
			require.Error(t, err)
			for _, want := range tt.contains {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestParseSeed_SemanticErrors(t *testing.T) {
	doc := `schema_version: 1
integration: {name: X}
severity_mappings:
  - {external: 4, label: Critical, level: 11}
field_mappings:
  - {source_field: a, target_model: asset, target_field: colour}
  - {source_field: b, target_model: asset, target_field: name, transformation_rule: "value.strip()"}
  - {source_field: c, target_model: finding, target_field: port, field_type: float}
`
	_, err := ParseSeed("bad.yaml", []byte(doc))
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "level 11 outside 0-10")
	assert.Contains(t, msg, `unknown asset column "colour"`)
	assert.Contains(t, msg, `unknown transformation rule "value.strip()"`)
	assert.Contains(t, msg, `unknown field type "float"`)
}

func TestApplySeed_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seed, err := DefaultSeed()
	require.NoError(t, err)

	first, err := ApplySeed(ctx, mem, seed, ApplyOptions{})
	require.NoError(t, err)
	second, err := ApplySeed(ctx, mem, seed, ApplyOptions{ReplaceFieldMappings: true})
	require.NoError(t, err)

	assert.Equal(t, first.FieldMappings, second.FieldMappings)
	assert.Greater(t, second.Revision, first.Revision)

	in, err := mem.IntegrationByName(ctx, "Nessus")
	require.NoError(t, err)
	fields, err := mem.FieldMappings(ctx, in.ID)
	require.NoError(t, err)
	assert.Len(t, fields, len(seed.Fields))

	cats, err := mem.Categories(ctx)
	require.NoError(t, err)
	assert.Len(t, cats, 5)

	subs, err := mem.Subtypes(ctx)
	require.NoError(t, err)
	var cloud int
	for _, s := range subs {
		if s.CloudProvider != "" {
			cloud++
		}
	}
	assert.Equal(t, 38, cloud)
}

func TestApplySeed_UnknownDefaultCategory(t *testing.T) {
	doc := `schema_version: "1.0"
integration: {name: X, default_category: Mainframe}
field_mappings:
  - {source_field: HostName, target_model: asset, target_field: name}
`
	seed, err := ParseSeed("x.yaml", []byte(doc))
	require.NoError(t, err)
	_, err = ApplySeed(context.Background(), store.NewMemory(), seed, ApplyOptions{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "Mainframe"))
}

func TestApplySeed_DefaultsFieldTypeToString(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	doc := `schema_version: "1.0"
integration: {name: X}
field_mappings:
  - {source_field: HostName, target_model: asset, target_field: name, required: true}
`
	seed, err := ParseSeed("x.yaml", []byte(doc))
	require.NoError(t, err)
	_, err = ApplySeed(ctx, mem, seed, ApplyOptions{})
	require.NoError(t, err)

	in, err := mem.IntegrationByName(ctx, "X")
	require.NoError(t, err)
	fields, err := mem.FieldMappings(ctx, in.ID)
	require.NoError(t, err)
	require.Len(t, fields, 1)
	assert.Equal(t, model.FieldString, fields[0].FieldType)
	assert.True(t, fields[0].IsRequired)
	assert.True(t, fields[0].IsActive)
}
