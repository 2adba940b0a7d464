package mapping

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/solardome/vuln-importer/internal/model"
	"github.com/solardome/vuln-importer/internal/store"
	"github.com/solardome/vuln-importer/internal/transform"
)

//go:embed seed/nessus.yaml
var defaultSeedYAML []byte

// scalar accepts YAML strings and numbers alike, so `external: 0` and
// `external: "0"` decode the same.
type scalar string

func (s *scalar) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*s = scalar(str)
		return nil
	}
	*s = scalar(b)
	return nil
}

// Seed is a declarative integration setup: taxonomy, integration and
// mappings.
type Seed struct {
	SchemaVersion scalar             `json:"schema_version"`
	Integration   SeedIntegration    `json:"integration"`
	Categories    []SeedCategory     `json:"categories"`
	Severities    []SeedSeverity     `json:"severity_mappings"`
	Fields        []SeedFieldMapping `json:"field_mappings"`
}

type SeedIntegration struct {
	Name            string `json:"name"`
	Version         scalar `json:"version"`
	Description     string `json:"description"`
	Type            string `json:"type"`
	Active          *bool  `json:"active"`
	DefaultCategory string `json:"default_category"`
}

type SeedCategory struct {
	Name          string              `json:"name"`
	Description   string              `json:"description"`
	Subtypes      []string            `json:"subtypes"`
	CloudSubtypes map[string][]string `json:"cloud_subtypes"`
}

type SeedSeverity struct {
	External scalar `json:"external"`
	Label    string `json:"label"`
	Level    int    `json:"level"`
	Active   *bool  `json:"active"`
}

type SeedFieldMapping struct {
	SourceField        string `json:"source_field"`
	TargetModel        string `json:"target_model"`
	TargetField        string `json:"target_field"`
	FieldType          string `json:"field_type"`
	TransformationRule string `json:"transformation_rule"`
	DefaultValue       scalar `json:"default_value"`
	Required           bool   `json:"required"`
	Description        string `json:"description"`
	SortOrder          int    `json:"sort_order"`
	Active             *bool  `json:"active"`
}

func activeOrDefault(b *bool) bool {
	return b == nil || *b
}

// DefaultSeed returns the built-in Nessus seed.
func DefaultSeed() (*Seed, error) {
	return ParseSeed("embedded nessus seed", defaultSeedYAML)
}

// LoadSeedFile reads and validates a seed file.
func LoadSeedFile(path string) (*Seed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseSeed(path, b)
}

// ParseSeed validates the YAML shape (unknown, duplicate and missing keys
// with line numbers), decodes it, then checks mapping semantics.
func ParseSeed(source string, data []byte) (*Seed, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse %s: %w", source, err)
	}
	if errs := validateSeedYAML(&root); len(errs) > 0 {
		return nil, fmt.Errorf("%s", formatSchemaErrors(source, errs))
	}
	normalized := yamlNodeToValue(root.Content[0])
	j, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("normalize %s: %w", source, err)
	}
	var seed Seed
	if err := json.Unmarshal(j, &seed); err != nil {
		return nil, fmt.Errorf("decode %s: %w", source, err)
	}
	if problems := seed.validate(); len(problems) > 0 {
		return nil, fmt.Errorf("invalid seed %s:\n- %s", source, strings.Join(problems, "\n- "))
	}
	return &seed, nil
}

func (s *Seed) validate() []string {
	var problems []string
	if strings.TrimSpace(s.Integration.Name) == "" {
		problems = append(problems, "integration.name is empty")
	}
	seenSeverity := map[string]bool{}
	for i, sev := range s.Severities {
		ext := strings.TrimSpace(string(sev.External))
		switch {
		case ext == "":
			problems = append(problems, fmt.Sprintf("severity_mappings[%d]: external is empty", i))
		case seenSeverity[ext]:
			problems = append(problems, fmt.Sprintf("severity_mappings[%d]: duplicate external severity %q", i, ext))
		}
		seenSeverity[ext] = true
		if sev.Level < 0 || sev.Level > 10 {
			problems = append(problems, fmt.Sprintf("severity_mappings[%d]: level %d outside 0-10", i, sev.Level))
		}
	}
	seenField := map[string]bool{}
	for i, f := range s.Fields {
		key := strings.Join([]string{f.SourceField, f.TargetModel, f.TargetField}, "\x00")
		if seenField[key] {
			problems = append(problems, fmt.Sprintf("field_mappings[%d]: duplicate mapping %s -> %s.%s", i, f.SourceField, f.TargetModel, f.TargetField))
		}
		seenField[key] = true
		if _, err := model.ParseTarget(f.TargetModel, f.TargetField); err != nil {
			problems = append(problems, fmt.Sprintf("field_mappings[%d]: %v", i, err))
		}
		if !model.ValidFieldType(f.FieldType) {
			problems = append(problems, fmt.Sprintf("field_mappings[%d]: unknown field type %q", i, f.FieldType))
		}
		if _, ok := transform.ParseRule(f.TransformationRule); !ok {
			problems = append(problems, fmt.Sprintf("field_mappings[%d]: unknown transformation rule %q", i, f.TransformationRule))
		}
	}
	return problems
}

// SeedStore is the store surface needed to apply a seed.
type SeedStore interface {
	store.ConfigReader
	store.ConfigWriter
}

type ApplyOptions struct {
	// ReplaceFieldMappings deletes the integration's existing field
	// mappings before writing the seed's.
	ReplaceFieldMappings bool
}

type ApplyResult struct {
	Integration      string `json:"integration"`
	Revision         int64  `json:"revision"`
	Categories       int    `json:"categories"`
	Subtypes         int    `json:"subtypes"`
	FieldMappings    int    `json:"field_mappings"`
	SeverityMappings int    `json:"severity_mappings"`
}

// ApplySeed upserts the seed into the store. Re-applying the same seed is
// idempotent apart from the integration revision.
func ApplySeed(ctx context.Context, st SeedStore, seed *Seed, opts ApplyOptions) (*ApplyResult, error) {
	res := &ApplyResult{Integration: seed.Integration.Name}

	for _, c := range seed.Categories {
		cat := &model.AssetCategory{Name: c.Name, Description: c.Description}
		if err := st.SaveCategory(ctx, cat); err != nil {
			return nil, err
		}
		res.Categories++
		for _, name := range c.Subtypes {
			sub := &model.AssetSubtype{CategoryID: cat.ID, Name: name,
				Description: fmt.Sprintf("%s subtype: %s", c.Name, name)}
			if err := st.SaveSubtype(ctx, sub); err != nil {
				return nil, err
			}
			res.Subtypes++
		}
		providers := make([]string, 0, len(c.CloudSubtypes))
		for p := range c.CloudSubtypes {
			providers = append(providers, p)
		}
		sort.Strings(providers)
		for _, provider := range providers {
			for _, name := range c.CloudSubtypes[provider] {
				sub := &model.AssetSubtype{CategoryID: cat.ID, Name: name, CloudProvider: provider,
					Description: fmt.Sprintf("%s cloud resource: %s", provider, name)}
				if err := st.SaveSubtype(ctx, sub); err != nil {
					return nil, err
				}
				res.Subtypes++
			}
		}
	}

	in := &model.ScannerIntegration{
		Name:        seed.Integration.Name,
		Version:     string(seed.Integration.Version),
		Description: seed.Integration.Description,
		Type:        seed.Integration.Type,
		IsActive:    activeOrDefault(seed.Integration.Active),
	}
	if in.Type == "" {
		in.Type = "vuln_scanner"
	}
	if name := seed.Integration.DefaultCategory; name != "" {
		cats, err := st.Categories(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range cats {
			if c.Name == name {
				id := c.ID
				in.DefaultCategoryID = &id
			}
		}
		if in.DefaultCategoryID == nil {
			return nil, fmt.Errorf("default category %q does not exist", name)
		}
	}
	if err := st.SaveIntegration(ctx, in); err != nil {
		return nil, err
	}

	if opts.ReplaceFieldMappings {
		if err := st.ClearFieldMappings(ctx, in.ID); err != nil {
			return nil, err
		}
	}
	for _, sev := range seed.Severities {
		sm := &model.SeverityMapping{
			IntegrationID:    in.ID,
			ExternalSeverity: strings.TrimSpace(string(sev.External)),
			InternalLabel:    sev.Label,
			InternalLevel:    sev.Level,
			IsActive:         activeOrDefault(sev.Active),
		}
		if err := st.SaveSeverityMapping(ctx, sm); err != nil {
			return nil, err
		}
		res.SeverityMappings++
	}
	for _, f := range seed.Fields {
		fieldType := f.FieldType
		if fieldType == "" {
			fieldType = model.FieldString
		}
		fm := &model.FieldMapping{
			IntegrationID:      in.ID,
			SourceField:        f.SourceField,
			TargetModel:        f.TargetModel,
			TargetField:        f.TargetField,
			FieldType:          fieldType,
			TransformationRule: f.TransformationRule,
			DefaultValue:       string(f.DefaultValue),
			IsRequired:         f.Required,
			Description:        f.Description,
			SortOrder:          f.SortOrder,
			IsActive:           activeOrDefault(f.Active),
		}
		if err := st.SaveFieldMapping(ctx, fm); err != nil {
			return nil, err
		}
		res.FieldMappings++
	}

	current, err := st.IntegrationByName(ctx, in.Name)
	if err != nil {
		return nil, err
	}
	res.Revision = current.Revision
	return res, nil
}
