package model

import (
	"fmt"
	"strings"
	"time"
)

const (
	TargetAsset         = "asset"
	TargetVulnerability = "vulnerability"
	TargetFinding       = "finding"
)

var TargetModels = []string{TargetAsset, TargetVulnerability, TargetFinding}

const (
	FieldString   = "string"
	FieldInteger  = "integer"
	FieldDecimal  = "decimal"
	FieldBoolean  = "boolean"
	FieldJSON     = "json"
	FieldDatetime = "datetime"
)

var fieldTypes = map[string]bool{
	FieldString:   true,
	FieldInteger:  true,
	FieldDecimal:  true,
	FieldBoolean:  true,
	FieldJSON:     true,
	FieldDatetime: true,
}

// ValidFieldType reports whether t is one of the supported coercion types.
// An empty type is treated as string.
func ValidFieldType(t string) bool {
	if strings.TrimSpace(t) == "" {
		return true
	}
	return fieldTypes[t]
}

type ScannerIntegration struct {
	ID                int64     `json:"id"`
	Name              string    `json:"name"`
	Version           string    `json:"version"`
	Description       string    `json:"description"`
	Type              string    `json:"type"`
	IsActive          bool      `json:"is_active"`
	DefaultCategoryID *int64    `json:"default_asset_category_id,omitempty"`
	Revision          int64     `json:"revision"`
	CreatedAt         time.Time `json:"created_at"`
}

type AssetCategory struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type AssetSubtype struct {
	ID            int64  `json:"id"`
	CategoryID    int64  `json:"category_id"`
	Name          string `json:"name"`
	CloudProvider string `json:"cloud_provider,omitempty"`
	Description   string `json:"description"`
}

type FieldMapping struct {
	ID                 int64  `json:"id"`
	IntegrationID      int64  `json:"integration_id"`
	SourceField        string `json:"source_field"`
	TargetModel        string `json:"target_model"`
	TargetField        string `json:"target_field"`
	FieldType          string `json:"field_type"`
	TransformationRule string `json:"transformation_rule"`
	DefaultValue       string `json:"default_value"`
	IsRequired         bool   `json:"is_required"`
	Description        string `json:"description"`
	SortOrder          int    `json:"sort_order"`
	IsActive           bool   `json:"is_active"`

	// Target is derived from TargetField when the mapping set is loaded.
	Target Target `json:"-"`
}

func (m FieldMapping) String() string {
	return fmt.Sprintf("%s -> %s.%s", m.SourceField, m.TargetModel, m.TargetField)
}

type SeverityMapping struct {
	ID               int64  `json:"id"`
	IntegrationID    int64  `json:"integration_id"`
	ExternalSeverity string `json:"external_severity"`
	InternalLabel    string `json:"internal_severity_label"`
	InternalLevel    int    `json:"internal_severity_level"`
	IsActive         bool   `json:"is_active"`
}

// TargetKind selects where a mapped value lands on the target record.
type TargetKind int

const (
	TargetColumn TargetKind = iota
	TargetExtension
)

// Target is the parsed form of FieldMapping.TargetField.
type Target struct {
	Kind   TargetKind
	Column string
	Key    string
}

func (t Target) String() string {
	if t.Kind == TargetExtension {
		return "extension." + t.Key
	}
	return t.Column
}

// extensionPrefixes lists the dotted prefixes accepted for each target model's
// extension map. "metadata" is accepted everywhere for older mapping sets.
var extensionPrefixes = map[string][]string{
	TargetAsset:         {"extra", "metadata"},
	TargetVulnerability: {"extra", "metadata"},
	TargetFinding:       {"details", "metadata"},
}

var columns = map[string]map[string]bool{
	TargetAsset: {
		"name":             true,
		"hostname":         true,
		"ip_address":       true,
		"mac_address":      true,
		"operating_system": true,
		"category_id":      true,
		"subtype_id":       true,
		"category":         true,
		"subtype":          true,
	},
	TargetVulnerability: {
		"external_id":    true,
		"title":          true,
		"name":           true,
		"description":    true,
		"fix_info":       true,
		"solution":       true,
		"severity_label": true,
		"severity_level": true,
		"cvss_score":     true,
		"cve_id":         true,
		"references":     true,
		"exploit":        true,
		"cvss":           true,
		"risk_factor":    true,
		"published_at":   true,
		"modified_at":    true,
	},
	TargetFinding: {
		"port":          true,
		"protocol":      true,
		"service":       true,
		"plugin_output": true,
	},
}

// ParseTarget splits a stored target field into a column or extension target
// for the given model.
func ParseTarget(targetModel, targetField string) (Target, error) {
	field := strings.TrimSpace(targetField)
	if field == "" {
		return Target{}, fmt.Errorf("empty target field")
	}
	cols, ok := columns[targetModel]
	if !ok {
		return Target{}, fmt.Errorf("unknown target model %q", targetModel)
	}
	if prefix, key, dotted := strings.Cut(field, "."); dotted {
		for _, p := range extensionPrefixes[targetModel] {
			if p == prefix {
				if strings.TrimSpace(key) == "" {
					return Target{}, fmt.Errorf("empty extension key in %q", field)
				}
				return Target{Kind: TargetExtension, Key: key}, nil
			}
		}
		return Target{}, fmt.Errorf("unknown extension prefix %q for %s", prefix, targetModel)
	}
	if !cols[field] {
		return Target{}, fmt.Errorf("unknown %s column %q", targetModel, field)
	}
	return Target{Kind: TargetColumn, Column: field}, nil
}
