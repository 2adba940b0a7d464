package mapping

// Seed files are checked structurally before they are decoded: unknown,
// duplicate and missing keys are reported with their YAML line so a seed
// author sees every problem at once.

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// schemaError is one structural problem at a dotted seed path.
type schemaError struct {
	Path    string
	Line    int
	Message string
}

func (e schemaError) String() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d field %s: %s", e.Line, e.Path, e.Message)
	}
	return fmt.Sprintf("field %s: %s", e.Path, e.Message)
}

// formatSchemaErrors renders errs ordered by line, then path.
func formatSchemaErrors(source string, errs []schemaError) string {
	slices.SortFunc(errs, func(a, b schemaError) int {
		return cmp.Or(cmp.Compare(a.Line, b.Line), cmp.Compare(a.Path, b.Path), cmp.Compare(a.Message, b.Message))
	})
	var b strings.Builder
	fmt.Fprintf(&b, "seed %s failed schema validation", source)
	for _, e := range errs {
		b.WriteString("\n- ")
		b.WriteString(e.String())
	}
	return b.String()
}

var (
	seedTopAllowed      = []string{"schema_version", "integration", "categories", "severity_mappings", "field_mappings"}
	seedTopRequired     = []string{"schema_version", "integration", "field_mappings"}
	integrationAllowed  = []string{"name", "version", "description", "type", "active", "default_category"}
	categoryAllowed     = []string{"name", "description", "subtypes", "cloud_subtypes"}
	severityAllowed     = []string{"external", "label", "level", "active"}
	severityRequired    = []string{"external", "label", "level"}
	fieldMappingAllowed = []string{"source_field", "target_model", "target_field", "field_type",
		"transformation_rule", "default_value", "required", "description", "sort_order", "active"}
	fieldMappingRequired = []string{"source_field", "target_model", "target_field"}
)

func validateSeedYAML(root *yaml.Node) []schemaError {
	if root == nil || len(root.Content) == 0 {
		return []schemaError{{Path: "seed", Message: "empty YAML document"}}
	}
	errList := []schemaError{}
	m := validateMapNode(root.Content[0], "seed", seedTopAllowed, seedTopRequired, &errList)

	if v, ok := m["integration"]; ok {
		validateMapNode(v, "seed.integration", integrationAllowed, []string{"name"}, &errList)
	}
	if v, ok := m["categories"]; ok {
		for i, item := range validateSequenceNode(v, "seed.categories", &errList) {
			path := fmt.Sprintf("seed.categories[%d]", i)
			c := validateMapNode(item, path, categoryAllowed, []string{"name"}, &errList)
			if s, ok := c["subtypes"]; ok {
				validateScalarSequence(s, path+".subtypes", &errList)
			}
			if cloud, ok := c["cloud_subtypes"]; ok {
				validateCloudSubtypes(cloud, path+".cloud_subtypes", &errList)
			}
		}
	}
	if v, ok := m["severity_mappings"]; ok {
		for i, item := range validateSequenceNode(v, "seed.severity_mappings", &errList) {
			validateMapNode(item, fmt.Sprintf("seed.severity_mappings[%d]", i), severityAllowed, severityRequired, &errList)
		}
	}
	if v, ok := m["field_mappings"]; ok {
		for i, item := range validateSequenceNode(v, "seed.field_mappings", &errList) {
			validateMapNode(item, fmt.Sprintf("seed.field_mappings[%d]", i), fieldMappingAllowed, fieldMappingRequired, &errList)
		}
	}
	return errList
}

func validateCloudSubtypes(node *yaml.Node, path string, errs *[]schemaError) {
	if node.Kind != yaml.MappingNode {
		*errs = append(*errs, schemaError{Path: path, Line: node.Line, Message: "must be a mapping/object"})
		return
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		validateScalarSequence(node.Content[i+1], path+"."+node.Content[i].Value, errs)
	}
}

// validateMapNode checks keys of a mapping node against allowed and required
// and returns the values by key. The first of a duplicated key wins.
func validateMapNode(node *yaml.Node, path string, allowed, required []string, errs *[]schemaError) map[string]*yaml.Node {
	fields := map[string]*yaml.Node{}
	switch {
	case node == nil:
		*errs = append(*errs, schemaError{Path: path, Message: "missing object"})
		return fields
	case node.Kind != yaml.MappingNode:
		*errs = append(*errs, schemaError{Path: path, Line: node.Line, Message: "must be a mapping/object"})
		return fields
	}
	lines := map[string]int{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := node.Content[i], node.Content[i+1]
		at := path + "." + k.Value
		if first, dup := lines[k.Value]; dup {
			*errs = append(*errs, schemaError{Path: at, Line: k.Line, Message: fmt.Sprintf("duplicate key (already defined at line %d)", first)})
			continue
		}
		lines[k.Value] = k.Line
		if !slices.Contains(allowed, k.Value) {
			*errs = append(*errs, schemaError{Path: at, Line: k.Line, Message: "unknown field"})
		}
		fields[k.Value] = v
	}
	for _, name := range required {
		if fields[name] == nil {
			*errs = append(*errs, schemaError{Path: path + "." + name, Line: node.Line, Message: "missing required field"})
		}
	}
	return fields
}

func validateSequenceNode(node *yaml.Node, path string, errs *[]schemaError) []*yaml.Node {
	if node == nil {
		*errs = append(*errs, schemaError{Path: path, Line: 0, Message: "missing sequence"})
		return nil
	}
	if node.Kind != yaml.SequenceNode {
		*errs = append(*errs, schemaError{Path: path, Line: node.Line, Message: "must be a sequence/array"})
		return nil
	}
	return node.Content
}

func validateScalarSequence(node *yaml.Node, path string, errs *[]schemaError) {
	for i, item := range validateSequenceNode(node, path, errs) {
		if item.Kind != yaml.ScalarNode {
			*errs = append(*errs, schemaError{Path: fmt.Sprintf("%s[%d]", path, i), Line: item.Line, Message: "must be a string"})
		}
	}
}

// yamlNodeToValue turns a validated node tree into plain values so it can be
// decoded through encoding/json tags.
func yamlNodeToValue(node *yaml.Node) any {
	if node == nil {
		return nil
	}
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			return nil
		}
		return yamlNodeToValue(node.Content[0])
	case yaml.MappingNode:
		m := make(map[string]any, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			m[node.Content[i].Value] = yamlNodeToValue(node.Content[i+1])
		}
		return m
	case yaml.SequenceNode:
		out := make([]any, 0, len(node.Content))
		for _, c := range node.Content {
			out = append(out, yamlNodeToValue(c))
		}
		return out
	case yaml.ScalarNode:
		switch node.Tag {
		case "!!bool":
			return strings.EqualFold(node.Value, "true")
		case "!!int":
			var i int64
			if _, err := fmt.Sscan(node.Value, &i); err == nil {
				return i
			}
			return node.Value
		case "!!float":
			var f float64
			if _, err := fmt.Sscan(node.Value, &f); err == nil {
				return f
			}
			return node.Value
		case "!!null":
			return nil
		default:
			return node.Value
		}
	default:
		return node.Value
	}
}
