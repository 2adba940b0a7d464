// Package mapping loads the field and severity mappings that drive an import.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/solardome/vuln-importer/internal/model"
	"github.com/solardome/vuln-importer/internal/store"
	"github.com/solardome/vuln-importer/internal/transform"
)

// ConfigurationError is fatal for an import: nothing is written when it is
// returned.
type ConfigurationError struct {
	Integration string
	Problems    []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("integration %q: %s", e.Integration, e.Problems[0])
	}
	var b strings.Builder
	fmt.Fprintf(&b, "integration %q has %d configuration problems", e.Integration, len(e.Problems))
	for _, p := range e.Problems {
		b.WriteString("\n- ")
		b.WriteString(p)
	}
	return b.String()
}

// IsConfigurationError reports whether err wraps a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// MappingSet is an immutable snapshot of one integration's configuration.
type MappingSet struct {
	Integration model.ScannerIntegration

	Asset         []model.FieldMapping
	Vulnerability []model.FieldMapping
	Finding       []model.FieldMapping

	Severities map[string]model.SeverityMapping

	Categories     map[int64]model.AssetCategory
	CategoryByName map[string]model.AssetCategory
	Subtypes       map[int64]model.AssetSubtype

	// DefaultCategoryID is the integration default when it exists, else the
	// baseline category.
	DefaultCategoryID int64

	Engine *transform.Engine
}

// ForModel returns the ordered active mappings of one target model.
func (s *MappingSet) ForModel(target string) []model.FieldMapping {
	switch target {
	case model.TargetAsset:
		return s.Asset
	case model.TargetVulnerability:
		return s.Vulnerability
	case model.TargetFinding:
		return s.Finding
	}
	return nil
}

// compiled is the cached, revision-stamped part of a MappingSet.
type compiled struct {
	revision   int64
	byModel    map[string][]model.FieldMapping
	severities map[string]model.SeverityMapping
}

// Registry loads MappingSets. Mapping snapshots are cached per integration
// and revalidated against the integration revision on every Load; the
// category taxonomy is re-read on every Load.
type Registry struct {
	store  store.ConfigReader
	cache  *lru.Cache[string, *compiled]
	logger *slog.Logger
}

func NewRegistry(reader store.ConfigReader, cacheSize int, logger *slog.Logger) (*Registry, error) {
	if cacheSize <= 0 {
		cacheSize = 32
	}
	cache, err := lru.New[string, *compiled](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create mapping cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: reader, cache: cache, logger: logger}, nil
}

func (r *Registry) Load(ctx context.Context, name string) (*MappingSet, error) {
	in, err := r.store.IntegrationByName(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &ConfigurationError{Integration: name, Problems: []string{"integration does not exist"}}
	}
	if err != nil {
		return nil, fmt.Errorf("load integration %q: %w", name, err)
	}
	if !in.IsActive {
		return nil, &ConfigurationError{Integration: name, Problems: []string{"integration is inactive"}}
	}

	c, ok := r.cache.Get(name)
	if ok && c.revision == in.Revision {
		r.logger.Debug("mapping cache hit", "integration", name, "revision", in.Revision)
	} else {
		c, err = r.compile(ctx, in)
		if err != nil {
			r.cache.Remove(name)
			return nil, err
		}
		r.cache.Add(name, c)
		r.logger.Debug("mapping snapshot compiled", "integration", name, "revision", in.Revision,
			"asset_mappings", len(c.byModel[model.TargetAsset]),
			"vulnerability_mappings", len(c.byModel[model.TargetVulnerability]),
			"finding_mappings", len(c.byModel[model.TargetFinding]),
			"severity_mappings", len(c.severities))
	}

	return r.assemble(ctx, in, c)
}

func (r *Registry) compile(ctx context.Context, in *model.ScannerIntegration) (*compiled, error) {
	fields, err := r.store.FieldMappings(ctx, in.ID)
	if err != nil {
		return nil, fmt.Errorf("load field mappings for %q: %w", in.Name, err)
	}
	severities, err := r.store.SeverityMappings(ctx, in.ID)
	if err != nil {
		return nil, fmt.Errorf("load severity mappings for %q: %w", in.Name, err)
	}

	var problems []string
	c := &compiled{
		revision:   in.Revision,
		byModel:    map[string][]model.FieldMapping{},
		severities: map[string]model.SeverityMapping{},
	}
	for _, fm := range fields {
		if !fm.IsActive {
			continue
		}
		target, err := model.ParseTarget(fm.TargetModel, fm.TargetField)
		if err != nil {
			problems = append(problems, fmt.Sprintf("mapping %s: %v", fm, err))
			continue
		}
		if !model.ValidFieldType(fm.FieldType) {
			problems = append(problems, fmt.Sprintf("mapping %s: unknown field type %q", fm, fm.FieldType))
			continue
		}
		if _, known := transform.ParseRule(fm.TransformationRule); !known {
			// Kept: the engine passes the raw value through and reports a warning per value.
			r.logger.Warn("mapping uses an unknown transformation rule", "integration", in.Name,
				"mapping", fm.String(), "rule", fm.TransformationRule)
		}
		fm.Target = target
		c.byModel[fm.TargetModel] = append(c.byModel[fm.TargetModel], fm)
	}
	for _, list := range c.byModel {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].SortOrder != list[j].SortOrder {
				return list[i].SortOrder < list[j].SortOrder
			}
			return list[i].ID < list[j].ID
		})
	}
	if len(c.byModel[model.TargetAsset]) == 0 {
		problems = append(problems, "no active asset mappings")
	}

	for _, sm := range severities {
		if !sm.IsActive {
			continue
		}
		if sm.InternalLevel < 0 || sm.InternalLevel > 10 {
			problems = append(problems, fmt.Sprintf("severity %q: level %d outside 0-10", sm.ExternalSeverity, sm.InternalLevel))
			continue
		}
		c.severities[strings.TrimSpace(sm.ExternalSeverity)] = sm
	}

	if len(problems) > 0 {
		return nil, &ConfigurationError{Integration: in.Name, Problems: problems}
	}
	return c, nil
}

func (r *Registry) assemble(ctx context.Context, in *model.ScannerIntegration, c *compiled) (*MappingSet, error) {
	categories, err := r.store.Categories(ctx)
	if err != nil {
		return nil, fmt.Errorf("load asset categories: %w", err)
	}
	subtypes, err := r.store.Subtypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load asset subtypes: %w", err)
	}

	set := &MappingSet{
		Integration:    *in,
		Asset:          c.byModel[model.TargetAsset],
		Vulnerability:  c.byModel[model.TargetVulnerability],
		Finding:        c.byModel[model.TargetFinding],
		Severities:     c.severities,
		Categories:     make(map[int64]model.AssetCategory, len(categories)),
		CategoryByName: make(map[string]model.AssetCategory, len(categories)),
		Subtypes:       make(map[int64]model.AssetSubtype, len(subtypes)),
	}
	for _, cat := range categories {
		set.Categories[cat.ID] = cat
		set.CategoryByName[cat.Name] = cat
	}

	if in.DefaultCategoryID != nil {
		if _, ok := set.Categories[*in.DefaultCategoryID]; ok {
			set.DefaultCategoryID = *in.DefaultCategoryID
		}
	}
	baseline, hasBaseline := set.CategoryByName[model.BaselineCategory]
	if set.DefaultCategoryID == 0 && hasBaseline {
		set.DefaultCategoryID = baseline.ID
	}
	if set.DefaultCategoryID == 0 {
		return nil, &ConfigurationError{Integration: in.Name, Problems: []string{
			fmt.Sprintf("no default asset category and baseline category %q is missing", model.BaselineCategory),
		}}
	}

	baselineSubtypes := map[string]int64{}
	for _, st := range subtypes {
		set.Subtypes[st.ID] = st
		if hasBaseline && st.CategoryID == baseline.ID && st.CloudProvider == "" {
			baselineSubtypes[st.Name] = st.ID
		}
	}

	set.Engine = transform.New(transform.Tables{
		SubtypeIDs:        baselineSubtypes,
		DefaultCategoryID: set.DefaultCategoryID,
		Severities:        c.severities,
	})
	return set, nil
}
