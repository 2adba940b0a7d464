package mapping

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solardome/vuln-importer/internal/model"
	"github.com/solardome/vuln-importer/internal/store"
)

func seededStore(t *testing.T) *store.Memory {
	t.Helper()
	mem := store.NewMemory()
	seed, err := DefaultSeed()
	require.NoError(t, err)
	_, err = ApplySeed(context.Background(), mem, seed, ApplyOptions{})
	require.NoError(t, err)
	return mem
}

func newRegistry(t *testing.T, reader store.ConfigReader) *Registry {
	t.Helper()
	r, err := NewRegistry(reader, 4, nil)
	require.NoError(t, err)
	return r
}

func TestRegistry_LoadGroupsAndOrders(t *testing.T) {
	mem := seededStore(t)
	set, err := newRegistry(t, mem).Load(context.Background(), "Nessus")
	require.NoError(t, err)

	require.NotEmpty(t, set.Asset)
	assert.Equal(t, "category_id", set.Asset[0].TargetField)
	for i := 1; i < len(set.Asset); i++ {
		assert.LessOrEqual(t, set.Asset[i-1].SortOrder, set.Asset[i].SortOrder)
	}
	assert.NotEmpty(t, set.Vulnerability)
	assert.NotEmpty(t, set.Finding)
	assert.Equal(t, set.Finding, set.ForModel(model.TargetFinding))

	assert.Equal(t, "Critical", set.Severities["4"].InternalLabel)
	assert.Equal(t, set.CategoryByName["Host"].ID, set.DefaultCategoryID)
	assert.NotNil(t, set.Engine)

	for _, fm := range set.Asset {
		if fm.TargetField == "extra.fqdn" {
			assert.Equal(t, model.TargetExtension, fm.Target.Kind)
			assert.Equal(t, "fqdn", fm.Target.Key)
		}
	}
}

func TestRegistry_ConfigurationErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("missing integration", func(t *testing.T) {
		_, err := newRegistry(t, store.NewMemory()).Load(ctx, "Qualys")
		require.Error(t, err)
		assert.True(t, IsConfigurationError(err))
	})

	t.Run("inactive integration", func(t *testing.T) {
		mem := store.NewMemory()
		require.NoError(t, mem.SaveIntegration(ctx, &model.ScannerIntegration{Name: "Off", IsActive: false}))
		_, err := newRegistry(t, mem).Load(ctx, "Off")
		assert.True(t, IsConfigurationError(err))
		assert.Contains(t, err.Error(), "inactive")
	})

	t.Run("no asset mappings", func(t *testing.T) {
		mem := store.NewMemory()
		require.NoError(t, mem.SaveCategory(ctx, &model.AssetCategory{Name: model.BaselineCategory}))
		in := &model.ScannerIntegration{Name: "Bare", IsActive: true}
		require.NoError(t, mem.SaveIntegration(ctx, in))
		require.NoError(t, mem.SaveFieldMapping(ctx, &model.FieldMapping{IntegrationID: in.ID,
			SourceField: "@pluginID", TargetModel: model.TargetVulnerability, TargetField: "external_id", IsActive: true}))
		require.NoError(t, mem.SaveFieldMapping(ctx, &model.FieldMapping{IntegrationID: in.ID,
			SourceField: "HostName", TargetModel: model.TargetAsset, TargetField: "name", IsActive: false}))

		_, err := newRegistry(t, mem).Load(ctx, "Bare")
		assert.True(t, IsConfigurationError(err))
		assert.Contains(t, err.Error(), "no active asset mappings")
	})

	t.Run("problems are aggregated", func(t *testing.T) {
		mem := store.NewMemory()
		require.NoError(t, mem.SaveCategory(ctx, &model.AssetCategory{Name: model.BaselineCategory}))
		in := &model.ScannerIntegration{Name: "Broken", IsActive: true}
		require.NoError(t, mem.SaveIntegration(ctx, in))
		for _, fm := range []model.FieldMapping{
			{SourceField: "a", TargetModel: model.TargetAsset, TargetField: "colour"},
			{SourceField: "b", TargetModel: model.TargetAsset, TargetField: "name", FieldType: "blob"},
			{SourceField: "c", TargetModel: model.TargetAsset, TargetField: "hostname", TransformationRule: "eval"},
		} {
			fm.IntegrationID = in.ID
			fm.IsActive = true
			require.NoError(t, mem.SaveFieldMapping(ctx, &fm))
		}

		_, err := newRegistry(t, mem).Load(ctx, "Broken")
		require.Error(t, err)
		var cfgErr *ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		require.Len(t, cfgErr.Problems, 2)
		assert.Contains(t, cfgErr.Problems[0]+cfgErr.Problems[1], "colour")
		assert.Contains(t, cfgErr.Problems[0]+cfgErr.Problems[1], "blob")
		assert.NotContains(t, err.Error(), "eval")
	})

	t.Run("unknown rule is not a configuration error", func(t *testing.T) {
		mem := seededStore(t)
		in, err := mem.IntegrationByName(ctx, "Nessus")
		require.NoError(t, err)
		require.NoError(t, mem.SaveFieldMapping(ctx, &model.FieldMapping{IntegrationID: in.ID,
			SourceField: "operating-system", TargetModel: model.TargetAsset, TargetField: "extra.os_upper",
			TransformationRule: "upper(value)", IsActive: true, SortOrder: 999}))

		set, err := newRegistry(t, mem).Load(ctx, "Nessus")
		require.NoError(t, err)
		var found bool
		for _, fm := range set.ForModel(model.TargetAsset) {
			if fm.TargetField == "extra.os_upper" {
				found = true
				assert.Equal(t, "upper(value)", fm.TransformationRule)
			}
		}
		assert.True(t, found, "mapping with unknown rule must stay in the set")
	})

	t.Run("no category available", func(t *testing.T) {
		mem := store.NewMemory()
		in := &model.ScannerIntegration{Name: "NoCat", IsActive: true}
		require.NoError(t, mem.SaveIntegration(ctx, in))
		require.NoError(t, mem.SaveFieldMapping(ctx, &model.FieldMapping{IntegrationID: in.ID,
			SourceField: "HostName", TargetModel: model.TargetAsset, TargetField: "name", IsActive: true}))
		_, err := newRegistry(t, mem).Load(ctx, "NoCat")
		assert.True(t, IsConfigurationError(err))
	})
}

func TestRegistry_RevalidatesAfterRevisionBump(t *testing.T) {
	ctx := context.Background()
	mem := seededStore(t)
	reg := newRegistry(t, mem)

	before, err := reg.Load(ctx, "Nessus")
	require.NoError(t, err)
	again, err := reg.Load(ctx, "Nessus")
	require.NoError(t, err)
	assert.Equal(t, len(before.Asset), len(again.Asset))

	in, err := mem.IntegrationByName(ctx, "Nessus")
	require.NoError(t, err)
	require.NoError(t, mem.SaveSeverityMapping(ctx, &model.SeverityMapping{IntegrationID: in.ID,
		ExternalSeverity: "5", InternalLabel: "Critical", InternalLevel: 10, IsActive: true}))
	require.NoError(t, mem.SaveFieldMapping(ctx, &model.FieldMapping{IntegrationID: in.ID,
		SourceField: "bios-uuid", TargetModel: model.TargetAsset, TargetField: "extra.bios_uuid", IsActive: true, SortOrder: 50}))

	after, err := reg.Load(ctx, "Nessus")
	require.NoError(t, err)
	assert.Len(t, after.Asset, len(before.Asset)+1)
	assert.Contains(t, after.Severities, "5")
	assert.NotContains(t, before.Severities, "5")
}

func TestRegistry_TaxonomyReloadedEveryLoad(t *testing.T) {
	ctx := context.Background()
	mem := seededStore(t)
	reg := newRegistry(t, mem)

	_, err := reg.Load(ctx, "Nessus")
	require.NoError(t, err)

	require.NoError(t, mem.SaveCategory(ctx, &model.AssetCategory{Name: "Mainframe"}))
	set, err := reg.Load(ctx, "Nessus")
	require.NoError(t, err)
	assert.Contains(t, set.CategoryByName, "Mainframe")
}
