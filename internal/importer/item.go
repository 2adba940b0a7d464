package importer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/solardome/vuln-importer/internal/ingest/xmlwalk"
	"github.com/solardome/vuln-importer/internal/mapping"
	"github.com/solardome/vuln-importer/internal/model"
	"github.com/solardome/vuln-importer/internal/scoring"
	"github.com/solardome/vuln-importer/internal/store"
	"github.com/solardome/vuln-importer/internal/transform"
)

// mappedItemTags lists the child elements consumed by vulnerability and
// finding mappings. Every other child is captured into vulnerability extra.
func mappedItemTags(set *mapping.MappingSet, layout xmlwalk.Layout) map[string]bool {
	tags := map[string]bool{}
	for _, group := range [][]model.FieldMapping{set.Vulnerability, set.Finding} {
		for _, m := range group {
			if _, isAttr := attrField(m.SourceField, layout.Item); isAttr || m.SourceField == "" {
				continue
			}
			tags[m.SourceField] = true
		}
	}
	return tags
}

func (hr *hostRun) itemSource(item *xmlwalk.Item, field string) transform.Raw {
	if field == "" {
		return transform.Absent()
	}
	if attr, ok := attrField(field, hr.layout.Item); ok {
		return transform.String(item.Attr(attr))
	}
	if item.Repeated(field) {
		return transform.List(item.Texts(field))
	}
	return transform.String(item.Text(field))
}

// structuredKey is the key a scalar lands under in the exploit and cvss maps.
func (hr *hostRun) structuredKey(field string) string {
	if attr, ok := attrField(field, hr.layout.Item); ok {
		return attr
	}
	return field
}

func (hr *hostRun) importItem(ctx context.Context, asset *model.Asset, item *xmlwalk.Item) error {
	set := hr.set
	code := item.Attr(hr.layout.SeverityAttr)
	label, level, mapped := set.Engine.Severity(code)
	defaulted := !mapped

	vuln := &model.Vulnerability{
		ExternalSource: set.Integration.Name,
		SeverityLabel:  label,
		SeverityLevel:  level,
	}
	vuln.Normalize()
	for _, m := range set.Vulnerability {
		res, err := hr.apply(hr.itemSource(item, m.SourceField), m)
		if err != nil {
			return err
		}
		defaulted = defaulted || res.DefaultSeverity
		if res.Value == nil {
			continue
		}
		hr.assignVulnerability(vuln, m, res.Value)
	}
	hr.fillVulnerability(vuln, item)
	if defaulted {
		hr.delta.defaultSeverity++
		hr.log.Info("import.default_severity", "severity_code", code, "external_id", vuln.ExternalID,
			"label", model.DefaultSeverity, "level", model.DefaultSeverityLvl)
	}

	finding := &model.Finding{
		AssetID:       asset.ID,
		IntegrationID: set.Integration.ID,
		Status:        model.StatusOpen,
		SeverityLevel: vuln.SeverityLevel,
		RiskScore:     scoring.ScoreFinding(scoring.Finding{SeverityLabel: vuln.SeverityLabel, SeverityLevel: vuln.SeverityLevel}),
		FirstSeen:     hr.runAt,
		LastSeen:      hr.runAt,
		Details:       map[string]any{},
	}
	for _, m := range set.Finding {
		res, err := hr.apply(hr.itemSource(item, m.SourceField), m)
		if err != nil {
			return err
		}
		if res.Value == nil {
			continue
		}
		assignFinding(finding, m.Target, res.Value)
	}

	created, err := hr.upsertVulnerability(ctx, vuln)
	if err != nil {
		return err
	}
	hr.delta.vulnerabilities++
	if created {
		hr.delta.vulnerabilitiesCreated++
	}

	finding.VulnerabilityID = vuln.ID
	created, err = hr.upsertFinding(ctx, finding)
	if err != nil {
		return err
	}
	hr.delta.findings++
	if created {
		hr.delta.findingsCreated++
	}
	return nil
}

func (hr *hostRun) assignVulnerability(v *model.Vulnerability, m model.FieldMapping, val any) {
	if m.Target.Kind == model.TargetExtension {
		v.Extra[m.Target.Key] = extensionValue(val)
		return
	}
	switch m.Target.Column {
	case "external_id":
		v.ExternalID = asString(val)
	case "title", "name":
		v.Title = asString(val)
	case "description":
		v.Description = asString(val)
	case "fix_info", "solution":
		v.FixInfo = asString(val)
	case "severity_label":
		v.SeverityLabel = asString(val)
	case "severity_level":
		if n, ok := asInt64(val); ok {
			v.SeverityLevel = int(n)
		}
	case "cvss_score":
		if f, ok := asFloat(val); ok {
			v.CVSSScore = &f
		}
	case "cve_id":
		if list, ok := val.([]string); ok {
			val = list[0]
		}
		v.CVEID = asString(val)
	case "risk_factor":
		v.RiskFactor = asString(val)
	case "published_at":
		if t, ok := asTime(val); ok {
			v.PublishedAt = &t
		}
	case "modified_at":
		if t, ok := asTime(val); ok {
			v.ModifiedAt = &t
		}
	case "references":
		items, ok := val.([]string)
		if !ok {
			items = []string{asString(val)}
		}
		for _, ref := range items {
			if ref != "" && !slices.Contains(v.References, ref) {
				v.References = append(v.References, ref)
			}
		}
	case "exploit":
		mergeStructured(v.Exploit, hr.structuredKey(m.SourceField), val)
	case "cvss":
		mergeStructured(v.CVSS, hr.structuredKey(m.SourceField), val)
	}
}

// mergeStructured merges a decoded JSON object into dst, or stores a scalar
// under key.
func mergeStructured(dst map[string]any, key string, val any) {
	if obj, ok := val.(map[string]any); ok {
		maps.Copy(dst, obj)
		return
	}
	dst[key] = extensionValue(val)
}

// fillVulnerability applies identity fallbacks and captures unmapped item
// children.
func (hr *hostRun) fillVulnerability(v *model.Vulnerability, item *xmlwalk.Item) {
	if v.ExternalID == "" {
		v.ExternalID = item.Attr(hr.layout.ItemIDAttr)
	}
	if v.ExternalID == "" {
		sum := sha256.Sum256([]byte(item.Attr(hr.layout.ItemNameAttr) + ":" + item.Attr(hr.layout.PortAttr)))
		v.ExternalID = hex.EncodeToString(sum[:])
	}
	if v.Title == "" {
		v.Title = item.Attr(hr.layout.ItemNameAttr)
	}
	if v.Title == "" {
		v.Title = model.UnknownVulnTitle
	}
	for tag, text := range item.Children() {
		if hr.itemTags[tag] {
			continue
		}
		if _, exists := v.Extra[tag]; !exists {
			v.Extra[tag] = text
		}
	}
	v.Normalize()
}

func assignFinding(f *model.Finding, t model.Target, val any) {
	if t.Kind == model.TargetExtension {
		f.Details[t.Key] = extensionValue(val)
		return
	}
	switch t.Column {
	case "port":
		if n, ok := asInt64(val); ok {
			f.Port = int(n)
		}
	case "protocol":
		f.Protocol = asString(val)
	case "service":
		f.Service = asString(val)
	case "plugin_output":
		f.PluginOutput = asString(val)
	}
}

func (hr *hostRun) findVulnerability(ctx context.Context, v *model.Vulnerability) (*model.Vulnerability, error) {
	cur, err := hr.tx.VulnerabilityByExternalID(ctx, v.ExternalSource, v.ExternalID)
	if errors.Is(err, store.ErrNotFound) && v.CVEID != "" {
		cur, err = hr.tx.VulnerabilityByCVE(ctx, v.CVEID)
	}
	return cur, err
}

// upsertVulnerability finds v by (source, external id), then by CVE, and
// inserts it when neither matches. On update the stored identity wins.
func (hr *hostRun) upsertVulnerability(ctx context.Context, v *model.Vulnerability) (bool, error) {
	cur, err := hr.findVulnerability(ctx, v)
	switch {
	case errors.Is(err, store.ErrNotFound):
		err = hr.tx.InsertVulnerability(ctx, v)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return false, fmt.Errorf("insert vulnerability %s: %w", v.ExternalID, err)
		}
		hr.log.Debug("import.vulnerability_conflict_retry", "external_id", v.ExternalID)
		cur, err = hr.findVulnerability(ctx, v)
		if err != nil {
			return false, fmt.Errorf("find vulnerability %s after conflict: %w", v.ExternalID, err)
		}
	case err != nil:
		return false, fmt.Errorf("find vulnerability %s: %w", v.ExternalID, err)
	}

	if cur.CVEID == "" && v.CVEID != "" {
		owner, err := hr.tx.VulnerabilityByCVE(ctx, v.CVEID)
		switch {
		case err == nil && owner.ID != cur.ID:
			hr.log.Debug("import.cve_owned_elsewhere", "cve_id", v.CVEID, "owner_id", owner.ID)
			v.CVEID = ""
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return false, fmt.Errorf("find vulnerability by cve %s: %w", v.CVEID, err)
		}
	}
	mergeVulnerability(cur, v)
	if err := hr.tx.UpdateVulnerability(ctx, cur); err != nil {
		return false, fmt.Errorf("update vulnerability %s: %w", cur.ExternalID, err)
	}
	*v = *cur
	return false, nil
}

// mergeVulnerability overwrites mapped columns on cur. Identity, an existing
// CVE, and collections or scores the new scan did not supply are kept.
func mergeVulnerability(cur, in *model.Vulnerability) {
	cur.Title = in.Title
	if in.Description != "" {
		cur.Description = in.Description
	}
	if in.FixInfo != "" {
		cur.FixInfo = in.FixInfo
	}
	cur.SeverityLabel = in.SeverityLabel
	cur.SeverityLevel = in.SeverityLevel
	if in.CVSSScore != nil {
		cur.CVSSScore = in.CVSSScore
	}
	if cur.CVEID == "" {
		cur.CVEID = in.CVEID
	}
	if in.RiskFactor != "" {
		cur.RiskFactor = in.RiskFactor
	}
	if in.PublishedAt != nil {
		cur.PublishedAt = in.PublishedAt
	}
	if in.ModifiedAt != nil {
		cur.ModifiedAt = in.ModifiedAt
	}
	if len(in.References) > 0 {
		cur.References = in.References
	}
	if len(in.Exploit) > 0 {
		cur.Exploit = in.Exploit
	}
	if len(in.CVSS) > 0 {
		cur.CVSS = in.CVSS
	}
	cur.Normalize()
	maps.Copy(cur.Extra, in.Extra)
}

// upsertFinding inserts f or refreshes the scan-derived columns of the
// existing occurrence. Status, first_seen and fixed_at are left alone.
func (hr *hostRun) upsertFinding(ctx context.Context, f *model.Finding) (bool, error) {
	key := f.Key()
	cur, err := hr.tx.FindFinding(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		err = hr.tx.InsertFinding(ctx, f)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return false, fmt.Errorf("insert finding: %w", err)
		}
		hr.log.Debug("import.finding_conflict_retry", "asset_id", key.AssetID, "vulnerability_id", key.VulnerabilityID)
		cur, err = hr.tx.FindFinding(ctx, key)
		if err != nil {
			return false, fmt.Errorf("find finding after conflict: %w", err)
		}
	case err != nil:
		return false, fmt.Errorf("find finding: %w", err)
	}

	cur.LastSeen = f.LastSeen
	cur.PluginOutput = f.PluginOutput
	cur.SeverityLevel = f.SeverityLevel
	cur.RiskScore = f.RiskScore
	if cur.Details == nil {
		cur.Details = map[string]any{}
	}
	maps.Copy(cur.Details, f.Details)
	if err := hr.tx.UpdateFinding(ctx, cur); err != nil {
		return false, fmt.Errorf("update finding %d: %w", cur.ID, err)
	}
	*f = *cur
	return false, nil
}
