package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/solardome/vuln-importer/internal/ingest/xmlwalk"
	"github.com/solardome/vuln-importer/internal/mapping"
	"github.com/solardome/vuln-importer/internal/model"
	"github.com/solardome/vuln-importer/internal/store"
	"github.com/solardome/vuln-importer/internal/transform"
)

// hostNameField is the synthetic source field for the host container's name.
const hostNameField = "HostName"

// hostRun imports one host inside its transaction.
type hostRun struct {
	set      *mapping.MappingSet
	host     *xmlwalk.Host
	layout   xmlwalk.Layout
	runAt    time.Time
	itemTags map[string]bool
	log      *slog.Logger
	tx       store.Tx
	delta    hostDelta
}

func (hr *hostRun) run(ctx context.Context) error {
	asset, err := hr.resolveAsset(ctx)
	if err != nil {
		return err
	}
	n := 0
	for item := range hr.host.Items() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := hr.importItem(ctx, asset, item); err != nil {
			id := item.Attr(hr.layout.ItemIDAttr)
			if id == "" {
				id = fmt.Sprintf("#%d", n)
			}
			return fmt.Errorf("item %s: %w", id, err)
		}
		n++
	}
	return nil
}

// attrField returns the attribute named by a synthetic "<Element>@attr" or
// "@attr" source field.
func attrField(field, element string) (string, bool) {
	if rest, ok := strings.CutPrefix(field, element+"@"); ok {
		return rest, true
	}
	if rest, ok := strings.CutPrefix(field, "@"); ok {
		return rest, true
	}
	return "", false
}

func (hr *hostRun) hostSource(field string) transform.Raw {
	if field == "" {
		return transform.Absent()
	}
	if attr, ok := attrField(field, hr.layout.Host); ok {
		return transform.String(strings.TrimSpace(hr.host.Attr(attr)))
	}
	if v, ok := hr.host.Properties[field]; ok {
		return transform.String(v)
	}
	if field == hostNameField {
		return transform.String(strings.TrimSpace(hr.host.Name))
	}
	return transform.Absent()
}

// apply runs one mapping. Unknown rules are counted and logged and the raw
// value is used; a required mapping without a value fails the host.
func (hr *hostRun) apply(raw transform.Raw, m model.FieldMapping) (transform.Result, error) {
	res, err := hr.set.Engine.Apply(raw, m)
	if err != nil {
		var terr *transform.Error
		if !errors.As(err, &terr) {
			return res, err
		}
		hr.delta.transformWarnings++
		hr.log.Warn("import.transform_warning", "mapping", m.String(), "rule", terr.Rule, "error", terr.Err)
	}
	if res.Value == nil && m.IsRequired {
		return res, fmt.Errorf("required field %s resolved to no value", m)
	}
	return res, nil
}

type pendingAsset struct {
	asset        *model.Asset
	categoryName string
	subtypeName  string
}

func (hr *hostRun) resolveAsset(ctx context.Context) (*model.Asset, error) {
	p := &pendingAsset{asset: &model.Asset{Extra: map[string]any{}}}
	for _, m := range hr.set.Asset {
		res, err := hr.apply(hr.hostSource(m.SourceField), m)
		if err != nil {
			return nil, err
		}
		if res.Value == nil {
			continue
		}
		p.assign(m.Target, res.Value)
	}
	asset := hr.finishAsset(p)

	created, err := hr.upsertAsset(ctx, asset)
	if err != nil {
		return nil, err
	}
	hr.delta.assetCreated = created
	return asset, nil
}

func (p *pendingAsset) assign(t model.Target, v any) {
	a := p.asset
	if t.Kind == model.TargetExtension {
		a.Extra[t.Key] = extensionValue(v)
		return
	}
	switch t.Column {
	case "name":
		a.Name = asString(v)
	case "hostname":
		a.Hostname = asString(v)
	case "ip_address":
		a.IPAddress = asString(v)
	case "mac_address":
		a.MACAddress = asString(v)
	case "operating_system":
		a.OperatingSystem = asString(v)
	case "category_id":
		if id, ok := asInt64(v); ok {
			a.CategoryID = id
		}
	case "subtype_id":
		if id, ok := asInt64(v); ok {
			a.SubtypeID = &id
		}
	case "category":
		p.categoryName = asString(v)
	case "subtype":
		p.subtypeName = asString(v)
	}
}

// finishAsset applies the category, subtype and name fallbacks and stamps
// the scan time.
func (hr *hostRun) finishAsset(p *pendingAsset) *model.Asset {
	a := p.asset
	set := hr.set
	if p.categoryName != "" {
		if c, ok := set.CategoryByName[p.categoryName]; ok {
			a.CategoryID = c.ID
		}
	}
	if _, ok := set.Categories[a.CategoryID]; !ok {
		a.CategoryID = set.DefaultCategoryID
	}

	if p.subtypeName != "" {
		a.SubtypeID = nil
		for _, s := range set.Subtypes {
			if s.CategoryID == a.CategoryID && s.Name == p.subtypeName && s.CloudProvider == "" {
				id := s.ID
				a.SubtypeID = &id
				break
			}
		}
	}
	if a.SubtypeID != nil {
		if s, ok := set.Subtypes[*a.SubtypeID]; !ok || s.CategoryID != a.CategoryID {
			hr.log.Debug("import.subtype_dropped", "subtype_id", *a.SubtypeID, "category_id", a.CategoryID)
			a.SubtypeID = nil
		}
	}

	if a.Name == "" {
		switch {
		case a.Hostname != "":
			a.Name = a.Hostname
		case a.IPAddress != "":
			a.Name = a.IPAddress
		default:
			a.Name = model.UnknownHostName
		}
	}
	a.Extra["last_scan"] = hr.runAt.UTC().Format(time.RFC3339Nano)
	return a
}

// upsertAsset persists a by its dedup key. A concurrent insert of the same
// key is retried as a lookup.
func (hr *hostRun) upsertAsset(ctx context.Context, a *model.Asset) (bool, error) {
	cur, err := hr.tx.FindAsset(ctx, a.Key())
	switch {
	case errors.Is(err, store.ErrNotFound):
		err = hr.tx.InsertAsset(ctx, a)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return false, fmt.Errorf("insert asset %q: %w", a.Name, err)
		}
		hr.log.Debug("import.asset_conflict_retry", "asset", a.Name)
		cur, err = hr.tx.FindAsset(ctx, a.Key())
		if err != nil {
			return false, fmt.Errorf("find asset %q after conflict: %w", a.Name, err)
		}
	case err != nil:
		return false, fmt.Errorf("find asset %q: %w", a.Name, err)
	}

	mergeAsset(cur, a)
	if err := hr.tx.UpdateAsset(ctx, cur); err != nil {
		return false, fmt.Errorf("update asset %q: %w", cur.Name, err)
	}
	*a = *cur
	return false, nil
}

// mergeAsset copies non-empty incoming columns onto cur and merges extra.
func mergeAsset(cur, in *model.Asset) {
	if in.Name != "" && in.Name != model.UnknownHostName {
		cur.Name = in.Name
	}
	if in.Hostname != "" {
		cur.Hostname = in.Hostname
	}
	if in.IPAddress != "" {
		cur.IPAddress = in.IPAddress
	}
	if in.MACAddress != "" {
		cur.MACAddress = in.MACAddress
	}
	if in.OperatingSystem != "" {
		cur.OperatingSystem = in.OperatingSystem
	}
	if in.CategoryID != 0 {
		cur.CategoryID = in.CategoryID
	}
	if in.SubtypeID != nil {
		id := *in.SubtypeID
		cur.SubtypeID = &id
	}
	if cur.Extra == nil {
		cur.Extra = map[string]any{}
	}
	maps.Copy(cur.Extra, in.Extra)
}
