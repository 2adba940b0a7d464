package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/solardome/vuln-importer/internal/model"
)

// Memory is a thread-safe in-process Store. It enforces the same uniqueness
// rules as the Postgres schema and is used by tests and dry runs.
type Memory struct {
	mu    sync.RWMutex
	state *memState
	now   func() time.Time
}

type memState struct {
	seq int64

	integrations map[int64]*model.ScannerIntegration
	categories   map[int64]*model.AssetCategory
	subtypes     map[int64]*model.AssetSubtype
	fields       map[int64]*model.FieldMapping
	severities   map[int64]*model.SeverityMapping
	uploads      map[string]*model.ScannerUpload

	assets   map[int64]*model.Asset
	vulns    map[int64]*model.Vulnerability
	findings map[int64]*model.Finding
}

func NewMemory() *Memory {
	return &Memory{
		state: &memState{
			integrations: map[int64]*model.ScannerIntegration{},
			categories:   map[int64]*model.AssetCategory{},
			subtypes:     map[int64]*model.AssetSubtype{},
			fields:       map[int64]*model.FieldMapping{},
			severities:   map[int64]*model.SeverityMapping{},
			uploads:      map[string]*model.ScannerUpload{},
			assets:       map[int64]*model.Asset{},
			vulns:        map[int64]*model.Vulnerability{},
			findings:     map[int64]*model.Finding{},
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Close() {}

func (s *memState) nextID() int64 {
	s.seq++
	return s.seq
}

// WithinTx applies writes to the live state and records an undo entry per
// write, so a rollback costs only what the transaction touched.
func (m *Memory) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{state: m.state, now: m.now}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// Counts returns the number of assets, vulnerabilities and findings held.
func (m *Memory) Counts() (assets, vulns, findings int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.state.assets), len(m.state.vulns), len(m.state.findings)
}

// Assets returns copies of all assets ordered by id.
func (m *Memory) Assets() []model.Asset {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Asset, 0, len(m.state.assets))
	for _, a := range m.state.assets {
		out = append(out, *cloneAsset(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Vulnerabilities returns copies of all vulnerabilities ordered by id.
func (m *Memory) Vulnerabilities() []model.Vulnerability {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Vulnerability, 0, len(m.state.vulns))
	for _, v := range m.state.vulns {
		out = append(out, *cloneVulnerability(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Findings returns copies of all findings ordered by id.
func (m *Memory) Findings() []model.Finding {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Finding, 0, len(m.state.findings))
	for _, f := range m.state.findings {
		out = append(out, *cloneFinding(f))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetFindingStatus mimics the external workflow moving a finding between states.
func (m *Memory) SetFindingStatus(id int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.state.findings[id]
	if !ok {
		return ErrNotFound
	}
	f.Status = status
	if status == model.StatusFixed && f.FixedAt == nil {
		now := m.now()
		f.FixedAt = &now
	}
	return nil
}

// ---- configuration ----

func (m *Memory) IntegrationByName(_ context.Context, name string) (*model.ScannerIntegration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, in := range m.state.integrations {
		if in.Name == name {
			c := *in
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) FieldMappings(_ context.Context, integrationID int64) ([]model.FieldMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.FieldMapping
	for _, fm := range m.state.fields {
		if fm.IntegrationID == integrationID {
			out = append(out, *fm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SeverityMappings(_ context.Context, integrationID int64) ([]model.SeverityMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.SeverityMapping
	for _, sm := range m.state.severities {
		if sm.IntegrationID == integrationID {
			out = append(out, *sm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Categories(_ context.Context) ([]model.AssetCategory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.AssetCategory, 0, len(m.state.categories))
	for _, c := range m.state.categories {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Subtypes(_ context.Context) ([]model.AssetSubtype, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.AssetSubtype, 0, len(m.state.subtypes))
	for _, s := range m.state.subtypes {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveIntegration(_ context.Context, in *model.ScannerIntegration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.state.integrations {
		if cur.Name == in.Name {
			in.ID = cur.ID
			in.CreatedAt = cur.CreatedAt
			in.Revision = cur.Revision + 1
			c := *in
			m.state.integrations[in.ID] = &c
			return nil
		}
	}
	in.ID = m.state.nextID()
	in.CreatedAt = m.now()
	in.Revision = 1
	c := *in
	m.state.integrations[in.ID] = &c
	return nil
}

func (m *Memory) SaveCategory(_ context.Context, c *model.AssetCategory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.state.categories {
		if cur.Name == c.Name {
			c.ID = cur.ID
			cp := *c
			m.state.categories[c.ID] = &cp
			return nil
		}
	}
	c.ID = m.state.nextID()
	cp := *c
	m.state.categories[c.ID] = &cp
	return nil
}

func (m *Memory) SaveSubtype(_ context.Context, s *model.AssetSubtype) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.categories[s.CategoryID]; !ok {
		return fmt.Errorf("save subtype %q: %w", s.Name, ErrNotFound)
	}
	for _, cur := range m.state.subtypes {
		if cur.CategoryID == s.CategoryID && cur.Name == s.Name && cur.CloudProvider == s.CloudProvider {
			s.ID = cur.ID
			cp := *s
			m.state.subtypes[s.ID] = &cp
			return nil
		}
	}
	s.ID = m.state.nextID()
	cp := *s
	m.state.subtypes[s.ID] = &cp
	return nil
}

func (m *Memory) SaveFieldMapping(_ context.Context, fm *model.FieldMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.state.integrations[fm.IntegrationID]
	if !ok {
		return fmt.Errorf("save field mapping %s: %w", fm, ErrNotFound)
	}
	in.Revision++
	for _, cur := range m.state.fields {
		if cur.IntegrationID == fm.IntegrationID && cur.SourceField == fm.SourceField &&
			cur.TargetModel == fm.TargetModel && cur.TargetField == fm.TargetField {
			fm.ID = cur.ID
			cp := *fm
			m.state.fields[fm.ID] = &cp
			return nil
		}
	}
	fm.ID = m.state.nextID()
	cp := *fm
	m.state.fields[fm.ID] = &cp
	return nil
}

func (m *Memory) SaveSeverityMapping(_ context.Context, sm *model.SeverityMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.state.integrations[sm.IntegrationID]
	if !ok {
		return fmt.Errorf("save severity mapping %q: %w", sm.ExternalSeverity, ErrNotFound)
	}
	in.Revision++
	for _, cur := range m.state.severities {
		if cur.IntegrationID == sm.IntegrationID && cur.ExternalSeverity == sm.ExternalSeverity {
			sm.ID = cur.ID
			cp := *sm
			m.state.severities[sm.ID] = &cp
			return nil
		}
	}
	sm.ID = m.state.nextID()
	cp := *sm
	m.state.severities[sm.ID] = &cp
	return nil
}

func (m *Memory) ClearFieldMappings(_ context.Context, integrationID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.state.integrations[integrationID]
	if !ok {
		return ErrNotFound
	}
	in.Revision++
	for id, fm := range m.state.fields {
		if fm.IntegrationID == integrationID {
			delete(m.state.fields, id)
		}
	}
	return nil
}

// ---- uploads ----

func (m *Memory) UploadByHash(_ context.Context, hash string, integrationID int64) (*model.ScannerUpload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *model.ScannerUpload
	for _, u := range m.state.uploads {
		if u.FileHash != hash || u.IntegrationID != integrationID {
			continue
		}
		if best == nil || u.UploadedAt.After(best.UploadedAt) {
			best = u
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	c := *best
	c.Stats = maps.Clone(best.Stats)
	return &c, nil
}

func (m *Memory) SaveUpload(_ context.Context, u *model.ScannerUpload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		return fmt.Errorf("save upload: missing id")
	}
	if u.UploadedAt.IsZero() {
		u.UploadedAt = m.now()
	}
	c := *u
	c.Stats = maps.Clone(u.Stats)
	m.state.uploads[u.ID] = &c
	return nil
}

// ---- transactional entity writes ----

type memTx struct {
	state *memState
	now   func() time.Time
	undo  []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// track records how to restore id in table to its state before this write.
func track[T any](t *memTx, table map[int64]*T, id int64) {
	prev, existed := table[id]
	t.undo = append(t.undo, func() {
		if existed {
			table[id] = prev
		} else {
			delete(table, id)
		}
	})
}

func (t *memTx) FindAsset(_ context.Context, key model.AssetKey) (*model.Asset, error) {
	for _, a := range t.state.assets {
		if key.ByNetwork() {
			if a.Hostname == key.Hostname && a.IPAddress == key.IPAddress {
				return cloneAsset(a), nil
			}
			continue
		}
		if a.Name == key.Name && a.CategoryID == key.CategoryID && !a.Key().ByNetwork() {
			return cloneAsset(a), nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) assetConflict(a *model.Asset) bool {
	key := a.Key()
	for _, cur := range t.state.assets {
		if cur.ID == a.ID {
			continue
		}
		if key.ByNetwork() {
			if cur.Hostname == key.Hostname && cur.IPAddress == key.IPAddress {
				return true
			}
			continue
		}
		if !cur.Key().ByNetwork() && cur.Name == key.Name && cur.CategoryID == key.CategoryID {
			return true
		}
	}
	return false
}

func (t *memTx) InsertAsset(_ context.Context, a *model.Asset) error {
	if t.assetConflict(a) {
		return ErrConflict
	}
	now := t.now()
	a.ID = t.state.nextID()
	a.CreatedAt, a.UpdatedAt = now, now
	track(t, t.state.assets, a.ID)
	t.state.assets[a.ID] = cloneAsset(a)
	return nil
}

func (t *memTx) UpdateAsset(_ context.Context, a *model.Asset) error {
	cur, ok := t.state.assets[a.ID]
	if !ok {
		return ErrNotFound
	}
	if t.assetConflict(a) {
		return ErrConflict
	}
	a.CreatedAt = cur.CreatedAt
	a.UpdatedAt = t.now()
	track(t, t.state.assets, a.ID)
	t.state.assets[a.ID] = cloneAsset(a)
	return nil
}

func (t *memTx) VulnerabilityByExternalID(_ context.Context, source, externalID string) (*model.Vulnerability, error) {
	for _, v := range t.state.vulns {
		if v.ExternalSource == source && v.ExternalID == externalID {
			return cloneVulnerability(v), nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) VulnerabilityByCVE(_ context.Context, cveID string) (*model.Vulnerability, error) {
	if cveID == "" {
		return nil, ErrNotFound
	}
	for _, v := range t.state.vulns {
		if v.CVEID == cveID {
			return cloneVulnerability(v), nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) vulnConflict(v *model.Vulnerability) bool {
	for _, cur := range t.state.vulns {
		if cur.ID == v.ID {
			continue
		}
		if cur.ExternalSource == v.ExternalSource && cur.ExternalID == v.ExternalID {
			return true
		}
		if v.CVEID != "" && cur.CVEID == v.CVEID {
			return true
		}
	}
	return false
}

func (t *memTx) InsertVulnerability(_ context.Context, v *model.Vulnerability) error {
	if t.vulnConflict(v) {
		return ErrConflict
	}
	now := t.now()
	v.ID = t.state.nextID()
	v.CreatedAt, v.UpdatedAt = now, now
	track(t, t.state.vulns, v.ID)
	t.state.vulns[v.ID] = cloneVulnerability(v)
	return nil
}

func (t *memTx) UpdateVulnerability(_ context.Context, v *model.Vulnerability) error {
	cur, ok := t.state.vulns[v.ID]
	if !ok {
		return ErrNotFound
	}
	if t.vulnConflict(v) {
		return ErrConflict
	}
	v.CreatedAt = cur.CreatedAt
	v.UpdatedAt = t.now()
	track(t, t.state.vulns, v.ID)
	t.state.vulns[v.ID] = cloneVulnerability(v)
	return nil
}

func (t *memTx) FindFinding(_ context.Context, key model.FindingKey) (*model.Finding, error) {
	for _, f := range t.state.findings {
		if f.Key() == key {
			return cloneFinding(f), nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) InsertFinding(_ context.Context, f *model.Finding) error {
	key := f.Key()
	for _, cur := range t.state.findings {
		if cur.Key() == key {
			return ErrConflict
		}
	}
	f.ID = t.state.nextID()
	track(t, t.state.findings, f.ID)
	t.state.findings[f.ID] = cloneFinding(f)
	return nil
}

func (t *memTx) UpdateFinding(_ context.Context, f *model.Finding) error {
	cur, ok := t.state.findings[f.ID]
	if !ok {
		return ErrNotFound
	}
	// Only scan-derived columns change, matching the Postgres store.
	next := cloneFinding(cur)
	next.PluginOutput = f.PluginOutput
	next.SeverityLevel = f.SeverityLevel
	next.RiskScore = f.RiskScore
	next.LastSeen = f.LastSeen
	next.Details = maps.Clone(f.Details)
	track(t, t.state.findings, f.ID)
	t.state.findings[f.ID] = next
	return nil
}

func cloneAsset(a *model.Asset) *model.Asset {
	c := *a
	c.Extra = maps.Clone(a.Extra)
	if a.SubtypeID != nil {
		id := *a.SubtypeID
		c.SubtypeID = &id
	}
	return &c
}

func cloneVulnerability(v *model.Vulnerability) *model.Vulnerability {
	c := *v
	c.References = append([]string(nil), v.References...)
	if v.References != nil && c.References == nil {
		c.References = []string{}
	}
	c.Exploit = maps.Clone(v.Exploit)
	c.CVSS = maps.Clone(v.CVSS)
	c.Extra = maps.Clone(v.Extra)
	return &c
}

func cloneFinding(f *model.Finding) *model.Finding {
	c := *f
	c.Details = maps.Clone(f.Details)
	return &c
}
