package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solardome/vuln-importer/internal/model"
)

const uniqueViolation = "23505"

// Postgres is the production Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connectionString string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Migrate applies the schema. It is safe to run repeatedly.
func (p *Postgres) Migrate(ctx context.Context) error {
	for i, stmt := range schemaStatements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func emptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// ---- configuration ----

const integrationColumns = `id, name, version, description, type, is_active, default_asset_category_id, revision, created_at`

func scanIntegration(row pgx.Row) (*model.ScannerIntegration, error) {
	var in model.ScannerIntegration
	if err := row.Scan(&in.ID, &in.Name, &in.Version, &in.Description, &in.Type, &in.IsActive,
		&in.DefaultCategoryID, &in.Revision, &in.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &in, nil
}

func (p *Postgres) IntegrationByName(ctx context.Context, name string) (*model.ScannerIntegration, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+integrationColumns+` FROM scanner_integrations WHERE name = $1`, name)
	return scanIntegration(row)
}

func (p *Postgres) FieldMappings(ctx context.Context, integrationID int64) ([]model.FieldMapping, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, integration_id, source_field, target_model, target_field, field_type,
		       transformation_rule, default_value, is_required, description, sort_order, is_active
		FROM scanner_field_mappings
		WHERE integration_id = $1
		ORDER BY sort_order, id`, integrationID)
	if err != nil {
		return nil, fmt.Errorf("query field mappings: %w", err)
	}
	defer rows.Close()

	var out []model.FieldMapping
	for rows.Next() {
		var m model.FieldMapping
		if err := rows.Scan(&m.ID, &m.IntegrationID, &m.SourceField, &m.TargetModel, &m.TargetField,
			&m.FieldType, &m.TransformationRule, &m.DefaultValue, &m.IsRequired, &m.Description,
			&m.SortOrder, &m.IsActive); err != nil {
			return nil, fmt.Errorf("scan field mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) SeverityMappings(ctx context.Context, integrationID int64) ([]model.SeverityMapping, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, integration_id, external_severity, internal_severity_label, internal_severity_level, is_active
		FROM scanner_severity_mappings
		WHERE integration_id = $1
		ORDER BY id`, integrationID)
	if err != nil {
		return nil, fmt.Errorf("query severity mappings: %w", err)
	}
	defer rows.Close()

	var out []model.SeverityMapping
	for rows.Next() {
		var m model.SeverityMapping
		if err := rows.Scan(&m.ID, &m.IntegrationID, &m.ExternalSeverity, &m.InternalLabel,
			&m.InternalLevel, &m.IsActive); err != nil {
			return nil, fmt.Errorf("scan severity mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) Categories(ctx context.Context) ([]model.AssetCategory, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, name, description FROM asset_categories ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", err)
	}
	defer rows.Close()

	var out []model.AssetCategory
	for rows.Next() {
		var c model.AssetCategory
		if err := rows.Scan(&c.ID, &c.Name, &c.Description); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) Subtypes(ctx context.Context) ([]model.AssetSubtype, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, category_id, name, cloud_provider, description FROM asset_subtypes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query subtypes: %w", err)
	}
	defer rows.Close()

	var out []model.AssetSubtype
	for rows.Next() {
		var s model.AssetSubtype
		if err := rows.Scan(&s.ID, &s.CategoryID, &s.Name, &s.CloudProvider, &s.Description); err != nil {
			return nil, fmt.Errorf("scan subtype: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveIntegration(ctx context.Context, in *model.ScannerIntegration) error {
	if in.Type == "" {
		in.Type = "vuln_scanner"
	}
	err := p.pool.QueryRow(ctx, `
		INSERT INTO scanner_integrations (name, version, description, type, is_active, default_asset_category_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			version = EXCLUDED.version,
			description = EXCLUDED.description,
			type = EXCLUDED.type,
			is_active = EXCLUDED.is_active,
			default_asset_category_id = EXCLUDED.default_asset_category_id,
			revision = scanner_integrations.revision + 1
		RETURNING id, revision, created_at`,
		in.Name, in.Version, in.Description, in.Type, in.IsActive, in.DefaultCategoryID,
	).Scan(&in.ID, &in.Revision, &in.CreatedAt)
	if err != nil {
		return fmt.Errorf("save integration %q: %w", in.Name, mapError(err))
	}
	return nil
}

func (p *Postgres) SaveCategory(ctx context.Context, c *model.AssetCategory) error {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO asset_categories (name, description) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description
		RETURNING id`, c.Name, c.Description).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("save category %q: %w", c.Name, mapError(err))
	}
	return nil
}

func (p *Postgres) SaveSubtype(ctx context.Context, s *model.AssetSubtype) error {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO asset_subtypes (category_id, name, cloud_provider, description) VALUES ($1, $2, $3, $4)
		ON CONFLICT (category_id, name, cloud_provider) DO UPDATE SET description = EXCLUDED.description
		RETURNING id`, s.CategoryID, s.Name, s.CloudProvider, s.Description).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("save subtype %q: %w", s.Name, mapError(err))
	}
	return nil
}

func (p *Postgres) bumpRevision(ctx context.Context, tx pgx.Tx, integrationID int64) error {
	tag, err := tx.Exec(ctx, `UPDATE scanner_integrations SET revision = revision + 1 WHERE id = $1`, integrationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) SaveFieldMapping(ctx context.Context, m *model.FieldMapping) error {
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if err := p.bumpRevision(ctx, tx, m.IntegrationID); err != nil {
			return err
		}
		return tx.QueryRow(ctx, `
			INSERT INTO scanner_field_mappings (integration_id, source_field, target_model, target_field,
				field_type, transformation_rule, default_value, is_required, description, sort_order, is_active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (integration_id, source_field, target_model, target_field) DO UPDATE SET
				field_type = EXCLUDED.field_type,
				transformation_rule = EXCLUDED.transformation_rule,
				default_value = EXCLUDED.default_value,
				is_required = EXCLUDED.is_required,
				description = EXCLUDED.description,
				sort_order = EXCLUDED.sort_order,
				is_active = EXCLUDED.is_active
			RETURNING id`,
			m.IntegrationID, m.SourceField, m.TargetModel, m.TargetField, m.FieldType,
			m.TransformationRule, m.DefaultValue, m.IsRequired, m.Description, m.SortOrder, m.IsActive,
		).Scan(&m.ID)
	})
	if err != nil {
		return fmt.Errorf("save field mapping %s: %w", m, mapError(err))
	}
	return nil
}

func (p *Postgres) SaveSeverityMapping(ctx context.Context, m *model.SeverityMapping) error {
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if err := p.bumpRevision(ctx, tx, m.IntegrationID); err != nil {
			return err
		}
		return tx.QueryRow(ctx, `
			INSERT INTO scanner_severity_mappings (integration_id, external_severity,
				internal_severity_label, internal_severity_level, is_active)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (integration_id, external_severity) DO UPDATE SET
				internal_severity_label = EXCLUDED.internal_severity_label,
				internal_severity_level = EXCLUDED.internal_severity_level,
				is_active = EXCLUDED.is_active
			RETURNING id`,
			m.IntegrationID, m.ExternalSeverity, m.InternalLabel, m.InternalLevel, m.IsActive,
		).Scan(&m.ID)
	})
	if err != nil {
		return fmt.Errorf("save severity mapping %q: %w", m.ExternalSeverity, mapError(err))
	}
	return nil
}

func (p *Postgres) ClearFieldMappings(ctx context.Context, integrationID int64) error {
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if err := p.bumpRevision(ctx, tx, integrationID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM scanner_field_mappings WHERE integration_id = $1`, integrationID)
		return err
	})
	if err != nil {
		return fmt.Errorf("clear field mappings: %w", mapError(err))
	}
	return nil
}

// ---- uploads ----

func (p *Postgres) UploadByHash(ctx context.Context, hash string, integrationID int64) (*model.ScannerUpload, error) {
	var u model.ScannerUpload
	err := p.pool.QueryRow(ctx, `
		SELECT id, integration_id, filename, file_size, file_hash, status, error_message, stats,
		       uploaded_at, processed_at, force_reimport_count, last_completed_at
		FROM scanner_uploads
		WHERE file_hash = $1 AND integration_id = $2
		ORDER BY uploaded_at DESC
		LIMIT 1`, hash, integrationID,
	).Scan(&u.ID, &u.IntegrationID, &u.Filename, &u.FileSize, &u.FileHash, &u.Status, &u.ErrorMessage,
		&u.Stats, &u.UploadedAt, &u.ProcessedAt, &u.ForceReimportCount, &u.LastCompletedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &u, nil
}

func (p *Postgres) SaveUpload(ctx context.Context, u *model.ScannerUpload) error {
	if u.UploadedAt.IsZero() {
		u.UploadedAt = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO scanner_uploads (id, integration_id, filename, file_size, file_hash, status,
			error_message, stats, uploaded_at, processed_at, force_reimport_count, last_completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			filename = EXCLUDED.filename,
			file_size = EXCLUDED.file_size,
			status = EXCLUDED.status,
			error_message = EXCLUDED.error_message,
			stats = EXCLUDED.stats,
			uploaded_at = EXCLUDED.uploaded_at,
			processed_at = EXCLUDED.processed_at,
			force_reimport_count = EXCLUDED.force_reimport_count,
			last_completed_at = EXCLUDED.last_completed_at`,
		u.ID, u.IntegrationID, u.Filename, u.FileSize, u.FileHash, u.Status, u.ErrorMessage,
		emptyMap(u.Stats), u.UploadedAt, u.ProcessedAt, u.ForceReimportCount, u.LastCompletedAt)
	if err != nil {
		return fmt.Errorf("save upload %s: %w", u.ID, mapError(err))
	}
	return nil
}

// ---- transactional entity writes ----

func (p *Postgres) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

type pgTx struct {
	tx pgx.Tx
}

// savepoint runs a write inside a nested transaction so a uniqueness
// violation leaves the outer host transaction usable.
func (t *pgTx) savepoint(ctx context.Context, fn func(q pgx.Tx) error) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin savepoint: %w", err)
	}
	if err := fn(sp); err != nil {
		_ = sp.Rollback(ctx)
		return mapError(err)
	}
	return sp.Commit(ctx)
}

const assetColumns = `id, name, category_id, subtype_id, hostname, ip_address, mac_address, operating_system,
	extra, created_at, updated_at`

func scanAsset(row pgx.Row) (*model.Asset, error) {
	var (
		a                            model.Asset
		hostname, ip, mac, osVersion *string
	)
	if err := row.Scan(&a.ID, &a.Name, &a.CategoryID, &a.SubtypeID, &hostname, &ip, &mac, &osVersion,
		&a.Extra, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	a.Hostname = derefString(hostname)
	a.IPAddress = derefString(ip)
	a.MACAddress = derefString(mac)
	a.OperatingSystem = derefString(osVersion)
	a.Extra = emptyMap(a.Extra)
	return &a, nil
}

func (t *pgTx) FindAsset(ctx context.Context, key model.AssetKey) (*model.Asset, error) {
	if key.ByNetwork() {
		return scanAsset(t.tx.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets
			WHERE hostname = $1 AND ip_address = $2`, key.Hostname, key.IPAddress))
	}
	return scanAsset(t.tx.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets
		WHERE name = $1 AND category_id = $2 AND (hostname IS NULL OR ip_address IS NULL)`,
		key.Name, key.CategoryID))
}

func (t *pgTx) InsertAsset(ctx context.Context, a *model.Asset) error {
	return t.savepoint(ctx, func(q pgx.Tx) error {
		return q.QueryRow(ctx, `
			INSERT INTO assets (name, category_id, subtype_id, hostname, ip_address, mac_address,
				operating_system, extra)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, created_at, updated_at`,
			a.Name, a.CategoryID, a.SubtypeID, nullString(a.Hostname), nullString(a.IPAddress),
			nullString(a.MACAddress), nullString(a.OperatingSystem), emptyMap(a.Extra),
		).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	})
}

func (t *pgTx) UpdateAsset(ctx context.Context, a *model.Asset) error {
	return t.savepoint(ctx, func(q pgx.Tx) error {
		return q.QueryRow(ctx, `
			UPDATE assets SET name = $2, category_id = $3, subtype_id = $4, hostname = $5, ip_address = $6,
				mac_address = $7, operating_system = $8, extra = $9, updated_at = now()
			WHERE id = $1
			RETURNING created_at, updated_at`,
			a.ID, a.Name, a.CategoryID, a.SubtypeID, nullString(a.Hostname), nullString(a.IPAddress),
			nullString(a.MACAddress), nullString(a.OperatingSystem), emptyMap(a.Extra),
		).Scan(&a.CreatedAt, &a.UpdatedAt)
	})
}

const vulnerabilityColumns = `id, external_source, external_id, cve_id, title, description, fix_info,
	severity_label, severity_level, cvss_score, risk_factor, published_at, modified_at, "references",
	exploit, cvss, extra, created_at, updated_at`

func scanVulnerability(row pgx.Row) (*model.Vulnerability, error) {
	var (
		v                 model.Vulnerability
		cveID, riskFactor *string
	)
	if err := row.Scan(&v.ID, &v.ExternalSource, &v.ExternalID, &cveID, &v.Title, &v.Description,
		&v.FixInfo, &v.SeverityLabel, &v.SeverityLevel, &v.CVSSScore, &riskFactor, &v.PublishedAt,
		&v.ModifiedAt, &v.References, &v.Exploit, &v.CVSS, &v.Extra, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	v.CVEID = derefString(cveID)
	v.RiskFactor = derefString(riskFactor)
	v.Normalize()
	return &v, nil
}

func (t *pgTx) VulnerabilityByExternalID(ctx context.Context, source, externalID string) (*model.Vulnerability, error) {
	return scanVulnerability(t.tx.QueryRow(ctx, `SELECT `+vulnerabilityColumns+` FROM vulnerabilities
		WHERE external_source = $1 AND external_id = $2`, source, externalID))
}

func (t *pgTx) VulnerabilityByCVE(ctx context.Context, cveID string) (*model.Vulnerability, error) {
	if cveID == "" {
		return nil, ErrNotFound
	}
	return scanVulnerability(t.tx.QueryRow(ctx, `SELECT `+vulnerabilityColumns+` FROM vulnerabilities
		WHERE cve_id = $1`, cveID))
}

func (t *pgTx) InsertVulnerability(ctx context.Context, v *model.Vulnerability) error {
	v.Normalize()
	return t.savepoint(ctx, func(q pgx.Tx) error {
		return q.QueryRow(ctx, `
			INSERT INTO vulnerabilities (external_source, external_id, cve_id, title, description, fix_info,
				severity_label, severity_level, cvss_score, risk_factor, published_at, modified_at,
				"references", exploit, cvss, extra)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			RETURNING id, created_at, updated_at`,
			v.ExternalSource, v.ExternalID, nullString(v.CVEID), v.Title, v.Description, v.FixInfo,
			v.SeverityLabel, v.SeverityLevel, v.CVSSScore, nullString(v.RiskFactor), v.PublishedAt,
			v.ModifiedAt, v.References, v.Exploit, v.CVSS, v.Extra,
		).Scan(&v.ID, &v.CreatedAt, &v.UpdatedAt)
	})
}

func (t *pgTx) UpdateVulnerability(ctx context.Context, v *model.Vulnerability) error {
	v.Normalize()
	return t.savepoint(ctx, func(q pgx.Tx) error {
		return q.QueryRow(ctx, `
			UPDATE vulnerabilities SET external_source = $2, external_id = $3, cve_id = $4, title = $5,
				description = $6, fix_info = $7, severity_label = $8, severity_level = $9, cvss_score = $10,
				risk_factor = $11, published_at = $12, modified_at = $13, "references" = $14, exploit = $15,
				cvss = $16, extra = $17, updated_at = now()
			WHERE id = $1
			RETURNING created_at, updated_at`,
			v.ID, v.ExternalSource, v.ExternalID, nullString(v.CVEID), v.Title, v.Description, v.FixInfo,
			v.SeverityLabel, v.SeverityLevel, v.CVSSScore, nullString(v.RiskFactor), v.PublishedAt,
			v.ModifiedAt, v.References, v.Exploit, v.CVSS, v.Extra,
		).Scan(&v.CreatedAt, &v.UpdatedAt)
	})
}

const findingColumns = `id, asset_id, vulnerability_id, integration_id, port, protocol, service, status,
	plugin_output, severity_level, risk_score, first_seen, last_seen, fixed_at, details`

func (t *pgTx) FindFinding(ctx context.Context, key model.FindingKey) (*model.Finding, error) {
	var f model.Finding
	err := t.tx.QueryRow(ctx, `SELECT `+findingColumns+` FROM findings
		WHERE asset_id = $1 AND vulnerability_id = $2 AND integration_id = $3
		  AND port = $4 AND protocol = $5 AND service = $6`,
		key.AssetID, key.VulnerabilityID, key.IntegrationID, key.Port, key.Protocol, key.Service,
	).Scan(&f.ID, &f.AssetID, &f.VulnerabilityID, &f.IntegrationID, &f.Port, &f.Protocol, &f.Service,
		&f.Status, &f.PluginOutput, &f.SeverityLevel, &f.RiskScore, &f.FirstSeen, &f.LastSeen,
		&f.FixedAt, &f.Details)
	if err != nil {
		return nil, mapError(err)
	}
	f.Details = emptyMap(f.Details)
	return &f, nil
}

func (t *pgTx) InsertFinding(ctx context.Context, f *model.Finding) error {
	return t.savepoint(ctx, func(q pgx.Tx) error {
		return q.QueryRow(ctx, `
			INSERT INTO findings (asset_id, vulnerability_id, integration_id, port, protocol, service, status,
				plugin_output, severity_level, risk_score, first_seen, last_seen, fixed_at, details)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			RETURNING id`,
			f.AssetID, f.VulnerabilityID, f.IntegrationID, f.Port, f.Protocol, f.Service, f.Status,
			f.PluginOutput, f.SeverityLevel, f.RiskScore, f.FirstSeen, f.LastSeen, f.FixedAt,
			emptyMap(f.Details),
		).Scan(&f.ID)
	})
}

// UpdateFinding writes the scan-derived columns only. Status, first_seen and
// fixed_at belong to the triage workflow.
func (t *pgTx) UpdateFinding(ctx context.Context, f *model.Finding) error {
	return t.savepoint(ctx, func(q pgx.Tx) error {
		tag, err := q.Exec(ctx, `
			UPDATE findings SET plugin_output = $2, severity_level = $3, risk_score = $4, last_seen = $5,
				details = $6
			WHERE id = $1`,
			f.ID, f.PluginOutput, f.SeverityLevel, f.RiskScore, f.LastSeen, emptyMap(f.Details))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}
