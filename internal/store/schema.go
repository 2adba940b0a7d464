package store

// schemaStatements create the tables and uniqueness constraints the importer
// relies on. Statements are idempotent so Migrate can run on every start.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS asset_categories (
		id          BIGSERIAL PRIMARY KEY,
		name        TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS asset_subtypes (
		id             BIGSERIAL PRIMARY KEY,
		category_id    BIGINT NOT NULL REFERENCES asset_categories(id) ON DELETE CASCADE,
		name           TEXT NOT NULL,
		cloud_provider TEXT NOT NULL DEFAULT '',
		description    TEXT NOT NULL DEFAULT '',
		UNIQUE (category_id, name, cloud_provider)
	)`,
	`CREATE TABLE IF NOT EXISTS scanner_integrations (
		id                        BIGSERIAL PRIMARY KEY,
		name                      TEXT NOT NULL UNIQUE,
		version                   TEXT NOT NULL DEFAULT '',
		description               TEXT NOT NULL DEFAULT '',
		type                      TEXT NOT NULL DEFAULT 'vuln_scanner',
		is_active                 BOOLEAN NOT NULL DEFAULT TRUE,
		default_asset_category_id BIGINT REFERENCES asset_categories(id) ON DELETE SET NULL,
		revision                  BIGINT NOT NULL DEFAULT 1,
		created_at                TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS scanner_field_mappings (
		id                  BIGSERIAL PRIMARY KEY,
		integration_id      BIGINT NOT NULL REFERENCES scanner_integrations(id) ON DELETE CASCADE,
		source_field        TEXT NOT NULL,
		target_model        TEXT NOT NULL CHECK (target_model IN ('asset', 'vulnerability', 'finding')),
		target_field        TEXT NOT NULL,
		field_type          TEXT NOT NULL DEFAULT 'string',
		transformation_rule TEXT NOT NULL DEFAULT '',
		default_value       TEXT NOT NULL DEFAULT '',
		is_required         BOOLEAN NOT NULL DEFAULT FALSE,
		description         TEXT NOT NULL DEFAULT '',
		sort_order          INTEGER NOT NULL DEFAULT 0,
		is_active           BOOLEAN NOT NULL DEFAULT TRUE,
		UNIQUE (integration_id, source_field, target_model, target_field)
	)`,
	`CREATE TABLE IF NOT EXISTS scanner_severity_mappings (
		id                      BIGSERIAL PRIMARY KEY,
		integration_id          BIGINT NOT NULL REFERENCES scanner_integrations(id) ON DELETE CASCADE,
		external_severity       TEXT NOT NULL,
		internal_severity_label TEXT NOT NULL,
		internal_severity_level INTEGER NOT NULL CHECK (internal_severity_level BETWEEN 0 AND 10),
		is_active               BOOLEAN NOT NULL DEFAULT TRUE,
		UNIQUE (integration_id, external_severity)
	)`,
	`CREATE TABLE IF NOT EXISTS assets (
		id               BIGSERIAL PRIMARY KEY,
		name             TEXT NOT NULL,
		category_id      BIGINT NOT NULL REFERENCES asset_categories(id),
		subtype_id       BIGINT REFERENCES asset_subtypes(id) ON DELETE SET NULL,
		hostname         TEXT,
		ip_address       TEXT,
		mac_address      TEXT,
		operating_system TEXT,
		extra            JSONB NOT NULL DEFAULT '{}',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS assets_hostname_ip_key
		ON assets (hostname, ip_address)
		WHERE hostname IS NOT NULL AND ip_address IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS assets_name_category_key
		ON assets (name, category_id)
		WHERE hostname IS NULL OR ip_address IS NULL`,
	`CREATE TABLE IF NOT EXISTS vulnerabilities (
		id              BIGSERIAL PRIMARY KEY,
		external_source TEXT NOT NULL,
		external_id     TEXT NOT NULL,
		cve_id          TEXT,
		title           TEXT NOT NULL,
		description     TEXT NOT NULL DEFAULT '',
		fix_info        TEXT NOT NULL DEFAULT '',
		severity_label  TEXT NOT NULL,
		severity_level  INTEGER NOT NULL,
		cvss_score      DOUBLE PRECISION,
		risk_factor     TEXT,
		published_at    TIMESTAMPTZ,
		modified_at     TIMESTAMPTZ,
		"references"    TEXT[] NOT NULL DEFAULT '{}',
		exploit         JSONB NOT NULL DEFAULT '{}',
		cvss            JSONB NOT NULL DEFAULT '{}',
		extra           JSONB NOT NULL DEFAULT '{}',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (external_source, external_id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS vulnerabilities_cve_id_key
		ON vulnerabilities (cve_id)
		WHERE cve_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS findings (
		id               BIGSERIAL PRIMARY KEY,
		asset_id         BIGINT NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
		vulnerability_id BIGINT NOT NULL REFERENCES vulnerabilities(id) ON DELETE CASCADE,
		integration_id   BIGINT NOT NULL REFERENCES scanner_integrations(id),
		port             INTEGER NOT NULL DEFAULT 0,
		protocol         TEXT NOT NULL DEFAULT '',
		service          TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL DEFAULT 'open'
			CHECK (status IN ('open', 'fixed', 'accepted', 'false_positive')),
		plugin_output    TEXT NOT NULL DEFAULT '',
		severity_level   INTEGER NOT NULL,
		risk_score       DOUBLE PRECISION NOT NULL DEFAULT 0,
		first_seen       TIMESTAMPTZ NOT NULL,
		last_seen        TIMESTAMPTZ NOT NULL,
		fixed_at         TIMESTAMPTZ,
		details          JSONB NOT NULL DEFAULT '{}',
		UNIQUE (asset_id, vulnerability_id, integration_id, port, protocol, service)
	)`,
	`CREATE TABLE IF NOT EXISTS scanner_uploads (
		id                   TEXT PRIMARY KEY,
		integration_id       BIGINT NOT NULL REFERENCES scanner_integrations(id),
		filename             TEXT NOT NULL,
		file_size            BIGINT NOT NULL,
		file_hash            TEXT NOT NULL,
		status               TEXT NOT NULL
			CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
		error_message        TEXT NOT NULL DEFAULT '',
		stats                JSONB NOT NULL DEFAULT '{}',
		uploaded_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		processed_at         TIMESTAMPTZ,
		force_reimport_count INTEGER NOT NULL DEFAULT 0,
		last_completed_at    TIMESTAMPTZ
	)`,
	`ALTER TABLE scanner_uploads ADD COLUMN IF NOT EXISTS last_completed_at TIMESTAMPTZ`,
	`CREATE INDEX IF NOT EXISTS scanner_uploads_hash_idx
		ON scanner_uploads (file_hash, integration_id, uploaded_at DESC)`,
}
