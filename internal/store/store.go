// Package store persists scanner configuration, the normalized entity graph
// and upload records.
package store

import (
	"context"
	"errors"

	"github.com/solardome/vuln-importer/internal/model"
)

var (
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when an insert or update violates a uniqueness
	// constraint, typically because a concurrent import created the row first.
	ErrConflict = errors.New("store: uniqueness conflict")
)

// ConfigReader is the read side used by the mapping registry.
type ConfigReader interface {
	IntegrationByName(ctx context.Context, name string) (*model.ScannerIntegration, error)
	FieldMappings(ctx context.Context, integrationID int64) ([]model.FieldMapping, error)
	SeverityMappings(ctx context.Context, integrationID int64) ([]model.SeverityMapping, error)
	Categories(ctx context.Context) ([]model.AssetCategory, error)
	Subtypes(ctx context.Context) ([]model.AssetSubtype, error)
}

// ConfigWriter seeds integrations, taxonomy and mappings. Every mapping write
// bumps the owning integration's revision.
type ConfigWriter interface {
	SaveIntegration(ctx context.Context, in *model.ScannerIntegration) error
	SaveCategory(ctx context.Context, c *model.AssetCategory) error
	SaveSubtype(ctx context.Context, s *model.AssetSubtype) error
	SaveFieldMapping(ctx context.Context, m *model.FieldMapping) error
	SaveSeverityMapping(ctx context.Context, m *model.SeverityMapping) error
	ClearFieldMappings(ctx context.Context, integrationID int64) error
}

// Uploads records ingestion attempts for duplicate detection.
type Uploads interface {
	// UploadByHash returns the most recent upload of the given content for
	// the integration, whatever its status.
	UploadByHash(ctx context.Context, hash string, integrationID int64) (*model.ScannerUpload, error)
	SaveUpload(ctx context.Context, u *model.ScannerUpload) error
}

// Tx is the write surface available inside one host's transaction.
type Tx interface {
	FindAsset(ctx context.Context, key model.AssetKey) (*model.Asset, error)
	InsertAsset(ctx context.Context, a *model.Asset) error
	UpdateAsset(ctx context.Context, a *model.Asset) error

	VulnerabilityByExternalID(ctx context.Context, source, externalID string) (*model.Vulnerability, error)
	VulnerabilityByCVE(ctx context.Context, cveID string) (*model.Vulnerability, error)
	InsertVulnerability(ctx context.Context, v *model.Vulnerability) error
	UpdateVulnerability(ctx context.Context, v *model.Vulnerability) error

	FindFinding(ctx context.Context, key model.FindingKey) (*model.Finding, error)
	InsertFinding(ctx context.Context, f *model.Finding) error
	UpdateFinding(ctx context.Context, f *model.Finding) error
}

type Store interface {
	ConfigReader
	ConfigWriter
	Uploads

	// WithinTx runs fn in one atomic unit. Any error returned by fn rolls
	// back every write made through the Tx.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	Close()
}
