// Package upload guards the import pipeline: it validates an uploaded scan,
// refuses content that was already imported, and records every attempt.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/solardome/vuln-importer/internal/eventbus"
	"github.com/solardome/vuln-importer/internal/importer"
	"github.com/solardome/vuln-importer/internal/metrics"
	"github.com/solardome/vuln-importer/internal/model"
	"github.com/solardome/vuln-importer/internal/store"
)

const DefaultMaxBytes int64 = 100 << 20

var DefaultExtensions = []string{".nessus", ".xml"}

// ErrUnknownIntegration is returned when the named integration does not
// exist or is inactive.
var ErrUnknownIntegration = errors.New("unknown scanner integration")

// Importer runs the import pipeline over one document.
type Importer interface {
	Import(ctx context.Context, r io.Reader, integration string) (importer.Stats, error)
}

// Notifier receives an event for every upload that reached a final status.
type Notifier interface {
	PublishImportCompleted(ctx context.Context, evt eventbus.ImportCompleted) error
}

type Store interface {
	IntegrationByName(ctx context.Context, name string) (*model.ScannerIntegration, error)
	store.Uploads
}

type Options struct {
	AllowedExtensions []string
	MaxBytes          int64
	// TempDir holds spooled uploads while they are imported. Empty means
	// os.TempDir.
	TempDir  string
	Notifier Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

type Service struct {
	store    Store
	importer Importer
	opts     Options
	logger   *slog.Logger
}

func NewService(st Store, imp Importer, opts Options) *Service {
	if len(opts.AllowedExtensions) == 0 {
		opts.AllowedExtensions = DefaultExtensions
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, importer: imp, opts: opts, logger: logger}
}

type Request struct {
	Integration   string
	Filename      string
	Body          io.Reader
	ForceReimport bool
}

type Result struct {
	Upload *model.ScannerUpload
	Stats  importer.Stats
	// Reimported is set when an earlier record for the same content was
	// reused.
	Reimported bool
}

// Limits describes what Ingest accepts.
type Limits struct {
	MaxBytes          int64    `json:"max_file_size_bytes"`
	MaxMegabytes      int64    `json:"max_file_size_mb"`
	AllowedExtensions []string `json:"allowed_extensions"`
}

func (s *Service) Limits() Limits {
	return Limits{
		MaxBytes:          s.opts.MaxBytes,
		MaxMegabytes:      s.opts.MaxBytes >> 20,
		AllowedExtensions: slices.Clone(s.opts.AllowedExtensions),
	}
}

// Ingest validates and hashes the upload, short-circuits a duplicate of a
// completed upload unless forced, then runs the importer and records the
// outcome. Import failures are persisted on the upload record and returned.
func (s *Service) Ingest(ctx context.Context, req Request) (*Result, error) {
	log := s.logger.With("integration", req.Integration, "filename", req.Filename)
	if err := s.validate(req); err != nil {
		s.opts.Metrics.ObserveUpload(req.Integration, metrics.OutcomeRejected)
		return nil, err
	}

	spool, err := s.spool(req.Body)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			s.opts.Metrics.ObserveUpload(req.Integration, metrics.OutcomeRejected)
		}
		return nil, err
	}
	defer spool.remove()

	in, err := s.store.IntegrationByName(ctx, req.Integration)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !in.IsActive) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownIntegration, req.Integration)
	}
	if err != nil {
		return nil, fmt.Errorf("load integration %q: %w", req.Integration, err)
	}

	rec, reused, err := s.claim(ctx, in, req, spool)
	if err != nil {
		return nil, err
	}
	log = log.With("upload_id", rec.ID, "file_hash", rec.FileHash)
	if reused {
		log.Info("upload.reuse", "status", rec.Status, "force_reimport_count", rec.ForceReimportCount)
	}

	rec.Status = model.UploadProcessing
	if err := s.store.SaveUpload(ctx, rec); err != nil {
		return nil, fmt.Errorf("mark upload processing: %w", err)
	}

	f, err := os.Open(spool.path)
	if err != nil {
		return nil, s.fail(ctx, log, in.Name, rec, fmt.Errorf("reopen spooled upload: %w", err))
	}
	defer f.Close()

	started := time.Now()
	stats, err := s.importer.Import(ctx, f, in.Name)
	if err != nil {
		return nil, s.fail(ctx, log, in.Name, rec, err)
	}
	s.opts.Metrics.ObserveImport(stats, time.Since(started))

	now := s.opts.Now()
	rec.Status = model.UploadCompleted
	rec.ErrorMessage = ""
	rec.Stats = stats.AsMap()
	rec.ProcessedAt = &now
	rec.LastCompletedAt = &now
	if err := s.store.SaveUpload(ctx, rec); err != nil {
		return nil, fmt.Errorf("mark upload completed: %w", err)
	}
	s.opts.Metrics.ObserveUpload(in.Name, metrics.OutcomeCompleted)
	log.Info("upload.completed", "assets", stats.Assets, "vulnerabilities", stats.Vulnerabilities,
		"findings", stats.Findings, "errors", len(stats.Errors))
	s.notify(ctx, log, in.Name, rec)

	return &Result{Upload: rec, Stats: stats, Reimported: reused}, nil
}

func (s *Service) validate(req Request) error {
	if req.Body == nil {
		return &ValidationError{Kind: KindMissingFile, Message: "no file provided"}
	}
	name := strings.TrimSpace(req.Filename)
	if name == "" {
		return &ValidationError{Kind: KindMissingFile, Message: "file name is required"}
	}
	ext := strings.ToLower(filepath.Ext(name))
	if !slices.Contains(s.opts.AllowedExtensions, ext) {
		return &ValidationError{
			Kind:    KindExtension,
			Message: fmt.Sprintf("invalid file type %q, allowed: %s", ext, strings.Join(s.opts.AllowedExtensions, ", ")),
		}
	}
	return nil
}

// claim finds the record to reuse for this content, or creates one. A record
// whose content was ever imported is only reused when the caller forces a
// reimport, even if the latest attempt failed.
func (s *Service) claim(ctx context.Context, in *model.ScannerIntegration, req Request, sp *spooled) (*model.ScannerUpload, bool, error) {
	prior, err := s.store.UploadByHash(ctx, sp.hash, in.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec := &model.ScannerUpload{
			ID:            uuid.NewString(),
			IntegrationID: in.ID,
			Filename:      filepath.Base(req.Filename),
			FileSize:      sp.size,
			FileHash:      sp.hash,
			Status:        model.UploadPending,
			Stats:         map[string]any{},
			UploadedAt:    s.opts.Now(),
		}
		if err := s.store.SaveUpload(ctx, rec); err != nil {
			return nil, false, fmt.Errorf("record upload: %w", err)
		}
		return rec, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("look up upload by hash: %w", err)
	}

	if prior.Imported() {
		if !req.ForceReimport {
			s.opts.Metrics.ObserveUpload(in.Name, metrics.OutcomeDuplicate)
			return nil, false, &DuplicateError{Integration: in.Name, Upload: prior}
		}
		prior.ForceReimportCount++
	}
	prior.Filename = filepath.Base(req.Filename)
	prior.FileSize = sp.size
	prior.Status = model.UploadPending
	prior.ErrorMessage = ""
	if err := s.store.SaveUpload(ctx, prior); err != nil {
		return nil, false, fmt.Errorf("record upload: %w", err)
	}
	return prior, true, nil
}

// fail records a failed import. The stored message is for operators; the
// returned error keeps its type for the caller.
func (s *Service) fail(ctx context.Context, log *slog.Logger, integration string, rec *model.ScannerUpload, cause error) error {
	now := s.opts.Now()
	rec.Status = model.UploadFailed
	rec.ErrorMessage = cause.Error()
	rec.ProcessedAt = &now
	log.Warn("upload.failed", "error", cause)
	// The request context may be the reason the import failed.
	if err := s.store.SaveUpload(context.WithoutCancel(ctx), rec); err != nil {
		log.Error("upload.record_failure", "error", err)
	}
	s.opts.Metrics.ObserveUpload(integration, metrics.OutcomeFailed)
	s.notify(context.WithoutCancel(ctx), log, integration, rec)
	return fmt.Errorf("import %s: %w", rec.Filename, cause)
}

func (s *Service) notify(ctx context.Context, log *slog.Logger, integration string, rec *model.ScannerUpload) {
	if s.opts.Notifier == nil {
		return
	}
	evt := eventbus.ImportCompleted{
		UploadID:    rec.ID,
		Integration: integration,
		Filename:    rec.Filename,
		FileHash:    rec.FileHash,
		Status:      rec.Status,
		Stats:       rec.Stats,
		CompletedAt: s.opts.Now(),
	}
	if err := s.opts.Notifier.PublishImportCompleted(ctx, evt); err != nil {
		s.opts.Metrics.IncrementEventPublishErrors()
		log.Warn("upload.notify_failed", "error", err)
	}
}

type spooled struct {
	path string
	hash string
	size int64
}

func (sp *spooled) remove() {
	_ = os.Remove(sp.path)
}

// spool copies body to a temp file while hashing it, enforcing MaxBytes.
func (s *Service) spool(body io.Reader) (*spooled, error) {
	tmp, err := os.CreateTemp(s.opts.TempDir, "upload-*.scan")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	sp := &spooled{path: tmp.Name()}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(body, s.opts.MaxBytes+1))
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		sp.remove()
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if n > s.opts.MaxBytes {
		sp.remove()
		return nil, &ValidationError{
			Kind:    KindTooLarge,
			Message: fmt.Sprintf("file too large, maximum size is %d MB", s.opts.MaxBytes>>20),
		}
	}
	if n == 0 {
		sp.remove()
		return nil, &ValidationError{Kind: KindMissingFile, Message: "file is empty"}
	}
	sp.size = n
	sp.hash = hex.EncodeToString(h.Sum(nil))
	return sp, nil
}
