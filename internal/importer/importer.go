// Package importer normalizes scan documents into assets, vulnerabilities
// and findings using the integration's stored mappings.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/solardome/vuln-importer/internal/ingest/xmlwalk"
	"github.com/solardome/vuln-importer/internal/mapping"
	"github.com/solardome/vuln-importer/internal/store"
)

const defaultMaxErrors = 50

// HostError records a host that was skipped. Its writes were rolled back.
type HostError struct {
	Host  string
	Index int
	Err   error
}

func (e *HostError) Error() string {
	name := e.Host
	if name == "" {
		name = fmt.Sprintf("#%d", e.Index)
	}
	return fmt.Sprintf("host %s: %v", name, e.Err)
}

func (e *HostError) Unwrap() error {
	return e.Err
}

type Options struct {
	// MaxReportedErrors bounds Stats.Errors; overflow is summarized in a
	// final entry. Zero means 50.
	MaxReportedErrors int
	// Layout selects the document format. The zero value means Nessus.
	Layout xmlwalk.Layout
	Logger *slog.Logger
	Now    func() time.Time
}

// Importer runs imports against a store. It is safe for concurrent use;
// concurrent imports rely on the store's uniqueness constraints.
type Importer struct {
	store    store.Store
	registry *mapping.Registry
	opts     Options
	logger   *slog.Logger
}

func New(st store.Store, registry *mapping.Registry, opts Options) *Importer {
	if opts.MaxReportedErrors <= 0 {
		opts.MaxReportedErrors = defaultMaxErrors
	}
	if opts.Layout.Root == "" {
		opts.Layout = xmlwalk.Nessus()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{store: st, registry: registry, opts: opts, logger: logger}
}

// Import walks the document host by host. Each host and its items commit in
// one transaction; a failing host is recorded in Stats.Errors and skipped.
// Only configuration errors, an unreadable document root, or a cancelled
// context are returned as errors.
func (im *Importer) Import(ctx context.Context, r io.Reader, integration string) (Stats, error) {
	runID := uuid.NewString()
	log := im.logger.With("run_id", runID, "integration", integration)
	stats := newStats(runID, integration, im.opts.MaxReportedErrors)

	set, err := im.registry.Load(ctx, integration)
	if err != nil {
		log.Warn("run.load_mappings.error", "error", err)
		return stats, err
	}
	walker, err := xmlwalk.New(r, im.opts.Layout)
	if err != nil {
		log.Warn("run.open_document.error", "error", err)
		return stats, fmt.Errorf("open document: %w", err)
	}

	runAt := im.opts.Now()
	itemTags := mappedItemTags(set, im.opts.Layout)
	log.Info("run.start",
		"revision", set.Integration.Revision,
		"asset_mappings", len(set.Asset),
		"vulnerability_mappings", len(set.Vulnerability),
		"finding_mappings", len(set.Finding),
		"severity_mappings", len(set.Severities))

	for index := 0; ; index++ {
		host, err := walker.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			stats.addError(fmt.Sprintf("document: %v", err))
			log.Warn("run.document.error", "error", err, "hosts_read", index)
			break
		}
		if err := ctx.Err(); err != nil {
			stats.finish()
			return stats, err
		}

		stats.HostsProcessed++
		hr := &hostRun{
			set:      set,
			host:     host,
			layout:   im.opts.Layout,
			runAt:    runAt,
			itemTags: itemTags,
			log:      log.With("host", host.Name),
		}
		err = im.store.WithinTx(ctx, func(tx store.Tx) error {
			hr.tx = tx
			hr.delta = hostDelta{}
			return hr.run(ctx)
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				stats.finish()
				return stats, ctxErr
			}
			hostErr := &HostError{Host: host.Name, Index: index, Err: err}
			stats.HostsFailed++
			stats.addError(hostErr.Error())
			log.Warn("run.host.error", "error", err, "items", host.ItemCount())
			continue
		}
		stats.merge(hr.delta)
	}

	stats.finish()
	log.Info("run.complete",
		"assets", stats.Assets,
		"vulnerabilities", stats.Vulnerabilities,
		"findings", stats.Findings,
		"errors", len(stats.Errors),
		"hosts_failed", stats.HostsFailed,
		"default_severity_applied", stats.DefaultSeverityApplied)
	return stats, nil
}
