package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solardome/vuln-importer/internal/eventbus"
	"github.com/solardome/vuln-importer/internal/importer"
	"github.com/solardome/vuln-importer/internal/mapping"
	"github.com/solardome/vuln-importer/internal/metrics"
	"github.com/solardome/vuln-importer/internal/model"
	"github.com/solardome/vuln-importer/internal/store"
)

const scan = `<NessusClientData_v2><Report name="r">
<ReportHost name=""><HostProperties><tag name="host-ip">10.0.0.5</tag></HostProperties>
<ReportItem port="0" severity="4" pluginID="12345" pluginName="Sample"/>
</ReportHost></Report></NessusClientData_v2>`

type recordingNotifier struct {
	mu     sync.Mutex
	events []eventbus.ImportCompleted
	err    error
}

func (n *recordingNotifier) PublishImportCompleted(_ context.Context, evt eventbus.ImportCompleted) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
	return n.err
}

// countingImporter wraps the real importer to observe pipeline runs.
type countingImporter struct {
	next  Importer
	calls int
	err   error
}

func (c *countingImporter) Import(ctx context.Context, r io.Reader, integration string) (importer.Stats, error) {
	c.calls++
	if c.err != nil {
		_, _ = io.Copy(io.Discard, r)
		return importer.Stats{Integration: integration}, c.err
	}
	return c.next.Import(ctx, r, integration)
}

type harness struct {
	mem      *store.Memory
	imp      *countingImporter
	notifier *recordingNotifier
	metrics  *metrics.Metrics
	svc      *Service
	clock    time.Time
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	mem := store.NewMemory()
	seed, err := mapping.DefaultSeed()
	require.NoError(t, err)
	_, err = mapping.ApplySeed(context.Background(), mem, seed, mapping.ApplyOptions{})
	require.NoError(t, err)
	reg, err := mapping.NewRegistry(mem, 4, nil)
	require.NoError(t, err)

	h := &harness{
		mem:      mem,
		imp:      &countingImporter{next: importer.New(mem, reg, importer.Options{})},
		notifier: &recordingNotifier{},
		metrics:  metrics.New(),
		clock:    time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
	}
	opts.Notifier = h.notifier
	opts.Metrics = h.metrics
	opts.TempDir = t.TempDir()
	opts.Now = func() time.Time { return h.clock }
	h.svc = NewService(mem, h.imp, opts)
	return h
}

func (h *harness) ingest(name, body string, force bool) (*Result, error) {
	return h.svc.Ingest(context.Background(), Request{
		Integration:   "Nessus",
		Filename:      name,
		Body:          strings.NewReader(body),
		ForceReimport: force,
	})
}

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestIngest_FirstUploadImportsAndRecords(t *testing.T) {
	h := newHarness(t, Options{})
	res, err := h.ingest("weekly.nessus", scan, false)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Stats.Assets)
	assert.Equal(t, 1, res.Stats.Vulnerabilities)
	assert.Equal(t, 1, res.Stats.Findings)
	assert.Empty(t, res.Stats.Errors)
	assert.False(t, res.Reimported)

	rec, err := h.mem.UploadByHash(context.Background(), hashOf(scan), res.Upload.IntegrationID)
	require.NoError(t, err)
	assert.Equal(t, model.UploadCompleted, rec.Status)
	assert.Equal(t, "weekly.nessus", rec.Filename)
	assert.Equal(t, int64(len(scan)), rec.FileSize)
	assert.Equal(t, float64(1), rec.Stats["assets"])
	require.NotNil(t, rec.ProcessedAt)

	assets := h.mem.Assets()
	require.Len(t, assets, 1)
	assert.Equal(t, "10.0.0.5", assets[0].Name)
	vulns := h.mem.Vulnerabilities()
	require.Len(t, vulns, 1)
	assert.Equal(t, "Critical", vulns[0].SeverityLabel)
	assert.Equal(t, 10, vulns[0].SeverityLevel)

	require.Len(t, h.notifier.events, 1)
	assert.Equal(t, model.UploadCompleted, h.notifier.events[0].Status)
	assert.Equal(t, "Nessus", h.notifier.events[0].Integration)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.UploadsTotal.WithLabelValues("Nessus", metrics.OutcomeCompleted)))
}

func TestIngest_DuplicateShortCircuits(t *testing.T) {
	h := newHarness(t, Options{})
	first, err := h.ingest("weekly.nessus", scan, false)
	require.NoError(t, err)
	uploadedAt := first.Upload.UploadedAt
	h.clock = h.clock.Add(time.Hour)

	_, err = h.ingest("copy.nessus", scan, false)
	var dup *DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, 1, h.imp.calls, "pipeline must not run for a duplicate")

	info := dup.Info()
	assert.Equal(t, first.Upload.ID, info.UploadID)
	assert.Equal(t, "weekly.nessus", info.OriginalFilename)
	assert.Equal(t, uploadedAt, info.OriginalUploadDate)
	assert.Equal(t, model.UploadCompleted, info.ProcessingStatus)
	assert.Equal(t, "Nessus", info.Integration)
	assert.Equal(t, float64(1), info.Stats["findings"])
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.UploadsTotal.WithLabelValues("Nessus", metrics.OutcomeDuplicate)))
}

func TestIngest_ForceReimportReusesRecord(t *testing.T) {
	h := newHarness(t, Options{})
	first, err := h.ingest("weekly.nessus", scan, false)
	require.NoError(t, err)
	h.clock = h.clock.Add(time.Hour)

	second, err := h.ingest("weekly-again.nessus", scan, true)
	require.NoError(t, err)
	assert.True(t, second.Reimported)
	assert.Equal(t, first.Upload.ID, second.Upload.ID)
	assert.Equal(t, 1, second.Upload.ForceReimportCount)
	assert.Equal(t, "weekly-again.nessus", second.Upload.Filename)
	assert.Equal(t, 2, h.imp.calls)

	_, vulns, findings := h.mem.Counts()
	assert.Equal(t, 1, vulns)
	assert.Equal(t, 1, findings)
	assert.Zero(t, second.Stats.FindingsCreated)
}

func TestIngest_FailedImportIsRecordedAndRetriable(t *testing.T) {
	h := newHarness(t, Options{})
	h.imp.err = errors.New("database unavailable")

	_, err := h.ingest("weekly.nessus", scan, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database unavailable")

	in, err := h.mem.IntegrationByName(context.Background(), "Nessus")
	require.NoError(t, err)
	rec, err := h.mem.UploadByHash(context.Background(), hashOf(scan), in.ID)
	require.NoError(t, err)
	assert.Equal(t, model.UploadFailed, rec.Status)
	assert.Equal(t, "database unavailable", rec.ErrorMessage)
	require.Len(t, h.notifier.events, 1)
	assert.Equal(t, model.UploadFailed, h.notifier.events[0].Status)

	// A failed upload is not a duplicate; the same record is retried.
	h.imp.err = nil
	res, err := h.ingest("weekly.nessus", scan, false)
	require.NoError(t, err)
	assert.True(t, res.Reimported)
	assert.Equal(t, rec.ID, res.Upload.ID)
	assert.Zero(t, res.Upload.ForceReimportCount)
	assert.Equal(t, model.UploadCompleted, res.Upload.Status)
}

func TestIngest_FailedForcedReimportKeepsDuplicateGuard(t *testing.T) {
	h := newHarness(t, Options{})
	first, err := h.ingest("weekly.nessus", scan, false)
	require.NoError(t, err)

	h.imp.err = errors.New("db down")
	_, err = h.ingest("weekly.nessus", scan, true)
	require.Error(t, err)

	rec, err := h.mem.UploadByHash(context.Background(), hashOf(scan), first.Upload.IntegrationID)
	require.NoError(t, err)
	assert.Equal(t, model.UploadFailed, rec.Status)
	require.NotNil(t, rec.LastCompletedAt)

	h.imp.err = nil
	_, err = h.ingest("weekly.nessus", scan, false)
	var dup *DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.Upload.ID, dup.Info().UploadID)
	assert.Equal(t, 2, h.imp.calls, "pipeline must not run for content imported before")

	res, err := h.ingest("weekly.nessus", scan, true)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Upload.ForceReimportCount)
	assert.Equal(t, model.UploadCompleted, res.Upload.Status)
}

func TestIngest_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		kind ValidationKind
	}{
		{"no body", Request{Integration: "Nessus", Filename: "a.nessus"}, KindMissingFile},
		{"no filename", Request{Integration: "Nessus", Body: strings.NewReader(scan)}, KindMissingFile},
		{"bad extension", Request{Integration: "Nessus", Filename: "scan.json", Body: strings.NewReader(scan)}, KindExtension},
		{"too large", Request{Integration: "Nessus", Filename: "scan.XML", Body: strings.NewReader(strings.Repeat("x", 2048))}, KindTooLarge},
		{"empty file", Request{Integration: "Nessus", Filename: "scan.nessus", Body: strings.NewReader("")}, KindMissingFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{MaxBytes: 1024})
			_, err := h.svc.Ingest(context.Background(), tt.req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.kind, verr.Kind)
			assert.Zero(t, h.imp.calls)
		})
	}
}

func TestIngest_UnknownIntegration(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.svc.Ingest(context.Background(), Request{Integration: "Qualys", Filename: "a.xml", Body: strings.NewReader(scan)})
	require.ErrorIs(t, err, ErrUnknownIntegration)
	assert.Zero(t, h.imp.calls)
}

func TestIngest_NotifierFailureDoesNotFailUpload(t *testing.T) {
	h := newHarness(t, Options{})
	h.notifier.err = errors.New("nats down")
	_, err := h.ingest("weekly.nessus", scan, false)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EventPublishErrors))
}

func TestLimits(t *testing.T) {
	svc := NewService(store.NewMemory(), &countingImporter{}, Options{})
	l := svc.Limits()
	assert.Equal(t, DefaultMaxBytes, l.MaxBytes)
	assert.Equal(t, int64(100), l.MaxMegabytes)
	assert.Equal(t, []string{".nessus", ".xml"}, l.AllowedExtensions)
}
