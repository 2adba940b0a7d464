package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solardome/vuln-importer/internal/importer"
	"github.com/solardome/vuln-importer/internal/mapping"
	"github.com/solardome/vuln-importer/internal/metrics"
	"github.com/solardome/vuln-importer/internal/store"
	"github.com/solardome/vuln-importer/internal/upload"
)

const scan = `<NessusClientData_v2><Report name="r">
<ReportHost name="web01"><HostProperties><tag name="host-ip">10.0.0.7</tag></HostProperties>
<ReportItem port="443" severity="2" pluginID="900" pluginName="TLS weak cipher"/>
</ReportHost></Report></NessusClientData_v2>`

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type brokenImporter struct{}

func (brokenImporter) Import(_ context.Context, r io.Reader, integration string) (importer.Stats, error) {
	_, _ = io.Copy(io.Discard, r)
	return importer.Stats{Integration: integration}, errors.New("pq: relation \"assets\" does not exist")
}

func newTestServer(t *testing.T, imp upload.Importer, health Pinger) (*Server, *metrics.Metrics) {
	t.Helper()
	mem := store.NewMemory()
	seed, err := mapping.DefaultSeed()
	require.NoError(t, err)
	_, err = mapping.ApplySeed(context.Background(), mem, seed, mapping.ApplyOptions{})
	require.NoError(t, err)
	if imp == nil {
		reg, err := mapping.NewRegistry(mem, 4, nil)
		require.NoError(t, err)
		imp = importer.New(mem, reg, importer.Options{Logger: slog.New(slog.DiscardHandler)})
	}
	m := metrics.New()
	svc := upload.NewService(mem, imp, upload.Options{
		MaxBytes: 4096,
		TempDir:  t.TempDir(),
		Metrics:  m,
		Logger:   slog.New(slog.DiscardHandler),
	})
	return NewServer(svc, Options{
		Integrations: []string{"Nessus"},
		Health:       health,
		Metrics:      m,
		Logger:       slog.New(slog.DiscardHandler),
	}), m
}

func multipartBody(t *testing.T, field, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func postFile(t *testing.T, s *Server, path, filename, content string) *httptest.ResponseRecorder {
	t.Helper()
	body, ctype := multipartBody(t, "file", filename, content)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestUpload_CreatedThenConflictThenForced(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)

	rec := postFile(t, s, "/api/v1/upload/Nessus", "scan.nessus", scan)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "scan.nessus", body["filename"])
	assert.NotEmpty(t, body["upload_id"])
	stats := body["statistics"].(map[string]any)
	assert.Equal(t, float64(1), stats["assets"])
	assert.Equal(t, float64(1), stats["findings"])

	rec = postFile(t, s, "/api/v1/upload/Nessus", "again.nessus", scan)
	require.Equal(t, http.StatusConflict, rec.Code)
	dup := decode(t, rec)["duplicate"].(map[string]any)
	assert.Equal(t, body["upload_id"], dup["upload_id"])
	assert.Equal(t, "scan.nessus", dup["original_filename"])

	rec = postFile(t, s, "/api/v1/upload/Nessus?force_reimport=true", "again.nessus", scan)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode(t, rec)["reimported"])
}

func TestUpload_ErrorStatuses(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	tests := []struct {
		name     string
		path     string
		filename string
		content  string
		want     int
	}{
		{"wrong extension", "/api/v1/upload/Nessus", "scan.csv", scan, http.StatusBadRequest},
		{"empty file", "/api/v1/upload/Nessus", "scan.nessus", "", http.StatusBadRequest},
		{"too large", "/api/v1/upload/Nessus", "scan.nessus", strings.Repeat("x", 5000), http.StatusRequestEntityTooLarge},
		{"unknown integration", "/api/v1/upload/Qualys", "scan.nessus", scan, http.StatusNotFound},
		{"bad force flag", "/api/v1/upload/Nessus?force_reimport=maybe", "scan.nessus", scan, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postFile(t, s, tt.path, tt.filename, tt.content)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode(t, rec)["error"])
		})
	}
}

func TestUpload_MissingFileField(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	body, ctype := multipartBody(t, "document", "scan.nessus", scan)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload/Nessus", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpload_InternalErrorIsOpaque(t *testing.T) {
	s, _ := newTestServer(t, brokenImporter{}, nil)
	rec := postFile(t, s, "/api/v1/upload/Nessus", "scan.nessus", scan)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "relation")
	assert.Contains(t, rec.Body.String(), "unexpected error")
}

func TestInfoAndStatus(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/upload/info", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode(t, rec)
	limits := info["file_upload_limits"].(map[string]any)
	assert.Equal(t, float64(4096), limits["max_file_size_bytes"])
	assert.Equal(t, []any{".nessus", ".xml"}, limits["allowed_extensions"])
	assert.Equal(t, []any{"Nessus"}, info["supported_scanners"])

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		name   string
		health Pinger
		want   int
	}{
		{"no dependency", nil, http.StatusOK},
		{"reachable", fakePinger{}, http.StatusOK},
		{"unreachable", fakePinger{err: errors.New("dial tcp: refused")}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, nil, tt.health)
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	require.Equal(t, http.StatusCreated, postFile(t, s, "/api/v1/upload/Nessus", "scan.nessus", scan).Code)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `vuln_importer_uploads_total{integration="Nessus",outcome="completed"} 1`)
}
