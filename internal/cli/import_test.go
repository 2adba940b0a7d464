package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scanA = `<NessusClientData_v2><Report name="a">
<ReportHost name="db01"><HostProperties><tag name="host-ip">10.1.0.10</tag></HostProperties>
<ReportItem port="5432" severity="3" pluginID="7001" pluginName="PostgreSQL outdated"/>
<ReportItem port="22" severity="1" pluginID="7002" pluginName="SSH banner"/>
</ReportHost></Report></NessusClientData_v2>`

const scanB = `<NessusClientData_v2><Report name="b">
<ReportHost name="web02"><HostProperties><tag name="host-ip">10.1.0.11</tag></HostProperties>
<ReportItem port="443" severity="2" pluginID="7003" pluginName="TLS 1.0 enabled"/>
</ReportHost></Report></NessusClientData_v2>`

// setupEnv isolates the command from any .env file and selects the
// in-process store.
func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("DATABASE_URL", "memory")
	t.Setenv("LOG_LEVEL", "error")
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func readSummary(t *testing.T, path string) importSummary {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var s importSummary
	require.NoError(t, json.Unmarshal(raw, &s))
	return s
}

func TestImport_DirectoryWithDuplicate(t *testing.T) {
	dir := setupEnv(t)
	scans := filepath.Join(dir, "scans")
	writeFile(t, filepath.Join(scans, "a.nessus"), scanA)
	writeFile(t, filepath.Join(scans, "nested", "b.XML"), scanB)
	writeFile(t, filepath.Join(scans, "z-copy-of-a.nessus"), scanA)
	writeFile(t, filepath.Join(scans, "notes.txt"), "ignored")

	outJSON := filepath.Join(dir, "out", "summary.json")
	out, err := execute(t, "import", scans, "--out-json", outJSON)
	require.NoError(t, err, out)

	s := readSummary(t, outJSON)
	assert.Equal(t, "Nessus", s.Integration)
	require.Len(t, s.Files, 3)
	assert.Equal(t, importTotals{
		Files: 3, Completed: 2, Duplicates: 1,
		Assets: 2, Vulnerabilities: 3, Findings: 3,
	}, s.Totals)
	assert.Equal(t, statusDuplicate, s.Files[2].Status)
	assert.Equal(t, "a.nessus", s.Files[2].Duplicate.OriginalFilename)

	assert.Contains(t, out, "status=duplicate")
	assert.Contains(t, out, "files=3 completed=2 duplicates=1")
	for _, artifact := range []string{"vuln-importer.run.log", "checksums.sha256"} {
		assert.FileExists(t, filepath.Join(dir, "out", artifact))
	}
}

func TestImport_ForceReimportAndRejectedFile(t *testing.T) {
	dir := setupEnv(t)
	a := filepath.Join(dir, "a.nessus")
	copyOfA := filepath.Join(dir, "copy.nessus")
	bad := filepath.Join(dir, "scan.json")
	writeFile(t, a, scanA)
	writeFile(t, copyOfA, scanA)
	writeFile(t, bad, "{}")

	outJSON := filepath.Join(dir, "summary.json")
	out, err := execute(t, "import", a, copyOfA, bad, "--force-reimport", "--out-json", outJSON)
	require.NoError(t, err, out)

	s := readSummary(t, outJSON)
	require.Len(t, s.Files, 3)
	assert.Equal(t, statusCompleted, s.Files[0].Status)
	assert.Equal(t, statusCompleted, s.Files[1].Status)
	assert.Equal(t, s.Files[0].UploadID, s.Files[1].UploadID)
	assert.Equal(t, statusRejected, s.Files[2].Status)
	assert.Contains(t, s.Files[2].Error, "invalid file type")
}

func TestImport_CorruptDocumentIsReportedNotFatal(t *testing.T) {
	dir := setupEnv(t)
	broken := filepath.Join(dir, "broken.nessus")
	writeFile(t, broken, "<SomethingElse/>")

	outJSON := filepath.Join(dir, "summary.json")
	out, err := execute(t, "import", broken, "--out-json", outJSON)
	require.NoError(t, err, out)

	s := readSummary(t, outJSON)
	require.Len(t, s.Files, 1)
	assert.Equal(t, statusFailed, s.Files[0].Status)
	assert.Equal(t, 1, s.Totals.Failed)
}

func TestImport_UnknownIntegrationAborts(t *testing.T) {
	dir := setupEnv(t)
	writeFile(t, filepath.Join(dir, "a.nessus"), scanA)
	_, err := execute(t, "import", filepath.Join(dir, "a.nessus"), "--integration", "Qualys",
		"--out-json", filepath.Join(dir, "summary.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown scanner integration")
}

func TestImport_NoMatchingFiles(t *testing.T) {
	dir := setupEnv(t)
	writeFile(t, filepath.Join(dir, "scans", "readme.md"), "nothing")
	_, err := execute(t, "import", filepath.Join(dir, "scans"))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "no files"))
}

func TestSetup_AppliesSeed(t *testing.T) {
	setupEnv(t)
	out, err := execute(t, "setup")
	require.NoError(t, err)
	assert.Contains(t, out, "integration=Nessus")
	assert.Contains(t, out, "severity_mappings=5")
}

func TestSetup_InvalidSeedFile(t *testing.T) {
	dir := setupEnv(t)
	path := filepath.Join(dir, "seed.yaml")
	writeFile(t, path, "integration: [not, a, map]\n")
	_, err := execute(t, "setup", "--file", path)
	require.Error(t, err)
}

func TestMigrate_RequiresPostgres(t *testing.T) {
	setupEnv(t)
	_, err := execute(t, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Postgres")
}

func TestMissingDatabaseURL(t *testing.T) {
	setupEnv(t)
	t.Setenv("DATABASE_URL", "")
	_, err := execute(t, "setup")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}
