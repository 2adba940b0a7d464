// Package report writes the artifacts of an import run: the JSON summary, the
// JSONL run log and a checksum manifest over both.
package report

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const (
	DefaultSummaryPath = "import-summary.json"
	runLogName         = "vuln-importer.run.log"
	checksumsName      = "checksums.sha256"
)

// Artifacts names the files one import run produces. The run log and the
// checksum manifest sit next to the summary unless placed explicitly.
type Artifacts struct {
	SummaryPath   string
	RunLogPath    string
	ChecksumsPath string
}

// ResolveArtifacts fills in default locations for empty paths.
func ResolveArtifacts(summary, runLog, checksums string) Artifacts {
	if strings.TrimSpace(summary) == "" {
		summary = DefaultSummaryPath
	}
	dir := filepath.Dir(summary)
	if strings.TrimSpace(runLog) == "" {
		runLog = filepath.Join(dir, runLogName)
	}
	if strings.TrimSpace(checksums) == "" {
		checksums = filepath.Join(dir, checksumsName)
	}
	return Artifacts{SummaryPath: summary, RunLogPath: runLog, ChecksumsPath: checksums}
}

// WriteSummary replaces the summary file with value as indented JSON. The
// file is renamed into place so a reader never sees a partial summary.
func (a Artifacts) WriteSummary(value any) error {
	b, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	return writeFileAtomic(a.SummaryPath, append(b, '\n'))
}

// WriteChecksums records the sha256 of the summary and the run log in
// sha256sum format. The run log must be closed first.
func (a Artifacts) WriteChecksums() error {
	return WriteChecksums(a.ChecksumsPath, []string{a.SummaryPath, a.RunLogPath})
}

// WriteChecksums writes one "<hex>  <base name>" line per non-empty path,
// ordered by path.
func WriteChecksums(manifest string, paths []string) error {
	paths = slices.DeleteFunc(slices.Clone(paths), func(p string) bool { return strings.TrimSpace(p) == "" })
	slices.Sort(paths)

	var sb strings.Builder
	for _, p := range paths {
		sum, err := hashFile(p)
		if err != nil {
			return fmt.Errorf("checksum %s: %w", p, err)
		}
		fmt.Fprintf(&sb, "%s  %s\n", sum, filepath.Base(p))
	}
	return writeFileAtomic(manifest, []byte(sb.String()))
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
