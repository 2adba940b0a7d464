package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/solardome/vuln-importer/internal/importer"
	"github.com/solardome/vuln-importer/internal/mapping"
	"github.com/solardome/vuln-importer/internal/report"
	"github.com/solardome/vuln-importer/internal/upload"
)

const (
	statusCompleted = "completed"
	statusDuplicate = "duplicate"
	statusFailed    = "failed"
	statusRejected  = "rejected"
)

type importOptions struct {
	integration   string
	forceReimport bool
	outJSON       string
	runLog        string
	checksums     string
}

type fileResult struct {
	Path      string                `json:"path"`
	Status    string                `json:"status"`
	UploadID  string                `json:"upload_id,omitempty"`
	Stats     *importer.Stats       `json:"statistics,omitempty"`
	Duplicate *upload.DuplicateInfo `json:"duplicate,omitempty"`
	Error     string                `json:"error,omitempty"`
}

type importTotals struct {
	Files           int `json:"files"`
	Completed       int `json:"completed"`
	Duplicates      int `json:"duplicates"`
	Failed          int `json:"failed"`
	Rejected        int `json:"rejected"`
	Assets          int `json:"assets"`
	Vulnerabilities int `json:"vulnerabilities"`
	Findings        int `json:"findings"`
	Errors          int `json:"errors"`
}

type importSummary struct {
	Integration string       `json:"integration"`
	GeneratedAt time.Time    `json:"generated_at"`
	Files       []fileResult `json:"files"`
	Totals      importTotals `json:"totals"`
}

func (t *importTotals) add(r fileResult) {
	t.Files++
	switch r.Status {
	case statusCompleted:
		t.Completed++
	case statusDuplicate:
		t.Duplicates++
	case statusFailed:
		t.Failed++
	case statusRejected:
		t.Rejected++
	}
	if r.Stats != nil {
		t.Assets += r.Stats.Assets
		t.Vulnerabilities += r.Stats.Vulnerabilities
		t.Findings += r.Stats.Findings
		t.Errors += len(r.Stats.Errors)
	}
}

func newImportCmd(debug *bool) *cobra.Command {
	opts := &importOptions{}
	cmd := &cobra.Command{
		Use:   "import <file|dir>...",
		Short: "Import scan exports from files or directories",
		Long: `Import one or more scan exports. Directories are searched recursively for
files with an allowed extension. Content that was already imported for the
integration is skipped unless --force-reimport is given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *debug)
			if err != nil {
				return err
			}
			defer a.close()
			return runImport(cmd.Context(), cmd.OutOrStdout(), a, args, opts)
		},
	}
	cmd.Flags().StringVar(&opts.integration, "integration", "", "Scanner integration name (default from DEFAULT_INTEGRATION)")
	cmd.Flags().BoolVar(&opts.forceReimport, "force-reimport", false, "Import files even if identical content was already imported")
	cmd.Flags().StringVar(&opts.outJSON, "out-json", report.DefaultSummaryPath, "Output import summary path")
	cmd.Flags().StringVar(&opts.runLog, "run-log", "", "Output run log path (default next to out-json)")
	cmd.Flags().StringVar(&opts.checksums, "checksums", "", "Output checksums.sha256 path (default next to out-json)")
	return cmd
}

// runImport processes every file and writes the summary artifacts. Per-file
// failures are reported, not returned; only setup and mapping configuration
// problems abort the run.
func runImport(ctx context.Context, out io.Writer, a *app, args []string, opts *importOptions) error {
	integration := strings.TrimSpace(opts.integration)
	if integration == "" {
		integration = a.cfg.DefaultIntegration
	}
	artifacts := report.ResolveArtifacts(opts.outJSON, opts.runLog, opts.checksums)

	files, err := collectFiles(args, a.cfg.AllowedExtensions)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no files with extensions %s found", strings.Join(a.cfg.AllowedExtensions, ", "))
	}

	rl, err := report.NewRunLog(artifacts.RunLogPath, a.level)
	if err != nil {
		return err
	}
	defer rl.Close()
	log := rl.Logger()

	registry, err := mapping.NewRegistry(a.store, a.cfg.MappingCacheSize, log)
	if err != nil {
		return err
	}
	imp := importer.New(a.store, registry, importer.Options{
		MaxReportedErrors: a.cfg.MaxReportedErrors,
		Logger:            log,
	})
	svc := upload.NewService(a.store, imp, upload.Options{
		AllowedExtensions: a.cfg.AllowedExtensions,
		MaxBytes:          a.cfg.MaxUploadBytes,
		Logger:            log,
	})

	summary := importSummary{Integration: integration, Files: make([]fileResult, 0, len(files))}
	for _, path := range files {
		res, err := importFile(ctx, svc, integration, path, opts.forceReimport)
		if err != nil {
			return err
		}
		summary.Files = append(summary.Files, res)
		summary.Totals.add(res)
		fmt.Fprintln(out, res.line())
	}
	summary.GeneratedAt = time.Now().UTC()

	if err := artifacts.WriteSummary(summary); err != nil {
		return err
	}
	rl.Close()
	if err := artifacts.WriteChecksums(); err != nil {
		return err
	}

	t := summary.Totals
	fmt.Fprintf(out, "files=%d completed=%d duplicates=%d failed=%d rejected=%d assets=%d vulnerabilities=%d findings=%d errors=%d summary=%s checksums=%s run_log=%s\n",
		t.Files, t.Completed, t.Duplicates, t.Failed, t.Rejected, t.Assets, t.Vulnerabilities, t.Findings, t.Errors,
		artifacts.SummaryPath, artifacts.ChecksumsPath, artifacts.RunLogPath)
	return nil
}

func importFile(ctx context.Context, svc *upload.Service, integration, path string, force bool) (fileResult, error) {
	r := fileResult{Path: path}
	f, err := os.Open(path)
	if err != nil {
		r.Status = statusRejected
		r.Error = err.Error()
		return r, nil
	}
	defer f.Close()

	res, err := svc.Ingest(ctx, upload.Request{
		Integration:   integration,
		Filename:      path,
		Body:          f,
		ForceReimport: force,
	})
	var (
		verr *upload.ValidationError
		dup  *upload.DuplicateError
	)
	switch {
	case err == nil:
		r.Status = statusCompleted
		r.UploadID = res.Upload.ID
		r.Stats = &res.Stats
	case errors.Is(err, upload.ErrUnknownIntegration), mapping.IsConfigurationError(err):
		return r, err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return r, err
	case errors.As(err, &dup):
		info := dup.Info()
		r.Status = statusDuplicate
		r.UploadID = info.UploadID
		r.Duplicate = &info
	case errors.As(err, &verr):
		r.Status = statusRejected
		r.Error = verr.Message
	default:
		r.Status = statusFailed
		r.Error = err.Error()
	}
	return r, nil
}

func (r fileResult) line() string {
	switch {
	case r.Stats != nil:
		return fmt.Sprintf("file=%s status=%s upload_id=%s assets=%d vulnerabilities=%d findings=%d errors=%d",
			r.Path, r.Status, r.UploadID, r.Stats.Assets, r.Stats.Vulnerabilities, r.Stats.Findings, len(r.Stats.Errors))
	case r.Duplicate != nil:
		return fmt.Sprintf("file=%s status=%s upload_id=%s original=%s",
			r.Path, r.Status, r.UploadID, r.Duplicate.OriginalFilename)
	default:
		return fmt.Sprintf("file=%s status=%s error=%q", r.Path, r.Status, r.Error)
	}
}

// collectFiles expands directories into the files below them with an allowed
// extension. Explicit file arguments are kept as given so the upload
// validation can reject them.
func collectFiles(args []string, exts []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && slices.Contains(exts, strings.ToLower(filepath.Ext(path))) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan directory %s: %w", arg, err)
		}
	}
	return files, nil
}
