package upload

import (
	"fmt"
	"time"

	"github.com/solardome/vuln-importer/internal/model"
)

type ValidationKind int

const (
	KindMissingFile ValidationKind = iota
	KindExtension
	KindTooLarge
)

// ValidationError rejects an upload before anything is recorded. Message is
// safe to show to the caller.
type ValidationError struct {
	Kind    ValidationKind
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// DuplicateError reports content already imported for the integration. The
// pipeline did not run.
type DuplicateError struct {
	Integration string
	Upload      *model.ScannerUpload
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("file already imported as upload %s (%s) on %s",
		e.Upload.ID, e.Upload.Filename, e.Upload.UploadedAt.UTC().Format(time.RFC3339))
}

// DuplicateInfo describes the original upload of duplicated content.
type DuplicateInfo struct {
	UploadID           string         `json:"upload_id"`
	OriginalFilename   string         `json:"original_filename"`
	OriginalUploadDate time.Time      `json:"original_upload_date"`
	FileSize           int64          `json:"file_size"`
	Integration        string         `json:"integration"`
	ProcessingStatus   string         `json:"processing_status"`
	Stats              map[string]any `json:"stats"`
}

func (e *DuplicateError) Info() DuplicateInfo {
	stats := e.Upload.Stats
	if stats == nil {
		stats = map[string]any{}
	}
	return DuplicateInfo{
		UploadID:           e.Upload.ID,
		OriginalFilename:   e.Upload.Filename,
		OriginalUploadDate: e.Upload.UploadedAt.UTC(),
		FileSize:           e.Upload.FileSize,
		Integration:        e.Integration,
		ProcessingStatus:   e.Upload.Status,
		Stats:              stats,
	}
}
