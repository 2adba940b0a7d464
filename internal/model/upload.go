package model

import "time"

const (
	UploadPending    = "pending"
	UploadProcessing = "processing"
	UploadCompleted  = "completed"
	UploadFailed     = "failed"
)

type ScannerUpload struct {
	ID                 string         `json:"id"`
	IntegrationID      int64          `json:"integration_id"`
	Filename           string         `json:"filename"`
	FileSize           int64          `json:"file_size"`
	FileHash           string         `json:"file_hash"`
	Status             string         `json:"status"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	Stats              map[string]any `json:"stats"`
	UploadedAt         time.Time      `json:"uploaded_at"`
	ProcessedAt        *time.Time     `json:"processed_at,omitempty"`
	ForceReimportCount int            `json:"force_reimport_count"`
	// LastCompletedAt survives later failed reimports; content with a
	// completed import stays a duplicate until forced.
	LastCompletedAt    *time.Time     `json:"last_completed_at,omitempty"`
}

// Imported reports whether this content was ever imported successfully.
func (u *ScannerUpload) Imported() bool {
	return u.Status == UploadCompleted || u.LastCompletedAt != nil
}
