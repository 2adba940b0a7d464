package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/solardome/vuln-importer/internal/importer"
	"github.com/solardome/vuln-importer/internal/upload"
)

// multipartOverhead allows for form boundaries and headers around the file.
const multipartOverhead = 1 << 20

type errorResponse struct {
	Error     string                `json:"error"`
	Filename  string                `json:"filename,omitempty"`
	Duplicate *upload.DuplicateInfo `json:"duplicate,omitempty"`
	RequestID string                `json:"request_id,omitempty"`
}

type uploadResponse struct {
	Success    bool           `json:"success"`
	Message    string         `json:"message"`
	UploadID   string         `json:"upload_id"`
	Filename   string         `json:"filename"`
	FileSize   int64          `json:"file_size"`
	FileHash   string         `json:"file_hash"`
	Reimported bool           `json:"reimported"`
	Statistics importer.Stats `json:"statistics"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"message": "vulnerability import API is operational",
		"endpoints": map[string]string{
			"upload":      "/api/v1/upload/{integration}",
			"upload_info": "/api/v1/upload/info",
			"status":      "/api/v1/status",
		},
	})
}

func (s *Server) getUploadInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"file_upload_limits":   s.uploads.Limits(),
		"supported_scanners":   s.opts.Integrations,
		"upload_endpoint":      "/api/v1/upload/{integration}",
		"force_reimport_param": "force_reimport",
	})
}

func (s *Server) postUpload(w http.ResponseWriter, r *http.Request) {
	integration := chi.URLParam(r, "integration")
	limits := s.uploads.Limits()
	r.Body = http.MaxBytesReader(w, r.Body, limits.MaxBytes+multipartOverhead)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "file too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "no file provided, send it as multipart field \"file\""})
		return
	}
	defer file.Close()

	force, err := parseForce(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "force_reimport must be a boolean"})
		return
	}

	res, err := s.uploads.Ingest(r.Context(), upload.Request{
		Integration:   integration,
		Filename:      header.Filename,
		Body:          file,
		ForceReimport: force,
	})
	if err != nil {
		s.writeUploadError(w, r, header.Filename, err)
		return
	}

	msg := "file uploaded and processed successfully"
	if res.Reimported {
		msg = "file re-imported successfully"
	}
	writeJSON(w, http.StatusCreated, uploadResponse{
		Success:    true,
		Message:    msg,
		UploadID:   res.Upload.ID,
		Filename:   res.Upload.Filename,
		FileSize:   res.Upload.FileSize,
		FileHash:   res.Upload.FileHash,
		Reimported: res.Reimported,
		Statistics: res.Stats,
	})
}

func parseForce(r *http.Request) (bool, error) {
	raw := r.URL.Query().Get("force_reimport")
	if raw == "" {
		raw = r.FormValue("force_reimport")
	}
	if strings.TrimSpace(raw) == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

// writeUploadError maps service errors onto the HTTP contract. Server-side
// failures get an opaque message; the detail goes to the log only.
func (s *Server) writeUploadError(w http.ResponseWriter, r *http.Request, filename string, err error) {
	var (
		verr *upload.ValidationError
		dup  *upload.DuplicateError
	)
	switch {
	case errors.As(err, &verr):
		status := http.StatusBadRequest
		if verr.Kind == upload.KindTooLarge {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, errorResponse{Error: verr.Message, Filename: filename})
	case errors.As(err, &dup):
		info := dup.Info()
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:     "this file has already been imported; retry with force_reimport=true to import it again",
			Filename:  filename,
			Duplicate: &info,
		})
	case errors.Is(err, upload.ErrUnknownIntegration):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown scanner integration"})
	default:
		reqID := middleware.GetReqID(r.Context())
		s.logger.Error("upload.error", "error", err, "filename", filename, "request_id", reqID)
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:     "an unexpected error occurred while processing the upload",
			Filename:  filename,
			RequestID: reqID,
		})
	}
}
