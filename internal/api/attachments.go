package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/starford/refhub/internal/apperr"
	"github.com/starford/refhub/internal/hub"
)

const maxUploadBytes = 50 << 20 // 50 MB

// AttachmentHandler accepts attachment uploads and registers records for them.
type AttachmentHandler struct {
	svc *hub.Service
}

// NewAttachmentHandler creates an upload handler backed by the service.
func NewAttachmentHandler(svc *hub.Service) *AttachmentHandler {
	return &AttachmentHandler{svc: svc}
}

// safeName validates that the filename is a plain name (no path separators,
// no traversal).
func safeName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("filename is required")
	}
	cleaned := filepath.Clean(name)
	if cleaned != filepath.Base(cleaned) || strings.Contains(cleaned, "..") {
		return "", fmt.Errorf("invalid filename: %s", name)
	}
	return cleaned, nil
}

// Upload handles POST /attachments (multipart/form-data, field "file").
// The optional "dir" form field selects the vault subdirectory.
func (h *AttachmentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return
	}
	defer file.Close()

	name, err := safeName(header.Filename)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to read upload"))
		return
	}

	result, err := h.svc.ImportAttachment(r.Context(), name, data, r.FormValue("dir"))
	if err != nil {
		if errors.Is(err, apperr.ErrAlreadyExists) {
			writeJSON(w, http.StatusConflict, errorBody("a file with that name already exists"))
			return
		}
		slog.Error("attachment import failed", slog.String("filename", name), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}

	writeJSON(w, http.StatusCreated, AttachmentImportResponse{
		Record:   result.Record,
		Filename: name,
		Size:     int64(len(data)),
	})
}
