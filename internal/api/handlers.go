package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/starford/refhub/internal/apperr"
	"github.com/starford/refhub/internal/hub"
	"github.com/starford/refhub/internal/models"
)

// Handler holds API route handlers.
type Handler struct {
	svc *hub.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *hub.Service) *Handler {
	return &Handler{svc: svc}
}

// ListRecords handles GET /records with an optional tag filter.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	records := h.svc.ListRecords(r.Context(), tag)
	writeJSON(w, http.StatusOK, RecordListResponse{Records: records, Total: len(records)})
}

// GetRecord handles GET /records/{id}.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.svc.GetRecord(r.Context(), id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			slog.Error("get record failed", slog.String("id", id), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// CreateRecord handles POST /records.
func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req CreateRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}

	rec := &models.Record{
		Path:        req.Path,
		Title:       req.Title,
		Author:      req.Author,
		Year:        req.Year,
		IdentityKey: req.IdentityKey,
		Publisher:   req.Publisher,
		Tier:        req.Tier,
		Tags:        req.Tags,
		Citation:    req.Citation,
		Metadata:    req.Metadata,
	}
	result, err := h.svc.AddRecord(r.Context(), rec, hub.AddOptions{
		SkipCompanionUpdate: req.SkipCompanion,
		OnDuplicate:         req.OnDuplicate,
	})
	if err != nil {
		if errors.Is(err, apperr.ErrDuplicateKey) {
			writeJSON(w, http.StatusConflict, result)
			return
		}
		slog.Error("create record failed", slog.String("path", req.Path), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// UpdateRecord handles PUT /records/{id}.
func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	id := chi.URLParam(r, "id")
	var rec models.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	rec.ID = id
	skip := r.URL.Query().Get("skip_companion") == "true"
	updated, err := h.svc.UpdateRecord(r.Context(), &rec, skip)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			slog.Error("update record failed", slog.String("id", id), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteRecord handles DELETE /records/{id}.
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.DeleteRecord(r.Context(), id); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			slog.Error("delete record failed", slog.String("id", id), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// References handles GET /records/{id}/references?refresh=true.
func (h *Handler) References(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	refresh := r.URL.Query().Get("refresh") == "true"
	refs, err := h.svc.References(r.Context(), id, refresh)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			slog.Error("references failed", slog.String("id", id), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusOK, ReferencesResponse{References: refs, Count: len(refs)})
}

// RegenerateCompanion handles POST /records/{id}/companion/regenerate.
func (h *Handler) RegenerateCompanion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.svc.RegenerateCompanion(r.Context(), id)
	if err != nil {
		h.companionError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// SyncFromCompanion handles POST /records/{id}/companion/sync.
func (h *Handler) SyncFromCompanion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.svc.SyncFromCompanion(r.Context(), id)
	if err != nil {
		h.companionError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ValidateCompanion handles POST /records/{id}/companion/validate.
func (h *Handler) ValidateCompanion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.svc.ValidateCompanion(r.Context(), id)
	if err != nil {
		h.companionError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) companionError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, apperr.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
		return
	}
	slog.Error("companion operation failed", slog.String("id", id), slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
}

// Tags handles GET /tags.
func (h *Handler) Tags(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tags": h.svc.Tags(r.Context())})
}

// Duplicates handles GET /duplicates.
func (h *Handler) Duplicates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, DuplicatesResponse{Groups: h.svc.Duplicates(r.Context())})
}

// Recompute handles POST /sync/recompute.
func (h *Handler) Recompute(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RecomputeAll(r.Context()); err != nil {
		if errors.Is(err, apperr.ErrSyncInProgress) {
			writeJSON(w, http.StatusTooManyRequests, errorBody("sync already in progress"))
			return
		}
		slog.Error("recompute failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Resync handles POST /sync/resync.
func (h *Handler) Resync(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ResyncAll(r.Context()); err != nil {
		if errors.Is(err, apperr.ErrSyncInProgress) {
			writeJSON(w, http.StatusTooManyRequests, errorBody("sync already in progress"))
			return
		}
		slog.Error("resync failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reassignments handles GET /reassignments.
func (h *Handler) Reassignments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ReassignmentsResponse{Pending: h.svc.Reassignments(r.Context())})
}

// ReassignmentCandidates handles GET /reassignments/{id}/candidates.
func (h *Handler) ReassignmentCandidates(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	candidates, err := h.svc.ReassignmentCandidates(r.Context(), id, limit)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": candidates})
}

// ResolveReassignment handles POST /reassignments/{id}.
func (h *Handler) ResolveReassignment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req ResolveReassignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	rec, err := h.svc.ResolveReassignment(r.Context(), id, req.Path)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("path does not resolve to a file"))
		} else {
			slog.Error("resolve reassignment failed", slog.String("id", id), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Search handles GET /search.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	hits, err := h.svc.Search(r.Context(), q, limit)
	if err != nil {
		slog.Error("search failed", slog.String("query", q), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	results := make([]SearchResult, len(hits))
	for i, s := range hits {
		results[i] = SearchResult{Path: s.Path, Title: s.Title, Snippet: s.Snippet}
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: results})
}
