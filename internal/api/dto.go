package api

import (
	"github.com/starford/refhub/internal/models"
	"github.com/starford/refhub/internal/reconcile"
)

// CreateRecordRequest is the request body for registering a record.
type CreateRecordRequest struct {
	Path        string         `json:"path"`
	Title       string         `json:"title,omitempty"`
	Author      string         `json:"author,omitempty"`
	Year        string         `json:"year,omitempty"`
	IdentityKey string         `json:"identity_key,omitempty"`
	Publisher   string         `json:"publisher,omitempty"`
	Tier        string         `json:"tier,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Citation    string         `json:"citation,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	OnDuplicate   string       `json:"on_duplicate,omitempty"` // keep-both (default), overwrite, skip
	SkipCompanion bool         `json:"skip_companion,omitempty"`
}

// RecordListResponse wraps record listings.
type RecordListResponse struct {
	Records []*models.Record `json:"records"`
	Total   int              `json:"total"`
}

// ReferencesResponse wraps a record's reference list.
type ReferencesResponse struct {
	References []models.ReferenceEntry `json:"references"`
	Count      int                     `json:"count"`
}

// DuplicatesResponse wraps identity-key collision groups.
type DuplicatesResponse struct {
	Groups [][]*models.Record `json:"groups"`
}

// ReassignmentsResponse wraps pending reassignments.
type ReassignmentsResponse struct {
	Pending []reconcile.Reassignment `json:"pending"`
}

// ResolveReassignmentRequest supplies the chosen primary path.
type ResolveReassignmentRequest struct {
	Path string `json:"path"`
}

// SearchResult is a single search hit in the API response.
type SearchResult struct {
	Path    string `json:"path"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// SearchResponse wraps search results.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
}

// AttachmentImportResponse is returned after a successful attachment import.
type AttachmentImportResponse struct {
	Record   *models.Record `json:"record"`
	Filename string         `json:"filename"`
	Size     int64          `json:"size"`
}
