package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/starford/refhub/internal/hub"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *hub.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)
	ah := NewAttachmentHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Records CRUD.
	r.Get("/records", h.ListRecords)
	r.Post("/records", h.CreateRecord)
	r.Get("/records/{id}", h.GetRecord)
	r.Put("/records/{id}", h.UpdateRecord)
	r.Delete("/records/{id}", h.DeleteRecord)

	// References.
	r.Get("/records/{id}/references", h.References)

	// Companion document operations.
	r.Post("/records/{id}/companion/regenerate", h.RegenerateCompanion)
	r.Post("/records/{id}/companion/sync", h.SyncFromCompanion)
	r.Post("/records/{id}/companion/validate", h.ValidateCompanion)

	// Bulk sync.
	r.Post("/sync/resync", h.Resync)
	r.Post("/sync/recompute", h.Recompute)

	// Collections.
	r.Get("/tags", h.Tags)
	r.Get("/duplicates", h.Duplicates)

	// Path reassignment.
	r.Get("/reassignments", h.Reassignments)
	r.Get("/reassignments/{id}/candidates", h.ReassignmentCandidates)
	r.Post("/reassignments/{id}", h.ResolveReassignment)

	// Search.
	r.Get("/search", h.Search)

	// Attachment upload.
	r.Post("/attachments", ah.Upload)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
