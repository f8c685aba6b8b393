// Package hub coordinates the record store, companion manager, resolver, and
// reconciliation engine behind one service surface for the API and MCP layers.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/starford/refhub/internal/apperr"
	"github.com/starford/refhub/internal/companion"
	"github.com/starford/refhub/internal/index"
	"github.com/starford/refhub/internal/models"
	"github.com/starford/refhub/internal/reconcile"
	"github.com/starford/refhub/internal/recordstore"
	"github.com/starford/refhub/internal/resolver"
	"github.com/starford/refhub/internal/storage"
)

// Duplicate policies for AddRecord. Keep-both is the unattended default:
// data is never silently dropped.
const (
	DupKeepBoth  = "keep-both"
	DupOverwrite = "overwrite"
	DupSkip      = "skip"
)

// AddOptions control a single add operation.
type AddOptions struct {
	SkipCompanionUpdate bool
	OnDuplicate         string // one of the Dup* policies; empty means keep-both
}

// AddResult reports the stored record and, when the identity key collided,
// the pre-existing record the caller may want to merge with.
type AddResult struct {
	Record    *models.Record `json:"record"`
	Duplicate *models.Record `json:"duplicate,omitempty"`
}

// Service is the application facade over the record subsystem.
type Service struct {
	store    *recordstore.Store
	comp     *companion.Manager
	res      *resolver.Resolver
	engine   *reconcile.Engine
	db       *index.DB
	files    storage.Provider
	events   reconcile.EventSink
	notifier recordstore.Notifier
	logger   *slog.Logger
}

// NewService wires the facade.
func NewService(store *recordstore.Store, comp *companion.Manager, res *resolver.Resolver, engine *reconcile.Engine, db *index.DB, files storage.Provider, events reconcile.EventSink, notifier recordstore.Notifier, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		comp:     comp,
		res:      res,
		engine:   engine,
		db:       db,
		files:    files,
		events:   events,
		notifier: notifier,
		logger:   logger,
	}
}

// AddRecord creates a record for an attachment. Identity-key duplicates are
// detected, surfaced, and handled per the requested policy; they are never a
// hard failure except under the explicit skip policy.
func (s *Service) AddRecord(ctx context.Context, rec *models.Record, opts AddOptions) (*AddResult, error) {
	fillBinding(rec, s.files)
	if rec.Title == "" {
		rec.Title = rec.Stem()
	}

	dup := s.store.FindByIdentityKey(rec.IdentityKey)
	if dup != nil {
		switch opts.OnDuplicate {
		case DupSkip:
			return &AddResult{Duplicate: dup}, apperr.ErrDuplicateKey
		case DupOverwrite:
			merged := mergeInto(dup, rec)
			updated, err := s.store.Update(merged, recordstore.Options{})
			if err != nil {
				return nil, err
			}
			if !opts.SkipCompanionUpdate {
				updated = s.refreshCompanion(updated, false)
			}
			s.publish("record.updated", updated.ID)
			return &AddResult{Record: updated}, nil
		default: // keep both
			if s.notifier != nil {
				s.notifier.Notify(fmt.Sprintf("duplicate identity key %q: keeping both records", rec.IdentityKey))
			}
		}
	}

	added, err := s.store.Add(rec, recordstore.Options{})
	if err != nil {
		return nil, err
	}
	if !opts.SkipCompanionUpdate {
		added = s.refreshCompanion(added, false)
	}
	s.publish("record.created", added.ID)
	return &AddResult{Record: added, Duplicate: dup}, nil
}

// AddBatch imports records deferring companion writes and persistence to one
// flush; run ResyncAll afterwards to materialize companion documents.
func (s *Service) AddBatch(ctx context.Context, recs []*models.Record) (int, error) {
	for _, r := range recs {
		fillBinding(r, s.files)
		if r.Title == "" {
			r.Title = r.Stem()
		}
	}
	return s.store.AddBatch(recs)
}

// GetRecord returns one record by id.
func (s *Service) GetRecord(_ context.Context, id string) (*models.Record, error) {
	return s.store.Get(id)
}

// ListRecords returns all records, optionally filtered by tag.
func (s *Service) ListRecords(_ context.Context, tag string) []*models.Record {
	all := s.store.All()
	if tag == "" {
		return all
	}
	out := all[:0]
	for _, r := range all {
		for _, t := range r.Tags {
			if t == tag {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// UpdateRecord applies edited fields and regenerates the companion header
// unless told to skip.
func (s *Service) UpdateRecord(_ context.Context, rec *models.Record, skipCompanionUpdate bool) (*models.Record, error) {
	updated, err := s.store.Update(rec, recordstore.Options{})
	if err != nil {
		return nil, err
	}
	if !skipCompanionUpdate && updated.HasCompanion {
		updated = s.refreshCompanion(updated, false)
	}
	s.publish("record.updated", updated.ID)
	return updated, nil
}

// DeleteRecord removes the record and its companion document, if any.
func (s *Service) DeleteRecord(_ context.Context, id string) error {
	rec, err := s.store.Delete(id)
	if err != nil {
		return err
	}
	if rec.CompanionPath != "" {
		if _, err := s.comp.Delete(rec); err != nil {
			s.logger.Warn("delete companion failed",
				slog.String("id", id), slog.String("error", err.Error()))
		}
	}
	s.publish("record.deleted", id)
	return nil
}

// Tags returns the sorted union of all record tags.
func (s *Service) Tags(_ context.Context) []string {
	return s.store.TagsUnion()
}

// Duplicates returns groups of records sharing an identity key.
func (s *Service) Duplicates(_ context.Context) [][]*models.Record {
	return s.store.Duplicates()
}

// References returns a record's stored reference list; with refresh it
// rescans the corpus for this record first and persists the result.
func (s *Service) References(ctx context.Context, id string, refresh bool) ([]models.ReferenceEntry, error) {
	rec, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !refresh {
		return rec.References, nil
	}
	refs, err := s.res.ResolveRecord(ctx, rec)
	if err != nil {
		return nil, err
	}
	rec.References = refs
	rec.ReferenceCount = len(refs)
	if _, err := s.store.Update(rec, recordstore.Options{}); err != nil {
		return nil, err
	}
	return refs, nil
}

// RecomputeAll rebuilds every record's references (guarded bulk operation).
func (s *Service) RecomputeAll(ctx context.Context) error {
	return s.engine.RecomputeAll(ctx)
}

// ResyncAll verifies and regenerates companion state for every record
// (guarded bulk operation).
func (s *Service) ResyncAll(ctx context.Context) error {
	return s.engine.ResyncAll(ctx)
}

// RegenerateCompanion force-writes the companion document, bypassing policy.
func (s *Service) RegenerateCompanion(_ context.Context, id string) (*models.Record, error) {
	rec, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	next, err := s.comp.Generate(rec, true)
	if err != nil {
		return nil, err
	}
	return s.store.Update(next, recordstore.Options{})
}

// SyncFromCompanion overwrites the record's descriptive fields, tags, and
// references from its companion header (the header is the source of truth).
func (s *Service) SyncFromCompanion(_ context.Context, id string) (*models.Record, error) {
	rec, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if rec.CompanionPath == "" {
		return nil, fmt.Errorf("record %s has no companion: %w", id, apperr.ErrNotFound)
	}
	data, err := s.files.Read(rec.CompanionPath)
	if err != nil {
		return nil, fmt.Errorf("read companion: %w", err)
	}
	next := s.comp.ParseIntoRecord(rec, string(data))
	updated, err := s.store.Update(next, recordstore.Options{})
	if err != nil {
		return nil, err
	}
	s.publish("record.updated", id)
	return updated, nil
}

// ValidateCompanion runs the atomic verification pass for one record.
func (s *Service) ValidateCompanion(_ context.Context, id string) (*models.Record, error) {
	return s.engine.ValidateCompanionState(id)
}

// Reassignments lists records waiting for a primary path decision.
func (s *Service) Reassignments(_ context.Context) []reconcile.Reassignment {
	return s.engine.PendingReassignments()
}

// ResolveReassignment accepts a verified primary path for a pending record.
func (s *Service) ResolveReassignment(_ context.Context, id, path string) (*models.Record, error) {
	return s.engine.ResolveReassignment(id, path)
}

// ReassignmentCandidates suggests primary paths by name similarity.
func (s *Service) ReassignmentCandidates(_ context.Context, id string, limit int) ([]string, error) {
	return s.engine.CandidatePaths(id, limit)
}

// Search delegates full-text search to the document index.
func (s *Service) Search(_ context.Context, query string, limit int) ([]index.SearchResult, error) {
	return s.db.Search(query, limit)
}

// ImportAttachment stores an uploaded file in the vault and registers a
// record for it. dir defaults to "attachments".
func (s *Service) ImportAttachment(ctx context.Context, filename string, data []byte, dir string) (*AddResult, error) {
	if dir == "" {
		dir = "attachments"
	}
	p := path.Join(dir, path.Base(filename))
	if s.files.Exists(p) {
		return nil, apperr.ErrAlreadyExists
	}
	if err := s.files.Write(p, data); err != nil {
		return nil, err
	}
	rec := &models.Record{Path: p, Size: int64(len(data))}
	return s.AddRecord(ctx, rec, AddOptions{})
}

// refreshCompanion (re)generates the companion under policy and persists the
// resulting state; failures degrade to the unrefreshed record.
func (s *Service) refreshCompanion(rec *models.Record, forced bool) *models.Record {
	next, err := s.comp.Generate(rec, forced)
	if err != nil {
		s.logger.Warn("companion generate failed",
			slog.String("id", rec.ID), slog.String("error", err.Error()))
		return rec
	}
	updated, err := s.store.Update(next, recordstore.Options{})
	if err != nil {
		return rec
	}
	return updated
}

func (s *Service) publish(kind, id string) {
	if s.events != nil {
		s.events.PublishRecordEvent(kind, id)
	}
}

// fillBinding derives file name/type from the path and refreshes the size
// best-effort.
func fillBinding(rec *models.Record, files storage.Provider) {
	if rec.FileName == "" && rec.Path != "" {
		rec.FileName = path.Base(rec.Path)
	}
	if rec.FileType == "" && rec.FileName != "" {
		rec.FileType = strings.TrimPrefix(path.Ext(rec.FileName), ".")
	}
	if rec.Size == 0 && rec.Path != "" {
		if info, err := files.Stat(rec.Path); err == nil {
			rec.Size = info.Size
		}
	}
}

// mergeInto overwrites existing's descriptive and binding fields with the
// incoming record's non-empty values, preserving identity and history.
func mergeInto(existing, incoming *models.Record) *models.Record {
	out := existing.Clone()
	if incoming.Title != "" {
		out.Title = incoming.Title
	}
	if incoming.Author != "" {
		out.Author = incoming.Author
	}
	if incoming.Year != "" {
		out.Year = incoming.Year
	}
	if incoming.Publisher != "" {
		out.Publisher = incoming.Publisher
	}
	if incoming.Tier != "" {
		out.Tier = incoming.Tier
	}
	if incoming.Path != "" {
		out.Path = incoming.Path
		out.FileName = incoming.FileName
		out.FileType = incoming.FileType
		out.Size = incoming.Size
	}
	if incoming.Citation != "" {
		out.Citation = incoming.Citation
	}
	if len(incoming.Tags) > 0 {
		seen := make(map[string]struct{}, len(out.Tags))
		for _, t := range out.Tags {
			seen[t] = struct{}{}
		}
		for _, t := range incoming.Tags {
			if _, ok := seen[t]; !ok {
				out.Tags = append(out.Tags, t)
			}
		}
	}
	for k, v := range incoming.Metadata {
		if out.Metadata == nil {
			out.Metadata = make(map[string]any)
		}
		out.Metadata[k] = v
	}
	return out
}
