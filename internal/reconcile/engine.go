// Package reconcile reacts to external rename/move/delete events on primary
// files and companion documents, keeping record path state coherent.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/starford/refhub/internal/apperr"
	"github.com/starford/refhub/internal/companion"
	"github.com/starford/refhub/internal/models"
	"github.com/starford/refhub/internal/recordstore"
	"github.com/starford/refhub/internal/resolver"
	"github.com/starford/refhub/internal/storage"
)

// EventSink receives record lifecycle events for the UI feed.
type EventSink interface {
	PublishRecordEvent(kind, id string)
}

// Reassignment is a record whose companion moved but whose primary file could
// not be found at the derived location. An external actor resolves it by
// supplying a verified path.
type Reassignment struct {
	RecordID      string    `json:"record_id"`
	PrimaryPath   string    `json:"primary_path"`   // unchanged current primary
	CompanionPath string    `json:"companion_path"` // where the companion moved to
	Candidate     string    `json:"candidate"`      // derived path that did not resolve
	At            time.Time `json:"at"`
}

// Engine is the path-reconciliation state machine.
type Engine struct {
	store    *recordstore.Store
	comp     *companion.Manager
	files    storage.Provider
	res      *resolver.Resolver
	notifier recordstore.Notifier
	events   EventSink
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]Reassignment

	resyncGuard    opGuard
	recomputeGuard opGuard

	batchSize  int
	batchDelay time.Duration
}

// New creates an Engine. cooldown is the minimum interval between bulk
// operations of the same kind; notifier and events may be nil.
func New(store *recordstore.Store, comp *companion.Manager, files storage.Provider, res *resolver.Resolver, notifier recordstore.Notifier, events EventSink, logger *slog.Logger, cooldown time.Duration) *Engine {
	e := &Engine{
		store:      store,
		comp:       comp,
		files:      files,
		res:        res,
		notifier:   notifier,
		events:     events,
		logger:     logger,
		pending:    make(map[string]Reassignment),
		batchSize:  resolver.DefaultBatchSize,
		batchDelay: resolver.DefaultBatchDelay,
	}
	e.resyncGuard.cooldown = cooldown
	e.recomputeGuard.cooldown = cooldown
	return e
}

// SetBatching overrides the chunk size and inter-batch yield for bulk passes.
func (e *Engine) SetBatching(size int, delay time.Duration) {
	if size > 0 {
		e.batchSize = size
	}
	if delay >= 0 {
		e.batchDelay = delay
	}
}

// FileRenamed handles an external rename old → new. A path may bind records
// as a primary file, as a companion document, or not at all; all affected
// records are updated and the store is persisted once.
func (e *Engine) FileRenamed(oldPath, newPath string, isDoc bool) {
	touched := 0

	// Primary renamed: rebind path/name/type, refresh size best-effort.
	for _, rec := range e.store.FindByPath(oldPath) {
		e.rebindPrimary(rec, newPath)
		if _, err := e.store.Update(rec, recordstore.Options{SkipPersist: true}); err == nil {
			touched++
			e.publish("record.updated", rec.ID)
		}
	}

	// Companion renamed: follow it, and try to carry the primary along when
	// the two were co-located.
	for _, rec := range e.store.FindByCompanionPath(oldPath) {
		rec.CompanionPath = newPath
		rec.HasCompanion = true
		rec.Lost = false

		candidate := path.Join(path.Dir(newPath), path.Base(rec.Path))
		switch {
		case path.Dir(rec.Path) != path.Dir(oldPath):
			// Primary lived elsewhere; nothing to derive.
		case e.files.Exists(candidate):
			e.rebindPrimary(rec, candidate)
			e.clearPending(rec.ID)
		default:
			e.addPending(Reassignment{
				RecordID:      rec.ID,
				PrimaryPath:   rec.Path,
				CompanionPath: newPath,
				Candidate:     candidate,
				At:            time.Now(),
			})
		}

		if _, err := e.store.Update(rec, recordstore.Options{SkipPersist: true}); err == nil {
			touched++
			e.publish("record.updated", rec.ID)
		}
	}

	if touched > 0 {
		e.store.Flush()
		e.logger.Debug("reconcile: rename applied",
			slog.String("old", oldPath), slog.String("new", newPath), slog.Int("records", touched))
	}
}

// FileDeleted handles an external delete. Deleting a primary file changes no
// record fields (the record merely fails existence checks); deleting a
// companion marks it lost.
func (e *Engine) FileDeleted(p string, isDoc bool) {
	if !isDoc {
		return
	}
	touched := 0
	for _, rec := range e.store.FindByCompanionPath(p) {
		if !rec.HasCompanion {
			continue
		}
		markCompanionLost(rec)
		if _, err := e.store.Update(rec, recordstore.Options{SkipPersist: true}); err == nil {
			touched++
			e.publish("companion.lost", rec.ID)
			if e.notifier != nil {
				e.notifier.Notify(fmt.Sprintf("companion document lost: %s (record %s)", p, rec.Title))
			}
		}
	}
	if touched > 0 {
		e.store.Flush()
	}
}

// FileCreated and FileModified complete the change-notification surface; the
// index handles document content, and companion edits are picked up by the
// explicit sync operations rather than on every write (our own generator
// writes would otherwise re-trigger a sync).
func (e *Engine) FileCreated(p string, isDoc bool)  {}
func (e *Engine) FileModified(p string, isDoc bool) {}

// ValidateCompanionState checks and repairs one record's companion state as a
// single atomic step: a companion that no longer resolves is marked lost; a
// missing companion that policy wants is generated. Returns the updated
// record.
func (e *Engine) ValidateCompanionState(id string) (*models.Record, error) {
	rec, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	next, changed := e.validate(rec)
	if !changed {
		return rec, nil
	}
	return e.store.Update(next, recordstore.Options{})
}

// validate applies the verification transition without touching the store.
func (e *Engine) validate(rec *models.Record) (*models.Record, bool) {
	if rec.HasCompanion {
		if e.comp.VerifyExists(rec) {
			return rec, false
		}
		markCompanionLost(rec)
		e.publish("companion.lost", rec.ID)
		return rec, true
	}
	if !e.comp.ShouldGenerate(rec) {
		return rec, false
	}
	next, err := e.comp.Generate(rec, false)
	if err != nil {
		e.logger.Warn("reconcile: generate failed",
			slog.String("id", rec.ID), slog.String("error", err.Error()))
		return rec, false
	}
	return next, true
}

// ResyncAll runs the verification pass over every record in chunks,
// regenerating headers of existing companions along the way. Guarded against
// reentry and rapid re-runs.
func (e *Engine) ResyncAll(ctx context.Context) error {
	if err := e.resyncGuard.enter(); err != nil {
		return err
	}
	defer e.resyncGuard.exit()

	records := e.store.All()
	for i := 0; i < len(records); i += e.batchSize {
		end := i + e.batchSize
		if end > len(records) {
			end = len(records)
		}
		for _, rec := range records[i:end] {
			next := rec
			changed := false
			if rec.HasCompanion && e.comp.VerifyExists(rec) {
				regenerated, err := e.comp.Regenerate(rec)
				if err != nil {
					e.logger.Warn("reconcile: regenerate failed",
						slog.String("id", rec.ID), slog.String("error", err.Error()))
				} else {
					next, changed = regenerated, true
				}
			} else {
				next, changed = e.validate(rec)
			}
			if changed {
				if _, err := e.store.Update(next, recordstore.Options{SkipPersist: true}); err != nil {
					e.logger.Warn("reconcile: update failed",
						slog.String("id", rec.ID), slog.String("error", err.Error()))
				}
			}
		}
		if end < len(records) && e.batchDelay > 0 {
			select {
			case <-ctx.Done():
				e.store.Flush()
				return ctx.Err()
			case <-time.After(e.batchDelay):
			}
		}
	}
	e.store.Flush()
	return nil
}

// RecomputeAll rebuilds every record's reference list from the whole document
// corpus. Guarded against reentry and rapid re-runs.
func (e *Engine) RecomputeAll(ctx context.Context) error {
	if err := e.recomputeGuard.enter(); err != nil {
		return err
	}
	defer e.recomputeGuard.exit()
	return e.res.RecomputeAll(ctx, e.store)
}

// PendingReassignments lists records waiting for an external actor to supply
// a primary path, ordered by record ID.
func (e *Engine) PendingReassignments() []Reassignment {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Reassignment, 0, len(e.pending))
	for _, r := range e.pending {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordID < out[j].RecordID })
	return out
}

// ResolveReassignment accepts a chosen primary path for a pending record.
// The path must resolve to a real file.
func (e *Engine) ResolveReassignment(id, chosen string) (*models.Record, error) {
	if !e.files.Exists(chosen) {
		return nil, fmt.Errorf("reconcile: %s does not resolve to a file: %w", chosen, apperr.ErrNotFound)
	}
	rec, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	e.rebindPrimary(rec, chosen)
	updated, err := e.store.Update(rec, recordstore.Options{})
	if err != nil {
		return nil, err
	}
	e.clearPending(id)
	e.publish("record.updated", id)
	return updated, nil
}

// CandidatePaths suggests primary paths for a pending reassignment using a
// name-similarity search over the content tree.
func (e *Engine) CandidatePaths(id string, limit int) ([]string, error) {
	rec, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	files, err := e.files.ListFiles("")
	if err != nil {
		return nil, err
	}

	wantBase := strings.ToLower(path.Base(rec.Path))
	wantStem := strings.ToLower(rec.Stem())

	type scored struct {
		path  string
		score int
	}
	var hits []scored
	for _, f := range files {
		base := strings.ToLower(path.Base(f.Path))
		stem := strings.TrimSuffix(base, path.Ext(base))
		var score int
		switch {
		case base == wantBase:
			score = 100
		case stem == wantStem:
			score = 80
		case wantStem != "" && strings.Contains(stem, wantStem):
			score = 50
		case wantStem != "" && strings.Contains(wantStem, stem) && len(stem) > 3:
			score = 30
		default:
			continue
		}
		hits = append(hits, scored{path: f.Path, score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].path < hits[j].path
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.path
	}
	return out, nil
}

func (e *Engine) rebindPrimary(rec *models.Record, newPath string) {
	rec.Path = newPath
	rec.FileName = path.Base(newPath)
	rec.FileType = strings.TrimPrefix(path.Ext(newPath), ".")
	if info, err := e.files.Stat(newPath); err == nil {
		rec.Size = info.Size
	}
}

func (e *Engine) addPending(r Reassignment) {
	e.mu.Lock()
	e.pending[r.RecordID] = r
	e.mu.Unlock()
	e.publish("reassignment.needed", r.RecordID)
	if e.notifier != nil {
		e.notifier.Notify(fmt.Sprintf("primary file for %q not found at %s; reassignment needed", r.RecordID, r.Candidate))
	}
}

func (e *Engine) clearPending(id string) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

func (e *Engine) publish(kind, id string) {
	if e.events != nil {
		e.events.PublishRecordEvent(kind, id)
	}
}

// markCompanionLost applies the companion-deleted transition in place.
func markCompanionLost(rec *models.Record) {
	rec.HasCompanion = false
	rec.CompanionPath = ""
	rec.LastSyncedAt = nil
	rec.Lost = true
}
