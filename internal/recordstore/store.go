// Package recordstore holds the in-memory record map and its persistence.
//
// The store is the single owner of record state: every component computes a
// next-state value and hands it to Update rather than mutating shared
// objects, so persistence and invariant checks stay in one place.
package recordstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starford/refhub/internal/apperr"
	"github.com/starford/refhub/internal/models"
	"github.com/starford/refhub/internal/storage"
)

// Notifier is a fire-and-forget user-notification sink. It is never required
// for correctness, only observability.
type Notifier interface {
	Notify(msg string)
}

// Options control persistence behaviour for a single mutation.
type Options struct {
	// SkipPersist defers the disk write; the caller owns the batch and must
	// call Flush exactly once.
	SkipPersist bool
}

type blob struct {
	Version int              `json:"version"`
	SavedAt time.Time        `json:"saved_at"`
	Records []*models.Record `json:"records"`
}

// Store maps record IDs to records, with secondary lookup by identity key and
// by primary path. Persistence is a single JSON blob written through the
// content store.
type Store struct {
	mu       sync.RWMutex
	files    storage.Provider
	path     string // vault-relative blob path
	legacy   string // one-time migration source, may be empty
	notifier Notifier
	logger   *slog.Logger

	recs map[string]*models.Record
}

// New creates a store persisting to path. legacy, if non-empty, is consulted
// once on Load when path does not exist yet.
func New(files storage.Provider, path, legacy string, notifier Notifier, logger *slog.Logger) *Store {
	return &Store{
		files:    files,
		path:     path,
		legacy:   legacy,
		notifier: notifier,
		logger:   logger,
		recs:     make(map[string]*models.Record),
	}
}

// Load reads the persisted blob. When the primary path is missing it attempts
// a one-time migration from the legacy location before settling on empty
// state. Load never fails the session: a corrupt blob is reported and the
// store starts empty.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.files.Read(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.report(fmt.Sprintf("record store: load failed: %v", err))
			return nil
		}
		if s.legacy == "" {
			return nil
		}
		data, err = s.files.Read(s.legacy)
		if err != nil {
			return nil // never persisted before
		}
		s.logger.Info("record store: migrating from legacy location",
			slog.String("from", s.legacy), slog.String("to", s.path))
	}

	var b blob
	if err := json.Unmarshal(data, &b); err != nil {
		s.report(fmt.Sprintf("record store: corrupt state file, starting empty: %v", err))
		return nil
	}
	for _, r := range b.Records {
		if r.ID == "" {
			continue
		}
		normalize(r)
		s.recs[r.ID] = r
	}
	// Settle migrated state at the new location.
	if _, err := s.files.Read(s.path); errors.Is(err, os.ErrNotExist) {
		s.persistLocked()
	}
	return nil
}

// Get returns a clone of the record with the given id.
func (s *Store) Get(id string) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recs[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return r.Clone(), nil
}

// Add inserts a new record. An empty ID is assigned; an existing ID is a
// conflict (IDs are immutable and unique). Duplicate identity keys are NOT
// rejected here; callers detect them via FindByIdentityKey and decide.
func (s *Store) Add(rec *models.Record, opts Options) (*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if _, ok := s.recs[rec.ID]; ok {
		return nil, apperr.ErrAlreadyExists
	}

	now := time.Now()
	stored := rec.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	normalize(stored)
	s.recs[stored.ID] = stored

	if !opts.SkipPersist {
		s.persistLocked()
	}
	return stored.Clone(), nil
}

// Update replaces the stored record with rec, keyed by rec.ID. The ID itself
// is immutable; CreatedAt is preserved from the stored copy.
func (s *Store) Update(rec *models.Record, opts Options) (*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.recs[rec.ID]
	if !ok {
		return nil, apperr.ErrNotFound
	}

	stored := rec.Clone()
	stored.CreatedAt = old.CreatedAt
	stored.UpdatedAt = time.Now()
	normalize(stored)
	s.recs[stored.ID] = stored

	if !opts.SkipPersist {
		s.persistLocked()
	}
	return stored.Clone(), nil
}

// Delete removes the record and returns its last state, so the caller can
// clean up the companion document.
func (s *Store) Delete(id string) (*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.recs[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	delete(s.recs, id)
	s.persistLocked()
	return r, nil
}

// AddBatch inserts records deferring persistence to a single flush at the
// end. Records that collide on ID are skipped. Returns the number added.
func (s *Store) AddBatch(recs []*models.Record) (int, error) {
	added := 0
	for _, r := range recs {
		if _, err := s.Add(r, Options{SkipPersist: true}); err == nil {
			added++
		}
	}
	s.Flush()
	return added, nil
}

// FindByIdentityKey returns the first record whose identity key matches,
// case-insensitively. Blank or whitespace-only keys never match anything.
func (s *Store) FindByIdentityKey(key string) *models.Record {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	lower := strings.ToLower(key)
	for _, r := range s.recs {
		if r.HasIdentityKey() && strings.ToLower(strings.TrimSpace(r.IdentityKey)) == lower {
			return r.Clone()
		}
	}
	return nil
}

// FindByPath returns the records whose primary path equals path.
func (s *Store) FindByPath(path string) []*models.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Record
	for _, r := range s.recs {
		if r.Path == path {
			out = append(out, r.Clone())
		}
	}
	return out
}

// FindByCompanionPath returns the records whose companion path equals path.
func (s *Store) FindByCompanionPath(path string) []*models.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Record
	for _, r := range s.recs {
		if r.CompanionPath == path {
			out = append(out, r.Clone())
		}
	}
	return out
}

// All returns clones of every record, ordered by primary path then ID for
// stable iteration.
func (s *Store) All() []*models.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Record, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// TagsUnion returns the sorted union of all record tags.
func (s *Store) TagsUnion() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, r := range s.recs {
		for _, t := range r.Tags {
			if t = strings.TrimSpace(t); t != "" {
				seen[t] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Duplicates returns groups of records sharing a non-blank identity key
// (case-insensitive). Each group has at least two members.
func (s *Store) Duplicates() [][]*models.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byKey := make(map[string][]*models.Record)
	for _, r := range s.recs {
		if !r.HasIdentityKey() {
			continue
		}
		k := strings.ToLower(strings.TrimSpace(r.IdentityKey))
		byKey[k] = append(byKey[k], r.Clone())
	}
	var keys []string
	for k, group := range byKey {
		if len(group) > 1 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var out [][]*models.Record
	for _, k := range keys {
		group := byKey[k]
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
		out = append(out, group)
	}
	return out
}

// Count returns the number of records.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recs)
}

// Flush persists the current state. Failures are reported to the notifier
// and logged; the in-memory store stays authoritative for the session.
func (s *Store) Flush() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.persistLocked()
}

func (s *Store) persistLocked() {
	recs := make([]*models.Record, 0, len(s.recs))
	for _, r := range s.recs {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })

	data, err := json.MarshalIndent(blob{Version: 1, SavedAt: time.Now(), Records: recs}, "", "  ")
	if err != nil {
		s.report(fmt.Sprintf("record store: encode failed: %v", err))
		return
	}
	if err := s.files.Write(s.path, data); err != nil {
		s.report(fmt.Sprintf("record store: save failed: %v", err))
	}
}

func (s *Store) report(msg string) {
	s.logger.Error(msg)
	if s.notifier != nil {
		s.notifier.Notify(msg)
	}
}

// normalize enforces the companion-state invariant: a set HasCompanion flag
// requires a companion path, and a lost companion is by definition absent.
func normalize(r *models.Record) {
	if r.CompanionPath == "" {
		r.HasCompanion = false
	}
	if r.Lost {
		r.HasCompanion = false
	}
	if r.HasCompanion {
		r.Lost = false
	}
	r.ReferenceCount = len(r.References)
}
