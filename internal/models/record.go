// Package models defines the domain types for refhub.
package models

import (
	"strings"
	"time"
)

// Reference strategies, in escalation order. The resolver tries them in this
// order and stops at the first strategy that produces a match for a given
// record/document pair.
const (
	StrategyLink        = "link"
	StrategyIdentityKey = "identityKey"
	StrategyFilename    = "filename"
	StrategyTitle       = "title"
	StrategyAuthor      = "author"
)

// Record is one tracked attachment with its descriptive fields, primary file
// binding, and derived companion/reference state.
type Record struct {
	ID          string `json:"id"`
	IdentityKey string `json:"identity_key,omitempty"` // e.g. a DOI; soft-unique

	Title     string `json:"title"`
	Author    string `json:"author,omitempty"`
	Year      string `json:"year,omitempty"`
	Publisher string `json:"publisher,omitempty"`
	Tier      string `json:"tier,omitempty"`

	// Primary file binding, all paths relative to the vault root.
	Path     string `json:"path"`
	FileName string `json:"file_name"`
	FileType string `json:"file_type"`
	Size     int64  `json:"size,omitempty"`

	Tags []string `json:"tags,omitempty"`

	// Companion document state. Lost distinguishes "companion disappeared"
	// from "never had one".
	HasCompanion  bool       `json:"has_companion"`
	CompanionPath string     `json:"companion_path,omitempty"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
	Lost          bool       `json:"lost,omitempty"`
	UserNotes     string     `json:"user_notes,omitempty"` // cached body text, not authoritative

	// Reference state, always recomputed in full by the resolver.
	ReferenceCount int              `json:"reference_count"`
	References     []ReferenceEntry `json:"references,omitempty"`

	Citation string         `json:"citation,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReferenceEntry is one detected mention of a record in a vault document.
type ReferenceEntry struct {
	SourcePath string `json:"source_path"`
	SourceName string `json:"source_name"`
	Line       int    `json:"line,omitempty"` // 1-based; 0 when unknown
	Context    string `json:"context,omitempty"`
	Strategy   string `json:"strategy"`
}

// Clone returns a deep copy of the record. The store hands out clones so
// callers cannot mutate its state except through Update.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Tags != nil {
		c.Tags = append([]string(nil), r.Tags...)
	}
	if r.References != nil {
		c.References = append([]ReferenceEntry(nil), r.References...)
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	if r.LastSyncedAt != nil {
		ts := *r.LastSyncedAt
		c.LastSyncedAt = &ts
	}
	return &c
}

// Stem returns the primary file name without its extension.
func (r *Record) Stem() string {
	name := r.FileName
	if i := strings.LastIndex(name, "."); i > 0 {
		return name[:i]
	}
	return name
}

// HasIdentityKey reports whether the record carries a non-blank identity key.
// Blank keys never participate in duplicate detection.
func (r *Record) HasIdentityKey() bool {
	return strings.TrimSpace(r.IdentityKey) != ""
}
