// Package resolver determines which records a vault document mentions.
//
// Strategies are tried in a fixed order and the first one that yields at
// least one match for a record/document pair suppresses all later ones
// (exclusive escalation, kept for compatibility with the companion header's
// reference lists).
package resolver

import (
	"context"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/starford/refhub/internal/index"
	"github.com/starford/refhub/internal/models"
	"github.com/starford/refhub/internal/parser"
	"github.com/starford/refhub/internal/recordstore"
	"github.com/starford/refhub/internal/storage"
)

// Batch tuning for full recomputes. The inter-batch yield keeps the watcher
// and index responsive during large scans; neither value affects results.
const (
	DefaultBatchSize  = 25
	DefaultBatchDelay = 50 * time.Millisecond
)

const (
	contextRadius = 80 // character radius for text-scan context snippets
	contextLines  = 2  // line radius for structural-link context
)

var squeezeWS = regexp.MustCompile(`\s+`)

// stopWords are dropped from title-keyword scans along with words of length
// three or less.
var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {}, "that": {},
	"this": {}, "are": {}, "was": {}, "were": {}, "have": {}, "been": {},
	"into": {}, "over": {}, "under": {}, "about": {}, "their": {},
}

// Document is one candidate text document prepared for scanning.
type Document struct {
	Path  string
	Name  string // display name: base name without extension
	body  string
	lines []string
	start []int // byte offset of each line within body
	links []index.LinkRow
}

// NewDocument builds a Document from the parsed body text and the document's
// structural links. Line numbers in links are body-relative, as is the scan.
func NewDocument(docPath, body string, links []index.LinkRow) *Document {
	d := &Document{
		Path:  docPath,
		Name:  strings.TrimSuffix(path.Base(docPath), path.Ext(docPath)),
		body:  body,
		lines: strings.Split(body, "\n"),
		links: links,
	}
	d.start = make([]int, len(d.lines))
	off := 0
	for i, line := range d.lines {
		d.start[i] = off
		off += len(line) + 1
	}
	return d
}

// lineAt maps a byte offset in the body to a 1-based line number.
func (d *Document) lineAt(off int) int {
	i := sort.Search(len(d.start), func(i int) bool { return d.start[i] > off })
	return i
}

// Resolver scans vault documents for mentions of records.
type Resolver struct {
	db         *index.DB
	files      storage.Provider
	logger     *slog.Logger
	batchSize  int
	batchDelay time.Duration
}

// New creates a Resolver with default batch tuning.
func New(db *index.DB, files storage.Provider, logger *slog.Logger) *Resolver {
	return &Resolver{
		db:         db,
		files:      files,
		logger:     logger,
		batchSize:  DefaultBatchSize,
		batchDelay: DefaultBatchDelay,
	}
}

// SetBatching overrides the chunk size and inter-batch yield.
func (r *Resolver) SetBatching(size int, delay time.Duration) {
	if size > 0 {
		r.batchSize = size
	}
	if delay >= 0 {
		r.batchDelay = delay
	}
}

// LoadDocument reads and prepares one document for scanning.
func (r *Resolver) LoadDocument(docPath string) (*Document, error) {
	data, err := r.files.Read(docPath)
	if err != nil {
		return nil, err
	}
	res, err := parser.Parse(data)
	if err != nil {
		return nil, err
	}
	links, err := r.db.LinksFor(docPath)
	if err != nil {
		return nil, err
	}
	return NewDocument(docPath, res.Body, links), nil
}

// ResolveForDocument returns the reference entries doc contributes for rec.
// Matches on the same line collapse to one entry; entries are ordered by
// line number.
func (r *Resolver) ResolveForDocument(rec *models.Record, doc *Document) []models.ReferenceEntry {
	type strategy struct {
		tag  string
		scan func() []match
	}
	strategies := []strategy{
		{models.StrategyLink, func() []match { return doc.scanLinks(rec) }},
		{models.StrategyIdentityKey, func() []match { return doc.scanIdentityKey(rec) }},
		{models.StrategyFilename, func() []match { return doc.scanFilename(rec) }},
		{models.StrategyTitle, func() []match { return doc.scanTitleKeywords(rec) }},
		{models.StrategyAuthor, func() []match { return doc.scanAuthor(rec) }},
	}

	for _, st := range strategies {
		matches := st.scan()
		if len(matches) == 0 {
			continue
		}
		return doc.entries(matches, st.tag)
	}
	return nil
}

// RecomputeAll zeroes every record's reference fields, rescans the whole
// document corpus in chunks, and persists the store once at the end. Results
// are deterministic: documents in enumeration order, entries by line number.
// A failing document is logged and skipped, never aborting the pass.
func (r *Resolver) RecomputeAll(ctx context.Context, store *recordstore.Store) error {
	records := store.All()
	for _, rec := range records {
		rec.References = nil
		rec.ReferenceCount = 0
	}

	paths, err := r.db.EnumerateDocuments()
	if err != nil {
		return err
	}

	for i := 0; i < len(paths); i += r.batchSize {
		end := i + r.batchSize
		if end > len(paths) {
			end = len(paths)
		}
		for _, p := range paths[i:end] {
			doc, err := r.LoadDocument(p)
			if err != nil {
				r.logger.Warn("resolver: skipping document",
					slog.String("path", p), slog.String("error", err.Error()))
				continue
			}
			for _, rec := range records {
				// A companion never references its own record.
				if doc.Path == rec.CompanionPath {
					continue
				}
				if entries := r.ResolveForDocument(rec, doc); len(entries) > 0 {
					rec.References = append(rec.References, entries...)
				}
			}
		}
		if end < len(paths) && r.batchDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.batchDelay):
			}
		}
	}

	for _, rec := range records {
		rec.ReferenceCount = len(rec.References)
		if _, err := store.Update(rec, recordstore.Options{SkipPersist: true}); err != nil {
			r.logger.Warn("resolver: update failed",
				slog.String("id", rec.ID), slog.String("error", err.Error()))
		}
	}
	store.Flush()
	return nil
}

// ResolveRecord rescans the whole corpus for a single record and returns its
// full reference list.
func (r *Resolver) ResolveRecord(ctx context.Context, rec *models.Record) ([]models.ReferenceEntry, error) {
	paths, err := r.db.EnumerateDocuments()
	if err != nil {
		return nil, err
	}
	var out []models.ReferenceEntry
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p == rec.CompanionPath {
			continue
		}
		doc, err := r.LoadDocument(p)
		if err != nil {
			r.logger.Warn("resolver: skipping document",
				slog.String("path", p), slog.String("error", err.Error()))
			continue
		}
		out = append(out, r.ResolveForDocument(rec, doc)...)
	}
	return out, nil
}
