// Package companion generates, regenerates, and parses the per-record
// companion document: a Markdown file with a machine-owned header block and a
// user-owned notes region.
package companion

import (
	"fmt"
	"strings"
	"time"

	"github.com/starford/refhub/internal/models"
	"github.com/starford/refhub/internal/storage"
)

// Config is the companion-document policy.
type Config struct {
	Enabled    bool     `yaml:"enabled"`
	Template   string   `yaml:"template"`
	AllowTypes []string `yaml:"allow_types"` // empty means all types allowed
	DenyTypes  []string `yaml:"deny_types"`
}

// Manager owns companion-document I/O. It never mutates records: every
// operation returns a next-state copy for the store to apply.
type Manager struct {
	files storage.Provider
	cfg   Config
}

// NewManager creates a Manager writing through the given content store.
func NewManager(files storage.Provider, cfg Config) *Manager {
	return &Manager{files: files, cfg: cfg}
}

// ShouldGenerate applies the allow/deny-by-file-type policy and the global
// enable flag.
func (m *Manager) ShouldGenerate(rec *models.Record) bool {
	if !m.cfg.Enabled {
		return false
	}
	ft := strings.ToLower(rec.FileType)
	for _, d := range m.cfg.DenyTypes {
		if strings.ToLower(d) == ft {
			return false
		}
	}
	if len(m.cfg.AllowTypes) == 0 {
		return true
	}
	for _, a := range m.cfg.AllowTypes {
		if strings.ToLower(a) == ft {
			return true
		}
	}
	return false
}

// Path returns the companion path for rec: the recorded one when present,
// otherwise the template-derived one.
func (m *Manager) Path(rec *models.Record) string {
	if rec.CompanionPath != "" {
		return rec.CompanionPath
	}
	return ResolvePath(rec, m.cfg.Template)
}

// Generate writes the companion document for rec. When forced is false the
// policy applies and a denied record is returned unchanged. Any body found at
// the target path is preserved. Returns the next-state record.
func (m *Manager) Generate(rec *models.Record, forced bool) (*models.Record, error) {
	if !forced && !m.ShouldGenerate(rec) {
		return rec.Clone(), nil
	}
	return m.write(rec, m.Path(rec))
}

// Regenerate re-emits the header at the recorded companion path, re-inserting
// the existing user body exactly as found.
func (m *Manager) Regenerate(rec *models.Record) (*models.Record, error) {
	return m.write(rec, m.Path(rec))
}

func (m *Manager) write(rec *models.Record, path string) (*models.Record, error) {
	// Preserve the user body from the current file, if any.
	body := ""
	if data, err := m.files.Read(path); err == nil {
		if b, ok := ExtractBody(string(data)); ok {
			body = b
		}
	}

	if err := m.files.Write(path, []byte(Render(rec, body))); err != nil {
		return nil, fmt.Errorf("companion: write %s: %w", path, err)
	}

	next := rec.Clone()
	next.HasCompanion = true
	next.CompanionPath = path
	next.Lost = false
	now := time.Now()
	next.LastSyncedAt = &now
	if body != "" {
		next.UserNotes = body
	}
	return next, nil
}

// ParseIntoRecord reads the header of documentText and returns a next-state
// record with descriptive fields, tags, and references overwritten from the
// header (the companion header is the source of truth for these). Unknown or
// malformed lines are skipped; a missing header leaves only the body cache
// updated.
func (m *Manager) ParseIntoRecord(rec *models.Record, documentText string) *models.Record {
	next := rec.Clone()

	h := parseHeader(documentText)
	if len(h.fields) > 0 || len(h.tags) > 0 || len(h.references) > 0 || h.citation != "" {
		next.Title = h.fields["title"]
		next.Author = h.fields["author"]
		next.Year = h.fields["year"]
		next.IdentityKey = h.fields["identity_key"]
		next.Publisher = h.fields["publisher"]
		next.Tier = h.fields["tier"]
		next.Tags = h.tags
		next.References = h.references
		next.ReferenceCount = len(h.references)
		next.Citation = h.citation
	}

	if body, ok := ExtractBody(documentText); ok {
		next.UserNotes = body
	}
	now := time.Now()
	next.LastSyncedAt = &now
	return next
}

// Delete removes the companion document, if any, and returns the next-state
// record with companion state cleared. A record that never had a companion is
// returned unchanged.
func (m *Manager) Delete(rec *models.Record) (*models.Record, error) {
	next := rec.Clone()
	if rec.CompanionPath == "" {
		return next, nil
	}
	if m.files.Exists(rec.CompanionPath) {
		if err := m.files.Delete(rec.CompanionPath); err != nil {
			return nil, fmt.Errorf("companion: delete %s: %w", rec.CompanionPath, err)
		}
	}
	next.HasCompanion = false
	next.CompanionPath = ""
	next.LastSyncedAt = nil
	next.Lost = false
	return next, nil
}

// VerifyExists reports whether the recorded companion path currently resolves
// to a real document. It never mutates state; the reconciliation engine
// decides what to do with the result.
func (m *Manager) VerifyExists(rec *models.Record) bool {
	return rec.CompanionPath != "" && m.files.Exists(rec.CompanionPath)
}
