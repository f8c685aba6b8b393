package index

import (
	"fmt"
	"time"

	"github.com/starford/refhub/internal/parser"
)

// DocRow represents a row in the documents table.
type DocRow struct {
	Path      string
	Title     string
	Checksum  string
	UpdatedAt time.Time
}

// LinkRow is one wikilink/embed edge discovered in a document.
type LinkRow struct {
	Source string
	Target string
	Line   int
	Embed  bool
}

// SearchResult represents one search hit.
type SearchResult struct {
	Path    string
	Title   string
	Snippet string
}

// UpsertDocument inserts or replaces a document, its FTS entry, and links
// within a transaction.
func (db *DB) UpsertDocument(d DocRow, body string, links []parser.LinkRef) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	_, err = tx.Exec(`
		INSERT INTO documents (path, title, checksum, body, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			title      = excluded.title,
			checksum   = excluded.checksum,
			body       = excluded.body,
			updated_at = excluded.updated_at
	`, d.Path, d.Title, d.Checksum, body, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("index: upsert document: %w", err)
	}

	// FTS upsert (no-op when FTS5 tag is absent).
	if err := ftsUpsert(tx, d.Path, d.Title, body); err != nil {
		return err
	}

	// Replace links: delete old then bulk insert.
	_, _ = tx.Exec(`DELETE FROM links WHERE source = ?`, d.Path)
	if len(links) > 0 {
		stmt, err := tx.Prepare(`INSERT OR IGNORE INTO links (source, target, line, embed) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("index: prepare link insert: %w", err)
		}
		defer stmt.Close()
		for _, l := range links {
			embed := 0
			if l.Embed {
				embed = 1
			}
			if _, err := stmt.Exec(d.Path, l.Target, l.Line, embed); err != nil {
				return fmt.Errorf("index: insert link: %w", err)
			}
		}
	}

	return tx.Commit()
}

// DeleteDocument removes a document, its FTS entry, and outgoing links.
func (db *DB) DeleteDocument(path string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	ftsDelete(tx, path)
	_, _ = tx.Exec(`DELETE FROM links WHERE source = ?`, path)
	_, _ = tx.Exec(`DELETE FROM documents WHERE path = ?`, path)

	return tx.Commit()
}

// GetChecksum returns the stored checksum for a document, or empty string if
// not found.
func (db *DB) GetChecksum(path string) (string, error) {
	var cs string
	err := db.conn.QueryRow(`SELECT checksum FROM documents WHERE path = ?`, path).Scan(&cs)
	if err != nil {
		return "", nil // not found is fine
	}
	return cs, nil
}

// AllChecksums returns path → checksum for every indexed document.
func (db *DB) AllChecksums() (map[string]string, error) {
	rows, err := db.conn.Query(`SELECT path, checksum FROM documents`)
	if err != nil {
		return nil, fmt.Errorf("index: all checksums: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var p, cs string
		if err := rows.Scan(&p, &cs); err != nil {
			return nil, err
		}
		out[p] = cs
	}
	return out, rows.Err()
}

// EnumerateDocuments returns every indexed document path in stable
// (lexicographic) order. Reference recomputation iterates this order so
// repeated passes over an unchanged corpus yield identical results.
func (db *DB) EnumerateDocuments() ([]string, error) {
	rows, err := db.conn.Query(`SELECT path FROM documents ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("index: enumerate: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LinksFor returns the outgoing wikilink/embed edges of a document, ordered
// by line.
func (db *DB) LinksFor(source string) ([]LinkRow, error) {
	rows, err := db.conn.Query(`SELECT source, target, line, embed FROM links WHERE source = ? ORDER BY line`, source)
	if err != nil {
		return nil, fmt.Errorf("index: links for: %w", err)
	}
	defer rows.Close()

	var out []LinkRow
	for rows.Next() {
		var l LinkRow
		var embed int
		if err := rows.Scan(&l.Source, &l.Target, &l.Line, &embed); err != nil {
			return nil, err
		}
		l.Embed = embed != 0
		out = append(out, l)
	}
	return out, rows.Err()
}

// Backlinks returns all document paths that link to the given target.
func (db *DB) Backlinks(target string) ([]string, error) {
	rows, err := db.conn.Query(`SELECT DISTINCT source FROM links WHERE target = ? ORDER BY source`, target)
	if err != nil {
		return nil, fmt.Errorf("index: backlinks: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
