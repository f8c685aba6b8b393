package index

import "github.com/starford/refhub/internal/parser"

// DocIndex defines the interface for document indexing operations.
// Consumers should depend on this interface rather than the concrete *DB type
// to facilitate testing with mocks.
type DocIndex interface {
	UpsertDocument(d DocRow, body string, links []parser.LinkRef) error
	DeleteDocument(path string) error
	GetChecksum(path string) (string, error)
	AllChecksums() (map[string]string, error)
	EnumerateDocuments() ([]string, error)
	LinksFor(source string) ([]LinkRow, error)
	Backlinks(target string) ([]string, error)
	Search(query string, limit int) ([]SearchResult, error)
	Close() error
}

// Verify *DB satisfies DocIndex at compile time.
var _ DocIndex = (*DB)(nil)
