// Package storage defines the vault file-system abstraction.
package storage

import "time"

// FileInfo is lightweight metadata for a vault file.
type FileInfo struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// DocMetadata is returned by ListDocs for every Markdown document.
type DocMetadata struct {
	Path      string    `json:"path"`
	Checksum  string    `json:"checksum"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Provider is the interface for vault file operations. All paths are
// relative to the vault root.
type Provider interface {
	// ListDocs returns metadata for every .md file under dir.
	ListDocs(dir string) ([]DocMetadata, error)
	// ListFiles returns metadata for every file under dir, any type.
	ListFiles(dir string) ([]FileInfo, error)
	// Read returns the raw bytes of the file at path.
	Read(path string) ([]byte, error)
	// Write atomically writes content to path, creating parent directories.
	Write(path string, content []byte) error
	// Delete removes the file at path.
	Delete(path string) error
	// Move renames oldPath to newPath.
	Move(oldPath, newPath string) error
	// Exists reports whether path resolves to a regular file.
	Exists(path string) bool
	// Stat returns metadata for a single file.
	Stat(path string) (FileInfo, error)
}
