package index

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/starford/refhub/internal/storage"
)

// EventCallback is called after a watcher-driven index change.
// kind is one of "created", "updated", "deleted".
type EventCallback func(kind string, path string)

// ChangeHandler receives file-change notifications for every file in the
// vault, classified as text document (.md) or not. The reconciliation engine
// registers itself here to track primary files and companion documents.
type ChangeHandler interface {
	FileRenamed(oldPath, newPath string, isDoc bool)
	FileDeleted(path string, isDoc bool)
	FileCreated(path string, isDoc bool)
	FileModified(path string, isDoc bool)
}

// renameWindow is how long a Rename event waits for its matching Create
// before being treated as a deletion.
const renameWindow = 500 * time.Millisecond

type pendingRename struct {
	path  string
	isDoc bool
	at    time.Time
}

// Watch starts an fsnotify watcher on the vault root and processes file
// change events until ctx is cancelled. Markdown files are kept in the index;
// every file change is forwarded to handler (if non-nil). cb (if non-nil) is
// called after each successful index mutation.
//
// fsnotify fires Rename on the OLD path only; the new path arrives as a
// separate Create event. Rename/Create pairs with matching base names inside
// renameWindow are reported as a single FileRenamed notification. Unpaired
// renames degrade to FileDeleted when the flush timer fires.
func Watch(ctx context.Context, db *DB, store storage.Provider, vaultRoot string, logger *slog.Logger, handler ChangeHandler, cb EventCallback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, vaultRoot); err != nil {
		return err
	}

	logger.Info("watcher: started", slog.String("root", vaultRoot))

	// pending holds Rename events waiting for their Create counterpart,
	// keyed by base name. flushTimer drains expired entries and runs a
	// reconciliation sweep over the index.
	pending := make(map[string]pendingRename)
	var flushTimer *time.Timer
	var flushCh <-chan time.Time

	scheduleFlush := func() {
		if flushTimer == nil {
			flushTimer = time.NewTimer(renameWindow)
			flushCh = flushTimer.C
		} else {
			flushTimer.Reset(renameWindow)
		}
	}

	flushPending := func(all bool) {
		now := time.Now()
		for base, p := range pending {
			if !all && now.Sub(p.at) < renameWindow {
				continue
			}
			delete(pending, base)
			if p.isDoc {
				if delErr := db.DeleteDocument(p.path); delErr == nil && cb != nil {
					cb("deleted", p.path)
				}
			}
			if handler != nil {
				handler.FileDeleted(p.path, p.isDoc)
			}
			logger.Debug("watcher: rename expired as delete", slog.String("path", p.path))
		}
	}

	for {
		select {
		case <-ctx.Done():
			if flushTimer != nil {
				flushTimer.Stop()
			}
			flushPending(true)
			logger.Info("watcher: stopped")
			return nil

		case <-flushCh:
			flushPending(false)
			reconcileIndex(db, store, logger, cb)
			if len(pending) > 0 {
				scheduleFlush()
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			absPath := ev.Name

			// New directories: add to watcher and index their contents.
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(absPath); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, absPath); addErr != nil {
						logger.Warn("watcher: add new dir failed",
							slog.String("path", absPath),
							slog.String("error", addErr.Error()))
					}
					indexNewDir(db, store, vaultRoot, absPath, logger, cb)
					continue
				}
			}

			rel, relErr := filepath.Rel(vaultRoot, absPath)
			if relErr != nil {
				continue
			}
			rel = filepath.ToSlash(rel)
			if strings.HasPrefix(filepath.Base(rel), ".") {
				continue // temp/hidden files
			}
			isDoc := strings.HasSuffix(rel, ".md")

			switch {
			case ev.Op&fsnotify.Create != 0:
				if isDoc {
					if data, readErr := store.Read(rel); readErr == nil {
						if idxErr := IndexFile(db, rel, data); idxErr != nil {
							logger.Warn("watcher: index failed", slog.String("path", rel), slog.String("error", idxErr.Error()))
						} else if cb != nil {
							cb("created", rel)
						}
					}
				}
				// Pair with a pending rename on the same base name.
				if p, ok := pending[filepath.Base(rel)]; ok {
					delete(pending, filepath.Base(rel))
					if p.isDoc {
						if delErr := db.DeleteDocument(p.path); delErr == nil && cb != nil {
							cb("deleted", p.path)
						}
					}
					logger.Debug("watcher: rename paired",
						slog.String("old", p.path), slog.String("new", rel))
					if handler != nil {
						handler.FileRenamed(p.path, rel, p.isDoc)
					}
					continue
				}
				if handler != nil {
					handler.FileCreated(rel, isDoc)
				}

			case ev.Op&fsnotify.Write != 0:
				if isDoc {
					if data, readErr := store.Read(rel); readErr == nil {
						if idxErr := IndexFile(db, rel, data); idxErr != nil {
							logger.Warn("watcher: index failed", slog.String("path", rel), slog.String("error", idxErr.Error()))
						} else if cb != nil {
							cb("updated", rel)
						}
					}
				}
				if handler != nil {
					handler.FileModified(rel, isDoc)
				}

			case ev.Op&fsnotify.Remove != 0:
				if isDoc {
					if delErr := db.DeleteDocument(rel); delErr != nil {
						logger.Warn("watcher: delete failed", slog.String("path", rel), slog.String("error", delErr.Error()))
					} else if cb != nil {
						cb("deleted", rel)
					}
				}
				if handler != nil {
					handler.FileDeleted(rel, isDoc)
				}

			case ev.Op&fsnotify.Rename != 0:
				pending[filepath.Base(rel)] = pendingRename{path: rel, isDoc: isDoc, at: time.Now()}
				scheduleFlush()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// reconcileIndex does a lightweight sync using batch lookups: finds index
// entries without a corresponding file on disk and removes them, and finds
// on-disk documents that are not indexed and indexes them.
func reconcileIndex(db *DB, store storage.Provider, logger *slog.Logger, cb EventCallback) {
	checksums, err := db.AllChecksums()
	if err != nil {
		logger.Warn("reconcile: all checksums failed", slog.String("error", err.Error()))
		return
	}

	metas, err := store.ListDocs("")
	if err != nil {
		logger.Warn("reconcile: list failed", slog.String("error", err.Error()))
		return
	}

	disk := make(map[string]string, len(metas))
	for _, m := range metas {
		disk[m.Path] = m.Checksum
	}

	for p := range checksums {
		if _, ok := disk[p]; !ok {
			if delErr := db.DeleteDocument(p); delErr == nil {
				logger.Debug("reconcile: removed stale", slog.String("path", p))
				if cb != nil {
					cb("deleted", p)
				}
			}
		}
	}

	for p, cs := range disk {
		if checksums[p] == cs {
			continue
		}
		data, readErr := store.Read(p)
		if readErr != nil {
			continue
		}
		if idxErr := IndexFile(db, p, data); idxErr == nil {
			logger.Debug("reconcile: indexed new", slog.String("path", p))
			if cb != nil {
				cb("created", p)
			}
		}
	}
}

// indexNewDir indexes any .md files found in a newly created directory.
func indexNewDir(db *DB, store storage.Provider, vaultRoot, dirPath string, logger *slog.Logger, cb EventCallback) {
	_ = filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".md") {
			return nil
		}
		rel, relErr := filepath.Rel(vaultRoot, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		data, readErr := store.Read(rel)
		if readErr != nil {
			return nil
		}
		if idxErr := IndexFile(db, rel, data); idxErr == nil {
			logger.Debug("watcher: indexed from new dir", slog.String("path", rel))
			if cb != nil {
				cb("created", rel)
			}
		}
		return nil
	})
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
