// Package engine implements the manifest engine: the operations that
// read, append to, and compact a host's manifest set (.manifest,
// .journal, .new, .lock) through the in-memory pathindex.
//
// Compact rebuilds the index, walks it writing a fresh .new, renames
// .new over .manifest, and only then removes the journal, so a crash at
// any point leaves either the old or the new manifest in place.
package engine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"woodstock/internal/logging"
	"woodstock/internal/manifest"
	"woodstock/internal/pathindex"
)

var ErrManifestNotFound = errors.New("engine: no file manifest record at that path")

// Engine owns one host's manifest set.
type Engine struct {
	set    manifest.Set
	logger *slog.Logger

	mu       sync.Mutex
	lockFile *os.File
}

// New returns an Engine for the manifest set named name under dir.
func New(dir, name string, logger *slog.Logger) (*Engine, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("engine: create dir: %w", err)
	}
	return &Engine{
		set:    manifest.Set{Dir: dir, Name: name},
		logger: logging.Default(logger).With("component", "manifest-engine"),
	}, nil
}

// Lock acquires the manifest set's exclusive lock. While held, no other
// process may mutate the set.
func (e *Engine) Lock() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lockFile != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Clean(e.set.LockPath()), os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return fmt.Errorf("engine: open lock: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return fmt.Errorf("engine: acquire lock: %w", err)
	}
	e.lockFile = f
	return nil
}

// Unlock releases the manifest set's exclusive lock.
func (e *Engine) Unlock() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lockFile == nil {
		return nil
	}
	_ = syscall.Flock(int(e.lockFile.Fd()), syscall.LOCK_UN)
	err := e.lockFile.Close()
	e.lockFile = nil
	return err
}

// LoadIndex rebuilds the in-memory pathindex from the base manifest
// (journal=false, offset=record start) overlaid with the journal
// (ADD/MODIFY set journal=true and their offset; REMOVE marks deleted;
// CLOSE is ignored as a stream terminator).
func (e *Engine) LoadIndex() (*pathindex.Index, error) {
	idx := pathindex.New()

	if err := loadManifestInto(idx, e.set.ManifestPath()); err != nil {
		return nil, err
	}
	if err := loadJournalInto(idx, e.set.JournalPath()); err != nil {
		return nil, err
	}
	return idx, nil
}

func loadManifestInto(idx *pathindex.Index, path string) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("engine: open manifest: %w", err)
	}
	defer f.Close()

	if _, err := manifest.ReadHeader(f, manifest.TypeManifest, manifest.ManifestVersion); err != nil {
		return fmt.Errorf("engine: manifest header: %w", err)
	}

	for {
		offset, err := currentOffset(f)
		if err != nil {
			return err
		}
		var fm manifest.FileManifest
		err = manifest.ReadRecord(f, &fm)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("engine: read manifest record: %w", err)
		}
		idx.Insert(pathindex.Entry{
			Path:         fm.Path,
			Journal:      false,
			Offset:       offset,
			LastModified: fm.LastModified,
			Size:         fm.Size,
		})
	}
	return nil
}

func loadJournalInto(idx *pathindex.Index, path string) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("engine: open journal: %w", err)
	}
	defer f.Close()

	if _, err := manifest.ReadHeader(f, manifest.TypeJournal, manifest.JournalVersion); err != nil {
		return fmt.Errorf("engine: journal header: %w", err)
	}

	for {
		offset, err := currentOffset(f)
		if err != nil {
			return err
		}
		var entry manifest.JournalEntry
		err = manifest.ReadRecord(f, &entry)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("engine: read journal record: %w", err)
		}

		switch entry.Op {
		case manifest.OpAdd, manifest.OpModify:
			idx.Insert(pathindex.Entry{
				Path:         entry.Manifest.Path,
				Journal:      true,
				Offset:       offset,
				LastModified: entry.Manifest.LastModified,
				Size:         entry.Manifest.Size,
			})
		case manifest.OpRemove:
			_ = idx.Remove(entry.Path)
		case manifest.OpClose:
			// stream terminator, not a mutation
		}
	}
	return nil
}

func currentOffset(f *os.File) (int64, error) {
	off, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, fmt.Errorf("engine: tell offset: %w", err)
	}
	return off, nil
}

// AddManifest appends one ADD or MODIFY journal entry for fm.
func (e *Engine) AddManifest(fm manifest.FileManifest, added bool) error {
	f, err := e.openJournalForAppend()
	if err != nil {
		return err
	}
	defer f.Close()

	op := manifest.OpModify
	if added {
		op = manifest.OpAdd
	}
	return manifest.WriteRecord(f, manifest.JournalEntry{Op: op, Manifest: &fm})
}

// RemovePath appends one REMOVE journal entry for path.
func (e *Engine) RemovePath(path string) error {
	f, err := e.openJournalForAppend()
	if err != nil {
		return err
	}
	defer f.Close()
	return manifest.WriteRecord(f, manifest.JournalEntry{Op: manifest.OpRemove, Path: path})
}

func (e *Engine) openJournalForAppend() (*os.File, error) {
	path := e.set.JournalPath()
	_, statErr := os.Stat(path)
	needsHeader := os.IsNotExist(statErr)

	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("engine: open journal: %w", err)
	}
	if needsHeader {
		if err := manifest.WriteHeader(f, manifest.TypeJournal, manifest.JournalVersion); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("engine: write journal header: %w", err)
		}
	}
	return f, nil
}

// DeleteManifest removes .new, .index, .journal and .manifest.
func (e *Engine) DeleteManifest() error {
	for _, path := range []string{e.set.NewPath(), e.set.IndexPath(), e.set.JournalPath(), e.set.ManifestPath()} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("engine: remove %s: %w", path, err)
		}
	}
	return nil
}

// Compact rebuilds the base manifest from the current index (base +
// journal), replacing .manifest and removing .journal. onEntry, if
// non-nil, is called once per surviving file manifest, in index-walk
// order, after the new manifest has been renamed into place and the
// journal removed — the server backup driver uses this hook to
// increment chunk refcounts.
//
// Uses write-to-temp-then-rename: a crash at any point before the final
// rename leaves the previous .manifest and .journal fully intact.
func (e *Engine) Compact(onEntry func(manifest.FileManifest) error) error {
	idx, err := e.LoadIndex()
	if err != nil {
		return fmt.Errorf("engine: compact: load index: %w", err)
	}

	newFile, err := os.OpenFile(filepath.Clean(e.set.NewPath()), os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o640)
	if err != nil {
		return fmt.Errorf("engine: compact: create .new: %w", err)
	}
	if err := manifest.WriteHeader(newFile, manifest.TypeManifest, manifest.ManifestVersion); err != nil {
		_ = newFile.Close()
		return fmt.Errorf("engine: compact: write .new header: %w", err)
	}

	var written []manifest.FileManifest
	walkErr := idx.Walk(func(entry pathindex.Entry) error {
		fm, err := e.readManifestAt(entry)
		if err != nil {
			return err
		}
		if err := manifest.WriteRecord(newFile, fm); err != nil {
			return err
		}
		if onEntry != nil {
			written = append(written, fm)
		}
		return nil
	})
	if walkErr != nil {
		_ = newFile.Close()
		_ = os.Remove(e.set.NewPath())
		return fmt.Errorf("engine: compact: walk: %w", walkErr)
	}

	if err := newFile.Sync(); err != nil {
		_ = newFile.Close()
		return fmt.Errorf("engine: compact: sync .new: %w", err)
	}
	if err := newFile.Close(); err != nil {
		return fmt.Errorf("engine: compact: close .new: %w", err)
	}

	// Rename first: on POSIX this atomically replaces any existing
	// .manifest, so there is no window where neither the old nor the new
	// manifest exists. Only once that's durable do we remove the journal
	// it superseded.
	if err := os.Rename(e.set.NewPath(), e.set.ManifestPath()); err != nil {
		return fmt.Errorf("engine: compact: rename .new: %w", err)
	}
	if err := os.Remove(e.set.JournalPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("engine: compact: remove journal: %w", err)
	}

	for _, fm := range written {
		if err := onEntry(fm); err != nil {
			return fmt.Errorf("engine: compact: onEntry: %w", err)
		}
	}

	e.logger.Info("compacted manifest", "name", e.set.Name)
	return nil
}

// readManifestAt fetches the authoritative FileManifest record for a
// pathindex entry: from the journal if entry.Journal, otherwise from
// the base manifest, both by seeking to entry.Offset.
func (e *Engine) readManifestAt(entry pathindex.Entry) (manifest.FileManifest, error) {
	path := e.set.ManifestPath()
	if entry.Journal {
		path = e.set.JournalPath()
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return manifest.FileManifest{}, fmt.Errorf("engine: open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Seek(entry.Offset, io.SeekStart); err != nil {
		return manifest.FileManifest{}, fmt.Errorf("engine: seek %s: %w", path, err)
	}

	if entry.Journal {
		var je manifest.JournalEntry
		if err := manifest.ReadRecord(f, &je); err != nil {
			return manifest.FileManifest{}, fmt.Errorf("%w: %s", ErrManifestNotFound, entry.Path)
		}
		if je.Manifest == nil {
			return manifest.FileManifest{}, fmt.Errorf("%w: %s", ErrManifestNotFound, entry.Path)
		}
		return *je.Manifest, nil
	}
	var fm manifest.FileManifest
	if err := manifest.ReadRecord(f, &fm); err != nil {
		return manifest.FileManifest{}, fmt.Errorf("%w: %s", ErrManifestNotFound, entry.Path)
	}
	return fm, nil
}

// GetManifest returns the live FileManifest at path, as the index
// currently sees it.
func (e *Engine) GetManifest(idx *pathindex.Index, path string) (manifest.FileManifest, error) {
	entry, ok := idx.Get(path)
	if !ok || entry.Deleted {
		return manifest.FileManifest{}, ErrManifestNotFound
	}
	return e.readManifestAt(entry)
}

// CompareManifest reports whether two manifests describe unchanged
// content, per the source's compareManifest: equal size and
// last-modified time (a digest recompute is only needed when this
// returns false).
func CompareManifest(a, b manifest.FileManifest) bool {
	return a.LastModified == b.LastModified && a.Size == b.Size
}
