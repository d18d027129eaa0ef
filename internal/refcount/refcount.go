// Package refcount tracks, per pool shard, how many live manifest
// entries reference each chunk digest, so that chunks can eventually be
// reclaimed once nothing points at them any more.
//
// Each shard directory holds two files: REFCNT (a digest → count
// mapping, msgpack-encoded behind the internal/format envelope) and
// REFCNT.lock (an advisory lock guarding read-modify-write of REFCNT).
// Reclamation itself — actually deleting a chunk file — is deliberately
// NOT done here; CleanUp only reports which digests are at or below
// zero, leaving deletion a separate, privileged step.
package refcount

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/vmihailenco/msgpack/v5"

	"woodstock/internal/format"
	"woodstock/internal/hashchunk"
)

const (
	refcntFileName     = "REFCNT"
	refcntLockFileName = "REFCNT.lock"
	refcntVersion      = 1
)

var ErrCorrupt = errors.New("refcount: corrupt REFCNT file")

// Store manages REFCNT files under a pool root. It does not know how
// the pool shards directories beyond the 3-level hex split, so callers
// pass the shard directory directly (pool.Pool.ShardDir).
type Store struct {
	mu sync.Mutex
}

// New returns a Store. Stores are stateless beyond an in-process mutex
// that serializes concurrent callers within this process; cross-process
// exclusion is via REFCNT.lock.
func New() *Store {
	return &Store{}
}

// Incr increments the reference count for digest in the given shard
// directory by one, creating the REFCNT file if necessary, and returns
// the post-increment count.
func (s *Store) Incr(shardDir string, digest hashchunk.Digest) (int64, error) {
	return s.adjust(shardDir, digest, 1)
}

// Decr decrements the reference count for digest in the given shard
// directory by one and returns the post-decrement count. Unlike the
// source this is based on, the returned value always reflects the
// count after this call's modification has been applied and written.
func (s *Store) Decr(shardDir string, digest hashchunk.Digest) (int64, error) {
	return s.adjust(shardDir, digest, -1)
}

func (s *Store) adjust(shardDir string, digest hashchunk.Digest, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := lockShard(shardDir)
	if err != nil {
		return 0, err
	}
	defer unlock()

	counts, err := readFile(shardDir)
	if err != nil {
		return 0, err
	}

	key := digest.String()
	counts[key] += delta
	newCount := counts[key]

	if err := writeFile(shardDir, counts); err != nil {
		return 0, err
	}
	return newCount, nil
}

// Count returns the current reference count for digest in shardDir
// without modifying it. A digest with no entry has count 0.
func (s *Store) Count(shardDir string, digest hashchunk.Digest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := lockShard(shardDir)
	if err != nil {
		return 0, err
	}
	defer unlock()

	counts, err := readFile(shardDir)
	if err != nil {
		return 0, err
	}
	return counts[digest.String()], nil
}

// Reclaimable is a digest whose reference count has reached zero or
// below, reported by CleanUp.
type Reclaimable struct {
	ShardDir string
	Digest   string
	Count    int64
}

// CleanUp walks every REFCNT file under poolRoot and returns the set of
// digests with a non-positive count. No lock is held while enumerating
// shard directories; each REFCNT file is read under its own
// REFCNT.lock, so CleanUp is safe to run concurrently with Incr/Decr —
// a digest whose count changes between enumeration and read is simply
// reported with whatever value was on disk when read.
func (s *Store) CleanUp(poolRoot string) ([]Reclaimable, error) {
	var out []Reclaimable

	err := filepath.WalkDir(poolRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != refcntFileName {
			return nil
		}
		shardDir := filepath.Dir(path)

		s.mu.Lock()
		unlock, lockErr := lockShard(shardDir)
		if lockErr != nil {
			s.mu.Unlock()
			return lockErr
		}
		counts, readErr := readFile(shardDir)
		unlock()
		s.mu.Unlock()
		if readErr != nil {
			return readErr
		}

		for digest, count := range counts {
			if count <= 0 {
				out = append(out, Reclaimable{ShardDir: shardDir, Digest: digest, Count: count})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("refcount: cleanup: %w", err)
	}
	return out, nil
}

func lockShard(shardDir string) (func(), error) {
	if err := os.MkdirAll(shardDir, 0o750); err != nil {
		return nil, fmt.Errorf("refcount: create shard dir: %w", err)
	}
	lockPath := filepath.Join(shardDir, refcntLockFileName)
	f, err := os.OpenFile(filepath.Clean(lockPath), os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("refcount: open lock: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("refcount: acquire lock: %w", err)
	}
	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
	}, nil
}

// readFile reads and decodes REFCNT, returning an empty map if the file
// does not yet exist. Must be called with the shard lock held.
func readFile(shardDir string) (map[string]int64, error) {
	path := filepath.Join(shardDir, refcntFileName)
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]int64), nil
		}
		return nil, fmt.Errorf("refcount: read %s: %w", path, err)
	}
	if len(data) < format.HeaderSize {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, path)
	}
	if _, err := format.DecodeAndValidate(data[:format.HeaderSize], format.TypeRefcnt, refcntVersion); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	var counts map[string]int64
	if err := msgpack.Unmarshal(data[format.HeaderSize:], &counts); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if counts == nil {
		counts = make(map[string]int64)
	}
	return counts, nil
}

// writeFile atomically serializes counts (the UPDATED map, not an empty
// one) back to REFCNT via write-to-temp-then-rename. Must be called
// with the shard lock held.
func writeFile(shardDir string, counts map[string]int64) error {
	body, err := msgpack.Marshal(counts)
	if err != nil {
		return fmt.Errorf("refcount: encode: %w", err)
	}
	header := format.Header{Type: format.TypeRefcnt, Version: refcntVersion}
	headerBytes := header.Encode()

	path := filepath.Join(shardDir, refcntFileName)
	tmp, err := os.CreateTemp(shardDir, refcntFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("refcount: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(headerBytes[:]); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("refcount: write header: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("refcount: write body: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("refcount: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("refcount: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("refcount: commit rename: %w", err)
	}
	return nil
}
