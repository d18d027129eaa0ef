// Package pool implements the content-addressed chunk store: a
// three-level hex-sharded directory tree holding one deflate-compressed
// file per chunk digest, created atomically by a single writer holding
// the shard's advisory LOCK file.
//
// Layout under the pool root, for a digest with hex representation
// h = h[0:2] h[2:4] h[4:6] h[6:]...:
//
//	<h[0:2]>/<h[2:4]>/<h[4:6]>/<h>-sha256.zz   chunk payload
//	<h[0:2]>/<h[2:4]>/<h[4:6]>/LOCK            shard lock (flock)
//
// Writers compose hashing and compression via internal/chunkstream;
// identity is the SHA3-256 digest of the uncompressed bytes, confirmed
// only at check_and_close — this keeps the file name (computed from the
// caller's claimed digest) and the committed content honest even when a
// caller mislabels a chunk.
package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"woodstock/internal/chunkstream"
	"woodstock/internal/hashchunk"
	"woodstock/internal/logging"
)

var (
	ErrDigestMismatch = errors.New("pool: committed bytes do not match claimed digest")
	ErrChunkOverflow  = errors.New("pool: chunk exceeds CHUNK_SIZE")
	ErrNotFound       = errors.New("pool: chunk not found")
	ErrEmptyDigest    = errors.New("pool: empty digest is not a valid chunk identity")
)

// Pool is a content-addressed store of compressed chunks rooted at Dir.
type Pool struct {
	dir    string
	logger *slog.Logger
}

// Config configures a Pool.
type Config struct {
	Dir    string
	Logger *slog.Logger
}

// New opens (and, if necessary, creates) a pool rooted at cfg.Dir.
func New(cfg Config) (*Pool, error) {
	if cfg.Dir == "" {
		return nil, errors.New("pool: dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("pool: create root: %w", err)
	}
	logger := logging.Default(cfg.Logger).With("component", "pool")
	return &Pool{dir: cfg.Dir, logger: logger}, nil
}

func shardPath(root string, digest hashchunk.Digest) string {
	hex := digest.String()
	return filepath.Join(root, hex[0:2], hex[2:4], hex[4:6])
}

func chunkFileName(digest hashchunk.Digest) string {
	return digest.String() + "-sha256.zz"
}

// Exists reports whether a committed chunk file exists for digest.
func (p *Pool) Exists(digest hashchunk.Digest) (bool, error) {
	path := filepath.Join(shardPath(p.dir, digest), chunkFileName(digest))
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("pool: stat %s: %w", path, err)
}

// OpenRead opens a Reader over the committed chunk for digest.
// OpenRead never takes the shard LOCK: reads land on the file as it was
// after its atomic rename, so readers never block writers.
func (p *Pool) OpenRead(digest hashchunk.Digest) (*ChunkReader, error) {
	path := filepath.Join(shardPath(p.dir, digest), chunkFileName(digest))
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
		}
		return nil, fmt.Errorf("pool: open %s: %w", path, err)
	}
	r, err := chunkstream.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &ChunkReader{file: f, stream: r}, nil
}

// ChunkReader reads and decompresses a committed chunk. It keeps a
// running digest of the plaintext (see Digest) but does not compare it
// against the digest the chunk was opened under.
type ChunkReader struct {
	file   *os.File
	stream *chunkstream.Reader
}

func (r *ChunkReader) Read(p []byte) (int, error) { return r.stream.Read(p) }

// Digest returns the SHA3-256 digest of plaintext bytes read so far.
func (r *ChunkReader) Digest() hashchunk.Digest { return r.stream.Digest() }

func (r *ChunkReader) Close() error {
	err := r.stream.Close()
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// Writer accumulates a chunk's bytes under a shard LOCK, compressing and
// hashing them, and commits or discards them atomically at Close.
type Writer struct {
	pool       *Pool
	claimed    hashchunk.Digest
	shardDir   string
	finalPath  string
	tmpFile    *os.File
	stream     *chunkstream.Writer
	lockFile   *os.File
	cancelled  bool
	mu         sync.Mutex
}

// Create opens the shard LOCK for digest (blocking until acquired) and
// returns a Writer for a new chunk claiming that digest. The caller must
// call CheckAndClose (or Cancel) exactly once.
func (p *Pool) Create(digest hashchunk.Digest) (*Writer, error) {
	if digest.IsZero() {
		return nil, ErrEmptyDigest
	}
	shardDir := shardPath(p.dir, digest)
	if err := os.MkdirAll(shardDir, 0o750); err != nil {
		return nil, fmt.Errorf("pool: create shard dir: %w", err)
	}

	lockPath := filepath.Join(shardDir, "LOCK")
	lockFile, err := os.OpenFile(filepath.Clean(lockPath), os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("pool: open shard lock: %w", err)
	}
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		_ = lockFile.Close()
		return nil, fmt.Errorf("pool: acquire shard lock: %w", err)
	}

	finalPath := filepath.Join(shardDir, chunkFileName(digest))
	tmpFile, err := os.CreateTemp(shardDir, chunkFileName(digest)+".tmp-*")
	if err != nil {
		_ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)
		_ = lockFile.Close()
		return nil, fmt.Errorf("pool: create temp chunk file: %w", err)
	}

	return &Writer{
		pool:      p,
		claimed:   digest,
		shardDir:  shardDir,
		finalPath: finalPath,
		tmpFile:   tmpFile,
		stream:    chunkstream.NewWriter(tmpFile),
		lockFile:  lockFile,
	}, nil
}

// Write hashes and deflates p into the pending temp file.
func (w *Writer) Write(p []byte) (int, error) {
	return w.stream.Write(p)
}

// CheckAndClose flushes and closes compression, verifies the digest of
// bytes actually written against the digest the Writer was created with,
// and either commits the temp file into place (returning the verified
// digest) or cancels the rename and releases the lock.
func (w *Writer) CheckAndClose() (hashchunk.Digest, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.stream.Finish(); err != nil {
		w.abort()
		return hashchunk.Digest{}, fmt.Errorf("pool: finish compression: %w", err)
	}

	actual := w.stream.Digest()
	written := w.stream.BytesWritten()

	if actual.IsZero() || actual != w.claimed {
		w.abort()
		return hashchunk.Digest{}, fmt.Errorf("%w: claimed %s, wrote %s", ErrDigestMismatch, w.claimed, actual)
	}
	if written > hashchunk.CHUNK_SIZE {
		w.abort()
		return hashchunk.Digest{}, fmt.Errorf("%w: %d bytes", ErrChunkOverflow, written)
	}

	if err := w.tmpFile.Sync(); err != nil {
		w.abort()
		return hashchunk.Digest{}, fmt.Errorf("pool: sync: %w", err)
	}
	tmpName := w.tmpFile.Name()
	if err := w.tmpFile.Close(); err != nil {
		w.cleanupTemp(tmpName)
		w.releaseLock()
		return hashchunk.Digest{}, fmt.Errorf("pool: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, w.finalPath); err != nil {
		w.cleanupTemp(tmpName)
		w.releaseLock()
		return hashchunk.Digest{}, fmt.Errorf("pool: commit rename: %w", err)
	}
	w.releaseLock()
	w.pool.logger.Debug("committed chunk", "digest", actual.String())
	return actual, nil
}

// Cancel discards the pending chunk and releases the shard LOCK without
// committing anything. Safe to call instead of CheckAndClose when the
// caller aborts before a digest is known (e.g. the client disconnected).
func (w *Writer) Cancel() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.abort()
	return nil
}

func (w *Writer) abort() {
	if w.cancelled {
		return
	}
	w.cancelled = true
	tmpName := w.tmpFile.Name()
	_ = w.tmpFile.Close()
	w.cleanupTemp(tmpName)
	w.releaseLock()
}

func (w *Writer) cleanupTemp(name string) {
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		w.pool.logger.Warn("failed to remove temp chunk file", "path", name, "error", err)
	}
}

func (w *Writer) releaseLock() {
	if w.lockFile == nil {
		return
	}
	_ = syscall.Flock(int(w.lockFile.Fd()), syscall.LOCK_UN)
	_ = w.lockFile.Close()
	w.lockFile = nil
}

// ShardDir exposes the shard directory path for digest, for callers
// (e.g. refcount) that need to colocate REFCNT files with chunk data.
func (p *Pool) ShardDir(digest hashchunk.Digest) string {
	return shardPath(p.dir, digest)
}

// Root returns the pool's root directory.
func (p *Pool) Root() string {
	return p.dir
}
