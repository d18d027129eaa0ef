// Package chunkstream composes streaming zlib/deflate compression with a
// SHA3-256 digest of the uncompressed bytes. The layer order is write:
// hash → deflate → underlying file, read: underlying file → inflate →
// hash. The digest, computed over plaintext, is the
// authoritative chunk identity used by the pool (§4.B).
package chunkstream

import (
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/klauspost/compress/zlib"

	"woodstock/internal/hashchunk"
)

// Level is the deflate compression level used throughout: maximum
// compression, matching the frozen on-disk format of spec.md §3.
const Level = zlib.BestCompression // 9

var (
	ErrInflateError     = errors.New("chunkstream: corrupted compressed input")
	ErrAlreadyFinished  = errors.New("chunkstream: writer already finished")
	ErrNonSequentialSeek = errors.New("chunkstream: only Seek(0, io.SeekStart) is supported")
)

// Writer layers a SHA3-256 digest and deflate compression over an
// underlying io.Writer. Write(nil) (a zero-length write) flushes the
// deflate stream with Z_FINISH semantics; the Writer remains queryable
// (Digest, BytesWritten) afterward but must not be written to again.
type Writer struct {
	underlying io.Writer
	zw         *zlib.Writer
	hash       hash.Hash
	written    int64
	finished   bool
}

// NewWriter returns a Writer that deflates (level 9) and hashes data
// before sending it to underlying.
func NewWriter(underlying io.Writer) *Writer {
	zw, _ := zlib.NewWriterLevel(underlying, Level)
	return &Writer{underlying: underlying, zw: zw, hash: hashchunk.NewHash()}
}

// Write hashes and compresses p. A zero-length Write flushes and finishes
// the deflate stream (Z_FINISH); this is how callers signal end-of-chunk
// without a separate Close call, matching the device contract in spec.md
// §4.B. Writing after a zero-length Write returns ErrAlreadyFinished.
func (w *Writer) Write(p []byte) (int, error) {
	if w.finished {
		return 0, ErrAlreadyFinished
	}
	if len(p) == 0 {
		w.finished = true
		if err := w.zw.Close(); err != nil {
			return 0, fmt.Errorf("chunkstream: finish: %w", err)
		}
		return 0, nil
	}
	w.hash.Write(p)
	n, err := w.zw.Write(p)
	w.written += int64(n)
	return n, err
}

// Finish is equivalent to Write(nil): it flushes and finalizes the
// deflate stream. Calling Finish more than once is a no-op.
func (w *Writer) Finish() error {
	if w.finished {
		return nil
	}
	_, err := w.Write(nil)
	return err
}

// Digest returns the SHA3-256 digest of the uncompressed bytes written so
// far. Meaningful once Finish has been called.
func (w *Writer) Digest() hashchunk.Digest {
	var d hashchunk.Digest
	copy(d[:], w.hash.Sum(nil))
	return d
}

// BytesWritten returns the number of uncompressed bytes written.
func (w *Writer) BytesWritten() int64 {
	return w.written
}

// Reader layers inflate and a SHA3-256 digest over an underlying
// io.Reader, so the digest of uncompressed bytes can be checked once
// the caller has consumed the stream to EOF.
type Reader struct {
	underlying io.Reader
	zr         io.ReadCloser
	hash       hash.Hash
}

// NewReader opens a deflate reader over underlying. Returns
// ErrInflateError if the header is corrupt.
func NewReader(underlying io.Reader) (*Reader, error) {
	zr, err := zlib.NewReader(underlying)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInflateError, err)
	}
	return &Reader{underlying: underlying, zr: zr, hash: hashchunk.NewHash()}, nil
}

// Read inflates from the underlying stream and updates the running
// digest over the plaintext bytes produced.
func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.zr.Read(p)
	if n > 0 {
		r.hash.Write(p[:n])
	}
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("%w: %v", ErrInflateError, err)
	}
	return n, err
}

// Seek invalidates the accumulated digest. Only rewinding to the start of
// the stream is supported (seeking within a plain deflate stream is not a
// meaningful random-access operation); any other target returns
// ErrNonSequentialSeek. The underlying reader must implement io.Seeker.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	if offset != 0 || whence != io.SeekStart {
		return 0, ErrNonSequentialSeek
	}
	seeker, ok := r.underlying.(io.Seeker)
	if !ok {
		return 0, errors.New("chunkstream: underlying reader is not seekable")
	}
	pos, err := seeker.Seek(0, io.SeekStart)
	if err != nil {
		return pos, err
	}
	zr, err := zlib.NewReader(r.underlying)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInflateError, err)
	}
	r.zr = zr
	r.hash = hashchunk.NewHash()
	return pos, nil
}

// Digest returns the SHA3-256 digest of the plaintext bytes read so far.
func (r *Reader) Digest() hashchunk.Digest {
	var d hashchunk.Digest
	copy(d[:], r.hash.Sum(nil))
	return d
}

// Close releases the inflate reader. It does not close the underlying
// stream.
func (r *Reader) Close() error {
	return r.zr.Close()
}
