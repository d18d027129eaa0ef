// Package hashchunk computes the whole-file digest and ordered per-chunk
// digests of a file in a single streaming pass.
//
// Two SHA3-256 digesters run side by side over the same byte stream: the
// file digester never resets, the chunk digester resets every CHUNK_SIZE
// bytes. Reads happen in ReadBufferSize buffers, which must evenly divide
// CHUNK_SIZE so a chunk boundary always lands on a buffer boundary — the
// chunker has no way to split a single Read() across a reset otherwise.
package hashchunk

import (
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"golang.org/x/crypto/sha3"
)

// CHUNK_SIZE is the build-time chunk size: 4 MiB.
const CHUNK_SIZE = 1 << 22

// ReadBufferSize is the read buffer size: 128 KiB. Must evenly divide
// CHUNK_SIZE.
const ReadBufferSize = 1 << 17

// DigestSize is the size in bytes of a SHA3-256 digest.
const DigestSize = 32

func init() {
	if CHUNK_SIZE%ReadBufferSize != 0 {
		panic("hashchunk: ReadBufferSize must evenly divide CHUNK_SIZE")
	}
}

var ErrFileOpen = errors.New("hashchunk: cannot open file")

// Digest is a 32-byte SHA3-256 digest.
type Digest [DigestSize]byte

// IsZero reports whether d is the zero digest, which the pool rejects as
// a chunk identity.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// String renders the digest as lowercase hex, the representation used for
// chunk pool paths.
func (d Digest) String() string {
	return fmt.Sprintf("%x", d[:])
}

// Result is the output of hashing and chunking a byte stream.
type Result struct {
	FileDigest Digest
	Chunks     []Digest
}

// NewHash returns a fresh digester for the algorithm this package uses
// (SHA3-256), for callers outside this package that need to compute a
// Digest incrementally over bytes they already control — chunkstream's
// write/read paths, in particular.
func NewHash() hash.Hash {
	return sha3.New256()
}

// HashFile opens path read-only and returns its whole-file digest and
// ordered chunk digests. Returns ErrFileOpen if the file cannot be opened.
func HashFile(path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", ErrFileOpen, path, err)
	}
	defer f.Close()
	return HashReader(f)
}

// HashReader streams r, computing the whole-file digest and chunk digests.
func HashReader(r io.Reader) (Result, error) {
	fileHash := sha3.New256()
	chunkHash := sha3.New256()

	buf := make([]byte, ReadBufferSize)
	var chunks []Digest
	var inChunk int

	flushChunk := func() {
		var d Digest
		copy(d[:], chunkHash.Sum(nil))
		chunks = append(chunks, d)
		chunkHash.Reset()
		inChunk = 0
	}

	for {
		n, err := r.Read(buf)
		if n > 0 {
			fileHash.Write(buf[:n])
			chunkHash.Write(buf[:n])
			inChunk += n
			if inChunk > CHUNK_SIZE {
				// ReadBufferSize divides CHUNK_SIZE exactly, so a correctly
				// aligned reader should never overshoot.
				return Result{}, fmt.Errorf("hashchunk: chunk exceeded CHUNK_SIZE (got %d bytes in chunk)", inChunk)
			}
			if inChunk == CHUNK_SIZE {
				flushChunk()
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("hashchunk: read: %w", err)
		}
	}
	if inChunk > 0 {
		flushChunk()
	}

	var fd Digest
	copy(fd[:], fileHash.Sum(nil))
	return Result{FileDigest: fd, Chunks: chunks}, nil
}

// NumChunks returns ceil(size / CHUNK_SIZE), the number of chunk digests
// HashReader produces for a stream of the given size. A zero-byte stream
// has zero chunks.
func NumChunks(size int64) int64 {
	if size == 0 {
		return 0
	}
	return (size + CHUNK_SIZE - 1) / CHUNK_SIZE
}
