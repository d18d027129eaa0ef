// Package manifest defines the record types and length-delimited framing
// shared by manifest and journal files, and the low-level read/write
// primitives the manifest engine (internal/manifest/engine) builds on.
//
// Framing is a size-prefixed record stream read back with io.ReadFull;
// the body is msgpack rather than a fixed binary layout, since FileManifest and
// JournalEntry need forward- and backward-compatible field tags: a
// reader built against an older schema must still parse records written
// by a newer one, skipping fields it doesn't know about.
package manifest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"woodstock/internal/format"
)

const SizeFieldBytes = 4

var (
	ErrShortRead   = errors.New("manifest: unexpected EOF inside a record")
	ErrRecordEmpty = errors.New("manifest: zero-length record")
)

// JournalOp tags the kind of change a JournalEntry records.
type JournalOp uint8

const (
	OpAdd JournalOp = iota
	OpModify
	OpRemove
	OpClose
)

func (op JournalOp) String() string {
	switch op {
	case OpAdd:
		return "ADD"
	case OpModify:
		return "MODIFY"
	case OpRemove:
		return "REMOVE"
	case OpClose:
		return "CLOSE"
	default:
		return fmt.Sprintf("JournalOp(%d)", op)
	}
}

// FileManifest describes one file or directory entry as of a point in
// the host's backup history.
type FileManifest struct {
	Path         string   `msgpack:"path"`
	Size         int64    `msgpack:"size"`
	LastRead     int64    `msgpack:"last_read"`     // milliseconds since Unix epoch
	LastModified int64    `msgpack:"last_modified"` // milliseconds since Unix epoch
	Created      int64    `msgpack:"created"`       // milliseconds since Unix epoch
	OwnerID      uint32   `msgpack:"owner_id"`
	GroupID      uint32   `msgpack:"group_id"`
	Mode         uint32   `msgpack:"mode"` // POSIX st_mode
	FileDigest   []byte   `msgpack:"file_digest,omitempty"`
	Chunks       [][]byte `msgpack:"chunks,omitempty"`
	IsDir        bool     `msgpack:"is_dir"`
	IsSymlink    bool     `msgpack:"is_symlink"`
}

// JournalEntry is one record in a journal file: a tagged union over
// ADD/MODIFY (carrying a full FileManifest), REMOVE (carrying only a
// path) and CLOSE (a stream terminator with no payload).
type JournalEntry struct {
	Op       JournalOp     `msgpack:"op"`
	Manifest *FileManifest `msgpack:"manifest,omitempty"`
	Path     string        `msgpack:"path,omitempty"`
}

// BackupConfiguration lists share roots, one per configured directory,
// with glob include/exclude filters evaluated relative to that root.
// The server sends it with PrepareBackup; clientagent does not read it
// and walks the shares of its own configured tasks instead.
type BackupConfiguration struct {
	Shares []ShareConfig `msgpack:"shares"`
}

// ShareConfig is one share root and its glob filters.
type ShareConfig struct {
	Path     string   `msgpack:"path"`
	Includes []string `msgpack:"includes,omitempty"`
	Excludes []string `msgpack:"excludes,omitempty"`
}

// EncodeRecord msgpack-encodes v and frames it with a 4-byte
// little-endian size prefix.
func EncodeRecord(v any) ([]byte, error) {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("manifest: encode record: %w", err)
	}
	buf := make([]byte, SizeFieldBytes+len(body))
	binary.LittleEndian.PutUint32(buf[:SizeFieldBytes], uint32(len(body)))
	copy(buf[SizeFieldBytes:], body)
	return buf, nil
}

// WriteRecord writes one framed record to w.
func WriteRecord(w io.Writer, v any) error {
	buf, err := EncodeRecord(v)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadRecord reads one framed record from r into v. Returns io.EOF if r
// is exhausted exactly at a record boundary (the expected end of
// stream), or ErrShortRead if EOF falls inside a record.
func ReadRecord(r io.Reader, v any) error {
	var sizeBuf [SizeFieldBytes]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("%w: %v", ErrShortRead, err)
	}
	size := binary.LittleEndian.Uint32(sizeBuf[:])
	if size == 0 {
		return ErrRecordEmpty
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("%w: %v", ErrShortRead, err)
	}
	if err := msgpack.Unmarshal(body, v); err != nil {
		return fmt.Errorf("manifest: decode record: %w", err)
	}
	return nil
}

// WriteHeader writes the file envelope identifying a manifest or
// journal file at the start of w.
func WriteHeader(w io.Writer, fileType byte, version byte) error {
	h := format.Header{Type: fileType, Version: version}
	buf := h.Encode()
	_, err := w.Write(buf[:])
	return err
}

// ReadHeader reads and validates the file envelope from r.
func ReadHeader(r io.Reader, expectedType byte, expectedVersion byte) (format.Header, error) {
	var buf [format.HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return format.Header{}, fmt.Errorf("manifest: read header: %w", err)
	}
	return format.DecodeAndValidate(buf[:], expectedType, expectedVersion)
}
