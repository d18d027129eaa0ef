package manifest

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestRecordRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	entry := JournalEntry{
		Op: OpAdd,
		Manifest: &FileManifest{
			Path:       "/home/user/file.txt",
			Size:       4096,
			OwnerID:    1000,
			GroupID:    1000,
			Mode:       0o644,
			FileDigest: []byte{1, 2, 3},
			Chunks:     [][]byte{{1, 2, 3}},
		},
	}
	if err := WriteRecord(&buf, entry); err != nil {
		t.Fatalf("write: %v", err)
	}

	var got JournalEntry
	if err := ReadRecord(&buf, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Op != OpAdd || got.Manifest.Path != entry.Manifest.Path || got.Manifest.Size != entry.Manifest.Size {
		t.Errorf("round trip mismatch: got %+v", got)
	}
}

func TestReadRecordEOFAtBoundary(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRecord(&buf, JournalEntry{Op: OpClose}); err != nil {
		t.Fatal(err)
	}
	var e1 JournalEntry
	if err := ReadRecord(&buf, &e1); err != nil {
		t.Fatal(err)
	}
	var e2 JournalEntry
	if err := ReadRecord(&buf, &e2); err != io.EOF {
		t.Errorf("expected io.EOF at clean boundary, got %v", err)
	}
}

func TestReadRecordShortReadInsideRecord(t *testing.T) {
	var full bytes.Buffer
	if err := WriteRecord(&full, JournalEntry{Op: OpRemove, Path: "/a/b/c"}); err != nil {
		t.Fatal(err)
	}
	truncated := bytes.NewReader(full.Bytes()[:full.Len()-2])

	var got JournalEntry
	err := ReadRecord(truncated, &got)
	if err != ErrShortRead && !bytesContainsShortRead(err) {
		t.Errorf("expected ErrShortRead-wrapped error, got %v", err)
	}
}

func bytesContainsShortRead(err error) bool {
	return errors.Is(err, ErrShortRead)
}

func TestMultipleRecordsSequential(t *testing.T) {
	var buf bytes.Buffer
	entries := []JournalEntry{
		{Op: OpAdd, Manifest: &FileManifest{Path: "/a"}},
		{Op: OpModify, Manifest: &FileManifest{Path: "/b"}},
		{Op: OpRemove, Path: "/c"},
		{Op: OpClose},
	}
	for _, e := range entries {
		if err := WriteRecord(&buf, e); err != nil {
			t.Fatal(err)
		}
	}

	for _, want := range entries {
		var got JournalEntry
		if err := ReadRecord(&buf, &got); err != nil {
			t.Fatalf("read: %v", err)
		}
		if got.Op != want.Op {
			t.Errorf("expected op %v, got %v", want.Op, got.Op)
		}
	}
	var trailing JournalEntry
	if err := ReadRecord(&buf, &trailing); err != io.EOF {
		t.Errorf("expected io.EOF after all records consumed, got %v", err)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHeader(&buf, TypeManifest, ManifestVersion); err != nil {
		t.Fatal(err)
	}
	h, err := ReadHeader(&buf, TypeManifest, ManifestVersion)
	if err != nil {
		t.Fatal(err)
	}
	if h.Version != ManifestVersion {
		t.Errorf("expected version %d, got %d", ManifestVersion, h.Version)
	}
}
