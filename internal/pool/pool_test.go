package pool

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"woodstock/internal/hashchunk"
)

func mustPool(t *testing.T) *Pool {
	t.Helper()
	dir := t.TempDir()
	p, err := New(Config{Dir: dir})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	return p
}

func digestOf(t *testing.T, data []byte) hashchunk.Digest {
	t.Helper()
	res, err := hashchunk.HashReader(newBytesReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Chunks) != 1 {
		t.Fatalf("test payload must fit in one chunk, got %d", len(res.Chunks))
	}
	return res.Chunks[0]
}

type bytesReader struct {
	data []byte
	pos  int
}

func newBytesReader(data []byte) *bytesReader { return &bytesReader{data: data} }

func (b *bytesReader) Read(p []byte) (int, error) {
	if b.pos >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	return n, nil
}

func TestCreateAndReadRoundTrip(t *testing.T) {
	p := mustPool(t)
	payload := []byte("chunk payload bytes for pool round trip test")
	digest := digestOf(t, payload)

	w, err := p.Create(digest)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := w.CheckAndClose()
	if err != nil {
		t.Fatalf("check and close: %v", err)
	}
	if got != digest {
		t.Fatalf("returned digest mismatch")
	}

	exists, err := p.Exists(digest)
	if err != nil || !exists {
		t.Fatalf("expected chunk to exist: %v %v", exists, err)
	}

	r, err := p.OpenRead(digest)
	if err != nil {
		t.Fatalf("open read: %v", err)
	}
	defer r.Close()
	readBack, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if string(readBack) != string(payload) {
		t.Fatalf("read back mismatch")
	}
}

func TestCheckAndCloseDigestMismatchDoesNotCommit(t *testing.T) {
	p := mustPool(t)
	payload := []byte("actual content")
	wrongDigest := digestOf(t, []byte("different content entirely"))

	w, err := p.Create(wrongDigest)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := w.CheckAndClose(); err == nil {
		t.Fatal("expected digest mismatch error")
	}

	exists, err := p.Exists(wrongDigest)
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Fatal("chunk file must not exist after a cancelled commit")
	}

	entries, _ := os.ReadDir(p.ShardDir(wrongDigest))
	for _, e := range entries {
		if e.Name() != "LOCK" {
			t.Errorf("leftover file after cancelled commit: %s", e.Name())
		}
	}
}

func TestConcurrentCreateSameDigestDedups(t *testing.T) {
	p := mustPool(t)
	payload := []byte("shared payload written by two concurrent writers")
	digest := digestOf(t, payload)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			w, err := p.Create(digest)
			if err != nil {
				results[idx] = err
				return
			}
			if _, err := w.Write(payload); err != nil {
				results[idx] = err
				return
			}
			_, err = w.CheckAndClose()
			results[idx] = err
		}(i)
	}
	wg.Wait()

	for _, err := range results {
		if err != nil {
			t.Fatalf("concurrent writer failed: %v", err)
		}
	}

	exists, err := p.Exists(digest)
	if err != nil || !exists {
		t.Fatalf("expected chunk to exist after concurrent writers: %v %v", exists, err)
	}

	shardEntries, err := os.ReadDir(p.ShardDir(digest))
	if err != nil {
		t.Fatal(err)
	}
	zzCount := 0
	for _, e := range shardEntries {
		if filepath.Ext(e.Name()) == ".zz" {
			zzCount++
		}
	}
	if zzCount != 1 {
		t.Fatalf("expected exactly one .zz file, got %d", zzCount)
	}
}

func TestExistsFalseForUnknownDigest(t *testing.T) {
	p := mustPool(t)
	var digest hashchunk.Digest
	digest[0] = 0x01
	exists, err := p.Exists(digest)
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Fatal("expected false for unwritten digest")
	}
}
