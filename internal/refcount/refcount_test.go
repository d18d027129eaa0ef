package refcount

import (
	"testing"

	"woodstock/internal/hashchunk"
)

func testDigest(b byte) hashchunk.Digest {
	var d hashchunk.Digest
	d[0] = b
	return d
}

func TestIncrDecrRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New()
	digest := testDigest(1)

	count, err := s.Incr(dir, digest)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected count 1, got %d", count)
	}

	count, err = s.Incr(dir, digest)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("expected count 2, got %d", count)
	}

	count, err = s.Decr(dir, digest)
	if err != nil {
		t.Fatalf("decr: %v", err)
	}
	if count != 1 {
		t.Fatalf("decr must return the post-decrement count: expected 1, got %d", count)
	}

	count, err = s.Decr(dir, digest)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected count 0 after second decr, got %d", count)
	}
}

func TestIncrPersistsUpdatedMapNotEmpty(t *testing.T) {
	dir := t.TempDir()
	s := New()
	a := testDigest(0x11)
	b := testDigest(0x22)

	if _, err := s.Incr(dir, a); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Incr(dir, b); err != nil {
		t.Fatal(err)
	}

	countA, err := s.Count(dir, a)
	if err != nil {
		t.Fatal(err)
	}
	if countA != 1 {
		t.Fatalf("writing digest b must not erase digest a's count: got %d", countA)
	}
}

func TestDecrBelowZero(t *testing.T) {
	dir := t.TempDir()
	s := New()
	digest := testDigest(0x33)

	count, err := s.Decr(dir, digest)
	if err != nil {
		t.Fatal(err)
	}
	if count != -1 {
		t.Fatalf("expected -1 decrementing an absent digest, got %d", count)
	}
}

func TestCountAbsentDigestIsZero(t *testing.T) {
	dir := t.TempDir()
	s := New()
	count, err := s.Count(dir, testDigest(0x44))
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected 0, got %d", count)
	}
}

func TestCleanUpReportsNonPositiveCounts(t *testing.T) {
	root := t.TempDir()
	s := New()

	zero := testDigest(0x55)
	shardDir := root + "/aa/bb/cc"
	if _, err := s.Incr(shardDir, zero); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Decr(shardDir, zero); err != nil {
		t.Fatal(err)
	}

	positive := testDigest(0x66)
	if _, err := s.Incr(shardDir, positive); err != nil {
		t.Fatal(err)
	}

	reclaimable, err := s.CleanUp(root)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if len(reclaimable) != 1 {
		t.Fatalf("expected exactly 1 reclaimable digest, got %d", len(reclaimable))
	}
	if reclaimable[0].Digest != zero.String() {
		t.Errorf("expected reclaimable digest %s, got %s", zero, reclaimable[0].Digest)
	}
}
