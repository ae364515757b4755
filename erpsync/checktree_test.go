package erpsync

import (
	"fmt"
	"testing"
)

func makeSnapshot(n int) []EntryDigest {
	entries := make([]EntryDigest, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, EntryDigest{
			Key:         fmt.Sprintf("sku-%05d", i),
			ContentHash: fmt.Sprintf("hash-%05d", i),
		})
	}
	return entries
}

func TestDigestEntriesDeterministic(t *testing.T) {
	snap := makeSnapshot(10)
	first := DigestEntries(snap)
	second := DigestEntries(makeSnapshot(10))
	if first != second {
		t.Fatalf("same entries produced different digests: %s vs %s", first, second)
	}

	changed := makeSnapshot(10)
	changed[3].ContentHash = "hash-other"
	if DigestEntries(changed) == first {
		t.Fatal("changed content hash did not change the digest")
	}

	if DigestEntries(nil) != DigestEntries([]EntryDigest{}) {
		t.Fatal("empty digests should agree")
	}
}

func TestDigestEntriesFieldBoundaries(t *testing.T) {
	// key "ab"+hash "c" must not collide with key "a"+hash "bc".
	a := DigestEntries([]EntryDigest{{Key: "ab", ContentHash: "c"}})
	b := DigestEntries([]EntryDigest{{Key: "a", ContentHash: "bc"}})
	if a == b {
		t.Fatal("field boundary collision")
	}
}

func TestChecksumTreeRoot(t *testing.T) {
	snap := makeSnapshot(100)
	tree := newChecksumTree(snap)

	if got := tree.cardinality(0); got != 100 {
		t.Fatalf("root cardinality = %d, want 100", got)
	}
	root := tree.node(0)
	if root.keyRange.Low != "" || root.keyRange.High != "" {
		t.Fatalf("root range should cover the full keyspace, got %+v", root.keyRange)
	}
	if tree.digest(0) != DigestEntries(snap) {
		t.Fatal("root digest should cover the full snapshot")
	}
}

func TestBisectSplitsByCardinality(t *testing.T) {
	snap := makeSnapshot(101)
	tree := newChecksumTree(snap)

	left, right, ok := tree.bisect(0)
	if !ok {
		t.Fatal("bisect of 101 entries should succeed")
	}

	lc, rc := tree.cardinality(left), tree.cardinality(right)
	if lc+rc != 101 {
		t.Fatalf("children cover %d entries, want 101", lc+rc)
	}
	if diff := lc - rc; diff < -1 || diff > 1 {
		t.Fatalf("uneven split: left=%d right=%d", lc, rc)
	}

	// The key ranges must partition the parent: every snapshot key belongs to
	// exactly one child.
	leftRange := tree.node(left).keyRange
	rightRange := tree.node(right).keyRange
	for _, e := range snap {
		inLeft := leftRange.Contains(e.Key)
		inRight := rightRange.Contains(e.Key)
		if inLeft == inRight {
			t.Fatalf("key %s: inLeft=%v inRight=%v", e.Key, inLeft, inRight)
		}
	}
	if rightRange.High != "" {
		t.Fatalf("right child of root should stay unbounded above, got %q", rightRange.High)
	}
}

func TestBisectTooSmall(t *testing.T) {
	tree := newChecksumTree(makeSnapshot(1))
	if _, _, ok := tree.bisect(0); ok {
		t.Fatal("single-entry segment should not bisect")
	}
	empty := newChecksumTree(nil)
	if _, _, ok := empty.bisect(0); ok {
		t.Fatal("empty segment should not bisect")
	}
}

func TestBisectChildDigests(t *testing.T) {
	snap := makeSnapshot(64)
	tree := newChecksumTree(snap)
	left, right, _ := tree.bisect(0)

	if tree.digest(left) != DigestEntries(snap[:32]) {
		t.Fatal("left digest does not match its segment")
	}
	if tree.digest(right) != DigestEntries(snap[32:]) {
		t.Fatal("right digest does not match its segment")
	}
}
