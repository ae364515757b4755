package erpsync

import (
	"crypto/sha256"
	"encoding/hex"
)

// The checksum tree localizes drift in O(D log N) digest comparisons instead
// of a full O(N) diff. It is an arena of key-range descriptors over one
// immutable central snapshot; nodes are appended on bisection and the whole
// structure is discarded when the comparison run ends.
type checksumTree struct {
	snap  []EntryDigest // key-ordered central snapshot
	nodes []rangeNode
}

type rangeNode struct {
	keyRange KeyRange
	lo, hi   int // snapshot segment [lo, hi)
	parent   int // arena index, -1 for the root
}

// newChecksumTree seeds the arena with a root node covering the full keyspace.
// The snapshot must be key-ordered (the store lists it ORDER BY item_key).
func newChecksumTree(snap []EntryDigest) *checksumTree {
	t := &checksumTree{snap: snap}
	t.nodes = append(t.nodes, rangeNode{
		keyRange: KeyRange{},
		lo:       0,
		hi:       len(snap),
		parent:   -1,
	})
	return t
}

func (t *checksumTree) node(i int) rangeNode {
	return t.nodes[i]
}

func (t *checksumTree) cardinality(i int) int {
	n := t.nodes[i]
	return n.hi - n.lo
}

// digest computes the central-side digest for a node: a sha256 over the
// ordered (key, content hash) pairs in its snapshot segment. Agents compute
// the same construction over their own ordered view of the range.
func (t *checksumTree) digest(i int) string {
	n := t.nodes[i]
	return DigestEntries(t.snap[n.lo:n.hi])
}

// entries returns the central snapshot segment a node covers.
func (t *checksumTree) entries(i int) []EntryDigest {
	n := t.nodes[i]
	return t.snap[n.lo:n.hi]
}

// bisect splits a node into two contiguous halves of equal cardinality by key
// order, not key value, so each half carries comparable comparison work
// regardless of how keys cluster. Returns arena indexes of the new children;
// ok is false when the segment is too small to split.
func (t *checksumTree) bisect(i int) (left int, right int, ok bool) {
	n := t.nodes[i]
	if n.hi-n.lo < 2 {
		return 0, 0, false
	}
	mid := (n.lo + n.hi) / 2
	midKey := t.snap[mid].Key

	t.nodes = append(t.nodes, rangeNode{
		keyRange: KeyRange{Low: n.keyRange.Low, High: midKey},
		lo:       n.lo,
		hi:       mid,
		parent:   i,
	})
	left = len(t.nodes) - 1

	t.nodes = append(t.nodes, rangeNode{
		keyRange: KeyRange{Low: midKey, High: n.keyRange.High},
		lo:       mid,
		hi:       n.hi,
		parent:   i,
	})
	right = len(t.nodes) - 1

	return left, right, true
}

// DigestEntries is the digest construction shared by both sides of a
// comparison: sha256 over the ordered (key, content hash) pairs, with NUL
// separators so adjacent fields cannot collide.
func DigestEntries(entries []EntryDigest) string {
	h := sha256.New()
	for _, e := range entries {
		h.Write([]byte(e.Key))
		h.Write([]byte{0})
		h.Write([]byte(e.ContentHash))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
