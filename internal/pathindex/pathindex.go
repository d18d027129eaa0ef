// Package pathindex builds an in-memory path trie over a host's
// manifest and journal, giving O(path-depth) lookup for diffing a
// backup walk against prior state.
//
// The source this is grounded on (indexmanifest.cpp / indexmanifestentry.cpp)
// models each directory as a node owning a map of children by shared
// pointer, which invites reference cycles once a node can be reached
// from more than one place (rename, re-parenting). Index instead holds
// nodes in a flat arena keyed by a stable uint64 id; every reference
// between nodes (parent, children) is by id, not by pointer, so the
// structure is trivially acyclic-safe and nodes can be moved or GC'd
// without invalidating anything holding an id.
package pathindex

import (
	"errors"
	"sort"
	"strings"
)

var ErrNotFound = errors.New("pathindex: path not found")

// Entry is the metadata tracked for one file-manifest record.
type Entry struct {
	Path         string
	Journal      bool  // true if the authoritative record lives in the journal, not the base manifest
	Offset       int64 // byte offset of the record start in its originating file
	Read         bool  // set by Mark during a backup walk
	Deleted      bool  // set by Remove (a REMOVE overlay)
	LastModified int64
	Size         int64
}

type node struct {
	parent   uint64
	segment  string
	children map[string]uint64

	hasRecord bool // false for pure skeleton (directory-only) nodes
	entry     Entry
}

// Index is an arena of path-trie nodes. The zero value is not usable;
// construct with New.
type Index struct {
	nodes  map[uint64]*node
	nextID uint64
	root   uint64
}

// New returns an empty index with just a root node.
func New() *Index {
	idx := &Index{nodes: make(map[uint64]*node)}
	idx.root = idx.newNode(0, "")
	return idx
}

func (idx *Index) newNode(parent uint64, segment string) uint64 {
	idx.nextID++
	id := idx.nextID
	idx.nodes[id] = &node{parent: parent, segment: segment, children: make(map[string]uint64)}
	return id
}

func splitPath(path string) []string {
	raw := strings.Split(path, "/")
	segs := raw[:0]
	for _, p := range raw {
		if p != "" {
			segs = append(segs, p)
		}
	}
	return segs
}

// searchEntry walks path's segments from root, optionally creating
// skeleton nodes along the way. Returns the terminal node's id.
// Insertion is idempotent: repeated lookups with insert=true for the
// same path always return the same node id.
func (idx *Index) searchEntry(path string, insert bool) (uint64, bool) {
	cur := idx.root
	for _, seg := range splitPath(path) {
		n := idx.nodes[cur]
		childID, ok := n.children[seg]
		if !ok {
			if !insert {
				return 0, false
			}
			childID = idx.newNode(cur, seg)
			n.children[seg] = childID
		}
		cur = childID
	}
	return cur, true
}

// Insert records or overwrites the leaf entry for e.Path, creating any
// missing skeleton (directory) nodes along the way.
func (idx *Index) Insert(e Entry) {
	id, _ := idx.searchEntry(e.Path, true)
	n := idx.nodes[id]
	n.hasRecord = true
	n.entry = e
}

// Mark sets Read = true for path's entry. Returns ErrNotFound if path
// has no record (a skeleton-only node, or no node at all).
func (idx *Index) Mark(path string) error {
	id, ok := idx.searchEntry(path, false)
	if !ok {
		return ErrNotFound
	}
	n := idx.nodes[id]
	if !n.hasRecord {
		return ErrNotFound
	}
	n.entry.Read = true
	return nil
}

// Remove marks path's entry Deleted = true (a REMOVE overlay). Returns
// ErrNotFound if path has no record.
func (idx *Index) Remove(path string) error {
	id, ok := idx.searchEntry(path, false)
	if !ok {
		return ErrNotFound
	}
	n := idx.nodes[id]
	if !n.hasRecord {
		return ErrNotFound
	}
	n.entry.Deleted = true
	return nil
}

// Get returns the entry at path, if any.
func (idx *Index) Get(path string) (Entry, bool) {
	id, ok := idx.searchEntry(path, false)
	if !ok {
		return Entry{}, false
	}
	n := idx.nodes[id]
	if !n.hasRecord {
		return Entry{}, false
	}
	return n.entry, true
}

// UnmarkedPaths returns every live (non-deleted) path holding a record
// (a file or a directory entry, with or without children) whose Read
// flag is false. Called once per backup walk to discover implicit
// REMOVEs: files that were in the prior manifest but were not visited
// this time.
func (idx *Index) UnmarkedPaths() []string {
	var out []string
	idx.visit(idx.root, func(n *node) {
		if n.hasRecord && !n.entry.Deleted && !n.entry.Read {
			out = append(out, n.entry.Path)
		}
	})
	sort.Strings(out)
	return out
}

// Walk calls fn once for every live (non-deleted) entry, in a
// deterministic (lexicographic child-order, depth-first) order. Walk
// stops and returns the first error fn produces.
func (idx *Index) Walk(fn func(Entry) error) error {
	var walkErr error
	idx.visit(idx.root, func(n *node) {
		if walkErr != nil || !n.hasRecord || n.entry.Deleted {
			return
		}
		if err := fn(n.entry); err != nil {
			walkErr = err
		}
	})
	return walkErr
}

func (idx *Index) visit(id uint64, fn func(*node)) {
	n := idx.nodes[id]
	fn(n)
	keys := make([]string, 0, len(n.children))
	for k := range n.children {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		idx.visit(n.children[k], fn)
	}
}
