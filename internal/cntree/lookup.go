package cntree

import (
	"bytes"
	"math"
)

// lookup.go implements the read path: GET and prefix probe both descend
// root-then-leaf, scanning each node's kvsets newest-to-oldest so the first
// qualifying record found is correct without comparing sequence numbers
// across nodes. The whole descent runs under the tree read lock; the route
// map is consulted only after the root's list is exhausted.

// Get performs a point lookup for key at the newest possible view.
func (t *Tree) Get(key []byte) (LookupResult, []byte, error) {
	return t.GetAt(key, math.MaxUint64)
}

// GetAt performs a point lookup for key at view sequence number viewSeq,
// returning the first value or tombstone found scanning root kvsets then
// (if the root resolved nothing) the owning leaf's kvsets, newest first.
func (t *Tree) GetAt(key []byte, viewSeq uint64) (LookupResult, []byte, error) {
	hash := khashOf(key)

	t.RLock()
	defer t.RUnlock()

	if res, val, err := scanNode(t.root, key, hash, viewSeq); res != NotFound || err != nil {
		return res, val, err
	}

	leaf := t.LeafFor(key)
	if leaf == nil || leaf == t.root {
		return NotFound, nil, nil
	}
	return scanNode(leaf, key, hash, viewSeq)
}

// ProbePrefix reports how many distinct keys carry the given prefix at the
// newest possible view.
func (t *Tree) ProbePrefix(pfx []byte) (LookupResult, []byte, []byte, error) {
	return t.ProbePrefixAt(pfx, math.MaxUint64)
}

// ProbePrefixAt probes for keys carrying pfx at view sequence viewSeq,
// scanning root then the owning leaf. The descent stops as soon as
// ambiguity is established (more than one match) or a covering prefix
// tombstone is found.
func (t *Tree) ProbePrefixAt(pfx []byte, viewSeq uint64) (LookupResult, []byte, []byte, error) {
	hash := khashOf(pfx)

	t.RLock()
	defer t.RUnlock()

	res, key, val, seen, err := probeNode(t.root, pfx, hash, viewSeq, 0)
	if err != nil {
		return NotFound, nil, nil, err
	}
	if res == FoundMultiple || res == FoundPtomb {
		return res, key, val, nil
	}

	leaf := t.LeafFor(pfx)
	if leaf != nil && leaf != t.root {
		res2, key2, val2, seen2, err := probeNode(leaf, pfx, hash, viewSeq, seen)
		if err != nil {
			return NotFound, nil, nil, err
		}
		if res2 == FoundMultiple || res2 == FoundPtomb {
			return res2, key2, val2, nil
		}
		if res2 == FoundVal {
			res, key, val = res2, key2, val2
		}
		seen = seen2
	}

	if seen > 1 {
		return FoundMultiple, nil, nil, nil
	}
	if res == FoundVal {
		return FoundVal, key, val, nil
	}
	return NotFound, nil, nil, nil
}

// scanNode walks n's kvsets newest-first, returning the first non-NotFound
// result.
func scanNode(n *Node, key []byte, hash, viewSeq uint64) (LookupResult, []byte, error) {
	for _, k := range n.Kvsets() {
		res, val, err := k.Lookup(key, k.DiscriminatorHash(key, hash), viewSeq)
		if err != nil {
			return NotFound, nil, err
		}
		if res != NotFound {
			return res, val, nil
		}
	}
	return NotFound, nil, nil
}

// probeNode walks n's kvsets newest-first accumulating distinct-key
// matches; seenIn carries the running count from an earlier (root) scan so
// the leaf scan can detect cross-node ambiguity.
func probeNode(n *Node, pfx []byte, hash, viewSeq uint64, seenIn int) (LookupResult, []byte, []byte, int, error) {
	seen := seenIn
	var matchKey, matchVal []byte
	for _, k := range n.Kvsets() {
		res, key, val, err := k.PfxLookup(pfx, k.DiscriminatorHash(pfx, hash), viewSeq)
		if err != nil {
			return NotFound, nil, nil, seen, err
		}
		switch res {
		case FoundPtomb:
			return FoundPtomb, nil, nil, seen, nil
		case FoundMultiple:
			return FoundMultiple, nil, nil, seen + 2, nil
		case FoundVal:
			// The same key shadowed across kvsets is one match, not two;
			// the newest kvset's value already won.
			if matchKey != nil && bytes.Equal(key, matchKey) {
				continue
			}
			seen++
			if seen > 1 {
				return FoundMultiple, nil, nil, seen, nil
			}
			matchKey, matchVal = key, val
		}
	}
	if matchKey == nil {
		return NotFound, nil, nil, seen, nil
	}
	return FoundVal, matchKey, matchVal, seen, nil
}
