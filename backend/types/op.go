package types

import (
	"fmt"
	"sort"
	"strings"
)

// OpKind names the two operations of the replicated text structure.
type OpKind string

const (
	InsertOpKind OpKind = "insert"
	DeleteOpKind OpKind = "delete"
)

// ElementID identifies one inserted character: the site that created it and
// that site's sequence number. The zero value is the start-of-document root.
type ElementID struct {
	Site string `json:"site"`
	Seq  uint64 `json:"seq"`
}

// RootID is the sentinel anchor of the first character of a document.
var RootID = ElementID{}

// IsRoot reports whether the id is the start-of-document sentinel.
func (id ElementID) IsRoot() bool {
	return id == RootID
}

// String returns "<seq>@<site>", or "root" for the sentinel.
func (id ElementID) String() string {
	if id.IsRoot() {
		return "root"
	}
	return fmt.Sprintf("%d@%s", id.Seq, id.Site)
}

// Precedes reports whether a is placed before b when both were inserted after
// the same anchor. Ordering is (seq, site) descending. Every replica MUST use
// this function, any other order breaks convergence.
func Precedes(a, b ElementID) bool {
	if a.Seq != b.Seq {
		return a.Seq > b.Seq
	}
	return a.Site > b.Site
}

// Op is a single Insert or Delete.
//
//   - insert: ID is the new element, After its anchor, Char one code point.
//   - delete: ID is the removed element, Stamp the (site, seq) of the deleting
//     session so that causal cursors account for deletions too.
type Op struct {
	Kind  OpKind    `json:"kind"`
	ID    ElementID `json:"id"`
	After ElementID `json:"after"`
	Char  string    `json:"char,omitempty"`
	Stamp ElementID `json:"stamp"`
}

// NewInsert returns an insert of char after the given anchor.
func NewInsert(id, after ElementID, char string) Op {
	return Op{Kind: InsertOpKind, ID: id, After: after, Char: char}
}

// NewDelete returns a delete of target issued under stamp.
func NewDelete(target, stamp ElementID) Op {
	return Op{Kind: DeleteOpKind, ID: target, Stamp: stamp}
}

// Origin is the (site, seq) under which the op was issued.
func (op Op) Origin() ElementID {
	if op.Kind == DeleteOpKind {
		return op.Stamp
	}
	return op.ID
}

func (op Op) String() string {
	switch op.Kind {
	case InsertOpKind:
		return fmt.Sprintf("insert{%s after %s %q}", op.ID, op.After, op.Char)
	case DeleteOpKind:
		return fmt.Sprintf("delete{%s by %s}", op.ID, op.Stamp)
	default:
		return fmt.Sprintf("op{%s}", op.Kind)
	}
}

// VersionVector maps a site to the highest sequence number seen from it. It
// is the causal cursor exchanged between clients and rooms.
type VersionVector map[string]uint64

// Covers reports whether the op issued under id has been seen.
func (v VersionVector) Covers(id ElementID) bool {
	return id.Seq <= v[id.Site]
}

// Observe raises the entry of id's site to id.Seq.
func (v VersionVector) Observe(id ElementID) {
	if id.Seq > v[id.Site] {
		v[id.Site] = id.Seq
	}
}

// Clone returns a copy of the vector.
func (v VersionVector) Clone() VersionVector {
	c := make(VersionVector, len(v))
	for site, seq := range v {
		c[site] = seq
	}
	return c
}

// Merge raises every entry of v to at least the matching entry of other.
func (v VersionVector) Merge(other VersionVector) {
	for site, seq := range other {
		if seq > v[site] {
			v[site] = seq
		}
	}
}

// Dominates reports whether v has seen everything other has seen.
func (v VersionVector) Dominates(other VersionVector) bool {
	for site, seq := range other {
		if v[site] < seq {
			return false
		}
	}
	return true
}

func (v VersionVector) String() string {
	sites := make([]string, 0, len(v))
	for site := range v {
		sites = append(sites, site)
	}
	sort.Strings(sites)

	parts := make([]string, len(sites))
	for i, site := range sites {
		parts[i] = fmt.Sprintf("%s:%d", site, v[site])
	}
	return "{" + strings.Join(parts, " ") + "}"
}
