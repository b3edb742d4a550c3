// Package rts implements the replicated text structure of a room: an RGA
// sequence of single-character elements with tombstones.
//
// Every element is anchored on the element it was inserted after. The anchors
// form a tree rooted at types.RootID, and the document order is the preorder
// of that tree with siblings sorted by types.Precedes. Deleting an element only
// flags it, so late operations anchored on it still land deterministically.
package rts

import (
	"strings"
	"unicode/utf8"

	"Coderoom/backend/types"

	"golang.org/x/xerrors"
)

// ErrMalformedOperation is returned when an operation references an element
// that was never seen, or is otherwise invalid. The document is unaffected.
var ErrMalformedOperation = xerrors.New("malformed operation")

// ErrStaleCursor is returned by DiffSince when the cursor predates compacted
// state and the caller must fall back to a full snapshot.
var ErrStaleCursor = xerrors.New("cursor predates compacted state")

type element struct {
	id       types.ElementID
	after    types.ElementID
	char     string
	deleted  bool
	delStamp types.ElementID
	parent   *element
	children []*element // in types.Precedes order
}

// Applied reports the effect of one Apply call.
type Applied struct {
	Op types.Op
	// Duplicate is set when the op had already been applied and was ignored.
	Duplicate bool
}

// RTS is a replicated text structure. It is not safe for concurrent use, a
// room actor owns exactly one.
type RTS struct {
	root    *element
	index   map[types.ElementID]*element
	version types.VersionVector
	floor   types.VersionVector
	log     []types.Op
	visible int
	maxSeq  uint64
}

// New returns an empty document.
func New() *RTS {
	root := &element{id: types.RootID, deleted: true}
	return &RTS{
		root:    root,
		index:   map[types.ElementID]*element{types.RootID: root},
		version: make(types.VersionVector),
		floor:   make(types.VersionVector),
	}
}

// Apply applies an insert or a delete. Re-applying an op is a no-op. Ops of
// one site may arrive in any order once their anchor is known.
func (t *RTS) Apply(op types.Op) (Applied, error) {
	switch op.Kind {
	case types.InsertOpKind:
		return t.insert(op)
	case types.DeleteOpKind:
		return t.delete(op)
	default:
		return Applied{}, xerrors.Errorf("unknown kind %q: %w", op.Kind, ErrMalformedOperation)
	}
}

func (t *RTS) insert(op types.Op) (Applied, error) {
	if op.ID.Site == "" || op.ID.Seq == 0 {
		return Applied{}, xerrors.Errorf("insert with invalid id %s: %w", op.ID, ErrMalformedOperation)
	}
	if utf8.RuneCountInString(op.Char) != 1 || !utf8.ValidString(op.Char) {
		return Applied{}, xerrors.Errorf("insert %s must carry one character: %w", op.ID, ErrMalformedOperation)
	}
	if _, exists := t.index[op.ID]; exists {
		return Applied{Op: op, Duplicate: true}, nil
	}
	parent, exists := t.index[op.After]
	if !exists {
		return Applied{}, xerrors.Errorf("insert %s after unknown %s: %w", op.ID, op.After, ErrMalformedOperation)
	}

	e := &element{id: op.ID, after: op.After, char: op.Char, parent: parent}
	parent.children = insertSibling(parent.children, e)
	t.index[op.ID] = e
	t.visible++
	t.observe(op.ID)
	t.log = append(t.log, op)

	return Applied{Op: op}, nil
}

func (t *RTS) delete(op types.Op) (Applied, error) {
	if op.Stamp.Site == "" || op.Stamp.Seq == 0 {
		return Applied{}, xerrors.Errorf("delete of %s without stamp: %w", op.ID, ErrMalformedOperation)
	}

	e, exists := t.index[op.ID]
	if !exists || op.ID.IsRoot() {
		return Applied{}, xerrors.Errorf("delete of unknown %s: %w", op.ID, ErrMalformedOperation)
	}
	if e.deleted {
		// either a redelivery or a concurrent delete that lost the race
		t.observe(op.Stamp)
		return Applied{Op: op, Duplicate: true}, nil
	}
	t.observe(op.Stamp)
	e.deleted = true
	e.delStamp = op.Stamp
	t.visible--
	t.log = append(t.log, op)

	return Applied{Op: op}, nil
}

// Seen reports whether applying op would be a duplicate: the element of an
// insert is known, or the target of a delete is already a tombstone.
func (t *RTS) Seen(op types.Op) bool {
	e, exists := t.index[op.ID]
	switch op.Kind {
	case types.InsertOpKind:
		return exists
	case types.DeleteOpKind:
		return exists && e.deleted
	default:
		return false
	}
}

// HighWater returns the highest seq applied from site.
func (t *RTS) HighWater(site string) uint64 {
	return t.version[site]
}

func (t *RTS) observe(id types.ElementID) {
	t.version.Observe(id)
	if id.Seq > t.maxSeq {
		t.maxSeq = id.Seq
	}
}

// insertSibling places e among siblings, keeping types.Precedes order.
func insertSibling(siblings []*element, e *element) []*element {
	i := 0
	for i < len(siblings) && types.Precedes(siblings[i].id, e.id) {
		i++
	}
	siblings = append(siblings, nil)
	copy(siblings[i+1:], siblings[i:])
	siblings[i] = e
	return siblings
}

// walk visits every element but the root in document order until fn returns
// false. It is iterative, anchor chains are as deep as the text is long.
func (t *RTS) walk(fn func(e *element) bool) {
	stack := make([]*element, 0, 64)
	for i := len(t.root.children) - 1; i >= 0; i-- {
		stack = append(stack, t.root.children[i])
	}

	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if !fn(e) {
			return
		}
		for i := len(e.children) - 1; i >= 0; i-- {
			stack = append(stack, e.children[i])
		}
	}
}

// Text renders the visible characters in converged order.
func (t *RTS) Text() string {
	var sb strings.Builder
	t.walk(func(e *element) bool {
		if !e.deleted {
			sb.WriteString(e.char)
		}
		return true
	})
	return sb.String()
}

// DiffSince returns, in causal order, the applied operations the cursor has
// not seen. A cursor is exact for replicas that receive each site's ops in seq
// order.
func (t *RTS) DiffSince(cursor types.VersionVector) ([]types.Op, error) {
	if !cursor.Dominates(t.floor) {
		return nil, xerrors.Errorf("cursor %s, floor %s: %w", cursor, t.floor, ErrStaleCursor)
	}

	ops := make([]types.Op, 0)
	for _, op := range t.log {
		if !cursor.Covers(op.Origin()) {
			ops = append(ops, op)
		}
	}
	return ops, nil
}

// Compact drops tombstones nobody can reference anymore: leaves whose insert
// and delete are both covered by stable. It returns the number of elements
// removed. The visible text is unchanged.
func (t *RTS) Compact(stable types.VersionVector) int {
	order := make([]*element, 0, len(t.index))
	t.walk(func(e *element) bool {
		order = append(order, e)
		return true
	})

	removed := 0
	// reverse preorder visits children before their parent
	for i := len(order) - 1; i >= 0; i-- {
		e := order[i]
		if !e.deleted || len(e.children) > 0 {
			continue
		}
		if !stable.Covers(e.id) || !stable.Covers(e.delStamp) {
			continue
		}

		e.parent.children = removeSibling(e.parent.children, e)
		delete(t.index, e.id)
		removed++
	}

	if removed > 0 {
		kept := t.log[:0]
		for _, op := range t.log {
			if _, exists := t.index[op.ID]; exists {
				kept = append(kept, op)
			}
		}
		t.log = kept
	}
	t.floor.Merge(stable)

	return removed
}

func removeSibling(siblings []*element, e *element) []*element {
	for i, s := range siblings {
		if s == e {
			return append(siblings[:i], siblings[i+1:]...)
		}
	}
	return siblings
}

// Version returns a copy of the causal cursor of the document.
func (t *RTS) Version() types.VersionVector {
	return t.version.Clone()
}

// Len returns the number of visible characters.
func (t *RTS) Len() int {
	return t.visible
}

// Size returns the number of elements, tombstones included.
func (t *RTS) Size() int {
	return len(t.index) - 1
}

// Tombstones returns the number of deleted elements still retained.
func (t *RTS) Tombstones() int {
	return t.Size() - t.visible
}

// Contains reports whether the element is known, deleted or not.
func (t *RTS) Contains(id types.ElementID) bool {
	_, exists := t.index[id]
	return exists
}

// idAt returns the id of the visible character at pos, or the root for -1.
func (t *RTS) idAt(pos int) (types.ElementID, bool) {
	if pos < 0 {
		return types.RootID, true
	}

	var found *element
	n := 0
	t.walk(func(e *element) bool {
		if e.deleted {
			return true
		}
		if n == pos {
			found = e
			return false
		}
		n++
		return true
	})

	if found == nil {
		return types.ElementID{}, false
	}
	return found.id, true
}
