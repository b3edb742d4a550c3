package rts

import (
	"Coderoom/backend/types"

	"golang.org/x/xerrors"
)

// Replica edits a document on behalf of one site, generating the operations
// a client would send. Sequence numbers are Lamport-style, one above anything
// seen, so a local insert lands right after its anchor.
type Replica struct {
	*RTS
	site string
}

// NewReplica returns a replica of an empty document for the given site.
func NewReplica(site string) *Replica {
	return &Replica{RTS: New(), site: site}
}

// Bind returns a replica editing doc as the given site.
func Bind(doc *RTS, site string) *Replica {
	return &Replica{RTS: doc, site: site}
}

// Site returns the site the replica issues operations under.
func (r *Replica) Site() string {
	return r.site
}

func (r *Replica) next() types.ElementID {
	return types.ElementID{Site: r.site, Seq: r.maxSeq + 1}
}

// InsertAt inserts text so that its first character ends up at visible
// position pos, and returns the applied operations.
func (r *Replica) InsertAt(pos int, text string) ([]types.Op, error) {
	if pos < 0 || pos > r.Len() {
		return nil, xerrors.Errorf("insert position %d out of range [0, %d]", pos, r.Len())
	}

	after, _ := r.idAt(pos - 1)
	ops := make([]types.Op, 0, len(text))
	for _, c := range text {
		op := types.NewInsert(r.next(), after, string(c))
		if _, err := r.Apply(op); err != nil {
			return ops, err
		}
		ops = append(ops, op)
		after = op.ID
	}
	return ops, nil
}

// DeleteAt deletes n visible characters starting at pos.
func (r *Replica) DeleteAt(pos, n int) ([]types.Op, error) {
	if pos < 0 || n < 0 || pos+n > r.Len() {
		return nil, xerrors.Errorf("delete range [%d, %d) out of range [0, %d)", pos, pos+n, r.Len())
	}

	targets := make([]types.ElementID, 0, n)
	for i := 0; i < n; i++ {
		id, _ := r.idAt(pos + i)
		targets = append(targets, id)
	}

	ops := make([]types.Op, 0, n)
	for _, id := range targets {
		op := types.NewDelete(id, r.next())
		if _, err := r.Apply(op); err != nil {
			return ops, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Merge applies remote operations in order, stopping at the first failure.
func (r *Replica) Merge(ops ...types.Op) error {
	for _, op := range ops {
		if _, err := r.Apply(op); err != nil {
			return err
		}
	}
	return nil
}
