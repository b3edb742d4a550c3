package rts

import (
	"encoding/json"

	"Coderoom/backend/types"

	"golang.org/x/xerrors"
)

const snapshotFormat = 1

// snapshotState is the serialized form of a document: its operation log,
// replayed on restore, plus the vectors the log alone cannot rebuild.
type snapshotState struct {
	Format  int                 `json:"format"`
	Version types.VersionVector `json:"version"`
	Floor   types.VersionVector `json:"floor,omitempty"`
	Ops     []types.Op          `json:"ops"`
}

// Snapshot serializes the full state of the document.
func (t *RTS) Snapshot() ([]byte, error) {
	state := snapshotState{
		Format:  snapshotFormat,
		Version: t.version,
		Floor:   t.floor,
		Ops:     t.log,
	}

	data, err := json.Marshal(state)
	if err != nil {
		return nil, xerrors.Errorf("failed to marshal snapshot: %v", err)
	}
	return data, nil
}

// Restore rebuilds a document from a snapshot.
func Restore(data []byte) (*RTS, error) {
	var state snapshotState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, xerrors.Errorf("failed to unmarshal snapshot: %v", err)
	}
	if state.Format != snapshotFormat {
		return nil, xerrors.Errorf("unsupported snapshot format %d", state.Format)
	}

	t := New()
	for i, op := range state.Ops {
		if _, err := t.Apply(op); err != nil {
			return nil, xerrors.Errorf("failed to replay op %d of snapshot: %w", i, err)
		}
	}
	t.version.Merge(state.Version)
	t.floor.Merge(state.Floor)
	for _, seq := range t.version {
		if seq > t.maxSeq {
			t.maxSeq = seq
		}
	}

	return t, nil
}
