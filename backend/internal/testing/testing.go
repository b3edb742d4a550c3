// Package testing holds helpers shared by the tests of every package.
package testing

import (
	"context"
	"sync"
	"time"

	"Coderoom/backend/events"
	"Coderoom/backend/storage"
	"Coderoom/backend/types"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

// ErrInjected is the failure returned by a FlakyStore.
var ErrInjected = xerrors.New("injected store failure")

// InsertsFromString returns the inserts typing text as site, the first
// character anchored on after and numbered from seq.
func InsertsFromString(text, site string, after types.ElementID, seq uint64) []types.Op {
	ops := make([]types.Op, 0, len(text))
	for _, c := range text {
		id := types.ElementID{Site: site, Seq: seq}
		ops = append(ops, types.NewInsert(id, after, string(c)))
		after = id
		seq++
	}
	return ops
}

// ID is a shorthand for an element id.
func ID(site string, seq uint64) types.ElementID {
	return types.ElementID{Site: site, Seq: seq}
}

// RecordingSink records every emitted event.
//
// - implements events.Sink
type RecordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

// NewRecordingSink returns an empty sink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

// Emit implements events.Sink
func (s *RecordingSink) Emit(_ context.Context, evt events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, evt)
}

// Events returns the events recorded so far.
func (s *RecordingSink) Events() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]events.Event(nil), s.events...)
}

// Count returns the number of recorded events of the given kind.
func (s *RecordingSink) Count(kind events.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, evt := range s.events {
		if evt.Kind == kind {
			n++
		}
	}
	return n
}

// WaitFor fails t unless n events of kind were recorded within timeout.
func (s *RecordingSink) WaitFor(t require.TestingT, kind events.Kind, n int, timeout time.Duration) {
	require.Eventually(t, func() bool {
		return s.Count(kind) >= n
	}, timeout, 5*time.Millisecond, "waiting for %d %s events", n, kind)
}

// FlakyStore wraps a store and fails its writes on demand.
//
// - implements storage.DocumentStore
type FlakyStore struct {
	storage.DocumentStore

	mu       sync.Mutex
	failPuts int
	failAll  bool
	puts     int
	failures int
}

// NewFlakyStore wraps store, which defaults to a fresh memory store.
func NewFlakyStore(store storage.DocumentStore) *FlakyStore {
	if store == nil {
		store = storage.NewMemoryStore()
	}
	return &FlakyStore{DocumentStore: store}
}

// FailNextPuts makes the next n writes fail.
func (f *FlakyStore) FailNextPuts(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failPuts = n
}

// SetFailing makes every write fail until it is called with false.
func (f *FlakyStore) SetFailing(failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failAll = failing
}

// Put implements storage.DocumentStore
func (f *FlakyStore) Put(ctx context.Context, roomID string, data []byte, expiresAt time.Time) error {
	f.mu.Lock()
	f.puts++
	fail := f.failAll || f.failPuts > 0
	if f.failPuts > 0 {
		f.failPuts--
	}
	if fail {
		f.failures++
	}
	f.mu.Unlock()

	if fail {
		return ErrInjected
	}
	return f.DocumentStore.Put(ctx, roomID, data, expiresAt)
}

// Puts returns the number of write attempts, failed ones included.
func (f *FlakyStore) Puts() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.puts
}

// Failures returns the number of writes that failed.
func (f *FlakyStore) Failures() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.failures
}
