package room_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"Coderoom/backend/events"
	z "Coderoom/backend/internal/testing"
	"Coderoom/backend/persistence"
	"Coderoom/backend/room"
	"Coderoom/backend/rts"
	"Coderoom/backend/storage"
	"Coderoom/backend/types"

	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type fixture struct {
	store    storage.DocumentStore
	sink     *z.RecordingSink
	bridge   *persistence.Bridge
	registry *room.Registry
}

func testOptions(sink events.Sink) room.Options {
	opts := room.DefaultOptions()
	opts.SaveInterval = 20 * time.Millisecond
	opts.IdleTimeout = time.Second
	opts.DrainTimeout = time.Second
	opts.JoinAttempts = 200
	opts.JoinBackoff = 5 * time.Millisecond
	opts.Events = sink
	return opts
}

func bridgeOptions() persistence.Options {
	opts := persistence.DefaultOptions()
	opts.InitialBackoff = time.Millisecond
	opts.MaxBackoff = 5 * time.Millisecond
	opts.RetryCooldown = 50 * time.Millisecond
	return opts
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, storage.NewMemoryStore())
}

func newFixtureWith(t *testing.T, store storage.DocumentStore) *fixture {
	f := &fixture{
		store: store,
		sink:  z.NewRecordingSink(),
	}
	f.bridge = persistence.NewBridge(f.store, f.sink, bridgeOptions())
	f.registry = room.NewRegistry(f.bridge, testOptions(f.sink))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		require.NoError(t, f.registry.Close(ctx))
		require.NoError(t, f.bridge.Close(ctx))
	})
	return f
}

type client struct {
	session *room.Session
	room    *room.Room
	init    room.InitialState
	replica *rts.Replica
}

func (f *fixture) join(t *testing.T, roomID, user string) *client {
	return f.joinWith(t, roomID, user, nil, room.NewOutbox(64, 1024))
}

func (f *fixture) joinWith(t *testing.T, roomID, user string, cursor types.VersionVector, outbox *room.Outbox) *client {
	s := room.NewSession(roomID, user, outbox)
	rm, state, err := f.registry.Join(context.Background(), s, cursor, types.PresenceMeta{Name: user})
	require.NoError(t, err)

	c := &client{session: s, room: rm, init: state}

	init := nextFrame(t, s)
	require.Equal(t, types.InitMessageType, init.Type)
	require.Equal(t, s.ID, init.SessionID)
	require.Equal(t, s.Site, init.Site)

	if init.Snapshot != nil {
		doc, err := rts.Restore(init.Snapshot)
		require.NoError(t, err)
		require.Equal(t, doc.Text(), *init.Text)
		c.replica = rts.Bind(doc, s.Site)
	}
	return c
}

func nextFrame(t *testing.T, s *room.Session) types.ServerMessage {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	msg, err := s.Outbox().Next(ctx)
	require.NoError(t, err)
	return msg
}

// nextOfType skips frames until one of the given type.
func nextOfType(t *testing.T, s *room.Session, kind types.MessageType) types.ServerMessage {
	for {
		msg := nextFrame(t, s)
		if msg.Type == kind {
			return msg
		}
	}
}

func (c *client) insert(t *testing.T, pos int, text string) []types.Op {
	ops, err := c.replica.InsertAt(pos, text)
	require.NoError(t, err)
	_, err = c.room.ApplyOp(context.Background(), c.session.ID, ops...)
	require.NoError(t, err)
	return ops
}

func waitDone(t *testing.T, rm *room.Room) {
	select {
	case <-rm.Done():
	case <-time.After(waitFor):
		t.Fatalf("room %s did not terminate", rm.ID())
	}
}

func storedText(t *testing.T, store storage.DocumentStore, roomID string) string {
	data, err := store.Get(context.Background(), roomID)
	require.NoError(t, err)

	var doc types.Document
	require.NoError(t, json.Unmarshal(data, &doc))
	text, err := rts.Restore(doc.Snapshot)
	require.NoError(t, err)
	return text.Text()
}

// Test_Room_Join_Init verifies that a joining session first receives the
// full state of the room.
func Test_Room_Join_Init(t *testing.T) {
	f := newFixture(t)

	alice := f.join(t, "r1", "alice")
	require.Equal(t, "", alice.replica.Text())
	require.Len(t, alice.init.Members, 1)
	require.Equal(t, room.StateActive, alice.room.State())

	alice.insert(t, 0, "hello")

	bob := f.join(t, "r1", "bob")
	require.Equal(t, "hello", bob.replica.Text())
	require.Len(t, bob.init.Members, 2)
	require.Same(t, alice.room, bob.room)

	members := nextOfType(t, alice.session, types.MembersMessageType)
	require.Len(t, members.Members, 2)
}

// Test_Room_Concurrent_Inserts verifies the hi/yo scenario through a room:
// both sessions converge on the same text.
func Test_Room_Concurrent_Inserts(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "r1", "a")
	b := f.join(t, "r1", "b")

	hi, err := a.replica.InsertAt(0, "hi")
	require.NoError(t, err)
	yo, err := b.replica.InsertAt(0, "yo")
	require.NoError(t, err)

	set, err := a.room.ApplyOp(context.Background(), a.session.ID, hi...)
	require.NoError(t, err)
	require.Equal(t, []string{b.session.ID}, set.Recipients)
	require.Equal(t, 2, set.Applied)

	_, err = b.room.ApplyOp(context.Background(), b.session.ID, yo...)
	require.NoError(t, err)

	fromB := nextOfType(t, a.session, types.OpMessageType)
	require.Equal(t, b.session.ID, fromB.SessionID)
	require.NoError(t, a.replica.Merge(fromB.Ops...))

	fromA := nextOfType(t, b.session, types.OpMessageType)
	require.NoError(t, b.replica.Merge(fromA.Ops...))

	view, err := a.room.Inspect(context.Background())
	require.NoError(t, err)
	require.Equal(t, view.Text, a.replica.Text())
	require.Equal(t, view.Text, b.replica.Text())
	require.ElementsMatch(t, []rune("hiyo"), []rune(view.Text))
}

// Test_Room_Delete_And_Insert verifies the abc scenario through a room: a
// character deleted by one session while another types after it.
func Test_Room_Delete_And_Insert(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "r1", "a")
	b := f.join(t, "r1", "b")

	a.insert(t, 0, "abc")
	require.NoError(t, b.replica.Merge(nextOfType(t, b.session, types.OpMessageType).Ops...))

	del, err := b.replica.DeleteAt(1, 1)
	require.NoError(t, err)
	ins, err := a.replica.InsertAt(2, "X")
	require.NoError(t, err)

	_, err = b.room.ApplyOp(context.Background(), b.session.ID, del...)
	require.NoError(t, err)
	_, err = a.room.ApplyOp(context.Background(), a.session.ID, ins...)
	require.NoError(t, err)

	require.NoError(t, a.replica.Merge(nextOfType(t, a.session, types.OpMessageType).Ops...))
	require.NoError(t, b.replica.Merge(nextOfType(t, b.session, types.OpMessageType).Ops...))

	view, err := a.room.Inspect(context.Background())
	require.NoError(t, err)
	require.Equal(t, "aXc", view.Text)
	require.Equal(t, view.Text, a.replica.Text())
	require.Equal(t, view.Text, b.replica.Text())
}

// Test_Room_Rejects_Malformed verifies that a bad operation is reported to its
// sender only and leaves the document and the other sessions untouched.
func Test_Room_Rejects_Malformed(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "r1", "a")
	b := f.join(t, "r1", "b")
	nextOfType(t, a.session, types.MembersMessageType)

	a.insert(t, 0, "ok")
	nextOfType(t, b.session, types.OpMessageType)

	unknown := types.NewInsert(types.ElementID{Site: a.session.Site, Seq: 100}, z.ID("nobody", 7), "x")
	set, err := a.room.ApplyOp(context.Background(), a.session.ID, unknown)
	require.ErrorIs(t, err, rts.ErrMalformedOperation)
	require.Empty(t, set.Recipients)

	// operations must be issued under the session's own site
	forged := types.NewInsert(types.ElementID{Site: b.session.Site, Seq: 100}, types.RootID, "x")
	_, err = a.room.ApplyOp(context.Background(), a.session.ID, forged)
	require.ErrorIs(t, err, rts.ErrMalformedOperation)

	view, err := a.room.Inspect(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", view.Text)
	require.Equal(t, 0, b.session.Outbox().Len())
}

// Test_Room_Rejects_Reordered_Ops verifies that a session must deliver its
// own operations in seq order, even when the document could take them.
func Test_Room_Rejects_Reordered_Ops(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "r1", "a")
	site := a.session.Site

	later := types.NewInsert(types.ElementID{Site: site, Seq: 2}, types.RootID, "y")
	earlier := types.NewInsert(types.ElementID{Site: site, Seq: 1}, types.RootID, "x")

	_, err := a.room.ApplyOp(context.Background(), a.session.ID, later)
	require.NoError(t, err)

	set, err := a.room.ApplyOp(context.Background(), a.session.ID, earlier)
	require.ErrorIs(t, err, rts.ErrMalformedOperation)
	require.Equal(t, 0, set.Applied)

	// a redelivery is still a duplicate rather than a regression
	set, err = a.room.ApplyOp(context.Background(), a.session.ID, later)
	require.NoError(t, err)
	require.Equal(t, 0, set.Applied)

	view, err := a.room.Inspect(context.Background())
	require.NoError(t, err)
	require.Equal(t, "y", view.Text)
}

// Test_Room_Batch_Prefix verifies that the valid prefix of a batch is applied
// and forwarded when a later operation is rejected.
func Test_Room_Batch_Prefix(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "r1", "a")
	b := f.join(t, "r1", "b")

	good, err := a.replica.InsertAt(0, "go")
	require.NoError(t, err)
	bad := types.NewInsert(types.ElementID{Site: a.session.Site, Seq: 99}, z.ID("nobody", 1), "!")

	set, err := a.room.ApplyOp(context.Background(), a.session.ID, append(good, bad)...)
	require.ErrorIs(t, err, rts.ErrMalformedOperation)
	require.Equal(t, 2, set.Applied)

	forwarded := nextOfType(t, b.session, types.OpMessageType)
	require.Equal(t, good, forwarded.Ops)
}

// Test_Room_Duplicate_Ops verifies that a redelivered operation is neither
// applied nor forwarded twice.
func Test_Room_Duplicate_Ops(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "r1", "a")
	b := f.join(t, "r1", "b")
	nextOfType(t, a.session, types.MembersMessageType)

	ops := a.insert(t, 0, "x")
	nextOfType(t, b.session, types.OpMessageType)

	set, err := a.room.ApplyOp(context.Background(), a.session.ID, ops...)
	require.NoError(t, err)
	require.Equal(t, 0, set.Applied)
	require.Empty(t, set.Recipients)
	require.Equal(t, 0, b.session.Outbox().Len())
}

// Test_Room_Not_Member verifies that requests of a session that never joined
// are refused.
func Test_Room_Not_Member(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "r1", "a")

	_, err := a.room.ApplyOp(context.Background(), "stranger", types.NewInsert(z.ID("s", 1), types.RootID, "x"))
	require.ErrorIs(t, err, room.ErrNotMember)

	_, err = a.room.UpdatePresence(context.Background(), "stranger", types.PresenceMeta{})
	require.ErrorIs(t, err, room.ErrNotMember)
}

// Test_Room_Presence verifies that presence reaches the other members and is
// kept in the member list.
func Test_Room_Presence(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "r1", "a")
	b := f.join(t, "r1", "b")

	cursor := types.ElementID{Site: "x", Seq: 1}
	meta := types.PresenceMeta{Name: "Ada", Color: "#ff0000", Cursor: &cursor}
	set, err := a.room.UpdatePresence(context.Background(), a.session.ID, meta)
	require.NoError(t, err)
	require.Equal(t, []string{b.session.ID}, set.Recipients)

	msg := nextOfType(t, b.session, types.PresenceMessageType)
	require.Equal(t, a.session.ID, msg.Presence.SessionID)
	require.Equal(t, meta, msg.Presence.Presence)

	view, err := a.room.Inspect(context.Background())
	require.NoError(t, err)
	for _, m := range view.Members {
		if m.SessionID == a.session.ID {
			require.Equal(t, meta, m.Presence)
		}
	}
}

// Test_Room_Leave_Idempotent verifies that leaving twice is harmless.
func Test_Room_Leave_Idempotent(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "r1", "a")
	b := f.join(t, "r1", "b")

	changed, err := b.room.Leave(context.Background(), b.session.ID)
	require.NoError(t, err)
	require.Equal(t, 1, changed.Remaining)

	changed, err = b.room.Leave(context.Background(), b.session.ID)
	require.NoError(t, err)
	require.Equal(t, 1, changed.Remaining)

	joined := nextOfType(t, a.session, types.MembersMessageType)
	require.Len(t, joined.Members, 2)
	left := nextOfType(t, a.session, types.MembersMessageType)
	require.Len(t, left.Members, 1)
	require.Equal(t, a.session.ID, left.Members[0].SessionID)
}

// Test_Room_Teardown_And_Rejoin verifies the r2 scenario: the last leave
// flushes the document, and a later join gets exactly that text back.
func Test_Room_Teardown_And_Rejoin(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "r2", "a")
	a.insert(t, 0, "persist me")
	del, err := a.replica.DeleteAt(0, 8)
	require.NoError(t, err)
	_, err = a.room.ApplyOp(context.Background(), a.session.ID, del...)
	require.NoError(t, err)

	view, err := a.room.Inspect(context.Background())
	require.NoError(t, err)
	atLeave := view.Text
	require.Equal(t, "me", atLeave)

	changed, err := a.room.Leave(context.Background(), a.session.ID)
	require.NoError(t, err)
	require.Equal(t, 0, changed.Remaining)

	waitDone(t, a.room)
	require.Equal(t, room.StateTerminated, a.room.State())
	require.Equal(t, 0, f.registry.Len())
	require.Equal(t, atLeave, storedText(t, f.store, "r2"))
	require.False(t, f.bridge.Pending("r2"))

	_, err = a.room.ApplyOp(context.Background(), a.session.ID)
	require.ErrorIs(t, err, room.ErrRoomNotFound)

	b := f.join(t, "r2", "b")
	require.NotSame(t, a.room, b.room)
	require.Equal(t, atLeave, b.replica.Text())

	f.sink.WaitFor(t, events.RoomClosed, 1, waitFor)
}

// Test_Room_Reopen_After_Failed_Flush verifies that when the final flush of a
// room fails, a room reopened before the save is retried starts from the
// unsaved text, which later reaches the store.
func Test_Room_Reopen_After_Failed_Flush(t *testing.T) {
	store := z.NewFlakyStore(nil)
	f := newFixtureWith(t, store)
	store.SetFailing(true)

	a := f.join(t, "r3", "a")
	a.insert(t, 0, "unsaved")

	view, err := a.room.Inspect(context.Background())
	require.NoError(t, err)
	atLeave := view.Text

	_, err = a.room.Leave(context.Background(), a.session.ID)
	require.NoError(t, err)
	waitDone(t, a.room)

	f.sink.WaitFor(t, events.PersistenceDegraded, 1, waitFor)
	require.True(t, f.bridge.Pending("r3"))
	_, err = store.Get(context.Background(), "r3")
	require.ErrorIs(t, err, storage.ErrNotFound)

	b := f.join(t, "r3", "b")
	require.NotSame(t, a.room, b.room)
	require.Equal(t, atLeave, *b.init.Init.Text)
	require.Equal(t, atLeave, b.replica.Text())

	store.SetFailing(false)
	require.Eventually(t, func() bool {
		return !f.bridge.Pending("r3")
	}, waitFor, 5*time.Millisecond)
	require.Equal(t, atLeave, storedText(t, store, "r3"))
	f.sink.WaitFor(t, events.PersistenceRecovered, 1, waitFor)
}

// Test_Room_Debounced_Save verifies that edits reach the store while the room
// stays active.
func Test_Room_Debounced_Save(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "r1", "a")
	a.insert(t, 0, "draft")

	require.Eventually(t, func() bool {
		_, err := f.store.Get(context.Background(), "r1")
		return err == nil
	}, waitFor, 5*time.Millisecond)
	require.Equal(t, "draft", storedText(t, f.store, "r1"))
	require.Equal(t, room.StateActive, a.room.State())
}

// Test_Room_Catch_Up verifies that a session rejoining with a cursor only
// receives the operations it missed.
func Test_Room_Catch_Up(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "r1", "a")
	b := f.join(t, "r1", "b")

	a.insert(t, 0, "abc")
	require.NoError(t, b.replica.Merge(nextOfType(t, b.session, types.OpMessageType).Ops...))
	cursor := b.replica.Version()

	_, err := b.room.Leave(context.Background(), b.session.ID)
	require.NoError(t, err)

	a.insert(t, 3, "de")

	s := room.NewSession("r1", "b", room.NewOutbox(64, 1024))
	_, state, err := f.registry.Join(context.Background(), s, cursor, types.PresenceMeta{})
	require.NoError(t, err)
	require.Nil(t, state.Init.Snapshot)
	require.Len(t, state.Init.Ops, 2)

	require.NoError(t, b.replica.Merge(state.Init.Ops...))
	require.Equal(t, "abcde", b.replica.Text())
}

// Test_Room_Evicts_Slow_Consumer verifies that a session whose outbox backlog
// overflows is removed from the room.
func Test_Room_Evicts_Slow_Consumer(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "r1", "a")

	slow := room.NewSession("r1", "slow", room.NewOutbox(1, 2))
	_, _, err := f.registry.Join(context.Background(), slow, nil, types.PresenceMeta{})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		a.insert(t, i, "x")
	}

	f.sink.WaitFor(t, events.SessionEvicted, 1, waitFor)

	view, err := a.room.Inspect(context.Background())
	require.NoError(t, err)
	require.Len(t, view.Members, 1)

	_, err = a.room.ApplyOp(context.Background(), slow.ID, types.NewInsert(types.ElementID{Site: slow.Site, Seq: 50}, types.RootID, "x"))
	require.ErrorIs(t, err, room.ErrNotMember)

	// the evicted session still drains what was queued, then stops
	for {
		_, err := slow.Outbox().Next(context.Background())
		if err != nil {
			require.ErrorIs(t, err, room.ErrOutboxClosed)
			break
		}
	}
}

// gatedPersister holds final flushes until released.
type gatedPersister struct {
	room.Persister
	gate     chan struct{}
	flushing chan struct{}
	once     sync.Once
}

func (g *gatedPersister) Flush(ctx context.Context, doc types.Document) error {
	g.once.Do(func() { close(g.flushing) })
	<-g.gate
	return g.Persister.Flush(ctx, doc)
}

// Test_Room_Join_While_Draining verifies that a join racing a teardown waits
// for the old actor and lands on a fresh one with the flushed text.
func Test_Room_Join_While_Draining(t *testing.T) {
	store := storage.NewMemoryStore()
	sink := z.NewRecordingSink()
	bridge := persistence.NewBridge(store, sink, bridgeOptions())
	gated := &gatedPersister{Persister: bridge, gate: make(chan struct{}), flushing: make(chan struct{})}
	registry := room.NewRegistry(gated, testOptions(sink))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		require.NoError(t, registry.Close(ctx))
		require.NoError(t, bridge.Close(ctx))
	}()

	s := room.NewSession("r3", "a", room.NewOutbox(64, 1024))
	old, _, err := registry.Join(context.Background(), s, nil, types.PresenceMeta{})
	require.NoError(t, err)
	ops, err := rts.NewReplica(s.Site).InsertAt(0, "kept")
	require.NoError(t, err)
	_, err = old.ApplyOp(context.Background(), s.ID, ops...)
	require.NoError(t, err)
	_, err = old.Leave(context.Background(), s.ID)
	require.NoError(t, err)

	<-gated.flushing
	require.Equal(t, room.StateDraining, old.State())

	late := room.NewSession("r3", "b", room.NewOutbox(64, 1024))
	_, err = old.Join(context.Background(), late, nil, types.PresenceMeta{})
	require.ErrorIs(t, err, room.ErrRoomClosing)
	require.True(t, room.Retryable(err))

	go func() {
		time.Sleep(30 * time.Millisecond)
		close(gated.gate)
	}()

	fresh, state, err := registry.Join(context.Background(), late, nil, types.PresenceMeta{})
	require.NoError(t, err)
	require.NotSame(t, old, fresh)
	require.Equal(t, "kept", *state.Init.Text)
}

// Test_Registry_Single_Actor verifies that concurrent resolves of one room get
// the same actor.
func Test_Registry_Single_Actor(t *testing.T) {
	f := newFixture(t)

	const n = 32
	rooms := make([]*room.Room, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rooms[i], errs[i] = f.registry.Resolve("shared")
		}(i)
	}
	wg.Wait()

	for i, rm := range rooms {
		require.NoError(t, errs[i])
		require.Same(t, rooms[0], rm)
	}
	require.Equal(t, 1, f.registry.Len())
}

// Test_Registry_Idle_Room verifies that a room nobody joins drains on its
// own.
func Test_Registry_Idle_Room(t *testing.T) {
	f := newFixture(t)

	rm, err := f.registry.Resolve("idle")
	require.NoError(t, err)

	waitDone(t, rm)
	require.Equal(t, 0, f.registry.Len())
}

// Test_Registry_Create_Lookup verifies that a created room is stored with its
// seed text and can be looked up live or at rest.
func Test_Registry_Create_Lookup(t *testing.T) {
	f := newFixture(t)

	meta, err := f.registry.Create(context.Background(), room.CreateRequest{
		Title:     "kata",
		Language:  "go",
		Text:      "package main",
		CreatedBy: "alice",
	})
	require.NoError(t, err)
	require.NotEmpty(t, meta.RoomID)
	require.False(t, meta.ExpiresAt.IsZero())

	info, err := f.registry.Lookup(context.Background(), meta.RoomID)
	require.NoError(t, err)
	require.False(t, info.Live)
	require.Equal(t, "package main", info.Text)
	require.Equal(t, "kata", info.Meta.Title)

	a := f.join(t, meta.RoomID, "alice")
	require.Equal(t, "package main", a.replica.Text())
	a.insert(t, 0, "// ")

	info, err = f.registry.Lookup(context.Background(), meta.RoomID)
	require.NoError(t, err)
	require.True(t, info.Live)
	require.Equal(t, "// package main", info.Text)
	require.Len(t, info.Members, 1)

	_, err = f.registry.Lookup(context.Background(), "missing")
	require.ErrorIs(t, err, room.ErrRoomNotFound)
}

// Test_Registry_Close verifies that closing the registry disconnects sessions
// and flushes every room.
func Test_Registry_Close(t *testing.T) {
	store := storage.NewMemoryStore()
	bridge := persistence.NewBridge(store, events.Nop{}, bridgeOptions())
	opts := testOptions(events.Nop{})
	opts.SaveInterval = time.Hour
	registry := room.NewRegistry(bridge, opts)

	s := room.NewSession("r1", "a", room.NewOutbox(64, 1024))
	rm, _, err := registry.Join(context.Background(), s, nil, types.PresenceMeta{})
	require.NoError(t, err)
	ops, err := rts.NewReplica(s.Site).InsertAt(0, "bye")
	require.NoError(t, err)
	_, err = rm.ApplyOp(context.Background(), s.ID, ops...)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, registry.Close(ctx))
	require.NoError(t, bridge.Close(ctx))

	waitDone(t, rm)
	require.Equal(t, "bye", storedText(t, store, "r1"))

	_, err = registry.Resolve("r1")
	require.ErrorIs(t, err, room.ErrRegistryClosed)
}
