// Package room runs one actor per collaborative room. The actor is the only
// goroutine touching the room's replicated text and member set; every request
// reaches it through its mailbox.
package room

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"Coderoom/backend/events"
	"Coderoom/backend/rts"
	"Coderoom/backend/types"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// Persister is what a room needs from the persistence layer.
type Persister interface {
	// Load returns the stored document, found is false if there is none.
	Load(ctx context.Context, roomID string) (doc types.Document, found bool, err error)
	// Schedule queues a background save of doc without blocking.
	Schedule(doc types.Document)
	// Flush saves doc and waits for the outcome.
	Flush(ctx context.Context, doc types.Document) error
}

// State is the lifecycle stage of a room actor.
type State int32

const (
	StateLoading State = iota
	StateActive
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// InitialState is the reply to a join. Init has already been queued on the
// session's outbox, ahead of any later operation.
type InitialState struct {
	Init    types.ServerMessage
	Members []types.Member
}

// BroadcastSet lists the sessions a frame was forwarded to.
type BroadcastSet struct {
	Recipients []string
	// Applied is the number of operations that changed the document.
	Applied int
}

// MembershipChanged is the reply to a leave.
type MembershipChanged struct {
	Remaining int
}

// Inspection is a read-only view of a room.
type Inspection struct {
	Meta       types.RoomMeta
	Text       string
	Version    types.VersionVector
	Members    []types.Member
	State      State
	Size       int
	Tombstones int
}

type reply[T any] struct {
	val T
	err error
}

type request interface {
	room() string
}

type roomRequest struct{ roomID string }

func (r roomRequest) room() string { return r.roomID }

type joinRequest struct {
	roomRequest
	session  *Session
	cursor   types.VersionVector
	presence types.PresenceMeta
	reply    chan reply[InitialState]
}

type opRequest struct {
	roomRequest
	sessionID string
	ops       []types.Op
	reply     chan reply[BroadcastSet]
}

type leaveRequest struct {
	roomRequest
	sessionID string
	reply     chan reply[MembershipChanged]
}

type presenceRequest struct {
	roomRequest
	sessionID string
	meta      types.PresenceMeta
	reply     chan reply[BroadcastSet]
}

type inspectRequest struct {
	roomRequest
	reply chan reply[Inspection]
}

type member struct {
	session  *Session
	presence types.PresenceMeta
	joinedAt time.Time
	lastSeen time.Time
}

// Room is the actor owning one room.
type Room struct {
	id        string
	opts      Options
	persister Persister
	sink      events.Sink
	log       zerolog.Logger

	mailbox     chan request
	flushed     chan error
	done        chan struct{}
	state       atomic.Int32
	onTerminate func(*Room)
	// written before done is closed
	termErr error

	// owned by the actor goroutine
	doc       *rts.RTS
	meta      types.RoomMeta
	members   map[string]*member
	dirty     bool
	saveTimer *time.Timer
	idleTimer *time.Timer
}

func newRoom(id string, persister Persister, opts Options, onTerminate func(*Room)) *Room {
	r := &Room{
		id:          id,
		opts:        opts,
		persister:   persister,
		sink:        opts.Events,
		log:         opts.Log.With().Str("room", id).Logger(),
		mailbox:     make(chan request, opts.MailboxSize),
		flushed:     make(chan error, 1),
		done:        make(chan struct{}),
		onTerminate: onTerminate,
		members:     make(map[string]*member),
	}
	r.state.Store(int32(StateLoading))
	return r
}

// ID returns the room id.
func (r *Room) ID() string {
	return r.id
}

// State returns the current lifecycle stage.
func (r *Room) State() State {
	return State(r.state.Load())
}

// Done is closed once the actor has terminated.
func (r *Room) Done() <-chan struct{} {
	return r.done
}

// Join registers a session and queues its Init frame: the full snapshot, or
// only the operations missing from cursor when one is given.
func (r *Room) Join(ctx context.Context, s *Session, cursor types.VersionVector, presence types.PresenceMeta) (InitialState, error) {
	req := &joinRequest{
		roomRequest: roomRequest{r.id},
		session:     s,
		cursor:      cursor,
		presence:    presence,
		reply:       make(chan reply[InitialState], 1),
	}
	return call(ctx, r, req, req.reply)
}

// ApplyOp applies a session's operations in order and forwards the ones that
// changed the document to every other member.
func (r *Room) ApplyOp(ctx context.Context, sessionID string, ops ...types.Op) (BroadcastSet, error) {
	req := &opRequest{
		roomRequest: roomRequest{r.id},
		sessionID:   sessionID,
		ops:         ops,
		reply:       make(chan reply[BroadcastSet], 1),
	}
	return call(ctx, r, req, req.reply)
}

// Leave removes a session. Leaving twice is a no-op.
func (r *Room) Leave(ctx context.Context, sessionID string) (MembershipChanged, error) {
	req := &leaveRequest{
		roomRequest: roomRequest{r.id},
		sessionID:   sessionID,
		reply:       make(chan reply[MembershipChanged], 1),
	}
	return call(ctx, r, req, req.reply)
}

// UpdatePresence stores a session's presence and forwards it to the others.
func (r *Room) UpdatePresence(ctx context.Context, sessionID string, meta types.PresenceMeta) (BroadcastSet, error) {
	req := &presenceRequest{
		roomRequest: roomRequest{r.id},
		sessionID:   sessionID,
		meta:        meta,
		reply:       make(chan reply[BroadcastSet], 1),
	}
	return call(ctx, r, req, req.reply)
}

// Inspect returns a snapshot view of the room.
func (r *Room) Inspect(ctx context.Context) (Inspection, error) {
	req := &inspectRequest{
		roomRequest: roomRequest{r.id},
		reply:       make(chan reply[Inspection], 1),
	}
	return call(ctx, r, req, req.reply)
}

func call[T any](ctx context.Context, r *Room, req request, replies chan reply[T]) (T, error) {
	var zero T

	select {
	case <-r.done:
		return zero, r.closedErr()
	default:
	}

	select {
	case r.mailbox <- req:
	case <-r.done:
		return zero, r.closedErr()
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case rep := <-replies:
		return rep.val, rep.err
	case <-r.done:
		// the actor may have replied right before terminating
		select {
		case rep := <-replies:
			return rep.val, rep.err
		default:
			return zero, r.closedErr()
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (r *Room) closedErr() error {
	if r.termErr != nil {
		return r.termErr
	}
	return ErrRoomNotFound
}

func (r *Room) setState(s State) {
	r.state.Store(int32(s))
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// run is the actor loop. It returns once the room has terminated.
func (r *Room) run(ctx context.Context) {
	defer r.terminate()

	if err := r.load(ctx); err != nil {
		r.log.Error().Err(err).Msg("failed to load room")
		r.termErr = xerrors.Errorf("room %s could not be loaded: %v: %w", r.id, err, ErrRoomNotFound)
		return
	}

	r.setState(StateActive)
	r.sink.Emit(ctx, events.New(events.RoomOpened, r.id))
	r.armIdle()

	shutdown := ctx.Done()
	for {
		select {
		case req := <-r.mailbox:
			r.handle(req)
		case <-timerC(r.saveTimer):
			r.saveTimer = nil
			r.scheduleSave()
		case <-timerC(r.idleTimer):
			r.idleTimer = nil
			if len(r.members) == 0 && r.State() == StateActive {
				r.log.Info().Msg("room idle, draining")
				r.drain()
			}
		case <-shutdown:
			shutdown = nil
			r.shutdown()
		case err := <-r.flushed:
			if err != nil {
				r.log.Error().Err(err).Msg("final flush failed, document left pending")
			} else {
				r.log.Info().Msg("final flush done")
			}
			return
		}
	}
}

func (r *Room) load(ctx context.Context) error {
	loadCtx, cancel := context.WithTimeout(ctx, r.opts.LoadTimeout)
	defer cancel()

	stored, found, err := r.persister.Load(loadCtx, r.id)
	if err != nil {
		return err
	}

	if !found {
		r.doc = rts.New()
		r.meta = types.RoomMeta{RoomID: r.id, CreatedAt: time.Now()}
		r.log.Info().Msg("created empty room")
		return nil
	}

	doc, err := rts.Restore(stored.Snapshot)
	if err != nil {
		return xerrors.Errorf("failed to restore snapshot: %v", err)
	}
	r.doc = doc
	r.meta = stored.Meta
	r.meta.RoomID = r.id
	r.log.Info().Int("chars", doc.Len()).Int("tombstones", doc.Tombstones()).Msg("loaded room")
	return nil
}

func (r *Room) handle(req request) {
	switch req := req.(type) {
	case *joinRequest:
		state, err := r.join(req)
		req.reply <- reply[InitialState]{state, err}
	case *opRequest:
		set, err := r.applyOps(req)
		req.reply <- reply[BroadcastSet]{set, err}
	case *leaveRequest:
		req.reply <- reply[MembershipChanged]{val: r.leave(req.sessionID)}
	case *presenceRequest:
		set, err := r.updatePresence(req)
		req.reply <- reply[BroadcastSet]{set, err}
	case *inspectRequest:
		req.reply <- reply[Inspection]{val: r.inspect()}
	default:
		r.log.Error().Msgf("unexpected request %T", req)
	}
}

func (r *Room) join(req *joinRequest) (InitialState, error) {
	if r.State() != StateActive {
		return InitialState{}, ErrRoomClosing
	}

	now := time.Now()
	s := req.session
	m, rejoin := r.members[s.ID]
	if !rejoin {
		m = &member{session: s, presence: req.presence, joinedAt: now}
		r.members[s.ID] = m
	}
	m.lastSeen = now
	stopTimer(&r.idleTimer)

	meta := r.meta
	init := types.ServerMessage{
		Type:      types.InitMessageType,
		RoomID:    r.id,
		SessionID: s.ID,
		Site:      s.Site,
		Meta:      &meta,
		Cursor:    r.doc.Version(),
		Members:   r.memberList(),
	}

	caughtUp := false
	if len(req.cursor) > 0 {
		ops, err := r.doc.DiffSince(req.cursor)
		if err == nil {
			init.Ops = ops
			caughtUp = true
		} else {
			r.log.Debug().Err(err).Str("session", s.ID).Msg("cursor too old, sending snapshot")
		}
	}
	if !caughtUp {
		snapshot, err := r.doc.Snapshot()
		if err != nil {
			r.dropMember(s.ID, rejoin)
			return InitialState{}, err
		}
		text := r.doc.Text()
		init.Snapshot = snapshot
		init.Text = &text
	}

	if err := s.outbox.Push(init); err != nil {
		r.dropMember(s.ID, rejoin)
		return InitialState{}, xerrors.Errorf("failed to queue init: %w", err)
	}

	if !rejoin {
		r.log.Info().Str("session", s.ID).Str("user", s.UserID).Int("members", len(r.members)).Msg("session joined")
		r.broadcastMembers(s.ID)
	}
	return InitialState{Init: init, Members: init.Members}, nil
}

// dropMember undoes a join that could not complete.
func (r *Room) dropMember(sessionID string, rejoin bool) {
	if rejoin {
		return
	}
	delete(r.members, sessionID)
	if len(r.members) == 0 {
		r.armIdle()
	}
}

func (r *Room) applyOps(req *opRequest) (BroadcastSet, error) {
	if r.State() != StateActive {
		return BroadcastSet{}, ErrRoomClosing
	}
	m, exists := r.members[req.sessionID]
	if !exists {
		return BroadcastSet{}, ErrNotMember
	}
	m.lastSeen = time.Now()

	applied := make([]types.Op, 0, len(req.ops))
	var applyErr error
	for _, op := range req.ops {
		if op.Origin().Site != m.session.Site {
			applyErr = xerrors.Errorf("%s not issued by site %s: %w", op, m.session.Site, rts.ErrMalformedOperation)
			break
		}
		// a session delivers its own ops in seq order, which keeps cursors exact
		if !r.doc.Seen(op) && op.Origin().Seq <= r.doc.HighWater(m.session.Site) {
			applyErr = xerrors.Errorf("%s behind site high-water %d: %w",
				op, r.doc.HighWater(m.session.Site), rts.ErrMalformedOperation)
			break
		}

		res, err := r.doc.Apply(op)
		if err != nil {
			applyErr = err
			break
		}
		if !res.Duplicate {
			applied = append(applied, op)
		}
	}

	set := BroadcastSet{Applied: len(applied)}
	if len(applied) > 0 {
		r.markDirty()
		set.Recipients = r.broadcast(req.sessionID, types.ServerMessage{
			Type:      types.OpMessageType,
			RoomID:    r.id,
			SessionID: req.sessionID,
			Ops:       applied,
		})
	}

	if applyErr != nil {
		r.log.Debug().Err(applyErr).Str("session", req.sessionID).Msg("rejected operation")
		return set, applyErr
	}
	return set, nil
}

func (r *Room) leave(sessionID string) MembershipChanged {
	m, exists := r.members[sessionID]
	if !exists {
		return MembershipChanged{Remaining: len(r.members)}
	}

	delete(r.members, sessionID)
	m.session.outbox.Close()
	r.log.Info().Str("session", sessionID).Int("members", len(r.members)).Msg("session left")

	r.afterDeparture()
	return MembershipChanged{Remaining: len(r.members)}
}

func (r *Room) evict(sessionID string) {
	m, exists := r.members[sessionID]
	if !exists {
		return
	}

	delete(r.members, sessionID)
	m.session.outbox.Close()
	r.log.Warn().Str("session", sessionID).Msg("evicting slow session")

	evt := events.New(events.SessionEvicted, r.id)
	evt.SessionID = sessionID
	r.sink.Emit(context.Background(), evt)

	r.afterDeparture()
}

func (r *Room) afterDeparture() {
	if r.State() != StateActive {
		return
	}
	if len(r.members) == 0 {
		r.drain()
		return
	}
	r.broadcastMembers("")
}

func (r *Room) updatePresence(req *presenceRequest) (BroadcastSet, error) {
	if r.State() != StateActive {
		return BroadcastSet{}, ErrRoomClosing
	}
	m, exists := r.members[req.sessionID]
	if !exists {
		return BroadcastSet{}, ErrNotMember
	}
	m.presence = req.meta
	m.lastSeen = time.Now()

	recipients := r.broadcast(req.sessionID, types.ServerMessage{
		Type:   types.PresenceMessageType,
		RoomID: r.id,
		Presence: &types.PresenceUpdate{
			SessionID: req.sessionID,
			UserID:    m.session.UserID,
			Presence:  req.meta,
		},
	})
	return BroadcastSet{Recipients: recipients}, nil
}

func (r *Room) inspect() Inspection {
	return Inspection{
		Meta:       r.meta,
		Text:       r.doc.Text(),
		Version:    r.doc.Version(),
		Members:    r.memberList(),
		State:      r.State(),
		Size:       r.doc.Size(),
		Tombstones: r.doc.Tombstones(),
	}
}

// broadcast pushes msg to every member but except and returns who got it.
// Members whose outbox overflowed are evicted.
func (r *Room) broadcast(except string, msg types.ServerMessage) []string {
	recipients := make([]string, 0, len(r.members))
	var slow []string

	for id, m := range r.members {
		if id == except {
			continue
		}
		err := m.session.outbox.Push(msg)
		switch {
		case err == nil:
			recipients = append(recipients, id)
		case errors.Is(err, ErrSlowConsumer):
			slow = append(slow, id)
		}
	}

	for _, id := range slow {
		r.evict(id)
	}
	sort.Strings(recipients)
	return recipients
}

func (r *Room) broadcastMembers(except string) {
	r.broadcast(except, types.ServerMessage{
		Type:    types.MembersMessageType,
		RoomID:  r.id,
		Members: r.memberList(),
	})
}

func (r *Room) memberList() []types.Member {
	list := make([]types.Member, 0, len(r.members))
	for _, m := range r.members {
		list = append(list, types.Member{
			SessionID: m.session.ID,
			UserID:    m.session.UserID,
			Site:      m.session.Site,
			Presence:  m.presence,
			JoinedAt:  m.joinedAt,
			LastSeen:  m.lastSeen,
		})
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].JoinedAt.Equal(list[j].JoinedAt) {
			return list[i].JoinedAt.Before(list[j].JoinedAt)
		}
		return list[i].SessionID < list[j].SessionID
	})
	return list
}

func (r *Room) markDirty() {
	r.dirty = true
	if r.saveTimer == nil {
		r.saveTimer = time.NewTimer(r.opts.SaveInterval)
	}
}

func (r *Room) armIdle() {
	if r.idleTimer == nil && r.opts.IdleTimeout > 0 {
		r.idleTimer = time.NewTimer(r.opts.IdleTimeout)
	}
}

// document captures the current state for persistence, sliding the expiry.
func (r *Room) document() (types.Document, error) {
	snapshot, err := r.doc.Snapshot()
	if err != nil {
		return types.Document{}, err
	}
	if r.opts.RoomTTL > 0 {
		r.meta.ExpiresAt = time.Now().Add(r.opts.RoomTTL)
	}
	return types.Document{Meta: r.meta, Snapshot: snapshot}, nil
}

func (r *Room) scheduleSave() {
	if !r.dirty {
		return
	}

	doc, err := r.document()
	if err != nil {
		r.log.Error().Err(err).Msg("failed to snapshot room")
		return
	}
	r.persister.Schedule(doc)
	r.dirty = false
}

// drain moves the room to draining and starts the final flush. The loop
// terminates once the flush reports back.
func (r *Room) drain() {
	r.setState(StateDraining)
	stopTimer(&r.saveTimer)
	stopTimer(&r.idleTimer)

	// no session is left to reference anything, every tombstone is stable
	if removed := r.doc.Compact(r.doc.Version()); removed > 0 {
		r.log.Debug().Int("removed", removed).Msg("compacted tombstones")
	}

	doc, err := r.document()
	if err != nil {
		r.flushed <- err
		return
	}

	r.log.Info().Msg("draining room")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.DrainTimeout)
		defer cancel()
		r.flushed <- r.persister.Flush(ctx, doc)
	}()
}

// shutdown disconnects every member and drains.
func (r *Room) shutdown() {
	if r.State() != StateActive {
		return
	}
	for id, m := range r.members {
		m.session.outbox.Close()
		delete(r.members, id)
	}
	r.drain()
}

func (r *Room) terminate() {
	r.setState(StateTerminated)
	stopTimer(&r.saveTimer)
	stopTimer(&r.idleTimer)
	for _, m := range r.members {
		m.session.outbox.Close()
	}

	if r.onTerminate != nil {
		r.onTerminate(r)
	}
	close(r.done)

	r.sink.Emit(context.Background(), events.New(events.RoomClosed, r.id))
	r.log.Info().Msg("room terminated")
}
