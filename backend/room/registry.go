package room

import (
	"context"
	"sync"
	"time"

	"Coderoom/backend/rts"
	"Coderoom/backend/types"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// Registry maps room ids to live room actors, starting an actor on first use.
// Its lock guards the map only, loading happens inside the new actor.
type Registry struct {
	persister Persister
	opts      Options
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
}

// NewRegistry returns an empty registry backed by persister.
func NewRegistry(persister Persister, opts Options) *Registry {
	opts = opts.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		persister: persister,
		opts:      opts,
		log:       opts.Log,
		ctx:       ctx,
		cancel:    cancel,
		rooms:     make(map[string]*Room),
	}
}

// Resolve returns the live actor of a room, starting one if needed. Two
// concurrent calls for the same id get the same actor.
func (r *Registry) Resolve(roomID string) (*Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if room, exists := r.rooms[roomID]; exists {
		return room, nil
	}

	room := newRoom(roomID, r.persister, r.opts, r.remove)
	r.rooms[roomID] = room
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		room.run(r.ctx)
	}()

	r.log.Debug().Str("room", roomID).Msg("started room actor")
	return room, nil
}

// remove is called by a terminating actor before it closes its done channel,
// so a later Resolve never sees it.
func (r *Registry) remove(room *Room) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rooms[room.id] == room {
		delete(r.rooms, room.id)
	}
}

// Get returns the live actor of a room without starting one.
func (r *Registry) Get(roomID string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[roomID]
	return room, exists
}

// Len returns the number of live actors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.rooms)
}

// Join resolves the room and joins the session, retrying while the room it
// found is closing or already gone.
func (r *Registry) Join(ctx context.Context, s *Session, cursor types.VersionVector, presence types.PresenceMeta) (*Room, InitialState, error) {
	var (
		room    *Room
		state   InitialState
		lastErr error
	)

	attempt := func() error {
		var err error
		room, err = r.Resolve(s.RoomID)
		if err != nil {
			lastErr = err
			return nil
		}

		state, err = room.Join(ctx, s, cursor, presence)
		lastErr = err
		if err != nil && Retryable(err) {
			r.log.Debug().Err(err).Str("room", s.RoomID).Msg("room unavailable, retrying join")
			return err
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.opts.JoinBackoff), r.opts.JoinAttempts-1),
		ctx,
	)
	if err := backoff.Retry(attempt, policy); err != nil && lastErr == nil {
		lastErr = err
	}
	if lastErr != nil {
		return nil, InitialState{}, lastErr
	}
	return room, state, nil
}

// CreateRequest describes a new room.
type CreateRequest struct {
	Title     string
	Language  string
	Text      string
	CreatedBy string
}

// Create stores a new room under a fresh id, seeded with req.Text, and returns
// its metadata. The room actor starts on the first join.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (types.RoomMeta, error) {
	now := time.Now()
	meta := types.RoomMeta{
		RoomID:    uuid.NewString(),
		Title:     req.Title,
		Language:  req.Language,
		CreatedBy: req.CreatedBy,
		CreatedAt: now,
	}
	if r.opts.RoomTTL > 0 {
		meta.ExpiresAt = now.Add(r.opts.RoomTTL)
	}

	seed := rts.NewReplica("seed")
	if req.Text != "" {
		if _, err := seed.InsertAt(0, req.Text); err != nil {
			return types.RoomMeta{}, xerrors.Errorf("failed to seed room: %v", err)
		}
	}

	snapshot, err := seed.Snapshot()
	if err != nil {
		return types.RoomMeta{}, xerrors.Errorf("failed to snapshot room: %v", err)
	}

	err = r.persister.Flush(ctx, types.Document{Meta: meta, Snapshot: snapshot})
	if err != nil {
		return types.RoomMeta{}, xerrors.Errorf("failed to store room: %v", err)
	}

	r.log.Info().Str("room", meta.RoomID).Str("user", req.CreatedBy).Msg("created room")
	return meta, nil
}

// RoomInfo describes a room, live or not.
type RoomInfo struct {
	Meta    types.RoomMeta
	Text    string
	Members []types.Member
	// Live is set when an actor currently holds the room.
	Live bool
}

// Lookup describes a room without starting its actor. It fails with
// ErrRoomNotFound for rooms that were never stored or have expired.
func (r *Registry) Lookup(ctx context.Context, roomID string) (RoomInfo, error) {
	if room, exists := r.Get(roomID); exists {
		view, err := room.Inspect(ctx)
		if err == nil {
			return RoomInfo{Meta: view.Meta, Text: view.Text, Members: view.Members, Live: true}, nil
		}
		if !Retryable(err) {
			return RoomInfo{}, err
		}
	}

	stored, found, err := r.persister.Load(ctx, roomID)
	if err != nil {
		return RoomInfo{}, xerrors.Errorf("failed to load room: %v", err)
	}
	if !found {
		return RoomInfo{}, ErrRoomNotFound
	}

	doc, err := rts.Restore(stored.Snapshot)
	if err != nil {
		return RoomInfo{}, xerrors.Errorf("failed to restore room: %v", err)
	}
	return RoomInfo{Meta: stored.Meta, Text: doc.Text(), Members: []types.Member{}}, nil
}

// Close stops accepting rooms, disconnects every session and waits for each
// room to flush, or for ctx to expire.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	live := len(r.rooms)
	r.mu.Unlock()

	r.log.Info().Int("rooms", live).Msg("closing room registry")
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return xerrors.Errorf("rooms did not drain: %w", ctx.Err())
	}
}
