// Package persistence bridges room actors to the durable document store:
// loading a room's document once when its actor starts, coalescing saves,
// and retrying failed writes without ever blocking editing.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"Coderoom/backend/events"
	"Coderoom/backend/storage"
	"Coderoom/backend/types"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/xerrors"
)

// ErrClosed is returned by Flush once the bridge has been closed.
var ErrClosed = xerrors.New("persistence bridge closed")

// Options tunes a Bridge.
type Options struct {
	// Workers bounds the concurrent store calls and the background savers.
	Workers int
	// MaxAttempts bounds the tries of one save, the first included.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// OpTimeout bounds a single store call.
	OpTimeout time.Duration
	// RetryCooldown is the wait before a degraded save is tried again.
	RetryCooldown time.Duration
	Log           zerolog.Logger
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		Workers:        4,
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		OpTimeout:      5 * time.Second,
		RetryCooldown:  30 * time.Second,
		Log:            zerolog.Nop(),
	}
}

// pending is the newest unsaved document of one room.
type pending struct {
	doc      types.Document
	version  uint64
	queued   bool
	degraded bool
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

// Bridge implements room persistence on top of a storage.DocumentStore. All
// store calls share one weighted semaphore, the I/O pool, so room actors never
// wait on the store themselves.
type Bridge struct {
	store storage.DocumentStore
	sink  events.Sink
	opts  Options
	log   zerolog.Logger

	io     *semaphore.Weighted
	loads  singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*pending
	locks   map[string]*roomLock
	ready   []string
	notify  chan struct{}
	idle    *sync.Cond
	active  int
	closed  bool
}

// NewBridge starts the background savers of a bridge over store.
func NewBridge(store storage.DocumentStore, sink events.Sink, opts Options) *Bridge {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if sink == nil {
		sink = events.Nop{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		store:   store,
		sink:    sink,
		opts:    opts,
		log:     opts.Log,
		io:      semaphore.NewWeighted(int64(opts.Workers)),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*pending),
		locks:   make(map[string]*roomLock),
		notify:  make(chan struct{}, 1),
	}
	b.idle = sync.NewCond(&b.mu)

	for i := 0; i < opts.Workers; i++ {
		b.wg.Add(1)
		go b.workerLoop(i)
	}
	return b
}

// Load returns the stored document of a room. found is false when the room
// has no document yet or its document expired.
func (b *Bridge) Load(ctx context.Context, roomID string) (types.Document, bool, error) {
	b.mu.Lock()
	if p, exists := b.pending[roomID]; exists {
		doc := p.doc
		b.mu.Unlock()
		if doc.Meta.Expired(time.Now()) {
			b.log.Info().Str("room", roomID).Time("expiresAt", doc.Meta.ExpiresAt).Msg("pending room expired")
			return types.Document{}, false, nil
		}
		b.log.Debug().Str("room", roomID).Msg("load served from pending save")
		return doc, true, nil
	}
	b.mu.Unlock()

	v, err, _ := b.loads.Do(roomID, func() (interface{}, error) {
		return b.get(ctx, roomID)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return types.Document{}, false, nil
	}
	if err != nil {
		return types.Document{}, false, xerrors.Errorf("failed to load room %s: %w", roomID, err)
	}

	doc := v.(types.Document)
	if doc.Meta.Expired(time.Now()) {
		b.log.Info().Str("room", roomID).Time("expiresAt", doc.Meta.ExpiresAt).Msg("stored room expired")
		return types.Document{}, false, nil
	}
	return doc, true, nil
}

func (b *Bridge) get(ctx context.Context, roomID string) (types.Document, error) {
	if err := b.io.Acquire(ctx, 1); err != nil {
		return types.Document{}, err
	}
	defer b.io.Release(1)

	opCtx, cancel := context.WithTimeout(ctx, b.opts.OpTimeout)
	defer cancel()

	data, err := b.store.Get(opCtx, roomID)
	if err != nil {
		return types.Document{}, err
	}

	var doc types.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return types.Document{}, xerrors.Errorf("failed to decode document: %v", err)
	}
	return doc, nil
}

// Schedule records doc as the newest state of its room and queues a
// background save. It never blocks on I/O. Documents scheduled for the same
// room before the save starts are coalesced into one write.
func (b *Bridge) Schedule(doc types.Document) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		b.log.Warn().Str("room", doc.Meta.RoomID).Msg("schedule after close, document dropped")
		return
	}
	b.stage(doc)
	b.enqueue(doc.Meta.RoomID)
}

// Flush saves doc now, retrying with backoff, and returns once it is durable
// or retries are exhausted. A failed flush leaves the document pending.
func (b *Bridge) Flush(ctx context.Context, doc types.Document) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.stage(doc)
	b.active++
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.active--
		b.idle.Broadcast()
		b.mu.Unlock()
	}()

	return b.save(ctx, doc.Meta.RoomID)
}

// stage must be called with b.mu held.
func (b *Bridge) stage(doc types.Document) {
	roomID := doc.Meta.RoomID
	p, exists := b.pending[roomID]
	if !exists {
		p = &pending{}
		b.pending[roomID] = p
	}
	p.doc = doc
	p.version++
}

// enqueue must be called with b.mu held.
func (b *Bridge) enqueue(roomID string) {
	p, exists := b.pending[roomID]
	if !exists || p.queued {
		return
	}
	p.queued = true
	b.ready = append(b.ready, roomID)

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Bridge) next() (string, bool) {
	for {
		b.mu.Lock()
		if len(b.ready) > 0 {
			roomID := b.ready[0]
			b.ready = b.ready[1:]
			if p, exists := b.pending[roomID]; exists {
				p.queued = false
			}
			b.active++
			if len(b.ready) > 0 {
				// wake another saver for the rest
				select {
				case b.notify <- struct{}{}:
				default:
				}
			}
			b.mu.Unlock()
			return roomID, true
		}
		b.mu.Unlock()

		select {
		case <-b.notify:
		case <-b.ctx.Done():
			return "", false
		}
	}
}

func (b *Bridge) workerLoop(workerID int) {
	defer b.wg.Done()

	for {
		roomID, ok := b.next()
		if !ok {
			return
		}

		if err := b.save(b.ctx, roomID); err != nil && !errors.Is(err, context.Canceled) {
			b.log.Debug().Err(err).Int("worker", workerID).Str("room", roomID).Msg("background save failed")
		}

		b.mu.Lock()
		b.active--
		b.idle.Broadcast()
		b.mu.Unlock()
	}
}

// save writes the newest pending document of a room, retrying with backoff.
func (b *Bridge) save(ctx context.Context, roomID string) error {
	attempts := 0
	operation := func() error {
		attempts++

		// puts of one room are serialized so the store never goes back
		// to an older version
		unlock := b.lockRoom(roomID)
		defer unlock()

		b.mu.Lock()
		p, exists := b.pending[roomID]
		if !exists {
			// saved meanwhile by another worker
			b.mu.Unlock()
			return nil
		}
		doc, version := p.doc, p.version
		b.mu.Unlock()

		if err := b.put(ctx, doc); err != nil {
			return err
		}
		b.saved(roomID, version)
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.opts.InitialBackoff
	eb.MaxInterval = b.opts.MaxBackoff
	eb.MaxElapsedTime = 0
	eb.Reset()

	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(b.opts.MaxAttempts-1)), ctx)
	err := backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		b.log.Warn().Err(err).Str("room", roomID).Int("attempt", attempts).Dur("retryIn", wait).Msg("save failed")
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	b.degrade(roomID, attempts, err)
	return xerrors.Errorf("failed to save room %s after %d attempts: %w", roomID, attempts, err)
}

func (b *Bridge) put(ctx context.Context, doc types.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return xerrors.Errorf("failed to encode document: %v", err)
	}

	if err := b.io.Acquire(ctx, 1); err != nil {
		return err
	}
	defer b.io.Release(1)

	opCtx, cancel := context.WithTimeout(ctx, b.opts.OpTimeout)
	defer cancel()

	return b.store.Put(opCtx, doc.Meta.RoomID, data, doc.Meta.ExpiresAt)
}

func (b *Bridge) lockRoom(roomID string) func() {
	b.mu.Lock()
	l, exists := b.locks[roomID]
	if !exists {
		l = &roomLock{}
		b.locks[roomID] = l
	}
	l.refs++
	b.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		b.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(b.locks, roomID)
		}
		b.mu.Unlock()
	}
}

// saved clears the pending entry unless a newer document was staged.
func (b *Bridge) saved(roomID string, version uint64) {
	b.mu.Lock()
	p, exists := b.pending[roomID]
	if !exists {
		b.mu.Unlock()
		return
	}
	recovered := p.degraded
	p.degraded = false
	if p.version == version {
		delete(b.pending, roomID)
	}
	b.mu.Unlock()

	b.log.Debug().Str("room", roomID).Uint64("version", version).Msg("document saved")
	if recovered {
		b.sink.Emit(b.ctx, events.New(events.PersistenceRecovered, roomID))
	}
}

func (b *Bridge) degrade(roomID string, attempts int, err error) {
	b.mu.Lock()
	if p, exists := b.pending[roomID]; exists {
		p.degraded = true
	}
	b.mu.Unlock()

	evt := events.New(events.PersistenceDegraded, roomID).WithError(err)
	evt.Attempts = attempts
	b.sink.Emit(b.ctx, evt)

	time.AfterFunc(b.opts.RetryCooldown, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if !b.closed {
			b.enqueue(roomID)
		}
	})
}

// Pending reports whether the room has a document not yet durably saved.
func (b *Bridge) Pending(roomID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, exists := b.pending[roomID]
	return exists
}

// Close waits until queued saves are done or ctx expires, then stops the
// savers. Documents still pending are reported and lost.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		b.mu.Lock()
		for (len(b.ready) > 0 || b.active > 0) && b.ctx.Err() == nil {
			b.idle.Wait()
		}
		b.mu.Unlock()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = xerrors.Errorf("persistence bridge did not drain: %w", ctx.Err())
	}

	b.cancel()
	b.mu.Lock()
	b.idle.Broadcast()
	lost := len(b.pending)
	b.mu.Unlock()
	b.wg.Wait()

	if lost > 0 {
		b.log.Error().Int("rooms", lost).Msg("closing with unsaved documents")
	}
	return err
}
