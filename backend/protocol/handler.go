// Package protocol runs the synchronization protocol of one client
// connection: join, then operations and presence until the client leaves or
// the connection drops.
package protocol

import (
	"context"
	"errors"
	"time"

	"Coderoom/backend/codec"
	"Coderoom/backend/room"
	"Coderoom/backend/rts"
	"Coderoom/backend/transport"
	"Coderoom/backend/types"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// errSessionEnded stops the session loops once the client left or the room
// dropped the session.
var errSessionEnded = xerrors.New("session ended")

// Options tunes a Handler.
type Options struct {
	// JoinTimeout bounds the wait for the first frame.
	JoinTimeout time.Duration
	// SendTimeout bounds the write of one frame.
	SendTimeout  time.Duration
	LeaveTimeout time.Duration
	OutboxSize   int
	MaxBacklog   int
	Log          zerolog.Logger
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		JoinTimeout:  10 * time.Second,
		SendTimeout:  10 * time.Second,
		LeaveTimeout: 5 * time.Second,
		OutboxSize:   256,
		MaxBacklog:   4096,
		Log:          zerolog.Nop(),
	}
}

// Handler serves client connections against a room registry.
type Handler struct {
	registry *room.Registry
	opts     Options
	log      zerolog.Logger
}

// NewHandler returns a handler joining sessions through registry.
func NewHandler(registry *room.Registry, opts Options) *Handler {
	return &Handler{registry: registry, opts: opts, log: opts.Log}
}

// Serve runs one session until it ends and closes conn. The first frame must
// be a join for roomID. It returns nil when the client left or disconnected.
func (h *Handler) Serve(ctx context.Context, conn transport.Conn, roomID, userID string) error {
	defer conn.Close()

	join, err := h.awaitJoin(ctx, conn, roomID)
	if err != nil {
		return err
	}

	presence := types.PresenceMeta{}
	if join.Presence != nil {
		presence = *join.Presence
	}

	s := room.NewSession(roomID, userID, room.NewOutbox(h.opts.OutboxSize, h.opts.MaxBacklog))
	log := h.log.With().Str("room", roomID).Str("session", s.ID).Logger()

	rm, _, err := h.registry.Join(ctx, s, join.Cursor, presence)
	if err != nil {
		log.Warn().Err(err).Msg("failed to join")
		h.sendDirect(ctx, conn, errorFrame(roomID, err))
		return err
	}
	log.Debug().Str("user", userID).Msg("session started")

	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), h.opts.LeaveTimeout)
		defer cancel()

		_, err := rm.Leave(leaveCtx, s.ID)
		if err != nil && !room.Retryable(err) {
			log.Warn().Err(err).Msg("failed to leave")
		}
		s.Outbox().Close()
		log.Debug().Msg("session ended")
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.writeLoop(gctx, conn, s)
	})
	g.Go(func() error {
		return h.readLoop(gctx, conn, rm, s, log)
	})
	g.Go(func() error {
		<-gctx.Done()
		return conn.Close()
	})

	err = g.Wait()
	if err == nil || errors.Is(err, errSessionEnded) || errors.Is(err, transport.ErrClosed) {
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (h *Handler) awaitJoin(ctx context.Context, conn transport.Conn, roomID string) (types.ClientMessage, error) {
	joinCtx, cancel := context.WithTimeout(ctx, h.opts.JoinTimeout)
	defer cancel()
	// network reads only end when the connection closes
	stop := context.AfterFunc(joinCtx, func() {
		if errors.Is(joinCtx.Err(), context.DeadlineExceeded) {
			_ = conn.Close()
		}
	})
	defer stop()

	msg, err := conn.Recv(joinCtx)
	if err != nil {
		if errors.Is(err, codec.ErrMalformedFrame) {
			h.sendDirect(ctx, conn, errorFrame(roomID, err))
		}
		return types.ClientMessage{}, xerrors.Errorf("failed to receive join: %w", err)
	}

	if msg.Type != types.JoinMessageType {
		err := xerrors.Errorf("expected join, got %s: %w", msg.Type, ErrProtocol)
		h.sendDirect(ctx, conn, errorFrame(roomID, err))
		return types.ClientMessage{}, err
	}
	if msg.RoomID != "" && msg.RoomID != roomID {
		err := xerrors.Errorf("join for room %s on a connection to %s: %w", msg.RoomID, roomID, ErrProtocol)
		h.sendDirect(ctx, conn, errorFrame(roomID, err))
		return types.ClientMessage{}, err
	}
	return msg, nil
}

func (h *Handler) sendDirect(ctx context.Context, conn transport.Conn, msg types.ServerMessage) {
	sendCtx, cancel := context.WithTimeout(ctx, h.opts.SendTimeout)
	defer cancel()

	if err := conn.Send(sendCtx, msg); err != nil {
		h.log.Debug().Err(err).Msgf("failed to send %s", msg)
	}
}

// writeLoop is the only writer of conn once the session joined.
func (h *Handler) writeLoop(ctx context.Context, conn transport.Conn, s *room.Session) error {
	for {
		msg, err := s.Outbox().Next(ctx)
		if errors.Is(err, room.ErrOutboxClosed) {
			return errSessionEnded
		}
		if err != nil {
			return err
		}

		sendCtx, cancel := context.WithTimeout(ctx, h.opts.SendTimeout)
		err = conn.Send(sendCtx, msg)
		cancel()
		if err != nil {
			return xerrors.Errorf("failed to send %s: %w", msg.Type, err)
		}
	}
}

// readLoop calls the room synchronously, one frame at a time, which keeps
// each connection's operations in order.
func (h *Handler) readLoop(ctx context.Context, conn transport.Conn, rm *room.Room, s *room.Session, log zerolog.Logger) error {
	for {
		msg, err := conn.Recv(ctx)
		if errors.Is(err, codec.ErrMalformedFrame) {
			log.Debug().Err(err).Msg("dropping malformed frame")
			h.reply(s, err)
			continue
		}
		if err != nil {
			return err
		}

		switch msg.Type {
		case types.OpMessageType:
			_, err = rm.ApplyOp(ctx, s.ID, msg.Ops...)
		case types.PresenceMessageType:
			_, err = rm.UpdatePresence(ctx, s.ID, *msg.Presence)
		case types.LeaveMessageType:
			h.leave(rm, s, log)
			return nil
		default:
			err = xerrors.Errorf("unexpected %s frame: %w", msg.Type, ErrProtocol)
		}

		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		h.reply(s, err)
		if errors.Is(err, room.ErrNotMember) || room.Retryable(err) {
			// evicted, or the room went away under the session
			return errSessionEnded
		}
	}
}

// leave handles an explicit leave. Closing the outbox lets writeLoop send
// what is already queued before it ends the session.
func (h *Handler) leave(rm *room.Room, s *room.Session, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.LeaveTimeout)
	defer cancel()

	if _, err := rm.Leave(ctx, s.ID); err != nil && !room.Retryable(err) {
		log.Warn().Err(err).Msg("failed to leave")
	}
	s.Outbox().Close()
}

// reply queues an error frame for the session only.
func (h *Handler) reply(s *room.Session, err error) {
	_ = s.Outbox().Push(errorFrame(s.RoomID, err))
}

// ErrProtocol is reported for a frame that is valid but not allowed in the
// current state of the session.
var ErrProtocol = xerrors.New("protocol error")

// Error codes carried by error frames.
const (
	CodeMalformedOperation = "MALFORMED_OPERATION"
	CodeMalformedFrame     = "MALFORMED_FRAME"
	CodeNotMember          = "NOT_MEMBER"
	CodeRoomNotFound       = "ROOM_NOT_FOUND"
	CodeRoomClosing        = "ROOM_CLOSING"
	CodeProtocolError      = "PROTOCOL_ERROR"
	CodeInternal           = "INTERNAL"
)

// ErrorCode maps an error to the code reported to the client.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, rts.ErrMalformedOperation):
		return CodeMalformedOperation
	case errors.Is(err, codec.ErrMalformedFrame):
		return CodeMalformedFrame
	case errors.Is(err, room.ErrNotMember), errors.Is(err, room.ErrSlowConsumer):
		return CodeNotMember
	case errors.Is(err, room.ErrRoomClosing):
		return CodeRoomClosing
	case errors.Is(err, room.ErrRoomNotFound), errors.Is(err, room.ErrRegistryClosed):
		return CodeRoomNotFound
	case errors.Is(err, ErrProtocol):
		return CodeProtocolError
	default:
		return CodeInternal
	}
}

func errorFrame(roomID string, err error) types.ServerMessage {
	code := ErrorCode(err)
	message := err.Error()
	if code == CodeInternal {
		message = "internal error"
	}
	return types.ServerMessage{
		Type:   types.ErrorMessageType,
		RoomID: roomID,
		Error: &types.ErrorBody{
			Code:      code,
			Message:   message,
			Retryable: code == CodeRoomClosing,
		},
	}
}
