package room

import (
	"time"

	"Coderoom/backend/events"

	"github.com/rs/zerolog"
)

// Options tunes room actors and the registry creating them.
type Options struct {
	// MailboxSize is the capacity of each room's request queue.
	MailboxSize int
	// SaveInterval is the debounce window between the first unsaved change
	// and the background save.
	SaveInterval time.Duration
	// IdleTimeout drains a room nobody has joined since it was loaded.
	IdleTimeout time.Duration
	// DrainTimeout bounds the final flush.
	DrainTimeout time.Duration
	LoadTimeout  time.Duration
	// RoomTTL slides the document expiry forward on every save.
	RoomTTL time.Duration

	JoinAttempts uint64
	JoinBackoff  time.Duration

	Log    zerolog.Logger
	Events events.Sink
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		MailboxSize:  256,
		SaveInterval: 2 * time.Second,
		IdleTimeout:  30 * time.Second,
		DrainTimeout: 30 * time.Second,
		LoadTimeout:  10 * time.Second,
		RoomTTL:      72 * time.Hour,
		JoinAttempts: 5,
		JoinBackoff:  20 * time.Millisecond,
		Log:          zerolog.Nop(),
		Events:       events.Nop{},
	}
}

func (o Options) normalize() Options {
	def := DefaultOptions()
	if o.MailboxSize <= 0 {
		o.MailboxSize = def.MailboxSize
	}
	if o.SaveInterval <= 0 {
		o.SaveInterval = def.SaveInterval
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = def.DrainTimeout
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = def.LoadTimeout
	}
	if o.JoinAttempts == 0 {
		o.JoinAttempts = def.JoinAttempts
	}
	if o.JoinBackoff <= 0 {
		o.JoinBackoff = def.JoinBackoff
	}
	if o.Events == nil {
		o.Events = def.Events
	}
	return o
}
