package signaged

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Backlog is the pending-notification queue a session drains. Implemented by
// pkg/store; ListPending order (created_at, then id) is load-bearing for the
// per-device FIFO guarantee, and MarkDelivered must be an idempotent
// single-row update so a crash between transport write and bookkeeping is
// recovered by redelivery, never corruption.
type Backlog interface {
	ListPending(ctx context.Context, deviceID string) ([]NotificationEntry, error)
	MarkDelivered(ctx context.Context, id int64, at time.Time) error
}

// Event is one frame written to a device stream. Type is either one of the
// protocol event names below or a notification kind.
type Event struct {
	Type string
	Data any
}

// Protocol-level event types. Notification entries use their kind instead.
const (
	EventConnected = "connected"
	EventError     = "error"
	EventInfo      = "info"
)

// StreamPayload is the JSON body of one delivered notification event.
type StreamPayload struct {
	ID        int64            `json:"id"`
	Kind      NotificationKind `json:"kind"`
	Payload   any              `json:"payload,omitempty"`
	Priority  int              `json:"priority"`
	Timestamp time.Time        `json:"timestamp"`
}

// ConnectedPayload is the JSON body of the initial connected event, sent
// before any backlog drain so the client can tell "connected, empty backlog"
// apart from "not connected".
type ConnectedPayload struct {
	SessionID string    `json:"session_id"`
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Transport is the write side of one open device stream. WriteEvent blocks
// until the transport accepts the frame; an error means the frame was not
// confirmed and the session must close without marking anything delivered.
type Transport interface {
	WriteEvent(event Event) error
}

// Session states. A session is CONNECTING until the connected event is
// accepted by the transport, STREAMING while draining, and CLOSED terminally
// on disconnect, write failure or supersession.
const (
	StateConnecting int32 = iota
	StateStreaming
	StateClosed
)

// SessionConfig tunes one streaming session.
type SessionConfig struct {
	DrainInterval time.Duration
	Clock         func() time.Time
}

// SessionTable is the explicit process-wide table of active streaming
// sessions, keyed by device identifier. It is passed to both the stream
// handler (registration) and the enqueue path (wake-up signaling). At most
// one session per device is kept: registering a newer session closes the
// prior one, so a racing overlap only amplifies at-least-once duplication
// and never loses entries.
type SessionTable struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionTable builds an empty session table.
func NewSessionTable() *SessionTable {
	return &SessionTable{sessions: make(map[string]*Session)}
}

// Serve runs one streaming session for deviceID until ctx is canceled, the
// transport rejects a write, or a newer session supersedes this one. It
// registers the session on entry and removes it on exit. The caller owns the
// transport; Serve never closes it.
func (t *SessionTable) Serve(ctx context.Context, deviceID string, backlog Backlog, transport Transport, cfg SessionConfig) error {
	if backlog == nil || transport == nil {
		return errors.Wrap(ErrUnavailable, "stream: backlog and transport are required")
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = DefaultDrainInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	s := &Session{
		id:        uuid.NewString(),
		deviceID:  deviceID,
		backlog:   backlog,
		transport: transport,
		cfg:       cfg,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	t.register(s)
	defer t.remove(s)
	return s.run(ctx)
}

// Wake nudges the active session for deviceID to drain immediately. It is
// safe to call from any goroutine and is a no-op when no session is
// connected; a pending wake-up is never stacked.
func (t *SessionTable) Wake(deviceID string) {
	t.mu.Lock()
	s := t.sessions[deviceID]
	t.mu.Unlock()
	if s != nil {
		s.wakeup()
	}
}

// Active reports whether a session is currently registered for deviceID.
func (t *SessionTable) Active(deviceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[deviceID] != nil
}

// Close terminates every registered session. Used on server shutdown.
func (t *SessionTable) Close() {
	t.mu.Lock()
	sessions := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

func (t *SessionTable) register(s *Session) {
	t.mu.Lock()
	prev := t.sessions[s.deviceID]
	t.sessions[s.deviceID] = s
	t.mu.Unlock()
	if prev != nil {
		log.Info().
			Str("device_id", s.deviceID).
			Str("session_id", prev.id).
			Msg("stream: superseding previous session")
		prev.close()
	}
}

func (t *SessionTable) remove(s *Session) {
	t.mu.Lock()
	if t.sessions[s.deviceID] == s {
		delete(t.sessions, s.deviceID)
	}
	t.mu.Unlock()
}

// Session owns one long-lived, single-consumer output stream for one
// connected device. It holds no private copy of any notification row, only
// the transient drain position within the current pass.
type Session struct {
	id        string
	deviceID  string
	backlog   Backlog
	transport Transport
	cfg       SessionConfig

	state     atomic.Int32
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// ID returns the session identifier used for log correlation.
func (s *Session) ID() string { return s.id }

// State returns the current session state.
func (s *Session) State() int32 { return s.state.Load() }

func (s *Session) run(ctx context.Context) error {
	logger := log.With().
		Str("session_id", s.id).
		Str("device_id", s.deviceID).
		Logger()

	if err := s.transport.WriteEvent(Event{Type: EventConnected, Data: ConnectedPayload{
		SessionID: s.id,
		DeviceID:  s.deviceID,
		Timestamp: s.cfg.Clock(),
	}}); err != nil {
		s.close()
		return errors.Wrap(err, "stream: write connected event failed")
	}
	s.state.Store(StateStreaming)
	logger.Info().Msg("stream: session connected")

	ticker := time.NewTicker(s.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		if err := s.drainOnce(ctx, logger); err != nil {
			s.close()
			return err
		}
		select {
		case <-ctx.Done():
			s.close()
			logger.Info().Msg("stream: session disconnected")
			return nil
		case <-s.done:
			logger.Info().Msg("stream: session closed")
			return nil
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// drainOnce pushes every currently-pending entry in FIFO order. Each entry is
// marked delivered only after the transport confirmed the write; a failure on
// either side terminates just this session and leaves the entry pending.
func (s *Session) drainOnce(ctx context.Context, logger zerolog.Logger) error {
	if s.closed() || ctx.Err() != nil {
		return nil
	}
	pending, err := s.backlog.ListPending(ctx, s.deviceID)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.Wrap(err, "stream: list pending entries failed")
	}
	for _, entry := range pending {
		if s.closed() || ctx.Err() != nil {
			return nil
		}
		if err := s.transport.WriteEvent(entryEvent(entry)); err != nil {
			return errors.Wrapf(err, "stream: write entry %d failed", entry.ID)
		}
		if err := s.backlog.MarkDelivered(ctx, entry.ID, s.cfg.Clock()); err != nil {
			// The write went out; redelivery on the next session is the
			// documented at-least-once recovery path.
			logger.Warn().Err(err).Int64("entry_id", entry.ID).Msg("stream: mark delivered failed")
			return errors.Wrapf(err, "stream: mark entry %d delivered failed", entry.ID)
		}
		logger.Debug().Int64("entry_id", entry.ID).Str("kind", string(entry.Kind)).Msg("stream: entry delivered")
	}
	return nil
}

func (s *Session) wakeup() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.state.Store(StateClosed)
		close(s.done)
	})
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func entryEvent(entry NotificationEntry) Event {
	var payload any
	if jsonPresent(entry.Payload) {
		payload = entry.Payload
	}
	return Event{
		Type: string(entry.Kind),
		Data: StreamPayload{
			ID:        entry.ID,
			Kind:      entry.Kind,
			Payload:   payload,
			Priority:  entry.Priority,
			Timestamp: entry.CreatedAt,
		},
	}
}
