// ABOUTME: Fan-out of messages and ephemeral signals to attached sessions
// ABOUTME: Keeps an explicit per-conversation subscriber set keyed by session id

package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/studio-chat/internal/metrics"
	"github.com/2389/studio-chat/internal/presence"
	"github.com/2389/studio-chat/internal/store"
)

// ErrClosed is returned when attaching to a router that has shut down
var ErrClosed = errors.New("delivery router closed")

// ErrUnknownSession is returned for session ids that are not attached
var ErrUnknownSession = errors.New("unknown session")

// ErrAckAhead is returned when a client acknowledges a message it was never sent
var ErrAckAhead = errors.New("ack beyond last sent message")

// Defaults applied to zero Config values
const (
	DefaultQueueSize    = 256
	DefaultPageSize     = 100
	DefaultWriteTimeout = 10 * time.Second
)

// Config controls per-session queues and writes
type Config struct {
	QueueSize       int
	PageSize        int
	EchoSuppression bool
	WriteTimeout    time.Duration
}

// Options wires optional collaborators into a Router
type Options struct {
	Config   Config
	Presence *presence.Tracker
	Metrics  *metrics.Collectors
	// OnEvent observes every published event, after sessions were queued.
	// It must not block.
	OnEvent func(Event)
	Logger  *slog.Logger
}

// AttachRequest describes a client connecting to a conversation
type AttachRequest struct {
	ConversationID string
	ParticipantID  string
	LastAck        int64 // backfill starts after this id
	Transport      Transport
}

// Router tracks attached sessions and routes events to them
type Router struct {
	mu       sync.RWMutex
	sessions map[string]*Session            // session ID -> session
	rooms    map[string]map[string]*Session // conversation ID -> session ID -> session
	closed   bool

	source   MessageSource
	presence *presence.Tracker
	metrics  *metrics.Collectors
	onEvent  func(Event)
	cfg      Config
	logger   *slog.Logger
}

// NewRouter creates a router reading backfill from source.
func NewRouter(source MessageSource, opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	tracker := opts.Presence
	if tracker == nil {
		tracker = presence.NewTracker(logger)
	}

	return &Router{
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]*Session),
		source:   source,
		presence: tracker,
		metrics:  opts.Metrics,
		onEvent:  opts.OnEvent,
		cfg:      cfg,
		logger:   logger.With("component", "delivery"),
	}
}

// Attach registers a session and starts its worker. The session lives until
// ctx is cancelled, Detach is called, or a push fails. Live events published
// after Attach returns are queued behind the backfill of ids > LastAck.
func (r *Router) Attach(ctx context.Context, req AttachRequest) (*Session, error) {
	if req.Transport == nil {
		return nil, errors.New("attach requires a transport")
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		ParticipantID:  req.ParticipantID,
		router:         r,
		transport:      req.Transport,
		ctx:            sctx,
		cancel:         cancel,
		capacity:       r.cfg.QueueSize,
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
	s.lastSent.Store(req.LastAck)
	s.lastAck.Store(req.LastAck)
	s.logger = r.logger.With(
		"session_id", s.ID,
		"conversation_id", s.ConversationID,
		"participant_id", s.ParticipantID)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	r.sessions[s.ID] = s
	room := r.rooms[s.ConversationID]
	if room == nil {
		room = make(map[string]*Session)
		r.rooms[s.ConversationID] = room
	}
	room[s.ID] = s
	r.mu.Unlock()

	r.metrics.RecordSessionOpened()

	// tell the new session who else is here; sent after its backfill
	for _, p := range r.presence.Online(s.ConversationID) {
		if p != s.ParticipantID {
			s.enqueue(queued{ev: Event{Kind: KindPresence, ConversationID: s.ConversationID, ParticipantID: p, Online: true, At: time.Now()}})
		}
	}
	if change, changed := r.presence.OnConnect(s.ConversationID, s.ParticipantID, s.ID); changed {
		r.PublishPresence(change)
	}

	s.logger.Debug("session attached", "last_ack", req.LastAck)
	go s.run()
	return s, nil
}

// Detach closes the session: its context is cancelled, so pending pushes and
// any running backfill stop immediately.
func (r *Router) Detach(sessionID string) error {
	s := r.Session(sessionID)
	if s == nil {
		return ErrUnknownSession
	}
	s.close()
	return nil
}

// Ack advances the session's acknowledged cursor and records delivery
// receipts up to it. Acks never move the cursor backwards.
func (r *Router) Ack(ctx context.Context, sessionID string, upto int64) error {
	s := r.Session(sessionID)
	if s == nil {
		return ErrUnknownSession
	}
	if upto > s.lastSent.Load() {
		return ErrAckAhead
	}

	for {
		current := s.lastAck.Load()
		if upto <= current {
			return nil
		}
		if s.lastAck.CompareAndSwap(current, upto) {
			break
		}
	}
	return r.source.MarkDelivered(ctx, s.ConversationID, s.ParticipantID, upto)
}

// Session returns the attached session with id, or nil
func (r *Router) Session(sessionID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// SessionCount returns the number of attached sessions
func (r *Router) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Presence exposes the tracker the router keeps current
func (r *Router) Presence() *presence.Tracker {
	return r.presence
}

// sessionsFor snapshots the subscriber set so pushes happen outside the lock
func (r *Router) sessionsFor(conversationID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[conversationID]
	targets := make([]*Session, 0, len(room))
	for _, s := range room {
		targets = append(targets, s)
	}
	return targets
}

// PublishMessage queues a committed message for every session in its
// conversation. With echo suppression, originSessionID only advances its
// cursor. Returned warnings are informational; the message is already durable.
func (r *Router) PublishMessage(msg *store.Message, originSessionID string) []Warning {
	ev := Event{
		Kind:           KindMessage,
		ConversationID: msg.ConversationID,
		Message:        msg,
		At:             msg.CreatedAt,
	}

	var warnings []Warning
	for _, s := range r.sessionsFor(msg.ConversationID) {
		suppress := r.cfg.EchoSuppression && originSessionID != "" && s.ID == originSessionID
		switch s.enqueue(queued{ev: ev, suppress: suppress}) {
		case resultDeferred:
			warnings = append(warnings, Warning{SessionID: s.ID, ParticipantID: s.ParticipantID, Reason: "session queue full, delivery deferred to catch-up"})
		case resultClosed:
			warnings = append(warnings, Warning{SessionID: s.ID, ParticipantID: s.ParticipantID, Reason: "session closed"})
		}
	}

	r.notify(ev)
	return warnings
}

// PublishTyping sends a typing transition to everyone but the typist
func (r *Router) PublishTyping(conversationID, participantID string, started bool, at time.Time) {
	kind := KindTypingStopped
	if started {
		kind = KindTyping
	}
	r.publishEphemeral(Event{Kind: kind, ConversationID: conversationID, ParticipantID: participantID, At: at})
}

// PublishPresence sends an online/offline transition to everyone but its subject
func (r *Router) PublishPresence(change presence.Change) {
	r.publishEphemeral(Event{
		Kind:           KindPresence,
		ConversationID: change.ConversationID,
		ParticipantID:  change.ParticipantID,
		Online:         change.Online,
		At:             time.Now(),
	})
}

// PublishRead tells the other participant how far the reader has read
func (r *Router) PublishRead(conversationID, readerID string, upto, unread int64) {
	r.publishEphemeral(Event{
		Kind:           KindRead,
		ConversationID: conversationID,
		ParticipantID:  readerID,
		UpToID:         upto,
		Unread:         unread,
		At:             time.Now(),
	})
}

// publishEphemeral queues an event for sessions not owned by its actor.
// Ephemeral events are best effort and never retried.
func (r *Router) publishEphemeral(ev Event) {
	for _, s := range r.sessionsFor(ev.ConversationID) {
		if s.ParticipantID == ev.ParticipantID {
			continue
		}
		s.enqueue(queued{ev: ev})
	}
	r.notify(ev)
}

func (r *Router) notify(ev Event) {
	if r.onEvent != nil {
		r.onEvent(ev)
	}
}

// unregister removes a closing session and reports presence loss
func (r *Router) unregister(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.ID)
	if room := r.rooms[s.ConversationID]; room != nil {
		delete(room, s.ID)
		if len(room) == 0 {
			delete(r.rooms, s.ConversationID)
		}
	}
	r.mu.Unlock()

	if change, changed := r.presence.OnDisconnect(s.ID); changed {
		r.PublishPresence(change)
	}
}

// Close detaches every session and refuses new ones
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.close()
		<-s.done
	}
	r.logger.Debug("router closed", "sessions", len(sessions))
}
