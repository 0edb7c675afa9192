// ABOUTME: Memory-only typing indicators with expiry sweep
// ABOUTME: Emits one started event per signal and exactly one stopped event when it ends

package typing

import (
	"log/slog"
	"sync"
	"time"
)

// TTL bounds applied to every signal
const (
	MinTTL     = time.Second
	DefaultTTL = 4 * time.Second
	DefaultMax = 10 * time.Second
)

// Event is emitted when a participant starts or stops typing
type Event struct {
	ConversationID string
	ParticipantID  string
	Started        bool
	At             time.Time
}

// Handler receives typing events. It is never called with the signal lock
// held, but it must not call SetTyping, ClearTyping or sweep itself.
type Handler func(Event)

// Config controls signal lifetimes and the sweep cadence
type Config struct {
	DefaultTTL    time.Duration
	MaxTTL        time.Duration
	SweepInterval time.Duration
}

type signalKey struct {
	conversationID string
	participantID  string
}

// Coordinator holds at most one active signal per (conversation, participant)
type Coordinator struct {
	// emitMu is taken before mu and held until the events of one state
	// change are handled, so handlers see changes in the order they happened
	emitMu  sync.Mutex
	mu      sync.Mutex
	signals map[signalKey]time.Time // expiry
	cfg     Config
	handler Handler
	now     func() time.Time
	logger  *slog.Logger
	done    chan struct{}
	closed  bool
}

// New creates a coordinator and starts its sweep goroutine.
// Zero config values fall back to defaults. Pass nil logger for default.
func New(cfg Config, handler Handler, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = DefaultMax
	}
	if cfg.MaxTTL < MinTTL {
		cfg.MaxTTL = MinTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 250 * time.Millisecond
	}
	if handler == nil {
		handler = func(Event) {}
	}

	c := &Coordinator{
		signals: make(map[signalKey]time.Time),
		cfg:     cfg,
		handler: handler,
		now:     time.Now,
		logger:  logger.With("component", "typing"),
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// clampTTL applies the default and the [MinTTL, MaxTTL] bounds
func (c *Coordinator) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	return min(max(ttl, MinTTL), c.cfg.MaxTTL)
}

// SetTyping installs or refreshes the participant's signal. A started event is
// emitted only when no signal was active; refreshing just moves the expiry.
func (c *Coordinator) SetTyping(conversationID, participantID string, ttl time.Duration) bool {
	key := signalKey{conversationID: conversationID, participantID: participantID}

	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	now := c.now()
	c.mu.Lock()
	expiry, active := c.signals[key]
	// expired but not yet swept: the old signal still owes its stopped event
	stale := active && !now.Before(expiry)
	c.signals[key] = now.Add(c.clampTTL(ttl))
	c.mu.Unlock()

	if stale {
		c.emit(Event{ConversationID: conversationID, ParticipantID: participantID, Started: false, At: expiry})
	} else if active {
		return false
	}
	c.emit(Event{ConversationID: conversationID, ParticipantID: participantID, Started: true, At: now})
	return true
}

// ClearTyping removes the signal immediately and emits stopped before
// returning. Returns false when no signal was active.
func (c *Coordinator) ClearTyping(conversationID, participantID string) bool {
	key := signalKey{conversationID: conversationID, participantID: participantID}

	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	_, active := c.signals[key]
	delete(c.signals, key)
	c.mu.Unlock()

	if !active {
		return false
	}
	c.emit(Event{ConversationID: conversationID, ParticipantID: participantID, Started: false, At: c.now()})
	return true
}

// IsTyping reports whether the participant has an unexpired signal
func (c *Coordinator) IsTyping(conversationID, participantID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiry, ok := c.signals[signalKey{conversationID: conversationID, participantID: participantID}]
	return ok && c.now().Before(expiry)
}

// Active returns the number of signals not yet swept
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.signals)
}

func (c *Coordinator) sweepLoop() {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep(c.now())
		case <-c.done:
			return
		}
	}
}

// sweep removes every signal expired at now and emits their stopped events
func (c *Coordinator) sweep(now time.Time) int {
	var expired []Event

	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	for key, expiry := range c.signals {
		if now.Before(expiry) {
			continue
		}
		delete(c.signals, key)
		expired = append(expired, Event{
			ConversationID: key.conversationID,
			ParticipantID:  key.participantID,
			Started:        false,
			At:             expiry,
		})
	}
	c.mu.Unlock()

	for _, ev := range expired {
		c.emit(ev)
	}
	return len(expired)
}

func (c *Coordinator) emit(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("typing handler panicked", "panic", r,
				"conversation_id", ev.ConversationID,
				"participant_id", ev.ParticipantID)
		}
	}()
	c.handler(ev)
}

// Close stops the sweep goroutine. Pending signals are dropped without
// stopped events. It is safe to call multiple times.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
