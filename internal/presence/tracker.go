// ABOUTME: In-memory presence tracking keyed by conversation and participant
// ABOUTME: A participant is online in a conversation while at least one session is open

package presence

import (
	"log/slog"
	"slices"
	"sync"
)

// Change describes a participant going online or offline in a conversation
type Change struct {
	ConversationID string
	ParticipantID  string
	Online         bool
}

type memberKey struct {
	conversationID string
	participantID  string
}

// Tracker records open sessions per (conversation, participant).
// State is advisory and lives only for the process lifetime.
type Tracker struct {
	mu       sync.RWMutex
	sessions map[string]memberKey // session ID -> owner
	counts   map[memberKey]int
	logger   *slog.Logger
}

// NewTracker creates an empty tracker. Pass nil logger for default.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		sessions: make(map[string]memberKey),
		counts:   make(map[memberKey]int),
		logger:   logger.With("component", "presence"),
	}
}

// OnConnect registers a session. The returned bool is true when this session
// brought the participant online.
func (t *Tracker) OnConnect(conversationID, participantID, sessionID string) (Change, bool) {
	key := memberKey{conversationID: conversationID, participantID: participantID}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.sessions[sessionID]; exists {
		return Change{}, false
	}
	t.sessions[sessionID] = key
	t.counts[key]++

	if t.counts[key] != 1 {
		return Change{}, false
	}

	t.logger.Debug("participant online",
		"conversation_id", conversationID,
		"participant_id", participantID,
		"session_id", sessionID)
	return Change{ConversationID: conversationID, ParticipantID: participantID, Online: true}, true
}

// OnDisconnect removes a session. The returned bool is true when this was the
// participant's last session in the conversation. Unknown sessions are ignored.
func (t *Tracker) OnDisconnect(sessionID string) (Change, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key, ok := t.sessions[sessionID]
	if !ok {
		return Change{}, false
	}
	delete(t.sessions, sessionID)

	t.counts[key]--
	if t.counts[key] > 0 {
		return Change{}, false
	}
	delete(t.counts, key)

	t.logger.Debug("participant offline",
		"conversation_id", key.conversationID,
		"participant_id", key.participantID,
		"session_id", sessionID)
	return Change{ConversationID: key.conversationID, ParticipantID: key.participantID, Online: false}, true
}

// IsOnline reports whether the participant has an open session in the conversation
func (t *Tracker) IsOnline(conversationID, participantID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counts[memberKey{conversationID: conversationID, participantID: participantID}] > 0
}

// Online returns the participants with an open session in the conversation, sorted
func (t *Tracker) Online(conversationID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var online []string
	for key := range t.counts {
		if key.conversationID == conversationID {
			online = append(online, key.participantID)
		}
	}
	slices.Sort(online)
	return online
}

// SessionCount returns the number of open sessions across all conversations
func (t *Tracker) SessionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
