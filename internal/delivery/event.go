// ABOUTME: Event types pushed to sessions and the transport contract
// ABOUTME: Messages are durable; typing, presence and read events are ephemeral

package delivery

import (
	"context"
	"iter"
	"time"

	"github.com/2389/studio-chat/internal/store"
)

// EventKind names what an Event carries
type EventKind string

const (
	KindMessage       EventKind = "message"
	KindTyping        EventKind = "typing"
	KindTypingStopped EventKind = "typing_stopped"
	KindPresence      EventKind = "presence"
	KindRead          EventKind = "read"
)

// Event is one item delivered to a session or a subscriber
type Event struct {
	Kind           EventKind
	ConversationID string
	// ParticipantID is the actor: typist, reader or the participant whose
	// presence changed. Empty for messages; use Message.SenderID.
	ParticipantID string
	Message       *store.Message
	Online        bool  // KindPresence
	UpToID        int64 // KindRead
	Unread        int64 // KindRead, reader's remaining unread count
	At            time.Time
}

// Ephemeral reports whether the event may be dropped under back-pressure
func (e Event) Ephemeral() bool {
	return e.Kind != KindMessage
}

// Transport writes events to one connected client.
// Send must respect ctx and return promptly once it is cancelled.
type Transport interface {
	Send(ctx context.Context, ev Event) error
	Close() error
}

// MessageSource is the durable log sessions backfill from
type MessageSource interface {
	Backfill(ctx context.Context, conversationID string, afterID int64, pageSize int) iter.Seq2[*store.Message, error]
	MarkDelivered(ctx context.Context, conversationID, recipientID string, uptoID int64) error
}

// Warning reports a non-fatal fan-out problem for one session
type Warning struct {
	SessionID     string
	ParticipantID string
	Reason        string
}
