// ABOUTME: Store interface and data types for studio-chat persistence
// ABOUTME: Defines Conversation, Message, delivery statuses and the Store contract

package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when a conversation for the same
// participant pair already exists
var ErrDuplicateConversation = errors.New("conversation already exists")

// ErrConflict is returned when an append would reuse a message id that is
// already taken. Appends are serialized per conversation, so this indicates a
// broken invariant rather than ordinary contention.
var ErrConflict = errors.New("message id conflict")

// ErrNotParticipant is returned when an operation names someone who is not a
// member of the conversation
var ErrNotParticipant = errors.New("not a conversation participant")

// DeliveryStatus tracks how far a message got towards one recipient.
// Transitions only move forward: sent -> delivered -> read.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

// rank orders statuses so updates never move backwards
func (s DeliveryStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Reached reports whether s is at or beyond target
func (s DeliveryStatus) Reached(target DeliveryStatus) bool {
	return s.rank() >= target.rank()
}

// Conversation is a durable thread between two participants
type Conversation struct {
	ID            string
	Participants  []string // creation order, exactly two
	PairKey       string
	BookingRef    *string // weak reference into the booking subsystem
	LastMessageID int64
	Revision      int64
	LastActivity  time.Time
	Unread        map[string]int64 // participant ID -> unread count
	Archived      bool
	CreatedAt     time.Time
}

// HasParticipant reports whether id is a member of the conversation
func (c *Conversation) HasParticipant(id string) bool {
	for _, p := range c.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// Other returns the participant that is not id, or "" if id is not a member
func (c *Conversation) Other(id string) string {
	if !c.HasParticipant(id) {
		return ""
	}
	for _, p := range c.Participants {
		if p != id {
			return p
		}
	}
	return ""
}

// Message is one immutable entry in a conversation log.
// ID is contiguous per conversation and starts at 1.
type Message struct {
	ID              int64
	ConversationID  string
	SenderID        string
	Body            string
	ClientMessageID string
	CreatedAt       time.Time
	Status          map[string]DeliveryStatus // recipient ID -> status
}

// AppendParams describes a message to append. The store assigns the ID.
type AppendParams struct {
	ConversationID  string
	SenderID        string
	Body            string
	ClientMessageID string
	CreatedAt       time.Time
}

// PairKey returns the order-independent identity of a participant pair
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "|")
}

// Store defines the persistence contract for conversations and messages.
// AppendMessage, MarkRead and MarkDelivered each run as one transaction that
// keeps the message log and the derived conversation state in step.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversationByPair(ctx context.Context, pairKey string) (*Conversation, error)
	ListConversationsForParticipant(ctx context.Context, participantID string, includeArchived bool) ([]*Conversation, error)
	SetBookingRef(ctx context.Context, conversationID, bookingRef string) error
	SetArchived(ctx context.Context, conversationID string, archived bool) error

	// Messages
	AppendMessage(ctx context.Context, params AppendParams) (*Message, error)
	ListMessagesSince(ctx context.Context, conversationID string, afterID int64, limit int) ([]*Message, error)
	MarkRead(ctx context.Context, conversationID, readerID string, uptoID int64) (int64, error)
	MarkDelivered(ctx context.Context, conversationID, recipientID string, uptoID int64) error

	// Ping checks the store is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
