// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while honouring the same transactional rules

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
// A single mutex makes every method behave like one SQLite transaction.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	pairIndex     map[string]string        // pair key -> conversation ID
	messages      map[string][]*Message    // keyed by conversation ID, index = ID-1

	// FailAppend, when set, is returned by AppendMessage before anything is written
	FailAppend error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		pairIndex:     make(map[string]string),
		messages:      make(map[string][]*Message),
	}
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if len(conv.Participants) != 2 {
		return errors.New("conversation needs exactly 2 participants")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pairIndex[conv.PairKey]; exists {
		return ErrDuplicateConversation
	}
	if _, exists := m.conversations[conv.ID]; exists {
		return ErrDuplicateConversation
	}

	c := copyConversation(conv)
	c.LastMessageID = 0
	c.Revision = 0
	c.Unread = make(map[string]int64, 2)
	for _, p := range c.Participants {
		c.Unread[p] = 0
	}
	m.conversations[c.ID] = c
	m.pairIndex[c.PairKey] = c.ID
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

// GetConversationByPair retrieves a conversation by participant pair key.
func (m *MockStore) GetConversationByPair(ctx context.Context, pairKey string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.pairIndex[pairKey]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(m.conversations[id]), nil
}

// ListConversationsForParticipant returns the participant's conversations, most recent first.
func (m *MockStore) ListConversationsForParticipant(ctx context.Context, participantID string, includeArchived bool) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Conversation
	for _, c := range m.conversations {
		if !c.HasParticipant(participantID) {
			continue
		}
		if c.Archived && !includeArchived {
			continue
		}
		result = append(result, copyConversation(c))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].LastActivity.Equal(result[j].LastActivity) {
			return result[i].ID < result[j].ID
		}
		return result[i].LastActivity.After(result[j].LastActivity)
	})
	return result, nil
}

// SetBookingRef links a conversation to a booking.
func (m *MockStore) SetBookingRef(ctx context.Context, conversationID, bookingRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	ref := bookingRef
	c.BookingRef = &ref
	return nil
}

// SetArchived flags or unflags a conversation as archived.
func (m *MockStore) SetArchived(ctx context.Context, conversationID string, archived bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	c.Archived = archived
	return nil
}

// AppendMessage assigns the next id and updates the derived conversation state.
func (m *MockStore) AppendMessage(ctx context.Context, params AppendParams) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailAppend != nil {
		return nil, m.FailAppend
	}

	c, ok := m.conversations[params.ConversationID]
	if !ok {
		return nil, ErrNotFound
	}
	if !c.HasParticipant(params.SenderID) {
		return nil, ErrNotParticipant
	}

	msg := &Message{
		ID:              c.LastMessageID + 1,
		ConversationID:  c.ID,
		SenderID:        params.SenderID,
		Body:            params.Body,
		ClientMessageID: params.ClientMessageID,
		CreatedAt:       params.CreatedAt.UTC(),
		Status:          make(map[string]DeliveryStatus, 1),
	}
	for _, p := range c.Participants {
		if p == params.SenderID {
			continue
		}
		msg.Status[p] = StatusSent
		c.Unread[p]++
	}

	m.messages[c.ID] = append(m.messages[c.ID], msg)
	c.LastMessageID = msg.ID
	c.Revision++
	c.LastActivity = msg.CreatedAt
	c.Archived = false

	return copyMessage(msg), nil
}

// ListMessagesSince returns messages with id > afterID in ascending order.
func (m *MockStore) ListMessagesSince(ctx context.Context, conversationID string, afterID int64, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.messages[conversationID]
	if afterID < 0 {
		afterID = 0
	}
	if afterID >= int64(len(log)) {
		return nil, nil
	}

	tail := log[afterID:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}

	result := make([]*Message, 0, len(tail))
	for _, msg := range tail {
		result = append(result, copyMessage(msg))
	}
	return result, nil
}

// MarkRead marks messages as read for the reader and recomputes its unread count.
func (m *MockStore) MarkRead(ctx context.Context, conversationID, readerID string, uptoID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return 0, ErrNotFound
	}
	if !c.HasParticipant(readerID) {
		return 0, ErrNotParticipant
	}

	var unread int64
	for _, msg := range m.messages[conversationID] {
		status, isRecipient := msg.Status[readerID]
		if !isRecipient {
			continue
		}
		if msg.ID <= uptoID {
			msg.Status[readerID] = StatusRead
			continue
		}
		if status != StatusRead {
			unread++
		}
	}
	c.Unread[readerID] = unread
	return unread, nil
}

// MarkDelivered moves sent receipts to delivered up to uptoID.
func (m *MockStore) MarkDelivered(ctx context.Context, conversationID, recipientID string, uptoID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.messages[conversationID] {
		if msg.ID > uptoID {
			break
		}
		status, isRecipient := msg.Status[recipientID]
		if isRecipient && !status.Reached(StatusDelivered) {
			msg.Status[recipientID] = StatusDelivered
		}
	}
	return nil
}

// Ping always succeeds for the mock.
func (m *MockStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}

// Touch overrides a conversation's last activity; tests use it to control ordering.
func (m *MockStore) Touch(conversationID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conversations[conversationID]; ok {
		c.LastActivity = at
	}
}

func copyConversation(c *Conversation) *Conversation {
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	if c.BookingRef != nil {
		ref := *c.BookingRef
		cp.BookingRef = &ref
	}
	cp.Unread = make(map[string]int64, len(c.Unread))
	for k, v := range c.Unread {
		cp.Unread[k] = v
	}
	return &cp
}

func copyMessage(msg *Message) *Message {
	cp := *msg
	cp.Status = make(map[string]DeliveryStatus, len(msg.Status))
	for k, v := range msg.Status {
		cp.Status[k] = v
	}
	return &cp
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)
