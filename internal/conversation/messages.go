// ABOUTME: MessageStore validates and appends messages over the durable store
// ABOUTME: Serializes appends per conversation and exposes paged backfill as an iterator

package conversation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/2389/studio-chat/internal/dedupe"
	"github.com/2389/studio-chat/internal/metrics"
	"github.com/2389/studio-chat/internal/store"
)

// Limits applied by MessageStore
const (
	DefaultMaxBodyRunes = 4000
	DefaultPageSize     = 100
	MaxPageSize         = 500
)

// MessageStoreConfig tunes validation, paging and send idempotency
type MessageStoreConfig struct {
	MaxBodyRunes     int
	PageSize         int
	DedupeTTL        time.Duration // zero disables idempotent appends
	DedupeMaxEntries int
}

// AppendRequest is one message to append. ClientMessageID, when set, makes
// retries within the dedupe window return the first stored message.
type AppendRequest struct {
	ConversationID  string
	SenderID        string
	Body            string
	ClientMessageID string
}

// MessageStore is the append-only log of messages per conversation
type MessageStore struct {
	store        store.Store
	locks        *keyedMutex
	sent         *dedupe.Cache[*store.Message]
	maxBodyRunes int
	pageSize     int
	metrics      *metrics.Collectors
	now          func() time.Time
	logger       *slog.Logger
}

// NewMessageStore wraps st. Pass nil logger for default.
func NewMessageStore(st store.Store, cfg MessageStoreConfig, m *metrics.Collectors, logger *slog.Logger) *MessageStore {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyRunes <= 0 {
		cfg.MaxBodyRunes = DefaultMaxBodyRunes
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	cfg.PageSize = min(cfg.PageSize, MaxPageSize)

	ms := &MessageStore{
		store:        st,
		locks:        newKeyedMutex(),
		maxBodyRunes: cfg.MaxBodyRunes,
		pageSize:     cfg.PageSize,
		metrics:      m,
		now:          time.Now,
		logger:       logger.With("component", "messages"),
	}
	if cfg.DedupeTTL > 0 {
		ms.sent = dedupe.New[*store.Message](cfg.DedupeTTL, cfg.DedupeMaxEntries)
	}
	return ms
}

// Append validates and durably appends a message, assigning the next id
func (m *MessageStore) Append(ctx context.Context, conversationID, senderID, body string) (*store.Message, error) {
	msg, _, err := m.AppendIdempotent(ctx, AppendRequest{
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
	})
	return msg, err
}

// AppendIdempotent appends like Append. If req.ClientMessageID was already
// appended by the same sender within the dedupe window, the stored message is
// returned with duplicate set and nothing is written.
func (m *MessageStore) AppendIdempotent(ctx context.Context, req AppendRequest) (msg *store.Message, duplicate bool, err error) {
	body, err := m.validate(req)
	if err != nil {
		return nil, false, err
	}

	unlock := m.locks.Lock(req.ConversationID)
	defer unlock()

	key := ""
	if m.sent != nil && req.ClientMessageID != "" {
		key = req.ConversationID + "\x00" + req.SenderID + "\x00" + req.ClientMessageID
		if prior, ok := m.sent.Get(key); ok {
			m.logger.Debug("duplicate send",
				"conversation_id", req.ConversationID,
				"message_id", prior.ID,
				"client_message_id", req.ClientMessageID)
			return prior, true, nil
		}
	}

	start := time.Now()
	msg, err = m.store.AppendMessage(ctx, store.AppendParams{
		ConversationID:  req.ConversationID,
		SenderID:        req.SenderID,
		Body:            body,
		ClientMessageID: req.ClientMessageID,
		CreatedAt:       m.now(),
	})
	if err != nil {
		err = translateStoreError(err, req.SenderID)
		if IsValidation(err, "") || errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
		m.logger.Error("append failed",
			"conversation_id", req.ConversationID,
			"sender_id", req.SenderID,
			"error", err)
		return nil, false, fmt.Errorf("appending message: %w", err)
	}
	m.metrics.RecordAppend(time.Since(start))

	if key != "" {
		m.sent.Put(key, msg)
	}

	m.logger.Debug("message appended",
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
		"sender_id", msg.SenderID)
	return msg, false, nil
}

// validate returns the body to store or a ValidationError
func (m *MessageStore) validate(req AppendRequest) (string, error) {
	if strings.TrimSpace(req.SenderID) == "" {
		return "", invalid(CodeInvalidParticipant, "sender is required")
	}
	body := strings.TrimSpace(req.Body)
	if body == "" {
		return "", invalid(CodeEmptyBody, "message body is empty")
	}
	if n := utf8.RuneCountInString(body); n > m.maxBodyRunes {
		return "", invalid(CodeBodyTooLong, "message body has %d characters, limit is %d", n, m.maxBodyRunes)
	}
	return body, nil
}

// ListSince returns up to limit messages with id > afterID, ascending.
// A non-positive limit means the default page size; limits above
// MaxPageSize are capped. Unknown conversations return ErrNotFound.
func (m *MessageStore) ListSince(ctx context.Context, conversationID string, afterID int64, limit int) ([]*store.Message, error) {
	if afterID < 0 {
		return nil, invalid(CodeInvalidCursor, "cursor must not be negative")
	}
	if limit <= 0 {
		limit = m.pageSize
	}
	limit = min(limit, MaxPageSize)

	msgs, err := m.store.ListMessagesSince(ctx, conversationID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	if len(msgs) == 0 {
		// an empty page is also what an unknown conversation looks like
		if _, err := m.store.GetConversation(ctx, conversationID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("loading conversation: %w", err)
		}
	}
	return msgs, nil
}

// Backfill returns a lazy, finite sequence of every message after afterID in
// ascending order, read pageSize at a time. Each range over the sequence
// starts again from afterID.
func (m *MessageStore) Backfill(ctx context.Context, conversationID string, afterID int64, pageSize int) iter.Seq2[*store.Message, error] {
	if pageSize <= 0 {
		pageSize = m.pageSize
	}
	pageSize = min(pageSize, MaxPageSize)

	return func(yield func(*store.Message, error) bool) {
		cursor := afterID
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			page, err := m.ListSince(ctx, conversationID, cursor, pageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, msg := range page {
				if !yield(msg, nil) {
					return
				}
				cursor = msg.ID
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}

// MarkRead marks every message up to uptoID not sent by readerID as read and
// returns the reader's new unread count. Repeating the call changes nothing.
func (m *MessageStore) MarkRead(ctx context.Context, conversationID, readerID string, uptoID int64) (int64, error) {
	if uptoID < 0 {
		return 0, invalid(CodeInvalidCursor, "read marker must not be negative")
	}
	unread, err := m.store.MarkRead(ctx, conversationID, readerID, uptoID)
	if err != nil {
		err = translateStoreError(err, readerID)
		if IsValidation(err, "") || errors.Is(err, ErrNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("marking read: %w", err)
	}
	return unread, nil
}

// MarkDelivered records that messages up to uptoID reached recipientID
func (m *MessageStore) MarkDelivered(ctx context.Context, conversationID, recipientID string, uptoID int64) error {
	if err := m.store.MarkDelivered(ctx, conversationID, recipientID, uptoID); err != nil {
		return fmt.Errorf("marking delivered: %w", err)
	}
	return nil
}

// Close releases the dedupe cache
func (m *MessageStore) Close() {
	if m.sent != nil {
		m.sent.Close()
	}
}
