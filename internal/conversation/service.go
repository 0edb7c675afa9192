// ABOUTME: ConversationService is the entry point for every chat operation
// ABOUTME: Messages are durable before fan-out; delivery trouble never fails a send

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/studio-chat/internal/booking"
	"github.com/2389/studio-chat/internal/delivery"
	"github.com/2389/studio-chat/internal/metrics"
	"github.com/2389/studio-chat/internal/presence"
	"github.com/2389/studio-chat/internal/store"
	"github.com/2389/studio-chat/internal/typing"
)

// DefaultWriteTimeout bounds an append once it has been detached from the caller
const DefaultWriteTimeout = 5 * time.Second

// Config collects the tunables of every component the service owns
type Config struct {
	MaxBodyRunes     int
	PageSize         int
	WriteTimeout     time.Duration
	DedupeTTL        time.Duration
	DedupeMaxEntries int
	Delivery         delivery.Config
	Typing           typing.Config
}

// DeliveryWarning is a non-fatal fan-out problem reported to the sender
type DeliveryWarning = delivery.Warning

// Service is the central conversation layer. Every message is appended to the
// durable log before any session or subscriber sees it.
type Service struct {
	store        store.Store
	registry     *Registry
	messages     *MessageStore
	router       *delivery.Router
	tracker      *presence.Tracker
	typing       *typing.Coordinator
	broadcaster  *EventBroadcaster
	metrics      *metrics.Collectors
	writeTimeout time.Duration
	closeOnce    sync.Once
	logger       *slog.Logger
}

// New wires the registry, message store, presence tracker, typing
// coordinator and delivery router over st. Pass nil metrics to disable
// instrumentation and nil logger for default.
func New(st store.Store, bookings booking.Lookup, cfg Config, m *metrics.Collectors, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	s := &Service{
		store:        st,
		registry:     NewRegistry(st, bookings, logger),
		broadcaster:  NewEventBroadcaster(logger),
		tracker:      presence.NewTracker(logger),
		metrics:      m,
		writeTimeout: cfg.WriteTimeout,
		logger:       logger.With("component", "conversation"),
	}
	s.messages = NewMessageStore(st, MessageStoreConfig{
		MaxBodyRunes:     cfg.MaxBodyRunes,
		PageSize:         cfg.PageSize,
		DedupeTTL:        cfg.DedupeTTL,
		DedupeMaxEntries: cfg.DedupeMaxEntries,
	}, m, logger)
	s.router = delivery.NewRouter(s.messages, delivery.Options{
		Config:   cfg.Delivery,
		Presence: s.tracker,
		Metrics:  m,
		OnEvent:  s.broadcaster.Publish,
		Logger:   logger,
	})
	s.typing = typing.New(cfg.Typing, s.onTyping, logger)

	return s
}

func (s *Service) onTyping(ev typing.Event) {
	s.metrics.RecordTyping(ev.Started)
	s.router.PublishTyping(ev.ConversationID, ev.ParticipantID, ev.Started, ev.At)
}

// StartConversation returns the conversation between a and b, creating it if
// needed, optionally linked to a booking.
func (s *Service) StartConversation(ctx context.Context, participantA, participantB, bookingRef string) (*store.Conversation, bool, error) {
	return s.registry.GetOrCreate(ctx, participantA, participantB, bookingRef)
}

// GetConversation returns a conversation the participant belongs to
func (s *Service) GetConversation(ctx context.Context, conversationID, participantID string) (*store.Conversation, error) {
	return s.registry.GetForParticipant(ctx, conversationID, participantID)
}

// ListConversations returns the participant's conversations, most recent first
func (s *Service) ListConversations(ctx context.Context, participantID string, includeArchived bool) ([]*store.Conversation, error) {
	return s.registry.ListForParticipant(ctx, participantID, includeArchived)
}

// SendRequest is one message send. Set ConversationID, or RecipientID to
// send into the pair conversation, creating it on first contact.
type SendRequest struct {
	ConversationID string
	RecipientID    string
	SenderID       string
	Body           string
	// ClientMessageID makes retries within the dedupe window idempotent
	ClientMessageID string
	// OriginSessionID is the sender's own session, if the send arrived on one
	OriginSessionID string
}

// SendResult reports the stored message and any fan-out warnings
type SendResult struct {
	Message   *store.Message
	Duplicate bool
	Warnings  []DeliveryWarning
}

// SendMessage appends the message and fans it out. An append failure means
// nothing is delivered. The append is not cancelled by ctx once started; it
// runs under its own write timeout.
func (s *Service) SendMessage(ctx context.Context, req SendRequest) (*SendResult, error) {
	if req.ConversationID == "" {
		if strings.TrimSpace(req.RecipientID) == "" {
			return nil, invalid(CodeInvalidParticipant, "conversation or recipient is required")
		}
		conv, _, err := s.registry.GetOrCreate(ctx, req.SenderID, req.RecipientID, "")
		if err != nil {
			return nil, err
		}
		req.ConversationID = conv.ID
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()

	msg, duplicate, err := s.messages.AppendIdempotent(wctx, AppendRequest{
		ConversationID:  req.ConversationID,
		SenderID:        req.SenderID,
		Body:            req.Body,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		return nil, err
	}
	if duplicate {
		s.metrics.RecordDuplicateSend()
		return &SendResult{Message: msg, Duplicate: true}, nil
	}

	s.typing.ClearTyping(msg.ConversationID, msg.SenderID)
	warnings := s.router.PublishMessage(msg, req.OriginSessionID)
	for _, w := range warnings {
		s.logger.Warn("delivery warning",
			"conversation_id", msg.ConversationID,
			"message_id", msg.ID,
			"session_id", w.SessionID,
			"reason", w.Reason)
	}

	return &SendResult{Message: msg, Warnings: warnings}, nil
}

// SetTypingState starts (or refreshes) or stops the participant's typing
// signal. A zero ttl uses the default.
func (s *Service) SetTypingState(ctx context.Context, conversationID, participantID string, isTyping bool, ttl time.Duration) error {
	if _, err := s.registry.GetForParticipant(ctx, conversationID, participantID); err != nil {
		return err
	}
	if isTyping {
		s.typing.SetTyping(conversationID, participantID, ttl)
	} else {
		s.typing.ClearTyping(conversationID, participantID)
	}
	return nil
}

// MarkConversationRead marks messages up to uptoID as read by readerID and
// tells the other participant. Returns the reader's unread count.
func (s *Service) MarkConversationRead(ctx context.Context, conversationID, readerID string, uptoID int64) (int64, error) {
	unread, err := s.messages.MarkRead(ctx, conversationID, readerID, uptoID)
	if err != nil {
		return 0, err
	}
	s.router.PublishRead(conversationID, readerID, uptoID, unread)
	return unread, nil
}

// History returns up to limit messages after afterID for a member
func (s *Service) History(ctx context.Context, conversationID, participantID string, afterID int64, limit int) ([]*store.Message, error) {
	if _, err := s.registry.GetForParticipant(ctx, conversationID, participantID); err != nil {
		return nil, err
	}
	return s.messages.ListSince(ctx, conversationID, afterID, limit)
}

// Unread returns the participant's unread count
func (s *Service) Unread(ctx context.Context, conversationID, participantID string) (int64, error) {
	return s.registry.Unread(ctx, conversationID, participantID)
}

// Connect opens a delivery session. Messages after lastAck are backfilled
// before live traffic. The session ends when ctx is cancelled, on Disconnect,
// or when a push through transport fails.
func (s *Service) Connect(ctx context.Context, conversationID, participantID string, lastAck int64, transport delivery.Transport) (*delivery.Session, error) {
	conv, err := s.registry.GetForParticipant(ctx, conversationID, participantID)
	if err != nil {
		return nil, err
	}
	if lastAck < 0 || lastAck > conv.LastMessageID {
		return nil, invalid(CodeInvalidCursor, "last ack %d is outside [0, %d]", lastAck, conv.LastMessageID)
	}

	session, err := s.router.Attach(ctx, delivery.AttachRequest{
		ConversationID: conversationID,
		ParticipantID:  participantID,
		LastAck:        lastAck,
		Transport:      transport,
	})
	if err != nil {
		return nil, fmt.Errorf("attaching session: %w", err)
	}

	s.logger.Info("session connected",
		"conversation_id", conversationID,
		"participant_id", participantID,
		"session_id", session.ID,
		"last_ack", lastAck)
	return session, nil
}

// Disconnect closes a session
func (s *Service) Disconnect(sessionID string) error {
	if err := s.router.Detach(sessionID); err != nil {
		return translateDeliveryError(err)
	}
	return nil
}

// Ack records that the session's client has processed messages up to uptoID
func (s *Service) Ack(ctx context.Context, sessionID string, uptoID int64) error {
	if uptoID < 0 {
		return invalid(CodeInvalidCursor, "ack must not be negative")
	}
	if err := s.router.Ack(ctx, sessionID, uptoID); err != nil {
		return translateDeliveryError(err)
	}
	return nil
}

func translateDeliveryError(err error) error {
	switch {
	case errors.Is(err, delivery.ErrUnknownSession):
		return fmt.Errorf("session %w", store.ErrNotFound)
	case errors.Is(err, delivery.ErrAckAhead):
		return invalid(CodeInvalidCursor, "%v", err)
	default:
		return fmt.Errorf("delivery: %w", err)
	}
}

// ArchiveConversation archives or restores a conversation for a member.
// Sending a new message also restores it.
func (s *Service) ArchiveConversation(ctx context.Context, conversationID, participantID string, archived bool) error {
	if _, err := s.registry.GetForParticipant(ctx, conversationID, participantID); err != nil {
		return err
	}
	if archived {
		return s.registry.Archive(ctx, conversationID)
	}
	return s.registry.Unarchive(ctx, conversationID)
}

// IsOnline reports whether the participant has an open session on the conversation
func (s *Service) IsOnline(conversationID, participantID string) bool {
	return s.tracker.IsOnline(conversationID, participantID)
}

// IsTyping reports whether the participant has an active typing signal
func (s *Service) IsTyping(conversationID, participantID string) bool {
	return s.typing.IsTyping(conversationID, participantID)
}

// Subscribe observes published events for a conversation id, or for every
// conversation with AllConversations. The channel closes when ctx ends.
func (s *Service) Subscribe(ctx context.Context, key string) (<-chan delivery.Event, string) {
	return s.broadcaster.Subscribe(ctx, key)
}

// SessionCount returns the number of open sessions
func (s *Service) SessionCount() int {
	return s.router.SessionCount()
}

// Ready checks the store is reachable
func (s *Service) Ready(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("pinging store: %w", err)
	}
	return nil
}

// Close stops typing sweeps, closes every session and subscriber and releases
// caches. The store is left open for the caller to close. Safe to call
// more than once.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.typing.Close()
		s.router.Close()
		s.broadcaster.Close()
		s.messages.Close()
		s.logger.Debug("service closed")
	})
}
