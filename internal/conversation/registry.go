// ABOUTME: ConversationRegistry resolves participant pairs to conversations
// ABOUTME: Handles booking links, create races and participant-scoped listings

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/2389/studio-chat/internal/booking"
	"github.com/2389/studio-chat/internal/store"
)

// maxParticipantIDLen bounds identifiers handed over by the identity layer
const maxParticipantIDLen = 128

// Registry owns conversation metadata. Derived state (unread counters, last
// activity, revision) is maintained by the store inside the append transaction.
type Registry struct {
	store    store.Store
	bookings booking.Lookup
	now      func() time.Time
	logger   *slog.Logger
}

// NewRegistry creates a registry. A nil lookup accepts every booking reference.
func NewRegistry(st store.Store, bookings booking.Lookup, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if bookings == nil {
		bookings = booking.AllowAll{}
	}
	return &Registry{
		store:    st,
		bookings: bookings,
		now:      time.Now,
		logger:   logger.With("component", "registry"),
	}
}

// validateParticipant rejects ids that cannot name a participant
func validateParticipant(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return invalid(CodeInvalidParticipant, "participant id is required")
	case id != strings.TrimSpace(id):
		return invalid(CodeInvalidParticipant, "participant id has surrounding whitespace")
	case len(id) > maxParticipantIDLen:
		return invalid(CodeInvalidParticipant, "participant id is longer than %d bytes", maxParticipantIDLen)
	case strings.Contains(id, "|"):
		return invalid(CodeInvalidParticipant, "participant id must not contain '|'")
	}
	return nil
}

// GetOrCreate returns the conversation between a and b, creating it if
// needed. The pair is order-independent. A booking reference is checked for
// existence and linked to a conversation that has none yet. created reports
// whether this call created the conversation.
func (r *Registry) GetOrCreate(ctx context.Context, participantA, participantB, bookingRef string) (conv *store.Conversation, created bool, err error) {
	if err := validateParticipant(participantA); err != nil {
		return nil, false, err
	}
	if err := validateParticipant(participantB); err != nil {
		return nil, false, err
	}
	if participantA == participantB {
		return nil, false, invalid(CodeSelfConversation, "a conversation needs two different participants")
	}

	bookingRef = strings.TrimSpace(bookingRef)
	if bookingRef != "" {
		exists, err := r.bookings.Exists(ctx, bookingRef)
		if err != nil {
			return nil, false, fmt.Errorf("checking booking: %w", err)
		}
		if !exists {
			return nil, false, invalid(CodeUnknownBooking, "booking %q does not exist", bookingRef)
		}
	}

	pairKey := store.PairKey(participantA, participantB)

	conv, err = r.store.GetConversationByPair(ctx, pairKey)
	switch {
	case err == nil:
		return r.linkBooking(ctx, conv, bookingRef)
	case !errors.Is(err, store.ErrNotFound):
		return nil, false, fmt.Errorf("looking up conversation: %w", err)
	}

	now := r.now().UTC()
	conv = &store.Conversation{
		ID:           uuid.NewString(),
		Participants: []string{participantA, participantB},
		PairKey:      pairKey,
		LastActivity: now,
		CreatedAt:    now,
	}
	if bookingRef != "" {
		conv.BookingRef = &bookingRef
	}

	if err := r.store.CreateConversation(ctx, conv); err != nil {
		if !errors.Is(err, store.ErrDuplicateConversation) {
			return nil, false, fmt.Errorf("creating conversation: %w", err)
		}
		// Another request created the pair between our lookup and insert
		existing, lookupErr := r.store.GetConversationByPair(ctx, pairKey)
		if lookupErr != nil {
			r.logger.Error("retry lookup failed after duplicate error", "pair_key", pairKey, "lookup_error", lookupErr)
			return nil, false, fmt.Errorf("creating conversation: %w", err)
		}
		r.logger.Debug("found existing conversation after race", "conversation_id", existing.ID)
		return r.linkBooking(ctx, existing, bookingRef)
	}

	created = true
	conv, err = r.store.GetConversation(ctx, conv.ID)
	if err != nil {
		return nil, false, fmt.Errorf("reading created conversation: %w", err)
	}

	r.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"participants", conv.Participants,
		"booking_ref", bookingRef)
	return conv, created, nil
}

// linkBooking attaches bookingRef to conv when it has no booking yet.
// An existing link is never replaced.
func (r *Registry) linkBooking(ctx context.Context, conv *store.Conversation, bookingRef string) (*store.Conversation, bool, error) {
	if bookingRef == "" || conv.BookingRef != nil {
		return conv, false, nil
	}
	if err := r.store.SetBookingRef(ctx, conv.ID, bookingRef); err != nil {
		return nil, false, fmt.Errorf("linking booking: %w", err)
	}
	conv.BookingRef = &bookingRef
	r.logger.Debug("linked booking", "conversation_id", conv.ID, "booking_ref", bookingRef)
	return conv, false, nil
}

// Get returns a conversation by id
func (r *Registry) Get(ctx context.Context, conversationID string) (*store.Conversation, error) {
	conv, err := r.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting conversation: %w", err)
	}
	return conv, nil
}

// GetForParticipant returns the conversation only if participantID is a member
func (r *Registry) GetForParticipant(ctx context.Context, conversationID, participantID string) (*store.Conversation, error) {
	conv, err := r.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !lo.Contains(conv.Participants, participantID) {
		return nil, invalid(CodeInvalidParticipant, "%q is not a participant of this conversation", participantID)
	}
	return conv, nil
}

// ListForParticipant returns the participant's conversations, most recent
// activity first, read as one consistent snapshot.
func (r *Registry) ListForParticipant(ctx context.Context, participantID string, includeArchived bool) ([]*store.Conversation, error) {
	if err := validateParticipant(participantID); err != nil {
		return nil, err
	}
	convs, err := r.store.ListConversationsForParticipant(ctx, participantID, includeArchived)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	return convs, nil
}

// Unread returns the participant's unread counter
func (r *Registry) Unread(ctx context.Context, conversationID, participantID string) (int64, error) {
	conv, err := r.GetForParticipant(ctx, conversationID, participantID)
	if err != nil {
		return 0, err
	}
	return conv.Unread[participantID], nil
}

// Archive hides a conversation from default listings. History is kept.
func (r *Registry) Archive(ctx context.Context, conversationID string) error {
	return r.setArchived(ctx, conversationID, true)
}

// Unarchive restores a conversation to default listings
func (r *Registry) Unarchive(ctx context.Context, conversationID string) error {
	return r.setArchived(ctx, conversationID, false)
}

func (r *Registry) setArchived(ctx context.Context, conversationID string, archived bool) error {
	err := r.store.SetArchived(ctx, conversationID, archived)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("updating archived flag: %w", err)
	}
	r.logger.Debug("archived flag set", "conversation_id", conversationID, "archived", archived)
	return nil
}
