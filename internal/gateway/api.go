// ABOUTME: HTTP API handlers for conversations, messages, receipts and typing
// ABOUTME: Decodes and validates JSON bodies and maps service errors onto status codes

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/2389/studio-chat/internal/auth"
	"github.com/2389/studio-chat/internal/booking"
	"github.com/2389/studio-chat/internal/conversation"
	"github.com/2389/studio-chat/internal/store"
)

// maxRequestBody caps JSON request bodies
const maxRequestBody = 64 << 10

// StartConversationRequest is the JSON body for POST /api/conversations
type StartConversationRequest struct {
	ParticipantID string `json:"participant_id" validate:"required,max=128"`
	BookingRef    string `json:"booking_ref,omitempty" validate:"omitempty,max=128"`
}

// SendMessageRequest is the JSON body for POST /api/conversations/{id}/messages
type SendMessageRequest struct {
	Body            string `json:"body"`
	ClientMessageID string `json:"client_message_id,omitempty" validate:"omitempty,max=128"`
}

// SendToRecipientRequest is the JSON body for POST /api/messages. The
// conversation with the recipient is created on first use.
type SendToRecipientRequest struct {
	RecipientID     string `json:"recipient_id" validate:"required,max=128"`
	Body            string `json:"body"`
	ClientMessageID string `json:"client_message_id,omitempty" validate:"omitempty,max=128"`
}

// MarkReadRequest is the JSON body for POST /api/conversations/{id}/read
type MarkReadRequest struct {
	UpToID int64 `json:"up_to_id" validate:"gte=0"`
}

// TypingRequest is the JSON body for POST /api/conversations/{id}/typing
type TypingRequest struct {
	IsTyping bool  `json:"is_typing"`
	TTLMs    int64 `json:"ttl_ms,omitempty" validate:"gte=0"`
}

// ArchiveRequest is the JSON body for POST /api/conversations/{id}/archive
type ArchiveRequest struct {
	Archived *bool `json:"archived" validate:"required"`
}

// ConversationResponse is the JSON shape of a conversation for one participant
type ConversationResponse struct {
	ID               string    `json:"id"`
	Participants     []string  `json:"participants"`
	OtherParticipant string    `json:"other_participant"`
	BookingRef       *string   `json:"booking_ref,omitempty"`
	LastMessageID    int64     `json:"last_message_id"`
	LastActivity     time.Time `json:"last_activity"`
	Unread           int64     `json:"unread"`
	Archived         bool      `json:"archived"`
	CreatedAt        time.Time `json:"created_at"`
}

// MessageResponse is the JSON shape of a message
type MessageResponse struct {
	ID              int64             `json:"id"`
	ConversationID  string            `json:"conversation_id"`
	SenderID        string            `json:"sender_id"`
	Body            string            `json:"body"`
	ClientMessageID string            `json:"client_message_id,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	Status          map[string]string `json:"status,omitempty"`
}

// WarningResponse reports a session that could not be handed the message
type WarningResponse struct {
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id"`
	Reason        string `json:"reason"`
}

// SendMessageResponse is returned by the send endpoints
type SendMessageResponse struct {
	Message   MessageResponse   `json:"message"`
	Duplicate bool              `json:"duplicate"`
	Warnings  []WarningResponse `json:"warnings,omitempty"`
}

// ErrorResponse is the JSON body of every error
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report JSON field names in validation errors
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func toConversationResponse(conv *store.Conversation, participantID string) ConversationResponse {
	return ConversationResponse{
		ID:               conv.ID,
		Participants:     conv.Participants,
		OtherParticipant: conv.Other(participantID),
		BookingRef:       conv.BookingRef,
		LastMessageID:    conv.LastMessageID,
		LastActivity:     conv.LastActivity,
		Unread:           conv.Unread[participantID],
		Archived:         conv.Archived,
		CreatedAt:        conv.CreatedAt,
	}
}

func toMessageResponse(msg *store.Message) MessageResponse {
	resp := MessageResponse{
		ID:              msg.ID,
		ConversationID:  msg.ConversationID,
		SenderID:        msg.SenderID,
		Body:            msg.Body,
		ClientMessageID: msg.ClientMessageID,
		CreatedAt:       msg.CreatedAt,
	}
	if len(msg.Status) > 0 {
		resp.Status = lo.MapValues(msg.Status, func(s store.DeliveryStatus, _ string) string {
			return string(s)
		})
	}
	return resp
}

func toSendMessageResponse(result *conversation.SendResult) SendMessageResponse {
	return SendMessageResponse{
		Message:   toMessageResponse(result.Message),
		Duplicate: result.Duplicate,
		Warnings: lo.Map(result.Warnings, func(w conversation.DeliveryWarning, _ int) WarningResponse {
			return WarningResponse{SessionID: w.SessionID, ParticipantID: w.ParticipantID, Reason: w.Reason}
		}),
	}
}

// decodeJSON reads a JSON body into dst and validates its struct tags.
// The returned error is safe to show to the client.
func (g *Gateway) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		}
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return errors.New("invalid JSON body")
	}

	if err := g.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return errors.New(strings.Join(lo.Map(verrs, func(fe validator.FieldError, _ int) string {
				if fe.Param() != "" {
					return fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param())
				}
				return fmt.Sprintf("%s is %s", fe.Field(), fe.Tag())
			}), "; "))
		}
		return fmt.Errorf("validating request: %w", err)
	}
	return nil
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, ErrorResponse{Error: message})
}

// errorStatus maps a service error onto an HTTP status and client-facing body
func errorStatus(err error) (int, ErrorResponse) {
	var verr *conversation.ValidationError
	switch {
	case errors.As(err, &verr):
		status := http.StatusBadRequest
		if verr.Code == conversation.CodeUnknownBooking {
			status = http.StatusUnprocessableEntity
		}
		return status, ErrorResponse{Error: verr.Message, Code: verr.Code}
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Error: err.Error()}
	case errors.Is(err, booking.ErrUnavailable):
		return http.StatusServiceUnavailable, ErrorResponse{Error: "booking lookup unavailable"}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: "internal error"}
	}
}

// sendServiceError logs err and writes the mapped error response.
func (g *Gateway) sendServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorStatus(err)
	if status >= http.StatusInternalServerError {
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		g.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	g.sendJSON(w, status, body)
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return v, nil
}

// handleStartConversation handles POST /api/conversations.
// Responds 201 when the conversation was created and 200 when it existed.
func (g *Gateway) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	me := auth.ParticipantID(r.Context())

	var req StartConversationRequest
	if err := g.decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, created, err := g.service.StartConversation(r.Context(), me, req.ParticipantID, req.BookingRef)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	g.sendJSON(w, status, toConversationResponse(conv, me))
}

// handleListConversations handles GET /api/conversations?archived=true
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	me := auth.ParticipantID(r.Context())
	includeArchived, _ := strconv.ParseBool(r.URL.Query().Get("archived"))

	convs, err := g.service.ListConversations(r.Context(), me, includeArchived)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	g.sendJSON(w, http.StatusOK, map[string]any{
		"conversations": lo.Map(convs, func(c *store.Conversation, _ int) ConversationResponse {
			return toConversationResponse(c, me)
		}),
	})
}

// handleGetConversation handles GET /api/conversations/{id}
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	me := auth.ParticipantID(r.Context())

	conv, err := g.service.GetConversation(r.Context(), r.PathValue("id"), me)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, toConversationResponse(conv, me))
}

// handleHistory handles GET /api/conversations/{id}/messages?after=&limit=
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	me := auth.ParticipantID(r.Context())

	after, err := queryInt(r, "after")
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := g.service.History(r.Context(), r.PathValue("id"), me, after, int(limit))
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	g.sendJSON(w, http.StatusOK, map[string]any{
		"messages": lo.Map(msgs, func(m *store.Message, _ int) MessageResponse {
			return toMessageResponse(m)
		}),
	})
}

// handleSendMessage handles POST /api/conversations/{id}/messages
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := g.decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	g.send(w, r, conversation.SendRequest{
		ConversationID:  r.PathValue("id"),
		SenderID:        auth.ParticipantID(r.Context()),
		Body:            req.Body,
		ClientMessageID: req.ClientMessageID,
	})
}

// handleSendToRecipient handles POST /api/messages
func (g *Gateway) handleSendToRecipient(w http.ResponseWriter, r *http.Request) {
	var req SendToRecipientRequest
	if err := g.decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	g.send(w, r, conversation.SendRequest{
		RecipientID:     req.RecipientID,
		SenderID:        auth.ParticipantID(r.Context()),
		Body:            req.Body,
		ClientMessageID: req.ClientMessageID,
	})
}

func (g *Gateway) send(w http.ResponseWriter, r *http.Request, req conversation.SendRequest) {
	result, err := g.service.SendMessage(r.Context(), req)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	g.sendJSON(w, status, toSendMessageResponse(result))
}

// handleMarkRead handles POST /api/conversations/{id}/read
func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req MarkReadRequest
	if err := g.decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	unread, err := g.service.MarkConversationRead(r.Context(), r.PathValue("id"), auth.ParticipantID(r.Context()), req.UpToID)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]int64{"unread": unread})
}

// handleTyping handles POST /api/conversations/{id}/typing
func (g *Gateway) handleTyping(w http.ResponseWriter, r *http.Request) {
	var req TypingRequest
	if err := g.decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ttl := time.Duration(req.TTLMs) * time.Millisecond
	if err := g.service.SetTypingState(r.Context(), r.PathValue("id"), auth.ParticipantID(r.Context()), req.IsTyping, ttl); err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleArchive handles POST /api/conversations/{id}/archive
func (g *Gateway) handleArchive(w http.ResponseWriter, r *http.Request) {
	var req ArchiveRequest
	if err := g.decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := g.service.ArchiveConversation(r.Context(), r.PathValue("id"), auth.ParticipantID(r.Context()), *req.Archived); err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePresence handles GET /api/conversations/{id}/presence and reports
// whether the other participant is connected and typing.
func (g *Gateway) handlePresence(w http.ResponseWriter, r *http.Request) {
	me := auth.ParticipantID(r.Context())

	conv, err := g.service.GetConversation(r.Context(), r.PathValue("id"), me)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	other := conv.Other(me)
	g.sendJSON(w, http.StatusOK, map[string]any{
		"participant_id": other,
		"online":         g.service.IsOnline(conv.ID, other),
		"typing":         g.service.IsTyping(conv.ID, other),
	})
}
