// ABOUTME: Server-Sent Events session transport and the shared event payload
// ABOUTME: Streams backfilled and live conversation events to EventSource clients

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/2389/studio-chat/internal/auth"
	"github.com/2389/studio-chat/internal/delivery"
)

// errTransportClosed is returned by Send after the transport was closed
var errTransportClosed = errors.New("transport closed")

// sessionHeader names the delivery session on streaming responses
const sessionHeader = "X-Session-ID"

// EventPayload is the JSON shape of a pushed event on both SSE and WebSocket
type EventPayload struct {
	Type           string           `json:"type"`
	ConversationID string           `json:"conversation_id"`
	ParticipantID  string           `json:"participant_id,omitempty"`
	Message        *MessageResponse `json:"message,omitempty"`
	Online         *bool            `json:"online,omitempty"`
	UpToID         int64            `json:"up_to_id,omitempty"`
	Unread         *int64           `json:"unread,omitempty"`
	At             time.Time        `json:"at"`
}

func newEventPayload(ev delivery.Event) EventPayload {
	p := EventPayload{
		Type:           string(ev.Kind),
		ConversationID: ev.ConversationID,
		ParticipantID:  ev.ParticipantID,
		At:             ev.At,
	}
	switch ev.Kind {
	case delivery.KindMessage:
		if ev.Message != nil {
			msg := toMessageResponse(ev.Message)
			p.Message = &msg
			p.ParticipantID = ev.Message.SenderID
			if p.At.IsZero() {
				p.At = ev.Message.CreatedAt
			}
		}
	case delivery.KindPresence:
		online := ev.Online
		p.Online = &online
	case delivery.KindRead:
		unread := ev.Unread
		p.UpToID = ev.UpToID
		p.Unread = &unread
	}
	return p
}

// sessionEvent is the handshake that opens every SSE stream
type sessionEvent struct {
	SessionID string `json:"session_id"`
	LastAck   int64  `json:"last_ack"`
}

// formatSSEEvent formats an SSE event as a string with the standard format:
// id: <id>\nevent: <eventType>\ndata: <data>\n\n
// The id line is omitted when id is empty.
func formatSSEEvent(id, eventType, data string) string {
	if id == "" {
		return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
	}
	return fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", id, eventType, data)
}

// sseTransport writes session events to one EventSource response.
// Message events carry the message id as the SSE id, so a reconnecting
// EventSource resumes through the Last-Event-ID header. Pushes wait until
// the session handshake has been written.
type sseTransport struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	rc      *http.ResponseController
	ready   chan struct{}
	started bool
	closed  bool
}

func newSSETransport(w http.ResponseWriter) *sseTransport {
	return &sseTransport{w: w, rc: http.NewResponseController(w), ready: make(chan struct{})}
}

// start writes the stream headers once. Callers hold mu.
func (t *sseTransport) start() {
	if t.started {
		return
	}
	t.started = true
	h := t.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	t.w.WriteHeader(http.StatusOK)
}

// writeLocked writes raw SSE text and flushes it, honouring ctx's deadline
func (t *sseTransport) writeLocked(ctx context.Context, text string) error {
	if t.closed {
		return errTransportClosed
	}
	t.start()

	// zero deadline clears one left by an earlier write
	deadline, _ := ctx.Deadline()
	if err := t.rc.SetWriteDeadline(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if _, err := fmt.Fprint(t.w, text); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	if err := t.rc.Flush(); err != nil {
		return fmt.Errorf("flushing event: %w", err)
	}
	return ctx.Err()
}

func (t *sseTransport) Send(ctx context.Context, ev delivery.Event) error {
	data, err := json.Marshal(newEventPayload(ev))
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	var id string
	if ev.Kind == delivery.KindMessage && ev.Message != nil {
		id = strconv.FormatInt(ev.Message.ID, 10)
	}

	select {
	case <-t.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeLocked(ctx, formatSSEEvent(id, string(ev.Kind), string(data)))
}

// open sends the handshake event naming the session and releases pushes
func (t *sseTransport) open(ctx context.Context, sessionID string, lastAck int64) error {
	data, err := json.Marshal(sessionEvent{SessionID: sessionID, LastAck: lastAck})
	if err != nil {
		return fmt.Errorf("encoding session event: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.w.Header().Set(sessionHeader, sessionID)
	if err := t.writeLocked(ctx, formatSSEEvent("", "session", string(data))); err != nil {
		return err
	}
	close(t.ready)
	return nil
}

// heartbeat writes an SSE comment so proxies keep the stream open
func (t *sseTransport) heartbeat(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeLocked(ctx, ": ping\n\n")
}

func (t *sseTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// lastAckFromRequest reads the resume cursor from ?last_ack=, falling back to
// the Last-Event-ID header an EventSource sends when it reconnects.
func lastAckFromRequest(r *http.Request) (int64, error) {
	if r.URL.Query().Get("last_ack") != "" {
		return queryInt(r, "last_ack")
	}
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return 0, errors.New("last event id must be a non-negative integer")
		}
		return v, nil
	}
	return 0, nil
}

// streamContext returns a context that ends with the request or when the
// gateway starts shutting down
func (g *Gateway) streamContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(g.streams, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// handleEvents handles GET /api/conversations/{id}/events?last_ack=
// Each connection is one delivery session: messages after last_ack are
// replayed, then live events follow until the client goes away.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	me := auth.ParticipantID(r.Context())

	lastAck, err := lastAckFromRequest(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := g.streamContext(r)
	defer cancel()

	transport := newSSETransport(w)
	session, err := g.service.Connect(ctx, r.PathValue("id"), me, lastAck, transport)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	// the worker may still be writing until Done closes
	defer func() { <-session.Done() }()
	defer cancel()

	if err := transport.open(ctx, session.ID, lastAck); err != nil {
		g.logger.Debug("SSE handshake failed", "session_id", session.ID, "error", err)
		return
	}

	ticker := time.NewTicker(g.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-session.Done():
			return
		case <-ticker.C:
			hctx, hcancel := context.WithTimeout(ctx, g.pingInterval)
			err := transport.heartbeat(hctx)
			hcancel()
			if err != nil {
				g.logger.Debug("SSE heartbeat failed", "session_id", session.ID, "error", err)
				return
			}
		}
	}
}
