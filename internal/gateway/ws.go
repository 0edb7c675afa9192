// ABOUTME: WebSocket session transport with a single-writer loop and keepalive pings
// ABOUTME: Reads send, typing, ack and read frames from the client on the same socket

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/studio-chat/internal/auth"
	"github.com/2389/studio-chat/internal/conversation"
	"github.com/2389/studio-chat/internal/delivery"
)

const (
	wsWriteWait    = 10 * time.Second
	wsReadLimit    = 64 << 10
	wsOutboxSize   = 64
	wsInflightWait = 5 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// identity comes from the token or trusted header, not cookies
	CheckOrigin: func(r *http.Request) bool { return true },
}

// InboundFrame is a client-to-server WebSocket frame
type InboundFrame struct {
	Type            string `json:"type" validate:"required,oneof=send typing ack read"`
	Body            string `json:"body,omitempty"`
	ClientMessageID string `json:"client_message_id,omitempty" validate:"omitempty,max=128"`
	IsTyping        bool   `json:"is_typing,omitempty"`
	TTLMs           int64  `json:"ttl_ms,omitempty" validate:"gte=0"`
	UpToID          int64  `json:"up_to_id,omitempty" validate:"gte=0"`
}

// replyFrame answers an inbound frame
type replyFrame struct {
	Type            string           `json:"type"`
	SessionID       string           `json:"session_id,omitempty"`
	LastAck         *int64           `json:"last_ack,omitempty"`
	ClientMessageID string           `json:"client_message_id,omitempty"`
	Message         *MessageResponse `json:"message,omitempty"`
	Duplicate       bool             `json:"duplicate,omitempty"`
	Unread          *int64           `json:"unread,omitempty"`
	Code            string           `json:"code,omitempty"`
	Error           string           `json:"error,omitempty"`
}

type wsWrite struct {
	payload []byte
	result  chan error // nil for fire-and-forget replies
}

// wsTransport owns the socket's write side. Only writeLoop writes data
// frames; Close may run concurrently, which gorilla allows for control frames.
// Session pushes wait until the handshake frame has been queued.
type wsTransport struct {
	conn         *websocket.Conn
	out          chan wsWrite
	ready        chan struct{}
	closed       chan struct{}
	closeOnce    sync.Once
	pingInterval time.Duration
	logger       *slog.Logger
}

func newWSTransport(conn *websocket.Conn, pingInterval time.Duration, logger *slog.Logger) *wsTransport {
	return &wsTransport{
		conn:         conn,
		out:          make(chan wsWrite, wsOutboxSize),
		ready:        make(chan struct{}),
		closed:       make(chan struct{}),
		pingInterval: pingInterval,
		logger:       logger,
	}
}

// Start launches the write loop. It must be called exactly once.
func (t *wsTransport) Start() {
	go t.writeLoop()
}

func (t *wsTransport) writeLoop() {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.closed:
			return
		case w := <-t.out:
			err := t.write(websocket.TextMessage, w.payload)
			if w.result != nil {
				w.result <- err
			}
			if err != nil {
				t.logger.Debug("websocket write failed", "error", err)
				t.Close()
				return
			}
		case <-ticker.C:
			if err := t.write(websocket.PingMessage, nil); err != nil {
				t.logger.Debug("websocket ping failed", "error", err)
				t.Close()
				return
			}
		}
	}
}

func (t *wsTransport) write(messageType int, payload []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(messageType, payload)
}

// Send pushes a session event and waits until it is on the wire
func (t *wsTransport) Send(ctx context.Context, ev delivery.Event) error {
	payload, err := json.Marshal(newEventPayload(ev))
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	select {
	case <-t.ready:
	case <-t.closed:
		return errTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return t.enqueue(ctx, payload)
}

// enqueue hands payload to the write loop and waits for the result
func (t *wsTransport) enqueue(ctx context.Context, payload []byte) error {
	w := wsWrite{payload: payload, result: make(chan error, 1)}
	select {
	case t.out <- w:
	case <-t.closed:
		return errTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-w.result:
		return err
	case <-t.closed:
		return errTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reply queues a frame without waiting for the write
func (t *wsTransport) reply(frame replyFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		t.logger.Error("failed to marshal websocket reply", "error", err)
		return
	}
	select {
	case t.out <- wsWrite{payload: payload}:
	case <-t.closed:
	}
}

func (t *wsTransport) replyError(code, message string) {
	t.reply(replyFrame{Type: "error", Code: code, Error: message})
}

// open queues the handshake frame naming the session and releases pushes
func (t *wsTransport) open(sessionID string, lastAck int64) {
	t.reply(replyFrame{Type: "session", SessionID: sessionID, LastAck: &lastAck})
	close(t.ready)
}

// fail writes a final error frame before the socket is closed
func (t *wsTransport) fail(code, message string) {
	payload, err := json.Marshal(replyFrame{Type: "error", Code: code, Error: message})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteWait)
	defer cancel()
	if err := t.enqueue(ctx, payload); err != nil {
		t.logger.Debug("websocket error frame not sent", "error", err)
	}
}

// frameErrorCode names a service error for an error frame
func frameErrorCode(err error) (string, string) {
	status, body := errorStatus(err)
	switch {
	case body.Code != "":
		return body.Code, body.Error
	case status == http.StatusNotFound:
		return "not_found", body.Error
	case status == http.StatusServiceUnavailable:
		return "unavailable", body.Error
	default:
		return "internal", body.Error
	}
}

// Close sends a close frame and closes the socket. Safe to call more than once.
func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
			time.Now().Add(wsWriteWait))
		err = t.conn.Close()
	})
	return err
}

// handleWebSocket handles GET /api/conversations/{id}/ws?last_ack=
// The socket carries one delivery session plus inbound client frames.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	me := auth.ParticipantID(r.Context())
	conversationID := r.PathValue("id")

	lastAck, err := queryInt(r, "last_ack")
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	// reject before upgrading so plain HTTP errors reach the client
	if _, err := g.service.GetConversation(r.Context(), conversationID, me); err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := g.streamContext(r)
	defer cancel()

	logger := g.logger.With("conversation_id", conversationID, "participant_id", me)
	transport := newWSTransport(conn, g.pingInterval, logger)
	defer transport.Close()

	transport.Start()
	session, err := g.service.Connect(ctx, conversationID, me, lastAck, transport)
	if err != nil {
		transport.fail(frameErrorCode(err))
		return
	}
	defer func() { <-session.Done() }()
	defer cancel()

	transport.open(session.ID, lastAck)

	g.readFrames(ctx, conn, transport, session, logger)
}

// readFrames processes inbound frames until the socket or session ends
func (g *Gateway) readFrames(ctx context.Context, conn *websocket.Conn, transport *wsTransport, session *delivery.Session, logger *slog.Logger) {
	pongWait := 2 * g.pingInterval
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			transport.replyError("bad_request", "invalid JSON frame")
			continue
		}
		if err := g.validate.Struct(&frame); err != nil {
			transport.replyError("bad_request", err.Error())
			continue
		}

		g.handleFrame(ctx, transport, session, frame)
	}
}

func (g *Gateway) handleFrame(ctx context.Context, transport *wsTransport, session *delivery.Session, frame InboundFrame) {
	ctx, cancel := context.WithTimeout(ctx, wsInflightWait)
	defer cancel()

	var err error
	switch frame.Type {
	case "send":
		var result *conversation.SendResult
		result, err = g.service.SendMessage(ctx, conversation.SendRequest{
			ConversationID:  session.ConversationID,
			SenderID:        session.ParticipantID,
			Body:            frame.Body,
			ClientMessageID: frame.ClientMessageID,
			OriginSessionID: session.ID,
		})
		if err == nil {
			msg := toMessageResponse(result.Message)
			transport.reply(replyFrame{
				Type:            "sent",
				ClientMessageID: frame.ClientMessageID,
				Message:         &msg,
				Duplicate:       result.Duplicate,
			})
		}
	case "typing":
		ttl := time.Duration(frame.TTLMs) * time.Millisecond
		err = g.service.SetTypingState(ctx, session.ConversationID, session.ParticipantID, frame.IsTyping, ttl)
	case "ack":
		err = g.service.Ack(ctx, session.ID, frame.UpToID)
	case "read":
		var unread int64
		unread, err = g.service.MarkConversationRead(ctx, session.ConversationID, session.ParticipantID, frame.UpToID)
		if err == nil {
			transport.reply(replyFrame{Type: "read", Unread: &unread})
		}
	}

	if err != nil {
		code, message := frameErrorCode(err)
		if code == "internal" {
			g.logger.Error("websocket frame failed", "type", frame.Type, "session_id", session.ID, "error", err)
		}
		transport.replyError(code, message)
	}
}
