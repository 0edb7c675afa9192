// ABOUTME: Tests for SSE and WebSocket delivery sessions over a live test server
// ABOUTME: Covers handshake, backfill after a cursor, live pushes, inbound frames and errors

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/studio-chat/internal/auth"
	"github.com/2389/studio-chat/internal/conversation"
	"github.com/2389/studio-chat/internal/delivery"
	"github.com/2389/studio-chat/internal/store"
)

const streamWait = 3 * time.Second

type sseEvent struct {
	ID    string
	Event string
	Data  string
}

func newTestServer(t *testing.T, gw *Gateway) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return srv
}

// openSSE connects to the events route and parses frames onto a channel
func openSSE(t *testing.T, srv *httptest.Server, participant, conversationID, query string, header http.Header) (*http.Response, <-chan sseEvent) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/conversations/"+conversationID+"/events"+query, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set(auth.ParticipantHeader, participant)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	events := make(chan sseEvent, 64)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		var ev sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if ev.Event != "" {
					events <- ev
				}
				ev = sseEvent{}
			case strings.HasPrefix(line, "id: "):
				ev.ID = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				ev.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.Data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	return resp, events
}

// nextSSE returns the next event of the given type, skipping others
func nextSSE(t *testing.T, events <-chan sseEvent, eventType string) sseEvent {
	t.Helper()
	deadline := time.After(streamWait)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream ended while waiting for %s", eventType)
			if ev.Event == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}

func TestSSE_BackfillThenLive(t *testing.T) {
	gw := newTestGateway(t)
	srv := newTestServer(t, gw)

	conv := startConversation(t, gw, customer, host)
	sendMessage(t, gw, customer, conv.ID, "first")
	sendMessage(t, gw, customer, conv.ID, "second")

	resp, events := openSSE(t, srv, host, conv.ID, "?last_ack=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get(sessionHeader))

	// the handshake always comes first
	first, ok := <-events
	require.True(t, ok)
	assert.Equal(t, "session", first.Event)
	assert.Contains(t, first.Data, resp.Header.Get(sessionHeader))

	ev := nextSSE(t, events, "message")
	assert.Equal(t, "2", ev.ID, "only messages after last_ack are replayed")
	var payload EventPayload
	require.NoError(t, json.Unmarshal([]byte(ev.Data), &payload))
	require.NotNil(t, payload.Message)
	assert.Equal(t, "second", payload.Message.Body)
	assert.Equal(t, customer, payload.ParticipantID)

	sendMessage(t, gw, customer, conv.ID, "live")
	ev = nextSSE(t, events, "message")
	assert.Equal(t, "3", ev.ID)
	assert.Contains(t, ev.Data, `"body":"live"`)

	// an open stream counts as presence
	assert.Eventually(t, func() bool { return gw.Service().IsOnline(conv.ID, host) }, streamWait, 5*time.Millisecond)
}

func TestSSE_ResumeFromLastEventID(t *testing.T) {
	gw := newTestGateway(t)
	srv := newTestServer(t, gw)

	conv := startConversation(t, gw, customer, host)
	for _, body := range []string{"one", "two", "three"} {
		sendMessage(t, gw, customer, conv.ID, body)
	}

	_, events := openSSE(t, srv, host, conv.ID, "", http.Header{"Last-Event-ID": {"2"}})
	ev := nextSSE(t, events, "message")
	assert.Equal(t, "3", ev.ID)
}

func TestSSE_ReceivesTypingAndRead(t *testing.T) {
	gw := newTestGateway(t)
	srv := newTestServer(t, gw)

	conv := startConversation(t, gw, customer, host)
	sendMessage(t, gw, customer, conv.ID, "hello")

	_, events := openSSE(t, srv, customer, conv.ID, "?last_ack=1", nil)
	nextSSE(t, events, "session")

	rec := doRequest(t, gw, http.MethodPost, "/api/conversations/"+conv.ID+"/typing", host, TypingRequest{IsTyping: true})
	require.Equal(t, http.StatusNoContent, rec.Code)
	ev := nextSSE(t, events, string(delivery.KindTyping))
	assert.Contains(t, ev.Data, host)

	rec = doRequest(t, gw, http.MethodPost, "/api/conversations/"+conv.ID+"/read", host, MarkReadRequest{UpToID: 1})
	require.Equal(t, http.StatusOK, rec.Code)
	ev = nextSSE(t, events, string(delivery.KindRead))
	var payload EventPayload
	require.NoError(t, json.Unmarshal([]byte(ev.Data), &payload))
	assert.Equal(t, int64(1), payload.UpToID)
	require.NotNil(t, payload.Unread)
	assert.Equal(t, int64(0), *payload.Unread)
}

func TestSSE_Rejections(t *testing.T) {
	gw := newTestGateway(t)
	srv := newTestServer(t, gw)
	conv := startConversation(t, gw, customer, host)

	tests := []struct {
		name        string
		participant string
		conv        string
		query       string
		want        int
	}{
		{"cursor ahead of log", host, conv.ID, "?last_ack=5", http.StatusBadRequest},
		{"bad cursor", host, conv.ID, "?last_ack=x", http.StatusBadRequest},
		{"unknown conversation", host, "nope", "", http.StatusNotFound},
		{"not a member", "intruder", conv.ID, "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := openSSE(t, srv, tt.participant, tt.conv, tt.query, nil)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		})
	}
}

func TestSSE_ShutdownEndsStream(t *testing.T) {
	gw := newTestGateway(t)
	srv := newTestServer(t, gw)
	conv := startConversation(t, gw, customer, host)

	_, events := openSSE(t, srv, host, conv.ID, "", nil)
	nextSSE(t, events, "session")
	require.Equal(t, 1, gw.Service().SessionCount())

	gw.stopStreams()

	deadline := time.After(streamWait)
	for open := true; open; {
		select {
		case _, open = <-events:
		case <-deadline:
			t.Fatal("stream still open after shutdown began")
		}
	}
	assert.Eventually(t, func() bool { return gw.Service().SessionCount() == 0 }, streamWait, 5*time.Millisecond)
}

// dialWS opens the ws route for participant
func dialWS(t *testing.T, srv *httptest.Server, participant, conversationID, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/conversations/" + conversationID + "/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{auth.ParticipantHeader: {participant}})
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

// nextFrame returns the next frame of the given type, skipping others
func nextFrame(t *testing.T, conn *websocket.Conn, frameType string) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(streamWait)))
	for {
		var frame map[string]any
		require.NoError(t, conn.ReadJSON(&frame), "waiting for %s frame", frameType)
		if frame["type"] == frameType {
			return frame
		}
	}
}

func TestWebSocket_Session(t *testing.T) {
	gw := newTestGateway(t)
	srv := newTestServer(t, gw)

	conv := startConversation(t, gw, customer, host)
	sendMessage(t, gw, customer, conv.ID, "Xin chào")

	conn, _, err := dialWS(t, srv, host, conv.ID, "?last_ack=0")
	require.NoError(t, err)

	// handshake first, then the backfill
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(streamWait)))
	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "session", hello["type"])
	assert.NotEmpty(t, hello["session_id"])

	frame := nextFrame(t, conn, "message")
	msg := frame["message"].(map[string]any)
	assert.Equal(t, "Xin chào", msg["body"])
	assert.EqualValues(t, 1, msg["id"])

	// ack what we saw
	require.NoError(t, conn.WriteJSON(InboundFrame{Type: "ack", UpToID: 1}))

	// send over the socket; the customer sees it over HTTP history
	require.NoError(t, conn.WriteJSON(InboundFrame{Type: "send", Body: "Chào bạn", ClientMessageID: "ws-1"}))
	sent := nextFrame(t, conn, "sent")
	assert.Equal(t, "ws-1", sent["client_message_id"])
	assert.EqualValues(t, 2, sent["message"].(map[string]any)["id"])

	history := decodeBody[messageList](t, doRequest(t, gw, http.MethodGet, "/api/conversations/"+conv.ID+"/messages?after=1", customer, nil))
	require.Len(t, history.Messages, 1)
	assert.Equal(t, host, history.Messages[0].SenderID)

	// live message from the customer
	sendMessage(t, gw, customer, conv.ID, "See you at 3pm")
	frame = nextFrame(t, conn, "message")
	for frame["message"].(map[string]any)["body"] != "See you at 3pm" {
		frame = nextFrame(t, conn, "message")
	}

	// read over the socket
	require.NoError(t, conn.WriteJSON(InboundFrame{Type: "read", UpToID: 3}))
	read := nextFrame(t, conn, "read")
	assert.EqualValues(t, 0, read["unread"])

	// typing over the socket reaches the service
	require.NoError(t, conn.WriteJSON(InboundFrame{Type: "typing", IsTyping: true}))
	assert.Eventually(t, func() bool { return gw.Service().IsTyping(conv.ID, host) }, streamWait, 5*time.Millisecond)
}

func TestWebSocket_FrameErrors(t *testing.T) {
	gw := newTestGateway(t)
	srv := newTestServer(t, gw)
	conv := startConversation(t, gw, customer, host)

	conn, _, err := dialWS(t, srv, host, conv.ID, "")
	require.NoError(t, err)
	nextFrame(t, conn, "session")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	frame := nextFrame(t, conn, "error")
	assert.Equal(t, "bad_request", frame["code"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "shout"}))
	frame = nextFrame(t, conn, "error")
	assert.Equal(t, "bad_request", frame["code"])

	require.NoError(t, conn.WriteJSON(InboundFrame{Type: "send", Body: "   "}))
	frame = nextFrame(t, conn, "error")
	assert.Equal(t, conversation.CodeEmptyBody, frame["code"])

	require.NoError(t, conn.WriteJSON(InboundFrame{Type: "ack", UpToID: 7}))
	frame = nextFrame(t, conn, "error")
	assert.Equal(t, conversation.CodeInvalidCursor, frame["code"])
}

func TestWebSocket_RejectedBeforeUpgrade(t *testing.T) {
	gw := newTestGateway(t)
	srv := newTestServer(t, gw)
	conv := startConversation(t, gw, customer, host)

	_, resp, err := dialWS(t, srv, "intruder", conv.ID, "")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, resp, err = dialWS(t, srv, host, "nope", "")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocket_CursorErrorAfterUpgrade(t *testing.T) {
	gw := newTestGateway(t)
	srv := newTestServer(t, gw)
	conv := startConversation(t, gw, customer, host)

	conn, _, err := dialWS(t, srv, host, conv.ID, "?last_ack=3")
	require.NoError(t, err)

	frame := nextFrame(t, conn, "error")
	assert.Equal(t, conversation.CodeInvalidCursor, frame["code"])

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestNewEventPayload(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	msg := &store.Message{ID: 4, ConversationID: "c", SenderID: customer, Body: "hi", CreatedAt: at}

	p := newEventPayload(delivery.Event{Kind: delivery.KindMessage, ConversationID: "c", Message: msg})
	assert.Equal(t, "message", p.Type)
	assert.Equal(t, customer, p.ParticipantID)
	assert.Equal(t, at, p.At)
	require.NotNil(t, p.Message)
	assert.Equal(t, int64(4), p.Message.ID)

	p = newEventPayload(delivery.Event{Kind: delivery.KindPresence, ConversationID: "c", ParticipantID: host, At: at})
	require.NotNil(t, p.Online)
	assert.False(t, *p.Online)
	assert.Nil(t, p.Message)

	data, err := json.Marshal(newEventPayload(delivery.Event{Kind: delivery.KindTypingStopped, ConversationID: "c", ParticipantID: host, At: at}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"typing_stopped","conversation_id":"c","participant_id":"studio-host","at":"2026-03-01T09:00:00Z"}`, string(data))
}

func TestFormatSSEEvent(t *testing.T) {
	assert.Equal(t, "event: typing\ndata: {}\n\n", formatSSEEvent("", "typing", "{}"))
	assert.Equal(t, "id: 7\nevent: message\ndata: {}\n\n", formatSSEEvent("7", "message", "{}"))
}

func TestSSETransport_OpenWritesSessionEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	transport := newSSETransport(rec)

	require.NoError(t, transport.open(t.Context(), "s-1", 4))

	assert.Equal(t, "s-1", rec.Header().Get(sessionHeader))
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	require.True(t, strings.HasPrefix(body, "event: session\ndata: "), "body: %q", body)
	data := strings.TrimSuffix(strings.TrimPrefix(body, "event: session\ndata: "), "\n\n")

	var ev sessionEvent
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, sessionEvent{SessionID: "s-1", LastAck: 4}, ev)

	// pushes are released once the handshake is out
	select {
	case <-transport.ready:
	default:
		t.Fatal("transport not ready after open")
	}

	require.NoError(t, transport.Close())
	assert.ErrorIs(t, transport.open(t.Context(), "s-2", 0), errTransportClosed)
}
