// Package gateway serves studio-chat over HTTP.
//
// # Overview
//
// The gateway owns the SQLite store, the conversation service, the
// Prometheus registry and the HTTP server. Every /api route runs behind
// auth.Middleware, so handlers act as the participant it identified.
//
// # HTTP API
//
//   - POST /api/conversations - Start (or find) a conversation with participant_id
//   - GET /api/conversations - List conversations, ?archived=true includes archived
//   - GET /api/conversations/{id} - Conversation with the caller's unread count
//   - GET /api/conversations/{id}/messages?after=&limit= - History page
//   - POST /api/conversations/{id}/messages - Send a message
//   - POST /api/messages - Send to recipient_id, creating the conversation
//   - POST /api/conversations/{id}/read - Mark read up to up_to_id
//   - POST /api/conversations/{id}/typing - Start, refresh or stop typing
//   - POST /api/conversations/{id}/archive - Archive or restore
//   - GET /api/conversations/{id}/presence - Other participant online/typing
//   - GET /api/conversations/{id}/events?last_ack= - SSE session
//   - GET /api/conversations/{id}/ws?last_ack= - WebSocket session
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (store ping)
//   - GET {metrics.path} - Prometheus metrics
//
// Errors are JSON bodies {"error": "...", "code": "..."}. Validation errors
// are 400 (422 for unknown_booking), unknown conversations 404.
//
// # SSE Streaming
//
// Each events request is one delivery session. The first event names it:
//
//	event: session
//	data: {"session_id": "...", "last_ack": 4}
//
//	id: 5
//	event: message
//	data: {"type": "message", "conversation_id": "...", "message": {...}}
//
//	event: typing
//	data: {"type": "typing", "participant_id": "studio-host", ...}
//
// Event types: session, message, typing, typing_stopped, presence, read.
// Message events carry their id, so a reconnecting EventSource resumes
// after the last one it saw through Last-Event-ID.
//
// # WebSocket
//
// The ws route pushes the same event payloads as text frames and accepts
// client frames on the same socket:
//
//	{"type": "send", "body": "Xin chào", "client_message_id": "c-1"}
//	{"type": "typing", "is_typing": true, "ttl_ms": 4000}
//	{"type": "ack", "up_to_id": 12}
//	{"type": "read", "up_to_id": 12}
//
// Replies are "session", "sent", "read" and "error" frames.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is cancelled, then shuts down
package gateway
