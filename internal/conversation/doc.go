// Package conversation provides the chat operations the transports call.
//
// # Overview
//
// The Service sits between the HTTP/WebSocket handlers and the durable
// store. It owns the conversation registry, the message log, presence,
// typing signals and the delivery router:
//
//	svc := conversation.New(st, bookings, cfg, collectors, logger)
//	defer svc.Close()
//
// Key operations:
//
//   - StartConversation(ctx, a, b, bookingRef): find or create the pair conversation
//   - SendMessage(ctx, req): append, then fan out to sessions
//   - MarkConversationRead(ctx, conv, reader, upto): clear unread, notify the other side
//   - SetTypingState(ctx, conv, participant, typing, ttl): debounced typing signal
//   - Connect(ctx, conv, participant, lastAck, transport): open a delivery session
//
// # Conversations
//
// A conversation has exactly two participants. The pair is order
// independent: StartConversation(a, b) and StartConversation(b, a) return
// the same conversation, including when both calls race. A booking
// reference is checked against the booking subsystem and linked once.
//
// # Sending
//
// When a message arrives:
//
//  1. Body is trimmed and validated
//  2. The append runs under the conversation's lock in one transaction that
//     also bumps the recipient's unread counter and the revision
//  3. The sender's typing signal is cleared
//  4. The message is queued for every session in the conversation
//
// An append failure means nothing is delivered. Delivery trouble is reported
// as DeliveryWarning values; the message is already durable. Sends that carry
// a ClientMessageID are idempotent within the dedupe window.
//
// # Observing events
//
// Subscribe returns a channel of every event published for a conversation,
// or for all of them with AllConversations. Subscribers get no backfill; use
// Connect for gap-free delivery.
//
// # Errors
//
// Bad input returns *ValidationError with a stable Code. Unknown
// conversations and sessions match store.ErrNotFound. ErrConcurrencyConflict
// signals a broken id invariant and is never retried.
package conversation
