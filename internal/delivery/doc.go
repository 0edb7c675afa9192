// Package delivery fans conversation events out to connected sessions.
//
// # Sessions
//
// Each attached Session owns one worker goroutine and a bounded queue. The
// worker first backfills every stored message after the client's last
// acknowledged id, then drains live pushes. A message cursor (LastSent)
// makes delivery gap-free and duplicate-free: pushes at or below the cursor
// are skipped, and a push that jumps ahead is preceded by the missing ids read
// from the store.
//
// # Back-pressure
//
// When a queue is full the oldest ephemeral event (typing, presence, read) is
// dropped to make room. If only messages are queued, the new message is not
// queued; the session instead reloads from the store once it catches up, so
// durable messages are never lost.
//
// # Failures
//
// A failed write closes the session, updates presence and publishes the
// offline transition to the rest of the conversation. Nothing is retried on
// that session; the client reconnects with its last ack.
package delivery
