// ABOUTME: One connected client in one conversation with its own worker goroutine
// ABOUTME: Backfills from the store, then drains a bounded queue without gaps or duplicates

package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/2389/studio-chat/internal/store"
)

// enqueueResult says what happened to a pushed event
type enqueueResult int

const (
	resultQueued enqueueResult = iota
	resultDropped
	resultDeferred
	resultClosed
)

// queued is one pending push. suppress marks the sender's own session when
// echo suppression is on: the cursor advances but nothing is written.
type queued struct {
	ev       Event
	suppress bool
}

// Session is an ephemeral transport for one participant in one conversation.
// A single worker goroutine owns the transport, so writes are never concurrent.
type Session struct {
	ID             string
	ConversationID string
	ParticipantID  string

	router    *Router
	transport Transport
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *slog.Logger

	mu       sync.Mutex
	queue    []queued
	capacity int
	catchUp  bool // a message push was deferred; reload from the store
	closed   bool

	wake chan struct{}
	done chan struct{}

	lastSent atomic.Int64 // highest message id written or skipped as echo
	lastAck  atomic.Int64 // highest message id the client confirmed

	pendingDelivered int64 // worker-owned: highest pushed id not sent by this participant
	markedDelivered  int64 // worker-owned: highest id already marked delivered

	closeOnce sync.Once
}

// LastAck returns the highest message id the client acknowledged
func (s *Session) LastAck() int64 {
	return s.lastAck.Load()
}

// LastSent returns the highest message id the session has passed
func (s *Session) LastSent() int64 {
	return s.lastSent.Load()
}

// Done is closed once the worker has stopped
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// enqueue adds an event to the bounded queue. On overflow the oldest
// ephemeral event makes room; if only messages are queued, a new message is
// deferred to a catch-up reload and a new ephemeral event is dropped.
func (s *Session) enqueue(item queued) enqueueResult {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return resultClosed
	}

	result := resultQueued
	if len(s.queue) >= s.capacity {
		if i := slices.IndexFunc(s.queue, func(q queued) bool { return q.ev.Ephemeral() }); i >= 0 {
			dropped := s.queue[i]
			s.queue = slices.Delete(s.queue, i, i+1)
			s.queue = append(s.queue, item)
			s.router.metrics.RecordDropped(string(dropped.ev.Kind))
		} else if item.ev.Ephemeral() {
			result = resultDropped
			s.router.metrics.RecordDropped(string(item.ev.Kind))
		} else {
			s.catchUp = true
			result = resultDeferred
			s.router.metrics.RecordDropped(string(item.ev.Kind))
		}
	} else {
		s.queue = append(s.queue, item)
	}
	s.mu.Unlock()

	if result != resultDropped {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	return result
}

// next pops the oldest queued item. When the queue is empty but a catch-up
// is pending, it reports that instead.
func (s *Session) next() (item queued, catchUp bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) > 0 {
		item = s.queue[0]
		s.queue[0] = queued{}
		s.queue = s.queue[1:]
		return item, false, true
	}
	if s.catchUp {
		s.catchUp = false
		return queued{}, true, true
	}
	return queued{}, false, false
}

// run is the session worker: backfill first, then live traffic
func (s *Session) run() {
	defer close(s.done)
	defer s.close()

	if err := s.reload(); err != nil {
		s.fail(err)
		return
	}
	s.flushDelivered()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}

		if err := s.drain(); err != nil {
			s.fail(err)
			return
		}
	}
}

// drain processes everything currently queued
func (s *Session) drain() error {
	defer s.flushDelivered()

	for {
		if s.ctx.Err() != nil {
			return nil
		}

		item, catchUp, ok := s.next()
		if !ok {
			return nil
		}

		if catchUp {
			s.router.metrics.RecordCatchUp()
			if err := s.reload(); err != nil {
				return err
			}
			continue
		}

		if err := s.process(item); err != nil {
			return err
		}
	}
}

func (s *Session) process(item queued) error {
	if item.ev.Kind != KindMessage {
		return s.write(item.ev)
	}

	id := item.ev.Message.ID
	if id <= s.lastSent.Load() {
		// already delivered by backfill, gap fill or catch-up
		return nil
	}
	if id > s.lastSent.Load()+1 {
		if err := s.fillGap(id); err != nil {
			return err
		}
	}
	if item.suppress {
		s.lastSent.Store(id)
		return nil
	}
	return s.writeMessage(item.ev.Message)
}

// reload writes every stored message after the cursor
func (s *Session) reload() error {
	n := 0
	for msg, err := range s.router.source.Backfill(s.ctx, s.ConversationID, s.lastSent.Load(), s.router.cfg.PageSize) {
		if err != nil {
			return fmt.Errorf("backfilling: %w", err)
		}
		if err := s.writeMessage(msg); err != nil {
			return err
		}
		n++
	}
	s.router.metrics.RecordBackfill(n)
	if n > 0 {
		s.logger.Debug("backfilled", "count", n, "last_sent", s.lastSent.Load())
	}
	return nil
}

// fillGap writes stored messages between the cursor and target, exclusive
func (s *Session) fillGap(target int64) error {
	n := 0
	for msg, err := range s.router.source.Backfill(s.ctx, s.ConversationID, s.lastSent.Load(), s.router.cfg.PageSize) {
		if err != nil {
			return fmt.Errorf("filling gap: %w", err)
		}
		if msg.ID >= target {
			break
		}
		if err := s.writeMessage(msg); err != nil {
			return err
		}
		n++
	}
	s.router.metrics.RecordBackfill(n)
	return nil
}

func (s *Session) writeMessage(msg *store.Message) error {
	ev := Event{
		Kind:           KindMessage,
		ConversationID: msg.ConversationID,
		Message:        msg,
		At:             msg.CreatedAt,
	}
	if err := s.write(ev); err != nil {
		return err
	}
	s.lastSent.Store(msg.ID)
	if msg.SenderID != s.ParticipantID {
		s.pendingDelivered = msg.ID
	}
	return nil
}

func (s *Session) write(ev Event) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.router.cfg.WriteTimeout)
	defer cancel()

	if err := s.transport.Send(ctx, ev); err != nil {
		return fmt.Errorf("pushing %s: %w", ev.Kind, err)
	}
	s.router.metrics.RecordDelivered(string(ev.Kind))
	return nil
}

// flushDelivered records delivery receipts for what was pushed since the last flush
func (s *Session) flushDelivered() {
	if s.pendingDelivered <= s.markedDelivered || s.ctx.Err() != nil {
		return
	}
	if err := s.router.source.MarkDelivered(s.ctx, s.ConversationID, s.ParticipantID, s.pendingDelivered); err != nil {
		s.logger.Warn("failed to mark delivered", "error", err, "upto", s.pendingDelivered)
		return
	}
	s.markedDelivered = s.pendingDelivered
}

// fail treats a push or backfill error as an implicit disconnect
func (s *Session) fail(err error) {
	if s.ctx.Err() != nil {
		// detached while writing; not a transport failure
		return
	}
	s.router.metrics.RecordPushFailure()
	s.logger.Warn("session push failed, disconnecting", "error", err)
	s.close()
}

// close tears the session down exactly once: pending pushes are discarded,
// the context is cancelled and presence is updated.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()

		s.cancel()
		s.router.unregister(s)

		if err := s.transport.Close(); err != nil {
			s.logger.Debug("closing transport", "error", err)
		}
		s.router.metrics.RecordSessionClosed()
		s.logger.Debug("session closed", "last_sent", s.lastSent.Load(), "last_ack", s.lastAck.Load())
	})
}
