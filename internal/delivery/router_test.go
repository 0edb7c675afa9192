// ABOUTME: Tests for the delivery router and session workers
// ABOUTME: Covers backfill ordering, gap fill, echo suppression, overflow and disconnects

package delivery

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/studio-chat/internal/metrics"
	"github.com/2389/studio-chat/internal/presence"
	"github.com/2389/studio-chat/internal/store"
)

// storeSource pages through a MockStore the same way the message store does
type storeSource struct {
	st *store.MockStore
}

func (s storeSource) Backfill(ctx context.Context, conversationID string, afterID int64, pageSize int) iter.Seq2[*store.Message, error] {
	return func(yield func(*store.Message, error) bool) {
		cursor := afterID
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			page, err := s.st.ListMessagesSince(ctx, conversationID, cursor, pageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, msg := range page {
				if !yield(msg, nil) {
					return
				}
				cursor = msg.ID
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}

func (s storeSource) MarkDelivered(ctx context.Context, conversationID, recipientID string, uptoID int64) error {
	return s.st.MarkDelivered(ctx, conversationID, recipientID, uptoID)
}

// fakeTransport records events. A non-nil gate blocks every Send until closed.
type fakeTransport struct {
	mu      sync.Mutex
	events  []Event
	gate    chan struct{}
	entered chan struct{}
	failErr error
	closed  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{entered: make(chan struct{}, 1)}
}

func (t *fakeTransport) Send(ctx context.Context, ev Event) error {
	select {
	case t.entered <- struct{}{}:
	default:
	}
	if t.gate != nil {
		select {
		case <-t.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failErr != nil {
		return t.failErr
	}
	t.events = append(t.events, ev)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) snapshot() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Event(nil), t.events...)
}

func (t *fakeTransport) messageIDs() []int64 {
	var ids []int64
	for _, ev := range t.snapshot() {
		if ev.Kind == KindMessage {
			ids = append(ids, ev.Message.ID)
		}
	}
	return ids
}

func (t *fakeTransport) kinds() []EventKind {
	var kinds []EventKind
	for _, ev := range t.snapshot() {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fixture struct {
	st     *store.MockStore
	router *Router
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st := store.NewMockStore()
	require.NoError(t, st.CreateConversation(t.Context(), &store.Conversation{
		ID:           "c1",
		Participants: []string{"alice", "bob"},
		PairKey:      store.PairKey("alice", "bob"),
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
	}))
	r := NewRouter(storeSource{st: st}, Options{Config: cfg})
	t.Cleanup(r.Close)
	return &fixture{st: st, router: r}
}

func (f *fixture) append(t *testing.T, sender, body string) *store.Message {
	t.Helper()
	msg, err := f.st.AppendMessage(context.Background(), store.AppendParams{
		ConversationID: "c1",
		SenderID:       sender,
		Body:           body,
		CreatedAt:      time.Now(),
	})
	require.NoError(t, err)
	return msg
}

func (f *fixture) attach(t *testing.T, participant string, lastAck int64, tr Transport) *Session {
	t.Helper()
	s, err := f.router.Attach(t.Context(), AttachRequest{
		ConversationID: "c1",
		ParticipantID:  participant,
		LastAck:        lastAck,
		Transport:      tr,
	})
	require.NoError(t, err)
	return s
}

func waitForIDs(t *testing.T, tr *fakeTransport, want []int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(tr.messageIDs()) >= len(want)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, tr.messageIDs())
}

func TestRouter_BackfillThenLive(t *testing.T) {
	f := newFixture(t, Config{})
	for _, body := range []string{"one", "two", "three"} {
		f.append(t, "alice", body)
	}

	tr := newFakeTransport()
	s := f.attach(t, "bob", 1, tr)
	waitForIDs(t, tr, []int64{2, 3})

	msg := f.append(t, "alice", "four")
	warnings := f.router.PublishMessage(msg, "")
	assert.Empty(t, warnings)
	waitForIDs(t, tr, []int64{2, 3, 4})
	assert.Equal(t, int64(4), s.LastSent())

	// pushed messages are marked delivered for the recipient
	require.Eventually(t, func() bool {
		msgs, _ := f.st.ListMessagesSince(context.Background(), "c1", 0, 0)
		return msgs[3].Status["bob"] == store.StatusDelivered
	}, time.Second, 5*time.Millisecond)
	msgs, err := f.st.ListMessagesSince(t.Context(), "c1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSent, msgs[0].Status["bob"], "message 1 was never pushed to this session")
}

func TestRouter_LiveRacingBackfillIsNotDuplicated(t *testing.T) {
	f := newFixture(t, Config{PageSize: 2})
	var published []*store.Message
	for range 5 {
		published = append(published, f.append(t, "alice", "x"))
	}

	tr := newFakeTransport()
	f.attach(t, "bob", 0, tr)
	// the same messages arrive live while backfill is still running
	for _, msg := range published {
		f.router.PublishMessage(msg, "")
	}

	waitForIDs(t, tr, []int64{1, 2, 3, 4, 5})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, tr.messageIDs(), "no duplicates after settling")
}

func TestRouter_FillsGapsFromStore(t *testing.T) {
	f := newFixture(t, Config{})
	tr := newFakeTransport()
	s := f.attach(t, "bob", 0, tr)

	f.append(t, "alice", "one")
	f.append(t, "alice", "two")
	third := f.append(t, "alice", "three")

	// only the newest push arrives; the worker reads the rest from the store
	f.router.PublishMessage(third, "")
	waitForIDs(t, tr, []int64{1, 2, 3})
	assert.Equal(t, int64(3), s.LastSent())
}

func TestRouter_EchoSuppression(t *testing.T) {
	f := newFixture(t, Config{EchoSuppression: true})

	origin := newFakeTransport()
	otherDevice := newFakeTransport()
	recipient := newFakeTransport()
	originSession := f.attach(t, "alice", 0, origin)
	f.attach(t, "alice", 0, otherDevice)
	f.attach(t, "bob", 0, recipient)

	// bob's presence reaching alice's sessions means their backfill is over
	require.Eventually(t, func() bool {
		return len(origin.kinds()) > 0 && len(otherDevice.kinds()) > 0
	}, 2*time.Second, 5*time.Millisecond)

	msg := f.append(t, "alice", "hello")
	f.router.PublishMessage(msg, originSession.ID)

	waitForIDs(t, recipient, []int64{1})
	waitForIDs(t, otherDevice, []int64{1})
	require.Eventually(t, func() bool { return originSession.LastSent() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, origin.messageIDs(), "origin session must not receive its own message")
}

func TestRouter_OverflowDropsEphemeralThenDefersMessages(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	st := store.NewMockStore()
	require.NoError(t, st.CreateConversation(t.Context(), &store.Conversation{
		ID: "c1", Participants: []string{"alice", "bob"}, PairKey: store.PairKey("alice", "bob"),
	}))
	r := NewRouter(storeSource{st: st}, Options{Config: Config{QueueSize: 2}, Metrics: m})
	t.Cleanup(r.Close)
	f := &fixture{st: st, router: r}

	tr := newFakeTransport()
	tr.gate = make(chan struct{})
	f.attach(t, "bob", 0, tr)

	// park the worker inside Send
	r.PublishTyping("c1", "alice", true, time.Now())
	select {
	case <-tr.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never started sending")
	}

	r.PublishMessage(f.append(t, "alice", "one"), "")
	r.PublishTyping("c1", "alice", false, time.Now())
	// queue full: the typing event makes room
	assert.Empty(t, r.PublishMessage(f.append(t, "alice", "two"), ""))
	// queue full of messages: deferred to catch-up
	warnings := r.PublishMessage(f.append(t, "alice", "three"), "")
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Reason, "catch-up")

	close(tr.gate)
	waitForIDs(t, tr, []int64{1, 2, 3})
	assert.Equal(t, []EventKind{KindTyping, KindMessage, KindMessage, KindMessage}, tr.kinds())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues(string(KindTypingStopped))))
	require.Eventually(t, func() bool { return testutil.ToFloat64(m.CatchUps) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRouter_PushFailureDisconnects(t *testing.T) {
	tracker := presence.NewTracker(nil)
	st := store.NewMockStore()
	require.NoError(t, st.CreateConversation(t.Context(), &store.Conversation{
		ID: "c1", Participants: []string{"alice", "bob"}, PairKey: store.PairKey("alice", "bob"),
	}))
	r := NewRouter(storeSource{st: st}, Options{Presence: tracker})
	t.Cleanup(r.Close)
	f := &fixture{st: st, router: r}

	watcher := newFakeTransport()
	f.attach(t, "alice", 0, watcher)

	broken := newFakeTransport()
	broken.failErr = errors.New("connection reset")
	s := f.attach(t, "bob", 0, broken)
	assert.True(t, tracker.IsOnline("c1", "bob"))

	r.PublishMessage(f.append(t, "alice", "hi"), "")

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session was not closed after push failure")
	}
	assert.False(t, tracker.IsOnline("c1", "bob"))
	assert.True(t, broken.isClosed())
	assert.Nil(t, r.Session(s.ID))

	// alice sees bob come and go
	require.Eventually(t, func() bool {
		var online, offline bool
		for _, ev := range watcher.snapshot() {
			if ev.Kind == KindPresence && ev.ParticipantID == "bob" {
				if ev.Online {
					online = true
				} else {
					offline = true
				}
			}
		}
		return online && offline
	}, 2*time.Second, 5*time.Millisecond)

	// the message stays durable and undelivered
	msgs, err := st.ListMessagesSince(t.Context(), "c1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSent, msgs[0].Status["bob"])
}

func TestRouter_DetachCancelsSession(t *testing.T) {
	f := newFixture(t, Config{})
	tr := newFakeTransport()
	tr.gate = make(chan struct{}) // never released
	s := f.attach(t, "bob", 0, tr)

	f.router.PublishTyping("c1", "alice", true, time.Now())
	<-tr.entered

	require.NoError(t, f.router.Detach(s.ID))
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("detach did not stop the worker")
	}
	assert.False(t, f.router.Presence().IsOnline("c1", "bob"))
	assert.Equal(t, 0, f.router.SessionCount())
	assert.ErrorIs(t, f.router.Detach(s.ID), ErrUnknownSession)

	warnings := f.router.PublishMessage(f.append(t, "alice", "late"), "")
	assert.Empty(t, warnings, "detached sessions are no longer targets")
}

func TestRouter_ContextCancelDetaches(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithCancel(t.Context())
	s, err := f.router.Attach(ctx, AttachRequest{ConversationID: "c1", ParticipantID: "bob", Transport: newFakeTransport()})
	require.NoError(t, err)

	cancel()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled context did not stop the worker")
	}
	assert.False(t, f.router.Presence().IsOnline("c1", "bob"))
}

func TestRouter_Ack(t *testing.T) {
	f := newFixture(t, Config{})
	f.append(t, "alice", "one")
	f.append(t, "alice", "two")

	tr := newFakeTransport()
	s := f.attach(t, "bob", 0, tr)
	waitForIDs(t, tr, []int64{1, 2})

	assert.ErrorIs(t, f.router.Ack(t.Context(), s.ID, 3), ErrAckAhead)
	require.NoError(t, f.router.Ack(t.Context(), s.ID, 2))
	assert.Equal(t, int64(2), s.LastAck())
	require.NoError(t, f.router.Ack(t.Context(), s.ID, 1))
	assert.Equal(t, int64(2), s.LastAck(), "acks never move backwards")
	assert.ErrorIs(t, f.router.Ack(t.Context(), "nope", 1), ErrUnknownSession)
}

func TestRouter_EphemeralEventsSkipActor(t *testing.T) {
	var mu sync.Mutex
	var observed []Event
	st := store.NewMockStore()
	r := NewRouter(storeSource{st: st}, Options{OnEvent: func(ev Event) {
		mu.Lock()
		observed = append(observed, ev)
		mu.Unlock()
	}})
	t.Cleanup(r.Close)
	f := &fixture{st: st, router: r}

	aliceTr := newFakeTransport()
	bobTr := newFakeTransport()
	f.attach(t, "alice", 0, aliceTr)
	f.attach(t, "bob", 0, bobTr)

	r.PublishTyping("c1", "alice", true, time.Now())
	r.PublishRead("c1", "alice", 4, 0)

	require.Eventually(t, func() bool {
		kinds := bobTr.kinds()
		return len(kinds) >= 2 && kinds[len(kinds)-1] == KindRead
	}, 2*time.Second, 5*time.Millisecond)
	for _, ev := range aliceTr.snapshot() {
		assert.NotEqual(t, KindTyping, ev.Kind, "typist must not see own typing")
		assert.NotEqual(t, KindRead, ev.Kind, "reader must not see own read marker")
	}

	mu.Lock()
	defer mu.Unlock()
	var kinds []EventKind
	for _, ev := range observed {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, KindTyping)
	assert.Contains(t, kinds, KindRead)
	assert.Contains(t, kinds, KindPresence)
}

func TestRouter_NewSessionLearnsWhoIsOnline(t *testing.T) {
	f := newFixture(t, Config{})
	f.attach(t, "alice", 0, newFakeTransport())

	bobTr := newFakeTransport()
	f.attach(t, "bob", 0, bobTr)

	require.Eventually(t, func() bool {
		for _, ev := range bobTr.snapshot() {
			if ev.Kind == KindPresence && ev.ParticipantID == "alice" && ev.Online {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRouter_CloseRefusesNewSessions(t *testing.T) {
	f := newFixture(t, Config{})
	s := f.attach(t, "bob", 0, newFakeTransport())

	f.router.Close()
	select {
	case <-s.Done():
	default:
		t.Fatal("close should wait for workers")
	}

	_, err := f.router.Attach(t.Context(), AttachRequest{ConversationID: "c1", ParticipantID: "bob", Transport: newFakeTransport()})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEvent_Ephemeral(t *testing.T) {
	assert.False(t, Event{Kind: KindMessage}.Ephemeral())
	for _, k := range []EventKind{KindTyping, KindTypingStopped, KindPresence, KindRead} {
		assert.True(t, Event{Kind: k}.Ephemeral(), k)
	}
}
