// ABOUTME: Prometheus collectors for the messaging engine
// ABOUTME: Counts appends, deliveries, drops and tracks open sessions

// Package metrics provides Prometheus metrics for studio-chat.
//
// All Record methods are safe on a nil *Collectors so components can run
// without metrics wired.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "studio_chat"

// Collectors groups the engine's metrics
type Collectors struct {
	MessagesAppended  prometheus.Counter
	AppendDuration    prometheus.Histogram
	DuplicateSends    prometheus.Counter
	EventsDelivered   *prometheus.CounterVec
	EventsDropped     *prometheus.CounterVec
	BackfillMessages  prometheus.Counter
	CatchUps          prometheus.Counter
	PushFailures      prometheus.Counter
	ActiveSessions    prometheus.Gauge
	SessionsOpened    prometheus.Counter
	TypingTransitions *prometheus.CounterVec
}

// New registers the collectors with reg. Use prometheus.NewRegistry() in tests
// so repeated construction doesn't collide on the default registry.
func New(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		MessagesAppended: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_appended_total",
			Help:      "Total number of messages durably appended",
		}),
		AppendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "append_duration_seconds",
			Help:      "Duration of the append transaction",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}),
		DuplicateSends: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_sends_total",
			Help:      "Sends answered from the idempotency cache",
		}),
		EventsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Events written to session transports",
		}, []string{"kind"}),
		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped or deferred because a session queue was full",
		}, []string{"kind"}),
		BackfillMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backfill_messages_total",
			Help:      "Messages delivered from the store rather than live fan-out",
		}),
		CatchUps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_catch_ups_total",
			Help:      "Times a session reloaded from the store after overflow",
		}),
		PushFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_failures_total",
			Help:      "Transport write failures that closed a session",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of currently attached sessions",
		}),
		SessionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Total number of sessions attached",
		}),
		TypingTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "typing_transitions_total",
			Help:      "Typing started and stopped events",
		}, []string{"state"}),
	}
}

// RecordAppend records one committed append
func (c *Collectors) RecordAppend(d time.Duration) {
	if c == nil {
		return
	}
	c.MessagesAppended.Inc()
	c.AppendDuration.Observe(d.Seconds())
}

// RecordDuplicateSend records a send served from the idempotency cache
func (c *Collectors) RecordDuplicateSend() {
	if c == nil {
		return
	}
	c.DuplicateSends.Inc()
}

// RecordDelivered records an event written to a transport
func (c *Collectors) RecordDelivered(kind string) {
	if c == nil {
		return
	}
	c.EventsDelivered.WithLabelValues(kind).Inc()
}

// RecordDropped records an event dropped or deferred on overflow
func (c *Collectors) RecordDropped(kind string) {
	if c == nil {
		return
	}
	c.EventsDropped.WithLabelValues(kind).Inc()
}

// RecordBackfill records messages sent from the store
func (c *Collectors) RecordBackfill(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.BackfillMessages.Add(float64(n))
}

// RecordCatchUp records a session reloading after overflow
func (c *Collectors) RecordCatchUp() {
	if c == nil {
		return
	}
	c.CatchUps.Inc()
}

// RecordPushFailure records a failed transport write
func (c *Collectors) RecordPushFailure() {
	if c == nil {
		return
	}
	c.PushFailures.Inc()
}

// RecordSessionOpened increments session metrics
func (c *Collectors) RecordSessionOpened() {
	if c == nil {
		return
	}
	c.SessionsOpened.Inc()
	c.ActiveSessions.Inc()
}

// RecordSessionClosed decrements the active session gauge
func (c *Collectors) RecordSessionClosed() {
	if c == nil {
		return
	}
	c.ActiveSessions.Dec()
}

// RecordTyping records a typing transition
func (c *Collectors) RecordTyping(started bool) {
	if c == nil {
		return
	}
	state := "stopped"
	if started {
		state = "started"
	}
	c.TypingTransitions.WithLabelValues(state).Inc()
}
