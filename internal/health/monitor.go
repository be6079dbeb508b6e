// Package health tracks process-wide service counters and exposes them as
// Prometheus metrics and a JSON status snapshot.
package health

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Status is a point-in-time snapshot of the service.
type Status struct {
	UptimeSeconds       int64     `json:"uptime_seconds"`
	SessionsRunning     int64     `json:"sessions_running"`
	ReconnectsScheduled int64     `json:"reconnects_scheduled"`
	MessagesReceived    int64     `json:"messages_received"`
	MessagesSent        int64     `json:"messages_sent"`
	EventsPublished     int64     `json:"events_published"`
	LastMessage         time.Time `json:"last_message,omitempty"`
}

// Monitor counts session and message activity. All methods are safe for
// concurrent use.
type Monitor struct {
	startTime time.Time

	sessionsRunning     atomic.Int64
	reconnectsScheduled atomic.Int64
	messagesReceived    atomic.Int64
	messagesSent        atomic.Int64
	eventsPublished     atomic.Int64
	lastMessageUnix     atomic.Int64

	promSessions   prometheus.Gauge
	promReconnects prometheus.Counter
	promReceived   prometheus.Counter
	promSent       prometheus.Counter
	promEvents     prometheus.Counter
}

// NewMonitor creates a monitor and registers its metrics. reg may be nil to
// skip Prometheus registration (useful in tests sharing a process).
func NewMonitor(reg prometheus.Registerer) *Monitor {
	m := &Monitor{
		startTime: time.Now(),
		promSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "whatsapp_sessions_running",
			Help: "Number of sessions with a live connection handle.",
		}),
		promReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "whatsapp_reconnects_scheduled_total",
			Help: "Total reconnect attempts scheduled after transient disconnects.",
		}),
		promReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "whatsapp_messages_received_total",
			Help: "Total inbound messages persisted.",
		}),
		promSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "whatsapp_messages_sent_total",
			Help: "Total outbound messages sent.",
		}),
		promEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "whatsapp_bus_events_published_total",
			Help: "Total events published on the in-process bus.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.promSessions, m.promReconnects, m.promReceived, m.promSent, m.promEvents)
	}
	return m
}

func (m *Monitor) SessionStarted() {
	m.sessionsRunning.Add(1)
	m.promSessions.Inc()
}

func (m *Monitor) SessionStopped() {
	m.sessionsRunning.Add(-1)
	m.promSessions.Dec()
}

func (m *Monitor) ReconnectScheduled() {
	m.reconnectsScheduled.Add(1)
	m.promReconnects.Inc()
}

func (m *Monitor) MessageReceived() {
	m.messagesReceived.Add(1)
	m.lastMessageUnix.Store(time.Now().Unix())
	m.promReceived.Inc()
}

func (m *Monitor) MessageSent() {
	m.messagesSent.Add(1)
	m.lastMessageUnix.Store(time.Now().Unix())
	m.promSent.Inc()
}

func (m *Monitor) EventPublished() {
	m.eventsPublished.Add(1)
	m.promEvents.Inc()
}

// Status returns the current snapshot.
func (m *Monitor) Status() Status {
	s := Status{
		UptimeSeconds:       int64(time.Since(m.startTime).Seconds()),
		SessionsRunning:     m.sessionsRunning.Load(),
		ReconnectsScheduled: m.reconnectsScheduled.Load(),
		MessagesReceived:    m.messagesReceived.Load(),
		MessagesSent:        m.messagesSent.Load(),
		EventsPublished:     m.eventsPublished.Load(),
	}
	if unix := m.lastMessageUnix.Load(); unix > 0 {
		s.LastMessage = time.Unix(unix, 0)
	}
	return s
}

// Handler serves the JSON status snapshot.
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(m.Status()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
