// Package metrics exposes Prometheus collectors for the chat core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Join and message outcomes.
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
	ResultMuted    = "muted"
	ResultEmpty    = "empty"
	ResultFailed   = "failed"
)

// Metrics holds the chat collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	joins      *prometheus.CounterVec
	messages   *prometheus.CounterVec
	moderation *prometheus.CounterVec
	leaves     prometheus.Counter
}

// New registers the collectors on reg. online reports the live presence
// count at scrape time.
func New(reg prometheus.Registerer, online func() int) *Metrics {
	f := promauto.With(reg)
	if online != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "dicochat",
			Name:      "online_participants",
			Help:      "Participants currently present in the registry.",
		}, func() float64 { return float64(online()) })
	}
	return &Metrics{
		joins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dicochat",
			Name:      "joins_total",
			Help:      "Join attempts by result.",
		}, []string{"result"}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dicochat",
			Name:      "messages_total",
			Help:      "Chat messages by result.",
		}, []string{"result"}),
		moderation: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dicochat",
			Name:      "moderation_actions_total",
			Help:      "Moderation actions applied, by action.",
		}, []string{"action"}),
		leaves: f.NewCounter(prometheus.CounterOpts{
			Namespace: "dicochat",
			Name:      "leaves_total",
			Help:      "Completed leave transitions.",
		}),
	}
}

// Join counts a join attempt by result.
func (m *Metrics) Join(result string) {
	if m == nil {
		return
	}
	m.joins.WithLabelValues(result).Inc()
}

// Leave counts a completed leave.
func (m *Metrics) Leave() {
	if m == nil {
		return
	}
	m.leaves.Inc()
}

// Message counts a send attempt by result.
func (m *Metrics) Message(result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(result).Inc()
}

// Moderation counts an applied moderation action.
func (m *Metrics) Moderation(action string) {
	if m == nil {
		return
	}
	m.moderation.WithLabelValues(action).Inc()
}
