// Package metrics holds the relay's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-go/vai-relay/pkg/gateway/frame"
	"github.com/vango-go/vai-relay/pkg/gateway/protocol"
	"github.com/vango-go/vai-relay/pkg/gateway/relayerr"
	"github.com/vango-go/vai-relay/pkg/gateway/session"
)

// Relay holds all Prometheus metrics for the relay.
type Relay struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec
	SessionRejected *prometheus.CounterVec

	// Audio metrics
	AudioFramesTotal *prometheus.CounterVec
	AudioBytesTotal  *prometheus.CounterVec
	DroppedFrames    *prometheus.CounterVec
	BargeInsTotal    *prometheus.CounterVec

	// Upstream metrics
	DialAttempts       *prometheus.CounterVec
	CredentialRefresh  *prometheus.CounterVec
	JournalWriteErrors prometheus.Counter
}

// New creates a Relay with every collector registered on a private registry.
func New(namespace string) *Relay {
	if namespace == "" {
		namespace = "vai_relay"
	}

	registry := prometheus.NewRegistry()

	m := &Relay{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"route"},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Number of live relay sessions",
			},
		),
		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of finished relay sessions by close reason",
			},
			[]string{"provider", "reason"},
		),
		SessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Relay session duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"provider"},
		),
		SessionRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_rejected_total",
				Help:      "Sessions rejected before admission",
			},
			[]string{"reason"},
		),
		AudioFramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audio_frames_total",
				Help:      "Audio frames relayed",
			},
			[]string{"direction"},
		),
		AudioBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audio_bytes_total",
				Help:      "Audio payload bytes relayed",
			},
			[]string{"direction"},
		),
		DroppedFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_frames_total",
				Help:      "Frames dropped by the relay",
			},
			[]string{"reason"},
		),
		BargeInsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "barge_ins_total",
				Help:      "Assistant responses canceled by barge-in",
			},
			[]string{"reason"},
		),
		DialAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_dial_attempts_total",
				Help:      "Upstream dial attempts by result",
			},
			[]string{"provider", "result"},
		),
		CredentialRefresh: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credential_refreshes_total",
				Help:      "Credential source calls by result",
			},
			[]string{"result"},
		),
		JournalWriteErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "journal_write_errors_total",
				Help:      "Failed session journal writes",
			},
		),
	}

	registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionDuration,
		m.SessionRejected,
		m.AudioFramesTotal,
		m.AudioBytesTotal,
		m.DroppedFrames,
		m.BargeInsTotal,
		m.DialAttempts,
		m.CredentialRefresh,
		m.JournalWriteErrors,
	)
	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Relay) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Relay) Registry() *prometheus.Registry { return m.registry }

func (m *Relay) RecordRequest(route string, status int, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// SetActiveSessions is the registry OnChange hook.
func (m *Relay) SetActiveSessions(n int) {
	m.SessionsActive.Set(float64(n))
}

func (m *Relay) RecordRejected(reason string) {
	m.SessionRejected.WithLabelValues(reason).Inc()
}

func (m *Relay) RecordSessionEnd(provider string, reason protocol.CloseReason, duration time.Duration) {
	m.SessionsTotal.WithLabelValues(provider, reason.Reason).Inc()
	m.SessionDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func (m *Relay) RecordFrame(dir frame.Direction, bytes int) {
	m.AudioFramesTotal.WithLabelValues(dir.String()).Inc()
	m.AudioBytesTotal.WithLabelValues(dir.String()).Add(float64(bytes))
}

func (m *Relay) RecordDrop(reason string) {
	m.DroppedFrames.WithLabelValues(reason).Inc()
}

func (m *Relay) RecordBargeIn(reason string) {
	m.BargeInsTotal.WithLabelValues(reason).Inc()
}

// DialObserver returns an upstream.Options.OnAttempt hook.
func (m *Relay) DialObserver(provider string) func(err error) {
	return func(err error) {
		m.DialAttempts.WithLabelValues(provider, resultLabel(err)).Inc()
	}
}

// RefreshObserver returns a credential.Options.OnRefresh hook.
func (m *Relay) RefreshObserver() func(err error) {
	return func(err error) {
		m.CredentialRefresh.WithLabelValues(resultLabel(err)).Inc()
	}
}

func (m *Relay) RecordJournalError() {
	m.JournalWriteErrors.Inc()
}

// SessionHooks wires a session's observers to these metrics. next, when
// non-nil, is called after the metrics hook for OnClose.
func (m *Relay) SessionHooks(provider string, next session.Hooks) session.Hooks {
	h := next
	h.OnFrame = chain2(m.RecordFrame, next.OnFrame)
	h.OnDrop = chain1(m.RecordDrop, next.OnDrop)
	h.OnBargeIn = chain1(m.RecordBargeIn, next.OnBargeIn)
	h.OnClose = func(s *session.Session, reason protocol.CloseReason, err error) {
		m.RecordSessionEnd(provider, reason, time.Since(s.CreatedAt()))
		if next.OnClose != nil {
			next.OnClose(s, reason, err)
		}
	}
	return h
}

func chain1(a, b func(string)) func(string) {
	if b == nil {
		return a
	}
	return func(v string) {
		a(v)
		b(v)
	}
}

func chain2(a, b func(frame.Direction, int)) func(frame.Direction, int) {
	if b == nil {
		return a
	}
	return func(d frame.Direction, n int) {
		a(d, n)
		b(d, n)
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if k := relayerr.KindOf(err); k != "" {
		return string(k)
	}
	return "error"
}
