// Package metrics exposes Prometheus counters for the invitation flow.
// All recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gatherly"

type Metrics struct {
	registry *prometheus.Registry

	invitationsCreated *prometheus.CounterVec
	invitationsReused  *prometheus.CounterVec
	deliveries         *prometheus.CounterVec
	responses          *prometheus.CounterVec
	cancellations      *prometheus.CounterVec
	bulkInvites        *prometheus.CounterVec
	nonceRejections    *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		invitationsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invitations_created_total",
			Help:      "Invitations created, by entity type and channel.",
		}, []string{"entity_type", "channel"}),
		invitationsReused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invitations_reused_total",
			Help:      "Invite requests answered with an existing active invitation.",
		}, []string{"entity_type", "channel"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invitation_deliveries_total",
			Help:      "Channel delivery attempts, by channel and result.",
		}, []string{"channel", "result"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invitation_responses_total",
			Help:      "RSVP responses, by entity type and outcome.",
		}, []string{"entity_type", "outcome"}),
		cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invitation_cancellations_total",
			Help:      "Invitations cancelled by hosts.",
		}, []string{"entity_type"}),
		bulkInvites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bluesky_bulk_invites_total",
			Help:      "Handles processed by Bluesky bulk invites, by result.",
		}, []string{"result"}),
		nonceRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nonce_rejections_total",
			Help:      "Requests rejected for an invalid nonce.",
		}, []string{"scope", "reason"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by method and status code.",
		}, []string{"method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.invitationsCreated,
		m.invitationsReused,
		m.deliveries,
		m.responses,
		m.cancellations,
		m.bulkInvites,
		m.nonceRejections,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) InvitationCreated(entityType, channel string, created bool) {
	if m == nil {
		return
	}
	if created {
		m.invitationsCreated.WithLabelValues(entityType, channel).Inc()
		return
	}
	m.invitationsReused.WithLabelValues(entityType, channel).Inc()
}

func (m *Metrics) Delivery(channel string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.deliveries.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) Response(entityType, outcome string) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(entityType, outcome).Inc()
}

func (m *Metrics) Cancellation(entityType string) {
	if m == nil {
		return
	}
	m.cancellations.WithLabelValues(entityType).Inc()
}

func (m *Metrics) BulkInvite(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bulkInvites.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) NonceRejected(scope, reason string) {
	if m == nil {
		return
	}
	m.nonceRejections.WithLabelValues(scope, reason).Inc()
}

func (m *Metrics) HTTPRequest(method string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method).Observe(seconds)
}
