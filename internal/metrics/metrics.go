// Package metrics provides Prometheus metrics for the integration manager
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the integration manager
type Metrics struct {
	// Dispatch metrics
	CommandsProcessed *prometheus.CounterVec
	CommandDuration   prometheus.Histogram
	AccessPublished   *prometheus.CounterVec
	Publishes         *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec

	// Side loops
	RefreshResults *prometheus.CounterVec
	PollResults    *prometheus.CounterVec
	PassDuration   *prometheus.HistogramVec

	// Webhooks and pairing
	WebhookRequests *prometheus.CounterVec
	PairingResults  *prometheus.CounterVec

	// Infrastructure
	CircuitBreakerOpen *prometheus.GaugeVec
	TaskExecutions     *prometheus.CounterVec
	MQTTConnected      prometheus.Gauge
}

// NewMetrics creates all collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CommandsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "im_commands_processed_total",
			Help: "Platform commands handled, by io mode and result",
		}, []string{"io", "result"}),
		CommandDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "im_command_duration_seconds",
			Help:    "Time spent handling one inbound command",
			Buckets: prometheus.DefBuckets,
		}),
		AccessPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "im_access_values_published_total",
			Help: "Sentinel values published on the access property",
		}, []string{"value"}),
		Publishes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "im_mqtt_publishes_total",
			Help: "MQTT publishes by io and result",
		}, []string{"io", "result"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "im_queue_depth",
			Help: "Items waiting in the dispatch queues",
		}, []string{"queue"}),
		RefreshResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "im_credential_refresh_total",
			Help: "Vendor credential refresh attempts by result",
		}, []string{"result"}),
		PollResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "im_poll_total",
			Help: "Channel polls by result",
		}, []string{"result"}),
		PassDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "im_pass_duration_seconds",
			Help:    "Duration of refresher and poller passes",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"loop"}),
		WebhookRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "im_webhook_requests_total",
			Help: "Webhook requests by route and status",
		}, []string{"route", "status"}),
		PairingResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "im_pairing_total",
			Help: "Device pairing outcomes",
		}, []string{"result"}),
		CircuitBreakerOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "im_circuit_breaker_open",
			Help: "1 when the named circuit breaker is open",
		}, []string{"name"}),
		TaskExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "im_task_executions_total",
			Help: "Task pool executions by function and result",
		}, []string{"func", "result"}),
		MQTTConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "im_mqtt_connected",
			Help: "1 while the MQTT session is subscribed",
		}),
	}
}

// NewNopMetrics returns collectors registered nowhere, for tests and tools
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// RecordCommand records one handled command
func (m *Metrics) RecordCommand(io, result string, started time.Time) {
	m.CommandsProcessed.WithLabelValues(io, result).Inc()
	m.CommandDuration.Observe(time.Since(started).Seconds())
}

// RecordPass records the duration of one side-loop pass
func (m *Metrics) RecordPass(loop string, started time.Time) {
	m.PassDuration.WithLabelValues(loop).Observe(time.Since(started).Seconds())
}

// RecordBreakerState tracks whether a circuit breaker is open
func (m *Metrics) RecordBreakerState(name string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	m.CircuitBreakerOpen.WithLabelValues(name).Set(v)
}
