// Package metrics exposes the Prometheus collectors of the branchops service.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HeartbeatsIngestedTotal counts accepted heartbeats by transport (http, mqtt).
	HeartbeatsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "branchops_heartbeats_ingested_total",
			Help: "Total number of heartbeats persisted",
		},
		[]string{"transport"},
	)

	// HeartbeatsRejectedTotal counts heartbeats that failed validation or storage.
	HeartbeatsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "branchops_heartbeats_rejected_total",
			Help: "Total number of heartbeats rejected",
		},
		[]string{"transport", "reason"},
	)

	// DevicesAutoRegisteredTotal counts devices created from a first heartbeat.
	DevicesAutoRegisteredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "branchops_devices_auto_registered_total",
			Help: "Total number of devices registered from heartbeats",
		},
	)

	// DeviceStatus is the number of devices per derived status in the last admin listing.
	DeviceStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "branchops_device_status",
			Help: "Devices per heartbeat-derived status",
		},
		[]string{"status"},
	)

	// EventsPublishedTotal counts domain events by type and result.
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "branchops_events_published_total",
			Help: "Total number of domain events sent to the message bus",
		},
		[]string{"type", "result"},
	)

	// BreakerState mirrors the message bus circuit breaker (0 closed, 1 half-open, 2 open).
	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "branchops_message_bus_breaker_state",
			Help: "State of the message bus circuit breaker",
		},
	)

	// AuthzDecisionsTotal counts authorization decisions.
	AuthzDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "branchops_authz_decisions_total",
			Help: "Total number of authorization decisions",
		},
		[]string{"role", "resource", "action", "decision"},
	)

	// HTTPRequestDuration tracks handler latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "branchops_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// SpooledEvents is the number of events waiting in the local spool for the bus.
	SpooledEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "branchops_spooled_events",
			Help: "Domain events persisted locally while the message bus was unavailable",
		},
	)

	// DashboardSectionFailuresTotal counts dashboard sections that failed to render.
	DashboardSectionFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "branchops_dashboard_section_failures_total",
			Help: "Total number of dashboard sections that returned no data due to an error",
		},
		[]string{"section"},
	)
)

// RecordHTTPRequest observes one handled request.
func RecordHTTPRequest(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

// RecordAuthzDecision counts one allow or deny.
func RecordAuthzDecision(role, resource, action string, allowed bool) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	AuthzDecisionsTotal.WithLabelValues(role, resource, action, decision).Inc()
}

// RecordEvent counts one publish attempt.
func RecordEvent(eventType string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	EventsPublishedTotal.WithLabelValues(eventType, result).Inc()
}

// SetDeviceStatus replaces the per-status device gauge.
func SetDeviceStatus(online, problematic, offline int) {
	DeviceStatus.WithLabelValues("online").Set(float64(online))
	DeviceStatus.WithLabelValues("problematic").Set(float64(problematic))
	DeviceStatus.WithLabelValues("offline").Set(float64(offline))
}
