// Package prometheus provides the Prometheus-backed metric sets for the
// coordinator and presence node. Constructors return nil when metrics are
// disabled; call sites treat a nil set as a no-op.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/presenced/pkg/metrics"
)

// NodeMetrics instruments the presence node's session and event paths.
type NodeMetrics struct {
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	EventsPublished *prometheus.CounterVec
	EventsConsumed  *prometheus.CounterVec
	Heartbeats      *prometheus.CounterVec
	OnlineUsers     prometheus.Gauge
}

// NewNodeMetrics creates the node metric set.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewNodeMetrics() *NodeMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &NodeMetrics{
		SessionsActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "presenced_sessions_active",
			Help: "Currently connected local sessions",
		}),
		SessionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "presenced_sessions_total",
				Help: "Session connect attempts by result",
			},
			[]string{"result"}, // "accepted", "rejected_auth", "rejected_ownership", "displaced", "error"
		),
		EventsPublished: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "presenced_events_published_total",
				Help: "Presence events published to the bus by action and result",
			},
			[]string{"action", "result"}, // result: "ok", "error"
		),
		EventsConsumed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "presenced_events_consumed_total",
				Help: "Presence events applied from the bus by action",
			},
			[]string{"action"},
		),
		Heartbeats: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "presenced_heartbeats_total",
				Help: "Directory heartbeat writes by result",
			},
			[]string{"result"}, // "ok", "error"
		),
		OnlineUsers: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "presenced_online_users",
			Help: "Users considered online across owned vnodes (local + remote)",
		}),
	}
}

// RouteMetrics instruments the coordinator's routing and admission paths.
type RouteMetrics struct {
	RouteRequests *prometheus.CounterVec
	Registrations *prometheus.CounterVec
	VNodesOwned   prometheus.Gauge
}

// NewRouteMetrics creates the coordinator metric set.
//
// Returns nil if metrics are not enabled.
func NewRouteMetrics() *RouteMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &RouteMetrics{
		RouteRequests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "presenced_route_requests_total",
				Help: "Routing queries by answer source",
			},
			[]string{"source"}, // "cache", "hash", "miss", "error"
		),
		Registrations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "presenced_registrations_total",
				Help: "Instance register/unregister operations by result",
			},
			[]string{"operation", "result"},
		),
		VNodesOwned: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "presenced_vnodes_assigned",
			Help: "VNodes with an owner in the coordinator's local ring",
		}),
	}
}
