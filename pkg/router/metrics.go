package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "relay",
			Subsystem: "router",
			Name:      "sessions_active",
			Help:      "Number of currently established sessions",
		},
		[]string{"realm"},
	)

	metricMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "router",
			Name:      "messages_received_total",
			Help:      "Total inbound protocol messages by type",
		},
		[]string{"type"},
	)

	metricSessionAborts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "router",
			Name:      "session_aborts_total",
			Help:      "Sessions aborted, by reason URI",
		},
		[]string{"reason"},
	)

	metricPublications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "broker",
			Name:      "publications_total",
			Help:      "Publications routed, by realm",
		},
		[]string{"realm"},
	)

	metricEventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "broker",
			Name:      "events_delivered_total",
			Help:      "Events fanned out to subscribers, by realm",
		},
		[]string{"realm"},
	)

	metricSubscriptionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "relay",
			Subsystem: "broker",
			Name:      "subscriptions_active",
			Help:      "Live subscriptions, by realm",
		},
		[]string{"realm"},
	)

	metricCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "dealer",
			Name:      "calls_total",
			Help:      "Calls routed to callees, by realm",
		},
		[]string{"realm"},
	)

	metricCallsPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "relay",
			Subsystem: "dealer",
			Name:      "calls_pending",
			Help:      "Calls awaiting a terminal result, by realm",
		},
		[]string{"realm"},
	)

	metricRegistrationsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "relay",
			Subsystem: "dealer",
			Name:      "registrations_active",
			Help:      "Live procedure registrations, by realm",
		},
		[]string{"realm"},
	)
)
