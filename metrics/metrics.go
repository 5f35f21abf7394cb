package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscribe_notifications_total",
			Help: "Payment notifications processed, by result",
		},
		[]string{"result"},
	)

	Grants = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscribe_grants_total",
			Help: "Reconciled payment claims, by resource kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	Revocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscribe_revocations_total",
			Help: "Expired entitlements handled by the sweeper, by result",
		},
		[]string{"result"},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "subscribe_sweep_duration_seconds",
			Help: "Duration of one sweeper cycle in seconds",
		},
	)
)
