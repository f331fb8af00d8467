// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Connections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_connections",
		Help: "Live connections registered in this process, by scope",
	}, []string{"scope"})

	UpdatesEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_updates_emitted_total",
		Help: "Persistent updates committed, by type",
	}, []string{"type"})

	EphemeralsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_ephemerals_emitted_total",
		Help: "Ephemeral events emitted, by type",
	}, []string{"type"})

	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_publish_failures_total",
		Help: "Bus publishes that failed, by event kind",
	}, []string{"kind"})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_deliveries_total",
		Help: "Frames pushed to local connections, by event kind",
	}, []string{"kind"})

	DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_delivery_failures_total",
		Help: "Frames dropped because the recipient was unreachable",
	})

	BusReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_bus_messages_received_total",
		Help: "Envelopes received from the bus",
	})

	LockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_lock_acquisitions_total",
		Help: "Lock attempts by outcome (acquired, contended, error)",
	}, []string{"result"})

	LockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "relay_lock_wait_seconds",
		Help: "Time spent waiting to acquire a lock",
		// 12 buckets from 1ms to 10s.
		Buckets: prometheus.ExponentialBucketsRange(0.001, 10, 12),
	})
)
