// Package metrics holds the prometheus instruments of the chat session SDK.
//
// Instruments register on Registry rather than the global default registerer
// so an embedding application decides whether and where to expose them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry collects every SDK instrument.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// ConnectAttempts counts transport connect attempts by transport and result.
	ConnectAttempts = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsession_connect_attempts_total",
		Help: "Transport connect attempts by transport and result",
	}, []string{"transport", "result"})

	// StatusTransitions counts connection helper state changes.
	StatusTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsession_helper_status_transitions_total",
		Help: "Connection helper status transitions by transport and target status",
	}, []string{"transport", "status"})

	// OperationDuration tracks public operation latency.
	OperationDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatsession_operation_duration_seconds",
		Help:    "Public operation duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
	}, []string{"operation", "result"})

	// ReceiptsSent counts read/delivered receipts that reached the network.
	ReceiptsSent = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsession_receipts_sent_total",
		Help: "Message receipts sent by type",
	}, []string{"type"})

	// IncomingItems counts inbound items by how they were handled.
	IncomingItems = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsession_incoming_items_total",
		Help: "Inbound transcript items by handling kind",
	}, []string{"kind"})
)

// ObserveOperation records the duration of op since start.
func ObserveOperation(op string, start time.Time, err error) {
	OperationDuration.WithLabelValues(op, Result(err)).Observe(time.Since(start).Seconds())
}

// Result maps err to the "success"/"error" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
