package queue

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

var (
	sendQueueDepthValue = atomic.NewFloat64(0)

	sendQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "matrixon",
		Subsystem: "federationapi",
		Name:      "send_queue_depth",
		Help:      "Current total number of items queued across all federation destinations.",
	})

	destinationBackoffs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matrixon",
		Subsystem: "federationapi",
		Name:      "destination_backoffs_total",
		Help:      "Total number of times a destination entered backoff.",
	}, []string{"destination"})

	transactionsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matrixon",
		Subsystem: "federationapi",
		Name:      "transactions_sent_total",
		Help:      "Total number of federation transactions successfully acknowledged.",
	}, []string{"destination"})
)

var registerMetricsOnce sync.Once

func init() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(sendQueueDepth, destinationBackoffs, transactionsSent)
	})
}

// observeSendQueueDepth adjusts the queue-depth gauge by delta items,
// mirroring the teacher's sendQueueDepth gauge test shape exactly
// (federationapi/queue/metrics_test.go).
func observeSendQueueDepth(delta int) {
	v := sendQueueDepthValue.Add(float64(delta))
	sendQueueDepth.Set(v)
}
