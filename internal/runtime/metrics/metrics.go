// Package metrics exposes Prometheus collectors for the router, postman,
// dispatchers and transaction limiter. A nil *Collector is valid and records
// nothing, so components can take one unconditionally.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/queueflow/transport"
)

// Dispatch outcomes recorded by RecordDispatch.
const (
	DispatchOK        = "ok"
	DispatchError     = "error"
	DispatchPanic     = "panic"
	DispatchUnmatched = "unmatched"
	DispatchSkipped   = "skipped"
)

// Collector tracks reliability-layer statistics.
type Collector struct {
	mu sync.RWMutex

	queues map[string]*QueueMetrics

	batchesTotal      *prometheus.CounterVec
	routedTotal       *prometheus.CounterVec
	deliveredTotal    *prometheus.CounterVec
	quarantinedTotal  *prometheus.CounterVec
	recoveredTotal    *prometheus.CounterVec
	batchSizeHist     *prometheus.HistogramVec
	commitSecondsHist *prometheus.HistogramVec
	ackWaitHist       *prometheus.HistogramVec
	acksTotal         *prometheus.CounterVec
	dispatchTotal     *prometheus.CounterVec
	pendingTracking   prometheus.Gauge
	openTransactions  prometheus.Gauge
	handleEvictions   prometheus.Counter

	registerer prometheus.Registerer
	registered bool
}

// QueueMetrics holds the counters kept per input queue.
type QueueMetrics struct {
	Batches      uint64    `json:"batches"`
	Routed       uint64    `json:"routed"`
	Delivered    uint64    `json:"delivered"`
	Quarantined  uint64    `json:"quarantined"`
	Recovered    uint64    `json:"recovered"`
	AvgBatchSize float64   `json:"avg_batch_size"`
	LastBatchAt  time.Time `json:"last_batch_at,omitempty"`
}

// Snapshot provides a point-in-time view of the collector.
type Snapshot struct {
	TotalRouted      uint64                   `json:"total_routed"`
	TotalDelivered   uint64                   `json:"total_delivered"`
	TotalQuarantined uint64                   `json:"total_quarantined"`
	Queues           map[string]*QueueMetrics `json:"queues"`
	CollectedAt      time.Time                `json:"collected_at"`
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queueflow",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "queueflow",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// New creates a collector. Collectors are not registered until Register.
func New(registerer prometheus.Registerer) *Collector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Collector{
		queues:            make(map[string]*QueueMetrics),
		registerer:        registerer,
		batchesTotal:      newCounterVec("router", "batches_total", "Committed routing batches", []string{"queue"}),
		routedTotal:       newCounterVec("router", "messages_routed_total", "Messages moved to in-progress and sent to a destination", []string{"queue"}),
		deliveredTotal:    newCounterVec("router", "messages_delivered_total", "Routed messages whose delivery was acknowledged", []string{"queue"}),
		quarantinedTotal:  newCounterVec("router", "messages_quarantined_total", "Messages moved to the poison subqueue", []string{"queue", "reason"}),
		recoveredTotal:    newCounterVec("router", "messages_recovered_total", "In-progress messages found during recovery", []string{"queue"}),
		batchSizeHist:     newHistogramVec("router", "batch_size", "Messages per committed batch", []float64{1, 5, 10, 25, 50, 100, 250, 500}, []string{"queue"}),
		commitSecondsHist: newHistogramVec("router", "commit_seconds", "Time spent committing a batch transaction", prometheus.DefBuckets, []string{"queue"}),
		ackWaitHist:       newHistogramVec("postman", "ack_wait_seconds", "Time spent waiting for an acknowledgment", []float64{.005, .01, .05, .1, .5, 1, 5, 30, 60, 300}, []string{"outcome"}),
		acksTotal:         newCounterVec("postman", "acks_total", "Acknowledgments read from the administration queue", []string{"class"}),
		dispatchTotal:     newCounterVec("pubsub", "callbacks_total", "Subscriber callback invocations", []string{"outcome"}),
		pendingTracking: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "queueflow", Subsystem: "postman", Name: "pending_tracking",
			Help: "Tracking entries currently held in the cache",
		}),
		openTransactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "queueflow", Subsystem: "txlimit", Name: "open_transactions",
			Help: "Transactions currently holding a limiter slot",
		}),
		handleEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "queueflow", Subsystem: "handles", Name: "evictions_total",
			Help: "Queue handles closed by the handle cache",
		}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Collector) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.batchesTotal,
		m.routedTotal,
		m.deliveredTotal,
		m.quarantinedTotal,
		m.recoveredTotal,
		m.batchSizeHist,
		m.commitSecondsHist,
		m.ackWaitHist,
		m.acksTotal,
		m.dispatchTotal,
		m.pendingTracking,
		m.openTransactions,
		m.handleEvictions,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordBatch records a committed batch of size messages from queue.
func (m *Collector) RecordBatch(queue string, size int, commit time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	qm := m.getOrCreateQueue(queue)
	qm.Batches++
	qm.Routed += uint64(size)
	qm.AvgBatchSize = ((qm.AvgBatchSize * float64(qm.Batches-1)) + float64(size)) / float64(qm.Batches)
	qm.LastBatchAt = time.Now()

	m.batchesTotal.WithLabelValues(queue).Inc()
	m.routedTotal.WithLabelValues(queue).Add(float64(size))
	m.batchSizeHist.WithLabelValues(queue).Observe(float64(size))
	m.commitSecondsHist.WithLabelValues(queue).Observe(commit.Seconds())
}

// RecordDelivered records a routed message whose delivery was confirmed.
func (m *Collector) RecordDelivered(queue string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getOrCreateQueue(queue).Delivered++
	m.deliveredTotal.WithLabelValues(queue).Inc()
}

// RecordQuarantined records a message moved to the poison subqueue.
func (m *Collector) RecordQuarantined(queue, reason string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getOrCreateQueue(queue).Quarantined++
	m.quarantinedTotal.WithLabelValues(queue, reason).Inc()
}

// RecordRecovered records in-progress messages found while recovering.
func (m *Collector) RecordRecovered(queue string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getOrCreateQueue(queue).Recovered += uint64(count)
	m.recoveredTotal.WithLabelValues(queue).Add(float64(count))
}

// RecordAck records an acknowledgment read by the postman.
func (m *Collector) RecordAck(class transport.AckClass) {
	if m == nil {
		return
	}
	m.acksTotal.WithLabelValues(class.String()).Inc()
}

// ObserveAckWait records how long a caller waited; outcome is "ok", "nack",
// "timeout" or "canceled".
func (m *Collector) ObserveAckWait(outcome string, wait time.Duration) {
	if m == nil {
		return
	}
	m.ackWaitHist.WithLabelValues(outcome).Observe(wait.Seconds())
}

// SetPendingTracking reports the tracking cache size.
func (m *Collector) SetPendingTracking(n int) {
	if m == nil {
		return
	}
	m.pendingTracking.Set(float64(n))
}

// RecordDispatch records one subscriber callback invocation.
func (m *Collector) RecordDispatch(outcome string) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(outcome).Inc()
}

// SetOpenTransactions reports how many limiter slots are held.
func (m *Collector) SetOpenTransactions(n int64) {
	if m == nil {
		return
	}
	m.openTransactions.Set(float64(n))
}

// RecordHandleEviction records a handle closed by the handle cache.
func (m *Collector) RecordHandleEviction() {
	if m == nil {
		return
	}
	m.handleEvictions.Inc()
}

// GetSnapshot returns a point-in-time snapshot of the per-queue counters.
func (m *Collector) GetSnapshot() Snapshot {
	snapshot := Snapshot{
		Queues:      make(map[string]*QueueMetrics),
		CollectedAt: time.Now(),
	}
	if m == nil {
		return snapshot
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for queue, qm := range m.queues {
		qmCopy := *qm
		snapshot.Queues[queue] = &qmCopy
		snapshot.TotalRouted += qm.Routed
		snapshot.TotalDelivered += qm.Delivered
		snapshot.TotalQuarantined += qm.Quarantined
	}

	return snapshot
}

// GetQueueMetrics returns a copy of the counters for queue, or nil.
func (m *Collector) GetQueueMetrics(queue string) *QueueMetrics {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if qm, ok := m.queues[queue]; ok {
		qmCopy := *qm
		return &qmCopy
	}
	return nil
}

func (m *Collector) getOrCreateQueue(queue string) *QueueMetrics {
	if qm, ok := m.queues[queue]; ok {
		return qm
	}
	qm := &QueueMetrics{}
	m.queues[queue] = qm
	return qm
}

// Reset resets all metrics (useful for testing).
func (m *Collector) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queues = make(map[string]*QueueMetrics)
	m.batchesTotal.Reset()
	m.routedTotal.Reset()
	m.deliveredTotal.Reset()
	m.quarantinedTotal.Reset()
	m.recoveredTotal.Reset()
	m.batchSizeHist.Reset()
	m.commitSecondsHist.Reset()
	m.ackWaitHist.Reset()
	m.acksTotal.Reset()
	m.dispatchTotal.Reset()
	m.pendingTracking.Set(0)
	m.openTransactions.Set(0)
}
