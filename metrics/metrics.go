//Package metrics exposes the engine's Prometheus instrumentation. A nil *Set
//is valid everywhere one is accepted, every method no-ops on it, so hosts
//that do not scrape pay nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "batchflow"

//Set the engine's metric instruments
type Set struct {
	tasksSubmitted prometheus.Counter
	tasksRejected  *prometheus.CounterVec
	itemsProcessed prometheus.Counter
	itemsFailed    prometheus.Counter
	itemsDropped   prometheus.Counter
	batches        *prometheus.CounterVec
	batchDuration  prometheus.Histogram
	batchSize      prometheus.Gauge
	queueDepth     prometheus.Gauge
	queueItems     prometheus.Gauge
	pressureScore  prometheus.Gauge
	pressureLevel  prometheus.Gauge
	throttle       prometheus.Gauge
	transfers      *prometheus.CounterVec
	transferBytes  *prometheus.HistogramVec
	retries        prometheus.Counter
	relievedBytes  prometheus.Counter
	workerEvents   *prometheus.CounterVec
	workersAlive   prometheus.Gauge
}

//NewSet registers the engine metrics with reg, nil means the default
//registerer.
func NewSet(reg prometheus.Registerer) *Set {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Set{
		tasksSubmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Tasks accepted into the queue.",
		}),
		tasksRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_rejected_total",
			Help:      "Tasks refused at admission.",
		}, []string{"reason"}),
		itemsProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_processed_total",
			Help:      "Items processed successfully.",
		}),
		itemsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_failed_total",
			Help:      "Items that exhausted processing attempts.",
		}),
		itemsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_dropped_total",
			Help:      "Items evicted under pressure.",
		}),
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Finished batch passes by result.",
		}, []string{"result"}),
		batchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall time of one batch pass.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		batchSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Current adaptive batch size.",
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Tasks waiting in the queue.",
		}),
		queueItems: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_items",
			Help:      "Items waiting in the queue.",
		}),
		pressureScore: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pressure_score",
			Help:      "Composite pressure score of the latest sample.",
		}),
		pressureLevel: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pressure_level",
			Help:      "Pressure level rank, 0 none through 5 emergency.",
		}),
		throttle: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "throttle_factor",
			Help:      "Dispatch speed multiplier, 1 means full speed.",
		}),
		transfers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Worker dispatches by strategy and result.",
		}, []string{"strategy", "result"}),
		transferBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transfer_bytes",
			Help:      "Encoded payload size per dispatch.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		}, []string{"strategy"}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retry dispatches scheduled.",
		}),
		relievedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relieved_bytes_total",
			Help:      "Bytes freed by host collaborators on pressure relief.",
		}),
		workerEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_events_total",
			Help:      "Worker state transitions by target state.",
		}, []string{"state"}),
		workersAlive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_alive",
			Help:      "Workers currently able to take batches.",
		}),
	}
}

//TaskSubmitted one task entered the queue
func (s *Set) TaskSubmitted() {
	if s == nil {
		return
	}
	s.tasksSubmitted.Inc()
}

//TaskRejected one task refused at admission
func (s *Set) TaskRejected(reason string) {
	if s == nil {
		return
	}
	s.tasksRejected.WithLabelValues(reason).Inc()
}

//ItemsProcessed n items finished cleanly
func (s *Set) ItemsProcessed(n int) {
	if s == nil || n <= 0 {
		return
	}
	s.itemsProcessed.Add(float64(n))
}

//ItemsFailed n items exhausted their attempts
func (s *Set) ItemsFailed(n int) {
	if s == nil || n <= 0 {
		return
	}
	s.itemsFailed.Add(float64(n))
}

//ItemsDropped n items evicted under pressure
func (s *Set) ItemsDropped(n int) {
	if s == nil || n <= 0 {
		return
	}
	s.itemsDropped.Add(float64(n))
}

//BatchFinished one pass completed with the given result label
func (s *Set) BatchFinished(result string, d time.Duration) {
	if s == nil {
		return
	}
	s.batches.WithLabelValues(result).Inc()
	s.batchDuration.Observe(d.Seconds())
}

//SetBatchSize current adaptive batch size
func (s *Set) SetBatchSize(n int) {
	if s == nil {
		return
	}
	s.batchSize.Set(float64(n))
}

//SetQueueDepth queued tasks and items
func (s *Set) SetQueueDepth(tasks, items int) {
	if s == nil {
		return
	}
	s.queueDepth.Set(float64(tasks))
	s.queueItems.Set(float64(items))
}

//SetPressure latest sample score and level rank
func (s *Set) SetPressure(score float64, rank int) {
	if s == nil {
		return
	}
	s.pressureScore.Set(score)
	s.pressureLevel.Set(float64(rank))
}

//SetThrottle current dispatch speed multiplier
func (s *Set) SetThrottle(factor float64) {
	if s == nil {
		return
	}
	s.throttle.Set(factor)
}

//TransferObserved one dispatch attempt over the given strategy
func (s *Set) TransferObserved(strategy string, bytes int, ok bool) {
	if s == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	s.transfers.WithLabelValues(strategy, result).Inc()
	s.transferBytes.WithLabelValues(strategy).Observe(float64(bytes))
}

//RetryScheduled one retry dispatch queued
func (s *Set) RetryScheduled() {
	if s == nil {
		return
	}
	s.retries.Inc()
}

//PressureRelieved bytes freed by a host collaborator
func (s *Set) PressureRelieved(bytes int64) {
	if s == nil || bytes <= 0 {
		return
	}
	s.relievedBytes.Add(float64(bytes))
}

//WorkerTransition one worker entered the given state
func (s *Set) WorkerTransition(state string) {
	if s == nil {
		return
	}
	s.workerEvents.WithLabelValues(state).Inc()
}

//SetWorkersAlive workers currently able to take batches
func (s *Set) SetWorkersAlive(n int) {
	if s == nil {
		return
	}
	s.workersAlive.Set(float64(n))
}
