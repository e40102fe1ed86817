package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics exports scheduler counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	submitted     *prometheus.CounterVec
	batches       *prometheus.CounterVec
	outputs       *prometheus.CounterVec
	batchSize     prometheus.Histogram
	batchDuration prometheus.Histogram
	backlog       prometheus.Gauge
	pending       prometheus.Gauge
	queueLen      prometheus.Gauge
}

// NewMetrics builds the collectors and registers them on reg (if non-nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "thumbq",
			Subsystem: "scheduler",
			Name:      "submitted_total",
			Help:      "Submitted jobs by outcome (queued, joined, cached).",
		}, []string{"outcome"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "thumbq",
			Subsystem: "scheduler",
			Name:      "batches_total",
			Help:      "Executed batches by result (ok, partial, failed, empty).",
		}, []string{"result"}),
		outputs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "thumbq",
			Subsystem: "scheduler",
			Name:      "outputs_total",
			Help:      "Settled outputs by result (ok, failed).",
		}, []string{"result"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "thumbq",
			Subsystem: "scheduler",
			Name:      "batch_size",
			Help:      "Outputs per executed batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "thumbq",
			Subsystem: "scheduler",
			Name:      "batch_duration_seconds",
			Help:      "Wall time of one batch, transform included.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "thumbq",
			Subsystem: "scheduler",
			Name:      "backlog",
			Help:      "Outputs tracked since the queue last drained.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "thumbq",
			Subsystem: "scheduler",
			Name:      "pending_outputs",
			Help:      "Outputs waiting for their batch to start.",
		}),
		queueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "thumbq",
			Subsystem: "scheduler",
			Name:      "queue_length",
			Help:      "Units waiting in the execution queue.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.submitted, m.batches, m.outputs, m.batchSize, m.batchDuration, m.backlog, m.pending, m.queueLen)
	}
	return m
}

func (m *Metrics) submit(outcome string) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(outcome).Inc()
}

func (m *Metrics) batch(result string, size int, seconds float64) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(result).Inc()
	if size > 0 {
		m.batchSize.Observe(float64(size))
		m.batchDuration.Observe(seconds)
	}
}

func (m *Metrics) output(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.outputs.WithLabelValues("ok").Inc()
		return
	}
	m.outputs.WithLabelValues("failed").Inc()
}

func (m *Metrics) gauges(backlog, pending, queued int) {
	if m == nil {
		return
	}
	m.backlog.Set(float64(backlog))
	m.pending.Set(float64(pending))
	m.queueLen.Set(float64(queued))
}
