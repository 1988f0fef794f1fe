package txn

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type producerMetrics struct {
	state                *prometheus.GaugeVec
	transactionsTotal    *prometheus.CounterVec
	resumedTotal         prometheus.Counter
	fencedTotal          prometheus.Counter
	enlistRequestsTotal  prometheus.Counter
	producedRecordsTotal prometheus.Counter
	produceFailuresTotal *prometheus.CounterVec
	bufferedRecords      prometheus.Gauge
	flushDuration        prometheus.Histogram
	commitDuration       prometheus.Histogram
}

// The input prometheus.Registerer must be wrapped with a prefix (the names of
// metrics registered don't have a prefix).
func newProducerMetrics(reg prometheus.Registerer) *producerMetrics {
	m := &producerMetrics{
		state: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "transaction_state",
			Help: "The current transaction state of the producer. The gauge of the current state is 1, all others are 0.",
		}, []string{"state"}),
		transactionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "transactions_total",
			Help: "Total number of completed transactions by outcome.",
		}, []string{"outcome"}),
		resumedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "resumed_transactions_total",
			Help: "Total number of transactions resumed from a persisted identity.",
		}),
		fencedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fenced_total",
			Help: "Total number of times the producer was fenced by a newer epoch.",
		}),
		enlistRequestsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "enlist_requests_total",
			Help: "Total number of requests adding partitions to a transaction.",
		}),
		producedRecordsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "produced_records_total",
			Help: "Total number of records acknowledged by the partition leaders.",
		}),
		produceFailuresTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "produce_failures_total",
			Help: "Total number of records that failed delivery.",
		}, []string{"reason"}),
		bufferedRecords: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "buffered_records",
			Help: "The number of records waiting to be sent.",
		}),
		flushDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "flush_duration_seconds",
			Help:    "Time spent flushing a transaction before commit.",
			Buckets: prometheus.DefBuckets,
		}),
		commitDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "commit_duration_seconds",
			Help:    "Time spent committing a transaction, including the flush.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.setState(StateUninitialized)
	return m
}

func (m *producerMetrics) setState(s State) {
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(st.String()).Set(v)
	}
}

func produceErrReason(err error) string {
	switch {
	case errors.Is(err, ErrFenced):
		return "fenced"
	case errors.Is(err, ErrAborted):
		return "aborted"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrTransactionPoisoned):
		return "poisoned"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTransient):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "other"
	}
}
