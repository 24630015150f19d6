// Package metrics exposes Prometheus instrumentation for a region.
//
// Collection is optional: a region constructed without metrics carries a
// nil *Metrics and every recording method is a nil-safe no-op, so the hot
// paths pay a single pointer test when instrumentation is off.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "dvstm"

// Metrics holds the per-region counters.
type Metrics struct {
	Epochs       prometheus.Counter
	Commits      prometheus.Counter
	Aborts       *prometheus.CounterVec
	SegmentAlloc prometheus.Counter
	SegmentFree  prometheus.Counter
	Installed    prometheus.Counter
}

// Abort causes, used as the "cause" label.
const (
	CauseConflict = "conflict"
	CauseCapacity = "capacity"
	CauseNoMem    = "nomem"
	CauseInvalid  = "invalid"
)

// New builds the counter set and registers it with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Epochs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "epochs_total",
			Help:      "Completed epochs (snapshot installations).",
		}),
		Commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Transactions that left their epoch committed.",
		}),
		Aborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aborts_total",
			Help:      "Aborted transactions by cause; the capacity cause also counts rejected read/write admissions.",
		}, []string{"cause"}),
		SegmentAlloc: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_allocs_total",
			Help:      "Segments allocated inside transactions.",
		}),
		SegmentFree: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_frees_total",
			Help:      "Segments reclaimed at epoch boundaries.",
		}),
		Installed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "installed_bytes_total",
			Help:      "Bytes copied from the working version into the snapshot.",
		}),
	}
	reg.MustRegister(m.Epochs, m.Commits, m.Aborts, m.SegmentAlloc, m.SegmentFree, m.Installed)
	return m
}

// IncEpochs records a completed epoch boundary.
func (m *Metrics) IncEpochs() {
	if m != nil {
		m.Epochs.Inc()
	}
}

// IncCommits records a committed transaction.
func (m *Metrics) IncCommits() {
	if m != nil {
		m.Commits.Inc()
	}
}

// IncAborts records an aborted transaction with its cause.
func (m *Metrics) IncAborts(cause string) {
	if m != nil {
		m.Aborts.WithLabelValues(cause).Inc()
	}
}

// IncSegmentAlloc records a segment allocation.
func (m *Metrics) IncSegmentAlloc() {
	if m != nil {
		m.SegmentAlloc.Inc()
	}
}

// IncSegmentFree records a segment reclamation.
func (m *Metrics) IncSegmentFree() {
	if m != nil {
		m.SegmentFree.Inc()
	}
}

// AddInstalled records bytes installed into the snapshot.
func (m *Metrics) AddInstalled(n uint64) {
	if m != nil {
		m.Installed.Add(float64(n))
	}
}
