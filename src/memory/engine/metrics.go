package engine

import "sync/atomic"

// Metrics captures lightweight runtime counters for observability.
type Metrics struct {
	reconciled atomic.Int64
	added      atomic.Int64
	updated    atomic.Int64
	deleted    atomic.Int64
	noops      atomic.Int64
	rejected   atomic.Int64
	pruned     atomic.Int64
	pruneRuns  atomic.Int64
}

func (m *Metrics) IncReconciled()  { m.reconciled.Add(1) }
func (m *Metrics) IncRejected()    { m.rejected.Add(1) }
func (m *Metrics) IncPruned(n int) { m.pruned.Add(int64(n)) }
func (m *Metrics) IncPruneRuns()   { m.pruneRuns.Add(1) }

func (m *Metrics) observe(ev Event) {
	switch ev {
	case EventAdd:
		m.added.Add(1)
	case EventUpdate:
		m.updated.Add(1)
	case EventDelete:
		m.deleted.Add(1)
	default:
		m.noops.Add(1)
	}
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Reconciled int64 `json:"reconciled"`
	Added      int64 `json:"added"`
	Updated    int64 `json:"updated"`
	Deleted    int64 `json:"deleted"`
	Noops      int64 `json:"noops"`
	Rejected   int64 `json:"rejected"`
	Pruned     int64 `json:"pruned"`
	PruneRuns  int64 `json:"prune_runs"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		Reconciled: m.reconciled.Load(),
		Added:      m.added.Load(),
		Updated:    m.updated.Load(),
		Deleted:    m.deleted.Load(),
		Noops:      m.noops.Load(),
		Rejected:   m.rejected.Load(),
		Pruned:     m.pruned.Load(),
		PruneRuns:  m.pruneRuns.Load(),
	}
}
