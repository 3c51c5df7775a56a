package node

import (
	"bftlog/pkg/transport"
)

// Metrics is a point-in-time snapshot of the node's throughput counters.
type Metrics struct {
	SubmittedTotal  uint64
	CommittedTotal  uint64
	PendingRequests int64

	ViewChanges     uint64
	InvalidMessages uint64
	StaleMessages   uint64

	LatencyMeanMs float64
	LatencyP50Ms  float64
	LatencyP95Ms  float64
	LatencyP99Ms  float64

	Transport transport.Metrics
}

// Stats is a point-in-time snapshot of the node's protocol position.
type Stats struct {
	NodeID           string
	View             uint64
	Primary          string
	IsPrimary        bool
	LastExecuted     uint64
	StableCheckpoint uint64
	Halted           bool
	Suspects         map[string]uint64
}

// Metrics returns throughput and latency counters.
func (n *Node) Metrics() Metrics {
	n.statMu.Lock()
	m := Metrics{
		SubmittedTotal:  n.submittedTotal,
		CommittedTotal:  n.committedTotal,
		ViewChanges:     n.viewChanges,
		InvalidMessages: n.invalidMessages,
		StaleMessages:   n.staleMessages,
	}
	n.statMu.Unlock()

	m.PendingRequests = n.pending.Load()
	m.LatencyMeanMs = n.latency.Mean()
	m.LatencyP50Ms = n.latency.Quantile(0.50)
	m.LatencyP95Ms = n.latency.Quantile(0.95)
	m.LatencyP99Ms = n.latency.Quantile(0.99)
	m.Transport = n.tr.Metrics()
	return m
}

// Stats returns the node's current protocol position.
func (n *Node) Stats() Stats {
	viewNow := n.curView.Load()

	n.suspectMu.RLock()
	suspects := make(map[string]uint64, len(n.suspects))
	for id, c := range n.suspects {
		suspects[id] = c
	}
	n.suspectMu.RUnlock()

	return Stats{
		NodeID:           n.table.SelfID(),
		View:             viewNow,
		Primary:          n.table.PrimaryForView(viewNow),
		IsPrimary:        n.primary.Load(),
		LastExecuted:     n.lastExec.Load(),
		StableCheckpoint: n.stableSeq.Load(),
		Halted:           n.failedFatally() != nil,
		Suspects:         suspects,
	}
}
