package manager

import (
	"sort"
	"sync"
	"time"

	"github.com/blockberries/bondberry/engine"
	"github.com/blockberries/bondberry/types"
)

// Alert messages
const (
	AlertByzantine    = "excessive Byzantine behavior detected"
	AlertLowUptime    = "low uptime detected"
	AlertResponseTime = "high response time detected"
	AlertMessageRate  = "message rate above threshold"
)

// NodeMetrics is what the monitor knows about one node
type NodeMetrics struct {
	MessagesSent        uint64
	MessagesReceived    uint64
	OperationsProposed  uint64
	OperationsCommitted uint64
	ByzantineFlags      uint64
	ResponseTimeAvg     time.Duration
	UptimePercentage    float64
	MessageRate         float64
	LastSeen            time.Time
}

type nodeSamples struct {
	metrics NodeMetrics

	samples   uint64
	alive     uint64
	lastCount uint64
	lastAt    time.Time
}

// Monitor samples peer liveness and raises alerts against thresholds
type Monitor struct {
	mu         sync.RWMutex
	thresholds AlertThresholds
	nodes      map[types.NodeID]*nodeSamples
}

// NewMonitor creates a monitor with the given thresholds
func NewMonitor(thresholds AlertThresholds) *Monitor {
	return &Monitor{
		thresholds: thresholds,
		nodes:      make(map[types.NodeID]*nodeSamples),
	}
}

// Register starts tracking id. Registered nodes start at full uptime.
func (m *Monitor) Register(id types.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeLocked(id)
}

func (m *Monitor) nodeLocked(id types.NodeID) *nodeSamples {
	n, ok := m.nodes[id]
	if !ok {
		n = &nodeSamples{metrics: NodeMetrics{UptimePercentage: 100}}
		m.nodes[id] = n
	}
	return n
}

// Observe folds one round of peer samples into the metrics. A peer counts
// as up when it was heard from within liveWindow of now. peers should
// aggregate every domain: one entry per node.
func (m *Monitor) Observe(peers []engine.PeerInfo, liveWindow time.Duration, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range peers {
		n := m.nodeLocked(p.ID)
		silence := now.Sub(p.LastSeen)
		if silence < 0 {
			silence = 0
		}

		n.samples++
		if silence <= liveWindow {
			n.alive++
		}
		n.metrics.UptimePercentage = float64(n.alive) / float64(n.samples) * 100

		// running mean of how long the peer had been silent when sampled
		avg := n.metrics.ResponseTimeAvg
		n.metrics.ResponseTimeAvg = avg + (silence-avg)/time.Duration(n.samples)

		if !n.lastAt.IsZero() && now.After(n.lastAt) && p.MessagesReceived >= n.lastCount {
			n.metrics.MessageRate = float64(p.MessagesReceived-n.lastCount) / now.Sub(n.lastAt).Seconds()
		}
		n.lastCount, n.lastAt = p.MessagesReceived, now

		// the peer sent what we received from it
		n.metrics.MessagesSent = p.MessagesReceived
		n.metrics.OperationsProposed = p.Proposals
		n.metrics.LastSeen = p.LastSeen
	}
}

// RecordOperation counts a local mutation and whether it committed
func (m *Monitor) RecordOperation(id types.NodeID, committed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.nodeLocked(id)
	n.metrics.OperationsProposed++
	if committed {
		n.metrics.OperationsCommitted++
	}
	n.metrics.LastSeen = time.Now()
}

// RecordReceived counts messages delivered to id
func (m *Monitor) RecordReceived(id types.NodeID, count uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeLocked(id).metrics.MessagesReceived = count
}

// RecordByzantineFlag counts a Byzantine flag against id
func (m *Monitor) RecordByzantineFlag(id types.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeLocked(id).metrics.ByzantineFlags++
}

// Metrics returns a snapshot of id's metrics
func (m *Monitor) Metrics(id types.NodeID) (NodeMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return NodeMetrics{}, false
	}
	return n.metrics, true
}

// Nodes returns every tracked node in lexical order
func (m *Monitor) Nodes() []types.NodeID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]types.NodeID, 0, len(m.nodes))
	for id := range m.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CheckNodeHealth returns the alerts raised for id
func (m *Monitor) CheckNodeHealth(id types.NodeID) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil
	}
	return m.alertsLocked(n.metrics)
}

// Alerts returns every node with at least one alert
func (m *Monitor) Alerts() map[types.NodeID][]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[types.NodeID][]string)
	for id, n := range m.nodes {
		if alerts := m.alertsLocked(n.metrics); len(alerts) > 0 {
			out[id] = alerts
		}
	}
	return out
}

func (m *Monitor) alertsLocked(nm NodeMetrics) []string {
	var alerts []string
	if nm.ByzantineFlags > m.thresholds.MaxByzantineFlags {
		alerts = append(alerts, AlertByzantine)
	}
	if nm.UptimePercentage < m.thresholds.MinUptime {
		alerts = append(alerts, AlertLowUptime)
	}
	if nm.ResponseTimeAvg > m.thresholds.MaxResponseTime {
		alerts = append(alerts, AlertResponseTime)
	}
	if m.thresholds.MaxMessageRate > 0 && nm.MessageRate > m.thresholds.MaxMessageRate {
		alerts = append(alerts, AlertMessageRate)
	}
	return alerts
}
