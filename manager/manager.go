package manager

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blockberries/bondberry/engine"
	"github.com/blockberries/bondberry/evidence"
	"github.com/blockberries/bondberry/internal/logging"
	"github.com/blockberries/bondberry/internal/metrics"
	"github.com/blockberries/bondberry/storage"
	"github.com/blockberries/bondberry/types"
)

// Consensus is the part of a consensus domain the manager drives.
// *engine.Engine implements it.
type Consensus interface {
	Domain() string
	AddNode(id types.NodeID) error
	FlagByzantine(node types.NodeID, reason string) bool
	Roster() engine.Roster
	Peers() []engine.PeerInfo
}

// Collection is the part of a replicated store the manager drives.
// *storage.Store implements it.
type Collection interface {
	Collection() string
	VerifyAllIntegrity() storage.IntegrityReport
	RecoverCorruptedData(key string) error
}

// Critical issues and recommendations raised by HealthCheck
const (
	IssueByzantineDetections = "high number of Byzantine detections"
	IssueLowHealthScore      = "system health score below 80%"
	IssueInsufficientNodes   = "insufficient active nodes for BFT"

	RecommendReplication = "consider increasing replication factor"
	RecommendAddress     = "address critical issues immediately"
)

// Health check limits
const (
	criticalByzantineDetections = 10
	criticalHealthScore         = 80.0
	minActiveNodes              = 3
	recommendHealthScore        = 90.0
	restoredHealthScore         = 95.0
)

// HealthReport is the result of HealthCheck
type HealthReport struct {
	Health          SystemHealth
	ConsensusStatus string
	CriticalIssues  []string
	Recommendations []string
	Topology        Topology
	NodeAlerts      map[types.NodeID][]string
}

// RecoveryOperation is one recovery attempt made by RecoverSystem
type RecoveryOperation struct {
	EntryID string
	Status  string
	Error   string
}

// RecoveryReport is the result of RecoverSystem
type RecoveryReport struct {
	EntriesChecked int
	CorruptedFound int
	Recovered      int
	Failed         int
	ByzantineNodes []types.NodeID
	Operations     []RecoveryOperation
	SystemRestored bool
}

// Manager aggregates health across consensus domains and owns the
// recovery queue.
type Manager struct {
	mu sync.RWMutex

	config  Config
	logger  *zap.Logger
	audit   *logging.AuditLogger
	metrics *metrics.Recorder

	domains     []Consensus
	collections map[string]Collection

	health    SystemHealth
	active    *types.NodeSet
	byzantine *types.NodeSet

	monitor  *Monitor
	recovery *RecoveryQueue

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager. audit may be nil.
func NewManager(cfg Config, logger *zap.Logger, audit *logging.AuditLogger) (*Manager, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, err
	}
	m := &Manager{
		config:      cfg,
		logger:      logging.OrNop(logger).With(zap.String("component", "manager")),
		audit:       audit,
		collections: make(map[string]Collection),
		active:      types.NewNodeSet(),
		byzantine:   types.NewNodeSet(),
		monitor:     NewMonitor(cfg.Thresholds),
		recovery:    NewRecoveryQueue(cfg.MaxRecoveryAttempts),
	}
	m.health.HealthScore = 100
	return m, nil
}

// SetMetrics sets the metrics recorder
func (m *Manager) SetMetrics(r *metrics.Recorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = r
}

// AddDomain registers a consensus domain
func (m *Manager) AddDomain(c Consensus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domains = append(m.domains, c)
}

// AddCollection registers a replicated store for verification and recovery
func (m *Manager) AddCollection(c Collection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[c.Collection()] = c
}

// Monitor returns the node monitor
func (m *Manager) Monitor() *Monitor { return m.monitor }

// RecoveryQueue returns the recovery queue
func (m *Manager) RecoveryQueue() *RecoveryQueue { return m.recovery }

// InitializeSystem activates the system and adds caller to the active set
// of the manager and of every domain.
func (m *Manager) InitializeSystem(caller types.NodeID) (SystemHealth, error) {
	if caller.IsEmpty() {
		return SystemHealth{}, fmt.Errorf("%w: empty caller", types.ErrValidation)
	}
	for _, d := range m.domainList() {
		if err := d.AddNode(caller); err != nil {
			return SystemHealth{}, fmt.Errorf("domain %s: %w", d.Domain(), err)
		}
	}
	m.monitor.Register(caller)

	m.mu.Lock()
	m.health.IsActive = true
	m.health.LastHealthCheck = time.Now()
	if !m.byzantine.Has(caller) {
		m.active.Add(caller)
	}
	m.updateHealthLocked()
	status := m.statusLocked()
	m.mu.Unlock()

	m.logger.Info("system initialized", zap.String("caller", caller.String()))
	m.auditInfo("system_initialized", map[string]interface{}{"caller": caller.String()})
	return status, nil
}

// Status returns a snapshot of system health
func (m *Manager) Status() SystemHealth {
	m.refreshRoster()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() SystemHealth {
	h := m.health.Copy()
	h.ActiveNodes = m.active.Sorted()
	h.ByzantineNodes = m.byzantine.Sorted()
	return h
}

func (m *Manager) domainList() []Consensus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Consensus(nil), m.domains...)
}

// refreshRoster folds the rosters published by every domain into the
// manager's sets. Byzantine membership is sticky.
func (m *Manager) refreshRoster() {
	domains := m.domainList()
	rosters := make([]engine.Roster, 0, len(domains))
	for _, d := range domains {
		rosters = append(rosters, d.Roster())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(rosters) == 0 {
		return
	}
	active := types.NewNodeSet()
	for _, r := range rosters {
		for _, id := range r.Byzantine {
			m.byzantine.Add(id)
		}
		for _, id := range r.Active {
			active.Add(id)
		}
	}
	for _, id := range m.byzantine.Sorted() {
		active.Remove(id)
	}
	m.active = active
}

// updateHealthLocked recomputes the score and publishes it. Caller holds mu.
func (m *Manager) updateHealthLocked() {
	m.health.UpdateHealthScore()
	m.metrics.SetHealthScore(m.health.HealthScore)
}

// OnStorageOperation implements storage.Observer
func (m *Manager) OnStorageOperation(collection, op string, err error) {
	mutation := op != storage.OpRetrieve
	if mutation {
		m.monitor.RecordOperation(m.config.NodeID, err == nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.health.TotalOperations++
	if err == nil {
		m.health.SuccessfulOperations++
		if mutation {
			m.health.ConsensusRounds++
		}
	} else {
		m.health.FailedOperations++
		m.logger.Debug("storage operation failed",
			zap.String("collection", collection),
			zap.String("op", op),
			zap.String("kind", types.KindOf(err)),
			zap.Error(err))
	}
	m.updateHealthLocked()
}

// ObserveByzantine is an engine.ByzantineObserver. A node flagged in one
// domain is evicted from every domain.
func (m *Manager) ObserveByzantine(domain string, node types.NodeID, behavior evidence.Behavior) {
	m.mu.RLock()
	known := m.byzantine.Has(node)
	m.mu.RUnlock()
	if known {
		// already reported; this is the echo of our own eviction
		return
	}
	if err := m.ReportByzantineBehavior(m.config.NodeID, node, string(behavior), []byte(domain)); err != nil {
		m.logger.Debug("ignored byzantine observation",
			zap.String("domain", domain),
			zap.String("node", node.String()),
			zap.Error(err))
	}
}

// ReportByzantineBehavior marks suspect Byzantine, evicts it from every
// domain and writes an audit record. Repeated reports against the same
// suspect are audited but counted once.
func (m *Manager) ReportByzantineBehavior(reporter, suspect types.NodeID, behavior string, proof []byte) error {
	if suspect.IsEmpty() {
		return ErrEmptySuspect
	}
	if suspect == m.config.NodeID {
		return fmt.Errorf("%w: %s", ErrSelfReport, suspect)
	}

	m.mu.Lock()
	first := !m.byzantine.Has(suspect)
	if first {
		m.byzantine.Add(suspect)
		m.health.ByzantineDetections++
	}
	m.active.Remove(suspect)
	m.updateHealthLocked()
	domains := append([]Consensus(nil), m.domains...)
	m.mu.Unlock()

	if first {
		m.monitor.RecordByzantineFlag(suspect)
	}
	evicted := 0
	for _, d := range domains {
		if d.FlagByzantine(suspect, behavior) {
			evicted++
		}
	}

	m.logger.Warn("byzantine behavior reported",
		zap.String("reporter", reporter.String()),
		zap.String("suspect", suspect.String()),
		zap.String("behavior", behavior),
		zap.Bool("first", first),
		zap.Int("domains_evicted", evicted))
	m.auditSecurity("byzantine_reported", map[string]interface{}{
		"reporter":      reporter.String(),
		"suspect":       suspect.String(),
		"behavior":      behavior,
		"evidence_hash": types.HashBytes(proof).String(),
	})
	return nil
}

// Topology returns the network as seen by the manager
func (m *Manager) Topology() Topology {
	m.refreshRoster()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.topologyLocked()
}

func (m *Manager) topologyLocked() Topology {
	active := m.active.Sorted()
	n := len(active)
	f := 0
	if n > 0 {
		f = (n - 1) / 3
	}
	return Topology{
		TotalNodes:         n + m.byzantine.Len(),
		ActiveNodes:        active,
		ByzantineNodes:     m.byzantine.Sorted(),
		FaultTolerance:     f,
		ConsensusThreshold: m.active.Quorum(),
		NetworkHealth:      m.health.HealthScore,
		LastUpdated:        m.health.LastHealthCheck,
	}
}

// HealthCheck samples the monitor, recomputes health and reports critical
// issues with recommendations.
func (m *Manager) HealthCheck() HealthReport {
	m.SampleNodes(time.Now())
	m.refreshRoster()

	m.mu.Lock()
	m.health.LastHealthCheck = time.Now()
	m.updateHealthLocked()
	report := HealthReport{
		Health:          m.statusLocked(),
		ConsensusStatus: "inactive",
		CriticalIssues:  []string{},
		Recommendations: []string{},
		Topology:        m.topologyLocked(),
	}
	m.mu.Unlock()

	if report.Health.IsActive {
		report.ConsensusStatus = "active"
	}
	if report.Health.ByzantineDetections > criticalByzantineDetections {
		report.CriticalIssues = append(report.CriticalIssues, IssueByzantineDetections)
	}
	if report.Health.HealthScore < criticalHealthScore {
		report.CriticalIssues = append(report.CriticalIssues, IssueLowHealthScore)
	}
	if len(report.Health.ActiveNodes) < minActiveNodes {
		report.CriticalIssues = append(report.CriticalIssues, IssueInsufficientNodes)
	}
	if report.Health.HealthScore < recommendHealthScore {
		report.Recommendations = append(report.Recommendations, RecommendReplication)
	}
	if len(report.CriticalIssues) > 0 {
		report.Recommendations = append(report.Recommendations, RecommendAddress)
	}
	report.NodeAlerts = m.monitor.Alerts()

	m.logger.Info("health check",
		zap.Float64("score", report.Health.HealthScore),
		zap.Int("critical_issues", len(report.CriticalIssues)),
		zap.Int("node_alerts", len(report.NodeAlerts)))
	return report
}

// SampleNodes feeds one round of peer liveness from every domain into the
// monitor. Counters are summed across domains; a node is as fresh as its
// most recent message in any domain.
func (m *Manager) SampleNodes(now time.Time) {
	merged := make(map[types.NodeID]*engine.PeerInfo)
	var order []types.NodeID
	var received uint64
	for _, d := range m.domainList() {
		for _, p := range d.Peers() {
			received += p.MessagesReceived
			agg, ok := merged[p.ID]
			if !ok {
				cp := p
				merged[p.ID] = &cp
				order = append(order, p.ID)
				continue
			}
			agg.MessagesReceived += p.MessagesReceived
			agg.Proposals += p.Proposals
			if p.LastSeen.After(agg.LastSeen) {
				agg.LastSeen = p.LastSeen
			}
		}
	}
	peers := make([]engine.PeerInfo, 0, len(order))
	for _, id := range order {
		peers = append(peers, *merged[id])
	}
	m.monitor.Observe(peers, m.config.LiveWindow, now)
	m.monitor.RecordReceived(m.config.NodeID, received)
}

// RecoverSystem verifies every collection, queues what failed and drains
// the queue with bounded attempts. Holders whose replicas disagree with
// the majority are reported Byzantine.
func (m *Manager) RecoverSystem(ctx context.Context) (RecoveryReport, error) {
	m.mu.RLock()
	collections := make(map[string]Collection, len(m.collections))
	for name, c := range m.collections {
		collections[name] = c
	}
	m.mu.RUnlock()

	report := RecoveryReport{ByzantineNodes: []types.NodeID{}}
	suspects := types.NewNodeSet()
	for name, c := range collections {
		ir := c.VerifyAllIntegrity()
		report.EntriesChecked += ir.TotalChecked
		for _, key := range ir.RecoveryNeeded {
			m.recovery.ReportCorruption(entryID(name, key), "integrity_failure")
		}
		for _, id := range ir.ByzantineNodes {
			suspects.Add(id)
		}
	}

	pending := m.recovery.Pending()
	report.CorruptedFound = len(pending)
	for _, id := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		op := RecoveryOperation{EntryID: id, Status: "success"}
		err := m.recoverEntry(collections, id)
		if err != nil {
			op.Status, op.Error = "failed", err.Error()
			report.Failed++
			m.logger.Warn("recovery failed", zap.String("entry", id), zap.Error(err))
		} else {
			report.Recovered++
		}
		report.Operations = append(report.Operations, op)
	}

	report.ByzantineNodes = suspects.Sorted()
	for _, id := range report.ByzantineNodes {
		if id == m.config.NodeID {
			continue
		}
		if err := m.ReportByzantineBehavior(m.config.NodeID, id, "replica_divergence", nil); err != nil {
			m.logger.Warn("failed to report replica holder", zap.String("node", id.String()), zap.Error(err))
		}
	}

	m.mu.Lock()
	m.health.RecoveryOperations += uint64(report.Recovered)
	m.updateHealthLocked()
	report.SystemRestored = m.health.HealthScore > restoredHealthScore
	m.mu.Unlock()

	m.logger.Info("system recovery finished",
		zap.Int("checked", report.EntriesChecked),
		zap.Int("recovered", report.Recovered),
		zap.Int("failed", report.Failed),
		zap.Bool("restored", report.SystemRestored))
	m.auditInfo("system_recovery", map[string]interface{}{
		"checked":   report.EntriesChecked,
		"recovered": report.Recovered,
		"failed":    report.Failed,
		"restored":  report.SystemRestored,
	})
	return report, nil
}

func (m *Manager) recoverEntry(collections map[string]Collection, id string) error {
	return m.recovery.AttemptRecovery(id, func() error {
		name, key, ok := strings.Cut(id, "/")
		if !ok {
			return fmt.Errorf("%w: malformed entry id %q", types.ErrValidation, id)
		}
		c, ok := collections[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownCollection, name)
		}
		return c.RecoverCorruptedData(key)
	})
}

func entryID(collection, key string) string {
	return collection + "/" + key
}

// RunMonitor samples node liveness every MonitorInterval until ctx is done
// or Stop is called.
func (m *Manager) RunMonitor(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		cancel()
		return
	}
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.MonitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				m.SampleNodes(now)
				for id, alerts := range m.monitor.Alerts() {
					m.logger.Warn("node alert", zap.String("node", id.String()), zap.Strings("alerts", alerts))
				}
			}
		}
	}()
}

// Stop stops the monitor loop
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Manager) auditInfo(event string, fields map[string]interface{}) {
	if err := m.audit.Info(event, fields); err != nil {
		m.logger.Warn("failed to write audit record", zap.String("event", event), zap.Error(err))
	}
}

func (m *Manager) auditSecurity(event string, fields map[string]interface{}) {
	if err := m.audit.Security(event, fields); err != nil {
		m.logger.Warn("failed to write audit record", zap.String("event", event), zap.Error(err))
	}
}
