// Package metrics exposes Prometheus metrics for consensus, storage and
// system health. Every Recorder method is safe on a nil receiver, so
// components can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bondberry"

// Recorder exposes Prometheus metrics for the node.
type Recorder struct {
	proposals       *prometheus.CounterVec
	commits         *prometheus.CounterVec
	commitLatency   *prometheus.HistogramVec
	timeouts        *prometheus.CounterVec
	droppedTimeouts *prometheus.CounterVec
	rejections      *prometheus.CounterVec
	byzantineFlags  *prometheus.CounterVec
	messages        *prometheus.CounterVec
	activeNodes     *prometheus.GaugeVec
	byzantineNodes  *prometheus.GaugeVec

	storageOps        *prometheus.CounterVec
	integrityFailures *prometheus.CounterVec
	recoveries        *prometheus.CounterVec

	healthScore prometheus.Gauge
}

// NewRecorder registers metrics with the provided registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consensus_proposals_total",
			Help:      "Operations proposed, by domain",
		}, []string{"domain"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consensus_commits_total",
			Help:      "Operations committed, by domain",
		}, []string{"domain"}),
		commitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "consensus_commit_latency_seconds",
			Help:      "Time from proposal to local commit",
			Buckets:   prometheus.DefBuckets,
		}, []string{"domain"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consensus_timeouts_total",
			Help:      "Operations that timed out, by domain",
		}, []string{"domain"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consensus_rejections_total",
			Help:      "Messages or operations rejected, by domain and reason",
		}, []string{"domain", "reason"}),
		droppedTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consensus_dropped_timeouts_total",
			Help:      "Operation deadlines dropped because the timeout queue was full, by domain",
		}, []string{"domain"}),
		byzantineFlags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "byzantine_flags_total",
			Help:      "Nodes flagged Byzantine, by domain and behavior",
		}, []string{"domain", "behavior"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consensus_messages_total",
			Help:      "Consensus messages accepted, by domain and type",
		}, []string{"domain", "type"}),
		activeNodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_nodes",
			Help:      "Active nodes per domain",
		}, []string{"domain"}),
		byzantineNodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "byzantine_nodes",
			Help:      "Byzantine nodes per domain",
		}, []string{"domain"}),
		storageOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operations_total",
			Help:      "Storage operations by collection, operation and result",
		}, []string{"collection", "op", "result"}),
		integrityFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_integrity_failures_total",
			Help:      "Integrity check failures by collection",
		}, []string{"collection"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_recoveries_total",
			Help:      "Recovery attempts by collection and result",
		}, []string{"collection", "result"}),
		healthScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_score",
			Help:      "System health score in [0,100]",
		}),
	}

	reg.MustRegister(
		r.proposals,
		r.commits,
		r.commitLatency,
		r.timeouts,
		r.droppedTimeouts,
		r.rejections,
		r.byzantineFlags,
		r.messages,
		r.activeNodes,
		r.byzantineNodes,
		r.storageOps,
		r.integrityFailures,
		r.recoveries,
		r.healthScore,
	)
	return r
}

// Handler returns an HTTP handler serving the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// ObserveProposal counts a proposed operation.
func (r *Recorder) ObserveProposal(domain string) {
	if r == nil {
		return
	}
	r.proposals.WithLabelValues(domain).Inc()
}

// ObserveCommit counts a committed operation and its latency.
func (r *Recorder) ObserveCommit(domain string, d time.Duration) {
	if r == nil {
		return
	}
	r.commits.WithLabelValues(domain).Inc()
	r.commitLatency.WithLabelValues(domain).Observe(d.Seconds())
}

// ObserveTimeout counts an operation that timed out.
func (r *Recorder) ObserveTimeout(domain string) {
	if r == nil {
		return
	}
	r.timeouts.WithLabelValues(domain).Inc()
}

// ObserveDroppedTimeout counts an operation deadline the ticker dropped.
func (r *Recorder) ObserveDroppedTimeout(domain string) {
	if r == nil {
		return
	}
	r.droppedTimeouts.WithLabelValues(domain).Inc()
}

// ObserveRejection counts a rejection grouped by reason.
func (r *Recorder) ObserveRejection(domain, reason string) {
	if r == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	r.rejections.WithLabelValues(domain, reason).Inc()
}

// ObserveByzantineFlag counts a node flagged Byzantine.
func (r *Recorder) ObserveByzantineFlag(domain, behavior string) {
	if r == nil {
		return
	}
	if behavior == "" {
		behavior = "unknown"
	}
	r.byzantineFlags.WithLabelValues(domain, behavior).Inc()
}

// ObserveMessage counts an accepted consensus message.
func (r *Recorder) ObserveMessage(domain, msgType string) {
	if r == nil {
		return
	}
	r.messages.WithLabelValues(domain, msgType).Inc()
}

// SetMembership records active and Byzantine node counts for a domain.
func (r *Recorder) SetMembership(domain string, active, byzantine int) {
	if r == nil {
		return
	}
	r.activeNodes.WithLabelValues(domain).Set(float64(active))
	r.byzantineNodes.WithLabelValues(domain).Set(float64(byzantine))
}

// ObserveStorageOp counts a storage operation outcome.
func (r *Recorder) ObserveStorageOp(collection, op string, err error) {
	if r == nil {
		return
	}
	r.storageOps.WithLabelValues(collection, op, resultLabel(err)).Inc()
}

// ObserveIntegrityFailure counts a failed integrity check.
func (r *Recorder) ObserveIntegrityFailure(collection string) {
	if r == nil {
		return
	}
	r.integrityFailures.WithLabelValues(collection).Inc()
}

// ObserveRecovery counts a recovery attempt outcome.
func (r *Recorder) ObserveRecovery(collection string, err error) {
	if r == nil {
		return
	}
	r.recoveries.WithLabelValues(collection, resultLabel(err)).Inc()
}

// SetHealthScore records the system health score.
func (r *Recorder) SetHealthScore(score float64) {
	if r == nil {
		return
	}
	r.healthScore.Set(score)
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
