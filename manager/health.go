package manager

import (
	"time"

	"github.com/blockberries/bondberry/types"
)

// Health score penalties
const (
	byzantinePenalty = 5.0
	recoveryPenalty  = 2.0
)

// SystemHealth is the manager's aggregate view of the system
type SystemHealth struct {
	IsActive             bool
	ConsensusRounds      uint64
	TotalOperations      uint64
	SuccessfulOperations uint64
	FailedOperations     uint64
	ByzantineDetections  uint64
	RecoveryOperations   uint64
	LastHealthCheck      time.Time
	ActiveNodes          []types.NodeID
	ByzantineNodes       []types.NodeID
	HealthScore          float64
}

// SuccessRate returns the percentage of successful operations, or 100
// when there were none.
func (h *SystemHealth) SuccessRate() float64 {
	if h.TotalOperations == 0 {
		return 100
	}
	return float64(h.SuccessfulOperations) / float64(h.TotalOperations) * 100
}

// UpdateHealthScore recomputes
//
//	clamp(successRate - 5*byzantineDetections - 2*recoveryOperations, 0, 100)
func (h *SystemHealth) UpdateHealthScore() {
	score := h.SuccessRate() -
		byzantinePenalty*float64(h.ByzantineDetections) -
		recoveryPenalty*float64(h.RecoveryOperations)
	h.HealthScore = min(max(score, 0), 100)
}

// Copy returns a deep copy
func (h SystemHealth) Copy() SystemHealth {
	h.ActiveNodes = append([]types.NodeID(nil), h.ActiveNodes...)
	h.ByzantineNodes = append([]types.NodeID(nil), h.ByzantineNodes...)
	return h
}

// Topology describes the network as seen by the manager
type Topology struct {
	TotalNodes         int
	ActiveNodes        []types.NodeID
	ByzantineNodes     []types.NodeID
	FaultTolerance     int
	ConsensusThreshold int
	NetworkHealth      float64
	LastUpdated        time.Time
}
