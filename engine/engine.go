package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blockberries/bondberry/evidence"
	"github.com/blockberries/bondberry/internal/logging"
	"github.com/blockberries/bondberry/internal/metrics"
	"github.com/blockberries/bondberry/privval"
	"github.com/blockberries/bondberry/types"
	"github.com/blockberries/bondberry/wal"
)

// CommitHandler applies a committed operation. It runs once per operation,
// outside the engine lock, before WaitForCommit returns.
type CommitHandler func(op *types.Operation) error

// ByzantineObserver is notified when the engine flags a node
type ByzantineObserver func(domain string, node types.NodeID, behavior evidence.Behavior)

// Engine runs the agreement protocol for one consensus domain on behalf of
// one node: propose, prevote, precommit, commit.
type Engine struct {
	mu sync.RWMutex

	// Configuration
	config  *Config
	logger  *zap.Logger
	metrics *metrics.Recorder

	// Components
	signer    privval.Signer
	registry  *privval.Registry
	detector  *evidence.Detector
	evpool    *evidence.Pool
	wal       wal.WAL
	transport Transport
	ticker    *TimeoutTicker

	// Consensus state
	state    *ConsensusState
	trackers map[string]*VoteTracker
	finished []string // terminal operation IDs, oldest first
	proposed []time.Time
	msgLog   []*types.Message
	peers    *PeerSet

	// Callbacks
	commitHandler CommitHandler
	onByzantine   ByzantineObserver

	// Lifecycle
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine creates an engine for config.Domain. The local node starts out
// active; peers are added with AddNode.
func NewEngine(
	config *Config,
	signer privval.Signer,
	registry *privval.Registry,
	w wal.WAL,
	transport Transport,
	logger *zap.Logger,
) (*Engine, error) {
	if err := config.ValidateBasic(); err != nil {
		return nil, err
	}
	if signer == nil || registry == nil || transport == nil {
		return nil, fmt.Errorf("%w: signer, registry and transport are required", types.ErrValidation)
	}
	if signer.ID() != config.NodeID {
		return nil, fmt.Errorf("%w: signer %s does not match node %s",
			types.ErrValidation, signer.ID(), config.NodeID)
	}
	if err := registry.RegisterSigner(signer); err != nil {
		return nil, err
	}
	if w == nil {
		w = &wal.NopWAL{}
	}

	logger = logging.OrNop(logger).With(
		zap.String("domain", config.Domain),
		zap.String("node_id", config.NodeID.String()),
	)

	e := &Engine{
		config:    config,
		logger:    logger,
		signer:    signer,
		registry:  registry,
		detector:  evidence.NewDetector(config.detectorConfig()),
		evpool:    evidence.NewPool(evidence.DefaultConfig()),
		wal:       w,
		transport: transport,
		state:     NewConsensusState(),
		trackers:  make(map[string]*VoteTracker),
		peers:     NewPeerSet(),
	}
	e.state.AddActive(config.NodeID)
	return e, nil
}

// ID returns the local node
func (e *Engine) ID() types.NodeID { return e.config.NodeID }

// Domain returns the consensus domain name
func (e *Engine) Domain() string { return e.config.Domain }

// SetCommitHandler sets the function applied to committed operations
func (e *Engine) SetCommitHandler(fn CommitHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commitHandler = fn
}

// SetByzantineObserver sets the function notified when a node is flagged
func (e *Engine) SetByzantineObserver(fn ByzantineObserver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onByzantine = fn
}

// SetMetrics attaches a metrics recorder
func (e *Engine) SetMetrics(m *metrics.Recorder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics = m
	e.metrics.SetMembership(e.config.Domain, e.state.ActiveNodes.Len(), e.state.ByzantineNodes.Len())
}

// Start replays the WAL and starts the heartbeat and timeout routines.
// The routines stop when ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return ErrAlreadyStarted
	}

	if err := e.wal.Start(); err != nil {
		return fmt.Errorf("failed to start WAL: %w", err)
	}
	result, err := e.replayWAL()
	if err != nil {
		_ = e.wal.Stop()
		return fmt.Errorf("%w: %v", ErrWALReplay, err)
	}
	if result.RecordsReplayed > 0 {
		e.logger.Info("replayed WAL",
			zap.Int("records", result.RecordsReplayed),
			zap.Uint64("view", e.state.CurrentView),
			zap.Uint64("sequence", e.state.CurrentSequence))
	}

	ctx, e.cancel = context.WithCancel(ctx)
	recorder, domain := e.metrics, e.config.Domain
	e.ticker = NewTimeoutTicker(e.logger, func(TimeoutInfo) {
		recorder.ObserveDroppedTimeout(domain)
	})
	e.ticker.Start()
	e.started = true

	e.wg.Add(2)
	go e.heartbeatRoutine(ctx)
	go e.timeoutRoutine(ctx)
	return nil
}

// Stop stops the background routines and the WAL
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return ErrNotStarted
	}
	e.started = false
	e.cancel()
	ticker := e.ticker
	e.mu.Unlock()

	ticker.Stop()
	e.wg.Wait()

	if err := e.wal.Stop(); err != nil {
		return fmt.Errorf("failed to stop WAL: %w", err)
	}
	return nil
}

// AddNode marks id active. Byzantine nodes cannot rejoin.
func (e *Engine) AddNode(id types.NodeID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if id.IsEmpty() {
		return fmt.Errorf("%w: empty node id", types.ErrValidation)
	}
	if e.state.IsByzantine(id) {
		return fmt.Errorf("%w: %s", ErrNodeByzantine, id)
	}
	if e.state.AddActive(id) {
		e.logger.Debug("node added", zap.String("node", id.String()))
	}
	if id != e.config.NodeID {
		e.peers.Get(id, time.Now()).Touch(time.Now())
	}
	e.metrics.SetMembership(e.config.Domain, e.state.ActiveNodes.Len(), e.state.ByzantineNodes.Len())
	return nil
}

// Propose starts consensus on a new operation and returns its ID. Only one
// operation may be in flight at a time.
func (e *Engine) Propose(opType string, initiator types.NodeID, data []byte) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if opType == "" {
		return "", fmt.Errorf("%w: empty operation type", types.ErrValidation)
	}
	if initiator.IsEmpty() {
		return "", fmt.Errorf("%w: empty initiator", types.ErrValidation)
	}
	if e.state.IsByzantine(initiator) {
		e.metrics.ObserveRejection(e.config.Domain, "byzantine_initiator")
		return "", fmt.Errorf("%w: initiator %s", ErrNodeByzantine, initiator)
	}
	if e.state.HasPending() {
		return "", ErrSlotBusy
	}
	now := time.Now()
	if !e.proposalAllowedLocked(now) {
		e.metrics.ObserveRejection(e.config.Domain, "rate_limited")
		return "", ErrRateLimited
	}

	op := &types.Operation{
		ID:                 uuid.NewString(),
		Type:               opType,
		Initiator:          initiator,
		Timestamp:          time.Now().UnixNano(),
		Data:               append([]byte(nil), data...),
		RequiredSignatures: e.state.RequiredSignatures(),
		Status:             types.OperationProposed,
	}
	view, slot := e.state.CurrentView, e.state.CurrentSequence+1
	tracker := NewVoteTracker(op, view, slot)

	msg, err := e.newMessage(types.MessageTypePropose, view, slot, tracker.Digest(),
		&types.MessageBody{OperationID: op.ID, Operation: op})
	if err != nil {
		return "", err
	}
	if err := e.transport.Broadcast(msg); err != nil {
		return "", fmt.Errorf("failed to broadcast proposal: %w", err)
	}

	e.trackers[op.ID] = tracker
	e.state.PendingOperations[op.ID] = op
	e.proposed = append(e.proposed, now)
	e.scheduleTimeout(tracker)
	e.metrics.ObserveProposal(e.config.Domain)

	e.logger.Debug("proposed operation",
		zap.String("operation_id", op.ID),
		zap.String("type", opType),
		zap.Uint64("view", view),
		zap.Uint64("sequence", slot),
		zap.Int("required", op.RequiredSignatures))
	return op.ID, nil
}

// proposalAllowedLocked trims proposal times older than FloodWindow and
// reports whether another proposal fits the budget. Caller holds e.mu.
func (e *Engine) proposalAllowedLocked(now time.Time) bool {
	cutoff := now.Add(-e.config.FloodWindow)
	i := 0
	for i < len(e.proposed) && !e.proposed[i].After(cutoff) {
		i++
	}
	e.proposed = append(e.proposed[:0], e.proposed[i:]...)
	return len(e.proposed) < e.config.ProposalBudget()
}

// WaitForCommit blocks until the operation is terminal. At the earlier of
// ctx's deadline and the consensus timeout the operation is timed out.
// Returns ErrTimedOut or ErrRejected (both ConsensusFailure) when the
// operation did not commit.
func (e *Engine) WaitForCommit(ctx context.Context, opID string) (*types.Operation, error) {
	e.mu.RLock()
	tracker, ok := e.trackers[opID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, opID)
	}

	deadline := tracker.proposedAt.Add(e.config.ConsensusTimeout)
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-tracker.Done():
	case <-ctx.Done():
		e.expire(opID, "context done")
	case <-timer.C:
		e.expire(opID, "deadline exceeded")
	}

	// A committed operation may still be executing
	select {
	case <-tracker.Done():
	case <-time.After(e.config.ConsensusTimeout):
		e.logger.Warn("committed operation not executed in time", zap.String("operation_id", opID))
	}

	e.mu.RLock()
	op := tracker.Operation().Copy()
	e.mu.RUnlock()

	switch op.Status {
	case types.OperationCommitted:
		return op, nil
	case types.OperationRejected:
		return op, fmt.Errorf("%w: %s", ErrRejected, opID)
	default:
		return op, fmt.Errorf("%w: %s", ErrTimedOut, opID)
	}
}

// ProcessMessage validates msg, screens it for Byzantine behavior and
// applies it. Invalid or Byzantine senders are flagged and their message
// is rejected.
func (e *Engine) ProcessMessage(msg *types.Message) error {
	var fx effects
	err := e.processMessage(msg, &fx)
	fx.run()
	return err
}

func (e *Engine) processMessage(msg *types.Message, fx *effects) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	sender := msg.Sender
	self := sender == e.config.NodeID

	if e.state.IsByzantine(sender) {
		e.metrics.ObserveRejection(e.config.Domain, "byzantine_sender")
		return fmt.Errorf("%w: %s", ErrNodeByzantine, sender)
	}

	if !self {
		if err := e.authenticate(msg); err != nil {
			e.flagLocked(sender, evidence.BehaviorInvalidMessage, err.Error(), fx, msg)
			e.metrics.ObserveRejection(e.config.Domain, string(evidence.BehaviorInvalidMessage))
			return err
		}

		if f := e.detector.Check(msg, e.state.CurrentView, e.state.CurrentSequence, now); f != nil {
			e.flagLocked(sender, f.Behavior, f.Details, fx, f.Conflicting, msg)
			e.metrics.ObserveRejection(e.config.Domain, string(f.Behavior))
			return fmt.Errorf("%w: %s from %s: %s", types.ErrByzantineRejection, f.Behavior, sender, f.Details)
		}
		if e.isReplyLocked(msg) {
			e.detector.RecordReply(msg, now)
		} else {
			e.detector.Record(msg, now)
		}
		e.peers.Get(sender, now).ApplyMessage(msg, e.state.CurrentSequence, now)
	}

	e.appendLog(msg)
	e.metrics.ObserveMessage(e.config.Domain, msg.Type.String())

	switch msg.Type {
	case types.MessageTypePropose:
		return e.handlePropose(msg, fx)
	case types.MessageTypePrevote:
		return e.handlePrevote(msg, fx)
	case types.MessageTypePrecommit:
		return e.handlePrecommit(msg, fx)
	case types.MessageTypeCommit:
		return e.handleCommit(msg, fx)
	case types.MessageTypeViewChange:
		return e.handleViewChange(msg, fx)
	case types.MessageTypeHeartbeat:
		return e.handleHeartbeat(msg)
	default:
		return fmt.Errorf("%w: unknown type %d", ErrInvalidMessage, msg.Type)
	}
}

// authenticate performs the structural checks and verifies the sender's
// signature against the registry
func (e *Engine) authenticate(msg *types.Message) error {
	if err := msg.ValidateBasic(); err != nil {
		return err
	}
	if !e.registry.Has(msg.Sender) {
		return fmt.Errorf("%w: %s", ErrUnknownSender, msg.Sender)
	}
	return e.registry.VerifyMessage(e.config.Domain, msg)
}

// FlagByzantine marks node Byzantine on the owner's behalf: it leaves the
// active set, evidence is recorded, and pending operations it initiated are
// rejected. Returns false if the node was already flagged or is the local
// node.
func (e *Engine) FlagByzantine(node types.NodeID, reason string) bool {
	var fx effects
	e.mu.Lock()
	flagged := e.flagLocked(node, evidence.BehaviorReported, reason, &fx)
	e.mu.Unlock()
	fx.run()
	return flagged
}

// flagLocked flags node. Caller holds e.mu.
func (e *Engine) flagLocked(node types.NodeID, behavior evidence.Behavior, details string, fx *effects, msgs ...*types.Message) bool {
	if node.IsEmpty() || node == e.config.NodeID || e.state.IsByzantine(node) {
		return false
	}

	ev := evidence.NewEvidence(e.config.Domain, node, behavior, details, msgs...)
	if err := e.evpool.AddEvidence(ev); err != nil {
		e.logger.Debug("evidence not recorded", zap.String("node", node.String()), zap.Error(err))
	}

	e.state.MarkByzantine(node)
	e.peers.Remove(node)
	e.detector.Forget(node)

	for id, op := range e.state.PendingOperations {
		if op.Initiator != node {
			continue
		}
		e.finishLocked(id, types.OperationRejected)
	}

	e.logger.Warn("node flagged byzantine",
		zap.String("node", node.String()),
		zap.String("behavior", string(behavior)),
		zap.String("details", details))
	e.metrics.ObserveByzantineFlag(e.config.Domain, string(behavior))
	e.metrics.SetMembership(e.config.Domain, e.state.ActiveNodes.Len(), e.state.ByzantineNodes.Len())

	if observer := e.onByzantine; observer != nil {
		domain := e.config.Domain
		fx.add(func() { observer(domain, node, behavior) })
	}
	return true
}

// handlePropose admits a proposal and endorses it with a prevote
func (e *Engine) handlePropose(msg *types.Message, fx *effects) error {
	body, err := msg.DecodeBody()
	if err != nil {
		return err
	}
	if body.Operation == nil {
		return fmt.Errorf("%w: proposal without operation", ErrInvalidMessage)
	}

	tracker, ok := e.trackers[body.Operation.ID]
	if !ok {
		op := body.Operation
		if err := op.ValidateBasic(); err != nil {
			return err
		}
		if !types.HashEqual(op.Digest(), msg.DataHash) {
			e.flagLocked(msg.Sender, evidence.BehaviorInvalidMessage, "proposal digest mismatch", fx, msg)
			return fmt.Errorf("%w: proposal digest mismatch", ErrInvalidMessage)
		}
		if msg.View < e.state.CurrentView {
			e.logger.Debug("ignoring proposal from an abandoned view",
				zap.String("operation_id", op.ID),
				zap.Uint64("view", msg.View))
			return nil
		}
		if msg.Sequence != e.state.CurrentSequence+1 {
			e.logger.Debug("ignoring proposal for another slot",
				zap.String("operation_id", op.ID),
				zap.Uint64("sequence", msg.Sequence))
			return nil
		}
		if e.state.HasPending() {
			e.logger.Debug("ignoring proposal while slot is busy", zap.String("operation_id", op.ID))
			return nil
		}

		// Endorsements are collected locally, never taken from the proposer
		op.CollectedSignatures = nil
		op.Status = types.OperationProposed
		tracker = NewVoteTracker(op, msg.View, msg.Sequence)
		e.trackers[op.ID] = tracker
		e.state.PendingOperations[op.ID] = op
		e.scheduleTimeout(tracker)
	}

	op := tracker.Operation()
	if op.Status.IsTerminal() || tracker.prevoted {
		return nil
	}

	if e.state.IsByzantine(op.Initiator) {
		e.finishLocked(op.ID, types.OperationRejected)
		e.metrics.ObserveRejection(e.config.Domain, "byzantine_initiator")
		return nil
	}

	sig, err := e.signer.SignOperation(e.config.Domain, tracker.Digest())
	if err != nil {
		return fmt.Errorf("failed to endorse operation: %w", err)
	}
	if _, err := tracker.AddPrevote(sig, e.verifyEndorsement(tracker)); err != nil {
		return fmt.Errorf("failed to record own endorsement: %w", err)
	}
	if err := op.Transition(types.OperationCollecting); err != nil {
		return err
	}
	tracker.prevoted = true

	return e.broadcastLocked(types.MessageTypePrevote, tracker,
		&types.MessageBody{OperationID: op.ID, Signature: &sig})
}

// handlePrevote collects an endorsement and precommits once a quorum of
// signatures is present
func (e *Engine) handlePrevote(msg *types.Message, fx *effects) error {
	tracker, err := e.trackerFor(msg, fx)
	if tracker == nil || err != nil {
		return err
	}
	body, _ := msg.DecodeBody()
	if body.Signature == nil {
		e.flagLocked(msg.Sender, evidence.BehaviorInvalidMessage, "prevote without signature", fx, msg)
		return fmt.Errorf("%w: prevote without signature", ErrInvalidMessage)
	}
	sig := *body.Signature
	if sig.Signer != msg.Sender {
		e.flagLocked(msg.Sender, evidence.BehaviorInvalidMessage, "prevote carries another node's signature", fx, msg)
		return fmt.Errorf("%w: prevote signer %s is not sender %s", ErrInvalidMessage, sig.Signer, msg.Sender)
	}
	if _, err := tracker.AddPrevote(sig, e.verifyEndorsement(tracker)); err != nil {
		e.flagLocked(msg.Sender, evidence.BehaviorInvalidMessage, err.Error(), fx, msg)
		return err
	}

	op := tracker.Operation()
	if op.Status == types.OperationCollecting && tracker.HasPrevoteQuorum() && !tracker.precommitted {
		tracker.precommitted = true
		return e.broadcastLocked(types.MessageTypePrecommit, tracker,
			&types.MessageBody{OperationID: op.ID})
	}
	return nil
}

// handlePrecommit counts a precommit and commits once both counts reach
// the required quorum
func (e *Engine) handlePrecommit(msg *types.Message, fx *effects) error {
	tracker, err := e.trackerFor(msg, fx)
	if tracker == nil || err != nil {
		return err
	}
	tracker.AddPrecommit(msg.Sender)

	op := tracker.Operation()
	if op.Status != types.OperationCollecting || !tracker.HasCommitQuorum() {
		return nil
	}
	return e.commitLocked(tracker)
}

// commitLocked commits the tracked operation. Caller holds e.mu.
func (e *Engine) commitLocked(tracker *VoteTracker) error {
	op := tracker.Operation()
	if err := op.Transition(types.OperationCommitted); err != nil {
		return err
	}
	delete(e.state.PendingOperations, op.ID)
	e.state.CommittedOperations = append(e.state.CommittedOperations, op.ID)
	e.state.CurrentSequence++
	e.markFinished(op.ID)

	rec, err := wal.NewCommitRecord(tracker.view, e.state.CurrentSequence, op)
	if err == nil {
		err = e.wal.WriteSync(rec)
	}
	if err != nil {
		e.logger.Error("failed to journal commit",
			zap.String("operation_id", op.ID),
			zap.Error(fmt.Errorf("%w: %v", ErrWALWrite, err)))
	}

	e.metrics.ObserveCommit(e.config.Domain, time.Since(tracker.proposedAt))
	e.logger.Debug("committed operation",
		zap.String("operation_id", op.ID),
		zap.Uint64("sequence", e.state.CurrentSequence),
		zap.Int("signatures", len(op.CollectedSignatures)),
		zap.Int("precommits", tracker.Precommits()))

	if e.state.CurrentSequence > detectorRetention {
		e.detector.PruneBelow(e.state.CurrentSequence - detectorRetention)
	}

	return e.broadcastLocked(types.MessageTypeCommit, tracker,
		&types.MessageBody{OperationID: op.ID})
}

// detectorRetention is how many sequences of history the detector keeps
const detectorRetention = 128

// handleCommit executes a locally committed operation exactly once
func (e *Engine) handleCommit(msg *types.Message, fx *effects) error {
	tracker, err := e.trackerFor(msg, fx)
	if tracker == nil || err != nil {
		return err
	}
	op := tracker.Operation()
	if op.Status != types.OperationCommitted || tracker.executed {
		return nil
	}
	tracker.executed = true

	handler := e.commitHandler
	committed := op.Copy()
	logger := e.logger
	fx.add(func() {
		if handler != nil {
			if err := handler(committed); err != nil {
				logger.Error("commit handler failed",
					zap.String("operation_id", committed.ID),
					zap.String("type", committed.Type),
					zap.Error(err))
			}
		}
		tracker.finish()
	})
	return nil
}

// handleViewChange adopts a higher view. Pending operations from older
// views can no longer gather endorsements and are timed out.
func (e *Engine) handleViewChange(msg *types.Message, fx *effects) error {
	if !types.HashEqual(msg.DataHash, ViewHash(msg.View)) {
		e.flagLocked(msg.Sender, evidence.BehaviorInvalidMessage, "view change hash mismatch", fx, msg)
		return fmt.Errorf("%w: view change hash mismatch", ErrInvalidMessage)
	}
	if msg.View <= e.state.CurrentView {
		return nil
	}
	e.adoptViewLocked(msg.View)
	return nil
}

// adoptViewLocked moves to view. Caller holds e.mu.
func (e *Engine) adoptViewLocked(view uint64) {
	e.state.CurrentView = view
	for id := range e.state.PendingOperations {
		if tracker := e.trackers[id]; tracker != nil && tracker.view < view {
			e.finishLocked(id, types.OperationTimedOut)
		}
	}
	if err := e.wal.WriteSync(wal.NewViewChangeRecord(view, e.state.CurrentSequence)); err != nil {
		e.logger.Warn("failed to journal view change", zap.Uint64("view", view), zap.Error(err))
	}
	e.logger.Info("view changed", zap.Uint64("view", view), zap.Uint64("sequence", e.state.CurrentSequence))
}

// handleHeartbeat refreshes membership
func (e *Engine) handleHeartbeat(msg *types.Message) error {
	if !types.HashEqual(msg.DataHash, types.HeartbeatHash(msg.Sender)) {
		return fmt.Errorf("%w: heartbeat hash mismatch", ErrInvalidMessage)
	}
	if e.state.AddActive(msg.Sender) {
		e.logger.Info("node joined via heartbeat", zap.String("node", msg.Sender.String()))
		e.metrics.SetMembership(e.config.Domain, e.state.ActiveNodes.Len(), e.state.ByzantineNodes.Len())
	}
	return nil
}

// trackerFor resolves the operation a prevote, precommit or commit refers
// to. Returns nil without error for unknown or finished operations.
// isReplyLocked reports whether msg answers an operation this node tracks:
// a prevote, precommit or commit carrying that operation's digest
func (e *Engine) isReplyLocked(msg *types.Message) bool {
	switch msg.Type {
	case types.MessageTypePrevote, types.MessageTypePrecommit, types.MessageTypeCommit:
	default:
		return false
	}
	body, err := msg.DecodeBody()
	if err != nil {
		return false
	}
	tracker, ok := e.trackers[body.OperationID]
	return ok && types.HashEqual(msg.DataHash, tracker.Digest())
}

func (e *Engine) trackerFor(msg *types.Message, fx *effects) (*VoteTracker, error) {
	body, err := msg.DecodeBody()
	if err != nil {
		return nil, err
	}
	tracker, ok := e.trackers[body.OperationID]
	if !ok {
		e.logger.Debug("message for unknown operation",
			zap.String("operation_id", body.OperationID),
			zap.Stringer("type", msg.Type),
			zap.String("from", msg.Sender.String()))
		return nil, nil
	}
	if !types.HashEqual(msg.DataHash, tracker.Digest()) {
		e.flagLocked(msg.Sender, evidence.BehaviorInvalidMessage, "digest mismatch", fx, msg)
		return nil, fmt.Errorf("%w: %s digest mismatch for %s", ErrInvalidMessage, msg.Type, body.OperationID)
	}
	if msg.Type != types.MessageTypeCommit && tracker.Operation().Status.IsTerminal() {
		return nil, nil
	}
	return tracker, nil
}

func (e *Engine) verifyEndorsement(tracker *VoteTracker) func(types.Signature) error {
	return func(sig types.Signature) error {
		return e.registry.VerifyOperationSignature(e.config.Domain, tracker.Digest(), sig)
	}
}

// expire times out a pending operation and moves the domain to the next
// view so the slot can be reused without equivocating.
func (e *Engine) expire(opID, reason string) {
	var fx effects
	e.mu.Lock()
	defer func() {
		e.mu.Unlock()
		fx.run()
	}()

	tracker, ok := e.trackers[opID]
	if !ok || tracker.Operation().Status.IsTerminal() {
		return
	}
	if _, pending := e.state.PendingOperations[opID]; !pending {
		return
	}

	e.logger.Warn("operation timed out",
		zap.String("operation_id", opID),
		zap.String("reason", reason),
		zap.Int("signatures", len(tracker.Operation().CollectedSignatures)),
		zap.Int("precommits", tracker.Precommits()))
	e.finishLocked(opID, types.OperationTimedOut)

	newView := e.state.CurrentView + 1
	e.adoptViewLocked(newView)
	msg, err := e.newMessage(types.MessageTypeViewChange, newView, e.state.CurrentSequence,
		ViewHash(newView), &types.MessageBody{NewView: newView})
	if err != nil {
		e.logger.Error("failed to sign view change", zap.Error(err))
		return
	}
	if err := e.transport.Broadcast(msg); err != nil {
		e.logger.Warn("failed to broadcast view change", zap.Error(err))
	}
}

// finishLocked moves a pending operation to a terminal failure status and
// evicts it. Caller holds e.mu.
func (e *Engine) finishLocked(opID string, status types.OperationStatus) {
	tracker, ok := e.trackers[opID]
	if !ok {
		return
	}
	if err := tracker.Operation().Transition(status); err != nil {
		return
	}
	delete(e.state.PendingOperations, opID)
	e.markFinished(opID)
	tracker.finish()

	switch status {
	case types.OperationTimedOut:
		e.metrics.ObserveTimeout(e.config.Domain)
	case types.OperationRejected:
		e.metrics.ObserveRejection(e.config.Domain, "operation_rejected")
	}
}

// markFinished records a terminal operation and prunes the oldest ones
func (e *Engine) markFinished(opID string) {
	e.finished = append(e.finished, opID)
	if excess := len(e.finished) - e.config.MaxTrackedOperations; excess > 0 {
		for _, id := range e.finished[:excess] {
			delete(e.trackers, id)
		}
		e.finished = append([]string(nil), e.finished[excess:]...)
	}
}

func (e *Engine) appendLog(msg *types.Message) {
	e.msgLog = append(e.msgLog, msg)
	if excess := len(e.msgLog) - e.config.MaxLoggedMessages; excess > 0 {
		e.msgLog = append([]*types.Message(nil), e.msgLog[excess:]...)
	}
}

// newMessage builds and signs a message from the local node
func (e *Engine) newMessage(t types.MessageType, view, seq uint64, hash types.Hash, body *types.MessageBody) (*types.Message, error) {
	msg := &types.Message{
		Type:      t,
		View:      view,
		Sequence:  seq,
		Sender:    e.config.NodeID,
		Timestamp: time.Now().UnixNano(),
		DataHash:  hash,
	}
	if body != nil {
		payload, err := types.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", t, err)
		}
		msg.Payload = payload
	}
	if err := e.signer.SignMessage(e.config.Domain, msg); err != nil {
		return nil, fmt.Errorf("failed to sign %s: %w", t, err)
	}
	return msg, nil
}

// broadcastLocked signs and broadcasts a message about the tracked operation
func (e *Engine) broadcastLocked(t types.MessageType, tracker *VoteTracker, body *types.MessageBody) error {
	msg, err := e.newMessage(t, tracker.view, tracker.slot, tracker.Digest(), body)
	if err != nil {
		return err
	}
	return e.transport.Broadcast(msg)
}

func (e *Engine) scheduleTimeout(tracker *VoteTracker) {
	if !e.started {
		return
	}
	e.ticker.ScheduleTimeout(TimeoutInfo{
		Duration:    e.config.ConsensusTimeout,
		OperationID: tracker.Operation().ID,
		View:        tracker.view,
		Sequence:    tracker.slot,
	})
}

// ViewHash is the data hash carried by view-change messages for view
func ViewHash(view uint64) types.Hash {
	return types.HashBytes([]byte(fmt.Sprintf("view:%d", view)))
}

// --- Background routines ---

func (e *Engine) heartbeatRoutine(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.HeartbeatInterval)
	defer ticker.Stop()

	e.sendHeartbeat()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.sendHeartbeat()
			e.EvictSilent(now)
		}
	}
}

func (e *Engine) sendHeartbeat() {
	e.mu.RLock()
	view, seq := e.state.CurrentView, e.state.CurrentSequence
	e.mu.RUnlock()

	msg, err := e.newMessage(types.MessageTypeHeartbeat, view, seq, types.HeartbeatHash(e.config.NodeID), nil)
	if err != nil {
		e.logger.Warn("failed to sign heartbeat", zap.Error(err))
		return
	}
	if err := e.transport.Broadcast(msg); err != nil {
		e.logger.Debug("failed to broadcast heartbeat", zap.Error(err))
	}
}

// EvictSilent removes active peers that have been silent for more than
// MaxMissedHeartbeats intervals at now. Returns the evicted nodes.
func (e *Engine) EvictSilent(now time.Time) []types.NodeID {
	limit := e.config.EvictionAfter()
	if limit == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var candidates []types.NodeID
	for _, id := range e.state.ActiveNodes.Sorted() {
		if id != e.config.NodeID {
			candidates = append(candidates, id)
		}
	}
	silent := e.peers.Silent(candidates, limit, now)
	for _, id := range silent {
		e.state.ActiveNodes.Remove(id)
		e.logger.Info("evicted silent node", zap.String("node", id.String()), zap.Duration("limit", limit))
	}
	if len(silent) > 0 {
		e.metrics.SetMembership(e.config.Domain, e.state.ActiveNodes.Len(), e.state.ByzantineNodes.Len())
	}
	return silent
}

func (e *Engine) timeoutRoutine(ctx context.Context) {
	defer e.wg.Done()

	e.mu.RLock()
	tock := e.ticker.Chan()
	e.mu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return
		case ti := <-tock:
			e.expire(ti.OperationID, "consensus timeout")
		}
	}
}

// --- Queries ---

// VerifyDataIntegrity reports whether data hashes to expected
func (e *Engine) VerifyDataIntegrity(expected types.Hash, data []byte) bool {
	return types.HashEqual(types.HashBytes(data), expected)
}

// Operation returns a copy of a tracked operation
func (e *Engine) Operation(opID string) (*types.Operation, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tracker, ok := e.trackers[opID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, opID)
	}
	return tracker.Operation().Copy(), nil
}

// Roster returns a snapshot of membership and position
func (e *Engine) Roster() Roster {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Roster()
}

// CommittedOperations returns operation IDs in commit order
func (e *Engine) CommittedOperations() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.state.CommittedOperations...)
}

// PendingOperations returns copies of the in-flight operations
func (e *Engine) PendingOperations() []*types.Operation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*types.Operation, 0, len(e.state.PendingOperations))
	for _, op := range e.state.PendingOperations {
		out = append(out, op.Copy())
	}
	return out
}

// IsByzantine reports whether node has been flagged in this domain
func (e *Engine) IsByzantine(node types.NodeID) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.IsByzantine(node)
}

// Evidence returns the recorded Byzantine evidence, oldest first
func (e *Engine) Evidence() []*evidence.Evidence {
	return e.evpool.List()
}

// Peers returns what the engine knows about each peer
func (e *Engine) Peers() []PeerInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.peers.All()
}

// LoggedMessages returns the number of messages in the message log
func (e *Engine) LoggedMessages() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.msgLog)
}

// LastCheckpoint returns when the last checkpoint was taken or restored
func (e *Engine) LastCheckpoint() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.LastCheckpoint
}

// effects are actions deferred until the engine lock is released
type effects []func()

func (fx *effects) add(f func()) { *fx = append(*fx, f) }

func (fx effects) run() {
	for _, f := range fx {
		f()
	}
}
