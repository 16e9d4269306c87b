// Package engine implements the per-domain Byzantine fault tolerant
// agreement protocol.
//
// Every operation moves through one slot of the domain's sequence:
//
//	Propose → Prevote → Precommit → Commit
//
// An operation needs 2f+1 endorsements, where f = ⌊(n-1)/3⌋ and n is the
// number of active nodes when it was proposed. A slot that does not commit
// before the consensus timeout is abandoned: the operation becomes TimedOut
// and the domain moves to the next view, so the slot can be reused without
// any node signing two different messages at the same view and sequence.
//
// # Core Components
//
// Engine: one per consensus domain and node. Owns the ConsensusState, the
// message log and the evidence pool. All mutation goes through
// ProcessMessage or the owner-side calls (Propose, FlagByzantine, AddNode,
// checkpoints).
//
// VoteTracker: endorsements and precommits for one operation.
//
// TimeoutTicker: fires when the oldest pending operation outlives the
// consensus timeout.
//
// PeerState: what the engine last heard from each peer. Used to evict
// nodes that miss too many heartbeats.
//
// CheckpointSyncer: brings a joining or lagging engine to the position of
// its most advanced peer.
//
// Replay: crash recovery from the write-ahead log.
//
// # Message Screening
//
// Messages from other nodes are screened before they are applied. A sender
// is flagged Byzantine, and the message refused, when the message:
//
//   - fails structural validation or signature verification
//   - conflicts with one the sender already sent at the same view, sequence
//     and type (equivocation)
//   - exceeds the flood threshold inside the flood window
//   - runs ahead of the local view or sequence by more than one
//
// Byzantine nodes leave the active set for good and their messages are
// dropped from then on.
//
// # Usage Example
//
//	net := engine.NewLocalNetwork(logger)
//	eng, _ := engine.NewEngine(cfg, signer, registry, w, net, logger)
//	net.Join(eng)
//	net.Start()
//	_ = eng.Start(ctx)
//
//	id, _ := eng.Propose("store", "alice", payload)
//	op, err := eng.WaitForCommit(ctx, id)
//
// # Thread Safety
//
// All public methods are safe for concurrent use. Commit handlers and
// Byzantine observers run outside the engine lock.
package engine
