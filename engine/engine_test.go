package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/bondberry/evidence"
	"github.com/blockberries/bondberry/privval"
	"github.com/blockberries/bondberry/types"
	"github.com/blockberries/bondberry/wal"
)

const testDomain = "evidence"

func testSeed(id types.NodeID) []byte {
	return []byte("bondberry-test-seed/" + id)
}

func testConfig(id types.NodeID) *Config {
	cfg := DefaultConfig()
	cfg.Domain = testDomain
	cfg.NodeID = id
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.ConsensusTimeout = time.Second
	return cfg
}

type testCluster struct {
	net      *LocalNetwork
	registry *privval.Registry
	engines  map[types.NodeID]*Engine
	signers  map[types.NodeID]*privval.MemoryPV
	order    []types.NodeID
}

// newTestCluster creates one engine per id, all joined to one network and
// aware of each other. Engines are not started; tests drive delivery with
// net.Flush.
func newTestCluster(t *testing.T, mutate func(*Config), ids ...types.NodeID) *testCluster {
	t.Helper()
	c := &testCluster{
		net:      NewLocalNetwork(nil),
		registry: privval.NewRegistry(privval.DefaultRegistryConfig()),
		engines:  make(map[types.NodeID]*Engine),
		signers:  make(map[types.NodeID]*privval.MemoryPV),
		order:    ids,
	}
	for _, id := range ids {
		cfg := testConfig(id)
		if mutate != nil {
			mutate(cfg)
		}
		signer := privval.NewMemoryPVFromSeed(id, testSeed(id))
		eng, err := NewEngine(cfg, signer, c.registry, nil, c.net, nil)
		require.NoError(t, err)
		c.engines[id] = eng
		c.signers[id] = signer
		c.net.Join(eng)
	}
	for _, eng := range c.engines {
		for _, id := range ids {
			require.NoError(t, eng.AddNode(id))
		}
	}
	t.Cleanup(c.net.Stop)
	return c
}

func (c *testCluster) engine(id types.NodeID) *Engine { return c.engines[id] }

// signed builds a message from sender signed with its cluster key
func (c *testCluster) signed(t *testing.T, sender types.NodeID, msgType types.MessageType, view, seq uint64, hash types.Hash, body *types.MessageBody) *types.Message {
	t.Helper()
	return signedWith(t, c.signers[sender], msgType, view, seq, hash, body)
}

func signedWith(t *testing.T, signer privval.Signer, msgType types.MessageType, view, seq uint64, hash types.Hash, body *types.MessageBody) *types.Message {
	t.Helper()
	msg := &types.Message{
		Type:     msgType,
		View:     view,
		Sequence: seq,
		DataHash: hash,
	}
	if body != nil {
		payload, err := types.Marshal(body)
		require.NoError(t, err)
		msg.Payload = payload
	}
	require.NoError(t, signer.SignMessage(testDomain, msg))
	return msg
}

func TestNewEngineValidates(t *testing.T) {
	registry := privval.NewRegistry(privval.DefaultRegistryConfig())
	signer := privval.NewMemoryPVFromSeed("alice", testSeed("alice"))
	net := NewLocalNetwork(nil)

	_, err := NewEngine(testConfig("bob"), signer, registry, nil, net, nil)
	assert.ErrorIs(t, err, types.ErrValidation, "signer must match node id")

	cfg := testConfig("alice")
	cfg.ConsensusTimeout = 0
	_, err = NewEngine(cfg, signer, registry, nil, net, nil)
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = NewEngine(testConfig("alice"), signer, registry, nil, nil, nil)
	assert.ErrorIs(t, err, types.ErrValidation)

	eng, err := NewEngine(testConfig("alice"), signer, registry, nil, net, nil)
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{"alice"}, eng.Roster().Active)
	assert.True(t, registry.Has("alice"))
}

func TestSingleNodeCommit(t *testing.T) {
	c := newTestCluster(t, nil, "alice")
	eng := c.engine("alice")

	var handled []*types.Operation
	eng.SetCommitHandler(func(op *types.Operation) error {
		handled = append(handled, op)
		return nil
	})

	id, err := eng.Propose("store", "alice", []byte("payload"))
	require.NoError(t, err)
	c.net.Flush()

	op, err := eng.WaitForCommit(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.OperationCommitted, op.Status)
	assert.Equal(t, 1, op.RequiredSignatures)
	assert.Len(t, op.CollectedSignatures, 1)
	assert.True(t, op.HasQuorum())

	require.Len(t, handled, 1)
	assert.Equal(t, id, handled[0].ID)
	assert.Equal(t, []byte("payload"), handled[0].Data)

	assert.Equal(t, []string{id}, eng.CommittedOperations())
	assert.Equal(t, uint64(1), eng.Roster().Sequence)
	assert.Empty(t, eng.PendingOperations())
}

func TestFourNodeCommit(t *testing.T) {
	ids := []types.NodeID{"A", "B", "C", "D"}
	c := newTestCluster(t, nil, ids...)

	var mu sync.Mutex
	executed := make(map[types.NodeID]int)
	for _, id := range ids {
		id := id
		c.engine(id).SetCommitHandler(func(op *types.Operation) error {
			mu.Lock()
			executed[id]++
			mu.Unlock()
			return nil
		})
	}

	opID, err := c.engine("A").Propose("store", "alice", []byte("x"))
	require.NoError(t, err)
	c.net.Flush()

	op, err := c.engine("A").WaitForCommit(context.Background(), opID)
	require.NoError(t, err)
	assert.Equal(t, 3, op.RequiredSignatures)
	assert.GreaterOrEqual(t, len(op.CollectedSignatures), 3)

	for _, id := range ids {
		eng := c.engine(id)
		assert.Equal(t, []string{opID}, eng.CommittedOperations(), "node %s", id)
		assert.Equal(t, uint64(1), eng.Roster().Sequence, "node %s", id)
		assert.Equal(t, 1, executed[id], "node %s executes once", id)
		assert.Empty(t, eng.Roster().Byzantine)
	}

	// A second operation reuses nothing from the first
	opID2, err := c.engine("B").Propose("store", "bob", []byte("y"))
	require.NoError(t, err)
	c.net.Flush()
	_, err = c.engine("B").WaitForCommit(context.Background(), opID2)
	require.NoError(t, err)
	for _, id := range ids {
		assert.Equal(t, []string{opID, opID2}, c.engine(id).CommittedOperations())
	}
}

func TestProposeSlotBusy(t *testing.T) {
	c := newTestCluster(t, nil, "A", "B", "C", "D")
	eng := c.engine("A")

	_, err := eng.Propose("store", "alice", nil)
	require.NoError(t, err)
	_, err = eng.Propose("store", "alice", nil)
	assert.ErrorIs(t, err, ErrSlotBusy)
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = eng.Propose("", "alice", nil)
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = eng.Propose("store", "", nil)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestEquivocationFlagsSender(t *testing.T) {
	ids := []types.NodeID{"A", "B", "C", "D"}
	c := newTestCluster(t, nil, ids...)
	eng := c.engine("A")

	var observed []types.NodeID
	eng.SetByzantineObserver(func(domain string, node types.NodeID, behavior evidence.Behavior) {
		assert.Equal(t, testDomain, domain)
		assert.Equal(t, evidence.BehaviorEquivocation, behavior)
		observed = append(observed, node)
	})

	// A second signer with B's key bypasses B's own double-sign guard
	twin := privval.NewMemoryPVFromSeed("B", testSeed("B"))
	h1 := types.HashBytes([]byte("H1"))
	h2 := types.HashBytes([]byte("H2"))
	body := &types.MessageBody{OperationID: "op-1"}

	first := c.signed(t, "B", types.MessageTypePrecommit, 1, 1, h1, body)
	require.NoError(t, eng.ProcessMessage(first))

	second := signedWith(t, twin, types.MessageTypePrecommit, 1, 1, h2, body)
	err := eng.ProcessMessage(second)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrByzantineRejection)

	roster := eng.Roster()
	assert.Equal(t, []types.NodeID{"B"}, roster.Byzantine)
	assert.Equal(t, []types.NodeID{"A", "C", "D"}, roster.Active)
	assert.Equal(t, []types.NodeID{"B"}, observed)

	evs := eng.Evidence()
	require.Len(t, evs, 1)
	assert.Equal(t, evidence.BehaviorEquivocation, evs[0].Behavior)
	assert.Len(t, evs[0].Messages, 2)
	assert.NoError(t, evidence.VerifyEquivocation(evs[0], c.registry))

	// Everything from B is refused from now on
	err = eng.ProcessMessage(c.signed(t, "B", types.MessageTypeHeartbeat, 0, 0, types.HeartbeatHash("B"), nil))
	assert.ErrorIs(t, err, ErrNodeByzantine)
	assert.ErrorIs(t, eng.AddNode("B"), ErrNodeByzantine)
}

func TestFloodingFlagsSender(t *testing.T) {
	c := newTestCluster(t, func(cfg *Config) {
		cfg.FloodThreshold = 5
		cfg.FloodWindow = time.Minute
	}, "A", "B", "C", "D")
	eng := c.engine("A")

	var err error
	sent := 0
	for ; sent < 20; sent++ {
		hb := c.signed(t, "B", types.MessageTypeHeartbeat, 0, 0, types.HeartbeatHash("B"), nil)
		if err = eng.ProcessMessage(hb); err != nil {
			break
		}
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrByzantineRejection)
	assert.Equal(t, 6, sent, "six messages fit under a threshold of five")
	assert.True(t, eng.IsByzantine("B"))

	evs := eng.Evidence()
	require.Len(t, evs, 1)
	assert.Equal(t, evidence.BehaviorFlooding, evs[0].Behavior)
}

func TestInvalidOrderingFlagsSender(t *testing.T) {
	c := newTestCluster(t, nil, "A", "B", "C", "D")
	eng := c.engine("A")

	ahead := c.signed(t, "C", types.MessageTypeHeartbeat, 0, 5, types.HeartbeatHash("C"), nil)
	err := eng.ProcessMessage(ahead)
	assert.ErrorIs(t, err, types.ErrByzantineRejection)
	assert.True(t, eng.IsByzantine("C"))
	assert.Equal(t, evidence.BehaviorInvalidOrdering, eng.Evidence()[0].Behavior)

	// One step ahead is tolerated
	next := c.signed(t, "D", types.MessageTypeHeartbeat, 1, 1, types.HeartbeatHash("D"), nil)
	assert.NoError(t, eng.ProcessMessage(next))
	assert.False(t, eng.IsByzantine("D"))
}

func TestInvalidSignatureFlagsSender(t *testing.T) {
	c := newTestCluster(t, nil, "A", "B", "C", "D")
	eng := c.engine("A")

	impostor, err := privval.NewMemoryPV("B")
	require.NoError(t, err)
	msg := signedWith(t, impostor, types.MessageTypeHeartbeat, 0, 0, types.HeartbeatHash("B"), nil)

	err = eng.ProcessMessage(msg)
	assert.ErrorIs(t, err, privval.ErrInvalidSignature)
	assert.True(t, eng.IsByzantine("B"))
	assert.Equal(t, evidence.BehaviorInvalidMessage, eng.Evidence()[0].Behavior)
}

func TestUnknownSenderRejected(t *testing.T) {
	c := newTestCluster(t, nil, "A", "B", "C", "D")
	eng := c.engine("A")

	stranger := privval.NewMemoryPVFromSeed("Z", testSeed("Z"))
	msg := signedWith(t, stranger, types.MessageTypeHeartbeat, 0, 0, types.HeartbeatHash("Z"), nil)

	err := eng.ProcessMessage(msg)
	assert.ErrorIs(t, err, ErrUnknownSender)
	assert.NotContains(t, eng.Roster().Active, types.NodeID("Z"))
}

func TestMalformedMessageRejected(t *testing.T) {
	c := newTestCluster(t, nil, "A", "B", "C", "D")
	eng := c.engine("A")

	assert.ErrorIs(t, eng.ProcessMessage(nil), ErrInvalidMessage)

	msg := c.signed(t, "B", types.MessageTypeHeartbeat, 0, 0, types.HeartbeatHash("B"), nil)
	msg.Signature = nil
	assert.ErrorIs(t, eng.ProcessMessage(msg), types.ErrValidation)
	assert.True(t, eng.IsByzantine("B"))
}

func TestProposalDigestMismatchFlagsProposer(t *testing.T) {
	c := newTestCluster(t, nil, "A", "B", "C", "D")
	eng := c.engine("A")

	op := &types.Operation{
		ID:                 "op-1",
		Type:               "store",
		Initiator:          "bob",
		Timestamp:          time.Now().UnixNano(),
		RequiredSignatures: 3,
	}
	msg := c.signed(t, "B", types.MessageTypePropose, 0, 1, types.HashBytes([]byte("other")),
		&types.MessageBody{OperationID: op.ID, Operation: op})

	assert.ErrorIs(t, eng.ProcessMessage(msg), ErrInvalidMessage)
	assert.True(t, eng.IsByzantine("B"))
	assert.Empty(t, eng.PendingOperations())
}

func TestTimeoutAdvancesViewAndFreesSlot(t *testing.T) {
	c := newTestCluster(t, func(cfg *Config) {
		cfg.ConsensusTimeout = 50 * time.Millisecond
	}, "A", "B", "C", "D")
	eng := c.engine("A")

	// Only A hears anything
	c.net.SetFilter(func(msg *types.Message, to types.NodeID) bool { return to == "A" })

	opID, err := eng.Propose("store", "alice", nil)
	require.NoError(t, err)
	c.net.Flush()

	op, err := eng.WaitForCommit(context.Background(), opID)
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.ErrorIs(t, err, types.ErrConsensusFailure)
	require.NotNil(t, op)
	assert.Equal(t, types.OperationTimedOut, op.Status)
	assert.Len(t, op.CollectedSignatures, 1)

	roster := eng.Roster()
	assert.Equal(t, uint64(1), roster.View)
	assert.Equal(t, uint64(0), roster.Sequence, "a timeout never consumes the slot")
	assert.Empty(t, eng.PendingOperations())

	// The view change went out, and the slot is free again
	c.net.Flush()
	opID2, err := eng.Propose("store", "alice", nil)
	require.NoError(t, err)
	assert.NotEqual(t, opID, opID2)
}

func TestWaitForCommitHonorsContext(t *testing.T) {
	c := newTestCluster(t, nil, "A", "B", "C", "D")
	eng := c.engine("A")

	opID, err := eng.Propose("store", "alice", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = eng.WaitForCommit(ctx, opID)
	assert.ErrorIs(t, err, ErrTimedOut)

	_, err = eng.WaitForCommit(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownOperation)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestViewChangeTimesOutOlderProposals(t *testing.T) {
	c := newTestCluster(t, nil, "A", "B", "C", "D")
	eng := c.engine("A")

	opID, err := eng.Propose("store", "alice", nil)
	require.NoError(t, err)

	vc := c.signed(t, "B", types.MessageTypeViewChange, 1, 0, ViewHash(1), &types.MessageBody{NewView: 1})
	require.NoError(t, eng.ProcessMessage(vc))

	assert.Equal(t, uint64(1), eng.Roster().View)
	op, err := eng.Operation(opID)
	require.NoError(t, err)
	assert.Equal(t, types.OperationTimedOut, op.Status)

	// A view change with the wrong hash is invalid
	bad := c.signed(t, "C", types.MessageTypeViewChange, 2, 0, ViewHash(7), &types.MessageBody{NewView: 2})
	assert.ErrorIs(t, eng.ProcessMessage(bad), ErrInvalidMessage)
	assert.True(t, eng.IsByzantine("C"))
}

func TestByzantineInitiatorRejected(t *testing.T) {
	c := newTestCluster(t, nil, "A", "B", "C", "D")
	eng := c.engine("A")

	opID, err := eng.Propose("store", "C", nil)
	require.NoError(t, err)

	assert.True(t, eng.FlagByzantine("C", "operator report"))
	assert.False(t, eng.FlagByzantine("C", "again"), "already flagged")
	assert.False(t, eng.FlagByzantine("A", "self"), "never flags itself")

	op, err := eng.WaitForCommit(context.Background(), opID)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, types.OperationRejected, op.Status)

	_, err = eng.Propose("store", "C", nil)
	assert.ErrorIs(t, err, ErrNodeByzantine)
	assert.ErrorIs(t, err, types.ErrByzantineRejection)

	evs := eng.Evidence()
	require.Len(t, evs, 1)
	assert.Equal(t, evidence.BehaviorReported, evs[0].Behavior)
	assert.Equal(t, "operator report", evs[0].Details)
}

func TestRequiredSignaturesFollowActiveSet(t *testing.T) {
	c := newTestCluster(t, nil, "A", "B", "C", "D", "E", "F", "G")
	eng := c.engine("A")

	opID, err := eng.Propose("store", "alice", nil)
	require.NoError(t, err)
	op, err := eng.Operation(opID)
	require.NoError(t, err)
	assert.Equal(t, 5, op.RequiredSignatures, "n=7 tolerates f=2")
}

func TestHeartbeatAddsNodeAndSilentNodesAreEvicted(t *testing.T) {
	c := newTestCluster(t, func(cfg *Config) {
		cfg.MaxMissedHeartbeats = 3
	}, "A", "B")
	eng := c.engine("A")

	// E is registered but unknown to A's active set
	e := privval.NewMemoryPVFromSeed("E", testSeed("E"))
	require.NoError(t, c.registry.RegisterSigner(e))
	hb := signedWith(t, e, types.MessageTypeHeartbeat, 0, 0, types.HeartbeatHash("E"), nil)
	require.NoError(t, eng.ProcessMessage(hb))
	assert.Contains(t, eng.Roster().Active, types.NodeID("E"))

	// Nothing is silent yet
	assert.Empty(t, eng.EvictSilent(time.Now()))

	later := time.Now().Add(10 * eng.config.HeartbeatInterval)
	evicted := eng.EvictSilent(later)
	assert.ElementsMatch(t, []types.NodeID{"B", "E"}, evicted)
	assert.Equal(t, []types.NodeID{"A"}, eng.Roster().Active)

	// A fresh heartbeat brings B back
	require.NoError(t, eng.ProcessMessage(c.signed(t, "B", types.MessageTypeHeartbeat, 0, 0, types.HeartbeatHash("B"), nil)))
	assert.Contains(t, eng.Roster().Active, types.NodeID("B"))
}

func TestEvictionDisabled(t *testing.T) {
	c := newTestCluster(t, func(cfg *Config) {
		cfg.MaxMissedHeartbeats = 0
	}, "A", "B")
	assert.Nil(t, c.engine("A").EvictSilent(time.Now().Add(time.Hour)))
	assert.Len(t, c.engine("A").Roster().Active, 2)
}

func TestCommitHandlerErrorDoesNotUndoCommit(t *testing.T) {
	c := newTestCluster(t, nil, "alice")
	eng := c.engine("alice")
	eng.SetCommitHandler(func(op *types.Operation) error {
		return assert.AnError
	})

	id, err := eng.Propose("store", "alice", nil)
	require.NoError(t, err)
	c.net.Flush()

	op, err := eng.WaitForCommit(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.OperationCommitted, op.Status)
}

func TestEngineStartStop(t *testing.T) {
	c := newTestCluster(t, nil, "alice")
	eng := c.engine("alice")
	c.net.Start()

	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	assert.ErrorIs(t, eng.Start(ctx), ErrAlreadyStarted)

	id, err := eng.Propose("store", "alice", []byte("live"))
	require.NoError(t, err)
	op, err := eng.WaitForCommit(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.OperationCommitted, op.Status)

	require.NoError(t, eng.Stop())
	assert.ErrorIs(t, eng.Stop(), ErrNotStarted)
}

func TestTimeoutTickerExpiresOperation(t *testing.T) {
	c := newTestCluster(t, func(cfg *Config) {
		cfg.ConsensusTimeout = 30 * time.Millisecond
	}, "A", "B", "C", "D")
	eng := c.engine("A")
	require.NoError(t, eng.Start(context.Background()))
	defer eng.Stop()

	opID, err := eng.Propose("store", "alice", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		op, err := eng.Operation(opID)
		return err == nil && op.Status == types.OperationTimedOut
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), eng.Roster().View)
}

func TestMessageLogIsBounded(t *testing.T) {
	c := newTestCluster(t, func(cfg *Config) {
		cfg.MaxLoggedMessages = 3
	}, "A", "B")
	eng := c.engine("A")

	for i := 0; i < 5; i++ {
		require.NoError(t, eng.ProcessMessage(c.signed(t, "B", types.MessageTypeHeartbeat, 0, 0, types.HeartbeatHash("B"), nil)))
	}
	assert.Equal(t, 3, eng.LoggedMessages())
	peers := eng.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, uint64(5), peers[0].MessagesReceived)
}

func TestVerifyDataIntegrity(t *testing.T) {
	c := newTestCluster(t, nil, "alice")
	data := []byte("evidence record")
	assert.True(t, c.engine("alice").VerifyDataIntegrity(types.HashBytes(data), data))
	assert.False(t, c.engine("alice").VerifyDataIntegrity(types.HashBytes(data), []byte("tampered")))
}

func TestCheckpointRoundTrip(t *testing.T) {
	c := newTestCluster(t, nil, "alice")
	eng := c.engine("alice")

	var ids []string
	for i := 0; i < 2; i++ {
		id, err := eng.Propose("store", "alice", nil)
		require.NoError(t, err)
		c.net.Flush()
		_, err = eng.WaitForCommit(context.Background(), id)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	data, err := eng.CreateCheckpoint()
	require.NoError(t, err)
	assert.False(t, eng.LastCheckpoint().IsZero())

	registry := privval.NewRegistry(privval.DefaultRegistryConfig())
	fresh, err := NewEngine(testConfig("bob"), privval.NewMemoryPVFromSeed("bob", testSeed("bob")),
		registry, nil, NewLocalNetwork(nil), nil)
	require.NoError(t, err)

	require.NoError(t, fresh.RestoreCheckpoint(data))
	roster := fresh.Roster()
	assert.Equal(t, uint64(2), roster.Sequence)
	assert.Equal(t, ids, fresh.CommittedOperations())
	assert.ElementsMatch(t, []types.NodeID{"alice", "bob"}, roster.Active)

	// Going backwards is refused
	empty, err := types.Marshal(&Checkpoint{})
	require.NoError(t, err)
	assert.ErrorIs(t, fresh.RestoreCheckpoint(empty), ErrStaleCheckpoint)

	assert.ErrorIs(t, fresh.RestoreCheckpoint([]byte("junk")), types.ErrValidation)
}

func TestCheckpointSkipsByzantineNodes(t *testing.T) {
	c := newTestCluster(t, nil, "A", "B", "C", "D")
	data, err := c.engine("A").CreateCheckpoint()
	require.NoError(t, err)

	eng := c.engine("B")
	require.True(t, eng.FlagByzantine("C", "test"))
	require.NoError(t, eng.RestoreCheckpoint(data))
	assert.NotContains(t, eng.Roster().Active, types.NodeID("C"))
	assert.Equal(t, []types.NodeID{"C"}, eng.Roster().Byzantine)
}

func TestEngineRecoversFromWAL(t *testing.T) {
	dir := t.TempDir()
	registry := privval.NewRegistry(privval.DefaultRegistryConfig())
	signer := privval.NewMemoryPVFromSeed("alice", testSeed("alice"))

	start := func() (*Engine, *LocalNetwork) {
		w, err := wal.NewFileWAL(dir)
		require.NoError(t, err)
		net := NewLocalNetwork(nil)
		eng, err := NewEngine(testConfig("alice"), signer, registry, w, net, nil)
		require.NoError(t, err)
		net.Join(eng)
		net.Start()
		require.NoError(t, eng.Start(context.Background()))
		return eng, net
	}

	eng, net := start()
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := eng.Propose("store", "alice", nil)
		require.NoError(t, err)
		_, err = eng.WaitForCommit(context.Background(), id)
		require.NoError(t, err)
		ids = append(ids, id)
		if i == 0 {
			_, err := eng.CreateCheckpoint()
			require.NoError(t, err)
		}
	}
	require.NoError(t, eng.Stop())
	net.Stop()

	eng, net = start()
	defer net.Stop()
	defer eng.Stop()

	assert.Equal(t, uint64(3), eng.Roster().Sequence)
	assert.Equal(t, ids, eng.CommittedOperations())

	// The recovered engine keeps going from the next slot
	id, err := eng.Propose("store", "alice", nil)
	require.NoError(t, err)
	_, err = eng.WaitForCommit(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), eng.Roster().Sequence)
}

func TestProposalBudget(t *testing.T) {
	tests := []struct {
		name      string
		threshold int
		heartbeat time.Duration
		want      int
	}{
		{"defaults", 100, time.Second, 88},
		{"fast heartbeats", 100, 20 * time.Millisecond, 39},
		{"small threshold", 20, time.Second, 16},
		{"heartbeats use everything", 10, time.Millisecond, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.FloodThreshold = tt.threshold
			cfg.HeartbeatInterval = tt.heartbeat
			assert.Equal(t, tt.want, cfg.ProposalBudget())
		})
	}
}

func TestProposeStopsAtBudget(t *testing.T) {
	c := newTestCluster(t, func(cfg *Config) {
		cfg.FloodThreshold = 20
		cfg.HeartbeatInterval = time.Second
	}, "alice")
	eng := c.engine("alice")
	budget := eng.config.ProposalBudget()
	require.Equal(t, 16, budget)

	for i := 0; i < budget; i++ {
		id, err := eng.Propose("store", "alice", []byte{byte(i)})
		require.NoError(t, err, "proposal %d", i)
		c.net.Flush()
		_, err = eng.WaitForCommit(context.Background(), id)
		require.NoError(t, err)
	}

	_, err := eng.Propose("store", "alice", []byte("over"))
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.ErrorIs(t, err, ErrSlotBusy)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestRepliesDoNotCountAsFlooding(t *testing.T) {
	ids := []types.NodeID{"A", "B", "C", "D"}
	c := newTestCluster(t, func(cfg *Config) {
		cfg.FloodThreshold = 10
		cfg.HeartbeatInterval = time.Second
	}, ids...)
	eng := c.engine("A")
	budget := eng.config.ProposalBudget()
	require.Equal(t, 7, budget)

	// every follower sends three replies per operation, well past ten
	for i := 0; i < budget; i++ {
		id, err := eng.Propose("store", "alice", []byte{byte(i)})
		require.NoError(t, err, "proposal %d", i)
		c.net.Flush()
		_, err = eng.WaitForCommit(context.Background(), id)
		require.NoError(t, err, "proposal %d", i)
	}

	for _, id := range ids {
		roster := c.engine(id).Roster()
		assert.Empty(t, roster.Byzantine, "node %s", id)
		assert.Len(t, roster.Active, 4, "node %s", id)
		assert.Equal(t, uint64(budget), roster.Sequence, "node %s", id)
	}
}
