package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/bondberry/collections"
	"github.com/blockberries/bondberry/config"
	"github.com/blockberries/bondberry/internal/logging"
	"github.com/blockberries/bondberry/storage"
	"github.com/blockberries/bondberry/types"
)

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.NodeID = "local"
	cfg.Peers = []types.NodeID{"p1", "p2", "p3"}
	cfg.DataDir = dir
	cfg.CheckpointInterval = 0
	cfg.Consensus.HeartbeatInterval = 20 * time.Millisecond
	cfg.Consensus.ConsensusTimeout = 2 * time.Second
	cfg.Manager.MonitorInterval = 50 * time.Millisecond
	cfg.Audit.FlushInterval = 0
	cfg.Resolve()
	require.NoError(t, cfg.ValidateBasic())
	return cfg
}

func startNode(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	n, err := New(cfg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	return n
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNodeLifecycle(t *testing.T) {
	n := startNode(t, testConfig(t, t.TempDir()))
	assert.ErrorIs(t, n.Start(context.Background()), ErrAlreadyStarted)

	assert.Equal(t, types.NodeID("local"), n.ID())
	assert.Equal(t, []types.NodeID{"local", "p1", "p2", "p3"}, n.Nodes())

	status := n.Manager().Status()
	assert.True(t, status.IsActive)
	assert.Equal(t, []types.NodeID{"local", "p1", "p2", "p3"}, status.ActiveNodes)

	_, err := n.CollectionsOf("nobody")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = n.Engine("local", "nope")
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, n.Stop())
	assert.ErrorIs(t, n.Stop(), ErrNotStarted)
	assert.ErrorIs(t, n.Start(context.Background()), ErrNotStarted)
}

func TestNodeReplicatesAcrossSimulatedPeers(t *testing.T) {
	n := startNode(t, testConfig(t, t.TempDir()))
	defer n.Stop()
	ctx := testContext(t)

	rel, err := n.Collections().CreateRelationship(ctx, "local", "p1")
	require.NoError(t, err)
	ev, _, err := n.Collections().UploadEvidence(ctx, "local", rel.ID, make([]byte, 64),
		collections.EvidenceMetadata{Timestamp: time.Now().UnixNano(), ContentType: "text/plain"})
	require.NoError(t, err)

	for _, id := range n.Nodes() {
		c, err := n.CollectionsOf(id)
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			_, err := c.Evidence().Retrieve(ev.Key())
			return err == nil
		}, 2*time.Second, 5*time.Millisecond, "node %s", id)
	}

	entry, err := n.Collections().Evidence().Entry(ev.Key())
	require.NoError(t, err)
	assert.Len(t, entry.Replicas, 3)

	report := n.Manager().HealthCheck()
	assert.Equal(t, "active", report.ConsensusStatus)
	assert.Empty(t, report.CriticalIssues)
	assert.Equal(t, 1, report.Topology.FaultTolerance)
	assert.Equal(t, 3, report.Topology.ConsensusThreshold)
}

func TestNodeReportEvictsFromEveryEngine(t *testing.T) {
	n := startNode(t, testConfig(t, t.TempDir()))
	defer n.Stop()

	require.NoError(t, n.Manager().ReportByzantineBehavior("local", "p3", "equivocation", []byte("proof")))

	for _, id := range []types.NodeID{"local", "p1", "p2"} {
		for _, collection := range []string{collections.EvidenceCollection, collections.RelationshipCollection, collections.InviteCollection} {
			eng, err := n.Engine(id, collection)
			require.NoError(t, err)
			assert.True(t, eng.IsByzantine("p3"), "%s/%s", id, collection)
		}
	}
	status := n.Manager().Status()
	assert.Equal(t, uint64(1), status.ByzantineDetections)
	assert.Equal(t, []types.NodeID{"p3"}, status.ByzantineNodes)

	// the remaining three still commit
	ctx := testContext(t)
	_, err := n.Collections().CreateRelationship(ctx, "local", "p1")
	require.NoError(t, err)
}

func TestNodeRecoversTamperedEntry(t *testing.T) {
	n := startNode(t, testConfig(t, t.TempDir()))
	defer n.Stop()
	ctx := testContext(t)

	inv, _, err := n.Collections().CreateInvite(ctx, "local", "p1@example.com", "Local", 0)
	require.NoError(t, err)
	require.NoError(t, n.Collections().Invites().Tamper(inv.ID, func(e *storage.StorageEntry[collections.Invite]) {
		e.Data.PartnerEmail = "mallory@example.com"
	}))
	_, err = n.Collections().Invite(inv.ID)
	assert.ErrorIs(t, err, types.ErrIntegrityFailure)

	report, err := n.Manager().RecoverSystem(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.CorruptedFound)
	assert.Equal(t, 1, report.Recovered)

	got, err := n.Collections().Invite(inv.ID)
	require.NoError(t, err)
	assert.Equal(t, "p1@example.com", got.PartnerEmail)
}

func TestNodeRestartKeepsLocalData(t *testing.T) {
	dir := t.TempDir()
	n := startNode(t, testConfig(t, dir))
	ctx := testContext(t)

	rel, err := n.Collections().CreateRelationship(ctx, "local", "p2")
	require.NoError(t, err)
	before, err := n.Engine("local", collections.RelationshipCollection)
	require.NoError(t, err)
	seq := before.Roster().Sequence
	require.NoError(t, n.Stop())

	n = startNode(t, testConfig(t, dir))
	defer n.Stop()

	got, err := n.Collections().Relationship(rel.ID)
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("p2"), got.Partner2)

	// simulated peers restart empty and catch up from the local node
	peer, err := n.Engine("p1", collections.RelationshipCollection)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, peer.Roster().Sequence, seq)

	_, err = n.Collections().CreateRelationship(ctx, "local", "p3")
	require.NoError(t, err)
}

func TestNodeWritesAuditLog(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	n := startNode(t, cfg)
	require.NoError(t, n.Manager().ReportByzantineBehavior("local", "p1", "flooding", nil))
	require.NoError(t, n.Stop())

	require.NoError(t, logging.VerifyLog(cfg.Audit.FilePath, nil))
}
