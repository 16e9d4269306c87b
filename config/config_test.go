package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/bondberry/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bondberry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("node0"), cfg.NodeID)
	assert.Equal(t, cfg.NodeID, cfg.Consensus.NodeID)
	assert.Equal(t, cfg.NodeID, cfg.Manager.NodeID)
	assert.Equal(t, filepath.Join("data", "audit.log"), cfg.Audit.FilePath)
	assert.Equal(t, filepath.Join("data", "node_key.json"), cfg.KeyFile)
	assert.Equal(t, 3*time.Second, cfg.Consensus.ConsensusTimeout)
	assert.Equal(t, 3, cfg.Collections.Evidence.ReplicationFactor)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
node_id: alpha
data_dir: /var/lib/bondberry
peers: [beta, gamma]
consensus:
  consensus_timeout: 5s
  heartbeat_interval: 250ms
collections:
  evidence:
    replication_factor: 2
manager:
  max_recovery_attempts: 5
  thresholds:
    min_uptime: 90
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("alpha"), cfg.NodeID)
	assert.Equal(t, []types.NodeID{"beta", "gamma"}, cfg.Peers)
	assert.Equal(t, 5*time.Second, cfg.Consensus.ConsensusTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Consensus.HeartbeatInterval)
	assert.Equal(t, 6, cfg.Consensus.MaxMissedHeartbeats, "unset fields keep defaults")
	assert.Equal(t, 2, cfg.Collections.Evidence.ReplicationFactor)
	assert.Equal(t, "evidence", cfg.Collections.Evidence.Collection)
	assert.Equal(t, 3, cfg.Collections.Invites.ReplicationFactor)
	assert.Equal(t, 5, cfg.Manager.MaxRecoveryAttempts)
	assert.Equal(t, 90.0, cfg.Manager.Thresholds.MinUptime)
	assert.Equal(t, "/var/lib/bondberry/audit.log", cfg.Audit.FilePath)
	assert.Equal(t, "/var/lib/bondberry/bondberry.db", cfg.BoltPath())
	assert.Equal(t, "/var/lib/bondberry/wal/invites", cfg.WALDir("invites"))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BONDBERRY_NODE_ID", "envnode")
	t.Setenv("BONDBERRY_PEERS", "p1, p2 ,,p3")
	t.Setenv("BONDBERRY_CONSENSUS_TIMEOUT", "750ms")
	t.Setenv("BONDBERRY_REPLICATION_FACTOR", "4")

	cfg, err := Load(writeConfig(t, "node_id: filenode\n"))
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("envnode"), cfg.NodeID)
	assert.Equal(t, types.NodeID("envnode"), cfg.Consensus.NodeID)
	assert.Equal(t, []types.NodeID{"p1", "p2", "p3"}, cfg.Peers)
	assert.Equal(t, 750*time.Millisecond, cfg.Consensus.ConsensusTimeout)
	assert.Equal(t, 4, cfg.Collections.Relationships.ReplicationFactor)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "node_id: [not, a, string\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "peers: [node0]\n"))
	assert.ErrorIs(t, err, types.ErrValidation, "a node cannot be its own peer")

	t.Setenv("BONDBERRY_CONSENSUS_TIMEOUT", "soon")
	_, err = Load("")
	assert.ErrorIs(t, err, types.ErrValidation)
}
