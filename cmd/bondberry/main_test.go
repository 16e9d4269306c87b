package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestKeygenIsStable(t *testing.T) {
	dir := t.TempDir()

	first, err := execute(t, "keygen", "--data-dir", dir, "--node-id", "alpha")
	require.NoError(t, err)
	assert.Contains(t, first, "node_id:    alpha")

	second, err := execute(t, "keygen", "--data-dir", dir, "--node-id", "alpha")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	third, err := execute(t, "keygen", "--data-dir", dir, "--node-id", "alpha", "--force")
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestSimulate(t *testing.T) {
	out, err := execute(t, "simulate", "--data-dir", t.TempDir(), "--uploads", "2")
	require.NoError(t, err, out)

	assert.Contains(t, out, "nodes: node0, node1, node2, node3")
	assert.Contains(t, out, "timeline: 1 verified, 1 failed verification")
	assert.Contains(t, out, "corrupted=1 recovered=1 failed=0")
	assert.Contains(t, out, "timeline: 2 verified, 0 failed verification")
}

func TestSimulateReportsByzantinePeer(t *testing.T) {
	out, err := execute(t, "simulate", "--data-dir", t.TempDir(), "--uploads", "1", "--byzantine", "node3")
	require.NoError(t, err, out)
	assert.Contains(t, out, "reported node3 as byzantine")
	assert.Contains(t, out, "byzantine=1")
}

func TestUnknownConfigFails(t *testing.T) {
	_, err := execute(t, "run", "--config", "/does/not/exist.yaml")
	assert.Error(t, err)
}
