package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/bondberry/types"
)

func makeTestOperation(required int) *types.Operation {
	return &types.Operation{
		ID:                 "op-1",
		Type:               "store",
		Initiator:          "alice",
		Timestamp:          1000,
		Data:               []byte("data"),
		RequiredSignatures: required,
	}
}

func testSig(signer types.NodeID) types.Signature {
	return types.Signature{Signer: signer, Bytes: []byte("sig-" + signer), Timestamp: time.Now().UnixNano()}
}

func acceptAll(types.Signature) error { return nil }

func TestVoteTrackerBasic(t *testing.T) {
	vt := NewVoteTracker(makeTestOperation(3), 2, 7)

	assert.Equal(t, vt.Operation().Digest(), vt.Digest())
	assert.False(t, vt.HasPrevoteQuorum())
	assert.False(t, vt.HasCommitQuorum())
	assert.Equal(t, 0, vt.Precommits())

	select {
	case <-vt.Done():
		t.Fatal("done before finish")
	default:
	}
}

func TestVoteTrackerPrevotes(t *testing.T) {
	vt := NewVoteTracker(makeTestOperation(3), 0, 1)

	for _, id := range []types.NodeID{"a", "b"} {
		added, err := vt.AddPrevote(testSig(id), acceptAll)
		require.NoError(t, err)
		assert.True(t, added)
	}
	assert.False(t, vt.HasPrevoteQuorum())

	added, err := vt.AddPrevote(testSig("a"), acceptAll)
	require.NoError(t, err)
	assert.False(t, added, "duplicate signer")

	added, err = vt.AddPrevote(testSig("c"), acceptAll)
	require.NoError(t, err)
	assert.True(t, added)
	assert.True(t, vt.HasPrevoteQuorum())
	assert.Len(t, vt.Operation().CollectedSignatures, 3)
}

func TestVoteTrackerRejectsBadPrevotes(t *testing.T) {
	vt := NewVoteTracker(makeTestOperation(3), 0, 1)

	bad := errors.New("bad signature")
	_, err := vt.AddPrevote(testSig("a"), func(types.Signature) error { return bad })
	assert.ErrorIs(t, err, bad)

	future := testSig("b")
	future.Timestamp = time.Now().Add(MaxTimestampDrift + time.Minute).UnixNano()
	_, err = vt.AddPrevote(future, acceptAll)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	past := testSig("c")
	past.Timestamp = time.Now().Add(-MaxTimestampDrift - time.Minute).UnixNano()
	_, err = vt.AddPrevote(past, acceptAll)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	assert.Empty(t, vt.Operation().CollectedSignatures)
}

func TestVoteTrackerCommitQuorumNeedsBoth(t *testing.T) {
	vt := NewVoteTracker(makeTestOperation(3), 0, 1)

	for _, id := range []types.NodeID{"a", "b", "c"} {
		assert.True(t, vt.AddPrecommit(id))
	}
	assert.False(t, vt.AddPrecommit("a"))
	assert.Equal(t, 3, vt.Precommits())
	assert.False(t, vt.HasCommitQuorum(), "precommits alone are not enough")

	for _, id := range []types.NodeID{"a", "b", "c"} {
		_, err := vt.AddPrevote(testSig(id), acceptAll)
		require.NoError(t, err)
	}
	assert.True(t, vt.HasCommitQuorum())
}

func TestVoteTrackerFinishIsIdempotent(t *testing.T) {
	vt := NewVoteTracker(makeTestOperation(1), 0, 1)
	vt.finish()
	vt.finish()
	<-vt.Done()
}
