package evidence

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/bondberry/privval"
	"github.com/blockberries/bondberry/types"
)

func makeSignedMessage(t *testing.T, pv privval.Signer, mt types.MessageType, view, seq uint64, data string) *types.Message {
	t.Helper()
	msg := &types.Message{
		Type:     mt,
		View:     view,
		Sequence: seq,
		DataHash: types.HashBytes([]byte(data)),
	}
	require.NoError(t, pv.SignMessage("evidence", msg))
	return msg
}

func TestPoolNew(t *testing.T) {
	pool := NewPool(DefaultConfig())
	require.NotNil(t, pool)
	assert.Equal(t, 0, pool.Size())
}

func TestPoolAddEvidence(t *testing.T) {
	pool := NewPool(DefaultConfig())
	pool.Update(time.Now())

	ev := NewEvidence("evidence", "mallory", BehaviorFlooding, "150 messages within 1s")
	require.NoError(t, pool.AddEvidence(ev))
	assert.Equal(t, 1, pool.Size())

	// Same offence reported again
	again := NewEvidence("evidence", "mallory", BehaviorFlooding, "150 messages within 1s")
	assert.ErrorIs(t, pool.AddEvidence(again), ErrDuplicateEvidence)

	// Different behavior by the same node is separate evidence
	require.NoError(t, pool.AddEvidence(NewEvidence("evidence", "mallory", BehaviorInvalidOrdering, "view jump")))
	assert.Len(t, pool.ForNode("mallory"), 2)
	assert.Empty(t, pool.ForNode("alice"))
}

func TestPoolRejectsInvalid(t *testing.T) {
	pool := NewPool(DefaultConfig())

	assert.ErrorIs(t, pool.AddEvidence(nil), ErrInvalidEvidence)
	assert.ErrorIs(t, pool.AddEvidence(&Evidence{Behavior: BehaviorFlooding, DetectedAt: time.Now()}), ErrInvalidEvidence)
	assert.ErrorIs(t, pool.AddEvidence(&Evidence{Node: "x", DetectedAt: time.Now()}), ErrInvalidEvidence)
}

func TestPoolExpiredEvidence(t *testing.T) {
	config := DefaultConfig()
	config.MaxAge = time.Hour

	pool := NewPool(config)
	now := time.Now()
	pool.Update(now)

	old := NewEvidence("d", "mallory", BehaviorReported, "old")
	old.DetectedAt = now.Add(-2 * time.Hour)
	assert.ErrorIs(t, pool.AddEvidence(old), ErrEvidenceExpired)

	fresh := NewEvidence("d", "mallory", BehaviorReported, "fresh")
	require.NoError(t, pool.AddEvidence(fresh))

	pool.Update(now.Add(3 * time.Hour))
	assert.Equal(t, 0, pool.Size())

	// Pruned evidence can be reported again
	fresh.DetectedAt = now.Add(3 * time.Hour)
	require.NoError(t, pool.AddEvidence(fresh))
}

func TestPoolBoundedSize(t *testing.T) {
	config := DefaultConfig()
	config.MaxEvidence = 3
	pool := NewPool(config)

	base := time.Now()
	for i := 0; i < 5; i++ {
		ev := NewEvidence("d", types.NodeID(string(rune('a'+i))), BehaviorReported, "x")
		ev.DetectedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, pool.AddEvidence(ev))
	}

	list := pool.List()
	require.Len(t, list, 3)
	assert.Equal(t, types.NodeID("c"), list[0].Node)
	assert.Equal(t, types.NodeID("e"), list[2].Node)
}

func TestVerifyEquivocation(t *testing.T) {
	pv := privval.NewMemoryPVFromSeed("mallory", []byte("mallory"))
	reg := privval.NewRegistry(privval.DefaultRegistryConfig())
	require.NoError(t, reg.RegisterSigner(pv))

	// Two signers with the same key bypass the local double-sign guard,
	// which is what a compromised node looks like
	twin := privval.NewMemoryPVFromSeed("mallory", []byte("mallory"))

	a := makeSignedMessage(t, pv, types.MessageTypePrecommit, 0, 1, "H1")
	b := makeSignedMessage(t, twin, types.MessageTypePrecommit, 0, 1, "H2")

	ev := NewEvidence("evidence", "mallory", BehaviorEquivocation, "", a, b)
	require.NoError(t, VerifyEquivocation(ev, reg))

	t.Run("same hash", func(t *testing.T) {
		ev := NewEvidence("evidence", "mallory", BehaviorEquivocation, "", a, a)
		assert.ErrorIs(t, VerifyEquivocation(ev, reg), ErrSameDataHash)
	})

	t.Run("different sequence", func(t *testing.T) {
		c := makeSignedMessage(t, twin, types.MessageTypePrecommit, 0, 2, "H3")
		ev := NewEvidence("evidence", "mallory", BehaviorEquivocation, "", a, c)
		assert.ErrorIs(t, VerifyEquivocation(ev, reg), ErrInvalidMessageSeq)
	})

	t.Run("tampered signature", func(t *testing.T) {
		bad := b.Copy()
		bad.Signature[0] ^= 0xff
		ev := NewEvidence("evidence", "mallory", BehaviorEquivocation, "", a, bad)
		err := VerifyEquivocation(ev, reg)
		require.Error(t, err)
		assert.True(t, errors.Is(err, privval.ErrInvalidSignature))
	})

	t.Run("wrong domain", func(t *testing.T) {
		ev := NewEvidence("invites", "mallory", BehaviorEquivocation, "", a, b)
		assert.Error(t, VerifyEquivocation(ev, reg))
	})
}
