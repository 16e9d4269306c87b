package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/blockberries/bondberry/types"
)

func TestPeerStateApplyMessage(t *testing.T) {
	now := time.Now()
	ps := NewPeerState("bob", now)

	ps.ApplyMessage(&types.Message{Type: types.MessageTypePropose, View: 2, Sequence: 4}, 3, now.Add(time.Second))
	info := ps.Info()
	assert.Equal(t, uint64(1), info.MessagesReceived)
	assert.Equal(t, uint64(1), info.Proposals)
	assert.Equal(t, uint64(2), info.View)
	assert.Equal(t, uint64(0), info.Sequence, "only heartbeats report position")

	ps.ApplyMessage(&types.Message{Type: types.MessageTypeHeartbeat, View: 1, Sequence: 1}, 3, now.Add(2*time.Second))
	info = ps.Info()
	assert.Equal(t, uint64(2), info.View, "view never goes back")
	assert.Equal(t, uint64(1), info.Sequence)
	assert.True(t, info.CatchingUp)
	assert.Equal(t, time.Second, ps.SilentFor(now.Add(3*time.Second)))
}

func TestPeerSetSilent(t *testing.T) {
	now := time.Now()
	set := NewPeerSet()
	set.Get("a", now)
	set.Get("b", now.Add(-time.Minute))
	set.Get("c", now.Add(-time.Minute)).Touch(now)

	silent := set.Silent([]types.NodeID{"a", "b", "c", "unknown"}, 10*time.Second, now)
	assert.Equal(t, []types.NodeID{"b"}, silent)

	set.Remove("b")
	all := set.All()
	assert.Len(t, all, 2)
	assert.Equal(t, types.NodeID("a"), all[0].ID)
	assert.Equal(t, types.NodeID("c"), all[1].ID)
}

func TestPeerSetGetReturnsSameState(t *testing.T) {
	now := time.Now()
	set := NewPeerSet()
	first := set.Get("a", now)
	first.Touch(now.Add(time.Hour))
	assert.Same(t, first, set.Get("a", now))
	assert.Equal(t, now.Add(time.Hour), set.Get("a", now).Info().LastSeen)
}
