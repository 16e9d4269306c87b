package evidence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/bondberry/types"
)

func makeMessage(sender types.NodeID, mt types.MessageType, view, seq uint64, data string) *types.Message {
	return &types.Message{
		Type:      mt,
		View:      view,
		Sequence:  seq,
		Sender:    sender,
		Timestamp: time.Now().UnixNano(),
		DataHash:  types.HashBytes([]byte(data)),
		Signature: []byte("sig"),
	}
}

func TestDetectorEquivocation(t *testing.T) {
	d := NewDetector(DefaultDetectorConfig())
	now := time.Now()

	m1 := makeMessage("d", types.MessageTypePrecommit, 0, 1, "H1")
	require.Nil(t, d.Check(m1, 0, 0, now))
	d.Record(m1, now)

	// Same hash again is not equivocation
	assert.Nil(t, d.Check(makeMessage("d", types.MessageTypePrecommit, 0, 1, "H1"), 0, 0, now))

	// Different type at the same slot is not equivocation
	assert.Nil(t, d.Check(makeMessage("d", types.MessageTypePrevote, 0, 1, "H2"), 0, 0, now))

	// Another sender is independent
	assert.Nil(t, d.Check(makeMessage("c", types.MessageTypePrecommit, 0, 1, "H2"), 0, 0, now))

	m2 := makeMessage("d", types.MessageTypePrecommit, 0, 1, "H2")
	f := d.Check(m2, 0, 0, now)
	require.NotNil(t, f)
	assert.Equal(t, BehaviorEquivocation, f.Behavior)
	require.NotNil(t, f.Conflicting)
	assert.True(t, types.HashEqual(m1.DataHash, f.Conflicting.DataHash))
}

func TestDetectorFlooding(t *testing.T) {
	cfg := DefaultDetectorConfig()
	cfg.FloodThreshold = 5
	cfg.FloodWindow = time.Second
	d := NewDetector(cfg)

	base := time.Now()
	hb := makeMessage("x", types.MessageTypeHeartbeat, 0, 0, "hb")
	for i := 0; i < 5; i++ {
		at := base.Add(time.Duration(i) * time.Millisecond)
		require.Nil(t, d.Check(hb, 0, 0, at))
		d.Record(hb, at)
	}

	// Five logged is at the threshold, not over it
	require.Nil(t, d.Check(hb, 0, 0, base.Add(10*time.Millisecond)))
	d.Record(hb, base.Add(10*time.Millisecond))

	f := d.Check(hb, 0, 0, base.Add(20*time.Millisecond))
	require.NotNil(t, f)
	assert.Equal(t, BehaviorFlooding, f.Behavior)

	// Once the window passes the sender is quiet again
	assert.Nil(t, d.Check(hb, 0, 0, base.Add(2*time.Second)))
}

func TestDetectorOrdering(t *testing.T) {
	d := NewDetector(DefaultDetectorConfig())
	now := time.Now()

	tests := []struct {
		name      string
		view, seq uint64
		flagged   bool
	}{
		{"current", 3, 5, false},
		{"next slot", 3, 6, false},
		{"next view", 4, 6, false},
		{"old", 1, 2, false},
		{"view jump", 5, 5, true},
		{"sequence jump", 3, 7, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := d.Check(makeMessage("n", types.MessageTypePrevote, tc.view, tc.seq, tc.name), 3, 5, now)
			if tc.flagged {
				require.NotNil(t, f)
				assert.Equal(t, BehaviorInvalidOrdering, f.Behavior)
			} else {
				assert.Nil(t, f)
			}
		})
	}
}

func TestDetectorCheckOrder(t *testing.T) {
	d := NewDetector(DefaultDetectorConfig())
	now := time.Now()

	m1 := makeMessage("d", types.MessageTypePropose, 9, 9, "H1")
	d.Record(m1, now)

	// Equivocating and out of order: equivocation is reported first
	f := d.Check(makeMessage("d", types.MessageTypePropose, 9, 9, "H2"), 0, 0, now)
	require.NotNil(t, f)
	assert.Equal(t, BehaviorEquivocation, f.Behavior)
}

func TestDetectorPruning(t *testing.T) {
	cfg := DefaultDetectorConfig()
	cfg.MaxSeen = 10
	d := NewDetector(cfg)
	now := time.Now()

	for i := uint64(0); i < 25; i++ {
		d.Record(makeMessage("a", types.MessageTypePrevote, 0, i, "x"), now)
	}
	assert.LessOrEqual(t, d.SeenCount(), 10)

	d.PruneBelow(100)
	assert.Equal(t, 0, d.SeenCount())

	d.Record(makeMessage("a", types.MessageTypePrevote, 0, 1, "x"), now)
	d.Record(makeMessage("b", types.MessageTypePrevote, 0, 1, "x"), now)
	d.Forget("a")
	assert.Equal(t, 1, d.SeenCount())
}

func TestDetectorConfigValidate(t *testing.T) {
	require.NoError(t, DefaultDetectorConfig().ValidateBasic())

	cfg := DefaultDetectorConfig()
	cfg.FloodThreshold = 0
	assert.ErrorIs(t, cfg.ValidateBasic(), types.ErrValidation)
}

func TestDetectorRepliesAreNotRated(t *testing.T) {
	cfg := DefaultDetectorConfig()
	cfg.FloodThreshold = 3
	d := NewDetector(cfg)
	now := time.Now()

	for seq := uint64(1); seq <= 10; seq++ {
		for _, mt := range []types.MessageType{types.MessageTypePrevote, types.MessageTypePrecommit, types.MessageTypeCommit} {
			m := makeMessage("b", mt, 0, seq, "op")
			require.Nil(t, d.Check(m, 0, seq-1, now))
			d.RecordReply(m, now)
		}
	}
	assert.Zero(t, d.RecentCount("b", now))

	// a repeated reply counts
	again := makeMessage("b", types.MessageTypePrevote, 0, 10, "op")
	d.RecordReply(again, now)
	assert.Equal(t, 1, d.RecentCount("b", now))

	for i := 0; i < 3; i++ {
		d.Record(makeMessage("b", types.MessageTypeHeartbeat, 0, 10, "hb"), now)
	}
	f := d.Check(makeMessage("b", types.MessageTypeHeartbeat, 0, 10, "hb"), 0, 10, now)
	require.NotNil(t, f)
	assert.Equal(t, BehaviorFlooding, f.Behavior)
}
