package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTimeoutTickerBasic(t *testing.T) {
	tt := NewTimeoutTicker(zap.NewNop(), nil)
	tt.Start()
	defer tt.Stop()

	tt.ScheduleTimeout(TimeoutInfo{
		Duration:    20 * time.Millisecond,
		OperationID: "op1",
		View:        0,
		Sequence:    1,
	})

	select {
	case ti := <-tt.Chan():
		assert.Equal(t, "op1", ti.OperationID)
		assert.Equal(t, uint64(1), ti.Sequence)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout not received")
	}
}

func TestTimeoutTickerReplaces(t *testing.T) {
	tt := NewTimeoutTicker(zap.NewNop(), nil)
	tt.Start()
	defer tt.Stop()

	tt.ScheduleTimeout(TimeoutInfo{Duration: 50 * time.Millisecond, OperationID: "first"})
	tt.ScheduleTimeout(TimeoutInfo{Duration: 50 * time.Millisecond, OperationID: "second"})

	select {
	case ti := <-tt.Chan():
		assert.Equal(t, "second", ti.OperationID)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout not received")
	}

	select {
	case ti := <-tt.Chan():
		t.Fatalf("unexpected second timeout: %+v", ti)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTimeoutTickerStopIdempotent(t *testing.T) {
	tt := NewTimeoutTicker(zap.NewNop(), nil)
	tt.Start()
	tt.Start()
	tt.ScheduleTimeout(TimeoutInfo{Duration: time.Hour, OperationID: "never"})
	tt.Stop()
	tt.Stop()
}

func TestTimeoutTickerReportsDroppedSchedules(t *testing.T) {
	var dropped []string
	tt := NewTimeoutTicker(zap.NewNop(), func(ti TimeoutInfo) {
		dropped = append(dropped, ti.OperationID)
	})

	// not started, so nothing drains the schedule channel
	for i := 0; i < timeoutChannelSize; i++ {
		tt.ScheduleTimeout(TimeoutInfo{Duration: time.Hour, OperationID: "queued"})
	}
	require.Empty(t, dropped)

	tt.ScheduleTimeout(TimeoutInfo{Duration: time.Hour, OperationID: "overflow"})
	require.Equal(t, []string{"overflow"}, dropped)
}
