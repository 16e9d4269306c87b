package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// timeoutChannelSize is the buffer size for timeout channels
	timeoutChannelSize = 100
)

// TimeoutInfo represents an operation deadline
type TimeoutInfo struct {
	Duration    time.Duration
	OperationID string
	View        uint64
	Sequence    uint64
}

// TimeoutTicker fires operation deadlines. Only one operation is in
// flight per domain, so scheduling a timeout replaces the previous one.
type TimeoutTicker struct {
	mu     sync.Mutex
	logger *zap.Logger

	timer   *time.Timer
	tickCh  chan TimeoutInfo
	tockCh  chan TimeoutInfo
	stopCh  chan struct{}
	running bool

	droppedTimeouts uint64
	onDrop          func(TimeoutInfo)
}

// NewTimeoutTicker creates a new TimeoutTicker. onDrop, if set, is called
// for every deadline dropped because a channel was full.
func NewTimeoutTicker(logger *zap.Logger, onDrop func(TimeoutInfo)) *TimeoutTicker {
	return &TimeoutTicker{
		logger: logger,
		onDrop: onDrop,
		tickCh: make(chan TimeoutInfo, timeoutChannelSize),
		tockCh: make(chan TimeoutInfo, timeoutChannelSize),
		stopCh: make(chan struct{}),
	}
}

// Start starts the timeout ticker
func (tt *TimeoutTicker) Start() {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	if tt.running {
		return
	}
	tt.running = true

	go tt.run()
}

// Stop stops the timeout ticker. A stopped ticker cannot be restarted.
func (tt *TimeoutTicker) Stop() {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	if !tt.running {
		return
	}
	tt.running = false

	close(tt.stopCh)
	if tt.timer != nil {
		tt.timer.Stop()
	}
}

// Chan returns the channel that delivers expired deadlines
func (tt *TimeoutTicker) Chan() <-chan TimeoutInfo {
	return tt.tockCh
}

// ScheduleTimeout schedules a new deadline, replacing any pending one
func (tt *TimeoutTicker) ScheduleTimeout(ti TimeoutInfo) {
	select {
	case tt.tickCh <- ti:
	default:
		count := atomic.AddUint64(&tt.droppedTimeouts, 1)
		tt.logger.Warn("dropped timeout schedule due to full channel",
			zap.String("operation_id", ti.OperationID),
			zap.Uint64("dropped_total", count))
		tt.dropped(ti)
	}
}

func (tt *TimeoutTicker) run() {
	for {
		select {
		case <-tt.stopCh:
			return

		case ti := <-tt.tickCh:
			tt.mu.Lock()
			// Cancel any existing timer
			if tt.timer != nil {
				tt.timer.Stop()
			}

			tiCopy := ti
			tt.timer = time.AfterFunc(ti.Duration, func() {
				select {
				case tt.tockCh <- tiCopy:
				case <-tt.stopCh:
					// Ticker stopped, don't send
				default:
					count := atomic.AddUint64(&tt.droppedTimeouts, 1)
					tt.logger.Warn("dropped timeout due to full channel",
						zap.String("operation_id", tiCopy.OperationID),
						zap.Uint64("view", tiCopy.View),
						zap.Uint64("sequence", tiCopy.Sequence),
						zap.Uint64("dropped_total", count))
					tt.dropped(tiCopy)
				}
			})
			tt.mu.Unlock()
		}
	}
}

func (tt *TimeoutTicker) dropped(ti TimeoutInfo) {
	if tt.onDrop != nil {
		tt.onDrop(ti)
	}
}
