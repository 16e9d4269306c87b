package engine

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/blockberries/bondberry/internal/logging"
	"github.com/blockberries/bondberry/types"
)

// ErrNetworkClosed is returned when broadcasting on a stopped network
var ErrNetworkClosed = errors.New("network is closed")

// Transport carries consensus messages between the members of a domain
type Transport interface {
	// Broadcast queues msg for delivery to every member, including the
	// sender. It must not block on delivery.
	Broadcast(msg *types.Message) error
}

// Member receives messages from a LocalNetwork
type Member interface {
	ID() types.NodeID
	ProcessMessage(msg *types.Message) error
}

// DeliveryFilter decides whether msg reaches to. Used to simulate
// partitions and message loss.
type DeliveryFilter func(msg *types.Message, to types.NodeID) bool

// LocalNetwork is an in-process hub. Messages are delivered one at a time
// to every member in a single global order, so all members observe the
// same sequence of events.
type LocalNetwork struct {
	mu      sync.Mutex
	logger  *zap.Logger
	members []Member
	queue   []*types.Message
	filter  DeliveryFilter
	closed  bool

	// deliverMu serializes delivery between Flush callers and the dispatcher
	deliverMu sync.Mutex

	notify  chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool

	delivered uint64
}

// NewLocalNetwork creates an empty network
func NewLocalNetwork(logger *zap.Logger) *LocalNetwork {
	return &LocalNetwork{
		logger: logging.OrNop(logger),
		notify: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// Join adds m to the network. Members are delivered to in join order.
func (n *LocalNetwork) Join(m Member) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, existing := range n.members {
		if existing.ID() == m.ID() {
			return
		}
	}
	n.members = append(n.members, m)
}

// Leave removes the member with id
func (n *LocalNetwork) Leave(id types.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, m := range n.members {
		if m.ID() == id {
			n.members = append(n.members[:i:i], n.members[i+1:]...)
			return
		}
	}
}

// SetFilter installs a delivery filter; nil delivers everything
func (n *LocalNetwork) SetFilter(f DeliveryFilter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = f
}

// Broadcast implements Transport
func (n *LocalNetwork) Broadcast(msg *types.Message) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrNetworkClosed
	}
	n.queue = append(n.queue, msg.Copy())
	n.mu.Unlock()

	select {
	case n.notify <- struct{}{}:
	default:
	}
	return nil
}

// Start runs the dispatcher goroutine
func (n *LocalNetwork) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running || n.closed {
		return
	}
	n.running = true
	n.wg.Add(1)
	go n.dispatchRoutine()
}

// Stop stops the dispatcher. Queued messages are dropped.
func (n *LocalNetwork) Stop() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.queue = nil
	n.mu.Unlock()

	close(n.stopCh)
	n.wg.Wait()
}

// Flush delivers queued messages until the queue is empty, including
// messages queued by members while handling earlier ones. Returns the
// number of messages delivered.
func (n *LocalNetwork) Flush() int {
	n.deliverMu.Lock()
	defer n.deliverMu.Unlock()

	count := 0
	for {
		msg, members, filter, ok := n.next()
		if !ok {
			return count
		}
		for _, m := range members {
			if filter != nil && !filter(msg, m.ID()) {
				continue
			}
			if err := m.ProcessMessage(msg); err != nil {
				n.logger.Debug("message rejected",
					zap.String("to", m.ID().String()),
					zap.String("from", msg.Sender.String()),
					zap.Stringer("type", msg.Type),
					zap.Error(err))
			}
		}
		count++
	}
}

// Pending returns the number of queued messages
func (n *LocalNetwork) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

// Delivered returns the number of messages delivered so far
func (n *LocalNetwork) Delivered() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.delivered
}

func (n *LocalNetwork) next() (*types.Message, []Member, DeliveryFilter, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.queue) == 0 {
		return nil, nil, nil, false
	}
	msg := n.queue[0]
	n.queue[0] = nil
	n.queue = n.queue[1:]
	n.delivered++
	members := append([]Member(nil), n.members...)
	return msg, members, n.filter, true
}

func (n *LocalNetwork) dispatchRoutine() {
	defer n.wg.Done()
	for {
		select {
		case <-n.stopCh:
			return
		case <-n.notify:
			n.Flush()
		}
	}
}

var _ Transport = (*LocalNetwork)(nil)
