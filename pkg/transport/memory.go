package transport

import (
	"context"
	"sync"

	"bftlog/pkg/utils"
)

const memoryInboxDepth = 1024

// Bus connects in-memory transports within one process. Tests use its
// Disconnect switch to simulate node failures.
type Bus struct {
	mu    sync.RWMutex
	nodes map[string]*Memory
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{nodes: make(map[string]*Memory)}
}

// Join attaches a new member to the bus.
func (b *Bus) Join(id string) *Memory {
	m := &Memory{
		id:        id,
		bus:       b,
		inbox:     make(chan inboundFrame, memoryInboxDepth),
		connected: true,
		done:      make(chan struct{}),
	}
	go m.pump()

	b.mu.Lock()
	b.nodes[id] = m
	b.mu.Unlock()
	return m
}

// Disconnect isolates a member: nothing in, nothing out.
func (b *Bus) Disconnect(id string) {
	b.mu.RLock()
	m := b.nodes[id]
	b.mu.RUnlock()
	if m != nil {
		m.setConnected(false)
	}
}

// Reconnect restores a previously disconnected member.
func (b *Bus) Reconnect(id string) {
	b.mu.RLock()
	m := b.nodes[id]
	b.mu.RUnlock()
	if m != nil {
		m.setConnected(true)
	}
}

type inboundFrame struct {
	from  string
	frame []byte
}

// Memory is one member's endpoint on a Bus.
type Memory struct {
	id  string
	bus *Bus

	mu        sync.RWMutex
	handler   Handler
	connected bool
	closed    bool

	inbox chan inboundFrame
	done  chan struct{}

	counters counters
}

var _ Transport = (*Memory)(nil)

func (m *Memory) pump() {
	for {
		select {
		case in := <-m.inbox:
			m.mu.RLock()
			h := m.handler
			m.mu.RUnlock()
			if h != nil {
				m.counters.received.Add(1)
				h(in.from, in.frame)
			}
		case <-m.done:
			return
		}
	}
}

func (m *Memory) setConnected(up bool) {
	m.mu.Lock()
	m.connected = up
	m.mu.Unlock()
}

func (m *Memory) isUp() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected && !m.closed
}

// SetHandler installs the inbound frame consumer.
func (m *Memory) SetHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// Broadcast delivers the frame to every other connected member.
func (m *Memory) Broadcast(ctx context.Context, frame []byte) error {
	if !m.isUp() {
		m.counters.dropped.Add(1)
		return utils.NewError(utils.CodeUnavailable, "transport disconnected")
	}

	m.bus.mu.RLock()
	peers := make([]*Memory, 0, len(m.bus.nodes))
	for id, peer := range m.bus.nodes {
		if id != m.id {
			peers = append(peers, peer)
		}
	}
	m.bus.mu.RUnlock()

	for _, peer := range peers {
		m.deliver(peer, frame)
	}
	m.counters.sent.Add(1)
	return nil
}

// Send delivers the frame to one member.
func (m *Memory) Send(ctx context.Context, to string, frame []byte) error {
	if !m.isUp() {
		m.counters.dropped.Add(1)
		return utils.NewError(utils.CodeUnavailable, "transport disconnected")
	}

	m.bus.mu.RLock()
	peer, ok := m.bus.nodes[to]
	m.bus.mu.RUnlock()
	if !ok {
		m.counters.dropped.Add(1)
		return utils.NewErrorf(utils.CodeUnavailable, "no member %q on bus", to)
	}
	m.deliver(peer, frame)
	m.counters.sent.Add(1)
	return nil
}

// deliver queues a frame on the peer's inbox. A full inbox or a
// disconnected peer drops the frame, like a lossy network would.
func (m *Memory) deliver(peer *Memory, frame []byte) {
	if !peer.isUp() {
		m.counters.dropped.Add(1)
		return
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case peer.inbox <- inboundFrame{from: m.id, frame: cp}:
	default:
		m.counters.dropped.Add(1)
	}
}

// Close detaches the member from the bus.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.done)
	m.bus.mu.Lock()
	delete(m.bus.nodes, m.id)
	m.bus.mu.Unlock()
	return nil
}

// Metrics returns a snapshot of the transport counters.
func (m *Memory) Metrics() Metrics {
	return m.counters.snapshot()
}
