// Package transport defines the messaging collaborator consensus depends
// on, plus an in-memory implementation for tests and single-process
// clusters. The consensus layer treats the network as unreliable: sends are
// best-effort and delivery order is not guaranteed.
package transport

import (
	"context"
	"sync/atomic"
)

// Handler consumes one inbound wire frame. It is called from transport
// goroutines and must hand the frame to the node's processing loop rather
// than block.
type Handler func(from string, frame []byte)

// Transport moves opaque frames between cluster members.
type Transport interface {
	// Broadcast sends a frame to every other member, best effort.
	Broadcast(ctx context.Context, frame []byte) error

	// Send sends a frame to one member, best effort.
	Send(ctx context.Context, to string, frame []byte) error

	// SetHandler installs the inbound frame consumer. Must be called
	// before traffic flows.
	SetHandler(h Handler)

	// Close stops delivery in both directions.
	Close() error

	// Metrics returns a snapshot of the transport counters.
	Metrics() Metrics
}

// Metrics counts transport activity.
type Metrics struct {
	Sent     uint64
	Received uint64
	Dropped  uint64
}

type counters struct {
	sent     atomic.Uint64
	received atomic.Uint64
	dropped  atomic.Uint64
}

func (c *counters) snapshot() Metrics {
	return Metrics{
		Sent:     c.sent.Load(),
		Received: c.received.Load(),
		Dropped:  c.dropped.Load(),
	}
}
