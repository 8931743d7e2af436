// Package simulated provides an in-memory link.Driver with configurable
// loss, reordering, and link-layer ack failure, for use by unit and
// property tests (SPEC_FULL.md §4.8, spec.md §8).
package simulated

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/RootPathFinder/meshsender/pkg/link"
)

// Network is a shared medium that one or more Driver instances attach to.
// It models loss and reordering of datagrams between peers.
type Network struct {
	mu          sync.Mutex
	rng         *rand.Rand
	dropProb    float64
	ackFailProb float64
	latency     time.Duration
	reorder     bool

	nodes map[link.Peer]*Driver
}

// NewNetwork creates a Network. rng drives all randomized decisions so
// tests stay reproducible.
func NewNetwork(rng *rand.Rand) *Network {
	return &Network{rng: rng, nodes: make(map[link.Peer]*Driver)}
}

// SetDropProbability sets the per-datagram probability of silent loss.
func (n *Network) SetDropProbability(p float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropProb = p
}

// SetAckFailureProbability sets the probability that a wantAck Send
// resolves as AckTimeout even though the datagram was (or wasn't) delivered.
func (n *Network) SetAckFailureProbability(p float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ackFailProb = p
}

// SetLatency sets a fixed per-datagram delivery delay.
func (n *Network) SetLatency(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.latency = d
}

// SetReorder enables delivering datagrams via independently-scheduled
// goroutines, so concurrent sends may arrive out of order.
func (n *Network) SetReorder(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reorder = enabled
}

// NewDriver attaches a new Driver identified as self on this Network.
func (n *Network) NewDriver(self link.Peer) *Driver {
	d := &Driver{
		self:    self,
		network: n,
		subs:    make(map[int][]func(peer link.Peer, payload []byte)),
	}
	n.mu.Lock()
	n.nodes[self] = d
	n.mu.Unlock()
	return d
}

// Driver is one Network-attached endpoint implementing link.Driver.
type Driver struct {
	self    link.Peer
	network *Network

	subsMu sync.Mutex
	subs   map[int][]func(peer link.Peer, payload []byte)

	closed bool
}

// Send delivers payload to peer through the shared Network, subject to its
// configured loss/latency/reorder behavior.
func (d *Driver) Send(ctx context.Context, peer link.Peer, port int, payload []byte, wantAck bool) (link.AckResult, error) {
	n := d.network
	n.mu.Lock()
	dropProb := n.dropProb
	ackFailProb := n.ackFailProb
	latency := n.latency
	reorder := n.reorder
	target := n.nodes[peer]
	dropped := n.rng.Float64() < dropProb
	ackFailed := wantAck && n.rng.Float64() < ackFailProb
	n.mu.Unlock()

	deliver := func() {
		if dropped || target == nil {
			return
		}
		cp := make([]byte, len(payload))
		copy(cp, payload)
		target.dispatch(port, d.self, cp)
	}

	if latency > 0 || reorder {
		go func() {
			if latency > 0 {
				time.Sleep(latency)
			}
			deliver()
		}()
	} else {
		deliver()
	}

	if !wantAck {
		return link.AckOk, nil
	}
	if dropped || ackFailed {
		return link.AckTimeout, nil
	}
	return link.AckOk, nil
}

// Subscribe registers handler for frames addressed to port.
func (d *Driver) Subscribe(port int, handler func(peer link.Peer, payload []byte)) func() {
	d.subsMu.Lock()
	d.subs[port] = append(d.subs[port], handler)
	idx := len(d.subs[port]) - 1
	d.subsMu.Unlock()

	return func() {
		d.subsMu.Lock()
		defer d.subsMu.Unlock()
		if handlers := d.subs[port]; idx < len(handlers) {
			handlers[idx] = nil
		}
	}
}

// Close marks the driver as closed; the Network keeps no goroutines to stop.
func (d *Driver) Close() error {
	d.closed = true
	return nil
}

func (d *Driver) dispatch(port int, from link.Peer, payload []byte) {
	d.subsMu.Lock()
	handlers := append([]func(peer link.Peer, payload []byte){}, d.subs[port]...)
	d.subsMu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(from, payload)
		}
	}
}
