// Package memnet is an in-process transport.Network. Endpoints live in a
// shared registry and channels are paired in-memory pipes. It backs the
// session tests and single-process demos.
package memnet

import (
	"context"
	"fmt"
	"sync"

	"meshroom/transport"
)

type Network struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
}

func New() *Network {
	return &Network{endpoints: make(map[string]*Endpoint)}
}

// Open claims an endpoint id. A live endpoint with the same id yields
// ErrAddressTaken; the claim is never silently overwritten.
func (n *Network) Open(_ context.Context, endpointID string) (transport.Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.endpoints[endpointID]; ok {
		return nil, fmt.Errorf("open %s: %w", endpointID, transport.ErrAddressTaken)
	}
	ep := &Endpoint{
		network: n,
		id:      endpointID,
		accept:  make(chan transport.Channel, 16),
		closed:  make(chan struct{}),
	}
	n.endpoints[endpointID] = ep
	return ep, nil
}

func (n *Network) lookup(endpointID string) (*Endpoint, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep, ok := n.endpoints[endpointID]
	return ep, ok
}

func (n *Network) release(endpointID string, ep *Endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if current, ok := n.endpoints[endpointID]; ok && current == ep {
		delete(n.endpoints, endpointID)
	}
}

type Endpoint struct {
	network *Network
	id      string
	accept  chan transport.Channel

	mu       sync.Mutex
	channels []*channel

	closed    chan struct{}
	closeOnce sync.Once
}

func (e *Endpoint) ID() string { return e.id }

func (e *Endpoint) Dial(_ context.Context, remoteID, label string) (transport.Channel, error) {
	select {
	case <-e.closed:
		return nil, transport.ErrClosed
	default:
	}
	remote, ok := e.network.lookup(remoteID)
	if !ok {
		return nil, fmt.Errorf("dial %s: %w", remoteID, transport.ErrUnknownEndpoint)
	}

	done := make(chan struct{})
	once := &sync.Once{}
	local := &channel{
		label: label, localID: e.id, remoteID: remoteID,
		inbox: make(chan transport.Message, 64), done: done, closeOnce: once,
	}
	far := &channel{
		label: label, localID: remoteID, remoteID: e.id,
		inbox: make(chan transport.Message, 64), done: done, closeOnce: once,
	}
	local.peer, far.peer = far, local

	select {
	case remote.accept <- far:
	case <-remote.closed:
		return nil, fmt.Errorf("dial %s: %w", remoteID, transport.ErrClosed)
	}

	e.track(local)
	remote.track(far)
	return local, nil
}

func (e *Endpoint) track(ch *channel) {
	e.mu.Lock()
	e.channels = append(e.channels, ch)
	e.mu.Unlock()
}

func (e *Endpoint) Accept() (transport.Channel, error) {
	select {
	case ch := <-e.accept:
		return ch, nil
	case <-e.closed:
		return nil, transport.ErrClosed
	}
}

// Close releases the endpoint id and closes every channel it opened or
// accepted. Idempotent; the id is free for reuse once Close returns.
func (e *Endpoint) Close(_ context.Context) error {
	e.closeOnce.Do(func() {
		e.network.release(e.id, e)
		close(e.closed)
		e.mu.Lock()
		channels := e.channels
		e.channels = nil
		e.mu.Unlock()
		for _, ch := range channels {
			ch.Close()
		}
	})
	return nil
}

type channel struct {
	label    string
	localID  string
	remoteID string
	peer     *channel
	inbox    chan transport.Message

	done      chan struct{}
	closeOnce *sync.Once
}

func (c *channel) Label() string    { return c.label }
func (c *channel) LocalID() string  { return c.localID }
func (c *channel) RemoteID() string { return c.remoteID }

func (c *channel) Send(data []byte) error {
	return c.deliver(transport.Message{Data: append([]byte(nil), data...)})
}

func (c *channel) SendBinary(data []byte) error {
	return c.deliver(transport.Message{Binary: true, Data: append([]byte(nil), data...)})
}

func (c *channel) deliver(msg transport.Message) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	select {
	case c.peer.inbox <- msg:
		return nil
	case <-c.done:
		return transport.ErrClosed
	}
}

func (c *channel) Recv() (transport.Message, error) {
	// Drain messages that arrived before the close.
	select {
	case msg := <-c.inbox:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-c.done:
		return transport.Message{}, transport.ErrClosed
	}
}

// Close tears down both directions of the pipe.
func (c *channel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
