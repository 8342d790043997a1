// Package wsnet implements transport.Network over websocket connections.
// Each endpoint runs one HTTP listener; every labeled channel is a single
// websocket connection identified by dialer id and label in the query
// string. Endpoint ids resolve to listen addresses via a static AddressBook.
package wsnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"meshroom/transport"
)

const writeWait = 10 * time.Second

// AddressBook resolves endpoint ids to host:port listen addresses.
type AddressBook interface {
	Resolve(endpointID string) (string, bool)
}

type StaticBook map[string]string

func (b StaticBook) Resolve(endpointID string) (string, bool) {
	addr, ok := b[endpointID]
	return addr, ok
}

type Network struct {
	book     AddressBook
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
}

func New(book AddressBook) *Network {
	return &Network{
		book: book,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		dialer: websocket.DefaultDialer,
	}
}

func (n *Network) Open(_ context.Context, endpointID string) (transport.Endpoint, error) {
	addr, ok := n.book.Resolve(endpointID)
	if !ok {
		return nil, fmt.Errorf("open %s: %w", endpointID, transport.ErrUnknownEndpoint)
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("open %s on %s: %w", endpointID, addr, transport.ErrAddressTaken)
		}
		return nil, fmt.Errorf("open %s on %s: %w", endpointID, addr, err)
	}

	ep := &Endpoint{
		network: n,
		id:      endpointID,
		accept:  make(chan transport.Channel, 16),
		closed:  make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/channel", ep.handleChannel)
	ep.server = &http.Server{Handler: mux}
	go ep.server.Serve(listener)
	return ep, nil
}

type Endpoint struct {
	network *Network
	id      string
	server  *http.Server
	accept  chan transport.Channel

	mu       sync.Mutex
	channels []*channel

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (e *Endpoint) ID() string { return e.id }

func (e *Endpoint) handleChannel(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	from := query.Get("from")
	label := query.Get("label")
	if from == "" || label == "" {
		http.Error(w, "missing from or label", http.StatusBadRequest)
		return
	}
	if to := query.Get("to"); to != "" && to != e.id {
		http.Error(w, "wrong endpoint", http.StatusNotFound)
		return
	}

	conn, err := e.network.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ch := newChannel(conn, label, e.id, from)
	e.track(ch)
	select {
	case e.accept <- ch:
	case <-e.closed:
		ch.Close()
	}
}

func (e *Endpoint) Dial(ctx context.Context, remoteID, label string) (transport.Channel, error) {
	select {
	case <-e.closed:
		return nil, transport.ErrClosed
	default:
	}
	addr, ok := e.network.book.Resolve(remoteID)
	if !ok {
		return nil, fmt.Errorf("dial %s: %w", remoteID, transport.ErrUnknownEndpoint)
	}

	u := url.URL{Scheme: "ws", Host: addr, Path: "/channel"}
	q := u.Query()
	q.Set("from", e.id)
	q.Set("to", remoteID)
	q.Set("label", label)
	u.RawQuery = q.Encode()

	conn, _, err := e.network.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", remoteID, label, err)
	}
	ch := newChannel(conn, label, e.id, remoteID)
	e.track(ch)
	return ch, nil
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

// Close shuts the listener down, closes every live channel, and waits for
// the HTTP server to finish or the context to expire. The listen address is
// free for reuse once Close returns without error.
func (e *Endpoint) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.mu.Lock()
		channels := e.channels
		e.channels = nil
		e.mu.Unlock()
		for _, ch := range channels {
			ch.Close()
		}
		e.closeErr = e.server.Shutdown(ctx)
	})
	return e.closeErr
}

type channel struct {
	conn     *websocket.Conn
	label    string
	localID  string
	remoteID string

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newChannel(conn *websocket.Conn, label, localID, remoteID string) *channel {
	return &channel{conn: conn, label: label, localID: localID, remoteID: remoteID}
}

func (c *channel) Label() string    { return c.label }
func (c *channel) LocalID() string  { return c.localID }
func (c *channel) RemoteID() string { return c.remoteID }

func (c *channel) Send(data []byte) error {
	return c.write(websocket.TextMessage, data)
}

func (c *channel) SendBinary(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

func (c *channel) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("send %s to %s: %w", c.label, c.remoteID, transport.ErrClosed)
	}
	return nil
}

func (c *channel) Recv() (transport.Message, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return transport.Message{}, transport.ErrClosed
		}
		switch messageType {
		case websocket.TextMessage:
			return transport.Message{Data: data}, nil
		case websocket.BinaryMessage:
			return transport.Message{Binary: true, Data: data}, nil
		default:
			// control frames are handled by gorilla; skip anything else
		}
	}
}

func (c *channel) Close() error {
	c.closeOnce.Do(func() {
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		c.conn.WriteMessage(websocket.CloseMessage, message)
		c.writeMu.Unlock()
		c.conn.Close()
	})
	return nil
}
