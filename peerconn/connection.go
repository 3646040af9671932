// Package peerconn implements PeerConnection: a framed bidirectional channel
// that assigns correlation counters to outbound requests, dispatches replies
// to registered callbacks, and hands unsolicited or request-shaped frames to
// a delegate. The transport underneath is a raw QUIC stream
// (github.com/quic-go/quic-go).
package peerconn

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"dex/gossip"
	"dex/logs"
)

// ErrNotConnected is returned by request/reply when the underlying transport has
// already been closed.
var ErrNotConnected = errors.New("peerconn: not connected")

// Delegate receives frames a PeerConnection could not route to a pending
// callback, and is notified of connection lifecycle events. peer.Peer implements
// this interface.
type Delegate interface {
	Receive(conn *PeerConnection, g gossip.Gossip, counter uint32)
	OnConnected(conn *PeerConnection)
	OnDisconnected(conn *PeerConnection)
}

// Stream is the minimal framed-write/close surface a transport variant provides.
// Incoming and Outgoing each construct one from a QUIC stream; unit tests supply
// an in-memory implementation.
type Stream interface {
	// WriteFrame writes one length-prefixed frame. Implementations must
	// serialize concurrent calls themselves or rely on the caller doing so (as
	// PeerConnection does, via sendMu).
	WriteFrame(data []byte) error
	Close() error
}

type pendingCallback struct {
	fn           func(gossip.Gossip, error)
	registeredAt time.Time
}

// PeerConnection owns a transport handle, a monotonic correlation counter, the
// pending-callback table for outbound requests, and a delegate. Counter parity
// encodes the connection's initiating direction: Incoming starts at 1,
// Outgoing starts at 0, every outbound request adds 2.
type PeerConnection struct {
	stream Stream
	codec  *gossip.Codec

	mu        sync.Mutex // guards counter, callbacks, closed
	counter   uint32
	callbacks map[uint32]*pendingCallback
	closed    bool

	sendMu sync.Mutex // serializes writes to stream

	delegateMu sync.RWMutex
	delegate   Delegate

	label string // for logging: remote address or uuid, best-effort

	done chan struct{}
}

// NewConnection builds a PeerConnection directly from a Stream, bypassing the
// QUIC-specific dial/accept helpers in transport.go. It exists for tests and
// for embedders that supply their own transport (e.g. an in-process pipe for
// same-process peer simulation). startCounter must be 0 for an
// outgoing-initiated connection or 1 for an incoming one, matching the
// counter-parity rule above. The caller is responsible for pumping frames off
// stream into conn.Receive; NewConnection does not start a read loop of its
// own.
func NewConnection(stream Stream, codec *gossip.Codec, startCounter uint32, label string) *PeerConnection {
	return newConnection(stream, codec, startCounter, label)
}

func newConnection(stream Stream, codec *gossip.Codec, startCounter uint32, label string) *PeerConnection {
	return &PeerConnection{
		stream:    stream,
		codec:     codec,
		counter:   startCounter,
		callbacks: make(map[uint32]*pendingCallback),
		label:     label,
		done:      make(chan struct{}),
	}
}

// Done returns a channel that closes once Close has run, so callers such as
// network.Server can prune their own bookkeeping without polling.
func (c *PeerConnection) Done() <-chan struct{} { return c.done }

// SetDelegate installs the delegate that receives unrouted frames and lifecycle
// events. The peer.Peer that owns this connection calls this once, right after
// construction.
func (c *PeerConnection) SetDelegate(d Delegate) {
	c.delegateMu.Lock()
	c.delegate = d
	c.delegateMu.Unlock()
}

func (c *PeerConnection) getDelegate() Delegate {
	c.delegateMu.RLock()
	defer c.delegateMu.RUnlock()
	return c.delegate
}

// Label is a best-effort identifier for logging.
func (c *PeerConnection) Label() string { return c.label }

// Request assigns a new counter, optionally registers callback under it, and
// sends [counter, g]. Returns ErrNotConnected if the transport has already been
// closed.
func (c *PeerConnection) Request(g gossip.Gossip, callback func(gossip.Gossip, error)) (uint32, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrNotConnected
	}
	c.counter += 2
	counter := c.counter
	if callback != nil {
		c.callbacks[counter] = &pendingCallback{fn: callback, registeredAt: time.Now()}
	}
	c.mu.Unlock()

	data, err := c.codec.EncodeFrame(counter, g)
	if err != nil {
		c.dropCallback(counter)
		return 0, fmt.Errorf("peerconn: encode request: %w", err)
	}
	if err := c.send(data); err != nil {
		c.dropCallback(counter)
		return 0, err
	}
	return counter, nil
}

// Reply serializes and sends [counter, g], echoing the counter of the request it
// answers.
func (c *PeerConnection) Reply(counter uint32, g gossip.Gossip) error {
	data, err := c.codec.EncodeFrame(counter, g)
	if err != nil {
		return fmt.Errorf("peerconn: encode reply: %w", err)
	}
	return c.send(data)
}

func (c *PeerConnection) send(data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrNotConnected
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.stream.WriteFrame(data); err != nil {
		return fmt.Errorf("peerconn: send: %w", err)
	}
	return nil
}

func (c *PeerConnection) dropCallback(counter uint32) {
	c.mu.Lock()
	delete(c.callbacks, counter)
	c.mu.Unlock()
}

// Receive decodes one wire frame and either dispatches it to a pending callback
// (removing it first, so it fires at most once) or hands it to the delegate.
// Both dispatches happen on a fresh goroutine, off the caller's read path, so
// a slow handler never stalls the stream reader.
func (c *PeerConnection) Receive(frame []byte) {
	counter, g, err := c.codec.DecodeFrame(frame)
	if err != nil {
		logs.Warn("[PeerConnection %s] dropping malformed frame: %v", c.label, err)
		return
	}

	if counter != 0 {
		c.mu.Lock()
		cb, ok := c.callbacks[counter]
		if ok {
			delete(c.callbacks, counter)
		}
		c.mu.Unlock()
		if ok {
			go cb.fn(g, nil)
			return
		}
	}

	if d := c.getDelegate(); d != nil {
		go d.Receive(c, g, counter)
	}
}

// SweepExpiredCallbacks fires ErrNotConnected on any callback registered longer
// ago than ttl, and removes it. This bounds pending-callback lifetime so a
// peer that never replies cannot leak callbacks indefinitely.
func (c *PeerConnection) SweepExpiredCallbacks(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := time.Now()
	var expired []*pendingCallback

	c.mu.Lock()
	for counter, cb := range c.callbacks {
		if now.Sub(cb.registeredAt) > ttl {
			expired = append(expired, cb)
			delete(c.callbacks, counter)
		}
	}
	c.mu.Unlock()

	for _, cb := range expired {
		go cb.fn(gossip.Gossip{}, ErrNotConnected)
	}
}

// Close marks the connection closed, closes the transport, and notifies the
// delegate. Pending callbacks are left in the table; they are cleaned up by
// SweepExpiredCallbacks or by the process exiting with the connection.
func (c *PeerConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)

	err := c.stream.Close()
	if d := c.getDelegate(); d != nil {
		d.OnDisconnected(c)
	}
	return err
}

// IsClosed reports whether Close has already run.
func (c *PeerConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
