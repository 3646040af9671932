// Package peer implements the per-peer relationship state machine:
// connecting/querying a remote node, answering its requests off a throttled
// queue, and reacting to connection lifecycle events. Each Peer drives its
// own connect/sync loop under its own mutex, independent of every other peer
// in the table.
package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"dex/config"
	"dex/gossip"
	"dex/logs"
	"dex/node"
	"dex/peerconn"
	"dex/stats"
	"dex/throttle"
	"dex/types"
)

// Peer owns one relationship to a remote node: its connection (if any), its
// lifecycle state, and the throttled queue draining its inbound requests. All
// fields but the queue are guarded by mu; the lock order is always Peer's mu
// before the ledger's mutex, and PeerConnection's own internal mutex never
// nests inside either.
type Peer struct {
	url ParsedURL
	id  uuid.UUID

	localUUID uuid.UUID
	localPort int

	cfg   *config.Config
	codec *gossip.Codec
	node  node.Node
	queue *throttle.Queue

	mu                      sync.Mutex
	state                   State
	conn                    *peerconn.PeerConnection
	attempt                 uint64
	lastSeen                time.Time
	lastIndexRequestLatency time.Duration
	timeDifference          int64
}

// New constructs a Peer for rawURL, which must satisfy ParsePeerURL. The
// returned Peer starts in state new(now) and does no I/O until Advance is
// called.
func New(rawURL string, n node.Node, cfg *config.Config, codec *gossip.Codec, localUUID uuid.UUID, localPort int) (*Peer, error) {
	parsed, err := ParsePeerURL(rawURL)
	if err != nil {
		return nil, err
	}
	return &Peer{
		url:       parsed,
		id:        parsed.UUID,
		localUUID: localUUID,
		localPort: localPort,
		cfg:       cfg,
		codec:     codec,
		node:      n,
		queue: throttle.New(
			"peer-inbound-"+parsed.UUID.String(),
			cfg.Throttle.MaximumPeerRequestRate,
			cfg.Throttle.MaximumPeerRequestQueueSize,
		),
		state: newState(StateNew, time.Now()),
	}, nil
}

// UUID identifies the remote node this Peer represents.
func (p *Peer) UUID() uuid.UUID { return p.id }

// URL returns the peer's dial URL.
func (p *Peer) URL() string { return p.url.Raw }

// State snapshots the current lifecycle state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// LastSeen reports the last time any frame was received from this peer.
func (p *Peer) LastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

// LastIndexRequestLatency reports half the round-trip time of the most recent
// completed query, or zero if no query has completed yet. Callers use this to
// feed a shared stats.LatencyRecorder.
func (p *Peer) LastIndexRequestLatency() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastIndexRequestLatency
}

// QueueStat snapshots the occupancy of this peer's inbound throttling queue.
func (p *Peer) QueueStat() stats.ChannelStat {
	return p.queue.Stat("peer-inbound")
}

// Send pushes an unsolicited gossip frame — a locally originated block or
// transaction — out to this peer, if it currently has a live connection. It
// is how a Node disseminates its own new blocks/transactions, symmetric with
// the inbound gossip.ActionBlock/gossip.ActionTransaction handling in
// handleRequest. No reply is expected, so no callback is registered.
func (p *Peer) Send(g gossip.Gossip) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return peerconn.ErrNotConnected
	}
	_, err := conn.Request(g, nil)
	return err
}

// Close stops the peer's throttling queue and closes any live connection. It
// does not remove the peer from any registry; callers own that.
func (p *Peer) Close() {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	p.queue.Close()
}

// bumpAttempt invalidates any in-flight dial goroutine started under a
// previous attempt number. Must be called with mu held.
func (p *Peer) bumpAttempt() uint64 {
	p.attempt++
	return p.attempt
}

// Advance drives the peer's lifecycle state-machine transitions. It is
// invoked periodically by whatever owns the peer table (typically once per
// config.PeerConfig.AdvancePollInterval).
func (p *Peer) Advance(now time.Time) {
	p.mu.Lock()

	// A nil connection while connected/queried/passive means the channel
	// dropped out from under an otherwise-settled peer: reset immediately.
	// Connecting is excluded because an in-flight dial legitimately holds no
	// connection reference until it completes. Querying is excluded because
	// query() only starts with a live connection, and losing it mid-query
	// already moves the peer to failed via OnDisconnected. Both states reset
	// only on the retry deadline below.
	if p.conn == nil {
		switch p.state.Kind {
		case StateConnected, StateQueried, StatePassive:
			p.state = newState(StateNew, now)
		}
	}

	switch p.state.Kind {
	case StateFailed:
		if now.Sub(p.state.Since) > p.cfg.Peer.PeerRetryAfterFailureInterval {
			p.conn = nil
			p.bumpAttempt()
			p.state = newState(StateNew, p.state.Since)
		}
		p.mu.Unlock()

	case StateNew:
		p.handleNewLocked(now)
		p.mu.Unlock()

	case StateConnected, StateQueried:
		p.mu.Unlock()
		p.query()

	case StatePassive, StateIgnored:
		p.mu.Unlock()

	case StateConnecting, StateQuerying:
		if now.Sub(p.state.Since) > p.cfg.Peer.PeerRetryAfterFailureInterval {
			since := p.state.Since
			p.conn = nil
			p.bumpAttempt()
			p.state = newState(StateNew, since)
		}
		p.mu.Unlock()

	default:
		p.mu.Unlock()
	}
}

// handleNewLocked implements the "new" branch of advance(). Called with mu
// held; it never blocks on network I/O itself, delegating the actual dial to
// a goroutine so the peer mutex is never held across a connect attempt.
func (p *Peer) handleNewLocked(now time.Time) {
	if p.url.Port <= 0 {
		p.state = ignoredState("does not accept incoming")
		return
	}
	if !p.cfg.Peer.SupportsOutgoing {
		p.state = ignoredState("cannot make outgoing connections")
		return
	}
	attempt := p.bumpAttempt()
	p.state = newState(StateConnecting, now)
	go p.dial(attempt)
}

func (p *Peer) dial(attempt uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Peer.PeerRetryAfterFailureInterval)
	defer cancel()

	conn, _, err := peerconn.Dial(ctx, p.url.Address(), p.cfg.Server, p.cfg.Gossip.ProtocolVersion, p.codec, p.localUUID, p.localPort)

	p.mu.Lock()
	if p.attempt != attempt {
		p.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		p.state = failedState(time.Now(), err.Error())
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.attachConnection(conn)
}

// AttachIncoming wires an already-handshaked incoming connection into this
// peer, as network.Server does after accepting a channel from a node already
// known by uuid.
func (p *Peer) AttachIncoming(conn *peerconn.PeerConnection) {
	p.attachConnection(conn)
}

func (p *Peer) attachConnection(conn *peerconn.PeerConnection) {
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	conn.SetDelegate(p)
	p.OnConnected(conn)
}

// OnConnected implements peerconn.Delegate. A connection completing from
// either new (a freshly attached incoming channel, which never went through
// connecting) or connecting (a successful outgoing dial) becomes connected;
// any other state is left alone and logged.
func (p *Peer) OnConnected(conn *peerconn.PeerConnection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state.Kind {
	case StateConnecting, StateNew:
		p.state = newState(StateConnected, time.Now())
	default:
		logs.Debug("[Peer %s] on_connected while in state %s, ignoring", p.id, p.state.Kind)
	}
}

// OnDisconnected implements peerconn.Delegate. Only the loss of the peer's
// current connection moves it to failed("disconnected"); a connection the
// peer already detached itself (fail, genesis mismatch, Close) leaves the
// state that detaching set.
func (p *Peer) OnDisconnected(conn *peerconn.PeerConnection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != conn {
		return
	}
	p.conn = nil
	p.bumpAttempt()
	p.state = failedState(time.Now(), "disconnected")
}

// fail transitions the peer to failed(reason), closing and clearing any
// connection.
func (p *Peer) fail(reason string) {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.bumpAttempt()
	p.state = failedState(time.Now(), reason)
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// query sends a query request and, on reply, folds the resulting index (or
// passive marker, or error) into the peer's state.
func (p *Peer) query() {
	p.mu.Lock()
	conn := p.conn
	if conn == nil {
		p.mu.Unlock()
		return
	}
	now := time.Now()
	p.state = newState(StateQuerying, now)
	tReq := now
	p.mu.Unlock()

	_, err := conn.Request(gossip.Query(), func(reply gossip.Gossip, err error) {
		p.handleQueryReply(reply, err, tReq)
	})
	if err != nil {
		p.mu.Lock()
		p.state = failedState(time.Now(), err.Error())
		p.mu.Unlock()
	}
}

func (p *Peer) handleQueryReply(reply gossip.Gossip, replyErr error, tReq time.Time) {
	now := time.Now()

	p.mu.Lock()
	if replyErr != nil {
		p.state = failedState(now, replyErr.Error())
		p.mu.Unlock()
		return
	}
	p.lastSeen = now
	p.lastIndexRequestLatency = now.Sub(tReq) / 2

	switch reply.Action {
	case gossip.ActionIndex:
		localGenesis := p.node.Ledger().Genesis()
		if reply.Index.Genesis != localGenesis {
			conn := p.conn
			p.conn = nil
			p.bumpAttempt()
			p.state = ignoredState("believes in other genesis")
			p.mu.Unlock()
			if conn != nil {
				conn.Close()
			}
			return
		}
		p.state = newState(StateQueried, now)
		p.timeDifference = int64(reply.Index.Timestamp) - now.Unix()
		p.mu.Unlock()

		for _, u := range reply.Index.Peers {
			p.node.AddPeer(u)
		}
		p.node.ReceiveBest(types.Candidate{
			Hash:   reply.Index.Highest,
			Height: reply.Index.Height,
			Peer:   p.id.String(),
		})
		return

	case gossip.ActionPassive:
		p.state = newState(StatePassive, now)
		p.mu.Unlock()
		return

	default:
		p.state = failedState(now, "invalid reply to query")
		p.mu.Unlock()
		return
	}
}

// Receive implements peerconn.Delegate: frames that PeerConnection could not
// route to a pending callback (unsolicited pushes and inbound requests alike)
// land here. It only records lastSeen and enqueues the actual handling onto
// the peer's throttling queue, keeping the read path unblocked.
func (p *Peer) Receive(conn *peerconn.PeerConnection, g gossip.Gossip, counter uint32) {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()

	p.queue.Push(throttle.Item{Handle: func() {
		p.handleRequest(conn, g, counter)
	}})
}

func (p *Peer) handleRequest(conn *peerconn.PeerConnection, g gossip.Gossip, counter uint32) {
	switch g.Action {
	case gossip.ActionForget:
		p.mu.Lock()
		p.state = ignoredState("peer requested to be forgotten")
		p.mu.Unlock()
		// node.Forget ends in p.Close, which blocks waiting for this queue's
		// worker to exit. handleRequest runs inline on that same worker
		// goroutine (see throttle.Queue.drain), so calling Forget here
		// synchronously would make the worker wait on its own exit. Dispatch
		// it on a fresh goroutine instead.
		go p.node.Forget(p.id)

	case gossip.ActionTransaction:
		if err := p.node.ReceiveTransaction(g.Tx, p.id); err != nil {
			p.fail(fmt.Sprintf("invalid transaction: %v", err))
		}

	case gossip.ActionBlock:
		if err := p.node.ReceiveBlock(g.Block, p.id, false); err != nil {
			p.fail("received invalid unsolicited block")
		}

	case gossip.ActionFetch:
		p.handleFetch(conn, g, counter)

	case gossip.ActionQuery:
		p.handleQuery(conn, counter)

	default:
		p.mu.Lock()
		p.state = ignoredState("peer sent invalid request")
		p.mu.Unlock()
	}
}

// handleFetch answers a fetch request by walking the ledger backward from the
// requested hash. Peer's mutex is never held here; only the ledger's mutex is
// taken, so the peer -> ledger lock order is trivially satisfied.
func (p *Peer) handleFetch(conn *peerconn.PeerConnection, g gossip.Gossip, counter uint32) {
	if g.Extra > p.cfg.Gossip.MaximumExtraBlocks {
		p.fail("limit exceeded")
		return
	}

	led := p.node.Ledger()
	mu := led.Mutex()
	mu.RLock()
	block, ok := led.Get(g.Hash)
	if !ok {
		mu.RUnlock()
		conn.Reply(counter, gossip.Error("not found"))
		return
	}

	extra := make(map[types.Hash]types.BlockPayload)
	cur := block
	for i := uint32(0); i < g.Extra; i++ {
		prevHash := led.Previous(cur)
		if prevHash == types.ZeroHash {
			break
		}
		prevBlock, ok := led.Get(prevHash)
		if !ok {
			break
		}
		extra[prevHash] = prevBlock
		cur = prevBlock
	}
	mu.RUnlock()

	conn.Reply(counter, gossip.Result(block, extra))
}

func (p *Peer) handleQuery(conn *peerconn.PeerConnection, counter uint32) {
	led := p.node.Ledger()
	mu := led.Mutex()
	mu.RLock()
	idx := types.Index{
		Genesis:   led.Genesis(),
		Highest:   led.Highest(),
		Height:    led.Height(),
		Timestamp: uint64(time.Now().Unix()),
		Peers:     p.node.ValidPeers(),
	}
	mu.RUnlock()

	conn.Reply(counter, gossip.IndexReply(idx))
}

// SweepCallbacks forwards to the underlying connection's callback TTL sweep,
// if a connection is currently attached.
func (p *Peer) SweepCallbacks(ttl time.Duration) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		conn.SweepExpiredCallbacks(ttl)
	}
}
