package gossipnode

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"dex/config"
	"dex/gossip"
	"dex/ledger"
	"dex/logs"
	"dex/peer"
	"dex/peerconn"
	"dex/stats"
	"dex/types"
)

// PeerTable is the concrete node.Node and network.Registry implementation
// this package supplies: a mutex-guarded map of known peers plus the small
// amount of state (uuid, port, ledger, seen candidates) the gossip core needs
// from its embedder.
type PeerTable struct {
	id   uuid.UUID
	port int

	cfg   *config.Config
	codec *gossip.Codec
	led   ledger.Ledger

	mu    sync.Mutex
	peers map[uuid.UUID]*peer.Peer

	bestMu sync.Mutex
	best   types.Candidate

	candidateHandler func(types.Candidate)

	callCounts *stats.EventCounter
	latency    *stats.LatencyRecorder
}

// NewPeerTable constructs an empty table for a node identified by id,
// listening on port (0 for passive-only).
func NewPeerTable(id uuid.UUID, port int, cfg *config.Config, codec *gossip.Codec, led ledger.Ledger) *PeerTable {
	return &PeerTable{
		id:         id,
		port:       port,
		cfg:        cfg,
		codec:      codec,
		led:        led,
		peers:      make(map[uuid.UUID]*peer.Peer),
		callCounts: stats.NewEventCounter(),
		latency:    stats.NewLatencyRecorder(2048),
	}
}

// Stats reports how many times each peer state has been observed across
// every peer by Advance (keys "advance.<state>", e.g. "advance.new"), and
// latency percentiles under "query" built from each peer's
// LastIndexRequestLatency (half the query round-trip), sampled once per
// Advance.
func (t *PeerTable) Stats() (map[string]uint64, map[string]stats.LatencySummary) {
	return t.callCounts.Counts(), t.latency.Snapshot(false)
}

// UUID implements node.Node.
func (t *PeerTable) UUID() uuid.UUID { return t.id }

// Port implements node.Node.
func (t *PeerTable) Port() int { return t.port }

// Ledger implements node.Node.
func (t *PeerTable) Ledger() ledger.Ledger { return t.led }

// MedianNetworkTime implements node.Node. This fixture reports the local
// clock; a real embedder would track offsets across the whole peer set.
func (t *PeerTable) MedianNetworkTime() uint64 {
	return uint64(time.Now().Unix())
}

// ReceiveTransaction implements node.Node by forwarding to the ledger. from
// is logged rather than acted on: this reference table does no misbehavior
// scoring, but a real embedder wired at this same seam could ban a peer that
// repeatedly sends invalid transactions.
func (t *PeerTable) ReceiveTransaction(tx types.BlockPayload, from uuid.UUID) error {
	if err := t.led.ReceiveTransaction(tx); err != nil {
		logs.Debug("[PeerTable] rejected transaction from %s: %v", from, err)
		return err
	}
	return nil
}

// ReceiveBlock implements node.Node by forwarding to the ledger, logging
// which peer it came from when the ledger rejects it.
func (t *PeerTable) ReceiveBlock(block types.BlockPayload, from uuid.UUID, wasRequested bool) error {
	if err := t.led.ReceiveBlock(block, wasRequested); err != nil {
		logs.Debug("[PeerTable] rejected block from %s: %v", from, err)
		return err
	}
	return nil
}

// OnBestCandidate installs a callback invoked whenever ReceiveBest reports a
// candidate strictly better (by height) than the last one reported.
func (t *PeerTable) OnBestCandidate(fn func(types.Candidate)) {
	t.bestMu.Lock()
	t.candidateHandler = fn
	t.bestMu.Unlock()
}

// ReceiveBest implements node.Node.
func (t *PeerTable) ReceiveBest(candidate types.Candidate) {
	t.bestMu.Lock()
	better := candidate.Height > t.best.Height
	if better {
		t.best = candidate
	}
	handler := t.candidateHandler
	t.bestMu.Unlock()

	if better && handler != nil {
		handler(candidate)
	}
}

// AddPeer implements node.Node: registers rawURL as a candidate peer if it is
// not already known. Malformed URLs are logged and ignored: one peer's bad
// input never propagates to the rest of the table.
func (t *PeerTable) AddPeer(rawURL string) {
	p, err := peer.ParsePeerURL(rawURL)
	if err != nil {
		logs.Debug("[PeerTable] ignoring invalid peer url %q: %v", rawURL, err)
		return
	}
	if p.UUID == t.id {
		return // never add ourselves
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[p.UUID]; ok {
		return
	}
	newPeer, err := peer.New(rawURL, t, t.cfg, t.codec, t.id, t.port)
	if err != nil {
		logs.Debug("[PeerTable] failed to construct peer for %q: %v", rawURL, err)
		return
	}
	t.peers[p.UUID] = newPeer
}

// Forget implements node.Node.
func (t *PeerTable) Forget(peerUUID uuid.UUID) {
	t.mu.Lock()
	p, ok := t.peers[peerUUID]
	if ok {
		delete(t.peers, peerUUID)
	}
	t.mu.Unlock()
	if ok {
		p.Close()
	}
}

// ValidPeers implements node.Node: every URL this node is willing to publish
// in its own Index replies.
func (t *PeerTable) ValidPeers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	urls := make([]string, 0, len(t.peers))
	for _, p := range t.peers {
		urls = append(urls, p.URL())
	}
	return urls
}

// AttachIncoming implements network.Registry: find or create the Peer for
// remoteUUID and hand it the freshly handshaken connection.
func (t *PeerTable) AttachIncoming(remoteUUID uuid.UUID, remoteHost string, remotePort int, conn *peerconn.PeerConnection) error {
	t.mu.Lock()
	p, ok := t.peers[remoteUUID]
	if !ok {
		url := peer.BuildPeerURL("gossip", remoteUUID, remoteHost, remotePort)
		var err error
		p, err = peer.New(url, t, t.cfg, t.codec, t.id, t.port)
		if err != nil {
			t.mu.Unlock()
			return err
		}
		t.peers[remoteUUID] = p
	}
	t.mu.Unlock()

	p.AttachIncoming(conn)
	return nil
}

// Advance drives every known peer's state machine once. Intended to be
// called on a ticker (see Runtime.Run).
func (t *PeerTable) Advance() {
	now := time.Now()
	t.mu.Lock()
	peers := make([]*peer.Peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	for _, p := range peers {
		p.Advance(now)
		p.SweepCallbacks(t.cfg.CallbackTTL())

		t.callCounts.RecordEvent("advance." + p.State().Kind.String())
		if d := p.LastIndexRequestLatency(); d > 0 {
			t.latency.Record("query", d)
		}
	}
}

// BroadcastTransaction disseminates a locally originated transaction to
// every known peer with a live connection. Send failures are logged and
// otherwise ignored: a peer with a dead connection will be dropped or
// retried by the next Advance, not by the broadcast itself.
func (t *PeerTable) BroadcastTransaction(tx types.BlockPayload) {
	t.broadcast(gossip.TxGossip(tx))
}

// BroadcastBlock disseminates a locally originated block to every known peer
// with a live connection.
func (t *PeerTable) BroadcastBlock(block types.BlockPayload) {
	t.broadcast(gossip.BlockGossip(block))
}

func (t *PeerTable) broadcast(g gossip.Gossip) {
	for _, p := range t.Peers() {
		if err := p.Send(g); err != nil {
			logs.Debug("[PeerTable] broadcast to %s failed: %v", p.UUID(), err)
		}
	}
}

// Peers returns a snapshot of every known peer, for observability.
func (t *PeerTable) Peers() []*peer.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*peer.Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}
