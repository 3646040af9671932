package peer

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"dex/config"
	"dex/gossip"
	"dex/ledger"
	"dex/peerconn"
	"dex/types"
)

// fakeStream is an in-memory peerconn.Stream that records written frames and
// lets the test decode the most recent one to discover the counter Request
// assigned, so it can synthesize a matching reply.
type fakeStream struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (s *fakeStream) WriteFrame(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), data...))
	return nil
}
func (s *fakeStream) Close() error { s.mu.Lock(); s.closed = true; s.mu.Unlock(); return nil }

func (s *fakeStream) last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

// fakeLedger implements dex/ledger.Ledger with a small fixed chain:
// genesis(H0) <- H1 <- H2 <- H3 <- H4 <- H5, all preloaded.
type fakeLedger struct {
	mu      sync.RWMutex
	genesis types.Hash
	highest types.Hash
	height  uint64
	blocks  map[types.Hash]types.BlockPayload
	prev    map[types.Hash]types.Hash

	receivedTx     []types.BlockPayload
	receivedBlocks []types.BlockPayload
	failNextBlock  bool
}

func newFakeLedger() *fakeLedger {
	l := &fakeLedger{
		genesis: "H0",
		highest: "H5",
		height:  5,
		blocks:  map[types.Hash]types.BlockPayload{},
		prev:    map[types.Hash]types.Hash{},
	}
	chain := []types.Hash{"H0", "H1", "H2", "H3", "H4", "H5"}
	for i, h := range chain {
		l.blocks[h] = types.BlockPayload{"hash": string(h)}
		if i > 0 {
			l.prev[h] = chain[i-1]
		}
	}
	return l
}

func (l *fakeLedger) Mutex() *sync.RWMutex   { return &l.mu }
func (l *fakeLedger) Genesis() types.Hash    { return l.genesis }
func (l *fakeLedger) Highest() types.Hash    { return l.highest }
func (l *fakeLedger) Height() uint64         { return l.height }
func (l *fakeLedger) Get(h types.Hash) (types.BlockPayload, bool) {
	b, ok := l.blocks[h]
	return b, ok
}
func (l *fakeLedger) Previous(b types.BlockPayload) types.Hash {
	h, _ := b["hash"].(string)
	prev, ok := l.prev[types.Hash(h)]
	if !ok {
		return types.ZeroHash
	}
	return prev
}
func (l *fakeLedger) ReceiveTransaction(tx types.BlockPayload) error {
	l.receivedTx = append(l.receivedTx, tx)
	return nil
}
func (l *fakeLedger) ReceiveBlock(b types.BlockPayload, wasRequested bool) error {
	if l.failNextBlock {
		l.failNextBlock = false
		return errFakeInvalidBlock
	}
	l.receivedBlocks = append(l.receivedBlocks, b)
	return nil
}

var errFakeInvalidBlock = fakeErr("invalid block")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

// fakeNode implements dex/node.Node.
type fakeNode struct {
	mu sync.Mutex

	id   uuid.UUID
	port int
	led  *fakeLedger

	addedPeers []string
	forgotten  []uuid.UUID
	best       []types.Candidate
	validURLs  []string

	txFrom    []uuid.UUID
	blockFrom []uuid.UUID

	// onForget, when set, runs after Forget records id. Tests use it to
	// mimic gossipnode.PeerTable.Forget, which closes the peer synchronously.
	onForget func(uuid.UUID)
}

func (n *fakeNode) UUID() uuid.UUID       { return n.id }
func (n *fakeNode) Port() int             { return n.port }
func (n *fakeNode) Ledger() ledger.Ledger { return n.led }
func (n *fakeNode) MedianNetworkTime() uint64 { return uint64(time.Now().Unix()) }
func (n *fakeNode) ReceiveTransaction(tx types.BlockPayload, from uuid.UUID) error {
	n.mu.Lock()
	n.txFrom = append(n.txFrom, from)
	n.mu.Unlock()
	return n.led.ReceiveTransaction(tx)
}
func (n *fakeNode) ReceiveBlock(block types.BlockPayload, from uuid.UUID, wasRequested bool) error {
	n.mu.Lock()
	n.blockFrom = append(n.blockFrom, from)
	n.mu.Unlock()
	return n.led.ReceiveBlock(block, wasRequested)
}
func (n *fakeNode) AddPeer(url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.addedPeers = append(n.addedPeers, url)
}
func (n *fakeNode) Forget(id uuid.UUID) {
	n.mu.Lock()
	n.forgotten = append(n.forgotten, id)
	fn := n.onForget
	n.mu.Unlock()
	if fn != nil {
		fn(id)
	}
}
func (n *fakeNode) ReceiveBest(c types.Candidate) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.best = append(n.best, c)
}
func (n *fakeNode) ValidPeers() []string { return n.validURLs }

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Peer.PeerRetryAfterFailureInterval = 30 * time.Millisecond
	cfg.Throttle.MaximumPeerRequestRate = time.Millisecond
	cfg.Throttle.MaximumPeerRequestQueueSize = 16
	cfg.Gossip.MaximumExtraBlocks = 3
	return cfg
}

func newTestPeer(t *testing.T, n *fakeNode, cfg *config.Config) (*Peer, *fakeStream) {
	t.Helper()
	codec := gossip.NewCodec(cfg.Gossip.ActionKey, cfg.Gossip.MaximumExtraBlocks)
	url := BuildPeerURL("gossip", uuid.New(), "127.0.0.1", 9001)
	p, err := New(url, n, cfg, codec, n.id, n.port)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.Close)

	stream := &fakeStream{}
	conn := peerconn.NewConnection(stream, codec, 0, "test")
	p.AttachIncoming(conn)
	return p, stream
}

func waitForState(t *testing.T, p *Peer, want Kind) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p.State().Kind == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state never became %s, last was %s", want, p.State().Kind)
}

func TestAttachIncomingTransitionsToConnected(t *testing.T) {
	n := &fakeNode{id: uuid.New(), led: newFakeLedger()}
	p, _ := newTestPeer(t, n, testConfig())
	if got := p.State().Kind; got != StateConnected {
		t.Fatalf("state = %s, want connected", got)
	}
}

// TestQueryIndexReply covers a query answered with a matching genesis:
// it produces state=queried and exactly one receive_best call.
func TestQueryIndexReply(t *testing.T) {
	n := &fakeNode{id: uuid.New(), led: newFakeLedger()}
	cfg := testConfig()
	codec := gossip.NewCodec(cfg.Gossip.ActionKey, cfg.Gossip.MaximumExtraBlocks)
	p, stream := newTestPeer(t, n, cfg)

	p.Advance(time.Now()) // connected -> query()

	frame := stream.last()
	if frame == nil {
		t.Fatal("no request frame sent")
	}
	counter, sent, err := codec.DecodeFrame(frame)
	if err != nil || sent.Action != gossip.ActionQuery {
		t.Fatalf("expected an outbound query, got action=%v err=%v", sent.Action, err)
	}

	reply, err := codec.EncodeFrame(counter, gossip.IndexReply(types.Index{
		Genesis:   "H0",
		Highest:   "H5",
		Height:    5,
		Timestamp: 1700000000,
		Peers:     []string{"gossip://" + uuid.New().String() + "@10.0.0.9:9000/"},
	}))
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}

	p.conn.Receive(reply)

	waitForState(t, p, StateQueried)

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.best) != 1 || n.best[0].Hash != "H5" || n.best[0].Height != 5 {
		t.Fatalf("receive_best calls = %+v, want exactly one candidate H5/5", n.best)
	}
	if len(n.addedPeers) != 1 {
		t.Fatalf("addedPeers = %v, want 1 entry", n.addedPeers)
	}
}

// TestQueryGenesisMismatch covers a query answered with a mismatched genesis.
func TestQueryGenesisMismatch(t *testing.T) {
	n := &fakeNode{id: uuid.New(), led: newFakeLedger()}
	cfg := testConfig()
	codec := gossip.NewCodec(cfg.Gossip.ActionKey, cfg.Gossip.MaximumExtraBlocks)
	p, stream := newTestPeer(t, n, cfg)

	p.Advance(time.Now())
	frame := stream.last()
	counter, _, _ := codec.DecodeFrame(frame)

	reply, _ := codec.EncodeFrame(counter, gossip.IndexReply(types.Index{
		Genesis: "OTHER-GENESIS",
		Highest: "X",
		Height:  1,
	}))
	p.conn.Receive(reply)

	waitForState(t, p, StateIgnored)

	if p.State().Reason != "believes in other genesis" {
		t.Fatalf("reason = %q, want %q", p.State().Reason, "believes in other genesis")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.best) != 0 {
		t.Fatalf("receive_best called %d times, want 0", len(n.best))
	}
	if len(n.addedPeers) != 0 {
		t.Fatalf("addedPeers = %v, want none stored on genesis mismatch", n.addedPeers)
	}
}

// TestHandleFetchWalksAncestors covers a fetch for H5 with extra=3: it
// returns exactly the three ancestors H4, H3, H2.
func TestHandleFetchWalksAncestors(t *testing.T) {
	n := &fakeNode{id: uuid.New(), led: newFakeLedger()}
	cfg := testConfig()
	p, stream := newTestPeer(t, n, cfg)
	codec := gossip.NewCodec(cfg.Gossip.ActionKey, cfg.Gossip.MaximumExtraBlocks)

	p.conn.Receive(mustEncode(t, codec, 2, gossip.Fetch("H5", 3)))

	waitFor(t, func() bool {
		stream.mu.Lock()
		defer stream.mu.Unlock()
		return len(stream.frames) >= 1
	})
	_, reply, err := codec.DecodeFrame(stream.last())
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Action != gossip.ActionResult {
		t.Fatalf("action = %s, want result", reply.Action)
	}
	if len(reply.Result) != 3 {
		t.Fatalf("extra entries = %d, want 3", len(reply.Result))
	}
	for _, want := range []types.Hash{"H4", "H3", "H2"} {
		if _, ok := reply.Result[want]; !ok {
			t.Fatalf("missing ancestor %s in result", want)
		}
	}
}

// TestHandleTransactionAndBlockAttributeSender covers that unsolicited
// transactions and blocks are routed through node.Node (not straight to the
// ledger), so the receiving peer's identity survives to the embedder.
func TestHandleTransactionAndBlockAttributeSender(t *testing.T) {
	n := &fakeNode{id: uuid.New(), led: newFakeLedger()}
	cfg := testConfig()
	p, _ := newTestPeer(t, n, cfg)
	codec := gossip.NewCodec(cfg.Gossip.ActionKey, cfg.Gossip.MaximumExtraBlocks)

	p.conn.Receive(mustEncode(t, codec, 0, gossip.TxGossip(types.BlockPayload{"id": "tx1"})))
	p.conn.Receive(mustEncode(t, codec, 0, gossip.BlockGossip(types.BlockPayload{
		"height":   uint64(6),
		"previous": string(types.Hash("H5")),
	})))

	waitFor(t, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		return len(n.txFrom) == 1 && len(n.blockFrom) == 1
	})

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.txFrom[0] != p.id {
		t.Fatalf("txFrom = %v, want [%s]", n.txFrom, p.id)
	}
	if n.blockFrom[0] != p.id {
		t.Fatalf("blockFrom = %v, want [%s]", n.blockFrom, p.id)
	}
}

// TestHandleFetchLimitExceeded covers a fetch whose extra count exceeds the
// configured limit.
func TestHandleFetchLimitExceeded(t *testing.T) {
	n := &fakeNode{id: uuid.New(), led: newFakeLedger()}
	cfg := testConfig() // MaximumExtraBlocks = 3
	p, _ := newTestPeer(t, n, cfg)
	codec := gossip.NewCodec(cfg.Gossip.ActionKey, cfg.Gossip.MaximumExtraBlocks)

	p.conn.Receive(mustEncode(t, codec, 2, gossip.Fetch("H5", 4)))

	waitForState(t, p, StateFailed)
	if p.State().Reason != "limit exceeded" {
		t.Fatalf("reason = %q, want %q", p.State().Reason, "limit exceeded")
	}
}

// TestAdvanceResetsHungConnecting covers a peer stuck dialing an unroutable
// address past its retry deadline.
func TestAdvanceResetsHungConnecting(t *testing.T) {
	n := &fakeNode{id: uuid.New(), led: newFakeLedger()}
	cfg := testConfig()
	codec := gossip.NewCodec(cfg.Gossip.ActionKey, cfg.Gossip.MaximumExtraBlocks)
	url := BuildPeerURL("gossip", uuid.New(), "10.0.0.1", 65000) // unroutable, dial will hang/fail
	p, err := New(url, n, cfg, codec, n.id, n.port)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	t0 := time.Now().Add(-time.Hour)
	p.mu.Lock()
	p.state = newState(StateConnecting, t0)
	p.mu.Unlock()

	p.Advance(t0.Add(cfg.Peer.PeerRetryAfterFailureInterval + time.Millisecond))

	if got := p.State(); got.Kind != StateNew || !got.Since.Equal(t0) {
		t.Fatalf("state = %+v, want new(since=%v)", got, t0)
	}
}

func TestReceiveUpdatesLastSeen(t *testing.T) {
	n := &fakeNode{id: uuid.New(), led: newFakeLedger()}
	cfg := testConfig()
	p, _ := newTestPeer(t, n, cfg)
	codec := gossip.NewCodec(cfg.Gossip.ActionKey, cfg.Gossip.MaximumExtraBlocks)

	before := p.LastSeen()
	p.conn.Receive(mustEncode(t, codec, 0, gossip.Passive()))

	waitFor(t, func() bool { return p.LastSeen().After(before) })
}

// TestHandleForgetClosesPeerWithoutDeadlock covers ActionForget: the peer
// must transition to ignored and, even when node.Forget turns around and
// closes this same peer (as gossipnode.PeerTable.Forget does), the drain
// worker handling the request must not block on its own shutdown.
func TestHandleForgetClosesPeerWithoutDeadlock(t *testing.T) {
	n := &fakeNode{id: uuid.New(), led: newFakeLedger()}
	cfg := testConfig()
	p, _ := newTestPeer(t, n, cfg)
	codec := gossip.NewCodec(cfg.Gossip.ActionKey, cfg.Gossip.MaximumExtraBlocks)

	n.onForget = func(uuid.UUID) { p.Close() }

	p.conn.Receive(mustEncode(t, codec, 0, gossip.Forget()))

	waitForState(t, p, StateIgnored)
	if p.State().Reason != "peer requested to be forgotten" {
		t.Fatalf("reason = %q, want %q", p.State().Reason, "peer requested to be forgotten")
	}

	waitFor(t, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		return len(n.forgotten) == 1 && n.forgotten[0] == p.id
	})
}

// TestSendPushesUnsolicitedFrame covers a Node forwarding its own new
// transaction out to a connected peer.
func TestSendPushesUnsolicitedFrame(t *testing.T) {
	n := &fakeNode{id: uuid.New(), led: newFakeLedger()}
	cfg := testConfig()
	p, stream := newTestPeer(t, n, cfg)
	codec := gossip.NewCodec(cfg.Gossip.ActionKey, cfg.Gossip.MaximumExtraBlocks)

	if err := p.Send(gossip.TxGossip(types.BlockPayload{"id": "tx1"})); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, func() bool { return stream.last() != nil })
	_, sent, err := codec.DecodeFrame(stream.last())
	if err != nil {
		t.Fatalf("decode sent frame: %v", err)
	}
	if sent.Action != gossip.ActionTransaction {
		t.Fatalf("action = %s, want tx", sent.Action)
	}
}

// TestSendWithoutConnectionFails covers a peer with no live connection
// rejecting Send instead of silently dropping it.
func TestSendWithoutConnectionFails(t *testing.T) {
	n := &fakeNode{id: uuid.New(), led: newFakeLedger()}
	cfg := testConfig()
	url := BuildPeerURL("gossip", uuid.New(), "127.0.0.1", 9001)
	p, err := New(url, n, cfg, gossip.NewCodec(cfg.Gossip.ActionKey, cfg.Gossip.MaximumExtraBlocks), n.id, n.port)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if err := p.Send(gossip.TxGossip(types.BlockPayload{"id": "tx1"})); err == nil {
		t.Fatal("expected an error sending with no live connection")
	}
}

func mustEncode(t *testing.T, codec *gossip.Codec, counter uint32, g gossip.Gossip) []byte {
	t.Helper()
	data, err := codec.EncodeFrame(counter, g)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	return data
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}
