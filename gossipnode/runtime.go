package gossipnode

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dex/config"
	"dex/gossip"
	"dex/logs"
	"dex/network"
)

// Runtime bundles a Server and a PeerTable and drives the peer-advance loop.
// It is the smallest complete wiring of the gossip core: an embedder with its
// own Node and Ledger implementations would replace PeerTable and MemLedger
// but reuse Server, peerconn and peer unchanged.
type Runtime struct {
	Table  *PeerTable
	Ledger *MemLedger
	Server *network.Server
	cfg    *config.Config
}

// New builds a Runtime listening on cfg.Server.ListenPort (0 disables
// incoming connections; the runtime then only dials out).
func New(id uuid.UUID, cfg *config.Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("gossipnode: invalid config: %w", err)
	}

	codec := gossip.NewCodec(cfg.Gossip.ActionKey, cfg.Gossip.MaximumExtraBlocks)
	led := NewMemLedger()
	table := NewPeerTable(id, cfg.Server.ListenPort, cfg, codec, led)

	rt := &Runtime{Table: table, Ledger: led, cfg: cfg}

	if cfg.Server.ListenPort > 0 {
		addr := fmt.Sprintf(":%d", cfg.Server.ListenPort)
		srv, err := network.Listen(addr, cfg.Server, cfg.Gossip, codec, table, id, cfg.Server.ListenPort)
		if err != nil {
			return nil, err
		}
		rt.Server = srv
	}

	return rt, nil
}

// Run blocks, accepting connections (if listening) and advancing the peer
// table on cfg.Peer.AdvancePollInterval, until ctx is cancelled.
func (rt *Runtime) Run(ctx context.Context) error {
	if rt.Server != nil {
		go func() {
			if err := rt.Server.Serve(ctx); err != nil {
				logs.Error("[gossipnode] server exited: %v", err)
			}
		}()
	}

	ticker := time.NewTicker(rt.cfg.Peer.AdvancePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if rt.Server != nil {
				rt.Server.Close()
			}
			return nil
		case <-ticker.C:
			rt.Table.Advance()
		}
	}
}

// AddPeer registers a peer URL to dial, as if it had been learned from
// another peer's index.
func (rt *Runtime) AddPeer(rawURL string) {
	rt.Table.AddPeer(rawURL)
}
