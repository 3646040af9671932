// Command gossipnode runs a standalone instance of the gossip and
// peer-management core against an in-memory ledger fixture. It exists for
// manual smoke-testing of the peer/network/peerconn wiring; a real chain node
// embeds the gossipnode package with its own ledger instead of running this
// binary directly.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"dex/config"
	"dex/gossipnode"
	"dex/logs"
	"dex/types"
)

func main() {
	var (
		listenPort = flag.Int("port", 9000, "QUIC listen port; 0 disables incoming connections")
		peerURL    = flag.String("peer", "", "optional peer URL to dial at startup, e.g. gossip://<uuid>@host:port/")
		nodeID     = flag.String("uuid", "", "this node's uuid; random if empty")
	)
	flag.Parse()

	id := uuid.New()
	if *nodeID != "" {
		parsed, err := uuid.Parse(*nodeID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "gossipnode: invalid -uuid: %v\n", err)
			os.Exit(1)
		}
		id = parsed
	}

	cfg := config.DefaultConfig()
	cfg.Server.ListenPort = *listenPort

	rt, err := gossipnode.New(id, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gossipnode: %v\n", err)
		os.Exit(1)
	}

	rt.Table.OnBestCandidate(func(c types.Candidate) {
		logs.Info("[gossipnode] new best candidate: hash=%s height=%d peer=%s", c.Hash, c.Height, c.Peer)
	})

	if *peerURL != "" {
		rt.AddPeer(*peerURL)
	}

	logs.Info("[gossipnode] starting: uuid=%s port=%d", id, *listenPort)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rt.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "gossipnode: %v\n", err)
		os.Exit(1)
	}
}
