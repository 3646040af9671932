// Package node declares the Node collaborator interface consumed by peer.Peer and
// network.Server. This package is contract-only; gossipnode.PeerTable is the
// concrete implementation this module ships.
package node

import (
	"github.com/google/uuid"

	"dex/ledger"
	"dex/types"
)

// Node is the surface the gossip core needs from the embedding application: its
// own identity, its ledger, and callbacks to register/forget/receive-from peers.
type Node interface {
	// UUID identifies this node; embedded in outgoing connection requests and in
	// this node's own peer URL.
	UUID() uuid.UUID

	// Port is the local listen port for incoming connections; <= 0 means this
	// node does not accept incoming connections.
	Port() int

	// AddPeer registers a URL (learned from a peer's Index, or supplied by
	// the embedder) as a new candidate peer. It is a no-op if the peer is
	// already known. Incoming connections do not pass through AddPeer; they
	// reach the peer table through network.Registry.AttachIncoming.
	AddPeer(url string)

	// Forget permanently removes a peer, identified by its UUID, from the
	// node's peer table.
	Forget(peerUUID uuid.UUID)

	// ReceiveBest reports a candidate chain head learned from a peer's Index.
	ReceiveBest(candidate types.Candidate)

	// ValidPeers returns the set of peer URLs this node is willing to publish
	// in its own Index replies.
	ValidPeers() []string

	// Ledger exposes the ledger collaborator used to answer fetch/query
	// requests.
	Ledger() ledger.Ledger

	// ReceiveTransaction routes a transaction gossiped by peer from into the
	// node. Unlike calling Ledger().ReceiveTransaction directly, this
	// preserves which peer sent it, so an embedder can score or ban a peer
	// that repeatedly sends invalid data.
	ReceiveTransaction(tx types.BlockPayload, from uuid.UUID) error

	// ReceiveBlock routes a block gossiped by peer from into the node.
	// wasRequested distinguishes a block received in reply to a fetch from
	// one received as unsolicited gossip.
	ReceiveBlock(block types.BlockPayload, from uuid.UUID, wasRequested bool) error

	// MedianNetworkTime is the node's estimate of the network's median clock.
	// peer.Peer does not call it: a peer's timeDifference is computed against
	// the local clock.
	MedianNetworkTime() uint64
}
