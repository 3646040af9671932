// Package network implements the accept side of the gossip transport: a
// Server listens for incoming QUIC connections, hands each one through the
// handshake in peerconn.Listener, and routes it to the Peer object that
// represents its remote uuid, creating one via the Registry if none exists
// yet.
package network

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"dex/config"
	"dex/gossip"
	"dex/logs"
	"dex/peerconn"
)

// Registry is the subset of peer-table management the Server needs: given an
// incoming connection's self-reported identity, produce the Peer that should
// own it and attach the connection. Implemented by the node runtime that owns
// the peer table (cmd/gossipnode wires this).
type Registry interface {
	AttachIncoming(remoteUUID uuid.UUID, remoteHost string, remotePort int, conn *peerconn.PeerConnection) error
}

// Server owns the QUIC listener and the map of currently accepted
// connections, keyed by the remote peer's uuid. The map exists for
// observability and duplicate-connection detection; ownership of each
// connection's lifecycle belongs to the Peer it was attached to.
type Server struct {
	listener *peerconn.Listener
	registry Registry

	mu          sync.Mutex
	connections map[uuid.UUID]*peerconn.PeerConnection
}

// Listen binds addr and returns a Server ready to Serve. localUUID/localPort
// are echoed back to dialing peers during the handshake.
func Listen(addr string, cfg config.ServerConfig, gossipCfg config.GossipConfig, codec *gossip.Codec, registry Registry, localUUID uuid.UUID, localPort int) (*Server, error) {
	listener, err := peerconn.Listen(addr, cfg, gossipCfg.ProtocolVersion, codec, localUUID, localPort)
	if err != nil {
		return nil, fmt.Errorf("network: listen: %w", err)
	}
	return &Server{
		listener:    listener,
		registry:    registry,
		connections: make(map[uuid.UUID]*peerconn.PeerConnection),
	}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Serve runs the accept loop until ctx is cancelled. Accept errors are
// logged and the loop continues. The handshake runs inside
// listener.Accept, on the accept loop itself, so a slow handshake delays
// the next accept; only the registry attachment of an accepted connection
// runs on its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, remoteUUID, remotePort, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logs.Warn("[network.Server] accept failed: %v", err)
			continue
		}
		go s.handleAccepted(conn, remoteUUID, remotePort)
	}
}

func (s *Server) handleAccepted(conn *peerconn.PeerConnection, remoteUUID uuid.UUID, remotePort int) {
	host, _, _ := splitHost(conn.Label())

	if err := s.registry.AttachIncoming(remoteUUID, host, remotePort, conn); err != nil {
		logs.Warn("[network.Server] rejecting connection from %s: %v", remoteUUID, err)
		conn.Close()
		return
	}

	s.register(remoteUUID, conn)
	go func() {
		<-conn.Done()
		s.remove(remoteUUID, conn)
	}()
}

func (s *Server) register(id uuid.UUID, conn *peerconn.PeerConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.connections[id]; ok && existing != conn {
		// A second channel from an already-connected peer; keep the
		// newcomer and close the previous connection rather than silently
		// orphaning it.
		go existing.Close()
	}
	s.connections[id] = conn
}

func (s *Server) remove(id uuid.UUID, conn *peerconn.PeerConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connections[id] == conn {
		delete(s.connections, id)
	}
}

// ConnectionCount reports how many connections are currently registered.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// Close stops accepting new connections. Already-accepted connections are
// left running; their owning Peers are responsible for closing them.
func (s *Server) Close() error {
	return s.listener.Close()
}

func splitHost(label string) (host string, port string, ok bool) {
	for i := len(label) - 1; i >= 0; i-- {
		if label[i] == ':' {
			return label[:i], label[i+1:], true
		}
	}
	return label, "", false
}
