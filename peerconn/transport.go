package peerconn

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"dex/config"
	"dex/gossip"
)

// alpnFor builds the QUIC ALPN protocol string peers negotiate on, distinct per gossip
// protocol version so an old and a new binary refuse to speak past each other at
// the TLS layer already, before the handshake frame is even read.
const alpnPrefix = "gossip-"

func alpnFor(protocolVersion string) string { return alpnPrefix + protocolVersion }

// quicStream adapts a quic.Stream to the Stream interface consumed by
// PeerConnection.
type quicStream struct {
	stream quic.Stream
}

func (s *quicStream) WriteFrame(data []byte) error { return writeFrame(s.stream, data) }
func (s *quicStream) Close() error                 { return s.stream.Close() }

// zeroReader feeds an all-zero byte stream to x509.CreateCertificate so
// certificate generation is deterministic across restarts; the certificate only
// needs to establish an encrypted channel between peers who already authenticate
// each other at the gossip layer via handshake uuids, not to anchor trust the way
// a CA-issued certificate would.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func devCertificate() (tls.Certificate, error) {
	seed := sha256.Sum256([]byte("dex-gossip-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

func tlsVersion(name string) uint16 {
	switch name {
	case "1.2":
		return tls.VersionTLS12
	default:
		return tls.VersionTLS13
	}
}

func serverTLSConfig(cfg config.ServerConfig, protocolVersion string) (*tls.Config, error) {
	cert, err := devCertificate()
	if err != nil {
		return nil, fmt.Errorf("peerconn: generate server certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tlsVersion(cfg.TLSMinVersion),
		MaxVersion:   tlsVersion(cfg.TLSMaxVersion),
		NextProtos:   []string{alpnFor(protocolVersion)},
	}, nil
}

func clientTLSConfig(cfg config.ServerConfig, protocolVersion string) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tlsVersion(cfg.TLSMinVersion),
		MaxVersion:         tlsVersion(cfg.TLSMaxVersion),
		ClientSessionCache: tls.NewLRUClientSessionCache(cfg.TLSSessionCacheSize),
		NextProtos:         []string{alpnFor(protocolVersion)},
	}
}

func quicConfig(cfg config.ServerConfig) *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: cfg.QUICKeepAlivePeriod,
		MaxIdleTimeout:  cfg.QUICMaxIdleTimeout,
		Allow0RTT:       cfg.QUICAllow0RTT,
	}
}

// Listener wraps a quic.Listener and returns each accepted connection's first
// stream, after handshake validation, from Accept. It is the transport half of
// network.Server: Server owns identity/registration bookkeeping, Listener
// owns the QUIC-specific accept loop.
type Listener struct {
	inner           *quic.Listener
	codec           *gossip.Codec
	protocolVersion string
	localUUID       uuid.UUID
	localPort       int

	closeOnce sync.Once
}

// Listen binds addr and returns a Listener ready to Accept. addr is typically
// ":<port>".
func Listen(addr string, cfg config.ServerConfig, protocolVersion string, codec *gossip.Codec, localUUID uuid.UUID, localPort int) (*Listener, error) {
	tlsConf, err := serverTLSConfig(cfg, protocolVersion)
	if err != nil {
		return nil, err
	}
	inner, err := quic.ListenAddr(addr, tlsConf, quicConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("peerconn: listen %s: %w", addr, err)
	}
	return &Listener{
		inner:           inner,
		codec:           codec,
		protocolVersion: protocolVersion,
		localUUID:       localUUID,
		localPort:       localPort,
	}, nil
}

// Addr returns the local listen address.
func (l *Listener) Addr() net.Addr { return l.inner.Addr() }

// Accept blocks for the next incoming QUIC connection, accepts its first
// stream, exchanges handshakes on it, and returns a ready PeerConnection along
// with the remote's self-reported uuid and listen port. It never returns a
// partially-constructed PeerConnection: handshake failures close the
// connection and return an error instead.
func (l *Listener) Accept(ctx context.Context) (conn *PeerConnection, remoteUUID uuid.UUID, remotePort int, err error) {
	quicConn, err := l.inner.Accept(ctx)
	if err != nil {
		return nil, uuid.UUID{}, 0, fmt.Errorf("peerconn: accept connection: %w", err)
	}
	stream, err := quicConn.AcceptStream(ctx)
	if err != nil {
		quicConn.CloseWithError(0, "stream accept failed")
		return nil, uuid.UUID{}, 0, fmt.Errorf("peerconn: accept stream: %w", err)
	}

	remoteUUID, remotePort, err = l.exchangeHandshake(stream)
	if err != nil {
		stream.Close()
		quicConn.CloseWithError(0, "handshake failed")
		return nil, uuid.UUID{}, 0, err
	}

	conn = newConnection(&quicStream{stream: stream}, l.codec, 1, quicConn.RemoteAddr().String())
	go readLoop(conn, stream)
	return conn, remoteUUID, remotePort, nil
}

func (l *Listener) exchangeHandshake(stream quic.Stream) (uuid.UUID, int, error) {
	frame, err := readFrame(stream)
	if err != nil {
		return uuid.UUID{}, 0, fmt.Errorf("peerconn: read handshake: %w", err)
	}
	remoteUUID, remotePort, err := decodeHandshake(frame, l.protocolVersion)
	if err != nil {
		return uuid.UUID{}, 0, err
	}
	reply, err := encodeHandshake(l.protocolVersion, l.localUUID, l.localPort)
	if err != nil {
		return uuid.UUID{}, 0, fmt.Errorf("peerconn: encode handshake reply: %w", err)
	}
	if err := writeFrame(stream, reply); err != nil {
		return uuid.UUID{}, 0, fmt.Errorf("peerconn: write handshake reply: %w", err)
	}
	return remoteUUID, remotePort, nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() { err = l.inner.Close() })
	return err
}

// Dial opens an outgoing connection to addr (host:port), exchanges handshakes,
// and returns a ready PeerConnection along with the remote's self-reported
// listen port (its uuid is already known to the caller, since dialing a peer
// requires knowing its uuid up front, as encoded in a peer URL).
func Dial(ctx context.Context, addr string, cfg config.ServerConfig, protocolVersion string, codec *gossip.Codec, localUUID uuid.UUID, localPort int) (conn *PeerConnection, remotePort int, err error) {
	tlsConf := clientTLSConfig(cfg, protocolVersion)
	quicConn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig(cfg))
	if err != nil {
		return nil, 0, fmt.Errorf("peerconn: dial %s: %w", addr, err)
	}
	stream, err := quicConn.OpenStreamSync(ctx)
	if err != nil {
		quicConn.CloseWithError(0, "open stream failed")
		return nil, 0, fmt.Errorf("peerconn: open stream to %s: %w", addr, err)
	}

	request, err := encodeHandshake(protocolVersion, localUUID, localPort)
	if err != nil {
		stream.Close()
		return nil, 0, fmt.Errorf("peerconn: encode handshake: %w", err)
	}
	if err := writeFrame(stream, request); err != nil {
		stream.Close()
		return nil, 0, fmt.Errorf("peerconn: write handshake: %w", err)
	}
	frame, err := readFrame(stream)
	if err != nil {
		stream.Close()
		return nil, 0, fmt.Errorf("peerconn: read handshake reply: %w", err)
	}
	_, remotePort, err = decodeHandshake(frame, protocolVersion)
	if err != nil {
		stream.Close()
		return nil, 0, err
	}

	conn = newConnection(&quicStream{stream: stream}, codec, 0, addr)
	go readLoop(conn, stream)
	return conn, remotePort, nil
}

// readLoop pumps frames off stream and hands each to conn.Receive until the
// stream errors, at which point it closes conn. It is the sole reader of
// stream, matching the single-reader-goroutine-per-stream pattern
// munonun-Web4's ListenAndServeWithReady uses around AcceptStream/io.ReadAll.
func readLoop(conn *PeerConnection, stream quic.Stream) {
	for {
		frame, err := readFrame(stream)
		if err != nil {
			conn.Close()
			return
		}
		conn.Receive(frame)
	}
}
