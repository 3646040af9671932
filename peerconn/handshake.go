package peerconn

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// handshake is the first frame exchanged on every stream, in both directions,
// before any gossip frame. It carries the identification an Outgoing
// connection would otherwise embed as query parameters on a connection
// request URL (uuid, port): a raw QUIC stream has no URL, so the same two
// fields travel as the opening frame's payload instead.
type handshake struct {
	ProtocolVersion string `json:"protocolVersion"`
	UUID            string `json:"uuid"`
	Port            int    `json:"port"`
}

// ErrProtocolVersionMissing is returned when a peer's handshake carries no
// protocol version tag at all — an empty field, not merely a different one.
var ErrProtocolVersionMissing = fmt.Errorf("peerconn: handshake missing protocol version")

// ErrProtocolVersionUnsupported is returned when a peer's handshake names a
// protocol version tag that is present but does not match ours.
var ErrProtocolVersionUnsupported = fmt.Errorf("peerconn: unsupported protocol version")

func encodeHandshake(protocolVersion string, id uuid.UUID, port int) ([]byte, error) {
	return json.Marshal(handshake{
		ProtocolVersion: protocolVersion,
		UUID:            id.String(),
		Port:            port,
	})
}

func decodeHandshake(data []byte, wantProtocolVersion string) (uuid.UUID, int, error) {
	var hs handshake
	if err := json.Unmarshal(data, &hs); err != nil {
		return uuid.UUID{}, 0, fmt.Errorf("peerconn: decode handshake: %w", err)
	}
	if hs.ProtocolVersion == "" {
		return uuid.UUID{}, 0, ErrProtocolVersionMissing
	}
	if hs.ProtocolVersion != wantProtocolVersion {
		return uuid.UUID{}, 0, fmt.Errorf("%w: got %q want %q", ErrProtocolVersionUnsupported, hs.ProtocolVersion, wantProtocolVersion)
	}
	id, err := uuid.Parse(hs.UUID)
	if err != nil {
		return uuid.UUID{}, 0, fmt.Errorf("peerconn: handshake uuid: %w", err)
	}
	return id, hs.Port, nil
}
