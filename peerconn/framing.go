package peerconn

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize bounds a single decoded frame, guarding against a peer sending a
// bogus length prefix that would otherwise trigger an enormous allocation.
const maxFrameSize = 16 << 20 // 16 MiB

// writeFrame writes a 4-byte big-endian length prefix followed by data. A raw
// QUIC stream carries a continuous byte stream with no built-in message
// boundaries, and PeerConnection keeps its stream open for the whole peer
// relationship's lifetime rather than one message per stream, so it needs its
// own framing.
func writeFrame(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("peerconn: frame of %d bytes exceeds maximum %d", len(data), maxFrameSize)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// readFrame blocks until it has read one full length-prefixed frame or the
// stream errors/closes.
func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("peerconn: peer announced frame of %d bytes, exceeds maximum %d", size, maxFrameSize)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
