// Package types holds the small value types shared by the gossip core: chain
// hashes, peer index snapshots and the candidate tuples reported to the ledger.
package types

import (
	"encoding/hex"
	"fmt"

	"dex/utils"
)

// Hash is the canonical string form of a ledger hash. The gossip core never
// interprets the bytes behind it; it only parses, renders and compares.
type Hash string

// ZeroHash is the empty/unset hash, distinct from any real genesis or block hash.
const ZeroHash Hash = ""

// ParseHash validates that s is non-empty and returns it as a Hash. The gossip
// core is agnostic to hash length and encoding — that is the ledger's concern —
// but rejects the empty string so malformed wire data fails fast instead of
// silently decoding as ZeroHash.
func ParseHash(s string) (Hash, error) {
	if s == "" {
		return "", fmt.Errorf("parse hash: empty string")
	}
	return Hash(s), nil
}

// String renders the hash in its canonical wire form.
func (h Hash) String() string { return string(h) }

// HashBytes returns the sha256 digest of data rendered as a Hash, used by tests and
// by in-memory ledger fakes to derive block hashes deterministically.
func HashBytes(data []byte) Hash {
	return Hash(hex.EncodeToString(utils.Sha256Hash(data)))
}
