package types

// Index is a peer's snapshot of its chain: genesis hash, current head, height, the
// peer's clock and the peer URLs it currently knows about. Two Index values are
// equal iff every field is equal.
type Index struct {
	Genesis   Hash     `json:"genesis"`
	Highest   Hash     `json:"highest"`
	Height    uint64   `json:"height"`
	Timestamp uint64   `json:"time"`
	Peers     []string `json:"peers"`
}

// Equal reports whether idx and other describe the same chain snapshot.
func (idx Index) Equal(other Index) bool {
	if idx.Genesis != other.Genesis || idx.Highest != other.Highest ||
		idx.Height != other.Height || idx.Timestamp != other.Timestamp {
		return false
	}
	if len(idx.Peers) != len(other.Peers) {
		return false
	}
	for i, p := range idx.Peers {
		if other.Peers[i] != p {
			return false
		}
	}
	return true
}

// Candidate is a (hash, height, peer) tuple reported to the ledger as a possible
// better chain head, via receive_best.
type Candidate struct {
	Hash   Hash
	Height uint64
	Peer   string // peer UUID that reported the candidate
}

// BlockPayload is an opaque, ledger-owned block or transaction body. The gossip
// core never inspects its contents; it only carries it between the wire and the
// ledger's own decoder.
type BlockPayload map[string]interface{}
