package gossip

import (
	"testing"

	"dex/types"
)

func TestRoundTripVariants(t *testing.T) {
	codec := NewCodec("t", 8)

	cases := []struct {
		name string
		g    Gossip
	}{
		{"query", Query()},
		{"passive", Passive()},
		{"forget", Forget()},
		{"index", IndexReply(types.Index{
			Genesis:   "G",
			Highest:   "H",
			Height:    42,
			Timestamp: 1700000000,
			Peers:     []string{"quic://peer-a@10.0.0.1:9000/"},
		})},
		{"block", BlockGossip(types.BlockPayload{"hash": "H5", "parent": "H4"})},
		{"tx", TxGossip(types.BlockPayload{"id": "tx-1"})},
		{"fetch", Fetch("H5", 3)},
		{"result", Result(types.BlockPayload{"hash": "H5"}, map[types.Hash]types.BlockPayload{
			"H4": {"hash": "H4"},
			"H3": {"hash": "H3"},
		})},
		{"error", Error("not found")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := codec.EncodeFrame(7, tc.g)
			if err != nil {
				t.Fatalf("EncodeFrame: %v", err)
			}
			counter, got, err := codec.DecodeFrame(data)
			if err != nil {
				t.Fatalf("DecodeFrame: %v", err)
			}
			if counter != 7 {
				t.Fatalf("counter = %d, want 7", counter)
			}
			if got.Action != tc.g.Action {
				t.Fatalf("action = %s, want %s", got.Action, tc.g.Action)
			}
			switch tc.g.Action {
			case ActionIndex:
				if !got.Index.Equal(tc.g.Index) {
					t.Fatalf("index round-trip mismatch: got %+v want %+v", got.Index, tc.g.Index)
				}
			case ActionFetch:
				if got.Hash != tc.g.Hash || got.Extra != tc.g.Extra {
					t.Fatalf("fetch round-trip mismatch: got %+v want %+v", got, tc.g)
				}
			case ActionResult:
				if len(got.Result) != len(tc.g.Result) {
					t.Fatalf("result extra count = %d, want %d", len(got.Result), len(tc.g.Result))
				}
			case ActionError:
				if got.Message != tc.g.Message {
					t.Fatalf("message = %q, want %q", got.Message, tc.g.Message)
				}
			}
		})
	}
}

func TestDecodeMissingActionKey(t *testing.T) {
	codec := NewCodec("t", 8)
	_, _, err := codec.DecodeFrame([]byte(`[1, {"foo": "bar"}]`))
	if err == nil {
		t.Fatal("expected error for missing action key")
	}
}

func TestDecodeUnknownAction(t *testing.T) {
	codec := NewCodec("t", 8)
	_, _, err := codec.DecodeFrame([]byte(`[1, {"t": "wat"}]`))
	if err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestEncodeResultExceedsLimit(t *testing.T) {
	codec := NewCodec("t", 2)
	extra := map[types.Hash]types.BlockPayload{
		"H1": {}, "H2": {}, "H3": {},
	}
	_, err := codec.EncodeFrame(2, Result(types.BlockPayload{}, extra))
	if err == nil {
		t.Fatal("expected limit-exceeded error")
	}
}

func TestNumericFieldsToleratesBothEncodings(t *testing.T) {
	codec := NewCodec("t", 8)
	// height/time as bare JSON integers (Go's own encoder emits this form).
	_, g, err := codec.DecodeFrame([]byte(`[0, {"t":"index","index":{"genesis":"G","highest":"H","height":42,"time":1700000000,"peers":[]}}]`))
	if err != nil {
		t.Fatalf("decode integer form: %v", err)
	}
	if g.Index.Height != 42 {
		t.Fatalf("height = %d, want 42", g.Index.Height)
	}

	// height/time as arbitrary-precision numeric strings-in-disguise (still valid
	// JSON numbers, exercising the json.Number path).
	_, g2, err := codec.DecodeFrame([]byte(`[0, {"t":"index","index":{"genesis":"G","highest":"H","height":9007199254740993,"time":1700000000,"peers":[]}}]`))
	if err != nil {
		t.Fatalf("decode big number form: %v", err)
	}
	if g2.Index.Height != 9007199254740993 {
		t.Fatalf("height = %d, want 9007199254740993", g2.Index.Height)
	}
}
