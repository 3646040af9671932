package gossip

import (
	"bytes"
	"encoding/json"
	"fmt"

	"dex/types"
)

// Codec (de)serializes Gossip frames. The action-key field name and the
// extra-block limit are configurable, so a Codec is constructed with them
// rather than relying on package-level constants.
type Codec struct {
	ActionKey      string
	MaxExtraBlocks uint32
}

// NewCodec builds a Codec with the given action-key field name and extra-block
// limit. actionKey defaults to "t" when empty.
func NewCodec(actionKey string, maxExtraBlocks uint32) *Codec {
	if actionKey == "" {
		actionKey = "t"
	}
	return &Codec{ActionKey: actionKey, MaxExtraBlocks: maxExtraBlocks}
}

// EncodeFrame serializes [counter, gossip-object] as the textual wire form.
func (c *Codec) EncodeFrame(counter uint32, g Gossip) ([]byte, error) {
	obj, err := c.encodeObject(g)
	if err != nil {
		return nil, err
	}
	return json.Marshal([2]interface{}{counter, obj})
}

func (c *Codec) encodeObject(g Gossip) (map[string]interface{}, error) {
	obj := map[string]interface{}{c.ActionKey: string(g.Action)}
	switch g.Action {
	case ActionQuery, ActionPassive, ActionForget:
		// no payload
	case ActionIndex:
		obj["index"] = map[string]interface{}{
			"genesis": string(g.Index.Genesis),
			"highest": string(g.Index.Highest),
			"height":  g.Index.Height,
			"time":    g.Index.Timestamp,
			"peers":   g.Index.Peers,
		}
	case ActionBlock:
		obj["block"] = map[string]interface{}(g.Block)
	case ActionTransaction:
		obj["tx"] = map[string]interface{}(g.Tx)
	case ActionFetch:
		obj["hash"] = string(g.Hash)
		obj["extra"] = g.Extra
	case ActionResult:
		if uint32(len(g.Result)) > c.MaxExtraBlocks {
			return nil, fmt.Errorf("encode result: %w: extra has %d entries, max %d",
				ErrLimitExceeded, len(g.Result), c.MaxExtraBlocks)
		}
		obj["block"] = map[string]interface{}(g.Block)
		extra := make(map[string]interface{}, len(g.Result))
		for h, b := range g.Result {
			extra[string(h)] = map[string]interface{}(b)
		}
		obj["extra"] = extra
	case ActionError:
		obj["message"] = g.Message
	default:
		return nil, fmt.Errorf("encode gossip: %w: %q", ErrUnknownAction, g.Action)
	}
	return obj, nil
}

// DecodeFrame parses the textual [counter, object] pair into a counter and Gossip.
func (c *Codec) DecodeFrame(data []byte) (uint32, Gossip, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw [2]json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return 0, Gossip{}, fmt.Errorf("%w: %v", ErrDeserializationFailed, err)
	}

	var rawCounter interface{}
	counterDec := json.NewDecoder(bytes.NewReader(raw[0]))
	counterDec.UseNumber()
	if err := counterDec.Decode(&rawCounter); err != nil {
		return 0, Gossip{}, fmt.Errorf("%w: counter: %v", ErrDeserializationFailed, err)
	}
	counter, err := decodeUint32(rawCounter)
	if err != nil {
		return 0, Gossip{}, fmt.Errorf("%w: counter: %v", ErrDeserializationFailed, err)
	}

	var obj map[string]interface{}
	objDec := json.NewDecoder(bytes.NewReader(raw[1]))
	objDec.UseNumber()
	if err := objDec.Decode(&obj); err != nil {
		return 0, Gossip{}, fmt.Errorf("%w: object: %v", ErrDeserializationFailed, err)
	}

	g, err := c.decodeObject(obj)
	if err != nil {
		return 0, Gossip{}, err
	}
	return counter, g, nil
}

func (c *Codec) decodeObject(obj map[string]interface{}) (Gossip, error) {
	rawAction, ok := obj[c.ActionKey]
	if !ok {
		return Gossip{}, ErrMissingActionKey
	}
	actionStr, ok := rawAction.(string)
	if !ok {
		return Gossip{}, fmt.Errorf("%w: action field is not a string", ErrDeserializationFailed)
	}
	action := Action(actionStr)

	switch action {
	case ActionQuery:
		return Query(), nil
	case ActionPassive:
		return Passive(), nil
	case ActionForget:
		return Forget(), nil
	case ActionIndex:
		idxRaw, ok := obj["index"].(map[string]interface{})
		if !ok {
			return Gossip{}, fmt.Errorf("%w: index: missing or malformed field", ErrDeserializationFailed)
		}
		idx, err := decodeIndex(idxRaw)
		if err != nil {
			return Gossip{}, err
		}
		return IndexReply(idx), nil
	case ActionBlock:
		block, ok := obj["block"].(map[string]interface{})
		if !ok {
			return Gossip{}, fmt.Errorf("%w: block: missing or malformed field", ErrDeserializationFailed)
		}
		return BlockGossip(types.BlockPayload(block)), nil
	case ActionTransaction:
		tx, ok := obj["tx"].(map[string]interface{})
		if !ok {
			return Gossip{}, fmt.Errorf("%w: tx: missing or malformed field", ErrDeserializationFailed)
		}
		return TxGossip(types.BlockPayload(tx)), nil
	case ActionFetch:
		hashStr, ok := obj["hash"].(string)
		if !ok {
			return Gossip{}, fmt.Errorf("%w: fetch: missing hash field", ErrDeserializationFailed)
		}
		hash, err := types.ParseHash(hashStr)
		if err != nil {
			return Gossip{}, fmt.Errorf("%w: fetch: %v", ErrDeserializationFailed, err)
		}
		extra := uint32(0)
		if rawExtra, ok := obj["extra"]; ok {
			n, err := decodeUint32(rawExtra)
			if err != nil {
				return Gossip{}, fmt.Errorf("%w: fetch.extra: %v", ErrDeserializationFailed, err)
			}
			extra = n
		}
		return Fetch(hash, extra), nil
	case ActionResult:
		block, ok := obj["block"].(map[string]interface{})
		if !ok {
			return Gossip{}, fmt.Errorf("%w: result: missing block field", ErrDeserializationFailed)
		}
		extraRaw, ok := obj["extra"].(map[string]interface{})
		if !ok {
			return Gossip{}, fmt.Errorf("%w: result: missing extra field", ErrDeserializationFailed)
		}
		if uint32(len(extraRaw)) > c.MaxExtraBlocks {
			return Gossip{}, fmt.Errorf("decode result: %w: extra has %d entries, max %d",
				ErrLimitExceeded, len(extraRaw), c.MaxExtraBlocks)
		}
		extra := make(map[types.Hash]types.BlockPayload, len(extraRaw))
		for hashStr, v := range extraRaw {
			payload, ok := v.(map[string]interface{})
			if !ok {
				return Gossip{}, fmt.Errorf("%w: result.extra[%s]: not an object", ErrDeserializationFailed, hashStr)
			}
			hash, err := types.ParseHash(hashStr)
			if err != nil {
				return Gossip{}, fmt.Errorf("%w: result.extra key: %v", ErrDeserializationFailed, err)
			}
			extra[hash] = types.BlockPayload(payload)
		}
		return Result(types.BlockPayload(block), extra), nil
	case ActionError:
		msg, ok := obj["message"].(string)
		if !ok {
			return Gossip{}, fmt.Errorf("%w: error: missing message field", ErrDeserializationFailed)
		}
		return Error(msg), nil
	default:
		return Gossip{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

func decodeIndex(raw map[string]interface{}) (types.Index, error) {
	genesis, ok := raw["genesis"].(string)
	if !ok {
		return types.Index{}, fmt.Errorf("%w: index.genesis", ErrDeserializationFailed)
	}
	highest, ok := raw["highest"].(string)
	if !ok {
		return types.Index{}, fmt.Errorf("%w: index.highest", ErrDeserializationFailed)
	}
	height, err := decodeUint64(raw["height"])
	if err != nil {
		return types.Index{}, fmt.Errorf("%w: index.height: %v", ErrDeserializationFailed, err)
	}
	ts, err := decodeUint64(raw["time"])
	if err != nil {
		return types.Index{}, fmt.Errorf("%w: index.time: %v", ErrDeserializationFailed, err)
	}
	var peers []string
	if rawPeers, ok := raw["peers"].([]interface{}); ok {
		for _, p := range rawPeers {
			s, ok := p.(string)
			if !ok {
				return types.Index{}, fmt.Errorf("%w: index.peers entry not a string", ErrDeserializationFailed)
			}
			peers = append(peers, s)
		}
	}
	return types.Index{
		Genesis:   types.Hash(genesis),
		Highest:   types.Hash(highest),
		Height:    height,
		Timestamp: ts,
		Peers:     peers,
	}, nil
}

func decodeUint64(v interface{}) (uint64, error) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, err
		}
		if i < 0 {
			return 0, fmt.Errorf("negative value %d", i)
		}
		return uint64(i), nil
	case float64:
		return uint64(n), nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

func decodeUint32(v interface{}) (uint32, error) {
	n, err := decodeUint64(v)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}
