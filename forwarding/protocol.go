package forwarding

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind identifies which variant of the tagged PeerMessage union a value
// holds. The wire tags are kebab-case per spec.md §4.2/§6.
type Kind int

const (
	KindTransit Kind = iota
	KindOffer
	KindConnect
	KindDisconnect
	KindForward
	KindClose
	KindError
	KindUnknown
)

func (k Kind) tag() string {
	switch k {
	case KindTransit:
		return "transit"
	case KindOffer:
		return "offer"
	case KindConnect:
		return "connect"
	case KindDisconnect:
		return "disconnect"
	case KindForward:
		return "forward"
	case KindClose:
		return "close"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// PeerMessage is the externally-tagged union carried over the transit
// channel (MessagePack) and, for the Transit variant only, over the
// wormhole control channel (JSON). Unused fields for a given Kind are
// zero.
type PeerMessage struct {
	Kind Kind

	// Transit
	Hints json.RawMessage

	// Offer
	Addresses []string

	// Connect
	Target string

	// Connect, Disconnect, Forward
	ConnectionID uint64

	// Forward
	Payload []byte

	// Error
	ErrorText string
}

func TransitMessage(hints json.RawMessage) PeerMessage {
	return PeerMessage{Kind: KindTransit, Hints: hints}
}

func OfferMessage(addresses []string) PeerMessage {
	return PeerMessage{Kind: KindOffer, Addresses: addresses}
}

func ConnectMessage(target string, connectionID uint64) PeerMessage {
	return PeerMessage{Kind: KindConnect, Target: target, ConnectionID: connectionID}
}

func DisconnectMessage(connectionID uint64) PeerMessage {
	return PeerMessage{Kind: KindDisconnect, ConnectionID: connectionID}
}

func ForwardMessage(connectionID uint64, payload []byte) PeerMessage {
	return PeerMessage{Kind: KindForward, ConnectionID: connectionID, Payload: payload}
}

func CloseMessage() PeerMessage {
	return PeerMessage{Kind: KindClose}
}

func ErrorMessage(text string) PeerMessage {
	return PeerMessage{Kind: KindError, ErrorText: text}
}

// EncodeMsgpack implements msgpack.CustomEncoder, producing the
// single-key, kebab-cased externally-tagged map spec.md §6 specifies,
// e.g. {"forward":{"connection-id":N,"payload":<bin>}}.
func (m PeerMessage) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(1); err != nil {
		return err
	}
	if err := enc.EncodeString(m.Kind.tag()); err != nil {
		return err
	}
	switch m.Kind {
	case KindTransit:
		if err := enc.EncodeMapLen(1); err != nil {
			return err
		}
		if err := enc.EncodeString("hints"); err != nil {
			return err
		}
		return enc.Encode(m.Hints)
	case KindOffer:
		if err := enc.EncodeMapLen(1); err != nil {
			return err
		}
		if err := enc.EncodeString("addresses"); err != nil {
			return err
		}
		return enc.Encode(m.Addresses)
	case KindConnect:
		if err := enc.EncodeMapLen(2); err != nil {
			return err
		}
		if err := enc.EncodeString("target"); err != nil {
			return err
		}
		if err := enc.EncodeString(m.Target); err != nil {
			return err
		}
		if err := enc.EncodeString("connection-id"); err != nil {
			return err
		}
		return enc.EncodeUint64(m.ConnectionID)
	case KindDisconnect:
		if err := enc.EncodeMapLen(1); err != nil {
			return err
		}
		if err := enc.EncodeString("connection-id"); err != nil {
			return err
		}
		return enc.EncodeUint64(m.ConnectionID)
	case KindForward:
		if err := enc.EncodeMapLen(2); err != nil {
			return err
		}
		if err := enc.EncodeString("connection-id"); err != nil {
			return err
		}
		if err := enc.EncodeUint64(m.ConnectionID); err != nil {
			return err
		}
		if err := enc.EncodeString("payload"); err != nil {
			return err
		}
		return enc.EncodeBytes(m.Payload)
	case KindClose:
		return enc.EncodeMapLen(0)
	case KindError:
		return enc.EncodeString(m.ErrorText)
	default:
		return fmt.Errorf("forwarding: cannot encode message kind %d", m.Kind)
	}
}

// DecodeMsgpack implements msgpack.CustomDecoder. An unrecognized tag
// decodes to Unknown rather than failing, per spec.md §9's forward-
// compatibility note; the caller (session loop) treats Unknown as a
// protocol error today.
func (m *PeerMessage) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("forwarding: expected a single-key tagged message, got %d keys", n)
	}
	tag, err := dec.DecodeString()
	if err != nil {
		return err
	}
	switch tag {
	case "transit":
		fields, err := dec.DecodeMapLen()
		if err != nil {
			return err
		}
		*m = PeerMessage{Kind: KindTransit}
		for i := 0; i < fields; i++ {
			key, err := dec.DecodeString()
			if err != nil {
				return err
			}
			if key == "hints" {
				var raw json.RawMessage
				if err := dec.Decode(&raw); err != nil {
					return err
				}
				m.Hints = raw
			} else if err := dec.Skip(); err != nil {
				return err
			}
		}
		return nil
	case "offer":
		fields, err := dec.DecodeMapLen()
		if err != nil {
			return err
		}
		*m = PeerMessage{Kind: KindOffer}
		for i := 0; i < fields; i++ {
			key, err := dec.DecodeString()
			if err != nil {
				return err
			}
			if key == "addresses" {
				var addrs []string
				if err := dec.Decode(&addrs); err != nil {
					return err
				}
				m.Addresses = addrs
			} else if err := dec.Skip(); err != nil {
				return err
			}
		}
		return nil
	case "connect":
		fields, err := dec.DecodeMapLen()
		if err != nil {
			return err
		}
		*m = PeerMessage{Kind: KindConnect}
		for i := 0; i < fields; i++ {
			key, err := dec.DecodeString()
			if err != nil {
				return err
			}
			switch key {
			case "target":
				m.Target, err = dec.DecodeString()
			case "connection-id":
				m.ConnectionID, err = dec.DecodeUint64()
			default:
				err = dec.Skip()
			}
			if err != nil {
				return err
			}
		}
		return nil
	case "disconnect":
		fields, err := dec.DecodeMapLen()
		if err != nil {
			return err
		}
		*m = PeerMessage{Kind: KindDisconnect}
		for i := 0; i < fields; i++ {
			key, err := dec.DecodeString()
			if err != nil {
				return err
			}
			if key == "connection-id" {
				if m.ConnectionID, err = dec.DecodeUint64(); err != nil {
					return err
				}
			} else if err := dec.Skip(); err != nil {
				return err
			}
		}
		return nil
	case "forward":
		fields, err := dec.DecodeMapLen()
		if err != nil {
			return err
		}
		*m = PeerMessage{Kind: KindForward}
		for i := 0; i < fields; i++ {
			key, err := dec.DecodeString()
			if err != nil {
				return err
			}
			switch key {
			case "connection-id":
				m.ConnectionID, err = dec.DecodeUint64()
			case "payload":
				m.Payload, err = dec.DecodeBytes()
			default:
				err = dec.Skip()
			}
			if err != nil {
				return err
			}
		}
		return nil
	case "close":
		fields, err := dec.DecodeMapLen()
		if err != nil {
			return err
		}
		for i := 0; i < fields; i++ {
			if err := dec.Skip(); err != nil {
				return err
			}
		}
		*m = PeerMessage{Kind: KindClose}
		return nil
	case "error":
		text, err := dec.DecodeString()
		if err != nil {
			return err
		}
		*m = PeerMessage{Kind: KindError, ErrorText: text}
		return nil
	default:
		if err := dec.Skip(); err != nil {
			return err
		}
		*m = PeerMessage{Kind: KindUnknown}
		return nil
	}
}

// transitWireJSON backs the Transit variant's JSON encoding (Error uses a
// plain string map); JSON is used only for the two variants that ever
// cross the wormhole control channel
// (spec.md §4.2's exception: "the initial transit-hints exchange is JSON
// ... after that the codec is MessagePack").
type transitWireJSON struct {
	Hints json.RawMessage `json:"hints"`
}

// MarshalJSON implements the control-channel wire form for Transit and
// Error messages, e.g. {"transit":{"hints":…}} and {"error":"<text>"}.
func (m PeerMessage) MarshalJSON() ([]byte, error) {
	switch m.Kind {
	case KindTransit:
		return json.Marshal(map[string]transitWireJSON{"transit": {Hints: m.Hints}})
	case KindError:
		return json.Marshal(map[string]string{"error": m.ErrorText})
	default:
		return nil, fmt.Errorf("forwarding: message kind %d is never sent over the control channel", m.Kind)
	}
}

// UnmarshalJSON is the counterpart of MarshalJSON; any other tag decodes
// to Unknown rather than failing, matching the MessagePack decoder.
func (m *PeerMessage) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 1 {
		return fmt.Errorf("forwarding: expected a single-key tagged message, got %d keys", len(raw))
	}
	for tag, v := range raw {
		switch tag {
		case "transit":
			var w transitWireJSON
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			*m = PeerMessage{Kind: KindTransit, Hints: w.Hints}
		case "error":
			var text string
			if err := json.Unmarshal(v, &text); err != nil {
				return err
			}
			*m = PeerMessage{Kind: KindError, ErrorText: text}
		default:
			*m = PeerMessage{Kind: KindUnknown}
		}
	}
	return nil
}

// Encode serializes m to its MessagePack wire form.
func Encode(m PeerMessage) ([]byte, error) {
	return msgpack.Marshal(m)
}

// Decode parses the MessagePack wire form into a PeerMessage. Malformed
// input returns a non-nil error distinct from a peer-reported Error
// message (spec.md §7, ProtocolParse).
func Decode(data []byte) (PeerMessage, error) {
	var m PeerMessage
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return PeerMessage{}, &Error{Kind: ProtocolParse, cause: err}
	}
	return m, nil
}
