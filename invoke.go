package rfc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// wireUID serialises a uid as a JSON string, so that uid values above
// 2^53 survive a round-trip through peers whose number type can't hold a
// full 64-bit integer without loss. Decoding accepts either a JSON string
// or a JSON number, for compatibility with narrower peers that never
// produce uids above 2^53 in the first place.
type wireUID uint64

func (u wireUID) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(u), 10))
}

func (u *wireUID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return err
		}
		*u = wireUID(v)
		return nil
	}
	var v uint64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*u = wireUID(v)
	return nil
}

// Parameter is one positional argument of a Call. Exactly one of ByValue or
// IsHandle is meaningful: a by-value parameter carries an opaque payload
// produced by the codec (JSON text by default); a by-reference parameter
// names a callable exported under UID in the sender's provider registry.
type Parameter struct {
	IsHandle bool
	UID      uint64
	Retain   bool

	ByValue json.RawMessage
}

type wireHandle struct {
	Handle bool    `json:"handle"`
	UID    wireUID `json:"uid"`
	Retain bool    `json:"retain,omitempty"`
}

func (p Parameter) MarshalJSON() ([]byte, error) {
	if p.IsHandle {
		return json.Marshal(wireHandle{Handle: true, UID: wireUID(p.UID), Retain: p.Retain})
	}
	if p.ByValue == nil {
		return []byte("null"), nil
	}
	return p.ByValue, nil
}

func (p *Parameter) UnmarshalJSON(data []byte) error {
	var probe struct {
		Handle bool `json:"handle"`
	}
	// A by-value payload that happens to be a JSON object without a
	// literal "handle":true member is never mistaken for a reference.
	// A by-value payload that deliberately shapes itself like a handle
	// (an object with "handle":true) would be misread as one; this is a
	// deliberate tradeoff in exchange for a tag-free wire format.
	if err := json.Unmarshal(data, &probe); err == nil && probe.Handle {
		var h wireHandle
		if err := json.Unmarshal(data, &h); err != nil {
			return fmt.Errorf("rfc: decode handle parameter: %w", err)
		}
		p.IsHandle = true
		p.UID = uint64(h.UID)
		p.Retain = h.Retain
		return nil
	}
	p.IsHandle = false
	p.ByValue = append(json.RawMessage(nil), data...)
	return nil
}

// Call is one of the two Invoke shapes: an invocation of a dotted listener
// path against the peer's provider root, with positional parameters.
type Call struct {
	UID        uint64
	Listener   string
	Parameters []Parameter
}

// Return is the other Invoke shape: the outcome of a previously sent Call.
// When Success is false, Value decodes as a RemoteError.
type Return struct {
	UID     uint64
	Success bool
	Value   json.RawMessage
}

// Invoke is the wire message: exactly one of Call or Return is non-nil.
type Invoke struct {
	Call   *Call
	Return *Return
}

type wireCall struct {
	UID        wireUID     `json:"uid"`
	Listener   string      `json:"listener"`
	Parameters []Parameter `json:"parameters"`
}

type wireReturn struct {
	UID     wireUID         `json:"uid"`
	Success bool            `json:"success"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// Codec encodes and decodes Invoke values to and from the frames a
// transport sends over the wire. The default Codec is JSONCodec.
type Codec interface {
	Encode(Invoke) ([]byte, error)
	Decode([]byte) (Invoke, error)
}

// JSONCodec is the default Invoke codec: UTF-8 JSON text, symmetric,
// preserving uid precision via wireUID. Binary transports wrap its output
// unchanged.
type JSONCodec struct{}

func (JSONCodec) Encode(in Invoke) ([]byte, error) {
	switch {
	case in.Call != nil:
		return json.Marshal(wireCall{
			UID:        wireUID(in.Call.UID),
			Listener:   in.Call.Listener,
			Parameters: in.Call.Parameters,
		})
	case in.Return != nil:
		return json.Marshal(wireReturn{
			UID:     wireUID(in.Return.UID),
			Success: in.Return.Success,
			Value:   in.Return.Value,
		})
	default:
		return nil, fmt.Errorf("rfc: encode: empty Invoke")
	}
}

func (JSONCodec) Decode(data []byte) (Invoke, error) {
	var probe struct {
		Listener *string `json:"listener"`
		Success  *bool   `json:"success"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Invoke{}, &ProtocolError{Reason: fmt.Errorf("decode frame: %w", err)}
	}
	switch {
	case probe.Listener != nil:
		var wc wireCall
		if err := json.Unmarshal(data, &wc); err != nil {
			return Invoke{}, &ProtocolError{Reason: fmt.Errorf("decode call: %w", err)}
		}
		return Invoke{Call: &Call{UID: uint64(wc.UID), Listener: wc.Listener, Parameters: wc.Parameters}}, nil
	case probe.Success != nil:
		var wr wireReturn
		if err := json.Unmarshal(data, &wr); err != nil {
			return Invoke{}, &ProtocolError{Reason: fmt.Errorf("decode return: %w", err)}
		}
		return Invoke{Return: &Return{UID: uint64(wr.UID), Success: wr.Success, Value: wr.Value}}, nil
	default:
		return Invoke{}, &ProtocolError{Reason: fmt.Errorf("frame is neither a call nor a return")}
	}
}
