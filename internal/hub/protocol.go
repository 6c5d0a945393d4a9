package hub

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"nhooyr.io/websocket"
)

type FrameType int

const (
	FrameHandshake  FrameType = 0
	FrameInvocation FrameType = 1
	FrameCompletion FrameType = 3
	FramePing       FrameType = 6
	FrameClose      FrameType = 7
)

const protocolVersion = 1

// Frame is the protocol-neutral form of one hub message. Arguments is used
// when encoding; Payload holds the first argument, still encoded, after
// decoding.
type Frame struct {
	Type           FrameType
	InvocationID   string
	Target         string
	Arguments      []any
	Payload        []byte
	Error          string
	AllowReconnect bool
	Protocol       string
	Version        int
}

// Protocol encodes frames for one websocket subprotocol.
type Protocol interface {
	Name() string
	MessageType() websocket.MessageType
	Encode(f Frame) ([]byte, error)
	Decode(data []byte) (Frame, error)
	// DecodePayload decodes a Frame.Payload into v.
	DecodePayload(data []byte, v any) error
}

// ProtocolByName returns the protocol registered under name.
func ProtocolByName(name string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSONProtocol{}, nil
	case "cbor":
		return CBORProtocol{}, nil
	default:
		return nil, fmt.Errorf("unknown hub protocol %q", name)
	}
}

type jsonFrame struct {
	Type           FrameType         `json:"type"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
	Protocol       string            `json:"protocol,omitempty"`
	Version        int               `json:"version,omitempty"`
}

type JSONProtocol struct{}

func (JSONProtocol) Name() string { return "json" }

func (JSONProtocol) MessageType() websocket.MessageType { return websocket.MessageText }

func (JSONProtocol) Encode(f Frame) ([]byte, error) {
	wire := jsonFrame{
		Type:           f.Type,
		InvocationID:   f.InvocationID,
		Target:         f.Target,
		Error:          f.Error,
		AllowReconnect: f.AllowReconnect,
		Protocol:       f.Protocol,
		Version:        f.Version,
	}
	for _, arg := range f.Arguments {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("encode argument for %s: %w", f.Target, err)
		}
		wire.Arguments = append(wire.Arguments, raw)
	}
	return json.Marshal(wire)
}

func (JSONProtocol) Decode(data []byte) (Frame, error) {
	var wire jsonFrame
	if err := json.Unmarshal(data, &wire); err != nil {
		return Frame{}, fmt.Errorf("decode json frame: %w", err)
	}
	f := Frame{
		Type:           wire.Type,
		InvocationID:   wire.InvocationID,
		Target:         wire.Target,
		Error:          wire.Error,
		AllowReconnect: wire.AllowReconnect,
		Protocol:       wire.Protocol,
		Version:        wire.Version,
	}
	if len(wire.Arguments) > 0 {
		f.Payload = wire.Arguments[0]
	}
	return f, nil
}

func (JSONProtocol) DecodePayload(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeUnix,
	}
	cborEnc, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	cborDec, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

type cborFrame struct {
	Type           FrameType         `cbor:"1,keyasint"`
	InvocationID   string            `cbor:"2,keyasint,omitempty"`
	Target         string            `cbor:"3,keyasint,omitempty"`
	Arguments      []cbor.RawMessage `cbor:"4,keyasint,omitempty"`
	Error          string            `cbor:"5,keyasint,omitempty"`
	AllowReconnect bool              `cbor:"6,keyasint,omitempty"`
	Protocol       string            `cbor:"7,keyasint,omitempty"`
	Version        int               `cbor:"8,keyasint,omitempty"`
}

// CBORProtocol sends binary frames with integer map keys.
type CBORProtocol struct{}

func (CBORProtocol) Name() string { return "cbor" }

func (CBORProtocol) MessageType() websocket.MessageType { return websocket.MessageBinary }

func (CBORProtocol) Encode(f Frame) ([]byte, error) {
	wire := cborFrame{
		Type:           f.Type,
		InvocationID:   f.InvocationID,
		Target:         f.Target,
		Error:          f.Error,
		AllowReconnect: f.AllowReconnect,
		Protocol:       f.Protocol,
		Version:        f.Version,
	}
	for _, arg := range f.Arguments {
		raw, err := cborEnc.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("encode argument for %s: %w", f.Target, err)
		}
		wire.Arguments = append(wire.Arguments, raw)
	}
	return cborEnc.Marshal(wire)
}

func (CBORProtocol) Decode(data []byte) (Frame, error) {
	var wire cborFrame
	if err := cborDec.Unmarshal(data, &wire); err != nil {
		return Frame{}, fmt.Errorf("decode cbor frame: %w", err)
	}
	f := Frame{
		Type:           wire.Type,
		InvocationID:   wire.InvocationID,
		Target:         wire.Target,
		Error:          wire.Error,
		AllowReconnect: wire.AllowReconnect,
		Protocol:       wire.Protocol,
		Version:        wire.Version,
	}
	if len(wire.Arguments) > 0 {
		f.Payload = wire.Arguments[0]
	}
	return f, nil
}

func (CBORProtocol) DecodePayload(data []byte, v any) error {
	return cborDec.Unmarshal(data, v)
}
