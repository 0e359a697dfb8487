package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	sdkerrors "github.com/wehubfusion/brickrunner/pkg/errors"
	"github.com/wehubfusion/brickrunner/pkg/packet"
)

// Message types carried in the envelope.
const (
	TypeConsumerRegistration = "consumer_registration"
	TypePacketRequest        = "packet_request"
	TypePacket               = "packet"
)

// Message is any frame payload of the runner protocol.
type Message interface {
	messageType() string
}

// ConsumerRegistration is sent once by a downstream runner right after
// connecting to name the instance and port it consumes.
type ConsumerRegistration struct {
	InstanceID string `msgpack:"instance_id"`
	Port       string `msgpack:"port"`
}

// PacketRequest asks the upstream side for BatchSize more packets.
type PacketRequest struct {
	BatchSize int
}

// PacketMessage carries one packet.
type PacketMessage struct {
	Packet *packet.Packet
}

// SourceDescriptor is the raw JSON frame the grid manager sends to hand a
// new upstream source to a runner.
type SourceDescriptor struct {
	Address    string `json:"address"`
	Port       string `json:"port"`
	TargetPort string `json:"target_port"`
}

func (ConsumerRegistration) messageType() string { return TypeConsumerRegistration }
func (PacketRequest) messageType() string        { return TypePacketRequest }
func (PacketMessage) messageType() string        { return TypePacket }
func (SourceDescriptor) messageType() string     { return "source_descriptor" }

type envelope struct {
	Type    string             `msgpack:"type"`
	Content msgpack.RawMessage `msgpack:"content"`
}

// Encode serializes a protocol message into a frame body.
func Encode(msg Message) ([]byte, error) {
	var content any
	switch m := msg.(type) {
	case ConsumerRegistration:
		content = m
	case PacketRequest:
		content = m.BatchSize
	case PacketMessage:
		if m.Packet == nil {
			return nil, fmt.Errorf("encode packet: %w", sdkerrors.ErrUnknownMessage)
		}
		content = m.Packet
	case SourceDescriptor:
		body, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal source descriptor: %w", err)
		}
		return body, nil
	default:
		return nil, fmt.Errorf("encode %T: %w", msg, sdkerrors.ErrUnknownMessage)
	}

	raw, err := msgpack.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s content: %w", msg.messageType(), err)
	}
	body, err := msgpack.Marshal(envelope{Type: msg.messageType(), Content: raw})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return body, nil
}

// Decode parses an enveloped frame body.
func Decode(body []byte) (Message, error) {
	var env envelope
	if err := unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w: %v", sdkerrors.ErrUnknownMessage, err)
	}

	switch env.Type {
	case TypeConsumerRegistration:
		var reg ConsumerRegistration
		if err := unmarshal(env.Content, &reg); err != nil {
			return nil, fmt.Errorf("decode registration: %w", err)
		}
		if reg.InstanceID == "" || reg.Port == "" {
			return nil, fmt.Errorf("incomplete registration: %w", sdkerrors.ErrUnknownMessage)
		}
		return reg, nil
	case TypePacketRequest:
		var n int
		if err := unmarshal(env.Content, &n); err != nil {
			return nil, fmt.Errorf("decode packet request: %w", err)
		}
		if n < 0 {
			return nil, fmt.Errorf("negative batch size %d: %w", n, sdkerrors.ErrUnknownMessage)
		}
		return PacketRequest{BatchSize: n}, nil
	case TypePacket:
		var p packet.Packet
		if err := unmarshal(env.Content, &p); err != nil {
			return nil, fmt.Errorf("decode packet: %w", err)
		}
		return PacketMessage{Packet: &p}, nil
	default:
		return nil, fmt.Errorf("message type %q: %w", env.Type, sdkerrors.ErrUnknownMessage)
	}
}

// DecodeFirst classifies the first frame of an accepted connection: either
// a ConsumerRegistration or, failing that, a raw JSON SourceDescriptor.
func DecodeFirst(body []byte) (Message, error) {
	if msg, err := Decode(body); err == nil {
		if reg, ok := msg.(ConsumerRegistration); ok {
			return reg, nil
		}
	}

	var desc SourceDescriptor
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&desc); err != nil {
		return nil, fmt.Errorf("first frame: %w", sdkerrors.ErrUnknownMessage)
	}
	if desc.Address == "" || desc.Port == "" {
		return nil, fmt.Errorf("source descriptor without address or port: %w", sdkerrors.ErrUnknownMessage)
	}
	if desc.TargetPort == "" {
		desc.TargetPort = desc.Port
	}
	return desc, nil
}

func unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}
