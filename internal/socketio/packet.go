// Package socketio is a small Socket.IO v4 client over a websocket
// transport (Engine.IO protocol 4). It covers what a feed subscriber needs:
// the default namespace, events, acknowledgements, heartbeats and
// reconnection. Binary attachments and long-polling are not supported.
package socketio

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Engine.IO packet types.
const (
	EngineOpen    byte = '0'
	EngineClose   byte = '1'
	EnginePing    byte = '2'
	EnginePong    byte = '3'
	EngineMessage byte = '4'
	EngineUpgrade byte = '5'
	EngineNoop    byte = '6'
)

// Socket.IO packet types, carried inside an Engine.IO message.
const (
	PacketConnect      byte = '0'
	PacketDisconnect   byte = '1'
	PacketEvent        byte = '2'
	PacketAck          byte = '3'
	PacketConnectError byte = '4'
)

var errEmptyFrame = errors.New("empty frame")

// Packet is a decoded Socket.IO packet. ID is -1 when the packet carries
// no acknowledgement id.
type Packet struct {
	Type      byte
	Namespace string
	ID        int
	Data      json.RawMessage
}

// Frame is one websocket text frame decoded at the Engine.IO level.
// Packet is only meaningful when Engine is EngineMessage; Body holds the
// raw remainder for the other types (the open handshake, for example).
type Frame struct {
	Engine byte
	Packet Packet
	Body   string
}

// ParseFrame decodes a text frame.
func ParseFrame(s string) (Frame, error) {
	if s == "" {
		return Frame{}, errEmptyFrame
	}
	f := Frame{Engine: s[0], Body: s[1:]}
	if f.Engine != EngineMessage {
		return f, nil
	}
	p, err := parsePacket(s[1:])
	if err != nil {
		return Frame{}, err
	}
	f.Packet = p
	return f, nil
}

func parsePacket(s string) (Packet, error) {
	if s == "" {
		return Packet{}, errEmptyFrame
	}
	p := Packet{Type: s[0], Namespace: "/", ID: -1}
	if p.Type < PacketConnect || p.Type > '6' {
		return Packet{}, fmt.Errorf("unknown packet type %q", p.Type)
	}
	rest := s[1:]

	// Binary packet types carry an attachment count before the payload.
	if p.Type == '5' || p.Type == '6' {
		return Packet{}, fmt.Errorf("binary packets are not supported")
	}

	if strings.HasPrefix(rest, "/") {
		end := strings.IndexByte(rest, ',')
		if end < 0 {
			p.Namespace = rest
			return p, nil
		}
		p.Namespace = rest[:end]
		rest = rest[end+1:]
	}

	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i > 0 {
		id, err := strconv.Atoi(rest[:i])
		if err != nil {
			return Packet{}, fmt.Errorf("parsing ack id: %w", err)
		}
		p.ID = id
		rest = rest[i:]
	}

	if rest != "" {
		if !json.Valid([]byte(rest)) {
			return Packet{}, fmt.Errorf("packet payload is not valid JSON")
		}
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// Encode renders the packet as an Engine.IO message frame.
func (p Packet) Encode() string {
	var b strings.Builder
	b.WriteByte(EngineMessage)
	b.WriteByte(p.Type)
	if p.Namespace != "" && p.Namespace != "/" {
		b.WriteString(p.Namespace)
		b.WriteByte(',')
	}
	if p.ID >= 0 {
		b.WriteString(strconv.Itoa(p.ID))
	}
	b.Write(p.Data)
	return b.String()
}

// EventPacket builds an event packet `[name, args...]`.
func EventPacket(id int, name string, args ...any) (Packet, error) {
	items := make([]any, 0, len(args)+1)
	items = append(items, name)
	items = append(items, args...)
	data, err := json.Marshal(items)
	if err != nil {
		return Packet{}, fmt.Errorf("encoding %s: %w", name, err)
	}
	return Packet{Type: PacketEvent, Namespace: "/", ID: id, Data: data}, nil
}

// AckPacket builds the acknowledgement for the event with the given id.
func AckPacket(id int, args ...any) (Packet, error) {
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return Packet{}, fmt.Errorf("encoding ack %d: %w", id, err)
	}
	return Packet{Type: PacketAck, Namespace: "/", ID: id, Data: data}, nil
}

// Event is a named server event with its JSON arguments.
type Event struct {
	Name string
	Args []json.RawMessage
}

// Data returns the first argument, or nil when the event has none.
func (e Event) Data() json.RawMessage {
	if len(e.Args) == 0 {
		return nil
	}
	return e.Args[0]
}

// DecodeEvent splits an event packet payload into name and arguments.
func DecodeEvent(data json.RawMessage) (Event, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return Event{}, fmt.Errorf("decoding event: %w", err)
	}
	if len(items) == 0 {
		return Event{}, fmt.Errorf("event without a name")
	}
	var ev Event
	if err := json.Unmarshal(items[0], &ev.Name); err != nil {
		return Event{}, fmt.Errorf("decoding event name: %w", err)
	}
	ev.Args = items[1:]
	return ev, nil
}

// decodeArgs splits an ack payload (a JSON array) into its arguments.
func decodeArgs(data json.RawMessage) ([]json.RawMessage, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, fmt.Errorf("decoding ack: %w", err)
	}
	return args, nil
}

// Handshake is the body of the Engine.IO open packet.
type Handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}
