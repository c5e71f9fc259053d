// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import "fmt"

// Tag discriminates message variants on the wire.
type Tag uint8

const (
	TagHandshake     Tag = 0x01
	TagHandshakeAck  Tag = 0x02
	TagRequest       Tag = 0x03
	TagResponse      Tag = 0x04
	TagHeartbeat     Tag = 0x05
	TagStreamRequest Tag = 0x06
	TagStreamItem    Tag = 0x07
	TagStreamCancel  Tag = 0x08
)

func (t Tag) String() string {
	switch t {
	case TagHandshake:
		return "handshake"
	case TagHandshakeAck:
		return "handshake_ack"
	case TagRequest:
		return "request"
	case TagResponse:
		return "response"
	case TagHeartbeat:
		return "heartbeat"
	case TagStreamRequest:
		return "stream_request"
	case TagStreamItem:
		return "stream_item"
	case TagStreamCancel:
		return "stream_cancel"
	default:
		return fmt.Sprintf("tag(0x%02x)", uint8(t))
	}
}

// Message is one RPC message variant.
type Message interface {
	Tag() Tag
	// MessageID is the correlation id, stream id or heartbeat sequence
	// carried in the envelope header.
	MessageID() uint32

	encodeBody(b *Buffer)
	decodeBody(id uint32, r *Reader) error
}

// GrainID addresses a grain by type and key.
type GrainID struct {
	Type string
	Key  string
}

func (g GrainID) String() string {
	return g.Type + "/" + g.Key
}

// Manifest describes the grain and interface types a server hosts.
type Manifest struct {
	GrainProperties     map[string]map[string]string
	InterfaceProperties map[string]map[string]string
	InterfaceToGrain    map[string]string
}

// Clone returns a deep copy of m.
func (m Manifest) Clone() Manifest {
	return Manifest{
		GrainProperties:     cloneNested(m.GrainProperties),
		InterfaceProperties: cloneNested(m.InterfaceProperties),
		InterfaceToGrain:    cloneFlat(m.InterfaceToGrain),
	}
}

// Empty reports whether the manifest carries no entries.
func (m Manifest) Empty() bool {
	return len(m.GrainProperties) == 0 && len(m.InterfaceProperties) == 0 && len(m.InterfaceToGrain) == 0
}

// Handshake is the first message a client sends on a new connection.
type Handshake struct {
	ClientID      string
	ClientVersion string
}

func (*Handshake) Tag() Tag          { return TagHandshake }
func (*Handshake) MessageID() uint32 { return 0 }

// HandshakeAck answers a Handshake. A server may send further acks on the
// same connection when its zone ownership changes.
type HandshakeAck struct {
	ServerID string
	Primary  bool
	Manifest Manifest
	// Zones maps zone id to the id of the server that owns it.
	Zones map[string]string
}

func (*HandshakeAck) Tag() Tag          { return TagHandshakeAck }
func (*HandshakeAck) MessageID() uint32 { return 0 }

// Request invokes a grain method.
type Request struct {
	CorrelationID uint32
	Grain         GrainID
	Interface     string
	Method        uint32
	Args          []byte
	TimeoutMs     uint32
	OneWay        bool
}

func (*Request) Tag() Tag            { return TagRequest }
func (m *Request) MessageID() uint32 { return m.CorrelationID }

// Response settles the Request with the same correlation id.
type Response struct {
	CorrelationID uint32
	Success       bool
	Payload       []byte
	Error         string
}

func (*Response) Tag() Tag            { return TagResponse }
func (m *Response) MessageID() uint32 { return m.CorrelationID }

// Heartbeat keeps a connection alive and measures round-trip time. The
// receiver answers a heartbeat with Echo unset by sending it back with Echo
// set.
type Heartbeat struct {
	Seq          uint32
	SentUnixNano uint64
	Echo         bool
}

func (*Heartbeat) Tag() Tag            { return TagHeartbeat }
func (m *Heartbeat) MessageID() uint32 { return m.Seq }

// StreamRequest opens a server-push item stream.
type StreamRequest struct {
	StreamID  uint32
	Grain     GrainID
	Interface string
	Method    uint32
	Args      []byte
}

func (*StreamRequest) Tag() Tag            { return TagStreamRequest }
func (m *StreamRequest) MessageID() uint32 { return m.StreamID }

// ItemStatus tells a stream consumer whether an item carries a value or
// terminates the stream.
type ItemStatus uint8

const (
	ItemValue ItemStatus = iota
	ItemCompleted
	ItemFailed
)

// StreamItem carries one stream element or the terminal marker.
type StreamItem struct {
	StreamID uint32
	Status   ItemStatus
	Payload  []byte
	Error    string
}

func (*StreamItem) Tag() Tag            { return TagStreamItem }
func (m *StreamItem) MessageID() uint32 { return m.StreamID }

// StreamCancel tells the producer to stop a stream.
type StreamCancel struct {
	StreamID uint32
}

func (*StreamCancel) Tag() Tag            { return TagStreamCancel }
func (m *StreamCancel) MessageID() uint32 { return m.StreamID }

func newMessage(tag Tag) (Message, bool) {
	switch tag {
	case TagHandshake:
		return &Handshake{}, true
	case TagHandshakeAck:
		return &HandshakeAck{}, true
	case TagRequest:
		return &Request{}, true
	case TagResponse:
		return &Response{}, true
	case TagHeartbeat:
		return &Heartbeat{}, true
	case TagStreamRequest:
		return &StreamRequest{}, true
	case TagStreamItem:
		return &StreamItem{}, true
	case TagStreamCancel:
		return &StreamCancel{}, true
	default:
		return nil, false
	}
}

func cloneFlat(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneNested(m map[string]map[string]string) map[string]map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]map[string]string, len(m))
	for k, v := range m {
		out[k] = cloneFlat(v)
	}
	return out
}
