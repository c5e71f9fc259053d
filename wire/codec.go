// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Envelope layout: [1B tag][1B version][4B LE message id][body].
const (
	Version    uint8 = 1
	HeaderSize       = 6
)

var (
	// ErrMalformed is wrapped by every decode failure. A malformed packet
	// is dropped by the receiver; it never closes the connection.
	ErrMalformed = errors.New("wire: malformed message")

	ErrShortBuffer        = errors.New("wire: insufficient data in buffer")
	ErrInvalidBool        = errors.New("wire: invalid bool value")
	ErrUnknownTag         = errors.New("wire: unknown message tag")
	ErrUnsupportedVersion = errors.New("wire: unsupported version")
	ErrTrailingBytes      = errors.New("wire: trailing bytes after message body")
)

// Encode serializes msg into a new byte slice.
func Encode(msg Message) []byte {
	b := NewBuffer(64)
	b.WriteUint8(uint8(msg.Tag()))
	b.WriteUint8(Version)
	b.WriteUint32(msg.MessageID())
	msg.encodeBody(b)
	return b.Bytes()
}

// Decode parses one message. All failures wrap ErrMalformed.
func Decode(data []byte) (Message, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d byte packet shorter than header", ErrMalformed, len(data))
	}
	tag := Tag(data[0])
	msg, ok := newMessage(tag)
	if !ok {
		return nil, fmt.Errorf("%w: %w 0x%02x", ErrMalformed, ErrUnknownTag, data[0])
	}
	if data[1] != Version {
		return nil, fmt.Errorf("%w: %w %d", ErrMalformed, ErrUnsupportedVersion, data[1])
	}
	id := binary.LittleEndian.Uint32(data[2:6])
	r := NewReader(data[HeaderSize:])
	if err := msg.decodeBody(id, r); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformed, tag, err)
	}
	if r.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %s: %w (%d)", ErrMalformed, tag, ErrTrailingBytes, r.Remaining())
	}
	return msg, nil
}

func (m *Handshake) encodeBody(b *Buffer) {
	b.WriteString(m.ClientID)
	b.WriteString(m.ClientVersion)
}

func (m *Handshake) decodeBody(_ uint32, r *Reader) (err error) {
	if m.ClientID, err = r.ReadString(); err != nil {
		return err
	}
	m.ClientVersion, err = r.ReadString()
	return err
}

func (m *HandshakeAck) encodeBody(b *Buffer) {
	b.WriteString(m.ServerID)
	b.WriteBool(m.Primary)
	writeNested(b, m.Manifest.GrainProperties)
	writeNested(b, m.Manifest.InterfaceProperties)
	b.WriteStringMap(m.Manifest.InterfaceToGrain)
	b.WriteStringMap(m.Zones)
}

func (m *HandshakeAck) decodeBody(_ uint32, r *Reader) (err error) {
	if m.ServerID, err = r.ReadString(); err != nil {
		return err
	}
	if m.Primary, err = r.ReadBool(); err != nil {
		return err
	}
	if m.Manifest.GrainProperties, err = readNested(r); err != nil {
		return err
	}
	if m.Manifest.InterfaceProperties, err = readNested(r); err != nil {
		return err
	}
	if m.Manifest.InterfaceToGrain, err = r.ReadStringMap(); err != nil {
		return err
	}
	m.Zones, err = r.ReadStringMap()
	return err
}

func (m *Request) encodeBody(b *Buffer) {
	writeGrain(b, m.Grain)
	b.WriteString(m.Interface)
	b.WriteUint32(m.Method)
	b.WriteBytes(m.Args)
	b.WriteUint32(m.TimeoutMs)
	b.WriteBool(m.OneWay)
}

func (m *Request) decodeBody(id uint32, r *Reader) (err error) {
	m.CorrelationID = id
	if m.Grain, err = readGrain(r); err != nil {
		return err
	}
	if m.Interface, err = r.ReadString(); err != nil {
		return err
	}
	if m.Method, err = r.ReadUint32(); err != nil {
		return err
	}
	if m.Args, err = r.ReadBytes(); err != nil {
		return err
	}
	if m.TimeoutMs, err = r.ReadUint32(); err != nil {
		return err
	}
	m.OneWay, err = r.ReadBool()
	return err
}

func (m *Response) encodeBody(b *Buffer) {
	b.WriteBool(m.Success)
	if m.Success {
		b.WriteBytes(m.Payload)
		return
	}
	b.WriteString(m.Error)
}

func (m *Response) decodeBody(id uint32, r *Reader) (err error) {
	m.CorrelationID = id
	if m.Success, err = r.ReadBool(); err != nil {
		return err
	}
	if m.Success {
		m.Payload, err = r.ReadBytes()
		return err
	}
	m.Error, err = r.ReadString()
	return err
}

func (m *Heartbeat) encodeBody(b *Buffer) {
	b.WriteUint64(m.SentUnixNano)
	b.WriteBool(m.Echo)
}

func (m *Heartbeat) decodeBody(id uint32, r *Reader) (err error) {
	m.Seq = id
	if m.SentUnixNano, err = r.ReadUint64(); err != nil {
		return err
	}
	m.Echo, err = r.ReadBool()
	return err
}

func (m *StreamRequest) encodeBody(b *Buffer) {
	writeGrain(b, m.Grain)
	b.WriteString(m.Interface)
	b.WriteUint32(m.Method)
	b.WriteBytes(m.Args)
}

func (m *StreamRequest) decodeBody(id uint32, r *Reader) (err error) {
	m.StreamID = id
	if m.Grain, err = readGrain(r); err != nil {
		return err
	}
	if m.Interface, err = r.ReadString(); err != nil {
		return err
	}
	if m.Method, err = r.ReadUint32(); err != nil {
		return err
	}
	m.Args, err = r.ReadBytes()
	return err
}

func (m *StreamItem) encodeBody(b *Buffer) {
	b.WriteUint8(uint8(m.Status))
	switch m.Status {
	case ItemValue:
		b.WriteBytes(m.Payload)
	case ItemFailed:
		b.WriteString(m.Error)
	}
}

func (m *StreamItem) decodeBody(id uint32, r *Reader) error {
	m.StreamID = id
	status, err := r.ReadUint8()
	if err != nil {
		return err
	}
	m.Status = ItemStatus(status)
	switch m.Status {
	case ItemValue:
		m.Payload, err = r.ReadBytes()
	case ItemCompleted:
	case ItemFailed:
		m.Error, err = r.ReadString()
	default:
		return fmt.Errorf("invalid item status %d", status)
	}
	return err
}

func (m *StreamCancel) encodeBody(*Buffer) {}

func (m *StreamCancel) decodeBody(id uint32, _ *Reader) error {
	m.StreamID = id
	return nil
}

func writeGrain(b *Buffer, g GrainID) {
	b.WriteString(g.Type)
	b.WriteString(g.Key)
}

func readGrain(r *Reader) (g GrainID, err error) {
	if g.Type, err = r.ReadString(); err != nil {
		return g, err
	}
	g.Key, err = r.ReadString()
	return g, err
}

func writeNested(b *Buffer, m map[string]map[string]string) {
	keys := sortedKeys(m)
	b.WriteUint32(uint32(len(keys)))
	for _, k := range keys {
		b.WriteString(k)
		b.WriteStringMap(m[k])
	}
}

func readNested(r *Reader) (map[string]map[string]string, error) {
	count, err := r.readCount(8)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]string, count)
	for i := 0; i < count; i++ {
		k, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		v, err := r.ReadStringMap()
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}
