// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// linkKind is the first byte of every link packet.
type linkKind uint8

const (
	kindConnect    linkKind = 0x01
	kindAccept     linkKind = 0x02
	kindData       linkKind = 0x03
	kindDisconnect linkKind = 0x04
	kindPing       linkKind = 0x05
)

func (k linkKind) String() string {
	switch k {
	case kindConnect:
		return "connect"
	case kindAccept:
		return "accept"
	case kindData:
		return "data"
	case kindDisconnect:
		return "disconnect"
	case kindPing:
		return "ping"
	default:
		return fmt.Sprintf("kind(0x%02x)", uint8(k))
	}
}

const (
	udpMagic0     = 0x47 // 'G'
	udpMagic1     = 0x52 // 'R'
	udpVersion    = 1
	udpHeaderSize = 3

	// MaxDatagramPayload is the largest Send payload the udp backend accepts.
	MaxDatagramPayload = 65507 - udpHeaderSize - 1

	// MaxFramePayload bounds Send payloads on stream backends.
	MaxFramePayload = 16 << 20

	frameHeaderSize = 4
)

var (
	errShortPacket  = errors.New("transport: empty link packet")
	errUnknownKind  = errors.New("transport: unknown link packet kind")
	errBadMagic     = errors.New("transport: datagram magic mismatch")
	errBadVersion   = errors.New("transport: unsupported datagram version")
	errFrameTooLong = errors.New("transport: frame exceeds maximum size")
)

func linkPacket(kind linkKind, payload []byte) []byte {
	pkt := make([]byte, 1+len(payload))
	pkt[0] = byte(kind)
	copy(pkt[1:], payload)
	return pkt
}

func parseLink(pkt []byte) (linkKind, []byte, error) {
	if len(pkt) == 0 {
		return 0, nil, errShortPacket
	}
	kind := linkKind(pkt[0])
	if kind < kindConnect || kind > kindPing {
		return 0, nil, fmt.Errorf("%w: 0x%02x", errUnknownKind, pkt[0])
	}
	return kind, pkt[1:], nil
}

// sealDatagram prefixes a link packet with the udp header.
func sealDatagram(pkt []byte) []byte {
	out := make([]byte, udpHeaderSize+len(pkt))
	out[0] = udpMagic0
	out[1] = udpMagic1
	out[2] = udpVersion
	copy(out[udpHeaderSize:], pkt)
	return out
}

// openDatagram strips and checks the udp header. The result aliases b.
func openDatagram(b []byte) ([]byte, error) {
	if len(b) < udpHeaderSize+1 {
		return nil, errShortPacket
	}
	if b[0] != udpMagic0 || b[1] != udpMagic1 {
		return nil, errBadMagic
	}
	if b[2] != udpVersion {
		return nil, fmt.Errorf("%w: %d", errBadVersion, b[2])
	}
	return b[udpHeaderSize:], nil
}

// writeFrame writes a length-prefixed link packet to a byte stream.
func writeFrame(w io.Writer, pkt []byte) error {
	buf := make([]byte, frameHeaderSize+len(pkt))
	binary.LittleEndian.PutUint32(buf, uint32(len(pkt)))
	copy(buf[frameHeaderSize:], pkt)
	_, err := w.Write(buf)
	return err
}

// frameReader reassembles length-prefixed frames from partial reads.
type frameReader struct {
	buf []byte
}

// push appends raw stream bytes.
func (f *frameReader) push(b []byte) {
	f.buf = append(f.buf, b...)
}

// next pops one complete frame, or returns nil when more bytes are needed.
func (f *frameReader) next() ([]byte, error) {
	if len(f.buf) < frameHeaderSize {
		return nil, nil
	}
	n := binary.LittleEndian.Uint32(f.buf)
	if n == 0 || n > MaxFramePayload+1 {
		return nil, fmt.Errorf("%w: %d", errFrameTooLong, n)
	}
	end := frameHeaderSize + int(n)
	if len(f.buf) < end {
		return nil, nil
	}
	pkt := make([]byte, n)
	copy(pkt, f.buf[frameHeaderSize:end])
	f.buf = f.buf[end:]
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return pkt, nil
}
