// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bench implements the minimal framed echo protocol used to measure
// transport overhead, together with an echo server and a load runner.
//
// Frame layout (requests and responses are identical):
//
//	[4B magic "BNCH"][4B LE request id][4B LE payload length][payload]
package bench

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the fixed frame header length.
const HeaderSize = 12

// Magic is the frame preamble, "BNCH".
var Magic = [4]byte{0x42, 0x4E, 0x43, 0x48}

var (
	ErrShortFrame     = errors.New("bench: frame shorter than header")
	ErrInvalidMagic   = errors.New("bench: invalid magic bytes")
	ErrLengthMismatch = errors.New("bench: declared payload length exceeds frame")
)

// Frame is one benchmark request or response.
type Frame struct {
	RequestID uint32
	Payload   []byte
}

// Encode returns the wire form of f.
func Encode(f Frame) []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	copy(buf[0:4], Magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], f.RequestID)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// Parse decodes a frame. Bytes beyond the declared payload length are
// ignored; the payload is copied out of data.
func Parse(data []byte) (Frame, error) {
	if len(data) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}
	if data[0] != Magic[0] || data[1] != Magic[1] || data[2] != Magic[2] || data[3] != Magic[3] {
		return Frame{}, ErrInvalidMagic
	}
	id := binary.LittleEndian.Uint32(data[4:8])
	n := binary.LittleEndian.Uint32(data[8:12])
	if uint64(n) > uint64(len(data)-HeaderSize) {
		return Frame{}, fmt.Errorf("%w: declared %d, have %d", ErrLengthMismatch, n, len(data)-HeaderSize)
	}
	payload := make([]byte, n)
	copy(payload, data[HeaderSize:HeaderSize+int(n)])
	return Frame{RequestID: id, Payload: payload}, nil
}

// Response builds the echo answer for a request frame.
func Response(req Frame) Frame {
	return Frame{RequestID: req.RequestID, Payload: req.Payload}
}
