// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	req := &Request{
		CorrelationID: 77,
		Grain:         GrainID{Type: "player", Key: "p-1"},
		Interface:     "IPlayer",
		Method:        3,
		Args:          []byte{1, 2, 3},
		TimeoutMs:     1500,
		OneWay:        true,
	}

	msg, err := Decode(Encode(req))
	require.NoError(t, err)
	assert.Equal(t, req, msg)
}

func TestHandshakeAckRoundTrip(t *testing.T) {
	ack := &HandshakeAck{
		ServerID: "zone-a",
		Primary:  true,
		Manifest: Manifest{
			GrainProperties:     map[string]map[string]string{"player": {"placement": "zone"}},
			InterfaceProperties: map[string]map[string]string{"IPlayer": {"version": "2"}},
			InterfaceToGrain:    map[string]string{"IPlayer": "player"},
		},
		Zones: map[string]string{"0:0": "zone-a", "0:1": "zone-b"},
	}

	msg, err := Decode(Encode(ack))
	require.NoError(t, err)
	assert.Equal(t, ack, msg)
}

func TestEncodingIsDeterministic(t *testing.T) {
	ack := &HandshakeAck{
		ServerID: "a",
		Zones:    map[string]string{"z3": "a", "z1": "a", "z2": "a"},
	}
	first := Encode(ack)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Encode(ack))
	}
}

func TestResponseVariants(t *testing.T) {
	ok := &Response{CorrelationID: 5, Success: true, Payload: []byte("pong")}
	msg, err := Decode(Encode(ok))
	require.NoError(t, err)
	assert.Equal(t, ok, msg)

	failed := &Response{CorrelationID: 6, Error: "grain exploded"}
	msg, err = Decode(Encode(failed))
	require.NoError(t, err)
	assert.Equal(t, failed, msg)
}

func TestStreamMessagesRoundTrip(t *testing.T) {
	cases := []Message{
		&StreamRequest{StreamID: 9, Grain: GrainID{Type: "feed", Key: "k"}, Interface: "IFeed", Method: 1, Args: []byte("x")},
		&StreamItem{StreamID: 9, Status: ItemValue, Payload: []byte("item")},
		&StreamItem{StreamID: 9, Status: ItemCompleted},
		&StreamItem{StreamID: 9, Status: ItemFailed, Error: "boom"},
		&StreamCancel{StreamID: 9},
		&Heartbeat{Seq: 4, SentUnixNano: 123456789, Echo: true},
		&Handshake{ClientID: "c-1", ClientVersion: "1.0"},
	}
	for _, want := range cases {
		got, err := Decode(Encode(want))
		require.NoError(t, err, want.Tag().String())
		assert.Equal(t, want, got)
	}
}

func TestDecodeRejectsTruncation(t *testing.T) {
	full := Encode(&Request{CorrelationID: 1, Grain: GrainID{Type: "t", Key: "k"}, Args: []byte("abcdef")})
	for n := 0; n < len(full); n++ {
		_, err := Decode(full[:n])
		require.ErrorIs(t, err, ErrMalformed, "prefix length %d", n)
	}
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	data := Encode(&StreamCancel{StreamID: 1})
	data[0] = 0x7f
	_, err := Decode(data)
	require.ErrorIs(t, err, ErrMalformed)
	require.ErrorIs(t, err, ErrUnknownTag)
}

func TestDecodeRejectsVersionAndTrailingBytes(t *testing.T) {
	data := Encode(&StreamCancel{StreamID: 1})
	data[1] = Version + 1
	_, err := Decode(data)
	require.ErrorIs(t, err, ErrUnsupportedVersion)

	data = append(Encode(&StreamCancel{StreamID: 1}), 0x00)
	_, err = Decode(data)
	require.ErrorIs(t, err, ErrTrailingBytes)
}

func TestDecodeRejectsOversizedLength(t *testing.T) {
	data := Encode(&Handshake{ClientID: "abc"})
	binary.LittleEndian.PutUint32(data[HeaderSize:], 0xffffffff)
	_, err := Decode(data)
	require.ErrorIs(t, err, ErrMalformed)
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestManifestClone(t *testing.T) {
	m := Manifest{InterfaceToGrain: map[string]string{"I": "g"}}
	c := m.Clone()
	c.InterfaceToGrain["I"] = "other"
	assert.Equal(t, "g", m.InterfaceToGrain["I"])
	assert.True(t, Manifest{}.Empty())
	assert.False(t, m.Empty())
}
