// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bench

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameLayout(t *testing.T) {
	got := Encode(Frame{RequestID: 0x01020304, Payload: []byte{0xaa, 0xbb}})
	want := []byte{
		0x42, 0x4E, 0x43, 0x48,
		0x04, 0x03, 0x02, 0x01,
		0x02, 0x00, 0x00, 0x00,
		0xaa, 0xbb,
	}
	assert.Equal(t, want, got)
}

func TestFrameRoundTrip(t *testing.T) {
	for n := 0; n <= 1024; n += 31 {
		payload := bytes.Repeat([]byte{byte(n)}, n)
		f, err := Parse(Encode(Frame{RequestID: uint32(n), Payload: payload}))
		require.NoError(t, err)
		assert.Equal(t, uint32(n), f.RequestID)
		assert.Len(t, f.Payload, n)
		assert.True(t, bytes.Equal(payload, f.Payload))
	}
}

func TestParseRejectsShortFrames(t *testing.T) {
	full := Encode(Frame{RequestID: 1})
	for n := 0; n < HeaderSize; n++ {
		_, err := Parse(full[:n])
		require.ErrorIs(t, err, ErrShortFrame, "length %d", n)
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	data := Encode(Frame{RequestID: 1, Payload: []byte("x")})
	data[3] = 'X'
	_, err := Parse(data)
	require.ErrorIs(t, err, ErrInvalidMagic)
}

func TestParseRejectsLengthMismatch(t *testing.T) {
	data := Encode(Frame{RequestID: 1, Payload: []byte("abc")})
	binary.LittleEndian.PutUint32(data[8:12], 4)
	_, err := Parse(data)
	require.ErrorIs(t, err, ErrLengthMismatch)
}

func TestParseCopiesPayload(t *testing.T) {
	data := Encode(Frame{RequestID: 9, Payload: []byte("abc")})
	f, err := Parse(data)
	require.NoError(t, err)
	data[HeaderSize] = 'z'
	assert.Equal(t, []byte("abc"), f.Payload)

	resp := Response(f)
	assert.Equal(t, Encode(f), Encode(resp))
}
