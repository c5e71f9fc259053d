// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkPacket(t *testing.T) {
	kind, payload, err := parseLink(linkPacket(kindData, []byte("abc")))
	require.NoError(t, err)
	assert.Equal(t, kindData, kind)
	assert.Equal(t, []byte("abc"), payload)

	_, _, err = parseLink(nil)
	require.ErrorIs(t, err, errShortPacket)

	_, _, err = parseLink([]byte{0x42})
	require.ErrorIs(t, err, errUnknownKind)
}

func TestDatagramHeader(t *testing.T) {
	d := sealDatagram(linkPacket(kindPing, nil))
	assert.Equal(t, []byte{0x47, 0x52, 0x01, byte(kindPing)}, d)

	pkt, err := openDatagram(d)
	require.NoError(t, err)
	assert.Equal(t, []byte{byte(kindPing)}, pkt)

	bad := bytes.Clone(d)
	bad[0] = 'X'
	_, err = openDatagram(bad)
	require.ErrorIs(t, err, errBadMagic)

	bad = bytes.Clone(d)
	bad[2] = 9
	_, err = openDatagram(bad)
	require.ErrorIs(t, err, errBadVersion)

	_, err = openDatagram(d[:3])
	require.ErrorIs(t, err, errShortPacket)
}

func TestFrameReaderReassembles(t *testing.T) {
	var stream bytes.Buffer
	require.NoError(t, writeFrame(&stream, linkPacket(kindData, []byte("first"))))
	require.NoError(t, writeFrame(&stream, linkPacket(kindData, []byte("second"))))
	raw := stream.Bytes()

	var fr frameReader
	var got [][]byte
	// Feed one byte at a time to exercise partial headers and bodies.
	for _, b := range raw {
		fr.push([]byte{b})
		for {
			pkt, err := fr.next()
			require.NoError(t, err)
			if pkt == nil {
				break
			}
			got = append(got, pkt)
		}
	}
	require.Len(t, got, 2)
	assert.Equal(t, linkPacket(kindData, []byte("first")), got[0])
	assert.Equal(t, linkPacket(kindData, []byte("second")), got[1])
}

func TestFrameReaderRejectsOversize(t *testing.T) {
	var fr frameReader
	fr.push([]byte{0xff, 0xff, 0xff, 0xff})
	_, err := fr.next()
	require.ErrorIs(t, err, errFrameTooLong)
}

func TestIsTemporary(t *testing.T) {
	assert.True(t, IsTemporary(ErrSendQueueFull))
	assert.True(t, IsTemporary(errors.Join(errors.New("ctx"), ErrSendQueueFull)))
	assert.False(t, IsTemporary(ErrClosed))
	assert.False(t, IsTemporary(nil))
}

func TestIsHangup(t *testing.T) {
	for _, err := range []error{ErrClosed, ErrRemoteClosed, io.EOF, io.ErrClosedPipe, net.ErrClosed, fmt.Errorf("grpc send: %w", io.EOF)} {
		assert.True(t, isHangup(err), "%v", err)
	}
	assert.False(t, isHangup(ErrSendQueueFull))
	assert.False(t, isHangup(errors.New("sendto: network is unreachable")))
}
