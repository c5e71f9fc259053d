// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"encoding/binary"
	"sort"
)

// Buffer is a growable little-endian encode buffer.
type Buffer struct {
	data []byte
}

// NewBuffer returns a Buffer with the given initial capacity.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{data: make([]byte, 0, capacity)}
}

// Bytes returns the encoded bytes.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the number of bytes written.
func (b *Buffer) Len() int { return len(b.data) }

func (b *Buffer) WriteUint8(v uint8) {
	b.data = append(b.data, v)
}

func (b *Buffer) WriteBool(v bool) {
	if v {
		b.WriteUint8(1)
		return
	}
	b.WriteUint8(0)
}

func (b *Buffer) WriteUint32(v uint32) {
	b.data = binary.LittleEndian.AppendUint32(b.data, v)
}

func (b *Buffer) WriteUint64(v uint64) {
	b.data = binary.LittleEndian.AppendUint64(b.data, v)
}

// WriteString appends a uint32 length-prefixed string.
func (b *Buffer) WriteString(s string) {
	b.WriteUint32(uint32(len(s)))
	b.data = append(b.data, s...)
}

// WriteBytes appends a uint32 length-prefixed byte slice.
func (b *Buffer) WriteBytes(p []byte) {
	b.WriteUint32(uint32(len(p)))
	b.data = append(b.data, p...)
}

// WriteStringMap appends a map as a count followed by key/value pairs in
// key order, so equal maps always encode to equal bytes.
func (b *Buffer) WriteStringMap(m map[string]string) {
	keys := sortedKeys(m)
	b.WriteUint32(uint32(len(keys)))
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(m[k])
	}
}

func (b *Buffer) WriteStrings(list []string) {
	b.WriteUint32(uint32(len(list)))
	for _, s := range list {
		b.WriteString(s)
	}
}

// Reader decodes values written by Buffer. Every read reports
// ErrShortBuffer instead of panicking on truncated input.
type Reader struct {
	data   []byte
	offset int
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.offset
}

func (r *Reader) need(n int) (int, error) {
	if n < 0 || r.offset+n > len(r.data) {
		return 0, ErrShortBuffer
	}
	off := r.offset
	r.offset += n
	return off, nil
}

func (r *Reader) ReadUint8() (uint8, error) {
	off, err := r.need(1)
	if err != nil {
		return 0, err
	}
	return r.data[off], nil
}

func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadUint8()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, ErrInvalidBool
	}
}

func (r *Reader) ReadUint32() (uint32, error) {
	off, err := r.need(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(r.data[off:]), nil
}

func (r *Reader) ReadUint64() (uint64, error) {
	off, err := r.need(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(r.data[off:]), nil
}

func (r *Reader) ReadString() (string, error) {
	p, err := r.readLenPrefixed()
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// ReadBytes returns a copy of the next length-prefixed byte slice.
func (r *Reader) ReadBytes() ([]byte, error) {
	p, err := r.readLenPrefixed()
	if err != nil {
		return nil, err
	}
	if len(p) == 0 {
		return nil, nil
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out, nil
}

func (r *Reader) readLenPrefixed() ([]byte, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(r.Remaining()) {
		return nil, ErrShortBuffer
	}
	off, err := r.need(int(n))
	if err != nil {
		return nil, err
	}
	return r.data[off : off+int(n)], nil
}

func (r *Reader) ReadStringMap() (map[string]string, error) {
	count, err := r.readCount(8)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, count)
	for i := 0; i < count; i++ {
		k, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		v, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

func (r *Reader) ReadStrings() ([]string, error) {
	count, err := r.readCount(4)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		s, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// readCount reads an element count and rejects counts that cannot fit in
// the remaining bytes given a minimum encoded element size.
func (r *Reader) readCount(minElem int) (int, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return 0, err
	}
	if uint64(n)*uint64(minElem) > uint64(r.Remaining()) {
		return 0, ErrShortBuffer
	}
	return int(n), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
