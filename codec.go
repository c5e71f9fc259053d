// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grainrpc

import (
	"encoding/json"
)

// Codec turns grain call arguments into Request payloads and Response
// payloads or stream items back into values. The wire layer never looks
// inside the bytes.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// JSONCodec carries grain arguments and results as JSON. It is the client
// default and what the CLI and admin tooling speak.
type JSONCodec struct{}

// Encode marshals call arguments; a json.RawMessage goes out as is.
func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode unmarshals a response payload or stream item into v.
func (JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

var defaultCodec Codec = JSONCodec{}

// BinaryCodec hands []byte payloads to the grain untouched, for callers
// that pre-encode with their own format. Other values go through JSON.
type BinaryCodec struct{}

func (BinaryCodec) Encode(v any) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	}
	return json.Marshal(v)
}

func (BinaryCodec) Decode(data []byte, v any) error {
	if b, ok := v.(*[]byte); ok {
		*b = data
		return nil
	}
	return json.Unmarshal(data, v)
}

var Binary Codec = BinaryCodec{}

// encodeArgs leaves the payload empty for argument-less methods.
func encodeArgs(c Codec, v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return c.Encode(v)
}

// decodeReply skips methods that answered with an empty payload or callers
// that discard the result.
func decodeReply(c Codec, data []byte, v any) error {
	if v == nil || len(data) == 0 {
		return nil
	}
	return c.Decode(data, v)
}
