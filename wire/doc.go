// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package wire defines the grain RPC message variants and their binary
// encoding.
//
// Every message is a self-describing envelope:
//
//	[1B tag][1B version][4B LE message id][body]
//
// Bodies use little-endian integers, uint32 length-prefixed strings and
// byte slices, and maps encoded in key order. Decode never panics on
// hostile input; every failure wraps ErrMalformed so receivers can drop the
// packet and keep the session alive.
package wire
