// Copyright (c) 2024 Aerocore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package l2tunnel implements the client half of the secure bridge
// between a browser guest-facing endpoint and a backend message-
// oriented transport (spec.md §4.6). The backend gateway itself is an
// external collaborator (spec.md §1 lists "a network proxy ... for TCP/
// UDP/L2 tunneling" among the pieces this repository does not
// implement); this package only dials it and speaks its framing.
package l2tunnel

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Subprotocol is the fixed WebSocket subprotocol tag negotiated on the
// /l2 upgrade (spec.md §4.6, §6).
const Subprotocol = "aero-l2-tunnel-v1"

// SessionPath is the well-known WebSocket endpoint path.
const SessionPath = "/l2"

// RecordType tags a typed, length-prefixed record on the tunnel.
type RecordType uint8

const (
	// RecordFrame carries a raw ethernet payload.
	RecordFrame RecordType = 1
	// RecordPing/RecordPong are liveness records; the gateway and
	// client may exchange these independent of the WebSocket-level
	// ping/pong control frames.
	RecordPing RecordType = 2
	RecordPong RecordType = 3
)

// recordHeaderSize is the on-wire size of a record's type+length prefix.
const recordHeaderSize = 1 + 4

// ErrTruncatedRecord is returned by DecodeRecord when buf does not yet
// contain a complete record.
var ErrTruncatedRecord = errors.New("l2tunnel: truncated record")

// Record is one typed, length-prefixed frame on the tunnel.
type Record struct {
	Type    RecordType
	Payload []byte
}

// Encode serializes r as `[u8 type | u32 length_LE | payload]`.
func (r Record) Encode() []byte {
	out := make([]byte, recordHeaderSize+len(r.Payload))
	out[0] = byte(r.Type)
	binary.LittleEndian.PutUint32(out[1:5], uint32(len(r.Payload)))
	copy(out[recordHeaderSize:], r.Payload)
	return out
}

// DecodeRecord parses one record from the front of buf, returning it
// and the number of bytes consumed.
func DecodeRecord(buf []byte) (Record, int, error) {
	if len(buf) < recordHeaderSize {
		return Record{}, 0, ErrTruncatedRecord
	}
	typ := RecordType(buf[0])
	length := binary.LittleEndian.Uint32(buf[1:5])
	total := recordHeaderSize + int(length)
	if len(buf) < total {
		return Record{}, 0, ErrTruncatedRecord
	}
	payload := make([]byte, length)
	copy(payload, buf[recordHeaderSize:total])
	return Record{Type: typ, Payload: payload}, total, nil
}

// FrameRecord wraps an ethernet payload in a FRAME record.
func FrameRecord(ethernetFrame []byte) Record {
	return Record{Type: RecordFrame, Payload: ethernetFrame}
}
