// Package syncproto defines the binary framing of the replica sync protocol
// and the server-side reconciliation engine.
//
// Every protocol message is a type tag (uvarint) followed by an opaque
// payload produced by the CRDT layer. Responses bundle zero or more messages
// into an envelope: a uvarint count, then each message length-prefixed.
package syncproto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MessageType tags a protocol message.
type MessageType uint8

const (
	// TypeStep1 opens a reconciliation round: the payload is the sender's
	// sync message describing what it has and needs.
	TypeStep1 MessageType = 0
	// TypeStep2 continues a reconciliation round with the changes the peer
	// asked for, plus the sender's own state description.
	TypeStep2 MessageType = 1
	// TypeUpdate carries a standalone incremental update, applied without a
	// reconciliation session.
	TypeUpdate MessageType = 2
)

var (
	// ErrTruncated is returned when a buffer ends mid-message.
	ErrTruncated = errors.New("truncated sync message")
	// ErrUnknownType is returned for an unrecognized message type tag.
	ErrUnknownType = errors.New("unknown sync message type")
)

// maxEnvelopeChunks bounds decode allocation against hostile input.
const maxEnvelopeChunks = 1 << 16

// EncodeMessage frames a payload with its type tag.
func EncodeMessage(typ MessageType, payload []byte) []byte {
	buf := make([]byte, binary.MaxVarintLen64+len(payload))
	n := binary.PutUvarint(buf, uint64(typ))
	n += copy(buf[n:], payload)
	return buf[:n]
}

// DecodeMessage splits a framed message into its type tag and payload.
func DecodeMessage(raw []byte) (MessageType, []byte, error) {
	tag, n := binary.Uvarint(raw)
	if n <= 0 {
		return 0, nil, ErrTruncated
	}
	typ := MessageType(tag)
	switch typ {
	case TypeStep1, TypeStep2, TypeUpdate:
		return typ, raw[n:], nil
	}
	return 0, nil, fmt.Errorf("%w: %d", ErrUnknownType, tag)
}

// EncodeEnvelope bundles framed messages into a single response body.
func EncodeEnvelope(messages [][]byte) []byte {
	size := binary.MaxVarintLen64
	for _, m := range messages {
		size += binary.MaxVarintLen64 + len(m)
	}
	buf := make([]byte, size)
	n := binary.PutUvarint(buf, uint64(len(messages)))
	for _, m := range messages {
		n += binary.PutUvarint(buf[n:], uint64(len(m)))
		n += copy(buf[n:], m)
	}
	return buf[:n]
}

// DecodeEnvelope splits a response body into its framed messages.
func DecodeEnvelope(raw []byte) ([][]byte, error) {
	count, n := binary.Uvarint(raw)
	if n <= 0 {
		return nil, ErrTruncated
	}
	if count > maxEnvelopeChunks {
		return nil, fmt.Errorf("envelope declares %d messages", count)
	}
	raw = raw[n:]

	out := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		length, n := binary.Uvarint(raw)
		if n <= 0 {
			return nil, ErrTruncated
		}
		raw = raw[n:]
		if uint64(len(raw)) < length {
			return nil, ErrTruncated
		}
		out = append(out, raw[:length])
		raw = raw[length:]
	}
	return out, nil
}
