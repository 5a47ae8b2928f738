// Package protocol implements the binary wire format spoken between the
// sync server and its clients: the two-step sync handshake, document
// update frames, awareness updates, chunked framing for oversized
// messages, and the sentinel-prefixed custom message channel.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Frame type tags. Chunk tags live in the same varint space as the
// message tags so a single leading varint classifies any frame.
const (
	tagSync       = 0
	tagAwareness  = 1
	tagChunkFirst = 2
	tagChunkCont  = 3
	tagChunkFinal = 4
)

// Sync sub-message tags.
const (
	syncStep1  = 0
	syncStep2  = 1
	syncUpdate = 2
)

// CustomPrefix marks a frame as an application-level message instead of
// sync protocol. The check runs before any binary parsing, so a binary
// frame that happens to decode as UTF-8 with this prefix is still routed
// to the custom channel.
const CustomPrefix = "__YPS:"

var (
	ErrTruncated   = errors.New("protocol: truncated frame")
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// Message is the decoded form of a wire frame. The concrete types below
// are the only implementations; dispatch sites switch over all of them.
type Message interface {
	isMessage()
}

// SyncStep1 announces the sender's state vector and asks for the delta
// the sender is missing.
type SyncStep1 struct {
	StateVector []byte
}

// SyncStep2 answers a SyncStep1 with exactly the missing update.
type SyncStep2 struct {
	Update []byte
}

// SyncUpdate carries an incremental document update.
type SyncUpdate struct {
	Update []byte
}

// Awareness carries an encoded presence update.
type Awareness struct {
	Update []byte
}

// Custom carries an opaque application payload (the sentinel prefix is
// already stripped).
type Custom struct {
	Payload string
}

func (SyncStep1) isMessage()  {}
func (SyncStep2) isMessage()  {}
func (SyncUpdate) isMessage() {}
func (Awareness) isMessage()  {}
func (Custom) isMessage()     {}

// Decode parses a complete (already reassembled) frame.
func Decode(frame []byte) (Message, error) {
	if payload, ok := customPayload(frame); ok {
		return Custom{Payload: payload}, nil
	}

	tag, rest, err := readUvarint(frame)
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagSync:
		sub, rest, err := readUvarint(rest)
		if err != nil {
			return nil, err
		}
		payload, _, err := readPrefixed(rest)
		if err != nil {
			return nil, err
		}
		switch sub {
		case syncStep1:
			return SyncStep1{StateVector: payload}, nil
		case syncStep2:
			return SyncStep2{Update: payload}, nil
		case syncUpdate:
			return SyncUpdate{Update: payload}, nil
		default:
			return nil, fmt.Errorf("%w: sync subtype %d", ErrUnknownType, sub)
		}
	case tagAwareness:
		payload, _, err := readPrefixed(rest)
		if err != nil {
			return nil, err
		}
		return Awareness{Update: payload}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, tag)
	}
}

// EncodeSyncStep1 frames a state vector announcement.
func EncodeSyncStep1(stateVector []byte) []byte {
	return encodeSync(syncStep1, stateVector)
}

// EncodeSyncStep2 frames a handshake reply.
func EncodeSyncStep2(update []byte) []byte {
	return encodeSync(syncStep2, update)
}

// EncodeSyncUpdate frames an incremental document update.
func EncodeSyncUpdate(update []byte) []byte {
	return encodeSync(syncUpdate, update)
}

// EncodeAwareness frames an encoded presence update.
func EncodeAwareness(update []byte) []byte {
	buf := binary.AppendUvarint(nil, tagAwareness)
	return appendPrefixed(buf, update)
}

// EncodeCustom frames an application payload with the sentinel prefix.
func EncodeCustom(payload string) []byte {
	return []byte(CustomPrefix + payload)
}

func encodeSync(sub uint64, payload []byte) []byte {
	buf := binary.AppendUvarint(nil, tagSync)
	buf = binary.AppendUvarint(buf, sub)
	return appendPrefixed(buf, payload)
}

func customPayload(frame []byte) (string, bool) {
	if len(frame) < len(CustomPrefix) || !utf8.Valid(frame) {
		return "", false
	}
	s := string(frame)
	if !strings.HasPrefix(s, CustomPrefix) {
		return "", false
	}
	return s[len(CustomPrefix):], true
}

func appendPrefixed(dst, payload []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(payload)))
	return append(dst, payload...)
}

func readUvarint(buf []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, nil, ErrTruncated
	}
	return v, buf[n:], nil
}

func readPrefixed(buf []byte) ([]byte, []byte, error) {
	size, rest, err := readUvarint(buf)
	if err != nil {
		return nil, nil, err
	}
	if size > uint64(len(rest)) {
		return nil, nil, ErrTruncated
	}
	return rest[:size], rest[size:], nil
}
