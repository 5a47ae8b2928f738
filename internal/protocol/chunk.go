package protocol

import (
	"encoding/binary"
	"errors"
	"time"
)

// Bounds on a partially reassembled message. A connection gets one
// in-flight multi-chunk message at a time; anything that violates the
// sequence or these bounds discards the partial buffer.
const (
	maxChunks    = 256
	maxChunkSize = 8 << 20
	maxChunkAge  = 30 * time.Second
)

// DefaultFrameLimit is the largest frame sent to a transport without
// chunked framing.
const DefaultFrameLimit = 256 << 10

var (
	ErrChunkOrder    = errors.New("protocol: chunk out of sequence")
	ErrChunkOverflow = errors.New("protocol: chunked message too large")
	ErrChunkStale    = errors.New("protocol: chunked message abandoned")
)

// Reassembler rebuilds one logical message from chunk frames. Frames
// that are not chunked pass through untouched. Each connection owns one
// Reassembler.
type Reassembler struct {
	buf     []byte
	chunks  int
	nextSeq uint64
	started time.Time
	active  bool

	now func() time.Time
}

func NewReassembler() *Reassembler {
	return &Reassembler{now: time.Now}
}

// Feed consumes one inbound frame. It returns the complete message when
// the frame was unchunked or completed an in-flight sequence, nil when
// more chunks are pending, and an error when the partial buffer had to
// be discarded.
func (r *Reassembler) Feed(frame []byte) ([]byte, error) {
	tag, rest, err := readUvarint(frame)
	if err != nil || !isChunkTag(tag) {
		// Not chunk framing; hand the frame through as-is. Any pending
		// sequence is left alone: chunk and control frames may share a
		// connection.
		return frame, nil
	}

	seq, rest, err := readUvarint(rest)
	if err != nil {
		return nil, err
	}
	payload, _, err := readPrefixed(rest)
	if err != nil {
		return nil, err
	}

	if r.active && r.now().Sub(r.started) > maxChunkAge {
		r.reset()
		return nil, ErrChunkStale
	}

	switch tag {
	case tagChunkFirst:
		if r.active || seq != 0 {
			r.reset()
			return nil, ErrChunkOrder
		}
		r.active = true
		r.started = r.now()
	case tagChunkCont, tagChunkFinal:
		if !r.active || seq != r.nextSeq {
			r.reset()
			return nil, ErrChunkOrder
		}
	}

	if r.chunks+1 > maxChunks || len(r.buf)+len(payload) > maxChunkSize {
		r.reset()
		return nil, ErrChunkOverflow
	}
	r.buf = append(r.buf, payload...)
	r.chunks++
	r.nextSeq = seq + 1

	if tag == tagChunkFinal {
		msg := r.buf
		r.reset()
		return msg, nil
	}
	return nil, nil
}

func (r *Reassembler) reset() {
	r.buf = nil
	r.chunks = 0
	r.nextSeq = 0
	r.started = time.Time{}
	r.active = false
}

// Split breaks a frame into chunk frames when it exceeds limit. Frames
// within the limit are returned unchanged as a single element.
func Split(frame []byte, limit int) [][]byte {
	if limit <= 0 {
		limit = DefaultFrameLimit
	}
	if len(frame) <= limit {
		return [][]byte{frame}
	}

	var out [][]byte
	var seq uint64
	for off := 0; off < len(frame); off += limit {
		end := off + limit
		if end > len(frame) {
			end = len(frame)
		}
		tag := uint64(tagChunkCont)
		switch {
		case off == 0:
			tag = tagChunkFirst
		case end == len(frame):
			tag = tagChunkFinal
		}
		buf := binary.AppendUvarint(nil, tag)
		buf = binary.AppendUvarint(buf, seq)
		buf = appendPrefixed(buf, frame[off:end])
		out = append(out, buf)
		seq++
	}
	return out
}

func isChunkTag(tag uint64) bool {
	return tag == tagChunkFirst || tag == tagChunkCont || tag == tagChunkFinal
}
