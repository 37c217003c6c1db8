// Package protocol implements Cortex's wire format: a length-prefixed,
// binary-tagged positional array for each request/response frame. This is
// the one layer of the daemon with no direct teacher analogue — the
// teacher's RPC package frames JSON objects with newlines — but the
// streaming, partial-frame-tolerant decoding discipline below is carried
// over from it: accumulate into a growing buffer, try to cut a complete
// frame on every read, and hard-cap the buffer so a hostile or broken
// peer can't grow it without bound.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// DefaultMaxFrameBytes is used when a Decoder is constructed with a zero
// or negative limit; it matches the config package's "max_frame_bytes"
// default.
const DefaultMaxFrameBytes = 4 * 1024 * 1024

const lengthPrefixSize = 4

// Decoder incrementally reassembles frames from a byte stream read off a
// single connection. It is not safe for concurrent use; each connection
// owns exactly one.
type Decoder struct {
	buf          []byte
	maxFrameSize int
}

// NewDecoder creates a Decoder enforcing maxFrameSize as the largest
// allowed frame body (excluding the 4-byte length prefix). A limit <= 0
// falls back to DefaultMaxFrameBytes.
func NewDecoder(maxFrameSize int) *Decoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameBytes
	}
	return &Decoder{maxFrameSize: maxFrameSize}
}

// Feed appends newly read bytes to the decoder's internal buffer.
func (d *Decoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Next attempts to extract one complete frame from the buffered bytes.
// ok is false when more data must be read first. err is non-nil when the
// peer has sent something the decoder will never be able to parse (a
// length prefix past the configured cap, or a malformed frame body) — the
// caller must close the connection in that case rather than call Next
// again.
func (d *Decoder) Next() (tag int64, arr []Value, ok bool, err error) {
	if len(d.buf) < lengthPrefixSize {
		return 0, nil, false, nil
	}
	frameLen := int(binary.BigEndian.Uint32(d.buf[:lengthPrefixSize]))
	if frameLen > d.maxFrameSize {
		return 0, nil, false, fmt.Errorf("%w: frame of %d bytes exceeds %d byte limit", errMalformed, frameLen, d.maxFrameSize)
	}
	if len(d.buf) < lengthPrefixSize+frameLen {
		return 0, nil, false, nil
	}
	body := d.buf[lengthPrefixSize : lengthPrefixSize+frameLen]
	tag, arr, err = decodeFrame(body)
	if err != nil {
		return 0, nil, false, err
	}
	consumed := lengthPrefixSize + frameLen
	remaining := len(d.buf) - consumed
	copy(d.buf, d.buf[consumed:])
	d.buf = d.buf[:remaining]
	return tag, arr, true, nil
}

// Buffered reports how many bytes are currently held, for metrics and for
// deciding whether a connection that just hit EOF still had a partial
// frame in flight.
func (d *Decoder) Buffered() int { return len(d.buf) }
