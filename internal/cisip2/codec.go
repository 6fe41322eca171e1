package cisip2

import (
	"encoding/json"
	"fmt"
)

// maxFrameSize bounds a single JSON message. Real receiver messages are well
// under 200 bytes; anything larger means the stream has desynchronized.
const maxFrameSize = 64 * 1024

// Decoder splits the undelimited CIS-IP2 byte stream into complete JSON
// objects. The receiver sends messages back to back with no delimiter, so
// framing tracks brace depth while honouring JSON string and escape rules.
//
// Feed appends raw bytes in whatever chunks the socket delivers; Next drains
// complete frames. Decoding is chunk-boundary independent.
//
// Decoder is not safe for concurrent use; the session's read loop is its
// only caller.
type Decoder struct {
	buf []byte

	// scan state, persisted across Feed calls
	pos      int  // next byte to examine
	start    int  // offset of the current object's '{', -1 when between objects
	depth    int  // brace nesting inside the current object
	inString bool // inside a JSON string literal
	escaped  bool // previous byte was a backslash inside a string
}

// NewDecoder returns a decoder ready to consume stream bytes.
func NewDecoder() *Decoder {
	return &Decoder{start: -1}
}

// Feed appends a chunk of stream bytes.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next returns the next complete frame, or (nil, nil) when more bytes are
// needed. On malformed input it returns a ParseError and resynchronizes to
// the next '{' so one bad message does not poison the stream.
func (d *Decoder) Next() (*Frame, error) {
	for d.pos < len(d.buf) {
		c := d.buf[d.pos]

		if d.start < 0 {
			switch c {
			case ' ', '\t', '\r', '\n':
				d.pos++
				continue
			case '{':
				d.start = d.pos
				d.depth = 1
				d.pos++
				continue
			default:
				return nil, d.resync(fmt.Errorf("%w: unexpected byte 0x%02x between messages", ErrParse, c))
			}
		}

		switch {
		case d.escaped:
			d.escaped = false
		case d.inString:
			switch c {
			case '\\':
				d.escaped = true
			case '"':
				d.inString = false
			}
		case c == '"':
			d.inString = true
		case c == '{':
			d.depth++
		case c == '}':
			d.depth--
			if d.depth == 0 {
				raw := d.buf[d.start : d.pos+1]
				frame := &Frame{}
				err := json.Unmarshal(raw, frame)
				d.consume(d.pos + 1)
				if err != nil {
					return nil, fmt.Errorf("%w: %v", ErrParse, err)
				}
				return frame, nil
			}
		}
		d.pos++

		if d.pos-d.start > maxFrameSize {
			return nil, d.resync(fmt.Errorf("%w: message exceeds %d bytes", ErrParse, maxFrameSize))
		}
	}
	return nil, nil
}

// Buffered reports how many undecoded bytes are held, for stats.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// consume drops everything up to off and resets the scan state.
func (d *Decoder) consume(off int) {
	d.buf = append(d.buf[:0], d.buf[off:]...)
	d.pos = 0
	d.start = -1
	d.depth = 0
	d.inString = false
	d.escaped = false
}

// resync skips forward to the next '{' so decoding can continue after
// malformed input, then surfaces err.
func (d *Decoder) resync(err error) error {
	off := d.pos + 1
	for off < len(d.buf) && d.buf[off] != '{' {
		off++
	}
	d.consume(off)
	return err
}
