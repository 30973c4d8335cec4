// Package transport turns a raw duplex byte stream into protocol frames under one of two
// wire framings negotiated per connection: newline-delimited JSON or 4-byte big-endian
// length-prefixed JSON payloads.
package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"mime"
	"strings"

	"github.com/animus-coder/agentstream/internal/rpc"
)

// Framing selects how frames are delimited on the wire.
type Framing int

const (
	Delimited Framing = iota
	LengthPrefixed
)

const (
	ContentTypeDelimited      = "application/x-ndjson"
	ContentTypeLengthPrefixed = "application/x-agentstream-frames"
)

// headerLength is the size of the length prefix.
const headerLength = 4

// DefaultMaxFrameSize caps a single frame payload. A length header above it is treated as
// corruption rather than an allocation request.
const DefaultMaxFrameSize = 16 * 1024 * 1024

func (f Framing) String() string {
	switch f {
	case Delimited:
		return "delimited"
	case LengthPrefixed:
		return "length-prefixed"
	default:
		return fmt.Sprintf("framing(%d)", int(f))
	}
}

// ContentType is the marker echoed on responses using this framing.
func (f Framing) ContentType() string {
	if f == LengthPrefixed {
		return ContentTypeLengthPrefixed
	}
	return ContentTypeDelimited
}

// FramingForContentType negotiates the framing from an inbound Content-Type header.
func FramingForContentType(contentType string) (Framing, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return 0, fmt.Errorf("parse content type %q: %w", contentType, err)
	}
	switch strings.ToLower(mediaType) {
	case ContentTypeDelimited, "application/jsonl", "application/x-jsonlines":
		return Delimited, nil
	case ContentTypeLengthPrefixed:
		return LengthPrefixed, nil
	default:
		return 0, fmt.Errorf("unsupported content type %q", mediaType)
	}
}

// ParseFraming maps a configuration value onto a Framing.
func ParseFraming(name string) (Framing, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "delimited", "ndjson":
		return Delimited, nil
	case "length-prefixed", "length_prefixed", "binary":
		return LengthPrefixed, nil
	default:
		return 0, fmt.Errorf("unknown framing %q", name)
	}
}

// AppendFrame encodes f and appends its wire form to dst.
func AppendFrame(dst []byte, framing Framing, f rpc.Frame) ([]byte, error) {
	payload, err := rpc.Encode(f)
	if err != nil {
		return dst, err
	}
	switch framing {
	case LengthPrefixed:
		var header [headerLength]byte
		binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
		dst = append(dst, header[:]...)
		return append(dst, payload...), nil
	default:
		dst = append(dst, payload...)
		return append(dst, '\n'), nil
	}
}

// Decoder incrementally splits a byte stream into frames. Chunks may end anywhere,
// including inside a length header or payload.
type Decoder struct {
	framing      Framing
	maxFrameSize int
	buf          []byte
	err          error
}

// NewDecoder builds a decoder for the given framing.
func NewDecoder(framing Framing) *Decoder {
	return &Decoder{framing: framing, maxFrameSize: DefaultMaxFrameSize}
}

// Feed appends chunk to the internal buffer and returns every frame that is now complete.
// After the first error the decoder stays failed; it never resynchronizes.
func (d *Decoder) Feed(chunk []byte) ([]rpc.Frame, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, chunk...)

	var out []rpc.Frame
	for {
		payload, ok, err := d.next()
		if err != nil {
			d.err = err
			return out, err
		}
		if !ok {
			break
		}
		if d.framing == Delimited && len(bytes.TrimSpace(payload)) == 0 {
			continue
		}
		f, err := rpc.Decode(payload)
		if err != nil {
			d.err = err
			return out, err
		}
		out = append(out, f)
	}
	d.compact()
	return out, nil
}

// Buffered reports how many bytes of an incomplete frame are held.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Flush handles end of input. A trailing delimited line without its newline is decoded
// as a final frame; a partial length-prefixed frame is an error.
func (d *Decoder) Flush() ([]rpc.Frame, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.framing == LengthPrefixed {
		pending := len(d.buf)
		d.buf = nil
		if pending == 0 {
			return nil, nil
		}
		d.err = errTruncated
		return nil, d.err
	}
	rest := bytes.TrimSpace(d.buf)
	d.buf = nil
	if len(rest) == 0 {
		return nil, nil
	}
	f, err := rpc.Decode(rest)
	if err != nil {
		d.err = err
		return nil, err
	}
	return []rpc.Frame{f}, nil
}

// next slices one complete payload off the front of the buffer.
func (d *Decoder) next() ([]byte, bool, error) {
	switch d.framing {
	case LengthPrefixed:
		if len(d.buf) < headerLength {
			return nil, false, nil
		}
		size := binary.BigEndian.Uint32(d.buf[:headerLength])
		if int64(size) > int64(d.maxFrameSize) {
			return nil, false, &rpc.MalformedFrameError{
				Raw:    append([]byte(nil), d.buf[:headerLength]...),
				Reason: fmt.Sprintf("frame length %d exceeds maximum %d", size, d.maxFrameSize),
			}
		}
		end := headerLength + int(size)
		if len(d.buf) < end {
			return nil, false, nil
		}
		payload := d.buf[headerLength:end]
		d.buf = d.buf[end:]
		return payload, true, nil
	default:
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			if len(d.buf) > d.maxFrameSize {
				return nil, false, &rpc.MalformedFrameError{
					Raw:    append([]byte(nil), d.buf[:64]...),
					Reason: fmt.Sprintf("line exceeds maximum %d bytes", d.maxFrameSize),
				}
			}
			return nil, false, nil
		}
		line := bytes.TrimSuffix(d.buf[:idx], []byte{'\r'})
		d.buf = d.buf[idx+1:]
		return line, true, nil
	}
}

// compact moves the unconsumed tail to the front so the buffer does not grow without bound.
func (d *Decoder) compact() {
	if len(d.buf) == 0 {
		d.buf = d.buf[:0]
		return
	}
	if cap(d.buf)-len(d.buf) > 4096 && len(d.buf) < cap(d.buf)/4 {
		d.buf = append([]byte(nil), d.buf...)
	}
}
