package transport

import (
	"errors"
	"fmt"
	"io"

	"github.com/animus-coder/agentstream/internal/rpc"
)

var errTruncated = fmt.Errorf("%w: truncated frame at end of stream", io.ErrUnexpectedEOF)

const readChunkSize = 32 * 1024

// Reader yields inbound frames from one connection. It is a single forward pass and
// cannot be restarted.
type Reader struct {
	src     io.Reader
	dec     *Decoder
	pending []rpc.Frame
	chunk   []byte
	err     error
}

// NewReader wraps src with the given framing.
func NewReader(src io.Reader, framing Framing) *Reader {
	return &Reader{src: src, dec: NewDecoder(framing), chunk: make([]byte, readChunkSize)}
}

// Receive returns the next frame. It returns io.EOF after a clean end of input and a
// *rpc.MalformedFrameError when the input is corrupt; once an error is returned every
// later call returns the same error.
func (r *Reader) Receive() (rpc.Frame, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return rpc.Frame{}, r.err
		}
		r.fill()
	}
	f := r.pending[0]
	r.pending = r.pending[1:]
	return f, nil
}

func (r *Reader) fill() {
	n, readErr := r.src.Read(r.chunk)
	if n > 0 {
		frames, err := r.dec.Feed(r.chunk[:n])
		r.pending = append(r.pending, frames...)
		if err != nil {
			r.err = err
			return
		}
	}
	if readErr == nil {
		return
	}
	if errors.Is(readErr, io.EOF) {
		frames, err := r.dec.Flush()
		r.pending = append(r.pending, frames...)
		if err != nil {
			r.err = err
			return
		}
		r.err = io.EOF
		return
	}
	r.err = fmt.Errorf("read stream: %w", readErr)
}
