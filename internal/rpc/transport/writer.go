package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/animus-coder/agentstream/internal/rpc"
)

// ErrWriterClosed is returned for writes after CloseWrite or Close.
var ErrWriterClosed = errors.New("transport writer closed")

const (
	defaultHighWater = 64
	defaultLowWater  = 16
)

var closedReady = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Sink delivers one frame to the underlying connection.
type Sink interface {
	WriteFrame(f rpc.Frame) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(f rpc.Frame) error

func (fn SinkFunc) WriteFrame(f rpc.Frame) error { return fn(f) }

type byteSink struct {
	w       io.Writer
	framing Framing
	buf     []byte
}

// NewByteSink encodes frames with framing onto w.
func NewByteSink(w io.Writer, framing Framing) Sink {
	return &byteSink{w: w, framing: framing}
}

func (s *byteSink) WriteFrame(f rpc.Frame) error {
	var err error
	s.buf, err = AppendFrame(s.buf[:0], s.framing, f)
	if err != nil {
		return err
	}
	_, err = s.w.Write(s.buf)
	return err
}

// Writer serializes outbound frames onto a sink from a single goroutine (Run), so frames
// reach the wire in write order. Writes never block; Write reports when the pending queue
// is backed up and Ready signals when it has drained.
type Writer struct {
	sink  Sink
	flush func() error

	highWater int
	lowWater  int

	mu      sync.Mutex
	pending []rpc.Frame
	ready   chan struct{} // open while backed up
	wake    chan struct{}
	closed  bool
	done    chan struct{}
	err     error
}

// WriterOption customizes a Writer.
type WriterOption func(*Writer)

// WithFlusher flushes the sink after each batch, e.g. http.Flusher.
func WithFlusher(flush func() error) WriterOption {
	return func(w *Writer) { w.flush = flush }
}

// WithWaterMarks sets the queue depth at which Write reports back-pressure and the depth
// below which Ready fires again.
func WithWaterMarks(high, low int) WriterOption {
	return func(w *Writer) {
		if high > 0 {
			w.highWater = high
		}
		switch {
		case low >= 0 && low < w.highWater:
			w.lowWater = low
		case w.lowWater >= w.highWater:
			w.lowWater = w.highWater / 2
		}
	}
}

// NewWriter builds a writer; call Run to start delivering frames.
func NewWriter(sink Sink, opts ...WriterOption) *Writer {
	w := &Writer{
		sink:      sink,
		highWater: defaultHighWater,
		lowWater:  defaultLowWater,
		ready:     closedReady,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write queues f. backedUp is true when the queue has reached the high-water mark; the
// caller must then wait on Ready before writing again.
func (w *Writer) Write(f rpc.Frame) (backedUp bool, err error) {
	if err := rpc.Validate(f); err != nil {
		return false, fmt.Errorf("%w: %v", rpc.ErrInvalidFrame, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return false, w.err
	}
	if w.closed {
		return false, ErrWriterClosed
	}
	w.pending = append(w.pending, f)
	if len(w.pending) >= w.highWater && w.ready == closedReady {
		w.ready = make(chan struct{})
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return w.ready != closedReady, nil
}

// Ready returns a channel that is closed once the writer is not backed up.
func (w *Writer) Ready() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Send writes f and, when the queue is backed up, waits until it drains or ctx ends.
func (w *Writer) Send(ctx context.Context, f rpc.Frame) error {
	backedUp, err := w.Write(f)
	if err != nil || !backedUp {
		return err
	}
	select {
	case <-w.Ready():
		return nil
	case <-w.done:
		return w.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteLast queues f as the final frame and refuses everything after it, atomically with
// respect to concurrent writers.
func (w *Writer) WriteLast(f rpc.Frame) error {
	if err := rpc.Validate(f); err != nil {
		return fmt.Errorf("%w: %v", rpc.ErrInvalidFrame, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if w.closed {
		return ErrWriterClosed
	}
	w.pending = append(w.pending, f)
	w.closed = true
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// CloseWrite refuses further frames; queued frames are still delivered.
func (w *Writer) CloseWrite() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Close refuses further frames and waits for Run to deliver what is queued.
func (w *Writer) Close() error {
	w.CloseWrite()
	<-w.done
	return w.Err()
}

// Err returns the sink error that stopped the writer, if any.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Run delivers queued frames until the writer is closed and drained, the sink fails, or
// ctx is cancelled.
func (w *Writer) Run(ctx context.Context) error {
	defer close(w.done)
	for {
		w.mu.Lock()
		batch := w.pending
		w.pending = nil
		closed := w.closed
		w.mu.Unlock()

		if len(batch) == 0 {
			if closed {
				return nil
			}
			select {
			case <-w.wake:
				continue
			case <-ctx.Done():
				w.fail(ctx.Err())
				return ctx.Err()
			}
		}

		if err := w.deliver(batch); err != nil {
			w.fail(err)
			return err
		}

		w.mu.Lock()
		if w.ready != closedReady && len(w.pending) <= w.lowWater {
			close(w.ready)
			w.ready = closedReady
		}
		w.mu.Unlock()
	}
}

func (w *Writer) deliver(batch []rpc.Frame) error {
	for _, f := range batch {
		if err := w.sink.WriteFrame(f); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
	}
	if w.flush != nil {
		if err := w.flush(); err != nil {
			return fmt.Errorf("flush frames: %w", err)
		}
	}
	return nil
}

func (w *Writer) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
	}
	w.pending = nil
	if w.ready != closedReady {
		close(w.ready)
		w.ready = closedReady
	}
}
