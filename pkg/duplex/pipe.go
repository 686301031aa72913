// Package duplex implements the bounded, single-producer/single-consumer
// byte pipe pair that forms the Transport/Application halves of a
// connection: one side's writes are the other side's reads.
package duplex

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned by Write once the pipe's writer half has completed
// without a terminal error; after Complete with a non-nil error, Write
// returns that error instead.
var ErrClosed = errors.New("duplex: pipe closed")

// DefaultBufferSize is the chunk-count capacity used by NewPipePair when
// callers have no specific backpressure requirement.
const DefaultBufferSize = 16

// halfPipe is one direction of a duplex pair: a bounded queue of byte
// chunks with an idempotent terminal completion.
type halfPipe struct {
	ch     chan []byte
	closed chan struct{}

	mu        sync.Mutex
	closeOnce sync.Once
	err       error
}

func newHalfPipe(bufSize int) *halfPipe {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &halfPipe{
		ch:     make(chan []byte, bufSize),
		closed: make(chan struct{}),
	}
}

// write appends b, blocking for room. It is only ever called by the single
// producer that also calls complete, so there is no race between the
// closed-check and the send.
func (h *halfPipe) write(ctx context.Context, b []byte) error {
	closedErr := func() error {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.err != nil {
			return h.err
		}
		return ErrClosed
	}
	select {
	case <-h.closed:
		return closedErr()
	default:
	}
	select {
	case h.ch <- b:
		return nil
	case <-h.closed:
		return closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// read returns the next available chunk, blocking until one arrives, the
// pipe completes, or ctx is done. Once completed, buffered chunks already
// in flight are still delivered before the completion error.
func (h *halfPipe) read(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-h.ch:
		if !ok {
			return nil, h.completionError()
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *halfPipe) complete(err error) {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.closed)
		close(h.ch)
	})
}

func (h *halfPipe) completionError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	return io.EOF
}

// Pipe is one side of a duplex pair: Write deposits bytes the paired side's
// Read consumes, and Read consumes bytes the paired side's Write deposits.
type Pipe struct {
	out *halfPipe
	in  *halfPipe
}

// Write appends b to this side's output, blocking for room or until ctx is
// done. After Complete has been called on this side, Write returns the
// non-nil error Complete was given, or ErrClosed if it was given nil.
func (p *Pipe) Write(ctx context.Context, b []byte) error {
	return p.out.write(ctx, b)
}

// Read returns the next chunk deposited by the paired side, blocking until
// one is available, the paired side completes, or ctx is done. Once the
// paired side has completed and all buffered chunks are drained, Read
// returns the paired side's completion error (io.EOF if Complete(nil) was
// called).
func (p *Pipe) Read(ctx context.Context) ([]byte, error) {
	return p.in.read(ctx)
}

// Complete marks this side's output as finished. err, if non-nil, is
// surfaced to the paired side's next Read once buffered chunks are
// drained; a nil err surfaces io.EOF. Complete is idempotent: only the
// first call has effect. Subsequent Write calls on this side return the
// non-nil error Complete was given, or ErrClosed.
func (p *Pipe) Complete(err error) {
	p.out.complete(err)
}

// NewPipePair allocates a fresh duplex pair and returns its two sides.
// Bytes written to transport are read from application, and bytes written
// to application are read from transport. bufSize bounds how many
// in-flight chunks either direction may buffer before Write blocks;
// DefaultBufferSize is used if bufSize <= 0.
func NewPipePair(bufSize int) (transport, application *Pipe) {
	applicationToTransport := newHalfPipe(bufSize)
	transportToApplication := newHalfPipe(bufSize)

	transport = &Pipe{out: transportToApplication, in: applicationToTransport}
	application = &Pipe{out: applicationToTransport, in: transportToApplication}
	return transport, application
}
