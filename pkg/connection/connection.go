// Package connection implements the Connection Core: the client-side state
// machine that binds a logical connection to an underlying transport,
// mediates a full-duplex byte pipe between application code and transport
// code, serializes Start/Stop/Dispose races, and automatically reconnects
// on transport failure by acquiring a fresh transport and duplex pair.
package connection

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hubrpc/hubrpc/pkg/duplex"
	"github.com/hubrpc/hubrpc/pkg/protocol"
	"github.com/hubrpc/hubrpc/pkg/transport"
)

// maxReconnectAttempts bounds automatic reconnection so a permanently
// unreachable server does not retry forever.
const maxReconnectAttempts = 64

// TransportFactory constructs a fresh, unstarted Transport instance. The
// Connection calls it once for the initial Start and again for every
// reconnect attempt, since a Transport is single-use.
type TransportFactory func() transport.Transport

// Options configures a Connection.
type Options struct {
	// Format is the transfer format requested of every transport instance.
	Format protocol.TransferFormat

	// AllowReconnect enables automatic reconnection on recoverable
	// transport failure. Reconnect is opaque to Send callers: until
	// Connected is re-established, Send fails with ErrNotConnected.
	AllowReconnect bool

	// ReconnectBackoff is the delay before each successive reconnect
	// attempt; the Nth entry is used for the Nth attempt, and the last
	// entry repeats if there are more attempts than entries. A nil or
	// empty slice means every attempt is made immediately, with no delay.
	ReconnectBackoff []time.Duration

	// PipeBufferSize bounds the duplex pair's in-flight chunk count.
	// duplex.DefaultBufferSize is used if zero.
	PipeBufferSize int

	Logger *zap.Logger
}

// Connection is the client-side logical connection. The zero value is not
// usable; construct with New.
type Connection struct {
	mu   sync.Mutex
	cond *sync.Cond

	state            State
	starting         bool
	everStarted      bool
	disposeRequested bool

	newTransport   TransportFactory
	format         protocol.TransferFormat
	allowReconnect bool
	backoff        []time.Duration
	bufSize        int
	logger         *zap.Logger

	transport transport.Transport
	appPipe   *duplex.Pipe

	onReceived func(ctx context.Context, data []byte) error
	onClosed   func(err error)
}

// New constructs a Connection bound to newTransport, which is invoked to
// obtain a fresh Transport on Start and on every reconnect.
func New(newTransport TransportFactory, opts Options) *Connection {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Connection{
		state:          Disconnected,
		newTransport:   newTransport,
		format:         opts.Format,
		allowReconnect: opts.AllowReconnect,
		backoff:        opts.ReconnectBackoff,
		bufSize:        opts.PipeBufferSize,
		logger:         logger,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// OnReceived registers the handler invoked sequentially, in order, for each
// chunk the transport deposits. The reader does not advance until the
// handler's previous invocation has returned. Must be called before Start;
// it is not safe to change concurrently with a running connection.
func (c *Connection) OnReceived(handler func(ctx context.Context, data []byte) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReceived = handler
}

// OnClosed registers the handler invoked exactly once per completed start
// cycle when the transport stops, whether due to Stop/Dispose or a
// transport failure. err is nil for a graceful stop.
func (c *Connection) OnClosed(handler func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClosed = handler
}

// State reports the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start transitions Disconnected -> Connecting -> Connected. It fails with
// ErrNotDisconnected if the connection is in any other state, including
// Disposed.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return ErrNotDisconnected
	}
	c.state = Connecting
	c.starting = true
	c.everStarted = true
	c.disposeRequested = false
	c.mu.Unlock()

	err := c.attemptConnect(ctx)

	c.mu.Lock()
	c.starting = false
	if err != nil {
		c.state = Disconnected
		c.cond.Broadcast()
		c.mu.Unlock()
		return err
	}
	c.state = Connected
	c.cond.Broadcast()
	c.mu.Unlock()

	go c.runReceiveLoop()
	return nil
}

// attemptConnect constructs a fresh transport and duplex pair and starts
// them, storing the results on success. Callers hold no lock while calling
// this, since Start may block for an arbitrary duration.
func (c *Connection) attemptConnect(ctx context.Context) error {
	t := c.newTransport()
	transportSide, appSide := duplex.NewPipePair(c.bufSize)
	if err := t.Start(ctx, transportSide, c.format); err != nil {
		return err
	}
	c.mu.Lock()
	c.transport = t
	c.appPipe = appSide
	c.mu.Unlock()
	return nil
}

// Send writes data to the application pipe's output, which the transport
// consumes. It fails with ErrNotConnected unless the connection is
// currently Connected.
func (c *Connection) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	pipe := c.appPipe
	c.mu.Unlock()
	return pipe.Write(ctx, data)
}

// Stop tears the connection down to Disconnected. It is idempotent:
// concurrent Stop calls all observe the same completion. Stop on a
// connection that is Disconnected or Disposed is a no-op.
func (c *Connection) Stop(ctx context.Context) error {
	c.mu.Lock()
	for c.starting {
		c.cond.Wait()
	}
	if c.state == Disconnected || c.state == Disposed {
		c.mu.Unlock()
		return nil
	}
	t := c.transport
	c.mu.Unlock()

	if t != nil {
		_ = t.Stop(ctx)
	}

	c.mu.Lock()
	for c.state != Disconnected && c.state != Disposed {
		c.cond.Wait()
	}
	c.mu.Unlock()
	return nil
}

// Dispose stops the connection (if running) and transitions it to the
// terminal Disposed state. Dispose on a connection that was never Started
// is a no-op that does not fire Closed. Dispose is idempotent.
func (c *Connection) Dispose(ctx context.Context) error {
	c.mu.Lock()
	for c.starting {
		c.cond.Wait()
	}
	if c.state == Disposed {
		c.mu.Unlock()
		return nil
	}
	if c.state == Disconnected {
		c.state = Disposed
		c.cond.Broadcast()
		c.mu.Unlock()
		return nil
	}
	c.disposeRequested = true
	t := c.transport
	c.mu.Unlock()

	if t != nil {
		_ = t.Stop(ctx)
	}

	c.mu.Lock()
	for c.state != Disconnected {
		c.cond.Wait()
	}
	c.state = Disposed
	c.cond.Broadcast()
	c.mu.Unlock()
	return nil
}

// runReceiveLoop fans inbound chunks out to the registered OnReceived
// handler, sequentially and in order, until the application pipe
// completes.
func (c *Connection) runReceiveLoop() {
	for {
		data, err := c.appPipe.Read(context.Background())
		if err != nil {
			c.handlePipeEnd(err)
			return
		}
		c.mu.Lock()
		handler := c.onReceived
		c.mu.Unlock()
		if handler != nil {
			_ = handler(context.Background(), data)
		}
	}
}

// handlePipeEnd is the single place a completed start cycle is wound down:
// it fires Closed exactly once, then either reconnects (if allowed,
// recoverable, and not user-requested) or settles at Disconnected.
func (c *Connection) handlePipeEnd(err error) {
	c.mu.Lock()
	if c.state == Disposed {
		c.mu.Unlock()
		return
	}
	c.state = Disconnecting
	onClosed := c.onClosed
	allowReconnect := c.allowReconnect
	disposeRequested := c.disposeRequested
	backoff := c.backoff
	c.mu.Unlock()

	closedErr := err
	if errors.Is(err, io.EOF) {
		closedErr = nil
	}
	if onClosed != nil {
		onClosed(closedErr)
	}

	if allowReconnect && !disposeRequested && closedErr != nil {
		if c.reconnect(backoff) {
			return
		}
	}

	c.mu.Lock()
	c.state = Disconnected
	c.cond.Broadcast()
	c.mu.Unlock()
}

// reconnect attempts to re-establish the connection with a fresh transport
// and duplex pair, waiting delays[i] before the i-th attempt (the last
// delay repeats if there are more attempts than entries). It returns true
// and leaves the connection Connected (with a fresh receive loop running)
// on success.
func (c *Connection) reconnect(delays []time.Duration) bool {
	if len(delays) == 0 {
		delays = []time.Duration{0}
	}
	for i := 0; ; i++ {
		c.mu.Lock()
		if c.state == Disposed || c.disposeRequested {
			c.mu.Unlock()
			return false
		}
		c.mu.Unlock()

		d := delays[len(delays)-1]
		if i < len(delays) {
			d = delays[i]
		}
		if d > 0 {
			time.Sleep(d)
		}

		if err := c.attemptConnect(context.Background()); err == nil {
			c.mu.Lock()
			c.state = Connected
			c.cond.Broadcast()
			c.mu.Unlock()
			go c.runReceiveLoop()
			return true
		}
		c.logger.Debug("reconnect attempt failed", zap.Int("attempt", i+1))

		if i+1 >= maxReconnectAttempts {
			// Bound retries past the configured schedule's length so an
			// unreachable server does not spin forever at the last
			// backoff interval.
			return false
		}
	}
}
