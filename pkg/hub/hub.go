// Package hub implements the Hub Invocation Layer: it matches completion
// replies to pending outgoing calls, and routes incoming invocations and
// stream items to registered handlers. It sits atop a connection's byte
// pipe, using a pkg/protocol.HubProtocol to frame and parse HubMessage
// values. A StreamChannel lets a single handler push a server-initiated
// stream of items back to the caller ahead of its final Completion.
package hub

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/hubrpc/hubrpc/pkg/protocol"
)

// Sender writes a framed byte chunk to the peer. *connection.Connection
// satisfies this with its Send method; it is expressed as an interface
// here so the hub layer does not need to import pkg/connection.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// ErrConnectionClosed is the error every still-pending call is rejected
// with when Invoker.CloseWithError runs with a nil error.
var ErrConnectionClosed = errors.New("hub: connection closed with calls still pending")

// pendingCall is one in-flight client-initiated invocation awaiting its
// Completion.
type pendingCall struct {
	done   chan struct{}
	result any
	err    error
}

// Invoker tracks outgoing invocations and resolves them as Completion
// messages arrive. One Invoker is owned by one logical connection.
type Invoker struct {
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[string]*pendingCall

	sender   Sender
	protocol protocol.HubProtocol
	logger   *zap.Logger
}

// NewInvoker constructs an Invoker that frames calls with proto and writes
// them through sender.
func NewInvoker(sender Sender, proto protocol.HubProtocol, logger *zap.Logger) *Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Invoker{
		pending:  make(map[string]*pendingCall),
		sender:   sender,
		protocol: proto,
		logger:   logger,
	}
}

// Invoke encodes and sends an Invocation for target with args, then blocks
// until a matching Completion arrives or ctx is cancelled. The result is
// whatever the codec decoded the Completion's result field into: always a
// generic value (float64, string, []any, map[string]any, ...), since an
// InvocationBinder's types apply only to Invocation arguments.
func (inv *Invoker) Invoke(ctx context.Context, target string, args []any) (any, error) {
	id := strconv.FormatUint(inv.nextID.Inc(), 10)
	call := &pendingCall{done: make(chan struct{})}
	inv.mu.Lock()
	inv.pending[id] = call
	inv.mu.Unlock()

	msg := protocol.NewInvocation(id, target, args, false)
	buf, err := inv.protocol.WriteMessage(msg, nil)
	if err != nil {
		inv.mu.Lock()
		delete(inv.pending, id)
		inv.mu.Unlock()
		return nil, fmt.Errorf("hub: encode invocation: %w", err)
	}
	if err := inv.sender.Send(ctx, buf); err != nil {
		inv.mu.Lock()
		delete(inv.pending, id)
		inv.mu.Unlock()
		return nil, err
	}

	select {
	case <-call.done:
		return call.result, call.err
	case <-ctx.Done():
		inv.mu.Lock()
		delete(inv.pending, id)
		inv.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Send encodes and sends a fire-and-forget (non-blocking, no response
// expected) invocation.
func (inv *Invoker) Send(ctx context.Context, target string, args []any) error {
	msg := protocol.NewInvocation("", target, args, true)
	buf, err := inv.protocol.WriteMessage(msg, nil)
	if err != nil {
		return fmt.Errorf("hub: encode invocation: %w", err)
	}
	return inv.sender.Send(ctx, buf)
}

// HandleCompletion resolves (or rejects) the pending call named by msg's
// invocation id and removes it from the table. It is a no-op if no call
// with that id is pending (e.g. it already timed out via ctx).
func (inv *Invoker) HandleCompletion(msg protocol.HubMessage) {
	inv.mu.Lock()
	call, ok := inv.pending[msg.InvocationID]
	if ok {
		delete(inv.pending, msg.InvocationID)
	}
	inv.mu.Unlock()
	if !ok {
		return
	}
	if msg.HasError {
		call.err = errors.New(msg.Error)
	} else {
		call.result = msg.Result
	}
	close(call.done)
}

// CloseWithError fails every still-pending call with err (ErrConnectionClosed
// if err is nil), so no caller of Invoke blocks forever past connection
// teardown.
func (inv *Invoker) CloseWithError(err error) {
	if err == nil {
		err = ErrConnectionClosed
	}
	inv.mu.Lock()
	calls := lo.Values(inv.pending)
	inv.pending = make(map[string]*pendingCall)
	inv.mu.Unlock()

	for _, call := range calls {
		call.err = err
		close(call.done)
	}
}

// HandlerFunc processes an incoming Invocation and returns its result (nil
// for a void-returning handler) or an error to send back as a Completion
// error. ctx carries the originating HubContext via FromContext.
type HandlerFunc func(ctx context.Context, args []any) (result any, err error)

// StreamHandlerFunc processes an incoming Invocation that expects a
// streamed reply: it writes zero or more items to ch and returns once the
// stream is exhausted (or fails with err, which becomes the Completion
// error instead of a final StreamItem).
type StreamHandlerFunc func(ctx context.Context, args []any, ch *StreamChannel) error

// Dispatcher routes incoming Invocation messages to registered handlers by
// target name (case-sensitive) and writes back Completions. Registration
// and lookup share a read-write mutex, so Handle and HandleStream may be
// called while Dispatch is running.
type Dispatcher struct {
	mu             sync.RWMutex
	handlers       map[string]HandlerFunc
	streamHandlers map[string]StreamHandlerFunc

	protocol protocol.HubProtocol
	logger   *zap.Logger
}

// NewDispatcher constructs a Dispatcher that frames Completions with proto.
func NewDispatcher(proto protocol.HubProtocol, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		handlers:       make(map[string]HandlerFunc),
		streamHandlers: make(map[string]StreamHandlerFunc),
		protocol:       proto,
		logger:         logger,
	}
}

// Handle registers a unary handler for target.
func (d *Dispatcher) Handle(target string, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[target] = fn
}

// HandleStream registers a streaming handler for target.
func (d *Dispatcher) HandleStream(target string, fn StreamHandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streamHandlers[target] = fn
}

// GetParameterTypes implements protocol.InvocationBinder. This Dispatcher
// has no static argument-type registry (handlers receive []any and assert
// their own types), so every target decodes generically; a typed
// application layer built on top of Dispatcher would override this by
// wrapping it with its own InvocationBinder.
func (d *Dispatcher) GetParameterTypes(target string) []reflect.Type {
	return nil
}

// Dispatch handles one incoming Invocation message, running its registered
// handler (if any) and writing the resulting Completion through sender.
// NonBlocking invocations (no invocationId) run the handler but never
// write a Completion.
func (d *Dispatcher) Dispatch(ctx context.Context, connectionID string, sender Sender, msg protocol.HubMessage) {
	ctx = WithHubContext(ctx, &HubContext{ConnectionID: connectionID, Sender: sender})

	d.mu.RLock()
	handler, isUnary := d.handlers[msg.Target]
	streamHandler, isStream := d.streamHandlers[msg.Target]
	d.mu.RUnlock()

	switch {
	case isUnary:
		result, err := handler(ctx, msg.Args)
		d.completeInvocation(ctx, sender, msg, result, err)
	case isStream:
		d.dispatchStream(ctx, sender, msg, streamHandler)
	default:
		if msg.InvocationID != "" {
			d.writeCompletion(ctx, sender, protocol.NewCompletionError(msg.InvocationID, fmt.Sprintf("Unknown target: %s", msg.Target)))
		}
	}
}

func (d *Dispatcher) dispatchStream(ctx context.Context, sender Sender, msg protocol.HubMessage, fn StreamHandlerFunc) {
	ch := newStreamChannel(ctx, sender, d.protocol, msg.InvocationID)
	err := fn(ctx, msg.Args, ch)
	if msg.InvocationID == "" {
		return
	}
	if err != nil {
		d.writeCompletion(ctx, sender, protocol.NewCompletionError(msg.InvocationID, err.Error()))
		return
	}
	d.writeCompletion(ctx, sender, protocol.NewCompletionVoid(msg.InvocationID))
}

func (d *Dispatcher) completeInvocation(ctx context.Context, sender Sender, msg protocol.HubMessage, result any, err error) {
	if msg.InvocationID == "" {
		return
	}
	if err != nil {
		d.writeCompletion(ctx, sender, protocol.NewCompletionError(msg.InvocationID, err.Error()))
		return
	}
	if result == nil {
		d.writeCompletion(ctx, sender, protocol.NewCompletionVoid(msg.InvocationID))
		return
	}
	d.writeCompletion(ctx, sender, protocol.NewCompletionResult(msg.InvocationID, result))
}

func (d *Dispatcher) writeCompletion(ctx context.Context, sender Sender, msg protocol.HubMessage) {
	buf, err := d.protocol.WriteMessage(msg, nil)
	if err != nil {
		d.logger.Error("encode completion", zap.Error(err))
		return
	}
	if err := sender.Send(ctx, buf); err != nil {
		d.logger.Debug("send completion failed, peer likely disconnected", zap.Error(err))
	}
}

// StreamChannel lets a StreamHandlerFunc push items back to the caller of
// a streaming invocation before its final Completion.
type StreamChannel struct {
	ctx          context.Context
	sender       Sender
	protocol     protocol.HubProtocol
	invocationID string
}

func newStreamChannel(ctx context.Context, sender Sender, proto protocol.HubProtocol, invocationID string) *StreamChannel {
	return &StreamChannel{ctx: ctx, sender: sender, protocol: proto, invocationID: invocationID}
}

// Send writes one StreamItem for this invocation.
func (s *StreamChannel) Send(item any) error {
	msg := protocol.NewStreamItem(s.invocationID, item)
	buf, err := s.protocol.WriteMessage(msg, nil)
	if err != nil {
		return fmt.Errorf("hub: encode stream item: %w", err)
	}
	return s.sender.Send(s.ctx, buf)
}

// StreamObserver receives StreamItems pushed for a client-side streaming
// invocation the caller is awaiting out-of-band, once registered with
// StreamRegistry.Register.
type StreamObserver interface {
	OnItem(item any)
	OnComplete(err error)
}

// StreamRegistry lets client code await server-initiated streams keyed by
// invocation id, the mirror image of Dispatcher.HandleStream on the
// client side of a call the client itself invoked with Invoker.Invoke.
type StreamRegistry struct {
	mu        sync.Mutex
	observers map[string]StreamObserver
}

// NewStreamRegistry constructs an empty registry.
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{observers: make(map[string]StreamObserver)}
}

// Register associates obs with invocationID until a Completion for that id
// is handled.
func (r *StreamRegistry) Register(invocationID string, obs StreamObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers[invocationID] = obs
}

// HandleStreamItem pushes item to the observer registered for msg's
// invocation id, if any.
func (r *StreamRegistry) HandleStreamItem(msg protocol.HubMessage) {
	r.mu.Lock()
	obs, ok := r.observers[msg.InvocationID]
	r.mu.Unlock()
	if ok {
		obs.OnItem(msg.Item)
	}
}

// HandleCompletion notifies and unregisters the observer for msg's
// invocation id, if any were registered for it.
func (r *StreamRegistry) HandleCompletion(msg protocol.HubMessage) {
	r.mu.Lock()
	obs, ok := r.observers[msg.InvocationID]
	if ok {
		delete(r.observers, msg.InvocationID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if msg.HasError {
		obs.OnComplete(errors.New(msg.Error))
	} else {
		obs.OnComplete(nil)
	}
}

// CloseWithError notifies every still-registered observer of connection
// teardown.
func (r *StreamRegistry) CloseWithError(err error) {
	if err == nil {
		err = ErrConnectionClosed
	}
	r.mu.Lock()
	observers := lo.Values(r.observers)
	r.observers = make(map[string]StreamObserver)
	r.mu.Unlock()
	for _, obs := range observers {
		obs.OnComplete(err)
	}
}
