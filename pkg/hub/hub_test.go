package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hubrpc/hubrpc/pkg/protocol"
)

// loopbackSender feeds every Send call straight back into a handler,
// simulating the peer side of a connection without any real transport.
type loopbackSender struct {
	mu      sync.Mutex
	onFrame func(data []byte)
}

func (s *loopbackSender) Send(ctx context.Context, data []byte) error {
	s.mu.Lock()
	fn := s.onFrame
	s.mu.Unlock()
	if fn != nil {
		fn(data)
	}
	return nil
}

func jsonProtocol(t *testing.T) protocol.HubProtocol {
	t.Helper()
	p, ok := protocol.ProtocolByName("json")
	if !ok {
		t.Fatal("json protocol not registered")
	}
	return p
}

func parseOne(t *testing.T, proto protocol.HubProtocol, data []byte) protocol.HubMessage {
	t.Helper()
	var out []protocol.HubMessage
	_, out, err := proto.ParseMessages(data, protocol.NoOpBinder, out)
	if err != nil {
		t.Fatalf("ParseMessages: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d messages, want 1", len(out))
	}
	return out[0]
}

func TestInvokerResolvesOnCompletion(t *testing.T) {
	proto := jsonProtocol(t)
	sender := &loopbackSender{}
	inv := NewInvoker(sender, proto, nil)

	var sentInvocation protocol.HubMessage
	sender.onFrame = func(data []byte) {
		sentInvocation = parseOne(t, proto, data)
	}

	resultCh := make(chan any, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := inv.Invoke(context.Background(), "Add", []any{float64(1), float64(2)})
		resultCh <- result
		errCh <- err
	}()

	deadline := time.Now().Add(time.Second)
	for sentInvocation.Target == "" && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if sentInvocation.Target != "Add" {
		t.Fatalf("invocation never observed, target = %q", sentInvocation.Target)
	}

	inv.HandleCompletion(protocol.NewCompletionResult(sentInvocation.InvocationID, float64(3)))

	if err := <-errCh; err != nil {
		t.Fatalf("Invoke returned error: %v", err)
	}
	if result := <-resultCh; result != float64(3) {
		t.Fatalf("result = %v, want 3", result)
	}
}

func TestInvokerPropagatesCompletionError(t *testing.T) {
	proto := jsonProtocol(t)
	sender := &loopbackSender{}
	inv := NewInvoker(sender, proto, nil)

	var id string
	sender.onFrame = func(data []byte) { id = parseOne(t, proto, data).InvocationID }

	done := make(chan error, 1)
	go func() {
		_, err := inv.Invoke(context.Background(), "Boom", nil)
		done <- err
	}()

	deadline := time.Now().Add(time.Second)
	for id == "" && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	inv.HandleCompletion(protocol.NewCompletionError(id, "target failed"))

	err := <-done
	if err == nil || err.Error() != "target failed" {
		t.Fatalf("err = %v, want %q", err, "target failed")
	}
}

func TestInvokerCloseFailsAllPending(t *testing.T) {
	proto := jsonProtocol(t)
	sender := &loopbackSender{}
	inv := NewInvoker(sender, proto, nil)

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := inv.Invoke(context.Background(), "Never", nil)
			done <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)

	inv.CloseWithError(nil)

	for i := 0; i < 2; i++ {
		if err := <-done; !errors.Is(err, ErrConnectionClosed) {
			t.Fatalf("err = %v, want ErrConnectionClosed", err)
		}
	}
}

func TestDispatcherRoutesToRegisteredTarget(t *testing.T) {
	proto := jsonProtocol(t)
	d := NewDispatcher(proto, nil)
	d.Handle("Echo", func(ctx context.Context, args []any) (any, error) {
		return args[0], nil
	})

	sender := &loopbackSender{}
	var reply protocol.HubMessage
	sender.onFrame = func(data []byte) { reply = parseOne(t, proto, data) }

	d.Dispatch(context.Background(), "conn-1", sender, protocol.NewInvocation("7", "Echo", []any{"hi"}, false))

	if reply.Type != protocol.MessageCompletion {
		t.Fatalf("reply type = %v, want Completion", reply.Type)
	}
	if reply.InvocationID != "7" {
		t.Fatalf("reply invocation id = %q, want 7", reply.InvocationID)
	}
	if reply.Result != "hi" {
		t.Fatalf("reply result = %v, want hi", reply.Result)
	}
}

func TestDispatcherUnknownTargetIsCompletionError(t *testing.T) {
	proto := jsonProtocol(t)
	d := NewDispatcher(proto, nil)

	sender := &loopbackSender{}
	var reply protocol.HubMessage
	sender.onFrame = func(data []byte) { reply = parseOne(t, proto, data) }

	d.Dispatch(context.Background(), "conn-1", sender, protocol.NewInvocation("1", "Nope", nil, false))

	if !reply.HasError {
		t.Fatal("expected an error completion for an unknown target")
	}
}

func TestDispatcherNonBlockingInvocationWritesNoCompletion(t *testing.T) {
	proto := jsonProtocol(t)
	d := NewDispatcher(proto, nil)
	called := make(chan struct{}, 1)
	d.Handle("Fire", func(ctx context.Context, args []any) (any, error) {
		called <- struct{}{}
		return "ignored", nil
	})

	sender := &loopbackSender{}
	frames := 0
	sender.onFrame = func(data []byte) { frames++ }

	d.Dispatch(context.Background(), "conn-1", sender, protocol.NewInvocation("", "Fire", nil, true))

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}
	if frames != 0 {
		t.Fatalf("frames sent = %d, want 0 for a non-blocking invocation", frames)
	}
}

func TestDispatcherStreamHandlerPushesItemsThenCompletion(t *testing.T) {
	proto := jsonProtocol(t)
	d := NewDispatcher(proto, nil)
	d.HandleStream("Count", func(ctx context.Context, args []any, ch *StreamChannel) error {
		for i := 0; i < 3; i++ {
			if err := ch.Send(float64(i)); err != nil {
				return err
			}
		}
		return nil
	})

	sender := &loopbackSender{}
	var mu sync.Mutex
	var frames []protocol.HubMessage
	sender.onFrame = func(data []byte) {
		mu.Lock()
		frames = append(frames, parseOne(t, proto, data))
		mu.Unlock()
	}

	d.Dispatch(context.Background(), "conn-1", sender, protocol.NewInvocation("9", "Count", nil, false))

	mu.Lock()
	defer mu.Unlock()
	if len(frames) != 4 {
		t.Fatalf("got %d frames, want 3 stream items + 1 completion", len(frames))
	}
	for i := 0; i < 3; i++ {
		if frames[i].Type != protocol.MessageStreamItem || frames[i].Item != float64(i) {
			t.Fatalf("frame[%d] = %+v, want StreamItem(%d)", i, frames[i], i)
		}
	}
	if frames[3].Type != protocol.MessageCompletion || frames[3].HasError {
		t.Fatalf("final frame = %+v, want a void Completion", frames[3])
	}
}

func TestHubContextCarriesConnectionID(t *testing.T) {
	proto := jsonProtocol(t)
	d := NewDispatcher(proto, nil)

	var seen string
	d.Handle("WhoAmI", func(ctx context.Context, args []any) (any, error) {
		seen = FromContext(ctx).ConnectionID
		return nil, nil
	})

	sender := &loopbackSender{}
	d.Dispatch(context.Background(), "conn-42", sender, protocol.NewInvocation("1", "WhoAmI", nil, false))

	if seen != "conn-42" {
		t.Fatalf("ConnectionID = %q, want conn-42", seen)
	}
}

func TestStreamRegistryDeliversItemsAndCompletion(t *testing.T) {
	reg := NewStreamRegistry()
	var items []any
	done := make(chan error, 1)
	reg.Register("5", recorderObserver{
		item:     func(v any) { items = append(items, v) },
		complete: func(err error) { done <- err },
	})

	reg.HandleStreamItem(protocol.NewStreamItem("5", "a"))
	reg.HandleStreamItem(protocol.NewStreamItem("5", "b"))
	reg.HandleCompletion(protocol.NewCompletionVoid("5"))

	if err := <-done; err != nil {
		t.Fatalf("completion err = %v, want nil", err)
	}
	if len(items) != 2 || items[0] != "a" || items[1] != "b" {
		t.Fatalf("items = %v, want [a b]", items)
	}
}

func TestStreamRegistryCloseFailsOutstandingObservers(t *testing.T) {
	reg := NewStreamRegistry()
	done := make(chan error, 1)
	reg.Register("1", recorderObserver{complete: func(err error) { done <- err }})

	reg.CloseWithError(nil)

	if err := <-done; !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("err = %v, want ErrConnectionClosed", err)
	}
}

type recorderObserver struct {
	item     func(any)
	complete func(error)
}

func (r recorderObserver) OnItem(v any) {
	if r.item != nil {
		r.item(v)
	}
}

func (r recorderObserver) OnComplete(err error) {
	if r.complete != nil {
		r.complete(err)
	}
}
