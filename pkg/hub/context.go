package hub

import "context"

type contextKey struct{}

// HubContext carries per-call metadata into a HandlerFunc/StreamHandlerFunc
// invocation: which connection the call arrived on, and that connection's
// Sender, which a handler can use to push extra messages to the calling
// peer beyond its own return value or StreamChannel.
type HubContext struct {
	ConnectionID string
	Sender       Sender
}

// WithHubContext returns a context carrying hc, retrievable with
// FromContext inside a handler.
func WithHubContext(ctx context.Context, hc *HubContext) context.Context {
	return context.WithValue(ctx, contextKey{}, hc)
}

// FromContext returns the HubContext stashed by Dispatcher.Dispatch, or
// nil if ctx carries none (e.g. in a unit test calling a handler directly).
func FromContext(ctx context.Context) *HubContext {
	hc, _ := ctx.Value(contextKey{}).(*HubContext)
	return hc
}
