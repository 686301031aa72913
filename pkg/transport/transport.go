// Package transport defines the capability contract a wire transport
// presents to the Connection Core: start, stop, a running-signal, and the
// transfer format it ended up negotiating. Concrete transports (WebSocket,
// long-polling) live in subpackages; nothing in this package dials a
// network.
package transport

import (
	"context"

	"github.com/hubrpc/hubrpc/pkg/duplex"
	"github.com/hubrpc/hubrpc/pkg/protocol"
)

// Transport moves framed bytes between the application and the network.
// A single instance is used for exactly one connection attempt: the
// Connection Core acquires a fresh instance (and a fresh duplex pair) on
// every reconnect rather than restarting one.
//
// Start returns only once the transport is ready to exchange bytes; a
// failure there must leave no background goroutine running. Stop drains
// in-flight sends, closes the network handle, and completes pipe's output
// side; after Stop returns, Running must already be closed. If the remote
// or network fails on its own, the transport must complete the pipe's
// output side with the error and close Running — it must never fail
// silently outside the pipe.
type Transport interface {
	// Start begins exchanging bytes with the network over pipe, using the
	// given TransferFormat. format must be exactly one bit
	// (protocol.TransferFormatText or protocol.TransferFormatBinary);
	// otherwise Start returns protocol.ErrInvalidTransferMode.
	Start(ctx context.Context, pipe *duplex.Pipe, format protocol.TransferFormat) error

	// Stop shuts the transport down gracefully.
	Stop(ctx context.Context) error

	// Running is closed once the transport's internal loops have both
	// exited, whether due to Stop or a network failure.
	Running() <-chan struct{}

	// Mode reports the TransferFormat passed to Start. It is the zero
	// value until Start returns successfully.
	Mode() protocol.TransferFormat
}
