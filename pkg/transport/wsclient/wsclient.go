// Package wsclient implements the client-side WebSocket transport: one
// goroutine pumping inbound frames onto the duplex pipe, one pumping
// outbound bytes from the pipe onto the socket. Each connection attempt
// gets a fresh Transport instance; none are reused across reconnects.
package wsclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hubrpc/hubrpc/pkg/duplex"
	"github.com/hubrpc/hubrpc/pkg/protocol"
)

// UserAgent is the product token this library identifies itself with
// during the WebSocket handshake.
const UserAgent = "hubrpc-go/1.0"

// Transport is a single-use client WebSocket transport bound to one URL.
// A new Transport must be constructed for every connection attempt.
type Transport struct {
	url    string
	dialer *websocket.Dialer
	header http.Header
	logger *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	mode      protocol.TransferFormat
	pipe      *duplex.Pipe
	runningCh chan struct{}
	wg        sync.WaitGroup
	finishOne sync.Once
}

// New constructs a Transport that will dial url when Start is called.
// dialer and header may be nil to use defaults; logger may be nil to
// discard logs.
func New(url string, dialer *websocket.Dialer, header http.Header, logger *zap.Logger) *Transport {
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if header == nil {
		header = http.Header{}
	}
	if header.Get("User-Agent") == "" {
		header.Set("User-Agent", UserAgent)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{url: url, dialer: dialer, header: header, logger: logger}
}

// Start implements transport.Transport.
func (t *Transport) Start(ctx context.Context, pipe *duplex.Pipe, format protocol.TransferFormat) error {
	if err := protocol.ValidateTransferFormat(format); err != nil {
		return err
	}

	conn, _, err := t.dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.mode = format
	t.pipe = pipe
	t.runningCh = make(chan struct{})
	t.finishOne = sync.Once{}
	t.mu.Unlock()

	t.wg.Add(2)
	go t.readPump()
	go t.writePump()
	go func() {
		t.wg.Wait()
		close(t.runningCh)
	}()
	return nil
}

func (t *Transport) messageType() int {
	if t.mode == protocol.TransferFormatText {
		return websocket.TextMessage
	}
	return websocket.BinaryMessage
}

func (t *Transport) readPump() {
	defer t.wg.Done()
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.finish(err)
			return
		}
		if err := t.pipe.Write(context.Background(), data); err != nil {
			t.finish(err)
			return
		}
	}
}

func (t *Transport) writePump() {
	defer t.wg.Done()
	msgType := t.messageType()
	for {
		data, err := t.pipe.Read(context.Background())
		if err != nil {
			if errors.Is(err, io.EOF) {
				t.sendClose()
				t.finish(nil)
			} else {
				t.finish(err)
			}
			return
		}
		if err := t.conn.WriteMessage(msgType, data); err != nil {
			t.finish(err)
			return
		}
	}
}

func (t *Transport) sendClose() {
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

func (t *Transport) finish(err error) {
	t.finishOne.Do(func() {
		_ = t.conn.Close()
		t.pipe.Complete(err)
		if err != nil {
			t.logger.Debug("websocket transport closed with error", zap.Error(err))
		}
	})
}

// Stop implements transport.Transport.
func (t *Transport) Stop(ctx context.Context) error {
	t.sendClose()
	t.finish(nil)
	select {
	case <-t.runningCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running implements transport.Transport.
func (t *Transport) Running() <-chan struct{} {
	return t.runningCh
}

// Mode implements transport.Transport.
func (t *Transport) Mode() protocol.TransferFormat {
	return t.mode
}
