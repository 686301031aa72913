// Package wsserver implements the server-side WebSocket transport: it
// upgrades an inbound HTTP request and drives the resulting connection for
// the Connection Manager, using the same read/write pump split as
// pkg/transport/wsclient.
package wsserver

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

// DefaultUpgrader is a permissive upgrader suitable for same-origin or
// already-authenticated deployments; callers embedding this transport in a
// stricter service should construct their own websocket.Upgrader and use
// Upgrade directly.
var DefaultUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Transport is a single-use server WebSocket transport wrapping an
// already-upgraded connection.
type Transport struct {
	conn   *websocket.Conn
	logger *zap.Logger

	mode      protocol.TransferFormat
	pipe      *duplex.Pipe
	runningCh chan struct{}
	wg        sync.WaitGroup
	finishOne sync.Once
}

// Upgrade upgrades r into a WebSocket connection and returns a Transport
// ready to be started. responseHeader is passed through to
// websocket.Upgrader.Upgrade unmodified.
func Upgrade(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader, responseHeader http.Header, logger *zap.Logger) (*Transport, error) {
	if upgrader == nil {
		upgrader = &DefaultUpgrader
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		return nil, err
	}
	return &Transport{conn: conn, logger: logger}, nil
}

// Start implements transport.Transport.
func (t *Transport) Start(ctx context.Context, pipe *duplex.Pipe, format protocol.TransferFormat) error {
	if err := protocol.ValidateTransferFormat(format); err != nil {
		return err
	}
	t.mode = format
	t.pipe = pipe
	t.runningCh = make(chan struct{})
	t.finishOne = sync.Once{}

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
