// Package longpoll implements the client-side HTTP long-polling transport:
// a GET loop receives inbound bytes, a POST loop sends outbound bytes. The
// read/write loop split follows pkg/transport/wsclient's shape applied to
// net/http instead of a socket.
package longpoll

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/hubrpc/hubrpc/pkg/duplex"
	"github.com/hubrpc/hubrpc/pkg/protocol"
)

// ErrSendFailed reports a 5xx response to a send POST or to a receive
// poll. The transport completes its pipe with it, which closes the
// connection. The Send call that queued the failed data has already
// returned by then; it does not receive this error.
type ErrSendFailed struct {
	StatusCode int
}

func (e *ErrSendFailed) Error() string {
	return fmt.Sprintf("longpoll: send failed with status %d", e.StatusCode)
}

// Transport is a single-use client long-poll transport bound to one URL.
type Transport struct {
	url    string
	client *http.Client

	mode      protocol.TransferFormat
	pipe      *duplex.Pipe
	reqCtx    context.Context
	cancel    context.CancelFunc
	runningCh chan struct{}
	wg        sync.WaitGroup
	finishOne sync.Once
}

// New constructs a Transport that will poll url when Start is called.
// client may be nil to use http.DefaultClient.
func New(url string, client *http.Client) *Transport {
	if client == nil {
		client = http.DefaultClient
	}
	return &Transport{url: url, client: client}
}

// Start implements transport.Transport.
func (t *Transport) Start(ctx context.Context, pipe *duplex.Pipe, format protocol.TransferFormat) error {
	if err := protocol.ValidateTransferFormat(format); err != nil {
		return err
	}
	t.mode = format
	t.pipe = pipe
	t.reqCtx, t.cancel = context.WithCancel(context.Background())
	t.runningCh = make(chan struct{})
	t.finishOne = sync.Once{}

	t.wg.Add(2)
	go t.receiveLoop()
	go t.sendLoop()
	go func() {
		t.wg.Wait()
		close(t.runningCh)
	}()
	return nil
}

func (t *Transport) receiveLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.reqCtx.Done():
			return
		default:
		}

		req, err := http.NewRequestWithContext(t.reqCtx, http.MethodGet, t.url, nil)
		if err != nil {
			t.finish(err)
			return
		}
		resp, err := t.client.Do(req)
		if err != nil {
			select {
			case <-t.reqCtx.Done():
				return
			default:
			}
			t.finish(err)
			return
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			t.finish(&ErrSendFailed{StatusCode: resp.StatusCode})
			return
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			t.finish(err)
			return
		}
		if len(body) > 0 {
			if err := t.pipe.Write(context.Background(), body); err != nil {
				t.finish(err)
				return
			}
		}
	}
}

func (t *Transport) sendLoop() {
	defer t.wg.Done()
	for {
		data, err := t.pipe.Read(t.reqCtx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				t.finish(nil)
			} else {
				t.finish(err)
			}
			return
		}
		req, err := http.NewRequestWithContext(t.reqCtx, http.MethodPost, t.url, bytes.NewReader(data))
		if err != nil {
			t.finish(err)
			return
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		resp, err := t.client.Do(req)
		if err != nil {
			t.finish(err)
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			t.finish(&ErrSendFailed{StatusCode: resp.StatusCode})
			return
		}
	}
}

func (t *Transport) finish(err error) {
	t.finishOne.Do(func() {
		t.cancel()
		t.pipe.Complete(err)
	})
}

// Stop implements transport.Transport.
func (t *Transport) Stop(ctx context.Context) error {
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
