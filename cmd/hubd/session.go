package main

import (
	"bytes"
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/hubrpc/hubrpc/pkg/connmanager"
	"github.com/hubrpc/hubrpc/pkg/hub"
	"github.com/hubrpc/hubrpc/pkg/protocol"
	"github.com/hubrpc/hubrpc/pkg/transport/wsserver"
)

// sessionServer upgrades accepted handshakes to a WebSocket transport,
// performs the negotiation handshake, and pumps frames between the
// connection's application pipe and the registered hub dispatcher.
type sessionServer struct {
	manager    *connmanager.Manager
	dispatcher *hub.Dispatcher
	logger     *zap.Logger
}

// appSender adapts a connmanager.ConnectionRecord's application pipe to
// hub.Sender, so the dispatcher can write Completions/StreamItems without
// knowing about records or pipes.
type appSender struct {
	rec *connmanager.ConnectionRecord
}

func (s appSender) Send(ctx context.Context, data []byte) error {
	return s.rec.Application.Write(ctx, data)
}

func (s *sessionServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	rec, ok := s.manager.TryGetConnection(id)
	if !ok {
		http.Error(w, "unknown connection id", http.StatusNotFound)
		return
	}

	t, err := wsserver.Upgrade(w, r, nil, nil, s.logger)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err), zap.String("connection_id", id))
		return
	}

	ctx := r.Context()
	if err := t.Start(ctx, rec.Transport, protocol.TransferFormatText); err != nil {
		s.logger.Warn("transport start failed", zap.Error(err), zap.String("connection_id", id))
		return
	}

	go s.pump(rec)
	<-t.Running()
}

// pump reads the negotiation frame, then hub-protocol frames, off rec's
// application pipe until it completes, dispatching each Invocation to the
// server's registered handlers.
func (s *sessionServer) pump(rec *connmanager.ConnectionRecord) {
	var buf []byte
	var proto protocol.HubProtocol

	for {
		chunk, err := rec.Application.Read(context.Background())
		if err != nil {
			if proto != nil {
				rec.MarkInactive()
			}
			return
		}
		buf = append(buf, chunk...)

		if proto == nil {
			msg, rest, ok, decErr := protocol.DecodeNegotiation(buf)
			if !ok {
				continue
			}
			buf = rest
			if decErr != nil {
				s.logger.Warn("negotiation failed", zap.Error(decErr), zap.String("connection_id", rec.ID))
				return
			}
			p, known := protocol.ProtocolByName(msg.Protocol)
			if !known {
				s.logger.Warn("unknown protocol requested", zap.String("protocol", msg.Protocol), zap.String("connection_id", rec.ID))
				return
			}
			proto = p
			rec.SetFeature("protocol", msg.Protocol)
			continue
		}

		var messages []protocol.HubMessage
		remainder, parsed, parseErr := proto.ParseMessages(buf, s.dispatcher, messages)
		if parseErr != nil {
			s.logger.Warn("malformed frame", zap.Error(parseErr), zap.String("connection_id", rec.ID))
			return
		}
		buf = bytes.Clone(remainder)

		for _, msg := range parsed {
			rec.TickHeartbeat()
			if msg.Type == protocol.MessageInvocation {
				s.dispatcher.Dispatch(context.Background(), rec.ID, appSender{rec: rec}, msg)
			}
		}
	}
}
