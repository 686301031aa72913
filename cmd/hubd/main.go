// Command hubd is a minimal demo server: it accepts WebSocket hub
// connections, negotiates a hub protocol, and dispatches invocations to a
// couple of example targets. It exists for manual smoke-testing of the
// Connection Manager and transport stack end to end; it is not part of
// this module's importable surface.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hubrpc/hubrpc/internal/config"
	"github.com/hubrpc/hubrpc/internal/telemetry"
	"github.com/hubrpc/hubrpc/pkg/connmanager"
	"github.com/hubrpc/hubrpc/pkg/hub"
)

type serverConfig struct {
	Addr              string        `mapstructure:"addr"`
	InactiveThreshold time.Duration `mapstructure:"inactive_threshold"`
}

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init:", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	cfg := serverConfig{Addr: *addr, InactiveThreshold: 5 * time.Second}
	if err := config.Load("HUBD", map[string]any{
		"addr":               cfg.Addr,
		"inactive_threshold": cfg.InactiveThreshold,
	}, &cfg); err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	sink := telemetry.NewPrometheusSink(registry)

	proto, ok := registerJSON()
	if !ok {
		logger.Fatal("json hub protocol not registered")
	}

	dispatcher := hub.NewDispatcher(proto, logger)
	registerDemoTargets(dispatcher)

	manager := connmanager.New(disposeConnection, sink, logger, connmanager.ManagerConfig{
		InactiveThreshold: cfg.InactiveThreshold,
	})
	manager.Start()

	sess := &sessionServer{manager: manager, dispatcher: dispatcher, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/negotiate", sess.handleNegotiate)
	mux.HandleFunc("/ws", sess.handleWebSocket)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.CloseConnections(shutdownCtx); err != nil {
		logger.Warn("close connections", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
}

// disposeConnection completes both halves of a connection's duplex pair,
// unblocking any transport read/write pump and the dispatcher's pump loop.
func disposeConnection(ctx context.Context, rec *connmanager.ConnectionRecord) error {
	rec.Transport.Complete(nil)
	rec.Application.Complete(nil)
	return nil
}

type negotiateResponse struct {
	ConnectionID       string   `json:"connectionId"`
	AvailableProtocols []string `json:"availableProtocols"`
}

func (s *sessionServer) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	rec, err := s.manager.CreateConnection()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(negotiateResponse{
		ConnectionID:       rec.ID,
		AvailableProtocols: []string{"json", "messagepack"},
	})
}
