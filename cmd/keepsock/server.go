package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/rickgao/keepsock/internal/config"
	"github.com/rickgao/keepsock/internal/connection"
	"github.com/rickgao/keepsock/internal/manager"
)

// runServer starts the TCP listener and, when configured, the WebSocket
// listener. Every message received is echoed back to its sender.
func runServer(ctx context.Context, cfg *config.Config, mgr *manager.Manager, logger *slog.Logger) (func(context.Context), error) {
	connCfg := cfg.Connection.Conn()
	echo := echoObserver(logger)

	srv, err := connection.Listen("tcp", cfg.Server.Addr, cfg.Server.Count, connCfg, logger)
	if err != nil {
		return nil, err
	}
	if err := mgr.AddServer(srv, echo); err != nil {
		srv.Close()
		return nil, err
	}
	logger.Info("listening", "addr", srv.Addr().String(), "count", cfg.Server.Count)

	if cfg.Server.WSAddr == "" {
		return nil, nil
	}

	ws := connection.NewWSServer(cfg.Server.Count, connCfg, logger)
	mux := http.NewServeMux()
	mux.Handle(cfg.Server.WSPath, ws)
	httpServer := &http.Server{Addr: cfg.Server.WSAddr, Handler: mux}

	if err := mgr.AddServer(ws, echo); err != nil {
		return nil, err
	}
	go func() {
		logger.Info("listening for websocket", "addr", cfg.Server.WSAddr, "path", cfg.Server.WSPath)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("websocket listener error", "error", err)
		}
	}()

	return func(ctx context.Context) {
		ws.Close()
		httpServer.Shutdown(ctx)
	}, nil
}

func echoObserver(logger *slog.Logger) manager.Observer {
	return manager.ObserverFuncs{
		Succeeded: func(id int, conn *connection.Conn) {
			logger.Info("peer connected", "conn", id, "remote", conn.RemoteAddr())
		},
		Failed: func(id int, err error) {
			logger.Warn("accept failed", "server", id, "error", err)
		},
		Message: func(id int, conn *connection.Conn, payload []byte) error {
			logger.Debug("echoing", "conn", id, "bytes", len(payload))
			return conn.Send(payload)
		},
		Disconnected: func(id int, conn *connection.Conn) {
			stats := conn.Stats()
			logger.Info("peer disconnected",
				"conn", id,
				"received", stats.MessagesReceived,
				"heartbeats", stats.HeartbeatsReceived,
			)
		},
	}
}
