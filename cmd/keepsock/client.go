package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/rickgao/keepsock/internal/config"
	"github.com/rickgao/keepsock/internal/connection"
	"github.com/rickgao/keepsock/internal/manager"
)

// echoClient sends the configured messages on every connection it holds and
// reconnects with backoff when the connection is lost.
type echoClient struct {
	cfg     config.ClientConfig
	mgr     *manager.Manager
	factory manager.ClientFactory
	logger  *slog.Logger
	ctx     context.Context

	mu      sync.Mutex
	backoff *backoff.Backoff
}

func runClient(ctx context.Context, cfg *config.Config, mgr *manager.Manager, logger *slog.Logger) (func(context.Context), error) {
	connCfg := cfg.Connection.Conn()

	var factory manager.ClientFactory
	if cfg.Client.WSURL != "" {
		factory = connection.NewWSClient(cfg.Client.WSURL, connCfg, logger)
	} else {
		factory = connection.NewClient(cfg.Client.Addr, connCfg, logger)
	}

	c := &echoClient{
		cfg:     cfg.Client,
		mgr:     mgr,
		factory: factory,
		logger:  logger,
		ctx:     ctx,
		backoff: &backoff.Backoff{
			Factor: 2,
			Jitter: true,
			Min:    cfg.Client.ReconnectMin,
			Max:    cfg.Client.ReconnectMax,
		},
	}

	return nil, mgr.AddClient(factory, c)
}

func (c *echoClient) OnConnectionSucceeded(id int, conn *connection.Conn) {
	c.mu.Lock()
	c.backoff.Reset()
	c.mu.Unlock()

	c.logger.Info("connected", "conn", id, "remote", conn.RemoteAddr())
	go c.send(conn)
}

func (c *echoClient) OnConnectionFailed(id int, err error) {
	c.logger.Warn("connect failed", "conn", id, "error", err)
	c.reconnect()
}

func (c *echoClient) OnMessage(id int, conn *connection.Conn, payload []byte) error {
	c.logger.Info("reply", "conn", id, "payload", string(payload))
	return nil
}

func (c *echoClient) OnDisconnected(id int, conn *connection.Conn) {
	c.logger.Info("disconnected", "conn", id)
	c.reconnect()
}

// send writes each configured message, spaced by the interval.
func (c *echoClient) send(conn *connection.Conn) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for _, msg := range c.cfg.Messages {
		if err := conn.Send([]byte(msg)); err != nil {
			c.logger.Warn("send failed", "conn", conn.ID(), "error", err)
			return
		}
		select {
		case <-ticker.C:
		case <-conn.Done():
			return
		}
	}
}

// reconnect schedules another AddClient after the next backoff delay, up to
// the configured number of attempts.
func (c *echoClient) reconnect() {
	if c.ctx.Err() != nil {
		return
	}

	c.mu.Lock()
	attempt := int(c.backoff.Attempt())
	delay := c.backoff.Duration()
	c.mu.Unlock()

	if attempt >= c.cfg.ReconnectAttempts {
		c.logger.Error("giving up reconnecting", "attempts", attempt)
		return
	}

	c.logger.Info("reconnecting", "attempt", attempt+1, "delay", delay)
	time.AfterFunc(delay, func() {
		if c.ctx.Err() != nil {
			return
		}
		if err := c.mgr.AddClient(c.factory, c); err != nil {
			c.logger.Warn("reconnect not scheduled", "error", err)
		}
	})
}
