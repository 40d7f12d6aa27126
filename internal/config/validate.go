package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Pool.Size < 1 {
		return errors.New("pool.size must be >= 1")
	}
	if c.Pool.Depth() < 0 {
		return errors.New("pool.queue_depth must be >= 0")
	}
	if c.Pool.MaxInvokers < 1 {
		return errors.New("pool.max_invokers must be >= 1")
	}
	if c.Pool.MaxInvokers > c.Pool.Size {
		return fmt.Errorf("pool.max_invokers (%d) cannot exceed pool.size (%d)", c.Pool.MaxInvokers, c.Pool.Size)
	}

	if err := c.Connection.validate("connection"); err != nil {
		return err
	}

	if c.Server.Count < 1 {
		return errors.New("server.count must be >= 1")
	}

	if c.Client.ReconnectMin > c.Client.ReconnectMax {
		return fmt.Errorf("client.reconnect_min (%v) cannot exceed reconnect_max (%v)", c.Client.ReconnectMin, c.Client.ReconnectMax)
	}
	if c.Client.ReconnectAttempts < 0 {
		return errors.New("client.reconnect_attempts must be >= 0")
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

func (cc *ConnectionConfig) validate(prefix string) error {
	if cc.Timeout <= 0 {
		return fmt.Errorf("%s.timeout must be > 0", prefix)
	}
	if cc.HeartbeatRequest == "" {
		return fmt.Errorf("%s.heartbeat_request is required", prefix)
	}
	if cc.HeartbeatResponse == "" {
		return fmt.Errorf("%s.heartbeat_response is required", prefix)
	}
	if cc.SendMargin < 0 || cc.SkipMargin < 0 {
		return fmt.Errorf("%s margins must be >= 0", prefix)
	}
	if cc.MaxPayload < 1 {
		return fmt.Errorf("%s.max_payload must be >= 1", prefix)
	}
	return nil
}

// ValidateMode checks that the pool can hold every long-running task the
// given run mode starts. Readers, heartbeat writers, accept loops and
// invokers each keep a worker for as long as they run, so a pool sized
// below their sum leaves callbacks undelivered.
func (c *Config) ValidateMode(mode string) error {
	var need int
	switch mode {
	case "server":
		listeners := 1
		if c.Server.WSAddr != "" {
			listeners++
		}
		// One accept loop plus a reader and a writer per accepted connection.
		need = listeners * (1 + 2*c.Server.Count)
	case "client":
		// The connect task is still running when the reader and writer
		// are submitted.
		need = 3
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
	need += c.Pool.MaxInvokers

	if c.Pool.Size < need {
		return fmt.Errorf("pool.size (%d) too small for %s mode: need %d workers (server.count %d, ws_addr %q, max_invokers %d)",
			c.Pool.Size, mode, need, c.Server.Count, c.Server.WSAddr, c.Pool.MaxInvokers)
	}
	return nil
}
