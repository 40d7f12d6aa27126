package connection

import (
	"context"
	"log/slog"
	"net"
)

// DialFunc opens a byte stream to addr.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Client establishes outbound connections to a fixed address.
type Client struct {
	Network string // Defaults to "tcp"
	Addr    string
	Config  Config
	Dial    DialFunc // Defaults to a net.Dialer honouring Config.DialTimeout

	id     int
	logger *slog.Logger
}

// NewClient creates a client factory for addr.
func NewClient(addr string, cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		Network: "tcp",
		Addr:    addr,
		Config:  cfg,
		logger:  logger,
	}
}

// ID returns the factory id (0 = let the manager assign one).
func (c *Client) ID() int { return c.id }

// SetID assigns the factory id.
func (c *Client) SetID(id int) { c.id = id }

// Connect dials the address and returns a connected Conn.
func (c *Client) Connect(ctx context.Context) (*Conn, error) {
	network := c.Network
	if network == "" {
		network = "tcp"
	}

	dial := c.Dial
	if dial == nil {
		d := &net.Dialer{Timeout: c.Config.DialTimeout}
		dial = d.DialContext
	}

	nc, err := dial(ctx, network, c.Addr)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Addr: c.Addr, Err: err}
	}

	conn := NewConn(c.Config, c.logger)
	if err := conn.Attach(nc); err != nil {
		return nil, &ConnectionError{Op: "dial", Addr: c.Addr, Err: err}
	}

	c.logger.Debug("client connected", "addr", c.Addr, "session", conn.Session().String())
	return conn, nil
}
