package config

import (
	"time"

	"github.com/rickgao/keepsock/internal/connection"
	"github.com/rickgao/keepsock/internal/frame"
)

// Default values for optional configuration fields.
const (
	DefaultPoolSize          = 10
	DefaultQueueDepth        = 10
	DefaultMaxInvokers       = 1
	DefaultTimeout           = 10 * time.Second
	DefaultHeartbeat         = connection.DefaultHeartbeat
	DefaultSendMargin        = 2 * time.Second
	DefaultSkipMargin        = 3 * time.Second
	DefaultMaxPayload        = frame.DefaultMaxPayload
	DefaultDialTimeout       = 10 * time.Second
	DefaultServerAddr        = "127.0.0.1:7070"
	DefaultWSPath            = "/ws"
	DefaultServerCount       = 4
	DefaultClientInterval    = time.Second
	DefaultReconnectMin      = 500 * time.Millisecond
	DefaultReconnectMax      = 30 * time.Second
	DefaultReconnectAttempts = 10
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
)

func (c *Config) applyDefaults() {
	// Pool defaults
	if c.Pool.Size == 0 {
		c.Pool.Size = DefaultPoolSize
	}
	if c.Pool.QueueDepth == nil {
		depth := DefaultQueueDepth
		c.Pool.QueueDepth = &depth
	}
	if c.Pool.MaxInvokers == 0 {
		c.Pool.MaxInvokers = DefaultMaxInvokers
	}

	// Connection defaults
	if c.Connection.Timeout == 0 {
		c.Connection.Timeout = DefaultTimeout
	}
	if c.Connection.HeartbeatRequest == "" {
		c.Connection.HeartbeatRequest = DefaultHeartbeat
	}
	if c.Connection.HeartbeatResponse == "" {
		c.Connection.HeartbeatResponse = DefaultHeartbeat
	}
	if c.Connection.SendMargin == 0 {
		c.Connection.SendMargin = DefaultSendMargin
	}
	if c.Connection.SkipMargin == 0 {
		c.Connection.SkipMargin = DefaultSkipMargin
	}
	if c.Connection.MaxPayload == 0 {
		c.Connection.MaxPayload = DefaultMaxPayload
	}
	if c.Connection.DialTimeout == 0 {
		c.Connection.DialTimeout = DefaultDialTimeout
	}

	// Server defaults
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
	if c.Server.WSPath == "" {
		c.Server.WSPath = DefaultWSPath
	}
	if c.Server.Count == 0 {
		c.Server.Count = DefaultServerCount
	}

	// Client defaults
	if c.Client.Addr == "" && c.Client.WSURL == "" {
		c.Client.Addr = DefaultServerAddr
	}
	if c.Client.Interval == 0 {
		c.Client.Interval = DefaultClientInterval
	}
	if c.Client.ReconnectMin == 0 {
		c.Client.ReconnectMin = DefaultReconnectMin
	}
	if c.Client.ReconnectMax == 0 {
		c.Client.ReconnectMax = DefaultReconnectMax
	}
	if c.Client.ReconnectAttempts == 0 {
		c.Client.ReconnectAttempts = DefaultReconnectAttempts
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}
