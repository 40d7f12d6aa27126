package config

import (
	"time"

	"github.com/rickgao/keepsock/internal/connection"
	"github.com/rickgao/keepsock/internal/manager"
	"github.com/rickgao/keepsock/internal/workerpool"
)

// Config is the root configuration for a keepsock instance.
type Config struct {
	Pool       PoolConfig       `yaml:"pool"`
	Connection ConnectionConfig `yaml:"connection"`
	Server     ServerConfig     `yaml:"server"`
	Client     ClientConfig     `yaml:"client"`
	Health     HealthConfig     `yaml:"health"`
	Log        LogConfig        `yaml:"log"`
}

// PoolConfig sizes the shared worker pool.
type PoolConfig struct {
	Size        int  `yaml:"size"`
	QueueDepth  *int `yaml:"queue_depth"` // nil takes the default; 0 disables waiting
	MaxInvokers int  `yaml:"max_invokers"`
}

// ConnectionConfig holds per-connection framing and heartbeat settings.
type ConnectionConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	HeartbeatRequest  string        `yaml:"heartbeat_request"`
	HeartbeatResponse string        `yaml:"heartbeat_response"`
	SendMargin        time.Duration `yaml:"send_margin"`
	SkipMargin        time.Duration `yaml:"skip_margin"`
	MaxPayload        int           `yaml:"max_payload"`
	ReadTimeout       bool          `yaml:"read_timeout"` // Arm timeout as read deadline on connect
	DialTimeout       time.Duration `yaml:"dial_timeout"`
}

// ServerConfig holds listener settings for server mode.
type ServerConfig struct {
	Addr   string `yaml:"addr"`
	WSAddr string `yaml:"ws_addr"` // Empty disables the WebSocket listener
	WSPath string `yaml:"ws_path"`
	Count  int    `yaml:"count"` // Connections accepted per listener
}

// ClientConfig holds settings for client mode.
type ClientConfig struct {
	Addr              string        `yaml:"addr"`
	WSURL             string        `yaml:"ws_url"` // Takes precedence over addr when set
	Messages          []string      `yaml:"messages"`
	Interval          time.Duration `yaml:"interval"`
	ReconnectMin      time.Duration `yaml:"reconnect_min"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Addr string `yaml:"addr"` // Empty disables the endpoint
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Depth returns the configured queue depth, or 0 when unset.
func (p PoolConfig) Depth() int {
	if p.QueueDepth == nil {
		return 0
	}
	return *p.QueueDepth
}

// WorkerPool converts the pool section.
func (p PoolConfig) WorkerPool() workerpool.Config {
	return workerpool.Config{
		Size:       p.Size,
		QueueDepth: p.Depth(),
	}
}

// Manager converts the pool section into manager settings.
func (p PoolConfig) Manager() manager.Config {
	return manager.Config{
		Pool:        p.WorkerPool(),
		MaxInvokers: p.MaxInvokers,
	}
}

// Conn converts the connection section.
func (c ConnectionConfig) Conn() connection.Config {
	return connection.Config{
		Timeout:           c.Timeout,
		HeartbeatRequest:  c.HeartbeatRequest,
		HeartbeatResponse: c.HeartbeatResponse,
		SendMargin:        c.SendMargin,
		SkipMargin:        c.SkipMargin,
		MaxPayload:        c.MaxPayload,
		ReadTimeout:       c.ReadTimeout,
		DialTimeout:       c.DialTimeout,
	}
}
