// Package config loads the broker's static limits from an INI file, with
// defaults for every key so a missing section or key is not an error
// condition the daemon has to special-case. A missing or unreadable file
// is an error.
package config

import (
	"gopkg.in/ini.v1"
)

// Defaults.
const (
	DefaultSocketPath       = "/run/mediabroker/socket"
	DefaultMaxMessageSize   = 16 * 1024 * 1024
	DefaultMaxFDsPerMessage = 28
	DefaultReadyQueueHint   = 64
	DefaultLogLevel         = "info"
)

// Config is the daemon's static configuration.
type Config struct {
	// SocketPath is where the Unix stream endpoint is bound.
	SocketPath string
	// MaxMessageSize caps one framed message's payload; larger is a
	// protocol error.
	MaxMessageSize int
	// MaxFDsPerMessage caps the ancillary FD list of one message.
	MaxFDsPerMessage int
	// ReadyQueueHint is a capacity hint for the scheduler's ready queue.
	// It is loaded and defaulted only: scheduler.New takes no capacity,
	// so no package applies it.
	ReadyQueueHint int
	// LogLevel is the daemon's startup log level (logrus level name).
	LogLevel string
}

// Default returns a Config with every field at its default.
func Default() *Config {
	return &Config{
		SocketPath:       DefaultSocketPath,
		MaxMessageSize:   DefaultMaxMessageSize,
		MaxFDsPerMessage: DefaultMaxFDsPerMessage,
		ReadyQueueHint:   DefaultReadyQueueHint,
		LogLevel:         DefaultLogLevel,
	}
}

// Load parses the INI file at path over the defaults. Recognized keys:
//
//	[socket]  path
//	[limits]  max-message-size, max-fds-per-message, ready-queue-hint
//	[log]     level
func Load(path string) (*Config, error) {
	cfg := Default()
	file, err := ini.Load(path)
	if err != nil {
		return nil, err
	}

	socket := file.Section("socket")
	cfg.SocketPath = socket.Key("path").MustString(cfg.SocketPath)

	limits := file.Section("limits")
	cfg.MaxMessageSize = limits.Key("max-message-size").MustInt(cfg.MaxMessageSize)
	cfg.MaxFDsPerMessage = limits.Key("max-fds-per-message").MustInt(cfg.MaxFDsPerMessage)
	cfg.ReadyQueueHint = limits.Key("ready-queue-hint").MustInt(cfg.ReadyQueueHint)

	logSec := file.Section("log")
	cfg.LogLevel = logSec.Key("level").MustString(cfg.LogLevel)

	return cfg, nil
}
