package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Run modes
const (
	ModeServer = "SRV"
	ModeClient = "CLT"
)

// Constants for default values
const (
	DefaultMode     = ModeServer
	DefaultHost     = "localhost"
	DefaultPort     = 69
	DefaultRoot     = "."
	DefaultWorkers  = 512
	DefaultTimeout  = 10 * time.Second
	DefaultRetries  = 5
	DefaultLogDir   = "logs"
	DefaultLogLevel = "info"

	// Grace period for in-flight sessions on shutdown
	DefaultShutdownGrace = 30 * time.Second

	// Socket constants
	UDPBufferSize = 256 * 1024 // 256KB

	// File system constants
	LogDirPerms = 0755
	FilePerms   = 0644
)

// Config holds all configuration parameters for the application
type Config struct {
	Mode string
	Host string
	Port int

	// Server mode settings
	Root          string
	Workers       int
	MetricsAddr   string
	Watch         bool
	ShutdownGrace time.Duration

	// Common parameters
	Timeout      time.Duration
	Retries      int
	ShowProgress bool
	LogDir       string
	LogLevel     string
}

// Default returns a Config populated with default values
func Default() *Config {
	return &Config{
		Mode:          DefaultMode,
		Host:          DefaultHost,
		Port:          DefaultPort,
		Root:          DefaultRoot,
		Workers:       DefaultWorkers,
		ShutdownGrace: DefaultShutdownGrace,
		Timeout:       DefaultTimeout,
		Retries:       DefaultRetries,
		ShowProgress:  true,
		LogDir:        DefaultLogDir,
		LogLevel:      DefaultLogLevel,
	}
}

// BindFlags registers the command line flags that populate c
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Mode, "mode", c.Mode, "Run mode: CLT or SRV")
	fs.StringVar(&c.Host, "host", c.Host, "Server host (client mode)")
	fs.IntVar(&c.Port, "port", c.Port, "Server UDP port")
	fs.StringVar(&c.Root, "root", c.Root, "Directory served (server mode)")
	fs.IntVar(&c.Workers, "workers", c.Workers, "Maximum concurrent transfers (server mode)")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Address for the metrics and health endpoint, empty to disable")
	fs.BoolVar(&c.Watch, "watch", c.Watch, "Register files created under root while running (server mode)")
	fs.DurationVar(&c.ShutdownGrace, "shutdown-grace", c.ShutdownGrace, "How long shutdown waits for running transfers (server mode)")
	fs.DurationVar(&c.Timeout, "timeout", c.Timeout, "Receive timeout per packet")
	fs.IntVar(&c.Retries, "retries", c.Retries, "Consecutive timeouts tolerated before a send is abandoned")
	fs.BoolVar(&c.ShowProgress, "progress", c.ShowProgress, "Show progress during transfer (client mode)")
	fs.StringVar(&c.LogDir, "log-dir", c.LogDir, "Directory for log files, empty for console only")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug, info, warn or error")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.Mode = strings.ToUpper(c.Mode)
	if c.Mode != ModeServer && c.Mode != ModeClient {
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range")
	}
	if c.IsClient() && c.Port == 0 {
		return fmt.Errorf("client requires a server port")
	}
	if c.IsClient() && c.Host == "" {
		return fmt.Errorf("client requires a server host")
	}
	if c.IsServer() && c.Root == "" {
		return fmt.Errorf("root directory is required in server mode")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries cannot be negative")
	}
	if c.ShutdownGrace < 0 {
		return fmt.Errorf("shutdown grace cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}

	return nil
}

// IsServer reports whether the configuration runs the server
func (c *Config) IsServer() bool {
	return c.Mode == ModeServer
}

// IsClient reports whether the configuration runs the client
func (c *Config) IsClient() bool {
	return c.Mode == ModeClient
}

// Address returns the host:port pair of the configured endpoint
func (c *Config) Address() string {
	host := c.Host
	if c.IsServer() {
		host = ""
	}
	return fmt.Sprintf("%s:%d", host, c.Port)
}

// SlogLevel converts LogLevel into a slog.Level
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return level, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return level, nil
}

// String returns a string representation of the config for logging
func (c *Config) String() string {
	mode := "Client"
	if c.IsServer() {
		mode = "Server"
	}

	return fmt.Sprintf("Config{Mode: %s, Address: %s, Workers: %d, Timeout: %s, Retries: %d}",
		mode, c.Address(), c.Workers, c.Timeout, c.Retries)
}
