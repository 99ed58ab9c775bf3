// Package config handles configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"portmap-proxy/internal/model"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/portmap-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to config file (.toml, .yaml or .json).',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warning|error|critical (overrides config).',env='LOG_LEVEL'"`
	LogFile  string `kong:"help='Log file path (overrides config).',env='LOG_FILE'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig           `toml:"server" yaml:"server" json:"server"`
	Upstream UpstreamConfig         `toml:"upstream" yaml:"upstream" json:"upstream"`
	Log      LogConfig              `toml:"log" yaml:"log" json:"log"`
	Metrics  MetricsConfig          `toml:"metrics" yaml:"metrics" json:"metrics"`
	Routes   map[string]RouteConfig `toml:"routes" yaml:"routes" json:"routes"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds inbound HTTP server settings.
type ServerConfig struct {
	Host              string          `toml:"host" yaml:"host" json:"host"`
	Port              int             `toml:"port" yaml:"port" json:"port"` // 0 means "use default" (8080)
	BodyMaxBytes      int64           `toml:"body_max_bytes" yaml:"body_max_bytes" json:"body_max_bytes"`
	ProxyProtocol     bool            `toml:"proxy_protocol" yaml:"proxy_protocol" json:"proxy_protocol"`
	TrustForwardedFor bool            `toml:"trust_forwarded_for" yaml:"trust_forwarded_for" json:"trust_forwarded_for"`
	AdminPrefix       string          `toml:"admin_prefix" yaml:"admin_prefix" json:"admin_prefix"`
	RateLimit         RateLimitConfig `toml:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled" yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second" yaml:"requests_per_second" json:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings shared by every route.
type UpstreamConfig struct {
	ConnectTimeoutSeconds int  `toml:"connect_timeout_seconds" yaml:"connect_timeout_seconds" json:"connect_timeout_seconds"`
	ReadTimeoutSeconds    int  `toml:"read_timeout_seconds" yaml:"read_timeout_seconds" json:"read_timeout_seconds"`
	IdleConnections       int  `toml:"idle_connections" yaml:"idle_connections" json:"idle_connections"`
	BufferSize            int  `toml:"buffer_size" yaml:"buffer_size" json:"buffer_size"`
	XForwardedFor         bool `toml:"x_forwarded_for" yaml:"x_forwarded_for" json:"x_forwarded_for"`
}

// LogConfig holds event logging settings.
type LogConfig struct {
	Level                 string `toml:"level" yaml:"level" json:"level"`
	Format                string `toml:"format" yaml:"format" json:"format"`
	FilePath              string `toml:"file_path" yaml:"file_path" json:"file_path"`
	MaxSize               int64  `toml:"max_size" yaml:"max_size" json:"max_size"`
	BackupCount           int    `toml:"backup_count" yaml:"backup_count" json:"backup_count"`
	QueueSize             int    `toml:"queue_size" yaml:"queue_size" json:"queue_size"`
	CriticalBurst         int    `toml:"critical_burst" yaml:"critical_burst" json:"critical_burst"` // negative disables escalation
	CriticalWindowSeconds int    `toml:"critical_window_seconds" yaml:"critical_window_seconds" json:"critical_window_seconds"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled" json:"enabled"`
	Path    string `toml:"path" yaml:"path" json:"path"`
}

// RouteConfig is one entry of the static mapping table. The map key is the
// local binding, host:port with an optional path prefix.
type RouteConfig struct {
	RemoteIP   string `toml:"remote_ip" yaml:"remote_ip" json:"remote_ip"`
	RemotePort int    `toml:"remote_port" yaml:"remote_port" json:"remote_port"`
}

// Target returns the upstream this route forwards to.
func (r RouteConfig) Target() model.UpstreamTarget {
	return model.UpstreamTarget{Host: r.RemoteIP, Port: r.RemotePort}
}

// Load reads the config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/portmap-proxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := unmarshal(path, data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// unmarshal decodes data according to the file extension. TOML is the default.
func unmarshal(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".json":
		return json.Unmarshal(data, cfg)
	default:
		return toml.Unmarshal(data, cfg)
	}
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.LogFile != "" {
		c.Log.FilePath = cli.LogFile
	}
}

// validate reports every problem found, not just the first.
func (c *Config) validate() error {
	var err error

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port))
	}
	if c.Server.BodyMaxBytes < 0 {
		err = multierr.Append(err, fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes))
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		err = multierr.Append(err, fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond))
	}
	if p := c.Server.AdminPrefix; p != "" && (p[0] != '/' || p == "/" || strings.HasSuffix(p, "/")) {
		err = multierr.Append(err, fmt.Errorf("server.admin_prefix must start with '/' and not end with '/'; got %q", p))
	}
	if c.Upstream.ConnectTimeoutSeconds < 0 {
		err = multierr.Append(err, fmt.Errorf("upstream.connect_timeout_seconds must be non-negative; got %d", c.Upstream.ConnectTimeoutSeconds))
	}
	if c.Upstream.ReadTimeoutSeconds < 0 {
		err = multierr.Append(err, fmt.Errorf("upstream.read_timeout_seconds must be non-negative; got %d", c.Upstream.ReadTimeoutSeconds))
	}
	if c.Upstream.IdleConnections < 0 {
		err = multierr.Append(err, fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections))
	}
	if c.Upstream.BufferSize < 0 {
		err = multierr.Append(err, fmt.Errorf("upstream.buffer_size must be non-negative; got %d", c.Upstream.BufferSize))
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warning", "warn", "error", "critical", "":
		// valid
	default:
		err = multierr.Append(err, fmt.Errorf("log.level must be one of: debug, info, warning, error, critical; got %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		err = multierr.Append(err, fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format))
	}
	if c.Log.MaxSize < 0 {
		err = multierr.Append(err, fmt.Errorf("log.max_size must be non-negative; got %d", c.Log.MaxSize))
	}
	if c.Log.BackupCount < 0 {
		err = multierr.Append(err, fmt.Errorf("log.backup_count must be non-negative; got %d", c.Log.BackupCount))
	}
	if c.Log.QueueSize < 0 {
		err = multierr.Append(err, fmt.Errorf("log.queue_size must be non-negative; got %d", c.Log.QueueSize))
	}
	if c.Log.CriticalWindowSeconds < 0 {
		err = multierr.Append(err, fmt.Errorf("log.critical_window_seconds must be non-negative; got %d", c.Log.CriticalWindowSeconds))
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" && c.Metrics.Path[0] != '/' {
		err = multierr.Append(err, fmt.Errorf("metrics.path must start with '/'; got %q", c.Metrics.Path))
	}

	// Routes. Key syntax is checked when the route table is built.
	if len(c.Routes) == 0 {
		err = multierr.Append(err, fmt.Errorf("routes: at least one mapping is required"))
	}
	for key, r := range c.Routes {
		if r.RemoteIP == "" {
			err = multierr.Append(err, fmt.Errorf("routes[%q].remote_ip is required", key))
		}
		if r.RemotePort < 1 || r.RemotePort > 65535 {
			err = multierr.Append(err, fmt.Errorf("routes[%q].remote_port must be 1–65535; got %d", key, r.RemotePort))
		}
	}

	return err
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because the file formats cannot
// distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.AdminPrefix == "" {
		c.Server.AdminPrefix = "/_proxy"
	}
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 10
	}
	if c.Upstream.ReadTimeoutSeconds == 0 {
		c.Upstream.ReadTimeoutSeconds = 60
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.BufferSize == 0 {
		c.Upstream.BufferSize = 32 * 1024
	}
	if c.Log.Level == "" {
		c.Log.Level = "warning"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.MaxSize == 0 {
		c.Log.MaxSize = 10 * 1024 * 1024 // 10 MB
	}
	if c.Log.BackupCount == 0 {
		c.Log.BackupCount = 5
	}
	if c.Log.QueueSize == 0 {
		c.Log.QueueSize = 1024
	}
	if c.Log.CriticalBurst == 0 {
		c.Log.CriticalBurst = 5
	}
	if c.Log.CriticalWindowSeconds == 0 {
		c.Log.CriticalWindowSeconds = 60
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = c.Server.AdminPrefix + "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ConnectTimeout bounds establishing an upstream connection.
func (c *UpstreamConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// ReadTimeout bounds waiting for upstream response headers and for each
// subsequent body read.
func (c *UpstreamConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

// CriticalWindow is the interval over which repeated errors escalate.
func (c *LogConfig) CriticalWindow() time.Duration {
	return time.Duration(c.CriticalWindowSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is writable by group or
// others; anyone who can edit the route table can redirect traffic.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
