// Package config decodes the flat configuration shape the engine
// consumes. Loading is intentionally a thin shell around viper: the
// parser itself stays external, the engine only ever sees the Config
// struct below.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Alias maps a URL path prefix to a filesystem target, applied by the
// static-file resolver before joining with a server's root.
type Alias struct {
	Prefix string `mapstructure:"prefix"`
	Target string `mapstructure:"target"`
}

// ProxyRule maps a URL path prefix to an upstream origin.
type ProxyRule struct {
	Prefix string `mapstructure:"prefix"`
	URL    string `mapstructure:"url"`
}

// Route is a fixed-status/redirect responder that short-circuits the
// filesystem lookup entirely.
type Route struct {
	URI          string `mapstructure:"uri"`
	ReturnStatus int    `mapstructure:"return_status"`
	ReturnBody   string `mapstructure:"return_body"`
}

// Server is one `server { listen ... }` block.
type Server struct {
	Listen              int         `mapstructure:"listen"`
	ServerNames         []string    `mapstructure:"server_names"`
	Root                string      `mapstructure:"root"`
	Index               []string    `mapstructure:"index"`
	TryFiles            []string    `mapstructure:"try_files"`
	Aliases             []Alias     `mapstructure:"aliases"`
	Proxies             []ProxyRule `mapstructure:"proxies"`
	Routes              []Route     `mapstructure:"routes"`
	IdleTimeoutSeconds  int         `mapstructure:"idle_timeout_seconds"`
	AllowedMethods      []string    `mapstructure:"allowed_methods"`
	AccessLogPath       string      `mapstructure:"access_log_path"`
	ErrorLogPath        string      `mapstructure:"error_log_path"`
}

// IdleTimeout returns the configured idle timeout, defaulting to 5s.
func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.IdleTimeoutSeconds) * time.Second
}

// Config is the flat view the engine consumes.
type Config struct {
	WorkerProcesses int      `mapstructure:"worker_processes"`
	MaxConnections  int      `mapstructure:"max_connections"`
	MaxHeaderBytes  int      `mapstructure:"max_header_bytes"`
	MaxBodyBytes    int      `mapstructure:"max_body_bytes"`
	MimeTypesPath   string   `mapstructure:"mime_types_path"`
	DefaultType     string   `mapstructure:"default_type"`
	LogFile         string   `mapstructure:"log_file"`
	PidFile         string   `mapstructure:"pid_file"`
	Servers         []Server `mapstructure:"servers"`
}

// Default returns the baseline configuration used when no file is given.
func Default() Config {
	return Config{
		WorkerProcesses: 1,
		MaxConnections:  1024,
		MaxHeaderBytes:  8 << 10,
		MaxBodyBytes:    1 << 20,
		MimeTypesPath:   "/etc/edgeserve/mime.types",
		DefaultType:     "application/octet-stream",
		LogFile:         "/var/log/edgeserve/edgeserve.log",
		PidFile:         "/var/run/edgeserve.pid",
		Servers: []Server{
			{Listen: 8080, Root: ".", Index: []string{"index.html"}, IdleTimeoutSeconds: 5},
		},
	}
}

// Load reads a YAML configuration file at path into a Config, starting
// from Default() so partially specified files still produce a usable
// server. An empty path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if len(cfg.Servers) == 0 {
		return Config{}, fmt.Errorf("config: %s: at least one server block is required", path)
	}
	return cfg, nil
}
