package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Relay    RelayConfig    `yaml:"relay"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Audio    AudioConfig    `yaml:"audio"`
	Store    StoreConfig    `yaml:"store"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains HTTP/WebSocket server configuration
type ServerConfig struct {
	Port           int    `yaml:"port"`
	BindAddress    string `yaml:"bind_address"`
	MaxMessageSize int64  `yaml:"max_message_size"` // bytes, per WebSocket frame
}

// RelayConfig contains voice relay session parameters
type RelayConfig struct {
	IdleTimeout      int `yaml:"idle_timeout"`       // seconds
	SweepInterval    int `yaml:"sweep_interval"`     // seconds
	OutputSampleRate int `yaml:"output_sample_rate"` // Hz, model response audio
}

// UpstreamConfig contains streaming model connection configuration
type UpstreamConfig struct {
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	SystemPrompt   string `yaml:"system_prompt"`
	ConnectTimeout int    `yaml:"connect_timeout"` // seconds
	WriteTimeout   int    `yaml:"write_timeout"`   // seconds
}

// AudioConfig contains audio normalization parameters
type AudioConfig struct {
	TranscoderPath   string `yaml:"transcoder_path"`   // ffmpeg binary
	TempDir          string `yaml:"temp_dir"`          // empty = OS default
	TranscodeTimeout int    `yaml:"transcode_timeout"` // seconds, per chunk
}

// StoreConfig contains sqlite persistence configuration
type StoreConfig struct {
	DBPath string `yaml:"db_path"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// envAPIKey overrides the YAML upstream API key when set, so secrets can
// stay out of config files.
const envAPIKey = "FINVOICE_UPSTREAM_API_KEY"

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if key := os.Getenv(envAPIKey); key != "" {
		config.Upstream.APIKey = key
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Relay.Validate(); err != nil {
		return fmt.Errorf("relay config: %w", err)
	}

	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("upstream config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.MaxMessageSize < 1024 {
		return fmt.Errorf("max_message_size must be at least 1024 bytes, got %d", s.MaxMessageSize)
	}

	return nil
}

// Validate validates relay configuration
func (r *RelayConfig) Validate() error {
	if r.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", r.IdleTimeout)
	}

	if r.SweepInterval < 1 {
		return fmt.Errorf("sweep_interval must be at least 1 second, got %d", r.SweepInterval)
	}

	if r.SweepInterval > r.IdleTimeout {
		return fmt.Errorf("sweep_interval (%d) must not exceed idle_timeout (%d)",
			r.SweepInterval, r.IdleTimeout)
	}

	if r.OutputSampleRate < 8000 || r.OutputSampleRate > 48000 {
		return fmt.Errorf("output_sample_rate must be between 8000 and 48000 Hz, got %d", r.OutputSampleRate)
	}

	return nil
}

// Validate validates upstream configuration
func (u *UpstreamConfig) Validate() error {
	if u.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if u.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty (set %s or the api_key field)", envAPIKey)
	}

	if u.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if u.ConnectTimeout < 1 {
		return fmt.Errorf("connect_timeout must be at least 1 second, got %d", u.ConnectTimeout)
	}

	if u.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", u.WriteTimeout)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.TranscoderPath == "" {
		return fmt.Errorf("transcoder_path cannot be empty")
	}

	if a.TranscodeTimeout < 1 {
		return fmt.Errorf("transcode_timeout must be at least 1 second, got %d", a.TranscodeTimeout)
	}

	return nil
}

// Validate validates store configuration
func (s *StoreConfig) Validate() error {
	if s.DBPath == "" {
		return fmt.Errorf("db_path cannot be empty")
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetIdleTimeout returns the session idle timeout as a time.Duration
func (r *RelayConfig) GetIdleTimeout() time.Duration {
	return time.Duration(r.IdleTimeout) * time.Second
}

// GetSweepInterval returns the registry sweep interval as a time.Duration
func (r *RelayConfig) GetSweepInterval() time.Duration {
	return time.Duration(r.SweepInterval) * time.Second
}

// GetConnectTimeout returns the upstream connect timeout as a time.Duration
func (u *UpstreamConfig) GetConnectTimeout() time.Duration {
	return time.Duration(u.ConnectTimeout) * time.Second
}

// GetWriteTimeout returns the upstream write timeout as a time.Duration
func (u *UpstreamConfig) GetWriteTimeout() time.Duration {
	return time.Duration(u.WriteTimeout) * time.Second
}

// GetTranscodeTimeout returns the per-chunk transcode timeout as a time.Duration
func (a *AudioConfig) GetTranscodeTimeout() time.Duration {
	return time.Duration(a.TranscodeTimeout) * time.Second
}
