// Package config loads service configuration from .env, an optional YAML file
// and environment variables, in that order of increasing precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	ReturnZero ReturnZeroConfig `yaml:"return_zero"`
	Relay      RelayConfig      `yaml:"relay"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Summarizer SummarizerConfig `yaml:"summarizer"`
	Notion     NotionConfig     `yaml:"notion"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port             string   `yaml:"port"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	SessionSecretKey string   `yaml:"session_secret_key"`
	MaxUploadMB      int      `yaml:"max_upload_mb"`
}

// StorageConfig contains database and file locations
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	OutputDir    string `yaml:"output_dir"`
}

// ReturnZeroConfig contains upstream STT credentials and endpoints
type ReturnZeroConfig struct {
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	AuthURL        string `yaml:"auth_url"`
	StreamURL      string `yaml:"stream_url"`
	ConnectTimeout int    `yaml:"connect_timeout"` // seconds
	RequestTimeout int    `yaml:"request_timeout"` // seconds
}

// RelayConfig contains live relay parameters
type RelayConfig struct {
	QueueSize   int `yaml:"queue_size"`
	IdleTimeout int `yaml:"idle_timeout"` // seconds
}

// PipelineConfig contains background job parameters
type PipelineConfig struct {
	ChunkSize          int    `yaml:"chunk_size"` // bytes
	MaxConcurrent      int    `yaml:"max_concurrent"`
	FFmpegPath         string `yaml:"ffmpeg_path"`
	PreferredContainer string `yaml:"preferred_container"`
}

// SummarizerConfig contains LLM endpoint configuration
type SummarizerConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	Timeout     int     `yaml:"timeout"` // seconds
}

// NotionConfig contains the publish target configuration
type NotionConfig struct {
	APIKey  string `yaml:"api_key"`
	PageURL string `yaml:"page_url"`
	BaseURL string `yaml:"base_url"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing overrides a field.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:             "8000",
			AllowedOrigins:   []string{"http://localhost:3000", "http://127.0.0.1:3000"},
			SessionSecretKey: "your-secret-key-change-in-production",
			MaxUploadMB:      500,
		},
		Storage: StorageConfig{
			DatabasePath: "data/voicememo.db",
			OutputDir:    "outputs",
		},
		ReturnZero: ReturnZeroConfig{
			AuthURL:        "https://openapi.vito.ai/v1/authenticate",
			StreamURL:      "wss://openapi.vito.ai/v1/transcribe:streaming",
			ConnectTimeout: 10,
			RequestTimeout: 15,
		},
		Relay: RelayConfig{
			QueueSize:   256,
			IdleTimeout: 60,
		},
		Pipeline: PipelineConfig{
			ChunkSize:          8192,
			MaxConcurrent:      4,
			FFmpegPath:         "ffmpeg",
			PreferredContainer: ".ogg",
		},
		Summarizer: SummarizerConfig{
			BaseURL:     "https://openrouter.ai/api/v1",
			Model:       "arcee-ai/trinity-large-preview:free",
			Temperature: 0.3,
			Timeout:     300,
		},
		Notion: NotionConfig{
			BaseURL: "https://api.notion.com/v1",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads .env (if present), then the YAML file at path (if path is not
// empty), then environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.SessionSecretKey, "SESSION_SECRET_KEY")
	setString(&cfg.Storage.DatabasePath, "DATABASE_PATH")
	setString(&cfg.Storage.OutputDir, "OUTPUT_DIR")
	setString(&cfg.ReturnZero.ClientID, "RETURN_ZERO_CLIENT_ID")
	setString(&cfg.ReturnZero.ClientSecret, "RETURN_ZERO_CLIENT_SECRET")
	setString(&cfg.ReturnZero.AuthURL, "RETURN_ZERO_AUTH_URL")
	setString(&cfg.ReturnZero.StreamURL, "RETURN_ZERO_STREAM_URL")
	setString(&cfg.Summarizer.APIKey, "OPENROUTER_API_KEY")
	setString(&cfg.Summarizer.BaseURL, "OPENROUTER_BASE_URL")
	setString(&cfg.Summarizer.Model, "OPENROUTER_MODEL")
	setString(&cfg.Notion.APIKey, "NOTION_API_KEY")
	setString(&cfg.Notion.PageURL, "NOTION_PAGE_URL")
	setString(&cfg.Pipeline.FFmpegPath, "FFMPEG_PATH")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
	setInt(&cfg.Relay.QueueSize, "RELAY_QUEUE_SIZE")
	setInt(&cfg.Relay.IdleTimeout, "RELAY_IDLE_TIMEOUT")
	setInt(&cfg.Pipeline.MaxConcurrent, "PIPELINE_MAX_CONCURRENT")
	setInt(&cfg.Pipeline.ChunkSize, "PIPELINE_CHUNK_SIZE")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate performs validation of every section
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}
	if err := c.ReturnZero.Validate(); err != nil {
		return fmt.Errorf("return_zero config: %w", err)
	}
	if err := c.Relay.Validate(); err != nil {
		return fmt.Errorf("relay config: %w", err)
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline config: %w", err)
	}
	if err := c.Summarizer.Validate(); err != nil {
		return fmt.Errorf("summarizer config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	port, err := strconv.Atoi(s.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %q", s.Port)
	}
	if s.SessionSecretKey == "" {
		return fmt.Errorf("session_secret_key cannot be empty")
	}
	if s.MaxUploadMB < 1 {
		return fmt.Errorf("max_upload_mb must be at least 1, got %d", s.MaxUploadMB)
	}
	return nil
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	if s.DatabasePath == "" {
		return fmt.Errorf("database_path cannot be empty")
	}
	if s.OutputDir == "" {
		return fmt.Errorf("output_dir cannot be empty")
	}
	return nil
}

// Validate validates upstream STT configuration
func (r *ReturnZeroConfig) Validate() error {
	if r.ClientID == "" || r.ClientSecret == "" {
		return fmt.Errorf("client_id and client_secret are required")
	}
	if r.AuthURL == "" || r.StreamURL == "" {
		return fmt.Errorf("auth_url and stream_url cannot be empty")
	}
	if r.ConnectTimeout < 1 {
		return fmt.Errorf("connect_timeout must be at least 1 second, got %d", r.ConnectTimeout)
	}
	if r.RequestTimeout < 1 {
		return fmt.Errorf("request_timeout must be at least 1 second, got %d", r.RequestTimeout)
	}
	return nil
}

// Validate validates relay configuration
func (r *RelayConfig) Validate() error {
	if r.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", r.QueueSize)
	}
	if r.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout cannot be negative, got %d", r.IdleTimeout)
	}
	return nil
}

// Validate validates pipeline configuration
func (p *PipelineConfig) Validate() error {
	if p.ChunkSize < 512 {
		return fmt.Errorf("chunk_size must be at least 512 bytes, got %d", p.ChunkSize)
	}
	if p.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", p.MaxConcurrent)
	}
	if p.FFmpegPath == "" {
		return fmt.Errorf("ffmpeg_path cannot be empty")
	}
	validContainers := map[string]bool{".ogg": true, ".wav": true, ".flac": true}
	if !validContainers[p.PreferredContainer] {
		return fmt.Errorf("preferred_container must be one of [.ogg, .wav, .flac], got '%s'", p.PreferredContainer)
	}
	return nil
}

// Validate validates summarizer configuration
func (s *SummarizerConfig) Validate() error {
	if s.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty")
	}
	if s.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}
	if s.Temperature < 0 || s.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", s.Temperature)
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [trace, debug, info, warn, error], got '%s'", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'console', got '%s'", l.Format)
	}
	return nil
}

// GetConnectTimeout returns the upstream connect timeout as a time.Duration
func (r *ReturnZeroConfig) GetConnectTimeout() time.Duration {
	return time.Duration(r.ConnectTimeout) * time.Second
}

// GetRequestTimeout returns the credential exchange timeout as a time.Duration
func (r *ReturnZeroConfig) GetRequestTimeout() time.Duration {
	return time.Duration(r.RequestTimeout) * time.Second
}

// GetIdleTimeout returns the relay idle timeout; zero disables it
func (r *RelayConfig) GetIdleTimeout() time.Duration {
	return time.Duration(r.IdleTimeout) * time.Second
}

// GetTimeout returns the summarizer request timeout as a time.Duration
func (s *SummarizerConfig) GetTimeout() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}
