// Package config loads the YAML configuration of the kektorvec binary.
//
// Secrets never appear in the file: the API key of the embedding service and
// the HTTP bearer token are read from environment variables named there.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sanonone/kektorvec/pkg/embeddings"
	"github.com/sanonone/kektorvec/pkg/engine"
	"github.com/sanonone/kektorvec/pkg/ingest"
	"gopkg.in/yaml.v3"
)

// Embedder types.
const (
	EmbedderOpenAI = "openai"
	EmbedderOllama = "ollama"
	EmbedderNone   = "none"
)

type Config struct {
	DataDir     string            `yaml:"data_dir"`
	Index       engine.Config     `yaml:"index"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	HTTP        HTTPConfig        `yaml:"http"`
	Embedder    EmbedderConfig    `yaml:"embedder"`
	Ingest      IngestConfig      `yaml:"ingest"`
	LogLevel    string            `yaml:"log_level"` // debug, info, warn, error
}

type MaintenanceConfig struct {
	AutoSaveInterval  time.Duration `yaml:"auto_save_interval"`
	AutoSaveThreshold int64         `yaml:"auto_save_threshold"`
	Interval          time.Duration `yaml:"interval"`
	CompactThreshold  float64       `yaml:"compact_threshold"` // tombstone ratio, 0 disables
	FsyncInterval     time.Duration `yaml:"fsync_interval"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"` // ":9091"
	// AuthTokenEnv names the variable holding the bearer token. Empty or
	// unset disables authentication.
	AuthTokenEnv string `yaml:"auth_token_env"`
}

type EmbedderConfig struct {
	Type      string        `yaml:"type"` // "openai", "ollama" or "none"
	URL       string        `yaml:"url"`
	Model     string        `yaml:"model"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout"`
}

type IngestConfig struct {
	ChunkSize    int `yaml:"chunk_size"`    // runes
	ChunkOverlap int `yaml:"chunk_overlap"` // runes
	Concurrency  int `yaml:"concurrency"`   // embedding calls in flight
}

// Default returns a configuration for OpenAI embeddings stored under
// ./kektorvec_data.
func Default() Config {
	opts := engine.DefaultOptions("./kektorvec_data", 1536)
	return Config{
		DataDir: opts.DataDir,
		Index:   opts.Index,
		Maintenance: MaintenanceConfig{
			AutoSaveInterval:  opts.AutoSaveInterval,
			AutoSaveThreshold: opts.AutoSaveThreshold,
			Interval:          opts.MaintenanceInterval,
			CompactThreshold:  opts.CompactThreshold,
			FsyncInterval:     opts.FsyncInterval,
		},
		HTTP: HTTPConfig{
			Addr:         ":9091",
			AuthTokenEnv: "KEKTORVEC_TOKEN",
		},
		Embedder: EmbedderConfig{
			Type:      EmbedderOpenAI,
			Model:     embeddings.DefaultOpenAIModel,
			APIKeyEnv: "OPENAI_API_KEY",
			Timeout:   30 * time.Second,
		},
		Ingest: IngestConfig{
			ChunkSize:    ingest.DefaultChunkSize,
			ChunkOverlap: ingest.DefaultChunkOverlap,
			Concurrency:  ingest.DefaultConcurrency,
		},
		LogLevel: "info",
	}
}

// Load reads the YAML configuration file using strict parsing. Keys missing
// from the file keep their defaults; unknown keys are an error. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)

	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("YAML syntax error in config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the values that Load cannot check through the YAML schema.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if err := c.Index.Validate(); err != nil {
		return fmt.Errorf("index: %w", err)
	}
	if c.Maintenance.CompactThreshold < 0 || c.Maintenance.CompactThreshold > 1 {
		return fmt.Errorf("maintenance.compact_threshold must be in [0, 1], got %v", c.Maintenance.CompactThreshold)
	}
	switch c.Embedder.Type {
	case EmbedderOpenAI, EmbedderOllama, EmbedderNone:
	default:
		return fmt.Errorf("unsupported embedder type %q", c.Embedder.Type)
	}
	if c.Ingest.ChunkSize <= 0 {
		return fmt.Errorf("ingest.chunk_size must be positive, got %d", c.Ingest.ChunkSize)
	}
	if c.Ingest.ChunkOverlap < 0 || c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("ingest.chunk_overlap must be in [0, chunk_size), got %d", c.Ingest.ChunkOverlap)
	}
	if c.Ingest.Concurrency <= 0 {
		return fmt.Errorf("ingest.concurrency must be positive, got %d", c.Ingest.Concurrency)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// EngineOptions converts the configuration into engine options.
func (c Config) EngineOptions() engine.Options {
	return engine.Options{
		DataDir:             c.DataDir,
		Index:               c.Index,
		AutoSaveInterval:    c.Maintenance.AutoSaveInterval,
		AutoSaveThreshold:   c.Maintenance.AutoSaveThreshold,
		MaintenanceInterval: c.Maintenance.Interval,
		CompactThreshold:    c.Maintenance.CompactThreshold,
		FsyncInterval:       c.Maintenance.FsyncInterval,
	}
}

// IngestOptions converts the configuration into ingestion options.
func (c Config) IngestOptions() ingest.Options {
	return ingest.Options{
		ChunkSize:    c.Ingest.ChunkSize,
		ChunkOverlap: c.Ingest.ChunkOverlap,
		Concurrency:  c.Ingest.Concurrency,
	}
}

// NewEmbedder builds the configured embedder, or returns nil for "none".
func (c Config) NewEmbedder() (embeddings.Embedder, error) {
	e := c.Embedder
	switch e.Type {
	case EmbedderOpenAI:
		key := ""
		if e.APIKeyEnv != "" {
			key = os.Getenv(e.APIKeyEnv)
		}
		if key == "" && e.URL == "" {
			return nil, fmt.Errorf("embedder: environment variable %q is not set", e.APIKeyEnv)
		}
		return embeddings.NewOpenAIEmbedder(e.URL, e.Model, key, e.Timeout), nil
	case EmbedderOllama:
		return embeddings.NewOllamaEmbedder(e.URL, e.Model, e.Timeout), nil
	case EmbedderNone:
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported embedder type %q", e.Type)
}

// AuthToken returns the bearer token required by the HTTP server, or "".
func (c Config) AuthToken() string {
	if c.HTTP.AuthTokenEnv == "" {
		return ""
	}
	return os.Getenv(c.HTTP.AuthTokenEnv)
}

// SlogLevel parses LogLevel.
func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return level, nil
}
