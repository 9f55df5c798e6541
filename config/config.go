// Package config loads service configuration from a YAML file, an optional
// .env file and NEUROSIM_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/poiesic/neurosim/ai"
	"github.com/poiesic/neurosim/core"
	"gopkg.in/yaml.v3"
)

// Environments.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// StorageConfig locates the Badger database.
type StorageConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// AIConfig selects the embedding and generation provider.
type AIConfig struct {
	Backend         string  `yaml:"backend"`
	Host            string  `yaml:"host"`
	EmbeddingHost   string  `yaml:"embedding_host"`
	GenerationHost  string  `yaml:"generation_host"`
	EmbeddingModel  string  `yaml:"embedding_model"`
	GenerationModel string  `yaml:"generation_model"`
	APIKey          string  `yaml:"api_key"`
	Temperature     float64 `yaml:"temperature"`
}

// ChunkingConfig sets chunk size and overlap, in characters.
type ChunkingConfig struct {
	MaxSize int `yaml:"max_size"`
	Overlap int `yaml:"overlap"`
}

// ChatConfig tunes retrieval and generation.
type ChatConfig struct {
	TopK            int           `yaml:"top_k"`
	MaxContextChars int           `yaml:"max_context_chars"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
}

// IngestionConfig tunes the background pipeline.
type IngestionConfig struct {
	Workers        int           `yaml:"workers"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
}

// RetentionConfig controls automatic deletion of old data.
type RetentionConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Days          int           `yaml:"days"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// SecurityConfig locates the encryption key. EncryptionKey is base64.
type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
	KeyFile       string `yaml:"key_file"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Config is the root configuration.
type Config struct {
	Environment string          `yaml:"environment"`
	LogLevel    string          `yaml:"log_level"`
	Storage     StorageConfig   `yaml:"storage"`
	AI          AIConfig        `yaml:"ai"`
	Chunking    ChunkingConfig  `yaml:"chunking"`
	Chat        ChatConfig      `yaml:"chat"`
	Ingestion   IngestionConfig `yaml:"ingestion"`
	Retention   RetentionConfig `yaml:"retention"`
	Security    SecurityConfig  `yaml:"security"`
	Server      ServerConfig    `yaml:"server"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	aiDefaults := ai.DefaultConfig()
	return &Config{
		Environment: EnvDevelopment,
		LogLevel:    "info",
		Storage:     StorageConfig{Path: "./data/neurosim"},
		AI: AIConfig{
			Backend:         aiDefaults.Backend,
			EmbeddingHost:   aiDefaults.EmbeddingHost,
			GenerationHost:  aiDefaults.GenerationHost,
			EmbeddingModel:  aiDefaults.EmbeddingModel,
			GenerationModel: aiDefaults.GenerationModel,
			Temperature:     aiDefaults.Temperature,
		},
		Chunking: ChunkingConfig{MaxSize: 1000, Overlap: 200},
		Chat: ChatConfig{
			TopK:            3,
			MaxContextChars: 4000,
			CallTimeout:     30 * time.Second,
		},
		Ingestion: IngestionConfig{
			MaxAttempts:    4,
			RetryDelay:     500 * time.Millisecond,
			CallTimeout:    2 * time.Minute,
			MaxUploadBytes: 10 << 20,
		},
		Retention: RetentionConfig{
			Enabled:       true,
			Days:          90,
			SweepInterval: time.Hour,
		},
		Server: ServerConfig{
			Addr:            ":8000",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    2 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
		},
	}
}

// Load builds the configuration. Values from path (skipped when empty) are
// applied over Default, then the variables in envFiles (".env" when none are
// given; missing files are ignored), then NEUROSIM_* environment variables.
// The result is validated.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: reading config file: %w", core.ErrConfiguration, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %w", core.ErrConfiguration, path, err)
		}
	}

	if err := loadEnvFiles(envFiles...); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnvFiles loads variables without overriding ones already set.
func loadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("%w: loading %s: %w", core.ErrConfiguration, file, err)
		}
	}
	return nil
}

// applyConfigDefaults fills zero values a partial file may leave behind.
func applyConfigDefaults(cfg *Config) {
	d := Default()
	if cfg.Environment == "" {
		cfg.Environment = d.Environment
	}
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.AI.Host != "" {
		if cfg.AI.EmbeddingHost == "" || cfg.AI.EmbeddingHost == d.AI.EmbeddingHost {
			cfg.AI.EmbeddingHost = cfg.AI.Host
		}
		if cfg.AI.GenerationHost == "" || cfg.AI.GenerationHost == d.AI.GenerationHost {
			cfg.AI.GenerationHost = cfg.AI.Host
		}
	}
	if cfg.Chat.TopK == 0 {
		cfg.Chat.TopK = d.Chat.TopK
	}
	if cfg.Chat.MaxContextChars == 0 {
		cfg.Chat.MaxContextChars = d.Chat.MaxContextChars
	}
	if cfg.Chat.CallTimeout == 0 {
		cfg.Chat.CallTimeout = d.Chat.CallTimeout
	}
	if cfg.Ingestion.MaxAttempts == 0 {
		cfg.Ingestion.MaxAttempts = d.Ingestion.MaxAttempts
	}
	if cfg.Ingestion.CallTimeout == 0 {
		cfg.Ingestion.CallTimeout = d.Ingestion.CallTimeout
	}
	if cfg.Ingestion.MaxUploadBytes == 0 {
		cfg.Ingestion.MaxUploadBytes = d.Ingestion.MaxUploadBytes
	}
	if cfg.Retention.SweepInterval == 0 {
		cfg.Retention.SweepInterval = d.Retention.SweepInterval
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = d.Server.Addr
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Environment {
	case EnvDevelopment, EnvProduction:
	default:
		errs = append(errs, fmt.Errorf("environment must be %q or %q, got %q", EnvDevelopment, EnvProduction, c.Environment))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if !c.Storage.InMemory && strings.TrimSpace(c.Storage.Path) == "" {
		errs = append(errs, errors.New("storage.path is required unless storage.in_memory is set"))
	}
	if err := core.ValidateChunkParams(c.Chunking.MaxSize, c.Chunking.Overlap); err != nil {
		errs = append(errs, err)
	}
	if c.Chat.TopK < 1 {
		errs = append(errs, fmt.Errorf("chat.top_k must be positive, got %d", c.Chat.TopK))
	}
	if c.Chat.MaxContextChars < 1 {
		errs = append(errs, fmt.Errorf("chat.max_context_chars must be positive, got %d", c.Chat.MaxContextChars))
	}
	if c.Chat.CallTimeout < 0 || c.Ingestion.CallTimeout < 0 || c.Ingestion.RetryDelay < 0 {
		errs = append(errs, errors.New("timeouts and delays must not be negative"))
	}
	if c.Ingestion.Workers < 0 {
		errs = append(errs, fmt.Errorf("ingestion.workers must not be negative, got %d", c.Ingestion.Workers))
	}
	if c.Ingestion.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("ingestion.max_attempts must be positive, got %d", c.Ingestion.MaxAttempts))
	}
	if c.Ingestion.MaxUploadBytes < 1 {
		errs = append(errs, fmt.Errorf("ingestion.max_upload_bytes must be positive, got %d", c.Ingestion.MaxUploadBytes))
	}
	if c.Retention.Enabled && c.Retention.Days < 1 {
		errs = append(errs, fmt.Errorf("retention.days must be positive when retention is enabled, got %d", c.Retention.Days))
	}
	if err := c.AIConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", core.ErrConfiguration, err)
	}
	return nil
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// RetentionPeriod returns the retention window, or 0 when retention is disabled.
func (c *Config) RetentionPeriod() time.Duration {
	if !c.Retention.Enabled {
		return 0
	}
	return time.Duration(c.Retention.Days) * 24 * time.Hour
}

// AIConfig converts the provider section into an ai.Config.
func (c *Config) AIConfig() *ai.Config {
	cfg := ai.NewConfig(
		ai.WithBackend(c.AI.Backend),
		ai.WithEmbeddingHost(c.AI.EmbeddingHost),
		ai.WithGenerationHost(c.AI.GenerationHost),
		ai.WithEmbeddingModel(c.AI.EmbeddingModel),
		ai.WithGenerationModel(c.AI.GenerationModel),
		ai.WithAPIKey(c.AI.APIKey),
		ai.WithTemperature(c.AI.Temperature),
	)
	cfg.Normalize()
	return cfg
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", level)
	}
	return l, nil
}
