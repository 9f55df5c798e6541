package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/poiesic/neurosim/core"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NEUROSIM_"

type lookupFunc func(key string) (string, bool)

// applyEnv overrides cfg with NEUROSIM_* variables found by lookup.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.setString("ENV", &cfg.Environment)
	e.setString("LOG_LEVEL", &cfg.LogLevel)
	e.setString("STORAGE_PATH", &cfg.Storage.Path)
	e.setBool("STORAGE_IN_MEMORY", &cfg.Storage.InMemory)

	e.setString("AI_BACKEND", &cfg.AI.Backend)
	e.setString("AI_HOST", &cfg.AI.Host)
	e.setString("EMBEDDING_HOST", &cfg.AI.EmbeddingHost)
	e.setString("GENERATION_HOST", &cfg.AI.GenerationHost)
	e.setString("EMBEDDING_MODEL", &cfg.AI.EmbeddingModel)
	e.setString("GENERATION_MODEL", &cfg.AI.GenerationModel)
	e.setString("AI_API_KEY", &cfg.AI.APIKey)
	e.setFloat("TEMPERATURE", &cfg.AI.Temperature)

	e.setInt("CHUNK_SIZE", &cfg.Chunking.MaxSize)
	e.setInt("CHUNK_OVERLAP", &cfg.Chunking.Overlap)

	e.setInt("CHAT_TOP_K", &cfg.Chat.TopK)
	e.setInt("CHAT_MAX_CONTEXT_CHARS", &cfg.Chat.MaxContextChars)
	e.setDuration("CHAT_CALL_TIMEOUT", &cfg.Chat.CallTimeout)

	e.setInt("INGESTION_WORKERS", &cfg.Ingestion.Workers)
	e.setInt("INGESTION_MAX_ATTEMPTS", &cfg.Ingestion.MaxAttempts)
	e.setInt64("MAX_UPLOAD_BYTES", &cfg.Ingestion.MaxUploadBytes)

	e.setBool("RETENTION_ENABLED", &cfg.Retention.Enabled)
	e.setInt("RETENTION_DAYS", &cfg.Retention.Days)
	e.setDuration("RETENTION_SWEEP_INTERVAL", &cfg.Retention.SweepInterval)

	e.setString("ENCRYPTION_KEY", &cfg.Security.EncryptionKey)
	e.setString("KEY_FILE", &cfg.Security.KeyFile)

	e.setString("HTTP_ADDR", &cfg.Server.Addr)

	return e.err
}

// envReader records the first malformed variable and ignores the rest.
type envReader struct {
	lookup lookupFunc
	err    error
}

func (e *envReader) get(name string) (string, bool) {
	if e.err != nil {
		return "", false
	}
	return e.lookup(EnvPrefix + name)
}

func (e *envReader) fail(name, value string, err error) {
	e.err = fmt.Errorf("%w: %s%s=%q: %w", core.ErrConfiguration, EnvPrefix, name, value, err)
}

func (e *envReader) setString(name string, dst *string) {
	if v, ok := e.get(name); ok {
		*dst = v
	}
}

func (e *envReader) setInt(name string, dst *int) {
	if v, ok := e.get(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) setInt64(name string, dst *int64) {
	if v, ok := e.get(name); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) setFloat(name string, dst *float64) {
	if v, ok := e.get(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) setBool(name string, dst *bool) {
	if v, ok := e.get(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) setDuration(name string, dst *time.Duration) {
	if v, ok := e.get(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = d
	}
}
