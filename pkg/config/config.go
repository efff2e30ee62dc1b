// Package config loads service settings from .env, an optional YAML file and
// the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Backend names.
const (
	EmbedderOpenAI = "openai"
	EmbedderOllama = "ollama"
	EmbedderHash   = "hash"

	SynthOpenAI    = "openai"
	SynthAnthropic = "anthropic"

	StoreSQLite = "sqlite"
	StoreQdrant = "qdrant"
	StoreMemory = "memory"
)

// Config is the full service configuration.
type Config struct {
	Port       string `mapstructure:"port"`
	CORSOrigin string `mapstructure:"cors_origin"`
	LogLevel   string `mapstructure:"log_level"`

	OpenAIAPIKey    string `mapstructure:"openai_api_key"`
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`
	NVDAPIKey       string `mapstructure:"nvd_api_key"`
	NVDURL          string `mapstructure:"nvd_url"`

	Embedder       string `mapstructure:"embedder"`
	EmbeddingModel string `mapstructure:"embedding_model"`
	OllamaURL      string `mapstructure:"ollama_url"`

	Synthesizer string `mapstructure:"synthesizer"`
	ChatModel   string `mapstructure:"chat_model"`

	VectorStore      string `mapstructure:"vector_store"`
	VectorStorePath  string `mapstructure:"vector_store_path"`
	VectorDims       int    `mapstructure:"vector_dims"`
	QdrantAddr       string `mapstructure:"qdrant_addr"`
	QdrantCollection string `mapstructure:"qdrant_collection"`

	Neo4jURL  string `mapstructure:"neo4j_url"`
	Neo4jUser string `mapstructure:"neo4j_user"`
	Neo4jPass string `mapstructure:"neo4j_pass"`
	NATSURL   string `mapstructure:"nats_url"`

	PromptVersion string        `mapstructure:"prompt_version"`
	PromptFile    string        `mapstructure:"prompt_file"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	TopK          int           `mapstructure:"top_k"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	MetricsAddr   string        `mapstructure:"metrics_addr"`
}

var defaults = map[string]any{
	"port":              "8000",
	"cors_origin":       "http://localhost:3000",
	"log_level":         "info",
	"openai_api_key":    "",
	"anthropic_api_key": "",
	"nvd_api_key":       "",
	"nvd_url":           "https://services.nvd.nist.gov/rest/json/cves/2.0",
	"embedder":          EmbedderOpenAI,
	"embedding_model":   "text-embedding-ada-002",
	"ollama_url":        "http://localhost:11434",
	"synthesizer":       SynthOpenAI,
	"chat_model":        "gpt-4",
	"vector_store":      StoreSQLite,
	"vector_store_path": "./threat_db",
	"vector_dims":       1536,
	"qdrant_addr":       "localhost:6334",
	"qdrant_collection": "threat_intelligence",
	"neo4j_url":         "",
	"neo4j_user":        "",
	"neo4j_pass":        "",
	"nats_url":          "",
	"prompt_version":    "v1",
	"prompt_file":       "",
	"retry_attempts":    1,
	"top_k":             5,
	"poll_interval":     "6h",
	"metrics_addr":      ":9091",
}

// Load reads .env from the working directory, then path (or
// ./threatintel.yaml when path is empty and the file exists), then the
// environment. The result is validated.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()
	// The store directory keeps its historical variable name as a fallback.
	if err := v.BindEnv("vector_store_path", "VECTOR_STORE_PATH", "CHROMA_PERSIST_DIR"); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("threatintel")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("config: read: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks backend names and the keys they need.
func (c Config) Validate() error {
	var errs []error
	if !slices.Contains([]string{EmbedderOpenAI, EmbedderOllama, EmbedderHash}, c.Embedder) {
		errs = append(errs, fmt.Errorf("config: unknown embedder %q", c.Embedder))
	}
	if !slices.Contains([]string{SynthOpenAI, SynthAnthropic}, c.Synthesizer) {
		errs = append(errs, fmt.Errorf("config: unknown synthesizer %q", c.Synthesizer))
	}
	if !slices.Contains([]string{StoreSQLite, StoreQdrant, StoreMemory}, c.VectorStore) {
		errs = append(errs, fmt.Errorf("config: unknown vector store %q", c.VectorStore))
	}
	if c.OpenAIAPIKey == "" && (c.Embedder == EmbedderOpenAI || c.Synthesizer == SynthOpenAI) {
		errs = append(errs, errors.New("config: OPENAI_API_KEY is required for the openai backends"))
	}
	if c.AnthropicAPIKey == "" && c.Synthesizer == SynthAnthropic {
		errs = append(errs, errors.New("config: ANTHROPIC_API_KEY is required for the anthropic synthesizer"))
	}
	if c.VectorDims <= 0 {
		errs = append(errs, fmt.Errorf("config: vector_dims must be positive, got %d", c.VectorDims))
	}
	if c.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("config: retry_attempts must be at least 1, got %d", c.RetryAttempts))
	}
	if c.TopK < 1 {
		errs = append(errs, fmt.Errorf("config: top_k must be at least 1, got %d", c.TopK))
	}
	return errors.Join(errs...)
}

// GraphEnabled reports whether a Neo4j URL is configured.
func (c Config) GraphEnabled() bool { return c.Neo4jURL != "" }

// EventsEnabled reports whether a NATS URL is configured.
func (c Config) EventsEnabled() bool { return c.NATSURL != "" }
