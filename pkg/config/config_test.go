package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate runs the test from an empty directory so no stray .env or
// threatintel.yaml is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8000", cfg.Port)
	assert.Equal(t, "http://localhost:3000", cfg.CORSOrigin)
	assert.Equal(t, EmbedderOpenAI, cfg.Embedder)
	assert.Equal(t, "text-embedding-ada-002", cfg.EmbeddingModel)
	assert.Equal(t, StoreSQLite, cfg.VectorStore)
	assert.Equal(t, "./threat_db", cfg.VectorStorePath)
	assert.Equal(t, 1536, cfg.VectorDims)
	assert.Equal(t, "threat_intelligence", cfg.QdrantCollection)
	assert.Equal(t, 1, cfg.RetryAttempts)
	assert.Equal(t, 5, cfg.TopK)
	assert.Equal(t, 6*time.Hour, cfg.PollInterval)
	assert.Equal(t, "https://services.nvd.nist.gov/rest/json/cves/2.0", cfg.NVDURL)
	assert.Equal(t, ":9091", cfg.MetricsAddr)
	assert.False(t, cfg.GraphEnabled())
	assert.False(t, cfg.EventsEnabled())
}

func TestLoadEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("EMBEDDER", "hash")
	t.Setenv("SYNTHESIZER", "anthropic")
	t.Setenv("ANTHROPIC_API_KEY", "ak-test")
	t.Setenv("VECTOR_STORE", "memory")
	t.Setenv("VECTOR_DIMS", "256")
	t.Setenv("TOP_K", "3")
	t.Setenv("NEO4J_URL", "neo4j://graph:7687")
	t.Setenv("NATS_URL", "nats://bus:4222")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, EmbedderHash, cfg.Embedder)
	assert.Equal(t, SynthAnthropic, cfg.Synthesizer)
	assert.Equal(t, 256, cfg.VectorDims)
	assert.Equal(t, 3, cfg.TopK)
	assert.True(t, cfg.GraphEnabled())
	assert.True(t, cfg.EventsEnabled())
}

func TestLoadStorePathAlias(t *testing.T) {
	isolate(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("CHROMA_PERSIST_DIR", "/data/chroma")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/data/chroma", cfg.VectorStorePath)

	t.Setenv("VECTOR_STORE_PATH", "/data/vectors")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "/data/vectors", cfg.VectorStorePath)
}

func TestLoadDotEnv(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("OPENAI_API_KEY=from-dotenv\nPORT=9000\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("OPENAI_API_KEY")
		os.Unsetenv("PORT")
	})

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.OpenAIAPIKey)
	assert.Equal(t, "9000", cfg.Port)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("embedder: hash\nsynthesizer: openai\nopenai_api_key: sk-file\nvector_store: qdrant\npoll_interval: 15m\n"), 0o600))
	t.Setenv("VECTOR_STORE", "memory")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, EmbedderHash, cfg.Embedder)
	assert.Equal(t, "sk-file", cfg.OpenAIAPIKey)
	assert.Equal(t, StoreMemory, cfg.VectorStore, "environment wins over the file")
	assert.Equal(t, 15*time.Minute, cfg.PollInterval)
}

func TestLoadDefaultYAMLFile(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "threatintel.yaml"), []byte("embedder: hash\nsynthesizer: anthropic\nanthropic_api_key: ak\n"), 0o600))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, SynthAnthropic, cfg.Synthesizer)
}

func TestLoadMissingFile(t *testing.T) {
	isolate(t)
	_, err := Load("does-not-exist.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := Config{
		Embedder: EmbedderHash, Synthesizer: SynthAnthropic, AnthropicAPIKey: "ak",
		VectorStore: StoreMemory, VectorDims: 8, RetryAttempts: 1, TopK: 5,
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name string
		mut  func(*Config)
		msg  string
	}{
		{"embedder", func(c *Config) { c.Embedder = "bert" }, "unknown embedder"},
		{"synthesizer", func(c *Config) { c.Synthesizer = "llama" }, "unknown synthesizer"},
		{"store", func(c *Config) { c.VectorStore = "chroma" }, "unknown vector store"},
		{"openai key", func(c *Config) { c.Embedder = EmbedderOpenAI }, "OPENAI_API_KEY"},
		{"anthropic key", func(c *Config) { c.AnthropicAPIKey = "" }, "ANTHROPIC_API_KEY"},
		{"dims", func(c *Config) { c.VectorDims = 0 }, "vector_dims"},
		{"retries", func(c *Config) { c.RetryAttempts = 0 }, "retry_attempts"},
		{"top k", func(c *Config) { c.TopK = 0 }, "top_k"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mut(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}
