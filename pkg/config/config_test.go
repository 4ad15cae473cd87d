package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadFrom(viper.New())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, "hash", cfg.Embedding.Provider)
	assert.Equal(t, "sqlite", cfg.Vector.Backend)
	assert.Equal(t, 3, cfg.Retrieval.NResults)
	assert.Equal(t, []string{"aesop_fables", "indian_tales", "animated_movies", "animal_facts"}, cfg.Retrieval.Collections)
	assert.Equal(t, "rag_research", cfg.Research.OutputDir)
	assert.Equal(t, 10*time.Second, cfg.Retrieval.Timeout())
	assert.Equal(t, time.Minute, cfg.LLM.Timeout())
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
llm:
  provider: anthropic
  model: claude-3-5-haiku-latest
vector:
  backend: qdrant
retrieval:
  nResults: 5
`), 0o644))
	t.Setenv("STORY_RAG_SERVER_PORT", "9090")

	cfg, err := LoadFrom(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, "qdrant", cfg.Vector.Backend)
	assert.Equal(t, 5, cfg.Retrieval.NResults)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
	}{
		{"vector backend", "vector.backend", "cassandra"},
		{"llm provider", "llm.provider", "llama"},
		{"embedding provider", "embedding.provider", "word2vec"},
		{"n results", "retrieval.nResults", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			v := viper.New()
			v.Set(tt.key, tt.val)

			_, err := LoadFrom(v)
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("llm: [unclosed"), 0o644))

	_, err := LoadFrom(viper.New())
	assert.Error(t, err)
}
