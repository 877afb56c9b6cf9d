package cli

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/lexledger/internal/model"
)

func TestFlatten(t *testing.T) {
	tree := map[string]any{
		"store": map[string]any{"driver": "sqlite", "dsn": "x.db"},
		"empty": map[string]any{},
		"top":   1,
	}
	got := map[string]any{}
	flatten("", tree, func(k string, v any) { got[k] = v })

	assert.Equal(t, map[string]any{
		"store.driver": "sqlite",
		"store.dsn":    "x.db",
		"empty":        map[string]any{},
		"top":          1,
	}, got)
}

func TestSetDefaults_EnvOverridesNestedKey(t *testing.T) {
	v := viper.New()
	require.NoError(t, setDefaults(v, model.DefaultConfig()))
	v.SetEnvPrefix("LEXLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	t.Setenv("LEXLEDGER_QUEUE_MAX_ATTEMPTS", "9")
	t.Setenv("LEXLEDGER_SERVER_ADDR", ":9999")

	cfg := model.DefaultConfig()
	require.NoError(t, v.Unmarshal(cfg))

	def := model.DefaultConfig()
	assert.Equal(t, 9, cfg.Queue.MaxAttempts)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, def.Store.Driver, cfg.Store.Driver)
	assert.Equal(t, def.Queue.BaseBackoff, cfg.Queue.BaseBackoff)
	assert.Equal(t, def.Extraction.MaxAttempts, cfg.Extraction.MaxAttempts)
}

func TestApplyAPIKeyEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OLLAMA_BASE_URL", "http://ollama:11434")

	cfg := model.DefaultConfig()
	cfg.LLM.Provider = "openai"
	applyAPIKeyEnv(cfg)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)

	cfg = model.DefaultConfig()
	cfg.LLM.Provider = "openai"
	cfg.LLM.APIKey = "from-file"
	applyAPIKeyEnv(cfg)
	assert.Equal(t, "from-file", cfg.LLM.APIKey)

	cfg = model.DefaultConfig()
	cfg.LLM.Provider = "ollama"
	applyAPIKeyEnv(cfg)
	assert.Equal(t, "http://ollama:11434", cfg.LLM.BaseURL)
}
