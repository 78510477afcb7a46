package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600), "write %s", name)
	return path
}

func TestLoadJSONAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{
		"databases": {"sqlite3": {"dsn": "data/chat.db"}},
		"provider": {"api_key": "sk-test"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "data/chat.db"), cfg.Databases["sqlite3"].DSN, "relative dsn resolved next to the file")

	g := cfg.Generation
	assert.Equal(t, 20, g.MaxContextMessages)
	assert.Equal(t, 800, g.MaxTokens)
	assert.Equal(t, 500, g.DebounceMS)
	assert.Equal(t, 0.7, g.SamplingTemperature())
	assert.Equal(t, DefaultSystemPrompt, g.SystemPrompt)
	assert.Equal(t, DefaultErrorText, g.ErrorText)
	assert.Equal(t, "openai", cfg.Provider.Name)
	assert.Equal(t, "gpt-4o-mini", cfg.Provider.Model)
	assert.Equal(t, ":8090", cfg.BasicConfig.ServerAddress)
}

func TestLoadTOMLExplicitZeroTemperature(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.toml", `
[databases.sqlite3]
dsn = ":memory:"

[provider]
name = "claude"
api_key = "k"
model = "claude-3-5-haiku-latest"

[generation]
temperature = 0.0
debounce_ms = 250
max_context_messages = 5
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":memory:", cfg.Databases["sqlite3"].DSN, "memory dsn must stay untouched")
	assert.Zero(t, cfg.Generation.SamplingTemperature(), "explicit zero temperature overridden")
	assert.EqualValues(t, 250, cfg.Generation.DebounceInterval().Milliseconds())
	assert.Equal(t, 5, cfg.Generation.MaxContextMessages)
}

func TestLoadAPIKeyFromEnv(t *testing.T) {
	t.Setenv("CHATRELAY_TEST_KEY", "from-env")
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{
		"databases": {"sqlite3": {"dsn": ":memory:"}},
		"provider": {"api_key_env": "CHATRELAY_TEST_KEY"}
	}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Provider.APIKey)
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"missing key":     `{"databases": {"sqlite3": {"dsn": ":memory:"}}}`,
		"no database":     `{"provider": {"api_key": "k"}}`,
		"bad provider":    `{"databases": {"sqlite3": {"dsn": ":memory:"}}, "provider": {"name": "nope", "api_key": "k"}}`,
		"negative limit":  `{"databases": {"sqlite3": {"dsn": ":memory:"}}, "provider": {"api_key": "k"}, "generation": {"max_tokens": -1}}`,
		"hot temperature": `{"databases": {"sqlite3": {"dsn": ":memory:"}}, "provider": {"api_key": "k"}, "generation": {"temperature": 3}}`,
		"workers":         `{"databases": {"sqlite3": {"dsn": ":memory:"}}, "provider": {"api_key": "k"}, "basic_config": {"min_workers": 4, "max_workers": 2}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.json", body)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}
