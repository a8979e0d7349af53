package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "9191")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 9191, cfg.Port)
	assert.True(t, cfg.BroadcastTranscripts)
	assert.Equal(t, 5120, cfg.BroadcastTranscriptsMax)
	assert.Equal(t, []string{"openai", "deepgram", "gemini", "dummy"}, cfg.ProvidersPriority)
	assert.Equal(t, "sk-test", cfg.OpenAI.APIKey)
	assert.Equal(t, 16000, cfg.Deepgram.SampleRate)
}

func TestAvailableProviders(t *testing.T) {
	t.Setenv("PORT", "9191")
	t.Setenv("DEEPGRAM_API_KEY", "dg-key")
	t.Setenv("ENABLE_DUMMY_PROVIDER", "true")

	cfg, err := Load()
	require.NoError(t, err)

	avail := cfg.AvailableProviders()
	assert.Equal(t, []string{"deepgram", "dummy"}, avail)
}

func TestHasCredentials(t *testing.T) {
	t.Setenv("PORT", "9191")
	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.HasCredentials("openai"))
	assert.False(t, cfg.HasCredentials("unknown-provider"))
}
