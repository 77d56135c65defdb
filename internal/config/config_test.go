package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "http://localhost:8080", cfg.API.BaseURL)
	assert.Equal(t, 3, cfg.API.TopK)
	assert.Equal(t, 30*time.Second, cfg.API.Timeout)
	assert.Equal(t, "mouthOpen", cfg.Avatar.MorphTarget)
	assert.Equal(t, 256, cfg.LipSync.FFTSize)
	assert.Equal(t, "en-US", cfg.Speech.Language)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  base_url: http://backend:9000
  timeout: 5s
avatar:
  frame_rate: 30
`), 0644))

	t.Setenv("NEXT_PUBLIC_API_SECRET_KEY", "s3cret")
	t.Setenv("VIRTUALME_SPEECH_LANGUAGE", "en-GB")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://backend:9000", cfg.API.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.API.Timeout)
	assert.Equal(t, "s3cret", cfg.API.Key)
	assert.Equal(t, "en-GB", cfg.Speech.Language)
	assert.Equal(t, 30, cfg.Avatar.FrameRate)
	assert.Equal(t, time.Second/30, cfg.Avatar.FramePeriod())
	// untouched defaults survive
	assert.Equal(t, 3, cfg.API.TopK)
}

func TestLoad_FrontendBaseURLEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0644))
	t.Setenv("NEXT_PUBLIC_API_BASE", "https://api.example.com")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", cfg.API.BaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api:\n  top_k: 0\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestValidate_SpeechBinsBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LipSync.SpeechBins = 200
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.API.TopK = 5
	cfg.Server.AllowedOrigins = []string{"https://me.dev"}

	written, err := Save(cfg, path)
	require.NoError(t, err)
	assert.Equal(t, path, written)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.API.TopK)
	assert.Equal(t, []string{"https://me.dev"}, loaded.Server.AllowedOrigins)
	assert.Equal(t, cfg.API.Timeout, loaded.API.Timeout)
}
