package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadParsesValues(t *testing.T) {
	dir := t.TempDir()
	content := `
platform "osx"
cache {
    max-age-minutes 15
}
watch {
    debounce-ms 500
}
suggestions {
    enabled false
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFilename), []byte(content), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "osx", cfg.Platform)
	assert.Equal(t, 15*time.Minute, cfg.CacheMaxAge)
	assert.Equal(t, 500*time.Millisecond, cfg.WatchDebounce)
	assert.False(t, cfg.Suggestions)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFilename), []byte("platform \"bsd\"\n"), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "bsd", cfg.Platform)
	assert.Equal(t, Default().CacheMaxAge, cfg.CacheMaxAge)
	assert.Equal(t, Default().WatchDebounce, cfg.WatchDebounce)
	assert.True(t, cfg.Suggestions)
}

func TestLoadBadSyntaxIsAnError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFilename), []byte("cache {\n"), 0o644))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestCacheDisabledWithZero(t *testing.T) {
	dir := t.TempDir()
	content := "cache {\n    max-age-minutes 0\n}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFilename), []byte(content), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), cfg.CacheMaxAge)
}
