package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "0.0.0.0", cfg.BindIP)
	assert.Equal(t, 100, cfg.DefaultChannel.CacheLength)
}

func TestLoad_ParsesChannelsAndCIDR(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"port": 9000, "enablePost": true, "allowUndefinedChannels": true},
		"channels": {
			"news": {"cacheLength": 50, "allowedPublishers": ["10.0.0.0/8"]}
		}
	}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.True(t, cfg.EnablePost)
	assert.True(t, cfg.AllowUndefinedChannels)

	news, ok := cfg.Channels["news"]
	require.True(t, ok)
	assert.Equal(t, 50, news.CacheLength)
	require.Len(t, news.AllowedPublishers, 1)
	assert.True(t, news.AllowedPublishers[0].Contains(net.ParseIP("10.1.2.3")))
}

func TestLoad_RejectsSchemaViolation(t *testing.T) {
	path := writeConfig(t, `{"server": {"port": "not-a-number"}}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsInvalidCIDR(t *testing.T) {
	path := writeConfig(t, `{"channels": {"news": {"allowedPublishers": ["not-a-cidr"]}}}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
