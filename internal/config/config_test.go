package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"apiKey": "secret"}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultRegion, cfg.Region)
	assert.Equal(t, TLSBackendRustls, cfg.TLSBackend)
	assert.Equal(t, AuthTypeAPIKey, cfg.CountTokensAuthType)
}

func TestLoadRejectsMissingAPIKey(t *testing.T) {
	path := writeConfig(t, `{"region": "us-west-2"}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownTLSBackend(t *testing.T) {
	path := writeConfig(t, `{"apiKey": "secret", "tlsBackend": "openssl"}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := writeConfig(t, `{not json`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestLoadRejectsMalformedProxyURL(t *testing.T) {
	path := writeConfig(t, `{"apiKey": "secret", "proxyUrl": "not a url"}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadAcceptsValidProxyURL(t *testing.T) {
	path := writeConfig(t, `{"apiKey": "secret", "proxyUrl": "http://proxy.internal:3128"}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://proxy.internal:3128", cfg.ProxyURL)
}

func TestAddrDefaults(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
}

func TestAddrExplicit(t *testing.T) {
	cfg := &Config{Host: "127.0.0.1", Port: 9001}
	assert.Equal(t, "127.0.0.1:9001", cfg.Addr())
}
