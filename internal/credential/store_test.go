package credential

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWrapsLegacySingleObjectFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"refreshToken":"r1","authMethod":"builder-id"}`), 0o600))

	creds, err := Load(path)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, int64(1), creds[0].ID)
	assert.Equal(t, AuthMethodIDC, creds[0].AuthMethod)
}

func TestLoadNormalizesLegacyAuthMethodsInArray(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id":1,"refreshToken":"a","authMethod":"iam"},
		{"id":2,"refreshToken":"b","authMethod":"social"}
	]`), 0o600))

	creds, err := Load(path)
	require.NoError(t, err)
	require.Len(t, creds, 2)
	assert.Equal(t, AuthMethodIDC, creds[0].AuthMethod)
	assert.Equal(t, AuthMethodSocial, creds[1].AuthMethod)
}

func TestWriteBackPersistsPoolStateAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte(`[]`), 0o600))

	store := NewFileStore(path)
	pool := NewPool([]*Credential{{ID: 1, RefreshToken: "r", AuthMethod: AuthMethodSocial, Priority: 3}}, PoolConfig{Store: store})
	store.SetPool(pool)

	pool.SetPriority(1, 7)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var records []record
	require.NoError(t, json.Unmarshal(data, &records))
	require.Len(t, records, 1)
	assert.Equal(t, 7, records[0].Priority)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp", "temp file must be renamed away, not left behind")
	}
}
