package provider

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiw-dev/aiw/pkg/config"
)

func TestLoadFromMissingFileIsEmpty(t *testing.T) {
	store, err := LoadFrom(filepath.Join(t.TempDir(), "providers.json"))
	require.NoError(t, err)
	assert.Empty(t, store.Names())

	_, err = store.Get("anything")
	assert.ErrorIs(t, err, config.ErrProviderNotFound)
}

func TestLoadFromParsesProviders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"my-relay": {
			"aiType": "claude",
			"env": {"ANTHROPIC_BASE_URL": "https://relay.example.com"}
		}
	}`), 0o644))

	store, err := LoadFrom(path)
	require.NoError(t, err)

	p, err := store.Get("my-relay")
	require.NoError(t, err)
	assert.Equal(t, "claude", p.AIType)
	assert.Equal(t, "https://relay.example.com", p.Env["ANTHROPIC_BASE_URL"])
}

func TestLoadFromRejectsInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o644))

	_, err := LoadFrom(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidJSON)
}
