package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"atmosync/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestFileStore_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		scopes ScopeSet
	}{
		{name: "default scope", scopes: nil},
		{name: "single scope", scopes: NewScopeSet(ScopeReadStation)},
		{name: "several scopes", scopes: NewScopeSet(ScopeReadHomecoach, ScopeReadStation, ScopeWriteThermostat)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewFileStore(filepath.Join(t.TempDir(), "token.yaml"))
			created := time.Date(2024, 3, 1, 12, 30, 15, 500_000_000, time.UTC)
			state := TokenState{
				AccessToken:  "access|abc",
				RefreshToken: "refresh|def",
				CreatedAt:    created,
				ExpiresAt:    created.Add(3 * time.Hour),
				Scopes:       tt.scopes,
			}

			require.NoError(t, store.Save(state))
			assert.True(t, store.Exists())

			loaded, err := store.Load(tt.scopes)
			require.NoError(t, err)
			assert.Equal(t, state.AccessToken, loaded.AccessToken)
			assert.Equal(t, state.RefreshToken, loaded.RefreshToken)
			assert.Equal(t, state.CreatedAt.Unix(), loaded.CreatedAt.Unix())
			assert.Equal(t, state.ExpiresAt.Unix(), loaded.ExpiresAt.Unix())
			assert.True(t, loaded.Scopes.Equal(tt.scopes))
		})
	}
}

func TestFileStore_Format(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.yaml")
	store := NewFileStore(path)
	created := time.Unix(1_700_000_000, 0)

	require.NoError(t, store.Save(TokenState{
		AccessToken:  "a",
		RefreshToken: "r",
		CreatedAt:    created,
		ExpiresAt:    created.Add(time.Hour),
		Scopes:       NewScopeSet(ScopeReadThermostat, ScopeReadStation),
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, yaml.Unmarshal(data, &doc))
	assert.Equal(t, "a", doc["access_token"])
	assert.Equal(t, "r", doc["refresh_token"])
	createdDoc, ok := doc["created_time"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 1_700_000_000, createdDoc["timestamp"])
	assert.NotEmpty(t, createdDoc["date"])
	assert.Equal(t, []interface{}{"read_station", "read_thermostat"}, doc["scope_list"])

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStore_SaveIncomplete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.yaml")
	store := NewFileStore(path)
	created := time.Unix(1_700_000_000, 0)
	full := TokenState{AccessToken: "a", RefreshToken: "r", CreatedAt: created, ExpiresAt: created.Add(time.Hour)}
	require.NoError(t, store.Save(full))

	tests := []struct {
		name  string
		state TokenState
	}{
		{name: "missing access token", state: TokenState{RefreshToken: "r", CreatedAt: created, ExpiresAt: created}},
		{name: "missing refresh token", state: TokenState{AccessToken: "a", CreatedAt: created, ExpiresAt: created}},
		{name: "missing created time", state: TokenState{AccessToken: "a", RefreshToken: "r", ExpiresAt: created}},
		{name: "missing expiration time", state: TokenState{AccessToken: "a", RefreshToken: "r", CreatedAt: created}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Save(tt.state)
			assert.ErrorIs(t, err, core.ErrPersistenceIncomplete)

			// Previous file left untouched
			loaded, err := store.Load(nil)
			require.NoError(t, err)
			assert.Equal(t, "a", loaded.AccessToken)
		})
	}
}

func TestFileStore_LoadScopeMismatch(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "token.yaml"))
	created := time.Unix(1_700_000_000, 0)
	require.NoError(t, store.Save(TokenState{
		AccessToken:  "a",
		RefreshToken: "r",
		CreatedAt:    created,
		ExpiresAt:    created.Add(time.Hour),
		Scopes:       NewScopeSet(ScopeReadStation),
	}))

	for _, expected := range []ScopeSet{
		nil,
		NewScopeSet(ScopeReadThermostat),
		NewScopeSet(ScopeReadStation, ScopeReadThermostat),
	} {
		_, err := store.Load(expected)
		assert.ErrorIs(t, err, core.ErrConfigMismatch, "expected %v", expected)
	}
}

func TestFileStore_LoadMissing(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.False(t, store.Exists())
	_, err := store.Load(nil)
	assert.ErrorIs(t, err, ErrTokenFileNotFound)
}

func TestTokenState_Expired(t *testing.T) {
	now := time.Unix(1000, 0)
	state := TokenState{ExpiresAt: now}
	assert.True(t, state.Expired(now))
	assert.True(t, state.Expired(now.Add(time.Second)))
	assert.False(t, state.Expired(now.Add(-time.Second)))
}
