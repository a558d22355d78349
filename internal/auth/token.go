package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"atmosync/internal/core"

	"gopkg.in/yaml.v3"
)

// ErrTokenFileNotFound is returned by Load when nothing was persisted yet
var ErrTokenFileNotFound = errors.New("token file not found")

// TokenState is the credential state owned by a Session
type TokenState struct {
	AccessToken  string
	RefreshToken string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Scopes       ScopeSet
}

// Complete reports whether every field required for persistence is set
func (t TokenState) Complete() bool {
	return t.AccessToken != "" && t.RefreshToken != "" && !t.CreatedAt.IsZero() && !t.ExpiresAt.IsZero()
}

// Expired reports whether the access token is no longer usable at now
func (t TokenState) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// TokenStore defines the interface for token persistence
type TokenStore interface {
	Save(state TokenState) error
	Load(expected ScopeSet) (TokenState, error)
	Exists() bool
}

// FileStore persists tokens as a YAML document
type FileStore struct {
	Path string
}

// NewFileStore creates a token store backed by path
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

type timeRecord struct {
	Timestamp int64  `yaml:"timestamp"`
	Date      string `yaml:"date"`
}

type tokenFile struct {
	AccessToken    string     `yaml:"access_token"`
	RefreshToken   string     `yaml:"refresh_token"`
	CreatedTime    timeRecord `yaml:"created_time"`
	ExpirationTime timeRecord `yaml:"expiration_time"`
	ScopeList      []string   `yaml:"scope_list,omitempty"`
}

// Exists reports whether a token file is present
func (f *FileStore) Exists() bool {
	_, err := os.Stat(f.Path)
	return err == nil
}

// Save writes state to disk. Incomplete state is refused and the existing
// file is left untouched.
func (f *FileStore) Save(state TokenState) error {
	if !state.Complete() {
		return core.ErrPersistenceIncomplete
	}

	doc := tokenFile{
		AccessToken:  state.AccessToken,
		RefreshToken: state.RefreshToken,
		CreatedTime: timeRecord{
			Timestamp: state.CreatedAt.Unix(),
			Date:      state.CreatedAt.String(),
		},
		ExpirationTime: timeRecord{
			Timestamp: state.ExpiresAt.Unix(),
			Date:      state.ExpiresAt.String(),
		},
		ScopeList: NewScopeSet(state.Scopes...).Names(),
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to marshal token file: %w", err)
	}

	dir := filepath.Dir(f.Path)
	tmp, err := os.CreateTemp(dir, ".token-*")
	if err != nil {
		return fmt.Errorf("failed to create temp token file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close token file: %w", err)
	}
	if err := os.Rename(tmpName, f.Path); err != nil {
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	return nil
}

// Load reads the token file. The persisted scope set must equal expected.
func (f *FileStore) Load(expected ScopeSet) (TokenState, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return TokenState{}, ErrTokenFileNotFound
		}
		return TokenState{}, fmt.Errorf("failed to read token file: %w", err)
	}

	var doc tokenFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return TokenState{}, fmt.Errorf("failed to parse token file: %w", err)
	}

	scopes, err := ParseScopeSet(doc.ScopeList)
	if err != nil {
		return TokenState{}, fmt.Errorf("%w: %v", core.ErrConfigMismatch, err)
	}
	if !scopes.Equal(expected) {
		return TokenState{}, fmt.Errorf("%w: file has [%s], configured [%s]", core.ErrConfigMismatch, scopes, NewScopeSet(expected...))
	}

	state := TokenState{
		AccessToken:  doc.AccessToken,
		RefreshToken: doc.RefreshToken,
		CreatedAt:    time.Unix(doc.CreatedTime.Timestamp, 0),
		ExpiresAt:    time.Unix(doc.ExpirationTime.Timestamp, 0),
		Scopes:       scopes,
	}
	if !state.Complete() {
		return TokenState{}, fmt.Errorf("%w: token file %s", core.ErrPersistenceIncomplete, f.Path)
	}
	return state, nil
}
