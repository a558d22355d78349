package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"atmosync/internal/clock"
	"atmosync/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// tokenServer is a fake OAuth token endpoint
type tokenServer struct {
	mu            sync.Mutex
	server        *httptest.Server
	forms         []map[string]string
	failRefresh   bool
	failPassword  bool
	omitRefresh   bool
	refreshCount  int
	passwordCount int
	issued        int
}

func newTokenServer(t *testing.T) *tokenServer {
	ts := &tokenServer{}
	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "POST", r.Method)

		ts.mu.Lock()
		defer ts.mu.Unlock()

		form := map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		ts.forms = append(ts.forms, form)

		w.Header().Set("Content-Type", "application/json")
		switch form["grant_type"] {
		case "password":
			ts.passwordCount++
			if ts.failPassword {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error":"invalid_client"}`))
				return
			}
		case "refresh_token":
			ts.refreshCount++
			if ts.failRefresh {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
		default:
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		ts.issued++
		body := map[string]interface{}{
			"access_token":  "access-" + string(rune('0'+ts.issued)),
			"refresh_token": "refresh-" + string(rune('0'+ts.issued)),
			"expires_in":    10800,
			"scope":         []string{"read_station"},
		}
		if ts.omitRefresh {
			delete(body, "refresh_token")
		}
		json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *tokenServer) setFailRefresh(fail bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.failRefresh = fail
}

func (ts *tokenServer) refreshes() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.refreshCount
}

func (ts *tokenServer) lastForm() map[string]string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.forms[len(ts.forms)-1]
}

func newTestSession(t *testing.T, ts *tokenServer, scopes ScopeSet, store TokenStore, clk clock.Clock, redactor Redactor) *Session {
	s, err := NewSession(SessionConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Scopes:       scopes,
		TokenURL:     ts.server.URL,
	}, store, ts.server.Client(), redactor, nil, clk)
	require.NoError(t, err)
	return s
}

func TestSession_Authenticate(t *testing.T) {
	ts := newTokenServer(t)
	clk := clock.NewMockClock(time.Unix(1_700_000_000, 0))
	store := NewFileStore(filepath.Join(t.TempDir(), "token.yaml"))
	scopes := NewScopeSet(ScopeReadThermostat, ScopeReadStation)

	s := newTestSession(t, ts, scopes, store, clk, nil)
	assert.Equal(t, StateUnauthenticated, s.State())

	err := s.Authenticate(context.Background(), "user@example.com", "hunter2")
	require.NoError(t, err)

	form := ts.lastForm()
	assert.Equal(t, "password", form["grant_type"])
	assert.Equal(t, "client-id", form["client_id"])
	assert.Equal(t, "client-secret", form["client_secret"])
	assert.Equal(t, "user@example.com", form["username"])
	assert.Equal(t, "hunter2", form["password"])
	assert.Equal(t, "read_station read_thermostat", form["scope"])

	assert.Equal(t, StateValid, s.State())
	tok := s.Token()
	assert.Equal(t, "access-1", tok.AccessToken)
	assert.Equal(t, "refresh-1", tok.RefreshToken)
	assert.Equal(t, clk.Now(), tok.CreatedAt)
	assert.Equal(t, clk.Now().Add(10800*time.Second), tok.ExpiresAt)

	// Persisted
	loaded, err := store.Load(scopes)
	require.NoError(t, err)
	assert.Equal(t, "access-1", loaded.AccessToken)
}

func TestSession_AuthenticateWithoutScopes(t *testing.T) {
	ts := newTokenServer(t)
	s := newTestSession(t, ts, nil, nil, clock.NewMockClock(time.Unix(1000, 0)), nil)

	require.NoError(t, s.Authenticate(context.Background(), "u", "p"))
	_, hasScope := ts.lastForm()["scope"]
	assert.False(t, hasScope)
}

func TestSession_AuthenticateFailure(t *testing.T) {
	ts := newTokenServer(t)
	ts.failPassword = true
	s := newTestSession(t, ts, nil, nil, clock.NewMockClock(time.Unix(1000, 0)), nil)

	err := s.Authenticate(context.Background(), "u", "bad")
	assert.ErrorIs(t, err, core.ErrRemoteFailure)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, StateUnauthenticated, s.State())

	_, err = s.AccessToken(context.Background())
	assert.ErrorIs(t, err, core.ErrTokenUnavailable)
}

func TestSession_AuthenticateRejectsResponseWithoutRefreshToken(t *testing.T) {
	ts := newTokenServer(t)
	ts.omitRefresh = true
	path := filepath.Join(t.TempDir(), "token.yaml")
	s := newTestSession(t, ts, nil, NewFileStore(path), clock.NewMockClock(time.Unix(1000, 0)), nil)

	err := s.Authenticate(context.Background(), "u", "p")
	assert.ErrorIs(t, err, core.ErrRemoteFailure)
	assert.Equal(t, StateUnauthenticated, s.State())
	assert.Empty(t, s.Token().AccessToken)

	_, err = NewFileStore(path).Load(nil)
	assert.ErrorIs(t, err, ErrTokenFileNotFound)
}

func TestTokenLifetime(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name string
		tok  *oauth2.Token
		want time.Duration
	}{
		{
			name: "expires_in",
			tok:  (&oauth2.Token{AccessToken: "a"}).WithExtra(map[string]interface{}{"expires_in": float64(10800)}),
			want: 3 * time.Hour,
		},
		{
			name: "expiry relative to injected clock",
			tok:  &oauth2.Token{AccessToken: "a", Expiry: now.Add(90 * time.Second)},
			want: 90 * time.Second,
		},
		{
			name: "no lifetime",
			tok:  &oauth2.Token{AccessToken: "a"},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tokenLifetime(tt.tok, now))
		})
	}
}

func TestSession_AccessTokenRefreshesWhenExpired(t *testing.T) {
	ts := newTokenServer(t)
	clk := clock.NewMockClock(time.Unix(1_700_000_000, 0))
	s := newTestSession(t, ts, nil, nil, clk, nil)
	ctx := context.Background()

	require.NoError(t, s.Authenticate(ctx, "u", "p"))

	token, err := s.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)
	assert.Equal(t, 0, ts.refreshes())

	// Exactly at expiry counts as expired
	clk.Advance(10800 * time.Second)
	assert.Equal(t, StateExpired, s.State())

	token, err = s.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-2", token)
	assert.Equal(t, 1, ts.refreshes())

	form := ts.lastForm()
	assert.Equal(t, "refresh_token", form["grant_type"])
	assert.Equal(t, "refresh-1", form["refresh_token"])
	assert.Equal(t, "client-id", form["client_id"])

	tok := s.Token()
	assert.Equal(t, "refresh-2", tok.RefreshToken)
	assert.Equal(t, clk.Now().Add(10800*time.Second), tok.ExpiresAt)
}

func TestSession_RefreshFailureKeepsExpiredState(t *testing.T) {
	ts := newTokenServer(t)
	clk := clock.NewMockClock(time.Unix(1_700_000_000, 0))
	s := newTestSession(t, ts, nil, nil, clk, nil)
	ctx := context.Background()

	require.NoError(t, s.Authenticate(ctx, "u", "p"))
	ts.setFailRefresh(true)
	clk.Advance(4 * time.Hour)

	for i := 1; i <= 3; i++ {
		_, err := s.AccessToken(ctx)
		assert.ErrorIs(t, err, core.ErrTokenUnavailable)
		assert.Equal(t, i, ts.refreshes(), "one refresh attempt per access")
		assert.Equal(t, StateExpired, s.State())
	}

	// Recovery once the endpoint accepts the refresh token again
	ts.setFailRefresh(false)
	token, err := s.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-2", token)
}

func TestSession_RefreshWithoutToken(t *testing.T) {
	ts := newTokenServer(t)
	s := newTestSession(t, ts, nil, nil, nil, nil)

	err := s.Refresh(context.Background())
	assert.ErrorIs(t, err, core.ErrTokenUnavailable)
	assert.Equal(t, 0, ts.refreshes())
}

func TestSession_LoadsPersistedToken(t *testing.T) {
	ts := newTokenServer(t)
	path := filepath.Join(t.TempDir(), "token.yaml")
	store := NewFileStore(path)
	scopes := NewScopeSet(ScopeReadStation)

	created := time.Unix(1_700_000_000, 0)
	require.NoError(t, store.Save(TokenState{
		AccessToken:  "stored-access",
		RefreshToken: "stored-refresh",
		CreatedAt:    created,
		ExpiresAt:    created.Add(time.Hour),
		Scopes:       scopes,
	}))

	clk := clock.NewMockClock(created.Add(time.Minute))
	s := newTestSession(t, ts, scopes, store, clk, nil)

	token, err := s.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "stored-access", token)
	assert.Equal(t, 0, ts.refreshes())
}

func TestSession_ScopeMismatchIsFatal(t *testing.T) {
	ts := newTokenServer(t)
	store := NewFileStore(filepath.Join(t.TempDir(), "token.yaml"))
	created := time.Unix(1_700_000_000, 0)
	require.NoError(t, store.Save(TokenState{
		AccessToken:  "a",
		RefreshToken: "r",
		CreatedAt:    created,
		ExpiresAt:    created.Add(time.Hour),
		Scopes:       NewScopeSet(ScopeReadStation),
	}))

	_, err := NewSession(SessionConfig{
		ClientID: "id",
		Scopes:   NewScopeSet(ScopeReadStation, ScopeReadHomecoach),
		TokenURL: ts.server.URL,
	}, store, nil, nil, nil, nil)
	assert.ErrorIs(t, err, core.ErrConfigMismatch)
}

func TestSession_HasScope(t *testing.T) {
	ts := newTokenServer(t)

	empty := newTestSession(t, ts, nil, nil, nil, nil)
	assert.True(t, empty.HasScope(ScopeReadStation))
	assert.False(t, empty.HasScope(ScopeReadThermostat))

	explicit := newTestSession(t, ts, NewScopeSet(ScopeReadThermostat), nil, nil, nil)
	assert.False(t, explicit.HasScope(ScopeReadStation))
	assert.True(t, explicit.HasScope(ScopeReadThermostat))
}

// fakeRedactor tracks registered values by label
type fakeRedactor struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeRedactor() *fakeRedactor {
	return &fakeRedactor{values: map[string]string{}}
}

func (r *fakeRedactor) Register(value, label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[value] = label
}

func (r *fakeRedactor) Unregister(value, label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.values[value] == label {
		delete(r.values, value)
	}
}

func (r *fakeRedactor) label(value string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.values[value]
}

func TestSession_RedactsCredentials(t *testing.T) {
	ts := newTokenServer(t)
	clk := clock.NewMockClock(time.Unix(1_700_000_000, 0))
	redactor := newFakeRedactor()
	s := newTestSession(t, ts, nil, nil, clk, redactor)
	ctx := context.Background()

	assert.Equal(t, LabelClientSecret, redactor.label("client-secret"))

	require.NoError(t, s.Authenticate(ctx, "user@example.com", "hunter2"))
	assert.Equal(t, LabelAccessToken, redactor.label("access-1"))
	assert.Equal(t, LabelPassword, redactor.label("hunter2"))

	clk.Advance(4 * time.Hour)
	_, err := s.AccessToken(ctx)
	require.NoError(t, err)

	// Old token pair released, new pair registered
	assert.Empty(t, redactor.label("access-1"))
	assert.Empty(t, redactor.label("refresh-1"))
	assert.Equal(t, LabelAccessToken, redactor.label("access-2"))
	assert.Equal(t, LabelRefreshToken, redactor.label("refresh-2"))
}
