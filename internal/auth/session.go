package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"atmosync/internal/clock"
	"atmosync/internal/core"

	"golang.org/x/oauth2"
)

// DefaultTokenURL is the vendor's OAuth2 token endpoint
const DefaultTokenURL = "https://api.netatmo.com/oauth2/token"

// Labels used when registering secrets with the redactor
const (
	LabelClientID     = "CLIENT_ID"
	LabelClientSecret = "CLIENT_SECRET"
	LabelUsername     = "USERNAME"
	LabelPassword     = "PASSWORD"
	LabelAccessToken  = "ACCESS_TOKEN"
	LabelRefreshToken = "REFRESH_TOKEN"
)

// SessionState describes where a session is in its token lifecycle
type SessionState string

const (
	StateUnauthenticated SessionState = "unauthenticated"
	StateValid           SessionState = "valid"
	StateExpired         SessionState = "expired"
)

// Redactor receives every secret the session handles
type Redactor interface {
	Register(value, label string)
	Unregister(value, label string)
}

type noopRedactor struct{}

func (noopRedactor) Register(string, string)   {}
func (noopRedactor) Unregister(string, string) {}

// SessionConfig contains OAuth client settings
type SessionConfig struct {
	ClientID     string
	ClientSecret string
	Scopes       ScopeSet
	TokenURL     string
}

// Session owns the OAuth token lifecycle. Expiry is checked lazily when a
// token is requested; there is no background refresh.
type Session struct {
	mu         sync.Mutex
	oauth      *oauth2.Config
	scopes     ScopeSet
	token      TokenState
	store      TokenStore
	httpClient *http.Client
	redactor   Redactor
	logger     *slog.Logger
	clock      clock.Clock

	username string
	password string
}

// NewSession creates a session. When store holds a persisted token it is
// loaded; a scope mismatch is returned as core.ErrConfigMismatch.
func NewSession(cfg SessionConfig, store TokenStore, httpClient *http.Client, redactor Redactor, logger *slog.Logger, clk clock.Clock) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if redactor == nil {
		redactor = noopRedactor{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}

	scopes := NewScopeSet(cfg.Scopes...)

	redactor.Register(cfg.ClientID, LabelClientID)
	redactor.Register(cfg.ClientSecret, LabelClientSecret)

	s := &Session{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: scopes.Names(),
		},
		scopes:     scopes,
		store:      store,
		httpClient: httpClient,
		redactor:   redactor,
		logger:     logger.With("component", "oauth"),
		clock:      clk,
	}

	if store != nil && store.Exists() {
		state, err := store.Load(scopes)
		if err != nil {
			if errors.Is(err, core.ErrConfigMismatch) {
				s.logger.Error("Scope mismatch between token file and configuration", "error", err)
			}
			return nil, fmt.Errorf("failed to load token: %w", err)
		}
		s.setToken(state)
		s.logger.Info("Loaded persisted token", "expires_at", state.ExpiresAt)
	}

	return s, nil
}

// Authenticate performs a password grant. On failure the session state is
// left unchanged.
func (s *Session) Authenticate(ctx context.Context, username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.redactor.Unregister(s.username, LabelUsername)
	s.redactor.Unregister(s.password, LabelPassword)
	s.username, s.password = username, password
	s.redactor.Register(username, LabelUsername)
	s.redactor.Register(password, LabelPassword)

	s.logger.Info("Requesting access token", "scope", s.scopes.String())

	tok, err := s.oauth.PasswordCredentialsToken(s.oauthContext(ctx), username, password)
	if err != nil {
		err = s.remoteFailure("Access token request failed", err)
		return err
	}

	if err := s.acceptToken(tok); err != nil {
		return err
	}
	s.logger.Info("Access token acquired", "expires_at", s.token.ExpiresAt)
	return nil
}

// AccessToken returns a usable access token, refreshing it first when it has
// expired. Exactly one refresh attempt is made per call.
func (s *Session) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token.AccessToken == "" {
		return "", fmt.Errorf("%w: not authenticated", core.ErrTokenUnavailable)
	}

	if s.token.Expired(s.clock.Now()) {
		s.logger.Info("Access token is expired", "expired_at", s.token.ExpiresAt)
		if err := s.refreshLocked(ctx); err != nil {
			return "", fmt.Errorf("%w: %v", core.ErrTokenUnavailable, err)
		}
	}

	return s.token.AccessToken, nil
}

// Refresh exchanges the refresh token for a new token pair. On failure the
// previous (possibly expired) state is kept so a later access retries.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked(ctx)
}

func (s *Session) refreshLocked(ctx context.Context) error {
	s.logger.Info("Refreshing token")
	if s.token.RefreshToken == "" {
		s.logger.Error("Cannot refresh token: no refresh token")
		return core.ErrTokenUnavailable
	}

	src := s.oauth.TokenSource(s.oauthContext(ctx), &oauth2.Token{RefreshToken: s.token.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) && rErr.ErrorCode == "invalid_grant" {
			s.logger.Error("Refresh token rejected, re-authenticate to continue")
		}
		return s.remoteFailure("Token refresh failed", err)
	}

	if err := s.acceptToken(tok); err != nil {
		return err
	}
	s.logger.Info("Token refreshed", "expires_at", s.token.ExpiresAt)
	return nil
}

// HasScope reports whether the configured scope set grants scope
func (s *Session) HasScope(scope Scope) bool {
	return s.scopes.Includes(scope)
}

// Scopes returns the configured scope set
func (s *Session) Scopes() ScopeSet {
	return append(ScopeSet(nil), s.scopes...)
}

// State returns the lifecycle state at the current time
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.token.AccessToken == "":
		return StateUnauthenticated
	case s.token.Expired(s.clock.Now()):
		return StateExpired
	default:
		return StateValid
	}
}

// Token returns a copy of the current token state
func (s *Session) Token() TokenState {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.token
	t.Scopes = append(ScopeSet(nil), t.Scopes...)
	return t
}

func (s *Session) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
}

// acceptToken records a token response and persists it. A response without
// both tokens is rejected and the current state is kept.
func (s *Session) acceptToken(tok *oauth2.Token) error {
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		s.logger.Error("Token response is missing a token",
			"has_access_token", tok.AccessToken != "",
			"has_refresh_token", tok.RefreshToken != "")
		return fmt.Errorf("%w: token response must carry both access and refresh token", core.ErrRemoteFailure)
	}

	now := s.clock.Now()
	lifetime := tokenLifetime(tok, now)
	if lifetime <= 0 {
		s.logger.Warn("Token response carried no lifetime, treating token as expired")
	}

	s.setToken(TokenState{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		CreatedAt:    now,
		ExpiresAt:    now.Add(lifetime),
		Scopes:       s.scopes,
	})

	if s.store != nil {
		if err := s.store.Save(s.token); err != nil {
			s.logger.Error("Failed to persist token", "error", err)
		}
	}
	return nil
}

// setToken swaps the token pair, keeping the redactor registrations in step
func (s *Session) setToken(state TokenState) {
	s.redactor.Unregister(s.token.AccessToken, LabelAccessToken)
	s.redactor.Unregister(s.token.RefreshToken, LabelRefreshToken)
	s.token = state
	s.redactor.Register(state.AccessToken, LabelAccessToken)
	s.redactor.Register(state.RefreshToken, LabelRefreshToken)
}

// remoteFailure logs a failed token request and wraps it as a remote failure
func (s *Session) remoteFailure(msg string, err error) error {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		status := 0
		if rErr.Response != nil {
			status = rErr.Response.StatusCode
		}
		s.logger.Error(msg, "status_code", status, "body", string(rErr.Body))
		return fmt.Errorf("%w: token endpoint returned status %d: %s", core.ErrRemoteFailure, status, string(rErr.Body))
	}
	s.logger.Error(msg, "error", err)
	return fmt.Errorf("%w: %v", core.ErrRemoteFailure, err)
}

// tokenLifetime reads the server-declared expires_in of a token response
func tokenLifetime(tok *oauth2.Token, now time.Time) time.Duration {
	var seconds int64
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		seconds = int64(v)
	case int64:
		seconds = v
	case int:
		seconds = int64(v)
	case json.Number:
		seconds, _ = v.Int64()
	case string:
		seconds, _ = strconv.ParseInt(v, 10, 64)
	}
	if seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if !tok.Expiry.IsZero() {
		return tok.Expiry.Sub(now).Round(time.Second)
	}
	return 0
}
