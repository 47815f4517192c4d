package vbr

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AuthState is the token lifecycle state.
type AuthState string

const (
	StateNoToken    AuthState = "no_token"
	StateValid      AuthState = "valid"
	StateExpired    AuthState = "expired"
	StateRefreshing AuthState = "refreshing"
	StateFailed     AuthState = "failed"
)

// AuthError indicates both refresh and full re-login failed. Upstream calls
// will keep failing until credentials are fixed.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Reason
}

// TokenState is the persisted token triple. The file layout matches what the
// appliance tooling expects: absolute expiry, not expires_in.
type TokenState struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"token_expiry"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// SessionConfig configures the upstream credential session.
type SessionConfig struct {
	BaseURL       string
	Username      string
	Password      string
	APIVersion    string
	TLSVerify     bool
	TokenFilePath string
	Timeout       time.Duration
}

// Session owns the bearer-credential lifecycle against the upstream token
// endpoint: acquisition, expiry tracking, and refresh with re-login fallback.
// It is safe for concurrent use.
type Session struct {
	cfg        SessionConfig
	tokenURL   string
	httpClient *http.Client
	logger     *zap.Logger

	mu    sync.Mutex
	state AuthState
	token TokenState

	// Now is injected for deterministic tests.
	Now func() time.Time
}

// NewSession creates a session and loads any still-valid persisted token.
func NewSession(cfg SessionConfig, logger *zap.Logger) (*Session, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("upstream base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse upstream base url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	session := &Session{
		cfg:        cfg,
		tokenURL:   base + "/api/oauth2/token",
		httpClient: &http.Client{Timeout: timeout, Transport: NewTransport(cfg.TLSVerify)},
		logger:     logger,
		state:      StateNoToken,
		Now:        time.Now,
	}
	session.loadPersisted()
	return session, nil
}

// NewTransport returns an HTTP transport honoring the TLS verification toggle.
func NewTransport(tlsVerify bool) http.RoundTripper {
	if tlsVerify {
		return http.DefaultTransport
	}
	return &http.Transport{
		//nolint:gosec // Appliances commonly run self-signed certificates; toggle is explicit config.
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
}

// State reports the current lifecycle state.
func (s *Session) State() AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Token returns a valid access token, acquiring or refreshing as needed.
// Expiry is evaluated lazily: a token is expired strictly when now >= expiry.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token.AccessToken != "" && s.Now().Unix() < s.token.ExpiresAt {
		s.state = StateValid
		return s.token.AccessToken, nil
	}

	if s.token.AccessToken != "" {
		s.state = StateExpired
	}
	return s.renewLocked(ctx)
}

// Invalidate marks token as rejected by the upstream so the next Token call
// renews it. A stale token (already replaced) is ignored.
func (s *Session) Invalidate(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token != "" && token == s.token.AccessToken {
		s.token.ExpiresAt = 0
		s.state = StateExpired
	}
}

// Cleanup deletes the persisted token state.
func (s *Session) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = TokenState{}
	s.state = StateNoToken
	if s.cfg.TokenFilePath == "" {
		return nil
	}
	if err := os.Remove(s.cfg.TokenFilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove token file: %w", err)
	}
	return nil
}

// renewLocked refreshes with the stored refresh token, falling back to a full
// re-login before declaring failure. Caller holds s.mu.
func (s *Session) renewLocked(ctx context.Context) (string, error) {
	s.state = StateRefreshing

	if s.token.RefreshToken != "" {
		err := s.grantLocked(ctx, url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {s.token.RefreshToken},
		})
		if err == nil {
			return s.token.AccessToken, nil
		}
		s.logger.Warn("token refresh failed, falling back to re-login", zap.Error(err))
	}

	if err := s.grantLocked(ctx, url.Values{
		"grant_type": {"password"},
		"username":   {s.cfg.Username},
		"password":   {s.cfg.Password},
	}); err != nil {
		s.state = StateFailed
		return "", &AuthError{Reason: err.Error()}
	}
	return s.token.AccessToken, nil
}

func (s *Session) grantLocked(ctx context.Context, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-version", s.cfg.APIVersion)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("token request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return fmt.Errorf("token endpoint returned empty access token")
	}

	expiresIn := parsed.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	s.token = TokenState{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		ExpiresAt:    s.Now().Unix() + expiresIn,
	}
	s.state = StateValid
	s.persistLocked()

	s.logger.Info("upstream token acquired",
		zap.String("grant_type", form.Get("grant_type")),
		zap.Time("expires_at", time.Unix(s.token.ExpiresAt, 0)),
	)
	return nil
}

// persistLocked writes token state so a restart can reuse a still-valid token.
func (s *Session) persistLocked() {
	if s.cfg.TokenFilePath == "" {
		return
	}
	payload, err := json.Marshal(s.token)
	if err != nil {
		return
	}
	if err := os.WriteFile(s.cfg.TokenFilePath, payload, 0o600); err != nil {
		s.logger.Warn("failed to persist token state", zap.Error(err))
	}
}

func (s *Session) loadPersisted() {
	if s.cfg.TokenFilePath == "" {
		return
	}
	payload, err := os.ReadFile(s.cfg.TokenFilePath)
	if err != nil {
		return
	}

	var token TokenState
	if err := json.Unmarshal(payload, &token); err != nil {
		s.logger.Warn("ignoring unreadable token file", zap.Error(err))
		return
	}
	if token.AccessToken == "" {
		return
	}

	s.token = token
	if s.Now().Unix() < token.ExpiresAt {
		s.state = StateValid
		s.logger.Info("reusing persisted upstream token", zap.Time("expires_at", time.Unix(token.ExpiresAt, 0)))
		return
	}
	s.state = StateExpired
}
