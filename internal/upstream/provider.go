package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrEmptyToken      = errors.New("upstream returned an empty session token")
	ErrNoSessionCookie = errors.New("JSESSIONID not found in cookies")
)

// AuthProvider yields upstream sessions: a session token for the shared
// credential, then a session id for that token.
type AuthProvider interface {
	Authenticate(ctx context.Context) (token string, err error)
	SessionID(ctx context.Context, token string) (string, error)
}

// HTTPAuthProvider talks to the tracking service's session API.
type HTTPAuthProvider struct {
	BaseURL       string
	Username      string
	Password      string
	SessionExpiry time.Duration
	HTTP          *http.Client

	now func() time.Time
}

func NewHTTPAuthProvider(baseURL, username, password string, expiry, timeout time.Duration) *HTTPAuthProvider {
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &HTTPAuthProvider{
		BaseURL:       strings.TrimSuffix(baseURL, "/"),
		Username:      username,
		Password:      password,
		SessionExpiry: expiry,
		HTTP:          &http.Client{Timeout: timeout},
		now:           time.Now,
	}
}

// Authenticate exchanges the credential for a session token. The service
// answers either {"token": "..."} or the bare token text.
func (p *HTTPAuthProvider) Authenticate(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/api/session/token", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(p.Username, p.Password)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("expiration", p.now().Add(p.SessionExpiry).UTC().Format("2006-01-02T15:04:05.000Z"))
	resp, err := p.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("authenticate: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("authenticate: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("authenticate: unexpected status %d: %s", resp.StatusCode, snippet(body))
	}
	tok := parseToken(body)
	if tok == "" {
		return "", ErrEmptyToken
	}
	return tok, nil
}

func parseToken(body []byte) string {
	var obj struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &obj); err == nil && obj.Token != "" {
		return obj.Token
	}
	var s string
	if err := json.Unmarshal(body, &s); err == nil {
		return strings.TrimSpace(s)
	}
	text := strings.TrimSpace(string(body))
	if strings.HasPrefix(text, "{") {
		return ""
	}
	return text
}

// SessionID opens a session for token and returns its JSESSIONID cookie.
func (p *HTTPAuthProvider) SessionID(ctx context.Context, token string) (string, error) {
	u := p.BaseURL + "/api/session?token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := p.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("session: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", fmt.Errorf("session: unexpected status %d: %s", resp.StatusCode, snippet(body))
	}
	for _, c := range resp.Cookies() {
		if c.Name == "JSESSIONID" && c.Value != "" {
			return c.Value, nil
		}
	}
	return "", ErrNoSessionCookie
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
