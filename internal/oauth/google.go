package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultGoogleAuthURL  = "https://accounts.google.com/o/oauth2/v2/auth"
	defaultGoogleTokenURL = "https://oauth2.googleapis.com/token"
	defaultGoogleRevokeURL = "https://oauth2.googleapis.com/revoke"
	defaultTimeout         = 30 * time.Second
)

// GoogleConfig configures a Google OAuth2 provider.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string // defaults to defaultGoogleAuthURL
	TokenURL     string // defaults to defaultGoogleTokenURL
	RevokeURL    string // defaults to defaultGoogleRevokeURL
	Scopes       []string
	Timeout      time.Duration // defaults to 30s
}

type googleProvider struct {
	cfg    GoogleConfig
	client *http.Client
}

// NewGoogle constructs a Google OAuth2 Provider.
func NewGoogle(cfg GoogleConfig) Provider {
	if cfg.AuthURL == "" {
		cfg.AuthURL = defaultGoogleAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultGoogleTokenURL
	}
	if cfg.RevokeURL == "" {
		cfg.RevokeURL = defaultGoogleRevokeURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &googleProvider{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			},
		},
	}
}

func (g *googleProvider) Name() string { return "google" }

func (g *googleProvider) DefaultScopes() []string { return g.cfg.Scopes }

func (g *googleProvider) AuthorizeURL(redirectURI string, scopes []string, state string) string {
	if len(scopes) == 0 {
		scopes = g.cfg.Scopes
	}
	q := url.Values{
		"client_id":     {g.cfg.ClientID},
		"redirect_uri":  {redirectURI},
		"response_type": {"code"},
		"access_type":   {"offline"},
		"prompt":        {"consent"},
		"scope":         {strings.Join(scopes, " ")},
		"state":         {state},
	}
	return g.cfg.AuthURL + "?" + q.Encode()
}

// tokenResponse is the shape of Google's token endpoint response, shared
// by the authorization-code exchange and the refresh-token flow.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

func (g *googleProvider) ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenResult, error) {
	form := url.Values{
		"client_id":     {g.cfg.ClientID},
		"client_secret": {g.cfg.ClientSecret},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"grant_type":    {"authorization_code"},
	}
	resp, err := g.post(ctx, g.cfg.TokenURL, form)
	if err != nil {
		return nil, fmt.Errorf("oauth: google exchange code: %w", err)
	}
	return newTokenResult(resp, nil), nil
}

// Refresh exchanges refreshToken for a new access token and preserves the
// old refresh token if the response omits one. It has no record of the
// previously granted scopes, so the result carries only the scopes the
// response lists; the broker's refresh path merges them with the stored
// scopes.
func (g *googleProvider) Refresh(ctx context.Context, refreshToken string) (*TokenResult, error) {
	form := url.Values{
		"client_id":     {g.cfg.ClientID},
		"client_secret": {g.cfg.ClientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}
	resp, err := g.post(ctx, g.cfg.TokenURL, form)
	if err != nil {
		return nil, fmt.Errorf("oauth: google refresh: %w", err)
	}

	result := newTokenResult(resp, nil)
	if result.RefreshToken == "" {
		result.RefreshToken = refreshToken
	}
	return result, nil
}

func (g *googleProvider) Revoke(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("oauth: build revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("oauth: revoke request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("oauth: revoke returned status %d: %s", resp.StatusCode, body)
	}
	return nil
}

func (g *googleProvider) post(ctx context.Context, endpoint string, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("%s: %s", parsed.Error, parsed.ErrorDesc)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}
	return &parsed, nil
}

func newTokenResult(resp *tokenResponse, previousScopes []string) *TokenResult {
	var scopes []string
	if resp.Scope != "" {
		scopes = strings.Fields(resp.Scope)
	}
	scopes = unionScopes(previousScopes, scopes)

	return &TokenResult{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    resp.TokenType,
		Expiry:       time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
		Scopes:       scopes,
	}
}

// unionScopes returns the set union of old and fresh scopes, preferring
// fresh's ordering. When fresh is empty the old set is returned
// unchanged (the upstream response omitted scope entirely).
func unionScopes(old, fresh []string) []string {
	if len(fresh) == 0 {
		return old
	}
	seen := make(map[string]bool, len(fresh)+len(old))
	out := make([]string, 0, len(fresh)+len(old))
	for _, s := range fresh {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range old {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
