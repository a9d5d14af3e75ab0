package authclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"modelchat/pkg/domain"
)

// Client calls the external auth service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs an auth service client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// TokenResponse is the auth service login payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
}

// Login exchanges credentials for tokens via POST /auth/token (form-encoded).
func (c *Client) Login(ctx context.Context, username, password string) (TokenResponse, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return TokenResponse{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TokenResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return TokenResponse{}, &APIError{Status: resp.StatusCode, Message: "login failed"}
	}
	var tokens TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return TokenResponse{}, err
	}
	return tokens, nil
}

// VerifyToken validates the bearer credential and returns the current user
// via GET /auth/verify.
func (c *Client) VerifyToken(ctx context.Context, token string) (domain.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/verify", nil)
	if err != nil {
		return domain.Identity{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Identity{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return domain.Identity{}, &APIError{Status: resp.StatusCode, Message: resp.Status}
	}
	var identity domain.Identity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return domain.Identity{}, err
	}
	return identity, nil
}

// ResolveIdentity collapses every verification failure to nil. Unauthenticated
// is a resolution outcome here, not an error: callers only branch on presence.
// Safe to call redundantly within one request.
func (c *Client) ResolveIdentity(ctx context.Context, token string) *domain.Identity {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	identity, err := c.VerifyToken(ctx, token)
	if err != nil {
		slog.Debug("identity resolution failed", "err", err)
		return nil
	}
	if identity.ID == "" || !identity.IsActive {
		return nil
	}
	return &identity
}

// APIError represents an auth service error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}
