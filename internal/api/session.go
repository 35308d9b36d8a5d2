package api

import (
	"context"
	"net/http"
)

// Login exchanges credentials for a token pair. Unauthenticated.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResult, error) {
	body := map[string]string{"email": email, "password": password}
	var out LoginResult
	err := c.doJSON(ctx, http.MethodPost, "/login", "", body, &out)
	return out, err
}

// Register creates an account. Unauthenticated.
func (c *Client) Register(ctx context.Context, username, email, password string) error {
	body := map[string]string{"username": username, "email": email, "password": password}
	return c.doJSON(ctx, http.MethodPost, "/register", "", body, nil)
}

// Refresh trades the refresh token for a fresh access token. The refresh
// token itself is the bearer here.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (string, error) {
	var out struct {
		AccessToken string `json:"access_token"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/refresh", refreshToken, nil, &out)
	return out.AccessToken, err
}

// LogoutRemote revokes the current access token server-side. Local teardown
// still belongs to the session guard.
func (c *Client) LogoutRemote(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/logout", c.bearer(), nil, nil)
}
