package token

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

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const googleRevokeURL = "https://oauth2.googleapis.com/revoke"

// ProviderToken is the result of a grant exchange or refresh.
type ProviderToken struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scopes       []string
}

// OAuthClient is the narrow interface to the provider's OAuth endpoints.
type OAuthClient interface {
	// AuthCodeURL builds the consent-screen URL carrying the state nonce.
	AuthCodeURL(state string) string
	// Exchange trades an authorization code for tokens.
	Exchange(ctx context.Context, code string) (*ProviderToken, error)
	// Refresh obtains a new access token from a refresh token.
	Refresh(ctx context.Context, refreshToken string) (*ProviderToken, error)
	// Revoke invalidates a refresh token with the provider.
	Revoke(ctx context.Context, refreshToken string) error
	// MailboxAddress resolves the mailbox address the token is bound to.
	MailboxAddress(ctx context.Context, accessToken string) (string, error)
}

// GoogleOAuthClient implements OAuthClient against Google's OAuth endpoints.
type GoogleOAuthClient struct {
	conf       *oauth2.Config
	httpClient *http.Client
	revokeURL  string
}

// GoogleOAuthConfig carries the application's Google OAuth registration.
type GoogleOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// NewGoogleOAuthClient creates a client for Google's OAuth endpoints.
func NewGoogleOAuthClient(cfg GoogleOAuthConfig) *GoogleOAuthClient {
	return &GoogleOAuthClient{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint:     google.Endpoint,
		},
		httpClient: &http.Client{Timeout: 10 * time.Second},
		revokeURL:  googleRevokeURL,
	}
}

// AuthCodeURL builds the consent URL. offline access and forced consent
// make Google return a refresh token on every authorization.
func (c *GoogleOAuthClient) AuthCodeURL(state string) string {
	return c.conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	)
}

// Exchange trades the authorization code for tokens.
func (c *GoogleOAuthClient) Exchange(ctx context.Context, code string) (*ProviderToken, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := c.conf.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange grant: %w", err)
	}
	return &ProviderToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Scopes:       c.conf.Scopes,
	}, nil
}

// Refresh obtains a fresh access token. A provider-side invalid_grant means
// the refresh token has been revoked or expired and is surfaced as
// ErrCredentialRevoked so the caller can transition the credential.
func (c *GoogleOAuthClient) Refresh(ctx context.Context, refreshToken string) (*ProviderToken, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	src := c.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode == "invalid_grant" {
			return nil, fmt.Errorf("refresh token rejected: %w", ErrCredentialRevoked)
		}
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	return &ProviderToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: refreshToken,
		Expiry:       tok.Expiry,
		Scopes:       c.conf.Scopes,
	}, nil
}

// Revoke invalidates the refresh token with Google. Callers treat failures
// as best-effort; the local state transition is authoritative.
func (c *GoogleOAuthClient) Revoke(ctx context.Context, refreshToken string) error {
	form := url.Values{"token": {refreshToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("revoke returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// MailboxAddress fetches the email bound to the access token from the
// userinfo endpoint. The address keys webhook identity resolution.
func (c *GoogleOAuthClient) MailboxAddress(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://www.googleapis.com/oauth2/v3/userinfo", nil)
	if err != nil {
		return "", fmt.Errorf("create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("userinfo returned %d: %s", resp.StatusCode, string(body))
	}

	var info struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("decode userinfo: %w", err)
	}
	if info.Email == "" {
		return "", fmt.Errorf("userinfo missing email")
	}
	return info.Email, nil
}
