package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credentials yields an API token for a repository ("owner/repo").
type Credentials interface {
	Token(ctx context.Context, repo string) (string, error)
}

// StaticToken is a personal access token used for every repository.
type StaticToken string

// Token implements Credentials.
func (t StaticToken) Token(context.Context, string) (string, error) {
	if t == "" {
		return "", errors.New("github token is empty")
	}
	return string(t), nil
}

// AppAuth authenticates as a GitHub App and exchanges its JWT for
// per-installation tokens, cached until shortly before they expire.
type AppAuth struct {
	AppID      string
	PrivateKey string
	// BaseURL is the REST API root. Defaults to https://api.github.com/.
	BaseURL    string
	HTTPClient *http.Client

	now   func() time.Time
	mu    sync.Mutex
	cache map[string]InstallationToken
}

// InstallationToken represents a GitHub App installation access token
type InstallationToken struct {
	Token     string
	ExpiresAt time.Time
}

// tokenRefreshMargin is how long before expiry a cached token is replaced.
const tokenRefreshMargin = time.Minute

// GenerateJWT creates a JWT token for GitHub App authentication
func (a *AppAuth) GenerateJWT() (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(a.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("failed to parse private key: %w", err)
	}

	appID, err := strconv.ParseInt(a.AppID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid app ID: %w", err)
	}

	// Backdate to tolerate clock drift between us and GitHub.
	now := a.clock()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
		Issuer:    strconv.FormatInt(appID, 10),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign JWT: %w", err)
	}
	return signed, nil
}

// Token implements Credentials.
func (a *AppAuth) Token(ctx context.Context, repo string) (string, error) {
	a.mu.Lock()
	if tok, ok := a.cache[repo]; ok && a.clock().Add(tokenRefreshMargin).Before(tok.ExpiresAt) {
		a.mu.Unlock()
		return tok.Token, nil
	}
	a.mu.Unlock()

	tok, err := a.GetInstallationToken(ctx, repo)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	if a.cache == nil {
		a.cache = make(map[string]InstallationToken)
	}
	a.cache[repo] = *tok
	a.mu.Unlock()
	return tok.Token, nil
}

// GetInstallationToken gets a fresh installation access token for a repository
func (a *AppAuth) GetInstallationToken(ctx context.Context, repo string) (*InstallationToken, error) {
	jwtToken, err := a.GenerateJWT()
	if err != nil {
		return nil, err
	}

	installationID, err := a.getInstallationID(ctx, jwtToken, repo)
	if err != nil {
		return nil, err
	}

	return a.getInstallationAccessToken(ctx, jwtToken, installationID)
}

func (a *AppAuth) getInstallationID(ctx context.Context, jwtToken, repo string) (int64, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return 0, fmt.Errorf("invalid repo format: %s (expected owner/repo)", repo)
	}

	var result struct {
		ID int64 `json:"id"`
	}
	path := fmt.Sprintf("repos/%s/%s/installation", owner, name)
	if err := a.call(ctx, http.MethodGet, path, jwtToken, http.StatusOK, &result); err != nil {
		return 0, fmt.Errorf("failed to get installation: %w", err)
	}
	return result.ID, nil
}

func (a *AppAuth) getInstallationAccessToken(ctx context.Context, jwtToken string, installationID int64) (*InstallationToken, error) {
	var result struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	path := fmt.Sprintf("app/installations/%d/access_tokens", installationID)
	if err := a.call(ctx, http.MethodPost, path, jwtToken, http.StatusCreated, &result); err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}
	return &InstallationToken{Token: result.Token, ExpiresAt: result.ExpiresAt}, nil
}

func (a *AppAuth) call(ctx context.Context, method, path, jwtToken string, want int, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL()+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+jwtToken)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := a.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GitHub API error: %d - %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (a *AppAuth) baseURL() string {
	if a.BaseURL == "" {
		return defaultAPIURL
	}
	return strings.TrimSuffix(a.BaseURL, "/") + "/"
}

func (a *AppAuth) httpClient() *http.Client {
	if a.HTTPClient != nil {
		return a.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (a *AppAuth) clock() time.Time {
	if a.now != nil {
		return a.now()
	}
	return time.Now()
}
