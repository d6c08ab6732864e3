package apiclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	reg "github.com/Gthulhu/eevdf/plugin/internal/registry"
)

// TokenRequest represents the request structure for JWT token generation
type TokenRequest struct {
	PublicKey string `json:"public_key"` // PEM encoded public key
}

// TokenResponse represents the response structure for JWT token generation
type TokenResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Token     string `json:"token,omitempty"`
}

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// tokenLifetime is shorter than the server's 24h to leave a refresh margin.
const tokenLifetime = 23 * time.Hour

// JWTClient handles JWT authentication for API calls
type JWTClient struct {
	publicKeyPath string
	apiBaseURL    string
	authEnabled   bool
	httpClient    *http.Client

	mu             sync.Mutex
	token          string
	tokenExpiresAt time.Time
}

// NewJWTClient creates a new JWT client. With mtls.Enable the client
// presents the configured certificate and trusts only the configured CA.
func NewJWTClient(publicKeyPath, apiBaseURL string, authEnabled bool, mtls reg.MTLSConfig) (*JWTClient, error) {
	c := &JWTClient{
		publicKeyPath: publicKeyPath,
		apiBaseURL:    strings.TrimSuffix(apiBaseURL, "/"),
		authEnabled:   authEnabled,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	if !mtls.Enable {
		return c, nil
	}

	cert, err := tls.X509KeyPair([]byte(mtls.CertPem), []byte(mtls.KeyPem))
	if err != nil {
		return nil, fmt.Errorf("failed to load mTLS client certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(mtls.CAPem)) {
		return nil, fmt.Errorf("failed to parse mTLS CA certificate")
	}
	c.httpClient.Transport = &http.Transport{
		TLSClientConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      pool,
			MinVersion:   tls.VersionTLS12,
		},
	}
	return c, nil
}

// BaseURL returns the API server address without a trailing slash.
func (c *JWTClient) BaseURL() string {
	return c.apiBaseURL
}

// loadPublicKey loads the public key from PEM file
func (c *JWTClient) loadPublicKey() (string, error) {
	keyData, err := os.ReadFile(c.publicKeyPath)
	if err != nil {
		return "", fmt.Errorf("failed to read public key file: %w", err)
	}

	block, _ := pem.Decode(keyData)
	if block == nil {
		return "", fmt.Errorf("failed to decode PEM block containing public key")
	}
	if _, err := x509.ParsePKIXPublicKey(block.Bytes); err != nil {
		return "", fmt.Errorf("failed to parse public key: %w", err)
	}
	return string(keyData), nil
}

// requestToken requests a JWT token from the API server
func (c *JWTClient) requestToken(ctx context.Context) error {
	publicKeyPEM, err := c.loadPublicKey()
	if err != nil {
		return fmt.Errorf("failed to load public key: %w", err)
	}

	requestBody, err := json.Marshal(TokenRequest{PublicKey: publicKeyPEM})
	if err != nil {
		return fmt.Errorf("failed to marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBaseURL+"/api/v1/auth/token", bytes.NewReader(requestBody))
	if err != nil {
		return fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errorResp ErrorResponse
		if err := json.Unmarshal(body, &errorResp); err != nil || errorResp.Error == "" {
			return fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, string(body))
		}
		return fmt.Errorf("token request failed: %s", errorResp.Error)
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return fmt.Errorf("failed to unmarshal token response: %w", err)
	}
	if !tokenResp.Success || tokenResp.Token == "" {
		return fmt.Errorf("token request unsuccessful: %s", tokenResp.Message)
	}

	c.token = tokenResp.Token
	c.tokenExpiresAt = time.Now().Add(tokenLifetime)
	return nil
}

// ensureValidToken returns a token, fetching a new one when missing or
// expired. It returns "" when authentication is disabled.
func (c *JWTClient) ensureValidToken(ctx context.Context) (string, error) {
	if !c.authEnabled {
		return "", nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" || time.Now().After(c.tokenExpiresAt) {
		if err := c.requestToken(ctx); err != nil {
			return "", fmt.Errorf("failed to obtain JWT token: %w", err)
		}
	}
	return c.token, nil
}

// MakeAuthenticatedRequest makes an HTTP request with JWT authentication
func (c *JWTClient) MakeAuthenticatedRequest(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	token, err := c.ensureValidToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.httpClient.Do(req)
}
