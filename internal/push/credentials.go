// Package push talks to the Firebase Cloud Messaging HTTP v1 API and the
// Google token endpoint that authorizes it.
package push

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

const (
	MessagingScope = "https://www.googleapis.com/auth/firebase.messaging"

	jwtBearerGrant   = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	assertionTTL     = time.Hour
	tokenTimeout     = 10 * time.Second
	refreshSkew      = time.Minute
	maxErrorBodySize = 4 << 10
)

// CredentialSource exchanges a signed service-account assertion for an OAuth2
// access token and caches it until shortly before it expires. It is safe for
// concurrent use; concurrent refreshes collapse into one token request.
type CredentialSource struct {
	clientEmail string
	tokenURI    string
	key         *rsa.PrivateKey
	httpClient  *http.Client
	log         *slog.Logger
	now         func() time.Time

	group   singleflight.Group
	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewCredentialSource parses the PEM private key of the service account.
func NewCredentialSource(clientEmail, privateKeyPEM, tokenURI string, logger *slog.Logger) (*CredentialSource, error) {
	if clientEmail == "" || tokenURI == "" {
		return nil, errors.New("push: client email and token uri are required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("push: parse service account key: %w", err)
	}
	return &CredentialSource{
		clientEmail: clientEmail,
		tokenURI:    tokenURI,
		key:         key,
		httpClient:  &http.Client{Timeout: tokenTimeout},
		log:         logger.With("adapter", "google_token"),
		now:         time.Now,
	}, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Token returns a bearer token for the messaging scope.
func (c *CredentialSource) Token(ctx context.Context) (string, error) {
	if tok, ok := c.cached(); ok {
		return tok, nil
	}
	v, err, _ := c.group.Do("token", func() (any, error) {
		if tok, ok := c.cached(); ok {
			return tok, nil
		}
		// the result is shared with every waiting caller, so one caller
		// going away must not abort it; tokenTimeout still bounds it
		return c.refresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *CredentialSource) cached() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" || !c.now().Add(refreshSkew).Before(c.expires) {
		return "", false
	}
	return c.token, true
}

func (c *CredentialSource) refresh(ctx context.Context) (string, error) {
	assertion, err := c.assertion()
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("grant_type", jwtBearerGrant)
	form.Set("assertion", assertion)

	ctx, cancel := context.WithTimeout(ctx, tokenTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("push: create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.ErrorContext(ctx, "token request failed", slog.String("error", err.Error()))
		return "", fmt.Errorf("push: token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("push: read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			c.log.ErrorContext(ctx, "token request rejected",
				slog.Int("status", resp.StatusCode),
				slog.String("error", errResp.Error))
			return "", fmt.Errorf("push: token endpoint status %d: %s", resp.StatusCode, errResp.Error)
		}
		return "", fmt.Errorf("push: token endpoint status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("push: invalid token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", errors.New("push: token response missing access_token")
	}

	expires := c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	c.mu.Lock()
	c.token = tr.AccessToken
	c.expires = expires
	c.mu.Unlock()

	c.log.DebugContext(ctx, "access token refreshed", slog.Time("expires_at", expires))
	return tr.AccessToken, nil
}

func (c *CredentialSource) assertion() (string, error) {
	now := c.now()
	claims := jwt.MapClaims{
		"iss":   c.clientEmail,
		"scope": MessagingScope,
		"aud":   c.tokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionTTL).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("push: sign assertion: %w", err)
	}
	return signed, nil
}
