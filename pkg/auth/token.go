package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// refreshBuffer is how long before expiry a cached token stops being handed out.
const refreshBuffer = 10 * time.Second

var ErrNoToken = errors.New("no access token available")

// Credentials identify one client-credentials grant. TokenURL is the cache key.
type Credentials struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

type cacheEntry struct {
	mu     sync.Mutex
	token  string
	expiry time.Time
}

// TokenCache hands out bearer tokens per token URL and refreshes them through
// the client-credentials grant. It is safe for concurrent use; refreshes for
// the same token URL are serialized so only one grant request is in flight.
type TokenCache struct {
	entries *xsync.Map[string, *cacheEntry]
	client  *http.Client
	logger  *zap.Logger
	now     func() time.Time
}

func NewTokenCache(client *http.Client, logger *zap.Logger) *TokenCache {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenCache{
		entries: xsync.NewMap[string, *cacheEntry](),
		client:  client,
		logger:  logger,
		now:     time.Now,
	}
}

// Token returns a bearer token for creds. A cached token is reused unless
// forceRefresh is set or it expires within refreshBuffer.
func (c *TokenCache) Token(ctx context.Context, creds Credentials, forceRefresh bool) (string, error) {
	entry, _ := c.entries.LoadOrStore(creds.TokenURL, &cacheEntry{})

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if !forceRefresh && entry.token != "" && entry.expiry.Sub(c.now()) > refreshBuffer {
		return entry.token, nil
	}

	token, expiry, err := c.grant(ctx, creds)
	if err != nil {
		entry.token = ""
		entry.expiry = time.Time{}
		c.logger.Warn("Token request failed",
			zap.String("token_url", creds.TokenURL),
			zap.Error(err))
		return "", fmt.Errorf("%w: %w", ErrNoToken, err)
	}

	entry.token = token
	entry.expiry = expiry
	c.logger.Debug("Token refreshed",
		zap.String("token_url", creds.TokenURL),
		zap.Time("expiry", expiry),
		zap.Bool("forced", forceRefresh))

	return token, nil
}

func (c *TokenCache) grant(ctx context.Context, creds Credentials) (string, time.Time, error) {
	cfg := clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     creds.TokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)
	tok, err := cfg.Token(ctx)
	if err != nil {
		return "", time.Time{}, err
	}
	if tok.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("token response from %s has no access_token", creds.TokenURL)
	}

	return tok.AccessToken, tokenExpiry(tok), nil
}

// tokenExpiry prefers the exp claim of the access token itself and falls back
// to the expires_in of the grant response.
func tokenExpiry(tok *oauth2.Token) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok.AccessToken, claims); err == nil {
		if claims.ExpiresAt != nil {
			return claims.ExpiresAt.Time
		}
	}
	return tok.Expiry
}
