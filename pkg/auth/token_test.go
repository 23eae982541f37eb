package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type tokenServer struct {
	*httptest.Server
	grants atomic.Int32
	ttl    atomic.Int64
	status atomic.Int32
	omit   atomic.Bool
}

func newTokenServer(t *testing.T, ttl time.Duration) *tokenServer {
	ts := &tokenServer{}
	ts.ttl.Store(int64(ttl))
	ts.status.Store(http.StatusOK)

	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := ts.grants.Add(1)

		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("grant_type") != "client_credentials" ||
			r.PostForm.Get("client_id") != "rostersync" ||
			r.PostForm.Get("client_secret") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if status := int(ts.status.Load()); status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"server_error"}`))
			return
		}

		body := map[string]any{"token_type": "Bearer", "expires_in": 300}
		if !ts.omit.Load() {
			claims := jwt.RegisteredClaims{
				ID:        string(rune('a' + n)),
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Duration(ts.ttl.Load()))),
			}
			signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test"))
			require.NoError(t, err)
			body["access_token"] = signed
		}
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) creds() Credentials {
	return Credentials{TokenURL: ts.URL, ClientID: "rostersync", ClientSecret: "secret"}
}

func TestTokenCache_ReusesValidToken(t *testing.T) {
	ts := newTokenServer(t, time.Hour)
	cache := NewTokenCache(ts.Client(), zaptest.NewLogger(t))

	first, err := cache.Token(context.Background(), ts.creds(), false)
	require.NoError(t, err)
	second, err := cache.Token(context.Background(), ts.creds(), false)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), ts.grants.Load())
}

func TestTokenCache_RefreshesInsideBuffer(t *testing.T) {
	ts := newTokenServer(t, 5*time.Second)
	cache := NewTokenCache(ts.Client(), zaptest.NewLogger(t))

	first, err := cache.Token(context.Background(), ts.creds(), false)
	require.NoError(t, err)

	ts.ttl.Store(int64(time.Hour))
	second, err := cache.Token(context.Background(), ts.creds(), false)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, int32(2), ts.grants.Load())
}

func TestTokenCache_ForceRefresh(t *testing.T) {
	ts := newTokenServer(t, time.Hour)
	cache := NewTokenCache(ts.Client(), zaptest.NewLogger(t))

	first, err := cache.Token(context.Background(), ts.creds(), false)
	require.NoError(t, err)
	second, err := cache.Token(context.Background(), ts.creds(), true)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, int32(2), ts.grants.Load())
}

func TestTokenCache_KeyedByTokenURL(t *testing.T) {
	a := newTokenServer(t, time.Hour)
	b := newTokenServer(t, time.Hour)
	cache := NewTokenCache(http.DefaultClient, zaptest.NewLogger(t))

	_, err := cache.Token(context.Background(), a.creds(), false)
	require.NoError(t, err)
	_, err = cache.Token(context.Background(), b.creds(), false)
	require.NoError(t, err)
	_, err = cache.Token(context.Background(), a.creds(), false)
	require.NoError(t, err)

	assert.Equal(t, int32(1), a.grants.Load())
	assert.Equal(t, int32(1), b.grants.Load())
}

func TestTokenCache_Failures(t *testing.T) {
	t.Run("error status", func(t *testing.T) {
		ts := newTokenServer(t, time.Hour)
		ts.status.Store(http.StatusInternalServerError)
		cache := NewTokenCache(ts.Client(), zaptest.NewLogger(t))

		token, err := cache.Token(context.Background(), ts.creds(), false)
		assert.ErrorIs(t, err, ErrNoToken)
		assert.Empty(t, token)
	})

	t.Run("missing access token", func(t *testing.T) {
		ts := newTokenServer(t, time.Hour)
		ts.omit.Store(true)
		cache := NewTokenCache(ts.Client(), zaptest.NewLogger(t))

		token, err := cache.Token(context.Background(), ts.creds(), false)
		assert.ErrorIs(t, err, ErrNoToken)
		assert.Empty(t, token)
	})

	t.Run("transport error", func(t *testing.T) {
		ts := newTokenServer(t, time.Hour)
		creds := ts.creds()
		ts.Close()
		cache := NewTokenCache(http.DefaultClient, zaptest.NewLogger(t))

		token, err := cache.Token(context.Background(), creds, false)
		assert.ErrorIs(t, err, ErrNoToken)
		assert.Empty(t, token)
	})

	t.Run("failed refresh drops cached token", func(t *testing.T) {
		ts := newTokenServer(t, time.Hour)
		cache := NewTokenCache(ts.Client(), zaptest.NewLogger(t))

		_, err := cache.Token(context.Background(), ts.creds(), false)
		require.NoError(t, err)

		ts.status.Store(http.StatusServiceUnavailable)
		_, err = cache.Token(context.Background(), ts.creds(), true)
		require.Error(t, err)

		ts.status.Store(http.StatusOK)
		_, err = cache.Token(context.Background(), ts.creds(), false)
		require.NoError(t, err)
		assert.Equal(t, int32(3), ts.grants.Load())
	})
}

func TestTokenCache_ConcurrentCallersShareOneGrant(t *testing.T) {
	ts := newTokenServer(t, time.Hour)
	cache := NewTokenCache(ts.Client(), zaptest.NewLogger(t))

	var wg sync.WaitGroup
	tokens := make([]string, 16)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := cache.Token(context.Background(), ts.creds(), false)
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), ts.grants.Load())
	for _, tok := range tokens {
		assert.Equal(t, tokens[0], tok)
	}
}

func TestTokenExpiry_FallsBackToExpiresIn(t *testing.T) {
	ts := newTokenServer(t, time.Hour)
	cache := NewTokenCache(ts.Client(), zaptest.NewLogger(t))
	now := time.Now()

	_, expiry, err := cache.grant(context.Background(), ts.creds())
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(time.Hour), expiry, 5*time.Second)
}
