package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// ExpiredHeader is set to "true" by the directory when a request was rejected
// only because the bearer token expired.
const ExpiredHeader = "Token-Expired"

// Executor sends authenticated requests. A 401 that carries the expiry signal
// is answered with exactly one forced refresh and one resend.
type Executor struct {
	tokens *TokenCache
	client *http.Client
	logger *zap.Logger
}

func NewExecutor(tokens *TokenCache, client *http.Client, logger *zap.Logger) *Executor {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		tokens: tokens,
		client: client,
		logger: logger,
	}
}

// Do attaches the cached token for creds and sends req. The returned response
// is the one the caller must handle; its body must be closed. An error is
// returned only when no token could be obtained or the transport failed.
func (e *Executor) Do(ctx context.Context, creds Credentials, req *http.Request) (*http.Response, error) {
	token, err := e.tokens.Token(ctx, creds, false)
	if err != nil {
		return nil, err
	}

	resp, err := e.send(req, token)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized || !tokenExpired(resp) {
		return resp, nil
	}

	drain(resp)
	e.logger.Debug("Token expired, refreshing and resending",
		zap.String("method", req.Method),
		zap.String("url", req.URL.Redacted()))

	token, err = e.tokens.Token(ctx, creds, true)
	if err != nil {
		return nil, err
	}

	retry, err := rewind(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.send(retry, token)
}

func (e *Executor) send(req *http.Request, token string) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
	}
	return resp, nil
}

func rewind(ctx context.Context, req *http.Request) (*http.Request, error) {
	retry := req.Clone(ctx)
	if req.Body == nil || req.Body == http.NoBody {
		return retry, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("%s %s: request body cannot be replayed", req.Method, req.URL.Redacted())
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	retry.Body = body
	return retry, nil
}

func tokenExpired(resp *http.Response) bool {
	if strings.EqualFold(resp.Header.Get(ExpiredHeader), "true") {
		return true
	}
	challenge := strings.ToLower(resp.Header.Get("WWW-Authenticate"))
	return strings.Contains(challenge, "invalid_token") &&
		(strings.Contains(challenge, "expired") || strings.Contains(challenge, "not active"))
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
