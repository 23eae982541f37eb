package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"codeberg.org/rostersync/rostersync/pkg/auth"
	"codeberg.org/rostersync/rostersync/pkg/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	pageSize        = 100
	retentionLayout = "2006-01-02"
)

var ErrUnexpectedStatus = errors.New("unexpected status")

type base struct {
	name   string
	logger *zap.Logger
}

func (b *base) LogInfo(s string, v ...any) {
	if b.logger != nil {
		b.logger.Info(fmt.Sprintf(s, v...), zap.String("endpoint", b.name))
	}
}

func (b *base) LogWarn(s string, v ...any) {
	if b.logger != nil {
		b.logger.Warn(fmt.Sprintf(s, v...), zap.String("endpoint", b.name))
	}
}

func (b *base) LogError(err error) {
	if err != nil && b.logger != nil {
		b.logger.Error(err.Error(), zap.String("endpoint", b.name))
	}
}

// Client talks to the realm admin API of one endpoint.
type Client struct {
	*base
	endpoint config.EndpointConfig
	attrs    config.DirectoryConfig
	exec     *auth.Executor
	limiter  *rate.Limiter
	now      func() time.Time
	location *time.Location
}

type Option func(*Client)

// WithLocation sets the timezone retention dates are written in.
func WithLocation(loc *time.Location) Option {
	return func(c *Client) {
		if loc != nil {
			c.location = loc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

func New(
	endpoint config.EndpointConfig,
	attrs config.DirectoryConfig,
	exec *auth.Executor,
	logger *zap.Logger,
	opts ...Option,
) *Client {
	limit := rate.Inf
	burst := 1
	if attrs.RateLimit > 0 {
		limit = rate.Limit(attrs.RateLimit)
		burst = max(1, int(attrs.RateLimit))
	}

	c := &Client{
		base:     &base{name: endpoint.Name, logger: logger},
		endpoint: endpoint,
		attrs:    attrs,
		exec:     exec,
		limiter:  rate.NewLimiter(limit, burst),
		now:      time.Now,
		location: time.Local,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string {
	return c.endpoint.Name
}

func (c *Client) credentials() auth.Credentials {
	return auth.Credentials{
		TokenURL:     c.endpoint.TokenURL,
		ClientID:     c.endpoint.ClientID,
		ClientSecret: c.endpoint.ClientSecret,
	}
}

func (c *Client) realmURL() string {
	return strings.TrimRight(c.endpoint.BaseURL, "/") + "/admin/realms/" + url.PathEscape(c.endpoint.Realm)
}

// RetentionDate is the retention attribute value for an account disabled now.
func (c *Client) RetentionDate() string {
	return c.now().In(c.location).AddDate(0, c.attrs.RetentionMonths, 0).Format(retentionLayout)
}

func (c *Client) do(
	ctx context.Context,
	method, path string,
	query url.Values,
	body any,
) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	target := c.realmURL() + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s %s: %w", method, path, err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.exec.Do(ctx, c.credentials(), req)
}

func getJSON[T any](c *Client, ctx context.Context, path string, query url.Values) (T, error) {
	var out T

	resp, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return out, statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("failed to parse GET %s response: %w", path, err)
	}
	return out, nil
}

// paged walks a first/max listing until a page comes back short.
func paged[T any](c *Client, ctx context.Context, path string, query url.Values) ([]T, error) {
	var all []T
	for first := 0; ; first += pageSize {
		q := url.Values{}
		for k, v := range query {
			q[k] = v
		}
		q.Set("first", strconv.Itoa(first))
		q.Set("max", strconv.Itoa(pageSize))

		page, err := getJSON[[]T](c, ctx, path, q)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
	}
}

// call sends a write and consumes the response, failing unless the status is
// one of want.
func (c *Client) call(ctx context.Context, method, path string, body any, want ...int) (*http.Response, error) {
	resp, err := c.do(ctx, method, path, nil, body)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	for _, code := range want {
		if resp.StatusCode == code {
			return resp, nil
		}
	}
	return resp, statusError(resp)
}

func statusError(resp *http.Response) error {
	method, path := "", ""
	if resp.Request != nil {
		method = resp.Request.Method
		path = resp.Request.URL.Path
	}
	return fmt.Errorf("%s %s: %w %d", method, path, ErrUnexpectedStatus, resp.StatusCode)
}
