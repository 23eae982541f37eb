// Package discord reads the roster from the members of a Discord guild.
package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"codeberg.org/rostersync/rostersync/pkg/config"
	"codeberg.org/rostersync/rostersync/pkg/roster"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	memberPageSize = 1000
	maxAttempts    = 3
)

var ErrNoGuild = errors.New("discord guild id is not configured")

type user struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
	GlobalName    string `json:"global_name"`
	Avatar        string `json:"avatar"`
	Bot           bool   `json:"bot"`
}

type member struct {
	User  user     `json:"user"`
	Nick  *string  `json:"nick"`
	Roles []string `json:"roles"`
}

// Provider lists guild members through the bot API. Bots are not part of the
// roster.
type Provider struct {
	cfg     config.DiscordConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	mu      sync.RWMutex
	entries []roster.Entry
	loaded  time.Time
}

func New(cfg config.DiscordConfig, client *http.Client, logger *zap.Logger) *Provider {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := rate.Inf
	burst := 1
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		burst = max(1, int(cfg.RateLimit))
	}

	return &Provider{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With(zap.String("guild", cfg.GuildID)),
	}
}

func (p *Provider) Roster() []roster.Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.entries)
}

// Loaded is when the current snapshot was taken.
func (p *Provider) Loaded() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loaded
}

// Reload pages through the guild member list. The previous snapshot is kept
// when any page fails.
func (p *Provider) Reload(ctx context.Context) error {
	if p.cfg.GuildID == "" {
		return ErrNoGuild
	}

	var entries []roster.Entry
	bots := 0
	after := "0"
	for {
		page, err := p.members(ctx, after)
		if err != nil {
			return err
		}

		for _, m := range page {
			if m.User.Bot {
				bots++
				continue
			}
			entries = append(entries, toEntry(m))
		}

		if len(page) < memberPageSize {
			break
		}
		after = page[len(page)-1].User.ID
	}

	p.mu.Lock()
	p.entries = entries
	p.loaded = time.Now()
	p.mu.Unlock()

	p.logger.Debug("Roster reloaded",
		zap.Int("members", len(entries)),
		zap.Int("bots", bots))
	return nil
}

func toEntry(m member) roster.Entry {
	e := roster.Entry{
		ID:            m.User.ID,
		Username:      m.User.Username,
		Discriminator: m.User.Discriminator,
		GlobalName:    m.User.GlobalName,
		Avatar:        m.User.Avatar,
		Roles:         m.Roles,
	}
	if m.Nick != nil {
		e.Nickname = *m.Nick
	}
	return e
}

func (p *Provider) members(ctx context.Context, after string) ([]member, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(memberPageSize))
	q.Set("after", after)
	target := fmt.Sprintf("%s/guilds/%s/members?%s",
		strings.TrimRight(p.cfg.APIBase, "/"), url.PathEscape(p.cfg.GuildID), q.Encode())

	for attempt := 1; ; attempt++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bot "+p.cfg.Token)
		req.Header.Set("Accept", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to list guild members: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < maxAttempts {
			wait := retryAfter(resp)
			resp.Body.Close()
			p.logger.Warn("Rate limited by Discord", zap.Duration("retry_after", wait))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		var page []member
		err = decode(resp, &page)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		return page, nil
	}
}

func decode(resp *http.Response, out any) error {
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to list guild members: status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse guild members: %w", err)
	}
	return nil
}

// retryAfter reads the Retry-After header in (possibly fractional) seconds.
func retryAfter(resp *http.Response) time.Duration {
	secs, err := strconv.ParseFloat(resp.Header.Get("Retry-After"), 64)
	if err != nil || secs < 0 {
		return time.Second
	}
	return time.Duration(secs*float64(time.Second)) + 100*time.Millisecond
}
