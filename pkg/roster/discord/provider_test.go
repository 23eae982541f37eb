package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"codeberg.org/rostersync/rostersync/pkg/config"
	"codeberg.org/rostersync/rostersync/pkg/roster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeGuild struct {
	*httptest.Server
	members   []member
	calls     atomic.Int32
	limited   atomic.Int32
	failAfter atomic.Value
}

func newFakeGuild(t *testing.T, members []member) *fakeGuild {
	g := &fakeGuild{members: members}
	g.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.calls.Add(1)
		if r.Header.Get("Authorization") != "Bot token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/guilds/42/members" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if g.limited.Load() > 0 {
			g.limited.Add(-1)
			w.Header().Set("Retry-After", "0.01")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		after := r.URL.Query().Get("after")
		if fail, _ := g.failAfter.Load().(string); fail != "" && after == fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		var page []member
		for _, m := range g.members {
			id, _ := strconv.Atoi(m.User.ID)
			a, _ := strconv.Atoi(after)
			if id > a && len(page) < limit {
				page = append(page, m)
			}
		}
		if page == nil {
			page = []member{}
		}
		_ = json.NewEncoder(w).Encode(page)
	}))
	t.Cleanup(g.Close)
	return g
}

func (g *fakeGuild) provider(t *testing.T) *Provider {
	return New(config.DiscordConfig{
		APIBase: g.URL,
		Token:   "token",
		GuildID: "42",
	}, g.Client(), zaptest.NewLogger(t))
}

func generateMembers(n int) []member {
	out := make([]member, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, member{
			User:  user{ID: strconv.Itoa(i), Username: fmt.Sprintf("user%d", i), Discriminator: "0"},
			Roles: []string{"r1"},
		})
	}
	return out
}

func TestProvider_Reload(t *testing.T) {
	nick := "Al"
	g := newFakeGuild(t, []member{
		{User: user{ID: "1", Username: "alice", Discriminator: "0", GlobalName: "Alice", Avatar: "a_abc"}, Nick: &nick, Roles: []string{"r1", "r2"}},
		{User: user{ID: "2", Username: "helper", Bot: true}},
		{User: user{ID: "3", Username: "bob", Discriminator: "1234"}},
	})
	p := g.provider(t)

	require.NoError(t, p.Reload(context.Background()))

	want := []roster.Entry{
		{ID: "1", Username: "alice", Discriminator: "0", GlobalName: "Alice", Nickname: "Al", Avatar: "a_abc", Roles: []string{"r1", "r2"}},
		{ID: "3", Username: "bob", Discriminator: "1234"},
	}
	assert.Equal(t, want, p.Roster())
	assert.False(t, p.Loaded().IsZero())
}

func TestProvider_ReloadPaginates(t *testing.T) {
	g := newFakeGuild(t, generateMembers(2500))
	p := g.provider(t)

	require.NoError(t, p.Reload(context.Background()))

	assert.Len(t, p.Roster(), 2500)
	assert.Equal(t, int32(3), g.calls.Load())
}

func TestProvider_ReloadFailureKeepsSnapshot(t *testing.T) {
	g := newFakeGuild(t, generateMembers(1500))
	p := g.provider(t)
	require.NoError(t, p.Reload(context.Background()))

	g.failAfter.Store("1000")
	assert.Error(t, p.Reload(context.Background()))
	assert.Len(t, p.Roster(), 1500)
}

func TestProvider_RateLimited(t *testing.T) {
	g := newFakeGuild(t, generateMembers(3))
	g.limited.Store(1)
	p := g.provider(t)

	require.NoError(t, p.Reload(context.Background()))
	assert.Len(t, p.Roster(), 3)
	assert.Equal(t, int32(2), g.calls.Load())
}

func TestProvider_Errors(t *testing.T) {
	g := newFakeGuild(t, nil)

	p := New(config.DiscordConfig{APIBase: g.URL, Token: "token"}, g.Client(), zaptest.NewLogger(t))
	assert.ErrorIs(t, p.Reload(context.Background()), ErrNoGuild)

	p = New(config.DiscordConfig{APIBase: g.URL, Token: "wrong", GuildID: "42"}, g.Client(), zaptest.NewLogger(t))
	assert.ErrorContains(t, p.Reload(context.Background()), "status 401")
}
