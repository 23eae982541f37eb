package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recorder struct {
	mu       sync.Mutex
	messages []webhookMessage
	status   int
}

func (r *recorder) handler(w http.ResponseWriter, req *http.Request) {
	var msg webhookMessage
	if err := json.NewDecoder(req.Body).Decode(&msg); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	status := r.status
	r.mu.Unlock()
	if status == 0 {
		status = http.StatusNoContent
	}
	w.WriteHeader(status)
}

func TestWebhook_Notify(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()

	wh := NewWebhook(srv.URL, srv.Client())
	require.NoError(t, wh.Notify(context.Background(), "main: created 2 <@&99>"))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.messages, 1)
	assert.Equal(t, "main: created 2 <@&99>", rec.messages[0].Content)
	assert.Equal(t, []string{"roles"}, rec.messages[0].AllowedMentions.Parse)
}

func TestWebhook_NotifySplitsLongSummaries(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()

	line := strings.Repeat("x", 999)
	summary := strings.Join([]string{line, line, line}, "\n")

	require.NoError(t, NewWebhook(srv.URL, srv.Client()).Notify(context.Background(), summary))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.messages, 2)
	for _, m := range rec.messages {
		assert.LessOrEqual(t, len(m.Content), maxContent)
	}
	assert.Equal(t, line+"\n"+line, rec.messages[0].Content)
	assert.Equal(t, line, rec.messages[1].Content)
}

func TestWebhook_NotifyError(t *testing.T) {
	rec := &recorder{status: http.StatusTooManyRequests}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()

	err := NewWebhook(srv.URL, srv.Client()).Notify(context.Background(), "hello")
	assert.ErrorContains(t, err, "status 429")
}

func TestSplit(t *testing.T) {
	assert.Nil(t, split("", 10))
	assert.Equal(t, []string{"abc"}, split("abc", 10))
	assert.Equal(t, []string{"abcde", "fghij", "k"}, split("abcdefghijk", 5))
	assert.Equal(t, []string{"ab", "cd"}, split("ab\ncd", 4))
}

type fakeNotifier struct {
	got []string
	err error
}

func (f *fakeNotifier) Notify(_ context.Context, summary string) error {
	f.got = append(f.got, summary)
	return f.err
}

func TestMulti(t *testing.T) {
	a := &fakeNotifier{}
	b := &fakeNotifier{err: errors.New("down")}
	c := &fakeNotifier{}

	err := Multi{a, nil, b, c}.Notify(context.Background(), "summary")

	assert.ErrorContains(t, err, "down")
	assert.Equal(t, []string{"summary"}, a.got)
	assert.Equal(t, []string{"summary"}, c.got)
}

func TestLog(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	require.NoError(t, NewLog(zap.New(core)).Notify(context.Background(), "all good"))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "all good", logs.All()[0].Message)
}
