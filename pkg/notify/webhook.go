package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxContent is the message length limit of a Discord webhook.
const maxContent = 2000

type webhookMessage struct {
	Content         string          `json:"content"`
	AllowedMentions allowedMentions `json:"allowed_mentions"`
}

type allowedMentions struct {
	Parse []string `json:"parse"`
}

// Webhook posts summaries to a Discord webhook. Only role mentions are
// resolved, so an escalation can ping the endpoint's notify role.
type Webhook struct {
	url    string
	client *http.Client
}

func NewWebhook(url string, client *http.Client) *Webhook {
	if client == nil {
		client = http.DefaultClient
	}
	return &Webhook{url: url, client: client}
}

func (w *Webhook) Notify(ctx context.Context, summary string) error {
	for _, chunk := range split(summary, maxContent) {
		if err := w.post(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (w *Webhook) post(ctx context.Context, content string) error {
	body, err := json.Marshal(webhookMessage{
		Content:         content,
		AllowedMentions: allowedMentions{Parse: []string{"roles"}},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("failed to post webhook: status %d", resp.StatusCode)
	}
	return nil
}

// split breaks s into chunks of at most limit bytes, preferring line breaks.
func split(s string, limit int) []string {
	var chunks []string
	for len(s) > limit {
		cut := strings.LastIndex(s[:limit], "\n")
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, s[:cut])
		s = strings.TrimPrefix(s[cut:], "\n")
	}
	if s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}
