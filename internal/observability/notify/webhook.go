package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// WebhookChannel posts notifications as JSON to an ops webhook.
type WebhookChannel struct {
	url    string
	client *http.Client
}

type webhookPayload struct {
	MsgType string      `json:"msgtype"`
	Text    webhookText `json:"text"`
}

type webhookText struct {
	Content string `json:"content"`
}

// NewWebhookChannel constructs a webhook channel.
func NewWebhookChannel(url string) (*WebhookChannel, error) {
	if url == "" {
		return nil, errors.New("webhook channel: empty url")
	}
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Send implements Channel.
func (c *WebhookChannel) Send(ctx context.Context, content string) error {
	payload := webhookPayload{
		MsgType: "text",
		Text:    webhookText{Content: content},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook channel: status %d", resp.StatusCode)
	}
	return nil
}

// MultiChannel fans one notification out to several channels. The first error
// is returned after all channels have been tried.
type MultiChannel struct {
	channels []Channel
}

// NewMultiChannel constructs a MultiChannel.
func NewMultiChannel(channels ...Channel) *MultiChannel {
	return &MultiChannel{channels: channels}
}

// Send implements Channel.
func (m *MultiChannel) Send(ctx context.Context, content string) error {
	if m == nil {
		return nil
	}
	var first error
	for _, channel := range m.channels {
		if channel == nil {
			continue
		}
		if err := channel.Send(ctx, content); err != nil && first == nil {
			first = err
		}
	}
	return first
}
