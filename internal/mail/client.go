package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Client talks to the mail relay's REST API. It implements both Inbox and
// Sender.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// Fetch returns up to limit new messages from the relay.
func (c *Client) Fetch(ctx context.Context, limit int) ([]Message, error) {
	url := fmt.Sprintf("%s/api/v1/messages?limit=%d", c.baseURL, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mail relay returned %d: %s", resp.StatusCode, string(body))
	}

	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parse messages: %w", err)
	}
	return out.Messages, nil
}

// AddLabels tags a message on the relay.
func (c *Client) AddLabels(ctx context.Context, messageID string, labels ...string) error {
	payload, err := json.Marshal(map[string]any{"labels": labels})
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/messages/%s/labels", c.baseURL, messageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("add labels: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("mail relay returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// SendReply sends a threaded outbound reply and returns the transport
// message id assigned by the relay.
func (c *Client) SendReply(ctx context.Context, reply ReplyRequest) (string, error) {
	payload, err := json.Marshal(reply)
	if err != nil {
		return "", fmt.Errorf("marshal reply: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/messages/send", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send reply: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("mail relay returned %d: %s", resp.StatusCode, string(body))
	}

	var out struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("parse send response: %w", err)
	}

	c.logger.Info("reply sent", "thread_id", reply.ThreadID, "to", reply.To, "message_id", out.MessageID)
	return out.MessageID, nil
}
