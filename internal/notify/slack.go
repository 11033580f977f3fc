package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Slack posts messages to an incoming webhook.
type Slack struct {
	WebhookURL string
	Client     *http.Client
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Publish(ctx context.Context, msg Message) (Result, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	payload, err := json.Marshal(map[string]string{"text": Format(msg)})
	if err != nil {
		return Result{Status: StatusFailed}, fmt.Errorf("encode slack payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return Result{Status: StatusFailed}, fmt.Errorf("build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return Result{Status: StatusFailed}, fmt.Errorf("post to slack: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode != http.StatusOK {
		return Result{Status: StatusFailed}, fmt.Errorf("post to slack: %s: %s", resp.Status, bytes.TrimSpace(body))
	}
	return Result{Status: StatusPosted}, nil
}
