package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrMissingToken is returned before any request is made when no bot token
// is configured.
var ErrMissingToken = errors.New("SLACK_BOT_TOKEN is not configured")

const DefaultTimeout = 10 * time.Second

// Slack posts messages with the chat.postMessage Web API method.
type Slack struct {
	token   string
	baseURL string
	client  *http.Client
}

func NewSlack(token, baseURL string, timeout time.Duration) *Slack {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Slack{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type postMessageRequest struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

type postMessageResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Send delivers text to channel. A non-2xx status or an "ok": false body is
// an error.
func (s *Slack) Send(ctx context.Context, channel, text string) error {
	if s.token == "" {
		return ErrMissingToken
	}

	body, err := json.Marshal(postMessageRequest{Channel: channel, Text: text})
	if err != nil {
		return fmt.Errorf("marshal slack request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build slack request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send slack message: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read slack response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("slack API status %d: %s", resp.StatusCode, snippet(respBody))
	}

	var out postMessageResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return fmt.Errorf("parse slack response: %w", err)
	}
	if !out.OK {
		if out.Error == "" {
			out.Error = snippet(respBody)
		}
		return fmt.Errorf("slack API error: %s", out.Error)
	}
	return nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
