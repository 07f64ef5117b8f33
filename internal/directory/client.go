// Package directory implements the membership/token lookup against the
// realtime store's REST surface.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"teampush/internal/recipient"
	logx "teampush/pkg/logx"
)

type Config struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration // per-request; 0 means 5s
}

type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("directory base_url is empty")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("directory base_url: %w", err)
	}
	cfg.BaseURL = base
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
		log:  log,
	}, nil
}

// Conversation fetches the current membership view for one conversation.
// No caching: tokens and membership change between events.
func (c *Client) Conversation(ctx context.Context, conversationID string) (recipient.Conversation, error) {
	if strings.TrimSpace(conversationID) == "" {
		return recipient.Conversation{}, errors.New("conversation id is empty")
	}

	u := c.cfg.BaseURL + "/conversations/" + url.PathEscape(conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return recipient.Conversation{}, err
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return recipient.Conversation{}, fmt.Errorf("directory get: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return recipient.Conversation{}, fmt.Errorf("directory get %s: status %d", conversationID, resp.StatusCode)
	}

	var conv recipient.Conversation
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		return recipient.Conversation{}, fmt.Errorf("directory decode: %w", err)
	}
	if conv.ID == "" {
		conv.ID = conversationID
	}
	return conv, nil
}
