package push

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

	logx "teampush/pkg/logx"
)

type GatewayConfig struct {
	URL       string
	AuthToken string
	Timeout   time.Duration // per-request; 0 means 10s
}

// Gateway performs the single outbound POST per dispatch: one JSON array of
// payloads, never one round-trip per recipient.
type Gateway struct {
	cfg  GatewayConfig
	http *http.Client
	log  logx.Logger
}

func NewGateway(cfg GatewayConfig, log logx.Logger) (*Gateway, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("gateway url is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gateway{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
		log:  log,
	}, nil
}

// Send posts the payloads and interprets the gateway response. A non-2xx
// status or an undecodable body is an error; the caller decides whether to
// surface it (the engine always swallows, see Dispatcher).
func (g *Gateway) Send(ctx context.Context, payloads []Payload) error {
	if len(payloads) == 0 {
		return nil
	}

	body, err := json.Marshal(payloads)
	if err != nil {
		return fmt.Errorf("gateway marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if g.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.AuthToken)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway post: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("gateway status %d", resp.StatusCode)
	}

	// The gateway replies with per-ticket receipts. We don't act on them,
	// but an undecodable body still counts as a failed dispatch.
	var receipt json.RawMessage
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&receipt); err != nil {
		return fmt.Errorf("gateway decode: %w", err)
	}
	return nil
}
