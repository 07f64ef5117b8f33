// Package feed consumes the chat backend's realtime event stream.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"teampush/internal/event"
	logx "teampush/pkg/logx"
)

// Source delivers event slices from the chat backend.
// Implemented by Client; the app swaps in fakes for tests.
type Source interface {
	// Run connects and pumps decoded events into out until the stream
	// breaks or ctx is canceled. It returns the disconnect error; the
	// caller owns reconnect policy.
	Run(ctx context.Context, out chan<- []event.Incoming) error
}

type Config struct {
	URL              string
	AuthToken        string
	HandshakeTimeout time.Duration // 0 means 15s
}

const (
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
	maxFrameSize = 1 << 20
)

type Client struct {
	cfg Config
	log logx.Logger
}

func NewClient(cfg Config, log logx.Logger) (*Client, error) {
	u := strings.TrimSpace(cfg.URL)
	if u == "" {
		return nil, errors.New("feed url is empty")
	}
	if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		return nil, fmt.Errorf("feed url must be ws:// or wss://, got %q", u)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{cfg: cfg, log: log}, nil
}

// Run performs one connect-read cycle. Reconnect backoff lives in the
// supervisor loop driving it, not here.
func (c *Client) Run(ctx context.Context, out chan<- []event.Incoming) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}

	header := http.Header{}
	if c.cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("feed dial (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("feed dial: %w", err)
	}
	defer conn.Close()

	c.log.Info("feed connected", logx.String("url", c.cfg.URL))

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Closing the conn is the only way to unblock ReadMessage on cancel.
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()
	defer func() {
		_ = conn.Close()
		<-pingDone
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("feed read: %w", err)
		}

		evs, err := decodeFrame(data)
		if err != nil {
			// A malformed frame is the backend's problem, not a reason
			// to drop the stream.
			c.log.Warn("feed frame discarded", logx.Err(err))
			continue
		}
		if len(evs) == 0 {
			continue
		}

		select {
		case out <- evs:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// decodeFrame accepts either a single event object or an array of them.
func decodeFrame(data []byte) ([]event.Incoming, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var evs []event.Incoming
		if err := json.Unmarshal(trimmed, &evs); err != nil {
			return nil, fmt.Errorf("decode event array: %w", err)
		}
		return evs, nil
	}

	var ev event.Incoming
	if err := json.Unmarshal(trimmed, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return []event.Incoming{ev}, nil
}
