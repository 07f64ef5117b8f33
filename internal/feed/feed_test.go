package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"teampush/internal/event"
	logx "teampush/pkg/logx"
)

func TestDecodeFrame(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    string
		want    int
		wantErr bool
	}{
		{
			name: "single object",
			data: `{"conversationId":"c1","eventId":"e1","kind":"text","authorId":"u1","content":"hi"}`,
			want: 1,
		},
		{
			name: "array",
			data: `[{"conversationId":"c1","eventId":"e1","kind":"text","authorId":"u1"},{"conversationId":"c1","eventId":"e2","kind":"image","authorId":"u2"}]`,
			want: 2,
		},
		{
			name: "empty array",
			data: `[]`,
			want: 0,
		},
		{
			name: "whitespace only",
			data: "  \n ",
			want: 0,
		},
		{
			name:    "malformed",
			data:    `{"conversationId":`,
			wantErr: true,
		},
		{
			name:    "wrong shape",
			data:    `"just a string"`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			evs, err := decodeFrame([]byte(tt.data))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(evs) != tt.want {
				t.Fatalf("events = %d, want %d", len(evs), tt.want)
			}
		})
	}
}

func TestClientRunDeliversEvents(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(
			`[{"conversationId":"c1","eventId":"e1","kind":"text","authorId":"u1","content":"hello"}]`))
		// Keep the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, err := NewClient(Config{URL: url, AuthToken: "secret"}, logx.Nop())
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan []event.Incoming, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx, out) }()

	select {
	case evs := <-out:
		if len(evs) != 1 || evs[0].EventID != "e1" {
			t.Fatalf("events = %+v", evs)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no events delivered")
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("auth header = %q", gotAuth)
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClientRunSurvivesMalformedFrame(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"broken`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(
			`{"conversationId":"c1","eventId":"e2","kind":"text","authorId":"u1"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, err := NewClient(Config{URL: url}, logx.Nop())
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan []event.Incoming, 1)
	go func() { _ = c.Run(ctx, out) }()

	select {
	case evs := <-out:
		if evs[0].EventID != "e2" {
			t.Fatalf("event = %+v", evs[0])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("good frame after bad frame never arrived")
	}
}

func TestNewClientValidatesURL(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(Config{URL: ""}, logx.Nop()); err == nil {
		t.Fatal("empty url accepted")
	}
	if _, err := NewClient(Config{URL: "http://example.com"}, logx.Nop()); err == nil {
		t.Fatal("http url accepted")
	}
	if _, err := NewClient(Config{URL: "wss://example.com/feed"}, logx.Nop()); err != nil {
		t.Fatalf("wss url rejected: %v", err)
	}
}
