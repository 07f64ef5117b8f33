package push

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"teampush/internal/eventbus"
	logx "teampush/pkg/logx"
)

func testPayloads(n int) []Payload {
	out := make([]Payload, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Payload{
			To:       "ExponentPushToken[tok]",
			Sound:    "default",
			Title:    "Room",
			Body:     "hello",
			Priority: PriorityDefault,
			Data: Data{
				ConversationID: "conv-1",
				EventIDs:       []string{"evt-1"},
				Tier:           "batched",
				Priority:       PriorityDefault,
			},
		})
	}
	return out
}

func TestDispatcherSendsOneArrayPost(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		bodies [][]byte
		auths  []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, b)
		auths = append(auths, r.Header.Get("Authorization"))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"status":"ok"}]}`))
	}))
	defer srv.Close()

	gw, err := NewGateway(GatewayConfig{URL: srv.URL, AuthToken: "secret"}, logx.Nop())
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}

	d := NewDispatcher(Config{Workers: 1, QueueSize: 8, RatePerSec: 100}, gw, logx.Nop(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	if err := d.Enqueue("conv-1", testPayloads(3)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	d.Stop(stopCtx)

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 1 {
		t.Fatalf("gateway posts = %d, want 1", len(bodies))
	}
	if auths[0] != "Bearer secret" {
		t.Fatalf("auth header = %q", auths[0])
	}

	var got []Payload
	if err := json.Unmarshal(bodies[0], &got); err != nil {
		t.Fatalf("body is not a JSON array: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("payloads in body = %d, want 3", len(got))
	}
	if got[0].Sound != "default" || got[0].Data.ConversationID != "conv-1" {
		t.Fatalf("unexpected payload: %+v", got[0])
	}
}

func TestDispatcherFailureIsContained(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	gw, err := NewGateway(GatewayConfig{URL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	d := NewDispatcher(Config{Workers: 1, QueueSize: 8, RatePerSec: 100}, gw, logx.Nop(), bus, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	// Both a failing and a following send must go through; a gateway error
	// never poisons the pipeline.
	if err := d.Enqueue("conv-1", testPayloads(1)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := d.Enqueue("conv-2", testPayloads(1)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	d.Stop(stopCtx)

	failed := 0
	for {
		select {
		case e := <-ch:
			if e.Type == eventbus.TypePushFailed {
				failed++
			}
			if failed == 2 {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("push.failed events = %d, want 2", failed)
		}
	}
}

func TestDispatcherEnqueueAfterStop(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	gw, err := NewGateway(GatewayConfig{URL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}

	d := NewDispatcher(Config{}, gw, logx.Nop(), nil, nil)

	// Never started: Enqueue must refuse rather than block.
	if err := d.Enqueue("conv-1", testPayloads(1)); !errors.Is(err, ErrStopped) {
		t.Fatalf("enqueue before start = %v, want ErrStopped", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	d.Stop(stopCtx)

	if err := d.Enqueue("conv-1", testPayloads(1)); !errors.Is(err, ErrStopped) {
		t.Fatalf("enqueue after stop = %v, want ErrStopped", err)
	}
}

func TestDispatcherQueueFull(t *testing.T) {
	t.Parallel()

	inFlight := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inFlight <- struct{}{}
		<-release
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	gw, err := NewGateway(GatewayConfig{URL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}

	d := NewDispatcher(Config{Workers: 1, QueueSize: 1, RatePerSec: 100}, gw, logx.Nop(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	// First job occupies the single worker.
	if err := d.Enqueue("conv-1", testPayloads(1)); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	select {
	case <-inFlight:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never reached the gateway")
	}

	// Second job fills the queue; third must be dropped without blocking.
	if err := d.Enqueue("conv-2", testPayloads(1)); err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}
	if err := d.Enqueue("conv-3", testPayloads(1)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("enqueue 3 = %v, want ErrQueueFull", err)
	}

	close(release)
	// Second request reaches the gateway too.
	select {
	case <-inFlight:
	case <-time.After(2 * time.Second):
		t.Fatal("queued job never dispatched")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	d.Stop(stopCtx)
}
