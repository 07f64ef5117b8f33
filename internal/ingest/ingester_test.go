package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"teampush/internal/batch"
	"teampush/internal/event"
	"teampush/internal/push"
	"teampush/internal/recipient"
	"teampush/internal/storage"
	logx "teampush/pkg/logx"
)

type fakeDirectory struct {
	mu    sync.Mutex
	conv  recipient.Conversation
	err   error
	calls int
}

func (d *fakeDirectory) Conversation(ctx context.Context, id string) (recipient.Conversation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return recipient.Conversation{}, d.err
	}
	return d.conv, nil
}

type captureSender struct {
	mu    sync.Mutex
	calls []captured
	err   error
}

type captured struct {
	conversationID string
	payloads       []push.Payload
}

func (s *captureSender) Enqueue(conversationID string, payloads []push.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.calls = append(s.calls, captured{conversationID: conversationID, payloads: payloads})
	return nil
}

func (s *captureSender) all() []captured {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]captured, len(s.calls))
	copy(out, s.calls)
	return out
}

func roster() recipient.Conversation {
	return recipient.Conversation{
		ID:   "conv-1",
		Name: "Sunday League",
		Members: []recipient.Member{
			{UserID: "u-alice", DisplayName: "Alice", PushToken: "tok-alice"},
			{UserID: "u-bob", DisplayName: "Bob", PushToken: "tok-bob"},
			{UserID: "u-cara", DisplayName: "Cara", PushToken: "tok-cara"},
		},
	}
}

func newTestIngester(t *testing.T, dir *fakeDirectory, sender Sender, window time.Duration) *Ingester {
	t.Helper()
	batches := batch.NewStore(window, logx.Nop(), nil)
	return New(Config{}, recipient.NewResolver(dir), batches, sender, logx.Nop(), nil, nil)
}

func textEvent(id, author, authorName, body string) event.Incoming {
	return event.Incoming{
		ConversationID: "conv-1",
		EventID:        id,
		Kind:           event.KindText,
		AuthorID:       author,
		AuthorName:     authorName,
		Body:           body,
		OccurredAt:     time.Now(),
	}
}

func TestImmediateEventDispatchesRightAway(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{conv: roster()}
	sender := &captureSender{}
	ing := newTestIngester(t, dir, sender, time.Hour)

	ev := textEvent("evt-1", "u-alice", "Alice", "@bob you in?")
	ev.Mentions = []string{"u-bob"}
	ing.Process(context.Background(), []event.Incoming{ev})

	calls := sender.all()
	if len(calls) != 1 {
		t.Fatalf("dispatches = %d, want 1", len(calls))
	}
	got := calls[0]
	if got.conversationID != "conv-1" {
		t.Fatalf("conversation = %q", got.conversationID)
	}
	// Author excluded, two remaining members.
	if len(got.payloads) != 2 {
		t.Fatalf("payloads = %d, want 2", len(got.payloads))
	}
	for _, p := range got.payloads {
		if p.To == "tok-alice" {
			t.Fatal("author received their own notification")
		}
		if p.Priority != push.PriorityHigh {
			t.Fatalf("priority = %q, want high", p.Priority)
		}
	}
}

func TestBatchedEventWaitsForWindow(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{conv: roster()}
	sender := &captureSender{}
	ing := newTestIngester(t, dir, sender, 60*time.Millisecond)

	ing.Process(context.Background(), []event.Incoming{
		textEvent("evt-1", "u-alice", "Alice", "one"),
		textEvent("evt-2", "u-alice", "Alice", "two"),
	})

	if got := sender.all(); len(got) != 0 {
		t.Fatalf("dispatched before window elapsed: %d", len(got))
	}

	time.Sleep(200 * time.Millisecond)

	calls := sender.all()
	if len(calls) != 1 {
		t.Fatalf("dispatches = %d, want 1", len(calls))
	}
	p := calls[0].payloads[0]
	if p.Body != "Alice sent 2 messages" {
		t.Fatalf("body = %q", p.Body)
	}
	if len(p.Data.EventIDs) != 2 {
		t.Fatalf("event ids = %v", p.Data.EventIDs)
	}
	if p.Priority != push.PriorityDefault {
		t.Fatalf("priority = %q, want default", p.Priority)
	}
}

func TestStaleEventDiscarded(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{conv: roster()}
	sender := &captureSender{}
	ing := newTestIngester(t, dir, sender, 20*time.Millisecond)

	old := textEvent("evt-old", "u-alice", "Alice", "ancient")
	old.OccurredAt = time.Now().Add(-40 * time.Second)
	fresh := textEvent("evt-fresh", "u-alice", "Alice", "recent")
	fresh.OccurredAt = time.Now().Add(-10 * time.Second)

	ing.Process(context.Background(), []event.Incoming{old, fresh})
	time.Sleep(150 * time.Millisecond)

	calls := sender.all()
	if len(calls) != 1 {
		t.Fatalf("dispatches = %d, want 1", len(calls))
	}
	ids := calls[0].payloads[0].Data.EventIDs
	if len(ids) != 1 || ids[0] != "evt-fresh" {
		t.Fatalf("event ids = %v, want only evt-fresh", ids)
	}
}

func TestDuplicateEventDiscarded(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{conv: roster()}
	sender := &captureSender{}
	ing := newTestIngester(t, dir, sender, 20*time.Millisecond)

	ev := textEvent("evt-1", "u-alice", "Alice", "hello")
	ing.Process(context.Background(), []event.Incoming{ev, ev})
	time.Sleep(150 * time.Millisecond)

	calls := sender.all()
	if len(calls) != 1 {
		t.Fatalf("dispatches = %d, want 1", len(calls))
	}
	if n := len(calls[0].payloads[0].Data.EventIDs); n != 1 {
		t.Fatalf("event ids = %d, want 1", n)
	}
}

func TestInvalidEventDoesNotPoisonSlice(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{conv: roster()}
	sender := &captureSender{}
	ing := newTestIngester(t, dir, sender, 20*time.Millisecond)

	bad := textEvent("", "u-alice", "Alice", "no id")
	good := textEvent("evt-1", "u-alice", "Alice", "fine")

	ing.Process(context.Background(), []event.Incoming{bad, good})
	time.Sleep(150 * time.Millisecond)

	calls := sender.all()
	if len(calls) != 1 {
		t.Fatalf("dispatches = %d, want 1", len(calls))
	}
	ids := calls[0].payloads[0].Data.EventIDs
	if len(ids) != 1 || ids[0] != "evt-1" {
		t.Fatalf("event ids = %v", ids)
	}
}

func TestBatchFlushExcludesAllAuthors(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{conv: roster()}
	sender := &captureSender{}
	ing := newTestIngester(t, dir, sender, 30*time.Millisecond)

	ing.Process(context.Background(), []event.Incoming{
		textEvent("evt-1", "u-alice", "Alice", "one"),
		textEvent("evt-2", "u-bob", "Bob", "two"),
	})
	time.Sleep(200 * time.Millisecond)

	calls := sender.all()
	if len(calls) != 1 {
		t.Fatalf("dispatches = %d, want 1", len(calls))
	}
	payloads := calls[0].payloads
	if len(payloads) != 1 {
		t.Fatalf("payloads = %d, want 1 (only Cara)", len(payloads))
	}
	if payloads[0].To != "tok-cara" {
		t.Fatalf("recipient = %q, want tok-cara", payloads[0].To)
	}
	if payloads[0].Title != "Sunday League" {
		t.Fatalf("title = %q", payloads[0].Title)
	}
}

func TestBatchFlushLostOnDirectoryError(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{conv: roster()}
	sender := &captureSender{}
	ing := newTestIngester(t, dir, sender, 30*time.Millisecond)

	ing.Process(context.Background(), []event.Incoming{
		textEvent("evt-1", "u-alice", "Alice", "one"),
	})

	// Directory starts failing before the flush fires.
	dir.mu.Lock()
	dir.err = errors.New("directory unavailable")
	dir.mu.Unlock()

	time.Sleep(200 * time.Millisecond)

	if calls := sender.all(); len(calls) != 0 {
		t.Fatalf("dispatches = %d, want 0 (batch lost)", len(calls))
	}

	// The engine keeps working afterwards.
	dir.mu.Lock()
	dir.err = nil
	dir.mu.Unlock()

	ing.Process(context.Background(), []event.Incoming{
		textEvent("evt-2", "u-alice", "Alice", "two"),
	})
	time.Sleep(200 * time.Millisecond)

	if calls := sender.all(); len(calls) != 1 {
		t.Fatalf("dispatches after recovery = %d, want 1", len(calls))
	}
}

// slowLedger is an in-memory storage.Store whose reads take long enough to
// open a race window between the dedup check and the record.
type slowLedger struct {
	readDelay time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

func (l *slowLedger) GetSeen(ctx context.Context, id string) (time.Time, bool, error) {
	time.Sleep(l.readDelay)
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.seen[id]
	return until, ok, nil
}

func (l *slowLedger) PutSeen(ctx context.Context, id string, until time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen == nil {
		l.seen = map[string]time.Time{}
	}
	l.seen[id] = until
	return nil
}

func (l *slowLedger) AppendDispatch(ctx context.Context, e storage.DispatchEntry) error { return nil }
func (l *slowLedger) PruneSeen(ctx context.Context) (int, error)                        { return 0, nil }
func (l *slowLedger) Close() error                                                      { return nil }

func TestConcurrentRedeliveryAdmitsOnce(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{conv: roster()}
	sender := &captureSender{}
	batches := batch.NewStore(time.Hour, logx.Nop(), nil)
	ledger := &slowLedger{readDelay: 200 * time.Microsecond}
	ing := New(Config{}, recipient.NewResolver(dir), batches, sender, logx.Nop(), nil, ledger)

	// Reconnect replay racing the live feed: every id arrives on four
	// deliveries at once. Exactly one copy of each may reach the batch.
	const ids = 50
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < ids; n++ {
				ev := textEvent(fmt.Sprintf("evt-%d", n), "u-alice", "Alice", "hi")
				ing.Process(context.Background(), []event.Incoming{ev})
			}
		}()
	}
	wg.Wait()

	b, ok := batches.Flush("conv-1")
	if !ok {
		t.Fatal("no batch opened")
	}
	if len(b.Entries) != ids {
		t.Fatalf("batch holds %d entries, want %d (each id admitted exactly once)", len(b.Entries), ids)
	}
}

func TestSenderRefusalDoesNotStopIngest(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{conv: roster()}
	sender := &captureSender{err: push.ErrQueueFull}
	ing := newTestIngester(t, dir, sender, 20*time.Millisecond)

	ev := textEvent("evt-1", "u-alice", "Alice", "@bob hi")
	ev.Mentions = []string{"u-bob"}
	ing.Process(context.Background(), []event.Incoming{ev})

	sender.mu.Lock()
	sender.err = nil
	sender.mu.Unlock()

	ev2 := textEvent("evt-2", "u-alice", "Alice", "@bob again")
	ev2.Mentions = []string{"u-bob"}
	ing.Process(context.Background(), []event.Incoming{ev2})

	calls := sender.all()
	if len(calls) != 1 {
		t.Fatalf("dispatches = %d, want 1", len(calls))
	}
}
