// Package batch owns the table of in-flight notification batches, one per
// conversation, each with a sliding debounce timer.
package batch

import (
	"sync"
	"time"

	"teampush/internal/event"
	"teampush/internal/eventbus"
	logx "teampush/pkg/logx"
)

// DefaultWindow is the production debounce window: every batched event in a
// conversation pushes its flush out by another window.
const DefaultWindow = 60 * time.Second

// Entry is one batched event, recorded in arrival order.
type Entry struct {
	EventID    string
	Kind       event.Kind
	AuthorID   string
	AuthorName string
	Content    string
}

// Batch is the removed snapshot handed to the flush callback. Entries keep
// arrival order, oldest first.
type Batch struct {
	ConversationID   string
	ConversationName string
	Entries          []Entry
	OpenedAt         time.Time
}

// FlushFunc receives the batch after it has been removed from the store.
// It runs on the timer's goroutine, never under the store lock.
type FlushFunc func(b Batch)

type pending struct {
	batch Batch
	timer *time.Timer
	flush FlushFunc

	// gen counts re-arms. A timer callback that lost the cancel race (fired,
	// but not yet holding the lock when Enqueue stopped it) sees a newer gen
	// and aborts instead of flushing a just-extended batch early.
	gen uint64
}

// Store is the only shared mutable state in the engine. One mutex guards the
// whole key space so enqueue and flush are linearizable per conversation:
// there is never more than one live timer per key, and a flush can never race
// an enqueue into a just-deleted entry.
type Store struct {
	mu      sync.Mutex
	window  time.Duration
	pending map[string]*pending

	log logx.Logger
	bus eventbus.Bus
}

func NewStore(window time.Duration, log logx.Logger, bus eventbus.Bus) *Store {
	if window <= 0 {
		window = DefaultWindow
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		window:  window,
		pending: map[string]*pending{},
		log:     log,
		bus:     bus,
	}
}

// Window returns the current debounce window.
func (s *Store) Window() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window
}

// SetWindow changes the debounce window for timers armed from now on.
// Already-armed timers keep their original deadline.
func (s *Store) SetWindow(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.window = d
	s.mu.Unlock()
}

// Len reports the number of open batches.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Enqueue appends an entry to the conversation's batch, opening one if none
// exists, and re-arms the flush timer. The existing timer is always cancelled
// first: the window slides with every arrival.
func (s *Store) Enqueue(conversationID, conversationName string, e Entry, flush FlushFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pending[conversationID]; ok {
		p.timer.Stop()
		p.batch.Entries = append(p.batch.Entries, e)
		if conversationName != "" {
			p.batch.ConversationName = conversationName
		}
		if flush != nil {
			p.flush = flush
		}
		p.timer = s.armLocked(conversationID, p)
		s.publish(eventbus.TypeBatchExtended, conversationID, len(p.batch.Entries))
		s.log.Debug("batch extended",
			logx.String("conversation", conversationID),
			logx.Int("size", len(p.batch.Entries)),
			logx.Duration("window", s.window))
		return
	}

	p := &pending{
		batch: Batch{
			ConversationID:   conversationID,
			ConversationName: conversationName,
			Entries:          []Entry{e},
			OpenedAt:         time.Now(),
		},
		flush: flush,
	}
	p.timer = s.armLocked(conversationID, p)
	s.pending[conversationID] = p
	s.publish(eventbus.TypeBatchOpened, conversationID, 1)
	s.log.Debug("batch opened",
		logx.String("conversation", conversationID),
		logx.Duration("window", s.window))
}

// armLocked starts a fresh timer for the key using the current window.
// The timer's callback only flushes if the batch has not been re-armed
// since: Stop cannot cancel a timer whose function has already started,
// so the callback re-checks the generation under the lock.
// Caller holds s.mu.
func (s *Store) armLocked(conversationID string, p *pending) *time.Timer {
	p.gen++
	gen := p.gen
	return time.AfterFunc(s.window, func() {
		b, fn, ok := s.takeGen(conversationID, gen)
		if !ok {
			// Re-armed or manually flushed since this timer was set.
			return
		}
		if fn != nil {
			fn(b)
		}
	})
}

// Flush atomically removes and returns the conversation's batch.
// ok is false when no batch is open (e.g. the timer already fired).
func (s *Store) Flush(conversationID string) (Batch, bool) {
	b, _, ok := s.take(conversationID)
	return b, ok
}

func (s *Store) take(conversationID string) (Batch, FlushFunc, bool) {
	return s.remove(conversationID, 0, false)
}

// takeGen is the timer path of take: it refuses to remove the batch when
// the stored generation no longer matches, meaning Enqueue re-armed the
// timer after this one fired.
func (s *Store) takeGen(conversationID string, gen uint64) (Batch, FlushFunc, bool) {
	return s.remove(conversationID, gen, true)
}

func (s *Store) remove(conversationID string, gen uint64, matchGen bool) (Batch, FlushFunc, bool) {
	s.mu.Lock()
	p, ok := s.pending[conversationID]
	if !ok || (matchGen && p.gen != gen) {
		s.mu.Unlock()
		return Batch{}, nil, false
	}
	p.timer.Stop()
	delete(s.pending, conversationID)
	s.mu.Unlock()

	s.publish(eventbus.TypeBatchFlushed, conversationID, len(p.batch.Entries))
	return p.batch, p.flush, true
}

// FlushAll removes every open batch and runs its flush callback inline.
// Used on clean shutdown so open batches are delivered rather than dropped.
func (s *Store) FlushAll() int {
	s.mu.Lock()
	keys := make([]string, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	n := 0
	for _, k := range keys {
		b, fn, ok := s.take(k)
		if !ok {
			continue
		}
		n++
		if fn != nil {
			fn(b)
		}
	}
	return n
}

// Discard cancels every pending timer without flushing. Batches are lost;
// acceptable on forced shutdown.
func (s *Store) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, k)
	}
}

func (s *Store) publish(typ, conversationID string, size int) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: Notice{ConversationID: conversationID, Size: size}})
}

// Notice is the bus payload for batch lifecycle events.
type Notice struct {
	ConversationID string `json:"conversation_id"`
	Size           int    `json:"size"`
}
