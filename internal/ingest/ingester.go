// Package ingest runs the per-event pipeline: validate, drop stale, dedupe,
// classify, then hand off to immediate dispatch or the batch table.
package ingest

import (
	"context"
	"sync"
	"time"

	"teampush/internal/batch"
	"teampush/internal/compose"
	"teampush/internal/event"
	"teampush/internal/eventbus"
	"teampush/internal/push"
	"teampush/internal/recipient"
	"teampush/internal/storage"
	logx "teampush/pkg/logx"
)

const (
	// DefaultStalenessWindow drops events that spent too long in the feed;
	// a notification about a minute-old message is worse than none.
	DefaultStalenessWindow = 30 * time.Second

	// DefaultDedupWindow is how long an event id is remembered. Feeds
	// redeliver on reconnect, so ids repeat within minutes, not days.
	DefaultDedupWindow = 24 * time.Hour

	// DefaultDedupMaxEntries caps the in-memory seen set.
	DefaultDedupMaxEntries = 100_000
)

type Config struct {
	StalenessWindow time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

func (c Config) withDefaults() Config {
	if c.StalenessWindow <= 0 {
		c.StalenessWindow = DefaultStalenessWindow
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = DefaultDedupMaxEntries
	}
	return c
}

// Sender is the handoff into async delivery. Implemented by push.Dispatcher.
type Sender interface {
	Enqueue(conversationID string, payloads []push.Payload) error
}

// Drop is the bus payload for ingest.discarded_stale / ingest.deduped /
// ingest.dropped.
type Drop struct {
	EventID        string `json:"event_id"`
	ConversationID string `json:"conversation_id"`
	Reason         string `json:"reason"`
}

// Ingester is safe for concurrent use, though the feed normally drives it
// from a single goroutine.
type Ingester struct {
	log      logx.Logger
	bus      eventbus.Bus
	store    storage.Store // optional; nil disables the persistent ledger
	resolver *recipient.Resolver
	batches  *batch.Store
	sender   Sender

	mu   sync.Mutex
	cfg  Config
	seen map[string]time.Time // event id -> expiry

	now func() time.Time // test hook
}

func New(cfg Config, resolver *recipient.Resolver, batches *batch.Store, sender Sender, log logx.Logger, bus eventbus.Bus, store storage.Store) *Ingester {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ingester{
		log:      log,
		bus:      bus,
		store:    store,
		resolver: resolver,
		batches:  batches,
		sender:   sender,
		cfg:      cfg.withDefaults(),
		seen:     map[string]time.Time{},
		now:      time.Now,
	}
}

// Apply updates tunables on config reload.
func (i *Ingester) Apply(cfg Config) {
	i.mu.Lock()
	i.cfg = cfg.withDefaults()
	i.mu.Unlock()
}

// Process handles a feed delivery. Events are independent: one bad event is
// dropped and logged, the rest of the slice still goes through.
func (i *Ingester) Process(ctx context.Context, evs []event.Incoming) {
	for _, ev := range evs {
		if err := i.handle(ctx, ev); err != nil {
			i.log.Warn("event dropped",
				logx.String("event", ev.EventID),
				logx.String("conversation", ev.ConversationID),
				logx.Err(err))
			i.drop(eventbus.TypeIngestDropped, ev, err.Error())
		}
	}
}

func (i *Ingester) handle(ctx context.Context, ev event.Incoming) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	now := i.now()

	i.mu.Lock()
	staleness := i.cfg.StalenessWindow
	i.mu.Unlock()

	// A zero timestamp means the feed didn't stamp the event; let it through
	// rather than discarding on missing metadata.
	if !ev.OccurredAt.IsZero() && now.Sub(ev.OccurredAt) > staleness {
		i.log.Debug("stale event discarded",
			logx.String("event", ev.EventID),
			logx.String("conversation", ev.ConversationID),
			logx.Duration("age", now.Sub(ev.OccurredAt)))
		i.drop(eventbus.TypeIngestStale, ev, "stale")
		return nil
	}

	if !i.firstSight(ctx, ev.EventID, now) {
		i.log.Debug("duplicate event discarded",
			logx.String("event", ev.EventID),
			logx.String("conversation", ev.ConversationID))
		i.drop(eventbus.TypeIngestDeduped, ev, "duplicate")
		return nil
	}

	if event.Classify(ev) == event.TierImmediate {
		return i.immediate(ctx, ev)
	}
	i.batch(ev)
	return nil
}

func (i *Ingester) immediate(ctx context.Context, ev event.Incoming) error {
	res, err := i.resolver.Resolve(ctx, ev.ConversationID, ev.AuthorID)
	if err != nil {
		return err
	}
	if len(res.Tokens) == 0 {
		i.log.Debug("no recipients for immediate event",
			logx.String("event", ev.EventID),
			logx.String("conversation", ev.ConversationID))
		return nil
	}

	payloads := compose.Immediate(ev, res.ConversationName, res.Tokens)
	if err := i.sender.Enqueue(ev.ConversationID, payloads); err != nil {
		// Dispatcher already logged; delivery loss is accepted here.
		i.log.Debug("immediate dispatch refused", logx.Err(err))
	}
	return nil
}

func (i *Ingester) batch(ev event.Incoming) {
	i.batches.Enqueue(ev.ConversationID, "", batch.Entry{
		EventID:    ev.EventID,
		Kind:       ev.Kind,
		AuthorID:   ev.AuthorID,
		AuthorName: ev.AuthorName,
		Content:    ev.Body,
	}, i.FlushBatch)
}

// FlushBatch is the timer callback: recipients are resolved at flush time,
// not enqueue time, so membership changes during the window are honored.
// Everyone who authored an entry in the batch is excluded.
func (i *Ingester) FlushBatch(b batch.Batch) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := i.resolver.Resolve(ctx, b.ConversationID, batchAuthors(b)...)
	if err != nil {
		i.log.Warn("batch flush lost: recipient lookup failed",
			logx.String("conversation", b.ConversationID),
			logx.Int("events", len(b.Entries)),
			logx.Err(err))
		return
	}
	if len(res.Tokens) == 0 {
		i.log.Debug("no recipients for batch",
			logx.String("conversation", b.ConversationID),
			logx.Int("events", len(b.Entries)))
		return
	}

	if res.ConversationName != "" {
		b.ConversationName = res.ConversationName
	}
	payloads := compose.FromBatch(b, res.Tokens)
	if err := i.sender.Enqueue(b.ConversationID, payloads); err != nil {
		i.log.Debug("batch dispatch refused", logx.Err(err))
	}
}

func batchAuthors(b batch.Batch) []string {
	out := make([]string, 0, 2)
	seen := map[string]struct{}{}
	for _, e := range b.Entries {
		if e.AuthorID == "" {
			continue
		}
		if _, ok := seen[e.AuthorID]; ok {
			continue
		}
		seen[e.AuthorID] = struct{}{}
		out = append(out, e.AuthorID)
	}
	return out
}

// firstSight reports whether the event id is new and records it. The
// in-memory set answers the common case; the storage ledger (when present)
// catches duplicates across restarts.
//
// The id is reserved in the in-memory set inside a single critical section
// BEFORE the ledger read: concurrent redeliveries of the same id (reconnect
// replay racing the live feed) must lose here, not after the round-trip.
func (i *Ingester) firstSight(ctx context.Context, eventID string, now time.Time) bool {
	i.mu.Lock()
	cfg := i.cfg
	if exp, ok := i.seen[eventID]; ok && exp.After(now) {
		i.mu.Unlock()
		return false
	}
	until := now.Add(cfg.DedupWindow)
	if len(i.seen) >= cfg.DedupMaxEntries {
		i.pruneSeenLocked(now, cfg.DedupMaxEntries)
	}
	i.seen[eventID] = until
	i.mu.Unlock()

	if i.store != nil {
		if stored, ok, err := i.store.GetSeen(ctx, eventID); err == nil && ok && stored.After(now) {
			// Seen in a previous process life: keep the reservation, adopt
			// the ledger's expiry.
			i.mu.Lock()
			i.seen[eventID] = stored
			i.mu.Unlock()
			return false
		}
		// Best-effort; losing the persisted entry only risks one duplicate
		// notification across a restart.
		if err := i.store.PutSeen(ctx, eventID, until); err != nil {
			i.log.Debug("seen ledger write failed", logx.Err(err))
		}
	}
	return true
}

// pruneSeenLocked drops expired entries, then keeps evicting until the set
// fits the cap. Caller holds i.mu.
func (i *Ingester) pruneSeenLocked(now time.Time, max int) {
	for id, exp := range i.seen {
		if !exp.After(now) {
			delete(i.seen, id)
		}
	}
	for id := range i.seen {
		if len(i.seen) < max {
			break
		}
		delete(i.seen, id)
	}
}

func (i *Ingester) drop(typ string, ev event.Incoming, reason string) {
	if i.bus == nil {
		return
	}
	i.bus.Publish(eventbus.Event{Type: typ, Data: Drop{
		EventID:        ev.EventID,
		ConversationID: ev.ConversationID,
		Reason:         reason,
	}})
}
