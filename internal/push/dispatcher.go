package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"teampush/internal/eventbus"
	"teampush/internal/runtime/supervisor"
	"teampush/internal/storage"
	logx "teampush/pkg/logx"
)

var (
	ErrQueueFull = errors.New("dispatcher queue full")
	ErrStopped   = errors.New("dispatcher stopped")
)

// Config controls the async dispatch pipeline.
type Config struct {
	Workers    int
	QueueSize  int
	RatePerSec int
}

type job struct {
	conversationID string
	payloads       []Payload
	enqueuedAt     time.Time
}

// Dispatcher decouples delivery from ingestion: Enqueue never blocks, and a
// slow or failing gateway only ever costs queued jobs, not batching state.
// No retry: a lost notification is an accepted failure mode.
//
// It is safe for concurrent use.
type Dispatcher struct {
	mu sync.Mutex

	log     logx.Logger
	gateway *Gateway
	bus     eventbus.Bus
	store   storage.Store

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *supervisor.Supervisor
	stopDone chan struct{} // non-nil while stopping
}

// Outcome is the bus payload for push.sent / push.failed.
type Outcome struct {
	ConversationID string    `json:"conversation_id"`
	Recipients     int       `json:"recipients"`
	At             time.Time `json:"at"`
	Error          string    `json:"error,omitempty"`
}

func NewDispatcher(cfg Config, gateway *Gateway, log logx.Logger, bus eventbus.Bus, store storage.Store) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		gateway: gateway,
		log:     log,
		bus:     bus,
		store:   store,
	}
	d.applyLocked(cfg)
	return d
}

func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.applyLocked(cfg)
	d.mu.Unlock()
}

func (d *Dispatcher) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	d.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		d.mu.Lock()
	}
	if d.queue != nil {
		d.mu.Unlock()
		return
	}

	d.queue = make(chan job, d.cfg.QueueSize)
	d.accepting = true
	workers := d.cfg.Workers

	d.sup = supervisor.New(ctx,
		supervisor.WithLogger(d.log),
		// delivery failures must never take down the app; best-effort only.
		supervisor.WithCancelOnError(false),
	)
	sup := d.sup
	q := d.queue
	d.mu.Unlock()

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker-%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			d.workerLoop(c, q)
			d.mu.Lock()
			stopping := d.stopDone != nil
			d.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("dispatch worker exited unexpectedly")
		}, supervisor.WithPublishFirstError(true))
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (d *Dispatcher) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.Lock()
	q := d.queue
	sup := d.sup
	if q == nil {
		d.mu.Unlock()
		return
	}
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	d.stopDone = done
	d.accepting = false
	d.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close the queue so workers drain it.
		d.sendWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		d.mu.Lock()
		d.queue = nil
		d.stopDone = nil
		d.sup = nil
		d.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Enqueue hands a payload set to the worker pool. It never blocks: a full
// queue drops the job with a log entry and ErrQueueFull. Ingestion treats
// any error here as a silent degradation.
func (d *Dispatcher) Enqueue(conversationID string, payloads []Payload) error {
	if len(payloads) == 0 {
		return nil
	}

	d.mu.Lock()
	if !d.accepting || d.queue == nil {
		d.mu.Unlock()
		return ErrStopped
	}
	q := d.queue
	d.sendWG.Add(1)
	d.mu.Unlock()
	defer d.sendWG.Done()

	select {
	case q <- job{conversationID: conversationID, payloads: payloads, enqueuedAt: time.Now()}:
		return nil
	default:
		d.log.Warn("dispatch queue full; dropping payloads",
			logx.String("conversation", conversationID),
			logx.Int("recipients", len(payloads)))
		d.publish(eventbus.TypePushFailed, conversationID, len(payloads), ErrQueueFull)
		return ErrQueueFull
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context, q <-chan job) {
	if ctx == nil {
		ctx = context.Background()
	}
	if q == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			d.send(ctx, j)
		}
	}
}

func (d *Dispatcher) send(runCtx context.Context, j job) {
	d.mu.Lock()
	lim := d.limiter
	gw := d.gateway
	d.mu.Unlock()

	if gw == nil {
		return
	}

	if lim != nil {
		if err := lim.Wait(runCtx); err != nil {
			return
		}
	}

	start := time.Now()
	// Bound the call so a hung gateway can't wedge a worker.
	callCtx, cancel := context.WithTimeout(runCtx, 15*time.Second)
	err := gw.Send(callCtx, j.payloads)
	cancel()

	if err != nil {
		d.log.Warn("push dispatch failed",
			logx.String("conversation", j.conversationID),
			logx.Int("recipients", len(j.payloads)),
			logx.Duration("took", time.Since(start)),
			logx.Err(err))
		d.publish(eventbus.TypePushFailed, j.conversationID, len(j.payloads), err)
	} else {
		d.log.Debug("push dispatched",
			logx.String("conversation", j.conversationID),
			logx.Int("recipients", len(j.payloads)),
			logx.Duration("took", time.Since(start)))
		d.publish(eventbus.TypePushSent, j.conversationID, len(j.payloads), nil)
	}

	d.audit(j, start, err)
}

// audit records the dispatch outcome in the ledger, best-effort.
func (d *Dispatcher) audit(j job, start time.Time, sendErr error) {
	if d.store == nil {
		return
	}
	e := storage.DispatchEntry{
		At:             start,
		ConversationID: j.conversationID,
		Recipients:     len(j.payloads),
		TookMS:         time.Since(start).Milliseconds(),
	}
	if sendErr != nil {
		e.Error = sendErr.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	_ = d.store.AppendDispatch(ctx, e)
	cancel()
}

func (d *Dispatcher) publish(typ, conversationID string, recipients int, err error) {
	if d.bus == nil {
		return
	}
	o := Outcome{ConversationID: conversationID, Recipients: recipients, At: time.Now()}
	if err != nil {
		o.Error = err.Error()
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: o})
}
