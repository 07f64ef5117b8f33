package app

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"teampush/internal/batch"
	"teampush/internal/config"
	"teampush/internal/eventbus"
	"teampush/internal/storage"
	logx "teampush/pkg/logx"
)

const defaultMaintenanceSchedule = "@every 10m"

// maintenance runs periodic housekeeping: prune the seen-event ledger and
// log an engine stats snapshot.
type maintenance struct {
	c       *cron.Cron
	store   storage.Store
	batches *batch.Store
	bus     eventbus.Bus
	log     logx.Logger

	// dispatch outcomes since the last run, tallied from the bus.
	sent   atomic.Int64
	failed atomic.Int64

	unsub func()
	done  chan struct{}
}

func newMaintenance(cfg config.MaintenanceConfig, store storage.Store, batches *batch.Store, bus eventbus.Bus, log logx.Logger) (*maintenance, error) {
	spec := cfg.Schedule
	if spec == "" {
		spec = defaultMaintenanceSchedule
	}

	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("maintenance.timezone: %w", err)
		}
		loc = l
	}

	m := &maintenance{
		c:       cron.New(cron.WithLocation(loc)),
		store:   store,
		batches: batches,
		bus:     bus,
		log:     log,
		done:    make(chan struct{}),
	}
	if _, err := m.c.AddFunc(spec, m.run); err != nil {
		return nil, fmt.Errorf("maintenance.schedule %q: %w", spec, err)
	}
	return m, nil
}

func (m *maintenance) start() {
	if m.bus != nil {
		ch, unsub := m.bus.Subscribe(64)
		m.unsub = unsub
		go func() {
			defer close(m.done)
			for e := range ch {
				switch e.Type {
				case eventbus.TypePushSent:
					m.sent.Add(1)
				case eventbus.TypePushFailed:
					m.failed.Add(1)
				}
			}
		}()
	} else {
		close(m.done)
	}

	m.c.Start()
	m.log.Info("maintenance scheduled")
}

func (m *maintenance) stop() {
	<-m.c.Stop().Done()
	if m.unsub != nil {
		m.unsub()
	}
	<-m.done
}

func (m *maintenance) run() {
	start := time.Now()

	pruned := 0
	if m.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		n, err := m.store.PruneSeen(ctx)
		cancel()
		if err != nil {
			m.log.Warn("ledger prune failed", logx.Err(err))
		}
		pruned = n
	}

	m.log.Info("maintenance run",
		logx.Int("ledger_pruned", pruned),
		logx.Int("open_batches", m.batches.Len()),
		logx.Int64("dispatched", m.sent.Swap(0)),
		logx.Int64("dispatch_failed", m.failed.Swap(0)),
		logx.Duration("took", time.Since(start)))
}
