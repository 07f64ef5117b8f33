// Package app wires the engine together and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"teampush/internal/alerts"
	"teampush/internal/batch"
	"teampush/internal/config"
	"teampush/internal/directory"
	"teampush/internal/event"
	"teampush/internal/eventbus"
	"teampush/internal/feed"
	"teampush/internal/ingest"
	"teampush/internal/push"
	"teampush/internal/recipient"
	"teampush/internal/runtime/supervisor"
	"teampush/internal/storage"
	logx "teampush/pkg/logx"
)

const (
	defaultFeedBuffer       = 256
	defaultHandshakeTimeout = 10 * time.Second
	shutdownGrace           = 10 * time.Second
)

// settings is the parsed, validated view of the duration-bearing config.
type settings struct {
	batchWindow      time.Duration
	stalenessWindow  time.Duration
	dedupWindow      time.Duration
	dedupMaxEntries  int
	handshakeTimeout time.Duration
	directoryTimeout time.Duration
	gatewayTimeout   time.Duration
	storageBusy      time.Duration
}

func parseSettings(cfg *config.Config) (settings, error) {
	var s settings
	var err error

	if s.batchWindow, err = config.ParseDurationOrDefault("engine.batch_window", cfg.Engine.BatchWindow, batch.DefaultWindow); err != nil {
		return s, err
	}
	if s.stalenessWindow, err = config.ParseDurationOrDefault("engine.staleness_window", cfg.Engine.StalenessWindow, ingest.DefaultStalenessWindow); err != nil {
		return s, err
	}
	if s.dedupWindow, err = config.ParseDurationOrDefault("engine.dedup_window", cfg.Engine.DedupWindow, ingest.DefaultDedupWindow); err != nil {
		return s, err
	}
	s.dedupMaxEntries = cfg.Engine.DedupMaxEntries

	if s.handshakeTimeout, err = config.ParseDurationOrDefault("feed.handshake_timeout", cfg.Feed.HandshakeTimeout, defaultHandshakeTimeout); err != nil {
		return s, err
	}
	if s.directoryTimeout, err = config.ParseDurationField("directory.timeout", cfg.Directory.Timeout); err != nil {
		return s, err
	}
	if s.gatewayTimeout, err = config.ParseDurationField("gateway.timeout", cfg.Gateway.Timeout); err != nil {
		return s, err
	}
	if cfg.Storage != nil {
		if s.storageBusy, err = config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return s, err
		}
	}
	return s, nil
}

// App owns every long-lived component. Build it with New, then Run blocks
// until the context is canceled.
type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus   eventbus.Bus
	store storage.Store
	alert *alerts.Telegram

	dispatcher *push.Dispatcher
	batches    *batch.Store
	ingester   *ingest.Ingester
	source     feed.Source
	feedBuffer int

	maint *maintenance

	// Ready is closed once all components are started; the daemon uses it
	// for sd_notify.
	Ready chan struct{}
}

func New(configPath string) (*App, error) {
	cfgMgr := config.NewManager(configPath)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	set, err := parseSettings(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}, nil)
	cfgMgr.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgMgr: cfgMgr,
		logSvc: logSvc,
		log:    log,
		bus:    eventbus.New(),
		Ready:  make(chan struct{}),
	}

	if cfg.Alerts != nil {
		sink, err := alerts.New(alerts.Config{
			Token:    cfg.Alerts.Token,
			ChatID:   cfg.Alerts.ChatID,
			ThreadID: cfg.Alerts.ThreadID,
		}, log.With(logx.String("comp", "alerts")))
		if err != nil {
			return nil, fmt.Errorf("alerts: %w", err)
		}
		a.alert = sink
		logSvc.SetAlertSender(sink)
	}

	if cfg.Storage != nil {
		st, err := storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: set.storageBusy,
		}, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		a.store = st
	}

	dir, err := directory.New(directory.Config{
		BaseURL:   cfg.Directory.BaseURL,
		AuthToken: cfg.Directory.AuthToken,
		Timeout:   set.directoryTimeout,
	}, log.With(logx.String("comp", "directory")))
	if err != nil {
		return nil, err
	}

	gateway, err := push.NewGateway(push.GatewayConfig{
		URL:       cfg.Gateway.URL,
		AuthToken: cfg.Gateway.AuthToken,
		Timeout:   set.gatewayTimeout,
	}, log.With(logx.String("comp", "gateway")))
	if err != nil {
		return nil, err
	}

	a.dispatcher = push.NewDispatcher(push.Config{
		Workers:    cfg.Gateway.Workers,
		QueueSize:  cfg.Gateway.QueueSize,
		RatePerSec: cfg.Gateway.RatePerSec,
	}, gateway, log.With(logx.String("comp", "dispatcher")), a.bus, a.store)

	a.batches = batch.NewStore(set.batchWindow, log.With(logx.String("comp", "batch")), a.bus)

	a.ingester = ingest.New(ingest.Config{
		StalenessWindow: set.stalenessWindow,
		DedupWindow:     set.dedupWindow,
		DedupMaxEntries: set.dedupMaxEntries,
	}, recipient.NewResolver(dir), a.batches, a.dispatcher, log.With(logx.String("comp", "ingest")), a.bus, a.store)

	src, err := feed.NewClient(feed.Config{
		URL:              cfg.Feed.URL,
		AuthToken:        cfg.Feed.AuthToken,
		HandshakeTimeout: set.handshakeTimeout,
	}, log.With(logx.String("comp", "feed")))
	if err != nil {
		return nil, err
	}
	a.source = src
	a.feedBuffer = cfg.Feed.Buffer
	if a.feedBuffer <= 0 {
		a.feedBuffer = defaultFeedBuffer
	}

	if cfg.Maintenance != nil && cfg.Maintenance.Enabled {
		m, err := newMaintenance(*cfg.Maintenance, a.store, a.batches, a.bus, log.With(logx.String("comp", "maintenance")))
		if err != nil {
			return nil, err
		}
		a.maint = m
	}

	// Reloads must not commit a config the engine can't apply.
	cfgMgr.SetValidator(func(ctx context.Context, c *config.Config) error {
		_, err := parseSettings(c)
		return err
	})

	return a, nil
}

// Run starts everything and blocks until ctx is canceled, then shuts down
// in dependency order: feed first, open batches flushed, dispatcher drained.
func (a *App) Run(ctx context.Context) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	a.dispatcher.Start(sup.Context())

	feedCh := make(chan []event.Incoming, a.feedBuffer)

	sup.GoRestart("feed", func(c context.Context) error {
		return a.source.Run(c, feedCh)
	}, supervisor.WithStopOnCleanExit(false))

	sup.Go("ingest", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return nil
			case evs := <-feedCh:
				a.ingester.Process(c, evs)
			}
		}
	})

	sup.Go("config-watch", a.cfgMgr.Watch)

	sup.Go0("config-reload", func(c context.Context) {
		updates := a.cfgMgr.Subscribe(2)
		defer a.cfgMgr.Unsubscribe(updates)
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.applyReload(cfg)
			}
		}
	})

	if a.maint != nil {
		a.maint.start()
	}

	close(a.Ready)
	a.log.Info("engine started")

	<-ctx.Done()
	a.log.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	// Stop intake, then flush what the timers were still holding.
	sup.Cancel()
	_ = sup.Wait(stopCtx)

	if n := a.batches.FlushAll(); n > 0 {
		a.log.Info("flushed open batches", logx.Int("batches", n))
	}
	a.dispatcher.Stop(stopCtx)

	if a.maint != nil {
		a.maint.stop()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	if a.alert != nil {
		a.alert.Close()
	}
	_ = a.logSvc.Close()
	return nil
}

// applyReload pushes hot-reloadable settings into running components.
// Endpoints (feed, directory, gateway URLs) stay fixed until restart.
func (a *App) applyReload(cfg *config.Config) {
	set, err := parseSettings(cfg)
	if err != nil {
		// Validator screens reloads, so this is unreachable in practice.
		a.log.Warn("reload rejected", logx.Err(err))
		return
	}

	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	})

	a.batches.SetWindow(set.batchWindow)
	a.ingester.Apply(ingest.Config{
		StalenessWindow: set.stalenessWindow,
		DedupWindow:     set.dedupWindow,
		DedupMaxEntries: set.dedupMaxEntries,
	})
	a.dispatcher.Apply(push.Config{
		Workers:    cfg.Gateway.Workers,
		QueueSize:  cfg.Gateway.QueueSize,
		RatePerSec: cfg.Gateway.RatePerSec,
	})

	a.log.Info("settings applied",
		logx.Duration("batch_window", set.batchWindow),
		logx.Duration("staleness_window", set.stalenessWindow))
}
