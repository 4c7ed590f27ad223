// Package app wires configuration, logging, the rate-limited dispatcher and
// the Telegram front end into one runnable unit.
package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"relaybot/internal/bird"
	"relaybot/internal/config"
	"relaybot/internal/contacts"
	"relaybot/internal/dispatch"
	"relaybot/internal/ratelimit"
	"relaybot/internal/services/cleanup"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	telegram "relaybot/internal/transport/telegram/adapter"
	"relaybot/internal/transport/telegram/router"
	logx "relaybot/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service

	limiter *ratelimit.Limiter
	sender  *templateSender
	store   storage.Store
	cleanup *cleanup.Service

	adapter kit.Adapter
	router  *router.Router
	updates chan kit.Update

	runMu   sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
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
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	birdTimeout, err := config.ParseDurationOrDefault("bird.timeout", cfg.Bird.Timeout, 15*time.Second)
	if err != nil {
		return nil, err
	}
	client, err := bird.New(bird.Config{
		AccessKey:   cfg.Bird.AccessKey,
		WorkspaceID: cfg.Bird.WorkspaceID,
		ChannelID:   cfg.Bird.ChannelID,
		BaseURL:     cfg.Bird.BaseURL,
		Timeout:     birdTimeout,
	}, log.With(logx.String("comp", "bird")))
	if err != nil {
		return nil, err
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		PerSecond: cfg.RateLimit.PerSecond,
		PerMinute: cfg.RateLimit.PerMinute,
	})
	if err != nil {
		return nil, err
	}

	sender := newTemplateSender(client, cfg.Template)
	dispatcher := dispatch.New(limiter, sender, log.With(logx.String("comp", "dispatch")))

	var store storage.Store
	if cfg.Storage != nil {
		busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return nil, err
		}
		store, err = storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		if store != nil {
			log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
		}
	}

	var cleanupSvc *cleanup.Service
	if cfg.Cleanup != nil && cfg.Cleanup.Enabled && store != nil {
		retention, err := config.ParseDurationField("cleanup.retention", cfg.Cleanup.Retention)
		if err != nil {
			return nil, err
		}
		cleanupSvc = cleanup.New(cleanup.Config{
			Enabled:   true,
			Schedule:  cfg.Cleanup.Schedule,
			Retention: retention,
		}, store, log.With(logx.String("comp", "cleanup")))
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	rt := router.New(
		log.With(logx.String("comp", "commands")),
		ad,
		dispatcher,
		dispatch.NewStatusReporter(limiter),
		contacts.NewParser(log.With(logx.String("comp", "contacts"))),
		store,
		cfg.Telegram.OwnerUserIDs,
	)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		limiter: limiter,
		sender:  sender,
		store:   store,
		cleanup: cleanupSvc,
		adapter: ad,
		router:  rt,
		updates: make(chan kit.Update, 256),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return errors.New("already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.running = true
	a.runMu.Unlock()

	// Transactional config reload: validate before commit/publish so a bad
	// edit never takes down the running bot.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		cancel()
		return err
	}

	if a.cleanup != nil {
		if err := a.cleanup.Start(runCtx); err != nil {
			cancel()
			return err
		}
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.router.DispatchLoop(runCtx, a.updates)
	}()

	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(runCtx, sub)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	// Best-effort: no-op outside systemd units.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	a.log.Info("app started")
	return nil
}

// reloadLoop applies hot-reloadable config sections: logging, rate limits,
// template identity and the owner list. The limiter keeps its timestamp
// window across reloads, so changed ceilings reinterpret recent sends
// instead of resetting them.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			if cfg == nil {
				continue
			}

			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})

			if err := a.limiter.Apply(ratelimit.Config{
				PerSecond: cfg.RateLimit.PerSecond,
				PerMinute: cfg.RateLimit.PerMinute,
			}); err != nil {
				a.log.Warn("invalid rate limit config; keeping previous", logx.Err(err))
			}

			a.sender.Apply(cfg.Template)
			a.router.SetOwners(cfg.Telegram.OwnerUserIDs)

			if changedStorage(last, cfg) {
				a.log.Warn("storage config changed; restart required for changes to take effect")
			}
			last = cfg

			a.log.Info("config reloaded",
				logx.Int("per_second", cfg.RateLimit.PerSecond),
				logx.Int("per_minute", cfg.RateLimit.PerMinute),
			)
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.cancel
	a.cancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	cancel()

	if a.cleanup != nil {
		a.cleanup.Stop(ctx)
	}
	if err := a.adapter.Stop(ctx); err != nil {
		a.log.Warn("adapter stop error", logx.Err(err))
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("shutdown timed out", logx.Err(ctx.Err()))
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close error", logx.Err(err))
		}
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func validateConfig(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("telegram.token is empty")
	}
	if _, err := ratelimit.New(ratelimit.Config{
		PerSecond: cfg.RateLimit.PerSecond,
		PerMinute: cfg.RateLimit.PerMinute,
	}); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("bird.timeout", cfg.Bird.Timeout); err != nil {
		return err
	}
	if cfg.Storage != nil {
		if _, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	if cfg.Cleanup != nil {
		if _, err := config.ParseDurationField("cleanup.retention", cfg.Cleanup.Retention); err != nil {
			return err
		}
	}
	return nil
}

func changedStorage(prev, next *config.Config) bool {
	if prev == nil || next == nil {
		return false
	}
	switch {
	case (prev.Storage == nil) != (next.Storage == nil):
		return true
	case prev.Storage == nil:
		return false
	default:
		return *prev.Storage != *next.Storage
	}
}
