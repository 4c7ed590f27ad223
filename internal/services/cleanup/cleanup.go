// Package cleanup prunes old send-history rows on a cron schedule so the
// storage file stays bounded over long deployments.
package cleanup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"relaybot/internal/storage"
	"relaybot/pkg/logx"
)

const (
	defaultSchedule  = "0 3 * * *" // daily, off-peak
	defaultRetention = 30 * 24 * time.Hour
)

type Config struct {
	Enabled   bool
	Schedule  string        // standard 5-field cron spec
	Retention time.Duration // rows older than this are removed
}

type Service struct {
	cfg   Config
	store storage.Store
	log   logx.Logger

	mu sync.Mutex
	c  *cron.Cron
}

func New(cfg Config, store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = defaultSchedule
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	return &Service{cfg: cfg, store: store, log: log}
}

func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled || s.store == nil {
		s.log.Debug("cleanup disabled")
		return nil
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(s.cfg.Schedule); err != nil {
		return fmt.Errorf("cleanup.schedule: invalid cron spec %q: %w", s.cfg.Schedule, err)
	}

	c := cron.New(cron.WithParser(parser))
	_, err := c.AddFunc(s.cfg.Schedule, func() { s.RunOnce(ctx) })
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.c = c
	s.mu.Unlock()
	c.Start()

	s.log.Info("cleanup scheduled",
		logx.String("spec", s.cfg.Schedule),
		logx.Duration("retention", s.cfg.Retention),
	)
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	done := c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// RunOnce performs a single retention pass. Exposed so the scheduled job and
// tests share one path.
func (s *Service) RunOnce(ctx context.Context) {
	if s.store == nil {
		return
	}
	cutoff := time.Now().Add(-s.cfg.Retention)
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	removed, err := s.store.PruneSends(cctx, cutoff)
	if err != nil {
		s.log.Warn("send history prune failed", logx.Err(err))
		return
	}
	if removed > 0 {
		s.log.Info("send history pruned",
			logx.Int64("removed", removed),
			logx.Time("cutoff", cutoff),
		)
	}
}
