package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"digestbot/internal/eventbus"
	logx "digestbot/pkg/logx"
)

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "scheduler")),
		bus:      bus,
		lastWarn: map[string]time.Time{},
	}
}

// Enabled reports the current config flag. Apply may run concurrently.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. A running scheduler restarts when the timezone changes and
// stops triggering when disabled.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.runCtx == nil {
		return
	}
	switch {
	case !cfg.Enabled && s.c != nil:
		<-s.c.Stop().Done()
		s.c = nil
		s.log.Info("triggers paused")
	case cfg.Enabled && (s.c == nil || oldTZ != strings.TrimSpace(cfg.Timezone)):
		s.restartLocked()
	}
}

// Start begins triggering. Schedules added before Start are registered now. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled; triggers off", logx.Int("schedules", len(s.defs)))
		return
	}
	s.restartLocked()
}

// Stop stops triggering and waits for in-flight jobs until ctx is done, then cancels them.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c, cancel := s.c, s.runCancel
	s.c, s.runCtx, s.runCancel = nil, nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop timed out; cancelling running jobs")
	}
	cancel()
	<-done
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(specParser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}
