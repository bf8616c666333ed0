package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"digestbot/internal/eventbus"
	logx "digestbot/pkg/logx"
)

// AddSchedule registers job under name, replacing any schedule with the same name.
//
// Supported schedule formats:
//   - Cron: "*/15 * * * *", "0 8 * * 1", "@hourly", "@every 15m"
//   - Interval duration: "15m", "2h30m"
//   - Interval HH:MM: "00:15" (15 minutes), "02:30" (2 hours 30 minutes)
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	d := &scheduleDef{name: name, timeout: timeout, job: job}
	switch ps.Kind {
	case SpecCron:
		if _, err := specParser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("schedule %q: %w", schedule, err)
		}
		d.spec = ps.Cron
	case SpecInterval:
		d.every = ps.Every
		d.spec = "@every " + ps.Every.String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs = append(s.defs, d)
	if s.c == nil {
		return nil
	}
	if err := s.registerLocked(d); err != nil {
		return err
	}
	fields := []logx.Field{logx.String("name", name), logx.String("spec", d.spec), logx.Duration("timeout", timeout)}
	if next := s.previewLocked(d.spec, 3); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Debug("schedule registered", fields...)
	return nil
}

// Remove unschedules name. It reports whether something was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.removeLocked(strings.TrimSpace(name))
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// RunNow fires name immediately, outside its schedule. It fails with ErrBusy when the
// schedule is already running.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	d := s.findLocked(strings.TrimSpace(name))
	started := s.runCtx != nil
	s.mu.Unlock()
	if d == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	if !started {
		return ErrNotStarted
	}
	if !s.fire(d) {
		return ErrBusy
	}
	return nil
}

func (s *Service) findLocked(name string) *scheduleDef {
	for _, d := range s.defs {
		if d.name == name {
			return d
		}
	}
	return nil
}

func (s *Service) removeLocked(name string) bool {
	n := 0
	removed := false
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			d.entryID = 0
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	for i := n; i < len(s.defs); i++ {
		s.defs[i] = nil
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) registerLocked(d *scheduleDef) error {
	job := cron.FuncJob(func() { s.fire(d) })
	if d.every > 0 {
		sched, spread := makeIntervalScheduleWithSpread(d.every, time.Now().In(s.loc), d.name)
		d.spread = spread
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}
	d.spread = 0
	id, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

// fire starts one run of d unless one is already in flight. It reports whether a run started.
func (s *Service) fire(d *scheduleDef) bool {
	// wg.Add happens under s.mu so Stop never waits on a group that is still growing.
	s.mu.Lock()
	base := s.runCtx
	if base == nil {
		s.mu.Unlock()
		return false
	}
	if !d.running.CompareAndSwap(false, true) {
		s.mu.Unlock()
		d.skipped.Add(1)
		s.log.Debug("schedule trigger skipped; previous run still in flight", logx.String("schedule", d.name))
		s.publish(eventbus.ScheduleSkipped, FiredEvent{Name: d.name})
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer d.running.Store(false)

		ctx, cancel := base, context.CancelFunc(func() {})
		if d.timeout > 0 {
			ctx, cancel = context.WithTimeout(base, d.timeout)
		}
		defer cancel()

		start := time.Now()
		s.publish(eventbus.ScheduleFired, FiredEvent{Name: d.name})
		err := runGuarded(ctx, d.job)
		took := time.Since(start)

		d.runs.Add(1)
		d.lastMu.Lock()
		d.lastRun, d.lastTook, d.lastErr = start, took, ""
		if err != nil {
			d.lastErr = err.Error()
		}
		d.lastMu.Unlock()

		if err != nil {
			s.publish(eventbus.ScheduleFailed, FiredEvent{Name: d.name, Duration: took, Error: err.Error()})
			s.reportError(d.name, err)
			return
		}
		s.log.Debug("schedule run finished", logx.String("schedule", d.name), logx.Duration("took", took))
	}()
	return true
}

func runGuarded(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job(ctx)
}

func (s *Service) publish(typ string, ev FiredEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
	}
}

// previewLocked lists the next n fire times of spec. Call with s.mu held.
func (s *Service) previewLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	sched, err := specParser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(s.loc)
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}
