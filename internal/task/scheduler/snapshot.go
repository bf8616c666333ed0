package scheduler

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	tz := s.cfg.Timezone
	if s.loc != nil {
		tz = s.loc.String()
	}
	out := Snapshot{
		Enabled:   s.cfg.Enabled,
		Started:   s.c != nil,
		Timezone:  tz,
		Schedules: make([]ScheduleInfo, 0, len(s.defs)),
	}
	for _, d := range s.defs {
		it := ScheduleInfo{
			Name:    d.name,
			Spec:    d.spec,
			Timeout: d.timeout,
			Spread:  d.spread,
			Running: d.running.Load(),
			Runs:    d.runs.Load(),
			Skipped: d.skipped.Load(),
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		d.lastMu.Lock()
		it.LastRun, it.LastTook, it.LastError = d.lastRun, d.lastTook, d.lastErr
		d.lastMu.Unlock()
		out.Schedules = append(out.Schedules, it)
	}
	return out
}
