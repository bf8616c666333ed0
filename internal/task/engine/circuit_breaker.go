package engine

import (
	"sync"
	"time"
)

// circuitState tracks consecutive failures of one task name. Once failures reach the trip
// threshold the circuit opens for an exponentially growing cooldown; a success closes it.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

// locked returns the state for key; s.mu must be held.
func (s *circuitStore) locked(key string) *circuitState {
	if s.m == nil {
		s.m = make(map[string]*circuitState)
	}
	st := s.m[key]
	if st == nil {
		st = &circuitState{}
		s.m[key] = st
	}
	return st
}

func (t Task) circuitKey() string {
	if t.CircuitKey != "" {
		return t.CircuitKey
	}
	return t.Name
}

func circuitTrip(cfg Config, opt TaskOptions) int {
	if cfg.CircuitTripFailures < 0 || opt.CircuitTripFailures < 0 {
		return 0
	}
	if opt.CircuitTripFailures > 0 {
		return opt.CircuitTripFailures
	}
	return cfg.CircuitTripFailures
}

func (st *circuitState) expire(now time.Time, resetAfter time.Duration) {
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > resetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

func (s *Service) circuitIsOpen(now time.Time, name string, cfg Config, opt TaskOptions) (bool, time.Time) {
	if circuitTrip(cfg, opt) == 0 {
		return false, time.Time{}
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	st := s.circuits.locked(name)
	st.expire(now, cfg.CircuitResetAfter)
	if now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (s *Service) circuitRecordResult(now time.Time, name string, cfg Config, opt TaskOptions, err error) {
	trip := circuitTrip(cfg, opt)
	if trip == 0 {
		return
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	st := s.circuits.locked(name)
	st.expire(now, cfg.CircuitResetAfter)

	if err == nil {
		*st = circuitState{}
		return
	}
	st.fails++
	st.lastFailure = now
	if st.fails < trip {
		return
	}
	d := cfg.CircuitBaseDelay
	for i := trip; i < st.fails && d < cfg.CircuitMaxDelay; i++ {
		d *= 2
	}
	st.openUntil = now.Add(min(d, cfg.CircuitMaxDelay))
}

func (s *Service) circuitSnapshot(now time.Time, cfg Config) (total, open int) {
	if cfg.CircuitTripFailures < 0 {
		return 0, 0
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	for _, st := range s.circuits.m {
		total++
		if now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
