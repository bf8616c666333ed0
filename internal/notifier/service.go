package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"digestbot/internal/eventbus"
	rtsup "digestbot/internal/runtime/supervisor"
	"digestbot/internal/storage"
	logx "digestbot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrDuplicate = errors.New("digest already delivered")
	ErrNoSenders = errors.New("notifier has no senders")
)

// Event types published by the notifier.
const (
	EventQueued  = "notifier.queued"
	EventDeduped = "notifier.deduped"
	EventDropped = "notifier.dropped"
	EventFailed  = "notifier.failed"
)

type job struct {
	d    Digest
	key  string
	done func(error)
}

func (j job) finish(err error) {
	if j.done != nil {
		j.done(err)
	}
}

// Service implements the async delivery pipeline:
// queue + worker pool + rate limit + retry + dedup.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	senders []Sender
	bus     eventbus.Bus
	store   storage.DedupStore

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, senders []Sender, log logx.Logger, bus eventbus.Bus, store storage.DedupStore) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		senders: senders,
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
		store:   store,
		dedup:   map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps config and senders. Workers pick the new values up on their next send;
// the queue size and worker count take effect on the next Start.
func (s *Service) Apply(cfg Config, senders []Sender) {
	s.mu.Lock()
	s.senders = senders
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// delivery is best-effort; a broken sender must not take the app down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return nil
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("notifier started", logx.Int("workers", workers), logx.Int("senders", len(s.senders)))
}

// Stop stops intake and drains the queue until ctx is done. Jobs still queued when the drain
// is cut short complete with ErrStopped.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		for j := range q {
			j.finish(ErrStopped)
		}

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Notify queues d for delivery. done, when non-nil, is called exactly once with the final
// delivery result if and only if Notify returns nil.
//
// A digest already delivered for the same target and date returns ErrDuplicate.
func (s *Service) Notify(ctx context.Context, d Digest, done func(error)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if len(s.senders) == 0 {
		s.mu.Unlock()
		return ErrNoSenders
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	cfg := s.cfg
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := d.DedupKey()
	now := time.Now()
	if cfg.DedupWindow > 0 && key != "" {
		if !s.dedupReserve(ctx, key, cfg) {
			s.publish(EventDeduped, DeliveryEvent{RunID: d.RunID, TargetID: d.TargetID, Key: key, At: now})
			s.log.Info("digest suppressed: already delivered", logx.String("target_id", d.TargetID), logx.String("key", key))
			return ErrDuplicate
		}
	}

	select {
	case q <- job{d: d, key: key, done: done}:
		s.publish(EventQueued, DeliveryEvent{RunID: d.RunID, TargetID: d.TargetID, Key: key, At: now})
		return nil
	default:
		s.dedupRelease(key)
		s.publish(EventDropped, DeliveryEvent{RunID: d.RunID, TargetID: d.TargetID, Key: key, At: now, Error: ErrQueueFull.Error()})
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, ev DeliveryEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(runCtx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	senders := append([]Sender(nil), s.senders...)
	s.mu.Unlock()

	pending := senders
	var sent []string
	var lastErr error
	maxAttempts := 1 + cfg.RetryMax

	for attempt := 1; attempt <= maxAttempts && len(pending) > 0; attempt++ {
		var failed []Sender
		var errs []error
		for _, snd := range pending {
			if err := lim.Wait(runCtx); err != nil {
				s.dedupRelease(j.key)
				j.finish(err)
				return
			}
			callCtx, cancel := context.WithTimeout(runCtx, cfg.SendTimeout)
			err := snd.Send(callCtx, j.d)
			cancel()
			if err != nil {
				failed = append(failed, snd)
				errs = append(errs, fmt.Errorf("%s: %w", snd.Name(), err))
				s.log.Debug("digest send failed", logx.String("sender", snd.Name()), logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
				continue
			}
			sent = append(sent, snd.Name())
		}
		pending = failed
		lastErr = errors.Join(errs...)
		if len(pending) == 0 || attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-runCtx.Done():
			t.Stop()
			s.dedupRelease(j.key)
			j.finish(runCtx.Err())
			return
		}
	}

	now := time.Now()
	item := HistoryItem{At: now, RunID: j.d.RunID, TargetID: j.d.TargetID, Senders: sent}
	if len(pending) > 0 {
		item.Error = lastErr.Error()
		s.appendHistory(item)
		s.dedupRelease(j.key)
		s.publish(EventFailed, DeliveryEvent{RunID: j.d.RunID, TargetID: j.d.TargetID, Key: j.key, At: now, Error: lastErr.Error()})
		s.log.Warn("digest delivery failed", logx.String("target_id", j.d.TargetID), logx.Strings("sent", sent), logx.Err(lastErr))
		j.finish(lastErr)
		return
	}

	s.appendHistory(item)
	s.dedupCommit(j.key, cfg)
	s.publish(eventbus.DigestDelivered, DeliveryEvent{RunID: j.d.RunID, TargetID: j.d.TargetID, Key: j.key, Sender: strings.Join(sent, ","), At: now})
	s.log.Info("digest delivered", logx.String("target_id", j.d.TargetID), logx.String("run_id", j.d.RunID), logx.Strings("senders", sent))
	j.finish(nil)
}

// dedupReserve claims key for an in-flight delivery. It returns false when the key is
// already claimed or was delivered inside the window.
func (s *Service) dedupReserve(ctx context.Context, key string, cfg Config) bool {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if cfg.PersistDedup && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err != nil {
			s.log.Debug("dedup lookup failed", logx.String("key", key), logx.Err(err))
		}
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(cfg.DedupWindow)
	s.pruneLocked(now, cfg.DedupMaxEntries)
	return true
}

func (s *Service) dedupRelease(key string) {
	if key == "" {
		return
	}
	s.dmu.Lock()
	delete(s.dedup, key)
	s.dmu.Unlock()
}

func (s *Service) dedupCommit(key string, cfg Config) {
	if key == "" || cfg.DedupWindow <= 0 {
		return
	}
	until := time.Now().Add(cfg.DedupWindow)
	s.dmu.Lock()
	s.dedup[key] = until
	s.dmu.Unlock()
	if cfg.PersistDedup && s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.store.PutDedup(ctx, key, until); err != nil {
			s.log.Warn("dedup persist failed", logx.String("key", key), logx.Err(err))
		}
	}
}

func (s *Service) pruneLocked(now time.Time, max int) {
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for max > 0 && len(s.dedup) > max {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the next attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
