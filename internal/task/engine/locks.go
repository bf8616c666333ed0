package engine

import (
	"strings"
	"sync"
	"time"
)

// Locks is a set of named in-flight locks. The engine uses it for OverlapSkipIfRunning, and the
// dispatcher uses it to keep one target from being dispatched twice within an hour bucket.
type Locks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// TryLock acquires key. The returned release func is idempotent.
func (l *Locks) TryLock(key string) (release func(), ok bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "default"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]struct{})
	}
	if _, busy := l.held[key]; busy {
		return func() {}, false
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true
}

// Held reports whether key is currently locked.
func (l *Locks) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[strings.TrimSpace(key)]
	return ok
}

// BucketKey returns id scoped to the UTC hour containing t.
func BucketKey(id string, t time.Time) string {
	return id + "@" + t.UTC().Format("2006-01-02T15")
}
