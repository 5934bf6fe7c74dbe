package merge

import (
	"fmt"
	"sync"
)

// lockSet hands out non-blocking exclusive claims on string keys.
type lockSet struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newLockSet() *lockSet {
	return &lockSet{held: make(map[string]struct{})}
}

// tryAcquire claims every key or none. It returns the first key already held
// when the claim fails.
func (l *lockSet) tryAcquire(keys ...string) (func(), string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, key := range keys {
		if _, busy := l.held[key]; busy {
			return nil, key, false
		}
	}
	for _, key := range keys {
		l.held[key] = struct{}{}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for _, key := range keys {
				delete(l.held, key)
			}
		})
	}, "", true
}

func detectionKey(id int64) string { return fmt.Sprintf("detection:%d", id) }

func recordKey(id int64) string { return fmt.Sprintf("record:%d", id) }
