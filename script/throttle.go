package script

import (
	"sync"
	"time"
)

// Throttle suppresses a message repeated by the same key within the window.
type Throttle struct {
	window time.Duration

	mu   sync.Mutex
	last map[string]entry
}

type entry struct {
	msg string
	at  time.Time
}

func NewThrottle(window time.Duration) *Throttle {
	return &Throttle{window: window, last: make(map[string]entry)}
}

// Allow reports whether msg for key should be shown at now.
func (t *Throttle) Allow(key, msg string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.last[key]; ok && e.msg == msg && now.Sub(e.at) < t.window {
		return false
	}
	t.last[key] = entry{msg: msg, at: now}
	return true
}

// Forget drops the history of key.
func (t *Throttle) Forget(key string) {
	t.mu.Lock()
	delete(t.last, key)
	t.mu.Unlock()
}
