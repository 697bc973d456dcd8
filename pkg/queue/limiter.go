package queue

import (
	"sync"
	"time"
)

// SlidingWindow admits at most Max starts in any rolling Window. A zero Max
// disables limiting.
type SlidingWindow struct {
	Max    int
	Window time.Duration

	mu     sync.Mutex
	starts []time.Time
}

func NewSlidingWindow(max int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{Max: max, Window: window}
}

// Reserve records a start at now and returns 0, or returns how long to wait
// before the next start would be admitted.
func (l *SlidingWindow) Reserve(now time.Time) time.Duration {
	if l == nil || l.Max <= 0 || l.Window <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.Window)
	drop := 0
	for drop < len(l.starts) && !l.starts[drop].After(cutoff) {
		drop++
	}
	l.starts = l.starts[drop:]

	if len(l.starts) < l.Max {
		l.starts = append(l.starts, now)
		return 0
	}
	return l.starts[0].Add(l.Window).Sub(now)
}
