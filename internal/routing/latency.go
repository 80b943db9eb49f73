package routing

import (
	"sort"
	"sync"
	"time"
)

const latencyRingSize = 64

// LatencyTracker keeps a fixed ring of recent request durations per
// credential for the Speed objective. Old samples fall off as new ones
// arrive, so the p50 follows current conditions.
type LatencyTracker struct {
	mu    sync.RWMutex
	rings map[string]*latencyRing
}

type latencyRing struct {
	samples [latencyRingSize]time.Duration
	n       int // valid samples, up to latencyRingSize
	next    int
}

// NewLatencyTracker creates an empty tracker.
func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{rings: make(map[string]*latencyRing)}
}

// Observe records one request duration for a credential.
func (l *LatencyTracker) Observe(credentialID string, d time.Duration) {
	l.mu.Lock()
	r, ok := l.rings[credentialID]
	if !ok {
		r = &latencyRing{}
		l.rings[credentialID] = r
	}
	r.samples[r.next] = d
	r.next = (r.next + 1) % latencyRingSize
	if r.n < latencyRingSize {
		r.n++
	}
	l.mu.Unlock()
}

// P50 returns the median of the recorded samples. ok is false when the
// credential has no samples yet.
func (l *LatencyTracker) P50(credentialID string) (time.Duration, bool) {
	l.mu.RLock()
	r, ok := l.rings[credentialID]
	if !ok || r.n == 0 {
		l.mu.RUnlock()
		return 0, false
	}
	buf := make([]time.Duration, r.n)
	copy(buf, r.samples[:r.n])
	l.mu.RUnlock()

	sort.Slice(buf, func(i, j int) bool { return buf[i] < buf[j] })
	return buf[len(buf)/2], true
}

// Forget drops the samples of a credential, used after rotation or revoke.
func (l *LatencyTracker) Forget(credentialID string) {
	l.mu.Lock()
	delete(l.rings, credentialID)
	l.mu.Unlock()
}
