package gateway

import (
	"sync"
	"time"
)

// ipLimiter is a per-client sliding-window request limiter with
// separate budgets for reads and mutations, both per minute.
type ipLimiter struct {
	getLimit      int
	mutationLimit int
	window        time.Duration

	now func() time.Time

	mu      sync.Mutex
	entries map[string]*ipEntry
}

type ipEntry struct {
	gets      []time.Time
	mutations []time.Time
	lastSeen  time.Time
}

func newIPLimiter(getLimit, mutationLimit int) *ipLimiter {
	return &ipLimiter{
		getLimit:      getLimit,
		mutationLimit: mutationLimit,
		window:        time.Minute,
		now:           time.Now,
		entries:       make(map[string]*ipEntry),
	}
}

// allow reports whether ip may issue one more request of the given
// class. Rejected requests do not consume a slot.
func (l *ipLimiter) allow(ip string, mutation bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[ip]
	if !ok {
		e = &ipEntry{}
		l.entries[ip] = e
	}
	e.lastSeen = now

	if mutation {
		e.mutations = prune(e.mutations, now.Add(-l.window))
		if len(e.mutations) >= l.mutationLimit {
			return false
		}
		e.mutations = append(e.mutations, now)
		return true
	}
	e.gets = prune(e.gets, now.Add(-l.window))
	if len(e.gets) >= l.getLimit {
		return false
	}
	e.gets = append(e.gets, now)
	return true
}

// sweep drops entries idle for longer than the window. Bounded memory
// only; it never changes an admission decision.
func (l *ipLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-2 * l.window)
	for ip, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, ip)
		}
	}
}

func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
