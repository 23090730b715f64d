package ratelimit

import (
	"sync"
	"time"
)

// ipWindow is one IP's rolling request/path counters for the current
// DDoS-shield window.
type ipWindow struct {
	start        time.Time
	requestCount int
	paths        map[string]struct{}
}

// DDoSShield is a per-IP admission gate that runs in front of
// authentication (spec §4.5): a request-rate counter, a unique-path counter
// (catches scanning/enumeration traffic a flat rate limit misses), and a
// TTL blocklist that short-circuits repeat offenders without re-evaluating
// the counters. It is in-process, matching the monotonic-ring fallback
// idiom the admission layer degrades to when Redis is unavailable — the
// shield sits ahead of that layer and has no external dependency of its
// own.
type DDoSShield struct {
	mu sync.Mutex

	windows map[string]*ipWindow
	blocked map[string]time.Time // ip -> blocked-until

	windowSize     time.Duration
	maxRequests    int
	maxUniquePaths int
	blockTTL       time.Duration
}

// NewDDoSShield builds a shield. maxRequests bounds total requests per IP
// within windowSize; maxUniquePaths bounds distinct paths touched in the
// same window (a high path-fanout from one IP is scanning behavior even
// when the raw request rate is modest). blockTTL is how long an IP that
// trips either threshold is rejected outright.
func NewDDoSShield(windowSize time.Duration, maxRequests, maxUniquePaths int, blockTTL time.Duration) *DDoSShield {
	return &DDoSShield{
		windows:        make(map[string]*ipWindow),
		blocked:        make(map[string]time.Time),
		windowSize:     windowSize,
		maxRequests:    maxRequests,
		maxUniquePaths: maxUniquePaths,
		blockTTL:       blockTTL,
	}
}

// Admit records one request from ip against path and reports whether it may
// proceed. A false return means the caller should reject with AtCapacity
// (or, once blocked, treat it as though the request never reached the
// authentication layer).
func (s *DDoSShield) Admit(ip, path string) bool {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if until, ok := s.blocked[ip]; ok {
		if now.Before(until) {
			return false
		}
		delete(s.blocked, ip)
	}

	w, ok := s.windows[ip]
	if !ok || now.Sub(w.start) > s.windowSize {
		w = &ipWindow{start: now, paths: make(map[string]struct{})}
		s.windows[ip] = w
	}

	w.requestCount++
	w.paths[path] = struct{}{}

	if w.requestCount > s.maxRequests || len(w.paths) > s.maxUniquePaths {
		s.blocked[ip] = now.Add(s.blockTTL)
		delete(s.windows, ip)
		return false
	}
	return true
}

// Blocked reports whether ip is currently serving out a block TTL, without
// recording a new request against it.
func (s *DDoSShield) Blocked(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.blocked[ip]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(s.blocked, ip)
		return false
	}
	return true
}

// Prune drops windows and blocklist entries that have aged out. Admit and
// Blocked already clean up an IP's own entry lazily on its next lookup, but
// an IP that never comes back (one-off scanner, rotated source) would
// otherwise sit in these maps forever; the pool sweeper (spec §9) calls
// this on an interval to bound their size. Returns the number of entries
// removed, for logging.
func (s *DDoSShield) Prune() int {
	now := time.Now()
	removed := 0

	s.mu.Lock()
	defer s.mu.Unlock()

	for ip, w := range s.windows {
		if now.Sub(w.start) > s.windowSize {
			delete(s.windows, ip)
			removed++
		}
	}
	for ip, until := range s.blocked {
		if now.After(until) {
			delete(s.blocked, ip)
			removed++
		}
	}
	return removed
}
