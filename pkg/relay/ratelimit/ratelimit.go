package ratelimit

import (
	"sync"
	"time"
)

type Config struct {
	// DailyLimit is the number of call sessions admitted per calendar day.
	DailyLimit int
	// Location decides where a calendar day starts. Defaults to time.Local.
	Location *time.Location
}

// Status is a point-in-time view of the daily quota.
type Status struct {
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

type Decision struct {
	Allowed bool
	Status  Status
}

// Limiter is a process-wide daily session quota. The counter resets lazily the
// first time it is touched on a new calendar day.
type Limiter struct {
	cfg Config

	mu     sync.Mutex
	window time.Time
	count  int
}

func New(cfg Config) *Limiter {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.DailyLimit < 0 {
		cfg.DailyLimit = 0
	}
	return &Limiter{cfg: cfg}
}

// TryAcquire consumes one unit of today's quota if any is left. The rollover,
// the comparison and the increment happen under a single lock so concurrent
// callers never overshoot the limit.
func (l *Limiter) TryAcquire(now time.Time) Decision {
	if l == nil {
		return Decision{Allowed: true}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollLocked(now)
	if l.count >= l.cfg.DailyLimit {
		return Decision{Allowed: false, Status: l.statusLocked()}
	}
	l.count++
	return Decision{Allowed: true, Status: l.statusLocked()}
}

func (l *Limiter) Status(now time.Time) Status {
	if l == nil {
		return Status{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollLocked(now)
	return l.statusLocked()
}

func (l *Limiter) rollLocked(now time.Time) {
	day := startOfDay(now, l.cfg.Location)
	// A clock stepping backwards never re-opens an older window.
	if l.window.IsZero() || day.After(l.window) {
		l.window = day
		l.count = 0
	}
}

func (l *Limiter) statusLocked() Status {
	remaining := l.cfg.DailyLimit - l.count
	if remaining < 0 {
		remaining = 0
	}
	y, m, d := l.window.Date()
	return Status{
		Used:      l.count,
		Limit:     l.cfg.DailyLimit,
		Remaining: remaining,
		ResetAt:   time.Date(y, m, d+1, 0, 0, 0, 0, l.cfg.Location),
	}
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
