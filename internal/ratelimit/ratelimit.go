// Package ratelimit keeps per-platform sliding windows and the monthly post
// quota in one durable record, so limits survive process restarts.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Config is a sliding window: at most MaxRequests within any trailing Window.
type Config struct {
	Window      time.Duration
	MaxRequests int
}

// DefaultWindows are the per-platform limits applied by the gate.
var DefaultWindows = map[string]Config{
	"twitter":  {Window: 15 * time.Minute, MaxRequests: 50},
	"bluesky":  {Window: time.Hour, MaxRequests: 100},
	"mastodon": {Window: 5 * time.Minute, MaxRequests: 30},
	"linkedin": {Window: 24 * time.Hour, MaxRequests: 150},
	"reddit":   {Window: 10 * time.Minute, MaxRequests: 5},
	"discord":  {Window: time.Minute, MaxRequests: 30},
	"telegram": {Window: time.Minute, MaxRequests: 20},
}

const (
	// QuotaPlatform is the platform with a hard monthly cap.
	QuotaPlatform = "twitter"
	// DefaultMonthlyCap is that platform's cap.
	DefaultMonthlyCap = 50

	monthLayout = "2006-01"
)

// Reason says which limit rejected a request.
type Reason string

const (
	ReasonWindow Reason = "window"
	ReasonQuota  Reason = "quota"
)

// Decision is the result of a sliding-window or combined check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	// Remaining is the monthly allowance left; only meaningful for the quota platform.
	Remaining int
	Limit     int
	Reason    Reason
}

// QuotaDecision is the result of consuming one unit of the monthly quota.
type QuotaDecision struct {
	Allowed   bool
	Remaining int
}

// Limiter evaluates limits against a Store.
type Limiter struct {
	store      Store
	windows    map[string]Config
	monthlyCap int
	now        func() time.Time

	// serializes read-modify-write within this process; the store makes it
	// atomic across processes
	mu sync.Mutex
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithWindows replaces the per-platform window table.
func WithWindows(windows map[string]Config) Option {
	return func(l *Limiter) { l.windows = windows }
}

// WithMonthlyCap sets the monthly cap for QuotaPlatform. Zero or less disables it.
func WithMonthlyCap(n int) Option {
	return func(l *Limiter) { l.monthlyCap = n }
}

// New returns a Limiter backed by store.
func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:      store,
		windows:    DefaultWindows,
		monthlyCap: DefaultMonthlyCap,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAndRecord prunes the platform's window and records a new request if
// there is room. A rejected check records nothing.
func (l *Limiter) CheckAndRecord(ctx context.Context, platform string, cfg Config) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var d Decision
	err := l.store.Update(ctx, func(st *State) error {
		now := l.now()
		d = checkWindow(st, platform, cfg, now)
		if d.Allowed {
			st.PlatformWindows[platform] = append(st.PlatformWindows[platform], now.UnixMilli())
		}
		return nil
	})
	return d, err
}

// TrackAndConsume consumes one unit of the monthly quota. A stored month other
// than the current one counts as zero usage.
func (l *Limiter) TrackAndConsume(ctx context.Context) (QuotaDecision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var d QuotaDecision
	err := l.store.Update(ctx, func(st *State) error {
		remaining := l.quotaRemaining(st, l.now())
		if remaining <= 0 {
			d = QuotaDecision{Allowed: false, Remaining: 0}
			return nil
		}
		st.XMonthly.Count++
		d = QuotaDecision{Allowed: true, Remaining: remaining - 1}
		return nil
	})
	return d, err
}

// Admit is the gate used before publishing. The monthly quota is checked
// first, then the sliding window, and both are recorded only when both allow.
// Platforms without a configured window are always admitted.
func (l *Limiter) Admit(ctx context.Context, platform string) (Decision, error) {
	cfg, limited := l.windows[platform]
	quota := platform == QuotaPlatform && l.monthlyCap > 0
	if !limited && !quota {
		return Decision{Allowed: true}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var d Decision
	err := l.store.Update(ctx, func(st *State) error {
		now := l.now()
		d = Decision{Allowed: true}

		if quota {
			remaining := l.quotaRemaining(st, now)
			if remaining <= 0 {
				d = Decision{
					Allowed:    false,
					Reason:     ReasonQuota,
					Remaining:  0,
					Limit:      l.monthlyCap,
					RetryAfter: untilNextMonth(now),
				}
				return nil
			}
			d.Remaining = remaining
			d.Limit = l.monthlyCap
		}

		if limited {
			wd := checkWindow(st, platform, cfg, now)
			if !wd.Allowed {
				wd.Remaining = d.Remaining
				wd.Limit = d.Limit
				d = wd
				return nil
			}
			st.PlatformWindows[platform] = append(st.PlatformWindows[platform], now.UnixMilli())
		}

		if quota {
			st.XMonthly.Count++
			d.Remaining--
		}
		return nil
	})
	return d, err
}

// Snapshot returns the persisted state.
func (l *Limiter) Snapshot(ctx context.Context) (*State, error) {
	return l.store.Load(ctx)
}

// quotaRemaining advances the stored month if needed and reports what is left.
func (l *Limiter) quotaRemaining(st *State, now time.Time) int {
	month := now.UTC().Format(monthLayout)
	if st.XMonthly.Month != month {
		st.XMonthly = MonthlyQuota{Month: month, Count: 0}
	}
	return max(l.monthlyCap-st.XMonthly.Count, 0)
}

// checkWindow prunes expired timestamps in place and decides whether another
// request fits.
func checkWindow(st *State, platform string, cfg Config, now time.Time) Decision {
	nowMs := now.UnixMilli()
	windowMs := cfg.Window.Milliseconds()

	kept := st.PlatformWindows[platform][:0:0]
	for _, ts := range st.PlatformWindows[platform] {
		if nowMs-ts < windowMs {
			kept = append(kept, ts)
		}
	}
	st.PlatformWindows[platform] = kept

	if len(kept) < cfg.MaxRequests {
		return Decision{Allowed: true}
	}
	if len(kept) == 0 {
		return Decision{Allowed: false, Reason: ReasonWindow, RetryAfter: cfg.Window}
	}

	oldest := kept[0]
	for _, ts := range kept[1:] {
		oldest = min(oldest, ts)
	}
	return Decision{
		Allowed:    false,
		Reason:     ReasonWindow,
		RetryAfter: time.Duration(windowMs-(nowMs-oldest)) * time.Millisecond,
	}
}

func untilNextMonth(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	return next.Sub(now)
}
