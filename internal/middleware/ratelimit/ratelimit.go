// Package ratelimit caps requests per client over fixed windows.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Policy is a request budget: Limit requests per Window for each client.
type Policy struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Default covers every mutating request.
func Default() Policy {
	return Policy{Name: "default", Limit: 60, Window: time.Minute}
}

// Auth covers sign-in, sign-up and magic link requests.
func Auth() Policy {
	return Policy{Name: "auth", Limit: 10, Window: time.Minute}
}

type window struct {
	start time.Time
	count int
}

// Limiter counts requests per client key. A client's window opens on its
// first request and does not slide. Closed windows are dropped by
// CleanExpired.
type Limiter struct {
	policy   Policy
	mu       sync.Mutex
	windows  map[string]*window
	rejected atomic.Int64
	now      func() time.Time
}

func New(p Policy) *Limiter {
	def := Default()
	if p.Limit <= 0 {
		p.Limit = def.Limit
	}
	if p.Window <= 0 {
		p.Window = def.Window
	}
	if p.Name == "" {
		p.Name = def.Name
	}
	return &Limiter{policy: p, windows: make(map[string]*window), now: time.Now}
}

func (l *Limiter) Policy() Policy { return l.policy }

// Allow records a request from key. When the budget is spent it returns
// false and the time until the window closes.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.windows[key]
	if w == nil || now.Sub(w.start) >= l.policy.Window {
		l.windows[key] = &window{start: now, count: 1}
		return true, 0
	}
	w.count++
	if w.count <= l.policy.Limit {
		return true, 0
	}
	l.rejected.Add(1)
	return false, l.policy.Window - now.Sub(w.start)
}

// CleanExpired drops closed windows and reports how many went.
func (l *Limiter) CleanExpired() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for key, w := range l.windows {
		if now.Sub(w.start) >= l.policy.Window {
			delete(l.windows, key)
			n++
		}
	}
	return n
}

// Clients is the number of keys with an open or unswept window.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Rejected counts requests refused since creation.
func (l *Limiter) Rejected() int64 {
	return l.rejected.Load()
}

// Wrap limits the requests selected by applies (all when nil), keyed by
// key(r). Refused requests get a Retry-After header and then onLimit, or a
// plain 429 when onLimit is nil.
func (l *Limiter) Wrap(key func(*http.Request) string, applies func(*http.Request) bool, onLimit http.HandlerFunc) func(http.Handler) http.Handler {
	if onLimit == nil {
		onLimit = func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if applies == nil || applies(r) {
				if ok, wait := l.Allow(key(r)); !ok {
					w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
					onLimit(w, r)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
