package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newClockedLimiter(limit int) (*Limiter, *time.Time) {
	l := New(Policy{Name: "test", Limit: limit, Window: time.Minute})
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestNewFillsDefaults(t *testing.T) {
	p := New(Policy{}).Policy()
	if p != Default() {
		t.Errorf("Policy() = %+v, want %+v", p, Default())
	}
	if a := Auth(); a.Limit != 10 || a.Window != time.Minute {
		t.Errorf("Auth() = %+v", a)
	}
}

func TestAllowPerClientBudget(t *testing.T) {
	l, now := newClockedLimiter(3)

	for i := 1; i <= 3; i++ {
		if ok, _ := l.Allow("10.0.0.1"); !ok {
			t.Fatalf("request %d refused", i)
		}
	}
	*now = now.Add(15 * time.Second)
	ok, wait := l.Allow("10.0.0.1")
	if ok {
		t.Fatal("fourth request in the window should be refused")
	}
	if wait != 45*time.Second {
		t.Errorf("wait = %v, want 45s", wait)
	}
	if ok, _ := l.Allow("10.0.0.2"); !ok {
		t.Fatal("another client has its own budget")
	}

	*now = now.Add(time.Minute)
	if ok, _ := l.Allow("10.0.0.1"); !ok {
		t.Fatal("a fresh window restores the budget")
	}
	if l.Rejected() != 1 || l.Clients() != 2 {
		t.Errorf("rejected = %d, clients = %d", l.Rejected(), l.Clients())
	}
}

func TestWindowIsFixed(t *testing.T) {
	l, now := newClockedLimiter(2)
	l.Allow("a")
	*now = now.Add(40 * time.Second)
	l.Allow("a")
	*now = now.Add(30 * time.Second)
	if ok, _ := l.Allow("a"); !ok {
		t.Fatal("the window opened at the first request and has closed")
	}
}

func TestCleanExpired(t *testing.T) {
	l, now := newClockedLimiter(5)
	l.Allow("old")
	*now = now.Add(90 * time.Second)
	l.Allow("fresh")

	if n := l.CleanExpired(); n != 1 {
		t.Errorf("CleanExpired() = %d, want 1", n)
	}
	if l.Clients() != 1 {
		t.Errorf("Clients() = %d, want 1", l.Clients())
	}
}

func TestWrap(t *testing.T) {
	l, _ := newClockedLimiter(1)
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	postsOnly := func(r *http.Request) bool { return r.Method == http.MethodPost }
	h := l.Wrap(func(*http.Request) string { return "ip" }, postsOnly, nil)(next)

	serve := func(method string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(method, "/login", nil))
		return rr
	}

	if rr := serve(http.MethodPost); rr.Code != http.StatusNoContent {
		t.Fatalf("first POST status = %d", rr.Code)
	}
	rr := serve(http.MethodPost)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second POST status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "61" {
		t.Errorf("Retry-After = %q, want 61", rr.Header().Get("Retry-After"))
	}
	if rr := serve(http.MethodGet); rr.Code != http.StatusNoContent {
		t.Errorf("GET is not limited, got %d", rr.Code)
	}
}
