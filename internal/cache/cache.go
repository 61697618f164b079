// Package cache holds the in-process caches the server keeps: month
// summaries and signed receipt links.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Expirer is a cache that can drop its expired entries.
type Expirer interface {
	CleanExpired() int
}

// Sweeper drops expired entries from a fixed set of caches on an interval.
type Sweeper struct {
	interval time.Duration
	caches   []Expirer

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(interval time.Duration, caches ...Expirer) *Sweeper {
	return &Sweeper{interval: interval, caches: caches}
}

// Sweep runs one pass over every cache.
func (s *Sweeper) Sweep() int {
	removed := 0
	for _, c := range s.caches {
		removed += c.CleanExpired()
	}
	return removed
}

// Start launches the background loop. Calls after the first are no-ops.
func (s *Sweeper) Start() {
	s.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.done = make(chan struct{})
		go s.loop(ctx)
	})
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.Sweep(); n > 0 {
				slog.Debug("Swept expired cache entries", "component", "cache", "removed", n)
			}
		}
	}
}

// Stop ends the loop and waits for it. Safe to call more than once and
// without Start.
func (s *Sweeper) Stop() {
	s.once.Do(func() {})
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}
