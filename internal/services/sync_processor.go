package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	applog "carbook/internal/log"
	"carbook/internal/storage"
)

// PendingExporter pushes records whose export is still pending or failed.
// The sync worker implements it.
type PendingExporter interface {
	ProcessPending(ctx context.Context) (int, error)
}

type SyncProcessorConfig struct {
	// PollInterval between pending export sweeps. Default 1m.
	PollInterval time.Duration
	// PurgeInterval between purges of expired sessions and magic links.
	// Default 1h.
	PurgeInterval time.Duration
	Logger        *applog.Logger
}

func DefaultSyncProcessorConfig() SyncProcessorConfig {
	return SyncProcessorConfig{PollInterval: time.Minute, PurgeInterval: time.Hour}
}

// job runs on its own ticker; each run reports how many rows it touched.
type job struct {
	name  string
	every time.Duration
	run   func(context.Context) (int, error)
}

// SyncProcessor runs the worker's periodic jobs: the pending export sweep
// and the auth table purge. Each job runs once at Start and then on its
// interval until Stop.
type SyncProcessor struct {
	jobs   []job
	logger *applog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

var ErrProcessorRunning = errors.New("sync processor is already running")

// NewSyncProcessor schedules a job for each non-nil dependency.
func NewSyncProcessor(repo *storage.Repository, exporter PendingExporter, cfg SyncProcessorConfig) *SyncProcessor {
	def := DefaultSyncProcessorConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = def.PurgeInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = applog.FromContext(context.Background())
	}

	p := &SyncProcessor{logger: logger.WithComponent(applog.ComponentWorker)}
	if exporter != nil {
		p.jobs = append(p.jobs, job{name: "pending_export", every: cfg.PollInterval, run: exporter.ProcessPending})
	}
	if repo != nil {
		p.jobs = append(p.jobs, job{name: "auth_purge", every: cfg.PurgeInterval, run: func(ctx context.Context) (int, error) {
			n, err := repo.DeleteExpired(ctx)
			return int(n), err
		}})
	}
	return p
}

// Start launches every job. The jobs stop when ctx ends or Stop is called.
func (p *SyncProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.group != nil {
		return ErrProcessorRunning
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.group = &errgroup.Group{}
	for _, j := range p.jobs {
		p.group.Go(func() error {
			p.loop(ctx, j)
			return nil
		})
		p.logger.Info("Scheduled periodic job", "job", j.name, "interval", j.every)
	}
	return nil
}

// Stop cancels the jobs and waits for any run in progress, or for ctx.
func (p *SyncProcessor) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, group := p.cancel, p.group
	p.mu.Unlock()
	if group == nil {
		return nil
	}

	cancel()
	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("Periodic jobs did not stop in time")
		return ctx.Err()
	}

	p.mu.Lock()
	p.cancel, p.group = nil, nil
	p.mu.Unlock()
	p.logger.Info("Periodic jobs stopped")
	return nil
}

func (p *SyncProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.group != nil
}

func (p *SyncProcessor) loop(ctx context.Context, j job) {
	t := time.NewTicker(j.every)
	defer t.Stop()
	for {
		p.runOnce(ctx, j)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (p *SyncProcessor) runOnce(ctx context.Context, j job) {
	n, err := j.run(ctx)
	switch {
	case ctx.Err() != nil:
	case err != nil:
		p.logger.ErrorContext(ctx, "Periodic job failed", "job", j.name, applog.FieldError, err)
	case n > 0:
		p.logger.InfoContext(ctx, "Periodic job finished", "job", j.name, "count", n)
	}
}
