// Package poller refreshes the mirror on a fixed, jittered interval so that
// request-time fetches are rare on busy branches.
package poller

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/inpertio/inpertio/internal/workspace"
)

// Fetcher refreshes the mirror.
type Fetcher interface {
	FetchLatest(ctx context.Context) error
}

// Cleaner removes abandoned staging directories.
type Cleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (workspace.CleanupReport, error)
}

// StagingMaxAge is how old a staging directory must be before a poll pass
// removes it.
const StagingMaxAge = time.Hour

// Poller runs FetchLatest in the background.
type Poller struct {
	fetcher  Fetcher
	cleaner  Cleaner
	interval time.Duration
	jitter   time.Duration
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Poller. A nil cleaner disables staging cleanup.
func New(fetcher Fetcher, cleaner Cleaner, interval, jitter time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		fetcher:  fetcher,
		cleaner:  cleaner,
		interval: interval,
		jitter:   jitter,
		logger:   logger.With("component", "poller"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the poll loop. It is a no-op when the interval is not
// positive.
func (p *Poller) Start(ctx context.Context) {
	if p.interval <= 0 {
		p.logger.Info("background polling disabled")
		return
	}
	p.logger.Info("starting poller", "interval", p.interval.String(), "jitter", p.jitter.String())

	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop gracefully stops the poller.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	timer := time.NewTimer(calculateJitteredInterval(p.interval, p.jitter))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			p.tick(ctx)
			timer.Reset(calculateJitteredInterval(p.interval, p.jitter))
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick performs a single poll pass.
func (p *Poller) tick(ctx context.Context) {
	start := time.Now()
	if err := p.fetcher.FetchLatest(ctx); err != nil {
		p.logger.Warn("background fetch failed", "error", err)
	} else {
		p.logger.Debug("background fetch complete", "duration_ms", time.Since(start).Milliseconds())
	}

	if p.cleaner == nil {
		return
	}
	report, err := p.cleaner.Cleanup(ctx, StagingMaxAge)
	if err != nil {
		p.logger.Warn("staging cleanup failed", "error", err)
		return
	}
	if report.DeletedDirs > 0 {
		p.logger.Info("removed abandoned staging directories", "count", report.DeletedDirs)
	}
}

func calculateJitteredInterval(baseInterval time.Duration, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return baseInterval
	}
	return baseInterval + time.Duration(rand.Int63n(jitter.Nanoseconds()))
}
