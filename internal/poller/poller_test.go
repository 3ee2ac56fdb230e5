package poller

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inpertio/inpertio/internal/workspace"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger() (*slog.Logger, *lockedBuffer) {
	var buf lockedBuffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

type countingFetcher struct {
	calls atomic.Int32
	err   error
}

func (f *countingFetcher) FetchLatest(context.Context) error {
	f.calls.Add(1)
	return f.err
}

type fakeCleaner struct {
	calls  atomic.Int32
	maxAge atomic.Int64
}

func (c *fakeCleaner) Cleanup(_ context.Context, olderThan time.Duration) (workspace.CleanupReport, error) {
	c.calls.Add(1)
	c.maxAge.Store(int64(olderThan))
	return workspace.CleanupReport{DeletedDirs: 1}, nil
}

func TestCalculateJitteredInterval(t *testing.T) {
	tests := []struct {
		name         string
		baseInterval time.Duration
		jitter       time.Duration
	}{
		{name: "No Jitter", baseInterval: 1 * time.Minute, jitter: 0},
		{name: "Positive Jitter", baseInterval: 5 * time.Minute, jitter: 30 * time.Second},
		{name: "Large Jitter", baseInterval: 1 * time.Hour, jitter: 15 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for range 100 {
				jittered := calculateJitteredInterval(tt.baseInterval, tt.jitter)
				if tt.jitter == 0 {
					assert.Equal(t, tt.baseInterval, jittered)
				} else {
					assert.GreaterOrEqual(t, jittered, tt.baseInterval)
					assert.LessOrEqual(t, jittered, tt.baseInterval+tt.jitter)
				}
			}
		})
	}
}

func TestPollerFetchesAndCleans(t *testing.T) {
	fetcher := &countingFetcher{}
	cleaner := &fakeCleaner{}
	logger, buf := newTestLogger()

	p := New(fetcher, cleaner, 5*time.Millisecond, time.Millisecond, logger)
	p.Start(context.Background())
	defer p.Stop()

	require.Eventually(t, func() bool { return fetcher.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return cleaner.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(StagingMaxAge), cleaner.maxAge.Load())
	assert.Contains(t, buf.String(), "removed abandoned staging directories")
}

func TestPollerLogsFetchFailure(t *testing.T) {
	fetcher := &countingFetcher{err: errors.New("remote unreachable")}
	logger, buf := newTestLogger()

	p := New(fetcher, nil, 5*time.Millisecond, 0, logger)
	p.Start(context.Background())

	require.Eventually(t, func() bool { return fetcher.calls.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	p.Stop()
	assert.Contains(t, buf.String(), "background fetch failed")
	assert.Contains(t, buf.String(), "remote unreachable")
}

func TestPollerDisabled(t *testing.T) {
	fetcher := &countingFetcher{}
	logger, buf := newTestLogger()

	p := New(fetcher, nil, 0, 0, logger)
	p.Start(context.Background())
	p.Stop()
	p.Stop()

	assert.Equal(t, int32(0), fetcher.calls.Load())
	assert.Contains(t, buf.String(), "background polling disabled")
}

func TestPollerStopsOnContextCancel(t *testing.T) {
	fetcher := &countingFetcher{}
	ctx, cancel := context.WithCancel(context.Background())

	p := New(fetcher, nil, time.Hour, 0, slog.New(slog.DiscardHandler))
	p.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop after cancel")
	}
	assert.Equal(t, int32(0), fetcher.calls.Load())
}
