package gitmirror

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/inpertio/inpertio/internal/gittest"
	"github.com/inpertio/inpertio/internal/log"
)

type recorderFunc func(SyncOutcome)

func (f recorderFunc) RecordSync(_ context.Context, o SyncOutcome) { f(o) }

func newMirror(t *testing.T, uri string, opts ...Option) *Mirror {
	t.Helper()
	opts = append([]Option{WithLogger(log.Discard())}, opts...)
	m, err := New(Config{RemoteURI: uri, Dir: filepath.Join(t.TempDir(), "mirror")}, opts...)
	require.NoError(t, err)
	return m
}

func TestNewRequiresRemote(t *testing.T) {
	_, err := New(Config{RemoteURI: "  ", Dir: t.TempDir()})
	assert.ErrorIs(t, err, ErrNoRemote)

	_, err = New(Config{RemoteURI: "/srv/repo.git"})
	assert.Error(t, err)
}

func TestEnsureInitializedClonesAllBranches(t *testing.T) {
	remote := gittest.NewRemote(t)
	mainRev := remote.Commit("main", gittest.Files("readme.txt", "initial"))
	featRev := remote.Commit("feature/x", gittest.Files("config.yml", "x: 1"))

	var outcomes []SyncOutcome
	m := newMirror(t, remote.URI(), WithRecorder(recorderFunc(func(o SyncOutcome) {
		outcomes = append(outcomes, o)
	})))
	ctx := context.Background()

	require.NoError(t, m.EnsureInitialized(ctx))
	require.NoError(t, m.EnsureInitialized(ctx), "second call must be a no-op")
	assert.False(t, m.LastSyncedAt().IsZero())
	require.Len(t, outcomes, 1)
	assert.Equal(t, "clone", outcomes[0].Op)
	assert.NoError(t, outcomes[0].Err)

	rev, ok, err := m.ResolveBranch(ctx, "main")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, mainRev, rev)

	rev, ok, err = m.ResolveBranch(ctx, "feature/x")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, featRev, rev)

	_, ok, err = m.ResolveBranch(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)

	branches, err := m.Branches(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Branch{{Name: "feature/x", Revision: featRev}, {Name: "main", Revision: mainRev}}, branches)
}

func TestEnsureInitializedFailureLeavesNoDirectory(t *testing.T) {
	m := newMirror(t, filepath.Join(t.TempDir(), "missing", ".git"))

	err := m.EnsureInitialized(context.Background())
	var syncErr *SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, "clone", syncErr.Op)
	assert.NoDirExists(t, m.Dir())
	assert.True(t, m.LastSyncedAt().IsZero())

	_, _, err = m.ResolveBranch(context.Background(), "main")
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestReopenExistingMirror(t *testing.T) {
	remote := gittest.NewRemote(t)
	rev := remote.Commit("main", gittest.Files("a.txt", "a"))
	dir := filepath.Join(t.TempDir(), "mirror")
	ctx := context.Background()

	first, err := New(Config{RemoteURI: remote.URI(), Dir: dir}, WithLogger(log.Discard()))
	require.NoError(t, err)
	require.NoError(t, first.EnsureInitialized(ctx))

	second, err := New(Config{RemoteURI: remote.URI(), Dir: dir}, WithLogger(log.Discard()))
	require.NoError(t, err)
	require.NoError(t, second.EnsureInitialized(ctx))
	assert.True(t, second.LastSyncedAt().IsZero(), "reopening does not count as a sync")

	got, ok, err := second.ResolveBranch(ctx, "main")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, rev, got)
}

func TestFetchLatestPicksUpNewCommitsAndPrunes(t *testing.T) {
	remote := gittest.NewRemote(t)
	remote.Commit("main", gittest.Files("readme.txt", "initial"))
	remote.Commit("doomed", gittest.Files("tmp.txt", "bye"))
	remote.Commit("main", gittest.Files("other.txt", "o"))

	m := newMirror(t, remote.URI())
	ctx := context.Background()
	require.NoError(t, m.EnsureInitialized(ctx))

	next := remote.Commit("main", gittest.Files("readme.txt", "second"))
	remote.DeleteBranch("doomed")
	require.NoError(t, m.FetchLatest(ctx))

	rev, ok, err := m.ResolveBranch(ctx, "main")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, next, rev)

	_, ok, err = m.ResolveBranch(ctx, "doomed")
	require.NoError(t, err)
	assert.False(t, ok, "deleted branch should be pruned")
}

func TestFetchLatestInitializesLazily(t *testing.T) {
	remote := gittest.NewRemote(t)
	rev := remote.Commit("main", gittest.Files("a", "1"))

	m := newMirror(t, remote.URI())
	require.NoError(t, m.FetchLatest(context.Background()))

	got, ok, err := m.ResolveBranch(context.Background(), "main")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, rev, got)
}

func TestFetchFailureKeepsPreviousState(t *testing.T) {
	remote := gittest.NewRemote(t)
	rev := remote.Commit("main", gittest.Files("a", "1"))

	var mu sync.Mutex
	var failures int
	m := newMirror(t, remote.URI(), WithRecorder(recorderFunc(func(o SyncOutcome) {
		mu.Lock()
		defer mu.Unlock()
		if o.Err != nil {
			failures++
		}
	})))
	ctx := context.Background()
	require.NoError(t, m.EnsureInitialized(ctx))
	synced := m.LastSyncedAt()

	require.NoError(t, os.RemoveAll(remote.Dir))

	err := m.FetchLatest(ctx)
	var syncErr *SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, "fetch", syncErr.Op)
	assert.Equal(t, synced, m.LastSyncedAt())
	assert.Equal(t, 1, failures)

	got, ok, err := m.ResolveBranch(ctx, "main")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, rev, got)
}

func TestFetchLatestConcurrentCallers(t *testing.T) {
	remote := gittest.NewRemote(t)
	remote.Commit("main", gittest.Files("a", "1"))

	m := newMirror(t, remote.URI())
	require.NoError(t, m.EnsureInitialized(context.Background()))

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 8; i++ {
		g.Go(func() error { return m.FetchLatest(ctx) })
	}
	require.NoError(t, g.Wait())
}

func TestFetchIgnoresCallerCancellation(t *testing.T) {
	remote := gittest.NewRemote(t)
	remote.Commit("main", gittest.Files("a", "1"))
	m := newMirror(t, remote.URI())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, m.FetchLatest(ctx))
	assert.False(t, m.LastSyncedAt().IsZero())
}

func TestExport(t *testing.T) {
	remote := gittest.NewRemote(t)
	rev := remote.Commit("main", gittest.Files(
		"readme.txt", "initial",
		"conf/app/settings.yml", "debug: true\n",
		"bin/run.sh", "#!/bin/sh\necho hi\n",
	), "bin/run.sh")

	m := newMirror(t, remote.URI())
	ctx := context.Background()
	require.NoError(t, m.EnsureInitialized(ctx))

	dst := t.TempDir()
	require.NoError(t, m.Export(ctx, rev, dst))

	data, err := os.ReadFile(filepath.Join(dst, "readme.txt"))
	require.NoError(t, err)
	assert.Equal(t, "initial", string(data))

	data, err = os.ReadFile(filepath.Join(dst, "conf", "app", "settings.yml"))
	require.NoError(t, err)
	assert.Equal(t, "debug: true\n", string(data))

	info, err := os.Stat(filepath.Join(dst, "bin", "run.sh"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0o100, "exec bit should survive export")
}

func TestExportUnknownRevision(t *testing.T) {
	remote := gittest.NewRemote(t)
	remote.Commit("main", gittest.Files("a", "1"))
	m := newMirror(t, remote.URI())
	require.NoError(t, m.EnsureInitialized(context.Background()))

	err := m.Export(context.Background(), "0123456789abcdef0123456789abcdef01234567", t.TempDir())
	var syncErr *SyncError
	assert.True(t, errors.As(err, &syncErr))
}

func TestLastSyncedAtUsesClock(t *testing.T) {
	remote := gittest.NewRemote(t)
	remote.Commit("main", gittest.Files("a", "1"))
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	m := newMirror(t, remote.URI(), WithClock(func() time.Time { return fixed }))
	require.NoError(t, m.EnsureInitialized(context.Background()))
	assert.True(t, fixed.Equal(m.LastSyncedAt()))
}
