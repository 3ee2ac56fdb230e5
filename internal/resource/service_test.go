package resource

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inpertio/inpertio/internal/checkout"
	"github.com/inpertio/inpertio/internal/failure"
	"github.com/inpertio/inpertio/internal/gitmirror"
	"github.com/inpertio/inpertio/internal/gittest"
	"github.com/inpertio/inpertio/internal/log"
	"github.com/inpertio/inpertio/internal/workspace"
)

func newService(t *testing.T, remote *gittest.Remote) (*Service, *gitmirror.Mirror) {
	t.Helper()
	root := t.TempDir()
	mirror, err := gitmirror.New(gitmirror.Config{RemoteURI: remote.URI(), Dir: filepath.Join(root, "mirror")},
		gitmirror.WithLogger(log.Discard()))
	require.NoError(t, err)
	require.NoError(t, mirror.EnsureInitialized(context.Background()))

	dirs, err := workspace.NewFSManager(filepath.Join(root, "checkouts"))
	require.NoError(t, err)
	coord := checkout.New(mirror, dirs,
		checkout.WithLogger(log.Discard()),
		checkout.WithPolicy(checkout.FreshnessPolicy{MaxAge: time.Hour}))
	t.Cleanup(func() { coord.Reset(context.Background()) })

	return NewService(coord, log.Discard()), mirror
}

func TestGetResource(t *testing.T) {
	remote := gittest.NewRemote(t)
	rev := remote.Commit("main", gittest.Files("readme.txt", "initial"))
	remote.Commit("feature", gittest.Files("config.yml", "x: 1"))
	svc, _ := newService(t, remote)
	ctx := context.Background()

	res, ok := svc.GetResource(ctx, "main", "readme.txt").Get()
	require.True(t, ok)
	assert.Equal(t, "initial", string(res.Content))
	assert.Equal(t, rev, res.Revision)
	assert.Equal(t, ETag([]byte("initial")), res.ETag)

	res, ok = svc.GetResource(ctx, "feature", "config.yml").Get()
	require.True(t, ok)
	assert.Equal(t, "x: 1", string(res.Content))

	f, ok := svc.GetResource(ctx, "ghost", "readme.txt").Err()
	require.True(t, ok)
	assert.Equal(t, "unknown branch 'ghost'", f.Message())

	f, ok = svc.GetResource(ctx, "main", "nope.txt").Err()
	require.True(t, ok)
	assert.Equal(t, failure.ResourceNotFound, f.Kind)

	f, ok = svc.GetResource(ctx, "main", "../../etc/passwd").Err()
	require.True(t, ok)
	assert.Equal(t, failure.PathTraversal, f.Kind)
}

func TestGetResourceAfterForcedFetch(t *testing.T) {
	remote := gittest.NewRemote(t)
	remote.Commit("main", gittest.Files("readme.txt", "initial"))
	svc, mirror := newService(t, remote)
	ctx := context.Background()

	res, _ := svc.GetResource(ctx, "main", "readme.txt").Get()
	assert.Equal(t, "initial", string(res.Content))

	remote.Commit("main", gittest.Files("readme.txt", "updated"))
	require.NoError(t, mirror.FetchLatest(ctx))

	// Still fresh under the policy, but the branch tip moved in the mirror.
	res, ok := svc.GetResource(ctx, "main", "readme.txt").Get()
	require.True(t, ok)
	assert.Equal(t, "updated", string(res.Content))
}
