// Package gitmirror keeps a local bare mirror of the remote repository and
// exports branch tips from it.
//
// All branches of the remote are tracked as refs/remotes/origin/<branch>. Ref
// updates happen only after the objects they point to are stored, so a failed
// fetch leaves the previously fetched state intact.
package gitmirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"golang.org/x/sync/singleflight"
)

const (
	remoteName   = "origin"
	remotePrefix = "refs/remotes/" + remoteName + "/"
	fetchSpec    = "+refs/heads/*:" + remotePrefix + "*"
)

var (
	// ErrNoRemote is returned by New when no remote URI is configured.
	ErrNoRemote = errors.New("no remote repo uri is provided")
	// ErrNotInitialized is returned when the mirror is used before
	// EnsureInitialized succeeded.
	ErrNotInitialized = errors.New("mirror is not initialized")
)

// SyncError reports a failed clone, fetch or export. The wrapped error is the
// underlying network or IO failure.
type SyncError struct {
	Op  string
	Err error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("mirror %s: %v", e.Op, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Config locates the remote and the local mirror directory.
type Config struct {
	RemoteURI string
	Dir       string
}

// Branch is a remote branch and the commit it points at.
type Branch struct {
	Name     string `json:"name"`
	Revision string `json:"revision"`
}

// SyncOutcome describes one clone or fetch attempt.
type SyncOutcome struct {
	Op        string
	StartedAt time.Time
	Duration  time.Duration
	Branches  int
	Err       error
}

// SyncRecorder observes fetch outcomes. Implementations must not block.
type SyncRecorder interface {
	RecordSync(ctx context.Context, outcome SyncOutcome)
}

// Option configures a Mirror.
type Option func(*Mirror)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Mirror) { m.logger = l }
}

// WithRecorder adds a sync recorder. May be given more than once.
func WithRecorder(r SyncRecorder) Option {
	return func(m *Mirror) { m.recorders = append(m.recorders, r) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Mirror) { m.now = now }
}

// Mirror is a bare local copy of the remote repository.
//
// Fetches take the write lock; branch lookups and exports take the read lock.
// Concurrent FetchLatest calls share a single in-flight fetch.
type Mirror struct {
	cfg       Config
	logger    *slog.Logger
	recorders []SyncRecorder
	now       func() time.Time

	mu   sync.RWMutex
	repo *git.Repository

	fetches    singleflight.Group
	lastSynced atomic.Int64
}

// New validates cfg and returns an uninitialized mirror.
func New(cfg Config, opts ...Option) (*Mirror, error) {
	cfg.RemoteURI = strings.TrimSpace(cfg.RemoteURI)
	if cfg.RemoteURI == "" {
		return nil, ErrNoRemote
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("mirror directory is empty")
	}
	m := &Mirror{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// RemoteURI returns the configured remote.
func (m *Mirror) RemoteURI() string { return m.cfg.RemoteURI }

// Dir returns the mirror directory.
func (m *Mirror) Dir() string { return m.cfg.Dir }

// EnsureInitialized opens the mirror, cloning it first when the directory
// does not hold a repository yet. It is idempotent. A failed first clone
// removes the directory so the next attempt starts clean.
func (m *Mirror) EnsureInitialized(ctx context.Context) error {
	m.mu.Lock()
	if m.repo != nil {
		m.mu.Unlock()
		return nil
	}
	outcome, err := m.initLocked(context.WithoutCancel(ctx))
	m.mu.Unlock()

	if outcome != nil {
		m.record(ctx, *outcome)
	}
	return err
}

// initLocked must be called with m.mu held. A non-nil outcome means a clone
// was attempted.
func (m *Mirror) initLocked(ctx context.Context) (*SyncOutcome, error) {
	repo, err := git.PlainOpen(m.cfg.Dir)
	switch {
	case err == nil:
		if err := m.ensureRemote(repo); err != nil {
			return nil, &SyncError{Op: "open", Err: err}
		}
		m.repo = repo
		m.logger.Info("opened existing mirror", "dir", m.cfg.Dir)
		return nil, nil
	case errors.Is(err, git.ErrRepositoryNotExists):
	default:
		m.logger.Warn("mirror directory is unusable, recreating", "dir", m.cfg.Dir, "error", err)
	}

	if err := os.RemoveAll(m.cfg.Dir); err != nil {
		return nil, &SyncError{Op: "clone", Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(m.cfg.Dir), 0o755); err != nil {
		return nil, &SyncError{Op: "clone", Err: err}
	}

	m.logger.Info("cloning remote", "remote", m.cfg.RemoteURI, "dir", m.cfg.Dir)
	repo, err = git.PlainInit(m.cfg.Dir, true)
	if err != nil {
		_ = os.RemoveAll(m.cfg.Dir)
		return nil, &SyncError{Op: "clone", Err: err}
	}
	if err := m.ensureRemote(repo); err != nil {
		_ = os.RemoveAll(m.cfg.Dir)
		return nil, &SyncError{Op: "clone", Err: err}
	}

	outcome := m.fetchRepo(ctx, repo)
	outcome.Op = "clone"
	if outcome.Err != nil {
		_ = os.RemoveAll(m.cfg.Dir)
		outcome.Err = &SyncError{Op: "clone", Err: outcome.Err}
		return &outcome, outcome.Err
	}
	m.repo = repo
	m.lastSynced.Store(m.now().UnixNano())
	m.logger.Info("remote cloned", "branches", outcome.Branches, "duration_ms", outcome.Duration.Milliseconds())
	return &outcome, nil
}

// ensureRemote registers origin, replacing it when the URL changed.
func (m *Mirror) ensureRemote(repo *git.Repository) error {
	remote, err := repo.Remote(remoteName)
	if err == nil {
		urls := remote.Config().URLs
		if len(urls) == 1 && urls[0] == m.cfg.RemoteURI {
			return nil
		}
		m.logger.Info("remote uri changed, updating mirror", "remote", m.cfg.RemoteURI)
		if err := repo.DeleteRemote(remoteName); err != nil {
			return fmt.Errorf("delete stale remote: %w", err)
		}
	} else if !errors.Is(err, git.ErrRemoteNotFound) {
		return err
	}

	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{
		Name:  remoteName,
		URLs:  []string{m.cfg.RemoteURI},
		Fetch: []gitconfig.RefSpec{fetchSpec},
	})
	return err
}

// FetchLatest brings every remote-tracking ref up to date and drops refs of
// branches deleted on the remote. The mirror is initialized first if needed.
func (m *Mirror) FetchLatest(ctx context.Context) error {
	// The fetch runs to completion even if the caller gives up, since other
	// callers may be waiting on the same result.
	detached := context.WithoutCancel(ctx)
	_, err, shared := m.fetches.Do("fetch", func() (any, error) {
		return nil, m.fetch(detached)
	})
	if shared {
		m.logger.Debug("joined in-flight fetch")
	}
	return err
}

func (m *Mirror) fetch(ctx context.Context) error {
	m.mu.Lock()
	if m.repo == nil {
		outcome, err := m.initLocked(ctx)
		m.mu.Unlock()
		if outcome != nil {
			m.record(ctx, *outcome)
		}
		return err
	}

	outcome := m.fetchRepo(ctx, m.repo)
	if outcome.Err == nil {
		m.lastSynced.Store(m.now().UnixNano())
	} else {
		outcome.Err = &SyncError{Op: "fetch", Err: outcome.Err}
	}
	m.mu.Unlock()

	m.record(ctx, outcome)
	if outcome.Err != nil {
		m.logger.Error("fetch failed", "remote", m.cfg.RemoteURI, "error", outcome.Err)
		return outcome.Err
	}
	m.logger.Debug("fetch complete", "branches", outcome.Branches, "duration_ms", outcome.Duration.Milliseconds())
	return nil
}

// fetchRepo fetches all heads, then prunes tracking refs that the remote no
// longer advertises.
func (m *Mirror) fetchRepo(ctx context.Context, repo *git.Repository) SyncOutcome {
	outcome := SyncOutcome{Op: "fetch", StartedAt: m.now()}
	done := func(err error) SyncOutcome {
		outcome.Duration = m.now().Sub(outcome.StartedAt)
		outcome.Err = err
		return outcome
	}

	err := repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		RefSpecs:   []gitconfig.RefSpec{fetchSpec},
		Tags:       git.NoTags,
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) && !errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return done(err)
	}

	remote, err := repo.Remote(remoteName)
	if err != nil {
		return done(err)
	}
	advertised, err := remote.ListContext(ctx, &git.ListOptions{})
	if err != nil && !errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return done(err)
	}

	heads := make(map[string]bool, len(advertised))
	for _, ref := range advertised {
		if ref.Name().IsBranch() {
			heads[ref.Name().Short()] = true
		}
	}
	if err := pruneTracking(repo, heads); err != nil {
		return done(fmt.Errorf("prune: %w", err))
	}

	outcome.Branches = len(heads)
	return done(nil)
}

func pruneTracking(repo *git.Repository, heads map[string]bool) error {
	iter, err := repo.References()
	if err != nil {
		return err
	}
	var stale []plumbing.ReferenceName
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		name, ok := trackedBranch(ref.Name())
		if ok && !heads[name] {
			stale = append(stale, ref.Name())
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, name := range stale {
		if err := repo.Storer.RemoveReference(name); err != nil {
			return err
		}
	}
	return nil
}

// trackedBranch maps refs/remotes/origin/<b> to <b>.
func trackedBranch(name plumbing.ReferenceName) (string, bool) {
	s := name.String()
	if !strings.HasPrefix(s, remotePrefix) {
		return "", false
	}
	branch := strings.TrimPrefix(s, remotePrefix)
	if branch == "" || branch == "HEAD" {
		return "", false
	}
	return branch, true
}

// LastSyncedAt returns when the last successful clone or fetch completed, or
// the zero time if none has.
func (m *Mirror) LastSyncedAt() time.Time {
	ns := m.lastSynced.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// ResolveBranch returns the commit the mirror records for branch.
func (m *Mirror) ResolveBranch(ctx context.Context, branch string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if branch == "" || branch == "HEAD" {
		return "", false, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.repo == nil {
		return "", false, ErrNotInitialized
	}

	ref, err := m.repo.Reference(plumbing.NewRemoteReferenceName(remoteName, branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolve branch %q: %w", branch, err)
	}
	return ref.Hash().String(), true, nil
}

// Branches lists the mirrored branches sorted by name.
func (m *Mirror) Branches(ctx context.Context) ([]Branch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.repo == nil {
		return nil, ErrNotInitialized
	}

	iter, err := m.repo.References()
	if err != nil {
		return nil, err
	}
	var out []Branch
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference {
			return nil
		}
		if name, ok := trackedBranch(ref.Name()); ok {
			out = append(out, Branch{Name: name, Revision: ref.Hash().String()})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Export writes the full tree of revision into dst, which must exist and be
// empty. Submodules are skipped; symlinks are recreated as symlinks.
func (m *Mirror) Export(ctx context.Context, revision, dst string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.repo == nil {
		return ErrNotInitialized
	}

	commit, err := m.repo.CommitObject(plumbing.NewHash(revision))
	if err != nil {
		return &SyncError{Op: "export", Err: fmt.Errorf("load commit %s: %w", revision, err)}
	}
	tree, err := commit.Tree()
	if err != nil {
		return &SyncError{Op: "export", Err: fmt.Errorf("load tree of %s: %w", revision, err)}
	}

	err = tree.Files().ForEach(func(f *object.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return writeEntry(dst, f)
	})
	if err != nil {
		return &SyncError{Op: "export", Err: err}
	}
	return nil
}

func writeEntry(dst string, f *object.File) error {
	name := path.Clean(f.Name)
	if path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
		return fmt.Errorf("tree entry %q escapes checkout", f.Name)
	}
	target := filepath.Join(dst, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	switch f.Mode {
	case filemode.Symlink:
		link, err := f.Contents()
		if err != nil {
			return fmt.Errorf("read symlink %q: %w", f.Name, err)
		}
		return os.Symlink(link, target)
	case filemode.Regular, filemode.Deprecated, filemode.Executable:
	default:
		return nil
	}

	perm := os.FileMode(0o644)
	if f.Mode == filemode.Executable {
		perm = 0o755
	}
	src, err := f.Reader()
	if err != nil {
		return fmt.Errorf("open blob %q: %w", f.Name, err)
	}
	defer src.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return fmt.Errorf("write %q: %w", f.Name, err)
	}
	return out.Close()
}

func (m *Mirror) record(ctx context.Context, outcome SyncOutcome) {
	for _, r := range m.recorders {
		r.RecordSync(ctx, outcome)
	}
}
