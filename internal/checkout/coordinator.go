// Package checkout materializes branch tips from the mirror into immutable,
// revision-keyed directories and hands them out under leases.
package checkout

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/inpertio/inpertio/internal/failure"
	"github.com/inpertio/inpertio/internal/metrics"
	"github.com/inpertio/inpertio/internal/result"
	"github.com/inpertio/inpertio/internal/workspace"
)

//go:generate mockgen -destination=mocks/mock_mirror.go -package=mocks github.com/inpertio/inpertio/internal/checkout Mirror

// Mirror is the subset of the mirror store the coordinator depends on.
type Mirror interface {
	FetchLatest(ctx context.Context) error
	LastSyncedAt() time.Time
	ResolveBranch(ctx context.Context, branch string) (revision string, found bool, err error)
	Export(ctx context.Context, revision, dst string) error
}

// CheckoutIndex persists which revision each branch has materialized, so a
// restart can reuse directories that are still on disk.
type CheckoutIndex interface {
	Put(ctx context.Context, rec Record) error
	Delete(ctx context.Context, branch string) error
	List(ctx context.Context) ([]Record, error)
}

// Publisher receives checkout events.
type Publisher interface {
	Publish(eventType string, data any)
}

// Record is a persisted checkout.
type Record struct {
	Branch       string
	Revision     string
	Dir          string
	CheckedOutAt time.Time
}

// FreshnessPolicy decides when a request must fetch before resolving.
type FreshnessPolicy struct {
	// MaxAge is how old the last successful fetch may be. Zero means every
	// request fetches.
	MaxAge time.Duration
}

// Stale reports whether a fetch is due. A branch without a snapshot is always
// stale.
func (p FreshnessPolicy) Stale(hasSnapshot bool, lastSync, now time.Time) bool {
	if !hasSnapshot || lastSync.IsZero() {
		return true
	}
	return now.Sub(lastSync) > p.MaxAge
}

// Snapshot is a read-only view of a materialized branch revision. Root stays
// valid while the lease it came from is held.
type Snapshot struct {
	Branch       string    `json:"branch"`
	Revision     string    `json:"revision"`
	Root         string    `json:"root"`
	CheckedOutAt time.Time `json:"checked_out_at"`
}

// SnapshotInfo describes a tracked branch for status endpoints.
type SnapshotInfo struct {
	Snapshot
	Leases int `json:"leases"`
}

// snapshot is a materialized directory plus its lease count. leases and
// retired are guarded by Coordinator.mu.
type snapshot struct {
	Snapshot
	leases  int
	retired bool
}

// branchEntry owns one branch's current snapshot. mu serializes fetch,
// resolve and materialization for the branch. users and current are guarded
// by Coordinator.mu.
type branchEntry struct {
	mu      sync.Mutex
	users   int
	current *snapshot
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPolicy sets when requests fetch before resolving.
func WithPolicy(p FreshnessPolicy) Option { return func(c *Coordinator) { c.policy = p } }

// WithLogger sets the coordinator's logger.
func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// WithIndex persists checkouts so Restore can reuse them.
func WithIndex(idx CheckoutIndex) Option { return func(c *Coordinator) { c.index = idx } }

// WithEvents publishes checkout updates, retirements and failures.
func WithEvents(p Publisher) Option { return func(c *Coordinator) { c.events = p } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// Coordinator is the registry of branch snapshots.
type Coordinator struct {
	mirror Mirror
	dirs   workspace.Manager
	policy FreshnessPolicy
	logger *slog.Logger
	index  CheckoutIndex
	events Publisher
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*branchEntry
	// byDir holds every snapshot whose directory is still on disk, current or
	// retired but leased.
	byDir map[string]*snapshot
	// removing holds directories whose removal has started. The channel is
	// closed once the directory is gone.
	removing map[string]chan struct{}
}

// New builds a coordinator over mirror, storing checkouts via dirs.
func New(mirror Mirror, dirs workspace.Manager, opts ...Option) *Coordinator {
	c := &Coordinator{
		mirror:   mirror,
		dirs:     dirs,
		logger:   slog.Default(),
		now:      time.Now,
		entries:  make(map[string]*branchEntry),
		byDir:    make(map[string]*snapshot),
		removing: make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lease pins a snapshot directory until Release is called.
type Lease struct {
	c    *Coordinator
	snap *snapshot
	once sync.Once
}

// Snapshot returns the leased snapshot.
func (l *Lease) Snapshot() Snapshot { return l.snap.Snapshot }

// Root is the checkout directory.
func (l *Lease) Root() string { return l.snap.Root }

// Revision is the commit checked out in Root.
func (l *Lease) Revision() string { return l.snap.Revision }

// Release drops the lease. A retired snapshot's directory is removed when its
// last lease is released. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.c.mu.Lock()
		l.snap.leases--
		remove := l.snap.retired && l.snap.leases == 0
		if remove {
			l.c.beginRemoveLocked(l.snap)
		}
		l.c.mu.Unlock()

		if remove {
			l.c.removeDir(l.snap)
		}
	})
}

// WithBranchRoot runs action against the latest known state of branch. The
// branch lock is held only while synchronizing; action runs under a lease so
// the directory it sees cannot change or disappear underneath it.
func WithBranchRoot[T any](ctx context.Context, c *Coordinator, branch string, action func(Snapshot) T) result.Result[T, *failure.Failure] {
	acquired := c.Acquire(ctx, branch)
	lease, ok := acquired.Get()
	if !ok {
		f, _ := acquired.Err()
		return result.Failure[T](f)
	}
	defer lease.Release()
	return result.Success[T, *failure.Failure](action(lease.Snapshot()))
}

// Warm brings branch up to date without reading from it.
func (c *Coordinator) Warm(ctx context.Context, branch string) *failure.Failure {
	acquired := c.Acquire(ctx, branch)
	if lease, ok := acquired.Get(); ok {
		lease.Release()
		return nil
	}
	f, _ := acquired.Err()
	return f
}

// Acquire synchronizes branch and returns a lease on its current snapshot.
// Cancellation of ctx is ignored once synchronization starts: a fetch or
// checkout runs to completion even when the caller has given up.
func (c *Coordinator) Acquire(ctx context.Context, branch string) result.Result[*Lease, *failure.Failure] {
	if branch == "" {
		return result.Failure[*Lease](failure.NewUnknownBranch(branch))
	}
	ctx = context.WithoutCancel(ctx)

	entry := c.enter(branch)
	defer c.leave(branch, entry)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	s, f := c.sync(ctx, branch, entry)
	if f != nil {
		return result.Failure[*Lease](f)
	}
	return result.Success[*Lease, *failure.Failure](c.lease(s))
}

// sync runs with entry.mu held.
func (c *Coordinator) sync(ctx context.Context, branch string, entry *branchEntry) (*snapshot, *failure.Failure) {
	logger := c.logger.With("branch", branch)
	current := c.currentOf(entry)

	fetched := false
	if c.policy.Stale(current != nil, c.mirror.LastSyncedAt(), c.now()) {
		fetched = true
		if err := c.mirror.FetchLatest(ctx); err != nil {
			return c.fallback(logger, branch, current, err)
		}
	}

	revision, found, err := c.mirror.ResolveBranch(ctx, branch)
	if err != nil {
		return c.fallback(logger, branch, current, err)
	}
	if !found && !fetched {
		// The branch may have been created since the last fetch.
		if err := c.mirror.FetchLatest(ctx); err != nil {
			return c.fallback(logger, branch, current, err)
		}
		revision, found, err = c.mirror.ResolveBranch(ctx, branch)
		if err != nil {
			return c.fallback(logger, branch, current, err)
		}
	}

	if !found {
		if current != nil {
			logger.Info("branch deleted on remote, retiring snapshot", "revision", current.Revision)
			c.retire(ctx, branch, entry)
			c.publish("checkout.retired", current.Snapshot)
		}
		return nil, failure.NewUnknownBranch(branch)
	}

	if current != nil && current.Revision == revision {
		return current, nil
	}

	next, err := c.materialize(ctx, logger, branch, revision)
	if err != nil {
		metrics.RecordCheckout(0, false)
		return c.fallback(logger, branch, current, err)
	}
	c.install(ctx, entry, next)
	return next, nil
}

// fallback serves the previous snapshot when one exists.
func (c *Coordinator) fallback(logger *slog.Logger, branch string, current *snapshot, err error) (*snapshot, *failure.Failure) {
	if current != nil {
		logger.Warn("synchronization failed, serving previous snapshot",
			"revision", current.Revision,
			"error", err,
		)
		metrics.RecordStaleServe()
		return current, nil
	}
	logger.Error("synchronization failed", "error", err)
	c.publish("checkout.failed", map[string]string{"branch": branch, "error": err.Error()})
	return nil, failure.NewSync(branch, err)
}

// materialize exports revision into a fresh directory, or reuses one that is
// already on disk.
func (c *Coordinator) materialize(ctx context.Context, logger *slog.Logger, branch, revision string) (*snapshot, error) {
	dir, err := c.dirs.Path(branch, revision)
	if err != nil {
		return nil, err
	}

	for {
		c.mu.Lock()
		if s, ok := c.byDir[dir]; ok {
			s.retired = false
			c.mu.Unlock()
			logger.Debug("reusing leased checkout", "revision", revision)
			return s, nil
		}
		gone, removing := c.removing[dir]
		c.mu.Unlock()
		if !removing {
			break
		}
		// The directory is still on disk but about to vanish.
		logger.Debug("waiting for retired checkout removal", "revision", revision)
		<-gone
	}

	if c.dirs.Exists(branch, revision) {
		logger.Debug("reusing checkout on disk", "revision", revision)
		return c.newSnapshot(branch, revision, dir), nil
	}

	start := c.now()
	staging, err := c.dirs.Stage(ctx, branch)
	if err != nil {
		return nil, err
	}
	if err := c.mirror.Export(ctx, revision, staging); err != nil {
		if rmErr := c.dirs.Remove(staging); rmErr != nil {
			logger.Warn("failed to remove staging directory", "dir", staging, "error", rmErr)
		}
		return nil, err
	}
	dir, err = c.dirs.Promote(ctx, branch, staging, revision)
	if err != nil {
		_ = c.dirs.Remove(staging)
		return nil, err
	}

	elapsed := c.now().Sub(start)
	metrics.RecordCheckout(elapsed, true)
	logger.Info("checked out revision", "revision", revision, "duration_ms", elapsed.Milliseconds())
	return c.newSnapshot(branch, revision, dir), nil
}

func (c *Coordinator) newSnapshot(branch, revision, dir string) *snapshot {
	return &snapshot{Snapshot: Snapshot{
		Branch:       branch,
		Revision:     revision,
		Root:         dir,
		CheckedOutAt: c.now(),
	}}
}

// install makes next the branch's current snapshot and retires the old one.
func (c *Coordinator) install(ctx context.Context, entry *branchEntry, next *snapshot) {
	c.mu.Lock()
	prev := entry.current
	entry.current = next
	c.byDir[next.Root] = next
	removePrev := c.retireLocked(prev)
	count := c.countSnapshotsLocked()
	c.mu.Unlock()

	if removePrev {
		c.removeDir(prev)
	}
	metrics.SetActiveSnapshots(count)

	if c.index != nil {
		rec := Record{Branch: next.Branch, Revision: next.Revision, Dir: next.Root, CheckedOutAt: next.CheckedOutAt}
		if err := c.index.Put(ctx, rec); err != nil {
			c.logger.Warn("failed to persist checkout", "branch", next.Branch, "error", err)
		}
	}
	c.publish("checkout.updated", next.Snapshot)
}

// retire drops the entry's current snapshot.
func (c *Coordinator) retire(ctx context.Context, branch string, entry *branchEntry) {
	c.mu.Lock()
	prev := entry.current
	entry.current = nil
	remove := c.retireLocked(prev)
	count := c.countSnapshotsLocked()
	c.mu.Unlock()

	if remove {
		c.removeDir(prev)
	}
	metrics.SetActiveSnapshots(count)

	if c.index != nil {
		if err := c.index.Delete(ctx, branch); err != nil {
			c.logger.Warn("failed to delete checkout record", "branch", branch, "error", err)
		}
	}
}

// retireLocked marks s retired and reports whether its directory can be
// removed right away.
func (c *Coordinator) retireLocked(s *snapshot) bool {
	if s == nil {
		return false
	}
	s.retired = true
	if s.leases > 0 {
		return false
	}
	c.beginRemoveLocked(s)
	return true
}

// beginRemoveLocked unregisters s and marks its directory as being removed.
// The caller must follow up with removeDir.
func (c *Coordinator) beginRemoveLocked(s *snapshot) {
	delete(c.byDir, s.Root)
	if _, ok := c.removing[s.Root]; !ok {
		c.removing[s.Root] = make(chan struct{})
	}
}

func (c *Coordinator) removeDir(s *snapshot) {
	err := c.dirs.Remove(s.Root)

	c.mu.Lock()
	if gone, ok := c.removing[s.Root]; ok {
		delete(c.removing, s.Root)
		close(gone)
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("failed to remove retired checkout", "branch", s.Branch, "dir", s.Root, "error", err)
		return
	}
	c.logger.Debug("removed retired checkout", "branch", s.Branch, "revision", s.Revision)
}

func (c *Coordinator) lease(s *snapshot) *Lease {
	c.mu.Lock()
	s.leases++
	c.mu.Unlock()
	return &Lease{c: c, snap: s}
}

func (c *Coordinator) currentOf(entry *branchEntry) *snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return entry.current
}

func (c *Coordinator) enter(branch string) *branchEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[branch]
	if !ok {
		entry = &branchEntry{}
		c.entries[branch] = entry
	}
	entry.users++
	return entry
}

// leave drops entries that never produced a snapshot once nobody uses them,
// so unknown branches leave no trace in the registry.
func (c *Coordinator) leave(branch string, entry *branchEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry.users--
	if entry.users == 0 && entry.current == nil && c.entries[branch] == entry {
		delete(c.entries, branch)
	}
}

func (c *Coordinator) countSnapshotsLocked() int {
	n := 0
	for _, e := range c.entries {
		if e.current != nil {
			n++
		}
	}
	return n
}

func (c *Coordinator) publish(eventType string, data any) {
	if c.events != nil {
		c.events.Publish(eventType, data)
	}
}

// Branches lists tracked branches with a snapshot, sorted by name.
func (c *Coordinator) Branches() []SnapshotInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]SnapshotInfo, 0, len(c.entries))
	for _, e := range c.entries {
		if e.current == nil {
			continue
		}
		out = append(out, SnapshotInfo{Snapshot: e.current.Snapshot, Leases: e.current.leases})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Branch < out[j].Branch })
	return out
}

// Restore reseeds the registry from the checkout index and sweeps every
// checkout directory that is not referenced by it. Records whose directory
// has gone missing are dropped.
func (c *Coordinator) Restore(ctx context.Context) error {
	var restored []*snapshot
	if c.index != nil {
		records, err := c.index.List(ctx)
		if err != nil {
			return err
		}
		for _, rec := range records {
			dir, err := c.dirs.Path(rec.Branch, rec.Revision)
			if err != nil || !c.dirs.Exists(rec.Branch, rec.Revision) {
				c.logger.Info("dropping stale checkout record", "branch", rec.Branch, "revision", rec.Revision)
				if err := c.index.Delete(ctx, rec.Branch); err != nil {
					c.logger.Warn("failed to delete checkout record", "branch", rec.Branch, "error", err)
				}
				continue
			}
			restored = append(restored, &snapshot{Snapshot: Snapshot{
				Branch:       rec.Branch,
				Revision:     rec.Revision,
				Root:         dir,
				CheckedOutAt: rec.CheckedOutAt,
			}})
		}
	}

	c.mu.Lock()
	for _, s := range restored {
		if _, exists := c.entries[s.Branch]; exists {
			continue
		}
		c.entries[s.Branch] = &branchEntry{current: s}
		c.byDir[s.Root] = s
	}
	keep := make(map[string]bool, len(c.byDir))
	for dir := range c.byDir {
		keep[dir] = true
	}
	count := c.countSnapshotsLocked()
	c.mu.Unlock()

	report, err := c.dirs.Sweep(ctx, keep)
	if err != nil {
		return err
	}
	metrics.SetActiveSnapshots(count)
	c.logger.Info("restored checkouts", "restored", len(restored), "swept", report.DeletedDirs)
	return nil
}

// Reset retires every snapshot and empties the registry. Directories still
// under lease are removed when their leases are released.
func (c *Coordinator) Reset(ctx context.Context) {
	c.mu.Lock()
	var remove []*snapshot
	var branches []string
	for branch, e := range c.entries {
		if c.retireLocked(e.current) {
			remove = append(remove, e.current)
		}
		if e.current != nil {
			branches = append(branches, branch)
		}
		e.current = nil
	}
	c.entries = make(map[string]*branchEntry)
	c.mu.Unlock()

	for _, s := range remove {
		c.removeDir(s)
	}
	if c.index != nil {
		for _, branch := range branches {
			if err := c.index.Delete(ctx, branch); err != nil {
				c.logger.Warn("failed to delete checkout record", "branch", branch, "error", err)
			}
		}
	}
	metrics.SetActiveSnapshots(0)
}
