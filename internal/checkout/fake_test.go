package checkout

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/inpertio/inpertio/internal/workspace"
)

// fakeMirror is an in-memory Mirror with controllable delays and failures.
type fakeMirror struct {
	mu       sync.Mutex
	next     int
	remote   map[string]string
	local    map[string]string
	trees    map[string]map[string]string
	lastSync time.Time

	fetches   int
	exports   int
	fetchErr  error
	exportErr error
	// gates blocks Export of a revision until the channel is closed.
	gates map[string]chan struct{}
	// exportPause is slept between files to widen the window for torn reads.
	exportPause time.Duration
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{
		remote: make(map[string]string),
		local:  make(map[string]string),
		trees:  make(map[string]map[string]string),
		gates:  make(map[string]chan struct{}),
	}
}

// push records a new commit on branch on the remote side.
func (f *fakeMirror) push(branch string, files map[string]string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	rev := fmt.Sprintf("%040x", f.next)
	f.remote[branch] = rev
	f.trees[rev] = files
	return rev
}

func (f *fakeMirror) deleteBranch(branch string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.remote, branch)
}

func (f *fakeMirror) gate(rev string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[rev] = ch
	return ch
}

func (f *fakeMirror) setFetchErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
}

func (f *fakeMirror) setExportErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exportErr = err
}

func (f *fakeMirror) counts() (fetches, exports int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches, f.exports
}

func (f *fakeMirror) FetchLatest(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return f.fetchErr
	}
	f.local = make(map[string]string, len(f.remote))
	for b, r := range f.remote {
		f.local[b] = r
	}
	f.lastSync = time.Now()
	return nil
}

func (f *fakeMirror) LastSyncedAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSync
}

func (f *fakeMirror) ResolveBranch(_ context.Context, branch string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rev, ok := f.local[branch]
	return rev, ok, nil
}

func (f *fakeMirror) Export(_ context.Context, revision, dst string) error {
	f.mu.Lock()
	f.exports++
	err := f.exportErr
	gate := f.gates[revision]
	tree := f.trees[revision]
	pause := f.exportPause
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return err
	}

	names := make([]string, 0, len(tree))
	for name := range tree {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		path := filepath.Join(dst, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(tree[name]), 0o644); err != nil {
			return err
		}
		if pause > 0 {
			time.Sleep(pause)
		}
	}
	return nil
}

// memIndex is an in-memory CheckoutIndex.
type memIndex struct {
	mu      sync.Mutex
	records map[string]Record
}

func newMemIndex() *memIndex { return &memIndex{records: make(map[string]Record)} }

func (m *memIndex) Put(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Branch] = rec
	return nil
}

func (m *memIndex) Delete(_ context.Context, branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, branch)
	return nil
}

func (m *memIndex) List(context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out, nil
}

// recordingPublisher captures published event types.
type recordingPublisher struct {
	mu    sync.Mutex
	types []string
}

func (p *recordingPublisher) Publish(eventType string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, eventType)
}

func (p *recordingPublisher) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.types...)
}

// tracked reports whether branch has a registry entry.
func (c *Coordinator) tracked(branch string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[branch]
	return ok
}

// setRemote points branch at an existing revision, like a force push.
func (f *fakeMirror) setRemote(branch, rev string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote[branch] = rev
}

// pausingDirs blocks the first Remove of a chosen directory until resume is
// closed.
type pausingDirs struct {
	workspace.Manager

	mu      sync.Mutex
	target  string
	removal chan struct{}
	resume  chan struct{}
}

func newPausingDirs(inner workspace.Manager) *pausingDirs {
	return &pausingDirs{Manager: inner, removal: make(chan struct{}), resume: make(chan struct{})}
}

func (d *pausingDirs) pauseRemovalOf(dir string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.target = dir
}

func (d *pausingDirs) Remove(dir string) error {
	d.mu.Lock()
	pause := dir != "" && dir == d.target
	if pause {
		d.target = ""
	}
	d.mu.Unlock()

	if pause {
		close(d.removal)
		<-d.resume
	}
	return d.Manager.Remove(dir)
}
