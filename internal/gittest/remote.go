// Package gittest builds throwaway git repositories for tests.
package gittest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/client"
	"github.com/go-git/go-git/v5/plumbing/transport/server"
)

func init() {
	// Serve file:// remotes in-process so tests don't need a git binary.
	client.InstallProtocol("file", server.DefaultServer)
}

// Remote is a non-bare repository standing in for the upstream.
type Remote struct {
	t    testing.TB
	Dir  string
	repo *git.Repository
	wt   *git.Worktree
}

// NewRemote creates an empty repository in a temp dir.
func NewRemote(t testing.TB) *Remote {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init remote: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("open worktree: %v", err)
	}
	return &Remote{t: t, Dir: dir, repo: repo, wt: wt}
}

// URI is what a mirror should clone from.
func (r *Remote) URI() string {
	return filepath.Join(r.Dir, ".git")
}

// Commit writes files on branch and commits them, creating the branch from
// the current HEAD when it doesn't exist. A nil value deletes the file.
// Mode 0o755 is applied to paths listed in exec. Returns the commit hash.
func (r *Remote) Commit(branch string, files map[string]*string, exec ...string) string {
	r.t.Helper()
	r.checkout(branch)

	for name, content := range files {
		full := filepath.Join(r.Dir, filepath.FromSlash(name))
		if content == nil {
			if _, err := r.wt.Remove(name); err != nil {
				r.t.Fatalf("remove %s: %v", name, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			r.t.Fatalf("mkdir for %s: %v", name, err)
		}
		if err := os.WriteFile(full, []byte(*content), 0o644); err != nil {
			r.t.Fatalf("write %s: %v", name, err)
		}
	}
	for _, name := range exec {
		if err := os.Chmod(filepath.Join(r.Dir, filepath.FromSlash(name)), 0o755); err != nil {
			r.t.Fatalf("chmod %s: %v", name, err)
		}
	}
	for name, content := range files {
		if content == nil {
			continue
		}
		if _, err := r.wt.Add(name); err != nil {
			r.t.Fatalf("add %s: %v", name, err)
		}
	}

	hash, err := r.wt.Commit("update "+branch, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  "Test Author",
			Email: "test@example.com",
			When:  time.Now(),
		},
	})
	if err != nil {
		r.t.Fatalf("commit on %s: %v", branch, err)
	}
	return hash.String()
}

// Files is shorthand for Commit's file map without deletions.
func Files(kv ...string) map[string]*string {
	out := make(map[string]*string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		v := kv[i+1]
		out[kv[i]] = &v
	}
	return out
}

// DeleteBranch removes branch from the remote.
func (r *Remote) DeleteBranch(branch string) {
	r.t.Helper()
	if err := r.repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(branch)); err != nil {
		r.t.Fatalf("delete branch %s: %v", branch, err)
	}
}

func (r *Remote) checkout(branch string) {
	r.t.Helper()
	ref := plumbing.NewBranchReferenceName(branch)

	head, err := r.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		// No commits yet: point HEAD at the branch and let the first commit create it.
		if err := r.repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, ref)); err != nil {
			r.t.Fatalf("set HEAD: %v", err)
		}
		return
	}
	if err != nil {
		r.t.Fatalf("read HEAD: %v", err)
	}
	if head.Name() == ref {
		return
	}

	_, err = r.repo.Reference(ref, true)
	opts := &git.CheckoutOptions{Branch: ref, Force: true}
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		opts.Create = true
		opts.Hash = head.Hash()
	} else if err != nil {
		r.t.Fatalf("lookup %s: %v", branch, err)
	}
	if err := r.wt.Checkout(opts); err != nil {
		r.t.Fatalf("checkout %s: %v", branch, err)
	}
}
