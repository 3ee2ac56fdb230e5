// Package resource reads files out of a branch checkout.
package resource

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/inpertio/inpertio/internal/failure"
	"github.com/inpertio/inpertio/internal/result"
)

// Resolve reads relPath below root. The path is cleaned and every symlink is
// followed before checking that the target stays inside root; anything that
// lands outside is a PathTraversal failure. Missing paths and non-regular
// files are ResourceNotFound.
func Resolve(root, branch, relPath string) result.Result[[]byte, *failure.Failure] {
	notFound := result.Failure[[]byte](failure.NewResourceNotFound(branch, relPath))
	traversal := result.Failure[[]byte](failure.NewPathTraversal(branch, relPath))

	if relPath == "" {
		return notFound
	}
	if filepath.IsAbs(relPath) || strings.ContainsRune(relPath, 0) {
		return traversal
	}
	cleaned := filepath.Clean(filepath.FromSlash(relPath))
	if !contained(cleaned) {
		return traversal
	}

	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return notFound
	}
	joined := filepath.Join(realRoot, cleaned)
	target, err := filepath.EvalSymlinks(joined)
	if err != nil {
		if danglesOutside(realRoot, joined) {
			return traversal
		}
		return notFound
	}
	rel, err := filepath.Rel(realRoot, target)
	if err != nil || !contained(rel) {
		return traversal
	}

	info, err := os.Stat(target)
	if err != nil || !info.Mode().IsRegular() {
		return notFound
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return notFound
	}
	return result.Success[[]byte, *failure.Failure](data)
}

// contained reports whether a cleaned relative path stays below its base.
func contained(rel string) bool {
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// danglesOutside reports whether p, which failed to resolve, is a broken
// symlink (or sits below a directory) pointing outside root.
func danglesOutside(root, p string) bool {
	parent, err := filepath.EvalSymlinks(filepath.Dir(p))
	if err != nil {
		return false
	}
	if rel, err := filepath.Rel(root, parent); err != nil || !contained(rel) {
		return true
	}
	link, err := os.Readlink(filepath.Join(parent, filepath.Base(p)))
	if err != nil {
		return false
	}
	if !filepath.IsAbs(link) {
		link = filepath.Join(parent, link)
	}
	rel, err := filepath.Rel(root, filepath.Clean(link))
	return err != nil || !contained(rel)
}
