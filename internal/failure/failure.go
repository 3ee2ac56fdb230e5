// Package failure defines the structured negative outcomes of a resource
// request. They travel inside result.Result values rather than as errors.
package failure

import "fmt"

// Kind classifies a failure.
type Kind string

const (
	UnknownBranch    Kind = "unknown_branch"
	ResourceNotFound Kind = "resource_not_found"
	PathTraversal    Kind = "path_traversal"
	Sync             Kind = "sync"
)

// Failure describes why a branch or resource could not be served.
type Failure struct {
	Kind   Kind
	Branch string
	Path   string
	// Err is the underlying cause for Sync failures.
	Err error
}

// NewUnknownBranch reports that branch does not exist in the mirror.
func NewUnknownBranch(branch string) *Failure {
	return &Failure{Kind: UnknownBranch, Branch: branch}
}

// NewResourceNotFound reports that path is absent under branch.
func NewResourceNotFound(branch, path string) *Failure {
	return &Failure{Kind: ResourceNotFound, Branch: branch, Path: path}
}

// NewPathTraversal reports that path resolves outside the branch root.
func NewPathTraversal(branch, path string) *Failure {
	return &Failure{Kind: PathTraversal, Branch: branch, Path: path}
}

// NewSync reports that branch could not be synchronized.
func NewSync(branch string, err error) *Failure {
	return &Failure{Kind: Sync, Branch: branch, Err: err}
}

// Message is the user-facing text. Traversal and not-found share wording so
// callers cannot probe the layout outside the checkout.
func (f *Failure) Message() string {
	switch f.Kind {
	case UnknownBranch:
		return fmt.Sprintf("unknown branch '%s'", f.Branch)
	case ResourceNotFound, PathTraversal:
		return fmt.Sprintf("no resource at path '%s' is found in branch '%s'", f.Path, f.Branch)
	case Sync:
		return fmt.Sprintf("failed to synchronize branch '%s'", f.Branch)
	default:
		return fmt.Sprintf("request for branch '%s' failed", f.Branch)
	}
}

// Error implements error so failures can be logged and wrapped.
func (f *Failure) Error() string {
	if f.Err != nil {
		return f.Message() + ": " + f.Err.Error()
	}
	return f.Message()
}

func (f *Failure) Unwrap() error { return f.Err }
