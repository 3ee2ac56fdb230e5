package resource

import (
	"context"
	"encoding/hex"
	"log/slog"

	"github.com/zeebo/blake3"

	"github.com/inpertio/inpertio/internal/checkout"
	"github.com/inpertio/inpertio/internal/failure"
	"github.com/inpertio/inpertio/internal/metrics"
	"github.com/inpertio/inpertio/internal/result"
)

// Resource is a file served from a branch.
type Resource struct {
	Branch   string
	Path     string
	Revision string
	Content  []byte
	// ETag is the hex BLAKE3 digest of Content.
	ETag string
}

// Service answers resource requests through the checkout coordinator.
type Service struct {
	checkouts *checkout.Coordinator
	logger    *slog.Logger
}

func NewService(checkouts *checkout.Coordinator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{checkouts: checkouts, logger: logger}
}

// GetResource returns the bytes of path at the tip of branch.
func (s *Service) GetResource(ctx context.Context, branch, path string) result.Result[Resource, *failure.Failure] {
	outer := checkout.WithBranchRoot(ctx, s.checkouts, branch, func(snap checkout.Snapshot) result.Result[Resource, *failure.Failure] {
		return result.Map(Resolve(snap.Root, branch, path), func(content []byte) Resource {
			return Resource{
				Branch:   branch,
				Path:     path,
				Revision: snap.Revision,
				Content:  content,
				ETag:     ETag(content),
			}
		})
	})

	res, ok := outer.Get()
	if !ok {
		f, _ := outer.Err()
		res = result.Failure[Resource](f)
	}

	if r, ok := res.Get(); ok {
		metrics.RecordResource("ok", len(r.Content))
		return res
	}
	f, _ := res.Err()
	metrics.RecordResource(string(f.Kind), 0)
	if f.Kind == failure.PathTraversal {
		s.logger.Warn("rejected path traversal", "branch", branch, "path", path)
	}
	return res
}

// ETag hashes content for conditional requests.
func ETag(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}
