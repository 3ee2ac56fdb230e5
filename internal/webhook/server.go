package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/inpertio/inpertio/internal/failure"
)

// Syncer refreshes the mirror.
type Syncer interface {
	FetchLatest(ctx context.Context) error
}

// Warmer brings a branch checkout up to date.
type Warmer interface {
	Warm(ctx context.Context, branch string) *failure.Failure
}

// PushEvent is the part of a push payload we read. GitHub, GitLab and Gitea
// all send the full ref name.
type PushEvent struct {
	Ref string `json:"ref"`
}

// TriggerResponse is the JSON response for accepted pushes.
type TriggerResponse struct {
	Status string `json:"status"`
	Branch string `json:"branch,omitempty"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Handler verifies push notifications and queues branch refreshes.
type Handler struct {
	config Config
	syncer Syncer
	warmer Warmer
	logger *slog.Logger
	queue  chan string
}

// New creates a webhook handler. Call Run to process queued pushes.
func New(config Config, syncer Syncer, warmer Warmer, logger *slog.Logger) *Handler {
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	return &Handler{
		config: config,
		syncer: syncer,
		warmer: warmer,
		logger: logger,
		queue:  make(chan string, config.QueueSize),
	}
}

// Path is where the handler should be mounted.
func (h *Handler) Path() string { return h.config.Path }

// Run processes queued pushes until ctx is done.
func (h *Handler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case branch := <-h.queue:
			h.refresh(ctx, branch)
		}
	}
}

func (h *Handler) refresh(ctx context.Context, branch string) {
	if err := h.syncer.FetchLatest(ctx); err != nil {
		h.logger.Warn("push-triggered fetch failed", "branch", branch, "error", err)
		return
	}
	if f := h.warmer.Warm(ctx, branch); f != nil {
		// A deleted branch ends up here too; its snapshot is already retired.
		h.logger.Info("push-triggered warm did not complete", "branch", branch, "reason", f.Message())
		return
	}
	h.logger.Debug("push-triggered refresh complete", "branch", branch)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.config.MaxBodySize+1))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if int64(len(body)) > h.config.MaxBodySize {
		h.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	signature := r.Header.Get(h.config.SignatureHeader)
	if err := verify(body, h.config.SignatureHeader, signature, h.config.Secret); err != nil {
		h.logger.Warn("webhook verification failed",
			"path", r.URL.Path,
			"header", h.config.SignatureHeader,
			"signature_present", signature != "",
		)
		h.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	var ev PushEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	branch, ok := strings.CutPrefix(ev.Ref, "refs/heads/")
	if !ok || branch == "" {
		h.logger.Debug("ignoring non-branch push", "ref", ev.Ref)
		h.respondJSON(w, http.StatusAccepted, TriggerResponse{Status: "ignored"})
		return
	}

	select {
	case h.queue <- branch:
		h.logger.Info("push queued", "branch", branch)
		h.respondJSON(w, http.StatusAccepted, TriggerResponse{Status: "queued", Branch: branch})
	default:
		h.logger.Warn("push queue full, dropping notification", "branch", branch)
		h.respondJSON(w, http.StatusAccepted, TriggerResponse{Status: "dropped", Branch: branch})
	}
}

// respondJSON sends a JSON response.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, ErrorResponse{Error: message})
}
