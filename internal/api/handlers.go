package api

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/inpertio/inpertio/internal/gitmirror"
)

// ResourceRoutePrefix is the mount point for branch file reads.
const ResourceRoutePrefix = "/api/resource/v1/"

const (
	defaultSyncLogLimit = 50
	maxSyncLogLimit     = 500
)

// handleResource handles GET /api/resource/v1/{branch}/{path...}.
// Every failure is a 400 with the plain-text message.
func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	branch, filePath, err := resourceParams(r)
	if err != nil {
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}

	res := s.deps.Resources.GetResource(r.Context(), branch, filePath)
	rsc, ok := res.Get()
	if !ok {
		f, _ := res.Err()
		writeText(w, http.StatusBadRequest, f.Message())
		return
	}

	etag := `"` + rsc.ETag + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("X-Inpertio-Revision", rsc.Revision)
	w.Header().Set("Cache-Control", "no-cache")
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", contentType(filePath, rsc.Content))
	w.Header().Set("Content-Length", strconv.Itoa(len(rsc.Content)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(rsc.Content)
	}
}

// resourceParams extracts the branch and file path. Branch names containing
// '/' arrive percent-encoded; chi then matches on the raw path and hands us
// the encoded segments.
func resourceParams(r *http.Request) (string, string, error) {
	branch := chi.URLParam(r, "branch")
	filePath := chi.URLParam(r, "*")
	if r.URL.RawPath == "" {
		return branch, filePath, nil
	}

	var err error
	if branch, err = url.PathUnescape(branch); err != nil {
		return "", "", errors.New("malformed branch name")
	}
	if filePath, err = url.PathUnescape(filePath); err != nil {
		return "", "", errors.New("malformed resource path")
	}
	return branch, filePath, nil
}

func contentType(filePath string, content []byte) string {
	if ct := mime.TypeByExtension(path.Ext(filePath)); ct != "" {
		return ct
	}
	return http.DetectContentType(content)
}

// etagMatches implements the weak comparison If-None-Match asks for.
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Version:       s.config.Version,
	}
	if s.deps.Mirror != nil {
		resp.Remote = redactRemote(s.deps.Mirror.RemoteURI())
		if last := s.deps.Mirror.LastSyncedAt(); !last.IsZero() {
			resp.LastSyncedAt = &last
		} else {
			resp.Status = "starting"
		}
	}
	if s.deps.Checkouts != nil {
		resp.TrackedBranches = len(s.deps.Checkouts.Branches())
	}
	respondJSON(w, http.StatusOK, resp)
}

// redactRemote hides credentials embedded in an https remote.
func redactRemote(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.User == nil {
		return uri
	}
	return u.Redacted()
}

// handleBranches handles GET /api/branches.
func (s *Server) handleBranches(w http.ResponseWriter, r *http.Request) {
	remote, err := s.deps.Mirror.Branches(r.Context())
	if err != nil {
		if errors.Is(err, gitmirror.ErrNotInitialized) {
			s.writeError(w, http.StatusServiceUnavailable, "mirror is not initialized")
			return
		}
		s.logger.Error("failed to list branches", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list branches")
		return
	}

	resp := BranchesResponse{Remote: remote}
	if s.deps.Checkouts != nil {
		resp.Checkouts = s.deps.Checkouts.Branches()
	}
	if resp.Remote == nil {
		resp.Remote = []gitmirror.Branch{}
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleSyncLog handles GET /api/sync/log?limit=N.
func (s *Server) handleSyncLog(w http.ResponseWriter, r *http.Request) {
	limit := defaultSyncLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxSyncLogLimit)
	}

	var resp SyncLogResponse
	if s.deps.SyncLog != nil {
		entries, err := s.deps.SyncLog.Recent(r.Context(), limit)
		if err != nil {
			s.logger.Error("failed to read sync log", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to read sync log")
			return
		}
		resp.Entries = entries
	}
	if resp.Entries == nil {
		resp.Entries = []SyncLogEntry{}
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleRefresh handles POST /api/mirror/refresh.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Mirror.FetchLatest(r.Context()); err != nil {
		s.logger.Warn("manual mirror refresh failed", "error", err)
		s.writeError(w, http.StatusBadGateway, "mirror refresh failed: "+err.Error())
		return
	}
	last := s.deps.Mirror.LastSyncedAt()
	s.logger.Info("mirror refreshed via API")
	respondJSON(w, http.StatusOK, RefreshResponse{Status: "ok", LastSyncedAt: last})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	webhookPath := ""
	if s.deps.Webhook != nil {
		webhookPath = s.deps.Webhook.Path()
	}
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.config.Version, webhookPath))
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

func writeText(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(statusCode)
	_, _ = w.Write([]byte(message))
}
