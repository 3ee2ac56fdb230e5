// Package doctor checks an inpertio configuration for mistakes that loading
// alone does not catch.
package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/inpertio/inpertio/internal/auth"
	"github.com/inpertio/inpertio/internal/config"
	"github.com/inpertio/inpertio/internal/storage"
	"github.com/inpertio/inpertio/internal/webhook"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// RemoteProbe lists the remote to prove it is reachable.
type RemoteProbe func(ctx context.Context, uri string) error

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg   *config.Config
	probe RemoteProbe
}

// New creates a Doctor from a loaded config. A nil probe skips the network
// check.
func New(cfg *config.Config, probe RemoteProbe) *Doctor {
	return &Doctor{cfg: cfg, probe: probe}
}

var knownScopes = map[string]struct{}{
	auth.ScopeAll:         {},
	auth.ScopeMirrorRead:  {},
	auth.ScopeMirrorWrite: {},
	auth.ScopeEventsRead:  {},
	auth.ScopeStatusRead:  {},
}

var knownSignatureHeaders = map[string]struct{}{
	"X-Hub-Signature-256":     {},
	"X-Gitea-Signature":       {},
	webhook.GitLabTokenHeader: {},
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate(ctx context.Context) *Result {
	r := &Result{Valid: true}

	d.validateRemote(ctx, r)
	d.validateDataRoot(r)
	d.validateMirror(r)
	d.validateAPI(r)
	d.validateTokenScopes(r)
	d.validateWebhook(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateRemote checks the remote URI shape and, when probing, reachability.
func (d *Doctor) validateRemote(ctx context.Context, r *Result) {
	uri := d.cfg.RemoteURI()
	if err := config.ValidateRemoteURI(uri); err != nil {
		d.addError(r, "remote", config.KeyRemoteURI, err.Error())
		return
	}

	ep, err := transport.NewEndpoint(uri)
	if err != nil {
		d.addError(r, "remote", config.KeyRemoteURI, err.Error())
		return
	}
	switch ep.Protocol {
	case "file":
		if _, err := os.Stat(ep.Path); err != nil {
			d.addError(r, "remote", config.KeyRemoteURI,
				fmt.Sprintf("local repository %q does not exist", ep.Path))
			return
		}
	case "http":
		d.addWarning(r, "remote", config.KeyRemoteURI,
			"remote uses plain http; credentials and content travel unencrypted")
	}
	if ep.Password != "" {
		d.addWarning(r, "remote", config.KeyRemoteURI,
			"remote uri embeds a password; prefer ${ENV} interpolation")
	}

	if d.probe == nil {
		return
	}
	switch err := d.probe(ctx, uri); {
	case err == nil:
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		d.addWarning(r, "remote", config.KeyRemoteURI, "remote repository has no branches yet")
	default:
		d.addError(r, "remote", config.KeyRemoteURI, fmt.Sprintf("remote is not reachable: %v", err))
	}
}

// validateDataRoot checks the directory the mirror and checkouts live in.
func (d *Doctor) validateDataRoot(r *Result) {
	root := strings.TrimSpace(d.cfg.DataRootPath())
	if root == "" {
		d.addWarning(r, "data_root", config.KeyDataRoot,
			"not set; a temporary directory is used and the mirror is cloned again on every start")
		return
	}

	if info, err := os.Stat(root); err == nil && !info.IsDir() {
		d.addError(r, "data_root", config.KeyDataRoot, fmt.Sprintf("%q is not a directory", root))
		return
	}
	if err := storage.ValidateLocalFilesystem(root); err != nil {
		d.addError(r, "data_root", config.KeyDataRoot, err.Error())
	}
}

// validateMirror warns about refresh settings that are likely mistakes.
func (d *Doctor) validateMirror(r *Result) {
	m := d.cfg.Mirror
	if m.MaxStaleness == 0 {
		d.addWarning(r, "mirror", "mirror.max_staleness",
			"0 fetches from the remote on every resource request")
	}
	if m.PollInterval > 0 && m.PollInterval.Seconds() < 10 {
		d.addWarning(r, "mirror", "mirror.poll_interval",
			fmt.Sprintf("poll interval %s is very short (< 10s)", m.PollInterval))
	}
	if m.PollJitter > 0 && m.PollInterval == 0 {
		d.addWarning(r, "mirror", "mirror.poll_jitter", "has no effect while poll_interval is 0")
	}
	if m.PollJitter > m.PollInterval && m.PollInterval > 0 {
		d.addWarning(r, "mirror", "mirror.poll_jitter", "is larger than poll_interval")
	}
}

// validateAPI checks listener settings.
func (d *Doctor) validateAPI(r *Result) {
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if len(d.cfg.API.Auth.Tokens) == 0 && !isLoopback(host) {
		d.addWarning(r, "api", "api.auth",
			"listening beyond loopback with no tokens; refresh and status endpoints are open")
	}
	if d.cfg.API.RequestTimeout == 0 {
		d.addWarning(r, "api", "api.request_timeout", "resource requests are not bounded")
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// validateTokenScopes checks that scopes are known and tokens are unique.
func (d *Doctor) validateTokenScopes(r *Result) {
	seen := make(map[string]int)
	for i, token := range d.cfg.API.Auth.Tokens {
		if prev, ok := seen[token.Token]; ok {
			d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].token", i),
				fmt.Sprintf("duplicates api.auth.tokens[%d]", prev))
		}
		seen[token.Token] = i

		for j, scope := range token.Scopes {
			if _, ok := knownScopes[strings.TrimSpace(scope)]; !ok {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (expected one of mirror:ro, mirror:rw, events:ro, status:ro, *)", scope))
			}
		}
	}
}

// validateWebhook checks the push endpoint.
func (d *Doctor) validateWebhook(r *Result) {
	wh := d.cfg.Webhook
	if wh == nil {
		if d.cfg.Mirror.PollInterval == 0 && d.cfg.Mirror.MaxStaleness > 0 {
			d.addWarning(r, "webhook", "webhook",
				"no webhook and no poller; branches refresh only when a request finds them stale")
		}
		return
	}

	if len(wh.Secret) < 16 {
		d.addWarning(r, "webhook", "webhook.secret", "secret is shorter than 16 characters")
	}
	if _, ok := knownSignatureHeaders[http.CanonicalHeaderKey(wh.SignatureHeader)]; !ok {
		d.addWarning(r, "webhook", "webhook.signature_header",
			fmt.Sprintf("%q is not a known provider header; it is verified as an HMAC-SHA256 signature", wh.SignatureHeader))
	}
	if u, err := url.Parse(wh.Path); err != nil || u.Path != wh.Path {
		d.addError(r, "webhook", "webhook.path", fmt.Sprintf("%q is not a plain URL path", wh.Path))
	}
}

// ProbeRemote lists refs on uri without cloning.
func ProbeRemote(ctx context.Context, uri string) error {
	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{uri},
	})
	_, err := remote.ListContext(ctx, &git.ListOptions{})
	return err
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
