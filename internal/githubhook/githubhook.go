// Package githubhook is the delegated GitHub webhook surface (spec.md
// §6's git.github.* config keys): it verifies an inbound webhook's HMAC
// signature and, for a push event, bridges it into the same post-receive
// indexing path the JIT Reconciler already drives for an HTTP write —
// proactively warming a branch's index ahead of the next QUERY rather
// than waiting for that QUERY to pay the reconciliation cost itself.
package githubhook

import (
	"log"
	"net/http"
	"strings"

	"github.com/google/go-github/v27/github"
)

// Reconciler is the one relayserver capability this package needs: warm
// one repo's branch index. internal/relayserver.Server.ReconcileRepoBranch
// satisfies it without this package importing relayserver directly.
type Reconciler interface {
	ReconcileRepoBranch(repoName, branch string) error
}

// Handler verifies and dispatches GitHub push-event webhooks for one
// registered repository.
type Handler struct {
	RepoName string
	Secret   []byte
	Events   []string // from relayconfig.GitHub.Events; empty means "push" only
	Relay    Reconciler
	Log      *log.Logger
}

func (h *Handler) acceptsEvent(kind string) bool {
	if len(h.Events) == 0 {
		return kind == "push"
	}
	for _, e := range h.Events {
		if e == kind {
			return true
		}
	}
	return false
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := github.ValidatePayload(r, h.Secret)
	if err != nil {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	kind := github.WebHookType(r)
	if !h.acceptsEvent(kind) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	event, err := github.ParseWebHook(kind, payload)
	if err != nil {
		http.Error(w, "parsing webhook payload: "+err.Error(), http.StatusBadRequest)
		return
	}

	push, ok := event.(*github.PushEvent)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	branch := strings.TrimPrefix(push.GetRef(), "refs/heads/")
	if branch == push.GetRef() {
		// a tag push or other non-branch ref; nothing to reconcile
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.Relay.ReconcileRepoBranch(h.RepoName, branch); err != nil {
		if h.Log != nil {
			h.Log.Printf("githubhook: reconcile %s@%s after webhook: %v", h.RepoName, branch, err)
		}
		// A reconciliation failure here only delays index freshness; the
		// next QUERY will retry it synchronously, so the webhook itself
		// still reports success to GitHub's delivery tracker.
	}
	w.WriteHeader(http.StatusNoContent)
}
