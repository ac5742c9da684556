// Package httpsurface is the HTTP Surface (spec.md §4.7): it dispatches
// the five verbs (DISCOVER/READ/WRITE/DELETE/QUERY) against a running
// internal/relayserver.Server, selecting the target repository and branch
// from headers or query parameters.
package httpsurface

import (
	"log"
	"net/http"
	"strings"

	"github.com/relaysrv/relay"
	"github.com/relaysrv/relay/internal/relayserver"
)

// Server adapts a relayserver.Server to net/http.
type Server struct {
	Relay     *relayserver.Server
	StaticDir string // spec.md §4.7 READ: served first when configured; "" disables it
	Log       *log.Logger
}

// selection is one request's resolved repo/branch target.
type selection struct {
	repo   string
	branch string
	all    bool
}

func (s *Server) selectionFor(r *http.Request) selection {
	repo := r.Header.Get("X-Relay-Repo")
	if repo == "" {
		repo = r.URL.Query().Get("repo")
	}
	branch := r.Header.Get("X-Relay-Branch")
	if branch == "" {
		branch = r.URL.Query().Get("branch")
	}
	if branch == "" {
		branch = "main"
	}
	return selection{repo: repo, branch: branch, all: branch == "all"}
}

// ServeHTTP implements the verb dispatch table in spec.md §4.7. DISCOVER is
// expressed as the HTTP OPTIONS method (there being no DISCOVER method in
// the HTTP spec); QUERY is expressed as either the literal "QUERY" method
// (supported by some reverse proxies and HTTP libraries as a body-bearing
// GET-equivalent) or plain POST, since most HTTP clients cannot send a
// body with an unregistered method.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sel := s.selectionFor(r)
	setCORS(w, sel)

	var err error
	switch {
	case r.Method == http.MethodOptions:
		err = s.handleDiscover(w, r, sel)
	case r.Method == http.MethodGet:
		err = s.handleRead(w, r, sel)
	case r.Method == http.MethodPut:
		err = s.handleWrite(w, r, sel, false)
	case r.Method == http.MethodDelete:
		err = s.handleWrite(w, r, sel, true)
	case r.Method == "QUERY" || r.Method == http.MethodPost:
		err = s.handleQuery(w, r, sel)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err != nil {
		s.writeError(w, err)
	}
}

func setCORS(w http.ResponseWriter, sel selection) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, PUT, DELETE, POST, QUERY, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "X-Relay-Repo, X-Relay-Branch, Content-Type")
	h.Set("X-Relay-Repo", sel.repo)
	h.Set("X-Relay-Branch", sel.branch)
}

// writeError implements spec.md §7's error-kind -> status-code table.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch e := err.(type) {
	case *relay.NoSuchRepoError:
		http.Error(w, e.Error(), http.StatusNotFound)
	case *relay.NoSuchRefError:
		http.Error(w, e.Error(), http.StatusNotFound)
	case *relay.NoSuchPathError:
		http.Error(w, e.Error(), http.StatusNotFound)
	case *relay.PolicyRejectedError:
		http.Error(w, e.Reason, http.StatusForbidden)
	case *relay.HookRejectedError:
		http.Error(w, e.Stderr, http.StatusBadRequest)
	case *relay.HookTimeoutError:
		http.Error(w, e.Error(), http.StatusGatewayTimeout)
	case *relay.IndexStaleError:
		w.Header().Set("X-Relay-Indexed-Head", e.LastIndexedHead)
		http.Error(w, e.Error(), http.StatusServiceUnavailable)
	case *relay.QuotaExceededError:
		http.Error(w, e.Error(), http.StatusBadRequest)
	case *relay.ConflictError:
		http.Error(w, e.Error(), http.StatusConflict)
	default:
		id := correlationID()
		if s.Log != nil {
			s.Log.Printf("internal error [%s]: %+v", id, err)
		}
		http.Error(w, "internal error, correlation id "+id, http.StatusInternalServerError)
	}
}

// extOnlyFromStatic is spec.md §4.7 READ: "paths with extensions .html,
// .htm, .js are never served from the repo (only from static)".
func extOnlyFromStatic(path string) bool {
	for _, ext := range []string{".html", ".htm", ".js"} {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}
