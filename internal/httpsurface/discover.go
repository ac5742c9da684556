package httpsurface

import (
	"net/http"
	"sort"

	"github.com/relaysrv/relay"
)

type discoverResponse struct {
	Capabilities capabilities           `json:"capabilities"`
	Repos        []string               `json:"repos"`
	Branches     map[string][]string    `json:"branches"`
	Selection    selectionView          `json:"selection"`
	Heads        map[string]map[string]string `json:"heads"` // repo -> branch -> head commit
}

type selectionView struct {
	Repo   string `json:"repo,omitempty"`
	Branch string `json:"branch,omitempty"`
}

type capabilities struct {
	HookKinds  []string `json:"hookKinds"`
	Sandbox    []string `json:"sandboxCapabilities"`
}

// sandboxCapabilityNames names every method the Relay capability object
// exposes (internal/sandbox's mux routes), so a script author can probe a
// server build's support without reading source (SPEC_FULL.md's
// supplemented "DISCOVER capability payload versioning" feature).
var sandboxCapabilityNames = []string{
	"config.get",
	"fs.branch.read", "fs.branch.write", "fs.branch.exists", "fs.branch.unlink",
	"fs.repo.read", "fs.repo.write", "fs.repo.exists",
	"fs.global.get", "fs.global.put",
	"db.collection.insert", "db.collection.update", "db.collection.remove", "db.collection.find",
	"git.readFile", "git.listChanges", "git.verifySignature",
	"utils.parseYaml", "utils.matchPath", "utils.upsertIndex",
}

func hookKindNames() []string {
	out := make([]string, len(relay.HookKinds))
	for i, k := range relay.HookKinds {
		out[i] = string(k)
	}
	return out
}

// handleDiscover implements the OPTIONS verb (spec.md §4.7): it enumerates
// capabilities, repositories, branches, the request's current selection,
// and each selected branch's head commit. A repo/branch selection filters
// the response to just that scope.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request, sel selection) error {
	resp := discoverResponse{
		Capabilities: capabilities{HookKinds: hookKindNames(), Sandbox: sandboxCapabilityNames},
		Branches:     make(map[string][]string),
		Heads:        make(map[string]map[string]string),
		Selection:    selectionView{Repo: sel.repo, Branch: sel.branch},
	}

	names := s.Relay.RepoNames()
	sort.Strings(names)
	if sel.repo != "" {
		found := false
		for _, n := range names {
			if n == sel.repo {
				found = true
				break
			}
		}
		if !found {
			return &relay.NoSuchRepoError{Repo: sel.repo}
		}
		names = []string{sel.repo}
	}
	resp.Repos = names

	for _, name := range names {
		repo, err := s.Relay.Repo(name)
		if err != nil {
			return err
		}
		branches, err := repo.Store.Branches(r.Context())
		if err != nil {
			return err
		}
		if !sel.all && sel.branch != "" {
			match := false
			for _, b := range branches {
				if b == sel.branch {
					match = true
					break
				}
			}
			if match {
				branches = []string{sel.branch}
			}
		}
		resp.Branches[name] = branches

		heads := make(map[string]string, len(branches))
		for _, b := range branches {
			head, err := repo.Store.Head(b)
			if err != nil {
				continue
			}
			heads[b] = head
		}
		resp.Heads[name] = heads
	}

	return writeCompressedJSON(w, r, resp)
}
