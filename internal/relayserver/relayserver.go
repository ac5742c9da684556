// Package relayserver is the wiring layer that turns the independent
// components (Repo Store, Policy Engine, Hook Runtime, Sandbox API, Branch
// Index Store, Global Blob Tier, JIT Reconciler) into one running server.
// Both the HTTP Surface (internal/httpsurface) and the native git hook
// dispatcher (cmd/relay-hookshim) drive a *Server rather than talking to
// those components directly, so a write arriving over either path is
// governed by identical rules.
package relayserver

import (
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/relaysrv/relay"
	"github.com/relaysrv/relay/internal/blobtier"
	"github.com/relaysrv/relay/internal/hookrun"
	"github.com/relaysrv/relay/internal/indexstore"
	"github.com/relaysrv/relay/internal/reconcile"
	"github.com/relaysrv/relay/internal/relayconfig"
	"github.com/relaysrv/relay/internal/reposerve"
)

// SyncTrigger is the Peer Sync side of a write (spec.md §4.8). Server
// calls it after every accepted write's post-receive hook; the concrete
// implementation (internal/peersync.Manager) is injected rather than
// imported directly, so this package does not need to know about peer
// debounce/backoff to drive one write.
type SyncTrigger interface {
	Trigger(repoName, branch string)
}

// Repo is one open repository: its bare object store, its branch index,
// and (lazily, see reconcile.go) a JIT Reconciler per branch.
type Repo struct {
	relay.Repository

	Store       *reposerve.Store
	Index       *indexstore.Store
	reconcilers sync.Map // branch_hash -> *reconcile.Reconciler
}

// Server owns every open repository plus the components shared across all
// of them (the Global Blob Tier and the Hook Runtime's interpreter
// configuration).
type Server struct {
	Global *blobtier.Tier
	Hooks  *hookrun.Runtime
	Peers  SyncTrigger
	Log    *log.Logger

	// SockDir holds the ephemeral unix sockets the Sandbox API listens on,
	// one per in-flight hook invocation.
	SockDir string

	mu    sync.Mutex
	repos map[string]*Repo
}

// New returns a Server ready to have repositories added to it. sockDir is
// created if absent (spec.md §4.4's sandbox socket, passed to each hook
// child via RELAY_SANDBOX_SOCKET).
func New(sockDir string, hooks *hookrun.Runtime, global *blobtier.Tier, logger *log.Logger) (*Server, error) {
	if err := os.MkdirAll(sockDir, 0o700); err != nil {
		return nil, xerrors.Errorf("creating sandbox socket dir: %w", err)
	}
	return &Server{
		Global:  global,
		Hooks:   hooks,
		Log:     logger,
		SockDir: sockDir,
		repos:   make(map[string]*Repo),
	}, nil
}

// AddRepo opens the bare repository at path and registers it under name.
func (s *Server) AddRepo(name, path string) (*Repo, error) {
	store, err := reposerve.Open(path)
	if err != nil {
		return nil, err
	}
	repository := relay.Repository{Name: name, Path: path}
	r := &Repo{
		Repository: repository,
		Store:      store,
		Index:      indexstore.New(filepath.Join(repository.DataDir(), "branches")),
	}
	s.mu.Lock()
	s.repos[name] = r
	s.mu.Unlock()
	return r, nil
}

// Repo looks up a previously added repository by name.
func (s *Server) Repo(name string) (*Repo, error) {
	s.mu.Lock()
	r, ok := s.repos[name]
	s.mu.Unlock()
	if !ok {
		return nil, &relay.NoSuchRepoError{Repo: name}
	}
	return r, nil
}

// RepoNames lists every registered repository name, sorted by the caller
// if order matters (DISCOVER wants a stable listing).
func (s *Server) RepoNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.repos))
	for name := range s.repos {
		names = append(names, name)
	}
	return names
}

// newSocketPath returns a fresh, process-unique path under s.SockDir for
// one hook invocation's Sandbox API listener.
func (s *Server) newSocketPath() string {
	return filepath.Join(s.SockDir, uuid.New().String()+".sock")
}

// loadConfig reads and parses .relay.yaml at commitID, treating "the file
// does not exist" as the documented zero-config default (spec.md §4.2)
// rather than an error. Every successful load re-applies the repo's
// quota.bytes to the Global Blob Tier (spec.md: "quota.bytes is enforced
// at global put"), so a .relay.yaml edit takes effect on the very next
// commit reconciled or received, without a separate config-reload path.
func (s *Server) loadConfig(r *Repo, commitID string) (*relayconfig.RelayYAML, error) {
	data, err := r.Store.ReadAt(commitID, ".relay.yaml")
	if err != nil {
		if _, ok := err.(*relay.NoSuchPathError); ok {
			cfg, parseErr := relayconfig.Parse(nil)
			if parseErr == nil {
				s.Global.SetQuota(r.Repository.Name, cfg.Quota.Bytes)
			}
			return cfg, parseErr
		}
		return nil, err
	}
	cfg, err := relayconfig.Parse(data)
	if err != nil {
		return nil, err
	}
	s.Global.SetQuota(r.Repository.Name, cfg.Quota.Bytes)
	return cfg, nil
}

// loadIPFSConfig reads and parses the optional ipfs.yaml at commitID.
func loadIPFSConfig(r *Repo, commitID string) (*relayconfig.IPFSYAML, error) {
	data, err := r.Store.ReadAt(commitID, "ipfs.yaml")
	if err != nil {
		if _, ok := err.(*relay.NoSuchPathError); ok {
			return nil, nil
		}
		return nil, err
	}
	return relayconfig.ParseIPFS(data)
}
