package relayserver

import (
	"context"

	"github.com/relaysrv/relay/internal/peersync"
)

// repoPathPusher adapts a peersync.Pusher that wants a filesystem path to
// this server's repoName -> *Repo registry, so internal/peersync never
// needs to know how repositories are named or looked up.
type repoPathPusher struct {
	server *Server
	inner  peersync.Pusher
}

// NewPusher returns a peersync.Pusher bound to this server's repo
// registry, wrapping the given git-binary path (see
// peersync.NewGitPusher).
func (s *Server) NewPusher(gitBinary string) peersync.Pusher {
	return &repoPathPusher{server: s, inner: peersync.NewGitPusher(gitBinary)}
}

func (p *repoPathPusher) Push(ctx context.Context, repoName, branch, origin string) error {
	r, err := p.server.Repo(repoName)
	if err != nil {
		return err
	}
	return p.inner.Push(ctx, r.Path, branch, origin)
}

// AutoPushFor implements internal/peersync.ConfigResolver: it resolves
// whether branch, on the repo named repoName, has a git.autoPush rule
// configured in .relay.yaml at the branch's current head, and if so
// returns its peer list and debounce window.
func (s *Server) AutoPushFor(repoName, branch string) (origins []string, debounceSeconds int, match bool) {
	r, err := s.Repo(repoName)
	if err != nil {
		return nil, 0, false
	}
	head, err := r.Store.Head(branch)
	if err != nil {
		return nil, 0, false
	}
	cfg, err := s.loadConfig(r, head)
	if err != nil {
		return nil, 0, false
	}
	for _, b := range cfg.Git.AutoPush.Branches {
		if b == branch {
			return cfg.Git.AutoPush.OriginList, cfg.Git.AutoPush.DebounceSeconds, true
		}
	}
	return nil, 0, false
}
