package relayserver

import (
	"context"

	"github.com/relaysrv/relay"
	"github.com/relaysrv/relay/internal/hookrun"
	"github.com/relaysrv/relay/internal/relayconfig"
	"github.com/relaysrv/relay/internal/reposerve"
	"github.com/relaysrv/relay/internal/sandbox"
)

// gitReader adapts *reposerve.Store to sandbox.GitReader: the only
// translation needed is reposerve.Change -> sandbox.Change, since the
// sandbox package deliberately does not import reposerve (and therefore
// libgit2) just to be tested.
type gitReader struct {
	store *reposerve.Store
}

func (g gitReader) ReadAt(commitID, path string) ([]byte, error) {
	return g.store.ReadAt(commitID, path)
}

func (g gitReader) DiffNames(old, new string) ([]sandbox.Change, error) {
	changes, err := g.store.DiffNames(old, new)
	if err != nil {
		return nil, err
	}
	out := make([]sandbox.Change, len(changes))
	for i, c := range changes {
		out[i] = sandbox.Change{Status: byte(c.Status), Path: c.Path}
	}
	return out, nil
}

// runHook runs kind's configured hook script for r against cc, standing up
// a Sandbox API listener scoped to exactly this invocation. scriptPath =="
// "" (no kind entry in .relay.yaml) is a no-op accept and never starts a
// sandbox at all (spec.md §4.3).
func (s *Server) runHook(ctx context.Context, r *Repo, cfg *relayconfig.RelayYAML, ipfs *relayconfig.IPFSYAML, kind relay.HookKind, cc relay.CommitContext) (hookrun.Result, error) {
	scriptPath, ok := cfg.HookPath(string(kind))
	if !ok {
		return hookrun.Result{Accepted: true}, nil
	}

	branchHash := relay.BranchHash(cc.Branch)
	sockPath := s.newSocketPath()
	srv := &sandbox.Server{
		Context:   cc,
		BranchDir: r.Repository.BranchDataDir(branchHash),
		RepoDir:   r.Repository.RepoBlobDir(),
		RepoName:  r.Repository.Name,
		Global:    s.Global,
		Git:       gitReader{store: r.Store},
		Index:     r.Index,
		BranchKey: branchHash,
		IPFS:      sandbox.FromRelayConfig(ipfs),
		Pinner:    nil, // no pin daemon configured server-wide yet
		Log:       s.Log,
	}
	if err := srv.Listen(sockPath); err != nil {
		return hookrun.Result{}, err
	}
	defer srv.Close()

	return s.Hooks.Run(ctx, kind, scriptPath, sockPath, cc)
}

// commitContextFor builds the Commit Context for one (old, new) transition
// on branch, loading the touched files eagerly (spec.md glossary: "files:
// mapping path -> bytes for every path touched by this transition").
func commitContextFor(r *Repo, refname, branch, old, new string, verified bool) (relay.CommitContext, error) {
	changes, err := r.Store.DiffNames(old, new)
	if err != nil {
		return relay.CommitContext{}, err
	}
	files := make(map[string][]byte, len(changes))
	for _, c := range changes {
		if c.Status == reposerve.Deleted {
			continue
		}
		data, err := r.Store.ReadAt(new, c.Path)
		if err != nil {
			continue // raced with a later delete in the same tree; skip
		}
		files[c.Path] = data
	}
	return relay.CommitContext{
		OldCommit:  old,
		NewCommit:  new,
		Refname:    refname,
		Branch:     branch,
		Files:      files,
		RepoPath:   r.Repository.Path,
		IsVerified: verified,
	}, nil
}
