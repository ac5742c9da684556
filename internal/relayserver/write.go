package relayserver

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/relaysrv/relay"
	"github.com/relaysrv/relay/internal/policy"
	"github.com/relaysrv/relay/internal/relayconfig"
	"github.com/relaysrv/relay/internal/reposerve"
)

// WriteOptions carries everything the HTTP Surface's WRITE/DELETE verbs
// have to supply beyond the path and content itself. The native hookshim's
// pre-receive dispatch does not use it (see PreReceive).
type WriteOptions struct {
	Delete bool
	Author reposerve.Author

	// Signature and SignedPayload are the Policy Engine's "verifiable
	// signature" inputs (spec.md §4.2 step 3). For an HTTP-Surface WRITE
	// there is no git commit object yet to sign, so the client instead
	// signs the exact request body bytes; SignedPayload is therefore the
	// raw content being written, not a git commit. This is the documented
	// HTTP-path approximation noted in DESIGN.md — the native hookshim
	// path verifies the real commit object's gpgsig instead.
	Signature     string
	SignedPayload []byte
}

// Write implements the commit-gated write path shared by the HTTP
// Surface's WRITE and DELETE verbs (spec.md §4.7): Policy Engine, then
// pre-commit, then the commit itself, then post-receive, then Peer Sync.
func (s *Server) Write(ctx context.Context, repoName, branch, path string, content []byte, message string, opts WriteOptions) (newCommit string, err error) {
	r, err := s.Repo(repoName)
	if err != nil {
		return "", err
	}

	base, err := r.Store.Head(branch)
	branchExists := err == nil
	if !branchExists {
		if _, ok := err.(*relay.NoSuchRefError); !ok {
			return "", err
		}
		base = relay.ZeroCommit
	}

	var cfg *relayconfig.RelayYAML
	if base == relay.ZeroCommit {
		cfg, err = relayconfig.Parse(nil)
	} else {
		cfg, err = s.loadConfig(r, base)
	}
	if err != nil {
		return "", err
	}

	rule := cfg.ResolveBranchRule(branch)
	decision, err := s.evaluatePolicy(r, branch, base, rule, opts)
	if err != nil {
		return "", err
	}
	if !decision.Accept {
		return "", &relay.PolicyRejectedError{Reason: decision.Reason}
	}

	refname := "refs/heads/" + branch
	change := reposerve.FileChange{Path: path, Delete: opts.Delete, Content: content}

	preCommitCtx := relay.CommitContext{
		OldCommit:  base,
		NewCommit:  "",
		Refname:    refname,
		Branch:     branch,
		Files:      map[string][]byte{path: content},
		RepoPath:   r.Repository.Path,
		IsVerified: decision.IsVerified,
	}
	ipfs, err := loadIPFSForConfig(r, base)
	if err != nil {
		return "", err
	}
	preResult, err := s.runHook(ctx, r, cfg, ipfs, relay.HookPreCommit, preCommitCtx)
	if err != nil {
		return "", err
	}
	if !preResult.Accepted {
		return "", &relay.HookRejectedError{Stderr: preResult.Stderr}
	}

	newCommit, err = r.Store.Commit(branch, base, opts.Author, message, []reposerve.FileChange{change})
	if err != nil {
		return "", err
	}

	postCtx, err := commitContextFor(r, refname, branch, base, newCommit, decision.IsVerified)
	if err != nil {
		return "", err
	}
	postCfg, err := s.loadConfig(r, newCommit)
	if err != nil {
		return "", err
	}
	postIPFS, err := loadIPFSConfig(r, newCommit)
	if err != nil {
		return "", err
	}
	postResult, err := s.runHook(ctx, r, postCfg, postIPFS, relay.HookPostReceive, postCtx)
	if err != nil {
		if s.Log != nil {
			s.Log.Printf("post-receive for %s/%s@%s: %v", repoName, branch, newCommit, err)
		}
	} else if !postResult.Accepted && s.Log != nil {
		s.Log.Printf("post-receive for %s/%s@%s rejected (commit already applied): %s", repoName, branch, newCommit, postResult.Stderr)
	}

	if s.Peers != nil {
		s.Peers.Trigger(repoName, branch)
	}
	return newCommit, nil
}

// evaluatePolicy binds the Policy Engine's list/lookup callbacks to base
// (the current branch head), since the HTTP Surface does not have a
// committed "would-be tree" to enumerate before the write actually lands
// (see WriteOptions.SignedPayload's doc comment for the same caveat).
// A requireSigned rule's allowedKeys are expected to already exist in the
// repository rather than be introduced by the write under evaluation.
func (s *Server) evaluatePolicy(r *Repo, branch, base string, rule relayconfig.BranchRule, opts WriteOptions) (policy.Decision, error) {
	list := func() ([]string, error) {
		if base == relay.ZeroCommit {
			return nil, nil
		}
		return r.Store.ListTree(branch)
	}
	lookup := func(path string) ([]byte, error) {
		if base == relay.ZeroCommit {
			return nil, xerrors.New("branch does not exist yet")
		}
		return r.Store.ReadAt(base, path)
	}
	return policy.Evaluate(rule, opts.Signature, opts.SignedPayload, list, lookup)
}

func loadIPFSForConfig(r *Repo, commitID string) (*relayconfig.IPFSYAML, error) {
	if commitID == relay.ZeroCommit {
		return nil, nil
	}
	return loadIPFSConfig(r, commitID)
}
