package relayserver

import (
	"context"

	"github.com/relaysrv/relay"
	"github.com/relaysrv/relay/internal/policy"
)

// PreReceive implements the native git transport's pre-receive gate
// (spec.md §4.2, §4.3): the Policy Engine runs first, against new's real
// commit signature (unlike the HTTP Surface's WRITE, the commit object
// already exists by the time a native pre-receive hook runs), then the
// configured pre-receive hook script. A non-nil error here must make
// cmd/relay-hookshim exit non-zero so git rejects the whole push.
func (s *Server) PreReceive(ctx context.Context, repoName, refname, branch, old, new string) error {
	r, err := s.Repo(repoName)
	if err != nil {
		return err
	}
	cfg, err := s.loadConfig(r, new)
	if err != nil {
		return err
	}
	rule := cfg.ResolveBranchRule(branch)

	sig, payload, err := r.Store.Signature(new)
	if err != nil {
		return err
	}
	decision, err := policy.Evaluate(rule, sig, payload,
		func() ([]string, error) { return r.Store.ListTree(branch) },
		func(path string) ([]byte, error) { return r.Store.ReadAt(new, path) },
	)
	if err != nil {
		return err
	}
	if !decision.Accept {
		return &relay.PolicyRejectedError{Reason: decision.Reason}
	}

	cc, err := commitContextFor(r, refname, branch, old, new, decision.IsVerified)
	if err != nil {
		return err
	}
	ipfs, err := loadIPFSConfig(r, new)
	if err != nil {
		return err
	}
	result, err := s.runHook(ctx, r, cfg, ipfs, relay.HookPreReceive, cc)
	if err != nil {
		return err
	}
	if !result.Accepted {
		return &relay.HookRejectedError{Stderr: result.Stderr}
	}
	return nil
}

// PostReceive runs the configured post-receive hook (best-effort: a
// failure here is logged, never rejected, since the ref has already
// moved) and triggers Peer Sync, mirroring Write's own post-commit
// sequence.
func (s *Server) PostReceive(ctx context.Context, repoName, refname, branch, old, new string) error {
	r, err := s.Repo(repoName)
	if err != nil {
		return err
	}
	cfg, err := s.loadConfig(r, new)
	if err != nil {
		return err
	}
	ipfs, err := loadIPFSConfig(r, new)
	if err != nil {
		return err
	}
	cc, err := commitContextFor(r, refname, branch, old, new, false)
	if err != nil {
		return err
	}
	result, err := s.runHook(ctx, r, cfg, ipfs, relay.HookPostReceive, cc)
	if err != nil {
		if s.Log != nil {
			s.Log.Printf("post-receive for %s/%s@%s: %v", repoName, branch, new, err)
		}
	} else if !result.Accepted && s.Log != nil {
		s.Log.Printf("post-receive for %s/%s@%s rejected (commit already applied): %s", repoName, branch, new, result.Stderr)
	}
	if s.Peers != nil {
		s.Peers.Trigger(repoName, branch)
	}
	return nil
}
