package relayserver

import (
	"context"

	"github.com/relaysrv/relay"
	"github.com/relaysrv/relay/internal/policy"
	"github.com/relaysrv/relay/internal/reconcile"
)

// reconcilerFor returns (creating on first use) the JIT Reconciler for one
// branch of one repository, wiring its IndexRunner to this server's hook
// plumbing.
func (s *Server) reconcilerFor(r *Repo, branchHash string) *reconcile.Reconciler {
	if existing, ok := r.reconcilers.Load(branchHash); ok {
		return existing.(*reconcile.Reconciler)
	}
	rec := &reconcile.Reconciler{
		Commits: r.Store,
		Index:   r.Index,
		Run: func(ctx context.Context, step relay.CommitContext) error {
			cfg, err := s.loadConfig(r, step.NewCommit)
			if err != nil {
				return err
			}
			ipfs, err := loadIPFSConfig(r, step.NewCommit)
			if err != nil {
				return err
			}
			kind := relay.HookIndex
			if _, ok := cfg.HookPath(string(relay.HookIndex)); !ok {
				// spec.md §4.6 step 4: share the receive path's indexer
				// when no dedicated index kind is configured.
				kind = relay.HookPreReceive
			}
			result, err := s.runHook(ctx, r, cfg, ipfs, kind, step)
			if err != nil {
				return err
			}
			if !result.Accepted {
				return &relay.HookRejectedError{Stderr: result.Stderr}
			}
			return nil
		},
	}
	actual, _ := r.reconcilers.LoadOrStore(branchHash, rec)
	return actual.(*reconcile.Reconciler)
}

// Reconcile implements spec.md §4.6's protocol for one branch: if the
// index is already at the branch's current head, this is a no-op; if not,
// every intervening commit is replayed through the index (or pre-receive)
// hook in chronological order before returning.
func (s *Server) Reconcile(ctx context.Context, r *Repo, branch string) error {
	current, err := r.Store.Head(branch)
	if err != nil {
		return err
	}
	branchHash := relay.BranchHash(branch)
	rec := s.reconcilerFor(r, branchHash)
	refname := "refs/heads/" + branch

	return rec.Reconcile(ctx, branchHash, branch, current, func(old, new string) (relay.CommitContext, error) {
		cc, err := commitContextFor(r, refname, branch, old, new, false)
		if err != nil {
			return relay.CommitContext{}, err
		}
		cc.IsVerified = s.verifyStepSignature(r, branch, new)
		return cc, nil
	})
}

// ReconcileRepoBranch implements internal/githubhook.Reconciler: it looks
// up repoName and reconciles branch, for callers (the GitHub webhook
// bridge) that only have the repo's registered name, not an already-open
// *Repo.
func (s *Server) ReconcileRepoBranch(repoName, branch string) error {
	r, err := s.Repo(repoName)
	if err != nil {
		return err
	}
	return s.Reconcile(context.Background(), r, branch)
}

// verifyStepSignature recomputes whether new's commit signature verifies
// against the branch's currently resolved rule, purely to populate
// is_verified for the index hook's git.verifySignature() capability
// (spec.md glossary) — unlike a WRITE, JIT reconciliation never rejects a
// commit on this basis: the commit was already accepted (or is native git
// history predating this server), reconciliation only reports what it
// finds. Failures are treated as unverified rather than propagated.
func (s *Server) verifyStepSignature(r *Repo, branch, commitID string) bool {
	cfg, err := s.loadConfig(r, commitID)
	if err != nil {
		return false
	}
	rule := cfg.ResolveBranchRule(branch)
	sig, payload, err := r.Store.Signature(commitID)
	if err != nil || sig == "" {
		return false
	}
	decision, err := policy.Evaluate(rule, sig, payload,
		func() ([]string, error) { return r.Store.ListTree(branch) },
		func(path string) ([]byte, error) { return r.Store.ReadAt(commitID, path) },
	)
	if err != nil {
		return false
	}
	return decision.IsVerified
}
