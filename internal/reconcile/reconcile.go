// Package reconcile implements the JIT Reconciler (spec.md §4.6): before a
// QUERY is served, it brings a branch's index up to date with the branch's
// current head by replaying every intervening commit through the index
// hook, in chronological order.
package reconcile

import (
	"context"
	"sync"

	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/relaysrv/relay"
	"github.com/relaysrv/relay/internal/indexstore"
)

// CommitLister enumerates one commit's parents, the only primitive the
// Reconciler needs from the Repo Store to walk a commit range.
type CommitLister interface {
	Parents(commit string) ([]string, error)
}

// IndexRunner invokes the configured index hook (or pre-receive, if no
// index kind is defined for this repository) for one commit step.
type IndexRunner func(ctx context.Context, step relay.CommitContext) error

// Reconciler brings one branch's index up to date on demand.
type Reconciler struct {
	Commits CommitLister
	Index   *indexstore.Store
	Run     IndexRunner

	mu       sync.Mutex
	inFlight map[string]*coalescedRun // keyed by branch_hash
}

type coalescedRun struct {
	done chan struct{}
	err  error
}

type commitNode struct {
	id     int64
	commit string
}

func (n commitNode) ID() int64 { return n.id }

// buildChain walks backward from current to indexed (or, if indexed is
// empty or not found, all the way back through history), returning every
// intervening commit in chronological (oldest-first) order and the
// old-commit boundary to report in the first replayed step's Commit
// Context. Cycle detection reuses gonum topo.Sort the same way the
// teacher's build scheduler orders its package dependency graph
// (_examples/distr1-distri/internal/batch/batch.go): a directed edge
// parent -> child means "parent must be visited before child", so a
// correct, acyclic commit history sorts into exactly the replay order we
// want.
func (r *Reconciler) buildChain(current, indexed string) (chain []string, oldBoundary string, err error) {
	g := simple.NewDirectedGraph()
	ids := make(map[string]int64)
	var nextID int64
	nodeFor := func(commit string) commitNode {
		id, ok := ids[commit]
		if !ok {
			id = nextID
			nextID++
			ids[commit] = id
			g.AddNode(commitNode{id: id, commit: commit})
		}
		return commitNode{id: id, commit: commit}
	}

	visited := make(map[string]bool)
	foundIndexed := indexed == ""

	var walk func(commit string) error
	walk = func(commit string) error {
		if visited[commit] {
			return nil
		}
		visited[commit] = true
		nodeFor(commit)
		if indexed != "" && commit == indexed {
			foundIndexed = true
			return nil
		}
		parents, err := r.Commits.Parents(commit)
		if err != nil {
			return xerrors.Errorf("listing parents of %s: %w", commit, err)
		}
		for _, p := range parents {
			g.SetEdge(g.NewEdge(nodeFor(p), nodeFor(commit)))
			if err := walk(p); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(current); err != nil {
		return nil, "", err
	}

	oldBoundary = indexed
	if !foundIndexed || indexed == "" {
		oldBoundary = relay.ZeroCommit
	}

	sorted, err := topo.Sort(g)
	if err != nil {
		return nil, "", xerrors.Errorf("commit history %s..%s is not a DAG: %w", oldBoundary, current, err)
	}
	for _, n := range sorted {
		cn := n.(commitNode)
		if cn.commit == oldBoundary {
			continue // already reflected in the index; nothing to replay
		}
		chain = append(chain, cn.commit)
	}
	return chain, oldBoundary, nil
}

// StepBuilder constructs the Commit Context for one replay step; bound by
// the caller to reposerve (old/new commit, refname, branch, diff_names ->
// files, is_verified from a re-evaluated Policy Engine pass).
type StepBuilder func(old, new string) (relay.CommitContext, error)

// Reconcile implements spec.md §4.6's full protocol. current is the
// branch's current head (Repo.head(branch)). On success the index already
// reflects current; on failure it returns *relay.IndexStaleError and the
// index is left at the last successfully replayed commit — the next
// Reconcile call (triggered by the next query) resumes from there.
// Concurrent Reconcile calls for the same branchHash coalesce onto a
// single replay.
func (r *Reconciler) Reconcile(ctx context.Context, branchHash, branch, current string, buildStep StepBuilder) error {
	run, owner := r.join(branchHash)
	if !owner {
		select {
		case <-run.done:
			return run.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer r.leave(branchHash, run)

	run.err = r.reconcileOnce(ctx, branchHash, branch, current, buildStep)
	close(run.done)
	return run.err
}

func (r *Reconciler) join(branchHash string) (*coalescedRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight == nil {
		r.inFlight = make(map[string]*coalescedRun)
	}
	if run, ok := r.inFlight[branchHash]; ok {
		return run, false
	}
	run := &coalescedRun{done: make(chan struct{})}
	r.inFlight[branchHash] = run
	return run, true
}

func (r *Reconciler) leave(branchHash string, run *coalescedRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight[branchHash] == run {
		delete(r.inFlight, branchHash)
	}
}

func (r *Reconciler) reconcileOnce(ctx context.Context, branchHash, branch, current string, buildStep StepBuilder) error {
	indexed, err := r.Index.IndexedHead(branchHash)
	if err != nil {
		return err
	}
	if indexed == current {
		return nil
	}

	chain, oldBoundary, err := r.buildChain(current, indexed)
	if err != nil {
		return err
	}

	lastGood := oldBoundary
	for _, newCommit := range chain {
		if err := ctx.Err(); err != nil {
			return &relay.IndexStaleError{LastIndexedHead: lastGood, Err: err}
		}
		step, err := buildStep(lastGood, newCommit)
		if err != nil {
			return &relay.IndexStaleError{LastIndexedHead: lastGood, Err: err}
		}
		step.Branch = branch
		if err := r.Run(ctx, step); err != nil {
			return &relay.IndexStaleError{LastIndexedHead: lastGood, Err: err}
		}
		if err := r.Index.SetIndexedHead(branchHash, newCommit); err != nil {
			return &relay.IndexStaleError{LastIndexedHead: lastGood, Err: err}
		}
		lastGood = newCommit
	}
	return nil
}
