package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaysrv/relay"
	"github.com/relaysrv/relay/internal/indexstore"
)

// fakeCommits is a tiny in-memory commit graph: parent edges are declared
// directly instead of walking a real git2go repository.
type fakeCommits struct {
	parents map[string][]string
}

func (f *fakeCommits) Parents(commit string) ([]string, error) {
	return f.parents[commit], nil
}

func newStore(t *testing.T) *indexstore.Store {
	t.Helper()
	return indexstore.New(t.TempDir())
}

func TestReconcileSkipsWhenAlreadyCurrent(t *testing.T) {
	store := newStore(t)
	if err := store.SetIndexedHead("b1", "c3"); err != nil {
		t.Fatalf("SetIndexedHead() error = %v", err)
	}
	var ran []string
	r := &Reconciler{
		Commits: &fakeCommits{},
		Index:   store,
		Run: func(ctx context.Context, step relay.CommitContext) error {
			ran = append(ran, step.NewCommit)
			return nil
		},
	}
	err := r.Reconcile(context.Background(), "b1", "main", "c3", func(old, new string) (relay.CommitContext, error) {
		return relay.CommitContext{OldCommit: old, NewCommit: new}, nil
	})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(ran) != 0 {
		t.Fatalf("Reconcile() replayed %v, want no replay when already current", ran)
	}
}

func TestReconcileReplaysChainInOrder(t *testing.T) {
	store := newStore(t)
	if err := store.SetIndexedHead("b1", "c1"); err != nil {
		t.Fatalf("SetIndexedHead() error = %v", err)
	}
	commits := &fakeCommits{parents: map[string][]string{
		"c2": {"c1"},
		"c3": {"c2"},
	}}
	var ran []string
	r := &Reconciler{
		Commits: commits,
		Index:   store,
		Run: func(ctx context.Context, step relay.CommitContext) error {
			ran = append(ran, step.NewCommit)
			return nil
		},
	}
	err := r.Reconcile(context.Background(), "b1", "main", "c3", func(old, new string) (relay.CommitContext, error) {
		return relay.CommitContext{OldCommit: old, NewCommit: new}, nil
	})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	want := []string{"c2", "c3"}
	if len(ran) != len(want) || ran[0] != want[0] || ran[1] != want[1] {
		t.Fatalf("Reconcile() replayed %v, want %v", ran, want)
	}
	got, err := store.IndexedHead("b1")
	if err != nil {
		t.Fatalf("IndexedHead() error = %v", err)
	}
	if got != "c3" {
		t.Fatalf("IndexedHead() = %q, want c3", got)
	}
}

func TestReconcileFullRebuildWhenIndexedNotAncestor(t *testing.T) {
	store := newStore(t)
	if err := store.SetIndexedHead("b1", "stale-branch-tip"); err != nil {
		t.Fatalf("SetIndexedHead() error = %v", err)
	}
	commits := &fakeCommits{parents: map[string][]string{
		"c2": {"c1"},
	}}
	var olds []string
	r := &Reconciler{
		Commits: commits,
		Index:   store,
		Run: func(ctx context.Context, step relay.CommitContext) error {
			olds = append(olds, step.OldCommit)
			return nil
		},
	}
	err := r.Reconcile(context.Background(), "b1", "main", "c2", func(old, new string) (relay.CommitContext, error) {
		return relay.CommitContext{OldCommit: old, NewCommit: new}, nil
	})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(olds) != 2 {
		t.Fatalf("Reconcile() ran %d steps, want 2 (full rebuild from root)", len(olds))
	}
	if olds[0] != relay.ZeroCommit {
		t.Fatalf("Reconcile() first step old = %q, want ZeroCommit (full rebuild)", olds[0])
	}
}

func TestReconcileStopsOnFailureAndLeavesLastGoodHead(t *testing.T) {
	store := newStore(t)
	if err := store.SetIndexedHead("b1", "c1"); err != nil {
		t.Fatalf("SetIndexedHead() error = %v", err)
	}
	commits := &fakeCommits{parents: map[string][]string{
		"c2": {"c1"},
		"c3": {"c2"},
	}}
	r := &Reconciler{
		Commits: commits,
		Index:   store,
		Run: func(ctx context.Context, step relay.CommitContext) error {
			if step.NewCommit == "c3" {
				return errors.New("index hook rejected c3")
			}
			return nil
		},
	}
	err := r.Reconcile(context.Background(), "b1", "main", "c3", func(old, new string) (relay.CommitContext, error) {
		return relay.CommitContext{OldCommit: old, NewCommit: new}, nil
	})
	if err == nil {
		t.Fatal("Reconcile() expected error when a replay step fails")
	}
	var staleErr *relay.IndexStaleError
	if e, ok := err.(*relay.IndexStaleError); !ok {
		t.Fatalf("Reconcile() error = %v (%T), want *relay.IndexStaleError", err, err)
	} else {
		staleErr = e
	}
	if staleErr.LastIndexedHead != "c2" {
		t.Fatalf("IndexStaleError.LastIndexedHead = %q, want c2", staleErr.LastIndexedHead)
	}
	got, err := store.IndexedHead("b1")
	if err != nil {
		t.Fatalf("IndexedHead() error = %v", err)
	}
	if got != "c2" {
		t.Fatalf("IndexedHead() after failed reconcile = %q, want c2 (last good)", got)
	}
}

func TestReconcileCoalescesConcurrentCalls(t *testing.T) {
	store := newStore(t)
	if err := store.SetIndexedHead("b1", "c1"); err != nil {
		t.Fatalf("SetIndexedHead() error = %v", err)
	}
	commits := &fakeCommits{parents: map[string][]string{"c2": {"c1"}}}
	var mu sync.Mutex
	var runs int
	started := make(chan struct{})
	release := make(chan struct{})
	r := &Reconciler{
		Commits: commits,
		Index:   store,
		Run: func(ctx context.Context, step relay.CommitContext) error {
			mu.Lock()
			runs++
			mu.Unlock()
			close(started)
			<-release
			return nil
		},
	}
	build := func(old, new string) (relay.CommitContext, error) {
		return relay.CommitContext{OldCommit: old, NewCommit: new}, nil
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.Reconcile(context.Background(), "b1", "main", "c2", build)
		}(i)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the coalesced run to start")
	}
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Reconcile() call %d error = %v", i, err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if runs != 1 {
		t.Fatalf("Run invoked %d times, want exactly 1 (concurrent calls should coalesce)", runs)
	}
}
