package peersync

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"
)

type fakeConfig struct {
	origins         []string
	debounceSeconds int
	match           bool
}

func (f fakeConfig) AutoPushFor(repoName, branch string) ([]string, int, bool) {
	return f.origins, f.debounceSeconds, f.match
}

type countingPusher struct {
	mu    sync.Mutex
	calls []string
	fail  int // number of leading calls per origin to fail
	seen  map[string]int
}

func newCountingPusher() *countingPusher {
	return &countingPusher{seen: make(map[string]int)}
}

func (p *countingPusher) Push(ctx context.Context, repoName, branch, origin string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, origin)
	p.seen[origin]++
	if p.seen[origin] <= p.fail {
		return os.ErrDeadlineExceeded
	}
	return nil
}

func TestTriggerSkipsWithoutAutoPushMatch(t *testing.T) {
	cfg := fakeConfig{match: false}
	pusher := newCountingPusher()
	m := New(cfg, pusher, nil)
	m.Trigger("docs", "main")
	time.Sleep(50 * time.Millisecond)
	pusher.mu.Lock()
	defer pusher.mu.Unlock()
	if len(pusher.calls) != 0 {
		t.Fatalf("Trigger with no autoPush match pushed %v, want none", pusher.calls)
	}
}

func TestTriggerDebouncesRapidCalls(t *testing.T) {
	cfg := fakeConfig{origins: []string{"origin1"}, debounceSeconds: 0, match: true}
	pusher := newCountingPusher()
	m := New(cfg, pusher, nil)

	// debounceSeconds == 0 falls back to the 2s default inside Trigger; the
	// five rapid calls below each reset that timer, and the sleep outlasts
	// the 2s window so the single coalesced push has fired.
	for key, t := range m.timers {
		_ = key
		_ = t
	}
	m.mu.Lock()
	m.timers = make(map[string]*time.Timer)
	m.mu.Unlock()

	for i := 0; i < 5; i++ {
		m.Trigger("docs", "main")
	}
	time.Sleep(2200 * time.Millisecond)

	pusher.mu.Lock()
	defer pusher.mu.Unlock()
	if len(pusher.calls) != 1 {
		t.Fatalf("pushAll ran %d times for 5 rapid triggers, want exactly 1 (debounced)", len(pusher.calls))
	}
}

func TestTriggerSuppressedDuringSync(t *testing.T) {
	os.Setenv("RELAY_SYNC_IN_PROGRESS", "1")
	defer os.Unsetenv("RELAY_SYNC_IN_PROGRESS")

	cfg := fakeConfig{origins: []string{"origin1"}, debounceSeconds: 0, match: true}
	pusher := newCountingPusher()
	m := New(cfg, pusher, nil)
	m.Trigger("docs", "main")
	time.Sleep(50 * time.Millisecond)

	pusher.mu.Lock()
	defer pusher.mu.Unlock()
	if len(pusher.calls) != 0 {
		t.Fatalf("Trigger while RELAY_SYNC_IN_PROGRESS=1 pushed %v, want none", pusher.calls)
	}
}

func TestPushWithBackoffRetriesThenSucceeds(t *testing.T) {
	pusher := newCountingPusher()
	pusher.fail = 2
	m := New(fakeConfig{}, pusher, nil)
	m.MinBackoff = 5 * time.Millisecond
	m.MaxBackoff = 20 * time.Millisecond

	done := make(chan struct{})
	go func() {
		m.pushWithBackoff("docs", "main", "origin1")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("pushWithBackoff did not return in time")
	}

	pusher.mu.Lock()
	defer pusher.mu.Unlock()
	if len(pusher.calls) != 3 {
		t.Fatalf("pushWithBackoff made %d attempts, want 3 (2 failures then a success)", len(pusher.calls))
	}
}

func TestPushWithBackoffGivesUpAfterMaxAttempts(t *testing.T) {
	pusher := newCountingPusher()
	pusher.fail = maxAttempts + 1
	m := New(fakeConfig{}, pusher, nil)
	m.MinBackoff = 5 * time.Millisecond
	m.MaxBackoff = 20 * time.Millisecond
	m.pushWithBackoff("docs", "main", "origin1")

	pusher.mu.Lock()
	defer pusher.mu.Unlock()
	if len(pusher.calls) != maxAttempts {
		t.Fatalf("pushWithBackoff made %d attempts, want exactly %d", len(pusher.calls), maxAttempts)
	}
}
