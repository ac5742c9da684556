// Package peersync is Peer Sync (spec.md §4.8): a post-receive fan-out
// that pushes a just-updated branch to every configured remote, debounced
// per (repo, branch) and guarded against push loops by an environment
// marker.
package peersync

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

// maxAttempts is spec.md §4.8's per-peer retry ceiling before a push is
// dropped.
const maxAttempts = 5

// ConfigResolver resolves a (repo, branch)'s autoPush configuration. The
// concrete implementation (internal/relayserver) knows how to load and
// parse .relay.yaml; this package only needs the resolved shape.
type ConfigResolver interface {
	AutoPushFor(repoName, branch string) (origins []string, debounceSeconds int, match bool)
}

// Pusher pushes one repo's branch to one origin. The default
// implementation (gitPusher, below) shells out to the git binary, the
// same way internal/hookrun spawns the hook interpreter, so the outbound
// process can carry the RELAY_SYNC_IN_PROGRESS marker in its own
// environment without this package reaching into libgit2's in-process
// remote transport.
type Pusher interface {
	Push(ctx context.Context, repoPath, branch, origin string) error
}

// Manager owns the debounce timers and in-flight backoff loops for every
// (repo, branch) pair that has ever been triggered.
type Manager struct {
	Config ConfigResolver
	Push   Pusher
	Log    *log.Logger

	// MinBackoff/MaxBackoff override the spec.md §4.8 defaults
	// (2s/60s); left zero, New fills in the defaults. Exposed mainly so
	// tests can shrink the retry schedule.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New returns a ready Manager with the default 2s/60s backoff bounds.
// pusher receives the registered repo name as its repoPath argument, so a
// pusher that runs `git push` from disk must map names to paths itself
// (internal/relayserver.Server.NewPusher does).
func New(cfg ConfigResolver, pusher Pusher, logger *log.Logger) *Manager {
	return &Manager{
		Config:     cfg,
		Push:       pusher,
		Log:        logger,
		MinBackoff: 2 * time.Second,
		MaxBackoff: 60 * time.Second,
		timers:     make(map[string]*time.Timer),
	}
}

// Trigger implements internal/relayserver.SyncTrigger. It is called once
// per accepted write, after post-receive; spec.md §4.8's loop suppression
// checks RELAY_SYNC_IN_PROGRESS before scheduling anything, since an
// inbound receive caused by one of this manager's own outbound pushes
// carries that marker.
func (m *Manager) Trigger(repoName, branch string) {
	if os.Getenv("RELAY_SYNC_IN_PROGRESS") == "1" {
		return
	}
	origins, debounceSeconds, match := m.Config.AutoPushFor(repoName, branch)
	if !match || len(origins) == 0 {
		return
	}
	debounce := time.Duration(debounceSeconds) * time.Second
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	key := repoName + "\x00" + branch
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.timers[key]; ok {
		existing.Stop()
	}
	m.timers[key] = time.AfterFunc(debounce, func() {
		m.mu.Lock()
		delete(m.timers, key)
		m.mu.Unlock()
		m.pushAll(repoName, branch, origins)
	})
}

func (m *Manager) pushAll(repoName, branch string, origins []string) {
	var wg sync.WaitGroup
	for _, origin := range origins {
		origin := origin
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.pushWithBackoff(repoName, branch, origin)
		}()
	}
	wg.Wait()
}

func (m *Manager) pushWithBackoff(repoName, branch, origin string) {
	b := &backoff.Backoff{Min: m.MinBackoff, Max: m.MaxBackoff, Factor: 2}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := m.Push.Push(context.Background(), repoName, branch, origin)
		if err == nil {
			return
		}
		if m.Log != nil {
			m.Log.Printf("peersync: push repo=%s branch=%s origin=%s attempt=%d failed: %v",
				repoName, branch, origin, attempt, err)
		}
		if attempt == maxAttempts {
			break
		}
		time.Sleep(b.Duration())
	}
	if m.Log != nil {
		m.Log.Printf("peersync: giving up on repo=%s branch=%s origin=%s after %d attempts",
			repoName, branch, origin, maxAttempts)
	}
}

// gitPusher runs `git push` in repoPath against origin, the default
// Pusher. It carries RELAY_SYNC_IN_PROGRESS=1 in the child's environment
// so a peer receiving this push can suppress its own autoPush in turn.
type gitPusher struct {
	GitBinary string
}

// NewGitPusher returns a Pusher that shells out to the system git binary.
// gitBinary defaults to "git" (resolved via PATH) when empty.
func NewGitPusher(gitBinary string) Pusher {
	if gitBinary == "" {
		gitBinary = "git"
	}
	return &gitPusher{GitBinary: gitBinary}
}

func (p *gitPusher) Push(ctx context.Context, repoPath, branch, origin string) error {
	refspec := fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch)
	cmd := exec.CommandContext(ctx, p.GitBinary, "push", origin, refspec)
	cmd.Dir = repoPath
	cmd.Env = append(os.Environ(), "RELAY_SYNC_IN_PROGRESS=1")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git push %s %s: %w: %s", origin, refspec, err, stderr.String())
	}
	return nil
}
