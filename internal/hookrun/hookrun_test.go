package hookrun

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/relaysrv/relay"
)

func testContext() relay.CommitContext {
	return relay.CommitContext{
		OldCommit: relay.ZeroCommit,
		NewCommit: "abc123",
		Refname:   "refs/heads/main",
		Branch:    "main",
		Files:     map[string][]byte{"a.txt": []byte("hello")},
		RepoPath:  "/srv/repos/example.git",
	}
}

func TestRunNoScriptConfiguredAccepts(t *testing.T) {
	rt := &Runtime{InterpreterPath: "/bin/sh"}
	res, err := rt.Run(context.Background(), relay.HookPreCommit, "", "", testContext())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Accepted {
		t.Fatal("Run() with no configured script should accept")
	}
}

func TestRunAcceptsOnExitZero(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\ncat >/dev/null\nexit 0\n")
	rt := &Runtime{InterpreterPath: "/bin/sh"}
	res, err := rt.Run(context.Background(), relay.HookPreReceive, script, "", testContext())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Accepted {
		t.Fatal("Run() should accept on exit 0")
	}
}

func TestRunRejectsOnNonzeroExit(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\ncat >/dev/null\necho 'denied: policy' >&2\nexit 1\n")
	rt := &Runtime{InterpreterPath: "/bin/sh"}
	_, err := rt.Run(context.Background(), relay.HookPreReceive, script, "", testContext())
	var rejected *relay.HookRejectedError
	if err == nil {
		t.Fatal("Run() = nil error, want HookRejectedError")
	}
	if !isHookRejected(err, &rejected) {
		t.Fatalf("Run() error = %v (%T), want *relay.HookRejectedError", err, err)
	}
	if !strings.Contains(rejected.Stderr, "denied") {
		t.Fatalf("HookRejectedError.Stderr = %q, want it to contain the script's stderr", rejected.Stderr)
	}
}

func TestRunTimesOut(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\ncat >/dev/null\nsleep 5\n")
	rt := &Runtime{InterpreterPath: "/bin/sh", Deadline: 50 * time.Millisecond}
	_, err := rt.Run(context.Background(), relay.HookPreCommit, script, "", testContext())
	if _, ok := err.(*relay.HookTimeoutError); !ok {
		t.Fatalf("Run() error = %v (%T), want *relay.HookTimeoutError", err, err)
	}
}

func TestRunPipesExpectedJSON(t *testing.T) {
	capture := t.TempDir() + "/captured.json"
	script := writeScript(t, "#!/bin/sh\ncat > "+capture+"\nexit 0\n")
	rt := &Runtime{InterpreterPath: "/bin/sh"}
	if _, err := rt.Run(context.Background(), relay.HookIndex, script, "", testContext()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	data, err := os.ReadFile(capture)
	if err != nil {
		t.Fatalf("reading captured stdin: %v", err)
	}
	var got sandboxView
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("captured stdin is not the expected JSON shape: %v", err)
	}
	if got.NewCommit != "abc123" || got.Branch != "main" {
		t.Fatalf("captured sandbox view = %+v, want new_commit=abc123 branch=main", got)
	}
	if _, ok := got.Files["a.txt"]; !ok {
		t.Fatalf("captured sandbox view missing files[a.txt]: %+v", got)
	}
	if strings.Contains(string(data), "repo_path") {
		t.Fatal("piped JSON must never contain repo_path")
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := t.TempDir() + "/hook.sh"
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("writing test script: %v", err)
	}
	return path
}

func isHookRejected(err error, target **relay.HookRejectedError) bool {
	if r, ok := err.(*relay.HookRejectedError); ok {
		*target = r
		return true
	}
	return false
}
