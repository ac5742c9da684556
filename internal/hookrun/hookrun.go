// Package hookrun is the Hook Runtime (spec.md §4.3): it spawns the
// external, language-agnostic interpreter configured for a repository and
// runs one repository-owned hook script inside it, piping a Commit Context
// on stdin and turning the exit code into an accept/reject verdict.
package hookrun

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"time"

	"golang.org/x/xerrors"

	"github.com/relaysrv/relay"
)

// DefaultDeadline is the hook-script deadline used when a Runtime does not
// configure its own (spec.md §4.3).
const DefaultDeadline = 30 * time.Second

// Runtime spawns the configured interpreter for each hook invocation.
type Runtime struct {
	// InterpreterPath is the static server-configured interpreter binary.
	// It is opaque to this package beyond "accepts a script path as
	// argv[1] and a JSON Commit Context on stdin" (spec.md §4.3).
	InterpreterPath string
	Deadline        time.Duration
	Log             *log.Logger

	// Sandboxed gates whether the interpreter is spawned into a fresh
	// mount/user/network namespace (sandbox_linux.go). This is
	// defense-in-depth only: the capability surface's actual
	// host-filesystem confinement is enforced in-process by
	// internal/sandbox's path checks on every Relay call, not by this
	// namespace — a chroot would need a self-contained root filesystem for
	// the interpreter, which server deployments do not generally have.
	Sandboxed bool
}

// Result is what a completed hook run reports.
type Result struct {
	Accepted bool
	Stdout   string
	Stderr   string
}

// sandboxView is the exact JSON shape piped to the hook's stdin: everything
// in relay.CommitContext except RepoPath, which stays sandbox-internal and
// must never reach the interpreter process (spec.md glossary:
// "repo_path ... never surfaced to user code").
type sandboxView struct {
	OldCommit  string            `json:"old_commit"`
	NewCommit  string            `json:"new_commit"`
	Refname    string            `json:"refname"`
	Branch     string            `json:"branch"`
	Files      map[string]string `json:"files"`
	IsVerified bool              `json:"is_verified"`
}

func toSandboxView(cc relay.CommitContext) sandboxView {
	files := make(map[string]string, len(cc.Files))
	for p, b := range cc.Files {
		files[p] = base64.StdEncoding.EncodeToString(b)
	}
	return sandboxView{
		OldCommit:  cc.OldCommit,
		NewCommit:  cc.NewCommit,
		Refname:    cc.Refname,
		Branch:     cc.Branch,
		Files:      files,
		IsVerified: cc.IsVerified,
	}
}

// allowedEnv is the small allowlist the spawned interpreter inherits beyond
// PATH (spec.md §4.3).
func allowedEnv(cc relay.CommitContext) []string {
	return []string{
		"OLD_COMMIT=" + cc.OldCommit,
		"NEW_COMMIT=" + cc.NewCommit,
		"REFNAME=" + cc.Refname,
		"BRANCH=" + cc.Branch,
		"GIT_DIR=" + cc.RepoPath,
	}
}

// Run invokes kind's hook script. scriptPath == "" means no hook is
// configured for kind, which is a no-op accept (spec.md §4.3). socketPath,
// when non-empty, is passed to the child as RELAY_SANDBOX_SOCKET: the
// address of the Sandbox API's unix-socket listener (internal/sandbox) the
// in-process interpreter library uses to reach the Relay capability object.
func (rt *Runtime) Run(ctx context.Context, kind relay.HookKind, scriptPath, socketPath string, cc relay.CommitContext) (Result, error) {
	if scriptPath == "" {
		return Result{Accepted: true}, nil
	}

	deadline := rt.Deadline
	if deadline == 0 {
		deadline = DefaultDeadline
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	payload, err := json.Marshal(toSandboxView(cc))
	if err != nil {
		return Result{}, xerrors.Errorf("marshaling commit context: %w", err)
	}

	cmd := exec.CommandContext(runCtx, rt.InterpreterPath, scriptPath)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append([]string{"PATH=" + os.Getenv("PATH")}, allowedEnv(cc)...)
	if socketPath != "" {
		cmd.Env = append(cmd.Env, "RELAY_SANDBOX_SOCKET="+socketPath)
	}
	applySandbox(cmd, rt.Sandboxed)

	runErr := cmd.Run()

	if rt.Log != nil {
		tag := fmt.Sprintf("hook[%s]:%s", kind, scriptPath)
		if stdout.Len() > 0 {
			rt.Log.Printf("%s stdout: %s", tag, stdout.String())
		}
		if stderr.Len() > 0 {
			rt.Log.Printf("%s stderr: %s", tag, stderr.String())
		}
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return Result{}, &relay.HookTimeoutError{Script: scriptPath, Deadline: deadline.String()}
	}
	if runErr != nil {
		return Result{Stdout: stdout.String(), Stderr: stderr.String()},
			&relay.HookRejectedError{Script: scriptPath, Stderr: stderr.String()}
	}
	return Result{Accepted: true, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}
