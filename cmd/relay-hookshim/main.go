// Command relay-hookshim is the single binary a bare repository's
// core.hooksPath points every git hook name at (spec.md §4.3: "the hook
// is invoked with the repository's hooks-path pointing at a single
// universal dispatcher, so that all five hook kinds flow through the
// same binary"). It is installed three times over, as pre-receive,
// post-receive, and post-update symlinks (or copies) to the same binary;
// filepath.Base(os.Args[0]) tells it which one git invoked.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/relaysrv/relay"
	"github.com/relaysrv/relay/internal/blobtier"
	"github.com/relaysrv/relay/internal/hookrun"
	"github.com/relaysrv/relay/internal/peersync"
	"github.com/relaysrv/relay/internal/relayserver"
)

var debug = flag.Bool("debug", false, "format error messages with additional detail")

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// receiveLine is one "<old-sha> <new-sha> <refname>" line git feeds
// pre-receive/post-receive on stdin, one per updated ref.
type receiveLine struct {
	old, new, refname string
}

func readReceiveLines(r *bufio.Scanner) []receiveLine {
	var lines []receiveLine
	for r.Scan() {
		fields := strings.Fields(r.Text())
		if len(fields) != 3 {
			continue
		}
		lines = append(lines, receiveLine{old: fields[0], new: fields[1], refname: fields[2]})
	}
	return lines
}

func branchOf(refname string) (branch string, ok bool) {
	const prefix = "refs/heads/"
	if !strings.HasPrefix(refname, prefix) {
		return "", false
	}
	return strings.TrimPrefix(refname, prefix), true
}

func funcmain() (exitCode int, err error) {
	flag.Parse()
	logger := log.New(os.Stderr, "relay-hookshim: ", log.LstdFlags)

	gitDir := envOr("GIT_DIR", ".")
	gitDir, err = filepath.Abs(gitDir)
	if err != nil {
		return 3, err
	}
	repoName := strings.TrimSuffix(filepath.Base(gitDir), ".git")

	sockDir := envOr("RELAY_SANDBOX_SOCK_DIR", filepath.Join(os.TempDir(), "relay-sandbox"))
	globalDir := envOr("RELAY_GLOBAL_BLOBS_DIR", filepath.Join(filepath.Dir(gitDir), "global_blobs"))
	global := blobtier.New(globalDir)
	hooks := &hookrun.Runtime{InterpreterPath: os.Getenv("RELAY_HOOK_INTERPRETER"), Log: logger}

	srv, err := relayserver.New(sockDir, hooks, global, logger)
	if err != nil {
		return 3, err
	}
	srv.Peers = peersync.New(srv, srv.NewPusher(envOr("RELAY_GIT_BINARY", "git")), logger)
	if _, err := srv.AddRepo(repoName, gitDir); err != nil {
		return 3, err
	}

	ctx := context.Background()
	kind := filepath.Base(os.Args[0])
	switch kind {
	case "pre-receive":
		lines := readReceiveLines(bufio.NewScanner(os.Stdin))
		for _, l := range lines {
			branch, ok := branchOf(l.refname)
			if !ok {
				continue // tag or other non-branch ref: no branch-rule policy applies
			}
			if err := srv.PreReceive(ctx, repoName, l.refname, branch, l.old, l.new); err != nil {
				return 1, err
			}
		}
		return 0, nil

	case "post-receive":
		lines := readReceiveLines(bufio.NewScanner(os.Stdin))
		for _, l := range lines {
			branch, ok := branchOf(l.refname)
			if !ok {
				continue
			}
			if err := srv.PostReceive(ctx, repoName, l.refname, branch, l.old, l.new); err != nil {
				logger.Printf("post-receive %s: %v", l.refname, err)
			}
		}
		return 0, nil

	case "post-update":
		// post-update receives updated refnames as argv, with no old/new
		// pair; its only job here is nudging Peer Sync, since post-receive
		// already ran the indexing hook for the same push.
		for _, refname := range flag.Args() {
			branch, ok := branchOf(refname)
			if !ok {
				continue
			}
			if srv.Peers != nil {
				srv.Peers.Trigger(repoName, branch)
			}
		}
		return 0, nil

	default:
		return 2, fmt.Errorf("unknown hook kind %q (invoked as %s)", kind, os.Args[0])
	}
}

func main() {
	code, err := funcmain()
	if err != nil {
		if *debug {
			fmt.Fprintf(os.Stderr, "relay-hookshim: %+v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "relay-hookshim: %v\n", err)
		}
	}
	os.Exit(code)
}
