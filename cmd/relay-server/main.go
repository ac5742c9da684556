// Command relay-server is the long-running HTTP daemon: it opens every
// configured repository, wires the Repo Store, Policy Engine, Hook
// Runtime, Sandbox API, Branch Index Store, Global Blob Tier, JIT
// Reconciler, and Peer Sync together, and serves the HTTP Surface
// (spec.md §4.7).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/relaysrv/relay"
	"github.com/relaysrv/relay/internal/blobtier"
	"github.com/relaysrv/relay/internal/githubhook"
	"github.com/relaysrv/relay/internal/hookrun"
	"github.com/relaysrv/relay/internal/httpsurface"
	"github.com/relaysrv/relay/internal/peersync"
	"github.com/relaysrv/relay/internal/relayconfig"
	"github.com/relaysrv/relay/internal/relayserver"
)

var (
	debug       = flag.Bool("debug", false, "format error messages with additional detail")
	repoPath    = flag.String("repo-path", envOr("RELAY_REPO_PATH", "."), "directory containing bare repositories (<name>.git)")
	staticDir   = flag.String("static-dir", os.Getenv("RELAY_STATIC_DIR"), "directory of static assets served ahead of any repo (spec.md §4.7 READ)")
	bind        = flag.String("bind", envOr("RELAY_BIND", "0.0.0.0"), "address to bind HTTP(S) listeners on")
	httpPort    = flag.String("http-port", envOr("RELAY_HTTP_PORT", "8080"), "HTTP listen port")
	httpsPort   = flag.String("https-port", os.Getenv("RELAY_HTTPS_PORT"), "HTTPS listen port; empty disables TLS")
	tlsCert     = flag.String("tls-cert", os.Getenv("RELAY_TLS_CERT"), "static TLS certificate path")
	tlsKey      = flag.String("tls-key", os.Getenv("RELAY_TLS_KEY"), "static TLS key path")
	acmeDir     = flag.String("acme-dir", os.Getenv("RELAY_ACME_DIR"), "present only to recognize the env var; ACME challenge handling is an external collaborator (spec.md §1), not implemented here")
	interpreter = flag.String("hook-interpreter", os.Getenv("RELAY_HOOK_INTERPRETER"), "interpreter binary spawned for repo-owned hook scripts")
	gitBinary   = flag.String("git-binary", "git", "git binary used by Peer Sync's outbound pushes")
	sockDir     = flag.String("sandbox-sock-dir", "", "directory for ephemeral Sandbox API unix sockets (default: $TMPDIR/relay-sandbox)")
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// repoNamesFromEnv implements spec.md §6's RELAY_MASTER_REPO_LIST /
// DEFAULT_REPOS: a comma-separated list of bare repository names (without
// the .git suffix) to register at startup, each resolved under repoPath
// as <name>.git.
func repoNamesFromEnv() []string {
	list := os.Getenv("RELAY_MASTER_REPO_LIST")
	if list == "" {
		list = os.Getenv("DEFAULT_REPOS")
	}
	if list == "" {
		return nil
	}
	var names []string
	for _, n := range strings.Split(list, ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	return names
}

func funcmain() (exitCode int, err error) {
	flag.Parse()

	logger := log.New(os.Stderr, "relay-server: ", log.LstdFlags)

	names := repoNamesFromEnv()
	if len(names) == 0 {
		return 2, fmt.Errorf("no repositories configured: set RELAY_MASTER_REPO_LIST or DEFAULT_REPOS")
	}

	if *sockDir == "" {
		*sockDir = filepath.Join(os.TempDir(), "relay-sandbox")
	}
	global := blobtier.New(filepath.Join(*repoPath, "global_blobs"))
	hooks := &hookrun.Runtime{InterpreterPath: *interpreter, Log: logger}

	srv, err := relayserver.New(*sockDir, hooks, global, logger)
	if err != nil {
		return 3, err
	}
	srv.Peers = peersync.New(srv, srv.NewPusher(*gitBinary), logger)

	for _, name := range names {
		path := filepath.Join(*repoPath, name+".git")
		if _, err := srv.AddRepo(name, path); err != nil {
			return 3, fmt.Errorf("opening repo %s at %s: %w", name, path, err)
		}
		logger.Printf("registered repo %s at %s", name, path)
	}

	mux := http.NewServeMux()
	surface := &httpsurface.Server{Relay: srv, StaticDir: *staticDir, Log: logger}
	mux.Handle("/", surface)
	mountGitHubHooks(mux, srv, logger)

	ctx, canc := relay.InterruptibleContext()
	defer canc()

	eg, egCtx := errgroup.WithContext(ctx)
	addr := *bind + ":" + *httpPort
	httpServer := &http.Server{Addr: addr, Handler: mux}
	eg.Go(func() error {
		logger.Printf("HTTP listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		return httpServer.Shutdown(context.Background())
	})

	if *httpsPort != "" {
		if *tlsCert == "" {
			return 2, fmt.Errorf("RELAY_HTTPS_PORT set but RELAY_TLS_CERT/RELAY_TLS_KEY are not; ACME challenge handling is an external collaborator (spec.md §1), terminate TLS in front of relay-server instead")
		}
		tlsServer := &http.Server{Addr: *bind + ":" + *httpsPort, Handler: mux}
		eg.Go(func() error {
			logger.Printf("HTTPS listening on %s", tlsServer.Addr)
			if err := tlsServer.ListenAndServeTLS(*tlsCert, *tlsKey); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		eg.Go(func() error {
			<-egCtx.Done()
			return tlsServer.Shutdown(context.Background())
		})
	}

	relay.RegisterAtExit(func() error {
		logger.Printf("shutting down, letting in-flight index saves and peer-sync debounces settle")
		return nil
	})

	if err := eg.Wait(); err != nil {
		return 3, err
	}
	return 0, relay.RunAtExit()
}

// mountGitHubHooks wires the delegated GitHub webhook bridge (spec.md §6
// git.github.*) for every repo whose .relay.yaml at its main branch head
// enables it.
func mountGitHubHooks(mux *http.ServeMux, srv *relayserver.Server, logger *log.Logger) {
	for _, name := range srv.RepoNames() {
		repo, err := srv.Repo(name)
		if err != nil {
			continue
		}
		head, err := repo.Store.Head("main")
		if err != nil {
			continue
		}
		data, err := repo.Store.ReadAt(head, ".relay.yaml")
		if err != nil {
			continue
		}
		cfg, err := relayconfig.Parse(data)
		if err != nil || !cfg.Git.GitHub.Enabled {
			continue
		}
		path := cfg.Git.GitHub.Path
		if path == "" {
			path = "/" + name + "/github-webhook"
		}
		secret := os.Getenv("RELAY_GITHUB_SECRET_" + strings.ToUpper(name))
		handler := &githubhook.Handler{
			RepoName: name,
			Secret:   []byte(secret),
			Events:   cfg.Git.GitHub.Events,
			Relay:    srv,
			Log:      logger,
		}
		mux.Handle(path, handler)
		logger.Printf("mounted github webhook for %s at %s", name, path)
	}
}

func main() {
	code, err := funcmain()
	if err != nil {
		if *debug {
			fmt.Fprintf(os.Stderr, "relay-server: %+v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "relay-server: %v\n", err)
		}
	}
	os.Exit(code)
}
