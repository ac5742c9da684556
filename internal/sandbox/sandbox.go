// Package sandbox implements the Sandbox API (spec.md §4.4): the single
// `Relay` capability object a hook script's interpreter can reach, with no
// other host filesystem, process-spawn, or network access available to it.
//
// The interpreter itself is an opaque, externally configured, possibly
// non-Go process (internal/hookrun spawns it). The capability surface is
// exposed to that process as a small JSON-over-HTTP protocol served on a
// unix domain socket, reusing the teacher's errHandlerFunc wrapping idiom
// (_examples/distr1-distri/cmd/distri-repobrowser/repobrowser.go) for
// turning handler errors into HTTP responses. The socket path is handed to
// the child via the RELAY_SANDBOX_SOCKET environment variable; a thin
// client library for each supported interpreter language speaks this
// protocol and is out of scope for this module.
package sandbox

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"os"
	"strings"

	"golang.org/x/xerrors"

	"github.com/relaysrv/relay"
	"github.com/relaysrv/relay/internal/indexstore"
)

// BlobGetPutter is the subset of internal/blobtier.Tier the global-tier
// capabilities need. Reference charges a put's size against the calling
// repo's quota (spec.md: "quota.bytes is enforced at global put"),
// returning *relay.QuotaExceededError on overrun.
type BlobGetPutter interface {
	Get(hash string) ([]byte, bool, error)
	Put(data []byte) (hash string, err error)
	Reference(repo string, size int64) error
}

// GitReader is the subset of internal/reposerve.Store the git.* capabilities
// need, already bound to the commit in flight.
type GitReader interface {
	ReadAt(commitID, path string) ([]byte, error)
	DiffNames(old, new string) ([]Change, error)
}

// Change mirrors reposerve.Change without importing reposerve (which would
// pull libgit2 into every sandbox test); internal/hookrun's caller adapts
// reposerve.Change values into this shape.
type Change struct {
	Status byte
	Path   string
}

// PinNotifier is the external content-pinning daemon fs.global.put and the
// Blob Watcher invariant notify (spec.md §4.4). Failures are always
// silent to the hook script; Server only logs them.
type PinNotifier interface {
	Pin(hash string) error
	Unpin(hash string) error
}

// Server exposes one Commit Context's worth of capabilities over a unix
// socket. A new Server is created per hook invocation: it is scoped to
// exactly one (repo, branch, commit transition), which is what makes
// fs.branch/fs.repo path confinement and git.listChanges/readFile
// well-defined without any request-level authentication.
type Server struct {
	Context relay.CommitContext

	BranchDir string // fs.branch confinement root
	RepoDir   string // fs.repo confinement root
	RepoName  string // quota key for fs.global.put (blobtier.Tier.Reference)
	Global    BlobGetPutter
	Git       GitReader
	Index     *indexstore.Store
	BranchKey string // branch_hash, for Index lookups

	// Pinner and IPFS are both optional: a repository with no ipfs.yaml
	// and no configured pin daemon simply never triggers the Blob Watcher.
	Pinner PinNotifier
	IPFS   *IPFSConfig

	Log *log.Logger

	listener net.Listener
}

// Listen opens a unix socket at socketPath (removing any stale socket left
// behind by a prior crashed hook) and starts serving the capability surface
// in the background. Callers must call Close when the hook invocation ends.
func (s *Server) Listen(socketPath string) error {
	_ = os.Remove(socketPath)
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return xerrors.Errorf("listening on sandbox socket %s: %w", socketPath, err)
	}
	s.listener = l
	go func() {
		if err := http.Serve(l, s.mux()); err != nil && !isClosedErr(err) {
			if s.Log != nil {
				s.Log.Printf("sandbox socket %s: %v", socketPath, err)
			}
		}
	}()
	return nil
}

func isClosedErr(err error) bool {
	return strings.Contains(err.Error(), "use of closed network connection")
}

// Close stops serving and removes the socket file.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	addr := s.listener.Addr().String()
	err := s.listener.Close()
	_ = os.Remove(addr)
	return err
}

func errHandlerFunc(h func(w http.ResponseWriter, r *http.Request) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/config/get", errHandlerFunc(s.handleConfigGet))

	mux.Handle("/fs/branch/read", errHandlerFunc(s.fsHandler(s.BranchDir, opRead)))
	mux.Handle("/fs/branch/write", errHandlerFunc(s.fsHandler(s.BranchDir, opWrite)))
	mux.Handle("/fs/branch/exists", errHandlerFunc(s.fsHandler(s.BranchDir, opExists)))
	mux.Handle("/fs/branch/unlink", errHandlerFunc(s.fsHandler(s.BranchDir, opUnlink)))

	mux.Handle("/fs/repo/read", errHandlerFunc(s.fsHandler(s.RepoDir, opRead)))
	mux.Handle("/fs/repo/write", errHandlerFunc(s.fsHandler(s.RepoDir, opWrite)))
	mux.Handle("/fs/repo/exists", errHandlerFunc(s.fsHandler(s.RepoDir, opExists)))

	mux.Handle("/fs/global/get", errHandlerFunc(s.handleGlobalGet))
	mux.Handle("/fs/global/put", errHandlerFunc(s.handleGlobalPut))

	mux.Handle("/db/collection/insert", errHandlerFunc(s.handleInsert))
	mux.Handle("/db/collection/update", errHandlerFunc(s.handleUpdate))
	mux.Handle("/db/collection/remove", errHandlerFunc(s.handleRemove))
	mux.Handle("/db/collection/find", errHandlerFunc(s.handleFind))

	mux.Handle("/git/read_file", errHandlerFunc(s.handleGitReadFile))
	mux.Handle("/git/list_changes", errHandlerFunc(s.handleGitListChanges))
	mux.Handle("/git/verify_signature", errHandlerFunc(s.handleGitVerifySignature))

	mux.Handle("/utils/parse_yaml", errHandlerFunc(s.handleParseYaml))
	mux.Handle("/utils/match_path", errHandlerFunc(s.handleMatchPath))
	mux.Handle("/utils/upsert_index", errHandlerFunc(s.handleUpsertIndex))
	return mux
}

// handleConfigGet implements config.get(key): a field lookup against the
// piped Commit Context.
func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Key string `json:"key"`
	}
	if err := readJSON(r, &req); err != nil {
		return err
	}
	var value interface{}
	switch req.Key {
	case "old_commit":
		value = s.Context.OldCommit
	case "new_commit":
		value = s.Context.NewCommit
	case "refname":
		value = s.Context.Refname
	case "branch":
		value = s.Context.Branch
	case "is_verified":
		value = s.Context.IsVerified
	default:
		value = nil
	}
	return writeJSON(w, map[string]interface{}{"value": value})
}
