// Package blobtier implements the Global Blob Tier (spec.md glossary §4):
// a content-addressed store at <server-root>/global_blobs/<sha256-hex>,
// with put/get semantics and a per-repository byte quota.
package blobtier

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio"
	"github.com/orcaman/writerseeker"
	"golang.org/x/exp/mmap"
	"golang.org/x/xerrors"

	"github.com/relaysrv/relay"
)

// Tier is the global, content-addressed blob store shared by every
// repository on this server.
type Tier struct {
	root string // server-root/global_blobs

	mu     sync.Mutex
	quotas map[string]int64 // repo name -> configured byte budget
	usage  map[string]int64 // repo name -> bytes currently referenced
}

// New returns a Tier rooted at root. The directory is not created here;
// Put creates it on first write.
func New(root string) *Tier {
	return &Tier{root: root, quotas: make(map[string]int64), usage: make(map[string]int64)}
}

func (t *Tier) path(hash string) string {
	return filepath.Join(t.root, hash)
}

// Get returns the blob stored under hash, if any. Reads use
// golang.org/x/exp/mmap so a large blob is paged in on demand rather than
// copied wholesale into the process's heap.
func (t *Tier) Get(hash string) ([]byte, bool, error) {
	r, err := mmap.Open(t.path(hash))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Errorf("opening blob %s: %w", hash, err)
	}
	defer r.Close()
	data := make([]byte, r.Len())
	if _, err := r.ReadAt(data, 0); err != nil && err != io.EOF {
		return nil, false, xerrors.Errorf("reading blob %s: %w", hash, err)
	}
	return data, true, nil
}

// Put idempotently stores data, returning hex(sha256(data)). The content is
// first staged into an in-memory writerseeker.WriterSeeker while its hash
// is computed (the final path is not known until the hash is), then copied
// into place via renameio's atomic-replace temp file, the same write
// discipline internal/indexstore uses for the document database.
func (t *Tier) Put(data []byte) (string, error) {
	scratch := &writerseeker.WriterSeeker{}
	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(scratch, hasher), bytes.NewReader(data)); err != nil {
		return "", xerrors.Errorf("staging blob: %w", err)
	}
	hash := hex.EncodeToString(hasher.Sum(nil))
	dest := t.path(hash)

	if _, err := os.Stat(dest); err == nil {
		return hash, nil // idempotent: already stored
	}

	if err := os.MkdirAll(t.root, 0o755); err != nil {
		return "", xerrors.Errorf("creating global blob dir: %w", err)
	}
	f, err := renameio.TempFile("", dest)
	if err != nil {
		return "", xerrors.Errorf("creating temp file for blob %s: %w", hash, err)
	}
	defer f.Cleanup()
	if _, err := io.Copy(f, scratch.Reader()); err != nil {
		return "", xerrors.Errorf("writing blob %s: %w", hash, err)
	}
	if err := f.CloseAtomicallyReplace(); err != nil {
		return "", xerrors.Errorf("replacing blob %s: %w", hash, err)
	}
	return hash, nil
}

// SetQuota configures repo's byte budget (0 means unlimited).
func (t *Tier) SetQuota(repo string, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.quotas[repo] = bytes
}

// Reference charges size bytes against repo's quota the first time repo
// references a given blob (spec.md glossary: "the same blob counts once
// per repo that references it"); callers are expected to only call this
// once per (repo, hash) pair, tracked by the caller (typically the Branch
// Index Store recording which blobs a document references).
func (t *Tier) Reference(repo string, size int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	quota, limited := t.quotas[repo]
	if !limited || quota == 0 {
		t.usage[repo] += size
		return nil
	}
	if t.usage[repo]+size > quota {
		return &relay.QuotaExceededError{Repo: repo, Quota: quota, Current: t.usage[repo]}
	}
	t.usage[repo] += size
	return nil
}

// Release credits size bytes back to repo's quota usage (administrative
// blob dereference).
func (t *Tier) Release(repo string, size int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage[repo] -= size
	if t.usage[repo] < 0 {
		t.usage[repo] = 0
	}
}
