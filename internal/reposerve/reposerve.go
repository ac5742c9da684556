// Package reposerve is the Repo Store (spec.md §4.1): it opens bare,
// version-controlled repositories and exposes ref-relative reads, tree
// diffing, and tree-replacement commits, with no working tree ever checked
// out.
//
// It is built directly on libgit2 via git2go, the way the example pack's
// git-backup tool is (_examples/navytux-git-backup/internal/git). That
// package's central lesson is reused here: git2go.Object methods like
// OdbObject.Data() and Commit.ParentId() return slices/values that alias
// memory owned by the underlying C object and become invalid the moment
// that object is garbage collected. Every such value is copied out before
// the call returns, and runtime.KeepAlive pins the C-backed wrapper until
// after the copy, so callers outside this package never have to reason
// about that lifetime.
package reposerve

import (
	"context"
	"path"
	"runtime"
	"sort"
	"strings"
	"sync"

	git2go "github.com/libgit2/git2go/v31"
	"golang.org/x/xerrors"

	"github.com/relaysrv/relay"
)

// ChangeStatus is one of the three kinds of tree difference spec.md §4.1
// defines.
type ChangeStatus byte

const (
	Added ChangeStatus = 'A'
	Modified ChangeStatus = 'M'
	Deleted ChangeStatus = 'D'
)

// Change describes one path's difference between two trees.
type Change struct {
	Status ChangeStatus
	Path   string
}

// FileChange is a caller-supplied tree mutation: either full-content
// replacement (Delete == false) or removal (Delete == true).
type FileChange struct {
	Path    string
	Delete  bool
	Content []byte
}

// Author is a commit's author/committer identity.
type Author struct {
	Name  string
	Email string
}

// Store opens and serializes access to one bare repository.
type Store struct {
	repo *git2go.Repository
	path string

	// refLocks linearizes commit() calls per ref, matching spec.md §5's
	// "writes are linearized by the ref-advance operation" guarantee.
	mu       sync.Mutex
	refLocks map[string]*sync.Mutex
}

// Open opens the bare repository at path.
func Open(path string) (*Store, error) {
	repo, err := git2go.OpenRepository(path)
	if err != nil {
		return nil, &relay.CorruptError{Repo: path, Err: err}
	}
	return &Store{repo: repo, path: path, refLocks: make(map[string]*sync.Mutex)}, nil
}

func (s *Store) Close() error {
	s.repo.Free()
	return nil
}

func refname(ref string) string {
	if strings.HasPrefix(ref, "refs/") {
		return ref
	}
	return "refs/heads/" + ref
}

func shortName(ref string) string {
	return strings.TrimPrefix(ref, "refs/heads/")
}

// Head resolves ref to the commit it currently points at.
func (s *Store) Head(ref string) (commitID string, err error) {
	gref, err := s.repo.References.Lookup(refname(ref))
	if err != nil {
		return "", &relay.NoSuchRefError{Ref: ref}
	}
	defer gref.Free()
	id := gref.Target()
	idCopy := id.String()
	runtime.KeepAlive(gref)
	return idCopy, nil
}

// Branches lists every local branch's short name, sorted. Used by the HTTP
// Surface's DISCOVER verb to enumerate a repository's branches (spec.md
// §4.7).
func (s *Store) Branches(ctx context.Context) ([]string, error) {
	iter, err := s.repo.NewReferenceIteratorGlob("refs/heads/*")
	if err != nil {
		return nil, xerrors.Errorf("listing branches: %w", err)
	}
	var names []string
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ref, err := iter.Next()
		if err != nil {
			break // iterator exhausted
		}
		names = append(names, shortName(ref.Name()))
		ref.Free()
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) lookupCommit(commitID string) (*git2go.Commit, error) {
	oid, err := git2go.NewOid(commitID)
	if err != nil {
		return nil, xerrors.Errorf("malformed commit id %q: %w", commitID, err)
	}
	c, err := s.repo.LookupCommit(oid)
	if err != nil {
		return nil, xerrors.Errorf("looking up commit %s: %w", commitID, err)
	}
	return c, nil
}

// Parents returns commitID's parent commit ids, satisfying
// reconcile.CommitLister. A root commit returns an empty, non-nil slice.
func (s *Store) Parents(commitID string) ([]string, error) {
	c, err := s.lookupCommit(commitID)
	if err != nil {
		return nil, err
	}
	defer c.Free()
	n := int(c.ParentCount())
	parents := make([]string, 0, n)
	for i := uint(0); i < uint(n); i++ {
		id := c.ParentId(i)
		if id == nil {
			continue
		}
		parents = append(parents, id.String())
	}
	runtime.KeepAlive(c)
	return parents, nil
}

// Signature extracts commitID's detached signature (the "gpgsig" commit
// header, if any) and the exact byte sequence that was signed: the raw
// commit object with that header removed, which is what git itself hashes
// when verifying a commit signature. Returns ("", nil, nil) for an
// unsigned commit.
func (s *Store) Signature(commitID string) (armored string, signedPayload []byte, err error) {
	oid, err := git2go.NewOid(commitID)
	if err != nil {
		return "", nil, xerrors.Errorf("malformed commit id %q: %w", commitID, err)
	}
	odb, err := s.repo.Odb()
	if err != nil {
		return "", nil, xerrors.Errorf("odb: %w", err)
	}
	defer odb.Free()
	obj, err := odb.Read(oid)
	if err != nil {
		return "", nil, xerrors.Errorf("reading commit object %s: %w", commitID, err)
	}
	defer obj.Free()
	raw := make([]byte, len(obj.Data()))
	copy(raw, obj.Data())
	runtime.KeepAlive(obj)

	sig, payload := extractGpgsig(raw)
	return sig, payload, nil
}

// extractGpgsig splits a raw commit object into its "gpgsig" header value
// (unescaped, a leading space continuation per line per the git commit
// object grammar) and the payload with that header line range removed.
func extractGpgsig(raw []byte) (sig string, payload []byte) {
	lines := strings.Split(string(raw), "\n")
	var sigLines []string
	var kept []string
	inSig := false
	for _, line := range lines {
		switch {
		case inSig && strings.HasPrefix(line, " "):
			sigLines = append(sigLines, strings.TrimPrefix(line, " "))
			continue
		case inSig:
			inSig = false
		}
		if !inSig && strings.HasPrefix(line, "gpgsig ") {
			inSig = true
			sigLines = append(sigLines, strings.TrimPrefix(line, "gpgsig "))
			continue
		}
		kept = append(kept, line)
	}
	if len(sigLines) == 0 {
		return "", raw
	}
	return strings.Join(sigLines, "\n"), []byte(strings.Join(kept, "\n"))
}

// Read resolves ref:path to its blob content.
func (s *Store) Read(ref, p string) ([]byte, error) {
	commitID, err := s.Head(ref)
	if err != nil {
		return nil, err
	}
	return s.ReadAt(commitID, p)
}

// ReadAt resolves commitID:path directly, bypassing ref resolution; used by
// the JIT Reconciler and sandbox git.readFile, both of which already know
// the exact commit they want.
func (s *Store) ReadAt(commitID, p string) ([]byte, error) {
	commit, err := s.lookupCommit(commitID)
	if err != nil {
		return nil, err
	}
	defer commit.Free()
	tree, err := commit.Tree()
	if err != nil {
		return nil, xerrors.Errorf("tree of %s: %w", commitID, err)
	}
	defer tree.Free()
	entry, err := tree.EntryByPath(p)
	if err != nil {
		return nil, &relay.NoSuchPathError{Ref: commitID, Path: p}
	}
	odb, err := s.repo.Odb()
	if err != nil {
		return nil, xerrors.Errorf("odb: %w", err)
	}
	defer odb.Free()
	obj, err := odb.Read(entry.Id)
	if err != nil {
		return nil, &relay.NoSuchPathError{Ref: commitID, Path: p}
	}
	defer obj.Free()
	data := make([]byte, len(obj.Data()))
	copy(data, obj.Data())
	runtime.KeepAlive(obj)
	return data, nil
}

// ListTree lists every blob path reachable from ref's tree.
func (s *Store) ListTree(ref string) ([]string, error) {
	commitID, err := s.Head(ref)
	if err != nil {
		return nil, err
	}
	commit, err := s.lookupCommit(commitID)
	if err != nil {
		return nil, err
	}
	defer commit.Free()
	tree, err := commit.Tree()
	if err != nil {
		return nil, err
	}
	defer tree.Free()

	var paths []string
	err = tree.Walk(func(root string, entry *git2go.TreeEntry) int {
		if entry.Type != git2go.ObjectBlob {
			return 0
		}
		paths = append(paths, path.Join(root, entry.Name))
		return 0
	})
	if err != nil {
		return nil, xerrors.Errorf("walking tree: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// DiffNames implements spec.md §4.1's diff_names: old == relay.ZeroCommit
// means "every path in new is an addition".
func (s *Store) DiffNames(old, new string) ([]Change, error) {
	newCommit, err := s.lookupCommit(new)
	if err != nil {
		return nil, err
	}
	defer newCommit.Free()
	newTree, err := newCommit.Tree()
	if err != nil {
		return nil, err
	}
	defer newTree.Free()

	if old == relay.ZeroCommit || old == "" {
		var changes []Change
		err = newTree.Walk(func(root string, entry *git2go.TreeEntry) int {
			if entry.Type != git2go.ObjectBlob {
				return 0
			}
			changes = append(changes, Change{Status: Added, Path: path.Join(root, entry.Name)})
			return 0
		})
		if err != nil {
			return nil, err
		}
		return changes, nil
	}

	oldCommit, err := s.lookupCommit(old)
	if err != nil {
		return nil, err
	}
	defer oldCommit.Free()
	oldTree, err := oldCommit.Tree()
	if err != nil {
		return nil, err
	}
	defer oldTree.Free()

	diff, err := s.repo.DiffTreeToTree(oldTree, newTree, &git2go.DiffOptions{})
	if err != nil {
		return nil, xerrors.Errorf("diffing %s..%s: %w", old, new, err)
	}
	defer diff.Free()

	numDeltas, err := diff.NumDeltas()
	if err != nil {
		return nil, err
	}
	changes := make([]Change, 0, numDeltas)
	for i := 0; i < numDeltas; i++ {
		delta, err := diff.Delta(i)
		if err != nil {
			return nil, err
		}
		var st ChangeStatus
		var p string
		switch delta.Status {
		case git2go.DeltaAdded:
			st, p = Added, delta.NewFile.Path
		case git2go.DeltaDeleted:
			st, p = Deleted, delta.OldFile.Path
		default:
			st, p = Modified, delta.NewFile.Path
		}
		changes = append(changes, Change{Status: st, Path: p})
	}
	return changes, nil
}

func (s *Store) lockRef(ref string) func() {
	s.mu.Lock()
	l, ok := s.refLocks[ref]
	if !ok {
		l = &sync.Mutex{}
		s.refLocks[ref] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Commit replaces/deletes the given paths atop base (the commit the caller
// last observed as ref's head) and advances ref to the new commit. If ref
// has moved since base, Commit returns a *relay.ConflictError and leaves
// ref untouched (spec.md §5, §7).
func (s *Store) Commit(ref string, base string, author Author, message string, changes []FileChange) (newCommitID string, err error) {
	full := refname(ref)
	unlock := s.lockRef(full)
	defer unlock()

	currentID, headErr := s.Head(ref)
	refExists := headErr == nil
	if base == "" {
		base = relay.ZeroCommit
	}
	if refExists && currentID != base {
		return "", &relay.ConflictError{Ref: ref, Expected: base, Actual: currentID}
	}
	if !refExists && base != relay.ZeroCommit {
		return "", &relay.ConflictError{Ref: ref, Expected: base, Actual: relay.ZeroCommit}
	}

	var baseTree *git2go.Tree
	var parents []*git2go.Commit
	if refExists {
		parentCommit, err := s.lookupCommit(currentID)
		if err != nil {
			return "", err
		}
		defer parentCommit.Free()
		parents = append(parents, parentCommit)
		baseTree, err = parentCommit.Tree()
		if err != nil {
			return "", err
		}
		defer baseTree.Free()
	}

	newTreeOid, err := s.applyChanges(baseTree, "", changes)
	if err != nil {
		return "", err
	}
	newTree, err := s.repo.LookupTree(newTreeOid)
	if err != nil {
		return "", xerrors.Errorf("looking up new tree: %w", err)
	}
	defer newTree.Free()

	sig := &git2go.Signature{Name: author.Name, Email: author.Email}
	oid, err := s.repo.CreateCommit(full, sig, sig, message, newTree, parents...)
	if err != nil {
		return "", xerrors.Errorf("creating commit on %s: %w", ref, err)
	}
	return oid.String(), nil
}

// applyChanges builds (or rebuilds) the tree rooted at dir, returning the
// new tree's oid. base is the existing tree at this level, or nil if dir
// does not yet exist.
func (s *Store) applyChanges(base *git2go.Tree, dir string, changes []FileChange) (*git2go.Oid, error) {
	var tb *git2go.TreeBuilder
	var err error
	if base != nil {
		tb, err = s.repo.TreeBuilderFromTree(base)
	} else {
		tb, err = s.repo.TreeBuilder()
	}
	if err != nil {
		return nil, xerrors.Errorf("tree builder for %q: %w", dir, err)
	}
	defer tb.Free()

	direct := map[string]FileChange{}
	nested := map[string][]FileChange{}
	for _, c := range changes {
		// c.Path already arrives relative to dir: the top-level call gets
		// root-relative paths with dir == "", and every recursive call's
		// changes were re-rooted by renamed() before being passed in. Do
		// not re-strip dir here — dir is the accumulated path from the
		// root, not a prefix of c.Path, so a literal TrimPrefix against it
		// corrupts any leaf name that happens to share dir's characters
		// (e.g. dir "a" against sibling path "abar.txt").
		rel := c.Path
		if idx := strings.IndexByte(rel, '/'); idx >= 0 {
			sub := rel[:idx]
			cc := c
			cc.Path = rel
			nested[sub] = append(nested[sub], cc)
		} else {
			direct[rel] = c
		}
	}

	for name, c := range direct {
		if c.Delete {
			tb.Remove(name) // no-op if absent
			continue
		}
		oid, err := s.repo.CreateBlobFromBuffer(c.Content)
		if err != nil {
			return nil, xerrors.Errorf("writing blob %q: %w", c.Path, err)
		}
		if err := tb.Insert(name, oid, git2go.FilemodeBlob); err != nil {
			return nil, xerrors.Errorf("inserting %q: %w", c.Path, err)
		}
	}

	for sub, subChanges := range nested {
		var subBase *git2go.Tree
		if base != nil {
			if entry := base.EntryByName(sub); entry != nil && entry.Type == git2go.ObjectTree {
				t, err := s.repo.LookupTree(entry.Id)
				if err != nil {
					return nil, err
				}
				defer t.Free()
				subBase = t
			}
		}
		subOid, err := s.applyChanges(subBase, path.Join(dir, sub), renamed(subChanges, sub))
		if err != nil {
			return nil, err
		}
		subTree, err := s.repo.LookupTree(subOid)
		if err != nil {
			return nil, err
		}
		defer subTree.Free()
		if subTree.EntryCount() == 0 {
			tb.Remove(sub)
			continue
		}
		if err := tb.Insert(sub, subOid, git2go.FilemodeTree); err != nil {
			return nil, xerrors.Errorf("inserting subtree %q: %w", sub, err)
		}
	}

	return tb.Write()
}

// renamed re-roots each change's Path so the recursive applyChanges call
// sees paths relative to the subdirectory it is building, not the parent.
func renamed(changes []FileChange, sub string) []FileChange {
	out := make([]FileChange, len(changes))
	for i, c := range changes {
		out[i] = c
		out[i].Path = strings.TrimPrefix(c.Path, sub+"/")
	}
	return out
}
