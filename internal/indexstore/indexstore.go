// Package indexstore is the Branch Index Store (spec.md §4.5): a per-branch
// JSON document database, loaded on demand and persisted by atomic replace.
package indexstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// Document is one stored record. Fields beyond _id are caller-defined.
type Document = map[string]interface{}

// DB is the on-disk shape described in spec.md's glossary.
type DB struct {
	Metadata    Metadata              `json:"metadata"`
	Collections map[string][]Document `json:"collections"`

	nextID int64 // process-local monotonic counter, see DESIGN.md Open Questions
}

type Metadata struct {
	IndexedHead *string `json:"indexed_head"`
}

func newDB() *DB {
	return &DB{Collections: make(map[string][]Document)}
}

// Store opens and serializes access to every branch index under one
// repository's .relay_data/branches/ tree.
type Store struct {
	repoPath string // absolute path to .relay_data/branches

	mu    sync.Mutex
	locks map[string]*sync.Mutex // keyed by branch_hash
}

// New returns a Store rooted at branchesDir (conventionally
// relay.Repository.DataDir()/branches).
func New(branchesDir string) *Store {
	return &Store{repoPath: branchesDir, locks: make(map[string]*sync.Mutex)}
}

func (s *Store) lockFor(branchHash string) func() {
	s.mu.Lock()
	l, ok := s.locks[branchHash]
	if !ok {
		l = &sync.Mutex{}
		s.locks[branchHash] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (s *Store) dbPath(branchHash string) string {
	return filepath.Join(s.repoPath, branchHash, "index.db")
}

func (s *Store) load(branchHash string) (*DB, error) {
	data, err := os.ReadFile(s.dbPath(branchHash))
	if os.IsNotExist(err) {
		return newDB(), nil
	}
	if err != nil {
		return nil, xerrors.Errorf("reading index db for %s: %w", branchHash, err)
	}
	var db DB
	if err := json.Unmarshal(data, &db); err != nil {
		return nil, xerrors.Errorf("parsing index db for %s: %w", branchHash, err)
	}
	if db.Collections == nil {
		db.Collections = make(map[string][]Document)
	}
	for _, docs := range db.Collections {
		for _, d := range docs {
			if id, ok := d["_id"].(float64); ok && int64(id) >= db.nextID {
				db.nextID = int64(id) + 1
			}
		}
	}
	return &db, nil
}

func (s *Store) save(branchHash string, db *DB) error {
	path := s.dbPath(branchHash)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return xerrors.Errorf("creating branch data dir: %w", err)
	}
	data, err := json.Marshal(db)
	if err != nil {
		return xerrors.Errorf("marshaling index db: %w", err)
	}
	f, err := renameio.TempFile("", path)
	if err != nil {
		return xerrors.Errorf("creating temp file for atomic replace: %w", err)
	}
	defer f.Cleanup()
	if _, err := f.Write(data); err != nil {
		return xerrors.Errorf("writing index db: %w", err)
	}
	if err := f.CloseAtomicallyReplace(); err != nil {
		return xerrors.Errorf("replacing index db: %w", err)
	}
	return nil
}

// WithDB loads branchHash's DB, runs fn against it, and persists the result
// via atomic replace if fn returns without error. The whole operation is
// serialized per branch_hash within this process; the rename itself gives
// readers in other processes a consistent view (spec.md §4.5).
func (s *Store) WithDB(branchHash string, fn func(db *DB) error) error {
	unlock := s.lockFor(branchHash)
	defer unlock()

	db, err := s.load(branchHash)
	if err != nil {
		return err
	}
	if err := fn(db); err != nil {
		return err
	}
	return s.save(branchHash, db)
}

// IndexedHead reads metadata.indexed_head without holding the branch's lock
// for the duration of a caller's larger operation (the JIT Reconciler calls
// this before deciding whether reconciliation is needed at all).
func (s *Store) IndexedHead(branchHash string) (string, error) {
	unlock := s.lockFor(branchHash)
	defer unlock()
	db, err := s.load(branchHash)
	if err != nil {
		return "", err
	}
	if db.Metadata.IndexedHead == nil {
		return "", nil
	}
	return *db.Metadata.IndexedHead, nil
}

// SetIndexedHead persists metadata.indexed_head = commit, re-using WithDB's
// atomic-replace/locking machinery.
func (s *Store) SetIndexedHead(branchHash, commit string) error {
	return s.WithDB(branchHash, func(db *DB) error {
		c := commit
		db.Metadata.IndexedHead = &c
		return nil
	})
}

// Insert stamps doc with a fresh _id and appends it to collection.
func (db *DB) Insert(collection string, doc Document) Document {
	id := db.nextID
	db.nextID++
	out := make(Document, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	out["_id"] = id
	db.Collections[collection] = append(db.Collections[collection], out)
	return out
}

// Update shallow-merges patch into every document in collection matching
// query (field-equality), returning the number matched.
func (db *DB) Update(collection string, query, patch Document) int {
	docs := db.Collections[collection]
	count := 0
	for _, d := range docs {
		if matches(d, query) {
			for k, v := range patch {
				d[k] = v
			}
			count++
		}
	}
	return count
}

// Remove deletes every document in collection matching query, returning the
// number removed.
func (db *DB) Remove(collection string, query Document) int {
	docs := db.Collections[collection]
	kept := docs[:0]
	count := 0
	for _, d := range docs {
		if matches(d, query) {
			count++
			continue
		}
		kept = append(kept, d)
	}
	db.Collections[collection] = kept
	return count
}

// Find returns every document in collection matching query.
func (db *DB) Find(collection string, query Document) []Document {
	var out []Document
	for _, d := range db.Collections[collection] {
		if matches(d, query) {
			out = append(out, d)
		}
	}
	return out
}

func matches(doc, query Document) bool {
	for k, v := range query {
		if doc[k] != v {
			return false
		}
	}
	return true
}
