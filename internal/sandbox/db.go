package sandbox

import (
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/relaysrv/relay/internal/indexstore"
	"github.com/relaysrv/relay/internal/relayconfig"
)

// IPFSConfig mirrors relayconfig.IPFSYAML in the shape the Blob Watcher
// uses; the caller wiring a Server converts one into the other (via
// FromRelayConfig) once per hook invocation.
type IPFSConfig struct {
	Collections map[string][]FieldSpec
}

type FieldSpec struct {
	Field string
	Type  string
}

// FromRelayConfig adapts a parsed ipfs.yaml into the shape Server uses.
func FromRelayConfig(c *relayconfig.IPFSYAML) *IPFSConfig {
	if c == nil || len(c.Collections) == 0 {
		return nil
	}
	out := &IPFSConfig{Collections: make(map[string][]FieldSpec, len(c.Collections))}
	for name, fields := range c.Collections {
		for _, f := range fields {
			out.Collections[name] = append(out.Collections[name], FieldSpec{Field: f.Field, Type: f.Type})
		}
	}
	return out
}

// looksLikeCID reports whether s has one of the common content-identifier
// prefixes the Blob Watcher recognizes (spec.md §4.4: "common prefixes Qm,
// ba").
func looksLikeCID(s string) bool {
	return strings.HasPrefix(s, "Qm") || strings.HasPrefix(s, "ba")
}

// watch implements the Blob Watcher invariant: after any collection
// mutation that writes a document, pin every ipfs.yaml-referenced,
// CID-shaped field value the mutation touched.
func (s *Server) watch(collection string, docs []indexstore.Document) {
	if s.IPFS == nil {
		return
	}
	fields, ok := s.IPFS.Collections[collection]
	if !ok {
		return
	}
	for _, doc := range docs {
		for _, f := range fields {
			v, ok := doc[f.Field].(string)
			if !ok || !looksLikeCID(v) {
				continue
			}
			s.notifyPin(v)
		}
	}
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Collection string              `json:"collection"`
		Doc        indexstore.Document `json:"doc"`
	}
	if err := readJSON(r, &req); err != nil {
		return err
	}
	var inserted indexstore.Document
	err := s.Index.WithDB(s.BranchKey, func(db *indexstore.DB) error {
		inserted = db.Insert(req.Collection, req.Doc)
		return nil
	})
	if err != nil {
		return err
	}
	s.watch(req.Collection, []indexstore.Document{inserted})
	return writeJSON(w, map[string]interface{}{"doc": inserted})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Collection string              `json:"collection"`
		Query      indexstore.Document `json:"query"`
		Patch      indexstore.Document `json:"patch"`
	}
	if err := readJSON(r, &req); err != nil {
		return err
	}
	var count int
	var touched []indexstore.Document
	err := s.Index.WithDB(s.BranchKey, func(db *indexstore.DB) error {
		// Capture matches before mutating: since indexstore.Document is a
		// map (a reference type), db.Update's in-place field merge is
		// visible through these same slice entries afterward.
		touched = db.Find(req.Collection, req.Query)
		count = db.Update(req.Collection, req.Query, req.Patch)
		return nil
	})
	if err != nil {
		return err
	}
	s.watch(req.Collection, touched)
	return writeJSON(w, map[string]interface{}{"count": count})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Collection string              `json:"collection"`
		Query      indexstore.Document `json:"query"`
	}
	if err := readJSON(r, &req); err != nil {
		return err
	}
	var count int
	err := s.Index.WithDB(s.BranchKey, func(db *indexstore.DB) error {
		count = db.Remove(req.Collection, req.Query)
		return nil
	})
	if err != nil {
		return err
	}
	return writeJSON(w, map[string]interface{}{"count": count})
}

func (s *Server) handleFind(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Collection string              `json:"collection"`
		Query      indexstore.Document `json:"query"`
	}
	if err := readJSON(r, &req); err != nil {
		return err
	}
	var docs []indexstore.Document
	err := s.Index.WithDB(s.BranchKey, func(db *indexstore.DB) error {
		docs = db.Find(req.Collection, req.Query)
		return nil
	})
	if err != nil {
		return err
	}
	return writeJSON(w, map[string]interface{}{"docs": docs})
}

// handleUpsertIndex implements utils.upsertIndex(changes, readFileFn,
// branch): for each change whose path ends with meta.yaml/meta.yml, remove
// prior entries for that directory and insert a fresh one parsed from the
// new file (spec.md §4.4). It uses the server's own git.readFile-equivalent
// (s.Git.ReadAt bound to new_commit) rather than taking a callback, since
// the capability protocol has no way to call back into the interpreter.
func (s *Server) handleUpsertIndex(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Changes []struct {
			Status string `json:"status"`
			Path   string `json:"path"`
		} `json:"changes"`
	}
	if err := readJSON(r, &req); err != nil {
		return err
	}

	err := s.Index.WithDB(s.BranchKey, func(db *indexstore.DB) error {
		for _, c := range req.Changes {
			base := path.Base(c.Path)
			if base != "meta.yaml" && base != "meta.yml" {
				continue
			}
			dir := path.Dir(c.Path)
			db.Remove("index", indexstore.Document{"_meta_dir": dir})
			if c.Status == "D" {
				continue
			}
			data, err := s.Git.ReadAt(s.Context.NewCommit, c.Path)
			if err != nil {
				continue // deleted-by-the-time-we-looked, or unreadable: skip
			}
			meta, err := relayconfig.ParseFlatYAML(data)
			if err != nil {
				continue
			}
			doc := make(indexstore.Document, len(meta)+3)
			for k, v := range meta {
				doc[k] = v
			}
			doc["_branch"] = s.Context.Branch
			doc["_meta_dir"] = dir
			doc["_updated_at"] = time.Now().UTC().Format(time.RFC3339)
			db.Insert("index", doc)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return writeJSON(w, map[string]interface{}{})
}
