package sandbox

import (
	"encoding/base64"
	"net/http"
)

// handleGitReadFile implements git.readFile(path) → bytes | null: the blob
// at new_commit:path, preferring the already-piped files map before falling
// back to the object database (spec.md §4.4).
func (s *Server) handleGitReadFile(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Path string `json:"path"`
	}
	if err := readJSON(r, &req); err != nil {
		return err
	}
	if data, ok := s.Context.Files[req.Path]; ok {
		return writeJSON(w, map[string]interface{}{
			"found": true,
			"data":  base64.StdEncoding.EncodeToString(data),
		})
	}
	data, err := s.Git.ReadAt(s.Context.NewCommit, req.Path)
	if err != nil {
		return writeJSON(w, map[string]interface{}{"found": false})
	}
	return writeJSON(w, map[string]interface{}{
		"found": true,
		"data":  base64.StdEncoding.EncodeToString(data),
	})
}

// handleGitListChanges implements git.listChanges(): diff_names(old, new),
// or when old is the zero commit, the full new tree as additions.
func (s *Server) handleGitListChanges(w http.ResponseWriter, r *http.Request) error {
	changes, err := s.Git.DiffNames(s.Context.OldCommit, s.Context.NewCommit)
	if err != nil {
		return err
	}
	out := make([]map[string]string, len(changes))
	for i, c := range changes {
		out[i] = map[string]string{"status": string(c.Status), "path": c.Path}
	}
	return writeJSON(w, map[string]interface{}{"changes": out})
}

// handleGitVerifySignature implements git.verifySignature(): it returns the
// Policy Engine's precomputed result, never re-verifying inside the
// sandbox (spec.md §4.4: "returns the precomputed is_verified").
func (s *Server) handleGitVerifySignature(w http.ResponseWriter, r *http.Request) error {
	return writeJSON(w, map[string]interface{}{"verified": s.Context.IsVerified})
}
