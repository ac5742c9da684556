package httpsurface

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/relaysrv/relay"
	"github.com/relaysrv/relay/internal/relayserver"
)

// handleWrite implements both the WRITE (PUT) and DELETE verbs (spec.md
// §4.7) — they share every step except the change kind.
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request, sel selection, isDelete bool) error {
	if sel.repo == "" {
		return &relay.NoSuchRepoError{Repo: ""}
	}
	path := trimPath(r.URL.Path)
	if path == "" {
		http.Error(w, "a file path is required", http.StatusBadRequest)
		return nil
	}

	var content []byte
	if !isDelete {
		var err error
		content, err = io.ReadAll(io.LimitReader(r.Body, 64<<20))
		if err != nil {
			http.Error(w, "reading request body: "+err.Error(), http.StatusBadRequest)
			return nil
		}
	}

	author := relayserver.AuthorFromRequest(r)
	opts := relayserver.WriteOptions{
		Delete:        isDelete,
		Author:        author,
		Signature:     r.Header.Get("X-Relay-Signature"),
		SignedPayload: content,
	}
	message := r.Header.Get("X-Relay-Message")
	if message == "" {
		if isDelete {
			message = "delete " + path
		} else {
			message = "write " + path
		}
	}

	newCommit, err := s.Relay.Write(r.Context(), sel.repo, sel.branch, path, content, message, opts)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(map[string]string{"commit": newCommit})
}

func trimPath(p string) string {
	for len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	return p
}
