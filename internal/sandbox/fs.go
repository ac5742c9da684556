package sandbox

import (
	"encoding/base64"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/xerrors"
)

type fsOp int

const (
	opRead fsOp = iota
	opWrite
	opExists
	opUnlink
)

// confine resolves a sandbox-relative path against root, rejecting any
// attempt to escape it via ".." or an absolute path. spec.md §4.4:
// "path-confined to the branch/repo directory; '..' traversal is
// rejected". filepath.Clean must run on the path BEFORE it is rooted:
// Clean("/../x") silently collapses to "/x" (lexically, a rooted path
// cannot go above "/"), which would make an escape check against the
// cleaned, rooted form always pass. Cleaning the relative path first keeps
// a leading ".." visible.
func confine(root, path string) (string, error) {
	if strings.Contains(path, "\x00") {
		return "", xerrors.New("path contains a NUL byte")
	}
	if filepath.IsAbs(path) {
		return "", xerrors.Errorf("path %q must be relative", path)
	}
	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, "../") || clean == "/" {
		return "", xerrors.Errorf("path %q escapes its confinement root", path)
	}
	return filepath.Join(root, clean), nil
}

func (s *Server) fsHandler(root string, op fsOp) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		var req struct {
			Path string `json:"path"`
			Data string `json:"data"` // base64, for opWrite
		}
		if err := readJSON(r, &req); err != nil {
			return err
		}
		full, err := confine(root, req.Path)
		if err != nil {
			return err
		}

		switch op {
		case opRead:
			data, err := os.ReadFile(full)
			if os.IsNotExist(err) {
				return writeJSON(w, map[string]interface{}{"found": false})
			}
			if err != nil {
				return err
			}
			return writeJSON(w, map[string]interface{}{
				"found": true,
				"data":  base64.StdEncoding.EncodeToString(data),
			})
		case opWrite:
			raw, err := base64.StdEncoding.DecodeString(req.Data)
			if err != nil {
				return xerrors.Errorf("decoding write payload: %w", err)
			}
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(full, raw, 0o644); err != nil {
				return err
			}
			return writeJSON(w, map[string]interface{}{})
		case opExists:
			_, err := os.Stat(full)
			return writeJSON(w, map[string]interface{}{"exists": err == nil})
		case opUnlink:
			err := os.Remove(full)
			if err != nil && !os.IsNotExist(err) {
				return err
			}
			return writeJSON(w, map[string]interface{}{})
		default:
			return xerrors.New("unknown fs operation")
		}
	}
}

func (s *Server) handleGlobalGet(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Hash string `json:"hash"`
	}
	if err := readJSON(r, &req); err != nil {
		return err
	}
	data, found, err := s.Global.Get(req.Hash)
	if err != nil {
		return err
	}
	if !found {
		return writeJSON(w, map[string]interface{}{"found": false})
	}
	return writeJSON(w, map[string]interface{}{
		"found": true,
		"data":  base64.StdEncoding.EncodeToString(data),
	})
}

func (s *Server) handleGlobalPut(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Data string `json:"data"`
	}
	if err := readJSON(r, &req); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return xerrors.Errorf("decoding put payload: %w", err)
	}
	if err := s.Global.Reference(s.RepoName, int64(len(raw))); err != nil {
		return err
	}
	hash, err := s.Global.Put(raw)
	if err != nil {
		return err
	}
	s.notifyPin(hash)
	return writeJSON(w, map[string]interface{}{"hash": hash})
}

// notifyPin calls the configured pin daemon, if any, logging but never
// surfacing failures (spec.md §4.4: "failures there are silent").
func (s *Server) notifyPin(hash string) {
	if s.Pinner == nil {
		return
	}
	if err := s.Pinner.Pin(hash); err != nil && s.Log != nil {
		s.Log.Printf("pin daemon: pinning %s: %v", hash, err)
	}
}

func (s *Server) notifyUnpin(hash string) {
	if s.Pinner == nil {
		return
	}
	if err := s.Pinner.Unpin(hash); err != nil && s.Log != nil {
		s.Log.Printf("pin daemon: unpinning %s: %v", hash, err)
	}
}
