package httpsurface

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lpar/gzipped/v2"

	"github.com/relaysrv/relay"
)

// handleRead implements the READ (GET) verb (spec.md §4.7): the static
// directory, if configured, is tried first (out of core scope per spec.md
// §1, but still the first branch of this dispatch); failing that, ref:path
// is read from the Repo Store. A directory path gets a generated markdown
// listing. A path ending in .html/.htm/.js is never served from the repo.
func (s *Server) handleRead(w http.ResponseWriter, r *http.Request, sel selection) error {
	reqPath := strings.TrimPrefix(r.URL.Path, "/")

	if s.StaticDir != "" && s.staticFileExists(reqPath) {
		gzipped.FileServer(http.Dir(s.StaticDir)).ServeHTTP(w, r)
		return nil
	}

	if extOnlyFromStatic(reqPath) {
		return s.serve404(w, sel, reqPath)
	}

	if sel.repo == "" {
		return &relay.NoSuchRepoError{Repo: ""}
	}
	repo, err := s.Relay.Repo(sel.repo)
	if err != nil {
		return err
	}

	if reqPath == "" || strings.HasSuffix(reqPath, "/") {
		return s.serveDirectoryListing(w, repo.Store, sel, strings.TrimSuffix(reqPath, "/"))
	}

	data, err := repo.Store.Read(sel.branch, reqPath)
	if err != nil {
		if _, ok := err.(*relay.NoSuchPathError); ok {
			// A directory without a trailing slash still needs the
			// listing treatment; NoSuchPath from Read is ambiguous
			// between "missing" and "is a directory", so try ListTree.
			if s.isDirectory(repo.Store, sel.branch, reqPath) {
				return s.serveDirectoryListing(w, repo.Store, sel, reqPath)
			}
			return s.serve404(w, sel, reqPath)
		}
		return err
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, writeErr := w.Write(data)
	return writeErr
}

func (s *Server) staticFileExists(reqPath string) bool {
	root := filepath.Clean(s.StaticDir)
	full := filepath.Join(root, filepath.FromSlash(reqPath))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return false
	}
	info, err := os.Stat(full)
	return err == nil && !info.IsDir()
}

type storeLister interface {
	ListTree(ref string) ([]string, error)
}

func (s *Server) isDirectory(store storeLister, branch, reqPath string) bool {
	paths, err := store.ListTree(branch)
	if err != nil {
		return false
	}
	prefix := reqPath + "/"
	for _, p := range paths {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// serveDirectoryListing generates a markdown listing of every immediate
// child of dir in branch's tree (spec.md §4.7: "directory paths return a
// generated markdown listing").
func (s *Server) serveDirectoryListing(w http.ResponseWriter, store storeLister, sel selection, dir string) error {
	paths, err := store.ListTree(sel.branch)
	if err != nil {
		return err
	}
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}
	seen := make(map[string]bool)
	var entries []string
	for _, p := range paths {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rel := strings.TrimPrefix(p, prefix)
		if idx := strings.IndexByte(rel, '/'); idx >= 0 {
			rel = rel[:idx] + "/"
		}
		if !seen[rel] {
			seen[rel] = true
			entries = append(entries, rel)
		}
	}
	sort.Strings(entries)

	var b strings.Builder
	fmt.Fprintf(&b, "# %s/\n\n", strings.TrimSuffix("/"+dir, "/")+"/")
	for _, e := range entries {
		fmt.Fprintf(&b, "- [%s](%s%s)\n", e, prefix, e)
	}
	w.Header().Set("Content-Type", "text/markdown; charset=UTF-8")
	_, werr := w.Write([]byte(b.String()))
	return werr
}

// serve404 implements spec.md §4.7's 404 body preference: site/404.md from
// the selected branch, falling back to a plain message.
func (s *Server) serve404(w http.ResponseWriter, sel selection, reqPath string) error {
	w.Header().Set("Content-Type", "text/html; charset=UTF-8")
	w.WriteHeader(http.StatusNotFound)
	if sel.repo != "" {
		if repo, err := s.Relay.Repo(sel.repo); err == nil {
			if data, err := repo.Store.Read(sel.branch, "site/404.md"); err == nil {
				_, werr := w.Write(data)
				return werr
			}
		}
	}
	_, werr := fmt.Fprintf(w, "<html><body><h1>404 not found</h1><p>%s</p></body></html>", reqPath)
	return werr
}
