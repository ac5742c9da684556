package httpsurface

import (
	"encoding/json"
	"net/http"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/relaysrv/relay"
	"github.com/relaysrv/relay/internal/indexstore"
)

type queryRequest struct {
	Filter   indexstore.Document `json:"filter"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"pageSize"`
	Sort     []sortField         `json:"sort"`
}

type sortField struct {
	Field string `json:"field"`
	Dir   string `json:"dir"`
}

type queryResponse struct {
	Total    int                   `json:"total"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"pageSize"`
	Items    []indexstore.Document `json:"items"`
}

// collectionFor resolves the QUERY verb's target collection: the request
// path names it (trimmed of its leading slash); when the path is empty the
// "collection" query parameter is used, and failing that "index" — the
// collection utils.upsertIndex populates.
// spec.md §4.7's body shape has no explicit collection field; this is the
// documented interpretation (see DESIGN.md).
func collectionFor(r *http.Request) string {
	if c := trimPath(r.URL.Path); c != "" {
		return c
	}
	if c := r.URL.Query().Get("collection"); c != "" {
		return c
	}
	return "index"
}

// handleQuery implements the QUERY verb (spec.md §4.7): JIT reconciliation
// against the selected branch(es), then a field-equality filter, sort, and
// page/pageSize slice over the branch index's chosen collection. When
// sel.branch == "all", every branch is reconciled and queried concurrently
// and the results are merged before sorting and pagination (spec.md §9's
// resolved open question on branch=all semantics).
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, sel selection) error {
	var req queryRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "decoding query body: "+err.Error(), http.StatusBadRequest)
			return nil
		}
	}
	if req.PageSize <= 0 {
		req.PageSize = 25
	}
	if req.Page < 0 {
		http.Error(w, "page must not be negative", http.StatusBadRequest)
		return nil
	}

	repo, err := s.Relay.Repo(sel.repo)
	if err != nil {
		return err
	}
	collection := collectionFor(r)

	var branches []string
	if sel.all {
		branches, err = repo.Store.Branches(r.Context())
		if err != nil {
			return err
		}
	} else {
		branches = []string{sel.branch}
	}

	results := make([][]indexstore.Document, len(branches))
	eg, egCtx := errgroup.WithContext(r.Context())
	for i, branch := range branches {
		i, branch := i, branch
		eg.Go(func() error {
			if err := s.Relay.Reconcile(egCtx, repo, branch); err != nil {
				return err
			}
			var docs []indexstore.Document
			err := repo.Index.WithDB(relay.BranchHash(branch), func(db *indexstore.DB) error {
				docs = db.Find(collection, req.Filter)
				return nil
			})
			results[i] = docs
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	var all []indexstore.Document
	for _, docs := range results {
		all = append(all, docs...)
	}
	sortDocuments(all, req.Sort)

	total := len(all)
	start := req.Page * req.PageSize
	if start > total {
		start = total
	}
	end := start + req.PageSize
	if end > total {
		end = total
	}
	items := all[start:end]

	resp := queryResponse{Total: total, Page: req.Page, PageSize: req.PageSize, Items: items}
	return writeCompressedJSON(w, r, resp)
}

func sortDocuments(docs []indexstore.Document, fields []sortField) {
	if len(fields) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, f := range fields {
			cmp := compareValues(docs[i][f.Field], docs[j][f.Field])
			if cmp == 0 {
				continue
			}
			if f.Dir == "desc" {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func compareValues(a, b interface{}) int {
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	}
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return 0
}
