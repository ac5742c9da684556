package httpsurface

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/klauspost/pgzip"
)

// writeCompressedJSON encodes v as the response body, compressing with
// pgzip when the client advertises gzip support (SPEC_FULL.md's DOMAIN
// STACK: QUERY and DISCOVER responses can grow large over a big index, so
// both use parallel gzip rather than the single-threaded compress/gzip).
func writeCompressedJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")

	if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		return json.NewEncoder(w).Encode(v)
	}

	w.Header().Set("Content-Encoding", "gzip")
	gz := pgzip.NewWriter(w)
	if err := json.NewEncoder(gz).Encode(v); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}
