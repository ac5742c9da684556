package sandbox

import (
	"encoding/base64"
	"net/http"

	"golang.org/x/xerrors"

	"github.com/relaysrv/relay/internal/globmatch"
	"github.com/relaysrv/relay/internal/relayconfig"
)

// handleParseYaml implements utils.parseYaml(bytes) → object, the
// deliberately minimal flat key:value scanner (spec.md §4.4, §9;
// relayconfig.ParseFlatYAML carries the "why not yaml.v3 here" note).
func (s *Server) handleParseYaml(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Data string `json:"data"` // base64, matching every other byte-carrying field
	}
	if err := readJSON(r, &req); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return xerrors.Errorf("decoding parseYaml payload: %w", err)
	}
	obj, err := relayconfig.ParseFlatYAML(raw)
	if err != nil {
		return err
	}
	return writeJSON(w, map[string]interface{}{"object": obj})
}

// handleMatchPath implements utils.matchPath(pattern, path) → bool, the
// same glob language as the Policy Engine's allowedKeys (spec.md §4.2,
// §4.4).
func (s *Server) handleMatchPath(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := readJSON(r, &req); err != nil {
		return err
	}
	return writeJSON(w, map[string]interface{}{"match": globmatch.Match(req.Pattern, req.Path)})
}
