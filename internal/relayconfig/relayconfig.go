// Package relayconfig parses the recognized keys of a repository's
// .relay.yaml (spec.md §6) and the optional ipfs.yaml. Unlike the sandbox's
// deliberately minimal utils.parseYaml (a flat key:value scanner, see
// spec.md §9), these structures are genuinely nested, so they are
// unmarshaled with gopkg.in/yaml.v3.
package relayconfig

import (
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"golang.org/x/xerrors"
)

// RelayYAML is the root of a repository's .relay.yaml.
type RelayYAML struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
	Server      Server `yaml:"server"`
	Git         Git    `yaml:"git"`
	Quota       Quota  `yaml:"quota"`
}

type Server struct {
	Hooks map[string]Hook `yaml:"hooks"`
}

type Hook struct {
	Path string `yaml:"path"`
}

type Git struct {
	BranchRules BranchRules `yaml:"branchRules"`
	AutoPush    AutoPush    `yaml:"autoPush"`
	GitHub      GitHub      `yaml:"github"`
}

type BranchRules struct {
	Default  BranchRule        `yaml:"default"`
	Branches []NamedBranchRule `yaml:"branches"`
}

type NamedBranchRule struct {
	Name string `yaml:"name"`
	BranchRule `yaml:",inline"`
}

type BranchRule struct {
	RequireSigned bool     `yaml:"requireSigned"`
	AllowUnsigned bool     `yaml:"allowUnsigned"`
	AllowedKeys   []string `yaml:"allowedKeys"`
}

type AutoPush struct {
	Branches        []string `yaml:"branches"`
	OriginList      []string `yaml:"originList"`
	DebounceSeconds int      `yaml:"debounceSeconds"`
}

type GitHub struct {
	Enabled bool     `yaml:"enabled"`
	Path    string   `yaml:"path"`
	Events  []string `yaml:"events"`
}

type Quota struct {
	Bytes int64 `yaml:"bytes"`
}

// HookPath returns the configured script path for kind, and whether one is
// configured at all. An absent entry means the hook is a no-op accept
// (spec.md §4.3).
func (c *RelayYAML) HookPath(kind string) (string, bool) {
	if c == nil || c.Server.Hooks == nil {
		return "", false
	}
	h, ok := c.Server.Hooks[kind]
	if !ok || h.Path == "" {
		return "", false
	}
	return h.Path, true
}

// ResolveBranchRule implements spec.md §4.2 step 1: the first entry in
// git.branchRules.branches whose name matches branch wins; otherwise the
// default rule applies. A nil config yields the zero Rule (accept
// unsigned, no requireSigned).
func (c *RelayYAML) ResolveBranchRule(branch string) BranchRule {
	if c == nil {
		return BranchRule{}
	}
	for _, b := range c.Git.BranchRules.Branches {
		if b.Name == branch {
			return b.BranchRule
		}
	}
	return c.Git.BranchRules.Default
}

// Parse unmarshals a .relay.yaml document. An empty document is valid and
// yields the zero value (every hook a no-op, default branch rule accepts
// everything) per spec.md §4.2's "if absent" default.
func Parse(data []byte) (*RelayYAML, error) {
	var c RelayYAML
	if len(data) == 0 {
		return &c, nil
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, xerrors.Errorf("parsing .relay.yaml: %w", err)
	}
	return &c, nil
}

// IPFSYAML is the optional ipfs.yaml the Blob Watcher consults to know
// which document fields to treat as content identifiers (spec.md §4.4,
// §6).
type IPFSYAML struct {
	Collections map[string][]FieldSpec `yaml:"collections"`
}

type FieldSpec struct {
	Field string `yaml:"field"`
	Type  string `yaml:"type,omitempty"`
}

// ParseFlatYAML is the sandbox's deliberately minimal utils.parseYaml
// (spec.md §4.4, §9): a flat `key: value` line scanner, not a real YAML
// parser. The system does not depend on nested structure here — hook
// scripts use it to read simple meta.yaml front-matter files — so this is a
// spec requirement, not a stdlib shortcut around gopkg.in/yaml.v3 (which
// this package uses everywhere a document is genuinely nested). Lines
// without a ':' and lines starting with '#' are ignored; values are
// unquoted and, where they parse as a bool or a number, typed accordingly.
func ParseFlatYAML(data []byte) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		val = strings.Trim(val, `"'`)
		out[key] = parseScalar(val)
	}
	return out, nil
}

func parseScalar(s string) interface{} {
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "":
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// ParseIPFS unmarshals an ipfs.yaml document. A nil/empty document means
// the Blob Watcher has nothing to pin.
func ParseIPFS(data []byte) (*IPFSYAML, error) {
	var c IPFSYAML
	if len(data) == 0 {
		return &c, nil
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, xerrors.Errorf("parsing ipfs.yaml: %w", err)
	}
	return &c, nil
}
