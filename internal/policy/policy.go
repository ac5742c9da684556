// Package policy is the Policy Engine (spec.md §4.2): it resolves a
// branch's protection rule from .relay.yaml and decides, natively and
// before any hook script runs, whether a would-be commit may proceed.
package policy

import (
	"github.com/relaysrv/relay/internal/globmatch"
	"github.com/relaysrv/relay/internal/relayconfig"
)

// Decision is the Policy Engine's verdict on one write.
type Decision struct {
	Accept bool
	Reason string

	// IsVerified is forwarded into the commit context's is_verified, which
	// the Sandbox API's git.verifySignature() returns. SigningKeyPath names
	// the allowedKeys file that verified the signature; it is not forwarded
	// into the commit context.
	IsVerified     bool
	SigningKeyPath string
}

// ListFunc lists every path present in the would-be tree (reposerve.ListTree
// bound to the candidate commit).
type ListFunc func() ([]string, error)

// LookupFunc resolves a repo-root-relative path to its blob content
// (reposerve.Read/ReadAt bound to the candidate commit).
type LookupFunc func(path string) ([]byte, error)

// Evaluate implements spec.md §4.2 steps 2-3. signature is the commit's raw
// signature block (empty if the commit is unsigned); signedPayload is the
// exact byte sequence that was signed (the commit object with its gpgsig
// header stripped).
func Evaluate(rule relayconfig.BranchRule, signature string, signedPayload []byte, list ListFunc, lookup LookupFunc) (Decision, error) {
	if rule.AllowUnsigned {
		return Decision{Accept: true, Reason: "allowUnsigned"}, nil
	}
	if !rule.RequireSigned {
		return Decision{Accept: true}, nil
	}
	if signature == "" {
		return Decision{Accept: false, Reason: "requireSigned: commit carries no signature"}, nil
	}

	paths, err := list()
	if err != nil {
		return Decision{}, err
	}
	var candidates []string
	for _, p := range paths {
		for _, glob := range rule.AllowedKeys {
			if globmatch.Match(glob, p) {
				candidates = append(candidates, p)
				break
			}
		}
	}

	for _, p := range candidates {
		keyData, err := lookup(p)
		if err != nil {
			continue // unreadable candidate key, try the next
		}
		if verr := VerifySSHSIG(signature, signedPayload, keyData); verr == nil {
			return Decision{Accept: true, IsVerified: true, SigningKeyPath: p}, nil
		}
	}
	return Decision{Accept: false, Reason: "requireSigned: no allowedKeys entry verifies this commit's signature"}, nil
}
