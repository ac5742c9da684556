package relayserver

import (
	"net/http"

	"github.com/relaysrv/relay/internal/reposerve"
)

// AuthorFromRequest derives a commit author from the optional
// X-Relay-Author-Name / X-Relay-Author-Email headers, falling back to a
// server identity the same way an anonymous CI push would.
func AuthorFromRequest(r *http.Request) reposerve.Author {
	name := r.Header.Get("X-Relay-Author-Name")
	if name == "" {
		name = "relay"
	}
	email := r.Header.Get("X-Relay-Author-Email")
	if email == "" {
		email = "relay@localhost"
	}
	return reposerve.Author{Name: name, Email: email}
}
