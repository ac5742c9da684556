package globmatch

import "testing"

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, path string
		want          bool
	}{
		{".ssh/admin.pub", ".ssh/admin.pub", true},
		{".ssh/admin.pub", ".ssh/adminXpub", false}, // literal "." must not become regex any-char
		{"*.pub", "admin.pub", true},
		{"*.pub", "sub/admin.pub", false}, // "*" must not cross "/"
		{"**/*.pub", "sub/dir/admin.pub", true},
		{"**/*.pub", "admin.pub", true}, // "**/" also matches zero segments
		{"keys/**", "keys/a/b/c.pub", true},
		{"keys/**", "other/a.pub", false},
	}
	for _, c := range cases {
		if got := Match(c.pattern, c.path); got != c.want {
			t.Errorf("Match(%q, %q) = %v, want %v", c.pattern, c.path, got, c.want)
		}
	}
}
