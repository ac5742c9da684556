package blobtier

import (
	"testing"

	"github.com/relaysrv/relay"
)

func TestPutGetRoundTrip(t *testing.T) {
	tier := New(t.TempDir())
	hash, err := tier.Put([]byte("hello world"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if len(hash) != 64 {
		t.Fatalf("Put() hash = %q, want 64 hex chars", hash)
	}
	data, found, err := tier.Get(hash)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !found || string(data) != "hello world" {
		t.Fatalf("Get() = (%q, %v), want (hello world, true)", data, found)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	tier := New(t.TempDir())
	h1, err := tier.Put([]byte("same content"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	h2, err := tier.Put([]byte("same content"))
	if err != nil {
		t.Fatalf("second Put() error = %v", err)
	}
	if h1 != h2 {
		t.Fatalf("Put() not idempotent: %q != %q", h1, h2)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	tier := New(t.TempDir())
	_, found, err := tier.Get("0000000000000000000000000000000000000000000000000000000000000000")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if found {
		t.Fatal("Get() on missing hash should report found = false")
	}
}

func TestReferenceEnforcesQuota(t *testing.T) {
	tier := New(t.TempDir())
	tier.SetQuota("docs", 100)
	if err := tier.Reference("docs", 60); err != nil {
		t.Fatalf("Reference() error = %v", err)
	}
	err := tier.Reference("docs", 60)
	var quotaErr *relay.QuotaExceededError
	if err == nil {
		t.Fatal("Reference() over quota should fail")
	}
	if e, ok := err.(*relay.QuotaExceededError); !ok {
		t.Fatalf("Reference() error = %v (%T), want *relay.QuotaExceededError", err, err)
	} else {
		quotaErr = e
	}
	if quotaErr.Repo != "docs" {
		t.Fatalf("QuotaExceededError.Repo = %q, want docs", quotaErr.Repo)
	}
}

func TestReferenceUnlimitedWithoutQuota(t *testing.T) {
	tier := New(t.TempDir())
	if err := tier.Reference("docs", 1<<30); err != nil {
		t.Fatalf("Reference() without a configured quota should never fail: %v", err)
	}
}
