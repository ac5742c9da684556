package indexstore

import (
	"testing"
)

func TestInsertAssignsMonotonicIDs(t *testing.T) {
	s := New(t.TempDir())
	err := s.WithDB("abc123", func(db *DB) error {
		d1 := db.Insert("index", Document{"title": "a"})
		d2 := db.Insert("index", Document{"title": "b"})
		if d1["_id"] == d2["_id"] {
			t.Fatalf("expected distinct ids, got %v and %v", d1["_id"], d2["_id"])
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithDB() error = %v", err)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	if err := s.WithDB("abc123", func(db *DB) error {
		db.Insert("index", Document{"title": "a"})
		return nil
	}); err != nil {
		t.Fatalf("WithDB() error = %v", err)
	}

	if err := s.WithDB("abc123", func(db *DB) error {
		docs := db.Find("index", Document{})
		if len(docs) != 1 {
			t.Fatalf("Find() = %d docs, want 1", len(docs))
		}
		if docs[0]["title"] != "a" {
			t.Fatalf("Find()[0][title] = %v, want a", docs[0]["title"])
		}
		return nil
	}); err != nil {
		t.Fatalf("second WithDB() error = %v", err)
	}
}

func TestIndexedHeadDefaultsEmpty(t *testing.T) {
	s := New(t.TempDir())
	head, err := s.IndexedHead("abc123")
	if err != nil {
		t.Fatalf("IndexedHead() error = %v", err)
	}
	if head != "" {
		t.Fatalf("IndexedHead() = %q, want empty for a never-indexed branch", head)
	}
}

func TestSetIndexedHeadPersists(t *testing.T) {
	s := New(t.TempDir())
	if err := s.SetIndexedHead("abc123", "deadbeef"); err != nil {
		t.Fatalf("SetIndexedHead() error = %v", err)
	}
	head, err := s.IndexedHead("abc123")
	if err != nil {
		t.Fatalf("IndexedHead() error = %v", err)
	}
	if head != "deadbeef" {
		t.Fatalf("IndexedHead() = %q, want deadbeef", head)
	}
}

func TestUpdateShallowMergesMatches(t *testing.T) {
	s := New(t.TempDir())
	err := s.WithDB("abc123", func(db *DB) error {
		db.Insert("index", Document{"kind": "page", "title": "a"})
		db.Insert("index", Document{"kind": "post", "title": "b"})
		count := db.Update("index", Document{"kind": "page"}, Document{"title": "updated"})
		if count != 1 {
			t.Fatalf("Update() matched %d, want 1", count)
		}
		docs := db.Find("index", Document{"kind": "page"})
		if len(docs) != 1 || docs[0]["title"] != "updated" {
			t.Fatalf("Find() after Update = %+v", docs)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithDB() error = %v", err)
	}
}

func TestRemoveDeletesMatches(t *testing.T) {
	s := New(t.TempDir())
	err := s.WithDB("abc123", func(db *DB) error {
		db.Insert("index", Document{"kind": "page"})
		db.Insert("index", Document{"kind": "post"})
		count := db.Remove("index", Document{"kind": "page"})
		if count != 1 {
			t.Fatalf("Remove() = %d, want 1", count)
		}
		if len(db.Find("index", Document{})) != 1 {
			t.Fatalf("expected 1 document left after Remove")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithDB() error = %v", err)
	}
}
