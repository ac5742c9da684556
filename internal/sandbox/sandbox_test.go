package sandbox

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/relaysrv/relay"
	"github.com/relaysrv/relay/internal/indexstore"
)

var errNotFound = errors.New("not found")

type fakeBlobs struct {
	data    map[string][]byte
	refErr  error // returned by Reference, simulating a *relay.QuotaExceededError
	refRepo string
	refSize int64
}

func (f *fakeBlobs) Get(hash string) ([]byte, bool, error) {
	d, ok := f.data[hash]
	return d, ok, nil
}

func (f *fakeBlobs) Put(data []byte) (string, error) {
	hash := "fakehash"
	if f.data == nil {
		f.data = make(map[string][]byte)
	}
	f.data[hash] = data
	return hash, nil
}

func (f *fakeBlobs) Reference(repo string, size int64) error {
	f.refRepo, f.refSize = repo, size
	return f.refErr
}

type fakeGit struct {
	files map[string][]byte
}

func (f *fakeGit) ReadAt(commit, path string) ([]byte, error) {
	d, ok := f.files[path]
	if !ok {
		return nil, errNotFound
	}
	return d, nil
}

func (f *fakeGit) DiffNames(old, new string) ([]Change, error) {
	return []Change{{Status: 'A', Path: "a.txt"}}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return &Server{
		Context:   relay.CommitContext{OldCommit: relay.ZeroCommit, NewCommit: "abc", Branch: "main", IsVerified: true},
		BranchDir: t.TempDir(),
		RepoDir:   t.TempDir(),
		Global:    &fakeBlobs{},
		Git:       &fakeGit{files: map[string][]byte{"a.txt": []byte("hi")}},
		Index:     indexstore.New(t.TempDir()),
		BranchKey: "abc123",
	}
}

func doJSON(t *testing.T, handler http.Handler, path string, req interface{}) map[string]interface{} {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	rec := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	handler.ServeHTTP(rec, httpReq)
	if rec.Code != http.StatusOK {
		t.Fatalf("%s: status = %d, body = %s", path, rec.Code, rec.Body.String())
	}
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s: decoding response: %v", path, err)
	}
	return out
}

func TestFsBranchWriteReadRoundTrip(t *testing.T) {
	s := newTestServer(t)
	mux := s.mux()

	doJSON(t, mux, "/fs/branch/write", map[string]string{
		"path": "notes/a.txt",
		"data": base64.StdEncoding.EncodeToString([]byte("hello")),
	})
	got := doJSON(t, mux, "/fs/branch/read", map[string]string{"path": "notes/a.txt"})
	if got["found"] != true {
		t.Fatalf("read after write: found = %v", got["found"])
	}
	data, _ := base64.StdEncoding.DecodeString(got["data"].(string))
	if string(data) != "hello" {
		t.Fatalf("read after write: data = %q, want hello", data)
	}
}

func TestFsBranchPathEscapeRejected(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	body, _ := json.Marshal(map[string]string{"path": "../../etc/passwd"})
	req := httptest.NewRequest(http.MethodPost, "/fs/branch/read", bytes.NewReader(body))
	s.mux().ServeHTTP(rec, req)
	if rec.Code == http.StatusOK {
		t.Fatal("path traversal should not return 200")
	}
}

func TestGlobalPutGetRoundTrip(t *testing.T) {
	s := newTestServer(t)
	mux := s.mux()
	put := doJSON(t, mux, "/fs/global/put", map[string]string{"data": base64.StdEncoding.EncodeToString([]byte("x"))})
	hash := put["hash"].(string)
	got := doJSON(t, mux, "/fs/global/get", map[string]string{"hash": hash})
	if got["found"] != true {
		t.Fatalf("get after put: found = %v", got["found"])
	}
}

func TestGlobalPutChargesQuotaForItsRepo(t *testing.T) {
	s := newTestServer(t)
	s.RepoName = "docs"
	blobs := s.Global.(*fakeBlobs)
	mux := s.mux()

	doJSON(t, mux, "/fs/global/put", map[string]string{"data": base64.StdEncoding.EncodeToString([]byte("hello"))})

	if blobs.refRepo != "docs" {
		t.Fatalf("Reference called with repo = %q, want docs", blobs.refRepo)
	}
	if blobs.refSize != int64(len("hello")) {
		t.Fatalf("Reference called with size = %d, want %d", blobs.refSize, len("hello"))
	}
}

func TestGlobalPutRejectsOverQuota(t *testing.T) {
	s := newTestServer(t)
	s.RepoName = "docs"
	s.Global.(*fakeBlobs).refErr = &relay.QuotaExceededError{Repo: "docs", Quota: 10, Current: 10}
	mux := s.mux()

	rec := httptest.NewRecorder()
	body, _ := json.Marshal(map[string]string{"data": base64.StdEncoding.EncodeToString([]byte("x"))})
	req := httptest.NewRequest(http.MethodPost, "/fs/global/put", bytes.NewReader(body))
	mux.ServeHTTP(rec, req)

	if rec.Code == http.StatusOK {
		t.Fatal("put over quota should not return 200")
	}
}

func TestDbCollectionInsertFind(t *testing.T) {
	s := newTestServer(t)
	mux := s.mux()
	doJSON(t, mux, "/db/collection/insert", map[string]interface{}{
		"collection": "index",
		"doc":        map[string]interface{}{"title": "hello"},
	})
	got := doJSON(t, mux, "/db/collection/find", map[string]interface{}{
		"collection": "index",
		"query":      map[string]interface{}{},
	})
	docs, ok := got["docs"].([]interface{})
	if !ok || len(docs) != 1 {
		t.Fatalf("find() = %+v, want 1 doc", got)
	}
}

func TestGitVerifySignatureReturnsPrecomputed(t *testing.T) {
	s := newTestServer(t)
	got := doJSON(t, s.mux(), "/git/verify_signature", map[string]interface{}{})
	if got["verified"] != true {
		t.Fatalf("verify_signature = %v, want true", got["verified"])
	}
}

func TestUtilsMatchPath(t *testing.T) {
	s := newTestServer(t)
	got := doJSON(t, s.mux(), "/utils/match_path", map[string]string{"pattern": "*.pub", "path": "admin.pub"})
	if got["match"] != true {
		t.Fatalf("match_path = %v, want true", got["match"])
	}
}

func TestUtilsParseYaml(t *testing.T) {
	s := newTestServer(t)
	got := doJSON(t, s.mux(), "/utils/parse_yaml", map[string]string{
		"data": base64.StdEncoding.EncodeToString([]byte("title: hello\ncount: 3\n")),
	})
	obj, ok := got["object"].(map[string]interface{})
	if !ok {
		t.Fatalf("parse_yaml response = %+v", got)
	}
	if obj["title"] != "hello" {
		t.Fatalf("object[title] = %v, want hello", obj["title"])
	}
}
