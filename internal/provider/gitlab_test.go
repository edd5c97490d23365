package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"diagramsync/internal/dsync"
)

// fakeGitLab serves one file from the repository files API.
type fakeGitLab struct {
	mu         sync.Mutex
	content    string // empty means the file does not exist
	lastCommit string
	requests   []string // "METHOD escaped-path"
	bodies     []map[string]string
}

func (f *fakeGitLab) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := r.URL.EscapedPath()
	f.requests = append(f.requests, r.Method+" "+path)
	if r.Body != nil {
		var body map[string]string
		if json.NewDecoder(r.Body).Decode(&body) == nil {
			f.bodies = append(f.bodies, body)
		}
	}

	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/projects/group%2Fsub%2Frepo"):
		w.Write([]byte(`{"default_branch":"trunk"}`))
	case r.Method == http.MethodGet && strings.Contains(path, "/repository/files/"):
		if f.content == "" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"message":"404 File Not Found"}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"content":        base64.StdEncoding.EncodeToString([]byte(f.content)),
			"blob_id":        blobSHA(f.content),
			"last_commit_id": f.lastCommit,
		})
	case r.Method == http.MethodGet && strings.Contains(path, "/repository/tree"):
		w.Write([]byte(`[
			{"id":"t1","path":"diagrams/Demo","type":"tree"},
			{"id":"b1","path":"diagrams/x.mmd","type":"blob"}
		]`))
	case r.Method == http.MethodPost:
		if f.content != "" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"message":"A file with this name already exists"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"file_path":"x","branch":"trunk"}`))
	case r.Method == http.MethodPut, r.Method == http.MethodDelete:
		w.Write([]byte(`{"file_path":"x","branch":"trunk"}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestGitLab(t *testing.T, f *fakeGitLab) *GitLab {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return NewGitLab(Options{BaseURL: srv.URL, Backoff: time.Millisecond})
}

var nestedRepo = dsync.RepoRef{Owner: "group/sub", Name: "repo"}

func TestGitLab_GetContents(t *testing.T) {
	f := &fakeGitLab{content: "graph TD; A[日本] --> B;", lastCommit: "lc1"}
	gl := newTestGitLab(t, f)

	got, err := gl.GetContents(context.Background(), nestedRepo, "diagrams/My Project/A.mmd", "tok")
	if err != nil {
		t.Fatalf("GetContents() error = %v", err)
	}
	if got.Content != f.content {
		t.Errorf("Content = %q, want %q", got.Content, f.content)
	}
	if got.SHA != blobSHA(f.content) {
		t.Errorf("SHA = %q, want blob id %q", got.SHA, blobSHA(f.content))
	}

	want := "GET /api/v4/projects/group%2Fsub%2Frepo/repository/files/diagrams%2FMy%20Project%2FA.mmd"
	if last := f.requests[len(f.requests)-1]; last != want {
		t.Errorf("request = %q, want %q", last, want)
	}
}

func TestGitLab_PutContents(t *testing.T) {
	t.Run("create posts to default branch", func(t *testing.T) {
		f := &fakeGitLab{}
		gl := newTestGitLab(t, f)

		res, err := gl.PutContents(context.Background(), nestedRepo, "diagrams/a.mmd", "café", "Add diagram a", "", "tok")
		if err != nil {
			t.Fatalf("PutContents() error = %v", err)
		}
		if res.SHA != blobSHA("café") {
			t.Errorf("SHA = %q, want %q", res.SHA, blobSHA("café"))
		}
		body := f.bodies[len(f.bodies)-1]
		if body["branch"] != "trunk" || body["encoding"] != "base64" {
			t.Errorf("body = %v, want branch trunk and base64 encoding", body)
		}
		if !strings.HasPrefix(f.requests[len(f.requests)-1], "POST ") {
			t.Errorf("last request = %q, want POST", f.requests[len(f.requests)-1])
		}
	})

	t.Run("create over existing file is a conflict", func(t *testing.T) {
		f := &fakeGitLab{content: "other"}
		gl := newTestGitLab(t, f)

		_, err := gl.PutContents(context.Background(), nestedRepo, "diagrams/a.mmd", "x", "m", "", "tok")
		if !errors.Is(err, dsync.ErrConflict) {
			t.Errorf("PutContents() error = %v, want ErrConflict", err)
		}
	})

	t.Run("update with current blob id", func(t *testing.T) {
		f := &fakeGitLab{content: "v1", lastCommit: "lc1"}
		gl := newTestGitLab(t, f)

		res, err := gl.PutContents(context.Background(), nestedRepo, "diagrams/a.mmd", "v2", "Update diagram a", blobSHA("v1"), "tok")
		if err != nil {
			t.Fatalf("PutContents() error = %v", err)
		}
		if res.SHA != blobSHA("v2") {
			t.Errorf("SHA = %q, want %q", res.SHA, blobSHA("v2"))
		}
		body := f.bodies[len(f.bodies)-1]
		if body["last_commit_id"] != "lc1" {
			t.Errorf("last_commit_id = %q, want %q", body["last_commit_id"], "lc1")
		}
		if !strings.HasPrefix(f.requests[len(f.requests)-1], "PUT ") {
			t.Errorf("last request = %q, want PUT", f.requests[len(f.requests)-1])
		}
	})

	t.Run("stale blob id never writes", func(t *testing.T) {
		f := &fakeGitLab{content: "edited elsewhere", lastCommit: "lc2"}
		gl := newTestGitLab(t, f)

		_, err := gl.PutContents(context.Background(), nestedRepo, "diagrams/a.mmd", "v2", "m", blobSHA("v1"), "tok")
		var cerr *dsync.ConflictError
		if !errors.As(err, &cerr) {
			t.Fatalf("PutContents() error = %v, want *ConflictError", err)
		}
		if cerr.RemoteSHA != blobSHA("edited elsewhere") {
			t.Errorf("RemoteSHA = %q, want current blob id", cerr.RemoteSHA)
		}
		for _, req := range f.requests {
			if strings.HasPrefix(req, "PUT ") {
				t.Errorf("unexpected write %q", req)
			}
		}
	})

	t.Run("update of vanished file is a conflict", func(t *testing.T) {
		f := &fakeGitLab{}
		gl := newTestGitLab(t, f)

		_, err := gl.PutContents(context.Background(), nestedRepo, "diagrams/a.mmd", "v2", "m", blobSHA("v1"), "tok")
		if !errors.Is(err, dsync.ErrConflict) {
			t.Errorf("PutContents() error = %v, want ErrConflict", err)
		}
	})
}

func TestGitLab_DeleteContents(t *testing.T) {
	f := &fakeGitLab{content: "v1", lastCommit: "lc1"}
	gl := newTestGitLab(t, f)

	if _, err := gl.DeleteContents(context.Background(), nestedRepo, "diagrams/a.mmd", "Remove diagram a", blobSHA("v1"), "tok"); err != nil {
		t.Fatalf("DeleteContents() error = %v", err)
	}
	if !strings.HasPrefix(f.requests[len(f.requests)-1], "DELETE ") {
		t.Errorf("last request = %q, want DELETE", f.requests[len(f.requests)-1])
	}
	body := f.bodies[len(f.bodies)-1]
	if body["branch"] != "trunk" || body["commit_message"] != "Remove diagram a" {
		t.Errorf("body = %v", body)
	}
}

func TestGitLab_ListContents(t *testing.T) {
	f := &fakeGitLab{}
	gl := newTestGitLab(t, f)

	entries, err := gl.ListContents(context.Background(), nestedRepo, "diagrams", "tok")
	if err != nil {
		t.Fatalf("ListContents() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Type != "dir" || entries[1].Type != "file" {
		t.Errorf("types = %q, %q, want dir and file", entries[0].Type, entries[1].Type)
	}

	sha, err := gl.GetTreeSHA(context.Background(), nestedRepo, "diagrams/Demo", "tok")
	if err != nil {
		t.Fatalf("GetTreeSHA() error = %v", err)
	}
	if sha != "t1" {
		t.Errorf("GetTreeSHA() = %q, want %q", sha, "t1")
	}
}

func TestGitLab_ListContentsPaginated(t *testing.T) {
	var pages []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		pages = append(pages, q.Get("path")+"#"+q.Get("page"))
		if q.Get("per_page") != "100" {
			t.Errorf("per_page = %q, want 100", q.Get("per_page"))
		}

		var entries []map[string]string
		switch q.Get("page") {
		case "1":
			for i := 0; i < 100; i++ {
				entries = append(entries, map[string]string{
					"id": fmt.Sprintf("b%d", i), "path": fmt.Sprintf("diagrams/d%d.mmd", i), "type": "blob",
				})
			}
			w.Header().Set("X-Next-Page", "2")
		case "2":
			entries = append(entries,
				map[string]string{"id": "b100", "path": "diagrams/d100.mmd", "type": "blob"},
				map[string]string{"id": "t1", "path": "diagrams/Demo", "type": "tree"},
			)
			w.Header().Set("X-Next-Page", "")
		default:
			t.Errorf("unexpected page %q", q.Get("page"))
		}
		json.NewEncoder(w).Encode(entries)
	}))
	t.Cleanup(srv.Close)
	gl := NewGitLab(Options{BaseURL: srv.URL, Backoff: time.Millisecond})

	entries, err := gl.ListContents(context.Background(), nestedRepo, "diagrams", "tok")
	if err != nil {
		t.Fatalf("ListContents() error = %v", err)
	}
	if len(entries) != 102 {
		t.Fatalf("len(entries) = %d, want 102", len(entries))
	}
	var found bool
	for _, e := range entries {
		if e.Path == "diagrams/d100.mmd" && e.SHA == "b100" && e.Type == "file" {
			found = true
		}
	}
	if !found {
		t.Error("entry from the second page is missing")
	}
	if len(pages) != 2 || pages[0] != "diagrams#1" || pages[1] != "diagrams#2" {
		t.Errorf("requested pages = %v, want diagrams#1 and diagrams#2", pages)
	}

	t.Run("tree hash on a later page", func(t *testing.T) {
		sha, err := gl.GetTreeSHA(context.Background(), nestedRepo, "diagrams/Demo", "tok")
		if err != nil {
			t.Fatalf("GetTreeSHA() error = %v", err)
		}
		if sha != "t1" {
			t.Errorf("GetTreeSHA() = %q, want %q", sha, "t1")
		}
	})

	t.Run("self-referencing page stops", func(t *testing.T) {
		loop := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Next-Page", r.URL.Query().Get("page"))
			w.Write([]byte(`[]`))
		}))
		t.Cleanup(loop.Close)
		gl := NewGitLab(Options{BaseURL: loop.URL})
		if _, err := gl.ListContents(context.Background(), nestedRepo, "diagrams", "tok"); err == nil {
			t.Error("ListContents() expected error for a page loop")
		}
	})
}
