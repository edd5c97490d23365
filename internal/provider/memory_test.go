package provider

import (
	"context"
	"errors"
	"testing"

	"diagramsync/internal/dsync"
)

func TestMemory_Preconditions(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	const p = "diagrams/Demo/A.mmd"

	res, err := m.PutContents(ctx, testRepo, p, "v1", "Add", "", "")
	if err != nil {
		t.Fatalf("PutContents(create) error = %v", err)
	}
	if res.SHA != blobSHA("v1") || res.CommitSHA == "" {
		t.Errorf("PutContents() = %+v", res)
	}

	tests := []struct {
		name string
		sha  string
	}{
		{name: "create over existing", sha: ""},
		{name: "stale sha", sha: blobSHA("v0")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.PutContents(ctx, testRepo, p, "v2", "Update", tt.sha, "")
			if !errors.Is(err, dsync.ErrConflict) {
				t.Errorf("PutContents() error = %v, want ErrConflict", err)
			}
		})
	}

	remoteSHA := m.SetFile(testRepo, p, "edited remotely")
	if _, err := m.PutContents(ctx, testRepo, p, "v2", "Update", res.SHA, ""); !errors.Is(err, dsync.ErrConflict) {
		t.Errorf("PutContents() after remote edit error = %v, want ErrConflict", err)
	}
	if _, err := m.PutContents(ctx, testRepo, p, "v2", "Update", remoteSHA, ""); err != nil {
		t.Errorf("PutContents() with current sha error = %v", err)
	}
	if got, _ := m.File(testRepo, p); got != "v2" {
		t.Errorf("File() = %q, want %q", got, "v2")
	}

	if _, err := m.DeleteContents(ctx, testRepo, p, "Remove", blobSHA("v1"), ""); !errors.Is(err, dsync.ErrConflict) {
		t.Errorf("DeleteContents(stale) error = %v, want ErrConflict", err)
	}
	if _, err := m.DeleteContents(ctx, testRepo, p, "Remove", blobSHA("v2"), ""); err != nil {
		t.Fatalf("DeleteContents() error = %v", err)
	}
	if _, ok := m.File(testRepo, p); ok {
		t.Error("file still present after delete")
	}
	if _, err := m.DeleteContents(ctx, testRepo, p, "Remove", blobSHA("v2"), ""); !errors.Is(err, dsync.ErrNotFound) {
		t.Errorf("DeleteContents(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMemory_Listing(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	sha, err := m.GetTreeSHA(ctx, testRepo, "diagrams/Demo", "")
	if err != nil || sha != "" {
		t.Errorf("GetTreeSHA(empty) = %q, %v, want empty", sha, err)
	}
	if _, err := m.ListContents(ctx, testRepo, "diagrams", ""); !errors.Is(err, dsync.ErrNotFound) {
		t.Errorf("ListContents(missing) error = %v, want ErrNotFound", err)
	}

	m.SetFile(testRepo, "diagrams/Demo/A.mmd", "a")
	m.SetFile(testRepo, "diagrams/Demo/B.mmd", "b")
	m.SetFile(testRepo, "diagrams/Other/C.mmd", "c")

	entries, err := m.ListContents(ctx, testRepo, "diagrams", "")
	if err != nil {
		t.Fatalf("ListContents() error = %v", err)
	}
	if len(entries) != 2 || entries[0].Path != "diagrams/Demo" || entries[0].Type != "dir" {
		t.Fatalf("ListContents(diagrams) = %+v", entries)
	}

	before, err := m.GetTreeSHA(ctx, testRepo, "diagrams/Demo", "")
	if err != nil {
		t.Fatalf("GetTreeSHA() error = %v", err)
	}
	if before != entries[0].SHA {
		t.Errorf("GetTreeSHA() = %q, want listing sha %q", before, entries[0].SHA)
	}

	m.SetFile(testRepo, "diagrams/Demo/B.mmd", "b2")
	after, _ := m.GetTreeSHA(ctx, testRepo, "diagrams/Demo", "")
	if after == before {
		t.Error("tree sha unchanged after a file below it changed")
	}
	other, _ := m.GetTreeSHA(ctx, testRepo, "diagrams/Other", "")
	if other == after {
		t.Error("distinct directories share a tree sha")
	}

	files, err := m.ListContents(ctx, testRepo, "diagrams/Demo", "")
	if err != nil {
		t.Fatalf("ListContents() error = %v", err)
	}
	if len(files) != 2 || files[1].SHA != blobSHA("b2") {
		t.Errorf("ListContents(diagrams/Demo) = %+v", files)
	}
}

func TestMemory_FailNext(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	boom := &dsync.ProviderError{Op: "put contents", StatusCode: 503, Message: "maintenance"}
	m.FailNext(OpPutContents, boom)

	if _, err := m.PutContents(ctx, testRepo, "a.mmd", "x", "m", "", ""); !errors.Is(err, boom) {
		t.Fatalf("PutContents() error = %v, want scripted failure", err)
	}
	if _, ok := m.File(testRepo, "a.mmd"); ok {
		t.Error("failed write was applied")
	}
	if _, err := m.PutContents(ctx, testRepo, "a.mmd", "x", "m", "", ""); err != nil {
		t.Fatalf("PutContents() second call error = %v", err)
	}

	calls := m.Calls()
	want := []string{"PutContents a.mmd", "PutContents a.mmd"}
	if len(calls) != len(want) {
		t.Fatalf("Calls() = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("Calls()[%d] = %q, want %q", i, calls[i], want[i])
		}
	}

	commit, err := m.GetLatestCommit(ctx, testRepo, "main", "")
	if err != nil || commit.SHA == "" {
		t.Errorf("GetLatestCommit() = %v, %v", commit, err)
	}
}
