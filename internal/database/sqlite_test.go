package database

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"diagramsync/internal/codec"
	"diagramsync/internal/dsync"
	"diagramsync/internal/model"
)

// testClock is a fixed clock that tests can advance. testutil builds on this
// package, so the store tests cannot use its StubClock.
type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)}
}

// newTestDB creates a file-backed store in a temp dir with schema applied.
func newTestDB(t *testing.T) *SQLiteDatabase {
	t.Helper()
	return openTestDBAt(t, filepath.Join(t.TempDir(), DatabaseFile), newTestClock())
}

func openTestDBAt(t *testing.T, path string, clock *testClock) *SQLiteDatabase {
	t.Helper()

	db, err := NewSQLiteDatabase(path, Options{Clock: clock})
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func addLocalProject(t *testing.T, db *SQLiteDatabase, name string) *model.Project {
	t.Helper()
	p := &model.Project{Name: name, GitProvider: model.ProviderLocal}
	if _, err := db.AddProject(context.Background(), p); err != nil {
		t.Fatalf("AddProject(%q) error = %v", name, err)
	}
	return p
}

func addRemoteProject(t *testing.T, db *SQLiteDatabase, name, repo string) *model.Project {
	t.Helper()
	p := &model.Project{Name: name, GitProvider: model.ProviderGitHub, RepositoryPath: repo}
	if _, err := db.AddProject(context.Background(), p); err != nil {
		t.Fatalf("AddProject(%q) error = %v", name, err)
	}
	return p
}

func addDiagram(t *testing.T, db *SQLiteDatabase, projectID int64, title, content string) *model.Diagram {
	t.Helper()
	d := &model.Diagram{ProjectID: projectID, Title: title, Content: content}
	if _, err := db.AddDiagram(context.Background(), d); err != nil {
		t.Fatalf("AddDiagram(%q) error = %v", title, err)
	}
	return d
}

func pending(t *testing.T, db *SQLiteDatabase) []*model.SyncQueueItem {
	t.Helper()
	items, err := db.ListPending(context.Background())
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	return items
}

func TestSQLiteDatabase_DemoScenario(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	p := addLocalProject(t, db, "Demo")
	addDiagram(t, db, p.ID, "A", "graph TD;A-->B;")

	diagrams, err := db.GetDiagramsByProjectID(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetDiagramsByProjectID() error = %v", err)
	}
	if len(diagrams) != 1 || diagrams[0].Title != "A" {
		t.Fatalf("GetDiagramsByProjectID() = %+v, want one diagram titled A", diagrams)
	}
	if diagrams[0].Content != "graph TD;A-->B;" {
		t.Errorf("Content = %q, want %q", diagrams[0].Content, "graph TD;A-->B;")
	}

	if err := db.DeleteProject(ctx, p.ID); err != nil {
		t.Fatalf("DeleteProject() error = %v", err)
	}

	diagrams, err = db.GetDiagramsByProjectID(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetDiagramsByProjectID() error = %v", err)
	}
	if len(diagrams) != 0 {
		t.Errorf("GetDiagramsByProjectID() after delete = %d diagrams, want 0", len(diagrams))
	}

	var orphans int
	if err := db.db.QueryRow(`SELECT COUNT(*) FROM diagrams WHERE project_id = ?`, p.ID).Scan(&orphans); err != nil {
		t.Fatalf("counting diagrams: %v", err)
	}
	if orphans != 0 {
		t.Errorf("%d orphan diagrams remain", orphans)
	}

	if items := pending(t, db); len(items) != 0 {
		t.Errorf("local project enqueued %d items, want 0", len(items))
	}
}

func TestSQLiteDatabase_AddProject(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns id and timestamps", func(t *testing.T) {
		db := newTestDB(t)

		p := &model.Project{Name: "Demo", GitProvider: model.ProviderLocal}
		id, err := db.AddProject(ctx, p)
		if err != nil {
			t.Fatalf("AddProject() error = %v", err)
		}
		if id == 0 || p.ID != id {
			t.Fatalf("AddProject() id = %d, p.ID = %d", id, p.ID)
		}
		if p.CreatedAt.IsZero() || p.UpdatedAt.IsZero() {
			t.Error("AddProject() left timestamps unset")
		}

		got, err := db.GetProject(ctx, id)
		if err != nil {
			t.Fatalf("GetProject() error = %v", err)
		}
		if got == nil {
			t.Fatal("GetProject() = nil")
		}
		if got.Name != "Demo" || got.GitProvider != model.ProviderLocal || !got.CreatedAt.Equal(p.CreatedAt) {
			t.Errorf("GetProject() = %+v, want %+v", got, p)
		}
	})

	t.Run("keeps a supplied id", func(t *testing.T) {
		db := newTestDB(t)

		p := &model.Project{ID: 40, Name: "Fixed", GitProvider: model.ProviderLocal}
		id, err := db.AddProject(ctx, p)
		if err != nil {
			t.Fatalf("AddProject() error = %v", err)
		}
		if id != 40 {
			t.Errorf("AddProject() id = %d, want 40", id)
		}

		dup := &model.Project{ID: 40, Name: "Other", GitProvider: model.ProviderLocal}
		if _, err := db.AddProject(ctx, dup); !errors.Is(err, dsync.ErrUniqueViolation) {
			t.Errorf("AddProject() with taken id error = %v, want ErrUniqueViolation", err)
		}
	})

	t.Run("rejects duplicate name", func(t *testing.T) {
		db := newTestDB(t)
		addLocalProject(t, db, "Demo")

		_, err := db.AddProject(ctx, &model.Project{Name: "Demo", GitProvider: model.ProviderLocal})
		if !errors.Is(err, dsync.ErrUniqueViolation) {
			t.Fatalf("AddProject() error = %v, want ErrUniqueViolation", err)
		}
		var uerr *dsync.UniqueError
		if !errors.As(err, &uerr) || uerr.Field != "name" || uerr.Value != "Demo" {
			t.Errorf("AddProject() error = %#v, want name conflict on Demo", err)
		}
	})

	t.Run("validation", func(t *testing.T) {
		tests := []struct {
			name string
			p    model.Project
		}{
			{"empty name", model.Project{GitProvider: model.ProviderLocal}},
			{"unknown provider", model.Project{Name: "X", GitProvider: "bitbucket"}},
			{"remote without repository", model.Project{Name: "X", GitProvider: model.ProviderGitHub}},
			{"remote with malformed repository", model.Project{Name: "X", GitProvider: model.ProviderGitHub, RepositoryPath: "just-a-name"}},
			{"local with repository", model.Project{Name: "X", GitProvider: model.ProviderLocal, RepositoryPath: "acme/docs"}},
			{"reserved extra field", model.Project{Name: "X", GitProvider: model.ProviderLocal, Extra: map[string]json.RawMessage{"ds:_nameKey": json.RawMessage(`"Y"`)}}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				db := newTestDB(t)
				p := tt.p
				if _, err := db.AddProject(ctx, &p); !errors.Is(err, dsync.ErrValidation) {
					t.Errorf("AddProject() error = %v, want ErrValidation", err)
				}
				projects, err := db.GetAllProjects(ctx)
				if err != nil {
					t.Fatalf("GetAllProjects() error = %v", err)
				}
				if len(projects) != 0 {
					t.Errorf("invalid project was stored")
				}
			})
		}
	})

	t.Run("stores semantic documents", func(t *testing.T) {
		db := newTestDB(t)
		p := addLocalProject(t, db, "Demo")

		var doc string
		if err := db.db.QueryRow(`SELECT doc FROM projects WHERE id = ?`, p.ID).Scan(&doc); err != nil {
			t.Fatalf("reading doc: %v", err)
		}
		if !codec.IsSemantic([]byte(doc)) {
			t.Errorf("stored doc is not semantic: %s", doc)
		}
		if got := codec.IndexKey(codec.KindProject, []byte(doc)); got != "Demo" {
			t.Errorf("stored index key = %q, want Demo", got)
		}
	})
}

func TestSQLiteDatabase_GetProject(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	got, err := db.GetProject(ctx, 999)
	if err != nil {
		t.Fatalf("GetProject() error = %v", err)
	}
	if got != nil {
		t.Errorf("GetProject() = %v, want nil", got)
	}

	addLocalProject(t, db, "One")
	addLocalProject(t, db, "Two")

	byName, err := db.GetProjectByName(ctx, "Two")
	if err != nil {
		t.Fatalf("GetProjectByName() error = %v", err)
	}
	if byName == nil || byName.Name != "Two" {
		t.Errorf("GetProjectByName() = %+v, want Two", byName)
	}

	all, err := db.GetAllProjects(ctx)
	if err != nil {
		t.Fatalf("GetAllProjects() error = %v", err)
	}
	if len(all) != 2 || all[0].Name != "One" || all[1].Name != "Two" {
		t.Errorf("GetAllProjects() = %+v, want One, Two", all)
	}
}

func TestSQLiteDatabase_UpdateProject(t *testing.T) {
	ctx := context.Background()

	t.Run("local project keeps repository path absent", func(t *testing.T) {
		db := newTestDB(t)
		p := addLocalProject(t, db, "Demo")

		p.Name = "Renamed"
		if err := db.UpdateProject(ctx, p); err != nil {
			t.Fatalf("UpdateProject() error = %v", err)
		}

		var doc string
		if err := db.db.QueryRow(`SELECT doc FROM projects WHERE id = ?`, p.ID).Scan(&doc); err != nil {
			t.Fatalf("reading doc: %v", err)
		}
		simple, err := codec.Normalize([]byte(doc))
		if err != nil {
			t.Fatalf("Normalize() error = %v", err)
		}
		if got := string(simple); strings.Contains(got, "repositoryPath") {
			t.Errorf("local project stored a repositoryPath: %s", got)
		}
		if items := pending(t, db); len(items) != 0 {
			t.Errorf("local rename enqueued %d items", len(items))
		}
	})

	t.Run("preserves created time and bumps updated time", func(t *testing.T) {
		clock := newTestClock()
		db := openTestDBAt(t, filepath.Join(t.TempDir(), DatabaseFile), clock)
		p := addLocalProject(t, db, "Demo")
		created := p.CreatedAt

		clock.advance(time.Hour)
		update := &model.Project{ID: p.ID, Name: "Demo 2", GitProvider: model.ProviderLocal}
		if err := db.UpdateProject(ctx, update); err != nil {
			t.Fatalf("UpdateProject() error = %v", err)
		}

		got, err := db.GetProject(ctx, p.ID)
		if err != nil {
			t.Fatalf("GetProject() error = %v", err)
		}
		if !got.CreatedAt.Equal(created) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
		}
		if !got.UpdatedAt.Equal(clock.now) {
			t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, clock.now)
		}
	})

	t.Run("missing project", func(t *testing.T) {
		db := newTestDB(t)
		err := db.UpdateProject(ctx, &model.Project{ID: 5, Name: "X", GitProvider: model.ProviderLocal})
		if !errors.Is(err, dsync.ErrNotFound) {
			t.Errorf("UpdateProject() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("rename to taken name", func(t *testing.T) {
		db := newTestDB(t)
		addLocalProject(t, db, "A")
		b := addLocalProject(t, db, "B")

		b.Name = "A"
		if err := db.UpdateProject(ctx, b); !errors.Is(err, dsync.ErrUniqueViolation) {
			t.Errorf("UpdateProject() error = %v, want ErrUniqueViolation", err)
		}
	})

	t.Run("renaming a remote project moves its diagrams", func(t *testing.T) {
		db := newTestDB(t)
		p := addRemoteProject(t, db, "Docs", "acme/docs")
		d := addDiagram(t, db, p.ID, "Flow", "graph TD;")
		if err := db.SetDiagramRemoteSHA(ctx, d.ID, "sha-1"); err != nil {
			t.Fatalf("SetDiagramRemoteSHA() error = %v", err)
		}
		before := len(pending(t, db))

		p.Name = "Handbook"
		if err := db.UpdateProject(ctx, p); err != nil {
			t.Fatalf("UpdateProject() error = %v", err)
		}

		items := pending(t, db)[before:]
		if len(items) != 2 {
			t.Fatalf("rename enqueued %d items, want 2", len(items))
		}
		if items[0].Operation != model.OpDelete || items[0].Payload.Path != "diagrams/Docs/Flow.mmd" || items[0].Payload.SHA != "sha-1" {
			t.Errorf("first item = %+v, want delete of old path at sha-1", items[0])
		}
		if items[1].Operation != model.OpCreate || items[1].Payload.Path != "diagrams/Handbook/Flow.mmd" || items[1].Payload.SHA != "" {
			t.Errorf("second item = %+v, want create at new path", items[1])
		}

		got, err := db.GetDiagram(ctx, d.ID)
		if err != nil {
			t.Fatalf("GetDiagram() error = %v", err)
		}
		if got.LastModifiedRemoteSHA != "" {
			t.Errorf("LastModifiedRemoteSHA = %q, want cleared", got.LastModifiedRemoteSHA)
		}
	})

	t.Run("unlinking a remote project only queues deletes", func(t *testing.T) {
		db := newTestDB(t)
		p := addRemoteProject(t, db, "Docs", "acme/docs")
		addDiagram(t, db, p.ID, "Flow", "graph TD;")
		before := len(pending(t, db))

		p.GitProvider = model.ProviderLocal
		p.RepositoryPath = ""
		if err := db.UpdateProject(ctx, p); err != nil {
			t.Fatalf("UpdateProject() error = %v", err)
		}

		items := pending(t, db)[before:]
		if len(items) != 1 || items[0].Operation != model.OpDelete {
			t.Errorf("unlink enqueued %+v, want one delete", items)
		}
	})
}

func TestSQLiteDatabase_AddDiagram(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown project is a validation error", func(t *testing.T) {
		db := newTestDB(t)
		_, err := db.AddDiagram(ctx, &model.Diagram{ProjectID: 77, Title: "A"})
		if !errors.Is(err, dsync.ErrValidation) {
			t.Errorf("AddDiagram() error = %v, want ErrValidation", err)
		}
	})

	t.Run("title unique per project only", func(t *testing.T) {
		db := newTestDB(t)
		p1 := addLocalProject(t, db, "P1")
		p2 := addLocalProject(t, db, "P2")
		addDiagram(t, db, p1.ID, "Same", "x")

		_, err := db.AddDiagram(ctx, &model.Diagram{ProjectID: p1.ID, Title: "Same"})
		if !errors.Is(err, dsync.ErrUniqueViolation) {
			t.Errorf("AddDiagram() duplicate in project error = %v, want ErrUniqueViolation", err)
		}

		if _, err := db.AddDiagram(ctx, &model.Diagram{ProjectID: p2.ID, Title: "Same"}); err != nil {
			t.Errorf("AddDiagram() same title in another project error = %v", err)
		}
	})

	t.Run("empty content is allowed", func(t *testing.T) {
		db := newTestDB(t)
		p := addLocalProject(t, db, "P")
		d := addDiagram(t, db, p.ID, "Blank", "")

		got, err := db.GetDiagram(ctx, d.ID)
		if err != nil {
			t.Fatalf("GetDiagram() error = %v", err)
		}
		if got == nil || got.Content != "" {
			t.Errorf("GetDiagram() = %+v, want blank diagram", got)
		}
	})

	t.Run("remote project enqueues create", func(t *testing.T) {
		db := newTestDB(t)
		p := addRemoteProject(t, db, "Docs", "acme/docs")
		d := addDiagram(t, db, p.ID, "café 中文", "graph LR;é-->中;")

		items := pending(t, db)
		if len(items) != 2 {
			t.Fatalf("ListPending() = %d items, want project verify + diagram create", len(items))
		}
		if items[0].TargetKind != model.TargetProject || items[0].Operation != model.OpCreate {
			t.Errorf("first item = %+v, want project create", items[0])
		}

		item := items[1]
		if item.TargetKind != model.TargetDiagram || item.TargetID != d.ID || item.Operation != model.OpCreate {
			t.Errorf("second item = %+v, want diagram create", item)
		}
		want := model.SyncPayload{
			Provider:   model.ProviderGitHub,
			Repository: "acme/docs",
			Path:       "diagrams/Docs/café 中文.mmd",
			Title:      "café 中文",
			Content:    "graph LR;é-->中;",
			Message:    "Add diagram café 中文",
		}
		if item.Payload != want {
			t.Errorf("payload = %+v, want %+v", item.Payload, want)
		}
	})
}

func TestSQLiteDatabase_UpdateDiagram(t *testing.T) {
	ctx := context.Background()

	t.Run("content change on remote project enqueues update with known sha", func(t *testing.T) {
		db := newTestDB(t)
		p := addRemoteProject(t, db, "Docs", "acme/docs")
		d := addDiagram(t, db, p.ID, "Flow", "v1")
		if err := db.SetDiagramRemoteSHA(ctx, d.ID, "sha-1"); err != nil {
			t.Fatalf("SetDiagramRemoteSHA() error = %v", err)
		}
		before := len(pending(t, db))

		// The caller does not carry the remote hash; the stored one is kept.
		update := &model.Diagram{ID: d.ID, Title: "Flow", Content: "v2"}
		if err := db.UpdateDiagram(ctx, update); err != nil {
			t.Fatalf("UpdateDiagram() error = %v", err)
		}
		if update.LastModifiedRemoteSHA != "sha-1" {
			t.Errorf("LastModifiedRemoteSHA = %q, want sha-1", update.LastModifiedRemoteSHA)
		}

		items := pending(t, db)[before:]
		if len(items) != 1 {
			t.Fatalf("UpdateDiagram() enqueued %d items, want 1", len(items))
		}
		if items[0].Operation != model.OpUpdate || items[0].Payload.SHA != "sha-1" || items[0].Payload.Content != "v2" {
			t.Errorf("item = %+v, want update of v2 at sha-1", items[0])
		}
	})

	t.Run("unchanged diagram enqueues nothing", func(t *testing.T) {
		db := newTestDB(t)
		p := addRemoteProject(t, db, "Docs", "acme/docs")
		d := addDiagram(t, db, p.ID, "Flow", "v1")
		before := len(pending(t, db))

		if err := db.UpdateDiagram(ctx, &model.Diagram{ID: d.ID, Title: "Flow", Content: "v1"}); err != nil {
			t.Fatalf("UpdateDiagram() error = %v", err)
		}
		if got := len(pending(t, db)); got != before {
			t.Errorf("pending items = %d, want %d", got, before)
		}
	})

	t.Run("rename deletes old path and creates new one", func(t *testing.T) {
		db := newTestDB(t)
		p := addRemoteProject(t, db, "Docs", "acme/docs")
		d := addDiagram(t, db, p.ID, "Old", "v1")
		if err := db.SetDiagramRemoteSHA(ctx, d.ID, "sha-1"); err != nil {
			t.Fatalf("SetDiagramRemoteSHA() error = %v", err)
		}
		before := len(pending(t, db))

		if err := db.UpdateDiagram(ctx, &model.Diagram{ID: d.ID, Title: "New", Content: "v1"}); err != nil {
			t.Fatalf("UpdateDiagram() error = %v", err)
		}

		items := pending(t, db)[before:]
		if len(items) != 2 {
			t.Fatalf("rename enqueued %d items, want 2", len(items))
		}
		if items[0].Operation != model.OpDelete || items[0].Payload.Path != "diagrams/Docs/Old.mmd" || items[0].Payload.SHA != "sha-1" {
			t.Errorf("first item = %+v", items[0])
		}
		if items[1].Operation != model.OpCreate || items[1].Payload.Path != "diagrams/Docs/New.mmd" {
			t.Errorf("second item = %+v", items[1])
		}

		got, err := db.GetDiagram(ctx, d.ID)
		if err != nil {
			t.Fatalf("GetDiagram() error = %v", err)
		}
		if got.Title != "New" || got.LastModifiedRemoteSHA != "" {
			t.Errorf("GetDiagram() = %+v, want renamed with cleared sha", got)
		}
	})

	t.Run("cannot move between projects", func(t *testing.T) {
		db := newTestDB(t)
		p1 := addLocalProject(t, db, "P1")
		p2 := addLocalProject(t, db, "P2")
		d := addDiagram(t, db, p1.ID, "Flow", "")

		err := db.UpdateDiagram(ctx, &model.Diagram{ID: d.ID, ProjectID: p2.ID, Title: "Flow"})
		if !errors.Is(err, dsync.ErrValidation) {
			t.Errorf("UpdateDiagram() error = %v, want ErrValidation", err)
		}
	})

	t.Run("missing diagram", func(t *testing.T) {
		db := newTestDB(t)
		err := db.UpdateDiagram(ctx, &model.Diagram{ID: 3, Title: "x"})
		if !errors.Is(err, dsync.ErrNotFound) {
			t.Errorf("UpdateDiagram() error = %v, want ErrNotFound", err)
		}
	})
}

func TestSQLiteDatabase_DeleteDiagram(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	p := addRemoteProject(t, db, "Docs", "acme/docs")
	d := addDiagram(t, db, p.ID, "Flow", "x")
	if err := db.SetDiagramRemoteSHA(ctx, d.ID, "sha-9"); err != nil {
		t.Fatalf("SetDiagramRemoteSHA() error = %v", err)
	}

	if err := db.DeleteDiagram(ctx, d.ID); err != nil {
		t.Fatalf("DeleteDiagram() error = %v", err)
	}

	items := pending(t, db)
	last := items[len(items)-1]
	if last.Operation != model.OpDelete || last.Payload.SHA != "sha-9" || last.Payload.Content != "" {
		t.Errorf("last item = %+v, want delete at sha-9", last)
	}

	if err := db.DeleteDiagram(ctx, d.ID); !errors.Is(err, dsync.ErrNotFound) {
		t.Errorf("second DeleteDiagram() error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteDatabase_SetDiagramRemoteSHA(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	db := openTestDBAt(t, filepath.Join(t.TempDir(), DatabaseFile), clock)
	p := addRemoteProject(t, db, "Docs", "acme/docs")
	d := addDiagram(t, db, p.ID, "Flow", "x")
	before := len(pending(t, db))

	clock.advance(time.Hour)
	if err := db.SetDiagramRemoteSHA(ctx, d.ID, "abc"); err != nil {
		t.Fatalf("SetDiagramRemoteSHA() error = %v", err)
	}

	got, err := db.GetDiagram(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDiagram() error = %v", err)
	}
	if got.LastModifiedRemoteSHA != "abc" {
		t.Errorf("LastModifiedRemoteSHA = %q, want abc", got.LastModifiedRemoteSHA)
	}
	if !got.UpdatedAt.Equal(d.UpdatedAt) {
		t.Errorf("UpdatedAt changed to %v", got.UpdatedAt)
	}
	if len(pending(t, db)) != before {
		t.Error("SetDiagramRemoteSHA() enqueued an item")
	}

	if err := db.SetDiagramRemoteSHA(ctx, 999, "abc"); !errors.Is(err, dsync.ErrNotFound) {
		t.Errorf("SetDiagramRemoteSHA() on missing diagram error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteDatabase_ConnectionLost(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	p := addLocalProject(t, db, "Demo")

	// Close the handle underneath the store.
	db.db.Close()

	_, err := db.GetAllProjects(ctx)
	if !errors.Is(err, dsync.ErrConnectionLost) {
		t.Fatalf("GetAllProjects() on closed handle error = %v, want ErrConnectionLost", err)
	}

	got, err := db.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetProject() after reopen error = %v", err)
	}
	if got == nil || got.Name != "Demo" {
		t.Errorf("GetProject() after reopen = %+v, want Demo", got)
	}
}

func TestSQLiteDatabase_Reset(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	addLocalProject(t, db, "Demo")

	if err := db.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	projects, err := db.GetAllProjects(ctx)
	if err != nil {
		t.Fatalf("GetAllProjects() error = %v", err)
	}
	if len(projects) != 1 {
		t.Errorf("GetAllProjects() after reset = %d projects, want 1", len(projects))
	}
}
