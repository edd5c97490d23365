package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"diagramsync/internal/codec"
	"diagramsync/internal/database/migrations"
	"diagramsync/internal/dsync"
	"diagramsync/internal/model"
)

var (
	_ dsync.Store     = (*SQLiteDatabase)(nil)
	_ dsync.SyncQueue = (*SQLiteDatabase)(nil)
)

// Options tune a SQLiteDatabase. Zero values select the defaults.
type Options struct {
	Clock     dsync.Clock
	Logger    dsync.Logger
	RemoteDir string // repository directory that holds project folders
}

// SQLiteDatabase implements the Store and SyncQueue interfaces using SQLite.
//
// Records are stored in their semantic shape in the doc column. The name_key
// and title_key columns hold the derived index field of each document and
// carry the uniqueness constraints.
//
// The handle is opened lazily. If it is found closed during an operation the
// operation fails with dsync.ErrConnectionLost and the next one reopens it.
type SQLiteDatabase struct {
	path string
	opts Options

	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteDatabase opens the store at path and brings its schema up to date.
// path can be a file path or ":memory:" for an in-memory database.
func NewSQLiteDatabase(path string, opts Options) (*SQLiteDatabase, error) {
	if opts.Clock == nil {
		opts.Clock = dsync.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = dsync.NewNopLogger()
	}
	if opts.RemoteDir == "" {
		opts.RemoteDir = dsync.DefaultRemoteDir
	}

	s := &SQLiteDatabase{path: path, opts: opts}
	if err := s.Open(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// The pool is limited to one connection, which every operation shares.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Enable foreign key constraints (SQLite default is OFF for backward compatibility)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Open opens the handle if it is not open yet. It is safe to call repeatedly.
func (s *SQLiteDatabase) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.openLocked()
	return err
}

func (s *SQLiteDatabase) openLocked() (*sql.DB, error) {
	if s.db != nil {
		return s.db, nil
	}

	db, err := OpenConnection(s.path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", s.path, err)
	}

	s.db = db
	s.opts.Logger.Debug("opened local store", "path", s.path)
	return db, nil
}

// Close closes the handle. A later operation reopens it.
func (s *SQLiteDatabase) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Reset discards the current handle and opens a fresh one.
func (s *SQLiteDatabase) Reset() error {
	if err := s.Close(); err != nil {
		s.opts.Logger.Warn("closing local store before reset", "error", err)
	}
	return s.Open()
}

func (s *SQLiteDatabase) conn() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked()
}

// check turns a failure caused by a closed handle into ErrConnectionLost and
// drops the handle so the next operation reopens it.
func (s *SQLiteDatabase) check(db *sql.DB, err error) error {
	if err == nil || !isConnectionLost(err) {
		return err
	}

	s.mu.Lock()
	if s.db == db {
		s.db = nil
	}
	s.mu.Unlock()
	db.Close()

	s.opts.Logger.Warn("local store handle lost", "path", s.path, "error", err)
	return fmt.Errorf("%w: %v", dsync.ErrConnectionLost, err)
}

func isConnectionLost(err error) bool {
	return errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed")
}

func (s *SQLiteDatabase) withDB(fn func(q querier) error) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	return s.check(db, fn(db))
}

func (s *SQLiteDatabase) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return s.check(db, fmt.Errorf("starting transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return s.check(db, err)
	}
	if err := tx.Commit(); err != nil {
		return s.check(db, fmt.Errorf("committing transaction: %w", err))
	}
	return nil
}

func (s *SQLiteDatabase) now() time.Time {
	return s.opts.Clock.Now().UTC()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Project operations

func (s *SQLiteDatabase) AddProject(ctx context.Context, p *model.Project) (int64, error) {
	if err := dsync.ValidateProject(p); err != nil {
		return 0, err
	}

	now := s.now()
	rec := *p
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		doc, err := codec.EncodeProject(&rec)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO projects (id, name_key, doc) VALUES (?, ?, ?)`,
			nullableID(rec.ID), codec.IndexKey(codec.KindProject, doc), string(doc))
		if err != nil {
			return constraintError(err, "project", rec.ID, rec.Name, "inserting project")
		}
		if rec.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("reading project id: %w", err)
		}

		if doc, err = codec.SetID(codec.KindProject, doc, rec.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE projects SET doc = ? WHERE id = ?`, string(doc), rec.ID); err != nil {
			return fmt.Errorf("storing project id: %w", err)
		}

		if rec.IsRemote() {
			if _, err := insertQueueItem(ctx, tx, dsync.ProjectItem(&rec, model.OpCreate, now)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	*p = rec
	return rec.ID, nil
}

func (s *SQLiteDatabase) UpdateProject(ctx context.Context, p *model.Project) error {
	if p.ID == 0 {
		return &dsync.ValidationError{Kind: "project", Err: errors.New("id is required for update")}
	}
	if err := dsync.ValidateProject(p); err != nil {
		return err
	}

	now := s.now()
	rec := *p

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		old, err := getProject(ctx, tx, rec.ID)
		if err != nil {
			return err
		}
		if old == nil {
			return &dsync.NotFoundError{Kind: "project", ID: rec.ID}
		}

		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = old.CreatedAt
		}
		rec.UpdatedAt = now

		doc, err := codec.EncodeProject(&rec)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE projects SET name_key = ?, doc = ? WHERE id = ?`,
			codec.IndexKey(codec.KindProject, doc), string(doc), rec.ID)
		if err != nil {
			return constraintError(err, "project", rec.ID, rec.Name, "updating project")
		}

		if linkageChanged(old, &rec) {
			return s.relinkDiagrams(ctx, tx, old, &rec, now)
		}
		return nil
	})
	if err != nil {
		return err
	}

	*p = rec
	return nil
}

// linkageChanged reports whether an update moves the project's files remotely.
func linkageChanged(old, updated *model.Project) bool {
	if !old.IsRemote() && !updated.IsRemote() {
		return false
	}
	return old.Name != updated.Name ||
		old.GitProvider != updated.GitProvider ||
		old.RepositoryPath != updated.RepositoryPath
}

// relinkDiagrams queues removal of every diagram at its old remote path and
// creation at the new one. Stored hashes are cleared since they describe files
// at the old location.
func (s *SQLiteDatabase) relinkDiagrams(ctx context.Context, tx *sql.Tx, old, updated *model.Project, now time.Time) error {
	diagrams, err := queryDiagrams(ctx, tx, `SELECT id, doc FROM diagrams WHERE project_id = ? ORDER BY id`, updated.ID)
	if err != nil {
		return err
	}

	repoChanged := old.GitProvider != updated.GitProvider || old.RepositoryPath != updated.RepositoryPath
	if updated.IsRemote() && repoChanged {
		if _, err := insertQueueItem(ctx, tx, dsync.ProjectItem(updated, model.OpCreate, now)); err != nil {
			return err
		}
	}

	for _, d := range diagrams {
		if old.IsRemote() {
			item := dsync.DiagramItem(old, d, model.OpDelete, d.LastModifiedRemoteSHA, s.opts.RemoteDir, now)
			if _, err := insertQueueItem(ctx, tx, item); err != nil {
				return err
			}
		}
		if updated.IsRemote() {
			item := dsync.DiagramItem(updated, d, model.OpCreate, "", s.opts.RemoteDir, now)
			if _, err := insertQueueItem(ctx, tx, item); err != nil {
				return err
			}
		}
		if d.LastModifiedRemoteSHA != "" {
			d.LastModifiedRemoteSHA = ""
			if err := writeDiagram(ctx, tx, d); err != nil {
				return err
			}
		}
	}

	s.opts.Logger.Info("relinked project diagrams",
		"project", updated.Name, "diagrams", len(diagrams),
		"from", old.RepositoryPath, "to", updated.RepositoryPath)
	return nil
}

// DeleteProject removes the project and its diagrams. Items already queued for
// the project stay queued; their payloads do not depend on the local records.
func (s *SQLiteDatabase) DeleteProject(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := getProject(ctx, tx, id)
		if err != nil {
			return err
		}
		if p == nil {
			return &dsync.NotFoundError{Kind: "project", ID: id}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM diagrams WHERE project_id = ?`, id); err != nil {
			return fmt.Errorf("deleting diagrams of project %d: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id); err != nil {
			return fmt.Errorf("deleting project %d: %w", id, err)
		}
		return nil
	})
}

// DiscardProject removes the project, its diagrams and every queued item of
// the project, so nothing of it reaches the remote.
func (s *SQLiteDatabase) DiscardProject(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM sync_queue WHERE project_id = ?`,
			`DELETE FROM diagrams WHERE project_id = ?`,
			`DELETE FROM projects WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return fmt.Errorf("discarding project %d: %w", id, err)
			}
		}
		return nil
	})
}

func (s *SQLiteDatabase) GetProject(ctx context.Context, id int64) (*model.Project, error) {
	var p *model.Project
	err := s.withDB(func(q querier) error {
		var err error
		p, err = getProject(ctx, q, id)
		return err
	})
	return p, err
}

func (s *SQLiteDatabase) GetProjectByName(ctx context.Context, name string) (*model.Project, error) {
	var p *model.Project
	err := s.withDB(func(q querier) error {
		projects, err := queryProjects(ctx, q, `SELECT id, doc FROM projects WHERE name_key = ?`, name)
		if err != nil {
			return err
		}
		if len(projects) > 0 {
			p = projects[0]
		}
		return nil
	})
	return p, err
}

func (s *SQLiteDatabase) GetAllProjects(ctx context.Context) ([]*model.Project, error) {
	var projects []*model.Project
	err := s.withDB(func(q querier) error {
		var err error
		projects, err = queryProjects(ctx, q, `SELECT id, doc FROM projects ORDER BY id`)
		return err
	})
	return projects, err
}

// Diagram operations

func (s *SQLiteDatabase) AddDiagram(ctx context.Context, d *model.Diagram) (int64, error) {
	if err := dsync.ValidateDiagram(d); err != nil {
		return 0, err
	}

	now := s.now()
	rec := *d
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := getProject(ctx, tx, rec.ProjectID)
		if err != nil {
			return err
		}
		if p == nil {
			return &dsync.ValidationError{Kind: "diagram", Err: fmt.Errorf("project %d does not exist", rec.ProjectID)}
		}

		doc, err := codec.EncodeDiagram(&rec)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO diagrams (id, project_id, title_key, doc) VALUES (?, ?, ?, ?)`,
			nullableID(rec.ID), rec.ProjectID, codec.IndexKey(codec.KindDiagram, doc), string(doc))
		if err != nil {
			return constraintError(err, "diagram", rec.ID, rec.Title, "inserting diagram")
		}
		if rec.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("reading diagram id: %w", err)
		}

		if doc, err = codec.SetID(codec.KindDiagram, doc, rec.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE diagrams SET doc = ? WHERE id = ?`, string(doc), rec.ID); err != nil {
			return fmt.Errorf("storing diagram id: %w", err)
		}

		if p.IsRemote() {
			item := dsync.DiagramItem(p, &rec, model.OpCreate, rec.LastModifiedRemoteSHA, s.opts.RemoteDir, now)
			if _, err := insertQueueItem(ctx, tx, item); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	*d = rec
	return rec.ID, nil
}

func (s *SQLiteDatabase) UpdateDiagram(ctx context.Context, d *model.Diagram) error {
	if d.ID == 0 {
		return &dsync.ValidationError{Kind: "diagram", Err: errors.New("id is required for update")}
	}

	now := s.now()
	rec := *d

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		old, err := getDiagram(ctx, tx, rec.ID)
		if err != nil {
			return err
		}
		if old == nil {
			return &dsync.NotFoundError{Kind: "diagram", ID: rec.ID}
		}

		if rec.ProjectID == 0 {
			rec.ProjectID = old.ProjectID
		}
		if rec.ProjectID != old.ProjectID {
			return &dsync.ValidationError{Kind: "diagram", Err: errors.New("a diagram cannot move to another project")}
		}
		if err := dsync.ValidateDiagram(&rec); err != nil {
			return err
		}

		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = old.CreatedAt
		}
		rec.UpdatedAt = now
		rec.LastModifiedRemoteSHA = old.LastModifiedRemoteSHA

		p, err := getProject(ctx, tx, rec.ProjectID)
		if err != nil {
			return err
		}
		remote := p != nil && p.IsRemote()
		renamed := rec.Title != old.Title
		if remote && renamed {
			rec.LastModifiedRemoteSHA = ""
		}

		if err := writeDiagram(ctx, tx, &rec); err != nil {
			return err
		}

		if !remote || (!renamed && rec.Content == old.Content) {
			return nil
		}
		if renamed {
			del := dsync.DiagramItem(p, old, model.OpDelete, old.LastModifiedRemoteSHA, s.opts.RemoteDir, now)
			if _, err := insertQueueItem(ctx, tx, del); err != nil {
				return err
			}
			_, err := insertQueueItem(ctx, tx, dsync.DiagramItem(p, &rec, model.OpCreate, "", s.opts.RemoteDir, now))
			return err
		}
		_, err = insertQueueItem(ctx, tx, dsync.DiagramItem(p, &rec, model.OpUpdate, rec.LastModifiedRemoteSHA, s.opts.RemoteDir, now))
		return err
	})
	if err != nil {
		return err
	}

	*d = rec
	return nil
}

func (s *SQLiteDatabase) DeleteDiagram(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		d, err := getDiagram(ctx, tx, id)
		if err != nil {
			return err
		}
		if d == nil {
			return &dsync.NotFoundError{Kind: "diagram", ID: id}
		}
		p, err := getProject(ctx, tx, d.ProjectID)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM diagrams WHERE id = ?`, id); err != nil {
			return fmt.Errorf("deleting diagram %d: %w", id, err)
		}

		if p != nil && p.IsRemote() {
			item := dsync.DiagramItem(p, d, model.OpDelete, d.LastModifiedRemoteSHA, s.opts.RemoteDir, s.now())
			if _, err := insertQueueItem(ctx, tx, item); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteDatabase) GetDiagram(ctx context.Context, id int64) (*model.Diagram, error) {
	var d *model.Diagram
	err := s.withDB(func(q querier) error {
		var err error
		d, err = getDiagram(ctx, q, id)
		return err
	})
	return d, err
}

func (s *SQLiteDatabase) GetDiagramByTitle(ctx context.Context, projectID int64, title string) (*model.Diagram, error) {
	var d *model.Diagram
	err := s.withDB(func(q querier) error {
		diagrams, err := queryDiagrams(ctx, q,
			`SELECT id, doc FROM diagrams WHERE project_id = ? AND title_key = ?`, projectID, title)
		if err != nil {
			return err
		}
		if len(diagrams) > 0 {
			d = diagrams[0]
		}
		return nil
	})
	return d, err
}

func (s *SQLiteDatabase) GetDiagramsByProjectID(ctx context.Context, projectID int64) ([]*model.Diagram, error) {
	var diagrams []*model.Diagram
	err := s.withDB(func(q querier) error {
		var err error
		diagrams, err = queryDiagrams(ctx, q,
			`SELECT id, doc FROM diagrams WHERE project_id = ? ORDER BY id`, projectID)
		return err
	})
	return diagrams, err
}

func (s *SQLiteDatabase) SetDiagramRemoteSHA(ctx context.Context, id int64, sha string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		d, err := getDiagram(ctx, tx, id)
		if err != nil {
			return err
		}
		if d == nil {
			return &dsync.NotFoundError{Kind: "diagram", ID: id}
		}
		d.LastModifiedRemoteSHA = sha
		return writeDiagram(ctx, tx, d)
	})
}

// Row helpers

func getProject(ctx context.Context, q querier, id int64) (*model.Project, error) {
	projects, err := queryProjects(ctx, q, `SELECT id, doc FROM projects WHERE id = ?`, id)
	if err != nil || len(projects) == 0 {
		return nil, err
	}
	return projects[0], nil
}

func getDiagram(ctx context.Context, q querier, id int64) (*model.Diagram, error) {
	diagrams, err := queryDiagrams(ctx, q, `SELECT id, doc FROM diagrams WHERE id = ?`, id)
	if err != nil || len(diagrams) == 0 {
		return nil, err
	}
	return diagrams[0], nil
}

// queryDocs runs query and collects (id, doc) pairs. Rows are fully read and
// closed before returning so the single connection is free for the caller.
func queryDocs(ctx context.Context, q querier, query string, args ...any) ([]int64, [][]byte, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	var ids []int64
	var docs [][]byte
	for rows.Next() {
		var id int64
		var doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, nil, fmt.Errorf("scanning record: %w", err)
		}
		ids = append(ids, id)
		docs = append(docs, []byte(doc))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("reading records: %w", err)
	}
	return ids, docs, nil
}

func queryProjects(ctx context.Context, q querier, query string, args ...any) ([]*model.Project, error) {
	ids, docs, err := queryDocs(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	projects := make([]*model.Project, 0, len(ids))
	for i, doc := range docs {
		p, err := codec.DecodeProject(doc)
		if err != nil {
			return nil, fmt.Errorf("project %d: %w", ids[i], err)
		}
		p.ID = ids[i]
		projects = append(projects, p)
	}
	return projects, nil
}

func queryDiagrams(ctx context.Context, q querier, query string, args ...any) ([]*model.Diagram, error) {
	ids, docs, err := queryDocs(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	diagrams := make([]*model.Diagram, 0, len(ids))
	for i, doc := range docs {
		d, err := codec.DecodeDiagram(doc)
		if err != nil {
			return nil, fmt.Errorf("diagram %d: %w", ids[i], err)
		}
		d.ID = ids[i]
		diagrams = append(diagrams, d)
	}
	return diagrams, nil
}

func writeDiagram(ctx context.Context, q querier, d *model.Diagram) error {
	doc, err := codec.EncodeDiagram(d)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`UPDATE diagrams SET title_key = ?, doc = ? WHERE id = ?`,
		codec.IndexKey(codec.KindDiagram, doc), string(doc), d.ID)
	if err != nil {
		return constraintError(err, "diagram", d.ID, d.Title, "updating diagram")
	}
	return nil
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

// constraintError maps a SQLite uniqueness failure to a *dsync.UniqueError.
// Other errors are wrapped with op.
func constraintError(err error, kind string, id int64, key, op string) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
		switch serr.ExtendedCode {
		case sqlite3.ErrConstraintPrimaryKey:
			return &dsync.UniqueError{Kind: kind, Field: "id", Value: fmt.Sprint(id)}
		case sqlite3.ErrConstraintUnique:
			if strings.HasSuffix(serr.Error(), ".id") {
				return &dsync.UniqueError{Kind: kind, Field: "id", Value: fmt.Sprint(id)}
			}
			field := "name"
			if kind == "diagram" {
				field = "title"
			}
			return &dsync.UniqueError{Kind: kind, Field: field, Value: key}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
