package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"diagramsync/internal/config"
	"diagramsync/internal/credentials"
	"diagramsync/internal/database"
	"diagramsync/internal/dsync"
	"diagramsync/internal/model"
	"diagramsync/internal/provider"
	"diagramsync/internal/telemetry"
	"diagramsync/internal/watch"
)

// pushTimeout bounds the metrics push on Close.
const pushTimeout = 10 * time.Second

// Options supply the process-level collaborators of an App. Zero values
// select the real ones.
type Options struct {
	Stderr     io.Writer
	Passphrase credentials.PassphraseFunc
	Clock      dsync.Clock
	IDGen      dsync.IDGenerator
}

// App is the application layer between the CLI and the store and sync engine.
// It constructs all dependencies from config, exposes operations that take
// project and diagram names as the user types them, and releases everything
// on Close.
type App struct {
	cfg       *config.Config
	db        *database.SQLiteDatabase
	creds     *credentials.Store
	providers *provider.Set
	metrics   *telemetry.Metrics
	engine    *dsync.Engine
	transfer  *dsync.Transfer
	logger    dsync.Logger
	clock     dsync.Clock
	op        *Operation

	logCloser       io.Closer
	shutdownTracing telemetry.ShutdownFunc
}

// NewApp creates a fully wired App from the given config. command names the
// CLI command being run. The caller must call Close when done.
func NewApp(ctx context.Context, cfg *config.Config, command string, opts Options) (*App, error) {
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Clock == nil {
		opts.Clock = dsync.RealClock{}
	}
	if opts.IDGen == nil {
		opts.IDGen = dsync.UUIDGenerator{}
	}

	op := NewOperation(opts.IDGen.New(), command, opts.Clock.Now())
	slogger, logCloser, err := newLogger(cfg.Log, opts.Stderr, op.ID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	shutdownTracing, err := telemetry.InitTracing(ctx)
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	db, err := database.NewDatabaseFromConfig(cfg.Database, database.Options{
		Clock:     opts.Clock,
		Logger:    logger,
		RemoteDir: cfg.Sync.RemoteDir,
	})
	if err != nil {
		shutdownTracing(ctx)
		logCloser.Close()
		return nil, fmt.Errorf("creating database: %w", err)
	}

	metrics := telemetry.NewMetrics(nil)
	providers := provider.NewSet(cfg.Providers, provider.Deps{
		Logger:  logger,
		Metrics: metrics,
		Clock:   opts.Clock,
	})
	creds := credentials.NewStoreFromConfig(cfg, opts.Passphrase)
	engine := dsync.NewEngine(db, db, providers, creds, dsync.EngineOptions{
		RemoteDir:    cfg.Sync.RemoteDir,
		CommitPrefix: cfg.Sync.CommitPrefix,
		Workers:      cfg.Sync.Workers,
		Logger:       logger,
		Metrics:      metrics,
		Clock:        opts.Clock,
		IDGen:        opts.IDGen,
	})

	logger.Debug("command started", "command", command)
	return &App{
		cfg:             cfg,
		db:              db,
		creds:           creds,
		providers:       providers,
		metrics:         metrics,
		engine:          engine,
		transfer:        dsync.NewTransfer(db, logger),
		logger:          logger,
		clock:           opts.Clock,
		op:              op,
		logCloser:       logCloser,
		shutdownTracing: shutdownTracing,
	}, nil
}

// Fail marks the command as failed in the closing log line.
func (a *App) Fail() {
	a.op.Fail()
}

// Providers exposes the provider set, for registering replacements in tests.
func (a *App) Providers() *provider.Set {
	return a.providers
}

// Credentials returns the token store.
func (a *App) Credentials() *credentials.Store {
	return a.creds
}

// Subscribe forwards to the sync engine's event stream.
func (a *App) Subscribe(buffer int) (<-chan dsync.Event, func()) {
	return a.engine.Subscribe(buffer)
}

// project looks up a project by name.
func (a *App) project(ctx context.Context, name string) (*model.Project, error) {
	p, err := a.db.GetProjectByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("finding project: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("project %q: %w", name, dsync.ErrNotFound)
	}
	return p, nil
}

// diagram looks up a diagram by project and title.
func (a *App) diagram(ctx context.Context, projectName, title string) (*model.Project, *model.Diagram, error) {
	p, err := a.project(ctx, projectName)
	if err != nil {
		return nil, nil, err
	}
	d, err := a.db.GetDiagramByTitle(ctx, p.ID, title)
	if err != nil {
		return nil, nil, fmt.Errorf("finding diagram: %w", err)
	}
	if d == nil {
		return nil, nil, fmt.Errorf("diagram %q in project %q: %w", title, projectName, dsync.ErrNotFound)
	}
	return p, d, nil
}

// AddProject creates a project. An empty provider makes it local-only.
func (a *App) AddProject(ctx context.Context, name string, gitProvider model.GitProvider, repository string) (*model.Project, error) {
	if gitProvider == "" {
		gitProvider = model.ProviderLocal
	}
	p := &model.Project{Name: name, GitProvider: gitProvider, RepositoryPath: repository}
	if _, err := a.db.AddProject(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ListProjects returns every project.
func (a *App) ListProjects(ctx context.Context) ([]*model.Project, error) {
	return a.db.GetAllProjects(ctx)
}

// Project returns the named project and its diagrams.
func (a *App) Project(ctx context.Context, name string) (*model.Project, []*model.Diagram, error) {
	p, err := a.project(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	diagrams, err := a.db.GetDiagramsByProjectID(ctx, p.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading diagrams: %w", err)
	}
	return p, diagrams, nil
}

// ProjectChanges lists the project fields to change. Nil fields are kept.
type ProjectChanges struct {
	Name        *string
	GitProvider *model.GitProvider
	Repository  *string
}

// EditProject renames or relinks the named project. Diagrams of a remote
// project are queued again under their new location.
func (a *App) EditProject(ctx context.Context, name string, changes ProjectChanges) (*model.Project, error) {
	p, err := a.project(ctx, name)
	if err != nil {
		return nil, err
	}
	if changes.Name != nil {
		p.Name = *changes.Name
	}
	if changes.GitProvider != nil {
		p.GitProvider = *changes.GitProvider
		if p.GitProvider == model.ProviderLocal && changes.Repository == nil {
			p.RepositoryPath = ""
		}
	}
	if changes.Repository != nil {
		p.RepositoryPath = *changes.Repository
	}
	if err := a.db.UpdateProject(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// RemoveProject deletes the named project and its diagrams.
func (a *App) RemoveProject(ctx context.Context, name string) error {
	p, err := a.project(ctx, name)
	if err != nil {
		return err
	}
	return a.db.DeleteProject(ctx, p.ID)
}

// AddDiagram adds a diagram to the named project.
func (a *App) AddDiagram(ctx context.Context, projectName, title, content string) (*model.Diagram, error) {
	p, err := a.project(ctx, projectName)
	if err != nil {
		return nil, err
	}
	d := &model.Diagram{ProjectID: p.ID, Title: title, Content: content}
	if _, err := a.db.AddDiagram(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// ListDiagrams returns the diagrams of the named project.
func (a *App) ListDiagrams(ctx context.Context, projectName string) ([]*model.Diagram, error) {
	_, diagrams, err := a.Project(ctx, projectName)
	return diagrams, err
}

// Diagram returns one diagram by project name and title.
func (a *App) Diagram(ctx context.Context, projectName, title string) (*model.Diagram, error) {
	_, d, err := a.diagram(ctx, projectName, title)
	return d, err
}

// DiagramChanges lists the diagram fields to change. Nil fields are kept.
type DiagramChanges struct {
	Title   *string
	Content *string
}

// EditDiagram retitles or rewrites a diagram.
func (a *App) EditDiagram(ctx context.Context, projectName, title string, changes DiagramChanges) (*model.Diagram, error) {
	_, d, err := a.diagram(ctx, projectName, title)
	if err != nil {
		return nil, err
	}
	if changes.Title != nil {
		d.Title = *changes.Title
	}
	if changes.Content != nil {
		d.Content = *changes.Content
	}
	if err := a.db.UpdateDiagram(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// RemoveDiagram deletes a diagram.
func (a *App) RemoveDiagram(ctx context.Context, projectName, title string) error {
	_, d, err := a.diagram(ctx, projectName, title)
	if err != nil {
		return err
	}
	return a.db.DeleteDiagram(ctx, d.ID)
}

// Import reads the file at path into the store. See dsync.Transfer.ImportFile.
func (a *App) Import(ctx context.Context, path, projectName string) (*dsync.ImportResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return a.transfer.ImportFile(ctx, path, data, projectName)
}

// ExportProject returns the named project as one JSON document.
func (a *App) ExportProject(ctx context.Context, projectName string, semantic bool) ([]byte, error) {
	p, err := a.project(ctx, projectName)
	if err != nil {
		return nil, err
	}
	return a.transfer.ExportProject(ctx, p.ID, semantic)
}

// ExportDiagram returns the content of one diagram.
func (a *App) ExportDiagram(ctx context.Context, projectName, title string) (string, error) {
	_, d, err := a.diagram(ctx, projectName, title)
	if err != nil {
		return "", err
	}
	return a.transfer.ExportDiagram(ctx, d.ID)
}

// Queue returns every pending sync item in queue order.
func (a *App) Queue(ctx context.Context) ([]*model.SyncQueueItem, error) {
	return a.db.ListPending(ctx)
}

// Sync drains the queue of the named project, or of every project when
// projectName is empty.
func (a *App) Sync(ctx context.Context, projectName string) ([]*dsync.Result, error) {
	if projectName == "" {
		return a.engine.SyncAll(ctx)
	}
	p, err := a.project(ctx, projectName)
	if err != nil {
		return nil, err
	}
	res, err := a.engine.SyncProject(ctx, p.ID)
	return []*dsync.Result{res}, err
}

// ProjectSummary is one line of the status report.
type ProjectSummary struct {
	Project   *model.Project
	Diagrams  int
	Pending   int
	State     dsync.SyncState
	Attempts  int    // attempts of the item at the head of the queue
	LastError string // error recorded on the head item, if any
}

// Status summarizes every project. The state is derived from the queue, so it
// survives between runs: a head item with a recorded failure means error.
func (a *App) Status(ctx context.Context) ([]ProjectSummary, error) {
	projects, err := a.db.GetAllProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading projects: %w", err)
	}
	items, err := a.db.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading queue: %w", err)
	}

	byProject := make(map[int64][]*model.SyncQueueItem)
	for _, item := range items {
		byProject[item.ProjectID] = append(byProject[item.ProjectID], item)
	}

	out := make([]ProjectSummary, 0, len(projects))
	for _, p := range projects {
		diagrams, err := a.db.GetDiagramsByProjectID(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("loading diagrams: %w", err)
		}
		s := ProjectSummary{Project: p, Diagrams: len(diagrams), State: dsync.StateIdle}
		if pending := byProject[p.ID]; len(pending) > 0 {
			s.Pending = len(pending)
			s.Attempts = pending[0].Attempts
			s.LastError = pending[0].LastError
			if s.LastError != "" {
				s.State = dsync.StateError
			}
		}
		if st := a.engine.Status(p.ID); st.State == dsync.StateSyncing {
			s.State = st.State
		}
		out = append(out, s)
	}
	return out, nil
}

// Watch mirrors dir into the named project until ctx is done. With autoSync
// set, each change is followed by a sync pass of the project.
func (a *App) Watch(ctx context.Context, dir, projectName string, autoSync bool) error {
	p, err := a.project(ctx, projectName)
	if err != nil {
		return err
	}
	opts := watch.Options{Logger: a.logger, Ignore: a.cfg.Watch.Ignore}
	if autoSync && p.IsRemote() {
		opts.OnChange = func(ctx context.Context, c watch.Change) {
			if _, err := a.engine.SyncProject(ctx, p.ID); err != nil {
				a.logger.Warn("sync after file change failed", "path", c.Path, "error", err)
			}
		}
	}
	return watch.New(dir, p.ID, a.db, opts).Run(ctx)
}

// Close pushes metrics if a gateway is configured, then releases the store,
// the tracer and the log file.
func (a *App) Close() error {
	var firstErr error

	if url := a.cfg.Metrics.PushgatewayURL; url != "" {
		ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		if err := a.metrics.Push(ctx, url); err != nil {
			a.logger.Warn("pushing metrics failed", "error", err)
		}
		cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	if err := a.shutdownTracing(ctx); err != nil {
		a.logger.Warn("flushing traces failed", "error", err)
	}
	cancel()

	if err := a.db.Close(); err != nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}

	a.logger.Info("command finished", "command", a.op.Command, "status", a.op.Status,
		"elapsed", a.clock.Now().Sub(a.op.Started))
	if err := a.logCloser.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing log: %w", err)
	}
	return firstErr
}
