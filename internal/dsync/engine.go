package dsync

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"diagramsync/internal/model"
)

var tracer = otel.Tracer("diagramsync/internal/dsync")

// DefaultWorkers bounds how many projects SyncAll syncs at once.
const DefaultWorkers = 4

// EngineOptions configure an Engine. Zero values select defaults.
type EngineOptions struct {
	RemoteDir    string
	CommitPrefix string
	Workers      int

	Logger  Logger
	Metrics Metrics
	Clock   Clock
	IDGen   IDGenerator
}

// Engine drains the sync queue against the remote providers.
//
// Items of one project are replayed strictly in queue order and one pass per
// project runs at a time. A pass stops at the first item that fails: a
// conflict or permission failure needs the user, and anything else is
// retried by the next pass. The failing item stays queued either way.
type Engine struct {
	store     Store
	queue     SyncQueue
	providers ProviderSet
	tokens    TokenSource

	remoteDir    string
	commitPrefix string
	workers      int
	logger       Logger
	metrics      Metrics
	clock        Clock
	idgen        IDGenerator

	lockMu sync.Mutex
	locks  map[int64]*sync.Mutex

	statusMu sync.Mutex
	status   map[int64]*ProjectStatus

	events broadcaster
}

// NewEngine creates an Engine.
func NewEngine(store Store, queue SyncQueue, providers ProviderSet, tokens TokenSource, opts EngineOptions) *Engine {
	e := &Engine{
		store:        store,
		queue:        queue,
		providers:    providers,
		tokens:       tokens,
		remoteDir:    opts.RemoteDir,
		commitPrefix: opts.CommitPrefix,
		workers:      opts.Workers,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		clock:        opts.Clock,
		idgen:        opts.IDGen,
		locks:        make(map[int64]*sync.Mutex),
		status:       make(map[int64]*ProjectStatus),
	}
	if e.remoteDir == "" {
		e.remoteDir = DefaultRemoteDir
	}
	if e.workers <= 0 {
		e.workers = DefaultWorkers
	}
	if e.logger == nil {
		e.logger = NewNopLogger()
	}
	if e.metrics == nil {
		e.metrics = NopMetrics{}
	}
	if e.clock == nil {
		e.clock = RealClock{}
	}
	if e.idgen == nil {
		e.idgen = UUIDGenerator{}
	}
	return e
}

// Subscribe returns a channel receiving engine events and a function that
// ends the subscription and closes the channel.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	return e.events.subscribe(buffer)
}

// Status returns the sync status of a project. Projects never synced are idle.
func (e *Engine) Status(projectID int64) ProjectStatus {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	if st, ok := e.status[projectID]; ok {
		return *st
	}
	return ProjectStatus{ProjectID: projectID, State: StateIdle}
}

// Statuses returns the status of every project synced so far, by project id.
func (e *Engine) Statuses() []ProjectStatus {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	out := make([]ProjectStatus, 0, len(e.status))
	for _, st := range e.status {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

func (e *Engine) setState(projectID int64, runID string, state SyncState, remaining int, err error) {
	now := e.clock.Now()
	e.statusMu.Lock()
	st, ok := e.status[projectID]
	if !ok {
		st = &ProjectStatus{ProjectID: projectID}
		e.status[projectID] = st
	}
	st.State = state
	st.RunID = runID
	if state == StateSyncing {
		st.LastError = nil
	} else {
		st.LastRun = now
		st.Remaining = remaining
		st.LastError = err
	}
	e.statusMu.Unlock()

	e.events.publish(Event{Kind: EventState, ProjectID: projectID, RunID: runID, State: state, Err: err, At: now})
}

func (e *Engine) projectLock(projectID int64) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	if lock, ok := e.locks[projectID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	e.locks[projectID] = lock
	return lock
}

// SyncAll runs a pass for every project with queued items, several projects
// at a time. It returns one result per project and the joined pass errors.
func (e *Engine) SyncAll(ctx context.Context) ([]*Result, error) {
	items, err := e.queue.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing pending items: %w", err)
	}

	var projectIDs []int64
	seen := make(map[int64]bool)
	for _, item := range items {
		if !seen[item.ProjectID] {
			seen[item.ProjectID] = true
			projectIDs = append(projectIDs, item.ProjectID)
		}
	}

	results := make([]*Result, len(projectIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, id := range projectIDs {
		g.Go(func() error {
			res, err := e.SyncProject(gctx, id)
			if res == nil {
				res = &Result{ProjectID: id, Err: err}
			}
			results[i] = res
			// Project failures are reported per result; they must not cancel
			// the passes of other projects.
			return nil
		})
	}
	g.Wait()

	var errs []error
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("project %d: %w", res.ProjectID, res.Err))
		}
	}
	return results, errors.Join(errs...)
}

// SyncProject runs one pass over the project's queued items. The returned
// error is the pass's first unresolved error; it is also stored in the result
// and the project status.
func (e *Engine) SyncProject(ctx context.Context, projectID int64) (*Result, error) {
	lock := e.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	runID := e.idgen.New()
	ctx, span := tracer.Start(ctx, "sync.project", trace.WithAttributes(
		attribute.Int64("project.id", projectID),
		attribute.String("run.id", runID),
	))
	defer span.End()

	start := e.clock.Now()
	res := &Result{ProjectID: projectID, RunID: runID}

	items, err := e.queue.ListPendingForProject(ctx, projectID)
	if err != nil {
		err = fmt.Errorf("listing pending items: %w", err)
		e.finish(ctx, span, res, start, err)
		return res, err
	}
	if len(items) == 0 {
		e.finish(ctx, span, res, start, nil)
		return res, nil
	}

	e.logger.Info("sync pass started", "run", runID, "project", projectID, "items", len(items))
	e.setState(projectID, runID, StateSyncing, len(items), nil)

	p := newPass(e, runID)
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			e.logger.Info("sync pass cancelled", "run", runID, "project", projectID)
			e.finish(ctx, span, res, start, err)
			return res, err
		}

		// An in-flight item always runs to completion.
		itemCtx := context.WithoutCancel(ctx)
		if err := p.apply(itemCtx, item); err != nil {
			e.fail(itemCtx, runID, item, err)
			e.finish(ctx, span, res, start, err)
			return res, err
		}

		if err := e.queue.Remove(itemCtx, item.ID); err != nil {
			err = fmt.Errorf("removing queue item %d: %w", item.ID, err)
			e.finish(ctx, span, res, start, err)
			return res, err
		}
		res.Synced++
		e.metrics.ItemProcessed(string(item.TargetKind), string(item.Operation), "ok")
		e.events.publish(Event{
			Kind: EventItemSynced, ProjectID: projectID, RunID: runID,
			ItemID: item.ID, Path: item.Payload.Path, At: e.clock.Now(),
		})
		e.logger.Debug("queue item synced", "run", runID, "item", item.ID,
			"op", item.Operation, "path", item.Payload.Path)
	}

	e.finish(ctx, span, res, start, nil)
	return res, nil
}

func (e *Engine) fail(ctx context.Context, runID string, item *model.SyncQueueItem, cause error) {
	outcome := Classify(cause)
	if err := e.queue.RecordFailure(ctx, item.ID, cause); err != nil {
		e.logger.Error("recording queue failure", "run", runID, "item", item.ID, "error", err)
	}
	e.metrics.ItemProcessed(string(item.TargetKind), string(item.Operation), outcome)
	e.events.publish(Event{
		Kind: EventItemFailed, ProjectID: item.ProjectID, RunID: runID,
		ItemID: item.ID, Path: item.Payload.Path, Err: cause, At: e.clock.Now(),
	})
	e.logger.Warn("queue item failed", "run", runID, "item", item.ID, "op", item.Operation,
		"path", item.Payload.Path, "outcome", outcome, "error", cause)
}

// finish counts what is left, records the final state, and closes out the span.
func (e *Engine) finish(ctx context.Context, span trace.Span, res *Result, start time.Time, err error) {
	remaining, lerr := e.queue.ListPendingForProject(context.WithoutCancel(ctx), res.ProjectID)
	if lerr != nil {
		e.logger.Error("counting remaining items", "run", res.RunID, "project", res.ProjectID, "error", lerr)
	}
	res.Remaining = len(remaining)
	res.Err = err

	state := StateIdle
	outcome := "ok"
	if err != nil {
		state = StateError
		outcome = Classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.SetAttributes(attribute.Int("items.synced", res.Synced), attribute.Int("items.remaining", res.Remaining))

	e.setState(res.ProjectID, res.RunID, state, res.Remaining, err)
	e.metrics.PassCompleted(outcome, e.clock.Now().Sub(start), res.Remaining)
	if res.Synced > 0 || err != nil {
		e.logger.Info("sync pass finished", "run", res.RunID, "project", res.ProjectID,
			"synced", res.Synced, "remaining", res.Remaining, "outcome", outcome)
	}
}

// pass holds what one project pass has learned about the remote: directory
// listings and the hashes of files written during the pass.
type pass struct {
	e     *Engine
	runID string

	listings map[string]map[string]string // remote dir -> file path -> sha
	expected map[string]string            // remote file -> sha after a write in this pass
	clients  map[model.GitProvider]remote
}

type remote struct {
	provider Provider
	token    string
}

func newPass(e *Engine, runID string) *pass {
	return &pass{
		e:        e,
		runID:    runID,
		listings: make(map[string]map[string]string),
		expected: make(map[string]string),
		clients:  make(map[model.GitProvider]remote),
	}
}

func (p *pass) remote(name model.GitProvider) (remote, error) {
	if r, ok := p.clients[name]; ok {
		return r, nil
	}
	provider, err := p.e.providers.Provider(name)
	if err != nil {
		return remote{}, fmt.Errorf("resolving provider: %w", err)
	}
	token, err := p.e.tokens.Token(name)
	if err != nil {
		return remote{}, fmt.Errorf("reading %s token: %w", name, err)
	}
	r := remote{provider: provider, token: token}
	p.clients[name] = r
	return r, nil
}

func (p *pass) apply(ctx context.Context, item *model.SyncQueueItem) error {
	ctx, span := tracer.Start(ctx, "sync.item", trace.WithAttributes(
		attribute.Int64("item.id", item.ID),
		attribute.String("item.kind", string(item.TargetKind)),
		attribute.String("item.op", string(item.Operation)),
	))
	defer span.End()

	r, err := p.remote(item.Payload.Provider)
	if err != nil {
		return err
	}
	repo, err := ParseRepoRef(item.Payload.Repository)
	if err != nil {
		return &ValidationError{Kind: "queue item", Err: err}
	}

	switch item.TargetKind {
	case model.TargetProject:
		err = p.applyProject(ctx, r, repo, item)
	case model.TargetDiagram:
		err = p.applyDiagram(ctx, r, repo, item)
	default:
		err = fmt.Errorf("unknown target kind %q", item.TargetKind)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Classify(err))
	}
	return err
}

// applyProject verifies the repository is reachable with the configured
// token. Project deletion is local-only, so delete items are confirmed as is.
func (p *pass) applyProject(ctx context.Context, r remote, repo RepoRef, item *model.SyncQueueItem) error {
	if item.Operation == model.OpDelete {
		return nil
	}
	info, err := r.provider.GetRepoInfo(ctx, repo, r.token)
	if err != nil {
		return fmt.Errorf("checking repository %s: %w", repo, err)
	}
	p.e.logger.Info("repository linked", "run", p.runID, "repo", repo.String(), "branch", info.DefaultBranch)
	return nil
}

// listing returns the remote files of dir, fetching it once per pass. A
// directory without a tree hash does not exist yet; the first write creates it.
func (p *pass) listing(ctx context.Context, r remote, repo RepoRef, provider model.GitProvider, dir string) (map[string]string, error) {
	key := remoteKey(provider, repo, dir)
	if files, ok := p.listings[key]; ok {
		return files, nil
	}

	files := make(map[string]string)
	tree, err := r.provider.GetTreeSHA(ctx, repo, dir, r.token)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", dir, err)
	}
	if tree != "" {
		entries, err := r.provider.ListContents(ctx, repo, dir, r.token)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("listing %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.Type == "file" {
				files[entry.Path] = entry.SHA
			}
		}
	}
	p.listings[key] = files
	return files, nil
}

func remoteKey(provider model.GitProvider, repo RepoRef, p string) string {
	return string(provider) + "|" + repo.String() + "|" + p
}

func (p *pass) applyDiagram(ctx context.Context, r remote, repo RepoRef, item *model.SyncQueueItem) error {
	payload := item.Payload
	files, err := p.listing(ctx, r, repo, payload.Provider, path.Dir(payload.Path))
	if err != nil {
		return err
	}
	remoteSHA, exists := files[payload.Path]
	key := remoteKey(payload.Provider, repo, payload.Path)
	known := payload.SHA
	if sha, ok := p.expected[key]; ok && item.Operation != model.OpCreate {
		// The queued snapshot predates a write made earlier in this pass.
		// A create never expects a file, so it is not rebased.
		known = sha
	}
	message := p.e.commitPrefix + payload.Message

	if item.Operation == model.OpDelete {
		switch {
		case !exists:
			p.e.logger.Debug("remote file already gone", "run", p.runID, "path", payload.Path)
			p.expected[key] = ""
			return p.confirmed(ctx, item, "")
		case known == "":
			return &ConflictError{Path: payload.Path, RemoteSHA: remoteSHA, Reason: "remote file was never synced from here"}
		case remoteSHA != known:
			return &ConflictError{Path: payload.Path, LocalSHA: known, RemoteSHA: remoteSHA, Reason: "remote file changed since last sync"}
		}
		if _, err := r.provider.DeleteContents(ctx, repo, payload.Path, message, known, r.token); err != nil {
			if !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("deleting %s: %w", payload.Path, err)
			}
		}
		delete(files, payload.Path)
		p.expected[key] = ""
		return p.confirmed(ctx, item, "")
	}

	if exists && remoteSHA == BlobSHA(payload.Content) {
		// Written by an earlier pass that stopped before confirming.
		p.expected[key] = remoteSHA
		return p.written(ctx, item, files, remoteSHA)
	}
	switch {
	case known == "" && exists:
		return &ConflictError{Path: payload.Path, RemoteSHA: remoteSHA, Reason: "file already exists remotely"}
	case known != "" && !exists:
		return &ConflictError{Path: payload.Path, LocalSHA: known, Reason: "file no longer exists remotely"}
	case known != "" && remoteSHA != known:
		return &ConflictError{Path: payload.Path, LocalSHA: known, RemoteSHA: remoteSHA, Reason: "remote file changed since last sync"}
	}

	res, err := r.provider.PutContents(ctx, repo, payload.Path, payload.Content, message, known, r.token)
	if err != nil {
		return fmt.Errorf("writing %s: %w", payload.Path, err)
	}
	sha := res.SHA
	if sha == "" {
		sha = BlobSHA(payload.Content)
	}
	p.expected[key] = sha
	return p.written(ctx, item, files, sha)
}

func (p *pass) written(ctx context.Context, item *model.SyncQueueItem, files map[string]string, sha string) error {
	files[item.Payload.Path] = sha
	if err := p.recordSHA(ctx, item, sha); err != nil {
		return err
	}
	return p.confirmed(ctx, item, sha)
}

// confirmed rebases the project's later items for the same path on sha.
func (p *pass) confirmed(ctx context.Context, item *model.SyncQueueItem, sha string) error {
	if err := p.e.queue.UpdatePendingSHA(ctx, item.ProjectID, item.Payload.Path, sha); err != nil {
		return fmt.Errorf("updating pending items for %s: %w", item.Payload.Path, err)
	}
	return nil
}

// recordSHA stores sha on the diagram if the diagram still maps to the
// written file. A diagram deleted or renamed since is left alone.
func (p *pass) recordSHA(ctx context.Context, item *model.SyncQueueItem, sha string) error {
	d, err := p.e.store.GetDiagram(ctx, item.TargetID)
	if err != nil {
		return fmt.Errorf("loading diagram %d: %w", item.TargetID, err)
	}
	if d == nil {
		return nil
	}
	proj, err := p.e.store.GetProject(ctx, d.ProjectID)
	if err != nil {
		return fmt.Errorf("loading project %d: %w", d.ProjectID, err)
	}
	if proj == nil ||
		proj.GitProvider != item.Payload.Provider ||
		proj.RepositoryPath != item.Payload.Repository ||
		RemotePath(p.e.remoteDir, proj.Name, d.Title) != item.Payload.Path {
		return nil
	}
	if err := p.e.store.SetDiagramRemoteSHA(ctx, d.ID, sha); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("recording remote sha of diagram %d: %w", d.ID, err)
	}
	return nil
}
