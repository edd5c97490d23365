package dsync

import (
	"context"

	"diagramsync/internal/model"
)

// Store persists projects and diagrams. Mutations of a remote-linked project's
// records enqueue the matching sync operation in the same transaction, so a
// record change and its queue item are committed or lost together.
//
// Lookups return (nil, nil) when the record does not exist. Mutations of a
// missing record return a *NotFoundError.
type Store interface {
	// Project operations

	// AddProject validates and inserts p, assigning p.ID and timestamps.
	AddProject(ctx context.Context, p *model.Project) (int64, error)

	// UpdateProject replaces the stored project with p.ID. Changing the name or
	// remote linkage of a remote project re-queues its diagrams under the new path.
	UpdateProject(ctx context.Context, p *model.Project) error

	// DeleteProject removes the project and all of its diagrams.
	DeleteProject(ctx context.Context, id int64) error

	// DiscardProject removes the project, its diagrams and its queued items.
	// It undoes a project that was only partly written.
	DiscardProject(ctx context.Context, id int64) error

	GetProject(ctx context.Context, id int64) (*model.Project, error)
	GetProjectByName(ctx context.Context, name string) (*model.Project, error)
	GetAllProjects(ctx context.Context) ([]*model.Project, error)

	// Diagram operations

	// AddDiagram validates and inserts d. The owning project must exist.
	AddDiagram(ctx context.Context, d *model.Diagram) (int64, error)

	// UpdateDiagram replaces title and content of the stored diagram with d.ID.
	// The stored remote hash is kept; only SetDiagramRemoteSHA changes it.
	UpdateDiagram(ctx context.Context, d *model.Diagram) error

	DeleteDiagram(ctx context.Context, id int64) error

	GetDiagram(ctx context.Context, id int64) (*model.Diagram, error)
	GetDiagramByTitle(ctx context.Context, projectID int64, title string) (*model.Diagram, error)
	GetDiagramsByProjectID(ctx context.Context, projectID int64) ([]*model.Diagram, error)

	// SetDiagramRemoteSHA records the hash a remote write returned. It does not
	// enqueue anything and does not touch UpdatedAt.
	SetDiagramRemoteSHA(ctx context.Context, id int64, sha string) error

	// Close closes the underlying handle.
	Close() error
}

// SyncQueue is the durable FIFO of pending remote operations.
type SyncQueue interface {
	// Enqueue appends item and returns its id. Ids increase monotonically.
	Enqueue(ctx context.Context, item *model.SyncQueueItem) (int64, error)

	// ListPending returns every item in insertion order.
	ListPending(ctx context.Context) ([]*model.SyncQueueItem, error)

	// ListPendingForProject returns the project's items in insertion order.
	ListPendingForProject(ctx context.Context, projectID int64) ([]*model.SyncQueueItem, error)

	// Remove deletes an item once the remote has confirmed it. Removing an
	// unknown id is not an error.
	Remove(ctx context.Context, id int64) error

	// RecordFailure increments the item's attempt count and stores cause.
	RecordFailure(ctx context.Context, id int64, cause error) error

	// UpdatePendingSHA sets the expected remote hash of every pending diagram
	// item of the project that targets path, creates excepted. It is called
	// after a confirmed write so later items replay against the new hash.
	UpdatePendingSHA(ctx context.Context, projectID int64, path, sha string) error
}
