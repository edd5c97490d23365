package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"diagramsync/internal/dsync"
	"diagramsync/internal/model"
)

const queueColumns = `id, project_id, target_kind, target_id, operation, payload, attempts, last_error, created_at`

func (s *SQLiteDatabase) Enqueue(ctx context.Context, item *model.SyncQueueItem) (int64, error) {
	if item.ProjectID == 0 || item.TargetKind == "" || item.Operation == "" {
		return 0, &dsync.ValidationError{Kind: "queue item", Err: errors.New("project, target kind and operation are required")}
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now()
	}

	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = insertQueueItem(ctx, tx, item)
		return err
	})
	return id, err
}

func (s *SQLiteDatabase) ListPending(ctx context.Context) ([]*model.SyncQueueItem, error) {
	var items []*model.SyncQueueItem
	err := s.withDB(func(q querier) error {
		var err error
		items, err = queryQueue(ctx, q, `SELECT `+queueColumns+` FROM sync_queue ORDER BY id`)
		return err
	})
	return items, err
}

func (s *SQLiteDatabase) ListPendingForProject(ctx context.Context, projectID int64) ([]*model.SyncQueueItem, error) {
	var items []*model.SyncQueueItem
	err := s.withDB(func(q querier) error {
		var err error
		items, err = queryQueue(ctx, q,
			`SELECT `+queueColumns+` FROM sync_queue WHERE project_id = ? ORDER BY id`, projectID)
		return err
	})
	return items, err
}

func (s *SQLiteDatabase) Remove(ctx context.Context, id int64) error {
	return s.withDB(func(q querier) error {
		if _, err := q.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
			return fmt.Errorf("removing queue item %d: %w", id, err)
		}
		return nil
	})
}

func (s *SQLiteDatabase) RecordFailure(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.withDB(func(q querier) error {
		_, err := q.ExecContext(ctx,
			`UPDATE sync_queue SET attempts = attempts + 1, last_error = ? WHERE id = ?`, msg, id)
		if err != nil {
			return fmt.Errorf("recording failure of queue item %d: %w", id, err)
		}
		return nil
	})
}

func (s *SQLiteDatabase) UpdatePendingSHA(ctx context.Context, projectID int64, path, sha string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		items, err := queryQueue(ctx, tx,
			`SELECT `+queueColumns+` FROM sync_queue WHERE project_id = ? AND target_kind = ? ORDER BY id`,
			projectID, string(model.TargetDiagram))
		if err != nil {
			return err
		}

		for _, item := range items {
			if item.Operation == model.OpCreate || item.Payload.Path != path || item.Payload.SHA == sha {
				continue
			}
			item.Payload.SHA = sha
			payload, err := json.Marshal(item.Payload)
			if err != nil {
				return fmt.Errorf("encoding payload of queue item %d: %w", item.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE sync_queue SET payload = ? WHERE id = ?`, string(payload), item.ID); err != nil {
				return fmt.Errorf("updating queue item %d: %w", item.ID, err)
			}
		}
		return nil
	})
}

func insertQueueItem(ctx context.Context, q querier, item *model.SyncQueueItem) (int64, error) {
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return 0, fmt.Errorf("encoding queue payload: %w", err)
	}

	res, err := q.ExecContext(ctx,
		`INSERT INTO sync_queue (project_id, target_kind, target_id, operation, payload, attempts, last_error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ProjectID, string(item.TargetKind), item.TargetID, string(item.Operation),
		string(payload), item.Attempts, item.LastError, item.CreatedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("enqueueing %s %s: %w", item.Operation, item.TargetKind, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading queue item id: %w", err)
	}
	item.ID = id
	return id, nil
}

func queryQueue(ctx context.Context, q querier, query string, args ...any) ([]*model.SyncQueueItem, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sync queue: %w", err)
	}
	defer rows.Close()

	var items []*model.SyncQueueItem
	for rows.Next() {
		var (
			item      model.SyncQueueItem
			kind, op  string
			payload   string
			createdAt time.Time
		)
		if err := rows.Scan(&item.ID, &item.ProjectID, &kind, &item.TargetID, &op,
			&payload, &item.Attempts, &item.LastError, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning queue item: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &item.Payload); err != nil {
			return nil, fmt.Errorf("decoding payload of queue item %d: %w", item.ID, err)
		}
		item.TargetKind = model.TargetKind(kind)
		item.Operation = model.Operation(op)
		item.CreatedAt = createdAt.UTC()
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading sync queue: %w", err)
	}
	return items, nil
}
