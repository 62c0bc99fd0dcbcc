package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"docflow/api/internal/apperr"
)

const workflowColumns = `id, document_id, name, status, priority, steps, created_by, created_at, updated_at,
	deadline, completed_at, cancel_reason, revision`

func scanWorkflow(row rowScanner) (Workflow, error) {
	var (
		item        Workflow
		steps       []byte
		deadline    sql.NullTime
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&item.ID,
		&item.DocumentID,
		&item.Name,
		&item.Status,
		&item.Priority,
		&steps,
		&item.CreatedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
		&deadline,
		&completedAt,
		&item.CancelReason,
		&item.Revision,
	); err != nil {
		return Workflow{}, err
	}
	if err := json.Unmarshal(steps, &item.Steps); err != nil {
		return Workflow{}, fmt.Errorf("decode workflow steps: %w", err)
	}
	item.Deadline = nullTimePtr(deadline)
	item.CompletedAt = nullTimePtr(completedAt)
	return item, nil
}

func (s *PostgresStore) InsertWorkflow(ctx context.Context, wf Workflow) error {
	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return fmt.Errorf("encode workflow steps: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, document_id, name, status, priority, steps, created_by, created_at, updated_at, deadline, completed_at, cancel_reason, revision)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11, $12, $13)
	`,
		wf.ID,
		wf.DocumentID,
		wf.Name,
		wf.Status,
		wf.Priority,
		string(steps),
		wf.CreatedBy,
		wf.CreatedAt,
		wf.UpdatedAt,
		timePtrValue(wf.Deadline),
		timePtrValue(wf.CompletedAt),
		wf.CancelReason,
		wf.Revision,
	)
	if err != nil {
		if errors.Is(translate(err, "insert workflow", "document not found"), apperr.ErrConflict) {
			return apperr.New(apperr.ErrConflict, "document already has an active workflow")
		}
		return translate(err, "insert workflow", "document not found")
	}
	return nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, workflowID string) (Workflow, error) {
	item, err := scanWorkflow(s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id=$1`, workflowID))
	if err != nil {
		return Workflow{}, translate(err, "get workflow", "workflow not found")
	}
	return item, nil
}

// UpdateWorkflow writes wf only if the stored revision still equals
// wf.Revision; the stored copy carries the next revision.
func (s *PostgresStore) UpdateWorkflow(ctx context.Context, wf Workflow) (Workflow, error) {
	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return Workflow{}, fmt.Errorf("encode workflow steps: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET status=$3, steps=$4::jsonb, updated_at=$5, completed_at=$6, cancel_reason=$7, revision=revision+1
		WHERE id=$1 AND revision=$2
	`, wf.ID, wf.Revision, wf.Status, string(steps), wf.UpdatedAt, timePtrValue(wf.CompletedAt), wf.CancelReason)
	if err != nil {
		return Workflow{}, translate(err, "update workflow", "workflow not found")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Workflow{}, fmt.Errorf("update workflow rows: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetWorkflow(ctx, wf.ID); err != nil {
			return Workflow{}, err
		}
		return Workflow{}, apperr.New(apperr.ErrConflict, "workflow was modified concurrently")
	}
	wf.Revision++
	return wf, nil
}

func (s *PostgresStore) ActiveWorkflow(ctx context.Context, documentID string) (*Workflow, error) {
	item, err := scanWorkflow(s.db.QueryRowContext(ctx, `
		SELECT `+workflowColumns+` FROM workflows WHERE document_id=$1 AND status='active'
	`, documentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active workflow: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, documentID string) ([]Workflow, error) {
	return s.queryWorkflows(ctx, `
		SELECT `+workflowColumns+`
		FROM workflows
		WHERE ($1 = '' OR document_id = $1)
		ORDER BY created_at ASC, id ASC
	`, documentID)
}

func (s *PostgresStore) ListActiveWorkflows(ctx context.Context) ([]Workflow, error) {
	return s.queryWorkflows(ctx, `
		SELECT `+workflowColumns+`
		FROM workflows
		WHERE status='active'
		ORDER BY created_at ASC, id ASC
	`)
}

func (s *PostgresStore) queryWorkflows(ctx context.Context, query string, args ...any) ([]Workflow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	items := make([]Workflow, 0)
	for rows.Next() {
		item, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflows: %w", err)
	}
	return items, nil
}
