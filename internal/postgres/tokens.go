package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/waterwheel-org/waterwheel/internal/messages"
	"github.com/waterwheel-org/waterwheel/internal/models"
)

// incrementToken adds one prerequisite completion to the token, creating
// the row lazily. The threshold is the task's in-degree, computed once
// at row creation. A task with no prerequisites gets threshold zero and
// is ready on first touch.
func incrementToken(ctx context.Context, tx pgx.Tx, token messages.Token) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO token (task_id, trigger_datetime, count, threshold, state)
		VALUES (
			$1,
			$2,
			1,
			(SELECT count(*) FROM task_edge WHERE child_task_id = $1),
			'waiting'
		)
		ON CONFLICT (task_id, trigger_datetime)
		DO UPDATE SET count = token.count + 1`,
		token.TaskID, token.TriggerDatetime)
	if err != nil {
		return fmt.Errorf("failed to increment token %s: %w", token, err)
	}
	return nil
}

// CheckThreshold transitions the token from waiting to active when its
// count has reached its threshold. The conditional update guarantees
// exactly one activation per token even under concurrent producers.
func (s *Store) CheckThreshold(ctx context.Context, token messages.Token) (bool, error) {
	var count, threshold int
	var state models.TokenState
	err := s.pool.QueryRow(ctx, `
		SELECT count, threshold, state
		FROM token
		WHERE task_id = $1
		AND trigger_datetime = $2`,
		token.TaskID, token.TriggerDatetime,
	).Scan(&count, &threshold, &state)
	if err != nil {
		return false, fmt.Errorf("failed to read token %s: %w", token, err)
	}

	if state != models.TokenWaiting || count < threshold {
		return false, nil
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE token
		SET state = 'active'
		WHERE task_id = $1
		AND trigger_datetime = $2
		AND state = 'waiting'`,
		token.TaskID, token.TriggerDatetime)
	if err != nil {
		return false, fmt.Errorf("failed to activate token %s: %w", token, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ActivateToken forces the token into the active state for a manual
// re-run, creating the row when it does not exist yet.
func (s *Store) ActivateToken(ctx context.Context, token messages.Token) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO token (task_id, trigger_datetime, count, threshold, state)
		VALUES (
			$1,
			$2,
			(SELECT count(*) FROM task_edge WHERE child_task_id = $1),
			(SELECT count(*) FROM task_edge WHERE child_task_id = $1),
			'active'
		)
		ON CONFLICT (task_id, trigger_datetime)
		DO UPDATE SET state = 'active', count = token.threshold`,
		token.TaskID, token.TriggerDatetime)
	if err != nil {
		return fmt.Errorf("failed to activate token %s: %w", token, err)
	}
	return nil
}

// ClearToken resets the token to waiting with count zero.
func (s *Store) ClearToken(ctx context.Context, token messages.Token) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE token
		SET count = 0, state = 'waiting'
		WHERE task_id = $1
		AND trigger_datetime = $2`,
		token.TaskID, token.TriggerDatetime)
	if err != nil {
		return fmt.Errorf("failed to clear token %s: %w", token, err)
	}
	return nil
}

// TaskRequest packages the task definition for dispatch, minting a
// fresh task run id.
func (s *Store) TaskRequest(ctx context.Context, token messages.Token, priority messages.TaskPriority) (*messages.TaskRequest, error) {
	req := messages.TaskRequest{
		TaskRunID:       uuid.New(),
		TaskID:          token.TaskID,
		TriggerDatetime: token.TriggerDatetime,
		Priority:        priority,
	}
	err := s.pool.QueryRow(ctx, `
		SELECT
			t.name,
			t.image,
			t.args,
			t.env,
			j.id,
			j.name,
			p.id,
			p.name
		FROM task t
		JOIN job j ON t.job_id = j.id
		JOIN project p ON j.project_id = p.id
		WHERE t.id = $1`, token.TaskID,
	).Scan(
		&req.TaskName,
		&req.Image,
		&req.Args,
		&req.Env,
		&req.JobID,
		&req.JobName,
		&req.ProjectID,
		&req.ProjectName,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load task definition %s: %w", token.TaskID, err)
	}
	return &req, nil
}

// Tokens lists the token rows for one job, optionally filtered to one
// trigger datetime.
func (s *Store) Tokens(ctx context.Context, jobID uuid.UUID) ([]models.TokenRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT k.task_id, k.trigger_datetime, k.count, k.threshold, k.state
		FROM token k
		JOIN task t ON k.task_id = t.id
		WHERE t.job_id = $1
		ORDER BY k.trigger_datetime DESC, t.name`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tokens: %w", err)
	}
	defer rows.Close()

	var tokens []models.TokenRow
	for rows.Next() {
		var row models.TokenRow
		if err := rows.Scan(&row.TaskID, &row.TriggerDatetime, &row.Count, &row.Threshold, &row.State); err != nil {
			return nil, fmt.Errorf("failed to scan token row: %w", err)
		}
		tokens = append(tokens, row)
	}
	return tokens, rows.Err()
}
