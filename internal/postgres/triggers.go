package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/waterwheel-org/waterwheel/internal/messages"
	"github.com/waterwheel-org/waterwheel/internal/models"
	"github.com/waterwheel-org/waterwheel/internal/scheduler"
)

const triggerColumns = `
	t.id,
	t.job_id,
	t.name,
	t.start_datetime,
	t.end_datetime,
	t.earliest_trigger_datetime,
	t.latest_trigger_datetime,
	t.period,
	t.cron,
	t.trigger_offset,
	t.catchup`

func scanTrigger(row pgx.Row) (*models.Trigger, error) {
	var t models.Trigger
	err := row.Scan(
		&t.ID,
		&t.JobID,
		&t.Name,
		&t.StartDatetime,
		&t.EndDatetime,
		&t.EarliestTriggerDatetime,
		&t.LatestTriggerDatetime,
		&t.Period,
		&t.Cron,
		&t.TriggerOffset,
		&t.Catchup,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UnpausedTriggers loads every trigger whose job is not paused.
func (s *Store) UnpausedTriggers(ctx context.Context) ([]*models.Trigger, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+triggerColumns+`
		FROM trigger t
		JOIN job j ON t.job_id = j.id
		WHERE NOT j.paused`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unpaused triggers: %w", err)
	}
	defer rows.Close()

	var triggers []*models.Trigger
	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trigger: %w", err)
		}
		triggers = append(triggers, trigger)
	}
	return triggers, rows.Err()
}

// UnpausedTrigger loads one trigger, reporting scheduler.ErrTriggerGone
// when it is missing or its job is paused.
func (s *Store) UnpausedTrigger(ctx context.Context, id uuid.UUID) (*models.Trigger, error) {
	trigger, err := scanTrigger(s.pool.QueryRow(ctx, `
		SELECT `+triggerColumns+`
		FROM trigger t
		JOIN job j ON t.job_id = j.id
		WHERE t.id = $1
		AND NOT j.paused`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, scheduler.ErrTriggerGone
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load trigger %s: %w", id, err)
	}
	return trigger, nil
}

// Trigger loads one trigger regardless of the job's paused state.
func (s *Store) Trigger(ctx context.Context, id uuid.UUID) (*models.Trigger, error) {
	trigger, err := scanTrigger(s.pool.QueryRow(ctx, `
		SELECT `+triggerColumns+`
		FROM trigger t
		WHERE t.id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to load trigger %s: %w", id, err)
	}
	return trigger, nil
}

// ActivateTrigger emits one token per trigger edge and advances the
// trigger's watermarks, in one transaction. The returned tokens are
// published to the token processor only after the commit: if the
// process crashes in between, the durable counts are re-observed on
// restart and re-publishing is safe.
func (s *Store) ActivateTrigger(ctx context.Context, triggerID uuid.UUID, triggerDatetime time.Time) ([]messages.Token, error) {
	return s.ActivateTriggerBatch(ctx, triggerID, []time.Time{triggerDatetime})
}

// ActivateTriggerBatch activates the trigger for every datetime in one
// transaction. Used by catchup so a crash mid-backfill cannot leave a
// partial window recorded.
func (s *Store) ActivateTriggerBatch(ctx context.Context, triggerID uuid.UUID, datetimes []time.Time) ([]messages.Token, error) {
	if len(datetimes) == 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin activation: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	edges, err := triggerEdges(ctx, tx, triggerID)
	if err != nil {
		return nil, err
	}

	var tokens []messages.Token
	for _, datetime := range datetimes {
		for _, edge := range edges {
			offset := int64(0)
			if edge.EdgeOffset != nil {
				offset = *edge.EdgeOffset
			}
			token := messages.Token{
				TaskID:          edge.TaskID,
				TriggerDatetime: datetime.Add(time.Duration(offset) * time.Second),
			}
			if err := incrementToken(ctx, tx, token); err != nil {
				return nil, err
			}
			tokens = append(tokens, token)
		}

		_, err = tx.Exec(ctx, `
			UPDATE trigger
			SET latest_trigger_datetime = GREATEST(latest_trigger_datetime, $2),
			    earliest_trigger_datetime = LEAST(earliest_trigger_datetime, $2)
			WHERE id = $1`, triggerID, datetime)
		if err != nil {
			return nil, fmt.Errorf("failed to update trigger watermarks: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit activation: %w", err)
	}
	return tokens, nil
}

func triggerEdges(ctx context.Context, tx pgx.Tx, triggerID uuid.UUID) ([]models.TriggerEdge, error) {
	rows, err := tx.Query(ctx, `
		SELECT trigger_id, task_id, edge_offset
		FROM trigger_edge
		WHERE trigger_id = $1`, triggerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trigger edges: %w", err)
	}
	defer rows.Close()

	var edges []models.TriggerEdge
	for rows.Next() {
		var edge models.TriggerEdge
		if err := rows.Scan(&edge.TriggerID, &edge.TaskID, &edge.EdgeOffset); err != nil {
			return nil, fmt.Errorf("failed to scan trigger edge: %w", err)
		}
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}
