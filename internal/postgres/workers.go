package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/waterwheel-org/waterwheel/internal/messages"
	"github.com/waterwheel-org/waterwheel/internal/models"
)

// UpsertWorker records a worker heartbeat, keeping one row per worker id.
func (s *Store) UpsertWorker(ctx context.Context, beat messages.WorkerHeartbeat) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO worker (id, addr, last_seen_datetime, running_tasks, total_tasks, version)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			addr = EXCLUDED.addr,
			last_seen_datetime = EXCLUDED.last_seen_datetime,
			running_tasks = EXCLUDED.running_tasks,
			total_tasks = EXCLUDED.total_tasks,
			version = EXCLUDED.version`,
		beat.UUID, beat.Addr, beat.LastSeenDatetime,
		beat.RunningTasks, beat.TotalTasks, beat.Version)
	if err != nil {
		return fmt.Errorf("failed to upsert worker %s: %w", beat.UUID, err)
	}
	return nil
}

// TaskDetail loads one task definition for a worker to execute.
func (s *Store) TaskDetail(ctx context.Context, id uuid.UUID) (*models.TaskDetail, error) {
	detail := models.TaskDetail{ID: id}
	err := s.pool.QueryRow(ctx, `
		SELECT t.name, t.image, t.args, t.env, j.id, j.name, p.id, p.name
		FROM task t
		JOIN job j ON t.job_id = j.id
		JOIN project p ON j.project_id = p.id
		WHERE t.id = $1`, id,
	).Scan(
		&detail.Name,
		&detail.Image,
		&detail.Args,
		&detail.Env,
		&detail.JobID,
		&detail.JobName,
		&detail.ProjectID,
		&detail.ProjectName,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", id, err)
	}
	return &detail, nil
}

// ListWorkers returns every worker that has ever sent a heartbeat, most
// recently seen first.
func (s *Store) ListWorkers(ctx context.Context) ([]models.Worker, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, addr, last_seen_datetime, running_tasks, total_tasks, COALESCE(version, '')
		FROM worker
		ORDER BY last_seen_datetime DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query workers: %w", err)
	}
	defer rows.Close()

	var workers []models.Worker
	for rows.Next() {
		var w models.Worker
		err := rows.Scan(&w.ID, &w.Addr, &w.LastSeenDatetime, &w.RunningTasks, &w.TotalTasks, &w.Version)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}
