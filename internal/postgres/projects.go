package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/waterwheel-org/waterwheel/internal/models"
)

// CreateProject inserts a project, or returns the existing one when the
// name is already taken. Project names are globally unique.
func (s *Store) CreateProject(ctx context.Context, name string) (*models.Project, error) {
	project := models.Project{ID: uuid.New(), Name: name}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO project (id, name)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`, project.ID, project.Name,
	).Scan(&project.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create project %q: %w", name, err)
	}
	return &project, nil
}

// Project loads a project by id.
func (s *Store) Project(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	var project models.Project
	err := s.pool.QueryRow(ctx,
		"SELECT id, name FROM project WHERE id = $1", id,
	).Scan(&project.ID, &project.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project %s: %w", id, err)
	}
	return &project, nil
}

// ProjectByName loads a project by its unique name.
func (s *Store) ProjectByName(ctx context.Context, name string) (*models.Project, error) {
	var project models.Project
	err := s.pool.QueryRow(ctx,
		"SELECT id, name FROM project WHERE name = $1", name,
	).Scan(&project.ID, &project.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project %q: %w", name, err)
	}
	return &project, nil
}

// ListProjects returns all projects ordered by name.
func (s *Store) ListProjects(ctx context.Context) ([]models.Project, error) {
	rows, err := s.pool.Query(ctx, "SELECT id, name FROM project ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	var projects []models.Project
	for rows.Next() {
		var project models.Project
		if err := rows.Scan(&project.ID, &project.Name); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

// DeleteProject removes the project and, via cascade, all of its jobs,
// tasks, triggers and tokens. The scheduler must be told about the
// trigger ids this returns so it can drop them from its queue.
func (s *Store) DeleteProject(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin project delete: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT t.id
		FROM trigger t
		JOIN job j ON t.job_id = j.id
		WHERE j.project_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query project triggers: %w", err)
	}
	var triggerIDs []uuid.UUID
	for rows.Next() {
		var triggerID uuid.UUID
		if err := rows.Scan(&triggerID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan trigger id: %w", err)
		}
		triggerIDs = append(triggerIDs, triggerID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, "DELETE FROM project WHERE id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("failed to delete project %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, models.ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit project delete: %w", err)
	}
	return triggerIDs, nil
}

// ProjectJobs lists the jobs in a project ordered by name.
func (s *Store) ProjectJobs(ctx context.Context, projectID uuid.UUID) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, project_id, paused, raw_definition
		FROM job
		WHERE project_id = $1
		ORDER BY name`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query project jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		var job models.Job
		if err := rows.Scan(&job.ID, &job.Name, &job.ProjectID, &job.Paused, &job.RawDefinition); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
