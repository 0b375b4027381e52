package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/waterwheel-org/waterwheel/internal/models"
)

// UpsertJob writes a parsed job definition in one transaction: the job
// row, its tasks (preserving task ids by name so token history
// survives), the task and trigger edges (replaced wholesale), and its
// triggers (preserving watermarks by name). It returns the ids of every
// trigger the scheduler must reload, including deleted ones.
func (s *Store) UpsertJob(ctx context.Context, def *models.JobDefinition) ([]uuid.UUID, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin job upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var projectID uuid.UUID
	err = tx.QueryRow(ctx,
		"SELECT id FROM project WHERE name = $1", def.ProjectName,
	).Scan(&projectID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("project %q: %w", def.ProjectName, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up project: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO job (id, name, project_id, paused, raw_definition)
		VALUES ($1, $2, $3, FALSE, $4)
		ON CONFLICT (id)
		DO UPDATE SET name = EXCLUDED.name,
		              project_id = EXCLUDED.project_id,
		              raw_definition = EXCLUDED.raw_definition`,
		def.JobID, def.JobName, projectID, def.Raw)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert job: %w", err)
	}

	taskIDs, err := upsertTasks(ctx, tx, def)
	if err != nil {
		return nil, err
	}

	triggerIDs, deleted, err := upsertTriggers(ctx, tx, def)
	if err != nil {
		return nil, err
	}

	if err := insertEdges(ctx, tx, def, taskIDs, triggerIDs); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit job upsert: %w", err)
	}

	updated := deleted
	for _, id := range triggerIDs {
		updated = append(updated, id)
	}
	return updated, nil
}

func upsertTasks(ctx context.Context, tx pgx.Tx, def *models.JobDefinition) (map[string]uuid.UUID, error) {
	existing := make(map[string]uuid.UUID)
	rows, err := tx.Query(ctx, "SELECT id, name FROM task WHERE job_id = $1", def.JobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query existing tasks: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		existing[name] = id
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ids := make(map[string]uuid.UUID, len(def.Tasks))
	names := make([]string, 0, len(def.Tasks))
	for _, task := range def.Tasks {
		names = append(names, task.Name)

		id, ok := existing[task.Name]
		if !ok {
			id = uuid.New()
		}
		ids[task.Name] = id

		_, err := tx.Exec(ctx, `
			INSERT INTO task (id, job_id, name, image, args, env)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id)
			DO UPDATE SET image = EXCLUDED.image,
			              args = EXCLUDED.args,
			              env = EXCLUDED.env`,
			id, def.JobID, task.Name, task.Image, task.Args, task.Env)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert task %q: %w", task.Name, err)
		}
	}

	// Removed tasks cascade to their edges and tokens.
	_, err = tx.Exec(ctx,
		"DELETE FROM task WHERE job_id = $1 AND NOT (name = ANY($2))",
		def.JobID, names)
	if err != nil {
		return nil, fmt.Errorf("failed to delete removed tasks: %w", err)
	}
	return ids, nil
}

func upsertTriggers(ctx context.Context, tx pgx.Tx, def *models.JobDefinition) (map[string]uuid.UUID, []uuid.UUID, error) {
	existing := make(map[string]uuid.UUID)
	rows, err := tx.Query(ctx, "SELECT id, name FROM trigger WHERE job_id = $1", def.JobID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query existing triggers: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("failed to scan trigger: %w", err)
		}
		existing[name] = id
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	ids := make(map[string]uuid.UUID, len(def.Triggers))
	names := make([]string, 0, len(def.Triggers))
	for _, trigger := range def.Triggers {
		names = append(names, trigger.Name)

		if id, ok := existing[trigger.Name]; ok {
			ids[trigger.Name] = id
			_, err := tx.Exec(ctx, `
				UPDATE trigger
				SET start_datetime = $2,
				    end_datetime = $3,
				    period = $4,
				    cron = $5,
				    trigger_offset = $6,
				    catchup = $7
				WHERE id = $1`,
				id, trigger.Start, trigger.End, trigger.PeriodSeconds,
				trigger.Cron, trigger.Offset, trigger.Catchup)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to update trigger %q: %w", trigger.Name, err)
			}
			continue
		}

		id := uuid.New()
		ids[trigger.Name] = id
		_, err := tx.Exec(ctx, `
			INSERT INTO trigger (
				id, job_id, name,
				start_datetime, end_datetime,
				earliest_trigger_datetime, latest_trigger_datetime,
				period, cron, trigger_offset, catchup
			) VALUES ($1, $2, $3, $4, $5, NULL, NULL, $6, $7, $8, $9)`,
			id, def.JobID, trigger.Name, trigger.Start, trigger.End,
			trigger.PeriodSeconds, trigger.Cron, trigger.Offset, trigger.Catchup)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to insert trigger %q: %w", trigger.Name, err)
		}
	}

	// Deleted triggers also need a scheduler update so the heap prunes
	// their queued entries.
	deletedRows, err := tx.Query(ctx,
		"DELETE FROM trigger WHERE job_id = $1 AND NOT (name = ANY($2)) RETURNING id",
		def.JobID, names)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to delete removed triggers: %w", err)
	}
	var deleted []uuid.UUID
	for deletedRows.Next() {
		var id uuid.UUID
		if err := deletedRows.Scan(&id); err != nil {
			deletedRows.Close()
			return nil, nil, fmt.Errorf("failed to scan deleted trigger: %w", err)
		}
		deleted = append(deleted, id)
	}
	deletedRows.Close()
	if err := deletedRows.Err(); err != nil {
		return nil, nil, err
	}

	return ids, deleted, nil
}

func insertEdges(ctx context.Context, tx pgx.Tx, def *models.JobDefinition, taskIDs, triggerIDs map[string]uuid.UUID) error {
	// Edges are replaced wholesale; the dependency lists in the
	// definition are the source of truth.
	_, err := tx.Exec(ctx, `
		DELETE FROM task_edge
		WHERE child_task_id IN (SELECT id FROM task WHERE job_id = $1)`, def.JobID)
	if err != nil {
		return fmt.Errorf("failed to clear task edges: %w", err)
	}
	_, err = tx.Exec(ctx, `
		DELETE FROM trigger_edge
		WHERE task_id IN (SELECT id FROM task WHERE job_id = $1)`, def.JobID)
	if err != nil {
		return fmt.Errorf("failed to clear trigger edges: %w", err)
	}

	insertTaskEdge := func(parentName, childName string, kind models.EdgeKind) error {
		parentID, ok := taskIDs[parentName]
		if !ok {
			return fmt.Errorf("task %q depends on %q: %w", childName, parentName, models.ErrUnknownDependency)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO task_edge (parent_task_id, child_task_id, kind)
			VALUES ($1, $2, $3)`,
			parentID, taskIDs[childName], kind)
		if err != nil {
			return fmt.Errorf("failed to insert task edge %q -> %q: %w", parentName, childName, err)
		}
		return nil
	}

	for _, task := range def.Tasks {
		for _, parent := range task.DependsSuccess {
			if err := insertTaskEdge(parent, task.Name, models.EdgeSuccess); err != nil {
				return err
			}
		}
		for _, parent := range task.DependsFailure {
			if err := insertTaskEdge(parent, task.Name, models.EdgeFailure); err != nil {
				return err
			}
		}
		for _, dep := range task.TriggerDeps {
			triggerID, ok := triggerIDs[dep.TriggerName]
			if !ok {
				return fmt.Errorf("task %q depends on trigger %q: %w", task.Name, dep.TriggerName, models.ErrUnknownDependency)
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO trigger_edge (trigger_id, task_id, edge_offset)
				VALUES ($1, $2, $3)`,
				triggerID, taskIDs[task.Name], dep.EdgeOffset)
			if err != nil {
				return fmt.Errorf("failed to insert trigger edge %q -> %q: %w", dep.TriggerName, task.Name, err)
			}
		}
	}
	return nil
}

// Job loads one job row.
func (s *Store) Job(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var job models.Job
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, project_id, paused, raw_definition
		FROM job
		WHERE id = $1`, id,
	).Scan(&job.ID, &job.Name, &job.ProjectID, &job.Paused, &job.RawDefinition)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	return &job, nil
}

// DeleteJob removes a job; tasks, edges, triggers and tokens cascade.
// The returned trigger ids must get scheduler updates.
func (s *Store) DeleteJob(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	triggerIDs, err := s.JobTriggerIDs(ctx, id)
	if err != nil {
		return nil, err
	}

	tag, err := s.pool.Exec(ctx, "DELETE FROM job WHERE id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, models.ErrNotFound
	}
	return triggerIDs, nil
}

// SetJobPaused flips the paused flag. The returned trigger ids must get
// scheduler updates so the heap is pruned or repopulated.
func (s *Store) SetJobPaused(ctx context.Context, id uuid.UUID, paused bool) ([]uuid.UUID, error) {
	tag, err := s.pool.Exec(ctx,
		"UPDATE job SET paused = $2 WHERE id = $1", id, paused)
	if err != nil {
		return nil, fmt.Errorf("failed to set job %s paused: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, models.ErrNotFound
	}
	return s.JobTriggerIDs(ctx, id)
}

// JobTriggerIDs lists the trigger ids belonging to a job.
func (s *Store) JobTriggerIDs(ctx context.Context, jobID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, "SELECT id FROM trigger WHERE job_id = $1", jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query job triggers: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan trigger id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// JobTriggers lists the triggers of a job with their watermarks.
func (s *Store) JobTriggers(ctx context.Context, jobID uuid.UUID) ([]*models.Trigger, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+triggerColumns+`
		FROM trigger t
		WHERE t.job_id = $1
		ORDER BY t.name`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query job triggers: %w", err)
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
