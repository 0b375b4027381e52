package postgres

import (
	"context"
	"fmt"

	"github.com/waterwheel-org/waterwheel/internal/messages"
)

// ApplyResult records a task result and propagates it to the children
// selected by the edge kind, in one transaction.
//
// The parent token's state is compare-and-swapped from non-terminal to
// the result first; children are incremented only when this call won
// the swap. Bus redeliveries find the parent already terminal, lose the
// swap and propagate nothing, which keeps at-least-once delivery from
// double-counting children.
func (s *Store) ApplyResult(ctx context.Context, result messages.TaskResult) ([]messages.Token, bool, error) {
	parent := result.Token()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin result transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE token
		SET state = $3
		WHERE task_id = $1
		AND trigger_datetime = $2
		AND state NOT IN ('success', 'failure')`,
		parent.TaskID, parent.TriggerDatetime, string(result.Result))
	if err != nil {
		return nil, false, fmt.Errorf("failed to record result for %s: %w", parent, err)
	}
	if tag.RowsAffected() == 0 {
		// Already terminal, or the token row never existed: either way
		// there is nothing to propagate.
		return nil, false, nil
	}

	rows, err := tx.Query(ctx, `
		SELECT child_task_id
		FROM task_edge
		WHERE parent_task_id = $1
		AND kind = $2`,
		parent.TaskID, string(result.Result))
	if err != nil {
		return nil, false, fmt.Errorf("failed to query task edges for %s: %w", parent.TaskID, err)
	}

	var children []messages.Token
	for rows.Next() {
		child := messages.Token{TriggerDatetime: parent.TriggerDatetime}
		if err := rows.Scan(&child.TaskID); err != nil {
			rows.Close()
			return nil, false, fmt.Errorf("failed to scan task edge: %w", err)
		}
		children = append(children, child)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	for _, child := range children {
		if err := incrementToken(ctx, tx, child); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit result transaction: %w", err)
	}
	return children, true, nil
}
