package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"loom/internal/errors"
	"loom/internal/model"
)

// SaveSnapshot assigns the next per-instance sequence number, stores the
// snapshot and prunes beyond the retention bound.
func (s *Store) SaveSnapshot(ctx context.Context, snap *model.ContextSnapshot) error {
	const op = "postgres.SaveSnapshot"

	contextData, err := encodeJSON(snap.ContextData)
	if err != nil {
		return errors.E(op, errors.KindFatalInternal, err)
	}
	nodeStates, err := encodeJSON(snap.NodeStates)
	if err != nil {
		return errors.E(op, errors.KindFatalInternal, err)
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Transient(op, err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM context_snapshots
WHERE workflow_instance_id = $1
`, snap.WorkflowInstanceID).Scan(&snap.Seq)
	if err != nil {
		return errors.Transient(op, err)
	}

	_, err = tx.Exec(ctx, `
INSERT INTO context_snapshots (snapshot_id, workflow_instance_id, execution_state, context_data, node_states, sequence_number, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, snap.ID, snap.WorkflowInstanceID, snap.ExecutionState, contextData, nodeStates, snap.Seq, snap.CreatedAt)
	if err != nil {
		return errors.Transient(op, err)
	}

	_, err = tx.Exec(ctx, `
DELETE FROM context_snapshots
WHERE workflow_instance_id = $1 AND sequence_number <= $2 - $3
`, snap.WorkflowInstanceID, snap.Seq, s.retention)
	if err != nil {
		return errors.Transient(op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Transient(op, err)
	}
	return nil
}

// LatestSnapshot returns the newest snapshot of an instance.
func (s *Store) LatestSnapshot(ctx context.Context, instanceID uuid.UUID) (*model.ContextSnapshot, error) {
	const op = "postgres.LatestSnapshot"

	var (
		snap                  model.ContextSnapshot
		contextRaw, statesRaw []byte
	)
	err := s.pool.QueryRow(ctx, `
SELECT snapshot_id, workflow_instance_id, execution_state, context_data, node_states, sequence_number, created_at
FROM context_snapshots
WHERE workflow_instance_id = $1
ORDER BY sequence_number DESC
LIMIT 1
`, instanceID).Scan(&snap.ID, &snap.WorkflowInstanceID, &snap.ExecutionState, &contextRaw, &statesRaw, &snap.Seq, &snap.CreatedAt)
	if err != nil {
		return nil, wrap(op, "context snapshot", err)
	}
	if err := decodeJSON(contextRaw, &snap.ContextData); err != nil {
		return nil, errors.E(op, errors.KindFatalInternal, err)
	}
	if err := decodeJSON(statesRaw, &snap.NodeStates); err != nil {
		return nil, errors.E(op, errors.KindFatalInternal, err)
	}
	return &snap, nil
}

// AppendEvent assigns the next per-instance sequence number and persists the
// event.
func (s *Store) AppendEvent(ctx context.Context, e *model.WorkflowEvent) error {
	const op = "postgres.AppendEvent"

	payload, err := encodeJSON(e.Payload)
	if err != nil {
		return errors.E(op, errors.KindFatalInternal, err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	// The (instance, seq) unique constraint serializes concurrent appends.
	err = s.pool.QueryRow(ctx, `
INSERT INTO workflow_events (event_id, workflow_instance_id, type, node_instance_id, task_instance_id, payload, seq, created_at)
VALUES ($1, $2, $3, $4, $5, $6,
    (SELECT COALESCE(MAX(seq), 0) + 1 FROM workflow_events WHERE workflow_instance_id = $2),
    $7)
RETURNING seq
`, e.ID, e.WorkflowInstanceID, e.Type, e.NodeInstanceID, e.TaskInstanceID, payload, e.CreatedAt).Scan(&e.Seq)
	if err != nil {
		return errors.Transient(op, err)
	}
	return nil
}

// ListEvents returns events with Seq > afterSeq in sequence order.
func (s *Store) ListEvents(ctx context.Context, instanceID uuid.UUID, afterSeq int64) ([]*model.WorkflowEvent, error) {
	const op = "postgres.ListEvents"

	rows, err := s.pool.Query(ctx, `
SELECT event_id, workflow_instance_id, type, node_instance_id, task_instance_id, payload, seq, created_at
FROM workflow_events
WHERE workflow_instance_id = $1 AND seq > $2
ORDER BY seq
`, instanceID, afterSeq)
	if err != nil {
		return nil, errors.Transient(op, err)
	}
	defer rows.Close()

	var out []*model.WorkflowEvent
	for rows.Next() {
		var (
			e       model.WorkflowEvent
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.WorkflowInstanceID, &e.Type, &e.NodeInstanceID, &e.TaskInstanceID,
			&payload, &e.Seq, &e.CreatedAt); err != nil {
			return nil, errors.Transient(op, err)
		}
		if err := decodeJSON(payload, &e.Payload); err != nil {
			return nil, errors.E(op, errors.KindFatalInternal, err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Transient(op, err)
	}
	return out, nil
}
