package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// EnqueueEvent writes a backplane publication into the outbox. It becomes
// visible to the relay only if the surrounding transaction commits.
func (t *Tx) EnqueueEvent(ctx context.Context, instanceID, topic string, payload []byte) (int64, error) {
	if strings.TrimSpace(topic) == "" {
		return 0, errors.New("event topic is required")
	}

	var id int64
	if err := t.tx.QueryRowContext(ctx, t.rebind(
		`INSERT INTO outbox_events (instance_id, topic, payload, created_at)
		VALUES (?, ?, ?, ?)
		RETURNING id`),
		instanceID,
		topic,
		payload,
		nowUnixMilli(),
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("enqueue event on %s: %w", topic, err)
	}
	return id, nil
}

// ListEvents returns the oldest pending events written by an instance, in
// commit order.
func (s *Store) ListEvents(ctx context.Context, instanceID string, limit int) ([]OutboxEvent, error) {
	if limit <= 0 {
		limit = 256
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, instance_id, topic, payload, created_at
		FROM outbox_events
		WHERE instance_id = ?
		ORDER BY id ASC
		LIMIT ?`),
		instanceID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list outbox events for %s: %w", instanceID, err)
	}
	defer rows.Close()

	events := make([]OutboxEvent, 0)
	for rows.Next() {
		var event OutboxEvent
		if err := rows.Scan(
			&event.ID,
			&event.InstanceID,
			&event.Topic,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox event row: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox event rows: %w", err)
	}

	return events, nil
}

// DeleteEvents removes published events by ID.
func (s *Store) DeleteEvents(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM outbox_events
		WHERE id IN (`+placeholders(len(ids))+`)`),
		args...,
	); err != nil {
		return fmt.Errorf("delete %d outbox events: %w", len(ids), err)
	}
	return nil
}

// PruneEvents deletes events created before cutoff (unix milliseconds)
// regardless of instance and returns how many were removed.
func (s *Store) PruneEvents(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM outbox_events
		WHERE created_at < ?`),
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("prune outbox events: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for outbox prune: %w", err)
	}
	return rowsAffected, nil
}
