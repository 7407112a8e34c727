package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ApprovalEvent is one append-only audit record tied to an action lifecycle
// transition. Rows are never updated or deleted.
type ApprovalEvent struct {
	ID         string
	EventType  string
	ActionID   string
	RuleID     *string
	Actor      string
	Reason     *string
	Metadata   map[string]any
	OccurredAt time.Time
}

// InsertEvent appends an audit event.
func (s *Store) InsertEvent(ctx context.Context, ev *ApprovalEvent) error {
	metadataJSON, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("InsertEvent: marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approval_events (
			id, event_type, action_id, rule_id, actor, reason,
			event_metadata, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.EventType, ev.ActionID, ev.RuleID, ev.Actor, ev.Reason,
		metadataJSON, ev.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("InsertEvent: %w", err)
	}
	return nil
}

// ListEventsForAction returns an action's audit trail oldest-first.
func (s *Store) ListEventsForAction(ctx context.Context, actionID string) ([]*ApprovalEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, action_id, rule_id, actor, reason,
		       event_metadata, occurred_at
		FROM approval_events
		WHERE action_id = $1
		ORDER BY occurred_at ASC`, actionID)
	if err != nil {
		return nil, fmt.Errorf("ListEventsForAction: %w", err)
	}
	defer rows.Close()

	var events []*ApprovalEvent
	for rows.Next() {
		var (
			ev           ApprovalEvent
			metadataJSON []byte
		)
		if err := rows.Scan(
			&ev.ID, &ev.EventType, &ev.ActionID, &ev.RuleID, &ev.Actor,
			&ev.Reason, &metadataJSON, &ev.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("ListEventsForAction: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("ListEventsForAction: metadata: %w", err)
			}
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
