package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ActionStatus is the lifecycle state of a pending action.
type ActionStatus string

const (
	StatusPending  ActionStatus = "pending"
	StatusApproved ActionStatus = "approved"
	StatusRejected ActionStatus = "rejected"
	StatusExpired  ActionStatus = "expired"
	StatusExecuted ActionStatus = "executed"
)

// validTransitions is the complete set of legal status moves. rejected,
// expired, and executed are terminal.
var validTransitions = map[ActionStatus][]ActionStatus{
	StatusPending:  {StatusApproved, StatusRejected, StatusExpired},
	StatusApproved: {StatusExecuted},
}

// ValidTransition reports whether from→to is a legal status move.
func ValidTransition(from, to ActionStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionError is returned when a status move violates the state machine
// or loses a guarded-update race. The message always contains
// "Cannot transition" so operator surfaces can pass it through verbatim.
type TransitionError struct {
	ActionID string
	From     ActionStatus
	To       ActionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("Cannot transition action %s from %s to %s", e.ActionID, e.From, e.To)
}

// PendingAction is one intercepted or queued tool call.
type PendingAction struct {
	ID              string
	ToolName        string
	ToolArgs        map[string]any
	Status          ActionStatus
	AgentSummary    string
	SessionID       *string
	RequestedAt     time.Time
	ExpiresAt       *time.Time // nil means never expires
	DecidedBy       *string
	DecidedAt       *time.Time
	ApprovalRuleID  *string
	ExecutionResult map[string]any
}

const actionColumns = `
	id, tool_name, tool_args, status, agent_summary, session_id,
	requested_at, expires_at, decided_by, decided_at, approval_rule_id,
	execution_result`

// InsertAction persists a new action row. The caller assigns the id and
// timestamps; fast paths insert directly as approved with decided_by set.
func (s *Store) InsertAction(ctx context.Context, a *PendingAction) error {
	argsJSON, err := json.Marshal(a.ToolArgs)
	if err != nil {
		return fmt.Errorf("InsertAction: marshal args: %w", err)
	}
	var resultJSON []byte
	if a.ExecutionResult != nil {
		resultJSON, err = json.Marshal(a.ExecutionResult)
		if err != nil {
			return fmt.Errorf("InsertAction: marshal result: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_actions (
			id, tool_name, tool_args, status, agent_summary, session_id,
			requested_at, expires_at, decided_by, decided_at, approval_rule_id,
			execution_result
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.ToolName, argsJSON, a.Status, a.AgentSummary, a.SessionID,
		a.RequestedAt, a.ExpiresAt, a.DecidedBy, a.DecidedAt, a.ApprovalRuleID,
		resultJSON,
	)
	if err != nil {
		return fmt.Errorf("InsertAction: %w", err)
	}
	return nil
}

// GetAction returns an action by id, or nil if not found.
func (s *Store) GetAction(ctx context.Context, id string) (*PendingAction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+actionColumns+`
		FROM pending_actions WHERE id = $1`, id)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetAction: %w", err)
	}
	return a, nil
}

// ListActions returns actions newest-first, optionally filtered by status,
// capped at limit.
func (s *Store) ListActions(ctx context.Context, status *ActionStatus, limit int) ([]*PendingAction, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status != nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+actionColumns+`
			FROM pending_actions
			WHERE status = $1
			ORDER BY requested_at DESC
			LIMIT $2`, *status, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+actionColumns+`
			FROM pending_actions
			ORDER BY requested_at DESC
			LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("ListActions: %w", err)
	}
	defer rows.Close()

	var actions []*PendingAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("ListActions: %w", err)
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// ListExpiredPending returns pending actions whose expires_at is in the past.
func (s *Store) ListExpiredPending(ctx context.Context, now time.Time) ([]*PendingAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+actionColumns+`
		FROM pending_actions
		WHERE status = $1 AND expires_at IS NOT NULL AND expires_at < $2
		ORDER BY expires_at ASC`, StatusPending, now)
	if err != nil {
		return nil, fmt.Errorf("ListExpiredPending: %w", err)
	}
	defer rows.Close()

	var actions []*PendingAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("ListExpiredPending: %w", err)
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// CountActions returns the total row count and per-status counts.
func (s *Store) CountActions(ctx context.Context) (int, map[ActionStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM pending_actions GROUP BY status`)
	if err != nil {
		return 0, nil, fmt.Errorf("CountActions: %w", err)
	}
	defer rows.Close()

	total := 0
	byStatus := make(map[ActionStatus]int)
	for rows.Next() {
		var status ActionStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return 0, nil, fmt.Errorf("CountActions: %w", err)
		}
		byStatus[status] = count
		total += count
	}
	return total, byStatus, rows.Err()
}

// TransitionParams carries the fields a status transition may set.
type TransitionParams struct {
	DecidedBy       *string        // set once, together with decided_at
	ApprovalRuleID  *string        // rule that auto-approved, if any
	ExecutionResult map[string]any // set on approved→executed
}

// TransitionStatus applies a guarded status move: the update only lands if
// the row's current status still equals from (optimistic concurrency).
// Illegal moves are rejected before any SQL runs. A lost race or a missing
// row is reported as *TransitionError or ErrNotFound respectively.
func (s *Store) TransitionStatus(ctx context.Context, id string, from, to ActionStatus, params TransitionParams) error {
	if !ValidTransition(from, to) {
		return &TransitionError{ActionID: id, From: from, To: to}
	}

	var resultJSON []byte
	if params.ExecutionResult != nil {
		var err error
		resultJSON, err = json.Marshal(params.ExecutionResult)
		if err != nil {
			return fmt.Errorf("TransitionStatus: marshal result: %w", err)
		}
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE pending_actions SET
			status           = $3,
			decided_by       = COALESCE($4, decided_by),
			decided_at       = CASE WHEN $4 IS NOT NULL AND decided_at IS NULL
			                        THEN now() ELSE decided_at END,
			approval_rule_id = COALESCE($5, approval_rule_id),
			execution_result = COALESCE($6::jsonb, execution_result)
		WHERE id = $1 AND status = $2`,
		id, from, to, params.DecidedBy, params.ApprovalRuleID, resultJSON,
	)
	if err != nil {
		return fmt.Errorf("TransitionStatus: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 1 {
		return nil
	}

	// Guard failed — distinguish not-found from a stale status.
	current, err := s.GetAction(ctx, id)
	if err != nil {
		return fmt.Errorf("TransitionStatus: %w", err)
	}
	if current == nil {
		return ErrNotFound
	}
	return &TransitionError{ActionID: id, From: current.Status, To: to}
}

// actionScanner covers both *sql.Row and *sql.Rows.
type actionScanner interface {
	Scan(dest ...any) error
}

func scanAction(row actionScanner) (*PendingAction, error) {
	var (
		a          PendingAction
		argsJSON   []byte
		resultJSON []byte
	)
	if err := row.Scan(
		&a.ID, &a.ToolName, &argsJSON, &a.Status, &a.AgentSummary, &a.SessionID,
		&a.RequestedAt, &a.ExpiresAt, &a.DecidedBy, &a.DecidedAt, &a.ApprovalRuleID,
		&resultJSON,
	); err != nil {
		return nil, err
	}

	if len(argsJSON) > 0 {
		if err := json.Unmarshal(argsJSON, &a.ToolArgs); err != nil {
			return nil, fmt.Errorf("scanAction: tool_args: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &a.ExecutionResult); err != nil {
			return nil, fmt.Errorf("scanAction: execution_result: %w", err)
		}
	}
	return &a, nil
}
