package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/majordomo-ai/majordomo/internal/rules"
)

const ruleColumns = `
	id, tool_name, arg_constraints, description, created_from, created_at,
	expires_at, max_uses, use_count, active`

// InsertRule persists a new standing rule.
func (s *Store) InsertRule(ctx context.Context, r *rules.StandingRule) error {
	constraintsJSON, err := json.Marshal(r.ArgConstraints)
	if err != nil {
		return fmt.Errorf("InsertRule: marshal constraints: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approval_rules (
			id, tool_name, arg_constraints, description, created_from,
			created_at, expires_at, max_uses, use_count, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.ToolName, constraintsJSON, r.Description, r.CreatedFrom,
		r.CreatedAt, r.ExpiresAt, r.MaxUses, r.UseCount, r.Active,
	)
	if err != nil {
		return fmt.Errorf("InsertRule: %w", err)
	}
	return nil
}

// GetRule returns a rule by id, or nil if not found.
func (s *Store) GetRule(ctx context.Context, id string) (*rules.StandingRule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM approval_rules WHERE id = $1`, id)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetRule: %w", err)
	}
	return r, nil
}

// ListRules returns all rules newest-first. Revoked rules are included only
// when includeInactive is set.
func (s *Store) ListRules(ctx context.Context, includeInactive bool) ([]*rules.StandingRule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM approval_rules
		ORDER BY created_at DESC`
	if !includeInactive {
		query = `
		SELECT ` + ruleColumns + `
		FROM approval_rules
		WHERE active
		ORDER BY created_at DESC`
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ListRules: %w", err)
	}
	defer rows.Close()
	return collectRules(rows, "ListRules")
}

// ListActiveRulesForTool returns the active rules for one tool. Expiry and
// use-count exhaustion are re-checked by the matcher, not filtered here.
func (s *Store) ListActiveRulesForTool(ctx context.Context, toolName string) ([]*rules.StandingRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM approval_rules
		WHERE tool_name = $1 AND active
		ORDER BY created_at ASC`, toolName)
	if err != nil {
		return nil, fmt.Errorf("ListActiveRulesForTool: %w", err)
	}
	defer rows.Close()
	return collectRules(rows, "ListActiveRulesForTool")
}

// IncrementRuleUse bumps use_count by one, in place. The increment happens
// in SQL so concurrent auto-approvals against the same rule never lose an
// update.
func (s *Store) IncrementRuleUse(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE approval_rules SET use_count = use_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("IncrementRuleUse: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeRule deactivates a rule. Revocation is irreversible.
func (s *Store) RevokeRule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE approval_rules SET active = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("RevokeRule: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func collectRules(rows *sql.Rows, op string) ([]*rules.StandingRule, error) {
	var out []*rules.StandingRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRule(row actionScanner) (*rules.StandingRule, error) {
	var (
		r               rules.StandingRule
		constraintsJSON []byte
	)
	if err := row.Scan(
		&r.ID, &r.ToolName, &constraintsJSON, &r.Description, &r.CreatedFrom,
		&r.CreatedAt, &r.ExpiresAt, &r.MaxUses, &r.UseCount, &r.Active,
	); err != nil {
		return nil, err
	}

	r.ArgConstraints = map[string]any{}
	if len(constraintsJSON) > 0 {
		if err := json.Unmarshal(constraintsJSON, &r.ArgConstraints); err != nil {
			return nil, fmt.Errorf("scanRule: arg_constraints: %w", err)
		}
	}
	return &r, nil
}
