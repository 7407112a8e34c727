package api

import (
	"time"

	"github.com/majordomo-ai/majordomo/internal/rules"
	"github.com/majordomo-ai/majordomo/internal/store"
)

// ErrorResp is the uniform error body.
type ErrorResp struct {
	Error string `json:"error"`
}

// ActionResp is the API view of a pending action.
type ActionResp struct {
	ActionID        string         `json:"action_id"`
	ToolName        string         `json:"tool_name"`
	ToolArgs        map[string]any `json:"tool_args"`
	Status          string         `json:"status"`
	AgentSummary    string         `json:"agent_summary"`
	SessionID       *string        `json:"session_id,omitempty"`
	RequestedAt     time.Time      `json:"requested_at"`
	ExpiresAt       *time.Time     `json:"expires_at,omitempty"`
	DecidedBy       *string        `json:"decided_by,omitempty"`
	DecidedAt       *time.Time     `json:"decided_at,omitempty"`
	ApprovalRuleID  *string        `json:"approval_rule_id,omitempty"`
	ExecutionResult map[string]any `json:"execution_result,omitempty"`
}

func actionToResp(a *store.PendingAction) ActionResp {
	return ActionResp{
		ActionID:        a.ID,
		ToolName:        a.ToolName,
		ToolArgs:        a.ToolArgs,
		Status:          string(a.Status),
		AgentSummary:    a.AgentSummary,
		SessionID:       a.SessionID,
		RequestedAt:     a.RequestedAt,
		ExpiresAt:       a.ExpiresAt,
		DecidedBy:       a.DecidedBy,
		DecidedAt:       a.DecidedAt,
		ApprovalRuleID:  a.ApprovalRuleID,
		ExecutionResult: a.ExecutionResult,
	}
}

// ActionListResp wraps a page of actions.
type ActionListResp struct {
	Actions []ActionResp `json:"actions"`
	Count   int          `json:"count"`
}

// ApproveReq is the approve request body. An empty body approves without a
// standing rule.
type ApproveReq struct {
	CreateRule bool `json:"create_rule"`
}

// ApproveResp is the approve response: the executed action plus the standing
// rule when one was created.
type ApproveResp struct {
	Action ActionResp `json:"action"`
	Rule   *RuleResp  `json:"rule,omitempty"`
}

// RejectReq is the reject request body.
type RejectReq struct {
	Reason string `json:"reason"`
}

// CountResp holds queue totals.
type CountResp struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

// ExpireResp is the expiry sweep result.
type ExpireResp struct {
	ExpiredCount int      `json:"expired_count"`
	ActionIDs    []string `json:"action_ids"`
}

// RuleResp is the API view of a standing rule.
type RuleResp struct {
	RuleID         string         `json:"rule_id"`
	ToolName       string         `json:"tool_name"`
	ArgConstraints map[string]any `json:"arg_constraints"`
	Description    string         `json:"description,omitempty"`
	CreatedFrom    *string        `json:"created_from,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	MaxUses        *int           `json:"max_uses,omitempty"`
	UseCount       int            `json:"use_count"`
	Active         bool           `json:"active"`
}

func ruleToResp(r *rules.StandingRule) RuleResp {
	return RuleResp{
		RuleID:         r.ID,
		ToolName:       r.ToolName,
		ArgConstraints: r.ArgConstraints,
		Description:    r.Description,
		CreatedFrom:    r.CreatedFrom,
		CreatedAt:      r.CreatedAt,
		ExpiresAt:      r.ExpiresAt,
		MaxUses:        r.MaxUses,
		UseCount:       r.UseCount,
		Active:         r.Active,
	}
}

// RuleListResp wraps the rule listing.
type RuleListResp struct {
	Rules []RuleResp `json:"rules"`
	Count int        `json:"count"`
}

// CreateRuleReq is the rule creation request body.
type CreateRuleReq struct {
	ToolName       string         `json:"tool_name"`
	ArgConstraints map[string]any `json:"arg_constraints"`
	Description    string         `json:"description"`
	ExpiresAt      *time.Time     `json:"expires_at"`
	MaxUses        *int           `json:"max_uses"`
}

// EventResp is the API view of one audit event.
type EventResp struct {
	EventID    string         `json:"event_id"`
	EventType  string         `json:"event_type"`
	ActionID   string         `json:"action_id"`
	RuleID     *string        `json:"rule_id,omitempty"`
	Actor      string         `json:"actor"`
	Reason     *string        `json:"reason,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

func eventToResp(ev *store.ApprovalEvent) EventResp {
	return EventResp{
		EventID:    ev.ID,
		EventType:  ev.EventType,
		ActionID:   ev.ActionID,
		RuleID:     ev.RuleID,
		Actor:      ev.Actor,
		Reason:     ev.Reason,
		Metadata:   ev.Metadata,
		OccurredAt: ev.OccurredAt,
	}
}

// EventListResp wraps an action's audit trail.
type EventListResp struct {
	Events []EventResp `json:"events"`
	Count  int         `json:"count"`
}

// AnalyticsResp mirrors the ClickHouse aggregate view.
type AnalyticsResp struct {
	TotalEvents   int                 `json:"total_events"`
	ByType        []TypeCountResp     `json:"by_type"`
	QueuedByPath  []PathCountResp     `json:"queued_by_path"`
	TopTools      []ToolCountResp     `json:"top_tools"`
	EventsOverDay []DayCountResp      `json:"events_over_day"`
}

type TypeCountResp struct {
	EventType string `json:"event_type"`
	Count     int    `json:"count"`
}

type PathCountResp struct {
	Path  string `json:"path"`
	Count int    `json:"count"`
}

type ToolCountResp struct {
	ToolName string `json:"tool_name"`
	Count    int    `json:"count"`
}

type DayCountResp struct {
	Day   string `json:"day"`
	Count int    `json:"count"`
}
