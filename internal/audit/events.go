// Package audit appends approval lifecycle events to Postgres and mirrors
// them to an analytics sink. The Postgres rows are the audit record; the
// mirror is best-effort and never blocks a gate decision.
package audit

import "time"

// Event types, one per action lifecycle transition.
const (
	EventActionQueued             = "action_queued"
	EventActionAutoApproved       = "action_auto_approved"
	EventActionExecutionSucceeded = "action_execution_succeeded"
	EventActionExecutionFailed    = "action_execution_failed"
	EventActionRejected           = "action_rejected"
	EventActionExpired            = "action_expired"
)

// Decision paths recorded under the "path" metadata key on queue events.
const (
	PathOwnerAutoApprove = "owner_auto_approve"
	PathRuleMatched      = "rule_matched"
	PathPending          = "pending"
)

// MirrorEvent is the flattened analytics record sent to the mirror writer.
type MirrorEvent struct {
	EventID      string
	EventType    string
	ActionID     string
	RuleID       string
	Actor        string
	Reason       string
	ToolName     string
	Path         string
	MetadataJSON string
	OccurredAt   time.Time
}

// EventWriter is the interface for mirroring approval events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *MirrorEvent)
	Close()
}
