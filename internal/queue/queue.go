// Package queue implements the operator-facing action queue: listing,
// approving, rejecting, counting, and expiring parked actions. It reuses
// the same guarded state transitions the gate uses, so an operator approve
// and the expiry sweep can never double-transition one action.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/majordomo-ai/majordomo/internal/audit"
	"github.com/majordomo-ai/majordomo/internal/gate"
	"github.com/majordomo-ai/majordomo/internal/registry"
	"github.com/majordomo-ai/majordomo/internal/rules"
	"github.com/majordomo-ai/majordomo/internal/store"
	"go.uber.org/zap"
)

// DefaultListLimit caps list responses when the caller does not set one.
const DefaultListLimit = 20

// InvalidIDError reports a malformed (non-UUID) action or rule id.
type InvalidIDError struct {
	What  string // "action_id" or "rule_id"
	Value string
}

func (e *InvalidIDError) Error() string {
	return fmt.Sprintf("Invalid %s: %q is not a valid UUID", e.What, e.Value)
}

// Store is the persistence surface the service needs, satisfied by
// *store.Store.
type Store interface {
	GetAction(ctx context.Context, id string) (*store.PendingAction, error)
	ListActions(ctx context.Context, status *store.ActionStatus, limit int) ([]*store.PendingAction, error)
	ListExpiredPending(ctx context.Context, now time.Time) ([]*store.PendingAction, error)
	CountActions(ctx context.Context) (int, map[store.ActionStatus]int, error)
	TransitionStatus(ctx context.Context, id string, from, to store.ActionStatus, params store.TransitionParams) error
	InsertRule(ctx context.Context, r *rules.StandingRule) error
}

// Auditor appends lifecycle events, satisfied by *audit.Recorder.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry) error
}

// Service is the operator-facing action queue.
type Service struct {
	store     Store
	originals map[string]registry.Handler
	auditor   Auditor
	logger    *zap.Logger
	limit     int
}

// NewService creates a Service. originals is the map of pre-wrap handlers
// returned by the gate's Install; approve uses it to run the real tool.
func NewService(
	st Store,
	originals map[string]registry.Handler,
	auditor Auditor,
	logger *zap.Logger,
) *Service {
	return &Service{
		store:     st,
		originals: originals,
		auditor:   auditor,
		logger:    logger,
		limit:     DefaultListLimit,
	}
}

// ListPendingActions returns actions newest-first, optionally filtered by
// status. A non-positive limit falls back to the service default.
func (s *Service) ListPendingActions(ctx context.Context, status *store.ActionStatus, limit int) ([]*store.PendingAction, error) {
	if limit <= 0 {
		limit = s.limit
	}
	return s.store.ListActions(ctx, status, limit)
}

// ShowPendingAction returns full action detail, ErrNotFound, or an
// InvalidIDError for malformed ids.
func (s *Service) ShowPendingAction(ctx context.Context, id string) (*store.PendingAction, error) {
	if err := validateID("action_id", id); err != nil {
		return nil, err
	}
	action, err := s.store.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	if action == nil {
		return nil, store.ErrNotFound
	}
	return action, nil
}

// ApproveOptions modifies an approve call.
type ApproveOptions struct {
	// CreateRule additionally creates a standing rule whose constraints
	// are the exact arguments of the approved action.
	CreateRule bool
	// Actor names the operator for the audit trail. decided_by stays
	// "user:manual" regardless.
	Actor string
}

// ApproveResult is the outcome of an approve call.
type ApproveResult struct {
	Action      *store.PendingAction
	CreatedRule *rules.StandingRule
}

// ApproveAction moves a parked action pending→approved, immediately runs
// the stored original handler, and records the executed outcome.
func (s *Service) ApproveAction(ctx context.Context, id string, opts ApproveOptions) (*ApproveResult, error) {
	if err := validateID("action_id", id); err != nil {
		return nil, err
	}
	action, err := s.store.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	if action == nil {
		return nil, store.ErrNotFound
	}

	decidedBy := gate.DecidedByManual
	if err := s.store.TransitionStatus(ctx, id, store.StatusPending, store.StatusApproved,
		store.TransitionParams{DecidedBy: &decidedBy},
	); err != nil {
		return nil, err
	}

	actor := opts.Actor
	if actor == "" {
		actor = decidedBy
	}

	var createdRule *rules.StandingRule
	if opts.CreateRule {
		createdRule = s.createRuleFromAction(ctx, action)
	}

	// Execute with the retained original handler. A tool that has since
	// disappeared still completes the state machine, with an error payload.
	handler := s.originals[action.ToolName]
	result, execErr := registry.SafeCall(ctx, handler, action.ToolArgs)

	payload := result
	eventType := audit.EventActionExecutionSucceeded
	var reason *string
	if execErr != nil {
		msg := execErr.Error()
		payload = map[string]any{"error": msg}
		eventType = audit.EventActionExecutionFailed
		reason = &msg
	} else if payload == nil {
		payload = map[string]any{}
	}

	if err := s.store.TransitionStatus(ctx, id, store.StatusApproved, store.StatusExecuted,
		store.TransitionParams{ExecutionResult: payload},
	); err != nil {
		return nil, err
	}

	s.record(ctx, audit.Entry{
		EventType: eventType,
		ActionID:  id,
		Actor:     actor,
		Reason:    reason,
		ToolName:  action.ToolName,
	})

	updated, err := s.store.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ApproveResult{Action: updated, CreatedRule: createdRule}, nil
}

func (s *Service) createRuleFromAction(ctx context.Context, action *store.PendingAction) *rules.StandingRule {
	constraints := make(map[string]any, len(action.ToolArgs))
	for k, v := range action.ToolArgs {
		constraints[k] = v
	}
	actionID := action.ID
	rule := &rules.StandingRule{
		ID:             uuid.New().String(),
		ToolName:       action.ToolName,
		ArgConstraints: constraints,
		Description:    fmt.Sprintf("Auto-approve calls matching approved action %s", action.ID),
		CreatedFrom:    &actionID,
		CreatedAt:      time.Now().UTC(),
		Active:         true,
	}
	if err := s.store.InsertRule(ctx, rule); err != nil {
		s.logger.Error("standing rule creation failed",
			zap.String("action_id", action.ID),
			zap.Error(err),
		)
		return nil
	}
	return rule
}

// RejectAction moves a parked action pending→rejected.
func (s *Service) RejectAction(ctx context.Context, id, reason, actor string) (*store.PendingAction, error) {
	if err := validateID("action_id", id); err != nil {
		return nil, err
	}

	decidedBy := gate.DecidedByManual
	if reason != "" {
		decidedBy = fmt.Sprintf("%s (reason: %s)", gate.DecidedByManual, reason)
	}
	if err := s.store.TransitionStatus(ctx, id, store.StatusPending, store.StatusRejected,
		store.TransitionParams{DecidedBy: &decidedBy},
	); err != nil {
		return nil, err
	}

	if actor == "" {
		actor = gate.DecidedByManual
	}
	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}
	action, err := s.store.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	s.record(ctx, audit.Entry{
		EventType: audit.EventActionRejected,
		ActionID:  id,
		Actor:     actor,
		Reason:    reasonPtr,
		ToolName:  toolNameOf(action),
	})
	return action, nil
}

// Counts holds the totals returned by PendingActionCount.
type Counts struct {
	Total    int
	ByStatus map[store.ActionStatus]int
}

// PendingActionCount returns the total and per-status action counts.
func (s *Service) PendingActionCount(ctx context.Context) (*Counts, error) {
	total, byStatus, err := s.store.CountActions(ctx)
	if err != nil {
		return nil, err
	}
	return &Counts{Total: total, ByStatus: byStatus}, nil
}

// ExpireResult is the outcome of an expiry sweep.
type ExpireResult struct {
	ExpiredCount int
	ActionIDs    []string
}

// ExpireStaleActions transitions every pending action whose expiry has
// passed to expired. Actions that lose the guarded update to a concurrent
// operator decision are skipped, not failed.
func (s *Service) ExpireStaleActions(ctx context.Context) (*ExpireResult, error) {
	stale, err := s.store.ListExpiredPending(ctx, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	result := &ExpireResult{ActionIDs: []string{}}
	decidedBy := gate.DecidedByExpiry
	for _, action := range stale {
		err := s.store.TransitionStatus(ctx, action.ID, store.StatusPending, store.StatusExpired,
			store.TransitionParams{DecidedBy: &decidedBy},
		)
		if err != nil {
			// Lost the race to an operator decision; the guard already
			// kept the row consistent.
			s.logger.Info("expiry sweep skipped action",
				zap.String("action_id", action.ID),
				zap.Error(err),
			)
			continue
		}
		result.ExpiredCount++
		result.ActionIDs = append(result.ActionIDs, action.ID)
		s.record(ctx, audit.Entry{
			EventType: audit.EventActionExpired,
			ActionID:  action.ID,
			Actor:     decidedBy,
			ToolName:  action.ToolName,
		})
	}
	return result, nil
}

func (s *Service) record(ctx context.Context, e audit.Entry) {
	if err := s.auditor.Record(ctx, e); err != nil {
		s.logger.Warn("audit record failed",
			zap.String("event_type", e.EventType),
			zap.String("action_id", e.ActionID),
			zap.Error(err),
		)
	}
}

func validateID(what, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return &InvalidIDError{What: what, Value: id}
	}
	return nil
}

func toolNameOf(a *store.PendingAction) string {
	if a == nil {
		return ""
	}
	return a.ToolName
}
