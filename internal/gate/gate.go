// Package gate intercepts calls to gated tools and decides whether each
// call executes immediately, auto-executes under a standing rule, or parks
// for human sign-off. Every decision is persisted and audited before the
// wrapped handler runs.
package gate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/majordomo-ai/majordomo/internal/audit"
	"github.com/majordomo-ai/majordomo/internal/config"
	"github.com/majordomo-ai/majordomo/internal/identity"
	"github.com/majordomo-ai/majordomo/internal/registry"
	"github.com/majordomo-ai/majordomo/internal/rules"
	"github.com/majordomo-ai/majordomo/internal/store"
	"go.uber.org/zap"
)

// Decided-by values written on gate decisions.
const (
	DecidedByOwner  = "role:owner"
	DecidedByManual = "user:manual"
	DecidedByExpiry = "system:expiry"
)

// ActionStore is the pending-action persistence the gate depends on,
// satisfied by *store.Store.
type ActionStore interface {
	InsertAction(ctx context.Context, a *store.PendingAction) error
	TransitionStatus(ctx context.Context, id string, from, to store.ActionStatus, params store.TransitionParams) error
}

// RuleStore is the standing-rule persistence the gate depends on,
// satisfied by *store.Store.
type RuleStore interface {
	ListActiveRulesForTool(ctx context.Context, toolName string) ([]*rules.StandingRule, error)
	IncrementRuleUse(ctx context.Context, id string) error
}

// TargetResolver maps call arguments to a contact, satisfied by
// *identity.Resolver.
type TargetResolver interface {
	ResolveTargetContact(ctx context.Context, args map[string]any) *identity.Contact
}

// Auditor appends lifecycle events, satisfied by *audit.Recorder.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry) error
}

// Interceptor wraps gated tool handlers with the approval decision flow.
type Interceptor struct {
	cfg       *config.Authorization
	actions   ActionStore
	ruleStore RuleStore
	resolver  TargetResolver
	auditor   Auditor
	logger    *zap.Logger
	originals map[string]registry.Handler
}

// NewInterceptor creates an Interceptor. Install must be called before any
// gated tool is invoked.
func NewInterceptor(
	cfg *config.Authorization,
	actions ActionStore,
	ruleStore RuleStore,
	resolver TargetResolver,
	auditor Auditor,
	logger *zap.Logger,
) *Interceptor {
	return &Interceptor{
		cfg:       cfg,
		actions:   actions,
		ruleStore: ruleStore,
		resolver:  resolver,
		auditor:   auditor,
		logger:    logger,
		originals: make(map[string]registry.Handler),
	}
}

// Install replaces the handler of every tool that is both registered and
// gated by configuration, and returns the original handlers keyed by tool
// name. With a nil or disabled configuration nothing is touched and the
// returned map is empty.
func (i *Interceptor) Install(reg *registry.Registry) (map[string]registry.Handler, error) {
	if i.cfg == nil || !i.cfg.Enabled {
		return map[string]registry.Handler{}, nil
	}

	for _, name := range reg.Names() {
		if !i.cfg.IsGated(name) {
			continue
		}
		orig, err := reg.Replace(name, i.wrap(name))
		if err != nil {
			return nil, fmt.Errorf("Install: %w", err)
		}
		i.originals[name] = orig
		i.logger.Info("tool gated",
			zap.String("tool_name", name),
			zap.String("risk_tier", i.cfg.RiskTier(name)),
		)
	}

	out := make(map[string]registry.Handler, len(i.originals))
	for name, h := range i.originals {
		out[name] = h
	}
	return out, nil
}

// OriginalHandlers returns the retained pre-wrap handlers.
func (i *Interceptor) OriginalHandlers() map[string]registry.Handler {
	out := make(map[string]registry.Handler, len(i.originals))
	for name, h := range i.originals {
		out[name] = h
	}
	return out
}

// wrap builds the decision wrapper for one gated tool.
func (i *Interceptor) wrap(toolName string) registry.Handler {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		contact := i.resolver.ResolveTargetContact(ctx, args)

		// Owner fast path: no rule consulted, no use count touched.
		if contact != nil && contact.IsOwner() {
			return i.autoExecute(ctx, toolName, args, DecidedByOwner, audit.PathOwnerAutoApprove, nil)
		}

		// Rule consultation is gated on resolvability: an unresolvable
		// target is always parked, even when a rule would match.
		if contact != nil {
			candidates, err := i.ruleStore.ListActiveRulesForTool(ctx, toolName)
			if err != nil {
				i.logger.Warn("rule lookup failed, parking action",
					zap.String("tool_name", toolName),
					zap.Error(err),
				)
			} else if rule := rules.Match(toolName, args, candidates, time.Now().UTC()); rule != nil {
				return i.autoExecute(ctx, toolName, args, "rule:"+rule.ID, audit.PathRuleMatched, rule)
			}
		}

		return i.park(ctx, toolName, args)
	}
}

// autoExecute persists an approved action, audits it, runs the original
// handler inline, and records the execution outcome. The handler's error is
// captured into the execution result rather than propagated: the decision
// is already on record.
func (i *Interceptor) autoExecute(
	ctx context.Context,
	toolName string,
	args map[string]any,
	decidedBy, path string,
	rule *rules.StandingRule,
) (map[string]any, error) {
	now := time.Now().UTC()
	action := &store.PendingAction{
		ID:           uuid.New().String(),
		ToolName:     toolName,
		ToolArgs:     args,
		Status:       store.StatusApproved,
		AgentSummary: Summarize(toolName, args),
		SessionID:    sessionIDFromContext(ctx),
		RequestedAt:  now,
		DecidedBy:    &decidedBy,
		DecidedAt:    &now,
	}
	var ruleID *string
	if rule != nil {
		id := rule.ID
		ruleID = &id
		action.ApprovalRuleID = &id
	}

	if err := i.actions.InsertAction(ctx, action); err != nil {
		return nil, fmt.Errorf("gate: %w", err)
	}

	i.record(ctx, audit.Entry{
		EventType: audit.EventActionQueued,
		ActionID:  action.ID,
		RuleID:    ruleID,
		Actor:     decidedBy,
		ToolName:  toolName,
		Path:      path,
	})
	i.record(ctx, audit.Entry{
		EventType: audit.EventActionAutoApproved,
		ActionID:  action.ID,
		RuleID:    ruleID,
		Actor:     decidedBy,
		ToolName:  toolName,
	})

	if rule != nil {
		if err := i.ruleStore.IncrementRuleUse(ctx, rule.ID); err != nil {
			i.logger.Warn("rule use count increment failed",
				zap.String("rule_id", rule.ID),
				zap.Error(err),
			)
		}
	}

	return i.execute(ctx, action, ruleID, i.originals[toolName], args)
}

// execute runs the original handler and moves the action approved→executed,
// storing either the result or an error payload.
func (i *Interceptor) execute(
	ctx context.Context,
	action *store.PendingAction,
	ruleID *string,
	handler registry.Handler,
	args map[string]any,
) (map[string]any, error) {
	result, execErr := registry.SafeCall(ctx, handler, args)

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

	if err := i.actions.TransitionStatus(ctx, action.ID, store.StatusApproved, store.StatusExecuted,
		store.TransitionParams{ExecutionResult: payload},
	); err != nil {
		i.logger.Error("executed transition failed",
			zap.String("action_id", action.ID),
			zap.Error(err),
		)
	}

	i.record(ctx, audit.Entry{
		EventType: eventType,
		ActionID:  action.ID,
		RuleID:    ruleID,
		Actor:     derefOr(action.DecidedBy, DecidedByOwner),
		Reason:    reason,
		ToolName:  action.ToolName,
	})

	return payload, nil
}

// park persists a pending action and returns the approval envelope instead
// of the handler's result.
func (i *Interceptor) park(ctx context.Context, toolName string, args map[string]any) (map[string]any, error) {
	now := time.Now().UTC()
	action := &store.PendingAction{
		ID:           uuid.New().String(),
		ToolName:     toolName,
		ToolArgs:     args,
		Status:       store.StatusPending,
		AgentSummary: Summarize(toolName, args),
		SessionID:    sessionIDFromContext(ctx),
		RequestedAt:  now,
	}
	if hours := i.cfg.ExpiryHours(toolName); hours > 0 {
		expires := now.Add(time.Duration(hours) * time.Hour)
		action.ExpiresAt = &expires
	}

	if err := i.actions.InsertAction(ctx, action); err != nil {
		return nil, fmt.Errorf("gate: %w", err)
	}

	i.record(ctx, audit.Entry{
		EventType: audit.EventActionQueued,
		ActionID:  action.ID,
		Actor:     "system:gate",
		ToolName:  toolName,
		Path:      audit.PathPending,
	})

	return map[string]any{
		"status":          "pending_approval",
		"action_id":       action.ID,
		"message":         fmt.Sprintf("Action requires approval: %s", action.AgentSummary),
		"risk_tier":       i.cfg.RiskTier(toolName),
		"rule_precedence": i.cfg.RulePrecedence,
	}, nil
}

func (i *Interceptor) record(ctx context.Context, e audit.Entry) {
	if err := i.auditor.Record(ctx, e); err != nil {
		i.logger.Warn("audit record failed",
			zap.String("event_type", e.EventType),
			zap.String("action_id", e.ActionID),
			zap.Error(err),
		)
	}
}

// Summarize builds the one-line human summary persisted with every action.
// Always non-empty, arguments sorted for stable output.
func Summarize(toolName string, args map[string]any) string {
	if len(args) == 0 {
		return toolName
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	summary := toolName + " (" + strings.Join(parts, ", ") + ")"
	if len(summary) > 200 {
		summary = summary[:197] + "..."
	}
	return summary
}

func derefOr(s *string, fallback string) string {
	if s != nil {
		return *s
	}
	return fallback
}

// --- session correlation ---

type sessionKey struct{}

// WithSessionID attaches a correlation id to the context; the gate persists
// it on the actions it creates.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

func sessionIDFromContext(ctx context.Context) *string {
	if v, ok := ctx.Value(sessionKey{}).(string); ok && v != "" {
		return &v
	}
	return nil
}
