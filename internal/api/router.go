// Package api exposes the operator HTTP surface of the approval gateway:
// the action queue, standing rules, audit trails, and analytics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/majordomo-ai/majordomo/internal/audit"
	"github.com/majordomo-ai/majordomo/internal/queue"
	"github.com/majordomo-ai/majordomo/internal/rules"
	"github.com/majordomo-ai/majordomo/internal/store"
	"go.uber.org/zap"
)

// QueueService is the action queue surface, satisfied by *queue.Service.
type QueueService interface {
	ListPendingActions(ctx context.Context, status *store.ActionStatus, limit int) ([]*store.PendingAction, error)
	ShowPendingAction(ctx context.Context, id string) (*store.PendingAction, error)
	ApproveAction(ctx context.Context, id string, opts queue.ApproveOptions) (*queue.ApproveResult, error)
	RejectAction(ctx context.Context, id, reason, actor string) (*store.PendingAction, error)
	PendingActionCount(ctx context.Context) (*queue.Counts, error)
	ExpireStaleActions(ctx context.Context) (*queue.ExpireResult, error)
}

// RuleStore is the standing-rule surface, satisfied by *store.Store.
type RuleStore interface {
	ListRules(ctx context.Context, includeInactive bool) ([]*rules.StandingRule, error)
	GetRule(ctx context.Context, id string) (*rules.StandingRule, error)
	InsertRule(ctx context.Context, r *rules.StandingRule) error
	RevokeRule(ctx context.Context, id string) error
}

// EventStore is the audit-trail surface, satisfied by *store.Store.
type EventStore interface {
	ListEventsForAction(ctx context.Context, actionID string) ([]*store.ApprovalEvent, error)
}

// KeyStore is the operator-key surface, satisfied by *store.Store.
type KeyStore interface {
	LookupOperatorKeyByPrefix(ctx context.Context, prefix string) (*store.OperatorKey, error)
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Queue    QueueService
	Rules    RuleStore
	Events   EventStore
	Keys     KeyStore
	Reader   *audit.Reader // nil if ClickHouse unavailable
	Logger   *zap.Logger
	CacheTTL time.Duration
}

// NewRouter builds the HTTP mux with all routes wired up. Every
// /api/approvals route requires a Bearer mdk_ operator key.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	// Action queue
	mux.HandleFunc("GET /api/approvals/actions", deps.authMiddleware(deps.handleListActions))
	mux.HandleFunc("GET /api/approvals/actions/count", deps.authMiddleware(deps.handleActionCount))
	mux.HandleFunc("GET /api/approvals/actions/{action_id}", deps.authMiddleware(deps.handleGetAction))
	mux.HandleFunc("GET /api/approvals/actions/{action_id}/events", deps.authMiddleware(deps.handleActionEvents))
	mux.HandleFunc("POST /api/approvals/actions/{action_id}/approve", deps.authMiddleware(deps.handleApproveAction))
	mux.HandleFunc("POST /api/approvals/actions/{action_id}/reject", deps.authMiddleware(deps.handleRejectAction))
	mux.HandleFunc("POST /api/approvals/expire", deps.authMiddleware(deps.handleExpireActions))

	// Standing rules
	mux.HandleFunc("GET /api/approvals/rules", deps.authMiddleware(deps.handleListRules))
	mux.HandleFunc("POST /api/approvals/rules", deps.authMiddleware(deps.handleCreateRule))
	mux.HandleFunc("POST /api/approvals/rules/{rule_id}/revoke", deps.authMiddleware(deps.handleRevokeRule))

	// Analytics (ClickHouse mirror)
	mux.HandleFunc("GET /api/approvals/analytics", deps.authMiddleware(deps.handleGetAnalytics))

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requestLogging(mux, deps.Logger))
}
