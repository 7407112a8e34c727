package queue

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/majordomo-ai/majordomo/internal/audit"
	"github.com/majordomo-ai/majordomo/internal/registry"
	"github.com/majordomo-ai/majordomo/internal/rules"
	"github.com/majordomo-ai/majordomo/internal/store"
	"go.uber.org/zap"
)

type fakeStore struct {
	actions map[string]*store.PendingAction
	rules   []*rules.StandingRule

	// raceOn forces the guarded transition for one action id to fail as if
	// a concurrent decision already moved it.
	raceOn string
}

func newFakeStore(actions ...*store.PendingAction) *fakeStore {
	f := &fakeStore{actions: make(map[string]*store.PendingAction)}
	for _, a := range actions {
		f.actions[a.ID] = a
	}
	return f
}

func (f *fakeStore) GetAction(ctx context.Context, id string) (*store.PendingAction, error) {
	return f.actions[id], nil
}

func (f *fakeStore) ListActions(ctx context.Context, status *store.ActionStatus, limit int) ([]*store.PendingAction, error) {
	var out []*store.PendingAction
	for _, a := range f.actions {
		if status != nil && a.Status != *status {
			continue
		}
		out = append(out, a)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) ListExpiredPending(ctx context.Context, now time.Time) ([]*store.PendingAction, error) {
	var out []*store.PendingAction
	for _, a := range f.actions {
		if a.Status == store.StatusPending && a.ExpiresAt != nil && a.ExpiresAt.Before(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) CountActions(ctx context.Context) (int, map[store.ActionStatus]int, error) {
	byStatus := make(map[store.ActionStatus]int)
	for _, a := range f.actions {
		byStatus[a.Status]++
	}
	return len(f.actions), byStatus, nil
}

func (f *fakeStore) TransitionStatus(ctx context.Context, id string, from, to store.ActionStatus, params store.TransitionParams) error {
	a, ok := f.actions[id]
	if !ok {
		return store.ErrNotFound
	}
	if !store.ValidTransition(from, to) || a.Status != from || id == f.raceOn {
		return &store.TransitionError{ActionID: id, From: a.Status, To: to}
	}
	a.Status = to
	if params.DecidedBy != nil {
		a.DecidedBy = params.DecidedBy
		now := time.Now().UTC()
		a.DecidedAt = &now
	}
	if params.ExecutionResult != nil {
		a.ExecutionResult = params.ExecutionResult
	}
	return nil
}

func (f *fakeStore) InsertRule(ctx context.Context, r *rules.StandingRule) error {
	f.rules = append(f.rules, r)
	return nil
}

type fakeAuditor struct {
	entries []audit.Entry
}

func (f *fakeAuditor) Record(ctx context.Context, e audit.Entry) error {
	f.entries = append(f.entries, e)
	return nil
}

func pendingAction(tool string, args map[string]any) *store.PendingAction {
	return &store.PendingAction{
		ID:          uuid.New().String(),
		ToolName:    tool,
		ToolArgs:    args,
		Status:      store.StatusPending,
		RequestedAt: time.Now().UTC(),
	}
}

func TestApproveAction_ExecutesOriginalHandler(t *testing.T) {
	action := pendingAction("email_send", map[string]any{"to": "sam@example.com"})
	st := newFakeStore(action)
	auditor := &fakeAuditor{}

	calls := 0
	originals := map[string]registry.Handler{
		"email_send": func(ctx context.Context, args map[string]any) (map[string]any, error) {
			calls++
			if args["to"] != "sam@example.com" {
				t.Fatalf("expected stored args, got %v", args)
			}
			return map[string]any{"message_id": "m-9"}, nil
		},
	}

	svc := NewService(st, originals, auditor, zap.NewNop())
	result, err := svc.ApproveAction(context.Background(), action.ID, ApproveOptions{Actor: "operator:alex"})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 handler call, got %d", calls)
	}
	if result.Action.Status != store.StatusExecuted {
		t.Fatalf("expected executed, got %s", result.Action.Status)
	}
	if result.Action.DecidedBy == nil || *result.Action.DecidedBy != "user:manual" {
		t.Fatalf("expected decided_by user:manual, got %v", result.Action.DecidedBy)
	}
	if result.Action.ExecutionResult["message_id"] != "m-9" {
		t.Fatalf("expected stored result, got %v", result.Action.ExecutionResult)
	}
	if result.CreatedRule != nil {
		t.Fatal("expected no rule without CreateRule")
	}
	if len(auditor.entries) != 1 || auditor.entries[0].EventType != audit.EventActionExecutionSucceeded {
		t.Fatalf("unexpected audit entries %v", auditor.entries)
	}
	if auditor.entries[0].Actor != "operator:alex" {
		t.Fatalf("expected audit actor operator:alex, got %s", auditor.entries[0].Actor)
	}
}

func TestApproveAction_HandlerErrorStillExecuted(t *testing.T) {
	action := pendingAction("email_send", map[string]any{"to": "x@example.com"})
	st := newFakeStore(action)
	auditor := &fakeAuditor{}
	originals := map[string]registry.Handler{
		"email_send": func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return nil, errors.New("smtp refused")
		},
	}

	svc := NewService(st, originals, auditor, zap.NewNop())
	result, err := svc.ApproveAction(context.Background(), action.ID, ApproveOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Action.Status != store.StatusExecuted {
		t.Fatalf("expected executed, got %s", result.Action.Status)
	}
	if result.Action.ExecutionResult["error"] != "smtp refused" {
		t.Fatalf("expected error payload, got %v", result.Action.ExecutionResult)
	}
	if auditor.entries[0].EventType != audit.EventActionExecutionFailed {
		t.Fatalf("expected execution failed event, got %s", auditor.entries[0].EventType)
	}
}

func TestApproveAction_MissingHandlerStillCompletes(t *testing.T) {
	action := pendingAction("tool_gone", nil)
	st := newFakeStore(action)

	svc := NewService(st, map[string]registry.Handler{}, &fakeAuditor{}, zap.NewNop())
	result, err := svc.ApproveAction(context.Background(), action.ID, ApproveOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Action.Status != store.StatusExecuted {
		t.Fatalf("expected executed, got %s", result.Action.Status)
	}
	msg, _ := result.Action.ExecutionResult["error"].(string)
	if msg == "" {
		t.Fatalf("expected error payload for missing handler, got %v", result.Action.ExecutionResult)
	}
}

func TestApproveAction_CreateRule(t *testing.T) {
	args := map[string]any{"to": "sam@example.com", "subject": "hi"}
	action := pendingAction("email_send", args)
	st := newFakeStore(action)
	originals := map[string]registry.Handler{
		"email_send": func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{}, nil
		},
	}

	svc := NewService(st, originals, &fakeAuditor{}, zap.NewNop())
	result, err := svc.ApproveAction(context.Background(), action.ID, ApproveOptions{CreateRule: true})
	if err != nil {
		t.Fatal(err)
	}
	if result.CreatedRule == nil {
		t.Fatal("expected created rule")
	}
	rule := result.CreatedRule
	if rule.ToolName != "email_send" {
		t.Fatalf("expected tool email_send, got %s", rule.ToolName)
	}
	if rule.ArgConstraints["to"] != "sam@example.com" || rule.ArgConstraints["subject"] != "hi" {
		t.Fatalf("expected exact-arg constraints, got %v", rule.ArgConstraints)
	}
	if rule.CreatedFrom == nil || *rule.CreatedFrom != action.ID {
		t.Fatalf("expected created_from %s, got %v", action.ID, rule.CreatedFrom)
	}
	if !rule.Active {
		t.Fatal("expected active rule")
	}
	if len(st.rules) != 1 {
		t.Fatalf("expected 1 persisted rule, got %d", len(st.rules))
	}
}

func TestApproveAction_NotPending(t *testing.T) {
	action := pendingAction("email_send", nil)
	action.Status = store.StatusRejected
	st := newFakeStore(action)

	svc := NewService(st, nil, &fakeAuditor{}, zap.NewNop())
	_, err := svc.ApproveAction(context.Background(), action.ID, ApproveOptions{})
	var terr *store.TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if !strings.Contains(err.Error(), "Cannot transition") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestApproveAction_InvalidID(t *testing.T) {
	svc := NewService(newFakeStore(), nil, &fakeAuditor{}, zap.NewNop())
	_, err := svc.ApproveAction(context.Background(), "not-a-uuid", ApproveOptions{})
	var ierr *InvalidIDError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected InvalidIDError, got %v", err)
	}
	if !strings.Contains(err.Error(), "not a valid UUID") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestApproveAction_NotFound(t *testing.T) {
	svc := NewService(newFakeStore(), nil, &fakeAuditor{}, zap.NewNop())
	_, err := svc.ApproveAction(context.Background(), uuid.New().String(), ApproveOptions{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRejectAction_WithReason(t *testing.T) {
	action := pendingAction("email_send", nil)
	st := newFakeStore(action)
	auditor := &fakeAuditor{}

	svc := NewService(st, nil, auditor, zap.NewNop())
	rejected, err := svc.RejectAction(context.Background(), action.ID, "wrong recipient", "operator:alex")
	if err != nil {
		t.Fatal(err)
	}
	if rejected.Status != store.StatusRejected {
		t.Fatalf("expected rejected, got %s", rejected.Status)
	}
	want := "user:manual (reason: wrong recipient)"
	if rejected.DecidedBy == nil || *rejected.DecidedBy != want {
		t.Fatalf("expected decided_by %q, got %v", want, rejected.DecidedBy)
	}
	if auditor.entries[0].EventType != audit.EventActionRejected {
		t.Fatalf("expected rejected event, got %s", auditor.entries[0].EventType)
	}
	if auditor.entries[0].Reason == nil || *auditor.entries[0].Reason != "wrong recipient" {
		t.Fatalf("expected audited reason, got %v", auditor.entries[0].Reason)
	}
}

func TestRejectAction_NoReason(t *testing.T) {
	action := pendingAction("email_send", nil)
	st := newFakeStore(action)

	svc := NewService(st, nil, &fakeAuditor{}, zap.NewNop())
	rejected, err := svc.RejectAction(context.Background(), action.ID, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if rejected.DecidedBy == nil || *rejected.DecidedBy != "user:manual" {
		t.Fatalf("expected decided_by user:manual, got %v", rejected.DecidedBy)
	}
}

func TestShowPendingAction(t *testing.T) {
	action := pendingAction("email_send", nil)
	st := newFakeStore(action)
	svc := NewService(st, nil, &fakeAuditor{}, zap.NewNop())

	got, err := svc.ShowPendingAction(context.Background(), action.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != action.ID {
		t.Fatalf("expected %s, got %s", action.ID, got.ID)
	}

	if _, err := svc.ShowPendingAction(context.Background(), uuid.New().String()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var ierr *InvalidIDError
	if _, err := svc.ShowPendingAction(context.Background(), "bogus"); !errors.As(err, &ierr) {
		t.Fatalf("expected InvalidIDError, got %v", err)
	}
}

func TestPendingActionCount(t *testing.T) {
	a := pendingAction("email_send", nil)
	b := pendingAction("email_send", nil)
	b.Status = store.StatusExecuted
	st := newFakeStore(a, b)

	svc := NewService(st, nil, &fakeAuditor{}, zap.NewNop())
	counts, err := svc.PendingActionCount(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts.Total != 2 {
		t.Fatalf("expected total 2, got %d", counts.Total)
	}
	if counts.ByStatus[store.StatusPending] != 1 || counts.ByStatus[store.StatusExecuted] != 1 {
		t.Fatalf("unexpected by-status counts %v", counts.ByStatus)
	}
}

func TestExpireStaleActions(t *testing.T) {
	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	stale := pendingAction("email_send", nil)
	stale.ExpiresAt = &past
	fresh := pendingAction("email_send", nil)
	fresh.ExpiresAt = &future
	unbounded := pendingAction("email_send", nil)

	st := newFakeStore(stale, fresh, unbounded)
	auditor := &fakeAuditor{}
	svc := NewService(st, nil, auditor, zap.NewNop())

	result, err := svc.ExpireStaleActions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.ExpiredCount != 1 {
		t.Fatalf("expected 1 expired, got %d", result.ExpiredCount)
	}
	if len(result.ActionIDs) != 1 || result.ActionIDs[0] != stale.ID {
		t.Fatalf("expected [%s], got %v", stale.ID, result.ActionIDs)
	}
	if stale.Status != store.StatusExpired {
		t.Fatalf("expected expired, got %s", stale.Status)
	}
	if stale.DecidedBy == nil || *stale.DecidedBy != "system:expiry" {
		t.Fatalf("expected decided_by system:expiry, got %v", stale.DecidedBy)
	}
	if fresh.Status != store.StatusPending || unbounded.Status != store.StatusPending {
		t.Fatal("expected unexpired actions untouched")
	}
	if auditor.entries[0].EventType != audit.EventActionExpired {
		t.Fatalf("expected expired event, got %s", auditor.entries[0].EventType)
	}

	// Idempotent: a second sweep finds nothing.
	again, err := svc.ExpireStaleActions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if again.ExpiredCount != 0 {
		t.Fatalf("expected 0 on second sweep, got %d", again.ExpiredCount)
	}
}

func TestExpireStaleActions_SkipsLostRace(t *testing.T) {
	past := time.Now().UTC().Add(-time.Hour)
	raced := pendingAction("email_send", nil)
	raced.ExpiresAt = &past
	stale := pendingAction("email_send", nil)
	stale.ExpiresAt = &past

	st := newFakeStore(raced, stale)
	st.raceOn = raced.ID
	svc := NewService(st, nil, &fakeAuditor{}, zap.NewNop())

	result, err := svc.ExpireStaleActions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.ExpiredCount != 1 {
		t.Fatalf("expected 1 expired with one race skipped, got %d", result.ExpiredCount)
	}
	if result.ActionIDs[0] != stale.ID {
		t.Fatalf("expected only %s expired, got %v", stale.ID, result.ActionIDs)
	}
}

func TestListPendingActions_DefaultLimit(t *testing.T) {
	st := newFakeStore()
	for i := 0; i < DefaultListLimit+5; i++ {
		a := pendingAction("email_send", nil)
		st.actions[a.ID] = a
	}
	svc := NewService(st, nil, &fakeAuditor{}, zap.NewNop())

	actions, err := svc.ListPendingActions(context.Background(), nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != DefaultListLimit {
		t.Fatalf("expected default limit %d, got %d", DefaultListLimit, len(actions))
	}

	status := store.StatusExecuted
	actions, err = svc.ListPendingActions(context.Background(), &status, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 0 {
		t.Fatalf("expected no executed actions, got %d", len(actions))
	}
}
