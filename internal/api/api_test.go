package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/majordomo-ai/majordomo/internal/queue"
	"github.com/majordomo-ai/majordomo/internal/rules"
	"github.com/majordomo-ai/majordomo/internal/store"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const testKey = "mdk_0123456789abcdef0123456789abcdef"

type fakeQueue struct {
	actions map[string]*store.PendingAction
	expire  *queue.ExpireResult

	approvedWith queue.ApproveOptions
	rejectActor  string
}

func newFakeQueue(actions ...*store.PendingAction) *fakeQueue {
	f := &fakeQueue{actions: make(map[string]*store.PendingAction)}
	for _, a := range actions {
		f.actions[a.ID] = a
	}
	return f
}

func (f *fakeQueue) get(id string) (*store.PendingAction, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, &queue.InvalidIDError{What: "action_id", Value: id}
	}
	a, ok := f.actions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (f *fakeQueue) ListPendingActions(ctx context.Context, status *store.ActionStatus, limit int) ([]*store.PendingAction, error) {
	var out []*store.PendingAction
	for _, a := range f.actions {
		if status == nil || a.Status == *status {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeQueue) ShowPendingAction(ctx context.Context, id string) (*store.PendingAction, error) {
	return f.get(id)
}

func (f *fakeQueue) ApproveAction(ctx context.Context, id string, opts queue.ApproveOptions) (*queue.ApproveResult, error) {
	a, err := f.get(id)
	if err != nil {
		return nil, err
	}
	if a.Status != store.StatusPending {
		return nil, &store.TransitionError{ActionID: id, From: a.Status, To: store.StatusApproved}
	}
	f.approvedWith = opts
	a.Status = store.StatusExecuted
	a.ExecutionResult = map[string]any{"ok": true}
	result := &queue.ApproveResult{Action: a}
	if opts.CreateRule {
		result.CreatedRule = &rules.StandingRule{
			ID:             uuid.New().String(),
			ToolName:       a.ToolName,
			ArgConstraints: a.ToolArgs,
			CreatedFrom:    &a.ID,
			CreatedAt:      time.Now().UTC(),
			Active:         true,
		}
	}
	return result, nil
}

func (f *fakeQueue) RejectAction(ctx context.Context, id, reason, actor string) (*store.PendingAction, error) {
	a, err := f.get(id)
	if err != nil {
		return nil, err
	}
	if a.Status != store.StatusPending {
		return nil, &store.TransitionError{ActionID: id, From: a.Status, To: store.StatusRejected}
	}
	f.rejectActor = actor
	a.Status = store.StatusRejected
	return a, nil
}

func (f *fakeQueue) PendingActionCount(ctx context.Context) (*queue.Counts, error) {
	byStatus := make(map[store.ActionStatus]int)
	for _, a := range f.actions {
		byStatus[a.Status]++
	}
	return &queue.Counts{Total: len(f.actions), ByStatus: byStatus}, nil
}

func (f *fakeQueue) ExpireStaleActions(ctx context.Context) (*queue.ExpireResult, error) {
	if f.expire != nil {
		return f.expire, nil
	}
	return &queue.ExpireResult{ActionIDs: []string{}}, nil
}

type fakeRuleStore struct {
	rules map[string]*rules.StandingRule
}

func newFakeRuleStore(list ...*rules.StandingRule) *fakeRuleStore {
	f := &fakeRuleStore{rules: make(map[string]*rules.StandingRule)}
	for _, r := range list {
		f.rules[r.ID] = r
	}
	return f
}

func (f *fakeRuleStore) ListRules(ctx context.Context, includeInactive bool) ([]*rules.StandingRule, error) {
	var out []*rules.StandingRule
	for _, r := range f.rules {
		if r.Active || includeInactive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRuleStore) GetRule(ctx context.Context, id string) (*rules.StandingRule, error) {
	return f.rules[id], nil
}

func (f *fakeRuleStore) InsertRule(ctx context.Context, r *rules.StandingRule) error {
	f.rules[r.ID] = r
	return nil
}

func (f *fakeRuleStore) RevokeRule(ctx context.Context, id string) error {
	r, ok := f.rules[id]
	if !ok {
		return store.ErrNotFound
	}
	r.Active = false
	return nil
}

type fakeEventStore struct {
	events []*store.ApprovalEvent
}

func (f *fakeEventStore) ListEventsForAction(ctx context.Context, actionID string) ([]*store.ApprovalEvent, error) {
	var out []*store.ApprovalEvent
	for _, ev := range f.events {
		if ev.ActionID == actionID {
			out = append(out, ev)
		}
	}
	return out, nil
}

type fakeKeyStore struct {
	key *store.OperatorKey
}

func (f *fakeKeyStore) LookupOperatorKeyByPrefix(ctx context.Context, prefix string) (*store.OperatorKey, error) {
	if f.key != nil && f.key.KeyPrefix == prefix {
		return f.key, nil
	}
	return nil, nil
}

type testEnv struct {
	server *httptest.Server
	queue  *fakeQueue
	rules  *fakeRuleStore
	events *fakeEventStore
}

func newTestEnv(t *testing.T, actions ...*store.PendingAction) *testEnv {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(testKey), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	keys := &fakeKeyStore{key: &store.OperatorKey{
		ID:        uuid.New().String(),
		Name:      "alex",
		KeyHash:   string(hash),
		KeyPrefix: testKey[:8],
		CreatedAt: time.Now().UTC(),
	}}

	env := &testEnv{
		queue:  newFakeQueue(actions...),
		rules:  newFakeRuleStore(),
		events: &fakeEventStore{},
	}
	router := NewRouter(&Dependencies{
		Queue:    env.queue,
		Rules:    env.rules,
		Events:   env.events,
		Keys:     keys,
		Logger:   zap.NewNop(),
		CacheTTL: time.Minute,
	})
	env.server = httptest.NewServer(router)
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func pendingAction(tool string) *store.PendingAction {
	return &store.PendingAction{
		ID:           uuid.New().String(),
		ToolName:     tool,
		ToolArgs:     map[string]any{"to": "sam@example.com"},
		Status:       store.StatusPending,
		AgentSummary: tool + " (to=sam@example.com)",
		RequestedAt:  time.Now().UTC(),
	}
}

func TestAPI_AuthRequired(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/api/approvals/actions", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if body["error"] == "" {
		t.Fatal("expected error body")
	}

	resp, _ = env.do(t, http.MethodGet, "/api/approvals/actions", nil, "mdk_wrongkeywrongkeywrongkey")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad key, got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodGet, "/api/approvals/actions", nil, "tsk_othertool")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong key format, got %d", resp.StatusCode)
	}
}

func TestAPI_HealthzNoAuth(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/healthz", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestAPI_ListActions(t *testing.T) {
	env := newTestEnv(t, pendingAction("email_send"), pendingAction("telegram_send"))

	resp, body := env.do(t, http.MethodGet, "/api/approvals/actions", nil, testKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["count"].(float64) != 2 {
		t.Fatalf("expected 2 actions, got %v", body["count"])
	}

	resp, _ = env.do(t, http.MethodGet, "/api/approvals/actions?status=bogus", nil, testKey)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status filter, got %d", resp.StatusCode)
	}
}

func TestAPI_GetAction(t *testing.T) {
	action := pendingAction("email_send")
	env := newTestEnv(t, action)

	resp, body := env.do(t, http.MethodGet, "/api/approvals/actions/"+action.ID, nil, testKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["action_id"] != action.ID {
		t.Fatalf("expected action %s, got %v", action.ID, body["action_id"])
	}
	if body["tool_name"] != "email_send" {
		t.Fatalf("unexpected tool_name %v", body["tool_name"])
	}

	resp, body = env.do(t, http.MethodGet, "/api/approvals/actions/"+uuid.New().String(), nil, testKey)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if body["error"] != "Action not found" {
		t.Fatalf("unexpected error %v", body["error"])
	}

	resp, body = env.do(t, http.MethodGet, "/api/approvals/actions/not-a-uuid", nil, testKey)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	msg, _ := body["error"].(string)
	if !strings.Contains(msg, "not a valid UUID") {
		t.Fatalf("unexpected error %q", msg)
	}
}

func TestAPI_ApproveAction(t *testing.T) {
	action := pendingAction("email_send")
	env := newTestEnv(t, action)

	resp, body := env.do(t, http.MethodPost,
		"/api/approvals/actions/"+action.ID+"/approve",
		ApproveReq{CreateRule: true}, testKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, body)
	}
	actionBody := body["action"].(map[string]any)
	if actionBody["status"] != "executed" {
		t.Fatalf("expected executed, got %v", actionBody["status"])
	}
	if body["rule"] == nil {
		t.Fatal("expected created rule in response")
	}
	if !env.queue.approvedWith.CreateRule {
		t.Fatal("expected create_rule to reach the queue")
	}
	if env.queue.approvedWith.Actor != "operator:alex" {
		t.Fatalf("expected actor operator:alex, got %q", env.queue.approvedWith.Actor)
	}

	// Already executed: the transition conflict surfaces as 409.
	resp, body = env.do(t, http.MethodPost,
		"/api/approvals/actions/"+action.ID+"/approve", nil, testKey)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	msg, _ := body["error"].(string)
	if !strings.Contains(msg, "Cannot transition") {
		t.Fatalf("unexpected error %q", msg)
	}
}

func TestAPI_RejectAction(t *testing.T) {
	action := pendingAction("email_send")
	env := newTestEnv(t, action)

	resp, body := env.do(t, http.MethodPost,
		"/api/approvals/actions/"+action.ID+"/reject",
		RejectReq{Reason: "wrong recipient"}, testKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, body)
	}
	if body["status"] != "rejected" {
		t.Fatalf("expected rejected, got %v", body["status"])
	}
	if env.queue.rejectActor != "operator:alex" {
		t.Fatalf("expected actor operator:alex, got %q", env.queue.rejectActor)
	}
}

func TestAPI_ActionCount(t *testing.T) {
	executed := pendingAction("email_send")
	executed.Status = store.StatusExecuted
	env := newTestEnv(t, pendingAction("email_send"), executed)

	resp, body := env.do(t, http.MethodGet, "/api/approvals/actions/count", nil, testKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["total"].(float64) != 2 {
		t.Fatalf("expected total 2, got %v", body["total"])
	}
	byStatus := body["by_status"].(map[string]any)
	if byStatus["pending"].(float64) != 1 || byStatus["executed"].(float64) != 1 {
		t.Fatalf("unexpected by_status %v", byStatus)
	}
}

func TestAPI_Expire(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New().String()
	env.queue.expire = &queue.ExpireResult{ExpiredCount: 1, ActionIDs: []string{id}}

	resp, body := env.do(t, http.MethodPost, "/api/approvals/expire", nil, testKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["expired_count"].(float64) != 1 {
		t.Fatalf("expected 1 expired, got %v", body["expired_count"])
	}
}

func TestAPI_ActionEvents(t *testing.T) {
	action := pendingAction("email_send")
	env := newTestEnv(t, action)
	env.events.events = []*store.ApprovalEvent{
		{
			ID:         uuid.New().String(),
			EventType:  "action_queued",
			ActionID:   action.ID,
			Actor:      "system:gate",
			OccurredAt: time.Now().UTC(),
		},
	}

	resp, body := env.do(t, http.MethodGet, "/api/approvals/actions/"+action.ID+"/events", nil, testKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["count"].(float64) != 1 {
		t.Fatalf("expected 1 event, got %v", body["count"])
	}
	events := body["events"].([]any)
	first := events[0].(map[string]any)
	if first["event_type"] != "action_queued" {
		t.Fatalf("unexpected event %v", first)
	}
}

func TestAPI_Rules(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/approvals/rules", CreateRuleReq{
		ToolName:       "email_send",
		ArgConstraints: map[string]any{"to": "sam@example.com"},
		Description:    "allow sam",
	}, testKey)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %v", resp.StatusCode, body)
	}
	ruleID, _ := body["rule_id"].(string)
	if ruleID == "" {
		t.Fatal("expected rule_id")
	}
	if body["active"] != true {
		t.Fatal("expected active rule")
	}

	resp, body = env.do(t, http.MethodGet, "/api/approvals/rules", nil, testKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["count"].(float64) != 1 {
		t.Fatalf("expected 1 rule, got %v", body["count"])
	}

	resp, body = env.do(t, http.MethodPost, fmt.Sprintf("/api/approvals/rules/%s/revoke", ruleID), nil, testKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, body)
	}
	if body["active"] != false {
		t.Fatalf("expected revoked rule, got %v", body)
	}

	// Revoked rules drop out of the default listing.
	resp, body = env.do(t, http.MethodGet, "/api/approvals/rules", nil, testKey)
	if body["count"].(float64) != 0 {
		t.Fatalf("expected 0 active rules, got %v", body["count"])
	}
	resp, body = env.do(t, http.MethodGet, "/api/approvals/rules?include_inactive=true", nil, testKey)
	if body["count"].(float64) != 1 {
		t.Fatalf("expected 1 rule with inactive, got %v", body["count"])
	}
}

func TestAPI_CreateRuleValidation(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodPost, "/api/approvals/rules", CreateRuleReq{}, testKey)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing tool_name, got %d", resp.StatusCode)
	}

	zero := 0
	resp, _ = env.do(t, http.MethodPost, "/api/approvals/rules", CreateRuleReq{
		ToolName: "email_send",
		MaxUses:  &zero,
	}, testKey)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero max_uses, got %d", resp.StatusCode)
	}
}

func TestAPI_RevokeRuleErrors(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodPost, "/api/approvals/rules/not-a-uuid/revoke", nil, testKey)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodPost, fmt.Sprintf("/api/approvals/rules/%s/revoke", uuid.New().String()), nil, testKey)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestAPI_AnalyticsUnavailable(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/api/approvals/analytics", nil, testKey)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without ClickHouse, got %d", resp.StatusCode)
	}
	if body["error"] != "ClickHouse not configured" {
		t.Fatalf("unexpected error %v", body["error"])
	}
}
