package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/majordomo-ai/majordomo/internal/rules"
	"github.com/majordomo-ai/majordomo/internal/store"
	"go.uber.org/zap"
)

func (d *Dependencies) handleListRules(w http.ResponseWriter, r *http.Request) {
	includeInactive := r.URL.Query().Get("include_inactive") == "true"

	list, err := d.Rules.ListRules(r.Context(), includeInactive)
	if err != nil {
		d.Logger.Error("failed to list rules", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Error: "Failed to list rules"})
		return
	}

	resp := RuleListResp{Rules: make([]RuleResp, 0, len(list))}
	for _, rule := range list {
		resp.Rules = append(resp.Rules, ruleToResp(rule))
	}
	resp.Count = len(resp.Rules)
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Error: "Invalid JSON body"})
		return
	}
	if req.ToolName == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Error: "tool_name is required"})
		return
	}
	if req.MaxUses != nil && *req.MaxUses < 1 {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Error: "max_uses must be at least 1"})
		return
	}

	constraints := req.ArgConstraints
	if constraints == nil {
		constraints = map[string]any{}
	}
	rule := &rules.StandingRule{
		ID:             uuid.New().String(),
		ToolName:       req.ToolName,
		ArgConstraints: constraints,
		Description:    req.Description,
		CreatedAt:      time.Now().UTC(),
		ExpiresAt:      req.ExpiresAt,
		MaxUses:        req.MaxUses,
		Active:         true,
	}

	if err := d.Rules.InsertRule(r.Context(), rule); err != nil {
		d.Logger.Error("failed to create rule", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Error: "Failed to create rule"})
		return
	}
	writeJSON(w, http.StatusCreated, ruleToResp(rule))
}

func (d *Dependencies) handleRevokeRule(w http.ResponseWriter, r *http.Request) {
	ruleID := r.PathValue("rule_id")
	if _, err := uuid.Parse(ruleID); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Error: "Invalid rule_id: not a valid UUID"})
		return
	}

	if err := d.Rules.RevokeRule(r.Context(), ruleID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResp{Error: "Rule not found"})
			return
		}
		d.Logger.Error("failed to revoke rule", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Error: "Failed to revoke rule"})
		return
	}

	rule, err := d.Rules.GetRule(r.Context(), ruleID)
	if err != nil || rule == nil {
		writeJSON(w, http.StatusOK, map[string]string{"rule_id": ruleID, "status": "revoked"})
		return
	}
	writeJSON(w, http.StatusOK, ruleToResp(rule))
}
