package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/majordomo-ai/majordomo/internal/queue"
	"github.com/majordomo-ai/majordomo/internal/store"
	"go.uber.org/zap"
)

func (d *Dependencies) handleListActions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var status *store.ActionStatus
	if v := q.Get("status"); v != "" {
		s := store.ActionStatus(v)
		switch s {
		case store.StatusPending, store.StatusApproved, store.StatusRejected,
			store.StatusExpired, store.StatusExecuted:
			status = &s
		default:
			writeJSON(w, http.StatusBadRequest, ErrorResp{Error: "Invalid status filter: " + v})
			return
		}
	}

	limit := queryInt(q, "limit", 0)
	if limit > 200 {
		limit = 200
	}

	actions, err := d.Queue.ListPendingActions(r.Context(), status, limit)
	if err != nil {
		d.Logger.Error("failed to list actions", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Error: "Failed to list actions"})
		return
	}

	resp := ActionListResp{Actions: make([]ActionResp, 0, len(actions))}
	for _, a := range actions {
		resp.Actions = append(resp.Actions, actionToResp(a))
	}
	resp.Count = len(resp.Actions)
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleGetAction(w http.ResponseWriter, r *http.Request) {
	action, err := d.Queue.ShowPendingAction(r.Context(), r.PathValue("action_id"))
	if err != nil {
		d.writeActionError(w, err, "failed to get action")
		return
	}
	writeJSON(w, http.StatusOK, actionToResp(action))
}

func (d *Dependencies) handleActionEvents(w http.ResponseWriter, r *http.Request) {
	actionID := r.PathValue("action_id")
	if _, err := d.Queue.ShowPendingAction(r.Context(), actionID); err != nil {
		d.writeActionError(w, err, "failed to get action")
		return
	}

	events, err := d.Events.ListEventsForAction(r.Context(), actionID)
	if err != nil {
		d.Logger.Error("failed to list action events", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Error: "Failed to list action events"})
		return
	}

	resp := EventListResp{Events: make([]EventResp, 0, len(events))}
	for _, ev := range events {
		resp.Events = append(resp.Events, eventToResp(ev))
	}
	resp.Count = len(resp.Events)
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleApproveAction(w http.ResponseWriter, r *http.Request) {
	var req ApproveReq
	if err := readJSON(r, &req); err != nil && err != io.EOF {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Error: "Invalid JSON body"})
		return
	}

	result, err := d.Queue.ApproveAction(r.Context(), r.PathValue("action_id"), queue.ApproveOptions{
		CreateRule: req.CreateRule,
		Actor:      actorLabel(r),
	})
	if err != nil {
		d.writeActionError(w, err, "failed to approve action")
		return
	}

	resp := ApproveResp{Action: actionToResp(result.Action)}
	if result.CreatedRule != nil {
		rule := ruleToResp(result.CreatedRule)
		resp.Rule = &rule
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleRejectAction(w http.ResponseWriter, r *http.Request) {
	var req RejectReq
	if err := readJSON(r, &req); err != nil && err != io.EOF {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Error: "Invalid JSON body"})
		return
	}

	action, err := d.Queue.RejectAction(r.Context(), r.PathValue("action_id"), req.Reason, actorLabel(r))
	if err != nil {
		d.writeActionError(w, err, "failed to reject action")
		return
	}
	writeJSON(w, http.StatusOK, actionToResp(action))
}

func (d *Dependencies) handleActionCount(w http.ResponseWriter, r *http.Request) {
	counts, err := d.Queue.PendingActionCount(r.Context())
	if err != nil {
		d.Logger.Error("failed to count actions", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Error: "Failed to count actions"})
		return
	}

	byStatus := make(map[string]int, len(counts.ByStatus))
	for status, n := range counts.ByStatus {
		byStatus[string(status)] = n
	}
	writeJSON(w, http.StatusOK, CountResp{Total: counts.Total, ByStatus: byStatus})
}

func (d *Dependencies) handleExpireActions(w http.ResponseWriter, r *http.Request) {
	result, err := d.Queue.ExpireStaleActions(r.Context())
	if err != nil {
		d.Logger.Error("expiry sweep failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Error: "Expiry sweep failed"})
		return
	}
	writeJSON(w, http.StatusOK, ExpireResp{
		ExpiredCount: result.ExpiredCount,
		ActionIDs:    result.ActionIDs,
	})
}

// writeActionError maps the queue error taxonomy onto HTTP statuses:
// malformed ids are 400, missing actions 404, state-machine violations 409.
func (d *Dependencies) writeActionError(w http.ResponseWriter, err error, logMsg string) {
	var invalidID *queue.InvalidIDError
	var transition *store.TransitionError
	switch {
	case errors.As(err, &invalidID):
		writeJSON(w, http.StatusBadRequest, ErrorResp{Error: invalidID.Error()})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResp{Error: "Action not found"})
	case errors.As(err, &transition):
		writeJSON(w, http.StatusConflict, ErrorResp{Error: transition.Error()})
	default:
		d.Logger.Error(logMsg, zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Error: "Internal error"})
	}
}

// actorLabel names the authenticated operator for decided_by audit entries.
func actorLabel(r *http.Request) string {
	if op := operatorFromContext(r.Context()); op != nil {
		return "operator:" + op.Name
	}
	return ""
}

func queryInt(q interface{ Get(string) string }, key string, defaultVal int) int {
	v := q.Get(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}
