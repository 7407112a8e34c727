package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

func (d *Dependencies) handleGetAnalytics(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Error: "ClickHouse not configured"})
		return
	}

	days := queryInt(r.URL.Query(), "days", 7)
	if days < 1 {
		days = 1
	}
	if days > 90 {
		days = 90
	}

	until := time.Now().UTC()
	since := until.AddDate(0, 0, -days)

	result, err := d.Reader.GetAnalytics(r.Context(), since, until)
	if err != nil {
		d.Logger.Error("failed to get analytics", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Error: "Failed to get analytics"})
		return
	}

	resp := AnalyticsResp{
		TotalEvents:   result.TotalEvents,
		ByType:        make([]TypeCountResp, 0, len(result.ByType)),
		QueuedByPath:  make([]PathCountResp, 0, len(result.QueuedByPath)),
		TopTools:      make([]ToolCountResp, 0, len(result.TopTools)),
		EventsOverDay: make([]DayCountResp, 0, len(result.EventsOverDay)),
	}
	for _, tc := range result.ByType {
		resp.ByType = append(resp.ByType, TypeCountResp{EventType: tc.EventType, Count: tc.Count})
	}
	for _, pc := range result.QueuedByPath {
		resp.QueuedByPath = append(resp.QueuedByPath, PathCountResp{Path: pc.Path, Count: pc.Count})
	}
	for _, tc := range result.TopTools {
		resp.TopTools = append(resp.TopTools, ToolCountResp{ToolName: tc.ToolName, Count: tc.Count})
	}
	for _, db := range result.EventsOverDay {
		resp.EventsOverDay = append(resp.EventsOverDay, DayCountResp{Day: db.Day, Count: db.Count})
	}
	writeJSON(w, http.StatusOK, resp)
}
