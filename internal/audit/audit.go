package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/majordomo-ai/majordomo/internal/store"
	"go.uber.org/zap"
)

// EventStore is the persistence dependency, satisfied by *store.Store.
type EventStore interface {
	InsertEvent(ctx context.Context, ev *store.ApprovalEvent) error
}

// Recorder appends approval events to the store and fans a flattened copy
// out to the mirror writer.
type Recorder struct {
	store  EventStore
	writer EventWriter
	logger *zap.Logger
}

// NewRecorder creates a Recorder. writer may be a LogWriter when no
// analytics sink is configured.
func NewRecorder(st EventStore, writer EventWriter, logger *zap.Logger) *Recorder {
	return &Recorder{store: st, writer: writer, logger: logger}
}

// Entry describes one lifecycle event to record.
type Entry struct {
	EventType string
	ActionID  string
	RuleID    *string
	Actor     string
	Reason    *string
	ToolName  string
	Path      string         // set on action_queued events
	Metadata  map[string]any // extra metadata, merged with the path key
}

// Record appends the event. The Postgres insert is the audit record and its
// error is returned; the mirror write is fire-and-forget.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	metadata := make(map[string]any, len(e.Metadata)+2)
	for k, v := range e.Metadata {
		metadata[k] = v
	}
	if e.Path != "" {
		metadata["path"] = e.Path
	}
	if e.ToolName != "" {
		metadata["tool_name"] = e.ToolName
	}

	ev := &store.ApprovalEvent{
		ID:         uuid.New().String(),
		EventType:  e.EventType,
		ActionID:   e.ActionID,
		RuleID:     e.RuleID,
		Actor:      e.Actor,
		Reason:     e.Reason,
		Metadata:   metadata,
		OccurredAt: time.Now().UTC(),
	}

	if err := r.store.InsertEvent(ctx, ev); err != nil {
		return fmt.Errorf("Record: %w", err)
	}

	r.writer.Write(r.mirror(ev, e))
	return nil
}

func (r *Recorder) mirror(ev *store.ApprovalEvent, e Entry) *MirrorEvent {
	var ruleID, reason string
	if ev.RuleID != nil {
		ruleID = *ev.RuleID
	}
	if ev.Reason != nil {
		reason = *ev.Reason
	}

	metadataJSON, err := json.Marshal(ev.Metadata)
	if err != nil {
		r.logger.Warn("approval event metadata marshal failed",
			zap.String("event_id", ev.ID),
			zap.Error(err),
		)
		metadataJSON = []byte("{}")
	}

	return &MirrorEvent{
		EventID:      ev.ID,
		EventType:    ev.EventType,
		ActionID:     ev.ActionID,
		RuleID:       ruleID,
		Actor:        ev.Actor,
		Reason:       reason,
		ToolName:     e.ToolName,
		Path:         e.Path,
		MetadataJSON: string(metadataJSON),
		OccurredAt:   ev.OccurredAt,
	}
}
