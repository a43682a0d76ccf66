package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/streaming"
	"github.com/rendis/nodeflow/internal/timeout"
	"github.com/rendis/nodeflow/pkg/schema"
)

// TimeoutNotifier is the part of the timeout engine the listener drives.
type TimeoutNotifier interface {
	NotifyEvent(ctx context.Context, ids []string, ev timeout.Event)
}

// TimeoutListener forwards every write of a node execution to the timeout
// instances attached to it, including instances the write just retired.
type TimeoutListener struct {
	timeouts TimeoutNotifier
}

func NewTimeoutListener(timeouts TimeoutNotifier) *TimeoutListener {
	return &TimeoutListener{timeouts: timeouts}
}

func (l *TimeoutListener) OnNodeExecutionChange(ctx context.Context, change store.NodeExecutionChange) {
	n := change.Current
	ids := append(append([]string(nil), n.TimeoutInstanceIDs...), change.RetiredTimeoutInstanceIDs...)
	if len(ids) == 0 {
		return
	}
	l.timeouts.NotifyEvent(ctx, ids, timeout.Event{
		Type:           timeout.EventStatusUpdate,
		Status:         n.Status,
		PreviousStatus: change.PreviousStatus,
		Metadata: map[string]string{
			"plan_execution_id": n.PlanExecutionID,
			"node_execution_id": n.ID,
		},
	})
}

// StreamListener publishes status changes to an event hub.
type StreamListener struct {
	hub    streaming.EventHub
	logger *slog.Logger
}

func NewStreamListener(hub streaming.EventHub, logger *slog.Logger) *StreamListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamListener{hub: hub, logger: logger}
}

func (l *StreamListener) OnNodeExecutionChange(ctx context.Context, change store.NodeExecutionChange) {
	if !change.StatusChanged() {
		return
	}
	n := change.Current
	if err := l.hub.Publish(ctx, streaming.NodeEvent{
		PlanExecutionID: n.PlanExecutionID,
		NodeExecutionID: n.ID,
		NodeIdentifier:  n.NodeIdentifier,
		NodeGroup:       n.NodeGroup,
		EventType:       changeEventType(change),
		Status:          n.Status,
		PreviousStatus:  change.PreviousStatus,
		Timestamp:       n.LastUpdatedAt,
	}); err != nil {
		logging.LogWith(ctx, l.logger).Warn("publish node event", slog.String("error", err.Error()))
	}
}

// EventAppender is satisfied by store.EventLog.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// EventLogListener records status changes in the per-plan event log.
type EventLogListener struct {
	log    EventAppender
	logger *slog.Logger
}

func NewEventLogListener(log EventAppender, logger *slog.Logger) *EventLogListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLogListener{log: log, logger: logger}
}

func (l *EventLogListener) OnNodeExecutionChange(ctx context.Context, change store.NodeExecutionChange) {
	n := change.Current
	if change.TimeoutRecorded {
		l.append(ctx, n, schema.EventNodeTimeoutRecorded, map[string]any{
			"node_identifier": n.NodeIdentifier,
			"timeout":         n.TimeoutDetails,
		})
	}
	if !change.StatusChanged() {
		return
	}
	payload := map[string]any{
		"node_identifier": n.NodeIdentifier,
		"previous_status": change.PreviousStatus,
		"version":         n.Version,
	}
	if change.Inserted && len(n.RetryIDs) > 0 {
		payload["retry_of"] = n.RetryIDs[len(n.RetryIDs)-1]
	}
	l.append(ctx, n, changeEventType(change), payload)
}

func (l *EventLogListener) append(ctx context.Context, n *store.NodeExecution, eventType string, fields map[string]any) {
	payload, _ := json.Marshal(fields)
	if err := l.log.AppendEvent(ctx, &store.Event{
		PlanExecutionID: n.PlanExecutionID,
		NodeExecutionID: n.ID,
		Type:            eventType,
		Status:          n.Status,
		Payload:         payload,
		Timestamp:       n.LastUpdatedAt,
	}); err != nil {
		logging.LogWith(ctx, l.logger).Error("append node event",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

// changeEventType names a status change. An inserted attempt that retries
// earlier ones is a node_retried event.
func changeEventType(change store.NodeExecutionChange) string {
	switch {
	case change.Inserted && len(change.Current.RetryIDs) > 0:
		return schema.EventNodeRetried
	case change.Inserted:
		return schema.EventNodeCreated
	}
	return schema.EventNodeStatusUpdated
}

var (
	_ store.ChangeObserver = (*TimeoutListener)(nil)
	_ store.ChangeObserver = (*StreamListener)(nil)
	_ store.ChangeObserver = (*EventLogListener)(nil)
)
