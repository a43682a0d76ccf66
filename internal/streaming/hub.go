package streaming

import (
	"context"
	"slices"
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
)

// NodeEvent is a real-time notification about a node execution.
type NodeEvent struct {
	PlanExecutionID string        `json:"plan_execution_id"`
	NodeExecutionID string        `json:"node_execution_id"`
	NodeIdentifier  string        `json:"node_identifier,omitempty"`
	NodeGroup       string        `json:"node_group,omitempty"`
	EventType       string        `json:"event_type"`
	Status          schema.Status `json:"status,omitempty"`
	PreviousStatus  schema.Status `json:"previous_status,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	PlanExecutionID string          `json:"plan_execution_id,omitempty"`
	EventTypes      []string        `json:"event_types,omitempty"`
	Statuses        []schema.Status `json:"statuses,omitempty"`
}

// Matches reports whether e passes every criterion set on f.
func (f EventFilter) Matches(e NodeEvent) bool {
	switch {
	case f.PlanExecutionID != "" && f.PlanExecutionID != e.PlanExecutionID:
		return false
	case len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType):
		return false
	case len(f.Statuses) > 0 && !slices.Contains(f.Statuses, e.Status):
		return false
	}
	return true
}

// EventHub provides pub/sub for real-time node events.
type EventHub interface {
	Publish(ctx context.Context, event NodeEvent) error
	// Subscribe returns a channel of matching events. The subscription ends,
	// closing the channel, when the returned cancel func runs or ctx is done.
	Subscribe(ctx context.Context, filter EventFilter) (<-chan NodeEvent, func(), error)
}
