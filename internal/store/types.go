package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
)

// NodeExecution is one attempt to execute one node of a plan's execution graph.
type NodeExecution struct {
	ID                 string            `json:"id"`
	PlanExecutionID    string            `json:"plan_execution_id"`
	ParentID           string            `json:"parent_id,omitempty"`
	PreviousID         string            `json:"previous_id,omitempty"`
	NextID             string            `json:"next_id,omitempty"`
	NodeIdentifier     string            `json:"node_identifier"`
	NodeGroup          string            `json:"node_group,omitempty"`
	Status             schema.Status     `json:"status"`
	TimeoutInstanceIDs []string          `json:"timeout_instance_ids,omitempty"`
	TimeoutDetails     *TimeoutDetails   `json:"timeout_details,omitempty"`
	RetryIDs           []string          `json:"retry_ids,omitempty"`
	InterruptHistories []InterruptEffect `json:"interrupt_histories,omitempty"`
	OldRetry           bool              `json:"old_retry"`
	FailureMessage     string            `json:"failure_message,omitempty"`
	StepParameters     json.RawMessage   `json:"step_parameters,omitempty"`
	Version            int64             `json:"version"`
	CreatedAt          time.Time         `json:"created_at"`
	LastUpdatedAt      time.Time         `json:"last_updated_at"`
	EndedAt            *time.Time        `json:"ended_at,omitempty"`
}

// Clone returns a deep copy safe to mutate.
func (n *NodeExecution) Clone() *NodeExecution {
	if n == nil {
		return nil
	}
	c := *n
	c.TimeoutInstanceIDs = cloneStrings(n.TimeoutInstanceIDs)
	c.RetryIDs = cloneStrings(n.RetryIDs)
	if n.InterruptHistories != nil {
		c.InterruptHistories = make([]InterruptEffect, len(n.InterruptHistories))
		copy(c.InterruptHistories, n.InterruptHistories)
	}
	if n.TimeoutDetails != nil {
		td := *n.TimeoutDetails
		c.TimeoutDetails = &td
	}
	if n.StepParameters != nil {
		c.StepParameters = append(json.RawMessage(nil), n.StepParameters...)
	}
	if n.EndedAt != nil {
		t := *n.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// TimeoutDetails is the last recorded snapshot of a timeout that affected a node.
type TimeoutDetails struct {
	TimeoutInstanceID string    `json:"timeout_instance_id"`
	Tracker           string    `json:"tracker,omitempty"`
	Deadline          time.Time `json:"deadline"`
	FiredAt           time.Time `json:"fired_at"`
}

// InterruptEffect records that an interrupt changed a node.
type InterruptEffect struct {
	InterruptID   string               `json:"interrupt_id"`
	InterruptType schema.InterruptType `json:"interrupt_type"`
	TookEffectAt  time.Time            `json:"took_effect_at"`
}

// NodeExecutionUpdate specifies non-status mutations of a node execution.
// Status is deliberately absent: it only changes through a guarded transition.
type NodeExecutionUpdate struct {
	TimeoutInstanceIDs     *[]string        `json:"timeout_instance_ids,omitempty"`
	AddTimeoutInstanceIDs  []string         `json:"add_timeout_instance_ids,omitempty"`
	TimeoutDetails         *TimeoutDetails  `json:"timeout_details,omitempty"`
	OldRetry               *bool            `json:"old_retry,omitempty"`
	PreviousID             *string          `json:"previous_id,omitempty"`
	NextID                 *string          `json:"next_id,omitempty"`
	AppendRetryIDs         []string         `json:"append_retry_ids,omitempty"`
	AppendInterruptHistory *InterruptEffect `json:"append_interrupt_history,omitempty"`
	FailureMessage         *string          `json:"failure_message,omitempty"`
	EndedAt                *time.Time       `json:"ended_at,omitempty"`
}

// Apply writes the update onto n.
func (u *NodeExecutionUpdate) Apply(n *NodeExecution) {
	if u == nil {
		return
	}
	if u.TimeoutInstanceIDs != nil {
		n.TimeoutInstanceIDs = cloneStrings(*u.TimeoutInstanceIDs)
	}
	for _, id := range u.AddTimeoutInstanceIDs {
		if !containsString(n.TimeoutInstanceIDs, id) {
			n.TimeoutInstanceIDs = append(n.TimeoutInstanceIDs, id)
		}
	}
	if u.TimeoutDetails != nil {
		td := *u.TimeoutDetails
		n.TimeoutDetails = &td
	}
	if u.OldRetry != nil {
		n.OldRetry = *u.OldRetry
	}
	if u.PreviousID != nil {
		n.PreviousID = *u.PreviousID
	}
	if u.NextID != nil {
		n.NextID = *u.NextID
	}
	for _, id := range u.AppendRetryIDs {
		if !containsString(n.RetryIDs, id) {
			n.RetryIDs = append(n.RetryIDs, id)
		}
	}
	if u.AppendInterruptHistory != nil {
		n.InterruptHistories = append(n.InterruptHistories, *u.AppendInterruptHistory)
	}
	if u.FailureMessage != nil {
		n.FailureMessage = *u.FailureMessage
	}
	if u.EndedAt != nil {
		t := *u.EndedAt
		n.EndedAt = &t
	}
}

// NodeExecutionFilter specifies criteria for listing node executions.
// A non-nil ParentID pointing at "" selects root nodes.
type NodeExecutionFilter struct {
	PlanExecutionID   string          `json:"plan_execution_id"`
	ParentID          *string         `json:"parent_id,omitempty"`
	PreviousID        string          `json:"previous_id,omitempty"`
	NextID            string          `json:"next_id,omitempty"`
	NodeIdentifier    string          `json:"node_identifier,omitempty"`
	IDs               []string        `json:"ids,omitempty"`
	Statuses          []schema.Status `json:"statuses,omitempty"`
	IncludeOldRetries bool            `json:"include_old_retries,omitempty"`
	NewestFirst       bool            `json:"newest_first,omitempty"`
	Limit             int             `json:"limit,omitempty"`
}

// Matches reports whether n satisfies the filter. Used by in-memory backends.
func (f NodeExecutionFilter) Matches(n *NodeExecution) bool {
	if f.PlanExecutionID != "" && n.PlanExecutionID != f.PlanExecutionID {
		return false
	}
	if f.ParentID != nil && n.ParentID != *f.ParentID {
		return false
	}
	if f.PreviousID != "" && n.PreviousID != f.PreviousID {
		return false
	}
	if f.NextID != "" && n.NextID != f.NextID {
		return false
	}
	if f.NodeIdentifier != "" && n.NodeIdentifier != f.NodeIdentifier {
		return false
	}
	if len(f.IDs) > 0 && !containsString(f.IDs, n.ID) {
		return false
	}
	if len(f.Statuses) > 0 && !schema.StatusIn(n.Status, f.Statuses) {
		return false
	}
	if !f.IncludeOldRetries && n.OldRetry {
		return false
	}
	return true
}

// NodeExecutionChange describes a successful write of a node execution.
type NodeExecutionChange struct {
	Current        *NodeExecution
	PreviousStatus schema.Status
	Inserted       bool
	// RetiredTimeoutInstanceIDs holds the timeout instances the write removed
	// from the document, e.g. when a terminal transition cleared them.
	RetiredTimeoutInstanceIDs []string
	// TimeoutRecorded is set when the write attached details of a new timeout
	// instance to the node.
	TimeoutRecorded bool
}

// StatusChanged reports whether the write moved the node to a new status.
func (c NodeExecutionChange) StatusChanged() bool {
	return c.Inserted || c.PreviousStatus != c.Current.Status
}

// Interrupt is the persisted record of a registered interrupt.
type Interrupt struct {
	ID              string                 `json:"id"`
	Type            schema.InterruptType   `json:"interrupt_type"`
	PlanExecutionID string                 `json:"plan_execution_id"`
	NodeExecutionID string                 `json:"node_execution_id,omitempty"`
	Status          schema.InterruptStatus `json:"status"`
	Source          string                 `json:"source,omitempty"`
	Metadata        map[string]string      `json:"metadata,omitempty"`
	Message         string                 `json:"message,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// Event is an immutable entry in the per-plan node event log.
type Event struct {
	PlanExecutionID string          `json:"plan_execution_id"`
	NodeExecutionID string          `json:"node_execution_id,omitempty"`
	Type            string          `json:"event_type"`
	Status          schema.Status   `json:"status,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	Sequence        int64           `json:"sequence"`
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func containsString(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// stringsRemoved returns the entries of before that are absent from after.
func stringsRemoved(before, after []string) []string {
	var out []string
	for _, s := range before {
		if !containsString(after, s) {
			out = append(out, s)
		}
	}
	return out
}
