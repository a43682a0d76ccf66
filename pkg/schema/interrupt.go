package schema

import "strings"

// InterruptType enumerates the requests that alter a running execution graph.
type InterruptType string

const (
	InterruptAbort       InterruptType = "ABORT"
	InterruptAbortAll    InterruptType = "ABORT_ALL"
	InterruptMarkExpired InterruptType = "MARK_EXPIRED"
	InterruptMarkFailed  InterruptType = "MARK_FAILED"
	InterruptMarkSuccess InterruptType = "MARK_SUCCESS"
	InterruptRetry       InterruptType = "RETRY"
	// InterruptRollup is raised internally against a parent after one of its
	// children reached a terminal status.
	InterruptRollup InterruptType = "ROLLUP"
)

// IsValid reports whether t is a known interrupt type.
func (t InterruptType) IsValid() bool {
	switch t {
	case InterruptAbort, InterruptAbortAll, InterruptMarkExpired, InterruptMarkFailed,
		InterruptMarkSuccess, InterruptRetry, InterruptRollup:
		return true
	}
	return false
}

// TargetsNode reports whether the interrupt type requires a node execution id.
func (t InterruptType) TargetsNode() bool {
	switch t {
	case InterruptMarkExpired, InterruptMarkFailed, InterruptMarkSuccess, InterruptRetry, InterruptRollup:
		return true
	}
	return false
}

// InterruptStatus is the processing state of a registered interrupt.
type InterruptStatus string

const (
	InterruptStatusRegistered              InterruptStatus = "REGISTERED"
	InterruptStatusProcessedSuccessfully   InterruptStatus = "PROCESSED_SUCCESSFULLY"
	InterruptStatusProcessedUnsuccessfully InterruptStatus = "PROCESSED_UNSUCCESSFULLY"
	// InterruptStatusDiscarded marks an interrupt that no longer applied when it
	// was processed, e.g. its target had already reached a terminal status.
	InterruptStatusDiscarded InterruptStatus = "DISCARDED"
)

// Interrupt sources.
const (
	InterruptSourceUser    = "user"
	InterruptSourceTimeout = "timeout"
	InterruptSourceEngine  = "engine"
	InterruptSourceRemote  = "remote"
)

// InterruptPackage is a request to register an interrupt.
type InterruptPackage struct {
	PlanExecutionID string            `json:"plan_execution_id"`
	NodeExecutionID string            `json:"node_execution_id,omitempty"`
	Type            InterruptType     `json:"interrupt_type"`
	Source          string            `json:"source,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Validate checks the package for structural problems.
func (p InterruptPackage) Validate() error {
	var vs Violations
	if strings.TrimSpace(p.PlanExecutionID) == "" {
		vs.Add("plan_execution_id", "plan execution id is required")
	}
	if !p.Type.IsValid() {
		vs.Add("interrupt_type", "unknown interrupt type %s", p.Type)
	} else if p.Type.TargetsNode() && strings.TrimSpace(p.NodeExecutionID) == "" {
		vs.Add("node_execution_id", "%s requires a node execution id", p.Type)
	}
	if p.Type == InterruptAbortAll && p.NodeExecutionID != "" {
		vs.Warn("node_execution_id", "ABORT_ALL ignores node execution id")
	}
	return vs.Err()
}

// PlanWide reports whether the package addresses the whole plan execution.
func (p InterruptPackage) PlanWide() bool {
	return p.Type == InterruptAbortAll || (p.Type == InterruptAbort && p.NodeExecutionID == "")
}
