package schema

// Event type constants for the node execution event log.
const (
	EventNodeCreated         = "node_created"
	EventNodeStatusUpdated   = "node_status_updated"
	EventNodeRetried         = "node_retried"
	EventNodeTimeoutRecorded = "node_timeout_recorded"
	EventInterruptRegistered = "interrupt_registered"
	EventInterruptProcessed  = "interrupt_processed"
	EventPlanStatusRolledUp  = "plan_status_rolled_up"
)

// Node groups used to route rollup semantics.
const (
	NodeGroupPipeline = "PIPELINE"
	NodeGroupStage    = "STAGE"
	NodeGroupStep     = "STEP"
)
