package schema

// Status is the execution status of a node execution.
type Status string

const (
	StatusQueued              Status = "QUEUED"
	StatusRunning             Status = "RUNNING"
	StatusAsyncWaiting        Status = "ASYNC_WAITING"
	StatusTaskWaiting         Status = "TASK_WAITING"
	StatusTimedWaiting        Status = "TIMED_WAITING"
	StatusApprovalWaiting     Status = "APPROVAL_WAITING"
	StatusInterventionWaiting Status = "INTERVENTION_WAITING"
	StatusResourceWaiting     Status = "RESOURCE_WAITING"
	StatusInputWaiting        Status = "INPUT_WAITING"
	StatusPausing             Status = "PAUSING"
	StatusPaused              Status = "PAUSED"
	StatusDiscontinuing       Status = "DISCONTINUING"

	StatusSucceeded        Status = "SUCCEEDED"
	StatusFailed           Status = "FAILED"
	StatusErrored          Status = "ERRORED"
	StatusAborted          Status = "ABORTED"
	StatusExpired          Status = "EXPIRED"
	StatusSkipped          Status = "SKIPPED"
	StatusIgnoreFailed     Status = "IGNORE_FAILED"
	StatusApprovalRejected Status = "APPROVAL_REJECTED"
)

var nonTerminalStatuses = []Status{
	StatusQueued, StatusRunning, StatusAsyncWaiting, StatusTaskWaiting, StatusTimedWaiting,
	StatusApprovalWaiting, StatusInterventionWaiting, StatusResourceWaiting, StatusInputWaiting,
	StatusPausing, StatusPaused, StatusDiscontinuing,
}

var terminalStatuses = []Status{
	StatusSucceeded, StatusFailed, StatusErrored, StatusAborted, StatusExpired,
	StatusSkipped, StatusIgnoreFailed, StatusApprovalRejected,
}

var waitingStatuses = []Status{
	StatusAsyncWaiting, StatusTaskWaiting, StatusTimedWaiting, StatusApprovalWaiting,
	StatusInterventionWaiting, StatusResourceWaiting, StatusInputWaiting,
}

var flowingStatuses = []Status{
	StatusRunning, StatusAsyncWaiting, StatusTaskWaiting, StatusTimedWaiting, StatusDiscontinuing,
}

var brokeStatuses = []Status{
	StatusFailed, StatusErrored, StatusExpired, StatusApprovalRejected,
}

var positiveStatuses = []Status{
	StatusSucceeded, StatusSkipped, StatusIgnoreFailed,
}

func join(sets ...[]Status) []Status {
	var out []Status
	for _, s := range sets {
		out = append(out, s...)
	}
	return out
}

func without(set []Status, drop Status) []Status {
	out := make([]Status, 0, len(set))
	for _, s := range set {
		if s != drop {
			out = append(out, s)
		}
	}
	return out
}

// allowedStartSets maps each target status to the statuses a node may currently
// hold for the transition to be legal. Terminal statuses never appear on the
// right-hand side: terminal is absorbing.
var allowedStartSets = map[Status][]Status{
	StatusQueued:  {StatusPaused},
	StatusRunning: {StatusQueued},

	StatusAsyncWaiting:        {StatusRunning},
	StatusTaskWaiting:         {StatusRunning},
	StatusTimedWaiting:        {StatusRunning},
	StatusApprovalWaiting:     {StatusRunning},
	StatusInterventionWaiting: {StatusRunning},
	StatusResourceWaiting:     {StatusRunning},
	StatusInputWaiting:        {StatusRunning},

	StatusPausing:       join([]Status{StatusRunning}, waitingStatuses),
	StatusPaused:        {StatusQueued, StatusPausing},
	StatusDiscontinuing: without(nonTerminalStatuses, StatusDiscontinuing),

	StatusAborted: nonTerminalStatuses,
	StatusExpired: nonTerminalStatuses,
	StatusErrored: nonTerminalStatuses,

	StatusSucceeded:        join([]Status{StatusRunning}, waitingStatuses),
	StatusIgnoreFailed:     join([]Status{StatusRunning}, waitingStatuses),
	StatusFailed:           join([]Status{StatusRunning, StatusDiscontinuing}, waitingStatuses),
	StatusApprovalRejected: {StatusApprovalWaiting},
	StatusSkipped:          {StatusQueued, StatusRunning},
}

var (
	terminalSet    = toSet(terminalStatuses)
	nonTerminalSet = toSet(nonTerminalStatuses)
)

func toSet(statuses []Status) map[Status]struct{} {
	m := make(map[Status]struct{}, len(statuses))
	for _, s := range statuses {
		m[s] = struct{}{}
	}
	return m
}

func clone(statuses []Status) []Status {
	out := make([]Status, len(statuses))
	copy(out, statuses)
	return out
}

// AllowedStartSet returns the statuses from which a transition to target is legal.
// Unknown targets yield an empty set.
func AllowedStartSet(target Status) []Status {
	return clone(allowedStartSets[target])
}

// CanTransition reports whether a node in status from may move to status to.
func CanTransition(from, to Status) bool {
	for _, s := range allowedStartSets[to] {
		if s == from {
			return true
		}
	}
	return false
}

// IsFinalizable reports whether a node in status s may be forced into a terminal
// status by an external trigger such as a timeout or an abort.
func IsFinalizable(s Status) bool {
	_, ok := nonTerminalSet[s]
	return ok
}

// IsTerminal reports whether s is an absorbing status.
func IsTerminal(s Status) bool {
	_, ok := terminalSet[s]
	return ok
}

// IsValid reports whether s belongs to the closed status set.
func (s Status) IsValid() bool {
	return IsTerminal(s) || IsFinalizable(s)
}

// NonTerminalStatuses returns every status a node can leave.
func NonTerminalStatuses() []Status { return clone(nonTerminalStatuses) }

// TerminalStatuses returns every absorbing status.
func TerminalStatuses() []Status { return clone(terminalStatuses) }

// FlowingStatuses returns the statuses of nodes that are actively progressing.
func FlowingStatuses() []Status { return clone(flowingStatuses) }

// BrokeStatuses returns the terminal statuses that count as a failure.
func BrokeStatuses() []Status { return clone(brokeStatuses) }

// PositiveStatuses returns the terminal statuses that count as a success.
func PositiveStatuses() []Status { return clone(positiveStatuses) }

// StatusIn reports whether s is one of set.
func StatusIn(s Status, set []Status) bool {
	for _, candidate := range set {
		if candidate == s {
			return true
		}
	}
	return false
}
