package store

import (
	"context"
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
)

// maxCASAttempts bounds the read-apply-swap loop. Every failed swap means a
// competing write succeeded, so exhausting it requires sustained contention.
const maxCASAttempts = 32

// casBackend is the per-document primitive every backend provides.
type casBackend interface {
	// load returns a private copy of the document or a NOT_FOUND error.
	load(ctx context.Context, id string) (*NodeExecution, error)
	// swap replaces the document only if its version is still expected.
	swap(ctx context.Context, expected int64, next *NodeExecution) (bool, error)
}

// mutateFunc edits cur in place and reports whether the write still applies.
type mutateFunc func(cur *NodeExecution) bool

// casResult is the outcome of a successful mutate.
type casResult struct {
	next *NodeExecution
	prev *NodeExecution
}

func (r casResult) change() NodeExecutionChange {
	return NodeExecutionChange{
		Current:                   r.next,
		PreviousStatus:            r.prev.Status,
		RetiredTimeoutInstanceIDs: stringsRemoved(r.prev.TimeoutInstanceIDs, r.next.TimeoutInstanceIDs),
		TimeoutRecorded:           timeoutRecorded(r.prev.TimeoutDetails, r.next.TimeoutDetails),
	}
}

func timeoutRecorded(prev, next *TimeoutDetails) bool {
	if next == nil {
		return false
	}
	return prev == nil || prev.TimeoutInstanceID != next.TimeoutInstanceID
}

// mutate runs a compare-and-swap loop on one document. It returns a nil result
// and nil error when fn declines the write against the latest version.
func mutate(ctx context.Context, b casBackend, now func() time.Time, id string, fn mutateFunc) (*casResult, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur, err := b.load(ctx, id)
		if err != nil {
			return nil, err
		}
		next := cur.Clone()
		if !fn(next) {
			return nil, nil
		}
		dropTimeoutsIfTerminal(next)
		next.ID = cur.ID
		next.Version = cur.Version + 1
		next.LastUpdatedAt = nextUpdateTime(cur.LastUpdatedAt, now())

		ok, err := b.swap(ctx, cur.Version, next)
		if err != nil {
			return nil, err
		}
		if ok {
			return &casResult{next: next, prev: cur}, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeConflict,
		"gave up after %d concurrent modifications", maxCASAttempts).WithNode(id)
}

// nextUpdateTime keeps lastUpdatedAt strictly increasing per document even when
// the wall clock stalls or steps back.
func nextUpdateTime(prev, now time.Time) time.Time {
	if !now.After(prev) {
		return prev.Add(time.Nanosecond)
	}
	return now
}

// statusMutation builds the guarded transition shared by all backends.
func statusMutation(target schema.Status, from []schema.Status, update NodeExecutionUpdate) mutateFunc {
	return func(cur *NodeExecution) bool {
		if !schema.StatusIn(cur.Status, from) {
			return false
		}
		cur.Status = target
		update.Apply(cur)
		return true
	}
}

// retireMutation flags a live attempt as superseded. It declines when another
// writer already retired the attempt, so exactly one caller claims it.
func retireMutation() mutateFunc {
	return func(cur *NodeExecution) bool {
		if cur.OldRetry {
			return false
		}
		cur.OldRetry = true
		return true
	}
}

// dropTimeoutsIfTerminal enforces that a terminal node holds no timeout instances.
func dropTimeoutsIfTerminal(n *NodeExecution) {
	if schema.IsTerminal(n.Status) && len(n.TimeoutInstanceIDs) > 0 {
		n.TimeoutInstanceIDs = []string{}
	}
}

func updateMutation(update NodeExecutionUpdate) mutateFunc {
	return func(cur *NodeExecution) bool {
		update.Apply(cur)
		return true
	}
}

// prepareInsert fills defaults on a document about to be created.
func prepareInsert(n *NodeExecution, now time.Time) error {
	if n.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "node execution id is required")
	}
	if n.PlanExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "plan execution id is required").WithNode(n.ID)
	}
	if n.Status == "" {
		n.Status = schema.StatusQueued
	}
	if !n.Status.IsValid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown status %s", n.Status).WithNode(n.ID)
	}
	dropTimeoutsIfTerminal(n)
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.LastUpdatedAt.IsZero() {
		n.LastUpdatedAt = n.CreatedAt
	}
	n.Version = 1
	return nil
}

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func duplicateID(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeConflict, "%s %q already exists", resource, id)
}

func utcNow() time.Time { return time.Now().UTC() }
