package store

import (
	"context"

	"github.com/rendis/nodeflow/pkg/schema"
)

// NodeExecutionStore defines persistence for node executions.
// All implementations must be safe for concurrent use. Every mutation is an
// atomic per-document compare-and-swap; there is no ordering across documents.
type NodeExecutionStore interface {
	SaveNodeExecution(ctx context.Context, n *NodeExecution) error
	SaveNodeExecutions(ctx context.Context, ns []*NodeExecution) error
	GetNodeExecution(ctx context.Context, id string) (*NodeExecution, error)
	ListNodeExecutions(ctx context.Context, filter NodeExecutionFilter) ([]*NodeExecution, error)
	CountNodeExecutions(ctx context.Context, filter NodeExecutionFilter) (int, error)

	// UpdateNodeExecution applies update unconditionally. It returns a NOT_FOUND
	// error when the document does not exist.
	UpdateNodeExecution(ctx context.Context, id string, update NodeExecutionUpdate) (*NodeExecution, error)

	// UpdateNodeExecutionStatus sets status to target and applies update in the
	// same write, but only while the current status is one of from. It returns
	// (nil, nil) when the guard does not hold.
	UpdateNodeExecutionStatus(ctx context.Context, id string, target schema.Status, from []schema.Status, update NodeExecutionUpdate) (*NodeExecution, error)

	// RetireNodeExecution sets OldRetry on a live attempt. It returns (nil, nil)
	// when the attempt was already retired.
	RetireNodeExecution(ctx context.Context, id string) (*NodeExecution, error)

	// AddObserver registers a hook invoked synchronously after every successful write.
	AddObserver(o ChangeObserver)
}

// InterruptStore defines persistence for interrupt records.
type InterruptStore interface {
	SaveInterrupt(ctx context.Context, in *Interrupt) error
	GetInterrupt(ctx context.Context, id string) (*Interrupt, error)
	UpdateInterruptStatus(ctx context.Context, id string, status schema.InterruptStatus, message string) error
	ListInterrupts(ctx context.Context, planExecutionID string) ([]*Interrupt, error)
}

// Store is the full persistence contract used by the engine.
type Store interface {
	NodeExecutionStore
	InterruptStore

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*LibSQLStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
