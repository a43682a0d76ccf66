package store

import (
	"context"
	"log/slog"
	"sync"
)

// ChangeObserver is notified synchronously after every successful write of a
// node execution, inside the writer's call.
type ChangeObserver interface {
	OnNodeExecutionChange(ctx context.Context, change NodeExecutionChange)
}

// ChangeObserverFunc adapts a function to ChangeObserver.
type ChangeObserverFunc func(ctx context.Context, change NodeExecutionChange)

// OnNodeExecutionChange calls f.
func (f ChangeObserverFunc) OnNodeExecutionChange(ctx context.Context, change NodeExecutionChange) {
	f(ctx, change)
}

type observerSet struct {
	mu   sync.RWMutex
	list []ChangeObserver
}

func (o *observerSet) add(obs ChangeObserver) {
	o.mu.Lock()
	o.list = append(o.list, obs)
	o.mu.Unlock()
}

// notify fans out to every observer. A panicking observer is logged and
// skipped; the write it observes has already been committed.
func (o *observerSet) notify(ctx context.Context, change NodeExecutionChange) {
	o.mu.RLock()
	list := make([]ChangeObserver, len(o.list))
	copy(list, o.list)
	o.mu.RUnlock()

	for _, obs := range list {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("node execution observer panicked",
						"node_execution_id", change.Current.ID,
						"panic", r,
					)
				}
			}()
			obs.OnNodeExecutionChange(ctx, NodeExecutionChange{
				Current:                   change.Current.Clone(),
				PreviousStatus:            change.PreviousStatus,
				Inserted:                  change.Inserted,
				RetiredTimeoutInstanceIDs: cloneStrings(change.RetiredTimeoutInstanceIDs),
				TimeoutRecorded:           change.TimeoutRecorded,
			})
		}()
	}
}
