package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
)

// MemoryStore is an in-process Store. Documents are copied on every read and
// write so callers never share state with the store.
type MemoryStore struct {
	mu         sync.RWMutex
	nodes      map[string]*NodeExecution
	interrupts map[string]*Interrupt
	now        func() time.Time
	observers  observerSet
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:      make(map[string]*NodeExecution),
		interrupts: make(map[string]*Interrupt),
		now:        utcNow,
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) AddObserver(o ChangeObserver) { m.observers.add(o) }

func (m *MemoryStore) SaveNodeExecution(ctx context.Context, n *NodeExecution) error {
	return m.SaveNodeExecutions(ctx, []*NodeExecution{n})
}

func (m *MemoryStore) SaveNodeExecutions(ctx context.Context, ns []*NodeExecution) error {
	now := m.now()
	m.mu.Lock()
	seen := make(map[string]bool, len(ns))
	for _, n := range ns {
		if err := prepareInsert(n, now); err != nil {
			m.mu.Unlock()
			return err
		}
		if _, ok := m.nodes[n.ID]; ok || seen[n.ID] {
			m.mu.Unlock()
			return duplicateID("node execution", n.ID)
		}
		seen[n.ID] = true
	}
	for _, n := range ns {
		m.nodes[n.ID] = n.Clone()
	}
	m.mu.Unlock()

	for _, n := range ns {
		m.observers.notify(ctx, NodeExecutionChange{Current: n, Inserted: true})
	}
	return nil
}

func (m *MemoryStore) GetNodeExecution(ctx context.Context, id string) (*NodeExecution, error) {
	return m.load(ctx, id)
}

func (m *MemoryStore) ListNodeExecutions(_ context.Context, filter NodeExecutionFilter) ([]*NodeExecution, error) {
	m.mu.RLock()
	var out []*NodeExecution
	for _, n := range m.nodes {
		if filter.Matches(n) {
			out = append(out, n.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if filter.NewestFirst {
			a, b = b, a
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) CountNodeExecutions(_ context.Context, filter NodeExecutionFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, n := range m.nodes {
		if filter.Matches(n) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) UpdateNodeExecution(ctx context.Context, id string, update NodeExecutionUpdate) (*NodeExecution, error) {
	res, err := mutate(ctx, m, m.now, id, updateMutation(update))
	if err != nil {
		return nil, err
	}
	m.observers.notify(ctx, res.change())
	return res.next.Clone(), nil
}

func (m *MemoryStore) RetireNodeExecution(ctx context.Context, id string) (*NodeExecution, error) {
	res, err := mutate(ctx, m, m.now, id, retireMutation())
	if err != nil || res == nil {
		return nil, err
	}
	m.observers.notify(ctx, res.change())
	return res.next.Clone(), nil
}

func (m *MemoryStore) UpdateNodeExecutionStatus(ctx context.Context, id string, target schema.Status, from []schema.Status, update NodeExecutionUpdate) (*NodeExecution, error) {
	res, err := mutate(ctx, m, m.now, id, statusMutation(target, from, update))
	if err != nil || res == nil {
		return nil, err
	}
	m.observers.notify(ctx, res.change())
	return res.next.Clone(), nil
}

func (m *MemoryStore) load(_ context.Context, id string) (*NodeExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, storeNotFound("node execution", id)
	}
	return n.Clone(), nil
}

func (m *MemoryStore) swap(_ context.Context, expected int64, next *NodeExecution) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.nodes[next.ID]
	if !ok {
		return false, storeNotFound("node execution", next.ID)
	}
	if cur.Version != expected {
		return false, nil
	}
	m.nodes[next.ID] = next.Clone()
	return true, nil
}

// --- Interrupts ---

func (m *MemoryStore) SaveInterrupt(_ context.Context, in *Interrupt) error {
	if in.CreatedAt.IsZero() {
		in.CreatedAt = m.now()
	}
	in.UpdatedAt = in.CreatedAt
	if in.Status == "" {
		in.Status = schema.InterruptStatusRegistered
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.interrupts[in.ID]; ok {
		return duplicateID("interrupt", in.ID)
	}
	m.interrupts[in.ID] = cloneInterrupt(in)
	return nil
}

func (m *MemoryStore) GetInterrupt(_ context.Context, id string) (*Interrupt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.interrupts[id]
	if !ok {
		return nil, storeNotFound("interrupt", id)
	}
	return cloneInterrupt(in), nil
}

func (m *MemoryStore) UpdateInterruptStatus(_ context.Context, id string, status schema.InterruptStatus, message string) error {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.interrupts[id]
	if !ok {
		return storeNotFound("interrupt", id)
	}
	in.Status = status
	in.Message = message
	in.UpdatedAt = now
	return nil
}

func (m *MemoryStore) ListInterrupts(_ context.Context, planExecutionID string) ([]*Interrupt, error) {
	m.mu.RLock()
	var out []*Interrupt
	for _, in := range m.interrupts {
		if in.PlanExecutionID == planExecutionID {
			out = append(out, cloneInterrupt(in))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func cloneInterrupt(in *Interrupt) *Interrupt {
	c := *in
	if in.Metadata != nil {
		c.Metadata = make(map[string]string, len(in.Metadata))
		for k, v := range in.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
