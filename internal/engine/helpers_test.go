package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/pkg/schema"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// tickClock advances by one millisecond on every reading so creation order is
// unambiguous.
type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTickClock() *tickClock { return &tickClock{t: epoch} }

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

// planStatuses records PlanObserver notifications.
type planStatuses struct {
	mu  sync.Mutex
	got map[string][]schema.Status
}

func (p *planStatuses) OnPlanStatus(_ context.Context, plan string, status schema.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.got == nil {
		p.got = make(map[string][]schema.Status)
	}
	p.got[plan] = append(p.got[plan], status)
}

func (p *planStatuses) of(plan string) []schema.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]schema.Status(nil), p.got[plan]...)
}

type fixture struct {
	store   *store.MemoryStore
	service *Service
	manager *InterruptManager
	plans   *planStatuses
	clock   *tickClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	h := &fixture{store: store.NewMemoryStore(), plans: &planStatuses{}, clock: newTickClock()}
	h.service = NewService(h.store, ServiceConfig{Now: h.clock.Now})
	h.manager = NewInterruptManager(h.service, h.store, InterruptManagerConfig{PlanObserver: h.plans, Now: h.clock.Now})
	return h
}

func (h *fixture) node(t *testing.T, plan, parent string, status schema.Status) *store.NodeExecution {
	t.Helper()
	return h.nodeWith(t, &store.NodeExecution{PlanExecutionID: plan, ParentID: parent, Status: status})
}

func (h *fixture) nodeWith(t *testing.T, n *store.NodeExecution) *store.NodeExecution {
	t.Helper()
	if n.NodeIdentifier == "" {
		n.NodeIdentifier = "step-" + uuid.New().String()[:8]
	}
	if n.NodeGroup == "" {
		n.NodeGroup = schema.NodeGroupStep
	}
	saved, err := h.service.Save(context.Background(), n)
	require.NoError(t, err)
	return saved
}

func (h *fixture) status(t *testing.T, id string) schema.Status {
	t.Helper()
	n, err := h.service.Get(context.Background(), id)
	require.NoError(t, err)
	return n.Status
}

func (h *fixture) interrupts(t *testing.T, plan string, typ schema.InterruptType) []*store.Interrupt {
	t.Helper()
	all, err := h.store.ListInterrupts(context.Background(), plan)
	require.NoError(t, err)
	var out []*store.Interrupt
	for _, in := range all {
		if in.Type == typ {
			out = append(out, in)
		}
	}
	return out
}

// tree builds root -> A -> {B, C} with the given statuses.
type tree struct {
	root, a, b, c *store.NodeExecution
}

func (h *fixture) tree(t *testing.T, plan string, b, c schema.Status) tree {
	t.Helper()
	root := h.nodeWith(t, &store.NodeExecution{PlanExecutionID: plan, NodeGroup: schema.NodeGroupPipeline, Status: schema.StatusRunning})
	a := h.nodeWith(t, &store.NodeExecution{PlanExecutionID: plan, ParentID: root.ID, NodeGroup: schema.NodeGroupStage, Status: schema.StatusRunning})
	return tree{
		root: root,
		a:    a,
		b:    h.node(t, plan, a.ID, b),
		c:    h.node(t, plan, a.ID, c),
	}
}
