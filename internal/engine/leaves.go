package engine

import (
	"context"

	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/pkg/schema"
)

// FindLeaves returns the active frontier under rootID: live, non-terminal nodes
// with no non-terminal children. rootID is included when it qualifies. An empty
// rootID walks every root of the plan.
func (s *Service) FindLeaves(ctx context.Context, planExecutionID, rootID string) ([]*store.NodeExecution, error) {
	var queue []*store.NodeExecution
	if rootID == "" {
		roots, err := s.FetchChildren(ctx, planExecutionID, "")
		if err != nil {
			return nil, err
		}
		queue = roots
	} else {
		root, err := s.Get(ctx, rootID)
		if err != nil {
			return nil, err
		}
		if root.PlanExecutionID != planExecutionID {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"node execution belongs to plan %s, not %s", root.PlanExecutionID, planExecutionID).WithNode(rootID)
		}
		queue = []*store.NodeExecution{root}
	}

	var leaves []*store.NodeExecution
	seen := make(map[string]bool)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true

		children, err := s.FetchChildren(ctx, planExecutionID, n.ID)
		if err != nil {
			return nil, err
		}
		activeChild := false
		for _, c := range children {
			if !schema.IsTerminal(c.Status) {
				activeChild = true
			}
			queue = append(queue, c)
		}
		if !schema.IsTerminal(n.Status) && !activeChild {
			leaves = append(leaves, n)
		}
	}
	return leaves, nil
}

func nodeIDs(ns []*store.NodeExecution) []string {
	ids := make([]string, len(ns))
	for i, n := range ns {
		ids[i] = n.ID
	}
	return ids
}
