package engine

import (
	"context"
	"fmt"

	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/pkg/schema"
)

// RollupRule maps children statuses to a parent status. When is an expr
// expression over children (list of {id, node_identifier, group, status}) and
// node (the parent). Group, when set, restricts the rule to parents of that group.
type RollupRule struct {
	Group  string        `yaml:"group,omitempty" json:"group,omitempty"`
	When   string        `yaml:"when" json:"when"`
	Status schema.Status `yaml:"status" json:"status"`
}

// DefaultRollupRules rank a failed subtree above a successful one:
// ABORTED > EXPIRED > ERRORED > FAILED > SUCCEEDED.
func DefaultRollupRules() []RollupRule {
	return []RollupRule{
		{When: `any(children, .status == "ABORTED")`, Status: schema.StatusAborted},
		{When: `any(children, .status == "EXPIRED")`, Status: schema.StatusExpired},
		{When: `any(children, .status == "ERRORED")`, Status: schema.StatusErrored},
		{When: `any(children, .status in ["FAILED", "APPROVAL_REJECTED"])`, Status: schema.StatusFailed},
		{When: `true`, Status: schema.StatusSucceeded},
	}
}

// RollupPolicy derives a parent's terminal status from its children.
type RollupPolicy struct {
	engine expressions.Engine
	rules  []RollupRule
}

// NewRollupPolicy evaluates custom rules first, then DefaultRollupRules.
func NewRollupPolicy(engine expressions.Engine, custom []RollupRule) (*RollupPolicy, error) {
	for i, r := range custom {
		if r.When == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "rollup rule %d has no condition", i)
		}
		if !schema.IsTerminal(r.Status) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"rollup rule %d yields %s, want a terminal status", i, r.Status)
		}
	}
	rules := make([]RollupRule, 0, len(custom)+5)
	rules = append(rules, custom...)
	rules = append(rules, DefaultRollupRules()...)
	return &RollupPolicy{engine: engine, rules: rules}, nil
}

// Evaluate returns the status of the first matching rule.
func (p *RollupPolicy) Evaluate(ctx context.Context, parent *store.NodeExecution, children []*store.NodeExecution) (schema.Status, error) {
	data := rollupData(parent, children)
	for _, r := range p.rules {
		if r.Group != "" && r.Group != parent.NodeGroup {
			continue
		}
		ok, err := expressions.EvaluateBool(ctx, p.engine, r.When, data)
		if err != nil {
			return "", fmt.Errorf("rollup rule %q: %w", r.When, err)
		}
		if ok {
			return r.Status, nil
		}
	}
	return "", schema.NewError(schema.ErrCodeValidation, "no rollup rule matched").WithNode(parent.ID)
}

func rollupData(parent *store.NodeExecution, children []*store.NodeExecution) map[string]any {
	list := make([]any, len(children))
	for i, c := range children {
		list[i] = nodeView(c)
	}
	return map[string]any{
		"children": list,
		"node":     nodeView(parent),
	}
}

// nodeView exposes a node to expressions. Statuses are plain strings.
func nodeView(n *store.NodeExecution) map[string]any {
	return map[string]any{
		"id":              n.ID,
		"node_identifier": n.NodeIdentifier,
		"group":           n.NodeGroup,
		"status":          string(n.Status),
	}
}
