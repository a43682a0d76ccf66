package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/metrics"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/pkg/schema"
)

// ServiceConfig holds optional collaborators of a Service.
type ServiceConfig struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Service is the only writer of node execution state. Status changes go through
// guarded transitions; a lost race yields a nil node, never an error.
type Service struct {
	store   store.NodeExecutionStore
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService creates a Service over s.
func NewService(s store.NodeExecutionStore, cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:   s,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
}

// Get returns the node execution or a NOT_FOUND error.
func (s *Service) Get(ctx context.Context, id string) (*store.NodeExecution, error) {
	return s.store.GetNodeExecution(ctx, id)
}

// FetchByPlan lists the plan's node executions, oldest first.
func (s *Service) FetchByPlan(ctx context.Context, planExecutionID string, includeOldRetries bool) ([]*store.NodeExecution, error) {
	return s.store.ListNodeExecutions(ctx, store.NodeExecutionFilter{
		PlanExecutionID:   planExecutionID,
		IncludeOldRetries: includeOldRetries,
	})
}

// FetchChildren lists the live children of parentID, newest first. An empty
// parentID selects the plan's roots.
func (s *Service) FetchChildren(ctx context.Context, planExecutionID, parentID string) ([]*store.NodeExecution, error) {
	return s.store.ListNodeExecutions(ctx, store.NodeExecutionFilter{
		PlanExecutionID: planExecutionID,
		ParentID:        &parentID,
		NewestFirst:     true,
	})
}

// FetchChildrenRecursively returns every live descendant of parentID in
// breadth-first order.
func (s *Service) FetchChildrenRecursively(ctx context.Context, planExecutionID, parentID string) ([]*store.NodeExecution, error) {
	var out []*store.NodeExecution
	seen := map[string]bool{parentID: true}
	queue := []string{parentID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		children, err := s.FetchChildren(ctx, planExecutionID, id)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			out = append(out, c)
			queue = append(queue, c.ID)
		}
	}
	return out, nil
}

// FetchByStatus lists the plan's live node executions in any of statuses.
func (s *Service) FetchByStatus(ctx context.Context, planExecutionID string, statuses ...schema.Status) ([]*store.NodeExecution, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	return s.store.ListNodeExecutions(ctx, store.NodeExecutionFilter{
		PlanExecutionID: planExecutionID,
		Statuses:        statuses,
	})
}

// FetchNonFlowingNonFinal lists live nodes that are neither terminal nor
// actively flowing: queued, paused, and the waits that need outside input.
func (s *Service) FetchNonFlowingNonFinal(ctx context.Context, planExecutionID string) ([]*store.NodeExecution, error) {
	var statuses []schema.Status
	for _, st := range schema.NonTerminalStatuses() {
		if !schema.StatusIn(st, schema.FlowingStatuses()) {
			statuses = append(statuses, st)
		}
	}
	return s.FetchByStatus(ctx, planExecutionID, statuses...)
}

// CountByParentAndStatus counts live children of parentID in any of statuses.
func (s *Service) CountByParentAndStatus(ctx context.Context, planExecutionID, parentID string, statuses ...schema.Status) (int, error) {
	return s.store.CountNodeExecutions(ctx, store.NodeExecutionFilter{
		PlanExecutionID: planExecutionID,
		ParentID:        &parentID,
		Statuses:        statuses,
	})
}

// Save inserts a new node execution, assigning an id and timestamps when unset.
func (s *Service) Save(ctx context.Context, n *store.NodeExecution) (*store.NodeExecution, error) {
	if err := s.SaveAll(ctx, []*store.NodeExecution{n}); err != nil {
		return nil, err
	}
	return n, nil
}

// SaveAll inserts several node executions.
func (s *Service) SaveAll(ctx context.Context, ns []*store.NodeExecution) error {
	now := s.now()
	for _, n := range ns {
		if n.ID == "" {
			n.ID = uuid.New().String()
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = now
		}
	}
	return s.store.SaveNodeExecutions(ctx, ns)
}

// Update applies a non-status mutation. A vanished node surfaces as an
// UPDATE_FAILED error wrapping the NOT_FOUND cause.
func (s *Service) Update(ctx context.Context, id string, update store.NodeExecutionUpdate) (*store.NodeExecution, error) {
	n, err := s.store.UpdateNodeExecution(ctx, id, update)
	if err == nil {
		return n, nil
	}
	logging.LogWith(ctx, s.logger).Error("node execution update failed",
		slog.String("node_execution_id", id),
		slog.String("error", err.Error()),
	)
	if schema.IsNotFound(err) {
		return nil, schema.NewError(schema.ErrCodeUpdateFailed, "no node execution matched the update").
			WithNode(id).WithCause(err)
	}
	return nil, err
}

// UpdateStatus moves the node to target when its current status is in
// AllowedStartSet(target). It returns nil, nil when the transition no longer
// applies.
func (s *Service) UpdateStatus(ctx context.Context, id string, target schema.Status, extra *store.NodeExecutionUpdate) (*store.NodeExecution, error) {
	return s.UpdateStatusWithStartSet(ctx, id, target, schema.AllowedStartSet(target), extra)
}

// UpdateStatusWithStartSet is UpdateStatus with an explicit start set.
// Terminal targets also stamp EndedAt and clear the node's timeout instances.
func (s *Service) UpdateStatusWithStartSet(ctx context.Context, id string, target schema.Status, from []schema.Status, extra *store.NodeExecutionUpdate) (*store.NodeExecution, error) {
	if !target.IsValid() {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "unknown target status %s", target).WithNode(id)
	}
	var update store.NodeExecutionUpdate
	if extra != nil {
		update = *extra
	}
	if schema.IsTerminal(target) {
		if update.EndedAt == nil {
			now := s.now()
			update.EndedAt = &now
		}
		update.TimeoutInstanceIDs = &[]string{}
		update.AddTimeoutInstanceIDs = nil
	}

	n, err := s.store.UpdateNodeExecutionStatus(ctx, id, target, from, update)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveTransition(target, n != nil)
	if n == nil {
		logging.LogWith(ctx, s.logger).Warn("status transition no longer applies",
			slog.String("node_execution_id", id),
			slog.String("target", string(target)),
		)
		return nil, nil
	}
	return n, nil
}

// MarkRetried claims the node for a retry by flagging it as superseded. It
// reports false when no node matched or another caller already claimed it.
func (s *Service) MarkRetried(ctx context.Context, id string) (bool, error) {
	n, err := s.store.RetireNodeExecution(ctx, id)
	if schema.IsNotFound(err) {
		logging.LogWith(ctx, s.logger).Warn("retried node execution not found", slog.String("node_execution_id", id))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n != nil, nil
}

// GetByNodeIdentifier returns the live attempt of a logical node in the plan.
func (s *Service) GetByNodeIdentifier(ctx context.Context, planExecutionID, nodeIdentifier string) (*store.NodeExecution, error) {
	ns, err := s.store.ListNodeExecutions(ctx, store.NodeExecutionFilter{
		PlanExecutionID: planExecutionID,
		NodeIdentifier:  nodeIdentifier,
		NewestFirst:     true,
		Limit:           1,
	})
	if err != nil {
		return nil, err
	}
	if len(ns) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"no live node execution for %q in plan %s", nodeIdentifier, planExecutionID)
	}
	return ns[0], nil
}

// RelinkForRetry makes newID take oldID's place in the sibling chain: siblings
// pointing at oldID are repointed and newID inherits oldID's neighbours. It
// reports whether newID was updated.
func (s *Service) RelinkForRetry(ctx context.Context, planExecutionID, oldID, newID string) (bool, error) {
	old, err := s.store.GetNodeExecution(ctx, oldID)
	if err != nil {
		if schema.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	prev, err := s.store.ListNodeExecutions(ctx, store.NodeExecutionFilter{PlanExecutionID: planExecutionID, NextID: oldID})
	if err != nil {
		return false, err
	}
	for _, n := range prev {
		if n.ID == newID {
			continue
		}
		if _, err := s.Update(ctx, n.ID, store.NodeExecutionUpdate{NextID: &newID}); err != nil {
			return false, err
		}
	}
	next, err := s.store.ListNodeExecutions(ctx, store.NodeExecutionFilter{PlanExecutionID: planExecutionID, PreviousID: oldID})
	if err != nil {
		return false, err
	}
	for _, n := range next {
		if n.ID == newID {
			continue
		}
		if _, err := s.Update(ctx, n.ID, store.NodeExecutionUpdate{PreviousID: &newID}); err != nil {
			return false, err
		}
	}

	_, err = s.store.UpdateNodeExecution(ctx, newID, store.NodeExecutionUpdate{
		PreviousID: &old.PreviousID,
		NextID:     &old.NextID,
	})
	if schema.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// MarkLeavesDiscontinuing moves each leaf to DISCONTINUING and tags it with the
// interrupt. Best effort: every id is attempted, and it reports whether any
// node changed.
func (s *Service) MarkLeavesDiscontinuing(ctx context.Context, interruptID string, interruptType schema.InterruptType, planExecutionID string, leafIDs []string) (bool, error) {
	effect := &store.InterruptEffect{InterruptID: interruptID, InterruptType: interruptType, TookEffectAt: s.now()}
	changed := false
	var errs []error
	for _, id := range leafIDs {
		n, err := s.UpdateStatus(ctx, id, schema.StatusDiscontinuing, &store.NodeExecutionUpdate{AppendInterruptHistory: effect})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		changed = changed || n != nil
	}
	if len(errs) > 0 {
		logging.LogWith(ctx, s.logger).Error("discontinuing leaves partially failed",
			slog.String("plan_execution_id", planExecutionID),
			slog.Int("failed", len(errs)),
		)
	}
	return changed, errors.Join(errs...)
}

// ErrorOutActiveNodes forces every finalizable live node of the plan to ERRORED.
func (s *Service) ErrorOutActiveNodes(ctx context.Context, planExecutionID string) (bool, error) {
	active, err := s.FetchByStatus(ctx, planExecutionID, schema.NonTerminalStatuses()...)
	if err != nil {
		return false, err
	}
	changed := false
	var errs []error
	for _, n := range active {
		if !schema.IsFinalizable(n.Status) {
			continue
		}
		updated, err := s.UpdateStatus(ctx, n.ID, schema.StatusErrored, nil)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		changed = changed || updated != nil
	}
	return changed, errors.Join(errs...)
}

// TimeoutInstanceIDsFor returns the timeout instances a node in status should
// keep. Terminal statuses keep none.
func TimeoutInstanceIDsFor(status schema.Status, ids []string) []string {
	if schema.IsTerminal(status) {
		return []string{}
	}
	return ids
}
