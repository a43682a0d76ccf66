package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/metrics"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/pkg/schema"
)

// InterruptRegistrar accepts interrupt packages. Implemented by InterruptManager.
type InterruptRegistrar interface {
	Register(ctx context.Context, pkg schema.InterruptPackage) (*store.Interrupt, error)
}

// PlanObserver is told when a root or pipeline node of a plan rolls up to a
// terminal status.
type PlanObserver interface {
	OnPlanStatus(ctx context.Context, planExecutionID string, status schema.Status)
}

// PlanObserverFunc adapts a function to PlanObserver.
type PlanObserverFunc func(ctx context.Context, planExecutionID string, status schema.Status)

func (f PlanObserverFunc) OnPlanStatus(ctx context.Context, planExecutionID string, status schema.Status) {
	f(ctx, planExecutionID, status)
}

// InterruptManagerConfig holds optional collaborators of an InterruptManager.
type InterruptManagerConfig struct {
	Rollup       *RollupPolicy
	PlanObserver PlanObserver
	// Events, when set, receives interrupt lifecycle and plan rollup events.
	Events  EventAppender
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// interruptHandler applies one interrupt. applied is false when the interrupt
// no longer had anything to act on.
type interruptHandler func(ctx context.Context, in *store.Interrupt) (applied bool, err error)

// InterruptManager is the single path for externally triggered status changes.
// Every handler is built from the Service's guarded primitives, so each step is
// safe to lose a race on or to repeat.
type InterruptManager struct {
	service      *Service
	store        store.InterruptStore
	rollup       *RollupPolicy
	planObserver PlanObserver
	events       EventAppender
	logger       *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	handlers     map[schema.InterruptType]interruptHandler
}

// NewInterruptManager wires the handler table. A nil Rollup uses
// DefaultRollupRules.
func NewInterruptManager(service *Service, interrupts store.InterruptStore, cfg InterruptManagerConfig) *InterruptManager {
	if cfg.Rollup == nil {
		cfg.Rollup, _ = NewRollupPolicy(expressions.NewExprEngine(), nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	m := &InterruptManager{
		service:      service,
		store:        interrupts,
		rollup:       cfg.Rollup,
		planObserver: cfg.PlanObserver,
		events:       cfg.Events,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		now:          cfg.Now,
	}
	m.handlers = map[schema.InterruptType]interruptHandler{
		schema.InterruptAbort:       m.handleAbort,
		schema.InterruptAbortAll:    m.handleAbort,
		schema.InterruptMarkExpired: m.markTerminal(schema.StatusExpired),
		schema.InterruptMarkFailed:  m.markTerminal(schema.StatusFailed),
		schema.InterruptMarkSuccess: m.markTerminal(schema.StatusSucceeded),
		schema.InterruptRetry:       m.handleRetry,
		schema.InterruptRollup:      m.handleRollup,
	}
	return m
}

// Register persists the interrupt, processes it synchronously, and records the
// outcome on the returned record. A handler fault is returned alongside the
// record, whose status is then PROCESSED_UNSUCCESSFULLY.
func (m *InterruptManager) Register(ctx context.Context, pkg schema.InterruptPackage) (*store.Interrupt, error) {
	if err := pkg.Validate(); err != nil {
		return nil, err
	}
	if pkg.Source == "" {
		pkg.Source = schema.InterruptSourceUser
	}
	if pkg.PlanWide() {
		pkg.NodeExecutionID = ""
	}

	in := &store.Interrupt{
		ID:              uuid.New().String(),
		Type:            pkg.Type,
		PlanExecutionID: pkg.PlanExecutionID,
		NodeExecutionID: pkg.NodeExecutionID,
		Status:          schema.InterruptStatusRegistered,
		Source:          pkg.Source,
		Metadata:        pkg.Metadata,
		CreatedAt:       m.now(),
	}
	if err := m.store.SaveInterrupt(ctx, in); err != nil {
		return nil, err
	}

	ctx = logging.WithInterruptID(logging.WithIDs(ctx, in.PlanExecutionID, in.NodeExecutionID), in.ID)
	log := logging.LogWith(ctx, m.logger)
	log.Info("interrupt registered",
		slog.String("interrupt_type", string(in.Type)),
		slog.String("source", in.Source),
	)
	m.appendEvent(ctx, m.interruptEvent(in, schema.EventInterruptRegistered))

	applied, herr := m.handlers[in.Type](ctx, in)

	status, message := schema.InterruptStatusProcessedSuccessfully, ""
	switch {
	case herr != nil:
		status, message = schema.InterruptStatusProcessedUnsuccessfully, herr.Error()
		log.Error("interrupt processing failed", slog.String("error", herr.Error()))
	case !applied:
		status, message = schema.InterruptStatusDiscarded, "nothing to act on"
		log.Warn("interrupt discarded", slog.String("interrupt_type", string(in.Type)))
	}
	if err := m.store.UpdateInterruptStatus(ctx, in.ID, status, message); err != nil {
		log.Error("record interrupt outcome", slog.String("error", err.Error()))
		if herr == nil {
			herr = err
		}
	}
	in.Status, in.Message = status, message
	m.metrics.ObserveInterrupt(in.Type, status)
	m.appendEvent(ctx, m.interruptEvent(in, schema.EventInterruptProcessed))

	if herr != nil {
		return in, schema.NewErrorf(schema.ErrCodeInterruptFailed, "%s interrupt failed", in.Type).
			WithNode(in.NodeExecutionID).WithCause(herr)
	}
	return in, nil
}

func (m *InterruptManager) effect(in *store.Interrupt) *store.InterruptEffect {
	return &store.InterruptEffect{InterruptID: in.ID, InterruptType: in.Type, TookEffectAt: m.now()}
}

// handleAbort discontinues the active frontier of the target subtree, or of the
// whole plan for plan-wide aborts. The nodes conclude through ConcludeDiscontinued.
func (m *InterruptManager) handleAbort(ctx context.Context, in *store.Interrupt) (bool, error) {
	leaves, err := m.service.FindLeaves(ctx, in.PlanExecutionID, in.NodeExecutionID)
	if err != nil {
		return false, err
	}
	if len(leaves) == 0 {
		return false, nil
	}
	return m.service.MarkLeavesDiscontinuing(ctx, in.ID, in.Type, in.PlanExecutionID, nodeIDs(leaves))
}

// markTerminal forces the target node into status, then discontinues whatever
// is still running beneath it and rolls the result up.
func (m *InterruptManager) markTerminal(status schema.Status) interruptHandler {
	return func(ctx context.Context, in *store.Interrupt) (bool, error) {
		extra := &store.NodeExecutionUpdate{AppendInterruptHistory: m.effect(in)}
		if msg := in.Metadata["message"]; msg != "" {
			extra.FailureMessage = &msg
		}
		n, err := m.service.UpdateStatus(ctx, in.NodeExecutionID, status, extra)
		if err != nil || n == nil {
			return false, err
		}

		leaves, err := m.service.FindLeaves(ctx, n.PlanExecutionID, n.ID)
		if err != nil {
			return true, err
		}
		if len(leaves) > 0 {
			if _, err := m.service.MarkLeavesDiscontinuing(ctx, in.ID, in.Type, n.PlanExecutionID, nodeIDs(leaves)); err != nil {
				return true, err
			}
		}
		return true, m.propagate(ctx, n)
	}
}

// handleRollup concludes a parent once every live child is terminal.
func (m *InterruptManager) handleRollup(ctx context.Context, in *store.Interrupt) (bool, error) {
	parent, err := m.service.Get(ctx, in.NodeExecutionID)
	if err != nil {
		return false, err
	}
	if schema.IsTerminal(parent.Status) {
		return false, nil
	}
	children, err := m.service.FetchChildren(ctx, parent.PlanExecutionID, parent.ID)
	if err != nil {
		return false, err
	}
	if len(children) == 0 {
		return false, nil
	}
	for _, c := range children {
		if !schema.IsTerminal(c.Status) {
			return false, nil
		}
	}

	status, err := m.rollup.Evaluate(ctx, parent, children)
	if err != nil {
		return false, err
	}
	n, err := m.service.UpdateStatus(ctx, parent.ID, status, &store.NodeExecutionUpdate{AppendInterruptHistory: m.effect(in)})
	if err != nil || n == nil {
		return false, err
	}
	return true, m.propagate(ctx, n)
}

// handleRetry replaces a terminal node with a fresh QUEUED attempt.
func (m *InterruptManager) handleRetry(ctx context.Context, in *store.Interrupt) (bool, error) {
	old, err := m.service.Get(ctx, in.NodeExecutionID)
	if err != nil {
		return false, err
	}
	if old.OldRetry {
		return false, nil
	}
	if !schema.IsTerminal(old.Status) {
		return false, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot retry node execution in status %s", old.Status).WithNode(old.ID)
	}

	// Only one of several racing retries claims the old attempt.
	claimed, err := m.service.MarkRetried(ctx, old.ID)
	if err != nil || !claimed {
		return false, err
	}

	retryIDs := append(append([]string(nil), old.RetryIDs...), old.ID)
	fresh := &store.NodeExecution{
		PlanExecutionID:    old.PlanExecutionID,
		ParentID:           old.ParentID,
		PreviousID:         old.PreviousID,
		NextID:             old.NextID,
		NodeIdentifier:     old.NodeIdentifier,
		NodeGroup:          old.NodeGroup,
		Status:             schema.StatusQueued,
		RetryIDs:           retryIDs,
		InterruptHistories: []store.InterruptEffect{*m.effect(in)},
		StepParameters:     old.StepParameters,
	}
	if _, err := m.service.Save(ctx, fresh); err != nil {
		live := false
		if _, rerr := m.service.Update(ctx, old.ID, store.NodeExecutionUpdate{OldRetry: &live}); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return false, err
	}
	if _, err := m.service.RelinkForRetry(ctx, old.PlanExecutionID, old.ID, fresh.ID); err != nil {
		return true, err
	}

	logging.LogWith(ctx, m.logger).Info("node execution retried",
		slog.String("retry_node_execution_id", fresh.ID),
		slog.Int("attempt", len(retryIDs)+1),
	)
	return true, nil
}

// ConcludeDiscontinued acknowledges that a discontinuing node has stopped: it
// moves the node to ABORTED and rolls up its parent. It returns nil, nil when
// the node was not discontinuing.
func (m *InterruptManager) ConcludeDiscontinued(ctx context.Context, nodeExecutionID string) (*store.NodeExecution, error) {
	n, err := m.service.UpdateStatusWithStartSet(ctx, nodeExecutionID, schema.StatusAborted,
		[]schema.Status{schema.StatusDiscontinuing}, nil)
	if err != nil || n == nil {
		return nil, err
	}
	return n, m.propagate(ctx, n)
}

// propagate reports plan-level outcomes and asks the parent to roll up.
func (m *InterruptManager) propagate(ctx context.Context, n *store.NodeExecution) error {
	if n.ParentID == "" || n.NodeGroup == schema.NodeGroupPipeline {
		if m.planObserver != nil {
			m.planObserver.OnPlanStatus(ctx, n.PlanExecutionID, n.Status)
		}
		payload, _ := json.Marshal(map[string]any{
			"node_identifier": n.NodeIdentifier,
			"node_group":      n.NodeGroup,
		})
		m.appendEvent(ctx, &store.Event{
			PlanExecutionID: n.PlanExecutionID,
			NodeExecutionID: n.ID,
			Type:            schema.EventPlanStatusRolledUp,
			Status:          n.Status,
			Payload:         payload,
			Timestamp:       m.now(),
		})
	}
	if n.ParentID == "" {
		return nil
	}
	_, err := m.Register(ctx, schema.InterruptPackage{
		PlanExecutionID: n.PlanExecutionID,
		NodeExecutionID: n.ParentID,
		Type:            schema.InterruptRollup,
		Source:          schema.InterruptSourceEngine,
	})
	return err
}

func (m *InterruptManager) interruptEvent(in *store.Interrupt, eventType string) *store.Event {
	fields := map[string]any{
		"interrupt_id":     in.ID,
		"interrupt_type":   in.Type,
		"interrupt_status": in.Status,
		"source":           in.Source,
	}
	if in.Message != "" {
		fields["message"] = in.Message
	}
	payload, _ := json.Marshal(fields)
	return &store.Event{
		PlanExecutionID: in.PlanExecutionID,
		NodeExecutionID: in.NodeExecutionID,
		Type:            eventType,
		Payload:         payload,
		Timestamp:       m.now(),
	}
}

func (m *InterruptManager) appendEvent(ctx context.Context, ev *store.Event) {
	if m.events == nil {
		return
	}
	if err := m.events.AppendEvent(ctx, ev); err != nil {
		logging.LogWith(ctx, m.logger).Error("append interrupt event",
			slog.String("event_type", ev.Type),
			slog.String("error", err.Error()),
		)
	}
}

var _ InterruptRegistrar = (*InterruptManager)(nil)
