package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/timeout"
	"github.com/rendis/nodeflow/pkg/schema"
)

// NodeTimeoutCallback turns an expired timeout into a MARK_EXPIRED interrupt.
// It never changes the node's status itself.
type NodeTimeoutCallback struct {
	PlanExecutionID string
	NodeExecutionID string

	service    *Service
	interrupts InterruptRegistrar
	logger     *slog.Logger
}

// NewNodeTimeoutCallback binds a callback to one node execution.
func NewNodeTimeoutCallback(planExecutionID, nodeExecutionID string, service *Service, interrupts InterruptRegistrar, logger *slog.Logger) *NodeTimeoutCallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeTimeoutCallback{
		PlanExecutionID: planExecutionID,
		NodeExecutionID: nodeExecutionID,
		service:         service,
		interrupts:      interrupts,
		logger:          logger,
	}
}

// OnTimeout implements timeout.Callback. A node that is gone or no longer
// finalizable makes the call a no-op, so duplicate wakeups raise at most one
// interrupt.
func (c *NodeTimeoutCallback) OnTimeout(ctx context.Context, inst timeout.Instance) error {
	ctx = logging.WithIDs(ctx, c.PlanExecutionID, c.NodeExecutionID)
	log := logging.LogWith(ctx, c.logger).With(slog.String("timeout_instance_id", inst.ID))

	n, err := c.service.Get(ctx, c.NodeExecutionID)
	if err != nil {
		if schema.IsNotFound(err) {
			log.Warn("timed out node execution no longer exists")
			return nil
		}
		return err
	}
	if !schema.IsFinalizable(n.Status) {
		log.Debug("timeout ignored, node already final", slog.String("status", string(n.Status)))
		return nil
	}

	firedAt := inst.FiredAt
	if firedAt.IsZero() {
		firedAt = time.Now().UTC()
	}
	if _, err := c.service.Update(ctx, n.ID, store.NodeExecutionUpdate{
		TimeoutDetails: &store.TimeoutDetails{
			TimeoutInstanceID: inst.ID,
			Tracker:           inst.Tracker,
			Deadline:          inst.Deadline,
			FiredAt:           firedAt,
		},
	}); err != nil {
		return err
	}

	_, err = c.interrupts.Register(ctx, schema.InterruptPackage{
		PlanExecutionID: c.PlanExecutionID,
		NodeExecutionID: c.NodeExecutionID,
		Type:            schema.InterruptMarkExpired,
		Source:          schema.InterruptSourceTimeout,
		Metadata:        map[string]string{"timeout_instance_id": inst.ID},
	})
	return err
}

// TimeoutRegistrar is the part of the timeout engine the armer needs.
type TimeoutRegistrar interface {
	Register(ctx context.Context, reg timeout.Registration) (string, error)
	Cancel(id string) bool
}

// DefaultTimeoutQuery extracts a node's timeout from its step parameters.
const DefaultTimeoutQuery = ".timeout"

// TimeoutArmerConfig configures a TimeoutArmer.
type TimeoutArmerConfig struct {
	// Query is a jq expression over the step parameters yielding a Go duration
	// string or a number of seconds.
	Query string
	// Default applies when the query yields nothing. Zero disables it.
	Default time.Duration
	Logger  *slog.Logger
}

// TimeoutArmer registers an active timeout for every node execution whose
// step parameters declare one.
type TimeoutArmer struct {
	timeouts   TimeoutRegistrar
	service    *Service
	interrupts InterruptRegistrar
	jq         expressions.Engine
	query      string
	fallback   time.Duration
	logger     *slog.Logger
}

// NewTimeoutArmer creates a TimeoutArmer. jq evaluates the timeout query.
func NewTimeoutArmer(timeouts TimeoutRegistrar, service *Service, interrupts InterruptRegistrar, jq expressions.Engine, cfg TimeoutArmerConfig) *TimeoutArmer {
	if cfg.Query == "" {
		cfg.Query = DefaultTimeoutQuery
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TimeoutArmer{
		timeouts:   timeouts,
		service:    service,
		interrupts: interrupts,
		jq:         jq,
		query:      cfg.Query,
		fallback:   cfg.Default,
		logger:     cfg.Logger,
	}
}

// Resolve returns the node's timeout, or zero when it has none.
func (a *TimeoutArmer) Resolve(ctx context.Context, n *store.NodeExecution) (time.Duration, error) {
	if len(n.StepParameters) == 0 {
		return a.fallback, nil
	}
	var params map[string]any
	if err := json.Unmarshal(n.StepParameters, &params); err != nil {
		return 0, schema.NewError(schema.ErrCodeValidation, "step parameters are not a JSON object").
			WithNode(n.ID).WithCause(err)
	}
	out, err := a.jq.Evaluate(ctx, a.query, params)
	if err != nil {
		return 0, err
	}
	if out == nil {
		return a.fallback, nil
	}
	d, err := toDuration(out)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "timeout %v: %s", out, err.Error()).WithNode(n.ID)
	}
	return d, nil
}

func toDuration(v any) (time.Duration, error) {
	switch t := v.(type) {
	case string:
		return time.ParseDuration(strings.TrimSpace(t))
	case float64:
		return time.Duration(t * float64(time.Second)), nil
	case int:
		return time.Duration(t) * time.Second, nil
	case int64:
		return time.Duration(t) * time.Second, nil
	case json.Number:
		f, err := t.Float64()
		return time.Duration(f * float64(time.Second)), err
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

// Arm registers the node's timeout and records the instance on the node. It
// returns "" when the node has no timeout.
func (a *TimeoutArmer) Arm(ctx context.Context, n *store.NodeExecution) (string, error) {
	if schema.IsTerminal(n.Status) {
		return "", nil
	}
	d, err := a.Resolve(ctx, n)
	if err != nil || d <= 0 {
		return "", err
	}

	id, err := a.timeouts.Register(ctx, timeout.Registration{
		Tracker:  timeout.NewActiveTracker(d, n.Status, timeout.Conditions{CancelWhen: cancelOnTerminal}),
		Callback: NewNodeTimeoutCallback(n.PlanExecutionID, n.ID, a.service, a.interrupts, a.logger),
		Subject:  n.ID,
		Metadata: map[string]string{"plan_execution_id": n.PlanExecutionID},
	})
	if err != nil {
		return "", err
	}
	updated, err := a.service.Update(ctx, n.ID, store.NodeExecutionUpdate{AddTimeoutInstanceIDs: []string{id}})
	if err != nil {
		a.timeouts.Cancel(id)
		return "", err
	}
	// The node may have finished while the timeout was being registered.
	if schema.IsTerminal(updated.Status) || !slices.Contains(updated.TimeoutInstanceIDs, id) {
		a.timeouts.Cancel(id)
		return "", nil
	}
	logging.LogWith(ctx, a.logger).Debug("timeout armed",
		slog.String("node_execution_id", n.ID),
		slog.String("timeout_instance_id", id),
		slog.Duration("timeout", d),
	)
	return id, nil
}

// OnNodeExecutionChange arms newly inserted nodes.
func (a *TimeoutArmer) OnNodeExecutionChange(ctx context.Context, change store.NodeExecutionChange) {
	if !change.Inserted {
		return
	}
	if _, err := a.Arm(ctx, change.Current); err != nil {
		logging.LogWith(ctx, a.logger).Error("arm node timeout",
			slog.String("node_execution_id", change.Current.ID),
			slog.String("error", err.Error()),
		)
	}
}

// cancelOnTerminal retires a tracker as soon as its node reaches a terminal status.
var cancelOnTerminal = func() string {
	quoted := make([]string, 0, len(schema.TerminalStatuses()))
	for _, s := range schema.TerminalStatuses() {
		quoted = append(quoted, fmt.Sprintf("%q", s))
	}
	return fmt.Sprintf(`event.type == %q && event.status in [%s]`,
		timeout.EventStatusUpdate, strings.Join(quoted, ", "))
}()

var (
	_ timeout.Callback     = (*NodeTimeoutCallback)(nil)
	_ store.ChangeObserver = (*TimeoutArmer)(nil)
)
