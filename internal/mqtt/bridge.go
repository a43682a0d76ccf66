package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/streaming"
	"github.com/rendis/nodeflow/internal/validation"
	"github.com/rendis/nodeflow/pkg/schema"
)

// Topic layout under the configured prefix:
//
//	{prefix}/plans/{plan}/nodes/{node}   node status events (out)
//	{prefix}/plans/{plan}/interrupts     interrupt outcomes (out)
//	{prefix}/interrupts                  interrupt packages (in)
func NodeTopic(prefix, planExecutionID, nodeExecutionID string) string {
	return strings.Join([]string{prefix, "plans", planExecutionID, "nodes", nodeExecutionID}, "/")
}

func InterruptResultTopic(prefix, planExecutionID string) string {
	return strings.Join([]string{prefix, "plans", planExecutionID, "interrupts"}, "/")
}

func InterruptTopic(prefix string) string {
	return prefix + "/interrupts"
}

// BridgeConfig configures a Bridge.
type BridgeConfig struct {
	TopicPrefix string
	Logger      *slog.Logger
}

// Bridge relays node events to the broker and feeds remote interrupt packages
// into the interrupt manager.
type Bridge struct {
	conn       Conn
	validator  validation.Validator
	interrupts engine.InterruptRegistrar
	prefix     string
	logger     *slog.Logger
}

func NewBridge(conn Conn, validator validation.Validator, interrupts engine.InterruptRegistrar, cfg BridgeConfig) *Bridge {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{
		conn:       conn,
		validator:  validator,
		interrupts: interrupts,
		prefix:     strings.TrimSuffix(cfg.TopicPrefix, "/"),
		logger:     cfg.Logger,
	}
}

// Forward publishes every hub event until ctx is done. Publish failures are
// logged and the event is dropped.
func (b *Bridge) Forward(ctx context.Context, hub streaming.EventHub) error {
	events, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			b.publishEvent(ev)
		}
	}
}

func (b *Bridge) publishEvent(ev streaming.NodeEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("encode node event", slog.String("error", err.Error()))
		return
	}
	topic := NodeTopic(b.prefix, ev.PlanExecutionID, ev.NodeExecutionID)
	if err := b.conn.Publish(topic, payload); err != nil {
		b.logger.Warn("publish node event",
			slog.String("topic", topic),
			slog.String("error", err.Error()),
		)
	}
}

// Listen subscribes to the interrupt topic. Messages are processed with ctx,
// which should outlive the subscription.
func (b *Bridge) Listen(ctx context.Context) error {
	topic := InterruptTopic(b.prefix)
	if err := b.conn.Subscribe(topic, b.interruptHandler(ctx)); err != nil {
		return err
	}
	b.logger.Info("listening for remote interrupts", slog.String("topic", topic))
	return nil
}

func (b *Bridge) interruptHandler(ctx context.Context) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		if ctx.Err() != nil {
			return
		}
		b.HandleInterrupt(ctx, msg.Payload())
	}
}

// HandleInterrupt decodes one remote interrupt package and registers it. The
// outcome is published to the plan's interrupt topic.
func (b *Bridge) HandleInterrupt(ctx context.Context, payload []byte) *store.Interrupt {
	pkg, err := b.validator.DecodeInterrupt(payload)
	if err != nil {
		b.logger.Warn("rejected remote interrupt", slog.String("error", err.Error()))
		return nil
	}
	if pkg.Source == "" {
		pkg.Source = schema.InterruptSourceRemote
	}

	ctx = logging.WithIDs(ctx, pkg.PlanExecutionID, pkg.NodeExecutionID)
	in, err := b.interrupts.Register(ctx, pkg)
	if err != nil {
		logging.LogWith(ctx, b.logger).Error("remote interrupt failed",
			slog.String("interrupt_type", string(pkg.Type)),
			slog.String("error", err.Error()),
		)
	}
	if in == nil {
		return nil
	}

	out, err := json.Marshal(in)
	if err == nil {
		err = b.conn.Publish(InterruptResultTopic(b.prefix, in.PlanExecutionID), out)
	}
	if err != nil {
		logging.LogWith(ctx, b.logger).Warn("publish interrupt outcome", slog.String("error", err.Error()))
	}
	return in
}
