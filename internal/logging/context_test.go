package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", PlanExecutionID(ctx))
	assert.Equal(t, "", NodeExecutionID(ctx))
	assert.Equal(t, "", InterruptID(ctx))

	ctx = WithPlanExecutionID(ctx, "plan-123")
	ctx = WithNodeExecutionID(ctx, "node-1")
	ctx = WithInterruptID(ctx, "int-42")

	assert.Equal(t, "plan-123", PlanExecutionID(ctx))
	assert.Equal(t, "node-1", NodeExecutionID(ctx))
	assert.Equal(t, "int-42", InterruptID(ctx))
}

func TestWithIDs_KeepsExistingOnEmpty(t *testing.T) {
	ctx := WithIDs(context.Background(), "plan-1", "node-2")
	ctx = WithIDs(ctx, "", "node-3")
	assert.Equal(t, "plan-1", PlanExecutionID(ctx))
	assert.Equal(t, "node-3", NodeExecutionID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithIDs(context.Background(), "plan-abc", "node-x")
	ctx = WithInterruptID(ctx, "int-7")

	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "plan_execution_id=plan-abc")
	assert.Contains(t, output, "node_execution_id=node-x")
	assert.Contains(t, output, "interrupt_id=int-7")
	assert.Contains(t, output, "test message")
}

func TestLogWithMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	LogWith(WithPlanExecutionID(context.Background(), "plan-only"), logger).Info("partial context")

	output := buf.String()
	assert.Contains(t, output, "plan_execution_id=plan-only")
	assert.NotContains(t, output, "node_execution_id")
	assert.NotContains(t, output, "interrupt_id")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithIDs(context.Background(), "plan-auto", "node-auto")
	logger.InfoContext(ctx, "auto inject")

	output := buf.String()
	assert.Contains(t, output, `"plan_execution_id":"plan-auto"`)
	assert.Contains(t, output, `"node_execution_id":"node-auto"`)
	assert.NotContains(t, output, "interrupt_id")
	assert.Contains(t, output, "auto inject")
}

func TestCorrelationHandlerEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	logger.InfoContext(context.Background(), "bare log")

	output := buf.String()
	assert.NotContains(t, output, "plan_execution_id")
	assert.Contains(t, output, "bare log")
}

func TestCorrelationHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler := NewCorrelationHandler(inner)
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "timeout")}))

	logger.InfoContext(WithPlanExecutionID(context.Background(), "plan-attr"), "with attrs")

	output := buf.String()
	assert.Contains(t, output, `"plan_execution_id":"plan-attr"`)
	assert.Contains(t, output, `"component":"timeout"`)
}

func TestCorrelationHandlerWithGroup(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner).WithGroup("engine"))

	logger.InfoContext(WithPlanExecutionID(context.Background(), "plan-grp"), "grouped", "key", "val")

	output := buf.String()
	assert.Contains(t, output, "plan-grp")
	assert.Contains(t, output, "grouped")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseLevel("loud")
	assert.ErrorContains(t, err, "unknown log level")
}
