package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/streaming"
	"github.com/rendis/nodeflow/internal/timeout"
	"github.com/rendis/nodeflow/pkg/schema"
)

type notifyCall struct {
	ids []string
	ev  timeout.Event
}

type fakeNotifier struct {
	calls []notifyCall
}

func (f *fakeNotifier) NotifyEvent(_ context.Context, ids []string, ev timeout.Event) {
	f.calls = append(f.calls, notifyCall{ids: ids, ev: ev})
}

type fakeAppender struct {
	mu     sync.Mutex
	events []*store.Event
	err    error
}

func (f *fakeAppender) AppendEvent(_ context.Context, ev *store.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func change(prev schema.Status, n *store.NodeExecution) store.NodeExecutionChange {
	return store.NodeExecutionChange{Current: n, PreviousStatus: prev}
}

func TestTimeoutListener(t *testing.T) {
	notifier := &fakeNotifier{}
	l := NewTimeoutListener(notifier)
	ctx := context.Background()

	l.OnNodeExecutionChange(ctx, change(schema.StatusQueued, &store.NodeExecution{ID: "n", Status: schema.StatusRunning}))
	assert.Empty(t, notifier.calls)

	c := change(schema.StatusRunning, &store.NodeExecution{
		ID:                 "n",
		PlanExecutionID:    "plan-1",
		Status:             schema.StatusSucceeded,
		TimeoutInstanceIDs: []string{"keep"},
	})
	c.RetiredTimeoutInstanceIDs = []string{"gone"}
	l.OnNodeExecutionChange(ctx, c)

	require.Len(t, notifier.calls, 1)
	call := notifier.calls[0]
	assert.Equal(t, []string{"keep", "gone"}, call.ids)
	assert.Equal(t, timeout.EventStatusUpdate, call.ev.Type)
	assert.Equal(t, schema.StatusSucceeded, call.ev.Status)
	assert.Equal(t, schema.StatusRunning, call.ev.PreviousStatus)
	assert.Equal(t, "plan-1", call.ev.Metadata["plan_execution_id"])
	assert.Equal(t, "n", call.ev.Metadata["node_execution_id"])
}

func TestStreamListener(t *testing.T) {
	hub := streaming.NewMemoryHub()
	ctx := context.Background()
	events, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{PlanExecutionID: "plan-1"})
	require.NoError(t, err)
	defer cancel()

	h := newFixture(t)
	h.store.AddObserver(NewStreamListener(hub, nil))

	n := h.nodeWith(t, &store.NodeExecution{PlanExecutionID: "plan-1", NodeIdentifier: "build", Status: schema.StatusQueued})
	msg := "noted"
	_, err = h.service.Update(ctx, n.ID, store.NodeExecutionUpdate{FailureMessage: &msg})
	require.NoError(t, err)
	_, err = h.service.UpdateStatus(ctx, n.ID, schema.StatusRunning, nil)
	require.NoError(t, err)

	receive := func() streaming.NodeEvent {
		select {
		case ev := <-events:
			return ev
		case <-time.After(time.Second):
			t.Fatal("no event received")
			return streaming.NodeEvent{}
		}
	}

	created := receive()
	assert.Equal(t, schema.EventNodeCreated, created.EventType)
	assert.Equal(t, "build", created.NodeIdentifier)
	assert.Equal(t, schema.StatusQueued, created.Status)

	updated := receive()
	assert.Equal(t, schema.EventNodeStatusUpdated, updated.EventType)
	assert.Equal(t, schema.StatusRunning, updated.Status)
	assert.Equal(t, schema.StatusQueued, updated.PreviousStatus)
	assert.Equal(t, n.ID, updated.NodeExecutionID)

	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestEventLogListener(t *testing.T) {
	appender := &fakeAppender{}
	l := NewEventLogListener(appender, nil)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	n := &store.NodeExecution{ID: "n", PlanExecutionID: "plan-1", NodeIdentifier: "deploy", Status: schema.StatusQueued, Version: 1, LastUpdatedAt: now}
	l.OnNodeExecutionChange(ctx, store.NodeExecutionChange{Current: n, Inserted: true})
	l.OnNodeExecutionChange(ctx, change(schema.StatusQueued, n))

	running := n.Clone()
	running.Status, running.Version = schema.StatusRunning, 2
	l.OnNodeExecutionChange(ctx, change(schema.StatusQueued, running))

	require.Len(t, appender.events, 2)
	assert.Equal(t, schema.EventNodeCreated, appender.events[0].Type)
	second := appender.events[1]
	assert.Equal(t, schema.EventNodeStatusUpdated, second.Type)
	assert.Equal(t, schema.StatusRunning, second.Status)
	assert.Equal(t, "plan-1", second.PlanExecutionID)
	assert.True(t, second.Timestamp.Equal(now))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(second.Payload, &payload))
	assert.Equal(t, "deploy", payload["node_identifier"])
	assert.Equal(t, "QUEUED", payload["previous_status"])
	assert.EqualValues(t, 2, payload["version"])
}

func TestEventLogListener_AppendFailureIsSwallowed(t *testing.T) {
	appender := &fakeAppender{err: errors.New("disk full")}
	l := NewEventLogListener(appender, nil)
	assert.NotPanics(t, func() {
		l.OnNodeExecutionChange(context.Background(), store.NodeExecutionChange{
			Current:  &store.NodeExecution{ID: "n", PlanExecutionID: "plan-1"},
			Inserted: true,
		})
	})
	assert.Empty(t, appender.events)
}

func TestEventLogListener_RetryAndTimeoutEvents(t *testing.T) {
	appender := &fakeAppender{}
	l := NewEventLogListener(appender, nil)
	ctx := context.Background()

	retry := &store.NodeExecution{ID: "n-2", PlanExecutionID: "plan-1", NodeIdentifier: "deploy", Status: schema.StatusQueued, RetryIDs: []string{"n-0", "n-1"}}
	l.OnNodeExecutionChange(ctx, store.NodeExecutionChange{Current: retry, Inserted: true})

	running := retry.Clone()
	running.Status = schema.StatusRunning
	running.TimeoutDetails = &store.TimeoutDetails{TimeoutInstanceID: "t-1"}
	l.OnNodeExecutionChange(ctx, store.NodeExecutionChange{Current: running, PreviousStatus: schema.StatusRunning, TimeoutRecorded: true})

	require.Len(t, appender.events, 2)
	assert.Equal(t, schema.EventNodeRetried, appender.events[0].Type)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(appender.events[0].Payload, &payload))
	assert.Equal(t, "n-1", payload["retry_of"])

	recorded := appender.events[1]
	assert.Equal(t, schema.EventNodeTimeoutRecorded, recorded.Type)
	assert.Equal(t, "n-2", recorded.NodeExecutionID)
	require.NoError(t, json.Unmarshal(recorded.Payload, &payload))
	assert.Equal(t, "t-1", payload["timeout"].(map[string]any)["timeout_instance_id"])
}

func TestEventLogListener_ObservesEngineWrites(t *testing.T) {
	h := newFixture(t)
	ctx := context.Background()
	appender := &fakeAppender{}
	h.store.AddObserver(NewEventLogListener(appender, nil))

	running := h.node(t, "plan-1", "", schema.StatusRunning)
	cb := NewNodeTimeoutCallback("plan-1", running.ID, h.service, h.manager, nil)
	require.NoError(t, cb.OnTimeout(ctx, expiredInstance("t-1")))

	failed := h.node(t, "plan-2", "", schema.StatusFailed)
	_, err := h.manager.Register(ctx, schema.InterruptPackage{PlanExecutionID: "plan-2", NodeExecutionID: failed.ID, Type: schema.InterruptRetry})
	require.NoError(t, err)

	var types []string
	for _, ev := range appender.events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{
		schema.EventNodeCreated,
		schema.EventNodeTimeoutRecorded,
		schema.EventNodeStatusUpdated,
		schema.EventNodeCreated,
		schema.EventNodeRetried,
	}, types)
	assert.Equal(t, schema.StatusExpired, appender.events[2].Status)
}
