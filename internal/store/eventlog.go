package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
)

// maxAppendAttempts bounds retries when two writers race for the same sequence.
const maxAppendAttempts = 5

const appendEventQuery = `INSERT INTO node_events
	(plan_execution_id, node_execution_id, event_type, status, payload, recorded_at, sequence)
	SELECT CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS BIGINT),
		COALESCE(MAX(sequence), 0) + 1
	FROM node_events WHERE plan_execution_id = ?
	RETURNING sequence`

const selectEventsQuery = `SELECT plan_execution_id, node_execution_id, event_type, status, payload, recorded_at, sequence
	FROM node_events WHERE plan_execution_id = ? AND sequence > ? ORDER BY sequence ASC`

// EventLog is an append-only, per-plan sequenced record of node changes.
type EventLog struct {
	store *SQLStore
}

// NewEventLog wraps a SQLStore to provide event log operations.
func NewEventLog(s *SQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a dense, monotonically increasing
// per-plan sequence. The sequence is computed and inserted in one statement;
// the primary key rejects a concurrent duplicate and the append is retried.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = el.store.now()
	}
	query := el.store.dialect.rebind(appendEventQuery)

	var lastErr error
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		var seq int64
		err := el.store.db.QueryRowContext(ctx, query,
			event.PlanExecutionID, nullStr(event.NodeExecutionID), event.Type, nullStr(string(event.Status)),
			nullRaw(event.Payload), event.Timestamp.UnixNano(), event.PlanExecutionID,
		).Scan(&seq)
		if err == nil {
			event.Sequence = seq
			return nil
		}
		if !isUniqueViolation(err) {
			return fmt.Errorf("insert event: %w", err)
		}
		lastErr = err
	}
	return schema.NewError(schema.ErrCodeConflict, "event sequence contention").WithCause(lastErr)
}

// GetEvents returns events for a plan with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, planExecutionID string, since int64) ([]*Event, error) {
	rows, err := el.store.db.QueryContext(ctx, el.store.dialect.rebind(selectEventsQuery), planExecutionID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ReplayStatuses folds the log of a plan into the last recorded status of each
// node execution. Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayStatuses(ctx context.Context, planExecutionID string) (map[string]schema.Status, error) {
	events, err := el.GetEvents(ctx, planExecutionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	statuses := make(map[string]schema.Status)
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in plan %s: expected %d, got %d", planExecutionID, expected, e.Sequence)
		}
		if e.NodeExecutionID == "" || e.Status == "" {
			continue
		}
		switch e.Type {
		case schema.EventNodeCreated, schema.EventNodeStatusUpdated, schema.EventNodeRetried:
			statuses[e.NodeExecutionID] = e.Status
		}
	}
	return statuses, nil
}

func scanEvent(row rowScanner) (*Event, error) {
	e := &Event{}
	var (
		nodeID, status, payload sql.NullString
		ts                      int64
	)
	if err := row.Scan(&e.PlanExecutionID, &nodeID, &e.Type, &status, &payload, &ts, &e.Sequence); err != nil {
		return nil, err
	}
	e.NodeExecutionID = nodeID.String
	e.Status = schema.Status(status.String)
	e.Payload = rawOrNil(payload)
	e.Timestamp = time.Unix(0, ts).UTC()
	return e, nil
}
