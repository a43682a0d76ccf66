package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rendis/nodeflow/pkg/schema"
)

// dialect captures the few differences between the SQL backends.
type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// rebind rewrites ? placeholders into the dialect's positional form.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

const nodeExecutionColumns = `id, plan_execution_id, parent_id, previous_id, next_id, node_identifier, node_group, status,
	timeout_instance_ids, timeout_details, retry_ids, interrupt_histories, old_retry, failure_message,
	step_parameters, version, created_at, last_updated_at, ended_at`

const insertNodeExecutionQuery = `INSERT INTO node_executions (` + nodeExecutionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const swapNodeExecutionQuery = `UPDATE node_executions SET
	plan_execution_id = ?, parent_id = ?, previous_id = ?, next_id = ?, node_identifier = ?, node_group = ?,
	status = ?, timeout_instance_ids = ?, timeout_details = ?, retry_ids = ?, interrupt_histories = ?,
	old_retry = ?, failure_message = ?, step_parameters = ?, version = ?, created_at = ?,
	last_updated_at = ?, ended_at = ?
	WHERE id = ? AND version = ?`

const selectNodeExecutionQuery = `SELECT ` + nodeExecutionColumns + ` FROM node_executions WHERE id = ?`

// SQLStore implements Store over database/sql. LibSQLStore and PostgresStore
// embed it and differ only in how the connection is opened.
type SQLStore struct {
	db        *sql.DB
	dialect   dialect
	now       func() time.Time
	observers observerSet
}

func newSQLStore(db *sql.DB, d dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d, now: utcNow}
}

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db, s.dialect)
}

// AddObserver registers a change observer.
func (s *SQLStore) AddObserver(o ChangeObserver) { s.observers.add(o) }

// --- Node executions ---

func (s *SQLStore) SaveNodeExecution(ctx context.Context, n *NodeExecution) error {
	if err := prepareInsert(n, s.now()); err != nil {
		return err
	}
	args, err := encodeNodeExecution(n)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.rebind(insertNodeExecutionQuery), args...); err != nil {
		if isUniqueViolation(err) {
			return duplicateID("node execution", n.ID)
		}
		return schema.NewError(schema.ErrCodeStore, "insert node execution").WithNode(n.ID).WithCause(err)
	}
	s.observers.notify(ctx, NodeExecutionChange{Current: n, Inserted: true})
	return nil
}

func (s *SQLStore) SaveNodeExecutions(ctx context.Context, ns []*NodeExecution) error {
	if len(ns) == 0 {
		return nil
	}
	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := s.dialect.rebind(insertNodeExecutionQuery)
	for _, n := range ns {
		if err := prepareInsert(n, now); err != nil {
			return err
		}
		args, err := encodeNodeExecution(n)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			if isUniqueViolation(err) {
				return duplicateID("node execution", n.ID)
			}
			return schema.NewError(schema.ErrCodeStore, "insert node execution").WithNode(n.ID).WithCause(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit node executions: %w", err)
	}
	for _, n := range ns {
		s.observers.notify(ctx, NodeExecutionChange{Current: n, Inserted: true})
	}
	return nil
}

func (s *SQLStore) GetNodeExecution(ctx context.Context, id string) (*NodeExecution, error) {
	return s.load(ctx, id)
}

func (s *SQLStore) ListNodeExecutions(ctx context.Context, filter NodeExecutionFilter) ([]*NodeExecution, error) {
	where, args := buildNodeExecutionWhere(filter)
	query := "SELECT " + nodeExecutionColumns + " FROM node_executions" + where
	if filter.NewestFirst {
		query += " ORDER BY created_at DESC, id DESC"
	} else {
		query += " ORDER BY created_at ASC, id ASC"
	}
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list node executions").WithCause(err)
	}
	defer rows.Close()

	var out []*NodeExecution
	for rows.Next() {
		n, err := scanNodeExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SQLStore) CountNodeExecutions(ctx context.Context, filter NodeExecutionFilter) (int, error) {
	where, args := buildNodeExecutionWhere(filter)
	var count int
	err := s.db.QueryRowContext(ctx, s.dialect.rebind("SELECT COUNT(*) FROM node_executions"+where), args...).Scan(&count)
	if err != nil {
		return 0, schema.NewError(schema.ErrCodeStore, "count node executions").WithCause(err)
	}
	return count, nil
}

func (s *SQLStore) UpdateNodeExecution(ctx context.Context, id string, update NodeExecutionUpdate) (*NodeExecution, error) {
	res, err := mutate(ctx, s, s.now, id, updateMutation(update))
	if err != nil {
		return nil, err
	}
	s.observers.notify(ctx, res.change())
	return res.next.Clone(), nil
}

func (s *SQLStore) RetireNodeExecution(ctx context.Context, id string) (*NodeExecution, error) {
	res, err := mutate(ctx, s, s.now, id, retireMutation())
	if err != nil || res == nil {
		return nil, err
	}
	s.observers.notify(ctx, res.change())
	return res.next.Clone(), nil
}

func (s *SQLStore) UpdateNodeExecutionStatus(ctx context.Context, id string, target schema.Status, from []schema.Status, update NodeExecutionUpdate) (*NodeExecution, error) {
	res, err := mutate(ctx, s, s.now, id, statusMutation(target, from, update))
	if err != nil || res == nil {
		return nil, err
	}
	s.observers.notify(ctx, res.change())
	return res.next.Clone(), nil
}

func (s *SQLStore) load(ctx context.Context, id string) (*NodeExecution, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(selectNodeExecutionQuery), id)
	n, err := scanNodeExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("node execution", id)
	}
	return n, err
}

func (s *SQLStore) swap(ctx context.Context, expected int64, next *NodeExecution) (bool, error) {
	values, err := encodeNodeExecution(next)
	if err != nil {
		return false, err
	}
	args := append(values[1:], next.ID, expected)
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(swapNodeExecutionQuery), args...)
	if err != nil {
		return false, schema.NewError(schema.ErrCodeStore, "update node execution").WithNode(next.ID).WithCause(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func buildNodeExecutionWhere(filter NodeExecutionFilter) (string, []any) {
	var where []string
	var args []any

	if filter.PlanExecutionID != "" {
		where = append(where, "plan_execution_id = ?")
		args = append(args, filter.PlanExecutionID)
	}
	if filter.ParentID != nil {
		if *filter.ParentID == "" {
			where = append(where, "parent_id IS NULL")
		} else {
			where = append(where, "parent_id = ?")
			args = append(args, *filter.ParentID)
		}
	}
	if filter.PreviousID != "" {
		where = append(where, "previous_id = ?")
		args = append(args, filter.PreviousID)
	}
	if filter.NextID != "" {
		where = append(where, "next_id = ?")
		args = append(args, filter.NextID)
	}
	if filter.NodeIdentifier != "" {
		where = append(where, "node_identifier = ?")
		args = append(args, filter.NodeIdentifier)
	}
	if len(filter.IDs) > 0 {
		where = append(where, "id IN ("+placeholders(len(filter.IDs))+")")
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if !filter.IncludeOldRetries {
		where = append(where, "old_retry = 0")
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// encodeNodeExecution returns the column values in nodeExecutionColumns order.
func encodeNodeExecution(n *NodeExecution) ([]any, error) {
	timeoutIDs, err := marshalList(n.TimeoutInstanceIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal timeout instance ids: %w", err)
	}
	retryIDs, err := marshalList(n.RetryIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal retry ids: %w", err)
	}
	histories, err := marshalList(n.InterruptHistories)
	if err != nil {
		return nil, fmt.Errorf("marshal interrupt histories: %w", err)
	}
	var details any
	if n.TimeoutDetails != nil {
		raw, err := json.Marshal(n.TimeoutDetails)
		if err != nil {
			return nil, fmt.Errorf("marshal timeout details: %w", err)
		}
		details = string(raw)
	}
	return []any{
		n.ID,
		n.PlanExecutionID,
		nullStr(n.ParentID),
		nullStr(n.PreviousID),
		nullStr(n.NextID),
		n.NodeIdentifier,
		n.NodeGroup,
		string(n.Status),
		timeoutIDs,
		details,
		retryIDs,
		histories,
		boolToInt(n.OldRetry),
		nullStr(n.FailureMessage),
		nullRaw(n.StepParameters),
		n.Version,
		n.CreatedAt.UnixNano(),
		n.LastUpdatedAt.UnixNano(),
		nullUnixNano(n.EndedAt),
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNodeExecution(row rowScanner) (*NodeExecution, error) {
	n := &NodeExecution{}
	var (
		parentID, previousID, nextID sql.NullString
		failure, details, params     sql.NullString
		timeoutIDs, retryIDs, hist   string
		status                       string
		oldRetry                     int64
		createdAt, updatedAt         int64
		endedAt                      sql.NullInt64
	)
	if err := row.Scan(&n.ID, &n.PlanExecutionID, &parentID, &previousID, &nextID, &n.NodeIdentifier,
		&n.NodeGroup, &status, &timeoutIDs, &details, &retryIDs, &hist, &oldRetry, &failure,
		&params, &n.Version, &createdAt, &updatedAt, &endedAt); err != nil {
		return nil, err
	}
	n.ParentID = parentID.String
	n.PreviousID = previousID.String
	n.NextID = nextID.String
	n.Status = schema.Status(status)
	n.OldRetry = oldRetry != 0
	n.FailureMessage = failure.String
	n.StepParameters = rawOrNil(params)
	n.CreatedAt = time.Unix(0, createdAt).UTC()
	n.LastUpdatedAt = time.Unix(0, updatedAt).UTC()
	if endedAt.Valid {
		t := time.Unix(0, endedAt.Int64).UTC()
		n.EndedAt = &t
	}
	if err := unmarshalList(timeoutIDs, &n.TimeoutInstanceIDs); err != nil {
		return nil, fmt.Errorf("unmarshal timeout instance ids: %w", err)
	}
	if err := unmarshalList(retryIDs, &n.RetryIDs); err != nil {
		return nil, fmt.Errorf("unmarshal retry ids: %w", err)
	}
	if err := unmarshalList(hist, &n.InterruptHistories); err != nil {
		return nil, fmt.Errorf("unmarshal interrupt histories: %w", err)
	}
	if details.Valid && details.String != "" {
		n.TimeoutDetails = &TimeoutDetails{}
		if err := json.Unmarshal([]byte(details.String), n.TimeoutDetails); err != nil {
			return nil, fmt.Errorf("unmarshal timeout details: %w", err)
		}
	}
	return n, nil
}

// --- Interrupts ---

const interruptColumns = `id, interrupt_type, plan_execution_id, node_execution_id, status, source, metadata, message, created_at, updated_at`

func (s *SQLStore) SaveInterrupt(ctx context.Context, in *Interrupt) error {
	now := s.now()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = in.CreatedAt
	if in.Status == "" {
		in.Status = schema.InterruptStatusRegistered
	}
	var metadata any
	if len(in.Metadata) > 0 {
		raw, err := json.Marshal(in.Metadata)
		if err != nil {
			return fmt.Errorf("marshal interrupt metadata: %w", err)
		}
		metadata = string(raw)
	}
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`INSERT INTO interrupts (`+interruptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		in.ID, string(in.Type), in.PlanExecutionID, nullStr(in.NodeExecutionID), string(in.Status),
		nullStr(in.Source), metadata, nullStr(in.Message), in.CreatedAt.UnixNano(), in.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return duplicateID("interrupt", in.ID)
		}
		return schema.NewError(schema.ErrCodeStore, "insert interrupt").WithCause(err)
	}
	return nil
}

func (s *SQLStore) GetInterrupt(ctx context.Context, id string) (*Interrupt, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+interruptColumns+` FROM interrupts WHERE id = ?`), id)
	in, err := scanInterrupt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("interrupt", id)
	}
	return in, err
}

func (s *SQLStore) UpdateInterruptStatus(ctx context.Context, id string, status schema.InterruptStatus, message string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`UPDATE interrupts SET status = ?, message = ?, updated_at = ? WHERE id = ?`),
		string(status), nullStr(message), s.now().UnixNano(), id)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "update interrupt").WithCause(err)
	}
	return checkRowsAffected(res, "interrupt", id)
}

func (s *SQLStore) ListInterrupts(ctx context.Context, planExecutionID string) ([]*Interrupt, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`SELECT `+interruptColumns+`
		FROM interrupts WHERE plan_execution_id = ? ORDER BY created_at ASC, id ASC`), planExecutionID)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list interrupts").WithCause(err)
	}
	defer rows.Close()

	var out []*Interrupt
	for rows.Next() {
		in, err := scanInterrupt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func scanInterrupt(row rowScanner) (*Interrupt, error) {
	in := &Interrupt{}
	var (
		typ, status                   string
		nodeID, source, meta, message sql.NullString
		createdAt, updatedAt          int64
	)
	if err := row.Scan(&in.ID, &typ, &in.PlanExecutionID, &nodeID, &status, &source, &meta, &message,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	in.Type = schema.InterruptType(typ)
	in.Status = schema.InterruptStatus(status)
	in.NodeExecutionID = nodeID.String
	in.Source = source.String
	in.Message = message.String
	in.CreatedAt = time.Unix(0, createdAt).UTC()
	in.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &in.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal interrupt metadata: %w", err)
		}
	}
	return in, nil
}

// --- Helpers ---

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

// isUniqueViolation recognises primary key collisions from either driver.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func marshalList[T any](list []T) (string, error) {
	if len(list) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(list)
	return string(raw), err
}

func unmarshalList[T any](raw string, dst *[]T) error {
	if raw == "" || raw == "[]" {
		*dst = nil
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func nullUnixNano(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
