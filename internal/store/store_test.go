package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nodeflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

// forEachStore runs fn against every backend that needs no external service.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("libsql", func(t *testing.T) { fn(t, newTestStore(t)) })
}

func seedNode(t *testing.T, s Store, plan, parent string, status schema.Status) *NodeExecution {
	t.Helper()
	n := &NodeExecution{
		ID:              uuid.New().String(),
		PlanExecutionID: plan,
		ParentID:        parent,
		NodeIdentifier:  "node-" + uuid.New().String()[:8],
		NodeGroup:       schema.NodeGroupStep,
		Status:          status,
	}
	require.NoError(t, s.SaveNodeExecution(context.Background(), n))
	return n
}

func TestSaveAndGetNodeExecution(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		n := &NodeExecution{
			ID:                 uuid.New().String(),
			PlanExecutionID:    "plan-1",
			ParentID:           "parent-1",
			NodeIdentifier:     "build",
			NodeGroup:          schema.NodeGroupStep,
			TimeoutInstanceIDs: []string{"t-1"},
			StepParameters:     json.RawMessage(`{"timeout":"10m"}`),
		}
		require.NoError(t, s.SaveNodeExecution(ctx, n))
		assert.Equal(t, schema.StatusQueued, n.Status)
		assert.Equal(t, int64(1), n.Version)
		assert.False(t, n.CreatedAt.IsZero())

		got, err := s.GetNodeExecution(ctx, n.ID)
		require.NoError(t, err)
		assert.Equal(t, n.ID, got.ID)
		assert.Equal(t, "plan-1", got.PlanExecutionID)
		assert.Equal(t, "parent-1", got.ParentID)
		assert.Equal(t, schema.StatusQueued, got.Status)
		assert.Equal(t, []string{"t-1"}, got.TimeoutInstanceIDs)
		assert.JSONEq(t, `{"timeout":"10m"}`, string(got.StepParameters))
		assert.Equal(t, n.CreatedAt.UnixNano(), got.CreatedAt.UnixNano())
		assert.Nil(t, got.EndedAt)
	})
}

func TestSaveNodeExecution_DuplicateID(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		n := seedNode(t, s, "plan-1", "", schema.StatusQueued)
		err := s.SaveNodeExecution(context.Background(), &NodeExecution{ID: n.ID, PlanExecutionID: "plan-1"})
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
	})
}

func TestSaveNodeExecution_RejectsInvalid(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		err := s.SaveNodeExecution(ctx, &NodeExecution{PlanExecutionID: "p"})
		assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

		err = s.SaveNodeExecution(ctx, &NodeExecution{ID: "x"})
		assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

		err = s.SaveNodeExecution(ctx, &NodeExecution{ID: "y", PlanExecutionID: "p", Status: "WEIRD"})
		assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	})
}

func TestGetNodeExecution_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetNodeExecution(context.Background(), "missing")
		require.Error(t, err)
		assert.True(t, schema.IsNotFound(err))
	})
}

func TestSaveNodeExecutions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		batch := []*NodeExecution{
			{ID: uuid.New().String(), PlanExecutionID: "plan-1", NodeIdentifier: "a"},
			{ID: uuid.New().String(), PlanExecutionID: "plan-1", NodeIdentifier: "b"},
		}
		require.NoError(t, s.SaveNodeExecutions(ctx, batch))

		count, err := s.CountNodeExecutions(ctx, NodeExecutionFilter{PlanExecutionID: "plan-1"})
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		dup := []*NodeExecution{
			{ID: uuid.New().String(), PlanExecutionID: "plan-1"},
			{ID: batch[0].ID, PlanExecutionID: "plan-1"},
		}
		err = s.SaveNodeExecutions(ctx, dup)
		assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

		count, err = s.CountNodeExecutions(ctx, NodeExecutionFilter{PlanExecutionID: "plan-1"})
		require.NoError(t, err)
		assert.Equal(t, 2, count, "a failed batch writes nothing")
	})
}

func TestListNodeExecutions_Filters(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		root := seedNode(t, s, "plan-1", "", schema.StatusRunning)
		c1 := seedNode(t, s, "plan-1", root.ID, schema.StatusRunning)
		c2 := seedNode(t, s, "plan-1", root.ID, schema.StatusSucceeded)
		seedNode(t, s, "plan-2", "", schema.StatusRunning)

		old := true
		_, err := s.UpdateNodeExecution(ctx, c2.ID, NodeExecutionUpdate{OldRetry: &old})
		require.NoError(t, err)

		roots, err := s.ListNodeExecutions(ctx, NodeExecutionFilter{PlanExecutionID: "plan-1", ParentID: ptr("")})
		require.NoError(t, err)
		require.Len(t, roots, 1)
		assert.Equal(t, root.ID, roots[0].ID)

		children, err := s.ListNodeExecutions(ctx, NodeExecutionFilter{PlanExecutionID: "plan-1", ParentID: &root.ID})
		require.NoError(t, err)
		require.Len(t, children, 1)
		assert.Equal(t, c1.ID, children[0].ID)

		children, err = s.ListNodeExecutions(ctx, NodeExecutionFilter{
			PlanExecutionID: "plan-1", ParentID: &root.ID, IncludeOldRetries: true,
		})
		require.NoError(t, err)
		assert.Len(t, children, 2)

		running, err := s.ListNodeExecutions(ctx, NodeExecutionFilter{
			PlanExecutionID: "plan-1", Statuses: []schema.Status{schema.StatusRunning},
		})
		require.NoError(t, err)
		assert.Len(t, running, 2)

		byID, err := s.ListNodeExecutions(ctx, NodeExecutionFilter{IDs: []string{c1.ID, root.ID}})
		require.NoError(t, err)
		assert.Len(t, byID, 2)

		limited, err := s.ListNodeExecutions(ctx, NodeExecutionFilter{PlanExecutionID: "plan-1", Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}

func TestListNodeExecutions_Ordering(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Unix(1_700_000_000, 0).UTC()
		var ids []string
		for i := 0; i < 3; i++ {
			n := &NodeExecution{
				ID:              uuid.New().String(),
				PlanExecutionID: "plan-1",
				NodeIdentifier:  "n",
				CreatedAt:       base.Add(time.Duration(i) * time.Second),
			}
			require.NoError(t, s.SaveNodeExecution(ctx, n))
			ids = append(ids, n.ID)
		}

		asc, err := s.ListNodeExecutions(ctx, NodeExecutionFilter{PlanExecutionID: "plan-1"})
		require.NoError(t, err)
		desc, err := s.ListNodeExecutions(ctx, NodeExecutionFilter{PlanExecutionID: "plan-1", NewestFirst: true})
		require.NoError(t, err)

		require.Len(t, asc, 3)
		require.Len(t, desc, 3)
		assert.Equal(t, ids[0], asc[0].ID)
		assert.Equal(t, ids[2], desc[0].ID)
	})
}

func TestUpdateNodeExecution(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		n := seedNode(t, s, "plan-1", "", schema.StatusRunning)

		msg := "boom"
		deadline := time.Now().UTC().Truncate(time.Millisecond)
		updated, err := s.UpdateNodeExecution(ctx, n.ID, NodeExecutionUpdate{
			AddTimeoutInstanceIDs: []string{"t-1", "t-2"},
			TimeoutDetails:        &TimeoutDetails{TimeoutInstanceID: "t-1", Deadline: deadline},
			AppendRetryIDs:        []string{"old-1"},
			FailureMessage:        &msg,
		})
		require.NoError(t, err)
		assert.Equal(t, schema.StatusRunning, updated.Status, "unconditional updates never touch status")
		assert.Equal(t, int64(2), updated.Version)

		got, err := s.GetNodeExecution(ctx, n.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"t-1", "t-2"}, got.TimeoutInstanceIDs)
		require.NotNil(t, got.TimeoutDetails)
		assert.Equal(t, "t-1", got.TimeoutDetails.TimeoutInstanceID)
		assert.True(t, deadline.Equal(got.TimeoutDetails.Deadline))
		assert.Equal(t, []string{"old-1"}, got.RetryIDs)
		assert.Equal(t, "boom", got.FailureMessage)
	})
}

func TestUpdateNodeExecution_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.UpdateNodeExecution(context.Background(), "missing", NodeExecutionUpdate{})
		assert.True(t, schema.IsNotFound(err))
	})
}

func TestUpdateNodeExecutionStatus_Guard(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		n := seedNode(t, s, "plan-1", "", schema.StatusQueued)

		got, err := s.UpdateNodeExecutionStatus(ctx, n.ID, schema.StatusRunning,
			[]schema.Status{schema.StatusQueued}, NodeExecutionUpdate{})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, schema.StatusRunning, got.Status)

		got, err = s.UpdateNodeExecutionStatus(ctx, n.ID, schema.StatusRunning,
			[]schema.Status{schema.StatusQueued}, NodeExecutionUpdate{})
		require.NoError(t, err)
		assert.Nil(t, got, "guard no longer holds")

		cur, err := s.GetNodeExecution(ctx, n.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), cur.Version, "a declined transition writes nothing")
	})
}

func TestUpdateNodeExecutionStatus_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.UpdateNodeExecutionStatus(context.Background(), "missing", schema.StatusRunning,
			[]schema.Status{schema.StatusQueued}, NodeExecutionUpdate{})
		assert.True(t, schema.IsNotFound(err))
	})
}

func TestUpdateNodeExecutionStatus_AppliesUpdateInSameWrite(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		n := seedNode(t, s, "plan-1", "", schema.StatusRunning)
		_, err := s.UpdateNodeExecution(ctx, n.ID, NodeExecutionUpdate{AddTimeoutInstanceIDs: []string{"t-1"}})
		require.NoError(t, err)

		ended := time.Now().UTC()
		empty := []string{}
		got, err := s.UpdateNodeExecutionStatus(ctx, n.ID, schema.StatusSucceeded,
			[]schema.Status{schema.StatusRunning},
			NodeExecutionUpdate{TimeoutInstanceIDs: &empty, EndedAt: &ended})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Empty(t, got.TimeoutInstanceIDs)
		require.NotNil(t, got.EndedAt)
	})
}

func TestLastUpdatedAtStrictlyIncreases(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		n := seedNode(t, s, "plan-1", "", schema.StatusRunning)

		prev := n.LastUpdatedAt
		for i := 0; i < 20; i++ {
			got, err := s.UpdateNodeExecution(ctx, n.ID, NodeExecutionUpdate{AddTimeoutInstanceIDs: []string{uuid.New().String()}})
			require.NoError(t, err)
			assert.Truef(t, got.LastUpdatedAt.After(prev), "write %d did not advance lastUpdatedAt", i)
			prev = got.LastUpdatedAt
		}
	})
}

func TestLastUpdatedAt_FrozenClock(t *testing.T) {
	s := NewMemoryStore()
	frozen := time.Unix(1_700_000_000, 0).UTC()
	s.now = func() time.Time { return frozen }
	n := seedNode(t, s, "plan-1", "", schema.StatusRunning)

	a, err := s.UpdateNodeExecution(context.Background(), n.ID, NodeExecutionUpdate{})
	require.NoError(t, err)
	b, err := s.UpdateNodeExecution(context.Background(), n.ID, NodeExecutionUpdate{})
	require.NoError(t, err)
	assert.True(t, a.LastUpdatedAt.After(n.LastUpdatedAt))
	assert.True(t, b.LastUpdatedAt.After(a.LastUpdatedAt))
}

func TestConcurrentTransitions_SingleWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		n := seedNode(t, s, "plan-1", "", schema.StatusRunning)

		targets := []schema.Status{schema.StatusSucceeded, schema.StatusFailed, schema.StatusExpired, schema.StatusAborted}
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			target := targets[i%len(targets)]
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, err := s.UpdateNodeExecutionStatus(ctx, n.ID, target, schema.AllowedStartSet(target), NodeExecutionUpdate{})
				assert.NoError(t, err)
				if got != nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())

		got, err := s.GetNodeExecution(ctx, n.ID)
		require.NoError(t, err)
		assert.True(t, schema.IsTerminal(got.Status))
	})
}

func TestConcurrentMetadataWriteDoesNotBlockTransition(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		n := seedNode(t, s, "plan-1", "", schema.StatusRunning)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.UpdateNodeExecution(ctx, n.ID, NodeExecutionUpdate{AddTimeoutInstanceIDs: []string{uuid.New().String()}})
				assert.NoError(t, err)
			}()
		}
		got, err := s.UpdateNodeExecutionStatus(ctx, n.ID, schema.StatusAsyncWaiting,
			[]schema.Status{schema.StatusRunning}, NodeExecutionUpdate{})
		wg.Wait()

		require.NoError(t, err)
		require.NotNil(t, got, "a legal transition must survive concurrent metadata writes")

		final, err := s.GetNodeExecution(ctx, n.ID)
		require.NoError(t, err)
		assert.Len(t, final.TimeoutInstanceIDs, 8)
		assert.Equal(t, int64(10), final.Version)
	})
}

func TestObserver_ReceivesChanges(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var changes []NodeExecutionChange
		s.AddObserver(ChangeObserverFunc(func(_ context.Context, c NodeExecutionChange) {
			changes = append(changes, c)
		}))

		n := seedNode(t, s, "plan-1", "", schema.StatusRunning)
		_, err := s.UpdateNodeExecution(ctx, n.ID, NodeExecutionUpdate{AddTimeoutInstanceIDs: []string{"t-1"}})
		require.NoError(t, err)

		empty := []string{}
		_, err = s.UpdateNodeExecutionStatus(ctx, n.ID, schema.StatusSucceeded,
			[]schema.Status{schema.StatusRunning}, NodeExecutionUpdate{TimeoutInstanceIDs: &empty})
		require.NoError(t, err)

		// Declined transition produces no notification.
		_, err = s.UpdateNodeExecutionStatus(ctx, n.ID, schema.StatusFailed,
			[]schema.Status{schema.StatusRunning}, NodeExecutionUpdate{})
		require.NoError(t, err)

		require.Len(t, changes, 3)
		assert.True(t, changes[0].Inserted)
		assert.True(t, changes[0].StatusChanged())
		assert.False(t, changes[1].StatusChanged())
		assert.Equal(t, schema.StatusRunning, changes[2].PreviousStatus)
		assert.Equal(t, schema.StatusSucceeded, changes[2].Current.Status)
		assert.Equal(t, []string{"t-1"}, changes[2].RetiredTimeoutInstanceIDs)
	})
}

func TestTerminalNodeHoldsNoTimeouts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		n := seedNode(t, s, "plan-1", "", schema.StatusRunning)
		_, err := s.UpdateNodeExecutionStatus(ctx, n.ID, schema.StatusSucceeded, []schema.Status{schema.StatusRunning}, NodeExecutionUpdate{})
		require.NoError(t, err)
		got, err := s.UpdateNodeExecution(ctx, n.ID, NodeExecutionUpdate{AddTimeoutInstanceIDs: []string{"t-1"}})
		require.NoError(t, err)
		assert.Equal(t, schema.StatusSucceeded, got.Status)
		assert.Empty(t, got.TimeoutInstanceIDs)

		got, err = s.UpdateNodeExecution(ctx, n.ID, NodeExecutionUpdate{TimeoutInstanceIDs: &[]string{"t-2"}})
		require.NoError(t, err)
		assert.Empty(t, got.TimeoutInstanceIDs)

		running := seedNode(t, s, "plan-1", "", schema.StatusRunning)
		got, err = s.UpdateNodeExecutionStatus(ctx, running.ID, schema.StatusFailed, []schema.Status{schema.StatusRunning},
			NodeExecutionUpdate{AddTimeoutInstanceIDs: []string{"t-3"}})
		require.NoError(t, err)
		assert.Empty(t, got.TimeoutInstanceIDs)

		expired := &NodeExecution{
			ID:                 uuid.New().String(),
			PlanExecutionID:    "plan-1",
			NodeIdentifier:     "late",
			Status:             schema.StatusExpired,
			TimeoutInstanceIDs: []string{"t-4"},
		}
		require.NoError(t, s.SaveNodeExecution(ctx, expired))
		got, err = s.GetNodeExecution(ctx, expired.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.StatusExpired, got.Status)
		assert.Empty(t, got.TimeoutInstanceIDs)
	})
}

func TestRetireNodeExecution(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		n := seedNode(t, s, "plan-1", "", schema.StatusFailed)

		got, err := s.RetireNodeExecution(ctx, n.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.OldRetry)

		again, err := s.RetireNodeExecution(ctx, n.ID)
		require.NoError(t, err)
		assert.Nil(t, again)

		_, err = s.RetireNodeExecution(ctx, "ghost")
		assert.True(t, schema.IsNotFound(err))
	})
}

func TestRetireNodeExecution_SingleClaimant(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		n := seedNode(t, s, "plan-1", "", schema.StatusFailed)

		var claimed atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, err := s.RetireNodeExecution(context.Background(), n.ID)
				assert.NoError(t, err)
				if got != nil {
					claimed.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), claimed.Load())
	})
}

func TestObserver_TimeoutRecorded(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var recorded []bool
		s.AddObserver(ChangeObserverFunc(func(_ context.Context, c NodeExecutionChange) {
			recorded = append(recorded, c.TimeoutRecorded)
		}))

		n := seedNode(t, s, "plan-1", "", schema.StatusRunning)
		for _, id := range []string{"t-1", "t-1", "t-2"} {
			_, err := s.UpdateNodeExecution(ctx, n.ID, NodeExecutionUpdate{
				TimeoutDetails: &TimeoutDetails{TimeoutInstanceID: id},
			})
			require.NoError(t, err)
		}
		_, err := s.UpdateNodeExecution(ctx, n.ID, NodeExecutionUpdate{FailureMessage: ptr("late")})
		require.NoError(t, err)

		assert.Equal(t, []bool{false, true, false, true, false}, recorded)
	})
}

func TestObserver_PanicIsContained(t *testing.T) {
	s := NewMemoryStore()
	var calls int
	s.AddObserver(ChangeObserverFunc(func(context.Context, NodeExecutionChange) { panic("boom") }))
	s.AddObserver(ChangeObserverFunc(func(context.Context, NodeExecutionChange) { calls++ }))

	seedNode(t, s, "plan-1", "", schema.StatusQueued)
	assert.Equal(t, 1, calls)
}

func TestInterrupts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		in := &Interrupt{
			ID:              uuid.New().String(),
			Type:            schema.InterruptMarkExpired,
			PlanExecutionID: "plan-1",
			NodeExecutionID: "n-1",
			Source:          schema.InterruptSourceTimeout,
			Metadata:        map[string]string{"timeout_instance_id": "t-1"},
		}
		require.NoError(t, s.SaveInterrupt(ctx, in))
		assert.Equal(t, schema.InterruptStatusRegistered, in.Status)
		assert.True(t, schema.HasCode(s.SaveInterrupt(ctx, in), schema.ErrCodeConflict))

		require.NoError(t, s.UpdateInterruptStatus(ctx, in.ID, schema.InterruptStatusProcessedSuccessfully, "done"))

		got, err := s.GetInterrupt(ctx, in.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.InterruptStatusProcessedSuccessfully, got.Status)
		assert.Equal(t, "done", got.Message)
		assert.Equal(t, "t-1", got.Metadata["timeout_instance_id"])
		assert.Equal(t, "n-1", got.NodeExecutionID)

		list, err := s.ListInterrupts(ctx, "plan-1")
		require.NoError(t, err)
		assert.Len(t, list, 1)

		_, err = s.GetInterrupt(ctx, "missing")
		assert.True(t, schema.IsNotFound(err))
		assert.True(t, schema.IsNotFound(s.UpdateInterruptStatus(ctx, "missing", schema.InterruptStatusDiscarded, "")))
	})
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func ptr[T any](v T) *T { return &v }
