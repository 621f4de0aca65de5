package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/flowjob-broker/internal/idgen"
	"github.com/ChuLiYu/flowjob-broker/internal/slot"
	"github.com/ChuLiYu/flowjob-broker/internal/store"
	"github.com/ChuLiYu/flowjob-broker/pkg/types"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, nil), mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

// ============================================================================
// 交易
// ============================================================================

func TestTransactionalCommit(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE flowjob_plans SET enabled")).
		WithArgs(false, sqlmock.AnyArg(), "1", true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Transactional(ctx, func(ctx context.Context, tx store.Tx) error {
		n, err := tx.Plans().SetEnabled(ctx, "1", false, time.Now())
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionalRollback(t *testing.T) {
	s, mock := newMockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := s.Transactional(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionalRollbackOnPanic(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.Panics(t, func() {
		_ = s.Transactional(context.Background(), func(ctx context.Context, tx store.Tx) error {
			panic("boom")
		})
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(q("SELECT pg_advisory_xact_lock($1)")).
		WithArgs(migrationLockID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectCommit()

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================================
// Plan
// ============================================================================

func TestPlanLockAndGet(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	body, err := json.Marshal(&types.Plan{
		ID:       "1",
		Name:     "nightly-etl",
		Schedule: types.ScheduleOption{Type: types.ScheduleFixedDelay, Interval: time.Hour},
		Jobs:     []types.WorkflowJobInfo{{ID: "J", ExecutorName: "etl"}},
	})
	require.NoError(t, err)
	updated := time.Unix(100, 0)
	feedback := time.Unix(90, 0)

	mock.ExpectBegin()
	mock.ExpectQuery(q("FROM flowjob_plans WHERE id = $1 FOR UPDATE")).
		WithArgs("1").
		WillReturnRows(sqlmock.NewRows([]string{"body", "version", "enabled", "lately_trigger_at", "lately_feedback_at", "updated_at"}).
			AddRow(body, "7", true, nil, feedback, updated))
	mock.ExpectQuery(q("FROM flowjob_plans WHERE id = $1")).
		WithArgs("2").
		WillReturnRows(sqlmock.NewRows([]string{"body"}))
	mock.ExpectRollback()

	_ = s.Transactional(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.Plans().LockAndGet(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, "7", p.Version, "columns override the body")
		assert.True(t, p.Enabled)
		assert.True(t, p.LatelyTriggerAt.IsZero())
		assert.True(t, p.LatelyFeedbackAt.Equal(feedback))
		assert.Equal(t, time.Hour, p.Schedule.Interval)

		_, err = tx.Plans().Get(ctx, "2")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return errors.New("done")
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanCreateDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(q("INSERT INTO flowjob_plans")).
		WillReturnError(&pq.Error{Code: uniqueViolation})
	mock.ExpectRollback()

	err := s.Transactional(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.Plans().Create(ctx, &types.Plan{ID: "1", Version: "1"})
	})
	assert.ErrorIs(t, err, store.ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanSwapVersion(t *testing.T) {
	s, mock := newMockStore(t)
	next := &types.Plan{ID: "1", Version: "2", Name: "renamed", TriggerType: types.TriggerSchedule}

	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE flowjob_plans SET version = $1")).
		WithArgs("2", "renamed", "SCHEDULE", false, sqlmock.AnyArg(), sqlmock.AnyArg(), "1", "1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("INSERT INTO flowjob_plan_versions")).
		WithArgs("1", "2", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// 版本已被他人更新
	mock.ExpectExec(q("UPDATE flowjob_plans SET version = $1")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := s.Transactional(context.Background(), func(ctx context.Context, tx store.Tx) error {
		n, err := tx.Plans().SwapVersion(ctx, "1", next)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = tx.Plans().SwapVersion(ctx, "1", next)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================================
// Instance / JobInstance
// ============================================================================

func TestInstanceConditionalUpdates(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE flowjob_instances SET status = $1, start_at = $2 WHERE id = $3 AND status = $4")).
		WithArgs("EXECUTING", now, "10", "SCHEDULING").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("UPDATE flowjob_instances SET status = $1, feedback_at = $2")).
		WithArgs("SUCCEED", now, "", "10", "SCHEDULING", "EXECUTING").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := s.Transactional(context.Background(), func(ctx context.Context, tx store.Tx) error {
		n, err := tx.Instances().Executing(ctx, "10", now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = tx.Instances().Complete(ctx, "10", types.StatusSucceed, now, "")
		require.NoError(t, err)
		assert.Equal(t, int64(0), n, "someone else completed it first")
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindLatelyTriggerNone(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("FROM flowjob_instances")).
		WithArgs("PLAN", "p", "v1", "CRON", "SCHEDULE").
		WillReturnRows(sqlmock.NewRows([]string{"body", "status", "start_at", "feedback_at", "error_msg"}))
	mock.ExpectCommit()

	err := s.Transactional(context.Background(), func(ctx context.Context, tx store.Tx) error {
		inst, err := tx.Instances().FindLatelyTrigger(ctx, "p", "v1", types.ScheduleCron, types.TriggerSchedule)
		require.NoError(t, err)
		assert.Nil(t, inst)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobInstanceFindLatest(t *testing.T) {
	s, mock := newMockStore(t)

	body, err := json.Marshal(&types.JobInstance{ID: "21", InstanceID: "10", JobID: "A", RetryTimes: 1, ExecutorName: "echo"})
	require.NoError(t, err)
	start := time.Unix(50, 0)

	mock.ExpectBegin()
	mock.ExpectQuery(q("ORDER BY seq DESC LIMIT 1")).
		WithArgs("10", "A").
		WillReturnRows(sqlmock.NewRows([]string{"body", "status", "agent_id", "start_at", "report_at", "end_at", "context", "error_msg", "error_stack"}).
			AddRow(body, "SUCCEED", "agent-1", start, start, start, []byte(`{"rows":3}`), "", ""))
	mock.ExpectCommit()

	err = s.Transactional(context.Background(), func(ctx context.Context, tx store.Tx) error {
		j, err := tx.JobInstances().FindLatest(ctx, "10", "A")
		require.NoError(t, err)
		require.NotNil(t, j)
		assert.Equal(t, "21", j.ID)
		assert.Equal(t, types.StatusSucceed, j.Status)
		assert.Equal(t, "agent-1", j.AgentID)
		assert.Equal(t, 1, j.RetryTimes)
		assert.Equal(t, float64(3), j.Context["rows"])
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobInstanceFailFromTerminal(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE flowjob_job_instances SET status = $1, start_at = $2")).
		WithArgs("FAILED", sqlmock.AnyArg(), sqlmock.AnyArg(), "agent offline", "", "20", "EXECUTING").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Transactional(context.Background(), func(ctx context.Context, tx store.Tx) error {
		n, err := tx.JobInstances().Fail(ctx, "20", types.StatusSucceed, time.Now(), time.Now(), "x", "")
		require.NoError(t, err)
		assert.Equal(t, int64(0), n, "terminal rows are never touched")

		n, err = tx.JobInstances().Fail(ctx, "20", types.StatusExecuting, time.Now(), time.Now(), "agent offline", "")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================================
// 非交易資源
// ============================================================================

func TestSegmentCompareAndSwap(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(q("INSERT INTO flowjob_id_segments")).
		WithArgs("INSTANCE").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT current_id FROM flowjob_id_segments")).
		WithArgs("INSTANCE").
		WillReturnRows(sqlmock.NewRows([]string{"current_id"}).AddRow(3000))
	mock.ExpectExec(q("UPDATE flowjob_id_segments SET current_id = $1 WHERE type = $2 AND current_id = $3")).
		WithArgs(4000, "INSTANCE", 3000).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("UPDATE flowjob_id_segments")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	cur, err := s.Current(ctx, idgen.TypeInstance)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), cur)

	ok, err := s.CompareAndSwap(ctx, idgen.TypeInstance, 3000, 4000)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompareAndSwap(ctx, idgen.TypeInstance, 3000, 4000)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIDsInSlots(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(q("FROM flowjob_instances WHERE slot = ANY($1) AND status IN ($2, $3)")).
		WithArgs(sqlmock.AnyArg(), "SCHEDULING", "EXECUTING").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("10").AddRow("11"))

	ids, err := s.IDsInSlots(ctx, slot.KindWorker, []int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"10", "11"}, ids)

	ids, err = s.IDsInSlots(ctx, slot.KindPlan, nil)
	require.NoError(t, err)
	assert.Empty(t, ids, "no slots means no query")

	_, err = s.IDsInSlots(ctx, "bogus", []int{1})
	assert.ErrorIs(t, err, types.ErrIllegalArgument)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAgents(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectExec(q("INSERT INTO flowjob_agents")).
		WithArgs("a1", sqlmock.AnyArg(), "10.0.0.1", 9000, "RUNNING", 8, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("UPDATE flowjob_agents SET status = $1")).
		WithArgs("FUSING", "a1", "RUNNING", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q("FROM flowjob_agents WHERE id = $1")).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "host", "port", "status", "enabled", "available_queue_limit", "last_heartbeat_at"}).
			AddRow("a1", "10.0.0.1", 9000, "FUSING", true, 8, now))
	mock.ExpectQuery(q("FROM flowjob_agents WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	agents := s.Agents()
	require.NoError(t, agents.Heartbeat(ctx, &types.Agent{ID: "a1", Host: "10.0.0.1", Port: 9000, AvailableQueueLimit: 8, LastHeartbeatAt: now}))

	n, err := agents.Fuse(ctx, "a1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	a, err := agents.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentFusing, a.Status)
	assert.Equal(t, "10.0.0.1:9000", a.Address())

	_, err = agents.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
