package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/flowjob-broker/internal/cluster"
	"github.com/ChuLiYu/flowjob-broker/internal/idgen"
	"github.com/ChuLiYu/flowjob-broker/internal/plan"
	"github.com/ChuLiYu/flowjob-broker/internal/processor"
	"github.com/ChuLiYu/flowjob-broker/internal/scheduler"
	"github.com/ChuLiYu/flowjob-broker/internal/slot"
	"github.com/ChuLiYu/flowjob-broker/internal/store/memory"
	"github.com/ChuLiYu/flowjob-broker/pkg/types"
)

var ctx = context.Background()

// ============================================================================
// 測試輔助
// ============================================================================

// stubClient 把下發的 JobInstance 放進 channel
type stubClient struct {
	mu   sync.Mutex
	jobs chan *types.JobInstance
	err  error
}

func newStubClient() *stubClient {
	return &stubClient{jobs: make(chan *types.JobInstance, 64)}
}

func (c *stubClient) Dispatch(_ context.Context, _ *types.Agent, ji *types.JobInstance) error {
	c.mu.Lock()
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.jobs <- ji.Clone()
	return nil
}

func (c *stubClient) next(t *testing.T) *types.JobInstance {
	t.Helper()
	select {
	case ji := <-c.jobs:
		return ji
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
		return nil
	}
}

func (c *stubClient) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case ji := <-c.jobs:
		t.Fatalf("unexpected dispatch of job %s (instance %s)", ji.JobID, ji.InstanceID)
	case <-time.After(d):
	}
}

func testConfig(port int) Config {
	return Config{
		Node:                  cluster.Node{Name: "broker", Host: "127.0.0.1", Port: port},
		Tick:                  5 * time.Millisecond,
		WheelSize:             64,
		Workers:               4,
		QueueSize:             64,
		NodeHeartbeat:         20 * time.Millisecond,
		PlanLoadInterval:      20 * time.Millisecond,
		ExecuteCheckInterval:  20 * time.Millisecond,
		ScheduleCheckInterval: 500 * time.Millisecond,
		AgentCheckInterval:    20 * time.Millisecond,
		NodeTimeout:           time.Second,
		AgentTimeout:          time.Second,
		DispatchTimeout:       time.Second,
		ReportTimeout:         time.Second,
		IDGen:                 idgen.Config{Step: 10, MaxRetries: 5, Backoff: time.Millisecond},
	}
}

type harness struct {
	b      *Broker
	st     *memory.Store
	client *stubClient
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	cfg := testConfig(7200)
	for _, opt := range opts {
		opt(&cfg)
	}
	h := &harness{st: memory.New(nil), client: newStubClient()}
	h.b = New(cfg, h.st, cluster.NewMemoryRegistry(), h.client, nil, nil)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.b.Start(ctx))
	t.Cleanup(func() { _ = h.b.Stop(ctx) })
}

// online 註冊一個 agent 並立即納入存活集合
func (h *harness) online(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.b.Agents().Heartbeat(ctx, &types.Agent{
		ID: id, Host: "127.0.0.1", Port: 9000, Enabled: true, AvailableQueueLimit: 8,
	}))
	require.NoError(t, h.b.Agents().OnlineCheck(ctx))
	require.True(t, h.b.Agents().Alive(id))
}

func (h *harness) create(t *testing.T, p *types.Plan) *types.Plan {
	t.Helper()
	created, err := h.b.Plans().Create(ctx, p)
	require.NoError(t, err)
	return created
}

func (h *harness) execute(t *testing.T, agentID string, ji *types.JobInstance) {
	t.Helper()
	ok, err := h.b.Processor().JobExecuting(ctx, agentID, ji.ID)
	require.NoError(t, err)
	require.True(t, ok)
}

func (h *harness) succeed(t *testing.T, ji *types.JobInstance, out types.Attributes) {
	t.Helper()
	require.NoError(t, h.b.Processor().Feedback(ctx, ji.ID, processor.Feedback{Result: types.ResultSucceed, Context: out}))
}

func (h *harness) instanceStatus(t *testing.T, id string) func() types.Status {
	return func() types.Status {
		inst, err := h.b.Plans().Instance(ctx, id)
		if err != nil {
			t.Errorf("get instance %s: %v", id, err)
			return ""
		}
		return inst.Status
	}
}

func (h *harness) jobInstance(t *testing.T, instanceID, jobID string) *types.JobInstance {
	t.Helper()
	jobs, err := h.b.Plans().JobInstances(ctx, instanceID)
	require.NoError(t, err)
	var latest *types.JobInstance
	for _, ji := range jobs {
		if ji.JobID == jobID && (latest == nil || ji.RetryTimes > latest.RetryTimes) {
			latest = ji
		}
	}
	require.NotNil(t, latest, "job %s not scheduled", jobID)
	return latest
}

func apiPlan(jobs ...types.WorkflowJobInfo) *types.Plan {
	return &types.Plan{Name: "api", TriggerType: types.TriggerAPI, Jobs: jobs, Enabled: true}
}

func schedulePlan(opt types.ScheduleOption, jobs ...types.WorkflowJobInfo) *types.Plan {
	return &types.Plan{Name: "scheduled", TriggerType: types.TriggerSchedule, Schedule: opt, Jobs: jobs, Enabled: true}
}

func job(id string, children ...string) types.WorkflowJobInfo {
	return types.WorkflowJobInfo{ID: id, ExecutorName: "echo", Children: children}
}

func planTask(id string) string {
	return scheduler.MakeScheduleID(scheduler.TypePlanSchedule, id)
}

// ============================================================================
// 生命週期
// ============================================================================

func TestStartOwnsAllSlotsAlone(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	assert.Len(t, h.b.Slots().OwnedSlots(), slot.SlotCount)
	assert.ErrorIs(t, h.b.Start(ctx), ErrAlreadyStarted)

	require.NoError(t, h.b.Stop(ctx))
	require.NoError(t, h.b.Stop(ctx), "stop is idempotent")
	assert.Zero(t, h.b.sched.Count())
}

func TestStopBeforeStart(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.b.Stop(ctx), ErrNotStarted)
}

func TestBrokersSplitSlots(t *testing.T) {
	st := memory.New(nil)
	registry := cluster.NewMemoryRegistry()
	b1 := New(testConfig(7201), st, registry, newStubClient(), nil, nil)
	b2 := New(testConfig(7202), st, registry, newStubClient(), nil, nil)

	require.NoError(t, b1.Start(ctx))
	defer b1.Stop(ctx)
	require.NoError(t, b2.Start(ctx))

	half := func(b *Broker) func() bool {
		return func() bool { return len(b.Slots().OwnedSlots()) == slot.SlotCount/2 }
	}
	require.Eventually(t, half(b1), 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, half(b2), 2*time.Second, 10*time.Millisecond)

	for _, id := range []string{"p1", "p2", "p3", "p4", "p5"} {
		assert.NotEqual(t, b1.Slots().Owns(id), b2.Slots().Owns(id), "plan %s must have exactly one owner", id)
	}

	// b2 離開後 b1 接手全部
	require.NoError(t, b2.Stop(ctx))
	require.Eventually(t, func() bool {
		return len(b1.Slots().OwnedSlots()) == slot.SlotCount
	}, 2*time.Second, 10*time.Millisecond)
}

// ============================================================================
// 下發與回報
// ============================================================================

func TestTriggeredPlanRunsToCompletion(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.online(t, "a1")

	p := h.create(t, apiPlan(job("A", "B"), job("B")))
	inst, err := h.b.Plans().Trigger(ctx, p.ID, types.Attributes{"date": "2024-01-01"})
	require.NoError(t, err)

	a := h.client.next(t)
	assert.Equal(t, "A", a.JobID)
	assert.Equal(t, inst.ID, a.InstanceID)
	assert.Equal(t, "127.0.0.1:7200", a.BrokerURL)
	h.execute(t, "a1", a)
	h.succeed(t, a, types.Attributes{"rows": 42})

	b := h.client.next(t)
	assert.Equal(t, "B", b.JobID)
	h.execute(t, "a1", b)
	h.succeed(t, b, nil)

	assert.Eventually(t, func() bool {
		return h.instanceStatus(t, inst.ID)() == types.StatusSucceed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatchWithoutAgentFailsJob(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	p := h.create(t, apiPlan(job("A")))
	inst, err := h.b.Plans().Trigger(ctx, p.ID, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.instanceStatus(t, inst.ID)() == types.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	ji := h.jobInstance(t, inst.ID, "A")
	assert.Equal(t, types.StatusFailed, ji.Status)
	assert.Contains(t, ji.ErrorMsg, "dispatch failed")
}

func TestDispatchRetriesAfterFailure(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.online(t, "a1")

	retried := job("A")
	retried.Retry = types.RetryOption{Retry: 1, RetryInterval: 10 * time.Millisecond}
	p := h.create(t, apiPlan(retried))
	inst, err := h.b.Plans().Trigger(ctx, p.ID, nil)
	require.NoError(t, err)

	first := h.client.next(t)
	h.execute(t, "a1", first)
	require.NoError(t, h.b.Processor().Feedback(ctx, first.ID, processor.Feedback{Result: types.ResultFailed, ErrorMsg: "boom"}))

	second := h.client.next(t)
	assert.Equal(t, "A", second.JobID)
	assert.Equal(t, 1, second.RetryTimes)
	assert.NotEqual(t, first.ID, second.ID)
	h.execute(t, "a1", second)
	h.succeed(t, second, nil)

	assert.Eventually(t, func() bool {
		return h.instanceStatus(t, inst.ID)() == types.StatusSucceed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartRequeuesSchedulingJobs(t *testing.T) {
	h := newHarness(t)

	// 另一個（已停止的）broker 留下的 SCHEDULING JobInstance
	ids := idgen.New(h.st, testConfig(0).IDGen, nil)
	proc := processor.New(h.st, ids, nil, nil, nil)
	plans := plan.NewService(h.st, ids, proc, nil)
	p, err := plans.Create(ctx, apiPlan(job("A")))
	require.NoError(t, err)
	inst, err := plans.Trigger(ctx, p.ID, nil)
	require.NoError(t, err)

	require.NoError(t, h.st.Agents().Heartbeat(ctx, &types.Agent{
		ID: "a1", Host: "127.0.0.1", Port: 9000, Enabled: true, AvailableQueueLimit: 8, LastHeartbeatAt: time.Now(),
	}))
	h.start(t)

	ji := h.client.next(t)
	assert.Equal(t, inst.ID, ji.InstanceID)
	assert.Equal(t, "A", ji.JobID)
}

// ============================================================================
// 執行檢查
// ============================================================================

func TestExecuteCheckFailsJobOnOfflineAgent(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ExecuteCheckInterval = time.Hour })
	h.start(t)
	h.online(t, "a1")

	p := h.create(t, apiPlan(job("A")))
	inst, err := h.b.Plans().Trigger(ctx, p.ID, nil)
	require.NoError(t, err)
	ji := h.client.next(t)
	h.execute(t, "ghost", ji)

	// 啟動寬限期內不看 agent 存活
	h.b.executeCheck(ctx)
	assert.Equal(t, types.StatusExecuting, h.jobInstance(t, inst.ID, "A").Status)

	h.b.mu.Lock()
	h.b.startedAt = h.b.startedAt.Add(-time.Hour)
	h.b.mu.Unlock()
	h.b.executeCheck(ctx)

	got := h.jobInstance(t, inst.ID, "A")
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, "agent ghost is offline", got.ErrorMsg)
	assert.Eventually(t, func() bool {
		return h.instanceStatus(t, inst.ID)() == types.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecuteCheckFailsSilentJob(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ReportTimeout = 30 * time.Millisecond })
	h.start(t)
	h.online(t, "a1")

	p := h.create(t, apiPlan(job("A")))
	inst, err := h.b.Plans().Trigger(ctx, p.ID, nil)
	require.NoError(t, err)
	ji := h.client.next(t)
	h.execute(t, "a1", ji)

	require.Eventually(t, func() bool {
		return h.jobInstance(t, inst.ID, "A").Status == types.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "agent a1 is offline", h.jobInstance(t, inst.ID, "A").ErrorMsg)
}

func TestAgentOfflineCheckFusesOwnedStaleAgents(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AgentCheckInterval = time.Hour })
	h.start(t)

	// 停止心跳後才啟動的 broker 從未看過這個 agent
	require.NoError(t, h.st.Agents().Heartbeat(ctx, &types.Agent{
		ID: "ghost", Host: "127.0.0.1", Port: 9001, Enabled: true, LastHeartbeatAt: time.Now().Add(-time.Hour),
	}))
	h.b.agentOfflineCheck(ctx)

	a, err := h.st.Agents().Get(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, types.AgentFusing, a.Status)
}

// ============================================================================
// Plan 載入
// ============================================================================

func TestFixedRatePlanIsLoadedAndUnloaded(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.online(t, "a1")

	p := h.create(t, schedulePlan(types.ScheduleOption{
		Type: types.ScheduleFixedRate, StartAt: time.Now(), Interval: 50 * time.Millisecond,
	}, job("A")))

	first := h.client.next(t)
	second := h.client.next(t)
	assert.Equal(t, p.ID, first.PlanID)
	assert.NotEqual(t, first.InstanceID, second.InstanceID)
	assert.True(t, h.b.sched.IsScheduling(planTask(p.ID)))

	changed, err := h.b.Plans().Disable(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Eventually(t, func() bool {
		return !h.b.sched.IsScheduling(planTask(p.ID))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFixedDelayPlanWaitsForCompletion(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.online(t, "a1")

	h.create(t, schedulePlan(types.ScheduleOption{
		Type: types.ScheduleFixedDelay, StartAt: time.Now(), Interval: 30 * time.Millisecond,
	}, job("A")))

	first := h.client.next(t)
	h.execute(t, "a1", first)

	// 上一輪仍在執行，不會觸發下一輪
	h.client.none(t, 200*time.Millisecond)

	h.succeed(t, first, nil)
	second := h.client.next(t)
	assert.NotEqual(t, first.InstanceID, second.InstanceID)
}

func TestEnqueuePlanChecksCurrentDefinition(t *testing.T) {
	h := newHarness(t)

	p := h.create(t, schedulePlan(types.ScheduleOption{
		Type: types.ScheduleFixedDelay, StartAt: time.Now(), Interval: time.Hour,
	}, job("A")))
	done := time.Now()
	wait := processor.WaitSchedulePlan{PlanID: p.ID, Version: p.Version, TriggerAt: done.Add(-time.Minute), FeedbackAt: done}

	stale := wait
	stale.Version = "stale"
	h.b.EnqueuePlan(stale)
	assert.False(t, h.b.sched.IsScheduling(planTask(p.ID)), "a changed plan is not rescheduled")

	_, err := h.b.Plans().Disable(ctx, p.ID)
	require.NoError(t, err)
	h.b.EnqueuePlan(wait)
	assert.False(t, h.b.sched.IsScheduling(planTask(p.ID)), "a disabled plan is not rescheduled")

	_, err = h.b.Plans().Enable(ctx, p.ID)
	require.NoError(t, err)
	h.b.EnqueuePlan(wait)
	assert.True(t, h.b.sched.IsScheduling(planTask(p.ID)))
}
