package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/flowjob-broker/internal/processor"
	"github.com/ChuLiYu/flowjob-broker/internal/schedule"
	"github.com/ChuLiYu/flowjob-broker/internal/scheduler"
	"github.com/ChuLiYu/flowjob-broker/internal/store"
	"github.com/ChuLiYu/flowjob-broker/pkg/types"
)

// snapshotter 支援快照的儲存後端（單機記憶體模式）
type snapshotter interface {
	SnapshotEnabled() bool
	SaveSnapshot(ctx context.Context) error
}

// controlTasks 常駐的控制任務，id 一律是本節點位址
func (b *Broker) controlTasks() []scheduler.Task {
	self := b.cfg.Node.URL()
	tasks := []scheduler.Task{
		scheduler.NewFixedDelayTask(b.sched, scheduler.TypeNodeHeartbeat, self, b.cfg.NodeHeartbeat, b.nodeHeartbeat),
		scheduler.NewFixedDelayTask(b.sched, scheduler.TypePlanLoad, self, b.cfg.PlanLoadInterval, b.loadPlans),
		scheduler.NewFixedDelayTask(b.sched, scheduler.TypeJobExecuteCheck, self, b.cfg.ExecuteCheckInterval, b.executeCheck),
		scheduler.NewFixedDelayTask(b.sched, scheduler.TypeJobScheduleCheck, self, b.cfg.ScheduleCheckInterval, b.scheduleCheck),
		scheduler.NewFixedDelayTask(b.sched, scheduler.TypeAgentOnlineCheck, self, b.cfg.AgentCheckInterval, b.agentOnlineCheck),
		scheduler.NewFixedDelayTask(b.sched, scheduler.TypeAgentOfflineCheck, self, b.cfg.AgentCheckInterval, b.agentOfflineCheck),
	}
	if s, ok := b.store.(snapshotter); ok && s.SnapshotEnabled() {
		tasks = append(tasks, scheduler.NewFixedDelayTask(b.sched, scheduler.TypeSnapshot, self, b.cfg.SnapshotInterval,
			func(ctx context.Context) {
				if err := b.snapshot(ctx); err != nil {
					b.log.Error("snapshot failed", "error", err)
				}
			}))
	}
	return tasks
}

// ============================================================================
// 叢集
// ============================================================================

func (b *Broker) nodeHeartbeat(ctx context.Context) {
	if err := b.monitor.Sync(ctx); err != nil {
		b.log.Warn("node heartbeat failed", "error", err)
	}
}

func (b *Broker) snapshot(ctx context.Context) error {
	s, ok := b.store.(snapshotter)
	if !ok || !s.SnapshotEnabled() {
		return nil
	}
	return s.SaveSnapshot(ctx)
}

// ============================================================================
// Plan
// ============================================================================

// loadPlans 把本節點負責、且有變動的 Plan 重新掛上觸發任務
//
// slot 重新分配後做一次完整載入，並卸載已不屬於本節點的 Plan；
// 其餘時候只載入上次之後更新過的 Plan（往前多看一秒）。
func (b *Broker) loadPlans(ctx context.Context) {
	start := b.now()
	gen := b.slots.Generation()
	ids, err := b.slots.PlanIDs(ctx)
	if err != nil {
		b.log.Warn("list owned plans failed", "error", err)
		return
	}

	b.mu.Lock()
	full := gen != b.loadedGen || b.lastLoad.IsZero()
	since := b.lastLoad.Add(-time.Second)
	var released []string
	if full {
		since = time.Time{}
		owned := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			owned[id] = struct{}{}
		}
		for id := range b.loaded {
			if _, ok := owned[id]; !ok {
				released = append(released, id)
			}
		}
	}
	b.mu.Unlock()

	for _, id := range released {
		b.unschedulePlan(id)
	}

	var plans []*types.Plan
	if len(ids) > 0 {
		plans, err = store.InTx(ctx, b.store, func(ctx context.Context, tx store.Tx) ([]*types.Plan, error) {
			return tx.Plans().UpdatedSince(ctx, ids, since)
		})
		if err != nil {
			b.log.Warn("load plans failed", "error", err)
			return
		}
	}
	for _, p := range plans {
		b.unschedulePlan(p.ID)
		if p.Enabled && p.TriggerType == types.TriggerSchedule {
			b.schedulePlan(p)
		}
	}

	b.mu.Lock()
	b.loadedGen = gen
	b.lastLoad = start
	b.mu.Unlock()

	if full {
		b.log.Info("plans loaded", "owned", len(ids), "released", len(released), "generation", gen)
	} else if len(plans) > 0 {
		b.log.Debug("plans reloaded", "updated", len(plans))
	}
}

// schedulePlan 為 Plan 掛上觸發任務，取代舊的
//
// FIXED_DELAY 只排一次，完成後由 EnqueuePlan 接續；
// FIXED_RATE 與 CRON 是循環任務。
func (b *Broker) schedulePlan(p *types.Plan) {
	b.sched.Unschedule(scheduler.MakeScheduleID(scheduler.TypePlanSchedule, p.ID))
	state := schedule.State{LastTriggerAt: p.LatelyTriggerAt, LastFeedbackAt: p.LatelyFeedbackAt}

	var task scheduler.Task
	if p.Schedule.Type == types.ScheduleFixedDelay {
		at, err := schedule.Next(p.Schedule, state, b.now())
		if err != nil {
			b.log.Error("compute next trigger failed", "planID", p.ID, "error", err)
			return
		}
		b.markLoaded(p.ID)
		if at.IsZero() {
			b.log.Debug("plan waiting for running instance", "planID", p.ID)
			return
		}
		task = scheduler.NewFuncTask(scheduler.TypePlanSchedule, p.ID, at, func(ctx context.Context) {
			b.triggerPlan(ctx, p, at)
		})
	} else {
		lt, err := scheduler.NewLoopTask(b.sched, scheduler.TypePlanSchedule, p.ID, p.Schedule, state,
			func(ctx context.Context, at time.Time) { b.triggerPlan(ctx, p, at) })
		if errors.Is(err, scheduler.ErrNoTrigger) {
			b.log.Info("plan has no more trigger", "planID", p.ID)
			return
		}
		if err != nil {
			b.log.Error("create plan task failed", "planID", p.ID, "error", err)
			return
		}
		b.markLoaded(p.ID)
		task = lt
	}
	b.sched.Schedule(task)
	b.log.Debug("plan scheduled", "planID", p.ID, "version", p.Version, "triggerAt", task.TriggerAt())
}

func (b *Broker) markLoaded(planID string) {
	b.mu.Lock()
	b.loaded[planID] = struct{}{}
	b.mu.Unlock()
}

func (b *Broker) unschedulePlan(planID string) {
	b.sched.Unschedule(scheduler.MakeScheduleID(scheduler.TypePlanSchedule, planID))
	b.mu.Lock()
	delete(b.loaded, planID)
	b.mu.Unlock()
}

// triggerPlan 觸發一次排程；重複或過期的觸發由 Processor 擋下
func (b *Broker) triggerPlan(ctx context.Context, p *types.Plan, at time.Time) {
	inst, err := b.proc.SchedulePlan(ctx, p, types.TriggerSchedule, nil, at)
	switch {
	case errors.Is(err, processor.ErrVerification):
		b.log.Debug("plan trigger dropped", "planID", p.ID, "triggerAt", at, "reason", err)
	case err != nil:
		b.log.Error("plan trigger failed", "planID", p.ID, "triggerAt", at, "error", err)
	case inst != nil:
		b.log.Info("plan triggered", "planID", p.ID, "instanceID", inst.ID, "triggerAt", at)
	}
}

// ============================================================================
// JobInstance
// ============================================================================

// dispatch 下發仍在 SCHEDULING 的 JobInstance；沒有可用 agent 或下發失敗視為執行失敗
func (b *Broker) dispatch(ctx context.Context, id string) {
	ji, err := store.InTx(ctx, b.store, func(ctx context.Context, tx store.Tx) (*types.JobInstance, error) {
		return tx.JobInstances().Get(ctx, id)
	})
	if err != nil {
		b.log.Warn("load job instance failed", "jobInstanceID", id, "error", err)
		return
	}
	if ji.Status != types.StatusScheduling {
		b.log.Debug("job instance already dispatched", "jobInstanceID", id, "status", ji.Status)
		return
	}
	a, err := b.dispatcher.Dispatch(ctx, ji)
	if err != nil {
		if ctx.Err() != nil {
			// 關閉中；留給下一輪 JOB_SCHEDULE_CHECK
			return
		}
		b.fail(ctx, ji, "dispatch failed: "+err.Error())
		return
	}
	b.log.Debug("job instance dispatched", "jobInstanceID", id, "agentID", a.ID)
}

func (b *Broker) fail(ctx context.Context, ji *types.JobInstance, reason string) {
	err := b.proc.Feedback(ctx, ji.ID, processor.Feedback{Result: types.ResultFailed, ErrorMsg: reason})
	if err != nil {
		b.log.Error("fail job instance failed", "jobInstanceID", ji.ID, "reason", reason, "error", err)
		return
	}
	b.log.Warn("job instance failed", "jobInstanceID", ji.ID, "instanceID", ji.InstanceID, "reason", reason)
}

// executeCheck EXECUTING 的 JobInstance 所在 agent 已離線或太久沒有回報時判定失敗
//
// 啟動後的第一個 agent 逾時週期內不看 agent 存活，等待 agent 重新心跳。
func (b *Broker) executeCheck(ctx context.Context) {
	jobs, err := b.ownedJobs(ctx, types.StatusExecuting)
	if err != nil {
		b.log.Warn("list executing jobs failed", "error", err)
		return
	}
	now := b.now()
	b.mu.Lock()
	warm := now.Sub(b.startedAt) >= b.cfg.AgentTimeout
	b.mu.Unlock()

	for _, ji := range jobs {
		last := ji.ReportAt
		if last.IsZero() {
			last = ji.StartAt
		}
		lost := warm && !b.agents.Alive(ji.AgentID)
		silent := !last.IsZero() && now.Sub(last) > b.cfg.ReportTimeout
		if lost || silent {
			b.log.Debug("executing job lost its agent", "jobInstanceID", ji.ID, "agentID", ji.AgentID,
				"alive", !lost, "lastReport", last)
			b.fail(ctx, ji, fmt.Sprintf("agent %s is offline", ji.AgentID))
		}
	}
}

// scheduleCheck 重新排入觸發時間已過一個週期仍未下發的 JobInstance
func (b *Broker) scheduleCheck(ctx context.Context) {
	b.requeue(ctx, b.now().Add(-b.cfg.ScheduleCheckInterval))
}

// recoverJobs 啟動時接手本節點負責的所有 SCHEDULING JobInstance
func (b *Broker) recoverJobs(ctx context.Context) {
	n := b.requeue(ctx, time.Time{})
	b.mu.Lock()
	first := !b.recovered
	b.recovered = true
	took := b.now().Sub(b.startedAt)
	b.mu.Unlock()
	if first {
		b.metrics.SetRecoveryTime(took.Seconds())
		b.log.Info("recovery finished", "requeued", n, "took", took)
	}
}

// requeue 排入 TriggerAt 早於 before 的 SCHEDULING JobInstance；before 為零值時全部排入
func (b *Broker) requeue(ctx context.Context, before time.Time) int {
	jobs, err := b.ownedJobs(ctx, types.StatusScheduling)
	if err != nil {
		b.log.Warn("list scheduling jobs failed", "error", err)
		return 0
	}
	n := 0
	for _, ji := range jobs {
		if !before.IsZero() && !ji.TriggerAt.Before(before) {
			continue
		}
		b.EnqueueJobInstance(ji)
		n++
	}
	if n > 0 {
		b.log.Info("job instances requeued", "count", n)
	}
	return n
}

func (b *Broker) ownedJobs(ctx context.Context, status types.Status) ([]*types.JobInstance, error) {
	ids, err := b.slots.WorkerIDs(ctx)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	return store.InTx(ctx, b.store, func(ctx context.Context, tx store.Tx) ([]*types.JobInstance, error) {
		return tx.JobInstances().ListByStatus(ctx, ids, status)
	})
}

// ============================================================================
// Agent
// ============================================================================

func (b *Broker) agentOnlineCheck(ctx context.Context) {
	if err := b.agents.OnlineCheck(ctx); err != nil {
		b.log.Warn("agent online check failed", "error", err)
	}
}

func (b *Broker) agentOfflineCheck(ctx context.Context) {
	if err := b.agents.OfflineCheck(ctx, b.slots.Owns); err != nil {
		b.log.Warn("agent offline check failed", "error", err)
		return
	}
	ids, err := b.slots.AgentIDs(ctx)
	if err != nil {
		b.log.Warn("list owned agents failed", "error", err)
		return
	}
	if _, err := b.agents.FuseStale(ctx, ids); err != nil {
		b.log.Warn("fuse stale agents failed", "error", err)
	}
}
