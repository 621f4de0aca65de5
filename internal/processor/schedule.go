package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/flowjob-broker/internal/dag"
	"github.com/ChuLiYu/flowjob-broker/internal/idgen"
	"github.com/ChuLiYu/flowjob-broker/internal/store"
	"github.com/ChuLiYu/flowjob-broker/pkg/types"
)

// ============================================================================
// Plan 觸發
// ============================================================================

// SchedulePlan 為 Plan 建立一個 Instance 並排程其 DAG 起點
//
// 流程：
//  1. 鎖定並重新讀取 Plan；版本已變更時靜默跳過（返回 nil, nil）
//  2. 非 API 觸發：Plan 必須啟用，且同一觸發時間不可重複
//  3. 建立 Instance 與 SCHEDULE 類型起點節點的 JobInstance（同一交易）
//  4. 提交後把新的 JobInstance 交給 Enqueuer
//
// 返回值：
//   - *types.Instance: 新建的 Instance；過期觸發時為 nil
//   - error: ErrPlanNotFound、ErrPlanDisabled、ErrDuplicateTrigger 等
func (p *Processor) SchedulePlan(ctx context.Context, plan *types.Plan, triggerType types.TriggerType,
	attrs types.Attributes, triggerAt time.Time) (*types.Instance, error) {
	if _, err := types.ParseTriggerType(string(triggerType)); err != nil {
		return nil, err
	}

	var (
		inst *types.Instance
		sc   = &ScheduleContext{}
	)
	err := p.tx.Transactional(ctx, func(ctx context.Context, tx store.Tx) error {
		cur, err := tx.Plans().LockAndGet(ctx, plan.ID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrPlanNotFound, plan.ID)
		}
		if err != nil {
			return err
		}
		if cur.Version != plan.Version {
			p.log.Info("plan version changed, skip stale trigger",
				"planID", plan.ID, "version", plan.Version, "current", cur.Version, "triggerAt", triggerAt)
			return nil
		}

		if triggerType != types.TriggerAPI {
			if !cur.Enabled {
				return fmt.Errorf("%w: %s", ErrPlanDisabled, cur.ID)
			}
			latest, err := tx.Instances().FindLatelyTrigger(ctx, cur.ID, cur.Version, cur.Schedule.Type, triggerType)
			if err != nil {
				return err
			}
			if duplicateTrigger(cur.Schedule.Type, latest, triggerAt) {
				return fmt.Errorf("%w: plan %s at %s (latest instance %s)",
					ErrDuplicateTrigger, cur.ID, triggerAt.Format(time.RFC3339Nano), latest.ID)
			}
		}

		graph, err := dag.New(cur.Jobs)
		if err != nil {
			return fmt.Errorf("plan %s: %w", cur.ID, err)
		}
		id, err := p.ids.GenerateID(ctx, idgen.TypeInstance)
		if err != nil {
			return err
		}
		created := &types.Instance{
			ID:           id,
			Kind:         types.KindPlan,
			PlanID:       cur.ID,
			PlanVersion:  cur.Version,
			ScheduleType: cur.Schedule.Type,
			TriggerType:  triggerType,
			Status:       types.StatusScheduling,
			TriggerAt:    triggerAt,
			Attributes:   attrs.Clone(),
			Jobs:         types.CloneJobs(cur.Jobs),
		}
		if err := tx.Instances().Create(ctx, created); err != nil {
			return err
		}
		if sc.JobInstances, err = p.scheduleOrigins(ctx, tx, created, graph); err != nil {
			return err
		}
		if triggerType == types.TriggerSchedule {
			if _, err := tx.Plans().UpdateLatelyTrigger(ctx, cur.ID, cur.Version, triggerAt); err != nil {
				return err
			}
		}
		inst = created
		return nil
	})
	if err != nil || inst == nil {
		return nil, err
	}

	p.log.Info("plan scheduled", "planID", inst.PlanID, "instanceID", inst.ID,
		"triggerType", triggerType, "triggerAt", triggerAt, "jobs", len(sc.JobInstances))
	p.metrics.RecordInstanceScheduled(string(types.KindPlan))
	p.metrics.RecordJobScheduled(len(sc.JobInstances))
	p.asyncSchedule(sc)
	return inst, nil
}

// duplicateTrigger 同一 Plan 版本的觸發是否重複
//
// CRON / FIXED_RATE 只拒絕完全相同的觸發時間；
// FIXED_DELAY 除非上一個 Instance 已經結束，否則一律拒絕。
func duplicateTrigger(st types.ScheduleType, latest *types.Instance, triggerAt time.Time) bool {
	if latest == nil {
		return false
	}
	if st == types.ScheduleFixedDelay {
		return triggerAt.Equal(latest.TriggerAt) || !latest.Status.Terminal()
	}
	return latest.TriggerAt.Equal(triggerAt)
}

// scheduleOrigins 建立 DAG 起點中 SCHEDULE 類型節點的 JobInstance
func (p *Processor) scheduleOrigins(ctx context.Context, tx store.Tx, inst *types.Instance,
	graph *dag.DAG[types.WorkflowJobInfo]) ([]*types.JobInstance, error) {
	var jobs []*types.JobInstance
	for _, job := range graph.Origins() {
		if job.EffectiveTriggerType() != types.TriggerSchedule {
			continue
		}
		ji, err := p.newJobInstance(ctx, inst, job, types.Merge(job.Attributes, inst.Attributes), inst.TriggerAt)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, ji)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	if err := tx.JobInstances().SaveAll(ctx, jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// ============================================================================
// 業務觸發（DELAY）
// ============================================================================

// DelayRequest 以 (Topic, Key) 識別的一次業務 DAG 執行
type DelayRequest struct {
	Topic      string
	Key        string
	TriggerAt  time.Time // 零值表示立即
	Attributes types.Attributes
	Jobs       []types.WorkflowJobInfo
}

// ScheduleDelay 建立業務 Instance；同一 (Topic, Key) 只能建立一次
func (p *Processor) ScheduleDelay(ctx context.Context, req DelayRequest) (*types.Instance, error) {
	if req.Topic == "" || req.Key == "" {
		return nil, fmt.Errorf("%w: topic and key are required", types.ErrIllegalArgument)
	}
	graph, err := dag.New(req.Jobs)
	if err != nil {
		return nil, err
	}
	triggerAt := req.TriggerAt
	if triggerAt.IsZero() {
		triggerAt = p.now()
	}

	sc := &ScheduleContext{}
	inst, err := store.InTx(ctx, p.tx, func(ctx context.Context, tx store.Tx) (*types.Instance, error) {
		existing, err := tx.Instances().FindByTopicKey(ctx, req.Topic, req.Key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, fmt.Errorf("%w: %s/%s (instance %s)", ErrDuplicateTrigger, req.Topic, req.Key, existing.ID)
		}
		id, err := p.ids.GenerateID(ctx, idgen.TypeInstance)
		if err != nil {
			return nil, err
		}
		created := &types.Instance{
			ID:          id,
			Kind:        types.KindDelay,
			Topic:       req.Topic,
			Key:         req.Key,
			TriggerType: types.TriggerSchedule,
			Status:      types.StatusScheduling,
			TriggerAt:   triggerAt,
			Attributes:  req.Attributes.Clone(),
			Jobs:        types.CloneJobs(req.Jobs),
		}
		if err := tx.Instances().Create(ctx, created); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateTrigger, req.Topic, req.Key)
			}
			return nil, err
		}
		if sc.JobInstances, err = p.scheduleOrigins(ctx, tx, created, graph); err != nil {
			return nil, err
		}
		return created, nil
	})
	if err != nil {
		return nil, err
	}

	p.log.Info("delay instance scheduled", "instanceID", inst.ID, "topic", inst.Topic, "key", inst.Key)
	p.metrics.RecordInstanceScheduled(string(types.KindDelay))
	p.metrics.RecordJobScheduled(len(sc.JobInstances))
	p.asyncSchedule(sc)
	return inst, nil
}

// ============================================================================
// 單一節點觸發
// ============================================================================

// ScheduleJob 觸發 DAG 中 API 類型的節點
//
// 節點必須是 API 觸發、所有前驅已就緒，且尚未建立過 JobInstance。
func (p *Processor) ScheduleJob(ctx context.Context, instanceID, jobID string) (*types.JobInstance, error) {
	ji, err := store.InTx(ctx, p.tx, func(ctx context.Context, tx store.Tx) (*types.JobInstance, error) {
		inst, graph, job, err := p.lockJob(ctx, tx, instanceID, jobID)
		if err != nil {
			return nil, err
		}
		if job.EffectiveTriggerType() != types.TriggerAPI {
			return nil, fmt.Errorf("%w: job %s is not API triggered", ErrJobNotSchedulable, jobID)
		}
		latest, err := tx.JobInstances().FindLatest(ctx, inst.ID, jobID)
		if err != nil {
			return nil, err
		}
		if latest != nil {
			return nil, fmt.Errorf("%w: job %s already scheduled as %s", ErrJobNotSchedulable, jobID, latest.ID)
		}
		ready, jobCtxs, err := checkJobsSuccess(ctx, tx, inst.ID, graph.PreNodes(jobID))
		if err != nil {
			return nil, err
		}
		if !ready {
			return nil, fmt.Errorf("%w: predecessors of job %s are not ready", ErrJobNotSchedulable, jobID)
		}

		attrs := types.Merge(append([]types.Attributes{job.Attributes, inst.Attributes}, jobCtxs...)...)
		created, err := p.newJobInstance(ctx, inst, job, attrs, p.now())
		if err != nil {
			return nil, err
		}
		return created, tx.JobInstances().SaveAll(ctx, []*types.JobInstance{created})
	})
	if err != nil {
		return nil, err
	}

	p.log.Info("job scheduled by api", "instanceID", instanceID, "jobID", jobID, "jobInstanceID", ji.ID)
	p.metrics.RecordJobScheduled(1)
	p.asyncSchedule(&ScheduleContext{JobInstances: []*types.JobInstance{ji}})
	return ji, nil
}

// ManualScheduleJob 以新的 id 重新執行某節點最近一次已結束的 JobInstance
func (p *Processor) ManualScheduleJob(ctx context.Context, instanceID, jobID string) (*types.JobInstance, error) {
	ji, err := store.InTx(ctx, p.tx, func(ctx context.Context, tx store.Tx) (*types.JobInstance, error) {
		inst, _, job, err := p.lockJob(ctx, tx, instanceID, jobID)
		if err != nil {
			return nil, err
		}
		latest, err := tx.JobInstances().FindLatest(ctx, inst.ID, jobID)
		if err != nil {
			return nil, err
		}
		if latest == nil {
			return nil, fmt.Errorf("%w: job %s has never run", ErrJobNotSchedulable, jobID)
		}
		if !latest.Status.Terminal() {
			return nil, fmt.Errorf("%w: job instance %s is %s", ErrJobNotSchedulable, latest.ID, latest.Status)
		}
		created, err := p.newJobInstance(ctx, inst, job, latest.Attributes.Clone(), p.now())
		if err != nil {
			return nil, err
		}
		return created, tx.JobInstances().SaveAll(ctx, []*types.JobInstance{created})
	})
	if err != nil {
		return nil, err
	}

	p.log.Info("job rescheduled manually", "instanceID", instanceID, "jobID", jobID, "jobInstanceID", ji.ID)
	p.metrics.RecordJobScheduled(1)
	p.asyncSchedule(&ScheduleContext{JobInstances: []*types.JobInstance{ji}})
	return ji, nil
}

// lockJob 鎖定進行中的 Instance 並找出 DAG 節點
func (p *Processor) lockJob(ctx context.Context, tx store.Tx, instanceID, jobID string) (
	*types.Instance, *dag.DAG[types.WorkflowJobInfo], types.WorkflowJobInfo, error) {
	var none types.WorkflowJobInfo
	inst, err := lockInstance(ctx, tx, instanceID)
	if err != nil {
		return nil, nil, none, err
	}
	if inst.Status.Terminal() {
		return nil, nil, none, fmt.Errorf("%w: instance %s is %s", ErrJobNotSchedulable, inst.ID, inst.Status)
	}
	graph, err := dag.New(inst.Jobs)
	if err != nil {
		return nil, nil, none, fmt.Errorf("instance %s: %w", inst.ID, err)
	}
	job, ok := graph.Node(jobID)
	if !ok {
		return nil, nil, none, fmt.Errorf("%w: job %s not in instance %s", ErrJobNotSchedulable, jobID, inst.ID)
	}
	return inst, graph, job, nil
}
