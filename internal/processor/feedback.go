package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/flowjob-broker/internal/dag"
	"github.com/ChuLiYu/flowjob-broker/internal/store"
	"github.com/ChuLiYu/flowjob-broker/pkg/types"
)

// ============================================================================
// agent 回呼
// ============================================================================

// JobExecuting agent 確認收到 JobInstance
//
// 返回 false 表示條件更新未生效（重複確認或已被判定失敗）。
func (p *Processor) JobExecuting(ctx context.Context, agentID, jobInstanceID string) (bool, error) {
	return store.InTx(ctx, p.tx, func(ctx context.Context, tx store.Tx) (bool, error) {
		ji, err := getJobInstance(ctx, tx, jobInstanceID)
		if err != nil {
			return false, err
		}
		now := p.now()
		n, err := tx.JobInstances().Executing(ctx, ji.ID, agentID, now)
		if err != nil || n == 0 {
			return false, err
		}
		// 第一個開始執行的節點帶動 Instance 進入 EXECUTING，其餘為 no-op
		if _, err := tx.Instances().Executing(ctx, ji.InstanceID, now); err != nil {
			return false, err
		}
		return true, nil
	})
}

// JobReport 長時間執行中的 JobInstance 心跳
func (p *Processor) JobReport(ctx context.Context, jobInstanceID string) (bool, error) {
	return store.InTx(ctx, p.tx, func(ctx context.Context, tx store.Tx) (bool, error) {
		if _, err := getJobInstance(ctx, tx, jobInstanceID); err != nil {
			return false, err
		}
		n, err := tx.JobInstances().Report(ctx, jobInstanceID, p.now())
		return n == 1, err
	})
}

// Feedback 處理 JobInstance 的最終結果並推進 DAG
//
// SUCCEED: 條件更新 EXECUTING → SUCCEED，然後推進 DAG
// FAILED:  條件更新為 FAILED，然後依序嘗試重試、skipWhenFail、Instance 失敗
func (p *Processor) Feedback(ctx context.Context, jobInstanceID string, fb Feedback) error {
	switch fb.Result {
	case types.ResultSucceed, types.ResultFailed:
	case types.ResultTerminated:
		return fmt.Errorf("%w: %s", ErrUnsupportedResult, fb.Result)
	default:
		return fmt.Errorf("%w: %q", ErrIllegalResult, fb.Result)
	}

	var (
		sc      = &ScheduleContext{}
		applied *types.JobInstance
	)
	err := p.tx.Transactional(ctx, func(ctx context.Context, tx store.Tx) error {
		ji, err := getJobInstance(ctx, tx, jobInstanceID)
		if err != nil {
			return err
		}
		inst, err := lockInstance(ctx, tx, ji.InstanceID)
		if err != nil {
			return err
		}
		// 鎖定 Instance 後重新讀取，看到的是其他回報已提交的狀態
		if ji, err = getJobInstance(ctx, tx, jobInstanceID); err != nil {
			return err
		}
		h, err := handlerFor(inst.Kind)
		if err != nil {
			return err
		}
		graph, err := dag.New(inst.Jobs)
		if err != nil {
			return fmt.Errorf("instance %s: %w", inst.ID, err)
		}
		job, ok := graph.Node(ji.JobID)
		if !ok {
			return fmt.Errorf("%w: job %s not in instance %s", types.ErrIllegalArgument, ji.JobID, inst.ID)
		}

		w := &walk{p: p, tx: tx, h: h, inst: inst, graph: graph, now: p.now(), sc: sc}
		var done bool
		if fb.Result == types.ResultSucceed {
			done, err = w.succeed(ctx, ji, fb)
		} else {
			done, err = w.fail(ctx, ji, job, fb)
		}
		if done {
			applied = ji
		}
		return err
	})
	if err != nil {
		return err
	}
	if applied == nil {
		p.log.Debug("feedback already handled", "jobInstanceID", jobInstanceID, "result", fb.Result)
		return nil
	}

	p.metrics.RecordFeedback(string(fb.Result), time.Since(applied.TriggerAt))
	p.metrics.RecordJobScheduled(len(sc.JobInstances))
	p.asyncSchedule(sc)
	return nil
}

// ============================================================================
// DAG 走訪
// ============================================================================

// walk 一次回報在交易內的 DAG 走訪狀態
type walk struct {
	p     *Processor
	tx    store.Tx
	h     kindHandler
	inst  *types.Instance
	graph *dag.DAG[types.WorkflowJobInfo]
	now   time.Time
	sc    *ScheduleContext
}

func (w *walk) succeed(ctx context.Context, ji *types.JobInstance, fb Feedback) (bool, error) {
	n, err := w.tx.JobInstances().Success(ctx, ji.ID, w.now, fb.Context)
	if err != nil || n == 0 {
		return false, err
	}
	return true, w.advance(ctx, ji.JobID)
}

func (w *walk) fail(ctx context.Context, ji *types.JobInstance, job types.WorkflowJobInfo, fb Feedback) (bool, error) {
	if ji.Status.Terminal() {
		return false, nil
	}
	startAt := ji.StartAt
	if startAt.IsZero() {
		startAt = w.now
	}
	n, err := w.tx.JobInstances().Fail(ctx, ji.ID, ji.Status, startAt, w.now, fb.ErrorMsg, fb.ErrorStack)
	if err != nil || n == 0 {
		return false, err
	}

	switch {
	case ji.RetryTimes < job.Retry.Retry:
		return true, w.retry(ctx, ji, job)
	case job.SkipWhenFail:
		w.p.log.Info("job failed, skipped", append(w.h.logAttrs(w.inst), "jobID", job.ID, "error", fb.ErrorMsg)...)
		return true, w.advance(ctx, job.ID)
	default:
		msg := fmt.Sprintf("job %s failed: %s", job.ID, fb.ErrorMsg)
		return true, w.complete(ctx, types.StatusFailed, msg)
	}
}

// retry 以新的 id 重新建立 JobInstance
func (w *walk) retry(ctx context.Context, ji *types.JobInstance, job types.WorkflowJobInfo) error {
	if w.inst.Status.Terminal() {
		return nil
	}
	next, err := w.p.newJobInstance(ctx, w.inst, job, ji.Attributes.Clone(), w.now.Add(job.Retry.RetryInterval))
	if err != nil {
		return err
	}
	next.RetryTimes = ji.RetryTimes + 1
	if err := w.tx.JobInstances().SaveAll(ctx, []*types.JobInstance{next}); err != nil {
		return err
	}
	w.sc.JobInstances = append(w.sc.JobInstances, next)
	w.p.log.Info("job retry scheduled", append(w.h.logAttrs(w.inst),
		"jobID", job.ID, "previous", ji.ID, "jobInstanceID", next.ID, "retryTimes", next.RetryTimes)...)
	return nil
}

// advance jobID 已成功（或失敗但可略過），推進 DAG
func (w *walk) advance(ctx context.Context, jobID string) error {
	// 已結束的 Instance 只記錄節點結果，不再推進
	if w.inst.Status.Terminal() {
		return nil
	}
	subs := w.graph.SubNodes(jobID)
	if len(subs) == 0 {
		// 末端節點：所有末端都就緒時 Instance 成功
		ready, _, err := checkJobsSuccess(ctx, w.tx, w.inst.ID, w.graph.Lasts())
		if err != nil || !ready {
			return err
		}
		return w.complete(ctx, types.StatusSucceed, "")
	}

	var created []*types.JobInstance
	for _, sub := range subs {
		if sub.EffectiveTriggerType() != types.TriggerSchedule {
			continue
		}
		ready, jobCtxs, err := checkJobsSuccess(ctx, w.tx, w.inst.ID, w.graph.PreNodes(sub.ID))
		if err != nil {
			return err
		}
		if !ready {
			continue
		}
		existing, err := w.tx.JobInstances().FindLatest(ctx, w.inst.ID, sub.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		attrs := types.Merge(append([]types.Attributes{sub.Attributes, w.inst.Attributes}, jobCtxs...)...)
		ji, err := w.p.newJobInstance(ctx, w.inst, sub, attrs, w.now)
		if err != nil {
			return err
		}
		created = append(created, ji)
	}
	if len(created) == 0 {
		return nil
	}
	if err := w.tx.JobInstances().SaveAll(ctx, created); err != nil {
		return err
	}
	w.sc.JobInstances = append(w.sc.JobInstances, created...)
	return nil
}

// complete 條件更新 Instance 為終態
func (w *walk) complete(ctx context.Context, status types.Status, errMsg string) error {
	n, err := w.tx.Instances().Complete(ctx, w.inst.ID, status, w.now, errMsg)
	if err != nil || n == 0 {
		return err
	}
	wait, err := w.h.afterComplete(ctx, w.tx, w.inst, w.now)
	if err != nil {
		return err
	}
	w.sc.WaitSchedulePlan = wait
	w.sc.completed = status
	w.p.log.Info("instance completed", append(w.h.logAttrs(w.inst), "status", status, "error", errMsg)...)
	return nil
}

// checkJobsSuccess 節點最近一次的 JobInstance 是否都已成功（或失敗但可略過）
//
// 返回成功節點的 Context，依 jobs 順序，供後繼節點合併。
func checkJobsSuccess(ctx context.Context, tx store.Tx, instanceID string, jobs []types.WorkflowJobInfo) (bool, []types.Attributes, error) {
	var jobCtxs []types.Attributes
	for _, job := range jobs {
		latest, err := tx.JobInstances().FindLatest(ctx, instanceID, job.ID)
		if err != nil {
			return false, nil, err
		}
		if latest == nil {
			return false, nil, nil
		}
		switch {
		case latest.Status == types.StatusSucceed:
			jobCtxs = append(jobCtxs, latest.Context)
		case latest.Status == types.StatusFailed && job.SkipWhenFail:
		default:
			return false, nil, nil
		}
	}
	return true, jobCtxs, nil
}
