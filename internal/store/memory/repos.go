package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ChuLiYu/flowjob-broker/internal/storage/wal"
	"github.com/ChuLiYu/flowjob-broker/internal/store"
	"github.com/ChuLiYu/flowjob-broker/pkg/types"
)

// ============================================================================
// Plan
// ============================================================================

type planRepo struct{ t *tx }

// putPlan 寫入並記錄 undo
func (r planRepo) putPlan(p *types.Plan) {
	s := r.t.s
	old, existed := s.plans[p.ID]
	r.t.undo = append(r.t.undo, func() {
		if existed {
			s.plans[p.ID] = old
		} else {
			delete(s.plans, p.ID)
		}
	})
	s.plans[p.ID] = p
	r.t.record(wal.EventPlan, p.ID, p)
}

func (r planRepo) appendVersion(p *types.Plan) {
	s := r.t.s
	prev := s.planVersions[p.ID]
	r.t.undo = append(r.t.undo, func() {
		if prev == nil {
			delete(s.planVersions, p.ID)
		} else {
			s.planVersions[p.ID] = prev
		}
	})
	v := p.Clone()
	next := make([]*types.Plan, len(prev), len(prev)+1)
	copy(next, prev)
	s.planVersions[p.ID] = append(next, v)
	r.t.record(wal.EventPlanVersion, p.ID, v)
}

func (r planRepo) Get(ctx context.Context, id string) (*types.Plan, error) {
	p, ok := r.t.s.plans[id]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", id, store.ErrNotFound)
	}
	return p.Clone(), nil
}

func (r planRepo) LockAndGet(ctx context.Context, id string) (*types.Plan, error) {
	// 交易本身已序列化
	return r.Get(ctx, id)
}

func (r planRepo) Create(ctx context.Context, p *types.Plan) error {
	if _, ok := r.t.s.plans[p.ID]; ok {
		return fmt.Errorf("plan %s: %w", p.ID, store.ErrDuplicate)
	}
	r.putPlan(p.Clone())
	r.appendVersion(p)
	return nil
}

func (r planRepo) SwapVersion(ctx context.Context, oldVersion string, p *types.Plan) (int64, error) {
	cur, ok := r.t.s.plans[p.ID]
	if !ok || cur.Version != oldVersion {
		return 0, nil
	}
	next := p.Clone()
	// 新版本重新開始排程紀錄
	next.LatelyTriggerAt = time.Time{}
	next.LatelyFeedbackAt = time.Time{}
	r.putPlan(next)
	r.appendVersion(next)
	return 1, nil
}

func (r planRepo) Versions(ctx context.Context, id string) ([]*types.Plan, error) {
	vs, ok := r.t.s.planVersions[id]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", id, store.ErrNotFound)
	}
	out := make([]*types.Plan, len(vs))
	for i, v := range vs {
		out[i] = v.Clone()
	}
	return out, nil
}

func (r planRepo) SetEnabled(ctx context.Context, id string, enabled bool, at time.Time) (int64, error) {
	cur, ok := r.t.s.plans[id]
	if !ok || cur.Enabled == enabled {
		return 0, nil
	}
	next := cur.Clone()
	next.Enabled = enabled
	next.UpdatedAt = at
	r.putPlan(next)
	return 1, nil
}

func (r planRepo) UpdateLatelyTrigger(ctx context.Context, id, version string, at time.Time) (int64, error) {
	cur, ok := r.t.s.plans[id]
	if !ok || cur.Version != version {
		return 0, nil
	}
	next := cur.Clone()
	next.LatelyTriggerAt = at
	r.putPlan(next)
	return 1, nil
}

func (r planRepo) UpdateLatelyFeedback(ctx context.Context, id, version string, at time.Time) (int64, error) {
	cur, ok := r.t.s.plans[id]
	if !ok || cur.Version != version {
		return 0, nil
	}
	next := cur.Clone()
	next.LatelyFeedbackAt = at
	r.putPlan(next)
	return 1, nil
}

func (r planRepo) UpdatedSince(ctx context.Context, ids []string, since time.Time) ([]*types.Plan, error) {
	var out []*types.Plan
	for _, id := range ids {
		p, ok := r.t.s.plans[id]
		if ok && !p.UpdatedAt.Before(since) {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

// ============================================================================
// Instance
// ============================================================================

type instanceRepo struct{ t *tx }

func (r instanceRepo) put(inst *types.Instance) {
	s := r.t.s
	old, existed := s.instances[inst.ID]
	r.t.undo = append(r.t.undo, func() {
		if existed {
			s.instances[inst.ID] = old
		} else {
			delete(s.instances, inst.ID)
		}
	})
	s.instances[inst.ID] = inst
	r.t.record(wal.EventInstance, inst.ID, inst)
}

func (r instanceRepo) Create(ctx context.Context, inst *types.Instance) error {
	if _, ok := r.t.s.instances[inst.ID]; ok {
		return fmt.Errorf("instance %s: %w", inst.ID, store.ErrDuplicate)
	}
	if inst.Kind == types.KindDelay {
		if existing, _ := r.FindByTopicKey(ctx, inst.Topic, inst.Key); existing != nil {
			return fmt.Errorf("instance %s/%s: %w", inst.Topic, inst.Key, store.ErrDuplicate)
		}
	}
	r.put(inst.Clone())
	return nil
}

func (r instanceRepo) Get(ctx context.Context, id string) (*types.Instance, error) {
	inst, ok := r.t.s.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", id, store.ErrNotFound)
	}
	return inst.Clone(), nil
}

func (r instanceRepo) LockAndGet(ctx context.Context, id string) (*types.Instance, error) {
	return r.Get(ctx, id)
}

func (r instanceRepo) FindLatelyTrigger(ctx context.Context, planID, version string, st types.ScheduleType, tt types.TriggerType) (*types.Instance, error) {
	var latest *types.Instance
	for _, inst := range r.t.s.instances {
		if inst.Kind != types.KindPlan || inst.PlanID != planID || inst.PlanVersion != version ||
			inst.ScheduleType != st || inst.TriggerType != tt {
			continue
		}
		if latest == nil || inst.TriggerAt.After(latest.TriggerAt) ||
			(inst.TriggerAt.Equal(latest.TriggerAt) && idLess(latest.ID, inst.ID)) {
			latest = inst
		}
	}
	return latest.Clone(), nil
}

func (r instanceRepo) FindByTopicKey(ctx context.Context, topic, key string) (*types.Instance, error) {
	for _, inst := range r.t.s.instances {
		if inst.Kind == types.KindDelay && inst.Topic == topic && inst.Key == key {
			return inst.Clone(), nil
		}
	}
	return nil, nil
}

func (r instanceRepo) Executing(ctx context.Context, id string, startAt time.Time) (int64, error) {
	cur, ok := r.t.s.instances[id]
	if !ok || cur.Status != types.StatusScheduling {
		return 0, nil
	}
	next := cur.Clone()
	next.Status = types.StatusExecuting
	next.StartAt = startAt
	r.put(next)
	return 1, nil
}

func (r instanceRepo) Complete(ctx context.Context, id string, status types.Status, feedbackAt time.Time, errMsg string) (int64, error) {
	cur, ok := r.t.s.instances[id]
	if !ok || cur.Status.Terminal() {
		return 0, nil
	}
	next := cur.Clone()
	next.Status = status
	next.FeedbackAt = feedbackAt
	if next.StartAt.IsZero() {
		next.StartAt = feedbackAt
	}
	next.ErrorMsg = errMsg
	r.put(next)
	return 1, nil
}

func (r instanceRepo) ListByPlan(ctx context.Context, planID string, limit int) ([]*types.Instance, error) {
	var out []*types.Instance
	for _, inst := range r.t.s.instances {
		if inst.PlanID == planID {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TriggerAt.Equal(out[j].TriggerAt) {
			return out[i].TriggerAt.After(out[j].TriggerAt)
		}
		return idLess(out[j].ID, out[i].ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ============================================================================
// JobInstance
// ============================================================================

type jobInstanceRepo struct{ t *tx }

func (r jobInstanceRepo) put(j *types.JobInstance) {
	s := r.t.s
	old, existed := s.jobInstances[j.ID]
	r.t.undo = append(r.t.undo, func() {
		if existed {
			s.jobInstances[j.ID] = old
		} else {
			delete(s.jobInstances, j.ID)
		}
	})
	s.jobInstances[j.ID] = j
	r.t.record(wal.EventJobInstance, j.ID, j)
}

func (r jobInstanceRepo) SaveAll(ctx context.Context, jobs []*types.JobInstance) error {
	s := r.t.s
	for _, j := range jobs {
		if _, ok := s.jobInstances[j.ID]; ok {
			return fmt.Errorf("job instance %s: %w", j.ID, store.ErrDuplicate)
		}
	}
	for _, j := range jobs {
		r.put(j.Clone())

		instID := j.InstanceID
		prev := s.jobsByInst[instID]
		r.t.undo = append(r.t.undo, func() {
			if prev == nil {
				delete(s.jobsByInst, instID)
			} else {
				s.jobsByInst[instID] = prev
			}
		})
		next := make([]string, len(prev), len(prev)+1)
		copy(next, prev)
		s.jobsByInst[instID] = append(next, j.ID)
	}
	return nil
}

func (r jobInstanceRepo) Get(ctx context.Context, id string) (*types.JobInstance, error) {
	j, ok := r.t.s.jobInstances[id]
	if !ok {
		return nil, fmt.Errorf("job instance %s: %w", id, store.ErrNotFound)
	}
	return j.Clone(), nil
}

func (r jobInstanceRepo) FindLatest(ctx context.Context, instanceID, jobID string) (*types.JobInstance, error) {
	ids := r.t.s.jobsByInst[instanceID]
	for i := len(ids) - 1; i >= 0; i-- {
		if j := r.t.s.jobInstances[ids[i]]; j != nil && j.JobID == jobID {
			return j.Clone(), nil
		}
	}
	return nil, nil
}

func (r jobInstanceRepo) ListByInstance(ctx context.Context, instanceID string) ([]*types.JobInstance, error) {
	ids := r.t.s.jobsByInst[instanceID]
	out := make([]*types.JobInstance, 0, len(ids))
	for _, id := range ids {
		if j := r.t.s.jobInstances[id]; j != nil {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

func (r jobInstanceRepo) ListByStatus(ctx context.Context, instanceIDs []string, status types.Status) ([]*types.JobInstance, error) {
	var out []*types.JobInstance
	for _, instID := range instanceIDs {
		for _, id := range r.t.s.jobsByInst[instID] {
			if j := r.t.s.jobInstances[id]; j != nil && j.Status == status {
				out = append(out, j.Clone())
			}
		}
	}
	return out, nil
}

func (r jobInstanceRepo) Executing(ctx context.Context, id, agentID string, at time.Time) (int64, error) {
	cur, ok := r.t.s.jobInstances[id]
	if !ok || cur.Status != types.StatusScheduling {
		return 0, nil
	}
	next := cur.Clone()
	next.Status = types.StatusExecuting
	next.AgentID = agentID
	next.StartAt = at
	next.ReportAt = at
	r.put(next)
	return 1, nil
}

func (r jobInstanceRepo) Report(ctx context.Context, id string, at time.Time) (int64, error) {
	cur, ok := r.t.s.jobInstances[id]
	if !ok || cur.Status != types.StatusExecuting {
		return 0, nil
	}
	next := cur.Clone()
	next.ReportAt = at
	r.put(next)
	return 1, nil
}

func (r jobInstanceRepo) Success(ctx context.Context, id string, endAt time.Time, jobCtx types.Attributes) (int64, error) {
	cur, ok := r.t.s.jobInstances[id]
	if !ok || cur.Status != types.StatusExecuting {
		return 0, nil
	}
	next := cur.Clone()
	next.Status = types.StatusSucceed
	next.EndAt = endAt
	next.Context = jobCtx.Clone()
	r.put(next)
	return 1, nil
}

func (r jobInstanceRepo) Fail(ctx context.Context, id string, from types.Status, startAt, endAt time.Time, errMsg, errStack string) (int64, error) {
	cur, ok := r.t.s.jobInstances[id]
	if !ok || cur.Status != from || from.Terminal() {
		return 0, nil
	}
	next := cur.Clone()
	next.Status = types.StatusFailed
	next.StartAt = startAt
	next.EndAt = endAt
	next.ErrorMsg = errMsg
	next.ErrorStack = errStack
	r.put(next)
	return 1, nil
}
