package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ChuLiYu/flowjob-broker/internal/slot"
	"github.com/ChuLiYu/flowjob-broker/internal/store"
	"github.com/ChuLiYu/flowjob-broker/pkg/types"
)

// 不可變欄位存在 body（JSONB），會變動與需要查詢的欄位獨立成欄，讀取時覆蓋 body。

// ============================================================================
// Plan
// ============================================================================

type planRepo struct{ q querier }

const planColumns = `body, version, enabled, lately_trigger_at, lately_feedback_at, updated_at`

func scanPlan(sc scanner) (*types.Plan, error) {
	var (
		body              []byte
		p                 types.Plan
		trigger, feedback sql.NullTime
		version           string
		enabled           bool
		updatedAt         time.Time
	)
	if err := sc.Scan(&body, &version, &enabled, &trigger, &feedback, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	p.Version = version
	p.Enabled = enabled
	p.LatelyTriggerAt = fromNull(trigger)
	p.LatelyFeedbackAt = fromNull(feedback)
	p.UpdatedAt = updatedAt
	return &p, nil
}

func (r planRepo) get(ctx context.Context, id, suffix string) (*types.Plan, error) {
	p, err := scanPlan(r.q.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM flowjob_plans WHERE id = $1`+suffix, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get plan %s: %w", id, err)
	}
	return p, nil
}

func (r planRepo) Get(ctx context.Context, id string) (*types.Plan, error) {
	return r.get(ctx, id, "")
}

func (r planRepo) LockAndGet(ctx context.Context, id string) (*types.Plan, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r planRepo) insertVersion(ctx context.Context, p *types.Plan, body []byte) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO flowjob_plan_versions (plan_id, version, body) VALUES ($1, $2, $3)`,
		p.ID, p.Version, body)
	if isDuplicate(err) {
		return fmt.Errorf("plan %s version %s: %w", p.ID, p.Version, store.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert plan version: %w", err)
	}
	return nil
}

func (r planRepo) Create(ctx context.Context, p *types.Plan) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO flowjob_plans (id, slot, version, name, trigger_type, enabled,
			lately_trigger_at, lately_feedback_at, updated_at, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, slot.Slot(p.ID), p.Version, p.Name, string(p.TriggerType), p.Enabled,
		nullTime(p.LatelyTriggerAt), nullTime(p.LatelyFeedbackAt), p.UpdatedAt, body)
	if isDuplicate(err) {
		return fmt.Errorf("plan %s: %w", p.ID, store.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return r.insertVersion(ctx, p, body)
}

func (r planRepo) SwapVersion(ctx context.Context, oldVersion string, p *types.Plan) (int64, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("encode plan: %w", err)
	}
	n, err := affected(r.q.ExecContext(ctx, `
		UPDATE flowjob_plans SET version = $1, name = $2, trigger_type = $3, enabled = $4,
			lately_trigger_at = NULL, lately_feedback_at = NULL, updated_at = $5, body = $6
		WHERE id = $7 AND version = $8`,
		p.Version, p.Name, string(p.TriggerType), p.Enabled, p.UpdatedAt, body, p.ID, oldVersion))
	if err != nil || n == 0 {
		return n, err
	}
	return n, r.insertVersion(ctx, p, body)
}

func (r planRepo) Versions(ctx context.Context, id string) ([]*types.Plan, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT body FROM flowjob_plan_versions WHERE plan_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("plan versions %s: %w", id, err)
	}
	defer rows.Close()

	var out []*types.Plan
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var p types.Plan
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("decode plan version: %w", err)
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("plan %s: %w", id, store.ErrNotFound)
	}
	return out, nil
}

func (r planRepo) SetEnabled(ctx context.Context, id string, enabled bool, at time.Time) (int64, error) {
	return affected(r.q.ExecContext(ctx,
		`UPDATE flowjob_plans SET enabled = $1, updated_at = $2 WHERE id = $3 AND enabled = $4`,
		enabled, at, id, !enabled))
}

func (r planRepo) UpdateLatelyTrigger(ctx context.Context, id, version string, at time.Time) (int64, error) {
	return affected(r.q.ExecContext(ctx,
		`UPDATE flowjob_plans SET lately_trigger_at = $1 WHERE id = $2 AND version = $3`,
		at, id, version))
}

func (r planRepo) UpdateLatelyFeedback(ctx context.Context, id, version string, at time.Time) (int64, error) {
	return affected(r.q.ExecContext(ctx,
		`UPDATE flowjob_plans SET lately_feedback_at = $1 WHERE id = $2 AND version = $3`,
		at, id, version))
}

func (r planRepo) UpdatedSince(ctx context.Context, ids []string, since time.Time) ([]*types.Plan, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+planColumns+` FROM flowjob_plans WHERE id = ANY($1) AND updated_at >= $2`,
		pq.StringArray(ids), since)
	if err != nil {
		return nil, fmt.Errorf("plans updated since: %w", err)
	}
	defer rows.Close()

	var out []*types.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ============================================================================
// Instance
// ============================================================================

type instanceRepo struct{ q querier }

const instanceColumns = `body, status, start_at, feedback_at, error_msg`

func scanInstance(sc scanner) (*types.Instance, error) {
	var (
		body              []byte
		inst              types.Instance
		status, errMsg    string
		startAt, feedback sql.NullTime
	)
	if err := sc.Scan(&body, &status, &startAt, &feedback, &errMsg); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, &inst); err != nil {
		return nil, fmt.Errorf("decode instance: %w", err)
	}
	inst.Status = types.Status(status)
	inst.StartAt = fromNull(startAt)
	inst.FeedbackAt = fromNull(feedback)
	inst.ErrorMsg = errMsg
	return &inst, nil
}

func (r instanceRepo) one(ctx context.Context, what string, query string, args ...any) (*types.Instance, error) {
	inst, err := scanInstance(r.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return inst, nil
}

func (r instanceRepo) many(ctx context.Context, query string, args ...any) ([]*types.Instance, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()
	var out []*types.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (r instanceRepo) Create(ctx context.Context, inst *types.Instance) error {
	body, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("encode instance: %w", err)
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO flowjob_instances (id, slot, kind, plan_id, plan_version, topic, biz_key,
			schedule_type, trigger_type, status, trigger_at, start_at, feedback_at, error_msg, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		inst.ID, slot.Slot(inst.ID), string(inst.Kind), inst.PlanID, inst.PlanVersion, inst.Topic, inst.Key,
		string(inst.ScheduleType), string(inst.TriggerType), string(inst.Status), inst.TriggerAt,
		nullTime(inst.StartAt), nullTime(inst.FeedbackAt), inst.ErrorMsg, body)
	if isDuplicate(err) {
		return fmt.Errorf("instance %s: %w", inst.ID, store.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

func (r instanceRepo) Get(ctx context.Context, id string) (*types.Instance, error) {
	inst, err := r.one(ctx, "get instance",
		`SELECT `+instanceColumns+` FROM flowjob_instances WHERE id = $1`, id)
	if err == nil && inst == nil {
		return nil, fmt.Errorf("instance %s: %w", id, store.ErrNotFound)
	}
	return inst, err
}

func (r instanceRepo) LockAndGet(ctx context.Context, id string) (*types.Instance, error) {
	inst, err := r.one(ctx, "lock instance",
		`SELECT `+instanceColumns+` FROM flowjob_instances WHERE id = $1 FOR UPDATE`, id)
	if err == nil && inst == nil {
		return nil, fmt.Errorf("instance %s: %w", id, store.ErrNotFound)
	}
	return inst, err
}

func (r instanceRepo) FindLatelyTrigger(ctx context.Context, planID, version string, st types.ScheduleType, tt types.TriggerType) (*types.Instance, error) {
	return r.one(ctx, "find lately trigger", `
		SELECT `+instanceColumns+` FROM flowjob_instances
		WHERE kind = $1 AND plan_id = $2 AND plan_version = $3 AND schedule_type = $4 AND trigger_type = $5
		ORDER BY trigger_at DESC, length(id) DESC, id DESC LIMIT 1`,
		string(types.KindPlan), planID, version, string(st), string(tt))
}

func (r instanceRepo) FindByTopicKey(ctx context.Context, topic, key string) (*types.Instance, error) {
	return r.one(ctx, "find by topic key",
		`SELECT `+instanceColumns+` FROM flowjob_instances WHERE kind = $1 AND topic = $2 AND biz_key = $3`,
		string(types.KindDelay), topic, key)
}

func (r instanceRepo) Executing(ctx context.Context, id string, startAt time.Time) (int64, error) {
	return affected(r.q.ExecContext(ctx,
		`UPDATE flowjob_instances SET status = $1, start_at = $2 WHERE id = $3 AND status = $4`,
		string(types.StatusExecuting), startAt, id, string(types.StatusScheduling)))
}

func (r instanceRepo) Complete(ctx context.Context, id string, status types.Status, feedbackAt time.Time, errMsg string) (int64, error) {
	return affected(r.q.ExecContext(ctx, `
		UPDATE flowjob_instances SET status = $1, feedback_at = $2, start_at = COALESCE(start_at, $2), error_msg = $3
		WHERE id = $4 AND status IN ($5, $6)`,
		string(status), feedbackAt, errMsg, id, string(types.StatusScheduling), string(types.StatusExecuting)))
}

func (r instanceRepo) ListByPlan(ctx context.Context, planID string, limit int) ([]*types.Instance, error) {
	return r.many(ctx, `
		SELECT `+instanceColumns+` FROM flowjob_instances WHERE plan_id = $1
		ORDER BY trigger_at DESC, length(id) DESC, id DESC LIMIT $2`,
		planID, sql.NullInt64{Int64: int64(limit), Valid: limit > 0})
}

// ============================================================================
// JobInstance
// ============================================================================

type jobInstanceRepo struct{ q querier }

const jobColumns = `body, status, agent_id, start_at, report_at, end_at, context, error_msg, error_stack`

func scanJobInstance(sc scanner) (*types.JobInstance, error) {
	var (
		body, jobCtx           []byte
		j                      types.JobInstance
		status                 string
		startAt, report, endAt sql.NullTime
	)
	if err := sc.Scan(&body, &status, &j.AgentID, &startAt, &report, &endAt, &jobCtx, &j.ErrorMsg, &j.ErrorStack); err != nil {
		return nil, err
	}
	agentID, errMsg, errStack := j.AgentID, j.ErrorMsg, j.ErrorStack
	if err := json.Unmarshal(body, &j); err != nil {
		return nil, fmt.Errorf("decode job instance: %w", err)
	}
	j.Status = types.Status(status)
	j.AgentID, j.ErrorMsg, j.ErrorStack = agentID, errMsg, errStack
	j.StartAt = fromNull(startAt)
	j.ReportAt = fromNull(report)
	j.EndAt = fromNull(endAt)
	j.Context = nil
	if len(jobCtx) > 0 {
		if err := json.Unmarshal(jobCtx, &j.Context); err != nil {
			return nil, fmt.Errorf("decode job context: %w", err)
		}
	}
	return &j, nil
}

func (r jobInstanceRepo) many(ctx context.Context, query string, args ...any) ([]*types.JobInstance, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query job instances: %w", err)
	}
	defer rows.Close()
	var out []*types.JobInstance
	for rows.Next() {
		j, err := scanJobInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (r jobInstanceRepo) SaveAll(ctx context.Context, jobs []*types.JobInstance) error {
	for _, j := range jobs {
		body, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("encode job instance: %w", err)
		}
		jobCtx, err := json.Marshal(j.Context)
		if err != nil {
			return fmt.Errorf("encode job context: %w", err)
		}
		_, err = r.q.ExecContext(ctx, `
			INSERT INTO flowjob_job_instances (id, instance_id, job_id, status, agent_id, trigger_at,
				start_at, report_at, end_at, context, error_msg, error_stack, created_at, body)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			j.ID, j.InstanceID, j.JobID, string(j.Status), j.AgentID, j.TriggerAt,
			nullTime(j.StartAt), nullTime(j.ReportAt), nullTime(j.EndAt), jobCtx,
			j.ErrorMsg, j.ErrorStack, j.CreatedAt, body)
		if isDuplicate(err) {
			return fmt.Errorf("job instance %s: %w", j.ID, store.ErrDuplicate)
		}
		if err != nil {
			return fmt.Errorf("insert job instance: %w", err)
		}
	}
	return nil
}

func (r jobInstanceRepo) Get(ctx context.Context, id string) (*types.JobInstance, error) {
	j, err := scanJobInstance(r.q.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM flowjob_job_instances WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job instance %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job instance %s: %w", id, err)
	}
	return j, nil
}

func (r jobInstanceRepo) FindLatest(ctx context.Context, instanceID, jobID string) (*types.JobInstance, error) {
	j, err := scanJobInstance(r.q.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM flowjob_job_instances
		WHERE instance_id = $1 AND job_id = $2 ORDER BY seq DESC LIMIT 1`,
		instanceID, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find latest job instance: %w", err)
	}
	return j, nil
}

func (r jobInstanceRepo) ListByInstance(ctx context.Context, instanceID string) ([]*types.JobInstance, error) {
	return r.many(ctx,
		`SELECT `+jobColumns+` FROM flowjob_job_instances WHERE instance_id = $1 ORDER BY seq`,
		instanceID)
}

func (r jobInstanceRepo) ListByStatus(ctx context.Context, instanceIDs []string, status types.Status) ([]*types.JobInstance, error) {
	if len(instanceIDs) == 0 {
		return nil, nil
	}
	return r.many(ctx,
		`SELECT `+jobColumns+` FROM flowjob_job_instances WHERE instance_id = ANY($1) AND status = $2 ORDER BY seq`,
		pq.StringArray(instanceIDs), string(status))
}

func (r jobInstanceRepo) Executing(ctx context.Context, id, agentID string, at time.Time) (int64, error) {
	return affected(r.q.ExecContext(ctx, `
		UPDATE flowjob_job_instances SET status = $1, agent_id = $2, start_at = $3, report_at = $3
		WHERE id = $4 AND status = $5`,
		string(types.StatusExecuting), agentID, at, id, string(types.StatusScheduling)))
}

func (r jobInstanceRepo) Report(ctx context.Context, id string, at time.Time) (int64, error) {
	return affected(r.q.ExecContext(ctx,
		`UPDATE flowjob_job_instances SET report_at = $1 WHERE id = $2 AND status = $3`,
		at, id, string(types.StatusExecuting)))
}

func (r jobInstanceRepo) Success(ctx context.Context, id string, endAt time.Time, jobCtx types.Attributes) (int64, error) {
	raw, err := json.Marshal(jobCtx)
	if err != nil {
		return 0, fmt.Errorf("encode job context: %w", err)
	}
	return affected(r.q.ExecContext(ctx, `
		UPDATE flowjob_job_instances SET status = $1, end_at = $2, context = $3
		WHERE id = $4 AND status = $5`,
		string(types.StatusSucceed), endAt, raw, id, string(types.StatusExecuting)))
}

func (r jobInstanceRepo) Fail(ctx context.Context, id string, from types.Status, startAt, endAt time.Time, errMsg, errStack string) (int64, error) {
	if from.Terminal() {
		return 0, nil
	}
	return affected(r.q.ExecContext(ctx, `
		UPDATE flowjob_job_instances SET status = $1, start_at = $2, end_at = $3, error_msg = $4, error_stack = $5
		WHERE id = $6 AND status = $7`,
		string(types.StatusFailed), nullTime(startAt), endAt, errMsg, errStack, id, string(from)))
}
