// ============================================================================
// flowjob Plan Service - Plan 目錄與操作入口
// ============================================================================
//
// Package: internal/plan
// 文件: service.go
//
// 版本:
//   每次修改都會產生新的版本 id，並以「當前版本仍為 X」做樂觀交換；
//   已在執行的 Instance 保有自己的 DAG 快照，不受新版本影響。
//   排程器看到版本變更後，舊版本尚未觸發的排程會被當作過期觸發略過。
//
// ============================================================================

package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/ChuLiYu/flowjob-broker/internal/dag"
	"github.com/ChuLiYu/flowjob-broker/internal/idgen"
	"github.com/ChuLiYu/flowjob-broker/internal/processor"
	"github.com/ChuLiYu/flowjob-broker/internal/schedule"
	"github.com/ChuLiYu/flowjob-broker/internal/store"
	"github.com/ChuLiYu/flowjob-broker/pkg/types"
)

var (
	// ErrVersionConflict 修改所依據的版本已不是當前版本
	ErrVersionConflict = errors.New("plan version conflict")
	// ErrPlanExists Plan id 已存在
	ErrPlanExists = errors.New("plan already exists")
	// ErrInvalidPlan Plan 定義不合法
	ErrInvalidPlan = fmt.Errorf("invalid plan: %w", types.ErrIllegalArgument)
)

// Service Plan 的新增、修改、啟停與手動觸發
type Service struct {
	tx   store.TxManager
	ids  processor.IDGenerator
	proc *processor.Processor
	log  *slog.Logger
	now  func() time.Time
}

// NewService 建立 Service
func NewService(tx store.TxManager, ids processor.IDGenerator, proc *processor.Processor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tx:   tx,
		ids:  ids,
		proc: proc,
		log:  logger.With("component", "plan"),
		now:  time.Now,
	}
}

// ============================================================================
// 驗證
// ============================================================================

// Validate 檢查 Plan 定義：觸發方式、排程策略與 DAG
func Validate(p *types.Plan) error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPlan)
	}
	if _, err := types.ParseTriggerType(string(p.TriggerType)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if p.TriggerType == types.TriggerSchedule {
		if err := validateSchedule(p.Schedule); err != nil {
			return err
		}
	}
	if len(p.Jobs) == 0 {
		return fmt.Errorf("%w: plan has no jobs", ErrInvalidPlan)
	}
	for _, job := range p.Jobs {
		if job.ExecutorName == "" {
			return fmt.Errorf("%w: job %s has no executor", ErrInvalidPlan, job.ID)
		}
		if _, err := types.ParseJobType(string(job.Type)); err != nil {
			return fmt.Errorf("%w: job %s: %v", ErrInvalidPlan, job.ID, err)
		}
		if _, err := types.ParseTriggerType(string(job.EffectiveTriggerType())); err != nil {
			return fmt.Errorf("%w: job %s: %v", ErrInvalidPlan, job.ID, err)
		}
		if err := job.DispatchOption.Validate(); err != nil {
			return fmt.Errorf("%w: job %s: %v", ErrInvalidPlan, job.ID, err)
		}
		if job.Retry.Retry < 0 || job.Retry.RetryInterval < 0 {
			return fmt.Errorf("%w: job %s: negative retry option", ErrInvalidPlan, job.ID)
		}
	}
	if _, err := dag.New(p.Jobs); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	return nil
}

func validateSchedule(opt types.ScheduleOption) error {
	if err := opt.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	switch opt.Type {
	case types.ScheduleCron:
		if _, err := schedule.ParseCron(opt.Cron); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
		}
	case types.ScheduleFixedRate, types.ScheduleFixedDelay:
		if opt.Interval == 0 {
			return fmt.Errorf("%w: %s requires an interval", ErrInvalidPlan, opt.Type)
		}
	}
	if !opt.EndAt.IsZero() && opt.EndAt.Before(opt.StartScheduleAt()) {
		return fmt.Errorf("%w: schedule ends before it starts", ErrInvalidPlan)
	}
	return nil
}

// ============================================================================
// 新增與修改
// ============================================================================

// Create 新增 Plan；未指定 id 時分配一個
func (s *Service) Create(ctx context.Context, p *types.Plan) (*types.Plan, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	created := p.Clone()
	return store.InTx(ctx, s.tx, func(ctx context.Context, tx store.Tx) (*types.Plan, error) {
		if created.ID == "" {
			id, err := s.ids.GenerateID(ctx, idgen.TypePlan)
			if err != nil {
				return nil, err
			}
			created.ID = id
		}
		version, err := s.ids.GenerateID(ctx, idgen.TypePlanVersion)
		if err != nil {
			return nil, err
		}
		created.Version = version
		created.LatelyTriggerAt = time.Time{}
		created.LatelyFeedbackAt = time.Time{}
		created.UpdatedAt = s.now()
		if err := tx.Plans().Create(ctx, created); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return nil, fmt.Errorf("%w: %s", ErrPlanExists, created.ID)
			}
			return nil, err
		}
		s.log.Info("plan created", "planID", created.ID, "version", created.Version, "jobs", len(created.Jobs))
		return created, nil
	})
}

// Update 以 p.Version 為依據寫入新版本
//
// 返回值：
//   - *types.Plan: 新版本
//   - error: ErrVersionConflict 表示 p.Version 已不是當前版本
func (s *Service) Update(ctx context.Context, p *types.Plan) (*types.Plan, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	return store.InTx(ctx, s.tx, func(ctx context.Context, tx store.Tx) (*types.Plan, error) {
		cur, err := getPlan(ctx, tx, p.ID)
		if err != nil {
			return nil, err
		}
		return s.swap(ctx, tx, cur, p)
	})
}

// Apply 以檔案中的定義為準新增或修改 Plan；定義未變時不產生新版本
func (s *Service) Apply(ctx context.Context, p *types.Plan) (*types.Plan, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return s.Create(ctx, p)
	}
	var created bool
	applied, err := store.InTx(ctx, s.tx, func(ctx context.Context, tx store.Tx) (*types.Plan, error) {
		cur, err := tx.Plans().LockAndGet(ctx, p.ID)
		if errors.Is(err, store.ErrNotFound) {
			created = true
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if sameDefinition(cur, p) {
			if cur.Enabled == p.Enabled {
				return cur, nil
			}
			if _, err := tx.Plans().SetEnabled(ctx, cur.ID, p.Enabled, s.now()); err != nil {
				return nil, err
			}
			cur.Enabled = p.Enabled
			return cur, nil
		}
		next := p.Clone()
		next.Version = cur.Version
		return s.swap(ctx, tx, cur, next)
	})
	if err != nil || !created {
		return applied, err
	}
	return s.Create(ctx, p)
}

// swap 在交易中把 cur 換成 next 的定義
func (s *Service) swap(ctx context.Context, tx store.Tx, cur, next *types.Plan) (*types.Plan, error) {
	if cur.Version != next.Version {
		return nil, fmt.Errorf("%w: plan %s is at version %s, not %s", ErrVersionConflict, cur.ID, cur.Version, next.Version)
	}
	version, err := s.ids.GenerateID(ctx, idgen.TypePlanVersion)
	if err != nil {
		return nil, err
	}
	updated := next.Clone()
	updated.Version = version
	updated.UpdatedAt = s.now()
	n, err := tx.Plans().SwapVersion(ctx, cur.Version, updated)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: plan %s", ErrVersionConflict, cur.ID)
	}
	s.log.Info("plan updated", "planID", updated.ID, "from", cur.Version, "version", updated.Version)
	return updated, nil
}

// sameDefinition 比較使用者可修改的欄位
func sameDefinition(a, b *types.Plan) bool {
	return a.Name == b.Name &&
		a.Description == b.Description &&
		a.TriggerType == b.TriggerType &&
		reflect.DeepEqual(a.Schedule, b.Schedule) &&
		reflect.DeepEqual(a.Jobs, b.Jobs)
}

// ============================================================================
// 啟停
// ============================================================================

// Enable 啟用 Plan；返回 false 表示原本就已啟用
func (s *Service) Enable(ctx context.Context, id string) (bool, error) {
	return s.setEnabled(ctx, id, true)
}

// Disable 停用 Plan；已排入的觸發會在排程前的檢查被拒絕
func (s *Service) Disable(ctx context.Context, id string) (bool, error) {
	return s.setEnabled(ctx, id, false)
}

func (s *Service) setEnabled(ctx context.Context, id string, enabled bool) (bool, error) {
	changed, err := store.InTx(ctx, s.tx, func(ctx context.Context, tx store.Tx) (bool, error) {
		if _, err := getPlan(ctx, tx, id); err != nil {
			return false, err
		}
		n, err := tx.Plans().SetEnabled(ctx, id, enabled, s.now())
		return n == 1, err
	})
	if err == nil && changed {
		s.log.Info("plan enabled changed", "planID", id, "enabled", enabled)
	}
	return changed, err
}

// ============================================================================
// 手動觸發
// ============================================================================

// Trigger 以 API 方式觸發 Plan 的當前版本
func (s *Service) Trigger(ctx context.Context, id string, attrs types.Attributes) (*types.Instance, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.proc.SchedulePlan(ctx, p, types.TriggerAPI, attrs, s.now())
}

// TriggerJob 觸發 Instance 中等待 API 觸發的節點
func (s *Service) TriggerJob(ctx context.Context, instanceID, jobID string) (*types.JobInstance, error) {
	return s.proc.ScheduleJob(ctx, instanceID, jobID)
}

// RerunJob 重新執行某節點最近一次已結束的 JobInstance
func (s *Service) RerunJob(ctx context.Context, instanceID, jobID string) (*types.JobInstance, error) {
	return s.proc.ManualScheduleJob(ctx, instanceID, jobID)
}

// ============================================================================
// 查詢
// ============================================================================

// Get 讀取 Plan 當前版本
func (s *Service) Get(ctx context.Context, id string) (*types.Plan, error) {
	return store.InTx(ctx, s.tx, func(ctx context.Context, tx store.Tx) (*types.Plan, error) {
		return getPlan(ctx, tx, id)
	})
}

// Versions Plan 的歷史版本，由舊到新
func (s *Service) Versions(ctx context.Context, id string) ([]*types.Plan, error) {
	vs, err := store.InTx(ctx, s.tx, func(ctx context.Context, tx store.Tx) ([]*types.Plan, error) {
		return tx.Plans().Versions(ctx, id)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", processor.ErrPlanNotFound, id)
	}
	return vs, err
}

// Instances Plan 最近的 Instance，由新到舊；limit <= 0 表示全部
func (s *Service) Instances(ctx context.Context, planID string, limit int) ([]*types.Instance, error) {
	return store.InTx(ctx, s.tx, func(ctx context.Context, tx store.Tx) ([]*types.Instance, error) {
		return tx.Instances().ListByPlan(ctx, planID, limit)
	})
}

// Instance 讀取 Instance
func (s *Service) Instance(ctx context.Context, id string) (*types.Instance, error) {
	inst, err := store.InTx(ctx, s.tx, func(ctx context.Context, tx store.Tx) (*types.Instance, error) {
		return tx.Instances().Get(ctx, id)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", processor.ErrInstanceNotFound, id)
	}
	return inst, err
}

// JobInstances Instance 的所有 JobInstance，依建立順序
func (s *Service) JobInstances(ctx context.Context, instanceID string) ([]*types.JobInstance, error) {
	return store.InTx(ctx, s.tx, func(ctx context.Context, tx store.Tx) ([]*types.JobInstance, error) {
		if _, err := tx.Instances().Get(ctx, instanceID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", processor.ErrInstanceNotFound, instanceID)
			}
			return nil, err
		}
		return tx.JobInstances().ListByInstance(ctx, instanceID)
	})
}

func getPlan(ctx context.Context, tx store.Tx, id string) (*types.Plan, error) {
	p, err := tx.Plans().LockAndGet(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", processor.ErrPlanNotFound, id)
	}
	return p, err
}
