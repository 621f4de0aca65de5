// ============================================================================
// flowjob InstanceProcessor - DAG 生命週期引擎
// ============================================================================
//
// Package: internal/processor
// 文件: processor.go
//
// 狀態機（Instance 與 JobInstance 相同）:
//
//   SCHEDULING ──► EXECUTING ──► SUCCEED
//        │              │
//        └──────────────┴──────► FAILED
//
//   重試不會復活舊的 JobInstance，而是建立新的 id（RetryTimes + 1）。
//
// 並發:
//   每一次「先到先贏」的決定都是條件更新，影響 0 行代表其他呼叫已經處理過，
//   直接返回且不產生副作用。DAG 前進前先鎖定 Instance，
//   兩個兄弟節點同時完成時不會各自認為匯合節點尚未就緒。
//
// 交易後處理:
//   交易內產生的 ScheduleContext（新 JobInstance、待重排的 Plan）以返回值傳出，
//   提交後才交給 Enqueuer，下發失敗永遠不會回滾已提交的排程決定。
//
// ============================================================================

package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/flowjob-broker/internal/idgen"
	"github.com/ChuLiYu/flowjob-broker/internal/metrics"
	"github.com/ChuLiYu/flowjob-broker/internal/store"
	"github.com/ChuLiYu/flowjob-broker/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrPlanNotFound        = errors.New("plan not found")
	ErrInstanceNotFound    = errors.New("instance not found")
	ErrJobInstanceNotFound = errors.New("job instance not found")

	// ErrVerification 排程前檢查未通過，呼叫方應丟棄此次觸發
	ErrVerification      = errors.New("verification failed")
	ErrPlanDisabled      = fmt.Errorf("plan is disabled: %w", ErrVerification)
	ErrDuplicateTrigger  = fmt.Errorf("duplicate trigger: %w", ErrVerification)
	ErrJobNotSchedulable = fmt.Errorf("job is not schedulable: %w", ErrVerification)

	ErrUnsupportedResult = errors.New("unsupported execute result")
	ErrIllegalResult     = fmt.Errorf("illegal execute result: %w", types.ErrIllegalArgument)
	ErrIllegalKind       = fmt.Errorf("illegal instance kind: %w", types.ErrIllegalArgument)
)

// ============================================================================
// 協作者
// ============================================================================

// IDGenerator 分配 id
type IDGenerator interface {
	GenerateID(ctx context.Context, t idgen.IDType) (string, error)
}

// WaitSchedulePlan 完成後需要重新排入下一輪的 FIXED_DELAY Plan
type WaitSchedulePlan struct {
	PlanID     string
	Version    string
	TriggerAt  time.Time // 剛完成的 Instance 的觸發時間
	FeedbackAt time.Time // 下一輪從這個時間起算
}

// Enqueuer 接收交易提交後的排程工作
type Enqueuer interface {
	EnqueueJobInstance(job *types.JobInstance)
	EnqueuePlan(plan WaitSchedulePlan)
}

// ScheduleContext 一次交易步驟產生、提交後消費的暫存結果
type ScheduleContext struct {
	JobInstances     []*types.JobInstance
	WaitSchedulePlan *WaitSchedulePlan

	completed types.Status // 此步驟中完成的 Instance 狀態（指標用）
}

// Feedback agent 回報的執行結果
type Feedback struct {
	Result     types.ExecuteResult
	ErrorMsg   string
	ErrorStack string
	Context    types.Attributes // 合併進後繼 JobInstance 的輸入
}

// ============================================================================
// Processor
// ============================================================================

// Processor 所有 Instance 種類共用的 DAG 引擎
type Processor struct {
	tx       store.TxManager
	ids      IDGenerator
	enqueuer Enqueuer
	metrics  *metrics.Collector
	log      *slog.Logger
	now      func() time.Time
	// electBroker 為新的 JobInstance 選出接收回報的 broker 位址
	electBroker func(jobInstanceID string) string
}

// Option Processor 的可選設定
type Option func(*Processor)

// WithBrokerElector 設定 JobInstance 建立時的 broker 選擇；未設定時 BrokerURL 留空
func WithBrokerElector(elect func(jobInstanceID string) string) Option {
	return func(p *Processor) {
		p.electBroker = elect
	}
}

// New 建立 Processor
//
// 參數：
//   - tx: 交易邊界
//   - ids: id 分配器
//   - enqueuer: 交易提交後接收新的 JobInstance 與待重排 Plan，可為 nil
func New(tx store.TxManager, ids IDGenerator, enqueuer Enqueuer, m *metrics.Collector, logger *slog.Logger, opts ...Option) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		tx:       tx,
		ids:      ids,
		enqueuer: enqueuer,
		metrics:  m,
		log:      logger.With("component", "processor"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// asyncSchedule 交易提交後處理 ScheduleContext
func (p *Processor) asyncSchedule(sc *ScheduleContext) {
	if sc == nil {
		return
	}
	if sc.completed != "" {
		p.metrics.RecordInstanceCompleted(string(sc.completed))
	}
	if p.enqueuer == nil {
		return
	}
	for _, job := range sc.JobInstances {
		p.enqueuer.EnqueueJobInstance(job)
	}
	if sc.WaitSchedulePlan != nil {
		p.enqueuer.EnqueuePlan(*sc.WaitSchedulePlan)
	}
}

// newJobInstance 為 DAG 節點建立一個 SCHEDULING 的 JobInstance
func (p *Processor) newJobInstance(ctx context.Context, inst *types.Instance, job types.WorkflowJobInfo,
	attrs types.Attributes, triggerAt time.Time) (*types.JobInstance, error) {
	jobType, err := types.ParseJobType(string(job.Type))
	if err != nil {
		return nil, err
	}
	id, err := p.ids.GenerateID(ctx, idgen.TypeJobInstance)
	if err != nil {
		return nil, err
	}
	var brokerURL string
	if p.electBroker != nil {
		brokerURL = p.electBroker(id)
	}
	return &types.JobInstance{
		ID:             id,
		InstanceID:     inst.ID,
		InstanceKind:   inst.Kind,
		PlanID:         inst.PlanID,
		JobID:          job.ID,
		Type:           jobType,
		ExecutorName:   job.ExecutorName,
		DispatchOption: job.DispatchOption,
		BrokerURL:      brokerURL,
		Status:         types.StatusScheduling,
		TriggerAt:      triggerAt,
		Attributes:     attrs,
		CreatedAt:      p.now(),
	}, nil
}

// lockInstance 鎖定並讀取 Instance
func lockInstance(ctx context.Context, tx store.Tx, id string) (*types.Instance, error) {
	inst, err := tx.Instances().LockAndGet(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return inst, err
}

// getJobInstance 讀取 JobInstance
func getJobInstance(ctx context.Context, tx store.Tx, id string) (*types.JobInstance, error) {
	ji, err := tx.JobInstances().Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobInstanceNotFound, id)
	}
	return ji, err
}
