// ============================================================================
// flowjob Store - 持久化契約
// ============================================================================
//
// Package: internal/store
// 文件: store.go
//
// 約定:
//   - Get 找不到時返回 ErrNotFound；Find* 找不到時返回 (nil, nil)
//   - 所有狀態變更都是條件更新（WHERE status = 預期前狀態），
//     返回受影響的行數；0 表示其他並發呼叫已經處理過，不是錯誤
//   - Plan / Instance / JobInstance 只能在 Transactional 內存取，
//     Agent、ID 計數器與 slot 目錄不需要交易
//
// 實作:
//   - memory:   單機模式，互斥鎖序列化交易 + undo log，支援快照
//   - postgres: database/sql + lib/pq，SELECT ... FOR UPDATE 與條件 UPDATE
//
// ============================================================================

package store

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/flowjob-broker/internal/idgen"
	"github.com/ChuLiYu/flowjob-broker/internal/slot"
	"github.com/ChuLiYu/flowjob-broker/pkg/types"
)

var (
	// ErrNotFound 記錄不存在
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate 主鍵或唯一鍵衝突
	ErrDuplicate = errors.New("record already exists")
)

// ============================================================================
// Repository 契約
// ============================================================================

// PlanRepository Plan 與其版本
type PlanRepository interface {
	Get(ctx context.Context, id string) (*types.Plan, error)
	// LockAndGet 鎖定 Plan 直到交易結束
	LockAndGet(ctx context.Context, id string) (*types.Plan, error)
	// Create 新增 Plan 與其第一個版本
	Create(ctx context.Context, p *types.Plan) error
	// SwapVersion 當前版本等於 oldVersion 時寫入新版本（版本只增不改）
	SwapVersion(ctx context.Context, oldVersion string, p *types.Plan) (int64, error)
	// Versions 歷史版本，由舊到新
	Versions(ctx context.Context, id string) ([]*types.Plan, error)
	SetEnabled(ctx context.Context, id string, enabled bool, at time.Time) (int64, error)
	// UpdateLatelyTrigger 僅當版本仍為 version 時記錄最近一次觸發
	UpdateLatelyTrigger(ctx context.Context, id, version string, at time.Time) (int64, error)
	// UpdateLatelyFeedback 僅當版本仍為 version 時記錄最近一次完成
	UpdateLatelyFeedback(ctx context.Context, id, version string, at time.Time) (int64, error)
	// UpdatedSince ids 中 UpdatedAt >= since 的 Plan
	UpdatedSince(ctx context.Context, ids []string, since time.Time) ([]*types.Plan, error)
}

// InstanceRepository Instance
type InstanceRepository interface {
	Create(ctx context.Context, inst *types.Instance) error
	Get(ctx context.Context, id string) (*types.Instance, error)
	LockAndGet(ctx context.Context, id string) (*types.Instance, error)
	// FindLatelyTrigger 同一 Plan 版本、排程方式與觸發方式中 TriggerAt 最新的一筆
	FindLatelyTrigger(ctx context.Context, planID, version string, st types.ScheduleType, tt types.TriggerType) (*types.Instance, error)
	// FindByTopicKey DELAY 實例以 (topic, key) 唯一
	FindByTopicKey(ctx context.Context, topic, key string) (*types.Instance, error)
	// Executing SCHEDULING → EXECUTING
	Executing(ctx context.Context, id string, startAt time.Time) (int64, error)
	// Complete {SCHEDULING, EXECUTING} → status
	Complete(ctx context.Context, id string, status types.Status, feedbackAt time.Time, errMsg string) (int64, error)
	// ListByPlan 依 TriggerAt 由新到舊
	ListByPlan(ctx context.Context, planID string, limit int) ([]*types.Instance, error)
}

// JobInstanceRepository JobInstance
type JobInstanceRepository interface {
	SaveAll(ctx context.Context, jobs []*types.JobInstance) error
	Get(ctx context.Context, id string) (*types.JobInstance, error)
	// FindLatest 同一 Instance 中某 job 最近建立的 JobInstance
	FindLatest(ctx context.Context, instanceID, jobID string) (*types.JobInstance, error)
	ListByInstance(ctx context.Context, instanceID string) ([]*types.JobInstance, error)
	// ListByStatus instanceIDs 中狀態為 status 的 JobInstance
	ListByStatus(ctx context.Context, instanceIDs []string, status types.Status) ([]*types.JobInstance, error)
	// Executing SCHEDULING → EXECUTING，記錄 agent 與開始時間
	Executing(ctx context.Context, id, agentID string, at time.Time) (int64, error)
	// Report EXECUTING 時刷新回報時間
	Report(ctx context.Context, id string, at time.Time) (int64, error)
	// Success EXECUTING → SUCCEED
	Success(ctx context.Context, id string, endAt time.Time, jobCtx types.Attributes) (int64, error)
	// Fail from → FAILED
	Fail(ctx context.Context, id string, from types.Status, startAt, endAt time.Time, errMsg, errStack string) (int64, error)
}

// Tx 一次交易中可用的 Repository
type Tx interface {
	Plans() PlanRepository
	Instances() InstanceRepository
	JobInstances() JobInstanceRepository
}

// TxManager 交易邊界：fn 返回 nil 時提交，返回錯誤或 panic 時回滾
type TxManager interface {
	Transactional(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// InTx 在交易中執行 fn 並返回其結果
func InTx[T any](ctx context.Context, m TxManager, fn func(ctx context.Context, tx Tx) (T, error)) (T, error) {
	var out T
	err := m.Transactional(ctx, func(ctx context.Context, tx Tx) error {
		v, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// AgentRepository Agent 註冊資料，不需要交易
type AgentRepository interface {
	// Heartbeat 新增或更新 agent，狀態設為 RUNNING
	Heartbeat(ctx context.Context, a *types.Agent) error
	Get(ctx context.Context, id string) (*types.Agent, error)
	// HeartbeatBetween LastHeartbeatAt ∈ (from, to]
	HeartbeatBetween(ctx context.Context, from, to time.Time) ([]*types.Agent, error)
	// Fuse RUNNING → FUSING，僅當心跳仍早於 before
	Fuse(ctx context.Context, id string, before time.Time) (int64, error)
	List(ctx context.Context) ([]*types.Agent, error)
}

// Store 一個完整的儲存後端
type Store interface {
	TxManager
	idgen.SegmentStore
	slot.Catalog
	Agents() AgentRepository
	Close() error
}
