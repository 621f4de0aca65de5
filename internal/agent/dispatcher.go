package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/flowjob-broker/internal/metrics"
	"github.com/ChuLiYu/flowjob-broker/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrNoAgentAvailable 沒有存活且有空位的 agent
	ErrNoAgentAvailable = errors.New("no agent available")
	// ErrDispatchFailed RPC 失敗或逾時
	ErrDispatchFailed = errors.New("dispatch failed")
)

// ============================================================================
// Dispatcher
// ============================================================================

// Client 把 JobInstance 送到 agent
type Client interface {
	Dispatch(ctx context.Context, agent *types.Agent, job *types.JobInstance) error
}

// Dispatcher 選擇 agent 並下發 JobInstance
//
// 下發成功不代表 EXECUTING：狀態只在 agent 回呼 JobExecuting 時變更。
type Dispatcher struct {
	registry   *Registry
	strategies map[types.LoadBalanceType]LBStrategy
	usage      *usage
	client     Client
	timeout    time.Duration
	metrics    *metrics.Collector
	log        *slog.Logger
	now        func() time.Time
}

// NewDispatcher 建立 Dispatcher
//
// lb 取代 ROUND_ROBIN（也就是未設定 DispatchOption 時）的策略，為 nil 時使用 RoundRobin。
func NewDispatcher(registry *Registry, lb LBStrategy, client Client, timeout time.Duration, m *metrics.Collector, logger *slog.Logger) *Dispatcher {
	if lb == nil {
		lb = &RoundRobin{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	u := newUsage()
	return &Dispatcher{
		registry: registry,
		strategies: map[types.LoadBalanceType]LBStrategy{
			types.LBRoundRobin:          lb,
			types.LBRandom:              &Random{},
			types.LBWeighted:            &Weighted{},
			types.LBAppoint:             Appoint{},
			types.LBConsistentHash:      &ConsistentHash{},
			types.LBLeastRecentlyUsed:   &LeastRecentlyUsed{usage: u},
			types.LBLeastFrequentlyUsed: &LeastFrequentlyUsed{usage: u},
		},
		usage:   u,
		client:  client,
		timeout: timeout,
		metrics: m,
		log:     logger.With("component", "dispatcher"),
		now:     time.Now,
	}
}

// strategy JobInstance 使用的負載均衡策略
func (d *Dispatcher) strategy(job *types.JobInstance) (LBStrategy, error) {
	t, err := types.ParseLoadBalanceType(string(job.DispatchOption.LBType))
	if err != nil {
		return nil, err
	}
	return d.strategies[t], nil
}

// Dispatch 下發 JobInstance，返回被選中的 agent
func (d *Dispatcher) Dispatch(ctx context.Context, job *types.JobInstance) (*types.Agent, error) {
	if _, err := types.ParseJobType(string(job.Type)); err != nil {
		return nil, err
	}

	lb, err := d.strategy(job)
	if err != nil {
		return nil, err
	}

	target := lb.Select(d.registry.Candidates(), job)
	if target == nil {
		d.metrics.RecordDispatchFailed()
		return nil, ErrNoAgentAvailable
	}

	callCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	if err := d.client.Dispatch(callCtx, target, job); err != nil {
		d.metrics.RecordDispatchFailed()
		d.log.Warn("dispatch failed", "jobInstanceID", job.ID, "agentID", target.ID, "error", err)
		return target, fmt.Errorf("%w: agent %s: %w", ErrDispatchFailed, target.ID, err)
	}

	d.usage.record(target.ID, d.now())
	d.metrics.RecordDispatch()
	d.log.Debug("job dispatched", "jobInstanceID", job.ID, "agentID", target.ID)
	return target, nil
}
