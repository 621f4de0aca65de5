// ============================================================================
// flowjob Agent Registry - 存活 agent 的本地視圖
// ============================================================================
//
// Package: internal/agent
// 文件: registry.go
//
// agent 透過 RPC 心跳寫入持久層；每個 broker 以兩個掃描任務維護本地的存活集合：
//
//   AGENT_ONLINE_CHECK   心跳落在 (上次檢查, now] 的 agent 加入或刷新
//   AGENT_OFFLINE_CHECK  心跳早於 now - timeout 的 agent 移出，
//                        持久狀態以條件更新 RUNNING → FUSING
//
// 所以存活集合是落後的、最終一致的視圖，而非即時狀態。
//
// ============================================================================

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/flowjob-broker/internal/metrics"
	"github.com/ChuLiYu/flowjob-broker/internal/store"
	"github.com/ChuLiYu/flowjob-broker/pkg/types"
)

// Registry 存活 agent 登記表，程序啟動時建立一次並以指標共享
type Registry struct {
	repo    store.AgentRepository
	timeout time.Duration
	metrics *metrics.Collector
	log     *slog.Logger
	now     func() time.Time

	mu              sync.RWMutex
	alive           map[string]*types.Agent
	lastOnlineCheck time.Time
}

// NewRegistry 建立 agent 登記表
//
// 參數：
//   - repo: agent 持久層
//   - timeout: 心跳逾時，超過即視為離線
func NewRegistry(repo store.AgentRepository, timeout time.Duration, m *metrics.Collector, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		repo:    repo,
		timeout: timeout,
		metrics: m,
		log:     logger.With("component", "agent-registry"),
		now:     time.Now,
		alive:   make(map[string]*types.Agent),
	}
}

// Timeout 心跳逾時
func (r *Registry) Timeout() time.Duration { return r.timeout }

// Heartbeat 記錄 agent 心跳（RPC 入口）
func (r *Registry) Heartbeat(ctx context.Context, a *types.Agent) error {
	if a.ID == "" {
		return fmt.Errorf("%w: agent id is required", types.ErrIllegalArgument)
	}
	hb := *a
	if hb.LastHeartbeatAt.IsZero() {
		hb.LastHeartbeatAt = r.now()
	}
	if err := r.repo.Heartbeat(ctx, &hb); err != nil {
		return err
	}

	// 已在存活集合中的 agent 直接刷新容量與心跳時間
	r.mu.Lock()
	if cur, ok := r.alive[hb.ID]; ok {
		cur.AvailableQueueLimit = hb.AvailableQueueLimit
		cur.LastHeartbeatAt = hb.LastHeartbeatAt
		cur.Status = types.AgentRunning
	}
	r.mu.Unlock()
	return nil
}

// OnlineCheck 將最近有心跳的 agent 加入存活集合
func (r *Registry) OnlineCheck(ctx context.Context) error {
	now := r.now()

	r.mu.RLock()
	from := r.lastOnlineCheck
	r.mu.RUnlock()
	if from.IsZero() {
		from = now.Add(-r.timeout)
	}

	agents, err := r.repo.HeartbeatBetween(ctx, from, now)
	if err != nil {
		return fmt.Errorf("online check: %w", err)
	}

	r.mu.Lock()
	for _, a := range agents {
		if _, ok := r.alive[a.ID]; !ok {
			r.log.Info("agent online", "agentID", a.ID, "address", a.Address())
		}
		r.alive[a.ID] = a
	}
	r.lastOnlineCheck = now
	n := len(r.alive)
	r.mu.Unlock()

	r.metrics.SetAliveAgents(n)
	return nil
}

// OfflineCheck 將心跳逾時的 agent 移出存活集合
//
// owned 決定由本節點負責持久化 FUSING 狀態的 agent；nil 表示全部
func (r *Registry) OfflineCheck(ctx context.Context, owned func(agentID string) bool) error {
	deadline := r.now().Add(-r.timeout)

	r.mu.Lock()
	var stale []string
	for id, a := range r.alive {
		if a.LastHeartbeatAt.Before(deadline) {
			stale = append(stale, id)
			delete(r.alive, id)
		}
	}
	n := len(r.alive)
	r.mu.Unlock()
	r.metrics.SetAliveAgents(n)

	sort.Strings(stale)
	for _, id := range stale {
		r.log.Warn("agent offline", "agentID", id, "deadline", deadline)
		if owned != nil && !owned(id) {
			continue
		}
		if _, err := r.repo.Fuse(ctx, id, deadline); err != nil {
			return fmt.Errorf("fuse agent %s: %w", id, err)
		}
	}
	return nil
}

// FuseStale 把 ids 中心跳逾時仍為 RUNNING 的 agent 標記為 FUSING，返回標記數量
//
// 補上從未進入本節點存活集合的 agent（例如 broker 重啟前就已停止心跳）。
func (r *Registry) FuseStale(ctx context.Context, ids []string) (int, error) {
	deadline := r.now().Add(-r.timeout)
	fused := 0
	for _, id := range ids {
		n, err := r.repo.Fuse(ctx, id, deadline)
		if err != nil {
			return fused, fmt.Errorf("fuse agent %s: %w", id, err)
		}
		if n > 0 {
			fused++
			r.log.Warn("stale agent fused", "agentID", id, "deadline", deadline)
		}
	}
	return fused, nil
}

// Alive agent 是否在存活集合中
func (r *Registry) Alive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.alive[id]
	return ok
}

// List 存活的 agent，依 id 排序
func (r *Registry) List() []*types.Agent {
	return r.filter(func(*types.Agent) bool { return true })
}

// Candidates 可接收任務的 agent：存活、啟用且佇列仍有空位
func (r *Registry) Candidates() []*types.Agent {
	return r.filter(func(a *types.Agent) bool {
		return a.Enabled && a.Status == types.AgentRunning && a.AvailableQueueLimit > 0
	})
}

func (r *Registry) filter(keep func(*types.Agent) bool) []*types.Agent {
	r.mu.RLock()
	out := make([]*types.Agent, 0, len(r.alive))
	for _, a := range r.alive {
		if keep(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
