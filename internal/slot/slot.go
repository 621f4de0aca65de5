// ============================================================================
// flowjob SlotManager - 以 slot 分割實體的負責節點
// ============================================================================
//
// Package: internal/slot
// 文件: slot.go
//
// 分配規則:
//   slot(id) = xxhash64(id) mod 1024
//
//   rehash(alive):
//     1. 存活節點依 (host, port) 排序
//     2. 找到本節點的位置 mark
//     3. 本節點負責 mark, mark+N, mark+2N, ...（N = 存活節點數）
//
//   每次成員變動都完整重算；所有節點對同一個存活集合算出互斥且完整的覆蓋。
//   找不到自己時（例如尚未完成註冊）不負責任何 slot，只記錄警告。
//
// slot 只是建議性的分區：是否真的只排程一次，仍由 DAG 引擎的條件更新
// 與實例去重保證。
//
// ============================================================================

package slot

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/ChuLiYu/flowjob-broker/internal/cluster"
)

// SlotCount slot 總數
const SlotCount = 1024

// EntityKind 可被分區的實體
type EntityKind string

const (
	KindPlan   EntityKind = "plan"
	KindWorker EntityKind = "worker" // 進行中的 Instance（JobInstance 檢查以其 InstanceID 分區）
	KindAgent  EntityKind = "agent"
)

// Catalog 依 slot 查詢實體 id
type Catalog interface {
	IDsInSlots(ctx context.Context, kind EntityKind, slots []int) ([]string, error)
}

// Slot 計算 id 所屬的 slot
func Slot(id string) int {
	return int(xxhash.Sum64String(id) % SlotCount)
}

// Assign 計算 self 在 alive 中負責的 slot；找不到 self 時返回 nil
func Assign(self cluster.Node, alive []cluster.Node) []int {
	sorted := cluster.SortNodes(alive)
	mark := slices.IndexFunc(sorted, func(n cluster.Node) bool {
		return n.URL() == self.URL()
	})
	if mark < 0 {
		return nil
	}
	n := len(sorted)
	slots := make([]int, 0, SlotCount/n+1)
	for s := mark; s < SlotCount; s += n {
		slots = append(slots, s)
	}
	return slots
}

// Manager 本節點的 slot 分配
type Manager struct {
	self    cluster.Node
	catalog Catalog
	log     *slog.Logger

	mu         sync.RWMutex
	slots      []int
	owned      map[int]struct{}
	generation uint64

	onRehash func(owned int)
}

// NewManager 建立 slot 管理器
func NewManager(self cluster.Node, catalog Catalog, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		self:    self,
		catalog: catalog,
		log:     logger.With("component", "slot"),
		owned:   map[int]struct{}{},
	}
}

// OnRehash 設定 rehash 完成後的回呼（例如更新指標）
func (m *Manager) OnRehash(fn func(owned int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRehash = fn
}

// Rehash 依存活節點重新計算本節點負責的 slot
func (m *Manager) Rehash(alive []cluster.Node) {
	slots := Assign(m.self, alive)
	owned := make(map[int]struct{}, len(slots))
	for _, s := range slots {
		owned[s] = struct{}{}
	}

	m.mu.Lock()
	m.slots = slots
	m.owned = owned
	m.generation++
	gen, hook := m.generation, m.onRehash
	m.mu.Unlock()

	if slots == nil {
		m.log.Warn("self not found in alive brokers, owning no slot", "self", m.self.URL(), "alive", len(alive))
	} else {
		m.log.Info("slots rehashed", "self", m.self.URL(), "alive", len(alive), "owned", len(slots), "generation", gen)
	}
	if hook != nil {
		hook(len(slots))
	}
}

// OwnedSlots 目前負責的 slot（副本）
func (m *Manager) OwnedSlots() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.slots)
}

// Owns id 是否落在本節點負責的 slot
func (m *Manager) Owns(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.owned[Slot(id)]
	return ok
}

// Generation rehash 次數
func (m *Manager) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// PlanIDs 本節點負責的 Plan
func (m *Manager) PlanIDs(ctx context.Context) ([]string, error) {
	return m.ids(ctx, KindPlan)
}

// WorkerIDs 本節點負責的進行中 Instance
func (m *Manager) WorkerIDs(ctx context.Context) ([]string, error) {
	return m.ids(ctx, KindWorker)
}

// AgentIDs 本節點負責的 agent
func (m *Manager) AgentIDs(ctx context.Context) ([]string, error) {
	return m.ids(ctx, KindAgent)
}

func (m *Manager) ids(ctx context.Context, kind EntityKind) ([]string, error) {
	slots := m.OwnedSlots()
	if len(slots) == 0 {
		return nil, nil
	}
	return m.catalog.IDsInSlots(ctx, kind, slots)
}
