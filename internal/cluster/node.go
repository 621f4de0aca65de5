// ============================================================================
// flowjob Cluster - broker 節點成員管理
// ============================================================================
//
// Package: internal/cluster
// 文件: node.go
// 功能: 維護目前存活的 broker 節點集合，並在成員變動時通知訂閱者
//
// 資料流:
//   Registry (redis / memory) --Alive()--> Monitor.Sync --Reset--> Manager
//                                                                   │
//                                                  listeners(alive) ▼
//                                                        slot.Manager.Rehash
//
// ============================================================================

package cluster

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Node broker 節點
type Node struct {
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// URL 節點唯一位址
func (n Node) URL() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// Compare 以 (host, port) 排序
func Compare(a, b Node) int {
	if c := cmp.Compare(a.Host, b.Host); c != 0 {
		return c
	}
	return cmp.Compare(a.Port, b.Port)
}

// SortNodes 返回依 (host, port) 排序的副本
func SortNodes(nodes []Node) []Node {
	out := slices.Clone(nodes)
	slices.SortFunc(out, Compare)
	return out
}

// Listener 成員變動回呼，參數為變動後完整的存活節點集合（已排序）
type Listener func(alive []Node)

// Manager 存活節點集合
//
// 每次變動只通知一次，參數為變動後的完整集合；
// updateMu 讓「修改 + 通知」整段序列化，訂閱者看到的集合不會倒退。
type Manager struct {
	updateMu  sync.Mutex
	mu        sync.RWMutex
	nodes     map[string]Node
	listeners []Listener
	log       *slog.Logger
}

// NewManager 建立節點管理器
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		nodes: make(map[string]Node),
		log:   logger.With("component", "cluster"),
	}
}

// Subscribe 註冊成員變動回呼
func (m *Manager) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Online 節點上線，已存在時不通知
func (m *Manager) Online(n Node) {
	m.update(func(nodes map[string]Node) (joined, left []Node) {
		if _, ok := nodes[n.URL()]; ok {
			return nil, nil
		}
		nodes[n.URL()] = n
		return []Node{n}, nil
	})
}

// Offline 節點下線，不存在時不通知
func (m *Manager) Offline(n Node) {
	m.update(func(nodes map[string]Node) (joined, left []Node) {
		if _, ok := nodes[n.URL()]; !ok {
			return nil, nil
		}
		delete(nodes, n.URL())
		return nil, []Node{n}
	})
}

// Reset 以 alive 整批取代存活集合，有變動時只通知一次
func (m *Manager) Reset(alive []Node) {
	m.update(func(nodes map[string]Node) (joined, left []Node) {
		next := make(map[string]Node, len(alive))
		for _, n := range alive {
			next[n.URL()] = n
		}
		for url, n := range nodes {
			if _, ok := next[url]; !ok {
				left = append(left, n)
				delete(nodes, url)
			}
		}
		for url, n := range next {
			if _, ok := nodes[url]; !ok {
				joined = append(joined, n)
				nodes[url] = n
			}
		}
		return joined, left
	})
}

// update 在鎖內套用 fn，有節點進出時通知訂閱者
func (m *Manager) update(fn func(nodes map[string]Node) (joined, left []Node)) {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	m.mu.Lock()
	joined, left := fn(m.nodes)
	if len(joined) == 0 && len(left) == 0 {
		m.mu.Unlock()
		return
	}
	alive, listeners := m.snapshotLocked()
	m.mu.Unlock()

	for _, n := range SortNodes(joined) {
		m.log.Info("broker online", "url", n.URL(), "alive", len(alive))
	}
	for _, n := range SortNodes(left) {
		m.log.Info("broker offline", "url", n.URL(), "alive", len(alive))
	}
	notify(listeners, alive)
}

// Alive 節點是否存活
func (m *Manager) Alive(url string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.nodes[url]
	return ok
}

// AllAlive 所有存活節點（已排序）
func (m *Manager) AllAlive() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	alive, _ := m.snapshotLocked()
	return alive
}

// Elect 依 id 雜湊在存活節點中選出一個負責節點
func (m *Manager) Elect(id string) (Node, bool) {
	alive := m.AllAlive()
	if len(alive) == 0 {
		return Node{}, false
	}
	return alive[xxhash.Sum64String(id)%uint64(len(alive))], true
}

func (m *Manager) snapshotLocked() ([]Node, []Listener) {
	alive := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		alive = append(alive, n)
	}
	slices.SortFunc(alive, Compare)
	return alive, slices.Clone(m.listeners)
}

func notify(listeners []Listener, alive []Node) {
	for _, l := range listeners {
		l(slices.Clone(alive))
	}
}
