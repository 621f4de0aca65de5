// ============================================================================
// flowjob DAG - 任務依賴圖
// ============================================================================
//
// Package: internal/dag
// 文件: dag.go
// 功能: 以節點的 children 關係建立有向無環圖，並提供遍歷查詢
//
// 術語:
//   - origin: 沒有任何父節點的節點（DAG 的入口）
//   - last:   沒有任何子節點的節點（DAG 的出口）
//
// 建立時即完成驗證，之後的查詢都是唯讀的，可安全地被多個 goroutine 共享。
//
// ============================================================================

package dag

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateNode = errors.New("dag: duplicate node id")
	ErrNodeNotFound  = errors.New("dag: child node not found")
	ErrNoOrigin      = errors.New("dag: no origin node")
	ErrNoLast        = errors.New("dag: no last node")
	ErrCycle         = errors.New("dag: cycle detected")
)

// Node DAG 節點需要提供的資訊
type Node interface {
	NodeID() string
	ChildIDs() []string
}

// DAG 有向無環圖
type DAG[T Node] struct {
	order   []string
	nodes   map[string]T
	parents map[string][]string
	origins []string
	lasts   []string
}

// New 建立並驗證 DAG
func New[T Node](nodes []T) (*DAG[T], error) {
	d := &DAG[T]{
		nodes:   make(map[string]T, len(nodes)),
		parents: make(map[string][]string, len(nodes)),
	}
	for _, n := range nodes {
		id := n.NodeID()
		if _, ok := d.nodes[id]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, id)
		}
		d.nodes[id] = n
		d.order = append(d.order, id)
	}

	for _, id := range d.order {
		for _, child := range d.nodes[id].ChildIDs() {
			if _, ok := d.nodes[child]; !ok {
				return nil, fmt.Errorf("%w: %s -> %s", ErrNodeNotFound, id, child)
			}
			d.parents[child] = append(d.parents[child], id)
		}
	}

	for _, id := range d.order {
		if len(d.parents[id]) == 0 {
			d.origins = append(d.origins, id)
		}
		if len(d.nodes[id].ChildIDs()) == 0 {
			d.lasts = append(d.lasts, id)
		}
	}
	if len(d.origins) == 0 {
		return nil, ErrNoOrigin
	}
	if len(d.lasts) == 0 {
		return nil, ErrNoLast
	}
	if err := d.checkCycle(); err != nil {
		return nil, err
	}
	return d, nil
}

const (
	white = iota // 未訪問
	grey         // 訪問中（在當前 DFS 路徑上）
	black        // 已完成
)

func (d *DAG[T]) checkCycle() error {
	colour := make(map[string]int, len(d.nodes))
	var visit func(id string) error
	visit = func(id string) error {
		colour[id] = grey
		for _, child := range d.nodes[id].ChildIDs() {
			switch colour[child] {
			case grey:
				return fmt.Errorf("%w: %s -> %s", ErrCycle, id, child)
			case white:
				if err := visit(child); err != nil {
					return err
				}
			}
		}
		colour[id] = black
		return nil
	}
	for _, id := range d.order {
		if colour[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Node 依 id 取得節點
func (d *DAG[T]) Node(id string) (T, bool) {
	n, ok := d.nodes[id]
	return n, ok
}

// Nodes 依定義順序返回所有節點
func (d *DAG[T]) Nodes() []T {
	return d.collect(d.order)
}

// Origins 沒有父節點的節點
func (d *DAG[T]) Origins() []T {
	return d.collect(d.origins)
}

// Lasts 沒有子節點的節點
func (d *DAG[T]) Lasts() []T {
	return d.collect(d.lasts)
}

// SubNodes 直接後繼節點
func (d *DAG[T]) SubNodes(id string) []T {
	n, ok := d.nodes[id]
	if !ok {
		return nil
	}
	return d.collect(n.ChildIDs())
}

// PreNodes 直接前驅節點
func (d *DAG[T]) PreNodes(id string) []T {
	return d.collect(d.parents[id])
}

func (d *DAG[T]) collect(ids []string) []T {
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.nodes[id])
	}
	return out
}
