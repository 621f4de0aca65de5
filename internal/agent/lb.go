package agent

import (
	"cmp"
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/ChuLiYu/flowjob-broker/pkg/types"
)

// ============================================================================
// 負載均衡
// ============================================================================
//
// 候選 agent 由 Registry.Candidates 提供，已依 id 排序；
// 每個 JobInstance 依 DispatchOption.LBType 選擇策略。

// LBStrategy 從候選 agent 中選出一個，沒有合適的返回 nil
type LBStrategy interface {
	Select(candidates []*types.Agent, job *types.JobInstance) *types.Agent
}

// RoundRobin 輪詢
type RoundRobin struct {
	next atomic.Uint64
}

// Select 實作 LBStrategy
func (rr *RoundRobin) Select(candidates []*types.Agent, _ *types.JobInstance) *types.Agent {
	if len(candidates) == 0 {
		return nil
	}
	i := rr.next.Add(1) - 1
	return candidates[i%uint64(len(candidates))]
}

// Random 隨機
type Random struct {
	intn func(n int) int
}

// Select 實作 LBStrategy
func (r *Random) Select(candidates []*types.Agent, _ *types.JobInstance) *types.Agent {
	if len(candidates) == 0 {
		return nil
	}
	intn := r.intn
	if intn == nil {
		intn = rand.IntN
	}
	return candidates[intn(len(candidates))]
}

// Weighted 以剩餘佇列容量為權重的隨機
type Weighted struct {
	intn func(n int) int
}

// Select 實作 LBStrategy
func (w *Weighted) Select(candidates []*types.Agent, _ *types.JobInstance) *types.Agent {
	total := 0
	for _, a := range candidates {
		total += max(a.AvailableQueueLimit, 0)
	}
	if total == 0 {
		return nil
	}
	intn := w.intn
	if intn == nil {
		intn = rand.IntN
	}
	pick := intn(total)
	for _, a := range candidates {
		pick -= max(a.AvailableQueueLimit, 0)
		if pick < 0 {
			return a
		}
	}
	return nil
}

// Appoint 只下發給 DispatchOption.AppointAgentID 指定的 agent
type Appoint struct{}

// Select 實作 LBStrategy
func (Appoint) Select(candidates []*types.Agent, job *types.JobInstance) *types.Agent {
	if job == nil {
		return nil
	}
	for _, a := range candidates {
		if a.ID == job.DispatchOption.AppointAgentID {
			return a
		}
	}
	return nil
}

// ConsistentHash 一致性雜湊，相同 key 在 agent 集合不變時落在同一個 agent
//
// key 取 JobInstance 屬性 DispatchOption.HashKey 的值，未設定時用 planID/jobID。
type ConsistentHash struct {
	Replicas int // 每個 agent 的虛擬節點數
}

const defaultReplicas = 160

type ringPoint struct {
	hash  uint64
	agent *types.Agent
}

// Select 實作 LBStrategy
func (c *ConsistentHash) Select(candidates []*types.Agent, job *types.JobInstance) *types.Agent {
	if len(candidates) == 0 {
		return nil
	}
	replicas := c.Replicas
	if replicas <= 0 {
		replicas = defaultReplicas
	}
	ring := make([]ringPoint, 0, len(candidates)*replicas)
	for _, a := range candidates {
		for i := 0; i < replicas; i++ {
			ring = append(ring, ringPoint{hash: xxhash.Sum64String(a.ID + "#" + strconv.Itoa(i)), agent: a})
		}
	}
	slices.SortFunc(ring, func(x, y ringPoint) int { return cmp.Compare(x.hash, y.hash) })

	h := xxhash.Sum64String(hashKey(job))
	i, _ := slices.BinarySearchFunc(ring, h, func(p ringPoint, h uint64) int { return cmp.Compare(p.hash, h) })
	if i == len(ring) {
		i = 0
	}
	return ring[i].agent
}

func hashKey(job *types.JobInstance) string {
	if job == nil {
		return ""
	}
	if name := job.DispatchOption.HashKey; name != "" {
		if v, ok := job.Attributes[name]; ok {
			return fmt.Sprint(v)
		}
	}
	return job.PlanID + "/" + job.JobID
}

// ============================================================================
// 使用統計（LRU / LFU）
// ============================================================================

// usage 本節點對每個 agent 的下發紀錄
type usage struct {
	mu    sync.Mutex
	last  map[string]time.Time
	count map[string]uint64
}

func newUsage() *usage {
	return &usage{last: map[string]time.Time{}, count: map[string]uint64{}}
}

func (u *usage) record(agentID string, at time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.last[agentID] = at
	u.count[agentID]++
}

// LeastRecentlyUsed 選最久沒被下發的 agent
type LeastRecentlyUsed struct {
	usage *usage
}

// Select 實作 LBStrategy
func (l *LeastRecentlyUsed) Select(candidates []*types.Agent, _ *types.JobInstance) *types.Agent {
	if len(candidates) == 0 {
		return nil
	}
	l.usage.mu.Lock()
	defer l.usage.mu.Unlock()
	best := candidates[0]
	for _, a := range candidates[1:] {
		if l.usage.last[a.ID].Before(l.usage.last[best.ID]) {
			best = a
		}
	}
	return best
}

// LeastFrequentlyUsed 選被下發次數最少的 agent
type LeastFrequentlyUsed struct {
	usage *usage
}

// Select 實作 LBStrategy
func (l *LeastFrequentlyUsed) Select(candidates []*types.Agent, _ *types.JobInstance) *types.Agent {
	if len(candidates) == 0 {
		return nil
	}
	l.usage.mu.Lock()
	defer l.usage.mu.Unlock()
	best := candidates[0]
	for _, a := range candidates[1:] {
		if l.usage.count[a.ID] < l.usage.count[best.ID] {
			best = a
		}
	}
	return best
}
