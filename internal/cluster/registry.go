package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Registry broker 心跳註冊中心
type Registry interface {
	// Heartbeat 登記（或續約）節點
	Heartbeat(ctx context.Context, n Node) error
	// Alive 返回最近 timeout 內有心跳的節點
	Alive(ctx context.Context, timeout time.Duration) ([]Node, error)
	// Remove 主動註銷節點
	Remove(ctx context.Context, n Node) error
}

// ============================================================================
// MemoryRegistry 單機模式
// ============================================================================

// MemoryRegistry 程序內註冊中心，供單機與測試使用
type MemoryRegistry struct {
	mu    sync.Mutex
	beats map[string]time.Time
	nodes map[string]Node
	now   func() time.Time
}

// NewMemoryRegistry 建立程序內註冊中心
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		beats: make(map[string]time.Time),
		nodes: make(map[string]Node),
		now:   time.Now,
	}
}

func (r *MemoryRegistry) Heartbeat(_ context.Context, n Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beats[n.URL()] = r.now()
	r.nodes[n.URL()] = n
	return nil
}

func (r *MemoryRegistry) Alive(_ context.Context, timeout time.Duration) ([]Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	since := r.now().Add(-timeout)
	var out []Node
	for url, at := range r.beats {
		if !at.Before(since) {
			out = append(out, r.nodes[url])
		}
	}
	return SortNodes(out), nil
}

func (r *MemoryRegistry) Remove(_ context.Context, n Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.beats, n.URL())
	delete(r.nodes, n.URL())
	return nil
}

// ============================================================================
// RedisRegistry 叢集模式
// ============================================================================
//
// 資料結構:
//   <prefix>brokers        ZSET  member=url  score=最後心跳 (unix ms)
//   <prefix>brokers:nodes  HASH  field=url   value=節點 JSON
//

// RedisRegistry 以 redis sorted set 實作的註冊中心
type RedisRegistry struct {
	cli    *redis.Client
	prefix string
	now    func() time.Time
	log    *slog.Logger
}

// NewRedisRegistry 建立 redis 註冊中心
func NewRedisRegistry(cli *redis.Client, prefix string, logger *slog.Logger) *RedisRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRegistry{
		cli:    cli,
		prefix: prefix,
		now:    time.Now,
		log:    logger.With("component", "cluster.redis"),
	}
}

func (r *RedisRegistry) zsetKey() string { return r.prefix + "brokers" }
func (r *RedisRegistry) hashKey() string { return r.prefix + "brokers:nodes" }

func (r *RedisRegistry) Heartbeat(ctx context.Context, n Node) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal node: %w", err)
	}
	_, err = r.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, r.zsetKey(), &redis.Z{Score: float64(r.now().UnixMilli()), Member: n.URL()})
		p.HSet(ctx, r.hashKey(), n.URL(), data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("broker heartbeat %s: %w", n.URL(), err)
	}
	return nil
}

func (r *RedisRegistry) Alive(ctx context.Context, timeout time.Duration) ([]Node, error) {
	from := r.now().Add(-timeout).UnixMilli()
	urls, err := r.cli.ZRangeByScore(ctx, r.zsetKey(), &redis.ZRangeBy{
		Min: strconv.FormatInt(from, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list alive brokers: %w", err)
	}
	if len(urls) == 0 {
		return nil, nil
	}

	vals, err := r.cli.HMGet(ctx, r.hashKey(), urls...).Result()
	if err != nil {
		return nil, fmt.Errorf("load broker nodes: %w", err)
	}
	nodes := make([]Node, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			r.log.Warn("broker heartbeat without node info", "url", urls[i])
			continue
		}
		var n Node
		if err := json.Unmarshal([]byte(s), &n); err != nil {
			r.log.Warn("corrupted broker node info", "url", urls[i], "error", err)
			continue
		}
		nodes = append(nodes, n)
	}
	return SortNodes(nodes), nil
}

func (r *RedisRegistry) Remove(ctx context.Context, n Node) error {
	_, err := r.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, r.zsetKey(), n.URL())
		p.HDel(ctx, r.hashKey(), n.URL())
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove broker %s: %w", n.URL(), err)
	}
	return nil
}
