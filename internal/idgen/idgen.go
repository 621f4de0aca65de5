// ============================================================================
// flowjob IDGenerator - 分段式分散式 ID 分配
// ============================================================================
//
// Package: internal/idgen
// 文件: idgen.go
//
// 設計:
//   每個節點為每種 ID 類型在記憶體中保存一段 (current, end)。
//   當 current >= end 時，從持久化計數器讀取最新值 old，
//   以 CAS（UPDATE ... WHERE current_id = old）把計數器推進到 old + step，
//   成功後本節點獨佔 (old, old+step] 這一段。
//
//   - 同一類型的 refill 在本節點互斥；不同類型互不影響
//   - CAS 失敗時依 wait.Backoff 退避重試，次數耗盡返回 ErrSystemBusy
//   - 不同節點的 ID 不連續（有空洞），但絕不重複
//
// ============================================================================

package idgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// ErrSystemBusy CAS 重試次數耗盡
var ErrSystemBusy = errors.New("the system is busy, try again later")

// IDType 需要分配 ID 的實體類型
type IDType string

const (
	TypePlan        IDType = "PLAN"
	TypePlanVersion IDType = "PLAN_VERSION"
	TypeInstance    IDType = "INSTANCE"
	TypeJobInstance IDType = "JOB_INSTANCE"
	TypeAgent       IDType = "AGENT"
)

// SegmentStore 持久化計數器
type SegmentStore interface {
	// Current 讀取計數器當前值，不存在時建立為 0
	Current(ctx context.Context, t IDType) (int64, error)
	// CompareAndSwap 僅當計數器等於 old 時更新為 next
	CompareAndSwap(ctx context.Context, t IDType, old, next int64) (bool, error)
}

// Config 分配器參數
type Config struct {
	Step       int64         // 每次 refill 取得的 ID 數量
	MaxRetries int           // CAS 最大重試次數
	Backoff    time.Duration // CAS 失敗後的等待時間
}

// DefaultConfig 預設參數
func DefaultConfig() Config {
	return Config{
		Step:       1000,
		MaxRetries: 10,
		Backoff:    200 * time.Millisecond,
	}
}

type segment struct {
	mu      sync.Mutex
	current int64
	end     int64
}

// Generator ID 分配器，程序啟動時建立一次並以指標共享
type Generator struct {
	store SegmentStore
	cfg   Config
	log   *slog.Logger

	mu       sync.Mutex
	segments map[IDType]*segment
}

// New 建立 ID 分配器
func New(store SegmentStore, cfg Config, logger *slog.Logger) *Generator {
	def := DefaultConfig()
	if cfg.Step <= 0 {
		cfg.Step = def.Step
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		store:    store,
		cfg:      cfg,
		log:      logger.With("component", "idgen"),
		segments: make(map[IDType]*segment),
	}
}

func (g *Generator) segmentOf(t IDType) *segment {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.segments[t]
	if !ok {
		s = &segment{}
		g.segments[t] = s
	}
	return s
}

// GenerateID 分配一個新 ID
func (g *Generator) GenerateID(ctx context.Context, t IDType) (string, error) {
	s := g.segmentOf(t)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current >= s.end {
		if err := g.refill(ctx, t, s); err != nil {
			return "", err
		}
	}
	s.current++
	return strconv.FormatInt(s.current, 10), nil
}

// backoff CAS 競爭時的重試節奏，Steps 即最大嘗試次數
func (g *Generator) backoff() wait.Backoff {
	return wait.Backoff{
		Steps:    g.cfg.MaxRetries,
		Duration: g.cfg.Backoff,
		Factor:   1.0,
		Jitter:   0.1,
	}
}

// refill 呼叫時已持有 s.mu
func (g *Generator) refill(ctx context.Context, t IDType, s *segment) error {
	attempt := 0
	err := wait.ExponentialBackoffWithContext(ctx, g.backoff(), func(ctx context.Context) (bool, error) {
		attempt++
		old, err := g.store.Current(ctx, t)
		if err != nil {
			return false, fmt.Errorf("read id segment %s: %w", t, err)
		}
		newEnd := old + g.cfg.Step
		ok, err := g.store.CompareAndSwap(ctx, t, old, newEnd)
		if err != nil {
			return false, fmt.Errorf("claim id segment %s: %w", t, err)
		}
		if !ok {
			g.log.Debug("id segment contention", "type", t, "attempt", attempt)
			return false, nil
		}
		s.current = old
		s.end = newEnd
		return true, nil
	})
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case wait.Interrupted(err):
		g.log.Warn("id segment refill exhausted", "type", t, "retries", attempt)
		return ErrSystemBusy
	default:
		return err
	}
}
