// ============================================================================
// flowjob Worker Pool - meta task 執行池
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 以固定數量的 goroutine 執行時間輪觸發的任務本體
//
// 設計模式:
//   採用 Worker Pool 模式：
//   1. 固定數量的 Worker goroutine 持續運行
//   2. 通過共享的帶緩衝任務 channel 分發任務
//   3. 時間輪的 tick goroutine 只負責投遞（TrySubmit），永遠不執行任務本體
//
// 架構組件:
//   ┌─────────────┐
//   │ Wheel tick  │ --TrySubmit()--> taskCh
//   └─────────────┘
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ onResult(Result)
//   │  │Worker N│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 錯誤處理:
//   - ErrPoolNotStarted: Pool 未啟動時提交任務
//   - ErrPoolClosed: Pool 已關閉時提交任務
//   - ErrPoolSaturated: 緩衝已滿（僅 TrySubmit）
//   - 任務 panic 由 Worker 攔截並轉為錯誤結果
//
// 優雅關閉:
//   Stop() 在鎖內標記 stopped 並關閉 taskCh，Submit 也在同一把鎖內投遞，
//   因此不會向已關閉的 channel 發送；已排隊的任務會被執行完畢。
//
// ============================================================================

package worker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolSaturated 表示任務緩衝已滿
	ErrPoolSaturated = errors.New("worker pool is saturated")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers  []*Worker      // 所有啟動的 Worker
	taskCh   chan Task      // 任務通道
	wg       sync.WaitGroup // 等待所有 Worker 退出
	started  bool           // 是否已啟動
	stopped  bool           // 是否已停止
	mu       sync.Mutex     // 保護 started / stopped 與 taskCh 的投遞
	onResult func(Result)
	log      *slog.Logger
}

// Option Pool 選項
type Option func(*Pool)

// WithResultHandler 設定結果回呼（例如記錄指標）
func WithResultHandler(fn func(Result)) Option {
	return func(p *Pool) { p.onResult = fn }
}

// WithLogger 設定日誌
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - bufferSize: 任務通道的緩衝大小（排隊上限）
func NewPool(bufferSize int, opts ...Option) *Pool {
	p := &Pool{
		workers: make([]*Worker, 0),
		taskCh:  make(chan Task, bufferSize),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("component", "worker")
	return p
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p.taskCh, p.onResult, p.log)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	return nil
}

// Submit 提交任務，緩衝已滿時阻塞直到有空位
func (p *Pool) Submit(task Task) error {
	for {
		err := p.TrySubmit(task)
		if !errors.Is(err, ErrPoolSaturated) {
			return err
		}
		// 緩衝已滿：在鎖外稍候再重試
		time.Sleep(time.Millisecond)
	}
}

// TrySubmit 非阻塞提交；緩衝已滿時返回 ErrPoolSaturated
func (p *Pool) TrySubmit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	select {
	case p.taskCh <- task:
		return nil
	default:
		return ErrPoolSaturated
	}
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌並關閉 taskCh（同一把鎖內，Submit 不會與之競爭）
//  2. Worker 處理完排隊中的任務後退出
//  3. 等待所有 Worker 完成
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Pending 排隊中的任務數
func (p *Pool) Pending() int {
	return len(p.taskCh)
}
