// ============================================================================
// flowjob Hashed Wheel Timer
// ============================================================================
//
// Package: internal/scheduler
// 文件: wheel.go
//
// 結構:
//   buckets[0..size-1]，每個 tick 處理一個 bucket。
//   新的 timeout 先放進 pending，由 tick goroutine 在下一個 tick 搬入 bucket：
//
//     calculated = tick + ceil((deadline - now) / tickDuration)
//     bucket     = calculated mod size
//     rounds     = (calculated - tick) / size
//
//   tick 處理 bucket 時，rounds == 0 的 timeout 到期，其餘 rounds--。
//
// 所有 bucket 只被 tick goroutine 存取，不需要鎖；pending 由互斥鎖保護。
// 到期回呼在 tick goroutine 上執行，因此回呼必須只做投遞（不可阻塞）。
//
// ============================================================================

package scheduler

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrWheelStopped 時間輪已停止
var ErrWheelStopped = errors.New("timer wheel is stopped")

// Timeout 一個待觸發的回呼
type Timeout struct {
	deadline  time.Time
	fn        func(*Timeout)
	rounds    int64
	cancelled atomic.Bool
}

// Cancel 取消；已到期或已取消時無作用
func (t *Timeout) Cancel() { t.cancelled.Store(true) }

// Cancelled 是否已取消
func (t *Timeout) Cancelled() bool { return t.cancelled.Load() }

// Deadline 預計觸發時間
func (t *Timeout) Deadline() time.Time { return t.deadline }

// Wheel 時間輪
type Wheel struct {
	tickDuration time.Duration
	buckets      [][]*Timeout
	tick         int64

	mu      sync.Mutex
	pending []*Timeout
	state   int // 0 未啟動, 1 運行中, 2 已停止

	stopCh chan struct{}
	doneCh chan struct{}
	now    func() time.Time
}

// NewWheel 建立時間輪
func NewWheel(tickDuration time.Duration, size int) *Wheel {
	if tickDuration <= 0 {
		tickDuration = 100 * time.Millisecond
	}
	if size <= 0 {
		size = 512
	}
	return &Wheel{
		tickDuration: tickDuration,
		buckets:      make([][]*Timeout, size),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		now:          time.Now,
	}
}

// Start 啟動 tick goroutine（重複呼叫無作用）
func (w *Wheel) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != 0 {
		return
	}
	w.state = 1
	go w.run()
}

// Stop 停止時間輪，返回尚未觸發且未取消的 timeout
func (w *Wheel) Stop() []*Timeout {
	w.mu.Lock()
	switch w.state {
	case 0:
		w.state = 2
		w.mu.Unlock()
		return nil
	case 2:
		w.mu.Unlock()
		return nil
	}
	w.state = 2
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	var unprocessed []*Timeout
	for _, b := range w.buckets {
		for _, t := range b {
			if !t.Cancelled() {
				unprocessed = append(unprocessed, t)
			}
		}
	}
	w.mu.Lock()
	for _, t := range w.pending {
		if !t.Cancelled() {
			unprocessed = append(unprocessed, t)
		}
	}
	w.pending = nil
	w.mu.Unlock()
	return unprocessed
}

// NewTimeout 在 delay 之後呼叫 fn
func (w *Wheel) NewTimeout(delay time.Duration, fn func(*Timeout)) (*Timeout, error) {
	t := &Timeout{deadline: w.now().Add(delay), fn: fn}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == 2 {
		return nil, ErrWheelStopped
	}
	w.pending = append(w.pending, t)
	return t, nil
}

func (w *Wheel) run() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.tickDuration)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.advance()
		}
	}
}

// advance 處理一個 tick
func (w *Wheel) advance() {
	now := w.now()
	w.transferPending(now)

	size := int64(len(w.buckets))
	idx := w.tick % size
	bucket := w.buckets[idx]
	kept := bucket[:0]
	for _, t := range bucket {
		switch {
		case t.Cancelled():
		case t.rounds <= 0:
			t.fn(t)
		default:
			t.rounds--
			kept = append(kept, t)
		}
	}
	// 清除尾端引用，避免保留已觸發的 timeout
	for i := len(kept); i < len(bucket); i++ {
		bucket[i] = nil
	}
	w.buckets[idx] = kept
	w.tick++
}

func (w *Wheel) transferPending(now time.Time) {
	w.mu.Lock()
	pending := w.pending
	w.pending = nil
	w.mu.Unlock()

	size := int64(len(w.buckets))
	for _, t := range pending {
		if t.Cancelled() {
			continue
		}
		ticks := int64(0)
		if d := t.deadline.Sub(now); d > 0 {
			ticks = int64((d + w.tickDuration - 1) / w.tickDuration)
		}
		calculated := w.tick + ticks
		t.rounds = ticks / size
		idx := calculated % size
		w.buckets[idx] = append(w.buckets[idx], t)
	}
}
