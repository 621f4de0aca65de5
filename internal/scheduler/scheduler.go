// ============================================================================
// flowjob MetaTaskScheduler - 控制任務排程器
// ============================================================================
//
// Package: internal/scheduler
// 文件: scheduler.go
// 功能: 以時間輪觸發控制任務（載入 Plan、檢查執行、下發 JobInstance ...），
//       任務本體一律交給有界的 worker.Pool 執行
//
// 任務登記表:
//   map[scheduleID]*entry，scheduleID = "<TYPE>-<id>"
//
//   Schedule(task)    已在排程中則不做任何事
//   Unschedule(id)    冪等；之後即使舊的 timeout 到期也不會執行
//   Reschedule(task)  僅當任務仍在登記表中才重新掛上時間輪
//
// 一次性任務在觸發時先從登記表移除，再投遞到 Pool；
// 循環任務觸發後保留在登記表中，由任務自己重新掛上時間輪。
// 循環任務只動登記在自己名下的項目：同一 scheduleID 已換成新任務時，
// 舊任務排在 Pool 中的那次執行不會覆蓋或移除新任務。
//
// Pool 緩衝已滿時不阻塞 tick goroutine，而是延後一個 tick 重試。
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/flowjob-broker/internal/metrics"
	"github.com/ChuLiYu/flowjob-broker/internal/worker"
)

// TaskType 控制任務類型
type TaskType string

const (
	TypePlanLoad          TaskType = "PLAN_LOAD"
	TypePlanSchedule      TaskType = "PLAN_SCHEDULE"
	TypeJobDispatch       TaskType = "JOB_DISPATCH"
	TypeJobExecuteCheck   TaskType = "JOB_EXECUTE_CHECK"
	TypeJobScheduleCheck  TaskType = "JOB_SCHEDULE_CHECK"
	TypeAgentOnlineCheck  TaskType = "AGENT_ONLINE_CHECK"
	TypeAgentOfflineCheck TaskType = "AGENT_OFFLINE_CHECK"
	TypeNodeHeartbeat     TaskType = "NODE_HEARTBEAT"
	TypeSnapshot          TaskType = "SNAPSHOT"
)

// Task 可被排程的控制任務
type Task interface {
	Type() TaskType
	ID() string
	// TriggerAt 下一次觸發時間
	TriggerAt() time.Time
	// Execute 在 worker goroutine 上執行
	Execute(ctx context.Context)
}

// Looping 由循環任務實作；觸發後不從登記表移除
type Looping interface {
	Looping() bool
}

// ScheduleID 任務在登記表中的鍵
func ScheduleID(t Task) string {
	return MakeScheduleID(t.Type(), t.ID())
}

// MakeScheduleID 組合 scheduleID
func MakeScheduleID(typ TaskType, id string) string {
	return fmt.Sprintf("%s-%s", typ, id)
}

// ParseScheduleID 拆出 MakeScheduleID 的類型與 id
func ParseScheduleID(scheduleID string) (TaskType, string) {
	typ, id, _ := strings.Cut(scheduleID, "-")
	return TaskType(typ), id
}

// ResultHandler 把 worker 回報的控制任務失敗（逾時或 panic）記入指標，供 worker.WithResultHandler 使用
func ResultHandler(m *metrics.Collector) func(worker.Result) {
	return func(r worker.Result) {
		if r.Success {
			return
		}
		typ, _ := ParseScheduleID(r.Name)
		reason := "panic"
		if errors.Is(r.Error, context.DeadlineExceeded) {
			reason = "timeout"
		}
		m.RecordMetaTaskFailed(string(typ), reason)
	}
}

func isLooping(t Task) bool {
	l, ok := t.(Looping)
	return ok && l.Looping()
}

type entry struct {
	id      string
	task    Task
	timeout *Timeout
	loop    bool
}

// Config 排程器參數
type Config struct {
	TaskTimeout time.Duration // 單一任務本體的執行上限，0 表示不限制
}

// Scheduler 控制任務排程器
type Scheduler struct {
	wheel   *Wheel
	pool    *worker.Pool
	cfg     Config
	metrics *metrics.Collector
	log     *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// New 建立排程器；wheel 與 pool 的生命週期由呼叫方管理
func New(wheel *Wheel, pool *worker.Pool, cfg Config, m *metrics.Collector, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		wheel:   wheel,
		pool:    pool,
		cfg:     cfg,
		metrics: m,
		log:     logger.With("component", "scheduler"),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Schedule 排程任務；已在排程中時返回 false
func (s *Scheduler) Schedule(task Task) bool {
	id := ScheduleID(task)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; ok {
		return false
	}
	e := &entry{id: id, task: task, loop: isLooping(task)}
	if err := s.armLocked(e); err != nil {
		s.log.Warn("schedule meta task failed", "scheduleID", id, "error", err)
		return false
	}
	s.entries[id] = e
	s.metrics.SetMetaTasks(len(s.entries))
	return true
}

// Unschedule 取消任務（冪等）
func (s *Scheduler) Unschedule(scheduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[scheduleID]
	if !ok {
		return
	}
	if e.timeout != nil {
		e.timeout.Cancel()
	}
	delete(s.entries, scheduleID)
	s.metrics.SetMetaTasks(len(s.entries))
}

// Reschedule 以新的觸發時間重新掛上時間輪；任務已被取消時返回 false
func (s *Scheduler) Reschedule(task Task) bool {
	id := ScheduleID(task)

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	if e.timeout != nil {
		e.timeout.Cancel()
	}
	e.task = task
	if err := s.armLocked(e); err != nil {
		s.log.Warn("reschedule meta task failed", "scheduleID", id, "error", err)
		delete(s.entries, id)
		s.metrics.SetMetaTasks(len(s.entries))
		return false
	}
	return true
}

// rearmOwned 與 Reschedule 相同，但登記的必須是 task 本身
func (s *Scheduler) rearmOwned(task Task) bool {
	id := ScheduleID(task)

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.task != task {
		return false
	}
	if e.timeout != nil {
		e.timeout.Cancel()
	}
	if err := s.armLocked(e); err != nil {
		s.log.Warn("reschedule meta task failed", "scheduleID", id, "error", err)
		delete(s.entries, id)
		s.metrics.SetMetaTasks(len(s.entries))
		return false
	}
	return true
}

// unscheduleOwned 只在登記的是 task 本身時取消
func (s *Scheduler) unscheduleOwned(task Task) {
	id := ScheduleID(task)

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.task != task {
		return
	}
	if e.timeout != nil {
		e.timeout.Cancel()
	}
	delete(s.entries, id)
	s.metrics.SetMetaTasks(len(s.entries))
}

// IsScheduling 任務是否仍在登記表中
func (s *Scheduler) IsScheduling(scheduleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[scheduleID]
	return ok
}

// Count 登記表大小
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Clear 取消所有任務
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if e.timeout != nil {
			e.timeout.Cancel()
		}
		delete(s.entries, id)
	}
	s.metrics.SetMetaTasks(0)
}

func (s *Scheduler) armLocked(e *entry) error {
	delay := e.task.TriggerAt().Sub(s.now())
	t, err := s.wheel.NewTimeout(delay, func(t *Timeout) { s.fire(e, t) })
	if err != nil {
		return err
	}
	e.timeout = t
	return nil
}

// fire 在 tick goroutine 上執行，只做投遞
func (s *Scheduler) fire(e *entry, t *Timeout) {
	s.mu.Lock()
	cur, ok := s.entries[e.id]
	if !ok || cur != e || e.timeout != t {
		// 已被取消或重新排程
		s.mu.Unlock()
		return
	}
	task := e.task
	if !e.loop {
		delete(s.entries, e.id)
		s.metrics.SetMetaTasks(len(s.entries))
	}
	s.mu.Unlock()

	err := s.pool.TrySubmit(worker.Task{
		Name:    e.id,
		Timeout: s.cfg.TaskTimeout,
		Run: func(ctx context.Context) error {
			start := time.Now()
			task.Execute(ctx)
			s.metrics.RecordMetaTaskDuration(string(task.Type()), time.Since(start))
			// 超過 TaskTimeout 才返回的任務回報為失敗
			return ctx.Err()
		},
	})
	switch {
	case err == nil:
		s.metrics.RecordMetaTaskFired(string(task.Type()))
	case errors.Is(err, worker.ErrPoolSaturated):
		s.log.Warn("worker pool saturated, delaying meta task", "scheduleID", e.id)
		s.retryLater(e, task)
	default:
		s.log.Debug("drop meta task", "scheduleID", e.id, "error", err)
	}
}

// retryLater 延後一個 tick 重新投遞
func (s *Scheduler) retryLater(e *entry, task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[e.id]; ok && cur != e {
		// 期間已有新的同 id 任務
		return
	}
	if !e.loop {
		if _, ok := s.entries[e.id]; ok {
			return
		}
		s.entries[e.id] = e
		s.metrics.SetMetaTasks(len(s.entries))
	} else if _, ok := s.entries[e.id]; !ok {
		// 循環任務在此期間被取消
		return
	}
	t, err := s.wheel.NewTimeout(s.wheel.tickDuration, func(t *Timeout) { s.fire(e, t) })
	if err != nil {
		delete(s.entries, e.id)
		s.metrics.SetMetaTasks(len(s.entries))
		return
	}
	e.task = task
	e.timeout = t
}
