package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/flowjob-broker/internal/schedule"
	"github.com/ChuLiYu/flowjob-broker/pkg/types"
)

// ErrNoTrigger 計算不出下一次觸發時間
var ErrNoTrigger = errors.New("no next trigger")

// ============================================================================
// 一次性任務
// ============================================================================

// FuncTask 一次性任務
type FuncTask struct {
	typ TaskType
	id  string
	at  time.Time
	fn  func(ctx context.Context)
}

// NewFuncTask 在 at 執行一次 fn
func NewFuncTask(typ TaskType, id string, at time.Time, fn func(ctx context.Context)) *FuncTask {
	return &FuncTask{typ: typ, id: id, at: at, fn: fn}
}

func (t *FuncTask) Type() TaskType              { return t.typ }
func (t *FuncTask) ID() string                  { return t.id }
func (t *FuncTask) TriggerAt() time.Time        { return t.at }
func (t *FuncTask) Execute(ctx context.Context) { t.fn(ctx) }

// ============================================================================
// 循環任務
// ============================================================================
//
// FIXED_RATE / CRON: 先計算下一次並重新排程，再執行本體
// FIXED_DELAY:       先執行本體，記錄完成時間，再計算下一次並重新排程
//
// 計算結果為 NoTrigger 時循環結束（從登記表移除）。

// LoopTask 依 ScheduleOption 反覆觸發的任務
type LoopTask struct {
	typ   TaskType
	id    string
	opt   types.ScheduleOption
	calc  schedule.Calculator
	sched *Scheduler
	body  func(ctx context.Context, triggerAt time.Time)
	now   func() time.Time

	mu        sync.Mutex
	state     schedule.State
	triggerAt time.Time
}

// NewLoopTask 建立循環任務並計算第一次觸發時間
func NewLoopTask(s *Scheduler, typ TaskType, id string, opt types.ScheduleOption, state schedule.State,
	body func(ctx context.Context, triggerAt time.Time)) (*LoopTask, error) {
	calc, err := schedule.For(opt.Type)
	if err != nil {
		return nil, err
	}
	t := &LoopTask{
		typ:   typ,
		id:    id,
		opt:   opt,
		calc:  calc,
		sched: s,
		body:  body,
		now:   s.now,
		state: state,
	}
	t.triggerAt = calc.Next(opt, state, t.now())
	if t.triggerAt.IsZero() {
		return nil, ErrNoTrigger
	}
	return t, nil
}

// NewFixedDelayTask 每次執行完成後間隔 interval 再執行；第一次在 now + interval
func NewFixedDelayTask(s *Scheduler, typ TaskType, id string, interval time.Duration, fn func(ctx context.Context)) *LoopTask {
	now := s.now()
	opt := types.ScheduleOption{Type: types.ScheduleFixedDelay, StartAt: now, Delay: interval, Interval: interval}
	t, err := NewLoopTask(s, typ, id, opt, schedule.State{}, func(ctx context.Context, _ time.Time) { fn(ctx) })
	if err != nil {
		// FIXED_DELAY 的第一次觸發一定存在
		panic(err)
	}
	return t
}

func (t *LoopTask) Type() TaskType { return t.typ }
func (t *LoopTask) ID() string     { return t.id }
func (t *LoopTask) Looping() bool  { return true }

// TriggerAt 下一次觸發時間
func (t *LoopTask) TriggerAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.triggerAt
}

// State 觸發紀錄
func (t *LoopTask) State() schedule.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Execute 執行一次並安排下一次
func (t *LoopTask) Execute(ctx context.Context) {
	if t.opt.Type == types.ScheduleFixedDelay {
		fired := t.TriggerAt()
		t.body(ctx, fired)

		t.mu.Lock()
		t.state.LastTriggerAt = fired
		t.state.LastFeedbackAt = t.now()
		next := t.calc.Next(t.opt, t.state, t.now())
		t.triggerAt = next
		t.mu.Unlock()
		t.rearm(next)
		return
	}

	t.mu.Lock()
	fired := t.triggerAt
	t.state.LastTriggerAt = fired
	next := t.calc.Next(t.opt, t.state, t.now())
	t.triggerAt = next
	t.mu.Unlock()
	t.rearm(next)

	t.body(ctx, fired)
}

// rearm 已被同 id 的新任務取代時不做任何事
func (t *LoopTask) rearm(next time.Time) {
	if next.IsZero() {
		t.sched.unscheduleOwned(t)
		return
	}
	t.sched.rearmOwned(t)
}
