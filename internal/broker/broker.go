// ============================================================================
// flowjob Broker - 排程節點
// ============================================================================
//
// Package: internal/broker
// 文件: broker.go
// 功能: 組裝一個 broker 節點，並以控制任務驅動整個排程循環
//
// 架構設計:
//
//   cluster.Monitor ──► cluster.Manager ──► slot.Manager（rehash）
//                                               │
//   MetaTaskScheduler（時間輪 + worker.Pool）◄───┘ 只處理自己 slot 內的實體
//        │
//        ├── PLAN_LOAD            載入 / 卸載 Plan 的觸發任務
//        ├── PLAN_SCHEDULE-<id>   觸發 Plan → Processor.SchedulePlan
//        ├── JOB_DISPATCH-<id>    選擇 agent 並下發 JobInstance
//        ├── JOB_EXECUTE_CHECK    EXECUTING 但 agent 已離線或失聯
//        ├── JOB_SCHEDULE_CHECK   SCHEDULING 但遲遲沒有下發
//        ├── AGENT_*_CHECK        agent 上下線
//        ├── NODE_HEARTBEAT       本節點心跳與成員同步
//        └── SNAPSHOT             單機模式的記憶體快照
//
// 並發安全:
//   slot 只是分工的提示；真正的互斥由儲存層的條件更新保證，
//   rehash 期間兩個節點短暫處理同一個 Plan 也不會產生重複的 Instance。
//
// ============================================================================

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/flowjob-broker/internal/agent"
	"github.com/ChuLiYu/flowjob-broker/internal/cluster"
	"github.com/ChuLiYu/flowjob-broker/internal/idgen"
	"github.com/ChuLiYu/flowjob-broker/internal/metrics"
	"github.com/ChuLiYu/flowjob-broker/internal/plan"
	"github.com/ChuLiYu/flowjob-broker/internal/processor"
	"github.com/ChuLiYu/flowjob-broker/internal/scheduler"
	"github.com/ChuLiYu/flowjob-broker/internal/slot"
	"github.com/ChuLiYu/flowjob-broker/internal/store"
	"github.com/ChuLiYu/flowjob-broker/internal/worker"
	"github.com/ChuLiYu/flowjob-broker/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrAlreadyStarted = errors.New("broker already started")
	ErrNotStarted     = errors.New("broker not started")
)

// ============================================================================
// 參數
// ============================================================================

// Config broker 節點參數
type Config struct {
	Node cluster.Node

	// 時間輪與 worker
	Tick        time.Duration
	WheelSize   int
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration

	// 控制任務間隔
	NodeHeartbeat         time.Duration
	PlanLoadInterval      time.Duration
	ExecuteCheckInterval  time.Duration
	ScheduleCheckInterval time.Duration
	AgentCheckInterval    time.Duration
	SnapshotInterval      time.Duration

	// 逾時
	NodeTimeout     time.Duration // broker 心跳逾時
	AgentTimeout    time.Duration // agent 心跳逾時
	DispatchTimeout time.Duration // 單次下發 RPC
	ReportTimeout   time.Duration // EXECUTING 的 JobInstance 多久沒回報視為失聯

	IDGen idgen.Config
}

// DefaultConfig 預設參數
func DefaultConfig() Config {
	return Config{
		Node:                  cluster.Node{Name: "broker", Host: "127.0.0.1", Port: 7200},
		Tick:                  100 * time.Millisecond,
		WheelSize:             512,
		Workers:               8,
		QueueSize:             1024,
		TaskTimeout:           30 * time.Second,
		NodeHeartbeat:         3 * time.Second,
		PlanLoadInterval:      time.Second,
		ExecuteCheckInterval:  5 * time.Second,
		ScheduleCheckInterval: 10 * time.Second,
		AgentCheckInterval:    3 * time.Second,
		SnapshotInterval:      30 * time.Second,
		NodeTimeout:           10 * time.Second,
		AgentTimeout:          10 * time.Second,
		DispatchTimeout:       3 * time.Second,
		ReportTimeout:         30 * time.Second,
		IDGen:                 idgen.DefaultConfig(),
	}
}

// withDefaults 未設定的欄位使用預設值
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	durations := []struct{ v, def *time.Duration }{
		{&c.Tick, &d.Tick},
		{&c.TaskTimeout, &d.TaskTimeout},
		{&c.NodeHeartbeat, &d.NodeHeartbeat},
		{&c.PlanLoadInterval, &d.PlanLoadInterval},
		{&c.ExecuteCheckInterval, &d.ExecuteCheckInterval},
		{&c.ScheduleCheckInterval, &d.ScheduleCheckInterval},
		{&c.AgentCheckInterval, &d.AgentCheckInterval},
		{&c.SnapshotInterval, &d.SnapshotInterval},
		{&c.NodeTimeout, &d.NodeTimeout},
		{&c.AgentTimeout, &d.AgentTimeout},
		{&c.DispatchTimeout, &d.DispatchTimeout},
		{&c.ReportTimeout, &d.ReportTimeout},
	}
	for _, f := range durations {
		if *f.v <= 0 {
			*f.v = *f.def
		}
	}
	if c.WheelSize <= 0 {
		c.WheelSize = d.WheelSize
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.IDGen.Step <= 0 {
		c.IDGen = d.IDGen
	}
	return c
}

// ============================================================================
// Broker
// ============================================================================

// Broker 一個排程節點
type Broker struct {
	cfg     Config
	store   store.Store
	metrics *metrics.Collector
	log     *slog.Logger
	now     func() time.Time

	ids        *idgen.Generator
	proc       *processor.Processor
	plans      *plan.Service
	agents     *agent.Registry
	dispatcher *agent.Dispatcher

	pool    *worker.Pool
	wheel   *scheduler.Wheel
	sched   *scheduler.Scheduler
	members *cluster.Manager
	monitor *cluster.Monitor
	slots   *slot.Manager

	mu        sync.Mutex
	started   bool
	stopped   bool
	startedAt time.Time
	loadedGen uint64              // 上次完整載入時的 slot generation
	lastLoad  time.Time           // 上次載入的時間
	loaded    map[string]struct{} // 已掛上觸發任務的 Plan
	recovered bool
}

// New 組裝 broker
//
// 參數：
//   - st: 儲存後端
//   - registry: broker 成員註冊中心
//   - client: 對 agent 的下發
//   - m: 指標，可為 nil
func New(cfg Config, st store.Store, registry cluster.Registry, client agent.Client, m *metrics.Collector, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	b := &Broker{
		cfg:     cfg,
		store:   st,
		metrics: m,
		log:     logger.With("component", "broker", "node", cfg.Node.URL()),
		now:     time.Now,
		loaded:  make(map[string]struct{}),
	}

	b.ids = idgen.New(st, cfg.IDGen, logger)
	b.members = cluster.NewManager(logger)
	b.proc = processor.New(st, b.ids, b, m, logger, processor.WithBrokerElector(b.electBroker))
	b.plans = plan.NewService(st, b.ids, b.proc, logger)
	b.agents = agent.NewRegistry(st.Agents(), cfg.AgentTimeout, m, logger)
	b.dispatcher = agent.NewDispatcher(b.agents, nil, client, cfg.DispatchTimeout, m, logger)

	b.pool = worker.NewPool(cfg.QueueSize, worker.WithLogger(logger), worker.WithResultHandler(scheduler.ResultHandler(m)))
	b.wheel = scheduler.NewWheel(cfg.Tick, cfg.WheelSize)
	b.sched = scheduler.New(b.wheel, b.pool, scheduler.Config{TaskTimeout: cfg.TaskTimeout}, m, logger)

	b.monitor = cluster.NewMonitor(cfg.Node, registry, b.members, cfg.NodeTimeout, logger)
	b.slots = slot.NewManager(cfg.Node, st, logger)
	b.slots.OnRehash(m.SetOwnedSlots)
	b.members.Subscribe(func(alive []cluster.Node) {
		m.SetAliveBrokers(len(alive))
		b.slots.Rehash(alive)
	})
	return b
}

// electBroker 依 JobInstance id 在存活 broker 中選出接收回報的節點，叢集為空時用本節點
func (b *Broker) electBroker(jobInstanceID string) string {
	if n, ok := b.members.Elect(jobInstanceID); ok {
		return n.URL()
	}
	return b.cfg.Node.URL()
}

// Processor DAG 引擎
func (b *Broker) Processor() *processor.Processor { return b.proc }

// Plans Plan 管理
func (b *Broker) Plans() *plan.Service { return b.plans }

// Agents agent 註冊表
func (b *Broker) Agents() *agent.Registry { return b.agents }

// Slots slot 分配
func (b *Broker) Slots() *slot.Manager { return b.slots }

// Start 加入叢集、載入 Plan 並啟動控制任務
//
// 返回時本節點已完成第一次 Plan 載入。
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	b.started = true
	b.startedAt = b.now()
	b.mu.Unlock()

	if err := b.pool.Start(b.cfg.Workers); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	b.wheel.Start()

	if err := b.monitor.Sync(ctx); err != nil {
		return fmt.Errorf("join cluster: %w", err)
	}
	if err := b.agents.OnlineCheck(ctx); err != nil {
		b.log.Warn("initial agent load failed", "error", err)
	}
	b.loadPlans(ctx)
	b.recoverJobs(ctx)

	for _, t := range b.controlTasks() {
		b.sched.Schedule(t)
	}
	b.log.Info("broker started",
		"owned_slots", len(b.slots.OwnedSlots()),
		"alive_brokers", len(b.members.AllAlive()),
		"meta_tasks", b.sched.Count())
	return nil
}

// Stop 停止排程並離開叢集；可重複呼叫
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return ErrNotStarted
	}
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.mu.Unlock()

	b.sched.Clear()
	b.wheel.Stop()
	b.pool.Stop()

	var errs []error
	if err := b.monitor.Leave(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := b.snapshot(ctx); err != nil {
		errs = append(errs, err)
	}
	b.log.Info("broker stopped")
	return errors.Join(errs...)
}

// ============================================================================
// Enqueuer
// ============================================================================

// EnqueueJobInstance 實作 processor.Enqueuer：在 TriggerAt 下發
func (b *Broker) EnqueueJobInstance(ji *types.JobInstance) {
	id := ji.ID
	b.sched.Schedule(scheduler.NewFuncTask(scheduler.TypeJobDispatch, id, ji.TriggerAt, func(ctx context.Context) {
		b.dispatch(ctx, id)
	}))
}

// EnqueuePlan 實作 processor.Enqueuer：FIXED_DELAY 的 Plan 完成後排入下一輪
//
// 只有版本未變、仍啟用且仍是 SCHEDULE 觸發的 Plan 會被重新排程。
func (b *Broker) EnqueuePlan(w processor.WaitSchedulePlan) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.TaskTimeout)
	defer cancel()

	p, err := b.plans.Get(ctx, w.PlanID)
	if err != nil {
		b.log.Warn("reload plan for next round failed", "planID", w.PlanID, "error", err)
		return
	}
	if p.Version != w.Version || !p.Enabled || p.TriggerType != types.TriggerSchedule {
		b.log.Debug("plan changed, next round dropped", "planID", p.ID, "version", p.Version, "finishedVersion", w.Version)
		return
	}
	p.LatelyTriggerAt = w.TriggerAt
	p.LatelyFeedbackAt = w.FeedbackAt
	b.schedulePlan(p)
}

// Enqueuer 確認實作
var _ processor.Enqueuer = (*Broker)(nil)
