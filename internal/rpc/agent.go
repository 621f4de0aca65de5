package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/flowjob-broker/internal/processor"
	"github.com/ChuLiYu/flowjob-broker/pkg/types"
)

// ErrAgentBusy agent 的執行佇列已滿
var ErrAgentBusy = errors.New("agent queue is full")

// Executor 在 agent 上執行一種任務；返回的屬性成為 JobInstance 的 Context
type Executor interface {
	Execute(ctx context.Context, job *Job) (types.Attributes, error)
}

// ExecutorFunc 函式形式的 Executor
type ExecutorFunc func(ctx context.Context, job *Job) (types.Attributes, error)

// Execute 實作 Executor
func (f ExecutorFunc) Execute(ctx context.Context, job *Job) (types.Attributes, error) {
	return f(ctx, job)
}

// AgentConfig agent 參數
type AgentConfig struct {
	ID                string
	Host              string
	Port              int
	QueueLimit        int           // 同時執行的任務上限
	HeartbeatInterval time.Duration // 對 broker 的心跳間隔
	ReportInterval    time.Duration // 執行中任務的回報間隔
}

// AgentServer 參考用的 agent：接收下發、執行並回報
//
// 生命週期：
//
//	Dispatch → JobExecuting（broker 拒絕則不執行）→ Execute（期間定期 JobReport）→ Feedback
type AgentServer struct {
	cfg    AgentConfig
	broker *BrokerClient
	log    *slog.Logger

	mu        sync.RWMutex
	executors map[string]Executor

	slots  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAgentServer 建立 AgentServer；未指定 ID 時產生一個
func NewAgentServer(cfg AgentConfig, broker *BrokerClient, logger *slog.Logger) *AgentServer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ID == "" {
		cfg.ID = "agent-" + uuid.NewString()
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 10
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 3 * time.Second
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AgentServer{
		cfg:       cfg,
		broker:    broker,
		log:       logger.With("component", "agent", "agentID", cfg.ID),
		executors: make(map[string]Executor),
		slots:     make(chan struct{}, cfg.QueueLimit),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// ID agent id
func (a *AgentServer) ID() string { return a.cfg.ID }

// Handle 註冊 executor
func (a *AgentServer) Handle(name string, e Executor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.executors[name] = e
}

// Register 註冊到 gRPC server
func (a *AgentServer) Register(s grpc.ServiceRegistrar) {
	RegisterAgentService(s, a)
}

// Available 剩餘的執行名額
func (a *AgentServer) Available() int {
	return cap(a.slots) - len(a.slots)
}

// Dispatch 接收 broker 下發的 JobInstance，立即返回並在背景執行
func (a *AgentServer) Dispatch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	job, err := decodeJob(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	a.mu.RLock()
	e, ok := a.executors[job.Executor]
	a.mu.RUnlock()
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "no executor %q on agent %s", job.Executor, a.cfg.ID)
	}

	select {
	case a.slots <- struct{}{}:
	default:
		return nil, status.Error(codes.ResourceExhausted, ErrAgentBusy.Error())
	}
	a.wg.Add(1)
	go a.run(job, e)
	return &structpb.Struct{}, nil
}

func (a *AgentServer) run(job *Job, e Executor) {
	defer a.wg.Done()
	defer func() { <-a.slots }()

	ctx := a.ctx
	ok, err := a.broker.JobExecuting(ctx, a.cfg.ID, job.ID)
	if err != nil {
		a.log.Warn("job executing ack failed", "jobInstanceID", job.ID, "error", err)
		return
	}
	if !ok {
		a.log.Info("job rejected by broker", "jobInstanceID", job.ID)
		return
	}

	reportCtx, stopReport := context.WithCancel(ctx)
	go a.report(reportCtx, job.ID)
	start := time.Now()
	out, execErr := execute(ctx, e, job)
	stopReport()

	fb := processor.Feedback{Result: types.ResultSucceed, Context: out}
	if execErr != nil {
		fb = processor.Feedback{Result: types.ResultFailed, ErrorMsg: execErr.Error()}
		var pe *panicError
		if errors.As(execErr, &pe) {
			fb.ErrorStack = pe.stack
		}
	}
	a.log.Info("job finished", "jobInstanceID", job.ID, "jobID", job.JobID,
		"result", fb.Result, "duration", time.Since(start), "error", fb.ErrorMsg)

	// 關閉中仍要送出結果
	if err := a.broker.Feedback(context.WithoutCancel(ctx), job.ID, fb); err != nil {
		a.log.Error("feedback failed", "jobInstanceID", job.ID, "error", err)
	}
}

// panicError executor panic
type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string { return fmt.Sprintf("executor panic: %v", e.value) }

func execute(ctx context.Context, e Executor, job *Job) (out types.Attributes, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return e.Execute(ctx, job)
}

func (a *AgentServer) report(ctx context.Context, jobInstanceID string) {
	ticker := time.NewTicker(a.cfg.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.broker.JobReport(ctx, jobInstanceID); err != nil && ctx.Err() == nil {
				a.log.Warn("job report failed", "jobInstanceID", jobInstanceID, "error", err)
			}
		}
	}
}

// heartbeat 送出一次心跳
func (a *AgentServer) heartbeat(ctx context.Context) error {
	return a.broker.Heartbeat(ctx, &types.Agent{
		ID:                  a.cfg.ID,
		Host:                a.cfg.Host,
		Port:                a.cfg.Port,
		Enabled:             true,
		AvailableQueueLimit: a.Available(),
	})
}

// Run 定期心跳直到 ctx 結束，之後取消並等待執行中的任務
func (a *AgentServer) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		ticker := time.NewTicker(a.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			if err := a.heartbeat(ctx); err != nil && ctx.Err() == nil {
				a.log.Warn("heartbeat failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	eg.Go(func() error {
		<-ctx.Done()
		a.cancel()
		a.wg.Wait()
		a.log.Info("agent stopped")
		return nil
	})
	return eg.Wait()
}
