package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/flowjob-broker/internal/processor"
	"github.com/ChuLiYu/flowjob-broker/pkg/types"
)

// ============================================================================
// AgentClient（broker → agent）
// ============================================================================

// AgentClient 以 agent 位址快取連線並下發 JobInstance
type AgentClient struct {
	brokerURL string
	opts      []grpc.DialOption
	log       *slog.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewAgentClient 建立 AgentClient；未指定 DialOption 時使用明文連線
//
// brokerURL 會隨 JobInstance 一起送出，agent 以此回報結果。
func NewAgentClient(brokerURL string, logger *slog.Logger, opts ...grpc.DialOption) *AgentClient {
	if logger == nil {
		logger = slog.Default()
	}
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &AgentClient{
		brokerURL: brokerURL,
		opts:      opts,
		log:       logger.With("component", "agent-client"),
		conns:     make(map[string]*grpc.ClientConn),
	}
}

// conn 取得或建立到 addr 的連線
func (c *AgentClient) conn(addr string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[addr]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(addr, c.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial agent %s: %w", addr, err)
	}
	c.conns[addr] = conn
	c.log.Debug("agent connection created", "addr", addr)
	return conn, nil
}

// Dispatch 實作 agent.Client；逾時由呼叫方的 ctx 控制
func (c *AgentClient) Dispatch(ctx context.Context, a *types.Agent, job *types.JobInstance) error {
	conn, err := c.conn(a.Address())
	if err != nil {
		return err
	}
	dispatched := job.Clone()
	if dispatched.BrokerURL == "" {
		dispatched.BrokerURL = c.brokerURL
	}
	in, err := encodeJob(dispatched)
	if err != nil {
		return err
	}
	return conn.Invoke(ctx, methodDispatch, in, new(structpb.Struct))
}

// Close 關閉所有快取的連線
func (c *AgentClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for addr, conn := range c.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
		delete(c.conns, addr)
	}
	return errors.Join(errs...)
}

// ============================================================================
// BrokerClient（agent → broker）
// ============================================================================

// BrokerClient agent 對 broker 的呼叫
type BrokerClient struct {
	cc      grpc.ClientConnInterface
	closer  func() error
	timeout time.Duration
}

// DialBroker 建立到 broker 的明文連線
func DialBroker(addr string, timeout time.Duration, opts ...grpc.DialOption) (*BrokerClient, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial broker %s: %w", addr, err)
	}
	c := NewBrokerClient(conn, timeout)
	c.closer = conn.Close
	return c, nil
}

// NewBrokerClient 以既有連線建立 BrokerClient
func NewBrokerClient(cc grpc.ClientConnInterface, timeout time.Duration) *BrokerClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &BrokerClient{cc: cc, timeout: timeout}
}

func (c *BrokerClient) invoke(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Heartbeat 回報 agent 狀態
func (c *BrokerClient) Heartbeat(ctx context.Context, a *types.Agent) error {
	in, err := encodeAgent(a)
	if err != nil {
		return err
	}
	_, err = c.invoke(ctx, methodHeartbeat, in)
	return err
}

// JobExecuting 確認開始執行；false 表示不應執行（重複下發或已被判定失敗）
func (c *BrokerClient) JobExecuting(ctx context.Context, agentID, jobInstanceID string) (bool, error) {
	in, err := newStruct(map[string]any{"agent_id": agentID, "job_instance_id": jobInstanceID})
	if err != nil {
		return false, err
	}
	out, err := c.invoke(ctx, methodJobExecuting, in)
	if err != nil {
		return false, err
	}
	return boolean(out, "accepted"), nil
}

// JobReport 執行中的心跳
func (c *BrokerClient) JobReport(ctx context.Context, jobInstanceID string) (bool, error) {
	in, err := newStruct(map[string]any{"job_instance_id": jobInstanceID})
	if err != nil {
		return false, err
	}
	out, err := c.invoke(ctx, methodJobReport, in)
	if err != nil {
		return false, err
	}
	return boolean(out, "accepted"), nil
}

// Feedback 回報執行結果
func (c *BrokerClient) Feedback(ctx context.Context, jobInstanceID string, fb processor.Feedback) error {
	in, err := encodeFeedback(jobInstanceID, fb)
	if err != nil {
		return err
	}
	_, err = c.invoke(ctx, methodFeedback, in)
	return err
}

// ScheduleDelay 建立業務 DAG 執行，返回 Instance id
func (c *BrokerClient) ScheduleDelay(ctx context.Context, req processor.DelayRequest) (string, error) {
	in, err := encodeDelay(req)
	if err != nil {
		return "", err
	}
	out, err := c.invoke(ctx, methodScheduleDelay, in)
	if err != nil {
		return "", err
	}
	return str(out, "instance_id"), nil
}

// Close 關閉連線
func (c *BrokerClient) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}
