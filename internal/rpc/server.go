package rpc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/flowjob-broker/internal/agent"
	"github.com/ChuLiYu/flowjob-broker/internal/idgen"
	"github.com/ChuLiYu/flowjob-broker/internal/processor"
	"github.com/ChuLiYu/flowjob-broker/internal/store"
	"github.com/ChuLiYu/flowjob-broker/pkg/types"
)

// NewServer 建立帶有日誌攔截器的 gRPC server
func NewServer(logger *slog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]grpc.ServerOption{grpc.UnaryInterceptor(loggingInterceptor(logger.With("component", "rpc")))}, opts...)
	return grpc.NewServer(opts...)
}

func loggingInterceptor(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			log.Warn("rpc failed", "method", info.FullMethod, "code", status.Code(err), "latency", time.Since(start), "error", err)
		} else {
			log.Debug("rpc", "method", info.FullMethod, "latency", time.Since(start))
		}
		return resp, err
	}
}

// ============================================================================
// BrokerServer
// ============================================================================

// BrokerServer 接收 agent 的心跳與執行回報
type BrokerServer struct {
	registry *agent.Registry
	proc     *processor.Processor
}

// NewBrokerServer 建立 BrokerServer
func NewBrokerServer(registry *agent.Registry, proc *processor.Processor) *BrokerServer {
	return &BrokerServer{registry: registry, proc: proc}
}

// Heartbeat agent 心跳
func (s *BrokerServer) Heartbeat(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.registry.Heartbeat(ctx, decodeAgent(in)); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

// JobExecuting agent 確認開始執行
func (s *BrokerServer) JobExecuting(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ok, err := s.proc.JobExecuting(ctx, str(in, "agent_id"), str(in, "job_instance_id"))
	if err != nil {
		return nil, toStatus(err)
	}
	return accepted(ok), nil
}

// JobReport 執行中的心跳
func (s *BrokerServer) JobReport(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ok, err := s.proc.JobReport(ctx, str(in, "job_instance_id"))
	if err != nil {
		return nil, toStatus(err)
	}
	return accepted(ok), nil
}

// Feedback 執行結果
func (s *BrokerServer) Feedback(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, fb := decodeFeedback(in)
	if err := s.proc.Feedback(ctx, id, fb); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

// ScheduleDelay 建立以 (topic, key) 識別的業務 DAG 執行
func (s *BrokerServer) ScheduleDelay(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeDelay(in)
	if err != nil {
		return nil, toStatus(err)
	}
	inst, err := s.proc.ScheduleDelay(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{"instance_id": inst.ID})
}

// toStatus 把領域錯誤對應到 gRPC 狀態碼
func toStatus(err error) error {
	var code codes.Code
	switch {
	case err == nil:
		return nil
	case errors.Is(err, processor.ErrVerification):
		code = codes.FailedPrecondition
	case errors.Is(err, processor.ErrPlanNotFound),
		errors.Is(err, processor.ErrInstanceNotFound),
		errors.Is(err, processor.ErrJobInstanceNotFound),
		errors.Is(err, store.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, processor.ErrUnsupportedResult):
		code = codes.Unimplemented
	case errors.Is(err, types.ErrIllegalArgument):
		code = codes.InvalidArgument
	case errors.Is(err, idgen.ErrSystemBusy):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
