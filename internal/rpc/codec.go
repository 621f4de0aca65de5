// ============================================================================
// flowjob RPC - 服務描述與訊息編碼
// ============================================================================
//
// Package: internal/rpc
// 文件: codec.go
//
// 服務:
//   flowjob.v1.AgentService/Dispatch          broker → agent
//   flowjob.v1.BrokerService/Heartbeat        agent → broker
//   flowjob.v1.BrokerService/JobExecuting     agent → broker
//   flowjob.v1.BrokerService/JobReport        agent → broker
//   flowjob.v1.BrokerService/Feedback         agent → broker
//   flowjob.v1.BrokerService/ScheduleDelay    業務方 → broker
//
// 訊息一律是 google.protobuf.Struct，欄位名稱以 snake_case 固定在此檔，
// 兩端不需要產生的程式碼。屬性與上下文先經過 JSON 正規化，
// 數字在另一端會成為 float64。
//
// ============================================================================

package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/flowjob-broker/internal/processor"
	"github.com/ChuLiYu/flowjob-broker/pkg/types"
)

const (
	agentService  = "flowjob.v1.AgentService"
	brokerService = "flowjob.v1.BrokerService"

	methodDispatch      = "/" + agentService + "/Dispatch"
	methodHeartbeat     = "/" + brokerService + "/Heartbeat"
	methodJobExecuting  = "/" + brokerService + "/JobExecuting"
	methodJobReport     = "/" + brokerService + "/JobReport"
	methodFeedback      = "/" + brokerService + "/Feedback"
	methodScheduleDelay = "/" + brokerService + "/ScheduleDelay"
)

// unaryFunc 單一 RPC 的處理函式
type unaryFunc func(srv any, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

// unary 把 unaryFunc 包成 grpc.MethodHandler，並接上攔截器
func unary(fullMethod string, call unaryFunc) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv, ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ============================================================================
// 服務描述
// ============================================================================

// AgentServiceServer agent 端實作
type AgentServiceServer interface {
	Dispatch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// BrokerServiceServer broker 端實作
type BrokerServiceServer interface {
	Heartbeat(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	JobExecuting(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	JobReport(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Feedback(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ScheduleDelay(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var agentServiceDesc = grpc.ServiceDesc{
	ServiceName: agentService,
	HandlerType: (*AgentServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Dispatch", Handler: unary(methodDispatch, func(srv any, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
			return srv.(AgentServiceServer).Dispatch(ctx, in)
		})},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "flowjob/v1/flowjob.proto",
}

var brokerServiceDesc = grpc.ServiceDesc{
	ServiceName: brokerService,
	HandlerType: (*BrokerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Heartbeat", Handler: unary(methodHeartbeat, func(srv any, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
			return srv.(BrokerServiceServer).Heartbeat(ctx, in)
		})},
		{MethodName: "JobExecuting", Handler: unary(methodJobExecuting, func(srv any, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
			return srv.(BrokerServiceServer).JobExecuting(ctx, in)
		})},
		{MethodName: "JobReport", Handler: unary(methodJobReport, func(srv any, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
			return srv.(BrokerServiceServer).JobReport(ctx, in)
		})},
		{MethodName: "Feedback", Handler: unary(methodFeedback, func(srv any, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
			return srv.(BrokerServiceServer).Feedback(ctx, in)
		})},
		{MethodName: "ScheduleDelay", Handler: unary(methodScheduleDelay, func(srv any, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
			return srv.(BrokerServiceServer).ScheduleDelay(ctx, in)
		})},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "flowjob/v1/flowjob.proto",
}

// RegisterAgentService 註冊 agent 服務
func RegisterAgentService(s grpc.ServiceRegistrar, srv AgentServiceServer) {
	s.RegisterService(&agentServiceDesc, srv)
}

// RegisterBrokerService 註冊 broker 服務
func RegisterBrokerService(s grpc.ServiceRegistrar, srv BrokerServiceServer) {
	s.RegisterService(&brokerServiceDesc, srv)
}

// ============================================================================
// 訊息
// ============================================================================

// Job agent 收到的 JobInstance
type Job struct {
	ID         string
	InstanceID string
	JobID      string
	Executor   string
	RetryTimes int
	BrokerURL  string // 回報結果的 broker
	Attributes types.Attributes
}

func encodeJob(j *types.JobInstance) (*structpb.Struct, error) {
	return newStruct(map[string]any{
		"id":          j.ID,
		"instance_id": j.InstanceID,
		"job_id":      j.JobID,
		"executor":    j.ExecutorName,
		"retry_times": j.RetryTimes,
		"broker_url":  j.BrokerURL,
		"attributes":  map[string]any(j.Attributes),
	})
}

func decodeJob(s *structpb.Struct) (*Job, error) {
	j := &Job{
		ID:         str(s, "id"),
		InstanceID: str(s, "instance_id"),
		JobID:      str(s, "job_id"),
		Executor:   str(s, "executor"),
		RetryTimes: int(num(s, "retry_times")),
		BrokerURL:  str(s, "broker_url"),
		Attributes: attrs(s, "attributes"),
	}
	if j.ID == "" || j.Executor == "" {
		return nil, fmt.Errorf("%w: job id and executor are required", types.ErrIllegalArgument)
	}
	return j, nil
}

func encodeAgent(a *types.Agent) (*structpb.Struct, error) {
	return newStruct(map[string]any{
		"id":                    a.ID,
		"host":                  a.Host,
		"port":                  a.Port,
		"enabled":               a.Enabled,
		"available_queue_limit": a.AvailableQueueLimit,
	})
}

func decodeAgent(s *structpb.Struct) *types.Agent {
	return &types.Agent{
		ID:                  str(s, "id"),
		Host:                str(s, "host"),
		Port:                int(num(s, "port")),
		Enabled:             boolean(s, "enabled"),
		AvailableQueueLimit: int(num(s, "available_queue_limit")),
	}
}

func encodeFeedback(jobInstanceID string, fb processor.Feedback) (*structpb.Struct, error) {
	return newStruct(map[string]any{
		"job_instance_id": jobInstanceID,
		"result":          string(fb.Result),
		"error_msg":       fb.ErrorMsg,
		"error_stack":     fb.ErrorStack,
		"context":         map[string]any(fb.Context),
	})
}

func decodeFeedback(s *structpb.Struct) (string, processor.Feedback) {
	return str(s, "job_instance_id"), processor.Feedback{
		Result:     types.ExecuteResult(str(s, "result")),
		ErrorMsg:   str(s, "error_msg"),
		ErrorStack: str(s, "error_stack"),
		Context:    attrs(s, "context"),
	}
}

func encodeDelay(req processor.DelayRequest) (*structpb.Struct, error) {
	m := map[string]any{
		"topic":      req.Topic,
		"key":        req.Key,
		"attributes": map[string]any(req.Attributes),
		"jobs":       req.Jobs,
	}
	if !req.TriggerAt.IsZero() {
		m["trigger_at"] = req.TriggerAt.UTC().Format(time.RFC3339Nano)
	}
	return newStruct(m)
}

// decodeDelay DAG 定義經 protojson 還原成 JSON 後再解回 WorkflowJobInfo
func decodeDelay(s *structpb.Struct) (processor.DelayRequest, error) {
	req := processor.DelayRequest{
		Topic:      str(s, "topic"),
		Key:        str(s, "key"),
		Attributes: attrs(s, "attributes"),
	}
	if at := str(s, "trigger_at"); at != "" {
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return req, fmt.Errorf("%w: trigger_at %q", types.ErrIllegalArgument, at)
		}
		req.TriggerAt = t
	}
	if list := s.GetFields()["jobs"].GetListValue(); list != nil {
		data, err := protojson.Marshal(list)
		if err != nil {
			return req, fmt.Errorf("decode jobs: %w", err)
		}
		if err := json.Unmarshal(data, &req.Jobs); err != nil {
			return req, fmt.Errorf("%w: jobs: %v", types.ErrIllegalArgument, err)
		}
	}
	return req, nil
}

func accepted(ok bool) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{"accepted": structpb.NewBoolValue(ok)}}
}

// ============================================================================
// 輔助函式
// ============================================================================

// newStruct 先以 JSON 正規化，任意可序列化的值都能放進 Struct
func newStruct(m map[string]any) (*structpb.Struct, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	var norm map[string]any
	if err := json.Unmarshal(data, &norm); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return structpb.NewStruct(norm)
}

func str(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func num(s *structpb.Struct, key string) float64 {
	return s.GetFields()[key].GetNumberValue()
}

func boolean(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}

func attrs(s *structpb.Struct, key string) types.Attributes {
	sv := s.GetFields()[key].GetStructValue()
	if sv == nil {
		return nil
	}
	return types.Attributes(sv.AsMap())
}
