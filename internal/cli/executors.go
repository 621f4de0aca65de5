package cli

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/ChuLiYu/flowjob-broker/internal/rpc"
	"github.com/ChuLiYu/flowjob-broker/pkg/types"
)

// 參考 agent 內建的 executor
const (
	executorEcho  = "echo"
	executorShell = "shell"
)

// echoExecutor 把收到的屬性原樣當作輸出
func echoExecutor(_ context.Context, job *rpc.Job) (types.Attributes, error) {
	out := types.Attributes{"job_id": job.JobID, "retry_times": job.RetryTimes}
	for k, v := range job.Attributes {
		out[k] = v
	}
	return out, nil
}

// shellExecutor 以 sh -c 執行屬性 command，輸出 stdout
func shellExecutor(ctx context.Context, job *rpc.Job) (types.Attributes, error) {
	command, _ := job.Attributes["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("%w: shell job %s has no command attribute", types.ErrIllegalArgument, job.JobID)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("command failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return types.Attributes{"stdout": stdout.String()}, nil
}

// registerExecutors 註冊內建 executor
func registerExecutors(a *rpc.AgentServer) {
	a.Handle(executorEcho, rpc.ExecutorFunc(echoExecutor))
	a.Handle(executorShell, rpc.ExecutorFunc(shellExecutor))
}
