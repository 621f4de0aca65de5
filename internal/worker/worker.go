package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// Worker 從共享的任務通道取出任務並執行
type Worker struct {
	id       int          // Worker 編號，用於日誌
	taskCh   <-chan Task  // 任務通道（唯讀）
	onResult func(Result) // 結果回呼，可為 nil
	log      *slog.Logger
}

func newWorker(id int, taskCh <-chan Task, onResult func(Result), logger *slog.Logger) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		onResult: onResult,
		log:      logger,
	}
}

// Run 持續執行任務直到 taskCh 關閉
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()
		err := w.execute(task)
		result := Result{
			Name:     task.Name,
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
		}
		if err != nil {
			w.log.Warn("task failed", "worker", w.id, "task", task.Name, "error", err)
		}
		if w.onResult != nil {
			w.onResult(result)
		}
	}
}

// execute 執行單一任務；panic 會被轉為錯誤，Worker 繼續服務
func (w *Worker) execute(task Task) (err error) {
	ctx := context.Background()
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("task panic", "worker", w.id, "task", task.Name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("task %s panic: %v", task.Name, r)
		}
	}()

	if task.Run == nil {
		return nil
	}
	return task.Run(ctx)
}
