package worker

import (
	"context"
	"time"
)

// Task 提交到 Pool 的一段工作
type Task struct {
	Name    string                          // 任務名稱（meta task 的 scheduleID），用於日誌與指標
	Timeout time.Duration                   // 執行超時時間，0 表示不限制
	Run     func(ctx context.Context) error // 任務本體
}

// Result 任務執行結果
type Result struct {
	Name     string        // 任務名稱
	Success  bool          // 執行是否成功
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}
