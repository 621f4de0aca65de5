// ============================================================================
// flowjob Broker Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露 Broker 運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 排程計數器 (Counter)：
//      - flowjob_instances_scheduled_total{kind}: 建立的 Instance 數（PLAN / DELAY）
//      - flowjob_instances_completed_total{status}: 進入終態的 Instance 數
//      - flowjob_job_instances_scheduled_total: 建立的 JobInstance 數
//      - flowjob_dispatch_total{result}: 下發結果（ok / failed）
//      - flowjob_feedback_total{result}: Agent 回報結果（SUCCEED / FAILED / TERMINATED）
//      - flowjob_meta_tasks_fired_total{type}: 時間輪觸發的控制任務數
//      - flowjob_meta_task_failures_total{type,reason}: 逾時或 panic 的控制任務數
//
//   2. 性能指標 (Histogram)：
//      - flowjob_meta_task_duration_seconds{type}: 控制任務執行耗時
//      - flowjob_job_latency_seconds: JobInstance 從觸發到回報的耗時
//
//   3. 狀態指標 (Gauge)：
//      - flowjob_meta_tasks: 時間輪上登記的控制任務數
//      - flowjob_owned_slots: 本節點擁有的 slot 數
//      - flowjob_alive_brokers / flowjob_alive_agents: 存活節點數
//      - flowjob_recovery_time_seconds: 最近一次快照恢復時間
//
// Prometheus 查詢示例:
//
//   # 下發失敗率
//   rate(flowjob_dispatch_total{result="failed"}[5m]) / rate(flowjob_dispatch_total[5m])
//
//   # 95 分位控制任務耗時
//   histogram_quantile(0.95, flowjob_meta_task_duration_seconds_bucket)
//
// 空指標:
//   所有方法在 *Collector 為 nil 時不做任何事，測試與嵌入式使用不必建立 Collector。
//
// HTTP 端點:
//   通過 /metrics 端點暴露，由 Prometheus 定期抓取
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 排程相關指標
	instancesScheduled *prometheus.CounterVec
	instancesCompleted *prometheus.CounterVec
	jobsScheduled      prometheus.Counter
	dispatches         *prometheus.CounterVec
	feedbacks          *prometheus.CounterVec
	metaTasksFired     *prometheus.CounterVec
	metaTaskFailures   *prometheus.CounterVec

	// 效能指標
	metaTaskDuration *prometheus.HistogramVec
	jobLatency       prometheus.Histogram
	recoveryTime     prometheus.Gauge

	// 狀態指標
	metaTasks    prometheus.Gauge
	ownedSlots   prometheus.Gauge
	aliveBrokers prometheus.Gauge
	aliveAgents  prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector 創建指標收集器並註冊到預設 Registry
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

// NewCollectorWith 註冊到指定的 Registerer（測試使用獨立 Registry）
func NewCollectorWith(reg prometheus.Registerer) *Collector {
	c := &Collector{
		instancesScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowjob_instances_scheduled_total",
			Help: "Total number of instances created",
		}, []string{"kind"}),
		instancesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowjob_instances_completed_total",
			Help: "Total number of instances that reached a terminal status",
		}, []string{"status"}),
		jobsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowjob_job_instances_scheduled_total",
			Help: "Total number of job instances created",
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowjob_dispatch_total",
			Help: "Job instance dispatch attempts by result",
		}, []string{"result"}),
		feedbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowjob_feedback_total",
			Help: "Job instance feedbacks by execute result",
		}, []string{"result"}),
		metaTasksFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowjob_meta_tasks_fired_total",
			Help: "Meta tasks handed to the worker pool",
		}, []string{"type"}),
		metaTaskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowjob_meta_task_failures_total",
			Help: "Meta tasks that timed out or panicked in the worker pool",
		}, []string{"type", "reason"}),
		metaTaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowjob_meta_task_duration_seconds",
			Help:    "Meta task execution time in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowjob_job_latency_seconds",
			Help:    "Job instance latency from trigger to feedback in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowjob_recovery_time_seconds",
			Help: "Time taken to restore the last snapshot in seconds",
		}),
		metaTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowjob_meta_tasks",
			Help: "Current number of meta tasks registered on the timer wheel",
		}),
		ownedSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowjob_owned_slots",
			Help: "Number of slots owned by this broker",
		}),
		aliveBrokers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowjob_alive_brokers",
			Help: "Number of alive brokers seen by this node",
		}),
		aliveAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowjob_alive_agents",
			Help: "Number of agents available for dispatch",
		}),
	}

	reg.MustRegister(
		c.instancesScheduled,
		c.instancesCompleted,
		c.jobsScheduled,
		c.dispatches,
		c.feedbacks,
		c.metaTasksFired,
		c.metaTaskFailures,
		c.metaTaskDuration,
		c.jobLatency,
		c.recoveryTime,
		c.metaTasks,
		c.ownedSlots,
		c.aliveBrokers,
		c.aliveAgents,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}
	return c
}

// RecordInstanceScheduled 記錄 Instance 建立
func (c *Collector) RecordInstanceScheduled(kind string) {
	if c == nil {
		return
	}
	c.instancesScheduled.WithLabelValues(kind).Inc()
}

// RecordInstanceCompleted 記錄 Instance 進入終態
func (c *Collector) RecordInstanceCompleted(status string) {
	if c == nil {
		return
	}
	c.instancesCompleted.WithLabelValues(status).Inc()
}

// RecordJobScheduled 記錄 JobInstance 建立
func (c *Collector) RecordJobScheduled(n int) {
	if c == nil {
		return
	}
	c.jobsScheduled.Add(float64(n))
}

// RecordDispatch 記錄下發成功
func (c *Collector) RecordDispatch() {
	if c == nil {
		return
	}
	c.dispatches.WithLabelValues("ok").Inc()
}

// RecordDispatchFailed 記錄下發失敗
func (c *Collector) RecordDispatchFailed() {
	if c == nil {
		return
	}
	c.dispatches.WithLabelValues("failed").Inc()
}

// RecordFeedback 記錄 Agent 回報
//
// 參數：
//   - result: 執行結果
//   - latency: 從觸發到回報的耗時，<= 0 時不記錄
func (c *Collector) RecordFeedback(result string, latency time.Duration) {
	if c == nil {
		return
	}
	c.feedbacks.WithLabelValues(result).Inc()
	if latency > 0 {
		c.jobLatency.Observe(latency.Seconds())
	}
}

// RecordMetaTaskFired 記錄控制任務被投遞
func (c *Collector) RecordMetaTaskFired(typ string) {
	if c == nil {
		return
	}
	c.metaTasksFired.WithLabelValues(typ).Inc()
}

// RecordMetaTaskFailed 記錄控制任務失敗，reason 為 timeout 或 panic
func (c *Collector) RecordMetaTaskFailed(typ, reason string) {
	if c == nil {
		return
	}
	c.metaTaskFailures.WithLabelValues(typ, reason).Inc()
}

// RecordMetaTaskDuration 記錄控制任務耗時
func (c *Collector) RecordMetaTaskDuration(typ string, d time.Duration) {
	if c == nil {
		return
	}
	c.metaTaskDuration.WithLabelValues(typ).Observe(d.Seconds())
}

// SetMetaTasks 設置時間輪上的任務數
func (c *Collector) SetMetaTasks(n int) {
	if c == nil {
		return
	}
	c.metaTasks.Set(float64(n))
}

// SetOwnedSlots 設置本節點擁有的 slot 數
func (c *Collector) SetOwnedSlots(n int) {
	if c == nil {
		return
	}
	c.ownedSlots.Set(float64(n))
}

// SetAliveBrokers 設置存活 Broker 數
func (c *Collector) SetAliveBrokers(n int) {
	if c == nil {
		return
	}
	c.aliveBrokers.Set(float64(n))
}

// SetAliveAgents 設置可用 Agent 數
func (c *Collector) SetAliveAgents(n int) {
	if c == nil {
		return
	}
	c.aliveAgents.Set(float64(n))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(seconds)
}

// Handler 返回 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 結束時關閉
//
// 參數：
//   - ctx: 生命週期
//   - port: HTTP 伺服器端口
//
// 返回值：
//   - error: 啟動失敗的錯誤；正常關閉返回 nil
func (c *Collector) StartServer(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
