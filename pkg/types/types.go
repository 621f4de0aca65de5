// Package types 定義了 flowjob broker 使用的核心領域模型
package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrIllegalArgument 未知或不支援的枚舉值
var ErrIllegalArgument = errors.New("illegal argument")

// ============================================================================
// 枚舉定義
// ============================================================================

// ScheduleType 排程方式
type ScheduleType string

const (
	ScheduleCron       ScheduleType = "CRON"        // 依 cron 表達式觸發
	ScheduleFixedRate  ScheduleType = "FIXED_RATE"  // 以固定頻率觸發（從上次觸發起算）
	ScheduleFixedDelay ScheduleType = "FIXED_DELAY" // 以固定延遲觸發（從上次完成起算）
)

// ParseScheduleType 解析排程方式，未知值返回 ErrIllegalArgument
func ParseScheduleType(s string) (ScheduleType, error) {
	t := ScheduleType(s)
	switch t {
	case ScheduleCron, ScheduleFixedRate, ScheduleFixedDelay:
		return t, nil
	}
	return "", fmt.Errorf("%w: schedule type %q", ErrIllegalArgument, s)
}

// TriggerType 觸發方式
type TriggerType string

const (
	TriggerSchedule TriggerType = "SCHEDULE" // 由排程器觸發
	TriggerAPI      TriggerType = "API"      // 由 API 手動觸發
)

// ParseTriggerType 解析觸發方式
func ParseTriggerType(s string) (TriggerType, error) {
	t := TriggerType(s)
	switch t {
	case TriggerSchedule, TriggerAPI:
		return t, nil
	}
	return "", fmt.Errorf("%w: trigger type %q", ErrIllegalArgument, s)
}

// InstanceKind 實例種類
type InstanceKind string

const (
	KindPlan  InstanceKind = "PLAN"  // 由 Plan 觸發
	KindDelay InstanceKind = "DELAY" // 由業務方以 topic+key 觸發
)

// Status 實例與任務實例共用的狀態
type Status string

const (
	StatusScheduling Status = "SCHEDULING" // 已建立，等待下發
	StatusExecuting  Status = "EXECUTING"  // 已被 agent 確認接收
	StatusSucceed    Status = "SUCCEED"    // 成功（終態）
	StatusFailed     Status = "FAILED"     // 失敗（終態）
)

// Terminal 是否為終態
func (s Status) Terminal() bool {
	return s == StatusSucceed || s == StatusFailed
}

// ExecuteResult agent 回報的執行結果
type ExecuteResult string

const (
	ResultSucceed    ExecuteResult = "SUCCEED"
	ResultFailed     ExecuteResult = "FAILED"
	ResultTerminated ExecuteResult = "TERMINATED"
)

// JobType 任務下發形態
type JobType string

const (
	JobNormal JobType = "NORMAL" // 選擇單一 agent 執行
)

// ParseJobType 解析任務類型，空值視為 NORMAL
func ParseJobType(s string) (JobType, error) {
	switch JobType(s) {
	case "", JobNormal:
		return JobNormal, nil
	}
	return "", fmt.Errorf("%w: job type %q", ErrIllegalArgument, s)
}

// LoadBalanceType 選擇 agent 的方式
type LoadBalanceType string

const (
	LBRoundRobin          LoadBalanceType = "ROUND_ROBIN"
	LBRandom              LoadBalanceType = "RANDOM"
	LBWeighted            LoadBalanceType = "WEIGHTED" // 依 agent 剩餘佇列加權
	LBAppoint             LoadBalanceType = "APPOINT"  // 指定 agent
	LBConsistentHash      LoadBalanceType = "CONSISTENT_HASH"
	LBLeastRecentlyUsed   LoadBalanceType = "LEAST_RECENTLY_USED"
	LBLeastFrequentlyUsed LoadBalanceType = "LEAST_FREQUENTLY_USED"
)

// ParseLoadBalanceType 解析負載均衡方式，空值視為 ROUND_ROBIN
func ParseLoadBalanceType(s string) (LoadBalanceType, error) {
	switch t := LoadBalanceType(s); t {
	case "":
		return LBRoundRobin, nil
	case LBRoundRobin, LBRandom, LBWeighted, LBAppoint, LBConsistentHash,
		LBLeastRecentlyUsed, LBLeastFrequentlyUsed:
		return t, nil
	}
	return "", fmt.Errorf("%w: load balance type %q", ErrIllegalArgument, s)
}

// AgentStatus agent 狀態
type AgentStatus string

const (
	AgentRunning    AgentStatus = "RUNNING"
	AgentFusing     AgentStatus = "FUSING" // 心跳逾時，暫停下發
	AgentTerminated AgentStatus = "TERMINATED"
)

// ============================================================================
// 值物件
// ============================================================================

// Attributes 任務屬性與上下文
type Attributes map[string]any

// Merge 合併多組屬性，後者覆蓋前者，返回新 map
func Merge(sets ...Attributes) Attributes {
	out := Attributes{}
	for _, s := range sets {
		for k, v := range s {
			out[k] = v
		}
	}
	return out
}

// Clone 淺拷貝
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	return Merge(a)
}

// ScheduleOption 觸發策略，同一個 Plan 版本內不可變
type ScheduleOption struct {
	Type     ScheduleType  `json:"type" yaml:"type"`
	StartAt  time.Time     `json:"start_at,omitempty" yaml:"start_at,omitempty"`
	EndAt    time.Time     `json:"end_at,omitempty" yaml:"end_at,omitempty"`
	Delay    time.Duration `json:"delay,omitempty" yaml:"delay,omitempty"`
	Interval time.Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
	Cron     string        `json:"cron,omitempty" yaml:"cron,omitempty"`
}

// StartScheduleAt 第一次可觸發的時間（StartAt + Delay）
func (o ScheduleOption) StartScheduleAt() time.Time {
	return o.StartAt.Add(o.Delay)
}

// Validate 檢查觸發策略是否完整
func (o ScheduleOption) Validate() error {
	if _, err := ParseScheduleType(string(o.Type)); err != nil {
		return err
	}
	switch o.Type {
	case ScheduleCron:
		if o.Cron == "" {
			return fmt.Errorf("%w: cron expression is required", ErrIllegalArgument)
		}
	case ScheduleFixedRate, ScheduleFixedDelay:
		if o.Interval < 0 {
			return fmt.Errorf("%w: negative interval %s", ErrIllegalArgument, o.Interval)
		}
	}
	return nil
}

// RetryOption 重試策略
type RetryOption struct {
	Retry         int           `json:"retry" yaml:"retry"`                   // 最多重試次數
	RetryInterval time.Duration `json:"retry_interval" yaml:"retry_interval"` // 重試間隔
}

// DispatchOption 下發策略
type DispatchOption struct {
	LBType         LoadBalanceType `json:"lb_type,omitempty" yaml:"lb_type,omitempty"`
	AppointAgentID string          `json:"appoint_agent_id,omitempty" yaml:"appoint_agent_id,omitempty"`
	HashKey        string          `json:"hash_key,omitempty" yaml:"hash_key,omitempty"` // CONSISTENT_HASH 取值的屬性名
}

// Validate 檢查下發策略
func (o DispatchOption) Validate() error {
	t, err := ParseLoadBalanceType(string(o.LBType))
	if err != nil {
		return err
	}
	if t == LBAppoint && o.AppointAgentID == "" {
		return fmt.Errorf("%w: APPOINT requires appoint_agent_id", ErrIllegalArgument)
	}
	return nil
}

// WorkflowJobInfo DAG 中一個節點的任務定義
type WorkflowJobInfo struct {
	ID           string      `json:"id" yaml:"id"`
	Name         string      `json:"name,omitempty" yaml:"name,omitempty"`
	Type         JobType     `json:"type,omitempty" yaml:"type,omitempty"`
	ExecutorName string      `json:"executor" yaml:"executor"`
	TriggerType  TriggerType `json:"trigger_type,omitempty" yaml:"trigger_type,omitempty"`
	SkipWhenFail bool        `json:"skip_when_fail,omitempty" yaml:"skip_when_fail,omitempty"`
	Retry        RetryOption `json:"retry" yaml:"retry"`
	Attributes   Attributes  `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Children     []string    `json:"children,omitempty" yaml:"children,omitempty"`
	// 未設定時以 ROUND_ROBIN 下發
	DispatchOption DispatchOption `json:"dispatch_option,omitempty" yaml:"dispatch_option,omitempty"`
}

// NodeID 實作 dag.Node
func (j WorkflowJobInfo) NodeID() string { return j.ID }

// ChildIDs 實作 dag.Node
func (j WorkflowJobInfo) ChildIDs() []string { return j.Children }

// EffectiveTriggerType 未設定時預設為 SCHEDULE
func (j WorkflowJobInfo) EffectiveTriggerType() TriggerType {
	if j.TriggerType == "" {
		return TriggerSchedule
	}
	return j.TriggerType
}

// ============================================================================
// 實體
// ============================================================================

// Plan 可排程單元的當前定義
type Plan struct {
	ID               string            `json:"id" yaml:"id"`
	Version          string            `json:"version" yaml:"version"`
	Name             string            `json:"name" yaml:"name"`
	Description      string            `json:"description,omitempty" yaml:"description,omitempty"`
	TriggerType      TriggerType       `json:"trigger_type" yaml:"trigger_type"`
	Schedule         ScheduleOption    `json:"schedule" yaml:"schedule"`
	Jobs             []WorkflowJobInfo `json:"jobs" yaml:"jobs"`
	Enabled          bool              `json:"enabled" yaml:"enabled"`
	LatelyTriggerAt  time.Time         `json:"lately_trigger_at,omitempty" yaml:"-"`
	LatelyFeedbackAt time.Time         `json:"lately_feedback_at,omitempty" yaml:"-"`
	UpdatedAt        time.Time         `json:"updated_at" yaml:"-"`
}

// Clone 深拷貝（DAG 與屬性皆複製）
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Jobs = CloneJobs(p.Jobs)
	return &cp
}

// CloneJobs 複製 DAG 節點定義
func CloneJobs(jobs []WorkflowJobInfo) []WorkflowJobInfo {
	if jobs == nil {
		return nil
	}
	out := make([]WorkflowJobInfo, len(jobs))
	for i, j := range jobs {
		j.Attributes = j.Attributes.Clone()
		j.Children = append([]string(nil), j.Children...)
		out[i] = j
	}
	return out
}

// Instance Plan（或業務 DAG）的一次執行
type Instance struct {
	ID           string            `json:"id"`
	Kind         InstanceKind      `json:"kind"`
	PlanID       string            `json:"plan_id,omitempty"`
	PlanVersion  string            `json:"plan_version,omitempty"`
	Topic        string            `json:"topic,omitempty"` // DELAY 實例的業務類型
	Key          string            `json:"key,omitempty"`   // DELAY 實例的業務 id
	ScheduleType ScheduleType      `json:"schedule_type,omitempty"`
	TriggerType  TriggerType       `json:"trigger_type"`
	Status       Status            `json:"status"`
	TriggerAt    time.Time         `json:"trigger_at"`
	StartAt      time.Time         `json:"start_at,omitempty"`
	FeedbackAt   time.Time         `json:"feedback_at,omitempty"`
	Attributes   Attributes        `json:"attributes,omitempty"`
	Jobs         []WorkflowJobInfo `json:"jobs"` // 建立時的 DAG 快照
	ErrorMsg     string            `json:"error_msg,omitempty"`
}

// Clone 深拷貝
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	cp := *i
	cp.Attributes = i.Attributes.Clone()
	cp.Jobs = CloneJobs(i.Jobs)
	return &cp
}

// JobInstance DAG 節點在一次實例中的執行
type JobInstance struct {
	ID             string         `json:"id"`
	InstanceID     string         `json:"instance_id"`
	InstanceKind   InstanceKind   `json:"instance_kind"`
	PlanID         string         `json:"plan_id,omitempty"`
	JobID          string         `json:"job_id"`
	Type           JobType        `json:"type"`
	ExecutorName   string         `json:"executor"`
	DispatchOption DispatchOption `json:"dispatch_option,omitempty"`
	Status         Status         `json:"status"`
	RetryTimes     int            `json:"retry_times"`
	AgentID        string         `json:"agent_id,omitempty"`
	BrokerURL      string         `json:"broker_url,omitempty"`
	TriggerAt      time.Time      `json:"trigger_at"`
	StartAt        time.Time      `json:"start_at,omitempty"`
	ReportAt       time.Time      `json:"report_at,omitempty"`
	EndAt          time.Time      `json:"end_at,omitempty"`
	Context        Attributes     `json:"context,omitempty"`    // 傳遞給後繼節點的資料
	Attributes     Attributes     `json:"attributes,omitempty"` // 下發給 agent 的輸入
	ErrorMsg       string         `json:"error_msg,omitempty"`
	ErrorStack     string         `json:"error_stack,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Clone 深拷貝
func (j *JobInstance) Clone() *JobInstance {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Context = j.Context.Clone()
	cp.Attributes = j.Attributes.Clone()
	return &cp
}

// Agent 遠端執行節點
type Agent struct {
	ID                  string      `json:"id"`
	Host                string      `json:"host"`
	Port                int         `json:"port"`
	Status              AgentStatus `json:"status"`
	Enabled             bool        `json:"enabled"`
	AvailableQueueLimit int         `json:"available_queue_limit"` // 可接收的任務數
	LastHeartbeatAt     time.Time   `json:"last_heartbeat_at"`
}

// Address agent RPC 位址
func (a Agent) Address() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}
