package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/flowjob-broker/internal/broker"
	"github.com/ChuLiYu/flowjob-broker/internal/cluster"
	"github.com/ChuLiYu/flowjob-broker/internal/idgen"
	"github.com/ChuLiYu/flowjob-broker/internal/rpc"
)

// ErrInvalidConfig 設定檔內容不合法
var ErrInvalidConfig = errors.New("invalid config")

// Config 完整的系統設定，透過 YAML 標籤對應設定檔欄位
type Config struct {
	Node struct {
		Name string `yaml:"name"`
		Host string `yaml:"host"` // 對外公布的位址，agent 以此回報
		Port int    `yaml:"port"` // gRPC 端口
	} `yaml:"node"`

	RPC struct {
		Listen string `yaml:"listen"` // 監聽位址，預設 ":<node.port>"
	} `yaml:"rpc"`

	Store struct {
		Driver          string `yaml:"driver"` // memory | postgres
		DSN             string `yaml:"dsn"`
		SnapshotPath    string `yaml:"snapshot_path"`
		SnapshotBackups int    `yaml:"snapshot_backups"`
		JournalSync     bool   `yaml:"journal_sync"` // 每筆日誌立即 fsync
	} `yaml:"store"`

	Cluster struct {
		Registry          string        `yaml:"registry"` // memory | redis
		RedisAddr         string        `yaml:"redis_addr"`
		RedisPassword     string        `yaml:"redis_password"`
		RedisDB           int           `yaml:"redis_db"`
		KeyPrefix         string        `yaml:"key_prefix"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		Timeout           time.Duration `yaml:"timeout"`
	} `yaml:"cluster"`

	Scheduler struct {
		Tick                  time.Duration `yaml:"tick"`
		WheelSize             int           `yaml:"wheel_size"`
		Workers               int           `yaml:"workers"`
		QueueSize             int           `yaml:"queue_size"`
		TaskTimeout           time.Duration `yaml:"task_timeout"`
		PlanLoadInterval      time.Duration `yaml:"plan_load_interval"`
		ExecuteCheckInterval  time.Duration `yaml:"execute_check_interval"`
		ScheduleCheckInterval time.Duration `yaml:"schedule_check_interval"`
		SnapshotInterval      time.Duration `yaml:"snapshot_interval"`
	} `yaml:"scheduler"`

	Agent struct {
		HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
		CheckInterval    time.Duration `yaml:"check_interval"`
		DispatchTimeout  time.Duration `yaml:"dispatch_timeout"`
		ReportTimeout    time.Duration `yaml:"report_timeout"`

		// Runtime 參考 agent（flowjob agent）的參數
		Runtime struct {
			ID                string        `yaml:"id"`
			Broker            string        `yaml:"broker"`
			Host              string        `yaml:"host"`
			Port              int           `yaml:"port"`
			QueueLimit        int           `yaml:"queue_limit"`
			HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
			ReportInterval    time.Duration `yaml:"report_interval"`
			CallTimeout       time.Duration `yaml:"call_timeout"`
		} `yaml:"runtime"`
	} `yaml:"agent"`

	IDGen struct {
		Step       int64         `yaml:"step"`
		MaxRetries int           `yaml:"max_retries"`
		Backoff    time.Duration `yaml:"backoff"`
	} `yaml:"idgen"`

	// Plans 啟動時套用的 Plan 檔
	Plans []string `yaml:"plans"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`  // debug | info | warn | error
		Format string `yaml:"format"` // text | json
	} `yaml:"log"`
}

// Default 預設設定：單機、記憶體儲存
func Default() *Config {
	bc := broker.DefaultConfig()
	ic := idgen.DefaultConfig()

	cfg := &Config{}
	cfg.Node.Host = "127.0.0.1"
	cfg.Node.Port = 7200
	cfg.Store.Driver = "memory"
	cfg.Store.SnapshotBackups = 3
	cfg.Store.JournalSync = true
	cfg.Cluster.Registry = "memory"
	cfg.Cluster.KeyPrefix = "flowjob:"
	cfg.Cluster.HeartbeatInterval = bc.NodeHeartbeat
	cfg.Cluster.Timeout = bc.NodeTimeout
	cfg.Scheduler.Tick = bc.Tick
	cfg.Scheduler.WheelSize = bc.WheelSize
	cfg.Scheduler.Workers = bc.Workers
	cfg.Scheduler.QueueSize = bc.QueueSize
	cfg.Scheduler.TaskTimeout = bc.TaskTimeout
	cfg.Scheduler.PlanLoadInterval = bc.PlanLoadInterval
	cfg.Scheduler.ExecuteCheckInterval = bc.ExecuteCheckInterval
	cfg.Scheduler.ScheduleCheckInterval = bc.ScheduleCheckInterval
	cfg.Scheduler.SnapshotInterval = bc.SnapshotInterval
	cfg.Agent.HeartbeatTimeout = bc.AgentTimeout
	cfg.Agent.CheckInterval = bc.AgentCheckInterval
	cfg.Agent.DispatchTimeout = bc.DispatchTimeout
	cfg.Agent.ReportTimeout = bc.ReportTimeout
	cfg.Agent.Runtime.Broker = "127.0.0.1:7200"
	cfg.Agent.Runtime.Host = "127.0.0.1"
	cfg.Agent.Runtime.Port = 7300
	cfg.Agent.Runtime.QueueLimit = 10
	cfg.Agent.Runtime.HeartbeatInterval = 3 * time.Second
	cfg.Agent.Runtime.ReportInterval = 5 * time.Second
	cfg.Agent.Runtime.CallTimeout = 5 * time.Second
	cfg.IDGen.Step = ic.Step
	cfg.IDGen.MaxRetries = ic.MaxRetries
	cfg.IDGen.Backoff = ic.Backoff
	cfg.Metrics.Port = 9090
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// Validate 檢查設定
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Node.Host != "", "node.host is required")
	check(c.Node.Port > 0 && c.Node.Port < 65536, "node.port %d out of range", c.Node.Port)

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		check(c.Store.DSN != "", "store.dsn is required for postgres")
	default:
		check(false, "unknown store.driver %q", c.Store.Driver)
	}

	switch c.Cluster.Registry {
	case "memory":
	case "redis":
		check(c.Cluster.RedisAddr != "", "cluster.redis_addr is required for redis")
	default:
		check(false, "unknown cluster.registry %q", c.Cluster.Registry)
	}
	check(c.Cluster.Timeout > c.Cluster.HeartbeatInterval,
		"cluster.timeout %s must exceed heartbeat_interval %s", c.Cluster.Timeout, c.Cluster.HeartbeatInterval)

	check(c.Scheduler.Tick > 0, "scheduler.tick must be positive")
	check(c.Scheduler.Workers > 0, "scheduler.workers must be positive")
	check(c.Scheduler.QueueSize > 0, "scheduler.queue_size must be positive")
	check(c.Agent.HeartbeatTimeout > 0, "agent.heartbeat_timeout must be positive")
	check(c.IDGen.Step > 0, "idgen.step must be positive")

	if c.Metrics.Enabled {
		check(c.Metrics.Port > 0 && c.Metrics.Port < 65536, "metrics.port %d out of range", c.Metrics.Port)
	}
	_, err := parseLevel(c.Log.Level)
	check(err == nil, "log.level: %v", err)
	check(c.Log.Format == "text" || c.Log.Format == "json", "unknown log.format %q", c.Log.Format)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// loadConfig 讀取設定檔；未出現的欄位保留預設值
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// node 本節點；未命名時產生一個
func (c *Config) node() cluster.Node {
	name := c.Node.Name
	if name == "" {
		name = "broker-" + uuid.NewString()[:8]
	}
	return cluster.Node{Name: name, Host: c.Node.Host, Port: c.Node.Port}
}

// listenAddr gRPC 監聽位址
func (c *Config) listenAddr() string {
	if c.RPC.Listen != "" {
		return c.RPC.Listen
	}
	return fmt.Sprintf(":%d", c.Node.Port)
}

// brokerConfig 轉成 broker.Config
func (c *Config) brokerConfig() broker.Config {
	return broker.Config{
		Node:                  c.node(),
		Tick:                  c.Scheduler.Tick,
		WheelSize:             c.Scheduler.WheelSize,
		Workers:               c.Scheduler.Workers,
		QueueSize:             c.Scheduler.QueueSize,
		TaskTimeout:           c.Scheduler.TaskTimeout,
		NodeHeartbeat:         c.Cluster.HeartbeatInterval,
		PlanLoadInterval:      c.Scheduler.PlanLoadInterval,
		ExecuteCheckInterval:  c.Scheduler.ExecuteCheckInterval,
		ScheduleCheckInterval: c.Scheduler.ScheduleCheckInterval,
		AgentCheckInterval:    c.Agent.CheckInterval,
		SnapshotInterval:      c.Scheduler.SnapshotInterval,
		NodeTimeout:           c.Cluster.Timeout,
		AgentTimeout:          c.Agent.HeartbeatTimeout,
		DispatchTimeout:       c.Agent.DispatchTimeout,
		ReportTimeout:         c.Agent.ReportTimeout,
		IDGen:                 c.idgenConfig(),
	}
}

func (c *Config) idgenConfig() idgen.Config {
	return idgen.Config{Step: c.IDGen.Step, MaxRetries: c.IDGen.MaxRetries, Backoff: c.IDGen.Backoff}
}

// agentConfig 轉成參考 agent 的 rpc.AgentConfig
func (c *Config) agentConfig() rpc.AgentConfig {
	r := c.Agent.Runtime
	return rpc.AgentConfig{
		ID:                r.ID,
		Host:              r.Host,
		Port:              r.Port,
		QueueLimit:        r.QueueLimit,
		HeartbeatInterval: r.HeartbeatInterval,
		ReportInterval:    r.ReportInterval,
	}
}

// ============================================================================
// 日誌
// ============================================================================

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, err
	}
	return lvl, nil
}

// newLogger 依設定建立 slog.Logger
func newLogger(c *Config, w io.Writer) *slog.Logger {
	lvl, err := parseLevel(c.Log.Level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
