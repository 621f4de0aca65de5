// ============================================================================
// flowjob CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra based entry point for brokers, agents and operators
//
// Command Structure:
//   flowjob                        # Root command
//   ├── broker                     # Run a broker node
//   ├── agent                      # Run the reference agent (echo, shell)
//   ├── plan                       # Operator calls against the store
//   │   ├── apply  -f plans.yaml
//   │   ├── enable  <plan-id>
//   │   ├── disable <plan-id>
//   │   └── trigger <plan-id> [--attr k=v]
//   ├── status                     # Config, alive brokers, agents, journal
//   └── --config, -c               # Config file (default: configs/flowjob.yaml)
//
// broker Command:
//   1. Load config, set up slog
//   2. Open store (memory | postgres) and cluster registry (memory | redis)
//   3. Apply plan files listed in config
//   4. Start broker, gRPC server and metrics server under one errgroup
//   5. SIGINT / SIGTERM: stop gRPC, stop broker (leave cluster, final snapshot)
//
// plan Commands:
//   Write directly to the configured store. A running broker picks the
//   change up on its next PLAN_LOAD; jobs of a triggered instance are
//   dispatched by the owning broker's schedule check. With the memory store
//   the snapshot file is rewritten and the journal compacted, so run them
//   while the broker is stopped.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/flowjob-broker/internal/broker"
	"github.com/ChuLiYu/flowjob-broker/internal/cluster"
	"github.com/ChuLiYu/flowjob-broker/internal/idgen"
	"github.com/ChuLiYu/flowjob-broker/internal/metrics"
	"github.com/ChuLiYu/flowjob-broker/internal/plan"
	"github.com/ChuLiYu/flowjob-broker/internal/processor"
	"github.com/ChuLiYu/flowjob-broker/internal/rpc"
	"github.com/ChuLiYu/flowjob-broker/internal/snapshot"
	"github.com/ChuLiYu/flowjob-broker/internal/storage/wal"
	"github.com/ChuLiYu/flowjob-broker/internal/store"
	"github.com/ChuLiYu/flowjob-broker/internal/store/memory"
	"github.com/ChuLiYu/flowjob-broker/internal/store/postgres"
	"github.com/ChuLiYu/flowjob-broker/pkg/types"
)

// Version 由建置時注入
var Version = "dev"

var configFile string

// BuildCLI 建立 root command
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flowjob",
		Short: "flowjob: a distributed DAG job scheduling broker",
		Long: `flowjob schedules workflow plans across a cluster of brokers:
- CRON / FIXED_RATE / FIXED_DELAY plans
- DAG job instances dispatched to agents over gRPC
- slot based work sharing between brokers
- Prometheus metrics`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/flowjob.yaml", "config file path")

	rootCmd.AddCommand(buildBrokerCommand())
	rootCmd.AddCommand(buildAgentCommand())
	rootCmd.AddCommand(buildPlanCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// signalContext ctx 在 SIGINT / SIGTERM 時結束
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// ============================================================================
// broker
// ============================================================================

func buildBrokerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "broker",
		Short: "Start a broker node",
		Long:  "Join the broker cluster, load plans from owned slots and dispatch job instances to agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runBroker(ctx, cfg, newLogger(cfg, cmd.ErrOrStderr()))
		},
	}
}

func runBroker(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	m := metrics.NewCollector()

	st, err := openStore(ctx, cfg, m, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	registry, closeRegistry, err := openRegistry(cfg, logger)
	if err != nil {
		return err
	}
	defer closeRegistry()

	bc := cfg.brokerConfig()
	client := rpc.NewAgentClient(bc.Node.URL(), logger)
	defer client.Close()

	b := broker.New(bc, st, registry, client, m, logger)
	for _, path := range cfg.Plans {
		if err := applyFile(ctx, b.Plans(), path, logger); err != nil {
			return err
		}
	}

	lis, err := net.Listen("tcp", cfg.listenAddr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.listenAddr(), err)
	}
	srv := rpc.NewServer(logger)
	rpc.RegisterBrokerService(srv, rpc.NewBrokerServer(b.Agents(), b.Processor()))

	if err := b.Start(ctx); err != nil {
		lis.Close()
		return fmt.Errorf("failed to start broker: %w", err)
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info("gRPC server listening", "addr", lis.Addr().String(), "node", bc.Node.URL())
		return srv.Serve(lis)
	})
	if cfg.Metrics.Enabled {
		eg.Go(func() error {
			logger.Info("metrics server listening", "port", cfg.Metrics.Port)
			return m.StartServer(ctx, cfg.Metrics.Port)
		})
	}
	eg.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down broker")
		srv.GracefulStop()
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return b.Stop(stopCtx)
	})
	return eg.Wait()
}

// openStore 依 store.driver 開啟儲存
func openStore(ctx context.Context, cfg *Config, m *metrics.Collector, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		st, err := postgres.Open(ctx, cfg.Store.DSN, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		return st, nil
	default:
		st, err := memory.Open(cfg.Store.SnapshotPath, cfg.Store.SnapshotBackups, m, logger,
			memory.WithJournalSync(cfg.Store.JournalSync))
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		return st, nil
	}
}

// openRegistry 依 cluster.registry 建立成員註冊中心
func openRegistry(cfg *Config, logger *slog.Logger) (cluster.Registry, func(), error) {
	if cfg.Cluster.Registry != "redis" {
		return cluster.NewMemoryRegistry(), func() {}, nil
	}
	cli := redis.NewClient(&redis.Options{
		Addr:     cfg.Cluster.RedisAddr,
		Password: cfg.Cluster.RedisPassword,
		DB:       cfg.Cluster.RedisDB,
	})
	closer := func() {
		if err := cli.Close(); err != nil {
			logger.Warn("close redis client failed", "error", err)
		}
	}
	return cluster.NewRedisRegistry(cli, cfg.Cluster.KeyPrefix, logger), closer, nil
}

// ============================================================================
// agent
// ============================================================================

func buildAgentCommand() *cobra.Command {
	var brokerAddr string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Start the reference agent",
		Long:  "Register with a broker and execute dispatched jobs with the built-in echo and shell executors",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if brokerAddr != "" {
				cfg.Agent.Runtime.Broker = brokerAddr
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runAgent(ctx, cfg, newLogger(cfg, cmd.ErrOrStderr()))
		},
	}
	cmd.Flags().StringVar(&brokerAddr, "broker", "", "broker address (overrides agent.runtime.broker)")
	return cmd
}

func runAgent(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	bc, err := rpc.DialBroker(cfg.Agent.Runtime.Broker, cfg.Agent.Runtime.CallTimeout)
	if err != nil {
		return err
	}
	defer bc.Close()

	a := rpc.NewAgentServer(cfg.agentConfig(), bc, logger)
	registerExecutors(a)

	addr := fmt.Sprintf(":%d", cfg.Agent.Runtime.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv := rpc.NewServer(logger)
	a.Register(srv)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info("agent listening", "agentID", a.ID(), "addr", lis.Addr().String(), "broker", cfg.Agent.Runtime.Broker)
		return srv.Serve(lis)
	})
	eg.Go(func() error { return a.Run(ctx) })
	eg.Go(func() error {
		<-ctx.Done()
		srv.GracefulStop()
		return nil
	})
	return eg.Wait()
}

// ============================================================================
// plan
// ============================================================================

func buildPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Manage plans in the configured store",
	}

	var file string
	apply := &cobra.Command{
		Use:   "apply",
		Short: "Create or update plans from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlans(cmd, func(ctx context.Context, svc *plan.Service, logger *slog.Logger) error {
				return applyFile(ctx, svc, file, logger)
			})
		},
	}
	apply.Flags().StringVarP(&file, "file", "f", "", "YAML file containing plan definitions")
	_ = apply.MarkFlagRequired("file")

	enable := &cobra.Command{
		Use:   "enable <plan-id>",
		Short: "Enable a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setEnabled(cmd, args[0], true)
		},
	}
	disable := &cobra.Command{
		Use:   "disable <plan-id>",
		Short: "Disable a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setEnabled(cmd, args[0], false)
		},
	}

	var attrs map[string]string
	trigger := &cobra.Command{
		Use:   "trigger <plan-id>",
		Short: "Create an instance of a plan now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlans(cmd, func(ctx context.Context, svc *plan.Service, _ *slog.Logger) error {
				in := make(types.Attributes, len(attrs))
				for k, v := range attrs {
					in[k] = v
				}
				inst, err := svc.Trigger(ctx, args[0], in)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "instance %s created for plan %s\n", inst.ID, inst.PlanID)
				return nil
			})
		},
	}
	trigger.Flags().StringToStringVar(&attrs, "attr", nil, "instance attribute key=value (repeatable)")

	cmd.AddCommand(apply, enable, disable, trigger)
	return cmd
}

func setEnabled(cmd *cobra.Command, id string, enabled bool) error {
	return withPlans(cmd, func(ctx context.Context, svc *plan.Service, _ *slog.Logger) error {
		var (
			changed bool
			err     error
		)
		if enabled {
			changed, err = svc.Enable(ctx, id)
		} else {
			changed, err = svc.Disable(ctx, id)
		}
		if err != nil {
			return err
		}
		state := map[bool]string{true: "enabled", false: "disabled"}[enabled]
		if !changed {
			fmt.Fprintf(cmd.OutOrStdout(), "plan %s already %s\n", id, state)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "plan %s %s\n", id, state)
		return nil
	})
}

// withPlans 開啟儲存並執行 fn；記憶體儲存在成功後寫回快照
func withPlans(cmd *cobra.Command, fn func(ctx context.Context, svc *plan.Service, logger *slog.Logger) error) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := openStore(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ids := idgen.New(st, cfg.idgenConfig(), logger)
	proc := processor.New(st, ids, nil, nil, logger)
	if err := fn(ctx, plan.NewService(st, ids, proc, logger), logger); err != nil {
		return err
	}
	if ms, ok := st.(*memory.Store); ok {
		return ms.SaveSnapshot(ctx)
	}
	return nil
}

// applyFile 套用一個 Plan 檔
func applyFile(ctx context.Context, svc *plan.Service, path string, logger *slog.Logger) error {
	plans, err := plan.LoadFile(path)
	if err != nil {
		return err
	}
	for _, p := range plans {
		applied, err := svc.Apply(ctx, p)
		if err != nil {
			return fmt.Errorf("apply plan %s from %s: %w", p.Name, path, err)
		}
		logger.Info("plan applied", "planID", applied.ID, "version", applied.Version, "enabled", applied.Enabled, "file", path)
	}
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cluster status",
		Long:  "Display configuration, alive brokers and registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return showStatus(ctx, cfg, cmd.OutOrStdout(), newLogger(cfg, io.Discard))
		},
	}
}

func showStatus(ctx context.Context, cfg *Config, w io.Writer, logger *slog.Logger) error {
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║                 flowjob Cluster Status                    ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  ├─ Config File:   %s\n", configFile)
	fmt.Fprintf(w, "  ├─ Node:          %s:%d\n", cfg.Node.Host, cfg.Node.Port)
	fmt.Fprintf(w, "  ├─ Store:         %s\n", cfg.Store.Driver)
	fmt.Fprintf(w, "  ├─ Registry:      %s\n", cfg.Cluster.Registry)
	fmt.Fprintf(w, "  └─ Workers:       %d (tick %s)\n", cfg.Scheduler.Workers, cfg.Scheduler.Tick)
	fmt.Fprintln(w)

	registry, closeRegistry, err := openRegistry(cfg, logger)
	if err != nil {
		return err
	}
	defer closeRegistry()
	brokers, err := registry.Alive(ctx, cfg.Cluster.Timeout)
	if err != nil {
		return fmt.Errorf("list brokers: %w", err)
	}
	fmt.Fprintf(w, "Brokers (%d alive):\n", len(brokers))
	for _, n := range cluster.SortNodes(brokers) {
		fmt.Fprintf(w, "  └─ %-20s %s\n", n.Name, n.URL())
	}
	fmt.Fprintln(w)

	st, err := openStore(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	agents, err := st.Agents().List(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("list agents: %w", err)
	}
	fmt.Fprintf(w, "Agents (%d registered):\n", len(agents))
	for _, a := range agents {
		fmt.Fprintf(w, "  └─ %-20s %-21s %-8s queue=%d last=%s\n",
			a.ID, a.Address(), a.Status, a.AvailableQueueLimit, a.LastHeartbeatAt.Format(time.RFC3339))
	}
	fmt.Fprintln(w)

	if cfg.Store.Driver == "memory" && cfg.Store.SnapshotPath != "" {
		stats, err := wal.GetWALStats(cfg.Store.SnapshotPath + snapshot.JournalSuffix)
		if err != nil {
			return fmt.Errorf("read journal: %w", err)
		}
		fmt.Fprintln(w, "Journal:")
		if stats.Events == 0 {
			fmt.Fprintln(w, "  └─ Empty (snapshot is current)")
		} else {
			fmt.Fprintf(w, "  └─ %d events since last snapshot (seq %d-%d, %d bytes)\n",
				stats.Events, stats.FirstSeq, stats.LastSeq, stats.Size)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  └─ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(w, "  └─ Disabled")
	}
	return nil
}
