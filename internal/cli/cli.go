// ============================================================================
// Venom CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra 指令樹；run / worker 啟動行程，其餘子指令透過 HTTP API 操作
//
// Command Structure:
//   venom
//   ├── run                         # 啟動治理核心（HTTP + nexus gRPC）
//   ├── worker                      # 獨立的 hive 消費者（共用 SQLite 檔案）
//   ├── submit <content>            # 提交任務
//   ├── tasks [id]                  # 列出 / 查看任務
//   ├── abort <id> / resubmit <id>
//   ├── queue [pause|resume|purge|emergency-stop|max-active N]
//   ├── autonomy [get|set LEVEL|levels]
//   ├── paid-mode [get|enable --yes|disable]
//   ├── nodes [exec]
//   ├── hive [dead]
//   ├── status                      # 總覽
//   └── wal [inspect|dump]          # 離線檢查 WAL 檔案
//
// Global flags:
//   --config, -c   設定檔（預設 configs/venom.yaml，不存在時使用內建預設）
//   --addr         API 位址（預設 http://localhost:8080，或 $VENOM_ADDR）
//
// Signal Handling:
//   run / worker 收到 SIGINT、SIGTERM 後優雅關閉：
//   停止接受新任務 → 等待執行中任務 → 最終快照 → 關閉資源
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mpieniak01/venom/internal/config"
	"github.com/mpieniak01/venom/internal/hive"
	"github.com/mpieniak01/venom/internal/inference"
	"github.com/mpieniak01/venom/internal/storage/wal"
	"github.com/mpieniak01/venom/pkg/types"
)

var log = slog.Default()

const defaultAddr = "http://localhost:8080"

var (
	configFile string
	apiAddr    string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "venom",
		Short: "Venom: task governance core",
		Long: `Venom admits, classifies, routes and dispatches tasks with:
- autonomy levels gating every skill
- local-first cost routing with explicit paid mode
- WAL + snapshot crash recovery
- nexus nodes and a durable hive queue for distribution`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	addr := os.Getenv("VENOM_ADDR")
	if addr == "" {
		addr = defaultAddr
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "addr", addr, "venom API address")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildTasksCommand())
	rootCmd.AddCommand(buildAbortCommand())
	rootCmd.AddCommand(buildResubmitCommand())
	rootCmd.AddCommand(buildQueueCommand())
	rootCmd.AddCommand(buildAutonomyCommand())
	rootCmd.AddCommand(buildPaidModeCommand())
	rootCmd.AddCommand(buildNodesCommand())
	rootCmd.AddCommand(buildHiveCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildWALCommand())

	return rootCmd
}

// loadConfig 讀取設定並安裝全域 logger
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	slog.SetDefault(cfg.NewLogger(os.Stderr))
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// ============================================================================
// run / worker
// ============================================================================

func buildRunCommand() *cobra.Command {
	var (
		httpAddr     string
		nexusAddr    string
		distribution string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the Venom governance core",
		Long:  "Recover task state, then serve the HTTP API and the nexus control plane until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if httpAddr != "" {
				cfg.HTTP.Addr = httpAddr
			}
			if cmd.Flags().Changed("nexus") {
				cfg.Nexus.Listen = nexusAddr
			}
			if distribution != "" {
				cfg.Distribution.Mode = distribution
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			ctx, stop := signalContext()
			defer stop()

			app, err := NewApp(ctx, cfg)
			if err != nil {
				return err
			}
			err = app.Run(ctx)
			log.Info("Venom stopped")
			return err
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address (overrides http.addr)")
	cmd.Flags().StringVar(&nexusAddr, "nexus", "", "nexus gRPC listen address, empty disables (overrides nexus.listen)")
	cmd.Flags().StringVar(&distribution, "distribution", "", "local | nexus | hive (overrides distribution.mode)")
	return cmd
}

func buildWorkerCommand() *cobra.Command {
	var (
		consumer    string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume hive jobs from the shared SQLite queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if cfg.Hive.Path == "" {
				return fmt.Errorf("hive.path is required for a standalone worker")
			}
			if concurrency > 0 {
				cfg.Hive.Workers = concurrency
			}

			ctx, stop := signalContext()
			defer stop()

			broker, err := OpenBroker(ctx, cfg)
			if err != nil {
				return err
			}
			defer broker.Close()

			w := hive.NewWorker(broker, NewSkillExecutor(inference.NewClient(cfg.Inference, nil)), hive.WorkerConfig{
				Consumer:     consumer,
				Concurrency:  cfg.Hive.Workers,
				Lease:        cfg.Hive.Lease,
				PollInterval: cfg.Hive.PollInterval,
			}, nil)

			log.Info("Hive worker started", "path", cfg.Hive.Path, "concurrency", cfg.Hive.Workers)
			err = w.Run(ctx)
			log.Info("Hive worker stopped", "processed", w.Processed())
			return err
		},
	}

	cmd.Flags().StringVar(&consumer, "consumer", "", "consumer id (default: generated)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "parallel jobs (overrides hive.workers)")
	return cmd
}

// ============================================================================
// 任務
// ============================================================================

func buildSubmitCommand() *cobra.Command {
	var (
		priority  int
		sensitive bool
		mode      string
		taskType  string
		params    map[string]string
		wait      bool
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit <content>",
		Short: "Submit a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{
				"content":  strings.Join(args, " "),
				"priority": priority,
				"mode":     mode,
				"params":   params,
			}
			if sensitive {
				req["sensitivity"] = string(types.SensitivitySensitive)
			}
			if taskType != "" {
				req["task_type"] = taskType
			}

			ctx := cmd.Context()
			client := newAPIClient(apiAddr)
			var resp struct {
				ID     types.TaskID     `json:"id"`
				Status types.TaskStatus `json:"status"`
			}
			if err := client.post(ctx, "/v1/tasks", req, &resp); err != nil {
				return err
			}
			if !wait {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", resp.ID, resp.Status)
				return nil
			}

			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			task, err := waitTask(ctx, client, resp.ID, 250*time.Millisecond)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), task)
		},
	}

	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "higher runs first")
	cmd.Flags().BoolVar(&sensitive, "sensitive", false, "mark the task as sensitive (never leaves local)")
	cmd.Flags().StringVar(&mode, "mode", "", "per-task routing mode: LOCAL | HYBRID | CLOUD")
	cmd.Flags().StringVar(&taskType, "type", "", "skip classification and use this task type")
	cmd.Flags().StringToStringVar(&params, "param", nil, "task parameters (key=value)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the task to finish and print it")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long --wait polls")
	return cmd
}

// waitTask 輪詢直到任務進入終態
func waitTask(ctx context.Context, client *apiClient, id types.TaskID, poll time.Duration) (types.Task, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		var task types.Task
		if err := client.get(ctx, "/v1/tasks/"+url.PathEscape(string(id)), nil, &task); err != nil {
			return types.Task{}, err
		}
		if task.Status.IsTerminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, fmt.Errorf("task %s still %s: %w", id, task.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}

func buildTasksCommand() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "tasks [id]",
		Short: "List tasks, or show one task with its logs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(apiAddr)
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				var task types.Task
				if err := client.get(cmd.Context(), "/v1/tasks/"+url.PathEscape(args[0]), nil, &task); err != nil {
					return err
				}
				return printJSON(out, task)
			}

			query := url.Values{}
			if status != "" {
				query.Set("status", strings.ToUpper(status))
			}
			var resp struct {
				Tasks []types.Task `json:"tasks"`
			}
			if err := client.get(cmd.Context(), "/v1/tasks", query, &resp); err != nil {
				return err
			}
			printTaskTable(out, resp.Tasks)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func printTaskTable(w io.Writer, tasks []types.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "no tasks")
		return
	}
	fmt.Fprintf(w, "%-38s %-11s %-17s %-7s %s\n", "ID", "STATUS", "TYPE", "TARGET", "CONTENT")
	for _, t := range tasks {
		content := t.Content
		if len(content) > 40 {
			content = content[:37] + "..."
		}
		fmt.Fprintf(w, "%-38s %-11s %-17s %-7s %s\n", t.ID, t.Status, t.TaskType, t.Target, content)
	}
}

func buildAbortCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <id>",
		Short: "Abort a pending or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var task types.Task
			err := newAPIClient(apiAddr).post(cmd.Context(), "/v1/tasks/"+url.PathEscape(args[0])+"/abort", nil, &task)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", task.ID, task.Status)
			return nil
		},
	}
}

func buildResubmitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resubmit <id>",
		Short: "Submit a new task with the content of a failed or aborted one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				ID types.TaskID `json:"id"`
			}
			err := newAPIClient(apiAddr).post(cmd.Context(), "/v1/tasks/"+url.PathEscape(args[0])+"/resubmit", nil, &resp)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.ID)
			return nil
		},
	}
}

// ============================================================================
// 佇列控制
// ============================================================================

func buildQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show queue statistics or control admission",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats map[string]any
			if err := newAPIClient(apiAddr).get(cmd.Context(), "/v1/queue", nil, &stats); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}

	for _, action := range []struct{ name, short string }{
		{"pause", "Stop admitting pending tasks"},
		{"resume", "Resume admission"},
		{"purge", "Remove every pending task"},
		{"emergency-stop", "Abort all pending and running tasks, then pause"},
	} {
		cmd.AddCommand(&cobra.Command{
			Use:   action.name,
			Short: action.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				var resp map[string]any
				if err := newAPIClient(apiAddr).post(cmd.Context(), "/v1/queue/"+action.name, nil, &resp); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), resp)
			},
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "max-active <n>",
		Short: "Change the concurrency limit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 1 {
				return fmt.Errorf("max-active must be a positive integer, got %q", args[0])
			}
			var resp map[string]int
			if err := newAPIClient(apiAddr).put(cmd.Context(), "/v1/queue/max-active", map[string]int{"max_active": n}, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "max_active=%d\n", resp["max_active"])
			return nil
		},
	})
	return cmd
}

// ============================================================================
// 自主等級 / 付費模式
// ============================================================================

type levelView struct {
	Level types.AutonomyLevel `json:"level"`
	Name  string              `json:"name"`
}

func buildAutonomyCommand() *cobra.Command {
	get := func(cmd *cobra.Command, args []string) error {
		var resp levelView
		if err := newAPIClient(apiAddr).get(cmd.Context(), "/v1/autonomy", nil, &resp); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%d)\n", resp.Name, resp.Level)
		return nil
	}

	cmd := &cobra.Command{
		Use:   "autonomy",
		Short: "Show or change the autonomy level",
		RunE:  get,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Show the current level",
		Args:  cobra.NoArgs,
		RunE:  get,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <level>",
		Short: "Set the level by name (BUILDER) or value (30)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := types.ParseLevel(args[0])
			if err != nil {
				return err
			}
			var resp levelView
			if err := newAPIClient(apiAddr).put(cmd.Context(), "/v1/autonomy", map[string]any{"level": level.String()}, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%d)\n", resp.Name, resp.Level)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "levels",
		Short: "List every level with its permissions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := newAPIClient(apiAddr).get(cmd.Context(), "/v1/autonomy/levels", nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	})
	return cmd
}

func buildPaidModeCommand() *cobra.Command {
	show := func(cmd *cobra.Command, enabled bool) {
		state := "disabled"
		if enabled {
			state = "enabled"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "paid mode %s\n", state)
	}
	get := func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Enabled bool   `json:"enabled"`
			Mode    string `json:"mode"`
		}
		if err := newAPIClient(apiAddr).get(cmd.Context(), "/v1/cost-mode", nil, &resp); err != nil {
			return err
		}
		show(cmd, resp.Enabled)
		fmt.Fprintf(cmd.OutOrStdout(), "routing mode %s\n", resp.Mode)
		return nil
	}
	set := func(cmd *cobra.Command, enabled, confirm bool) error {
		var resp struct {
			Enabled bool `json:"enabled"`
		}
		body := map[string]bool{"enabled": enabled, "confirm": confirm}
		if err := newAPIClient(apiAddr).put(cmd.Context(), "/v1/cost-mode", body, &resp); err != nil {
			return err
		}
		show(cmd, resp.Enabled)
		return nil
	}

	cmd := &cobra.Command{
		Use:   "paid-mode",
		Short: "Show or toggle paid (cloud) mode",
		RunE:  get,
	}
	cmd.AddCommand(&cobra.Command{Use: "get", Short: "Show paid mode", Args: cobra.NoArgs, RunE: get})

	var yes bool
	enable := &cobra.Command{
		Use:   "enable",
		Short: "Allow routing to paid cloud models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("enabling paid mode spends money; pass --yes to confirm")
			}
			return set(cmd, true, true)
		},
	}
	enable.Flags().BoolVar(&yes, "yes", false, "confirm enabling paid mode")
	cmd.AddCommand(enable)

	cmd.AddCommand(&cobra.Command{
		Use:   "disable",
		Short: "Route everything locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return set(cmd, false, false)
		},
	})
	return cmd
}

// ============================================================================
// 節點 / hive
// ============================================================================

func buildNodesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List registered nexus nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Nodes []types.NodeRecord `json:"nodes"`
			}
			if err := newAPIClient(apiAddr).get(cmd.Context(), "/v1/nodes", nil, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(resp.Nodes) == 0 {
				fmt.Fprintln(out, "no nodes")
				return nil
			}
			fmt.Fprintf(out, "%-20s %-22s %-9s %-5s %s\n", "NODE", "ADDRESS", "HEALTH", "LOAD", "CAPABILITIES")
			for _, n := range resp.Nodes {
				fmt.Fprintf(out, "%-20s %-22s %-9s %-5d %s\n",
					n.NodeID, n.Address, n.Health, n.Load, strings.Join(n.Capabilities, ","))
			}
			return nil
		},
	}

	var (
		nodeID     string
		capability string
		params     map[string]string
		timeout    time.Duration
	)
	exec := &cobra.Command{
		Use:   "exec <skill>",
		Short: "Run a skill on a node (by --node or best node with --capability)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (nodeID == "") == (capability == "") {
				return fmt.Errorf("exactly one of --node or --capability is required")
			}
			req := map[string]any{
				"node_id":    nodeID,
				"capability": capability,
				"skill":      args[0],
				"params":     params,
				"timeout_ms": timeout.Milliseconds(),
			}
			var resp struct {
				NodeID string `json:"node_id"`
				Result string `json:"result"`
			}
			if err := newAPIClient(apiAddr).post(cmd.Context(), "/v1/nodes/execute", req, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", resp.NodeID, resp.Result)
			return nil
		},
	}
	exec.Flags().StringVar(&nodeID, "node", "", "target node id")
	exec.Flags().StringVar(&capability, "capability", "", "pick the least loaded healthy node with this capability")
	exec.Flags().StringToStringVar(&params, "param", nil, "skill parameters (key=value)")
	exec.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "remote execution timeout")
	cmd.AddCommand(exec)
	return cmd
}

func buildHiveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hive",
		Short: "Show hive queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats hive.Stats
			if err := newAPIClient(apiAddr).get(cmd.Context(), "/v1/hive", nil, &stats); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}

	var limit int
	dead := &cobra.Command{
		Use:   "dead",
		Short: "List dead-lettered jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{"limit": {strconv.Itoa(limit)}}
			var resp struct {
				Jobs []hive.Job `json:"jobs"`
			}
			if err := newAPIClient(apiAddr).get(cmd.Context(), "/v1/hive/dead", query, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(resp.Jobs) == 0 {
				fmt.Fprintln(out, "no dead jobs")
				return nil
			}
			for _, j := range resp.Jobs {
				fmt.Fprintf(out, "%s task=%s skill=%s attempts=%d error=%s\n", j.ID, j.TaskID, j.Skill, j.Attempts, j.LastError)
			}
			return nil
		},
	}
	dead.Flags().IntVar(&limit, "limit", 50, "maximum jobs to list")
	cmd.AddCommand(dead)
	return cmd
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display health, queue statistics, autonomy level and paid mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.Context(), cmd.OutOrStdout(), newAPIClient(apiAddr))
		},
	}
}

func showStatus(ctx context.Context, out io.Writer, client *apiClient) error {
	var health map[string]any
	if err := client.get(ctx, "/healthz", nil, &health); err != nil {
		return err
	}
	var stats map[string]any
	if err := client.get(ctx, "/v1/queue", nil, &stats); err != nil {
		return err
	}
	var level levelView
	if err := client.get(ctx, "/v1/autonomy", nil, &level); err != nil {
		return err
	}
	var cost struct {
		Enabled bool   `json:"enabled"`
		Mode    string `json:"mode"`
	}
	if err := client.get(ctx, "/v1/cost-mode", nil, &cost); err != nil {
		return err
	}

	fmt.Fprintf(out, "Venom @ %s\n", client.base)
	fmt.Fprintf(out, "  ├─ Health:     %v\n", health["status"])
	fmt.Fprintf(out, "  ├─ Autonomy:   %s (%d)\n", level.Name, level.Level)
	fmt.Fprintf(out, "  ├─ Routing:    %s, paid mode %t\n", cost.Mode, cost.Enabled)
	fmt.Fprintln(out, "  └─ Queue:")
	for _, key := range []string{"total", "PENDING", "PROCESSING", "COMPLETED", "FAILED", "ABORTED", "active", "queued", "max_active", "paused"} {
		if v, ok := stats[key]; ok {
			fmt.Fprintf(out, "       %-12s %v\n", strings.ToLower(key)+":", v)
		}
	}
	return nil
}

// ============================================================================
// WAL 工具
// ============================================================================

func buildWALCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Inspect the write-ahead log offline",
	}

	walPath := func(args []string) (string, error) {
		if len(args) == 1 {
			return args[0], nil
		}
		cfg, err := config.Load(configFile)
		if err != nil {
			return "", err
		}
		if cfg.Storage.WALPath == "" {
			return "", fmt.Errorf("storage.wal_path is empty and no path was given")
		}
		return cfg.Storage.WALPath, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "inspect [path]",
		Short: "Validate checksums and summarize events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := walPath(args)
			if err != nil {
				return err
			}
			stats, err := wal.ValidateWAL(path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\n", path)
			fmt.Fprintf(out, "  ├─ Events:  %d (upserts %d, purges %d)\n", stats.Events, stats.Upserts, stats.Purges)
			fmt.Fprintf(out, "  └─ Seq:     %d..%d\n", stats.FirstSeq, stats.LastSeq)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "dump [path]",
		Short: "Print every event as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := walPath(args)
			if err != nil {
				return err
			}
			return wal.DumpWAL(path, cmd.OutOrStdout())
		},
	})
	return cmd
}
