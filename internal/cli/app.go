// ============================================================================
// Venom Process Root
// ============================================================================
//
// App 組裝所有元件，順序：
//   1. logger / tracing
//   2. AutonomyGate、CostRouter、EventBus、metrics
//   3. 技能執行器（inference client + multiplexer）
//   4. nexus 註冊表與 gRPC 控制面
//   5. hive 工作佇列（distribution=hive 時）
//   6. Orchestrator（恢復 WAL / 快照）
//   7. HTTP API
//
// 關閉時反向進行：HTTP → hive worker → gRPC → orchestrator → registry
// → broker → bus → tracing
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mpieniak01/venom/internal/autonomy"
	"github.com/mpieniak01/venom/internal/config"
	"github.com/mpieniak01/venom/internal/costguard"
	"github.com/mpieniak01/venom/internal/events"
	"github.com/mpieniak01/venom/internal/hive"
	"github.com/mpieniak01/venom/internal/inference"
	"github.com/mpieniak01/venom/internal/metrics"
	"github.com/mpieniak01/venom/internal/nexus"
	"github.com/mpieniak01/venom/internal/orchestrator"
	"github.com/mpieniak01/venom/internal/server"
	"github.com/mpieniak01/venom/internal/tracing"
)

// App 一個 venom 行程內的全部元件
type App struct {
	cfg *config.Config

	Gate         *autonomy.Gate
	Router       *costguard.Router
	Bus          *events.EventBus
	Metrics      *metrics.Collector
	Executor     *inference.Multiplexer
	Registry     *nexus.Registry
	Broker       hive.Broker // distribution=hive 以外為 nil
	Orchestrator *orchestrator.Orchestrator
	HTTP         *server.Server

	nodeClient      *nexus.GRPCNodeClient
	hiveWorker      *hive.Worker
	tracingShutdown func(context.Context) error
}

// NewApp 依設定建立所有元件，但不啟動任何循環
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{cfg: cfg}

	shutdown, err := tracing.Init(ctx, "venom", cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	app.tracingShutdown = shutdown

	perms, err := cfg.Permissions()
	if err != nil {
		return nil, fmt.Errorf("failed to load permissions: %w", err)
	}
	// 自主等級從 ISOLATED、付費模式從 false 開始，只能在執行期調整
	app.Gate = autonomy.NewGate(perms)

	modelCfg, err := cfg.ModelConfig()
	if err != nil {
		return nil, err
	}
	app.Router = costguard.NewRouter(modelCfg)

	app.Bus = events.NewEventBus()
	if cfg.Metrics.Enabled {
		app.Metrics = metrics.NewCollector(prometheus.NewRegistry())
	}

	app.Executor = NewSkillExecutor(inference.NewClient(cfg.Inference, nil))

	app.nodeClient = nexus.NewGRPCNodeClient(grpc.WithTransportCredentials(insecure.NewCredentials()))
	app.Registry = nexus.NewRegistry(nexus.Config{
		HeartbeatWindow: cfg.Nexus.HeartbeatWindow,
		OfflineGrace:    cfg.Nexus.OfflineGrace,
	}, app.nodeClient, app.Bus, app.Metrics)

	deps := orchestrator.Deps{
		Gate:     app.Gate,
		Router:   app.Router,
		Bus:      app.Bus,
		Metrics:  app.Metrics,
		Executor: app.Executor,
		Remote:   app.Registry,
	}

	distribution := orchestrator.Distribution(cfg.Distribution.Mode)
	if distribution == orchestrator.DistributionHive {
		broker, err := OpenBroker(ctx, cfg)
		if err != nil {
			return nil, err
		}
		app.Broker = broker
		deps.Hive = hive.NewClient(broker, cfg.Hive.PollInterval, app.Metrics)
		if cfg.Hive.Workers > 0 {
			app.hiveWorker = hive.NewWorker(broker, app.Executor, hive.WorkerConfig{
				Concurrency:  cfg.Hive.Workers,
				Lease:        cfg.Hive.Lease,
				PollInterval: cfg.Hive.PollInterval,
			}, app.Metrics)
		}
	}

	app.Orchestrator, err = orchestrator.New(orchestrator.Config{
		MaxActive:        cfg.Queue.MaxActive,
		SnapshotInterval: cfg.Storage.SnapshotInterval,
		WALPath:          cfg.Storage.WALPath,
		SnapshotPath:     cfg.Storage.SnapshotPath,
		SyncWAL:          cfg.Storage.SyncWAL,
		WALArchives:      cfg.Storage.WALArchives,
		Distribution:     distribution,
		RemoteTimeout:    cfg.Distribution.RemoteTimeout,
		DrainTimeout:     cfg.Distribution.DrainTimeout,
	}, deps)
	if err != nil {
		app.closeInfra(ctx)
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	app.HTTP = server.New(server.Deps{
		Orchestrator: app.Orchestrator,
		Gate:         app.Gate,
		Router:       app.Router,
		Bus:          app.Bus,
		Metrics:      app.Metrics,
		Registry:     app.Registry,
		Hive:         app.Broker,
	})
	return app, nil
}

// NewSkillExecutor 所有技能都交給模型端點；llm.* 明確註冊，其餘走 fallback
func NewSkillExecutor(client *inference.Client) *inference.Multiplexer {
	mux := inference.NewMultiplexer()
	mux.Handle("llm.*", client)
	mux.Handle("plan.*", client)
	mux.SetFallback(client)
	return mux
}

// OpenBroker hive.path 為空時使用記憶體佇列（不跨行程、不持久化）
func OpenBroker(ctx context.Context, cfg *config.Config) (hive.Broker, error) {
	policy := hive.DefaultRetryPolicy()
	if cfg.Hive.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.Hive.MaxAttempts
	}
	if cfg.Hive.Path == "" {
		return hive.NewMemoryBroker(policy), nil
	}
	broker, err := hive.NewSQLiteBroker(ctx, cfg.Hive.Path, policy)
	if err != nil {
		return nil, fmt.Errorf("failed to open hive: %w", err)
	}
	return broker, nil
}

// Run 啟動所有循環直到 ctx 結束，然後依序關閉
func (a *App) Run(ctx context.Context) error {
	if err := a.Orchestrator.Start(ctx); err != nil {
		a.closeInfra(context.Background())
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	a.Registry.Start()

	var grpcLis net.Listener
	if a.cfg.Nexus.Listen != "" {
		lis, err := net.Listen("tcp", a.cfg.Nexus.Listen)
		if err != nil {
			a.shutdown()
			return fmt.Errorf("failed to listen on %s: %w", a.cfg.Nexus.Listen, err)
		}
		grpcLis = lis
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.HTTP.Serve(gctx, a.cfg.HTTP.Addr)
	})

	if grpcLis != nil {
		g.Go(func() error {
			return serveNexus(gctx, grpcLis, a.Registry)
		})
	}

	if a.hiveWorker != nil {
		g.Go(func() error {
			return a.hiveWorker.Run(gctx)
		})
	}

	log.Info("Venom started",
		"http", a.cfg.HTTP.Addr,
		"nexus", a.cfg.Nexus.Listen,
		"distribution", a.cfg.Distribution.Mode,
		"autonomy", a.Gate.CurrentLevel().String(),
		"paid_mode", a.Router.PaidMode())

	err := g.Wait()
	a.shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// serveNexus 對 Spore 節點提供 Register / Heartbeat / Deregister
func serveNexus(ctx context.Context, lis net.Listener, registry *nexus.Registry) error {
	gs := grpc.NewServer()
	nexus.RegisterNexusServer(gs, nexus.NewService(registry))

	errCh := make(chan error, 1)
	go func() {
		log.Info("Nexus gRPC listening", "addr", lis.Addr().String())
		errCh <- gs.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("nexus server: %w", err)
	case <-ctx.Done():
		stopped := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			gs.Stop()
		}
		return nil
	}
}

func (a *App) shutdown() {
	a.Orchestrator.Stop()
	a.closeInfra(context.Background())
}

func (a *App) closeInfra(ctx context.Context) {
	a.Registry.Stop()
	if err := a.nodeClient.Close(); err != nil {
		log.Warn("Failed to close node connections", "error", err)
	}
	if a.Broker != nil {
		if err := a.Broker.Close(); err != nil {
			log.Warn("Failed to close hive broker", "error", err)
		}
	}
	a.Bus.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.tracingShutdown(ctx); err != nil {
		log.Warn("Failed to flush traces", "error", err)
	}
}
