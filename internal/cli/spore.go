package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mpieniak01/venom/internal/config"
	"github.com/mpieniak01/venom/internal/inference"
	"github.com/mpieniak01/venom/internal/nexus"
	"github.com/mpieniak01/venom/pkg/types"
)

// SporeOptions spore run 的參數
type SporeOptions struct {
	NexusAddr    string
	NodeID       string
	Listen       string
	Advertise    string // 對 master 公告的位址，預設等於 Listen
	Capabilities []string
	ModelURL     string
	Model        string
	Heartbeat    time.Duration
}

// BuildSporeCLI 節點代理的指令樹
func BuildSporeCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "spore",
		Short:        "Spore: Venom nexus execution node",
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	var opts SporeOptions
	hostname, _ := os.Hostname()

	run := &cobra.Command{
		Use:   "run",
		Short: "Register with the nexus and execute skills until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if opts.ModelURL != "" {
				cfg.Inference.Local.URL = opts.ModelURL
			}
			if opts.Model == "" {
				opts.Model = cfg.Routing.LocalModel
			}

			ctx, stop := signalContext()
			defer stop()
			return RunSpore(ctx, opts, inference.NewClient(cfg.Inference, nil))
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path (inference endpoints)")
	run.Flags().StringVar(&opts.NexusAddr, "nexus", "localhost:7000", "nexus gRPC address")
	run.Flags().StringVar(&opts.NodeID, "id", hostname, "node id")
	run.Flags().StringVar(&opts.Listen, "listen", ":7100", "address to serve Execute on")
	run.Flags().StringVar(&opts.Advertise, "advertise", "", "address announced to the nexus (default: --listen)")
	run.Flags().StringSliceVar(&opts.Capabilities, "capabilities", []string{"llm"}, "capabilities offered by this node")
	run.Flags().StringVar(&opts.ModelURL, "model-url", "", "local model endpoint (overrides inference.local.url)")
	run.Flags().StringVar(&opts.Model, "model", "", "model used when the task carries no routing decision")
	run.Flags().DurationVar(&opts.Heartbeat, "heartbeat", 0, "heartbeat interval (default: a third of the nexus window)")
	rootCmd.AddCommand(run)

	return rootCmd
}

// RunSpore 連線 master、提供 Execute 服務並維持心跳，直到 ctx 結束
func RunSpore(ctx context.Context, opts SporeOptions, client *inference.Client) error {
	if opts.NodeID == "" {
		opts.NodeID = "spore-" + uuid.NewString()[:8]
	}
	if len(opts.Capabilities) == 0 {
		return errors.New("at least one capability is required")
	}

	lis, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", opts.Listen, err)
	}
	advertise := opts.Advertise
	if advertise == "" {
		advertise = lis.Addr().String()
	}

	conn, err := grpc.NewClient(opts.NexusAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		lis.Close()
		return fmt.Errorf("failed to connect to nexus: %w", err)
	}
	defer conn.Close()

	spore := nexus.NewSpore(nexus.SporeConfig{
		NodeID:            opts.NodeID,
		Address:           advertise,
		Capabilities:      opts.Capabilities,
		HeartbeatInterval: opts.Heartbeat,
	}, nexus.NewMasterClient(conn), localDefault{next: client, model: opts.Model})

	gs := grpc.NewServer()
	nexus.RegisterSporeServer(gs, spore)
	serveErr := make(chan error, 1)
	go func() {
		log.Info("Spore serving", "node", opts.NodeID, "addr", lis.Addr().String())
		serveErr <- gs.Serve(lis)
	}()

	if err := spore.Start(ctx); err != nil {
		gs.Stop()
		return fmt.Errorf("failed to register with nexus %s: %w", opts.NexusAddr, err)
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		log.Error("Spore server stopped", "error", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := spore.Stop(stopCtx); err != nil {
		log.Warn("Failed to deregister", "node", opts.NodeID, "error", err)
	}
	gs.GracefulStop()
	log.Info("Spore stopped", "node", opts.NodeID)
	return nil
}

// localDefault 沒有轉送決策的請求（例如 nodes exec）使用本地模型
type localDefault struct {
	next  nexus.SkillExecutor
	model string
}

func (l localDefault) Execute(ctx context.Context, skill string, params map[string]string) (string, error) {
	if _, ok := types.DecisionFromParams(params); !ok {
		ctx = types.ContextWithDecision(ctx, types.RoutingDecision{
			Target:    types.TargetLocal,
			ModelName: l.model,
			Reason:    "node default",
		})
	}
	return l.next.Execute(ctx, skill, params)
}
