package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/flame-sh/flame/pkg/apis"
	"github.com/flame-sh/flame/pkg/config"
	"github.com/flame-sh/flame/pkg/log"
	"github.com/flame-sh/flame/pkg/nodeagent"
	"github.com/flame-sh/flame/pkg/rpc/backend"
	"github.com/flame-sh/flame/pkg/rpc/frontend"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "flame-executor-manager",
	Short:   "Flame executor manager: node heartbeat and executor supervision",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("flame-executor-manager %s (%s)\n", Version, Commit))
	rootCmd.Flags().String("context", "/etc/flame/context.yaml", "path to the cluster-context document")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "emit logs as JSON")
	rootCmd.Flags().String("node-name", "", "node name to register (defaults to a random id)")
	rootCmd.RunE = run
}

func run(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	ctxPath, _ := cmd.Flags().GetString("context")
	clusterCtx, err := config.Load(ctxPath)
	if err != nil {
		return fmt.Errorf("load cluster context: %w", err)
	}

	nodeName, _ := cmd.Flags().GetString("node-name")
	if nodeName == "" {
		nodeName = uuid.NewString()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	frontendAddr, err := clusterCtx.FrontendAddr()
	if err != nil {
		return fmt.Errorf("resolve frontend address: %w", err)
	}
	backendAddr, err := clusterCtx.BackendAddr()
	if err != nil {
		return fmt.Errorf("resolve backend address: %w", err)
	}

	frontendConn, err := dial(ctx, frontendAddr)
	if err != nil {
		return fmt.Errorf("dial frontend %s: %w", frontendAddr, err)
	}
	defer frontendConn.Close()

	backendConn, err := dial(ctx, backendAddr)
	if err != nil {
		return fmt.Errorf("dial backend %s: %w", backendAddr, err)
	}
	defer backendConn.Close()

	apps := frontend.NewClient(frontendConn)
	be := backend.NewClient(backendConn)

	node := &apis.Node{
		Name:        nodeName,
		Capacity:    nodeCapacity(clusterCtx.Slot, clusterCtx.MaxExecutorsPerNode),
		Allocatable: nodeCapacity(clusterCtx.Slot, clusterCtx.MaxExecutorsPerNode),
		Info:        apis.NodeInfo{},
	}

	runner := nodeagent.DefaultExecutorRunner(be, apps, log.Logger)
	agent := nodeagent.New(node, be, runner, log.Logger)

	log.Logger.Info().Str("node", nodeName).Msg("starting executor manager")
	if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// nodeCapacity scales the cluster's slot unit by the configured max
// executors per node, giving this node's advertised capacity vector.
func nodeCapacity(slot apis.ResourceRequirement, maxExecutors int32) apis.ResourceRequirement {
	return apis.ResourceRequirement{
		CPU:    slot.CPU * float64(maxExecutors),
		Memory: slot.Memory * int64(maxExecutors),
	}
}

func dial(ctx context.Context, addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
}
