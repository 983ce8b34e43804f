package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/flame-sh/flame/pkg/config"
	"github.com/flame-sh/flame/pkg/controller"
	"github.com/flame-sh/flame/pkg/eventlog"
	"github.com/flame-sh/flame/pkg/log"
	"github.com/flame-sh/flame/pkg/metrics"
	"github.com/flame-sh/flame/pkg/model"
	"github.com/flame-sh/flame/pkg/rpc/backend"
	"github.com/flame-sh/flame/pkg/rpc/frontend"
	"github.com/flame-sh/flame/pkg/scheduler"
	"github.com/flame-sh/flame/pkg/storage"
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
	Use:     "flame-session-manager",
	Short:   "Flame session manager: controller, scheduler and the frontend/backend gRPC surfaces",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("flame-session-manager %s (%s)\n", Version, Commit))
	rootCmd.Flags().String("context", "/etc/flame/context.yaml", "path to the cluster-context document")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "emit logs as JSON")
	rootCmd.Flags().String("metrics-addr", ":9090", "address to serve /metrics on")
	rootCmd.Flags().String("events-dir", "/var/lib/flame/events", "directory for the append-only event log")
	rootCmd.Flags().Duration("node-heartbeat-timeout", 30*time.Second, "nodes with no heartbeat for this long are swept")
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

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	eventsDir, _ := cmd.Flags().GetString("events-dir")
	heartbeatTimeout, _ := cmd.Flags().GetDuration("node-heartbeat-timeout")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, clusterCtx.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	events, err := eventlog.Open(eventsDir)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer events.Close()

	m := model.New()
	ctrl := controller.New(store, events, m, log.Logger)

	log.Logger.Info().Msg("bootstrapping controller from durable state")
	if err := ctrl.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap controller: %w", err)
	}

	sched := scheduler.New(ctrl, clusterCtx.Slot, 0, log.Logger)
	sched.Start()
	defer sched.Stop()

	go sweepLoop(ctx, ctrl, heartbeatTimeout)

	frontendAddr, err := clusterCtx.FrontendAddr()
	if err != nil {
		return fmt.Errorf("resolve frontend address: %w", err)
	}
	backendAddr, err := clusterCtx.BackendAddr()
	if err != nil {
		return fmt.Errorf("resolve backend address: %w", err)
	}

	frontendSrv := grpc.NewServer()
	frontend.RegisterServer(frontendSrv, &frontend.Server{Ctrl: ctrl})

	backendSrv := grpc.NewServer()
	backend.RegisterServer(backendSrv, &backend.Server{Ctrl: ctrl})

	errCh := make(chan error, 3)
	serveGRPC(errCh, "frontend", frontendAddr, frontendSrv)
	serveGRPC(errCh, "backend", backendAddr, backendSrv)
	serveMetrics(errCh, metricsAddr)

	select {
	case <-ctx.Done():
		log.Logger.Info().Msg("shutting down")
	case err := <-errCh:
		cancel()
		return err
	}

	frontendSrv.GracefulStop()
	backendSrv.GracefulStop()
	return nil
}

func serveGRPC(errCh chan<- error, name, addr string, srv *grpc.Server) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		errCh <- fmt.Errorf("listen %s on %s: %w", name, addr, err)
		return
	}
	log.Logger.Info().Str("surface", name).Str("addr", addr).Msg("gRPC surface listening")
	go func() {
		if err := srv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("%s gRPC server: %w", name, err)
		}
	}()
}

func serveMetrics(errCh chan<- error, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()
}

func sweepLoop(ctx context.Context, ctrl *controller.Controller, timeout time.Duration) {
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := ctrl.SweepDeadNodes(ctx, timeout); n > 0 {
				log.Logger.Warn().Int("nodes", n).Msg("swept dead nodes")
			}
		case <-ctx.Done():
			return
		}
	}
}
