// Command metaserver runs one node of the cluster control plane: its own
// raft-backed state machine, the store heartbeat/balancing pipeline, and the
// store health monitor, fronted by a metrics and health-check HTTP listener.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ctrlplane/meta/pkg/cluster"
	"github.com/ctrlplane/meta/pkg/config"
	"github.com/ctrlplane/meta/pkg/log"
	"github.com/ctrlplane/meta/pkg/metrics"
)

var (
	version = "dev"
	commit  = "none"
)

var rootCmd = &cobra.Command{
	Use:     "metaserver",
	Short:   "Cluster placement and balancing control plane",
	Version: version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("metaserver %s (%s)\n", version, commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("node-id", "meta-1", "Unique node ID for this meta-service's raft participation")
	serveCmd.Flags().String("bind-addr", "127.0.0.1:7946", "Address for this node's raft transport")
	serveCmd.Flags().String("data-dir", "./meta-data", "Data directory for the meta store and raft logs")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the metrics/health HTTP listener")
	serveCmd.Flags().Bool("enable-pprof", false, "Enable pprof profiling endpoints on the metrics listener")
	serveCmd.Flags().String("config", "", "Path to a YAML config file; overrides the flags above when set")
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOutput})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// registerPprof wires net/http/pprof's handlers onto mux rather than the
// package's default of registering itself on http.DefaultServeMux, since the
// metrics listener uses its own mux.
func registerPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Bootstrap and run a single meta-service node",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof")
		configPath, _ := cmd.Flags().GetString("config")

		clusterCfg := cluster.Config{NodeID: nodeID, BindAddr: bindAddr, DataDir: dataDir}
		if configPath != "" {
			file, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config file: %w", err)
			}
			nodeID, bindAddr, dataDir = file.NodeID, file.BindAddr, file.DataDir
			if file.MetricsAddr != "" {
				metricsAddr = file.MetricsAddr
			}
			clusterCfg = cluster.Config{
				NodeID:   file.NodeID,
				BindAddr: file.BindAddr,
				DataDir:  file.DataDir,
				Topology: file.Topology,
				Health:   file.Health,
			}
		}

		logger := log.WithNodeID(nodeID)

		c, err := cluster.New(clusterCfg)
		if err != nil {
			return fmt.Errorf("construct cluster node: %w", err)
		}

		if err := c.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap cluster node: %w", err)
		}
		c.Start()
		logger.Info().Str("bind_addr", bindAddr).Str("data_dir", dataDir).Msg("meta-service node bootstrapped")

		metrics.SetVersion(version)
		metrics.RegisterComponent("raft", true, "bootstrapped")
		metrics.RegisterComponent("store", true, "ready")

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		if pprofEnabled {
			registerPprof(mux)
		}

		server := &http.Server{Addr: metricsAddr, Handler: mux}
		errCh := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics listener: %w", err)
			}
		}()
		logger.Info().Str("addr", metricsAddr).Msg("metrics and health endpoints listening")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			logger.Info().Msg("shutdown signal received")
		case err := <-errCh:
			logger.Error().Err(err).Msg("metrics listener failed")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)

		c.Stop()
		if err := c.Close(); err != nil {
			return fmt.Errorf("close meta store: %w", err)
		}
		logger.Info().Msg("shutdown complete")
		return nil
	},
}
