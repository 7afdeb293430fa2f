package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/4ier/retire-cluster/pkg/config"
	"github.com/4ier/retire-cluster/pkg/coordinator"
	"github.com/4ier/retire-cluster/pkg/log"
	"github.com/4ier/retire-cluster/pkg/metrics"
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
	Use:     "coordinatord",
	Short:   "Coordinator for a heterogeneous idle-device compute cluster",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("coordinatord version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	serveCmd.Flags().String("config", "", "Path to a YAML config file (defaults are used if omitted)")
	serveCmd.Flags().String("metrics-addr", ":9420", "Address for the Prometheus metrics/health HTTP endpoint")
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coordinator: worker-facing TCP listener plus metrics/health HTTP endpoint",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	metrics.SetVersion(Version)

	coord, err := coordinator.New(cfg, log.WithComponent("coordinator"))
	if err != nil {
		return fmt.Errorf("assembling coordinator: %w", err)
	}

	metricsServer := &http.Server{
		Addr:    metricsAddr,
		Handler: metricsMux(),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	metrics.RegisterComponent("storage", true, "")
	if err := coord.Start(); err != nil {
		return fmt.Errorf("starting coordinator: %w", err)
	}
	metrics.RegisterComponent("registry", true, "")
	metrics.RegisterComponent("listener", true, "")
	metrics.RegisterComponent("scheduler", true, "")

	log.Logger.Info().
		Str("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).
		Str("metrics_addr", metricsAddr).
		Msg("coordinator serving")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Logger.Info().Msg("shutting down")
	if err := coord.Shutdown(); err != nil {
		log.Logger.Error().Err(err).Msg("shutdown encountered an error")
	}

	shutdownDeadline := 5 * time.Second
	done := make(chan struct{})
	go func() {
		_ = metricsServer.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownDeadline):
	}

	return nil
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	return mux
}
