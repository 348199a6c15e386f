package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/canopyops/canopy/internal/config"
	"github.com/canopyops/canopy/internal/core"
	"github.com/canopyops/canopy/internal/logging"
	"github.com/canopyops/canopy/internal/reporting"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	dataPath    string
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:     "canopy",
	Short:   "Canopy - multi-tenant service assurance core",
	Long:    `Canopy continuously measures network service health, correlates fault telemetry into alarms, aggregates flow analytics, and evaluates SLA compliance.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Canopy %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate a one-off network performance report",
	RunE: func(cmd *cobra.Command, args []string) error {
		hours, _ := cmd.Flags().GetInt("hours")
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")

		cfg, err := config.Load(dataPath)
		if err != nil {
			return err
		}
		c, err := core.New(cfg)
		if err != nil {
			return err
		}
		defer c.Stop()

		data, err := c.NetworkPerformanceReport(hours, reporting.Format(format))
		if err != nil {
			return err
		}
		if output == "-" {
			_, err = os.Stdout.Write(data)
			return err
		}
		return os.WriteFile(output, data, 0o644)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataPath, "data", defaultDataPath(), "data directory (database, settings)")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus metrics listen address (empty disables)")

	reportCmd.Flags().Int("hours", 24, "report lookback window in hours")
	reportCmd.Flags().String("format", "csv", "output format: csv or pdf")
	reportCmd.Flags().String("output", "-", "output file, - for stdout")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(reportCmd)
}

func defaultDataPath() string {
	if p := os.Getenv("CANOPY_DATA_PATH"); p != "" {
		return p
	}
	return "/var/lib/canopy"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup messages; re-initialized once the
	// configuration is loaded.
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "canopy"})

	cfg, err := config.Load(dataPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Configuration load failed")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Configuration invalid")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "canopy",
		FilePath:  cfg.LogFile,
	})
	defer logging.Close()

	log.Info().
		Str("version", Version).
		Str("tenant", cfg.TenantID).
		Str("data", cfg.DataPath).
		Msg("Canopy starting")

	c, err := core.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Core initialization failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c.Start(ctx)

	// Settings hot reload: engines pick up tunables on the next cycle
	watcher := config.NewWatcher(cfg.DataPath, func(updated *config.Config) {
		log.Info().Str("tenant", updated.TenantID).Msg("Settings changed on disk; restart to apply engine tunables")
	})
	if err := watcher.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable")
	}

	var metricsServer *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if c.HealthCheck().Healthy {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		mux.HandleFunc("/ws", c.Hub().ServeWS)
		metricsServer = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		log.Info().Str("addr", metricsAddr).Msg("Metrics server listening")
	}

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsServer.Shutdown(shutdownCtx)
		cancel()
	}
	c.Stop()
}
