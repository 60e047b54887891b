package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/DaxxSec/labyrinth/internal/adapter/inbound/controlapi"
	"github.com/DaxxSec/labyrinth/internal/adapter/inbound/mitm"
	"github.com/DaxxSec/labyrinth/internal/adapter/outbound/forensics"
	"github.com/DaxxSec/labyrinth/internal/adapter/outbound/siem"
	"github.com/DaxxSec/labyrinth/internal/config"
	"github.com/DaxxSec/labyrinth/internal/domain/intel"
	"github.com/DaxxSec/labyrinth/internal/domain/layers"
	"github.com/DaxxSec/labyrinth/internal/telemetry"
)

// certCacheTTL bounds how long a minted leaf certificate is reused.
const certCacheTTL = time.Hour

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Start the interception proxy",
	Long: `Start the L4 interception proxy.

Session containers resolve the AI API domains to this proxy. It
terminates TLS with certificates minted from the interception CA,
harvests credentials, tooling, and prompts from every request, applies
the active interception mode, and forwards the (possibly rewritten)
request to the real API.

The CA keypair is created on first start under {forensics_dir}/ca and
is injected into session containers by the orchestrator.`,
	RunE: runProxy,
}

func init() {
	rootCmd.AddCommand(proxyCmd)
}

func runProxy(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg)
	if file := config.ConfigFileUsed(); file != "" {
		logger.Info("loaded config", "file", file)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(cfg.Telemetry.Tracing, os.Stdout, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	ca, err := mitm.NewCAManager(mitm.CAConfig{
		CertFile:     forensics.CACertPath(cfg.ForensicsDir),
		KeyFile:      forensics.CAKeyPath(cfg.ForensicsDir),
		Organization: "Labyrinth Interception CA",
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize interception CA: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := controlapi.NewMetrics(registry)

	sink := siem.NewClient(cfg.SIEM, logger)
	events := forensics.NewEventLog(cfg.ForensicsDir, sink, logger)
	events.SetFailureHook(metrics.ForensicWriteFailures.Inc)

	pipeline := mitm.NewPipeline(
		forensics.NewModeFile(cfg.ForensicsDir),
		forensics.NewProxyMap(cfg.ForensicsDir),
		forensics.NewPromptCapture(cfg.ForensicsDir),
		intel.NewStore(cfg.ForensicsDir),
		events,
		logger,
	)
	pipeline.SetInterceptCounter(metrics.InterceptsTotal)

	proxy := mitm.NewProxy(mitm.ProxyConfig{
		Addr:          fmt.Sprintf(":%d", cfg.Layer4.ProxyPort),
		TargetDomains: layers.TargetDomains(),
		CertCache:     mitm.NewCertCache(ca, certCacheTTL, logger),
		Pipeline:      pipeline,
		Logger:        logger,
	})

	metricsSrv := &http.Server{
		Addr:              cfg.Layer4.MetricsAddr,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener failed", "error", err)
		}
	}()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(sctx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := proxy.Shutdown(sctx); err != nil {
			logger.Warn("proxy shutdown failed", "error", err)
		}
	}()

	logger.Info("interception proxy starting",
		"version", Version,
		"port", cfg.Layer4.ProxyPort,
		"targets", len(layers.TargetDomains()),
		"metrics_addr", cfg.Layer4.MetricsAddr,
		"default_mode", cfg.Layer4.DefaultMode,
	)

	if err := proxy.ListenAndServe(); err != nil {
		return err
	}
	logger.Info("interception proxy stopped")
	return nil
}
