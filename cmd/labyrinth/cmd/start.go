package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/DaxxSec/labyrinth/internal/adapter/inbound/controlapi"
	"github.com/DaxxSec/labyrinth/internal/adapter/inbound/watcher"
	"github.com/DaxxSec/labyrinth/internal/adapter/outbound/docker"
	"github.com/DaxxSec/labyrinth/internal/adapter/outbound/forensics"
	"github.com/DaxxSec/labyrinth/internal/adapter/outbound/siem"
	"github.com/DaxxSec/labyrinth/internal/config"
	"github.com/DaxxSec/labyrinth/internal/domain/intel"
	"github.com/DaxxSec/labyrinth/internal/domain/layers"
	"github.com/DaxxSec/labyrinth/internal/domain/session"
	"github.com/DaxxSec/labyrinth/internal/service"
	"github.com/DaxxSec/labyrinth/internal/telemetry"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the orchestration engine",
	Long: `Start the LABYRINTH orchestration engine.

The engine validates the container environment (L0), tails the portal
forensic streams for auth and escalation events, manages session
containers through the escalation ladder, and serves the private
control API with Prometheus metrics.

Examples:
  # Start with config file settings
  labyrinth start

  # Start with a specific config file
  labyrinth --config /app/configs/labyrinth.yaml start`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
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

	cli, err := docker.NewClient()
	if err != nil {
		return err
	}

	// The default interception mode holds only until an operator writes the
	// mode file; never clobber an existing one.
	modeFile := forensics.NewModeFile(cfg.ForensicsDir)
	if _, err := os.Stat(filepath.Join(cfg.ForensicsDir, forensics.ModeFileName)); err != nil {
		if err := modeFile.Set(cfg.Layer4.DefaultMode); err != nil {
			logger.Warn("failed to seed interception mode", "error", err)
		}
	}

	registry := prometheus.NewRegistry()
	metrics := controlapi.NewMetrics(registry)

	sink := siem.NewClient(cfg.SIEM, logger)
	events := forensics.NewEventLog(cfg.ForensicsDir, sink, logger)
	events.SetFailureHook(metrics.ForensicWriteFailures.Inc)

	proxyMap := forensics.NewProxyMap(cfg.ForensicsDir)
	threshold, err := layers.NewThresholdController(cfg.Layer1.AdmissionRules, logger)
	if err != nil {
		return err
	}

	manager := docker.NewManager(ctx, cli, cfg, logger)
	intelStore := intel.NewStore(cfg.ForensicsDir)

	orch := service.NewOrchestrator(service.Deps{
		Config:    cfg,
		Registry:  session.NewRegistry(cfg.SessionIDPrefix),
		Threshold: threshold,
		Minotaur:  layers.NewMinotaurController(cfg.Layer2),
		Blindfold: layers.NewBlindfoldController(cfg.Layer3, logger),
		Puppeteer: layers.NewPuppeteerController(cfg.Layer4, proxyMap, logger),
		Runtime:   manager,
		Events:    events,
		Forward:   forensics.NewForwardMap(cfg.ForensicsDir),
		Retention: forensics.NewRetention(cfg.ForensicsDir, logger),
		Metrics:   metrics,
		Logger:    logger,
		Preflight: func(ctx context.Context) (bool, []string) {
			return docker.Validate(ctx, cli, cfg)
		},
	})

	w := watcher.New(cfg.ForensicsDir,
		func(ev watcher.AuthEvent) {
			orch.OnConnection(ctx, ev.SrcIP, ev.Service)
		},
		func(ev watcher.EscalationEvent) {
			orch.OnEscalation(ctx, ev.SessionID, ev.Type)
		},
		logger)

	handler := controlapi.NewHandler(cli, modeFile, intelStore, cfg.ForensicsDir,
		cfg.Server.AuthTokenHash, registry, logger)
	srv := &http.Server{
		Addr:              cfg.Server.ControlAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("control api listening", "addr", cfg.Server.ControlAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control api failed", "error", err)
		}
	}()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn("control api shutdown failed", "error", err)
		}
	}()

	logger.Info("labyrinth starting",
		"version", Version,
		"forensics_dir", cfg.ForensicsDir,
		"control_addr", cfg.Server.ControlAddr,
		"max_depth", cfg.Layer2.MaxContainerDepth,
		"l3_activation", cfg.Layer3.Activation,
		"l4_default_mode", cfg.Layer4.DefaultMode,
		"siem", cfg.SIEM.Enabled,
	)

	if err := orch.Run(ctx, w); err != nil {
		return err
	}
	logger.Info("labyrinth stopped")
	return nil
}
