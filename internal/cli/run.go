package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sdsync/sdsync/internal/budget"
	"github.com/sdsync/sdsync/internal/bus"
	"github.com/sdsync/sdsync/internal/catalog"
	"github.com/sdsync/sdsync/internal/config"
	"github.com/sdsync/sdsync/internal/engine"
	"github.com/sdsync/sdsync/internal/schedule"
	"github.com/sdsync/sdsync/internal/uploader"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the upload controller daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func runDaemon() error {
	log := slog.Default()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cat := catalog.New(catalog.Options{
		Path:          cfg.CatalogDB,
		PendingWindow: cfg.Upload.PendingWindow.Duration(),
		Logger:        log,
	})
	if err := cat.Begin(ctx); err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	defer cat.Close()

	monitor := bus.NewTrafficMonitor(&bus.FileCounter{Path: cfg.Bus.ActivityPath}, log)

	var reset bus.ResetSequencer
	if cfg.Bus.ResetOnRelease {
		reset = bus.NewCardReset(cfg.Bus.Device, log)
	}
	arbiter := bus.NewArbiter(bus.ArbiterOptions{
		Switch:     &bus.FileSwitch{Path: cfg.Bus.SwitchPath},
		Mounter:    bus.ExecMounter{},
		Reset:      reset,
		Device:     cfg.Bus.Device,
		MountPoint: cfg.Bus.MountPoint,
		SettleTime: cfg.Bus.SettleTime.Duration(),
		Logger:     log,
	})

	bud := budget.New(cfg.Ceiling(), log)

	sched := schedule.New(schedule.Options{
		Mode:             cfg.Upload.Mode,
		StartHour:        cfg.Upload.StartHour,
		EndHour:          cfg.Upload.EndHour,
		MaxAgeDays:       cfg.Upload.MaxAgeDays,
		RecentFolderDays: cfg.Upload.RecentFolderDays,
	})

	reg, err := uploader.BuildRegistry(cfg.Backends, log)
	if err != nil {
		return fmt.Errorf("failed to build backends: %w", err)
	}

	orch := engine.NewOrchestrator(engine.OrchestratorOptions{
		Root:            cfg.Bus.MountPoint,
		DataFolder:      cfg.Upload.DataFolder,
		SettingsFolder:  cfg.Upload.SettingsFolder,
		DataExtensions:  cfg.Upload.DataExtensions,
		RootFiles:       cfg.Upload.RootFiles,
		MaxRetries:      cfg.Upload.MaxRetryAttempts,
		TransferTimeout: cfg.Upload.FileTransferTimeout.Duration(),
		YieldInterval:   cfg.Upload.ReleaseInterval.Duration(),
		Catalog:         cat,
		Budget:          bud,
		Scheduler:       sched,
		Registry:        reg,
		Logger:          log,
		Yield: func() {
			time.Sleep(cfg.Upload.ReleaseWait.Duration())
		},
	})

	ctrl := engine.NewController(engine.ControllerOptions{
		Monitor:         monitor,
		Arbiter:         arbiter,
		Budget:          bud,
		Scheduler:       sched,
		Catalog:         cat,
		Orchestrator:    orch,
		SilenceDuration: cfg.Upload.SilenceDuration.Duration(),
		SessionDuration: cfg.Upload.SessionDuration.Duration(),
		Cooldown:        cfg.Cooldown(),
		Logger:          log,
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: newDiagHandler(ctrl, cat, arbiter, orch, monitor, cfg.Upload.SilenceDuration.Duration(), log),
	}
	go func() {
		log.Info("diagnostic API listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("diagnostic API failed", "error", err)
		}
	}()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	log.Info("sdsync starting", "mode", cfg.Upload.Mode, "backends", len(cfg.Backends))
	if err := ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("sdsync stopped")
	return nil
}
