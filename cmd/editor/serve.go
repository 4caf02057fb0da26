package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/heimdex/heimdex-editor/internal/api"
	"github.com/heimdex/heimdex-editor/internal/catalog"
	"github.com/heimdex/heimdex-editor/internal/config"
	"github.com/heimdex/heimdex-editor/internal/encoder"
	"github.com/heimdex/heimdex-editor/internal/export"
	"github.com/heimdex/heimdex-editor/internal/playback"
	"github.com/heimdex/heimdex-editor/internal/timeline"
	"github.com/heimdex/heimdex-editor/internal/ui"
	"github.com/heimdex/heimdex-editor/internal/watcher"
)

var serveTimeline string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local editor service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveTimeline, "timeline", "", "timeline document to load at startup")
}

func serve(parent context.Context) error {
	startTime := time.Now()

	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger
	cfg := a.cfg
	logger.Info("starting heimdex editor", "version", config.Version, "data_dir", cfg.DataDir())

	authToken, err := ensureAuthToken(parent, a.repo)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Printf("║                  HEIMDEX EDITOR v%-24s ║\n", config.Version)
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:    http://127.0.0.1:%-27d ║\n", cfg.Port())
	fmt.Printf("║  Auth Token: %-45s ║\n", authToken[:16]+"...")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	enc, err := a.encoder()
	if err != nil {
		return fmt.Errorf("encoder unavailable: %w", err)
	}
	doctor := encoder.NewCachedDoctor(enc, logger)
	initCtx, initCancel := context.WithTimeout(parent, 30*time.Second)
	if caps, err := doctor.Refresh(initCtx); err != nil {
		logger.Warn("initial doctor probe failed", "error", err)
	} else {
		logger.Info("encoder capabilities detected",
			"ffmpeg", caps.FFmpegVersion,
			"libx264", caps.HasEncoder("libx264"),
			"aac", caps.HasEncoder("aac"),
		)
	}
	initCancel()

	catalogSvc := a.catalog(enc)

	tl := timeline.New()
	if serveTimeline != "" {
		doc, err := timeline.LoadDocument(serveTimeline)
		if err != nil {
			return err
		}
		if tl, err = doc.Build(parent, catalogSvc.Probe); err != nil {
			return fmt.Errorf("failed to build timeline: %w", err)
		}
	}
	session := timeline.NewSession(tl, logger)

	hub := playback.NewHub(nil, logger)
	player := playback.NewController(session, hub.Factory(), logger)
	hub.SetPost(player.Post)
	hub.OnConnect(player.Reload)
	session.OnChange(func(uint64) { player.Refresh() })
	player.OnChange(hub.BroadcastState)

	exports := export.NewController(enc, export.Config{
		WorkRoot: cfg.WorkDir(),
		Store:    a.repo,
		Logger:   logger,
	})

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	go player.Run(ctx)

	runner := catalog.NewRunner(a.repo, logger)
	go runner.Start(ctx)

	if fw, err := watcher.NewFSWatcher(logger); err != nil {
		logger.Warn("source watcher unavailable", "error", err)
	} else {
		defer fw.Stop()
		go watcher.NewSourceMonitor(session, fw, catalogSvc, logger).Run(ctx)
	}

	apiServer := api.NewServer(api.ServerConfig{
		Port:           cfg.Port(),
		Session:        session,
		CatalogService: catalogSvc,
		Repository:     a.repo,
		Playback:       player,
		Hub:            hub,
		Streamer:       playback.NewStreamer(logger),
		Exports:        exports,
		Doctor:         doctor,
		ExportDefaults: cfg.ExportDefaults(),
		Logger:         logger,
		StartTime:      startTime,
		Version:        config.Version,
	})

	quitCh := make(chan struct{})
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
			close(quitCh)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var tray *ui.Tray
	if cfg.Headless() {
		logger.Info("running in headless mode (no system tray)")
	} else {
		tray = ui.NewTray(ui.TrayConfig{
			Exports: exports,
			Runner:  runner,
			Logger:  logger,
			OnQuit: func() {
				select {
				case sigCh <- syscall.SIGTERM:
				default:
				}
			},
		})
		go tray.Run()
	}

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case <-quitCh:
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}
	// an in-flight export is cancelled and its partial output removed
	if err := exports.Shutdown(shutdownCtx); err != nil {
		logger.Error("export did not stop in time", "error", err)
	}
	cancel()
	if tray != nil {
		tray.Quit()
	}

	logger.Info("shutdown complete")
	return nil
}
