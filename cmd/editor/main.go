package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/heimdex/heimdex-editor/internal/catalog"
	"github.com/heimdex/heimdex-editor/internal/config"
	"github.com/heimdex/heimdex-editor/internal/db"
	"github.com/heimdex/heimdex-editor/internal/encoder"
	"github.com/heimdex/heimdex-editor/internal/logging"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "editor",
	Short:         "Heimdex editor - multi-track timeline preview and export",
	Version:       config.Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (overrides "+config.EnvConfigFile+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(edlCmd)
	rootCmd.AddCommand(doctorCmd)
}

// app holds what every command needs.
type app struct {
	cfg    *config.EnvConfig
	logger *slog.Logger
	db     *db.DB
	repo   *catalog.SQLiteRepository
}

func setup() (*app, error) {
	if cfgFile != "" {
		os.Setenv(config.EnvConfigFile, cfgFile)
	}
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.WorkDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}

	level := cfg.LogLevel()
	if verbose {
		level = "debug"
	}
	logger := logging.NewLogger(level)

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &app{
		cfg:    cfg,
		logger: logger,
		db:     database,
		repo:   catalog.NewRepository(database.Conn()),
	}, nil
}

func (a *app) Close() {
	a.db.Close()
}

func (a *app) encoder() (*encoder.FFmpeg, error) {
	ecfg := encoder.DefaultConfig(a.logger)
	ecfg.FFmpegPath = a.cfg.FFmpegPath()
	ecfg.FFprobePath = a.cfg.FFprobePath()
	ecfg.Threads = a.cfg.Threads()
	ecfg.CancelTimeout = a.cfg.CancelTimeout()
	ecfg.DebugPaths = a.cfg.DebugPaths()
	return encoder.New(ecfg)
}

func (a *app) catalog(prober catalog.Prober) *catalog.Service {
	svc := catalog.NewService(a.repo, prober, a.logger)
	svc.SetConcurrency(a.cfg.ProbeWorkers())
	svc.SetDebugPaths(a.cfg.DebugPaths())
	return svc
}

func ensureAuthToken(ctx context.Context, repo catalog.Repository) (string, error) {
	existing, err := repo.GetConfig(ctx, catalog.ConfigKeyAuthToken)
	if err == nil && existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := repo.SetConfig(ctx, catalog.ConfigKeyAuthToken, token); err != nil {
		return "", err
	}
	return token, nil
}
