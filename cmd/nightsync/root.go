package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BadgerOps/nightsync/internal/batch"
	"github.com/BadgerOps/nightsync/internal/config"
	"github.com/BadgerOps/nightsync/internal/engine"
	"github.com/BadgerOps/nightsync/internal/metrics"
	"github.com/BadgerOps/nightsync/internal/store"
	"github.com/BadgerOps/nightsync/internal/target"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgPath     string
	logLevel    string
	logFormat   string
	quiet       bool
	telescopeID string
	nightFlag   string
	globalCfg   *config.Config
	logger      *slog.Logger

	// Global components
	globalStore   *store.Store
	globalMetrics *metrics.Recorder
)

// initializeComponents opens the run store and the metrics recorder
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	globalMetrics = metrics.New()

	if globalCfg.DBPath == "" {
		logger.Debug("no db_path configured, run history disabled")
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(globalCfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	st, err := store.New(globalCfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st

	logger.Debug("components initialized", "db_path", globalCfg.DBPath)
	return nil
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmdName string) bool {
	skipInitCmds := map[string]bool{
		"help":     true,
		"version":  true,
		"config":   true,
		"show":     true,
		"validate": true,
		"ledger":   true,
	}
	return skipInitCmds[cmdName]
}

// closeStore closes the global store connection
func closeStore() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
}

// flushMetrics writes the metrics textfile if one is configured.
func flushMetrics() {
	if globalCfg == nil {
		return
	}
	if err := globalMetrics.WriteTextfile(globalCfg.Metrics.Textfile); err != nil {
		logger.Warn("failed to export metrics", "error", err)
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nightsync",
		Short: "Nightly replication of telescope observations",
		Long: `nightsync replicates each night's telescope images and logs from the
observatory's source volume to every configured replica target, verifies every
copy by SHA256, records the outcome in per-target ledgers, and stages the
source night for deletion once every required target is reconciled.`,
		Example: `  nightsync replicate --telescope t1
  nightsync replicate --telescope t1 --night 20261017 --check-only
  nightsync audit --telescope t1
  nightsync sweep --telescope t1 --retention-days 14
  nightsync watch --telescope t1
  nightsync status`,
		Version:      "0.1.0",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Warn("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			if !quiet {
				logger.Debug("config loaded", "path", cfgPath, "ledger_dir", globalCfg.LedgerDir)
			}

			if !shouldSkipComponentInit(cmd.Name()) {
				if err := globalCfg.Validate(); err != nil {
					return err
				}
				if err := initializeComponents(); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeStore()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")
	cmd.PersistentFlags().StringVar(&telescopeID, "telescope", "", "telescope id (optional when only one is configured)")
	cmd.PersistentFlags().StringVar(&nightFlag, "night", "", "night to work on as YYYYMMDD (default yesterday, UTC)")

	cmd.AddCommand(
		newReplicateCmd(),
		newAuditCmd(),
		newSweepCmd(),
		newWatchCmd(),
		newStatusCmd(),
		newLedgerCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if quiet && level < slog.LevelError {
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}

// commandContext is cancelled on SIGINT or SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// resolveNight returns the night named by flag, or the night before now.
func resolveNight(flag string, now time.Time) (string, error) {
	if flag == "" {
		return batch.NightOf(now.UTC().AddDate(0, 0, -1)), nil
	}
	if _, err := batch.ParseNight(flag); err != nil {
		return "", err
	}
	return flag, nil
}

// selectTelescope picks the telescope named by --telescope, or the only one
// configured.
func selectTelescope(cfg *config.Config, id string) (*config.TelescopeConfig, error) {
	if id != "" {
		return cfg.Telescope(id)
	}
	switch len(cfg.Telescopes) {
	case 0:
		return nil, fmt.Errorf("no telescopes configured")
	case 1:
		return &cfg.Telescopes[0], nil
	}
	ids := make([]string, 0, len(cfg.Telescopes))
	for _, t := range cfg.Telescopes {
		ids = append(ids, t.ID)
	}
	return nil, fmt.Errorf("--telescope is required (configured: %s)", strings.Join(ids, ", "))
}

// newRunContext builds the context of one operation. Targets are only
// built when withTargets is set; sweep never touches them.
func newRunContext(ctx context.Context, night string, withTargets bool) (*engine.RunContext, *config.TelescopeConfig, error) {
	if globalCfg == nil {
		return nil, nil, fmt.Errorf("config not loaded")
	}
	tel, err := selectTelescope(globalCfg, telescopeID)
	if err != nil {
		return nil, nil, err
	}

	var targets []target.Target
	if withTargets {
		targets, err = buildTargets(ctx, globalCfg, globalCfg.TargetsFor(tel), logger)
		if err != nil {
			return nil, nil, err
		}
	}

	rc := engine.NewRunContext(tel.ID, night, tel.SourceRoot, globalCfg.LedgerDir, targets)
	if err := rc.Validate(); err != nil {
		closeTargets(targets)
		return nil, nil, err
	}
	return rc, tel, nil
}
