package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"keyfleet/pkg/config"
)

var (
	// Global flags; empty means "keep the environment value".
	logLevel        string
	dbDriver        string
	sqlitePath      string
	snapshotBackend string
)

var rootCmd = &cobra.Command{
	Use:   "keyfleet",
	Short: "Provision subscriber keys across a fleet of 3x-ui nodes",
	Long: `keyfleet places each subscriber's proxy credentials on the best nodes
of every node group, keeps them in step with the subscription lifecycle
and periodically scores the fleet.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	pf.StringVar(&dbDriver, "db-driver", "", "sqlite or mysql (overrides DB_DRIVER)")
	pf.StringVar(&sqlitePath, "sqlite-path", "", "sqlite database file (overrides SQLITE_PATH)")
	pf.StringVar(&snapshotBackend, "snapshot-backend", "", "file, consul or etcd (overrides SNAPSHOT_BACKEND)")
}

// loadConfig reads the environment and applies the global flag overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if dbDriver != "" {
		cfg.DBDriver = dbDriver
	}
	if sqlitePath != "" {
		cfg.SQLitePath = sqlitePath
	}
	if snapshotBackend != "" {
		cfg.SnapshotBackend = snapshotBackend
	}
	return cfg, cfg.Validate()
}

func newLogger(level string) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc.Level = lvl
	return zc.Build()
}
