package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zsprackett/agent-relay/internal/applog"
	"github.com/zsprackett/agent-relay/internal/config"
	"github.com/zsprackett/agent-relay/internal/db"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "agent-relay",
	Short:         "Real-time update relay for agent sessions",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath(), "config file path (.json or .yaml)")
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func setupLogging(cfg config.Config, instanceID string, stderr bool) (*slog.Logger, func(), error) {
	logger, closer, err := applog.Init(applog.InitConfig{
		Dir:      cfg.LogDir,
		Level:    cfg.LogLevel,
		Format:   cfg.LogFormat,
		Instance: instanceID,
		Stderr:   stderr,
	})
	if err != nil {
		return nil, nil, err
	}
	return logger, func() { closer.Close() }, nil
}

func openDB(cfg config.Config) (*db.DB, error) {
	if cfg.Database.Driver == db.DriverSQLite && cfg.Database.DSN != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.DSN), 0700); err != nil {
			return nil, err
		}
	}
	store, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
