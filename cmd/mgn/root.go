package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/marginalia-app/marginalia/internal/engine"
	"github.com/marginalia-app/marginalia/internal/store"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mgn",
	Short: "Marginalia annotation sync",
	Long: `mgn manages a local annotation database (notes, highlights, bookmarks)
and keeps it eventually consistent with other devices through a shared,
passively synced folder. No server is involved: each device writes journal
files into its own subfolder and reads everyone else's.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.marginalia/config.yaml)")
	rootCmd.PersistentFlags().String("db", "", "path to the local database (default $HOME/.marginalia/marginalia.db)")
	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
}

// initConfig loads the config file and environment. Settings resolve in the
// usual viper order: flags, then MGN_* environment variables, then the
// config file, then defaults.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".marginalia"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	viper.SetEnvPrefix("MGN")
	viper.AutomaticEnv()

	viper.SetDefault("sync_interval", 30*time.Second)
	viper.SetDefault("compact_threshold", 100)
	viper.SetDefault("watch_debounce", 2*time.Second)
	viper.SetDefault("dashboard_addr", ":8777")
	viper.SetDefault("log_file", "")

	// Missing config file is fine; everything has a default.
	_ = viper.ReadInConfig()
}

// dbPath resolves the local database path. The database must live outside
// any synced folder; the engine enforces that on configure.
func dbPath() (string, error) {
	if p := viper.GetString("db"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".marginalia", "marginalia.db"), nil
}

// openStore opens the local database.
func openStore() (*store.Store, error) {
	path, err := dbPath()
	if err != nil {
		return nil, err
	}
	return store.Open(path)
}

// engineConfig builds an engine config from viper settings.
func engineConfig() *engine.Config {
	cfg := engine.DefaultConfig()
	if d := viper.GetDuration("sync_interval"); d > 0 {
		cfg.SyncInterval = d
	}
	if n := viper.GetInt("compact_threshold"); n > 0 {
		cfg.CompactThreshold = n
	}
	return cfg
}

// newEngine constructs an engine over an opened store using the resolved
// configuration.
func newEngine(st *store.Store) *engine.Engine {
	return engine.New(st, engineConfig())
}
