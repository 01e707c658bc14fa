package cmd

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/zjrosen/sessiond/internal/config"
	"github.com/zjrosen/sessiond/internal/log"

	"github.com/spf13/cobra"
	viperlib "github.com/spf13/viper"
)

var (
	version   = "dev"
	cfgFile   string
	cfg       config.Config
	debugFlag bool

	// viper is a custom viper instance with "::" as key delimiter instead of
	// "." so that nested keys stay unambiguous if a future config value ever
	// contains a literal dot (paths, hostnames).
	viper = viperlib.NewWithOptions(viperlib.KeyDelimiter("::"))
)

var rootCmd = &cobra.Command{
	Use:     "sessiond",
	Short:   "A local supervisor for concurrent coding-agent sessions",
	Long:    `sessiond hosts concurrent runs of a conversational coding agent CLI, each in its own git worktree, and exposes their lifecycle and event stream to other tools.`,
	Version: version,
	RunE:    runDaemon,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./.sessiond/config.yaml, then ~/.config/sessiond/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&cfg.DBPath, "db-path", "",
		"path to the sessions database file")
	rootCmd.PersistentFlags().StringVar(&cfg.AgentOverride, "agent", "",
		"absolute path to the agent CLI executable, bypassing PATH resolution")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"enable debug logging (also: SESSIOND_DEBUG=1)")

	_ = viper.BindPFlag("db_path", rootCmd.PersistentFlags().Lookup("db-path"))
	_ = viper.BindPFlag("agent_override", rootCmd.PersistentFlags().Lookup("agent"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("db_path", defaults.DBPath)
	viper.SetDefault("worktrees_root", defaults.WorktreesRoot)
	viper.SetDefault("interrupt_deadline", defaults.InterruptDeadline)
	viper.SetDefault("agent_override", defaults.AgentOverride)
	viper.SetDefault("max_concurrent_sessions", defaults.MaxConcurrentSessions)
	viper.SetDefault("tracing::enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing::exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing::file_path", defaults.Tracing.FilePath)
	viper.SetDefault("tracing::otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing::sample_rate", defaults.Tracing.SampleRate)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if _, err := os.Stat(".sessiond/config.yaml"); err == nil {
		viper.SetConfigFile(".sessiond/config.yaml")
	} else {
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(filepath.Join(home, ".config", "sessiond"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viperlib.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			log.Error(log.CatConfig, "failed to read config file", "error", err.Error())
		}
	} else {
		log.Info(log.CatConfig, "config loaded", "path", viper.ConfigFileUsed())
	}

	_ = viper.Unmarshal(&cfg)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
