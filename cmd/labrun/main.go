package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/seantiz/labrun/internal/config"
)

const envConfigPath = "LABRUN_CONFIG"

var (
	cfg        config.Config
	configPath string // config file actually loaded, if any
	logger     *slog.Logger

	flagConfigFilePath string
	flagVerbose        bool
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "YAML config file to load (env "+envConfigPath+")")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "debug logging")

	// errors are logged below
	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initLabrun

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(plansCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("labrun failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "labrun",
	Short:        "Experiment worker that runs plans against simulated devices",
	SilenceUsage: true,
	RunE:         doServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the REST API and run submitted tasks",
	RunE:  doServe,
}

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "print the registered plans and their parameter schemas",
	RunE:  doPlans,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Fprintln(out, "labrun: version info not available")
			return
		}
		if configPath != "" {
			fmt.Fprintf(out, "config: %s\n", configPath)
		}
		fmt.Fprintf(out, "labrun: %s\n", info.Main.Version)
		fmt.Fprintf(out, "go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Fprintf(out, "commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Fprintf(out, "date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Fprintf(out, "dirty:  %s\n", s.Value)
			}
		}
	},
}

// initLabrun loads configuration and installs the process logger.
func initLabrun(_ *cobra.Command, _ []string) error {
	if env, ok := os.LookupEnv(envConfigPath); ok && env != "" {
		configPath = env
	}
	if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	}

	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// --verbose has precedence over the config file
	if flagVerbose {
		cfg.LogLevel = slog.LevelDebug
	}

	logger = config.NewLogger(os.Stderr, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Debug("labrun config", "config_path", configPath, "config", cfg)
	return nil
}
