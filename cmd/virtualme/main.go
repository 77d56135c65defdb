// Package main is the entry point for the virtualme CLI.
// virtualme serves the conversational avatar of a portfolio site: pages
// connect over websocket, speak or type questions, and get a voiced reply
// with lip-synced mouth movement.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/CodeForgeNet/virtualme/internal/config"
	"github.com/CodeForgeNet/virtualme/internal/logging"
)

var (
	version = "0.1.0"
	cfgPath string
	verbose bool

	cfg    *config.Config
	logger *logging.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "virtualme",
		Short: "virtualme - talking portfolio avatar",
		Long: `virtualme answers questions about a portfolio through a talking avatar.

Serve browser sessions:  virtualme serve
Ask once from a shell:   virtualme ask "what have you built?"
Write default config:    virtualme config init`,
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
		SilenceUsage:       true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.virtualme/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("virtualme v%s\n", version)
		},
	})
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(suggestCmd())
	rootCmd.AddCommand(sayCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	cfg = loaded

	logCfg := &logging.Config{
		Dir:        cfg.Log.Dir,
		Level:      cfg.Log.Level,
		MaxHistory: cfg.Log.MaxHistory,
		Console:    cfg.Log.Console,
	}
	if verbose {
		logCfg.Level = zerolog.DebugLevel.String()
		logCfg.Console = true
	}
	logger, err = logging.New(logCfg)
	if err != nil {
		return err
	}
	if path := logger.GetLogPath(); path != "" {
		logger.Info("main", "logging to file", map[string]any{"path": path})
	}
	return nil
}

func teardown(cmd *cobra.Command, args []string) error {
	if logger != nil {
		return logger.Close()
	}
	return nil
}
