// Package app provides the entry point for the portico command-line
// application.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/porticolabs/portico/pkg/config"
	"github.com/porticolabs/portico/pkg/env"
	"github.com/porticolabs/portico/pkg/hub/server"
	"github.com/porticolabs/portico/pkg/logger"
	"github.com/porticolabs/portico/pkg/state"
)

var rootCmd = &cobra.Command{
	Use:               "portico",
	DisableAutoGenTag: true,
	Short:             "Portico - aggregate many MCP backends behind one endpoint",
	Long: `Portico is an aggregating hub for the Model Context Protocol (MCP).
It launches or connects to many tool-providing backends - local child
processes, package-runner servers, and remote HTTP/SSE/WebSocket endpoints -
discovers their tools, resolves name collisions, and exposes everything to
clients as a single streamable MCP endpoint with progress relay, crash
recovery, and per-backend supervision.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates the root command for the portico CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to hub configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the hub",
		Long: `Start the hub: launch eager backends, discover their tools, and serve
the aggregated tool surface on the streamable HTTP endpoint until interrupted.`,
		RunE: runServe,
	}

	cmd.Flags().String("host", "", "Host address to bind to (overrides config)")
	cmd.Flags().Int("port", 0, "Port to listen on (overrides config)")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadAndValidateConfig()
			if err != nil {
				return err
			}

			logger.Infof("Configuration is valid")
			logger.Infof("  Name: %s", cfg.Name)
			logger.Infof("  Listen: %s:%d%s", cfg.HTTP.Host, cfg.HTTP.Port, cfg.HTTP.Endpoint)
			logger.Infof("  Naming: %s", cfg.Naming.Strategy)
			logger.Infof("  Backends: %d", len(cfg.Backends))
			for _, b := range cfg.Backends {
				logger.Infof("    - %s (%s, %s)", b.ID, b.Kind, b.StartMode)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			logger.Infof("portico version: %s", getVersion())
		},
	}
}

// getVersion returns the version string, replaced at build time via ldflags.
func getVersion() string {
	return version
}

var version = "dev"

func loadAndValidateConfig() (*config.Config, error) {
	configPath := viper.GetString("config")
	if configPath == "" {
		return nil, fmt.Errorf("no configuration file specified, use --config flag")
	}

	logger.Infof("Loading configuration from: %s", configPath)
	envReader := &env.OSReader{}
	cfg, err := config.NewYAMLLoader(configPath, envReader).Load()
	if err != nil {
		return nil, fmt.Errorf("configuration loading failed: %w", err)
	}

	if err := config.NewValidator().Validate(cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadAndValidateConfig()
	if err != nil {
		return err
	}

	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.HTTP.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.HTTP.Port = port
	}

	var store state.Store
	if cfg.StateStore != "" {
		sqlStore, err := state.NewSQLiteStore(cfg.StateStore)
		if err != nil {
			return fmt.Errorf("opening state store: %w", err)
		}
		store = sqlStore
	}

	envReader := &env.OSReader{}
	srv, err := server.New(server.Options{
		Config: server.Config{
			Host:              cfg.HTTP.Host,
			Port:              cfg.HTTP.Port,
			Endpoint:          cfg.HTTP.Endpoint,
			Stateless:         cfg.HTTP.Stateless,
			KeepAliveInterval: time.Duration(cfg.HTTP.KeepAliveMs) * time.Millisecond,
			StreamTTL:         time.Duration(cfg.HTTP.StreamTTLMs) * time.Millisecond,
			SessionTTL:        time.Duration(cfg.HTTP.SessionTTLMs) * time.Millisecond,
			MaxSessions:       cfg.HTTP.MaxSessions,
			ServerName:        cfg.Name,
			ServerVersion:     getVersion(),
		},
		Backends:           cfg.HubBackends(envReader.Getenv),
		Naming:             cfg.HubNaming(),
		GlobalConcurrency:  cfg.Concurrency.Global,
		DefaultToolTimeout: time.Duration(cfg.Timeouts.ToolCallMs) * time.Millisecond,
		Store:              store,
	})
	if err != nil {
		return fmt.Errorf("assembling hub: %w", err)
	}

	ctx := cmd.Context()
	if err := srv.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
