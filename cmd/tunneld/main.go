package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/chara-tunnel/tunneld/internal/config"
	"github.com/chara-tunnel/tunneld/internal/server"
	"github.com/spf13/cobra"
)

var (
	configFile    string
	logLevel      string
	domain        string
	controlDomain string
	port          int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tunneld",
	Short: "chara tunnel server - expose local services through a public subdomain",
	Long: `tunneld accepts control-channel connections from tunnel agents and
routes incoming public HTTP traffic to the agent that owns the request's
subdomain.`,
	RunE: runServer,
}

func init() {
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to configuration file")
	rootCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().StringVarP(&domain, "domain", "d", "", "Base domain for allocated subdomains")
	rootCmd.Flags().StringVar(&controlDomain, "control-domain", "", "Host used for the control upgrade endpoint")
	rootCmd.Flags().IntVar(&port, "port", 0, "Public HTTP listener port")
}

func runServer(cmd *cobra.Command, args []string) error {
	logger := setupLogger(logLevel)

	var cfg *config.ServerConfig
	var err error
	if configFile != "" {
		cfg, err = config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger.Info("loaded configuration", slog.String("file", configFile))
	} else {
		cfg = config.Default()
	}

	if domain != "" {
		cfg.Domain = domain
	}
	if controlDomain != "" {
		cfg.ControlDomain = controlDomain
	}
	if port != 0 {
		cfg.Port = port
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	logger = setupLogger(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Run()
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}
