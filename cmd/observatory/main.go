package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/smenaquispe/observatory/internal/config"
	"github.com/smenaquispe/observatory/internal/logger"
	"github.com/smenaquispe/observatory/internal/server"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "observatory",
	Short: "In-process HTTP request observability dashboard",
	Long: `Observatory intercepts every request/response cycle of an HTTP
application, persists a structured observation record, and serves a
dashboard that polls the record stream incrementally. Stored requests can
be reprocessed through the same pipeline, optionally with a modified body.

This command runs a small sample application with the observability
pipeline attached, which is useful for trying the dashboard out.
`,
	RunE: runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run:   showVersion,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().IntP("port", "p", 0, "Listen port")
	rootCmd.PersistentFlags().String("host", "", "Listen host")
	rootCmd.PersistentFlags().String("dashboard-path", "", "Reserved dashboard namespace (excluded from capture)")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path")
	rootCmd.PersistentFlags().Int("max-records", 0, "Maximum records to retain (0 = unlimited)")
	rootCmd.PersistentFlags().String("retention", "", "Record retention window, e.g. 72h (0 = unlimited)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (console, json)")
	rootCmd.PersistentFlags().Bool("log-file-enable", false, "Enable file logging")
	rootCmd.PersistentFlags().String("log-file-path", "", "Log file path")

	bindFlags(rootCmd)

	rootCmd.AddCommand(versionCmd)
}

func bindFlags(cmd *cobra.Command) {
	viper.BindPFlag("server.port", cmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.PersistentFlags().Lookup("host"))
	viper.BindPFlag("dashboard.path", cmd.PersistentFlags().Lookup("dashboard-path"))
	viper.BindPFlag("storage.path", cmd.PersistentFlags().Lookup("db"))
	viper.BindPFlag("storage.max_records", cmd.PersistentFlags().Lookup("max-records"))
	viper.BindPFlag("storage.retention", cmd.PersistentFlags().Lookup("retention"))
	viper.BindPFlag("log.level", cmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.format", cmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("log.file_logging.enable", cmd.PersistentFlags().Lookup("log-file-enable"))
	viper.BindPFlag("log.file_logging.path", cmd.PersistentFlags().Lookup("log-file-path"))
}

func runServer(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.LoadConfig(configPath, viper.GetViper())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log := logger.NewLogger(&cfg.Log)

	app := newDemoApp()
	srv, err := server.New(cfg, log, app, server.RouteNameResolver(app))
	if err != nil {
		return err
	}

	printStartupBanner(cfg)
	log.Info("Observatory starting",
		"version", version,
		"port", cfg.Server.Port,
		"dashboard", cfg.Dashboard.Path,
		"db", cfg.Storage.Path,
		"log_level", cfg.Log.Level,
	)

	return srv.Start()
}

func showVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("Observatory version %s\n", version)
	fmt.Printf("Commit: %s\n", commit)
	fmt.Printf("Built: %s\n", buildDate)
}

func printStartupBanner(cfg *config.Config) {
	title := color.New(color.FgCyan, color.Bold)
	label := color.New(color.FgHiBlack)

	fmt.Println()
	title.Printf("  Observatory v%s\n", version)
	fmt.Println()
	label.Print("  Listening on:  ")
	fmt.Printf("http://%s:%d/\n", cfg.Server.Host, cfg.Server.Port)
	label.Print("  Dashboard:     ")
	fmt.Printf("http://%s:%d%s/\n", cfg.Server.Host, cfg.Server.Port, config.NormalizePath(cfg.Dashboard.Path))
	label.Print("  Database:      ")
	fmt.Println(cfg.Storage.Path)
	fmt.Println()
	label.Println("  (Press Ctrl+C to stop)")
	fmt.Println()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
