package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/c360/streamsink/stream"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	StreamType      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("STREAMSINK_CONFIG", ""),
		"Path to configuration file, empty for defaults (env: STREAMSINK_CONFIG)")

	flag.StringVar(&cfg.StreamType, "stream-type",
		getEnv("STREAMSINK_STREAM_TYPE", ""),
		fmt.Sprintf("Stream type to consume, required: %s (env: STREAMSINK_STREAM_TYPE)",
			strings.Join(stream.TypeNames(), ", ")))

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("STREAMSINK_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: STREAMSINK_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("STREAMSINK_LOG_FORMAT", "json"),
		"Log format: json, text (env: STREAMSINK_LOG_FORMAT)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("STREAMSINK_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: STREAMSINK_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = printDetailedHelp

	flag.Parse()

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	if cfg.StreamType == "" {
		return fmt.Errorf("--stream-type is required: one of %s",
			strings.Join(stream.TypeNames(), ", "))
	}
	if _, err := stream.ParseType(cfg.StreamType); err != nil {
		return fmt.Errorf("invalid stream type: %s", cfg.StreamType)
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	validFormats := []string{"json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - Partitioned Event Stream Sink

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Consume only SCADA telemetry
  %s --stream-type=scada

  # Run with a config file and debug logging
  %s --config=/etc/streamsink/config.yaml --log-level=debug --log-format=text

  # Validate configuration only
  %s --config=/etc/streamsink/config.yaml --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
