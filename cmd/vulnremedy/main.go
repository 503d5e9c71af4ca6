// ABOUTME: Entry point for the VulnRemedy dependency remediation tool.
// ABOUTME: Handles configuration parsing, logging setup and dispatch to the subcommands.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jfeddern/VulnRemedy/internal/engine"
	"github.com/jfeddern/VulnRemedy/internal/risk"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "VULNREMEDY"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		cancel()
	}()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// newRootCommand builds the command tree around one viper instance
func newRootCommand() *cobra.Command {
	v := viper.New()
	app := &App{}

	root := &cobra.Command{
		Use:           "vulnremedy",
		Short:         "Risk-scored, rollback-safe remediation of vulnerable Python dependencies",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := readConfigFile(v); err != nil {
				return err
			}
			config, err := parseConfig(v)
			if err != nil {
				return err
			}
			app.config = config
			app.logger = newLogger(v.GetString("log-level"))
			app.out = cmd.OutOrStdout()
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "Path to a YAML config file")
	flags.String("log-level", "info", "Log level: debug, info, warn or error")
	flags.String("mode", "local", "Vulnerability source: local or mock")
	flags.String("report-file", "", "Path to a pip-audit or OSV JSON report (required for local mode)")
	flags.Bool("mock", false, "Enable mock mode: canned findings and an in-memory environment")
	flags.String("db-path", ".vulnremedy/tracker.db", "SQLite database for tracking records (empty keeps records in memory)")
	flags.String("profiles-file", "", "YAML file with package profile overrides")
	flags.String("project-dir", ".", "Project directory the environment belongs to")
	flags.String("backup-root", "", "Directory for environment backups (default: system temp dir)")
	flags.String("python", "python3", "Python interpreter of the environment")
	flags.String("test-command", "pytest", "Test runner module: pytest, unittest, nose2 or tox (empty disables tests)")
	flags.StringSlice("test-args", nil, "Arguments passed to the test runner")
	flags.Duration("install-timeout", 10*time.Minute, "Timeout for package installs")
	flags.Duration("test-timeout", 10*time.Minute, "Timeout for the test suite")
	flags.Bool("import-check", true, "Import the upgraded package after installing it")
	flags.StringSlice("runtimes", nil, "Python versions used by compat, e.g. 3.11,3.12")
	flags.Bool("auto-remediate", false, "Validate recommended upgrades during run and serve")
	flags.StringSlice("eligible-tiers", []string{string(risk.PriorityImmediate), string(risk.PriorityUrgent)}, "Priority tiers eligible for automatic remediation")
	flags.String("actor", engine.DefaultActor, "Actor recorded on automatic status changes")
	flags.Int("port", 9090, "Port to serve metrics and records on")
	flags.Duration("scan-interval", 15*time.Minute, "Interval between remediation passes in serve mode")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root.AddCommand(
		newAssessCommand(app),
		newTrackCommand(app),
		newStatusCommand(app),
		newValidateCommand(app),
		newValidateManyCommand(app),
		newCompatCommand(app),
		newRunCommand(app),
		newServeCommand(app),
	)
	return root
}

func readConfigFile(v *viper.Viper) error {
	path := v.GetString("config")
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

// parseConfig turns flags, environment and config file values into an engine config
func parseConfig(v *viper.Viper) (*engine.Config, error) {
	config := &engine.Config{
		Mode:           strings.ToLower(v.GetString("mode")),
		ReportFile:     v.GetString("report-file"),
		MockMode:       v.GetBool("mock"),
		Port:           v.GetInt("port"),
		ScanInterval:   v.GetDuration("scan-interval"),
		DBPath:         v.GetString("db-path"),
		ProfilesFile:   v.GetString("profiles-file"),
		ProjectDir:     v.GetString("project-dir"),
		BackupRoot:     v.GetString("backup-root"),
		Python:         v.GetString("python"),
		TestCommand:    v.GetString("test-command"),
		TestArgs:       v.GetStringSlice("test-args"),
		InstallTimeout: v.GetDuration("install-timeout"),
		TestTimeout:    v.GetDuration("test-timeout"),
		ImportCheck:    v.GetBool("import-check"),
		Runtimes:       v.GetStringSlice("runtimes"),
		AutoRemediate:  v.GetBool("auto-remediate"),
		Actor:          v.GetString("actor"),
	}

	if config.Mode == "mock" {
		config.MockMode = true
	}

	// Validate configuration
	if config.Mode != "local" && config.Mode != "mock" {
		return nil, fmt.Errorf("unsupported mode %q: must be local or mock", config.Mode)
	}
	if config.Port <= 0 || config.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", config.Port)
	}
	if config.ScanInterval <= 0 {
		return nil, fmt.Errorf("scan interval must be positive")
	}

	for _, tier := range v.GetStringSlice("eligible-tiers") {
		priority, err := parsePriority(tier)
		if err != nil {
			return nil, err
		}
		config.EligibleTiers = append(config.EligibleTiers, priority)
	}

	return config, nil
}

func parsePriority(value string) (risk.Priority, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	for _, p := range risk.Priorities {
		if string(p) == value {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown priority tier %q", value)
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.InfoLevel)

	if parsed, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(parsed)
	}
	// Set debug level if requested
	if os.Getenv("LOG_LEVEL") == "debug" {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}
