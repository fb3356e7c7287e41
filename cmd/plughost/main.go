// Package main is the entry point for the plughost plugin host.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/plughost/internal/app"
	"github.com/dshills/plughost/internal/config"
	"github.com/dshills/plughost/internal/logging"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	envFile    string
	paths      []string
	logLevel   string
	logFormat  string
	policyDB   string
	appVersion string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "plughost",
		Short: "Discover, load and sandbox Lua, JavaScript and WebAssembly plugins",
		Long: `plughost discovers plugins under its plugin roots, resolves their
dependencies, and runs each one in an isolated runtime that only reaches
the host through permission-gated modules and files.

Quick Start:
  plughost discover            # List plugins found under the roots
  plughost deps my-plugin      # Show the dependency load order
  plughost load my-plugin -a   # Load and activate one plugin
  plughost run --watch         # Host every plugin with hot reload

Environment Variables:
  PLUGHOST_LOG_LEVEL                 Log level (debug, info, warn, error)
  PLUGHOST_PLUGIN_PATHS              Plugin roots, path-list separated
  PLUGHOST_POLICY_DB                 Policy database path
  PLUGHOST_BUDGET_MAX_FILE_HANDLES   Default file handle ceiling`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "Path to configuration file")
	pf.StringVar(&g.envFile, "env-file", config.DefaultEnvFileName, "Path to .env file")
	pf.StringSliceVarP(&g.paths, "path", "p", nil, "Plugin root (repeatable)")
	pf.StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&g.logFormat, "log-format", "", "Log format (auto, console, json)")
	pf.StringVar(&g.policyDB, "policy-db", "", "Policy database path")
	pf.StringVar(&g.appVersion, "app-version", "", "Host version checked against plugin ranges")

	root.AddCommand(
		newVersionCmd(),
		newDiscoverCmd(g),
		newDepsCmd(g),
		newLoadCmd(g),
		newRunCmd(g),
		newPolicyCmd(g),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "plughost %s\n", version)
			fmt.Fprintf(out, "Commit: %s\n", commit)
			fmt.Fprintf(out, "Built: %s\n", date)
		},
	}
}

// loadConfig resolves configuration with command line flags on top.
func (g *globalFlags) loadConfig(cmd *cobra.Command, extra map[string]any) (*config.Config, error) {
	overrides := make(map[string]any)
	flags := cmd.Flags()
	if flags.Changed("path") {
		overrides["plugin_paths"] = append([]string(nil), g.paths...)
	}
	if flags.Changed("log-level") {
		overrides["log_level"] = g.logLevel
	}
	if flags.Changed("log-format") {
		overrides["log_format"] = g.logFormat
	}
	if flags.Changed("policy-db") {
		overrides["policy_db"] = g.policyDB
	}
	if flags.Changed("app-version") {
		overrides["app_version"] = g.appVersion
	}
	for k, v := range extra {
		overrides[k] = v
	}

	opts := []config.Option{
		config.WithEnvFile(g.envFile),
		config.WithOverrides(overrides),
	}
	if g.configPath != "" {
		opts = append(opts, config.WithFile(g.configPath))
	}
	return config.Load(opts...)
}

// newApp builds an application whose logs go to the command's error
// stream.
func (g *globalFlags) newApp(cmd *cobra.Command, extra map[string]any) (*app.Application, error) {
	cfg, err := g.loadConfig(cmd, extra)
	if err != nil {
		return nil, err
	}

	lc := logging.DefaultConfig()
	lc.Level = logging.ParseLevel(cfg.LogLevel)
	lc.Format = cfg.LogFormat
	lc.Output = cmd.ErrOrStderr()

	return app.New(app.Options{
		Config: cfg,
		Logger: logging.New(lc),
	})
}
