package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/stratus/internal/config"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

// GetVersionInfo returns the current version and commit information.
func GetVersionInfo() (string, string) {
	return version, commit
}

func main() {
	if err := executeContext(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "stratus",
		Short: "Scheduled CloudWatch metrics scraper",
		Long: `stratus periodically discovers CloudWatch metrics across regions and
namespaces, fetches their datapoints in batches and stores them on the
local filesystem, in an S3 bucket or in a DuckDB table.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default is $HOME/.config/stratus/config.yml)")

	root.AddCommand(
		newRunCommand(&configPath),
		newOnceCommand(&configPath),
		newValidateCommand(&configPath),
		newVersionCommand(),
	)
	return root
}

func newRunCommand(configPath *string) *cobra.Command {
	var runNow bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler and HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cmd.Flags().Changed("now") {
				cfg.RunOnStart = runNow
			}
			return runServer(cmd.Context(), cfg)
		},
	}
	cmd.Flags().BoolVar(&runNow, "now", false, "start one run immediately instead of waiting for the first fire time")
	return cmd
}

func newOnceCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Perform a single scrape run and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger, cleanup, err := newRuntimeLogger(cfg, false)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p, err := buildPipeline(ctx, cfg.Options, nil, logger)
			if err != nil {
				return err
			}
			defer p.Close()
			return p.runOnce(ctx)
		},
	}
}

func newValidateCommand(configPath *string) *cobra.Command {
	var fires int
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return validate(cmd.OutOrStdout(), cfg, time.Now(), fires)
		},
	}
	cmd.Flags().IntVar(&fires, "next", 3, "number of upcoming fire times to print")
	return cmd
}

// validate builds the scraper config without side effects and renders it
// as YAML followed by the next fire times.
func validate(w io.Writer, cfg appConfig, now time.Time, fires int) error {
	sc, err := config.New(cfg.Options)
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg.Options); err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}

	fmt.Fprintln(w, "next-runs:")
	t := now
	for i := 0; i < fires; i++ {
		t = sc.Schedule.Next(t)
		if t.IsZero() {
			break
		}
		fmt.Fprintf(w, "  - %s\n", t.UTC().Format(time.RFC3339))
	}
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Stratus - CloudWatch Metrics Scraper\n")
			fmt.Fprintf(out, "  Version:    %s\n", version)
			fmt.Fprintf(out, "  Commit:     %s\n", commit)
			fmt.Fprintf(out, "  Built:      %s\n", buildTime)
			fmt.Fprintf(out, "  Go version: %s\n", goVersion)
		},
	}
}

func executeContext(ctx context.Context, args []string, out io.Writer) error {
	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(out)
	return root.ExecuteContext(ctx)
}
