package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/stratus/internal/config"
	"github.com/tinytelemetry/stratus/internal/httpserver"
	"github.com/tinytelemetry/stratus/internal/schedule"
)

// runServer starts the scheduler and the HTTP API and blocks until a signal.
func runServer(ctx context.Context, cfg appConfig) error {
	logger, cleanupLogger, err := newRuntimeLogger(cfg, true)
	if err != nil {
		return err
	}
	defer cleanupLogger()

	p, err := buildPipeline(ctx, cfg.Options, nil, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	backups, err := startBackup(ctx, cfg.Backup, p, logger)
	if err != nil {
		return err
	}
	defer backups.Stop()

	sched := schedule.New(p.cfg.Schedule, p.job.Run,
		schedule.WithRunTimeout(p.cfg.RunTimeout),
		schedule.WithLogger(logger),
	)

	// Start HTTP API server if enabled
	if cfg.APIEnabled {
		apiServer := httpserver.NewServer(cfg.APIAddr, p.job, sched, p.telemetry.Registry())
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer apiServer.Stop()
	}

	// Set up context and signal handling
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// The shutdown deadline starts at the first signal.
		deadline := time.NewTimer(30 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	if err := sched.Start(ctx); err != nil {
		return err
	}
	if cfg.RunOnStart {
		sched.Trigger()
	}

	printStartupBanner(cfg, p, sched.Next())
	logger.WithFields(logrus.Fields{
		"schedule": p.cfg.ScheduleExpr,
		"regions":  p.cfg.Regions,
		"target":   p.cfg.Target.Kind(),
	}).Info("scheduler started")

	// Block until the signal handler or the parent context cancels.
	<-ctx.Done()

	sched.Stop()
	logger.Info("scheduler stopped")

	signal.Stop(sigCh)
	return nil
}

func printStartupBanner(cfg appConfig, p *pipeline, next time.Time) {
	sc := p.cfg
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	logo := cyan.Bold(true).Render(`
    ╔═╗╔╦╗╦═╗╔═╗╔╦╗╦ ╦╔═╗
    ╚═╗ ║ ╠╦╝╠═╣ ║ ║ ║╚═╗
    ╚═╝ ╩ ╩╚═╩ ╩ ╩ ╚═╝╚═╝`)

	ver := dim.Render("v" + version)

	var lines []string
	lines = append(lines, "")
	lines = append(lines, logo)
	lines = append(lines, "    "+ver)
	lines = append(lines, "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator)
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Schedule"))
	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("    %s  Cron           %s", check, cyan.Render(sc.ScheduleExpr)))
	if next.IsZero() {
		lines = append(lines, fmt.Sprintf("    %s  Next Run       %s", dot, dim.Render("never")))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Next Run       %s", check, dim.Render(next.Format(time.RFC3339))))
	}
	lines = append(lines, fmt.Sprintf("    %s  Run Timeout    %s", check, dim.Render(sc.RunTimeout.String())))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Collection"))
	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("    %s  Regions        %s", check, dim.Render(strings.Join(sc.Regions, ", "))))
	lines = append(lines, fmt.Sprintf("    %s  Namespaces     %s", check, dim.Render(strings.Join(sc.Namespaces, ", "))))
	lines = append(lines, fmt.Sprintf("    %s  Statistic      %s", check, dim.Render(fmt.Sprintf("%s / %ds over %dh", sc.Stat, sc.PeriodSeconds, sc.LookbackHours))))
	lines = append(lines, fmt.Sprintf("    %s  Concurrency    %s", check, dim.Render(fmt.Sprintf("%d regions, %s", sc.RegionConcurrency, sc.FailurePolicy))))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Storage"))
	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("    %s  Target         %s", check, cyan.Render(describeTarget(sc.Target))))
	if b := describeBackup(cfg.Backup, p); b != "" {
		lines = append(lines, fmt.Sprintf("    %s  Backups        %s", check, dim.Render(b)))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Backups        %s", dot, dim.Render("disabled")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Gateway"))
	lines = append(lines, "")
	if cfg.APIEnabled {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", check, cyan.Render(cfg.APIAddr)))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", dot, dim.Render("disabled")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"))
	lines = append(lines, "")
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", check, dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", dot, dim.Render("default (no file)")))
	}

	lines = append(lines, "")
	lines = append(lines, separator)
	lines = append(lines, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"))
	lines = append(lines, "")

	fmt.Println(strings.Join(lines, "\n"))
}

func describeTarget(t config.Target) string {
	switch t := t.(type) {
	case config.FileSystemTarget:
		return fmt.Sprintf("%s (%s)", shortenPath(t.Path), t.Format)
	case config.ObjectStoreTarget:
		if t.Prefix == "" {
			return fmt.Sprintf("s3://%s (%s)", t.Bucket, t.Format)
		}
		return fmt.Sprintf("s3://%s/%s (%s)", t.Bucket, t.Prefix, t.Format)
	case config.DatabaseTarget:
		db := "in-memory"
		if t.DBPath != "" {
			db = shortenPath(t.DBPath)
		}
		return fmt.Sprintf("duckdb %s table %s", db, t.TableName)
	default:
		return "unknown"
	}
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
