package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tinytelemetry/stratus/internal/config"
)

const (
	defaultBindHost  = "127.0.0.1"
	defaultAPIPort   = 3000
	defaultLogLevel  = "info"
	defaultLogFormat = "text"

	defaultBackupInterval = 6 * time.Hour
	defaultBackupKeepLast = 24
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	config.Options `mapstructure:",squash"`

	LogLevel   string `mapstructure:"log-level"`
	LogFormat  string `mapstructure:"log-format"`
	LogFile    string `mapstructure:"log-file"`
	APIEnabled bool   `mapstructure:"api-enabled"`
	APIPort    int    `mapstructure:"api-port"`
	APIAddr    string `mapstructure:"api-addr"`
	RunOnStart bool   `mapstructure:"run-on-start"`
	ConfigPath string `mapstructure:"-"` // not from config file

	Backup backupOptions `mapstructure:"backup"`
}

// backupOptions configures DuckDB snapshots for the database target.
type backupOptions struct {
	Enabled      bool          `mapstructure:"enabled"`
	Interval     time.Duration `mapstructure:"interval"`
	LocalDir     string        `mapstructure:"local-dir"`
	KeepLast     int           `mapstructure:"keep-last"`
	BucketURL    string        `mapstructure:"bucket-url"`
	Endpoint     string        `mapstructure:"endpoint"`
	Region       string        `mapstructure:"region"`
	AccessKey    string        `mapstructure:"access-key"`
	SecretKey    string        `mapstructure:"secret-key"`
	SessionToken string        `mapstructure:"session-token"`
	UseSSL       bool          `mapstructure:"use-ssl"`
	PathStyle    bool          `mapstructure:"path-style"`
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("STRATUS")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	d := config.DefaultOptions()
	v.SetDefault("schedule", d.Schedule)
	v.SetDefault("regions", []string{})
	v.SetDefault("namespaces", []string{})
	// No default: an absent allow-list and an empty one mean different things.
	_ = v.BindEnv("metric-names")
	v.SetDefault("period-seconds", d.PeriodSeconds)
	v.SetDefault("stat", d.Stat)
	v.SetDefault("lookback-hours", d.LookbackHours)
	v.SetDefault("max-queries-per-batch", d.MaxQueriesPerBatch)
	v.SetDefault("run-timeout", d.RunTimeout)
	v.SetDefault("region-concurrency", d.RegionConcurrency)
	v.SetDefault("region-failure-policy", d.RegionFailurePolicy)
	v.SetDefault("target.type", d.Target.Type)
	v.SetDefault("target.format", d.Target.Format)
	v.SetDefault("target.path", d.Target.Path)
	for _, key := range []string{"bucket", "prefix", "endpoint", "region", "access-key", "secret-key", "session-token", "table-name", "db-path"} {
		v.SetDefault("target."+key, "")
	}
	v.SetDefault("target.use-ssl", true)
	v.SetDefault("target.path-style", false)
	v.SetDefault("target.retention-days", 0)

	v.SetDefault("log-level", defaultLogLevel)
	v.SetDefault("log-format", defaultLogFormat)
	v.SetDefault("log-file", "")
	v.SetDefault("api-enabled", true)
	v.SetDefault("api-port", defaultAPIPort)
	v.SetDefault("api-addr", "")
	v.SetDefault("run-on-start", false)

	v.SetDefault("backup.enabled", false)
	v.SetDefault("backup.interval", defaultBackupInterval)
	v.SetDefault("backup.local-dir", "~/.local/share/stratus/backups")
	v.SetDefault("backup.keep-last", defaultBackupKeepLast)
	for _, key := range []string{"bucket-url", "endpoint", "region", "access-key", "secret-key", "session-token"} {
		v.SetDefault("backup."+key, "")
	}
	v.SetDefault("backup.use-ssl", true)
	v.SetDefault("backup.path-style", false)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		defaultConfigPath := filepath.Join(home, ".config", "stratus", "config.yml")
		v.SetConfigFile(defaultConfigPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
		// An explicitly requested file has to exist.
		if configPath != "" {
			return cfg, fmt.Errorf("config file %s: %w", configPath, err)
		}
	} else {
		cfg.ConfigPath = v.ConfigFileUsed()
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		return cfg, fmt.Errorf("invalid api-port: %d", cfg.APIPort)
	}

	// Expand ~ in paths
	cfg.Options.Target.Path = expandHome(home, cfg.Options.Target.Path)
	cfg.Options.Target.DBPath = expandHome(home, cfg.Options.Target.DBPath)
	cfg.LogFile = expandHome(home, cfg.LogFile)
	cfg.Backup.LocalDir = expandHome(home, cfg.Backup.LocalDir)

	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(defaultBindHost, strconv.Itoa(cfg.APIPort))
	}

	return cfg, nil
}

func expandHome(home, path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
