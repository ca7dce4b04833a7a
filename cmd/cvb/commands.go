package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cvb/internal/backup"
	"cvb/internal/check"
	"cvb/internal/command"
	"cvb/internal/config"
	"cvb/internal/list"
	"cvb/internal/remote"
	"cvb/internal/restore"
	"cvb/internal/util"

	"golang.org/x/term"
)

var (
	ErrNotPrivileged  = errors.New("must be run as root (for container engine and mount permissions)")
	ErrNotInteractive = errors.New("restore requires an interactive terminal for confirmation (stdin is not a TTY)")
)

func requireRoot() error {
	if os.Geteuid() != 0 {
		return ErrNotPrivileged
	}
	return nil
}

// setup loads the configuration and installs the configured logger as the
// slog default.
func setup(configPath string) (*config.Config, func() error, error) {
	if _, err := os.Stat(configPath); err != nil {
		return nil, nil, fmt.Errorf("config file not found at %s: %w", configPath, err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, closeLog, err := util.SetupLogging(cfg.Log, os.Stdout, time.Now())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup logging: %w", err)
	}
	slog.SetDefault(logger)

	return cfg, closeLog, nil
}

// newMirror returns nil when s3 mirroring is disabled.
func newMirror(ctx context.Context, cfg *config.Config) (remote.Backend, error) {
	if !cfg.S3.Enabled {
		return nil, nil
	}

	s3Backend, err := remote.NewS3(ctx, cfg.S3.Bucket, cfg.S3.Region, cfg.S3.Prefix, cfg.S3.Endpoint, cfg.S3StorageClass(), cfg.S3RetryAttempts())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 backend: %w", err)
	}
	slog.Info("S3 backend initialized", "bucket", cfg.S3.Bucket, "region", cfg.S3.Region, "prefix", cfg.S3.Prefix)

	return s3Backend, nil
}

func runBackups(ctx context.Context, configPath string) error {
	if err := requireRoot(); err != nil {
		return err
	}

	cfg, closeLog, err := setup(configPath)
	if err != nil {
		return err
	}
	defer closeLog()

	mirror, err := newMirror(ctx, cfg)
	if err != nil {
		return err
	}
	if mirror != nil {
		if err := mirror.VerifyCredentials(ctx); err != nil {
			slog.Warn("S3 mirror unavailable, continuing with NFS only", "error", err)
			mirror = nil
		}
	}

	slog.Info("Backup run started", "jobs", len(cfg.Jobs), "mountPoint", cfg.MountPoint())

	summary, err := backup.New(cfg, command.Exec{}, mirror).RunAll(ctx)
	if err != nil {
		return err
	}
	return summary.Err()
}

func runRestore(ctx context.Context, configPath, jobName, selector string) error {
	if err := requireRoot(); err != nil {
		return err
	}

	cfg, closeLog, err := setup(configPath)
	if err != nil {
		return err
	}
	defer closeLog()

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return ErrNotInteractive
	}

	rep, err := restore.New(cfg, command.Exec{}, os.Stdin, os.Stdout).Run(ctx, jobName, selector)
	if err != nil {
		return err
	}
	return rep.Error()
}

func listGenerations(configPath, jobName string, withChecksums bool) error {
	cfg, closeLog, err := setup(configPath)
	if err != nil {
		return err
	}
	defer closeLog()

	return list.Run(cfg, jobName, withChecksums, os.Stdout)
}

func runCheck(ctx context.Context, configPath string) error {
	cfg, closeLog, err := setup(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer closeLog()

	mirror, err := newMirror(ctx, cfg)
	if err != nil {
		return err
	}

	return check.Run(ctx, cfg, os.Geteuid(), mirror, os.Stdout)
}
