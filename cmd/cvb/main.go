package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

const defaultConfigPath = "/etc/cvb/backup-config.json"

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to configuration file (JSON or YAML)",
		Value:   defaultConfigPath,
	}
}

func main() {
	cmd := &cli.Command{
		Name:    "cvb",
		Usage:   "Container volume backup to NFS",
		Version: "0.1.0",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Back up every configured job",
				Flags: []cli.Flag{configFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runBackups(ctx, cmd.String("config"))
				},
			},
			{
				Name:      "restore",
				Usage:     "Restore one job's volumes from a backup generation",
				ArgsUsage: "JOB",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{
						Name:    "timestamp",
						Aliases: []string{"t"},
						Usage:   "timestamp or timestamp prefix (e.g. 20251201-191215); defaults to latest",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					jobName := cmd.Args().First()
					if jobName == "" {
						return fmt.Errorf("job name must be specified")
					}
					return runRestore(ctx, cmd.String("config"), jobName, cmd.String("timestamp"))
				},
			},
			{
				Name:      "list",
				Usage:     "List backup generations of a job as JSON",
				ArgsUsage: "JOB",
				Flags: []cli.Flag{
					configFlag(),
					&cli.BoolFlag{
						Name:  "checksum",
						Usage: "compute BLAKE3 checksums of every archive",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					jobName := cmd.Args().First()
					if jobName == "" {
						return fmt.Errorf("job name must be specified")
					}
					return listGenerations(cmd.String("config"), jobName, cmd.Bool("checksum"))
				},
			},
			{
				Name:  "check",
				Usage: "Check configuration, tools, mount point and mirror access",
				Flags: []cli.Flag{configFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runCheck(ctx, cmd.String("config"))
				},
			},
		},
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			fmt.Fprintln(os.Stderr, "\n⚠ Interrupted by user")
			os.Exit(130) // Standard exit code for SIGINT
		}
		slog.Error("CLI error", "error", err)
		os.Exit(1)
	}
}
