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

	"zmt/internal/backup"
	"zmt/internal/check"
	"zmt/internal/config"
	"zmt/internal/keys"
	"zmt/internal/list"
	"zmt/internal/restore"
	"zmt/internal/verify"
)

// errIncomplete marks a run that finished but left replicas behind or
// degraded. It gets its own exit status so schedulers can tell partial runs
// apart from configuration trouble.
var errIncomplete = errors.New("run finished with failures")

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "config",
		Usage: "path to configuration yaml file",
		Value: "zmt.yaml",
	}
}

func main() {
	cmd := &cli.Command{
		Name:    "zmt",
		Usage:   "Chain-tracked ZFS backup to multiple target groups",
		Version: "0.1.0",
		Commands: []*cli.Command{
			{
				Name:  "backup",
				Usage: "Snapshot the configured sources and replicate them",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringSliceFlag{
						Name:  "source",
						Usage: "Source to back up, repeatable. Default is every configured source",
					},
					&cli.StringSliceFlag{
						Name:  "group",
						Usage: "Target group to send to, repeatable. Default is every group the sources name",
					},
					&cli.BoolFlag{
						Name:  "full",
						Usage: "Restart broken chains with a fresh full stream",
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Plan and print the steps without sending anything",
					},
					&cli.BoolFlag{
						Name:  "progress",
						Usage: "Show a progress bar per stream",
					},
					&cli.BoolFlag{
						Name:  "debug",
						Usage: "Log at debug level",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runBackup(ctx, backup.Options{
						ConfigPath: cmd.String("config"),
						Sources:    cmd.StringSlice("source"),
						Groups:     cmd.StringSlice("group"),
						FullResend: cmd.Bool("full"),
						DryRun:     cmd.Bool("dry-run"),
						Progress:   cmd.Bool("progress"),
						Debug:      cmd.Bool("debug"),
					})
				},
			},
			{
				Name:  "verify",
				Usage: "Re-read replicated artifacts and demote the ones that went bad",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringSliceFlag{
						Name:  "group",
						Usage: "Target group to verify, repeatable. Default is every group",
					},
					&cli.StringSliceFlag{
						Name:  "dataset",
						Usage: "Dataset to verify, repeatable. Default is every dataset with entries",
					},
					&cli.BoolFlag{
						Name:  "progress",
						Usage: "Show a progress bar per artifact",
					},
					&cli.BoolFlag{
						Name:  "debug",
						Usage: "Log at debug level",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runVerify(ctx, verify.Options{
						ConfigPath: cmd.String("config"),
						Groups:     cmd.StringSlice("group"),
						Datasets:   cmd.StringSlice("dataset"),
						Progress:   cmd.Bool("progress"),
						Debug:      cmd.Bool("debug"),
					})
				},
			},
			{
				Name:  "restore",
				Usage: "Rebuild a dataset from one target group's artifacts",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{
						Name:     "group",
						Usage:    "Target group to restore from",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "dataset",
						Usage:    "Dataset to restore",
						Required: true,
					},
					&cli.Uint64Flag{
						Name:  "seq",
						Usage: "Sequence to restore to. Default is the latest complete one",
					},
					&cli.StringFlag{
						Name:     "into",
						Usage:    "Dataset to receive into (e.g. pool/restored)",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "identity",
						Usage: "Path to age identity file, required for encrypted artifacts",
					},
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Receive into a dataset that already exists",
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Resolve and print the chain without receiving anything",
					},
					&cli.BoolFlag{
						Name:  "progress",
						Usage: "Show a progress bar per artifact",
					},
					&cli.BoolFlag{
						Name:  "debug",
						Usage: "Log at debug level",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return restore.Run(ctx, restore.Options{
						ConfigPath: cmd.String("config"),
						Group:      cmd.String("group"),
						Dataset:    cmd.String("dataset"),
						Seq:        cmd.Uint64("seq"),
						Into:       cmd.String("into"),
						Identity:   cmd.String("identity"),
						Force:      cmd.Bool("force"),
						DryRun:     cmd.Bool("dry-run"),
						Progress:   cmd.Bool("progress"),
						Debug:      cmd.Bool("debug"),
					})
				},
			},
			{
				Name:  "list",
				Usage: "Show the replica state the manifest holds",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringSliceFlag{
						Name:  "group",
						Usage: "Target group to list, repeatable. Default is every group",
					},
					&cli.StringSliceFlag{
						Name:  "dataset",
						Usage: "Dataset to list, repeatable. Default is every dataset with entries",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Emit JSON instead of a table",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return list.Run(ctx, list.Options{
						ConfigPath: cmd.String("config"),
						Groups:     cmd.StringSlice("group"),
						Datasets:   cmd.StringSlice("dataset"),
						JSON:       cmd.Bool("json"),
					})
				},
			},
			{
				Name:  "init",
				Usage: "Initialize the sinks of the configured target groups",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringSliceFlag{
						Name:  "group",
						Usage: "Target group to initialize, repeatable. Default is every group",
					},
					&cli.BoolFlag{
						Name:  "debug",
						Usage: "Log at debug level",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return backup.InitTargets(ctx, cmd.String("config"), cmd.StringSlice("group"), cmd.Bool("debug"))
				},
			},
			{
				Name:  "check",
				Usage: "Probe the configuration, sources and sinks without changing anything",
				Flags: []cli.Flag{
					configFlag(),
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return check.Run(ctx, cmd.String("config"))
				},
			},
			{
				Name:  "keygen",
				Usage: "Generate an age key pair for artifact encryption",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return keys.Generate(ctx)
				},
			},
			{
				Name:  "keytest",
				Usage: "Test that an identity file matches the configured recipient",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{
						Name:     "identity",
						Usage:    "Path to age identity file",
						Required: true,
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return keys.Test(ctx, cmd.String("config"), cmd.String("identity"))
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "\nInterrupted")
			os.Exit(130)
		}
		if errors.Is(err, errIncomplete) {
			os.Exit(1)
		}
		slog.Error("zmt failed", "error", err)
		os.Exit(2)
	}
}

func runBackup(ctx context.Context, opts backup.Options) error {
	report, err := backup.Run(ctx, opts)
	if report != nil {
		printBackupSummary(report, opts.DryRun)
	}
	if err != nil {
		return err
	}
	// A bad source definition is configuration trouble even when the other
	// sources finished their work.
	for _, e := range report.Errs {
		var cfgErr *config.ConfigurationError
		if errors.As(e, &cfgErr) {
			return e
		}
	}
	if report.Failed() {
		return errIncomplete
	}
	return nil
}

func runVerify(ctx context.Context, opts verify.Options) error {
	findings, err := verify.Run(ctx, opts)
	if findings != nil {
		printVerifySummary(findings)
	}
	if err != nil {
		return err
	}
	if findings.Failed() {
		return errIncomplete
	}
	return nil
}
