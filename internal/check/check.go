// Package check walks the configuration and probes, item by item, whether
// a backup run could work with it. It stops at the first failure so the
// operator fixes one thing at a time.
package check

import (
	"context"
	"fmt"
	"os/exec"

	"zmt/internal/config"
	"zmt/internal/crypto"
	"zmt/internal/sink"
	"zmt/internal/zfs"
)

func Run(ctx context.Context, configPath string) error {
	if _, err := exec.LookPath("zfs"); err != nil {
		return fmt.Errorf("zfs binary: %w", err)
	}
	fmt.Println("zfs binary: OK")
	return run(ctx, configPath, zfs.NewShell())
}

func run(ctx context.Context, configPath string, provider zfs.Provider) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	fmt.Println("config: OK")

	if cfg.AgeRecipient != "" {
		if err := crypto.ValidateRecipient(cfg.AgeRecipient); err != nil {
			return fmt.Errorf("age recipient: %w", err)
		}
		fmt.Println("age recipient: OK")
	}

	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		for _, ds := range src.Datasets {
			exists, err := provider.DatasetExists(ctx, ds)
			if err != nil {
				return fmt.Errorf("source %s dataset %s: %w", src.Name, ds, err)
			}
			if !exists {
				return fmt.Errorf("source %s dataset %s: does not exist", src.Name, ds)
			}
			fmt.Printf("source %s dataset %s: OK\n", src.Name, ds)
		}
	}

	for i := range cfg.TargetGroups {
		group := &cfg.TargetGroups[i]
		sinks, err := sink.New(ctx, cfg, group)
		if err != nil {
			return fmt.Errorf("target group %s: %w", group.Name, err)
		}
		checkErr := checkSinks(ctx, group.Name, sinks)
		for _, s := range sinks {
			_ = s.Close()
		}
		if checkErr != nil {
			return checkErr
		}
	}

	fmt.Println("all checks passed")
	return nil
}

func checkSinks(ctx context.Context, group string, sinks []sink.Sink) error {
	for _, s := range sinks {
		if err := s.Check(ctx); err != nil {
			return fmt.Errorf("target group %s sink %s: %w", group, s.ID(), err)
		}
		fmt.Printf("target group %s sink %s: OK\n", group, s.ID())
	}
	return nil
}
