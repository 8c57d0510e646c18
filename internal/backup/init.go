package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"zmt/internal/config"
	"zmt/internal/sink"
	"zmt/internal/util"
)

// InitTargets prepares the sinks of the given target groups (all groups
// when none are named) by creating their layout and writing the marker.
// Initialization is idempotent.
func InitTargets(ctx context.Context, configPath string, groups []string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := util.SetupDirectories(cfg.StateDir); err != nil {
		return err
	}
	logger, logFile, err := util.SetupLogging(cfg.StateDir, "init", debug)
	if err != nil {
		return err
	}
	defer logFile.Close()
	slog.SetDefault(logger)

	selected := cfg.TargetGroups
	if len(groups) > 0 {
		selected = nil
		for _, name := range groups {
			g, err := cfg.FindGroup(name)
			if err != nil {
				return err
			}
			selected = append(selected, *g)
		}
	}

	var errs []error
	for i := range selected {
		g := &selected[i]
		sinks, err := sink.New(ctx, cfg, g)
		if err != nil {
			return err
		}
		for _, s := range sinks {
			if err := s.Init(ctx); err != nil {
				slog.Error("Failed to initialize sink", "group", g.Name, "sink", s.ID(), "error", err)
				errs = append(errs, err)
			} else {
				slog.Info("Sink initialized", "group", g.Name, "sink", s.ID())
				fmt.Printf("initialized %s (%s)\n", s.ID(), g.Name)
			}
			s.Close()
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to initialize %d sink(s): %w", len(errs), errors.Join(errs...))
	}
	return nil
}
