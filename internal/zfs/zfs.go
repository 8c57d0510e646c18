package zfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Provider is the snapshot-capable storage the tool replicates from and
// restores to. The production implementation shells out to zfs; tests
// substitute fakes.
type Provider interface {
	// ListDatasets returns root and all its descendants.
	ListDatasets(ctx context.Context, root string) ([]string, error)
	DatasetExists(ctx context.Context, dataset string) (bool, error)
	// ListSnapshots returns the short snapshot names of a dataset.
	ListSnapshots(ctx context.Context, dataset string) ([]string, error)
	CreateSnapshot(ctx context.Context, dataset, name string) error
	// Written reports bytes written to the dataset since its newest snapshot.
	Written(ctx context.Context, dataset string) (uint64, error)
	// Send streams the snapshot serialization. An empty base means a full
	// stream, otherwise an incremental from base to snapshot. The returned
	// reader surfaces the send process exit status on EOF.
	Send(ctx context.Context, dataset, snapshot, base string) (io.ReadCloser, error)
	// Receive feeds a serialized stream into the named dataset.
	Receive(ctx context.Context, dataset string, stream io.Reader, force bool) error
}

// Shell runs the zfs command line tool.
type Shell struct{}

func NewShell() *Shell { return &Shell{} }

func (s *Shell) ListDatasets(ctx context.Context, root string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "zfs", "list", "-H", "-r", "-o", "name", root)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("zfs list -r %s: %w", root, err)
	}

	var datasets []string
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if line != "" {
			datasets = append(datasets, line)
		}
	}
	return datasets, nil
}

func (s *Shell) DatasetExists(ctx context.Context, dataset string) (bool, error) {
	cmd := exec.CommandContext(ctx, "zfs", "list", "-H", "-o", "name", dataset)
	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return false, fmt.Errorf("zfs binary not found: %w", err)
		}
		return false, nil
	}
	return true, nil
}

func (s *Shell) ListSnapshots(ctx context.Context, dataset string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "zfs", "list", "-H", "-o", "name", "-t", "snapshot", dataset)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("zfs list -t snapshot %s: %w", dataset, err)
	}

	var snapshots []string
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		parts := strings.SplitN(line, "@", 2)
		if len(parts) != 2 {
			continue
		}
		snapshots = append(snapshots, parts[1])
	}
	return snapshots, nil
}

func (s *Shell) CreateSnapshot(ctx context.Context, dataset, name string) error {
	full := dataset + "@" + name
	cmd := exec.CommandContext(ctx, "zfs", "snapshot", full)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("zfs snapshot %s: %w: %s", full, err, strings.TrimSpace(string(output)))
	}
	slog.Debug("Created snapshot", "snapshot", full)
	return nil
}

func (s *Shell) Written(ctx context.Context, dataset string) (uint64, error) {
	cmd := exec.CommandContext(ctx, "zfs", "get", "-Hp", "-o", "value", "written", dataset)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("zfs get written %s: %w", dataset, err)
	}

	value := strings.TrimSpace(string(output))
	if value == "" || value == "-" {
		return 0, nil
	}
	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse written value %q for %s: %w", value, dataset, err)
	}
	return n, nil
}

func (s *Shell) Send(ctx context.Context, dataset, snapshot, base string) (io.ReadCloser, error) {
	target := dataset + "@" + snapshot

	// Hold the snapshot so it cannot be destroyed mid-send.
	holdTag := fmt.Sprintf("zmt:%d", time.Now().Unix())
	holdCtx, cancelHold := context.WithTimeout(ctx, 10*time.Second)
	err := exec.CommandContext(holdCtx, "zfs", "hold", holdTag, target).Run()
	cancelHold()
	if err != nil {
		return nil, fmt.Errorf("failed to hold snapshot %s: %w", target, err)
	}

	args := []string{"send", "-L"}
	if base != "" {
		args = append(args, "-i", dataset+"@"+base)
		slog.Debug("Starting incremental send", "base", dataset+"@"+base, "snapshot", target)
	} else {
		slog.Debug("Starting full send", "snapshot", target)
	}
	args = append(args, target)

	cmd := exec.CommandContext(ctx, "zfs", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		releaseHold(holdTag, target)
		return nil, fmt.Errorf("failed to create send pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		releaseHold(holdTag, target)
		return nil, fmt.Errorf("failed to start zfs send: %w", err)
	}

	return &sendStream{
		cmd:     cmd,
		out:     stdout,
		stderr:  &stderr,
		holdTag: holdTag,
		target:  target,
	}, nil
}

func releaseHold(holdTag, target string) {
	releaseCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := exec.CommandContext(releaseCtx, "zfs", "release", holdTag, target).Run(); err != nil {
		slog.Warn("Failed to release snapshot hold", "holdTag", holdTag, "snapshot", target, "error", err)
	}
}

// sendStream wraps the zfs send stdout. Read reports the process exit
// status at stream end, so a consumer cannot mistake a truncated send for
// a complete one.
type sendStream struct {
	cmd     *exec.Cmd
	out     io.ReadCloser
	stderr  *bytes.Buffer
	holdTag string
	target  string
	waited  bool
	waitErr error
}

func (s *sendStream) Read(p []byte) (int, error) {
	n, err := s.out.Read(p)
	if errors.Is(err, io.EOF) {
		if werr := s.wait(); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (s *sendStream) wait() error {
	if !s.waited {
		s.waited = true
		s.waitErr = s.cmd.Wait()
		if s.waitErr != nil && s.stderr.Len() > 0 {
			s.waitErr = fmt.Errorf("zfs send %s: %w: %s", s.target, s.waitErr, strings.TrimSpace(s.stderr.String()))
		} else if s.waitErr != nil {
			s.waitErr = fmt.Errorf("zfs send %s: %w", s.target, s.waitErr)
		}
		releaseHold(s.holdTag, s.target)
	}
	return s.waitErr
}

func (s *sendStream) Close() error {
	if s.waited {
		return nil
	}
	s.out.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.wait()
	return nil
}

func (s *Shell) Receive(ctx context.Context, dataset string, stream io.Reader, force bool) error {
	args := []string{"receive"}
	if force {
		args = append(args, "-F")
	}
	args = append(args, dataset)

	cmd := exec.CommandContext(ctx, "zfs", args...)
	cmd.Stdin = stream
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("zfs receive %s: %w: %s", dataset, err, strings.TrimSpace(string(output)))
	}
	slog.Debug("Received stream", "dataset", dataset)
	return nil
}
