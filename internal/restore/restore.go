// Package restore rebuilds a dataset from the artifacts of one target
// group: it resolves the chain of complete manifest rows that leads to the
// requested sequence, fetches and checksums every artifact into the spool,
// and feeds them to zfs receive in chain order. Artifacts are tried on
// every sink of the group that holds them, so one damaged replica does not
// stop a restore another replica can serve. The manifest is never modified;
// flagging bad artifacts is verify's job.
package restore

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/oklog/ulid/v2"
	"github.com/schollz/progressbar/v3"
	"github.com/zeebo/blake3"

	"zmt/internal/chain"
	"zmt/internal/config"
	"zmt/internal/crypto"
	"zmt/internal/manifest"
	"zmt/internal/sink"
	"zmt/internal/util"
	"zmt/internal/zfs"
)

type Options struct {
	ConfigPath string
	Group      string
	Dataset    string
	Seq        uint64 // 0 means the latest complete sequence
	Into       string
	Identity   string // age identity file, required for encrypted artifacts
	Force      bool
	DryRun     bool
	Progress   bool
	Debug      bool
}

// step is one link of the restore chain with every row that can serve it.
type step struct {
	seq        uint64
	base       uint64
	candidates []*manifest.Entry
}

func (s *step) label() string {
	if s.base == 0 {
		return fmt.Sprintf("full@%d", s.seq)
	}
	return fmt.Sprintf("%d->%d", s.base, s.seq)
}

// Run restores a dataset from a target group.
func Run(ctx context.Context, opts Options) error {
	return run(ctx, opts, zfs.NewShell())
}

func run(ctx context.Context, opts Options, provider zfs.Provider) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if err := util.SetupDirectories(cfg.StateDir); err != nil {
		return err
	}

	logger, logFile, err := util.SetupLogging(cfg.StateDir, "restore", opts.Debug)
	if err != nil {
		return err
	}
	defer logFile.Close()
	slog.SetDefault(logger)

	if opts.Group == "" {
		return config.Errorf("a target group to restore from is required")
	}
	if opts.Dataset == "" {
		return config.Errorf("a dataset to restore is required")
	}
	into := opts.Into
	if into == "" {
		return config.Errorf("a dataset to restore into is required")
	}
	group, err := cfg.FindGroup(opts.Group)
	if err != nil {
		return err
	}

	runID, err := ulid.New(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0))
	if err != nil {
		return fmt.Errorf("failed to generate run id: %w", err)
	}
	slog.Info("Restore run starting", "run", runID.String(),
		"group", opts.Group, "dataset", opts.Dataset, "into", into, "dryRun", opts.DryRun)

	store, err := manifest.Open(util.ManifestPath(cfg.StateDir))
	if err != nil {
		return err
	}
	defer store.Close()

	rows, err := store.CompleteEntries(opts.Group, opts.Dataset)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("no complete artifacts of dataset %s in target group %s", opts.Dataset, opts.Group)
	}

	steps, target, err := resolveChain(opts.Dataset, opts.Group, rows, opts.Seq)
	if err != nil {
		return err
	}
	slog.Info("Restore chain resolved", "target", target, "steps", len(steps))

	// Load the key before moving any data, so a wrong path fails here
	// and not after the downloads.
	var identities []age.Identity
	if needsDecryption(steps) {
		if opts.Identity == "" {
			return config.Errorf("artifacts are age encrypted, an identity file is required")
		}
		if identities, err = crypto.LoadIdentities(opts.Identity); err != nil {
			return err
		}
		slog.Info("Identity file loaded", "path", opts.Identity)
	}

	if opts.DryRun {
		fmt.Printf("\n=== DRY RUN MODE ===\n")
		fmt.Printf("Would restore %s from target group %s into %s:\n", opts.Dataset, opts.Group, into)
		for _, st := range steps {
			e := st.candidates[0]
			fmt.Printf("  %-12s %s (%d bytes, %d sinks)\n", st.label(), e.Artifact, e.Bytes, len(st.candidates))
		}
		fmt.Printf("\nNo changes made.\n")
		return nil
	}

	exists, err := provider.DatasetExists(ctx, into)
	if err != nil {
		return err
	}
	if exists && !opts.Force {
		return fmt.Errorf("dataset %s already exists, restoring into it requires force", into)
	}

	sinks, err := sink.New(ctx, cfg, group)
	if err != nil {
		return err
	}
	defer func() {
		for _, s := range sinks {
			if err := s.Close(); err != nil {
				slog.Warn("Failed to close sink", "sink", s.ID(), "error", err)
			}
		}
	}()
	byID := map[string]sink.Sink{}
	for _, s := range sinks {
		byID[s.ID()] = s
	}

	spool := filepath.Join(util.SpoolDir(cfg.StateDir), "restore_"+runID.String())
	if err := os.MkdirAll(spool, 0o755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}
	defer func() {
		slog.Info("Cleaning up spool directory", "path", spool)
		if err := os.RemoveAll(spool); err != nil {
			slog.Warn("Failed to remove spool directory", "error", err)
		}
	}()

	r := &restorer{opts: opts, sinks: byID, spool: spool}

	// Fetch and verify the whole chain before the first receive, so a
	// missing link is found while the target dataset is still untouched.
	fetched := make([]*artifact, len(steps))
	for i, st := range steps {
		if fetched[i], err = r.fetch(ctx, st); err != nil {
			return fmt.Errorf("failed to fetch %s: %w", st.label(), err)
		}
	}

	for i, st := range steps {
		if err := r.receive(ctx, provider, into, st, fetched[i], identities); err != nil {
			return err
		}
	}

	name := chain.SnapshotName(cfg.SnapshotPrefix, target)
	snaps, err := provider.ListSnapshots(ctx, into)
	if err != nil {
		return fmt.Errorf("failed to list snapshots of %s after restore: %w", into, err)
	}
	found := false
	for _, s := range snaps {
		if s == name {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("snapshot %s@%s not found after restore", into, name)
	}

	slog.Info("Restore completed", "run", runID.String(), "dataset", into, "snapshot", name, "steps", len(steps))
	return nil
}

// resolveChain walks backward from the wanted sequence to a full artifact.
// At every link a full row is preferred over continuing downward, so a sink
// that was restarted with a fresh full shortens the chain for everyone.
func resolveChain(dataset, group string, rows []*manifest.Entry, want uint64) ([]*step, uint64, error) {
	bySeq := map[uint64][]*manifest.Entry{}
	var latest uint64
	for _, e := range rows {
		bySeq[e.Seq] = append(bySeq[e.Seq], e)
		if e.Seq > latest {
			latest = e.Seq
		}
	}
	target := want
	if target == 0 {
		target = latest
	}

	var steps []*step
	cur := target
	for {
		var fulls, incs []*manifest.Entry
		for _, e := range bySeq[cur] {
			if e.Base == 0 {
				fulls = append(fulls, e)
			} else {
				incs = append(incs, e)
			}
		}
		if len(fulls) > 0 {
			steps = append(steps, &step{seq: cur, candidates: sortCandidates(fulls)})
			break
		}
		if len(incs) == 0 {
			return nil, 0, &chain.ChainBrokenError{Dataset: dataset, Group: group, Seq: cur}
		}

		base := uint64(0)
		for _, e := range incs {
			if e.Base > base {
				base = e.Base
			}
		}
		if base >= cur {
			return nil, 0, fmt.Errorf("manifest entry %s has base %d at or above its own sequence", incs[0].Key(), base)
		}
		var chosen []*manifest.Entry
		for _, e := range incs {
			if e.Base == base {
				chosen = append(chosen, e)
			}
		}
		steps = append(steps, &step{seq: cur, base: base, candidates: sortCandidates(chosen)})
		cur = base
	}

	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}
	return steps, target, nil
}

func sortCandidates(entries []*manifest.Entry) []*manifest.Entry {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Sink < entries[j].Sink })
	return entries
}

func needsDecryption(steps []*step) bool {
	for _, st := range steps {
		for _, e := range st.candidates {
			if strings.HasSuffix(e.Artifact, ".age") {
				return true
			}
		}
	}
	return false
}

type restorer struct {
	opts  Options
	sinks map[string]sink.Sink
	spool string
}

// artifact is one verified chain link sitting in the spool.
type artifact struct {
	entry *manifest.Entry
	path  string
}

// fetch downloads a step's artifact from the first sink that serves intact
// bytes. Sinks whose copy is missing or damaged are logged and skipped.
func (r *restorer) fetch(ctx context.Context, st *step) (*artifact, error) {
	var errs []error
	for _, e := range st.candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, ok := r.sinks[e.Sink]
		if !ok {
			slog.Warn("Sink is no longer configured, skipping", "entry", e.Key())
			errs = append(errs, fmt.Errorf("sink %s is not configured", e.Sink))
			continue
		}

		rd, err := s.Reader(ctx, e.Artifact)
		if errors.Is(err, sink.ErrNotExist) {
			slog.Warn("Artifact missing on sink, trying the next one", "entry", e.Key())
			continue
		}
		if err != nil {
			slog.Warn("Failed to open artifact", "entry", e.Key(), "error", err)
			errs = append(errs, err)
			continue
		}

		dst := filepath.Join(r.spool, fmt.Sprintf("%d_%s", st.seq, path.Base(e.Artifact)))
		sum, n, err := r.download(rd, dst, e)
		rd.Close()
		if err != nil {
			slog.Warn("Failed to download artifact", "entry", e.Key(), "error", err)
			errs = append(errs, err)
			continue
		}
		if sum != e.Checksum {
			mismatch := &manifest.ChecksumMismatchError{Entry: e, Got: sum}
			slog.Warn("Artifact failed its checksum, trying the next sink", "entry", e.Key(), "error", mismatch)
			errs = append(errs, mismatch)
			continue
		}

		slog.Info("Artifact fetched", "entry", e.Key(), "bytes", n, "blake3", sum)
		return &artifact{entry: e, path: dst}, nil
	}

	if len(errs) == 0 {
		return nil, &chain.ChainBrokenError{Dataset: st.candidates[0].Dataset, Group: st.candidates[0].TargetGroup, Seq: st.seq}
	}
	return nil, errors.Join(errs...)
}

func (r *restorer) download(rd io.Reader, dst string, e *manifest.Entry) (string, int64, error) {
	f, err := os.Create(dst)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	src := rd
	if r.opts.Progress {
		bar := progressbar.DefaultBytes(e.Bytes, e.Key())
		src = io.TeeReader(rd, bar)
		defer func() { _ = bar.Finish() }()
	}

	hasher := blake3.New()
	n, err := io.Copy(io.MultiWriter(f, hasher), src)
	if err != nil {
		return "", n, err
	}
	return fmt.Sprintf("%x", hasher.Sum(nil)), n, nil
}

func (r *restorer) receive(ctx context.Context, provider zfs.Provider, into string, st *step, a *artifact, identities []age.Identity) error {
	f, err := os.Open(a.path)
	if err != nil {
		return fmt.Errorf("failed to open spooled artifact: %w", err)
	}
	defer f.Close()

	var stream io.Reader = f
	if strings.HasSuffix(a.entry.Artifact, ".age") {
		if stream, err = crypto.DecryptReader(f, identities...); err != nil {
			return fmt.Errorf("failed to decrypt %s: %w", a.entry.Artifact, err)
		}
	}

	slog.Info("Receiving stream", "dataset", into, "step", st.label())
	if err := provider.Receive(ctx, into, stream, r.opts.Force); err != nil {
		return fmt.Errorf("failed to receive %s: %w", st.label(), err)
	}

	// The spool shrinks as the chain lands.
	if err := os.Remove(a.path); err != nil {
		slog.Warn("Failed to remove spooled artifact", "path", a.path, "error", err)
	}
	return nil
}
