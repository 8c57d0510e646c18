// Package backup orchestrates one replication run: select datasets,
// advance their snapshot chains, plan the steps every sink still needs and
// stream them out. Datasets run in parallel up to the configured limit;
// within a dataset steps run in chain order.
package backup

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"zmt/internal/chain"
	"zmt/internal/config"
	"zmt/internal/crypto"
	"zmt/internal/lock"
	"zmt/internal/manifest"
	"zmt/internal/pipeline"
	"zmt/internal/selector"
	"zmt/internal/sink"
	"zmt/internal/util"
	"zmt/internal/zfs"
)

type Options struct {
	ConfigPath string
	Sources    []string // empty means every configured source
	Groups     []string // empty means every group the sources name
	FullResend bool
	DryRun     bool
	Progress   bool
	Debug      bool
}

// SkippedNeed is a sink that did not receive a step because an earlier
// step of its chain failed in this run.
type SkippedNeed struct {
	Need   chain.Need
	Reason string
}

// StepResult is the outcome of one planned step.
type StepResult struct {
	Dataset string
	Base    uint64
	Target  uint64
	Planned bool // dry run, nothing was sent
	SendErr error
	Results []pipeline.Result
	Skipped []SkippedNeed
}

// Label names the step the way plans and logs do.
func (s *StepResult) Label() string {
	if s.Base == 0 {
		return fmt.Sprintf("full@%d", s.Target)
	}
	return fmt.Sprintf("%d->%d", s.Base, s.Target)
}

// DeadSink is a sink that failed its preflight check; every pair involving
// it failed without being attempted.
type DeadSink struct {
	Group  string
	SinkID string
	Err    error
}

// Report is everything a run did and did not manage to do.
type Report struct {
	Run       string
	Took      time.Duration
	Steps     []StepResult
	Broken    []*chain.ChainBrokenError
	DeadSinks []DeadSink
	Errs      []error // source selection, locking and dataset-level failures
}

// Failed reports whether anything in the run needs operator attention.
func (r *Report) Failed() bool {
	if len(r.Errs) > 0 || len(r.Broken) > 0 || len(r.DeadSinks) > 0 {
		return true
	}
	for _, s := range r.Steps {
		if s.SendErr != nil || len(s.Skipped) > 0 {
			return true
		}
		for _, res := range s.Results {
			if res.Err != nil {
				return true
			}
		}
	}
	return false
}

// Run executes a backup run. The returned error is fatal setup trouble or
// cancellation; per-pair failures land in the report instead.
func Run(ctx context.Context, opts Options) (*Report, error) {
	return run(ctx, opts, zfs.NewShell())
}

func run(ctx context.Context, opts Options, provider zfs.Provider) (*Report, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := util.SetupDirectories(cfg.StateDir); err != nil {
		return nil, err
	}

	logger, logFile, err := util.SetupLogging(cfg.StateDir, "backup", opts.Debug)
	if err != nil {
		return nil, err
	}
	defer logFile.Close()
	slog.SetDefault(logger)

	if cfg.AgeRecipient != "" {
		if err := crypto.ValidateRecipient(cfg.AgeRecipient); err != nil {
			return nil, &config.ConfigurationError{Msg: "age_recipient", Err: err}
		}
	}

	runID, err := ulid.New(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to generate run id: %w", err)
	}
	slog.Info("Backup run starting", "run", runID.String(), "dryRun", opts.DryRun, "fullResend", opts.FullResend)

	store, err := manifest.Open(util.ManifestPath(cfg.StateDir))
	if err != nil {
		return nil, err
	}
	defer store.Close()

	r := &runner{
		cfg:    cfg,
		opts:   opts,
		store:  store,
		zfs:    provider,
		runID:  runID.String(),
		report: &Report{Run: runID.String()},
	}

	start := time.Now()
	err = r.run(ctx)
	r.report.Took = time.Since(start)

	sort.Slice(r.report.Steps, func(i, j int) bool {
		a, b := r.report.Steps[i], r.report.Steps[j]
		if a.Dataset != b.Dataset {
			return a.Dataset < b.Dataset
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.Base < b.Base
	})

	if err != nil {
		slog.Error("Backup run aborted", "run", r.runID, "error", err)
	} else if r.report.Failed() {
		slog.Warn("Backup run finished with failures", "run", r.runID, "took", r.report.Took)
	} else {
		slog.Info("Backup run completed", "run", r.runID, "took", r.report.Took)
	}
	return r.report, err
}

type runner struct {
	cfg   *config.Config
	opts  Options
	store *manifest.Store
	zfs   zfs.Provider
	runID string

	sinks map[string][]sink.Sink // group name to its live sinks

	mu     sync.Mutex
	report *Report
}

func (r *runner) run(ctx context.Context) error {
	sources, err := r.selectSources()
	if err != nil {
		return err
	}
	groupFilter, err := r.groupFilter()
	if err != nil {
		return err
	}

	// Expand every source; one failing source leaves the others alone.
	work := map[string]map[string]bool{} // dataset to the groups it goes to
	for _, src := range sources {
		datasets, err := selector.Resolve(ctx, r.zfs, src)
		if err != nil {
			slog.Error("Source selection failed", "source", src.Name, "error", err)
			r.addErr(fmt.Errorf("source %q: %w", src.Name, err))
			continue
		}
		slog.Info("Source resolved", "source", src.Name, "datasets", len(datasets))
		for _, ds := range datasets {
			for _, g := range src.TargetGroups {
				if groupFilter != nil && !groupFilter[g] {
					continue
				}
				if work[ds] == nil {
					work[ds] = map[string]bool{}
				}
				work[ds][g] = true
			}
		}
	}
	if len(work) == 0 {
		slog.Warn("No datasets selected, nothing to do")
		return nil
	}

	involved := map[string]bool{}
	for _, groups := range work {
		for g := range groups {
			involved[g] = true
		}
	}
	if err := r.buildSinks(ctx, involved); err != nil {
		return err
	}
	defer r.closeSinks()

	datasets := make([]string, 0, len(work))
	for ds := range work {
		datasets = append(datasets, ds)
	}
	sort.Strings(datasets)

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(r.cfg.Parallelism)
	for _, ds := range datasets {
		groups := make([]string, 0, len(work[ds]))
		for g := range work[ds] {
			groups = append(groups, g)
		}
		sort.Strings(groups)
		eg.Go(func() error { return r.dataset(ctx, ds, groups) })
	}
	return eg.Wait()
}

func (r *runner) selectSources() ([]*config.Source, error) {
	if len(r.opts.Sources) == 0 {
		out := make([]*config.Source, 0, len(r.cfg.Sources))
		for i := range r.cfg.Sources {
			out = append(out, &r.cfg.Sources[i])
		}
		return out, nil
	}
	var out []*config.Source
	for _, name := range r.opts.Sources {
		src, err := r.cfg.FindSource(name)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}

func (r *runner) groupFilter() (map[string]bool, error) {
	if len(r.opts.Groups) == 0 {
		return nil, nil
	}
	filter := map[string]bool{}
	for _, name := range r.opts.Groups {
		if _, err := r.cfg.FindGroup(name); err != nil {
			return nil, err
		}
		filter[name] = true
	}
	return filter, nil
}

// buildSinks constructs and preflights the sinks of every involved group.
// A sink that fails its check is reported dead and excluded, the rest of
// its group keeps working.
func (r *runner) buildSinks(ctx context.Context, involved map[string]bool) error {
	r.sinks = map[string][]sink.Sink{}
	for name := range involved {
		group, err := r.cfg.FindGroup(name)
		if err != nil {
			return err
		}
		sinks, err := sink.New(ctx, r.cfg, group)
		if err != nil {
			return err
		}
		var alive []sink.Sink
		for _, s := range sinks {
			if !r.opts.DryRun {
				if err := s.Check(ctx); err != nil {
					slog.Error("Sink failed preflight check", "group", name, "sink", s.ID(), "error", err)
					r.addDeadSink(DeadSink{Group: name, SinkID: s.ID(), Err: err})
					s.Close()
					continue
				}
			}
			alive = append(alive, s)
		}
		r.sinks[name] = alive
	}
	return nil
}

func (r *runner) closeSinks() {
	for _, sinks := range r.sinks {
		for _, s := range sinks {
			if err := s.Close(); err != nil {
				slog.Warn("Failed to close sink", "sink", s.ID(), "error", err)
			}
		}
	}
}

func (r *runner) dataset(ctx context.Context, dataset string, groups []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	log := slog.With("dataset", dataset)

	// One advisory lock per (group, dataset) pair. A pair someone else
	// holds is skipped; the remaining groups proceed.
	if !r.opts.DryRun {
		var releases []func() error
		var free []string
		for _, g := range groups {
			release, err := lock.Acquire(util.LockPath(r.cfg.StateDir, g, dataset))
			if err != nil {
				log.Error("Pair is locked by another process", "group", g, "error", err)
				r.addErr(fmt.Errorf("dataset %s group %s: %w", dataset, g, err))
				continue
			}
			releases = append(releases, release)
			free = append(free, g)
		}
		defer func() {
			for i := len(releases) - 1; i >= 0; i-- {
				if err := releases[i](); err != nil {
					log.Warn("Failed to release lock", "error", err)
				}
			}
		}()
		groups = free
	}
	if len(groups) == 0 {
		return nil
	}

	// Snapshot inventory and chain goal.
	snaps, err := r.zfs.ListSnapshots(ctx, dataset)
	if err != nil {
		r.addErr(fmt.Errorf("dataset %s: %w", dataset, err))
		return nil
	}
	seqs := chain.ParseSequences(r.cfg.SnapshotPrefix, snaps)

	var written uint64
	if len(seqs) > 0 {
		if written, err = r.zfs.Written(ctx, dataset); err != nil {
			r.addErr(fmt.Errorf("dataset %s: %w", dataset, err))
			return nil
		}
	}

	// Sequences the manifest already assigned stay burned even when their
	// snapshots were destroyed, so a re-created number can never alias an
	// artifact a sink still holds.
	recorded, err := r.store.MaxSeq(dataset)
	if err != nil {
		r.addErr(fmt.Errorf("dataset %s: %w", dataset, err))
		return nil
	}
	goal, create := chain.Advance(seqs, recorded, written)
	if create {
		name := chain.SnapshotName(r.cfg.SnapshotPrefix, goal)
		if r.opts.DryRun {
			log.Info("Would create snapshot", "snapshot", name)
		} else {
			if err := r.zfs.CreateSnapshot(ctx, dataset, name); err != nil {
				r.addErr(fmt.Errorf("dataset %s: %w", dataset, err))
				return nil
			}
			log.Info("Snapshot created", "snapshot", name)
		}
		seqs = append(seqs, goal)
	} else {
		log.Info("Dataset unchanged, reusing newest snapshot",
			"snapshot", chain.SnapshotName(r.cfg.SnapshotPrefix, goal))
	}

	// Replica history per sink.
	var states []chain.SinkState
	for _, g := range groups {
		for _, s := range r.sinks[g] {
			rows, err := r.store.SinkEntries(g, s.ID(), dataset)
			if err != nil {
				r.addErr(fmt.Errorf("dataset %s: %w", dataset, err))
				return nil
			}
			st := chain.SinkState{Group: g, Sink: s.ID()}
			for _, row := range rows {
				st.Records = append(st.Records, chain.Record{
					Seq:      row.Seq,
					Base:     row.Base,
					Complete: row.Status == manifest.StatusComplete,
				})
			}
			states = append(states, st)
		}
	}

	steps, broken := chain.Plan(dataset, seqs, states, r.cfg.IncludeIntermediate, r.opts.FullResend)
	for _, b := range broken {
		log.Error("Chain broken", "group", b.Group, "seq", b.Seq)
	}
	r.addBroken(broken)

	if len(steps) == 0 {
		if len(broken) == 0 {
			log.Info("All sinks up to date")
		}
		return nil
	}

	outcome := map[*chain.Step]map[chain.Need]error{}
	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.addStep(r.executeStep(ctx, dataset, st, outcome))
	}
	return nil
}

// executeStep sends one step to every sink that still qualifies for it. A
// sink whose earlier step failed this run is skipped here, without holding
// back the sinks whose chains are intact.
func (r *runner) executeStep(ctx context.Context, dataset string, st *chain.Step, outcome map[*chain.Step]map[chain.Need]error) StepResult {
	res := StepResult{Dataset: dataset, Base: st.Base, Target: st.Target}
	needOutcome := map[chain.Need]error{}
	outcome[st] = needOutcome

	var runnable []chain.Need
	for _, n := range st.Needs {
		blocked := false
		for _, dep := range st.Deps {
			if derr, gated := outcome[dep][n]; gated && derr != nil {
				reason := fmt.Sprintf("previous step failed: %v", derr)
				res.Skipped = append(res.Skipped, SkippedNeed{Need: n, Reason: reason})
				needOutcome[n] = fmt.Errorf("skipped, %s", reason)
				blocked = true
				break
			}
		}
		if !blocked {
			runnable = append(runnable, n)
		}
	}

	if r.opts.DryRun {
		res.Planned = true
		for _, n := range runnable {
			needOutcome[n] = nil
			slog.Info("Would send", "dataset", dataset, "step", res.Label(), "group", n.Group, "sink", n.Sink)
		}
		return res
	}
	if len(runnable) == 0 {
		return res
	}

	var attempted []chain.Need
	var targets []pipeline.Target
	for _, n := range runnable {
		s := r.sinkByID(n.Group, n.Sink)
		if s == nil {
			needOutcome[n] = fmt.Errorf("sink %s is not available", n.Sink)
			res.Skipped = append(res.Skipped, SkippedNeed{Need: n, Reason: "sink not available"})
			continue
		}
		attempted = append(attempted, n)
		targets = append(targets, pipeline.Target{Group: n.Group, Sink: s})
	}
	if len(attempted) == 0 {
		return res
	}

	encrypted := r.cfg.AgeRecipient != ""
	artifact := chain.ArtifactPath(dataset, r.cfg.SnapshotPrefix, st.Target, encrypted)
	targetSnap := chain.SnapshotName(r.cfg.SnapshotPrefix, st.Target)
	baseSnap := ""
	if !st.Full() {
		baseSnap = chain.SnapshotName(r.cfg.SnapshotPrefix, st.Base)
	}

	slog.Info("Sending", "dataset", dataset, "step", res.Label(), "artifact", artifact, "sinks", len(attempted))

	stream, err := r.zfs.Send(ctx, dataset, targetSnap, baseSnap)
	if err != nil {
		res.SendErr = err
		for _, n := range attempted {
			needOutcome[n] = err
		}
		return res
	}
	defer stream.Close()

	var src io.Reader = stream
	if encrypted {
		enc, err := crypto.EncryptingReader(stream, r.cfg.AgeRecipient)
		if err != nil {
			res.SendErr = err
			for _, n := range attempted {
				needOutcome[n] = err
			}
			return res
		}
		defer enc.Close()
		src = enc
	}
	if r.opts.Progress {
		bar := progressbar.DefaultBytes(-1, fmt.Sprintf("%s %s", dataset, res.Label()))
		src = io.TeeReader(src, bar)
		defer func() { _ = bar.Finish() }()
	}

	results := pipeline.Run(ctx, src, artifact, targets, pipeline.Options{
		ChunkSize:  r.cfg.ChunkSizeKiB * 1024,
		QueueDepth: r.cfg.QueueDepth,
	})
	res.Results = results

	kind := manifest.KindIncremental
	if st.Full() {
		kind = manifest.KindFull
	}
	now := time.Now().UTC()
	for i := range results {
		n := attempted[i]
		needOutcome[n] = results[i].Err

		status := manifest.StatusComplete
		if results[i].Err != nil {
			status = manifest.StatusFailed
			slog.Error("Step failed on sink", "dataset", dataset, "step", res.Label(),
				"group", n.Group, "sink", n.Sink, "error", results[i].Err)
		} else {
			slog.Info("Step complete on sink", "dataset", dataset, "step", res.Label(),
				"group", n.Group, "sink", n.Sink, "bytes", results[i].Bytes, "blake3", results[i].Checksum)
		}

		err := r.store.Record(&manifest.Entry{
			TargetGroup: n.Group,
			Sink:        n.Sink,
			Dataset:     dataset,
			Seq:         st.Target,
			Base:        st.Base,
			Kind:        kind,
			Artifact:    artifact,
			Checksum:    results[i].Checksum,
			Bytes:       results[i].Bytes,
			Status:      status,
			Run:         r.runID,
			UpdatedAt:   now,
		})
		if err != nil {
			if errors.Is(err, manifest.ErrEntryComplete) {
				slog.Warn("Manifest row already complete, keeping it", "dataset", dataset,
					"seq", st.Target, "group", n.Group, "sink", n.Sink)
				continue
			}
			results[i].Err = err
			needOutcome[n] = err
		}
	}
	return res
}

func (r *runner) sinkByID(group, id string) sink.Sink {
	for _, s := range r.sinks[group] {
		if s.ID() == id {
			return s
		}
	}
	return nil
}

func (r *runner) addStep(s StepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.Steps = append(r.report.Steps, s)
}

func (r *runner) addErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.Errs = append(r.report.Errs, err)
}

func (r *runner) addBroken(errs []*chain.ChainBrokenError) {
	if len(errs) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.Broken = append(r.report.Broken, errs...)
}

func (r *runner) addDeadSink(d DeadSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.DeadSinks = append(r.report.DeadSinks, d)
}
