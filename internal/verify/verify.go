// Package verify re-reads every complete artifact on its sink and compares
// it against the manifest. Artifacts that are gone or no longer match their
// recorded checksum are demoted, so the next backup run re-sends exactly
// those steps and nothing else. Artifacts that merely could not be read are
// reported but kept, since a transport hiccup says nothing about the data.
package verify

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/schollz/progressbar/v3"

	"zmt/internal/config"
	"zmt/internal/crypto"
	"zmt/internal/manifest"
	"zmt/internal/sink"
	"zmt/internal/util"
)

type Options struct {
	ConfigPath string
	Groups     []string // empty means every target group
	Datasets   []string // empty means every dataset with entries
	Progress   bool
	Debug      bool
}

// Class is the verification outcome of one artifact.
type Class string

const (
	ClassMissing    Class = "missing"    // artifact gone from the sink, row demoted
	ClassMismatch   Class = "mismatch"   // content differs from the manifest, row demoted
	ClassUnreadable Class = "unreadable" // read failed, row kept as is
)

// Finding is one artifact that did not verify clean.
type Finding struct {
	Entry *manifest.Entry
	Class Class
	Err   error
}

// DeadSink is a sink whose preflight failed; none of its rows were checked.
type DeadSink struct {
	Group  string
	SinkID string
	Err    error
}

// Findings is the outcome of one verification run.
type Findings struct {
	Run        string
	Took       time.Duration
	Checked    int
	OK         int
	Missing    int
	Mismatched int
	Unreadable int
	Items      []Finding
	Dead       []DeadSink
}

// Failed reports whether anything needs operator attention.
func (f *Findings) Failed() bool {
	return f.Missing+f.Mismatched+f.Unreadable > 0 || len(f.Dead) > 0
}

// Run verifies the complete manifest rows of every reachable sink in the
// selected target groups. The returned error is fatal setup trouble or
// cancellation; per-artifact trouble lands in the findings.
func Run(ctx context.Context, opts Options) (*Findings, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := util.SetupDirectories(cfg.StateDir); err != nil {
		return nil, err
	}

	logger, logFile, err := util.SetupLogging(cfg.StateDir, "verify", opts.Debug)
	if err != nil {
		return nil, err
	}
	defer logFile.Close()
	slog.SetDefault(logger)

	runID, err := ulid.New(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to generate run id: %w", err)
	}
	slog.Info("Verify run starting", "run", runID.String())

	store, err := manifest.Open(util.ManifestPath(cfg.StateDir))
	if err != nil {
		return nil, err
	}
	defer store.Close()

	groups, err := selectGroups(cfg, opts.Groups)
	if err != nil {
		return nil, err
	}
	datasets := map[string]bool{}
	for _, ds := range opts.Datasets {
		datasets[ds] = true
	}

	v := &verifier{
		cfg:      cfg,
		opts:     opts,
		store:    store,
		runID:    runID.String(),
		datasets: datasets,
		findings: &Findings{Run: runID.String()},
	}

	start := time.Now()
	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			v.findings.Took = time.Since(start)
			return v.findings, err
		}
		if err := v.group(ctx, group); err != nil {
			v.findings.Took = time.Since(start)
			return v.findings, err
		}
	}
	v.findings.Took = time.Since(start)

	f := v.findings
	if f.Failed() {
		slog.Warn("Verify run finished with findings", "run", v.runID, "took", f.Took,
			"checked", f.Checked, "missing", f.Missing, "mismatched", f.Mismatched, "unreadable", f.Unreadable)
	} else {
		slog.Info("Verify run completed", "run", v.runID, "took", f.Took, "checked", f.Checked)
	}
	return f, nil
}

func selectGroups(cfg *config.Config, names []string) ([]*config.TargetGroup, error) {
	if len(names) == 0 {
		out := make([]*config.TargetGroup, 0, len(cfg.TargetGroups))
		for i := range cfg.TargetGroups {
			out = append(out, &cfg.TargetGroups[i])
		}
		return out, nil
	}
	var out []*config.TargetGroup
	for _, name := range names {
		group, err := cfg.FindGroup(name)
		if err != nil {
			return nil, err
		}
		out = append(out, group)
	}
	return out, nil
}

type verifier struct {
	cfg      *config.Config
	opts     Options
	store    *manifest.Store
	runID    string
	datasets map[string]bool
	findings *Findings
}

func (v *verifier) group(ctx context.Context, group *config.TargetGroup) error {
	sinks, err := sink.New(ctx, v.cfg, group)
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

	entries, err := v.store.CompleteEntries(group.Name, "")
	if err != nil {
		return err
	}

	for _, s := range sinks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Check(ctx); err != nil {
			slog.Error("Sink failed preflight check", "group", group.Name, "sink", s.ID(), "error", err)
			v.findings.Dead = append(v.findings.Dead, DeadSink{Group: group.Name, SinkID: s.ID(), Err: err})
			continue
		}
		for _, e := range entries {
			if e.Sink != s.ID() {
				continue
			}
			if len(v.datasets) > 0 && !v.datasets[e.Dataset] {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			v.entry(ctx, s, e)
		}
	}
	return nil
}

func (v *verifier) entry(ctx context.Context, s sink.Sink, e *manifest.Entry) {
	v.findings.Checked++
	log := slog.With("entry", e.Key(), "artifact", e.Artifact)

	rd, err := s.Reader(ctx, e.Artifact)
	if errors.Is(err, sink.ErrNotExist) {
		log.Error("Artifact is gone, demoting entry")
		v.findings.Missing++
		v.findings.Items = append(v.findings.Items, Finding{Entry: e, Class: ClassMissing, Err: err})
		v.demote(e, manifest.StatusMissing)
		return
	}
	if err != nil {
		log.Error("Artifact could not be opened", "error", err)
		v.findings.Unreadable++
		v.findings.Items = append(v.findings.Items, Finding{Entry: e, Class: ClassUnreadable, Err: err})
		return
	}
	defer rd.Close()

	var src io.Reader = rd
	if v.opts.Progress {
		bar := progressbar.DefaultBytes(e.Bytes, e.Key())
		src = io.TeeReader(rd, bar)
		defer func() { _ = bar.Finish() }()
	}

	sum, err := crypto.Sum(src)
	if err != nil {
		log.Error("Artifact could not be read", "error", err)
		v.findings.Unreadable++
		v.findings.Items = append(v.findings.Items, Finding{Entry: e, Class: ClassUnreadable, Err: err})
		return
	}

	if sum != e.Checksum {
		mismatch := &manifest.ChecksumMismatchError{Entry: e, Got: sum}
		log.Error("Artifact does not match its manifest row, demoting entry",
			"want", e.Checksum, "got", sum)
		v.findings.Mismatched++
		v.findings.Items = append(v.findings.Items, Finding{Entry: e, Class: ClassMismatch, Err: mismatch})
		v.demote(e, manifest.StatusFailed)
		return
	}

	v.findings.OK++
	log.Debug("Artifact verified", "blake3", sum)
}

func (v *verifier) demote(e *manifest.Entry, to manifest.Status) {
	if err := v.store.Demote(e, to, v.runID); err != nil {
		slog.Warn("Failed to demote entry", "entry", e.Key(), "error", err)
	}
}
